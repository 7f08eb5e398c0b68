package wsclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/rmacdonaldsmith/livequery/pkg/datastore"
	"github.com/rmacdonaldsmith/livequery/pkg/protocol"
)

// ErrStreamClosed is returned by stream operations after Close.
var ErrStreamClosed = errors.New("stream closed")

// StreamConfig configures the websocket stream
type StreamConfig struct {
	// Subprotocol selects the wire codec, "json" (default) or "cbor"
	Subprotocol string

	// BufferSize for the message channel
	BufferSize int

	// HandshakeTimeout bounds each dial
	HandshakeTimeout time.Duration

	// WriteTimeout bounds each frame write
	WriteTimeout time.Duration

	// MinReconnectDelay and MaxReconnectDelay bound the exponential backoff
	// between reconnect attempts
	MinReconnectDelay time.Duration
	MaxReconnectDelay time.Duration

	// MaxReconnectAttempts (0 = infinite)
	MaxReconnectAttempts int
}

// SetDefaults sets reasonable default values for StreamConfig
func (sc *StreamConfig) SetDefaults() {
	if sc.Subprotocol == "" {
		sc.Subprotocol = protocol.SubprotocolJSON
	}
	if sc.BufferSize == 0 {
		sc.BufferSize = 100
	}
	if sc.HandshakeTimeout == 0 {
		sc.HandshakeTimeout = 10 * time.Second
	}
	if sc.WriteTimeout == 0 {
		sc.WriteTimeout = 10 * time.Second
	}
	if sc.MinReconnectDelay == 0 {
		sc.MinReconnectDelay = 200 * time.Millisecond
	}
	if sc.MaxReconnectDelay == 0 {
		sc.MaxReconnectDelay = 20 * time.Second
	}
}

// Stream is a websocket connection that keeps its subscriptions across
// reconnects.
type Stream struct {
	client *Client
	config StreamConfig
	codec  protocol.Codec

	mu   sync.Mutex
	conn *websocket.Conn
	subs map[string]protocol.Message

	// writeMu serializes writers; gorilla allows one concurrent writer.
	writeMu sync.Mutex

	messages   chan *Message
	errors     chan error
	done       chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	reconnects atomic.Int64
}

// Connect opens a websocket stream. The first dial happens synchronously so
// that bad credentials fail here; later connection losses are retried with
// backoff until ctx is cancelled or Close is called.
func (c *Client) Connect(ctx context.Context, config StreamConfig) (*Stream, error) {
	config.SetDefaults()

	conn, err := c.dialWebsocket(ctx, config)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s := &Stream{
		client:   c,
		config:   config,
		codec:    protocol.CodecFor(config.Subprotocol),
		conn:     conn,
		subs:     make(map[string]protocol.Message),
		messages: make(chan *Message, config.BufferSize),
		errors:   make(chan error, 10),
		done:     make(chan struct{}),
		ctx:      streamCtx,
		cancel:   cancel,
	}

	go s.run(conn)
	return s, nil
}

// Messages returns the channel of received frames. It is closed when the
// stream ends.
func (s *Stream) Messages() <-chan *Message {
	return s.messages
}

// Errors returns the channel for receiving errors
func (s *Stream) Errors() <-chan error {
	return s.errors
}

// Done returns a channel that's closed when streaming ends
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Reconnects returns how often the stream reconnected.
func (s *Stream) Reconnects() int {
	return int(s.reconnects.Load())
}

// Subscribe subscribes to changes of collection. An empty uid is replaced by a
// generated one, which is returned. The subscription is remembered and sent
// again after every reconnect, even when this send fails.
func (s *Stream) Subscribe(collection string, query *datastore.Query, uid string) (string, error) {
	if uid == "" {
		uid = uuid.NewString()
	}
	msg := protocol.Message{
		Type:       protocol.TypeSubscribe,
		Collection: collection,
		Query:      query,
		UID:        uid,
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return "", ErrStreamClosed
	}
	s.subs[uid] = msg
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return uid, nil // sent once reconnected
	}
	return uid, s.write(conn, msg)
}

// Unsubscribe cancels the subscription with uid, or every subscription of the
// stream when uid is empty.
func (s *Stream) Unsubscribe(uid string) error {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	if uid == "" {
		clear(s.subs)
	} else {
		delete(s.subs, uid)
	}
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	return s.write(conn, protocol.Message{Type: protocol.TypeUnsubscribe, UID: uid})
}

// Subscriptions returns the uids of the active subscriptions.
func (s *Stream) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	uids := make([]string, 0, len(s.subs))
	for uid := range s.subs {
		uids = append(uids, uid)
	}
	return uids
}

// Close stops the stream and waits for the reader to exit
func (s *Stream) Close() error {
	s.mu.Lock()
	s.cancel()
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = conn.Close()
	}

	<-s.done
	return nil
}

func (s *Stream) write(conn *websocket.Conn, msg protocol.Message) error {
	data, err := s.codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", msg.Type, err)
	}
	frameType := websocket.TextMessage
	if s.codec.Binary() {
		frameType = websocket.BinaryMessage
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	if err := conn.WriteMessage(frameType, data); err != nil {
		return fmt.Errorf("failed to send %s message: %w", msg.Type, err)
	}
	return nil
}

// run reads from conn and reconnects whenever the connection is lost
func (s *Stream) run(conn *websocket.Conn) {
	defer close(s.done)
	defer close(s.messages)
	defer close(s.errors)

	b := &backoff.Backoff{
		Min:    s.config.MinReconnectDelay,
		Max:    s.config.MaxReconnectDelay,
		Factor: 2,
		Jitter: true,
	}

	for {
		err := s.read(conn)
		_ = conn.Close()
		if s.ctx.Err() != nil {
			return
		}
		s.reportError(fmt.Errorf("connection lost: %w", err))

		if conn = s.reconnect(b); conn == nil {
			return
		}
	}
}

func (s *Stream) read(conn *websocket.Conn) error {
	// Unblock ReadMessage on cancellation.
	stop := context.AfterFunc(s.ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var f frame
		if err := s.codec.Unmarshal(data, &f); err != nil {
			s.reportError(fmt.Errorf("failed to decode frame: %w", err))
			continue
		}

		select {
		case s.messages <- f.message():
		case <-s.ctx.Done():
			return s.ctx.Err()
		}
	}
}

// reconnect dials until it succeeds, the attempts are exhausted or the stream
// is closed. It returns nil in the latter two cases.
func (s *Stream) reconnect(b *backoff.Backoff) *websocket.Conn {
	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()

	for {
		if limit := s.config.MaxReconnectAttempts; limit > 0 && int(b.Attempt()) >= limit {
			s.reportError(fmt.Errorf("max reconnect attempts (%d) exceeded", limit))
			return nil
		}

		select {
		case <-time.After(b.Duration()):
		case <-s.ctx.Done():
			return nil
		}

		conn, err := s.client.dialWebsocket(s.ctx, s.config)
		if err != nil {
			s.reportError(fmt.Errorf("reconnect failed: %w", err))
			continue
		}

		if err := s.resubscribe(conn); err != nil {
			_ = conn.Close()
			if s.ctx.Err() != nil {
				return nil
			}
			s.reportError(err)
			continue
		}

		b.Reset()
		s.reconnects.Add(1)
		return conn
	}
}

// resubscribe publishes conn and sends every remembered subscription on it.
// Holding mu while sending keeps concurrent Subscribe calls from sending twice.
func (s *Stream) resubscribe(conn *websocket.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return ErrStreamClosed
	}

	for _, msg := range s.subs {
		if err := s.write(conn, msg); err != nil {
			return err
		}
	}
	s.conn = conn
	return nil
}

func (s *Stream) reportError(err error) {
	select {
	case s.errors <- err:
	default:
	}
}

// dialWebsocket opens the websocket endpoint with the current token.
func (c *Client) dialWebsocket(ctx context.Context, config StreamConfig) (*websocket.Conn, error) {
	u := c.baseURL.ResolveReference(&url.URL{Path: "/websocket"})
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if c.token != "" {
		u.RawQuery = url.Values{"access_token": {c.token}}.Encode()
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: config.HandshakeTimeout,
		Subprotocols:     []string{config.Subprotocol},
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			_ = resp.Body.Close()
			return nil, fmt.Errorf("websocket handshake failed: %w", &APIError{StatusCode: resp.StatusCode, Message: string(body)})
		}
		return nil, fmt.Errorf("error dial: %w", err)
	}
	return conn, nil
}
