package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/rmacdonaldsmith/livequery/internal/auth"
	"github.com/rmacdonaldsmith/livequery/internal/eventbus"
	"github.com/rmacdonaldsmith/livequery/pkg/datastore"
	"github.com/rmacdonaldsmith/livequery/pkg/protocol"
	"github.com/rmacdonaldsmith/livequery/pkg/subscription"
)

// AccessTokenParam is the query parameter browsers use to pass a token, since
// they cannot set headers on websocket upgrades.
const AccessTokenParam = "access_token"

const closeGracePeriod = time.Second

// WebsocketConfig configures the websocket transport.
type WebsocketConfig struct {
	AllowAnonymous bool
	MaxMessageSize int64
	WriteWait      time.Duration
	PongWait       time.Duration
	CheckOrigin    func(r *http.Request) bool
}

// SetDefaults fills in unset fields.
func (c *WebsocketConfig) SetDefaults() {
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 64 * 1024
	}
	if c.WriteWait == 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait == 0 {
		c.PongWait = 60 * time.Second
	}
}

// WebsocketHandler upgrades requests and turns every frame and disconnect into
// a bus action.
type WebsocketHandler struct {
	bus     eventbus.Bus
	auth    *auth.Bridge
	config  WebsocketConfig
	upgrade *websocket.Upgrader
	logger  *logrus.Entry

	mu    sync.Mutex
	conns map[string]*wsConn
}

// NewWebsocketHandler creates a websocket handler emitting on bus.
func NewWebsocketHandler(bus eventbus.Bus, bridge *auth.Bridge, config WebsocketConfig, logger *logrus.Entry) *WebsocketHandler {
	config.SetDefaults()
	upgrade := &websocket.Upgrader{
		Subprotocols: protocol.Subprotocols(),
	}
	if config.CheckOrigin != nil {
		upgrade.CheckOrigin = config.CheckOrigin
	}

	return &WebsocketHandler{
		bus:     bus,
		auth:    bridge,
		config:  config,
		upgrade: upgrade,
		logger:  logger.WithField("component", "websocket"),
		conns:   make(map[string]*wsConn),
	}
}

func (h *WebsocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get(AccessTokenParam)
	if token == "" {
		token = extractToken(r)
	}
	if token == "" && !h.config.AllowAnonymous {
		writeError(w, "Access token required", http.StatusUnauthorized)
		return
	}

	acc, err := h.auth.Authenticate(token)
	if err != nil {
		writeError(w, "Invalid token: "+err.Error(), http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrade.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.WithError(err).Debug("websocket upgrade error")
		return
	}

	conn := newWSConn(ws, protocol.CodecFor(ws.Subprotocol()), acc, h.config.WriteWait)
	log := h.logger.WithFields(logrus.Fields{
		"connection": conn.ID(),
		"user":       acc.User,
		"codec":      conn.codec.Name(),
	})

	h.track(conn)
	defer h.untrack(conn)

	log.Debug("client connection established")
	defer func(started time.Time) {
		log.WithField("duration", time.Since(started)).Debug("client connection completed")
	}(time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go conn.pingLoop(ctx, h.config.PongWait*9/10, log)
	h.readLoop(ctx, conn, log)
}

// readLoop decodes frames until the connection fails, then emits
// websocket.close or websocket.error.
func (h *WebsocketHandler) readLoop(ctx context.Context, conn *wsConn, log *logrus.Entry) {
	ws := conn.ws
	ws.SetReadLimit(h.config.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(h.config.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.config.PongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			conn.markClosed()
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				h.bus.Emit(ctx, eventbus.WebsocketClose, eventbus.Meta{eventbus.KeyClient: conn})
			} else {
				log.WithError(err).Debug("websocket read error")
				h.bus.Emit(ctx, eventbus.WebsocketError, eventbus.Meta{
					eventbus.KeyClient: conn,
					eventbus.KeyError:  err,
				})
			}
			_ = ws.Close()
			return
		}

		msg, err := protocol.Decode(conn.codec, data)
		if err != nil {
			uid := ""
			if msg != nil {
				uid = msg.UID
			}
			if serr := conn.Send(ctx, protocol.ErrorMessage(err, uid)); serr != nil {
				log.WithError(serr).Debug("failed to send decode error")
			}
			continue
		}

		h.bus.Emit(ctx, eventbus.WebsocketMessage, eventbus.Meta{
			eventbus.KeyClient:  conn,
			eventbus.KeyMessage: msg,
		})
	}
}

func (h *WebsocketHandler) track(c *wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.ID()] = c
}

func (h *WebsocketHandler) untrack(c *wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c.ID())
}

// Count returns the number of open connections.
func (h *WebsocketHandler) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// CloseAll sends a going-away close frame to every open connection. Their
// read loops then emit websocket.close.
func (h *WebsocketHandler) CloseAll() {
	h.mu.Lock()
	conns := make([]*wsConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutdown")
	}
}

// wsConn is a subscription.Connection over a gorilla websocket.
type wsConn struct {
	id        string
	ws        *websocket.Conn
	codec     protocol.Codec
	writeWait time.Duration

	accMu sync.RWMutex
	acc   *datastore.Accountability

	// writeMu serializes writers; gorilla allows one concurrent writer.
	writeMu sync.Mutex
	closed  bool
}

func newWSConn(ws *websocket.Conn, codec protocol.Codec, acc *datastore.Accountability, writeWait time.Duration) *wsConn {
	return &wsConn{
		id:        uuid.NewString(),
		ws:        ws,
		codec:     codec,
		writeWait: writeWait,
		acc:       acc,
	}
}

func (c *wsConn) ID() string {
	return c.id
}

func (c *wsConn) Accountability() *datastore.Accountability {
	c.accMu.RLock()
	defer c.accMu.RUnlock()
	return c.acc
}

func (c *wsConn) SetAccountability(acc *datastore.Accountability) {
	c.accMu.Lock()
	defer c.accMu.Unlock()
	c.acc = acc
}

func (c *wsConn) Send(ctx context.Context, msg *protocol.Outbound) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := protocol.Encode(c.codec, msg)
	if err != nil {
		return err
	}

	frame := websocket.TextMessage
	if c.codec.Binary() {
		frame = websocket.BinaryMessage
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return subscription.ErrConnectionClosed
	}
	_ = c.ws.SetWriteDeadline(c.deadline(ctx))
	if err := c.ws.WriteMessage(frame, data); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return subscription.ErrConnectionClosed
		}
		return err
	}
	return nil
}

func (c *wsConn) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(c.writeWait)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		return ctxDeadline
	}
	return d
}

func (c *wsConn) pingLoop(ctx context.Context, period time.Duration, log *logrus.Entry) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			if c.closed {
				c.writeMu.Unlock()
				return
			}
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait))
			c.writeMu.Unlock()
			if err != nil {
				log.WithError(err).Debug("ping failed")
				return
			}
		}
	}
}

func (c *wsConn) markClosed() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.closed = true
}

func (c *wsConn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
	// The read loop sees the peer's close reply, or the deadline, and exits.
	_ = c.ws.SetReadDeadline(time.Now().Add(closeGracePeriod))
}

var _ subscription.Connection = (*wsConn)(nil)
