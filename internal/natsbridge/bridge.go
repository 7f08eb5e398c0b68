// Package natsbridge feeds mutation events published on NATS into the local
// event bus, so writes committed by other services reach realtime subscribers.
//
// A message on <prefix>.<module>.<operation> carries the JSON action meta,
// e.g. {"collection":"articles","keys":[1,2]}, and is emitted on the bus as
// <module>.<operation>.
package natsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/rmacdonaldsmith/livequery/internal/eventbus"
	"github.com/rmacdonaldsmith/livequery/pkg/mutation"
)

const (
	DefaultSubjectPrefix = "livequery"
	DefaultReconnectWait = 2 * time.Second
	DefaultMaxReconnects = 60
)

// Config configures a Bridge.
type Config struct {
	URL           string
	Name          string
	SubjectPrefix string
	Modules       []string
	ReconnectWait time.Duration
	MaxReconnects int
}

// SetDefaults fills in unset fields.
func (c *Config) SetDefaults() {
	if c.Name == "" {
		c.Name = "livequery"
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = DefaultSubjectPrefix
	}
	if len(c.Modules) == 0 {
		c.Modules = []string{"items"}
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = DefaultReconnectWait
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = DefaultMaxReconnects
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.URL == "" {
		return errors.New("nats url cannot be empty")
	}
	if strings.ContainsAny(c.SubjectPrefix, "*> ") {
		return fmt.Errorf("invalid subject prefix %q", c.SubjectPrefix)
	}
	return nil
}

// Subject returns the subject a module operation is published on.
func Subject(prefix, module string, op mutation.Operation) string {
	return prefix + "." + module + "." + op.String()
}

// Bridge subscribes to mutation subjects and re-emits them on a bus.
type Bridge struct {
	config Config
	bus    eventbus.Bus
	logger *logrus.Entry

	mu   sync.Mutex
	nc   *nats.Conn
	subs []*nats.Subscription
	ctx  context.Context
}

// New creates a Bridge. It does not connect until Start.
func New(cfg Config, bus eventbus.Bus, logger *logrus.Entry) (*Bridge, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid nats config: %w", err)
	}
	return &Bridge{
		config: cfg,
		bus:    bus,
		logger: logger.WithField("component", "natsbridge"),
		ctx:    context.Background(),
	}, nil
}

func (b *Bridge) options() []nats.Option {
	return []nats.Option{
		nats.Name(b.config.Name),
		nats.MaxReconnects(b.config.MaxReconnects),
		nats.ReconnectWait(b.config.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				b.logger.WithError(err).Warn("disconnected from nats")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.WithField("url", nc.ConnectedUrl()).Info("reconnected to nats")
		}),
	}
}

// Start connects and subscribes. ctx is passed to the bus for every message.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.nc != nil {
		return errors.New("bridge already started")
	}

	nc, err := nats.Connect(b.config.URL, b.options()...)
	if err != nil {
		return fmt.Errorf("failed to connect to nats: %w", err)
	}

	b.ctx = ctx
	for _, module := range b.config.Modules {
		for _, op := range mutation.Operations {
			subject := Subject(b.config.SubjectPrefix, module, op)
			sub, err := nc.Subscribe(subject, b.handleMsg)
			if err != nil {
				nc.Close()
				b.subs = nil
				return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
			}
			b.subs = append(b.subs, sub)
		}
	}
	if err := nc.Flush(); err != nil {
		nc.Close()
		b.subs = nil
		return fmt.Errorf("failed to flush nats subscriptions: %w", err)
	}

	b.nc = nc
	b.logger.WithFields(logrus.Fields{
		"url":           b.config.URL,
		"subscriptions": len(b.subs),
	}).Info("nats bridge started")
	return nil
}

// Stop drains the subscriptions and closes the connection.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.nc == nil {
		return nil
	}
	err := b.nc.Drain()
	b.nc = nil
	b.subs = nil
	if err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("failed to drain nats connection: %w", err)
	}
	b.logger.Info("nats bridge stopped")
	return nil
}

// Connected reports whether the bridge holds a live connection.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nc != nil && b.nc.IsConnected()
}

func (b *Bridge) handleMsg(msg *nats.Msg) {
	action, err := b.actionFor(msg.Subject)
	if err != nil {
		b.logger.WithError(err).Warn("ignoring nats message")
		return
	}

	var meta eventbus.Meta
	if err := json.Unmarshal(msg.Data, &meta); err != nil {
		b.logger.WithError(err).WithField("subject", msg.Subject).Warn("invalid mutation payload")
		return
	}

	b.logger.WithField("action", action).Debug("forwarding nats mutation")
	b.bus.Emit(b.context(), action, meta)
}

func (b *Bridge) context() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ctx
}

// actionFor maps <prefix>.<module>.<op> onto <module>.<op>.
func (b *Bridge) actionFor(subject string) (string, error) {
	rest, ok := strings.CutPrefix(subject, b.config.SubjectPrefix+".")
	if !ok {
		return "", fmt.Errorf("unexpected subject %q", subject)
	}
	module, op, ok := strings.Cut(rest, ".")
	if !ok || module == "" {
		return "", fmt.Errorf("unexpected subject %q", subject)
	}
	parsed, err := mutation.ParseOperation(op)
	if err != nil {
		return "", err
	}
	return module + "." + parsed.String(), nil
}
