// Package realtime connects transport and mutation actions to the
// subscription registry and the dispatcher.
package realtime

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/rmacdonaldsmith/livequery/internal/eventbus"
	"github.com/rmacdonaldsmith/livequery/pkg/datastore"
	"github.com/rmacdonaldsmith/livequery/pkg/mutation"
	"github.com/rmacdonaldsmith/livequery/pkg/protocol"
	"github.com/rmacdonaldsmith/livequery/pkg/subscription"
)

// DefaultModules are the action prefixes bound when none are configured.
var DefaultModules = []string{"items"}

// Dispatcher delivers mutation events.
type Dispatcher interface {
	Dispatch(ctx context.Context, event mutation.Event)
}

// Config configures a Handler.
type Config struct {
	// Modules whose create, update and delete actions are dispatched.
	Modules []string

	// RejectFailedSubscribe answers a subscribe whose validation read fails
	// with an error frame. When false the failure is only logged.
	RejectFailedSubscribe bool
}

// SetDefaults fills in unset fields.
func (c *Config) SetDefaults() {
	if len(c.Modules) == 0 {
		c.Modules = append([]string(nil), DefaultModules...)
	}
}

// Handler processes client messages and lifecycle actions.
type Handler struct {
	config     Config
	registry   subscription.Registry
	reader     datastore.Reader
	dispatcher Dispatcher
	logger     *logrus.Entry

	removers []func()
}

// NewHandler creates a Handler. Call Bind to attach it to a bus.
func NewHandler(cfg Config, registry subscription.Registry, reader datastore.Reader, dispatcher Dispatcher, logger *logrus.Entry) *Handler {
	cfg.SetDefaults()
	return &Handler{
		config:     cfg,
		registry:   registry,
		reader:     reader,
		dispatcher: dispatcher,
		logger:     logger.WithField("component", "realtime"),
	}
}

// Bind registers the handler's actions on bus.
func (h *Handler) Bind(bus eventbus.Bus) {
	h.removers = append(h.removers,
		bus.OnAction(eventbus.WebsocketMessage, h.onMessageAction),
		bus.OnAction(eventbus.WebsocketError, h.onDisconnectAction),
		bus.OnAction(eventbus.WebsocketClose, h.onDisconnectAction),
	)

	for _, module := range h.config.Modules {
		for _, op := range mutation.Operations {
			action := module + "." + op.String()
			h.removers = append(h.removers, bus.OnAction(action, h.mutationAction(action)))
		}
	}
}

// Unbind removes every action registered by Bind.
func (h *Handler) Unbind() {
	for _, remove := range h.removers {
		remove()
	}
	h.removers = nil
}

// OnMessage handles one client message. The returned error is meant to be sent
// back to the client.
func (h *Handler) OnMessage(ctx context.Context, conn subscription.Connection, msg *protocol.Message) error {
	switch strings.ToUpper(msg.Type) {
	case protocol.TypeSubscribe:
		return h.subscribe(ctx, conn, msg)
	case protocol.TypeUnsubscribe:
		n := h.registry.Unsubscribe(conn, msg.UID)
		h.logger.WithFields(logrus.Fields{
			"connection": conn.ID(),
			"uid":        msg.UID,
			"removed":    n,
		}).Debug("unsubscribed")
		return nil
	default:
		h.logger.WithFields(logrus.Fields{
			"connection": conn.ID(),
			"type":       msg.Type,
		}).Debug("ignoring message")
		return nil
	}
}

func (h *Handler) subscribe(ctx context.Context, conn subscription.Connection, msg *protocol.Message) error {
	log := h.logger.WithFields(logrus.Fields{
		"connection": conn.ID(),
		"collection": msg.Collection,
		"uid":        msg.UID,
	})

	var err error
	if msg.Collection == "" {
		err = protocol.NewError(protocol.CodeInvalidPayload, "collection is required")
	} else {
		_, err = h.reader.ReadByQuery(ctx, msg.Collection, msg.Query.WithLimit(1), conn.Accountability())
	}
	if err != nil {
		log.WithError(err).Debug("subscribe rejected")
		if h.config.RejectFailedSubscribe {
			return err
		}
		return nil
	}

	sub := h.registry.Subscribe(msg.Collection, conn, subscription.Options{
		Query: msg.Query,
		UID:   msg.UID,
	})
	log.WithField("subscription", sub.ID).Debug("subscribed")
	return nil
}

// Disconnect drops every subscription of conn.
func (h *Handler) Disconnect(conn subscription.Connection) {
	if n := h.registry.Unsubscribe(conn, ""); n > 0 {
		h.logger.WithFields(logrus.Fields{
			"connection": conn.ID(),
			"removed":    n,
		}).Debug("removed subscriptions of disconnected client")
	}
}

func (h *Handler) onMessageAction(ctx context.Context, meta eventbus.Meta) {
	conn, ok := meta[eventbus.KeyClient].(subscription.Connection)
	if !ok {
		h.logger.Warn("websocket.message without client")
		return
	}
	msg, _ := meta[eventbus.KeyMessage].(*protocol.Message)

	uid := ""
	if msg != nil {
		uid = msg.UID
	}

	defer func() {
		if r := recover(); r != nil {
			h.logger.WithFields(logrus.Fields{
				"connection": conn.ID(),
				"panic":      fmt.Sprint(r),
				"stack":      string(debug.Stack()),
			}).Error("message handler panicked")
			h.reply(ctx, conn, protocol.ErrorMessage(fmt.Errorf("panic: %v", r), uid))
		}
	}()

	if msg == nil {
		h.reply(ctx, conn, protocol.ErrorMessage(protocol.NewError(protocol.CodeInvalidPayload, "message is required"), ""))
		return
	}
	if err := h.OnMessage(ctx, conn, msg); err != nil {
		h.reply(ctx, conn, protocol.ErrorMessage(err, uid))
	}
}

func (h *Handler) onDisconnectAction(_ context.Context, meta eventbus.Meta) {
	conn, ok := meta[eventbus.KeyClient].(subscription.Connection)
	if !ok {
		return
	}
	h.Disconnect(conn)
}

func (h *Handler) mutationAction(action string) eventbus.Handler {
	return func(ctx context.Context, meta eventbus.Meta) {
		event, err := NormalizeAction(action, meta)
		if err != nil {
			h.logger.WithError(err).Warn("ignoring mutation action")
			return
		}
		h.logger.WithFields(logrus.Fields{
			"action":     action,
			"collection": event.Collection,
		}).Debug("mutation action")
		h.dispatcher.Dispatch(ctx, event)
	}
}

func (h *Handler) reply(ctx context.Context, conn subscription.Connection, msg *protocol.Outbound) {
	if err := conn.Send(ctx, msg); err != nil {
		h.logger.WithError(err).WithField("connection", conn.ID()).Debug("failed to send reply")
	}
}
