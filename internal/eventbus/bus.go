// Package eventbus is the in-process action emitter that connects the
// transport and the data store to the realtime hooks.
//
// Action names are dotted, e.g. "websocket.message" or "items.create". Meta is
// an untyped map so that sources outside the process (see natsbridge) can feed
// the same handlers.
package eventbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Transport actions.
const (
	WebsocketMessage = "websocket.message"
	WebsocketError   = "websocket.error"
	WebsocketClose   = "websocket.close"
)

// Meta keys of the transport actions.
const (
	KeyClient  = "client"
	KeyMessage = "message"
	KeyError   = "error"
)

// Meta is the payload of an action.
type Meta map[string]any

// Handler reacts to an action.
type Handler func(ctx context.Context, meta Meta)

// Bus dispatches actions to registered handlers.
type Bus interface {
	// OnAction registers handler for an action and returns a function that
	// removes it again.
	OnAction(action string, handler Handler) (remove func())

	// Emit runs every handler of action synchronously, in registration order.
	Emit(ctx context.Context, action string, meta Meta)
}

type registration struct {
	id      uint64
	handler Handler
}

// LocalBus is a Bus that runs handlers on the emitting goroutine.
type LocalBus struct {
	mu       sync.RWMutex
	handlers map[string][]registration
	nextID   uint64
	logger   *logrus.Entry
}

// New creates an empty bus.
func New(logger *logrus.Entry) *LocalBus {
	return &LocalBus{
		handlers: make(map[string][]registration),
		logger:   logger.WithField("component", "eventbus"),
	}
}

func (b *LocalBus) OnAction(action string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	current := b.handlers[action]
	next := make([]registration, len(current), len(current)+1)
	copy(next, current)
	b.handlers[action] = append(next, registration{id: id, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(action, id) })
	}
}

func (b *LocalBus) remove(action string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.handlers[action]
	next := make([]registration, 0, len(current))
	for _, r := range current {
		if r.id != id {
			next = append(next, r)
		}
	}
	if len(next) == 0 {
		delete(b.handlers, action)
		return
	}
	b.handlers[action] = next
}

func (b *LocalBus) Emit(ctx context.Context, action string, meta Meta) {
	b.mu.RLock()
	handlers := b.handlers[action]
	b.mu.RUnlock()

	for _, r := range handlers {
		b.run(ctx, action, r.handler, meta)
	}
}

// HandlerCount returns the number of handlers registered for action.
func (b *LocalBus) HandlerCount(action string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[action])
}

func (b *LocalBus) run(ctx context.Context, action string, h Handler, meta Meta) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(logrus.Fields{
				"action": action,
				"panic":  fmt.Sprint(r),
			}).Error("action handler panicked")
		}
	}()
	h(ctx, meta)
}

var _ Bus = (*LocalBus)(nil)
