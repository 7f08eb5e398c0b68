// Package conntest provides an in-memory subscription.Connection for tests.
package conntest

import (
	"context"
	"sync"

	"github.com/rmacdonaldsmith/livequery/pkg/datastore"
	"github.com/rmacdonaldsmith/livequery/pkg/protocol"
	"github.com/rmacdonaldsmith/livequery/pkg/subscription"
)

// Conn records every frame sent to it.
type Conn struct {
	id string

	mu     sync.Mutex
	acc    *datastore.Accountability
	sent   []*protocol.Outbound
	closed bool

	// OnSend, when set, runs before a frame is recorded. Returning an error fails
	// the send.
	OnSend func(msg *protocol.Outbound) error
}

// New creates a connection with the given id and accountability.
func New(id string, acc *datastore.Accountability) *Conn {
	if acc == nil {
		acc = datastore.Public()
	}
	return &Conn{id: id, acc: acc}
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) Accountability() *datastore.Accountability {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acc
}

func (c *Conn) SetAccountability(acc *datastore.Accountability) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acc = acc
}

func (c *Conn) Send(_ context.Context, msg *protocol.Outbound) error {
	if c.OnSend != nil {
		if err := c.OnSend(msg); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return subscription.ErrConnectionClosed
	}
	c.sent = append(c.sent, msg)
	return nil
}

// Close makes every later Send fail with subscription.ErrConnectionClosed.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// Sent returns a copy of the frames sent so far.
func (c *Conn) Sent() []*protocol.Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*protocol.Outbound{}, c.sent...)
}

var _ subscription.Connection = (*Conn)(nil)
