package subscription

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rmacdonaldsmith/livequery/pkg/datastore"
	"github.com/rmacdonaldsmith/livequery/pkg/protocol"
)

// ErrConnectionClosed is returned by Send once the transport is gone.
var ErrConnectionClosed = errors.New("connection closed")

// Connection is a single client session.
type Connection interface {
	// ID returns the unique identifier of the session. The registry uses it as
	// the connection identity.
	ID() string

	// Accountability returns the current authorization context.
	Accountability() *datastore.Accountability

	// SetAccountability replaces the authorization context after a refresh.
	SetAccountability(acc *datastore.Accountability)

	// Send pushes a frame to the client.
	Send(ctx context.Context, msg *protocol.Outbound) error
}

// Options are the client-supplied parts of a subscription.
type Options struct {
	Query *datastore.Query
	UID   string
}

// Subscription is a connection's interest in a collection. Subscriptions are
// immutable once created.
type Subscription struct {
	// ID is assigned by the registry.
	ID         string
	Collection string
	Conn       Connection
	Query      *datastore.Query
	UID        string
	CreatedAt  time.Time
}

// Matches reports whether the subscription belongs to conn and, when uid is not
// empty, carries that uid.
func (s *Subscription) Matches(connID, uid string) bool {
	return s.Conn.ID() == connID && (uid == "" || s.UID == uid)
}

// Registry tracks subscriptions per collection.
type Registry interface {
	io.Closer

	// Subscribe appends a subscription for conn. It performs no validation.
	Subscribe(collection string, conn Connection, opts Options) *Subscription

	// Unsubscribe removes every subscription of conn across all collections,
	// narrowed to uid when uid is not empty. It returns the number removed.
	Unsubscribe(conn Connection, uid string) int

	// Remove removes the subscription with the given registry-assigned id.
	Remove(id string) bool

	// Snapshot returns the subscriptions for a collection at this instant. The
	// returned slice is never modified by the registry.
	Snapshot(collection string) []*Subscription

	// Subscriptions returns every subscription, ordered by collection.
	Subscriptions() []*Subscription

	// ConnectionSubscriptions returns the subscriptions held by one connection.
	ConnectionSubscriptions(connID string) []*Subscription

	// CollectionCount returns the number of collections with at least one subscription.
	CollectionCount() int

	// SubscriptionCount returns the total number of subscriptions.
	SubscriptionCount() int
}
