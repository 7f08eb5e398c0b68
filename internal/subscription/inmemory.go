package subscription

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rmacdonaldsmith/livequery/pkg/subscription"
)

// InMemoryRegistry implements subscription.Registry.
//
// Each collection maps to a slice that is replaced, never mutated, on every
// change. Snapshot can therefore hand out the current slice without copying and
// dispatchers iterate it without holding the lock.
type InMemoryRegistry struct {
	mu     sync.RWMutex
	subs   map[string][]*subscription.Subscription
	closed bool

	now func() time.Time
}

// NewInMemoryRegistry creates an empty registry.
func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{
		subs: make(map[string][]*subscription.Subscription),
		now:  time.Now,
	}
}

// Subscribe appends a subscription for conn to the collection.
func (r *InMemoryRegistry) Subscribe(collection string, conn subscription.Connection, opts subscription.Options) *subscription.Subscription {
	sub := &subscription.Subscription{
		ID:         uuid.NewString(),
		Collection: collection,
		Conn:       conn,
		Query:      opts.Query,
		UID:        opts.UID,
		CreatedAt:  r.now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return sub
	}

	current := r.subs[collection]
	next := make([]*subscription.Subscription, len(current), len(current)+1)
	copy(next, current)
	r.subs[collection] = append(next, sub)
	return sub
}

// Unsubscribe removes conn's subscriptions, all of them or only those with uid.
func (r *InMemoryRegistry) Unsubscribe(conn subscription.Connection, uid string) int {
	if conn == nil {
		return 0
	}
	connID := conn.ID()
	return r.removeWhere(func(s *subscription.Subscription) bool {
		return s.Matches(connID, uid)
	})
}

// Remove removes one subscription by id.
func (r *InMemoryRegistry) Remove(id string) bool {
	if id == "" {
		return false
	}
	return r.removeWhere(func(s *subscription.Subscription) bool {
		return s.ID == id
	}) > 0
}

func (r *InMemoryRegistry) removeWhere(match func(*subscription.Subscription) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for collection, current := range r.subs {
		var next []*subscription.Subscription
		for i, s := range current {
			if !match(s) {
				if next != nil {
					next = append(next, s)
				}
				continue
			}
			if next == nil {
				next = make([]*subscription.Subscription, i, len(current))
				copy(next, current[:i])
			}
			removed++
		}
		if next == nil {
			continue
		}
		if len(next) == 0 {
			delete(r.subs, collection)
			continue
		}
		r.subs[collection] = next
	}
	return removed
}

// Snapshot returns the subscriptions of a collection. The result is shared and
// must not be modified.
func (r *InMemoryRegistry) Snapshot(collection string) []*subscription.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.subs[collection]
}

// Subscriptions returns all subscriptions ordered by collection name, then by
// subscription order within the collection.
func (r *InMemoryRegistry) Subscriptions() []*subscription.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	collections := make([]string, 0, len(r.subs))
	total := 0
	for collection, subs := range r.subs {
		collections = append(collections, collection)
		total += len(subs)
	}
	sort.Strings(collections)

	all := make([]*subscription.Subscription, 0, total)
	for _, collection := range collections {
		all = append(all, r.subs[collection]...)
	}
	return all
}

// ConnectionSubscriptions returns the subscriptions held by one connection.
func (r *InMemoryRegistry) ConnectionSubscriptions(connID string) []*subscription.Subscription {
	var result []*subscription.Subscription
	for _, s := range r.Subscriptions() {
		if s.Conn.ID() == connID {
			result = append(result, s)
		}
	}
	return result
}

// CollectionCount returns the number of collections with subscriptions.
func (r *InMemoryRegistry) CollectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// SubscriptionCount returns the number of subscriptions.
func (r *InMemoryRegistry) SubscriptionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, subs := range r.subs {
		total += len(subs)
	}
	return total
}

// Close drops every subscription. Subscribe calls after Close are not recorded.
func (r *InMemoryRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.subs = make(map[string][]*subscription.Subscription)
	r.closed = true
	return nil
}

var _ subscription.Registry = (*InMemoryRegistry)(nil)
