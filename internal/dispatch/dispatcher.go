// Package dispatch fans committed mutation events out to the subscriptions of
// the affected collection. Every delivery re-authorizes the connection and
// re-runs the subscriber's query, so a subscriber only ever sees records it
// could read at the time of the event.
package dispatch

import (
	"context"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/rmacdonaldsmith/livequery/internal/auth"
	"github.com/rmacdonaldsmith/livequery/pkg/datastore"
	"github.com/rmacdonaldsmith/livequery/pkg/mutation"
	"github.com/rmacdonaldsmith/livequery/pkg/protocol"
	"github.com/rmacdonaldsmith/livequery/pkg/subscription"
)

// Stats are cumulative dispatcher counters.
type Stats struct {
	Events     uint64 `json:"events"`
	Deliveries uint64 `json:"deliveries"`
	Empty      uint64 `json:"empty"`
	Failures   uint64 `json:"failures"`
}

// Dispatcher delivers mutation events to subscribers.
type Dispatcher struct {
	registry  subscription.Registry
	reader    datastore.Reader
	refresher auth.Refresher
	logger    *logrus.Entry

	events     atomic.Uint64
	deliveries atomic.Uint64
	empty      atomic.Uint64
	failures   atomic.Uint64
}

// New creates a Dispatcher.
func New(registry subscription.Registry, reader datastore.Reader, refresher auth.Refresher, logger *logrus.Entry) *Dispatcher {
	return &Dispatcher{
		registry:  registry,
		reader:    reader,
		refresher: refresher,
		logger:    logger.WithField("component", "dispatch"),
	}
}

// Dispatch delivers event to every subscription of its collection, in
// subscription order. Failures only affect the subscription they occur for and
// are logged, never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, event mutation.Event) {
	if err := event.Validate(); err != nil {
		d.logger.WithError(err).Warn("dropping invalid mutation event")
		return
	}
	d.events.Add(1)

	subs := d.registry.Snapshot(event.Collection)
	if len(subs) == 0 {
		return
	}

	log := d.logger.WithFields(logrus.Fields{
		"collection": event.Collection,
		"event":      event.Operation,
	})
	log.WithField("subscribers", len(subs)).Debug("dispatching event")

	for _, sub := range subs {
		d.deliver(ctx, log, sub, event)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, log *logrus.Entry, sub *subscription.Subscription, event mutation.Event) {
	log = log.WithFields(logrus.Fields{
		"subscription": sub.ID,
		"connection":   sub.Conn.ID(),
	})

	acc, err := d.refresher.Refresh(ctx, sub.Conn.Accountability())
	if err != nil {
		d.failures.Add(1)
		log.WithError(err).Debug("failed to refresh accountability")
		return
	}
	sub.Conn.SetAccountability(acc)

	var results []any
	if event.Operation == mutation.Delete {
		results = event.Payload
	} else {
		items, err := d.reader.ReadByKeys(ctx, event.Collection, event.Keys, sub.Query, acc)
		if err != nil {
			d.failures.Add(1)
			log.WithError(err).Debug("failed to read event items")
			return
		}
		results = make([]any, len(items))
		for i, item := range items {
			results[i] = item
		}
	}

	if len(results) == 0 {
		d.empty.Add(1)
		return
	}

	var data any = results
	if event.Single() {
		data = results[0]
	}

	if err := sub.Conn.Send(ctx, protocol.SubscriptionMessage(event.Operation, data, sub.UID)); err != nil {
		d.failures.Add(1)
		log.WithError(err).Warn("failed to send subscription message")
		return
	}
	d.deliveries.Add(1)
}

// Stats returns a copy of the counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Events:     d.events.Load(),
		Deliveries: d.deliveries.Load(),
		Empty:      d.empty.Load(),
		Failures:   d.failures.Load(),
	}
}
