// Package subscription defines the contracts of the subscription registry.
//
// The registry maps a collection name to the subscriptions interested in it:
//   - Connection: a client session that can be sent frames and carries an accountability
//   - Subscription: a connection's standing interest in one collection, with an optional
//     query and a client-chosen correlation id (uid)
//   - Registry: the mapping itself
//
// A connection may subscribe to the same collection several times; every call
// creates a new entry and nothing is deduplicated. Entries are removed by
// connection (optionally narrowed by uid) or by their server-assigned id:
//
//	sub := registry.Subscribe("articles", conn, subscription.Options{UID: "a1"})
//	...
//	registry.Unsubscribe(conn, "a1") // only the a1 subscription
//	registry.Unsubscribe(conn, "")   // everything conn holds
//
// Snapshot returns a point-in-time copy, so callers may iterate it while other
// goroutines keep subscribing and unsubscribing.
package subscription
