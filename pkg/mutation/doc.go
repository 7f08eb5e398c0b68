// Package mutation describes committed writes as the realtime layer sees them.
//
// Whatever the source (the in-process store, a NATS subject, a test), a write is
// normalised into one canonical Event before it reaches the dispatcher:
//
//	ev := mutation.Event{
//		Collection: "articles",
//		Operation:  mutation.Create,
//		Keys:       []any{42},
//	}
//
// Delete events carry the deleted records in Payload because there is nothing
// left to read back once the write has committed.
package mutation
