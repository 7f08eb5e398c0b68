// Package protocol implements the realtime wire protocol.
//
// Every frame is a single envelope. Clients send
//
//	{"type": "SUBSCRIBE", "collection": "articles", "query": {...}, "uid": "a1"}
//	{"type": "UNSUBSCRIBE", "uid": "a1"}
//
// and the server pushes
//
//	{"type": "subscription", "uid": "a1", "data": {"event": "create", "data": {...}}}
//	{"type": "error", "uid": "a1", "error": {"code": "FORBIDDEN", "message": "..."}}
//
// Frames are encoded with a Codec. JSON is the default; CBOR is used when the
// websocket handshake negotiates the "cbor" subprotocol.
package protocol
