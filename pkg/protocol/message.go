package protocol

import (
	"fmt"
	"strings"

	"github.com/rmacdonaldsmith/livequery/pkg/datastore"
	"github.com/rmacdonaldsmith/livequery/pkg/mutation"
)

// Inbound message types. Matching is case-insensitive.
const (
	TypeSubscribe   = "SUBSCRIBE"
	TypeUnsubscribe = "UNSUBSCRIBE"
)

// Outbound message types.
const (
	TypeSubscription = "subscription"
	TypeError        = "error"
)

// Message is a frame received from a client.
type Message struct {
	Type       string           `json:"type"`
	Collection string           `json:"collection,omitempty"`
	Query      *datastore.Query `json:"query,omitempty"`
	UID        string           `json:"uid,omitempty"`
}

// Outbound is a frame sent to a client.
type Outbound struct {
	Type  string `json:"type"`
	UID   string `json:"uid,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// SubscriptionData is the data of a subscription push.
type SubscriptionData struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Decode decodes a client frame. The message type is upper-cased so that
// "subscribe" and "SUBSCRIBE" are equivalent.
//
// A well-formed document with a mistyped field still yields the partially
// decoded message alongside the error, so the caller can address the error
// frame with its uid. Nil is returned only when data is not a document.
func Decode(codec Codec, data []byte) (*Message, error) {
	var msg Message
	if err := codec.Unmarshal(data, &msg); err != nil {
		derr := NewError(CodeInvalidPayload, "unable to decode %s message: %v", codec.Name(), err)
		if isTypeError(err) {
			return &msg, derr
		}
		return nil, derr
	}
	msg.Type = strings.ToUpper(strings.TrimSpace(msg.Type))
	if msg.Type == "" {
		return &msg, NewError(CodeInvalidPayload, "message type is required")
	}
	return &msg, nil
}

// Encode encodes a server frame.
func Encode(codec Codec, msg *Outbound) ([]byte, error) {
	data, err := codec.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", msg.Type, err)
	}
	return data, nil
}

// FmtMessage builds an outbound frame of the given type.
func FmtMessage(typ string, data any, uid string) *Outbound {
	return &Outbound{
		Type: typ,
		UID:  uid,
		Data: data,
	}
}

// SubscriptionMessage builds the push sent to a subscriber for one event.
func SubscriptionMessage(op mutation.Operation, data any, uid string) *Outbound {
	return FmtMessage(TypeSubscription, SubscriptionData{
		Event: op.String(),
		Data:  data,
	}, uid)
}
