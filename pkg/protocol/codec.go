package protocol

import (
	"encoding/json"
	"errors"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Websocket subprotocol names.
const (
	SubprotocolJSON = "json"
	SubprotocolCBOR = "cbor"
)

// Codec encodes and decodes frames.
type Codec interface {
	// Name returns the subprotocol name of the codec.
	Name() string

	// Binary reports whether frames must be sent as binary messages.
	Binary() bool

	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

var (
	// JSON is the default codec.
	JSON Codec = jsonCodec{}

	// CBOR encodes frames as CBOR, decoding nested maps as map[string]any so that
	// filters look the same as with JSON.
	CBOR Codec = newCBORCodec()
)

// Subprotocols lists the subprotocols a server accepts, in preference order.
func Subprotocols() []string {
	return []string{SubprotocolJSON, SubprotocolCBOR}
}

// CodecFor returns the codec for a negotiated subprotocol. Anything unknown,
// including no subprotocol, falls back to JSON.
func CodecFor(subprotocol string) Codec {
	if subprotocol == SubprotocolCBOR {
		return CBOR
	}
	return JSON
}

type jsonCodec struct{}

func (jsonCodec) Name() string                       { return SubprotocolJSON }
func (jsonCodec) Binary() bool                       { return false }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() *cborCodec {
	enc, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	dec, err := cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}.DecMode()
	if err != nil {
		panic(err)
	}
	return &cborCodec{enc: enc, dec: dec}
}

func (c *cborCodec) Name() string                       { return SubprotocolCBOR }
func (c *cborCodec) Binary() bool                       { return true }
func (c *cborCodec) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c *cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }

// isTypeError reports whether a decode error concerns a single value of an
// otherwise valid document. Both codecs keep decoding past such values.
func isTypeError(err error) bool {
	var jsonErr *json.UnmarshalTypeError
	var cborErr *cbor.UnmarshalTypeError
	return errors.As(err, &jsonErr) || errors.As(err, &cborErr)
}
