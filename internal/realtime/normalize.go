package realtime

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/rmacdonaldsmith/livequery/internal/eventbus"
	"github.com/rmacdonaldsmith/livequery/pkg/mutation"
)

// NormalizeAction turns the meta of a <module>.<operation> action into a
// mutation event. Create actions carry a single "key", update and delete
// actions carry "keys"; either form is accepted for every operation.
func NormalizeAction(action string, meta eventbus.Meta) (mutation.Event, error) {
	idx := strings.LastIndex(action, ".")
	op, err := mutation.ParseOperation(action[idx+1:])
	if err != nil {
		return mutation.Event{}, err
	}

	collection, _ := meta["collection"].(string)
	event := mutation.Event{
		Collection: collection,
		Operation:  op,
	}

	if key, ok := meta["key"]; ok && key != nil {
		event.Keys = []any{key}
	} else if keys, ok := meta["keys"]; ok {
		event.Keys = toSlice(keys)
	}
	if payload, ok := meta["payload"]; ok && payload != nil {
		event.Payload = toSlice(payload)
	}

	if err := event.Validate(); err != nil {
		return mutation.Event{}, fmt.Errorf("invalid %s action: %w", action, err)
	}
	return event, nil
}

// toSlice converts any slice into []any. Other values become a one element
// slice.
func toSlice(v any) []any {
	switch x := v.(type) {
	case []any:
		return x
	case nil:
		return nil
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return []any{v}
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}
