package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/rmacdonaldsmith/livequery/pkg/datastore"
)

// Dynamic values that permission filters may reference.
const (
	VarCurrentUser = "$CURRENT_USER"
	VarCurrentRole = "$CURRENT_ROLE"
)

// matcher evaluates filter trees against stored JSON documents.
type matcher struct {
	vars map[string]any
}

func newMatcher(acc *datastore.Accountability) *matcher {
	m := &matcher{vars: map[string]any{}}
	if acc != nil {
		m.vars[VarCurrentUser] = acc.User
		m.vars[VarCurrentRole] = acc.Role
	}
	return m
}

// Match reports whether doc satisfies every filter. Nil filters match anything.
func (m *matcher) Match(doc string, filters ...datastore.Filter) (bool, error) {
	for _, f := range filters {
		ok, err := m.matchGroup(doc, "", f)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// matchGroup evaluates the keys of one filter object rooted at path.
func (m *matcher) matchGroup(doc, path string, filter map[string]any) (bool, error) {
	for key, cond := range filter {
		var (
			ok  bool
			err error
		)
		switch {
		case key == "_and" || key == "_or":
			ok, err = m.matchLogical(doc, path, key, cond)
		case strings.HasPrefix(key, "_"):
			ok, err = m.matchOperator(gjson.Get(doc, path), key, cond)
		default:
			ok, err = m.matchField(doc, joinPath(path, key), cond)
		}
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (m *matcher) matchLogical(doc, path, op string, cond any) (bool, error) {
	groups, ok := cond.([]any)
	if !ok {
		return false, fmt.Errorf("%w: %s expects an array of filters", datastore.ErrInvalidQuery, op)
	}
	for _, g := range groups {
		sub, ok := asMap(g)
		if !ok {
			return false, fmt.Errorf("%w: %s expects an array of filters", datastore.ErrInvalidQuery, op)
		}
		matched, err := m.matchGroup(doc, path, sub)
		if err != nil {
			return false, err
		}
		if op == "_or" && matched {
			return true, nil
		}
		if op == "_and" && !matched {
			return false, nil
		}
	}
	return op == "_and", nil
}

func (m *matcher) matchField(doc, path string, cond any) (bool, error) {
	if sub, ok := asMap(cond); ok {
		return m.matchGroup(doc, path, sub)
	}
	return m.matchOperator(gjson.Get(doc, path), "_eq", cond)
}

func (m *matcher) matchOperator(res gjson.Result, op string, arg any) (bool, error) {
	arg = m.resolve(arg)

	switch op {
	case "_eq":
		return equal(res, arg), nil
	case "_neq":
		return !equal(res, arg), nil
	case "_lt", "_lte", "_gt", "_gte":
		c, ok := compare(res, arg)
		if !ok {
			return false, nil
		}
		switch op {
		case "_lt":
			return c < 0, nil
		case "_lte":
			return c <= 0, nil
		case "_gt":
			return c > 0, nil
		default:
			return c >= 0, nil
		}
	case "_in", "_nin":
		list, ok := arg.([]any)
		if !ok {
			return false, fmt.Errorf("%w: %s expects an array", datastore.ErrInvalidQuery, op)
		}
		found := false
		for _, v := range list {
			if equal(res, m.resolve(v)) {
				found = true
				break
			}
		}
		return found == (op == "_in"), nil
	case "_null", "_nnull":
		want, ok := arg.(bool)
		if !ok {
			return false, fmt.Errorf("%w: %s expects a boolean", datastore.ErrInvalidQuery, op)
		}
		isNull := !res.Exists() || res.Type == gjson.Null
		if op == "_nnull" {
			isNull = !isNull
		}
		return isNull == want, nil
	case "_contains", "_ncontains":
		contained := contains(res, arg)
		return contained == (op == "_contains"), nil
	case "_starts_with":
		s, ok := arg.(string)
		return ok && res.Type == gjson.String && strings.HasPrefix(res.Str, s), nil
	case "_ends_with":
		s, ok := arg.(string)
		return ok && res.Type == gjson.String && strings.HasSuffix(res.Str, s), nil
	default:
		return false, fmt.Errorf("%w: unknown operator %q", datastore.ErrInvalidQuery, op)
	}
}

func (m *matcher) resolve(v any) any {
	if s, ok := v.(string); ok {
		if r, ok := m.vars[s]; ok {
			return r
		}
	}
	return v
}

func equal(res gjson.Result, v any) bool {
	if v == nil {
		return !res.Exists() || res.Type == gjson.Null
	}
	if f, ok := toFloat(v); ok {
		return res.Type == gjson.Number && res.Num == f
	}
	switch x := v.(type) {
	case string:
		return res.Type == gjson.String && res.Str == x
	case bool:
		return (res.Type == gjson.True && x) || (res.Type == gjson.False && !x)
	default:
		return false
	}
}

// compare orders res against v. The second result is false when the two are
// not comparable.
func compare(res gjson.Result, v any) (int, bool) {
	if f, ok := toFloat(v); ok {
		if res.Type != gjson.Number {
			return 0, false
		}
		return cmpFloat(res.Num, f), true
	}
	if s, ok := v.(string); ok && res.Type == gjson.String {
		return strings.Compare(res.Str, s), true
	}
	return 0, false
}

func contains(res gjson.Result, v any) bool {
	if res.IsArray() {
		for _, el := range res.Array() {
			if equal(el, v) {
				return true
			}
		}
		return false
	}
	s, ok := v.(string)
	return ok && res.Type == gjson.String && strings.Contains(res.Str, s)
}

// compareResults orders two stored values for sorting. Missing values sort last.
func compareResults(a, b gjson.Result) int {
	aMissing := !a.Exists() || a.Type == gjson.Null
	bMissing := !b.Exists() || b.Type == gjson.Null
	switch {
	case aMissing && bMissing:
		return 0
	case aMissing:
		return 1
	case bMissing:
		return -1
	}
	if a.Type == gjson.Number && b.Type == gjson.Number {
		return cmpFloat(a.Num, b.Num)
	}
	return strings.Compare(a.String(), b.String())
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case uint:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func asMap(v any) (map[string]any, bool) {
	switch x := v.(type) {
	case map[string]any:
		return x, true
	case datastore.Filter:
		return x, true
	case datastore.Item:
		return x, true
	default:
		return nil, false
	}
}

// keyString renders a primary key the same way regardless of whether it came
// from JSON (float64), YAML (int) or a URL (string).
func keyString(key any) string {
	switch k := key.(type) {
	case string:
		return k
	case float64:
		return strconv.FormatFloat(k, 'f', -1, 64)
	case json.Number:
		return k.String()
	default:
		return fmt.Sprint(k)
	}
}

func joinPath(path, field string) string {
	field = fieldPath(field)
	if path == "" {
		return field
	}
	return path + "." + field
}

// escapePath escapes gjson syntax characters in a single field name.
func escapePath(field string) string {
	if !strings.ContainsAny(field, `.*?|#@\!`) {
		return field
	}
	var b strings.Builder
	for _, r := range field {
		if strings.ContainsRune(`.*?|#@\!`, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// fieldPath converts a dotted field reference into a gjson path.
func fieldPath(field string) string {
	parts := strings.Split(field, ".")
	for i, p := range parts {
		parts[i] = escapePath(p)
	}
	return strings.Join(parts, ".")
}
