package store

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/rmacdonaldsmith/livequery/internal/eventbus"
	"github.com/rmacdonaldsmith/livequery/pkg/datastore"
)

const testPolicy = `
collections:
  articles: {}
  secrets: {}
  slugs:
    primaryKey: slug
public:
  articles:
    read:
      filter:
        status: published
      fields: [id, title, status]
roles:
  editor:
    articles:
      read: {}
      create:
        fields: [title, status, author, id]
      update:
        filter:
          author:
            _eq: $CURRENT_USER
      delete: {}
    slugs:
      read: {}
      create: {}
`

type recordedAction struct {
	action string
	meta   eventbus.Meta
}

func newTestStore(t *testing.T) (*Store, *[]recordedAction) {
	t.Helper()

	policy, err := ParsePolicy([]byte(testPolicy))
	if err != nil {
		t.Fatalf("ParsePolicy failed: %v", err)
	}

	logger, _ := test.NewNullLogger()
	entry := logrus.NewEntry(logger)
	bus := eventbus.New(entry)

	var actions []recordedAction
	for _, name := range []string{"items.create", "items.update", "items.delete"} {
		name := name
		bus.OnAction(name, func(_ context.Context, meta eventbus.Meta) {
			actions = append(actions, recordedAction{action: name, meta: meta})
		})
	}

	s, err := Open(Config{}, policy, bus, entry)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	err = s.Import("articles", []datastore.Item{
		{"title": "One", "status": "published", "author": "alice", "views": 10},
		{"title": "Two", "status": "draft", "author": "alice", "views": 30},
		{"title": "Three", "status": "published", "author": "bob", "views": 20},
	})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	return s, &actions
}

func admin() *datastore.Accountability {
	return &datastore.Accountability{User: "root", Role: "admin", Admin: true}
}

func editor(user string) *datastore.Accountability {
	return &datastore.Accountability{User: user, Role: "editor"}
}

func titles(items []datastore.Item) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		s, _ := it["title"].(string)
		out = append(out, s)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestStore_ReadByQuery_DefaultOrder(t *testing.T) {
	s, _ := newTestStore(t)

	items, err := s.ReadByQuery(context.Background(), "articles", nil, admin())
	if err != nil {
		t.Fatalf("ReadByQuery failed: %v", err)
	}
	if got := titles(items); !equalStrings(got, []string{"One", "Two", "Three"}) {
		t.Errorf("Expected items in key order, got %v", got)
	}
}

func TestStore_ReadByQuery_PublicPermission(t *testing.T) {
	s, _ := newTestStore(t)

	items, err := s.ReadByQuery(context.Background(), "articles", nil, datastore.Public())
	if err != nil {
		t.Fatalf("ReadByQuery failed: %v", err)
	}
	if got := titles(items); !equalStrings(got, []string{"One", "Three"}) {
		t.Errorf("Expected only published articles, got %v", got)
	}
	for _, it := range items {
		if _, ok := it["author"]; ok {
			t.Errorf("Expected author to be hidden from public, got %v", it)
		}
	}

	if _, err := s.ReadByQuery(context.Background(), "secrets", nil, datastore.Public()); !errors.Is(err, datastore.ErrForbidden) {
		t.Errorf("Expected ErrForbidden for secrets, got %v", err)
	}
	if _, err := s.ReadByQuery(context.Background(), "missing", nil, admin()); !errors.Is(err, datastore.ErrForbidden) {
		t.Errorf("Expected ErrForbidden for unknown collection, got %v", err)
	}
}

func TestStore_ReadByQuery_FilterSortLimit(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	q := &datastore.Query{
		Filter: datastore.Filter{"views": map[string]any{"_gte": 15}},
		Sort:   []string{"-views"},
	}
	items, err := s.ReadByQuery(ctx, "articles", q, admin())
	if err != nil {
		t.Fatalf("ReadByQuery failed: %v", err)
	}
	if got := titles(items); !equalStrings(got, []string{"Two", "Three"}) {
		t.Errorf("Expected [Two Three], got %v", got)
	}

	items, err = s.ReadByQuery(ctx, "articles", q.WithLimit(1), admin())
	if err != nil {
		t.Fatalf("ReadByQuery failed: %v", err)
	}
	if len(items) != 1 || items[0]["title"] != "Two" {
		t.Errorf("Expected only Two, got %v", items)
	}

	q = &datastore.Query{Sort: []string{"title"}, Offset: 1, Fields: []string{"title"}}
	items, err = s.ReadByQuery(ctx, "articles", q, admin())
	if err != nil {
		t.Fatalf("ReadByQuery failed: %v", err)
	}
	if got := titles(items); !equalStrings(got, []string{"Three", "Two"}) {
		t.Errorf("Expected [Three Two], got %v", got)
	}
	if len(items[0]) != 1 {
		t.Errorf("Expected only the title field, got %v", items[0])
	}
}

func TestStore_ReadByQuery_InvalidQuery(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		query *datastore.Query
	}{
		{"unknown operator", &datastore.Query{Filter: datastore.Filter{"title": map[string]any{"_like": "x"}}}},
		{"bad limit", (&datastore.Query{}).WithLimit(-5)},
		{"negative offset", &datastore.Query{Offset: -1}},
		{"in without array", &datastore.Query{Filter: datastore.Filter{"id": map[string]any{"_in": 1}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.ReadByQuery(ctx, "articles", tt.query, admin()); !errors.Is(err, datastore.ErrInvalidQuery) {
				t.Errorf("Expected ErrInvalidQuery, got %v", err)
			}
		})
	}
}

func TestStore_ReadByQuery_ForbiddenField(t *testing.T) {
	s, _ := newTestStore(t)

	q := &datastore.Query{Fields: []string{"title", "author"}}
	if _, err := s.ReadByQuery(context.Background(), "articles", q, datastore.Public()); !errors.Is(err, datastore.ErrForbidden) {
		t.Errorf("Expected ErrForbidden for restricted field, got %v", err)
	}
}

func TestStore_ReadByKeys(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	items, err := s.ReadByKeys(ctx, "articles", []any{3, "1", float64(2), 99}, nil, admin())
	if err != nil {
		t.Fatalf("ReadByKeys failed: %v", err)
	}
	if got := titles(items); !equalStrings(got, []string{"Three", "One", "Two"}) {
		t.Errorf("Expected key order with missing key skipped, got %v", got)
	}

	items, err = s.ReadByKeys(ctx, "articles", []any{1, 2}, nil, datastore.Public())
	if err != nil {
		t.Fatalf("ReadByKeys failed: %v", err)
	}
	if got := titles(items); !equalStrings(got, []string{"One"}) {
		t.Errorf("Expected draft to be filtered for public, got %v", got)
	}

	q := &datastore.Query{Filter: datastore.Filter{"author": "bob"}}
	items, err = s.ReadByKeys(ctx, "articles", []any{1, 2, 3}, q, admin())
	if err != nil {
		t.Fatalf("ReadByKeys failed: %v", err)
	}
	if got := titles(items); !equalStrings(got, []string{"Three"}) {
		t.Errorf("Expected only bob's article, got %v", got)
	}
}

func TestStore_CreateOne(t *testing.T) {
	s, actions := newTestStore(t)
	ctx := context.Background()

	key, err := s.CreateOne(ctx, "articles", datastore.Item{"title": "Four", "status": "draft", "author": "alice"}, editor("alice"))
	if err != nil {
		t.Fatalf("CreateOne failed: %v", err)
	}
	if key != int64(4) {
		t.Errorf("Expected key 4, got %v (%T)", key, key)
	}

	if len(*actions) != 1 || (*actions)[0].action != "items.create" {
		t.Fatalf("Expected one items.create action, got %v", *actions)
	}
	meta := (*actions)[0].meta
	if meta["collection"] != "articles" || meta["key"] != int64(4) {
		t.Errorf("Unexpected create meta %v", meta)
	}

	items, err := s.ReadByKeys(ctx, "articles", []any{key}, nil, admin())
	if err != nil || len(items) != 1 {
		t.Fatalf("Expected created item to be readable, got %v, %v", items, err)
	}

	if _, err := s.CreateOne(ctx, "articles", datastore.Item{"title": "x", "views": 1}, editor("alice")); !errors.Is(err, datastore.ErrForbidden) {
		t.Errorf("Expected ErrForbidden for restricted field, got %v", err)
	}
	if _, err := s.CreateOne(ctx, "articles", datastore.Item{"title": "x"}, datastore.Public()); !errors.Is(err, datastore.ErrForbidden) {
		t.Errorf("Expected ErrForbidden for public create, got %v", err)
	}
	if _, err := s.CreateOne(ctx, "articles", datastore.Item{"id": 1, "title": "dup"}, admin()); !errors.Is(err, datastore.ErrInvalidQuery) {
		t.Errorf("Expected duplicate key error, got %v", err)
	}
	if len(*actions) != 1 {
		t.Errorf("Expected failed writes to emit nothing, got %d actions", len(*actions))
	}
}

func TestStore_CreateOne_CustomPrimaryKey(t *testing.T) {
	s, actions := newTestStore(t)

	key, err := s.CreateOne(context.Background(), "slugs", datastore.Item{"slug": "hello", "title": "Hello"}, editor("alice"))
	if err != nil {
		t.Fatalf("CreateOne failed: %v", err)
	}
	if key != "hello" {
		t.Errorf("Expected key hello, got %v", key)
	}
	if (*actions)[0].meta["key"] != "hello" {
		t.Errorf("Expected emitted key hello, got %v", (*actions)[0].meta["key"])
	}
}

func TestStore_UpdateMany(t *testing.T) {
	s, actions := newTestStore(t)
	ctx := context.Background()

	keys, err := s.UpdateMany(ctx, "articles", []any{1, 2}, datastore.Item{"status": "archived", "id": 77}, editor("alice"))
	if err != nil {
		t.Fatalf("UpdateMany failed: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("Expected 2 keys, got %v", keys)
	}

	items, _ := s.ReadByKeys(ctx, "articles", []any{1, 2}, nil, admin())
	for _, it := range items {
		if it["status"] != "archived" {
			t.Errorf("Expected archived, got %v", it)
		}
		if it["id"] == float64(77) {
			t.Errorf("Expected primary key to be immutable, got %v", it)
		}
	}

	if len(*actions) != 1 || (*actions)[0].action != "items.update" {
		t.Fatalf("Expected one update action, got %v", *actions)
	}
	if _, ok := (*actions)[0].meta["payload"].(datastore.Item)["id"]; ok {
		t.Error("Expected primary key to be stripped from the update payload")
	}

	// alice may not update bob's article; nothing is written.
	if _, err := s.UpdateMany(ctx, "articles", []any{1, 3}, datastore.Item{"status": "x"}, editor("alice")); !errors.Is(err, datastore.ErrForbidden) {
		t.Fatalf("Expected ErrForbidden, got %v", err)
	}
	items, _ = s.ReadByKeys(ctx, "articles", []any{1}, nil, admin())
	if items[0]["status"] != "archived" {
		t.Errorf("Expected rejected update to be rolled back, got %v", items[0])
	}
}

func TestStore_DeleteMany(t *testing.T) {
	s, actions := newTestStore(t)
	ctx := context.Background()

	deleted, err := s.DeleteMany(ctx, "articles", []any{2, 3}, editor("alice"))
	if err != nil {
		t.Fatalf("DeleteMany failed: %v", err)
	}
	if got := titles(deleted); !equalStrings(got, []string{"Two", "Three"}) {
		t.Errorf("Expected deleted records, got %v", got)
	}

	n, err := s.Count("articles")
	if err != nil || n != 1 {
		t.Errorf("Expected 1 remaining item, got %d, %v", n, err)
	}

	meta := (*actions)[0].meta
	payload, ok := meta["payload"].([]any)
	if !ok || len(payload) != 2 {
		t.Fatalf("Expected deleted records as payload, got %v", meta["payload"])
	}

	if _, err := s.DeleteMany(ctx, "articles", []any{42}, admin()); !errors.Is(err, datastore.ErrForbidden) {
		t.Errorf("Expected ErrForbidden for missing key, got %v", err)
	}
}

func TestStore_CancelledContext(t *testing.T) {
	s, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.ReadByQuery(ctx, "articles", nil, admin()); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestStore_Closed(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Expected second Close to be a no-op, got %v", err)
	}
	if _, err := s.ReadByQuery(context.Background(), "articles", nil, admin()); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}
