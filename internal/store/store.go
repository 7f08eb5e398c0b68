// Package store is the reference data store of livequery: items kept as JSON
// documents in buntdb, read under a role-based permission policy. Every
// committed write is announced on the event bus as <module>.<operation>.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/buntdb"
	"github.com/tidwall/gjson"

	"github.com/rmacdonaldsmith/livequery/internal/eventbus"
	"github.com/rmacdonaldsmith/livequery/pkg/datastore"
	"github.com/rmacdonaldsmith/livequery/pkg/mutation"
)

const (
	itemsPrefix = "item"
	seqPrefix   = "seq"

	// DefaultModule is the action prefix of item events.
	DefaultModule = "items"

	// DefaultQueryLimit applies to ReadByQuery when the query sets no limit.
	DefaultQueryLimit = 100
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("store is closed")

// Config configures a Store.
type Config struct {
	// Path of the buntdb file, ":memory:" for a volatile store.
	Path string

	// Module prefixes the emitted actions.
	Module string

	DefaultLimit int
}

// SetDefaults fills in unset fields.
func (c *Config) SetDefaults() {
	if c.Path == "" {
		c.Path = ":memory:"
	}
	if c.Module == "" {
		c.Module = DefaultModule
	}
	if c.DefaultLimit == 0 {
		c.DefaultLimit = DefaultQueryLimit
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.DefaultLimit < -1 {
		return fmt.Errorf("default limit must be -1 or positive, got %d", c.DefaultLimit)
	}
	if strings.ContainsAny(c.Module, ". ") {
		return fmt.Errorf("module %q must not contain dots or spaces", c.Module)
	}
	return nil
}

// Store implements datastore.Reader and the write operations that feed the
// realtime layer.
type Store struct {
	db     *buntdb.DB
	config Config
	policy *Policy
	bus    eventbus.Bus
	logger *logrus.Entry
}

// Open opens the store. bus may be nil, in which case writes emit nothing.
func Open(cfg Config, policy *Policy, bus eventbus.Bus, logger *logrus.Entry) (*Store, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid store config: %w", err)
	}
	if policy == nil {
		return nil, errors.New("policy cannot be nil")
	}

	db, err := buntdb.Open(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	return &Store{
		db:     db,
		config: cfg,
		policy: policy,
		bus:    bus,
		logger: logger.WithField("component", "store"),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		if errors.Is(err, buntdb.ErrDatabaseClosed) {
			return nil
		}
		return err
	}
	return nil
}

// Policy returns the permission policy.
func (s *Store) Policy() *Policy {
	return s.policy
}

// ReadByKeys returns the items with the given keys that pass the read
// permission and query. Results keep the order of keys unless the query sorts.
func (s *Store) ReadByKeys(ctx context.Context, collection string, keys []any, query *datastore.Query, acc *datastore.Accountability) ([]datastore.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	perm, err := s.policy.Permission(acc, collection, ActionRead)
	if err != nil {
		return nil, err
	}
	plan, err := newReadPlan(query, perm, -1)
	if err != nil {
		return nil, err
	}
	m := newMatcher(acc)

	var docs []string
	err = s.view(func(tx *buntdb.Tx) error {
		for _, key := range keys {
			doc, err := tx.Get(itemKey(collection, key))
			if errors.Is(err, buntdb.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			ok, err := m.Match(doc, perm.Filter, plan.filter)
			if err != nil {
				return err
			}
			if ok {
				docs = append(docs, doc)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return plan.apply(docs)
}

// ReadByQuery returns the items matching query that pass the read permission,
// ordered by primary key unless the query sorts.
func (s *Store) ReadByQuery(ctx context.Context, collection string, query *datastore.Query, acc *datastore.Accountability) ([]datastore.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	perm, err := s.policy.Permission(acc, collection, ActionRead)
	if err != nil {
		return nil, err
	}
	plan, err := newReadPlan(query, perm, s.config.DefaultLimit)
	if err != nil {
		return nil, err
	}
	if len(plan.sort) == 0 {
		plan.sort = []sortKey{{path: fieldPath(s.policy.PrimaryKey(collection))}}
	}

	docs, err := s.scan(collection, newMatcher(acc), perm.Filter, plan.filter)
	if err != nil {
		return nil, err
	}
	return plan.apply(docs)
}

// Count returns the number of items stored in a collection, ignoring permissions.
func (s *Store) Count(collection string) (int, error) {
	n := 0
	err := s.view(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(collectionPattern(collection), func(_, _ string) bool {
			n++
			return true
		})
	})
	return n, err
}

// CreateOne stores item and emits <module>.create. It returns the primary key,
// assigning the next integer when the item has none.
func (s *Store) CreateOne(ctx context.Context, collection string, item datastore.Item, acc *datastore.Accountability) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	perm, err := s.policy.Permission(acc, collection, ActionCreate)
	if err != nil {
		return nil, err
	}
	if err := checkFields(perm, item); err != nil {
		return nil, err
	}

	item = cloneItem(item)
	pk := s.policy.PrimaryKey(collection)
	var key any

	err = s.db.Update(func(tx *buntdb.Tx) error {
		if err := s.assignKey(tx, collection, pk, item); err != nil {
			return err
		}
		key = item[pk]

		doc, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to encode item: %w", err)
		}
		ok, err := newMatcher(acc).Match(string(doc), perm.Filter)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: item violates the create permission of %q", datastore.ErrForbidden, collection)
		}

		if _, err := tx.Get(itemKey(collection, key)); err == nil {
			return fmt.Errorf("%w: item %v already exists in %q", datastore.ErrInvalidQuery, key, collection)
		}
		_, _, err = tx.Set(itemKey(collection, key), string(doc), nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{"collection": collection, "key": key}).Debug("item created")
	s.emit(ctx, mutation.Create, eventbus.Meta{
		"collection": collection,
		"key":        key,
		"payload":    item,
	})
	return key, nil
}

// UpdateMany merges patch into the items with the given keys and emits
// <module>.update. Every key must exist and be updatable by acc.
func (s *Store) UpdateMany(ctx context.Context, collection string, keys []any, patch datastore.Item, acc *datastore.Accountability) ([]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no keys to update", datastore.ErrInvalidQuery)
	}
	perm, err := s.policy.Permission(acc, collection, ActionUpdate)
	if err != nil {
		return nil, err
	}
	if err := checkFields(perm, patch); err != nil {
		return nil, err
	}

	pk := s.policy.PrimaryKey(collection)
	patch = cloneItem(patch)
	delete(patch, pk)
	m := newMatcher(acc)

	err = s.db.Update(func(tx *buntdb.Tx) error {
		updates := make(map[string]string, len(keys))
		for _, key := range keys {
			k := itemKey(collection, key)
			doc, err := s.permittedDoc(tx, m, k, perm, collection, key)
			if err != nil {
				return err
			}

			var current datastore.Item
			if err := json.Unmarshal([]byte(doc), &current); err != nil {
				return fmt.Errorf("failed to decode item %v: %w", key, err)
			}
			for field, value := range patch {
				current[field] = value
			}
			next, err := json.Marshal(current)
			if err != nil {
				return fmt.Errorf("failed to encode item: %w", err)
			}
			updates[k] = string(next)
		}
		for k, doc := range updates {
			if _, _, err := tx.Set(k, doc, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{"collection": collection, "keys": keys}).Debug("items updated")
	s.emit(ctx, mutation.Update, eventbus.Meta{
		"collection": collection,
		"keys":       keys,
		"payload":    patch,
	})
	return keys, nil
}

// DeleteMany removes the items with the given keys and emits <module>.delete
// carrying the deleted records as payload.
func (s *Store) DeleteMany(ctx context.Context, collection string, keys []any, acc *datastore.Accountability) ([]datastore.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no keys to delete", datastore.ErrInvalidQuery)
	}
	perm, err := s.policy.Permission(acc, collection, ActionDelete)
	if err != nil {
		return nil, err
	}
	m := newMatcher(acc)

	var deleted []datastore.Item
	err = s.db.Update(func(tx *buntdb.Tx) error {
		docs := make([]string, 0, len(keys))
		for _, key := range keys {
			doc, err := s.permittedDoc(tx, m, itemKey(collection, key), perm, collection, key)
			if err != nil {
				return err
			}
			docs = append(docs, doc)
		}
		for i, key := range keys {
			if _, err := tx.Delete(itemKey(collection, key)); err != nil {
				return err
			}
			var item datastore.Item
			if err := json.Unmarshal([]byte(docs[i]), &item); err != nil {
				return fmt.Errorf("failed to decode item %v: %w", key, err)
			}
			deleted = append(deleted, item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	payload := make([]any, len(deleted))
	for i, item := range deleted {
		payload[i] = item
	}
	s.logger.WithFields(logrus.Fields{"collection": collection, "keys": keys}).Debug("items deleted")
	s.emit(ctx, mutation.Delete, eventbus.Meta{
		"collection": collection,
		"keys":       keys,
		"payload":    payload,
	})
	return deleted, nil
}

// Import stores items without permission checks or events. It is used to seed
// collections at startup.
func (s *Store) Import(collection string, items []datastore.Item) error {
	if !s.policy.HasCollection(collection) {
		return fmt.Errorf("unknown collection %q", collection)
	}
	pk := s.policy.PrimaryKey(collection)

	return s.db.Update(func(tx *buntdb.Tx) error {
		for _, item := range items {
			item = cloneItem(item)
			if err := s.assignKey(tx, collection, pk, item); err != nil {
				return err
			}
			doc, err := json.Marshal(item)
			if err != nil {
				return fmt.Errorf("failed to encode item: %w", err)
			}
			if _, _, err := tx.Set(itemKey(collection, item[pk]), string(doc), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) permittedDoc(tx *buntdb.Tx, m *matcher, k string, perm *Permission, collection string, key any) (string, error) {
	doc, err := tx.Get(k)
	if errors.Is(err, buntdb.ErrNotFound) {
		return "", fmt.Errorf("%w: item %v not found in %q", datastore.ErrForbidden, key, collection)
	}
	if err != nil {
		return "", err
	}
	ok, err := m.Match(doc, perm.Filter)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: item %v in %q", datastore.ErrForbidden, key, collection)
	}
	return doc, nil
}

// assignKey gives item the next sequence value when it has no primary key and
// keeps the sequence ahead of explicit integer keys.
func (s *Store) assignKey(tx *buntdb.Tx, collection, pk string, item datastore.Item) error {
	seqKey := seqPrefix + ":" + collection
	var last int64
	if v, err := tx.Get(seqKey); err == nil {
		last, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("corrupt sequence for %q: %w", collection, err)
		}
	} else if !errors.Is(err, buntdb.ErrNotFound) {
		return err
	}

	key, ok := item[pk]
	if !ok || key == nil {
		last++
		item[pk] = last
	} else if f, ok := toFloat(key); ok && int64(f) > last {
		last = int64(f)
	} else {
		return nil
	}

	_, _, err := tx.Set(seqKey, strconv.FormatInt(last, 10), nil)
	return err
}

func (s *Store) scan(collection string, m *matcher, filters ...datastore.Filter) ([]string, error) {
	var (
		docs     []string
		matchErr error
	)
	err := s.view(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(collectionPattern(collection), func(_, doc string) bool {
			ok, err := m.Match(doc, filters...)
			if err != nil {
				matchErr = err
				return false
			}
			if ok {
				docs = append(docs, doc)
			}
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	return docs, matchErr
}

func (s *Store) view(fn func(tx *buntdb.Tx) error) error {
	err := s.db.View(fn)
	if errors.Is(err, buntdb.ErrDatabaseClosed) {
		return ErrClosed
	}
	return err
}

func (s *Store) emit(ctx context.Context, op mutation.Operation, meta eventbus.Meta) {
	if s.bus == nil {
		return
	}
	s.bus.Emit(ctx, s.config.Module+"."+op.String(), meta)
}

func itemKey(collection string, key any) string {
	return itemsPrefix + ":" + collection + ":" + keyString(key)
}

func collectionPattern(collection string) string {
	return itemsPrefix + ":" + collection + ":*"
}

func checkFields(perm *Permission, item datastore.Item) error {
	if perm.AllFields() {
		return nil
	}
	for field := range item {
		if !perm.Allows(field) {
			return fmt.Errorf("%w: field %q", datastore.ErrForbidden, field)
		}
	}
	return nil
}

func cloneItem(item datastore.Item) datastore.Item {
	c := make(datastore.Item, len(item))
	for k, v := range item {
		c[k] = v
	}
	return c
}

// readPlan is a validated query combined with the read permission.
type readPlan struct {
	filter datastore.Filter
	fields []string
	sort   []sortKey
	limit  int
	offset int
}

type sortKey struct {
	path string
	desc bool
}

func newReadPlan(q *datastore.Query, perm *Permission, defaultLimit int) (*readPlan, error) {
	p := &readPlan{limit: defaultLimit}
	if q == nil {
		q = &datastore.Query{}
	}

	if q.Limit != nil {
		if *q.Limit < -1 {
			return nil, fmt.Errorf("%w: limit must be -1 or greater", datastore.ErrInvalidQuery)
		}
		p.limit = *q.Limit
	}
	if q.Offset < 0 {
		return nil, fmt.Errorf("%w: offset cannot be negative", datastore.ErrInvalidQuery)
	}
	p.offset = q.Offset
	p.filter = q.Filter

	for _, s := range q.Sort {
		s = strings.TrimSpace(s)
		if s == "" || s == "-" {
			return nil, fmt.Errorf("%w: empty sort field", datastore.ErrInvalidQuery)
		}
		key := sortKey{}
		if strings.HasPrefix(s, "-") {
			key.desc = true
			s = s[1:]
		}
		key.path = fieldPath(s)
		p.sort = append(p.sort, key)
	}

	fields, err := effectiveFields(q.Fields, perm)
	if err != nil {
		return nil, err
	}
	p.fields = fields
	return p, nil
}

// effectiveFields intersects the requested fields with the permitted ones.
// A nil result selects every field.
func effectiveFields(requested []string, perm *Permission) ([]string, error) {
	wildcard := len(requested) == 0 || slices.Contains(requested, "*")
	if perm.AllFields() {
		if wildcard {
			return nil, nil
		}
		return requested, nil
	}
	if wildcard {
		return perm.Fields, nil
	}
	for _, f := range requested {
		root, _, _ := strings.Cut(f, ".")
		if !perm.Allows(root) {
			return nil, fmt.Errorf("%w: field %q", datastore.ErrForbidden, f)
		}
	}
	return requested, nil
}

func (p *readPlan) apply(docs []string) ([]datastore.Item, error) {
	if len(p.sort) > 0 {
		slices.SortStableFunc(docs, func(a, b string) int {
			for _, k := range p.sort {
				c := compareResults(gjson.Get(a, k.path), gjson.Get(b, k.path))
				if k.desc {
					c = -c
				}
				if c != 0 {
					return c
				}
			}
			return 0
		})
	}

	if p.offset >= len(docs) {
		docs = nil
	} else {
		docs = docs[p.offset:]
	}
	if p.limit >= 0 && p.limit < len(docs) {
		docs = docs[:p.limit]
	}

	items := make([]datastore.Item, 0, len(docs))
	for _, doc := range docs {
		item, err := project(doc, p.fields)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func project(doc string, fields []string) (datastore.Item, error) {
	if fields == nil {
		var item datastore.Item
		if err := json.Unmarshal([]byte(doc), &item); err != nil {
			return nil, fmt.Errorf("failed to decode item: %w", err)
		}
		return item, nil
	}

	item := datastore.Item{}
	for _, f := range fields {
		res := gjson.Get(doc, fieldPath(f))
		if !res.Exists() {
			continue
		}
		setPath(item, strings.Split(f, "."), res.Value())
	}
	return item, nil
}

func setPath(item map[string]any, parts []string, value any) {
	for _, p := range parts[:len(parts)-1] {
		next, ok := item[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			item[p] = next
		}
		item = next
	}
	item[parts[len(parts)-1]] = value
}

var _ datastore.Reader = (*Store)(nil)
