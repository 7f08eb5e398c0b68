package datastore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrForbidden is returned when the accountability may not perform the read,
	// or the collection does not exist.
	ErrForbidden = errors.New("you don't have permission to access this")

	// ErrInvalidQuery is returned when a query cannot be evaluated.
	ErrInvalidQuery = errors.New("invalid query")

	// ErrTokenExpired is returned when an accountability can no longer be used
	// because its credential expired.
	ErrTokenExpired = errors.New("token expired")
)

// Item is a single record as returned by the data platform.
type Item map[string]any

// Filter is a filter tree such as {"status": {"_eq": "published"}}.
type Filter map[string]any

// Query narrows a read. A nil *Query reads everything the caller may see.
type Query struct {
	Filter Filter   `json:"filter,omitempty"`
	Fields []string `json:"fields,omitempty"`
	Sort   []string `json:"sort,omitempty"`

	// Limit caps the number of returned items. Nil means the reader default,
	// -1 means no limit.
	Limit  *int `json:"limit,omitempty"`
	Offset int  `json:"offset,omitempty"`
}

// WithLimit returns a copy of q with the limit replaced.
func (q *Query) WithLimit(limit int) *Query {
	var c Query
	if q != nil {
		c = *q
	}
	c.Limit = &limit
	return &c
}

// Accountability is the identity a read is executed under.
type Accountability struct {
	User  string `json:"user,omitempty"`
	Role  string `json:"role,omitempty"`
	Admin bool   `json:"admin,omitempty"`

	// Token is the credential the accountability was derived from, empty for
	// anonymous connections.
	Token     string    `json:"-"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// Public returns the accountability of an unauthenticated caller.
func Public() *Accountability {
	return &Accountability{}
}

// Expired reports whether the accountability carries an expiry that has passed.
func (a *Accountability) Expired(now time.Time) bool {
	return a != nil && !a.ExpiresAt.IsZero() && now.After(a.ExpiresAt)
}

// Reader reads records under an accountability.
type Reader interface {
	// ReadByKeys returns the items with the given primary keys that match query
	// and are visible to acc. Keys that are missing or filtered out are skipped.
	ReadByKeys(ctx context.Context, collection string, keys []any, query *Query, acc *Accountability) ([]Item, error)

	// ReadByQuery returns the items matching query that are visible to acc.
	ReadByQuery(ctx context.Context, collection string, query *Query, acc *Accountability) ([]Item, error)
}
