// Package datastore defines the read contract that the realtime layer needs from
// the underlying data platform.
//
// The realtime layer never owns data. Every read it performs goes through a Reader
// and is executed under an Accountability, the caller identity and role the
// platform uses to decide which rows and fields are visible:
//
//	items, err := reader.ReadByKeys(ctx, "articles", []any{42}, query, acc)
//	if err != nil {
//		return err
//	}
//
// Query mirrors the query object clients send over the wire: a filter tree, a
// field selection, sort order and paging.
package datastore
