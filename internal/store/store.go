// Package store exposes the generic record store the GDPR lifecycle engine
// persists through. Tables are addressed by name and scoped by tenant so the
// engine stays independent of any particular database.
package store

import "context"

type Record map[string]any

// Filter matches rows by column equality. A slice value matches any of its
// elements (SQL IN semantics).
type Filter map[string]any

// Patch sets columns to new values; a nil value clears the column.
type Patch map[string]any

type selectQuery struct {
	orderByDesc string
	limit       int
}

type SelectOption func(*selectQuery)

func OrderByDesc(column string) SelectOption {
	return func(q *selectQuery) {
		q.orderByDesc = column
	}
}

func Limit(n int) SelectOption {
	return func(q *selectQuery) {
		if n > 0 {
			q.limit = n
		}
	}
}

// RecordStore is the persistence collaborator consumed by the collection and
// deletion engines. A non-empty tenantID constrains every operation to rows
// of that tenant; tables keyed purely by user carry an empty tenantID and are
// constrained by the filter alone.
type RecordStore interface {
	Select(ctx context.Context, tenantID, table string, filter Filter, opts ...SelectOption) ([]Record, error)
	Update(ctx context.Context, tenantID, table string, filter Filter, patch Patch) (int64, error)
	Delete(ctx context.Context, tenantID, table string, filter Filter) (int64, error)
	Insert(ctx context.Context, tenantID, table string, row Record) error
}
