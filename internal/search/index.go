// Package search maintains the derived search index and keeps it converged
// with the relational store.
//
// The store writes document operations to its outbox in the same
// transaction as the entity change; the Synchronizer drains the outbox into
// an Index. The index is therefore never ahead of a relational commit and
// trails it by at most one drain interval plus the drain itself.
package search

import (
	"context"

	"github.com/zeebo/errs"

	"github.com/roach88/annometa/internal/attr"
	"github.com/roach88/annometa/internal/queryir"
	"github.com/roach88/annometa/internal/querysql"
)

// Error is the class of index backend failures.
var Error = errs.Class("search")

// Result is one window of matching document ids plus the total match count.
type Result struct {
	IDs   []string
	Total int64
}

// Bucket is one aggregation group.
type Bucket struct {
	Keys  []any
	Count int64
	Sums  []float64
}

// Index is the search backend contract.
type Index interface {
	Upsert(ctx context.Context, doc Document) error
	BulkUpsert(ctx context.Context, docs []Document) error
	// Patch edits fields of a stored document; ok is false if it is absent.
	Patch(ctx context.Context, id string, p Patch) (ok bool, err error)
	// Delete removes a document; ok is false if it was absent.
	Delete(ctx context.Context, id string) (ok bool, err error)
	DeleteByQuery(ctx context.Context, project int64, filter queryir.Predicate) (int64, error)

	Search(ctx context.Context, plan queryir.Plan) (Result, error)
	Aggregate(ctx context.Context, plan queryir.Plan, agg querysql.Aggregation) ([]Bucket, error)
	Get(ctx context.Context, id string) (Document, bool, error)

	// PutMapping records attribute fields as known to project. Upsert
	// records the fields of each document it writes.
	PutMapping(ctx context.Context, project int64, fields map[string]attr.Dtype) error
	Mapping(ctx context.Context, project int64) (map[string]attr.Dtype, error)
}
