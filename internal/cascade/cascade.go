// Package cascade tombstones entities together with their dependents and
// purges tombstoned entities.
//
// Deleting media tombstones the localizations that annotate it and the
// states whose media are all gone. Every tombstoned entity's document is
// dropped through the outbox in the same transaction. Purge is the separate
// idempotent sweep that releases blob references and removes the rows.
package cascade

import (
	"context"
	"fmt"
	"strings"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/roach88/annometa/internal/attr"
	"github.com/roach88/annometa/internal/fault"
	"github.com/roach88/annometa/internal/metrics"
	"github.com/roach88/annometa/internal/resource"
	"github.com/roach88/annometa/internal/search"
	"github.com/roach88/annometa/internal/store"
)

// Error is the class of cascade failures.
var Error = errs.Class("cascade")

// ReaperActor is recorded as the actor of tombstones the purge sweep sets.
const ReaperActor = "reaper"

// Propagator tombstones and purges.
type Propagator struct {
	log     *zap.Logger
	store   *store.Store
	counter *resource.Counter
	index   search.Index
	metrics *metrics.Metrics
}

// NewPropagator creates a propagator.
func NewPropagator(log *zap.Logger, s *store.Store, counter *resource.Counter, index search.Index, m *metrics.Metrics) *Propagator {
	return &Propagator{log: log, store: s, counter: counter, index: index, metrics: m}
}

// Tombstone marks ids and their dependents deleted inside tx, enqueues the
// removal of their documents and records one change-log entry. It returns
// every entity it marked, dependents included, in marking order. Already
// tombstoned ids are skipped.
func (p *Propagator) Tombstone(ctx context.Context, tx *store.Tx, project int64, ids []int64, actor string) ([]store.Entity, error) {
	marked, err := p.tombstone(ctx, tx, ids, actor)
	if err != nil {
		return nil, err
	}

	var mediaIDs []int64
	for _, e := range marked {
		if e.Kind == attr.KindMedia {
			mediaIDs = append(mediaIDs, e.ID)
		}
	}
	if len(mediaIDs) > 0 {
		deps, err := p.dependents(ctx, tx, project, mediaIDs)
		if err != nil {
			return nil, err
		}
		more, err := p.tombstone(ctx, tx, deps, actor)
		if err != nil {
			return nil, err
		}
		marked = append(marked, more...)
	}

	if len(marked) == 0 {
		return nil, nil
	}
	refs := make([]attr.Ref, len(marked))
	names := make([]string, len(marked))
	for i, e := range marked {
		refs[i] = e.Ref()
		names[i] = e.Ref().String()
	}
	if _, err := tx.AppendChange(ctx, store.Change{
		Project:     project,
		Actor:       actor,
		Description: "deleted " + strings.Join(names, ", "),
		Objects:     refs,
	}); err != nil {
		return nil, err
	}
	return marked, nil
}

// dependents are the live localizations of mediaIDs plus the live states
// left without live media.
func (p *Propagator) dependents(ctx context.Context, tx *store.Tx, project int64, mediaIDs []int64) ([]int64, error) {
	locs, err := tx.LiveLocalizationsOf(ctx, mediaIDs)
	if err != nil {
		return nil, err
	}
	states, err := tx.LiveStatesWithoutLiveMedia(ctx, project)
	if err != nil {
		return nil, err
	}
	return append(locs, states...), nil
}

func (p *Propagator) tombstone(ctx context.Context, tx *store.Tx, ids []int64, actor string) ([]store.Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	markedIDs, err := tx.Tombstone(ctx, ids, actor)
	if err != nil {
		return nil, err
	}
	marked, err := tx.Entities(ctx, markedIDs)
	if err != nil {
		return nil, err
	}
	for _, e := range marked {
		if _, err := tx.Enqueue(ctx, store.OutboxOp{
			DocID:   e.DocID(),
			Project: e.Project,
			Op:      store.OpDelete,
		}); err != nil {
			return nil, err
		}
	}
	return marked, nil
}

// Purge removes a tombstoned entity for good: its blob references are
// released, dependents that are still live are tombstoned and purged, and
// the row is deleted. Purging a live or missing entity is a no-op, so the
// sweep is safe to run concurrently with itself.
//
// A blob failure leaves the row tombstoned for the next sweep and is
// returned as a fault.Storage error.
func (p *Propagator) Purge(ctx context.Context, id int64) error {
	e, err := p.store.Entity(ctx, id)
	if fault.NotFound.Has(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if !e.Deleted {
		return nil
	}

	// Dependents created after the tombstone was set.
	var late []store.Entity
	if e.Kind == attr.KindMedia {
		if err := p.store.InTx(ctx, func(tx *store.Tx) error {
			deps, err := p.dependents(ctx, tx, e.Project, []int64{e.ID})
			if err != nil {
				return err
			}
			late, err = p.Tombstone(ctx, tx, e.Project, deps, ReaperActor)
			return err
		}); err != nil {
			return Error.New("purge %s: %v", e.Ref(), err)
		}
	}
	for _, dep := range late {
		if err := p.Purge(ctx, dep.ID); err != nil {
			return err
		}
	}

	paths, err := p.ownedPaths(ctx, e)
	if err != nil {
		return err
	}
	if err := p.counter.Release(ctx, e.ID, paths); err != nil {
		p.log.Warn("purge deferred",
			zap.Stringer("entity", e.Ref()),
			zap.Strings("paths", paths),
			zap.Error(err))
		return err
	}

	p.checkIndex(ctx, e)

	var removed bool
	if err := p.store.InTx(ctx, func(tx *store.Tx) error {
		var err error
		removed, err = tx.DeleteEntity(ctx, e.ID)
		return err
	}); err != nil {
		return err
	}
	if removed {
		p.metrics.PurgesTotal.Inc()
		p.log.Debug("purged", zap.Stringer("entity", e.Ref()))
	}
	return nil
}

// ownedPaths is the union of the manifest paths and any references the
// entity still holds, so references taken outside the manifest are released
// too.
func (p *Propagator) ownedPaths(ctx context.Context, e store.Entity) ([]string, error) {
	seen := map[string]bool{}
	var paths []string
	for _, path := range e.Files.Paths() {
		seen[path] = true
		paths = append(paths, path)
	}
	var owned []string
	if err := p.store.InTx(ctx, func(tx *store.Tx) error {
		var err error
		owned, err = tx.OwnedPaths(ctx, e.ID)
		return err
	}); err != nil {
		return nil, fmt.Errorf("owned paths of %s: %w", e.Ref(), err)
	}
	for _, path := range owned {
		if !seen[path] {
			paths = append(paths, path)
		}
	}
	return paths, nil
}

// checkIndex reports a document the outbox should already have removed and
// removes it.
func (p *Propagator) checkIndex(ctx context.Context, e store.Entity) {
	if p.index == nil {
		return
	}
	_, found, err := p.index.Get(ctx, e.DocID())
	if err != nil {
		p.log.Warn("index check failed", zap.Stringer("entity", e.Ref()), zap.Error(err))
		return
	}
	if !found {
		return
	}
	p.metrics.IndexDesyncsTotal.Inc()
	p.log.Warn("index desync",
		zap.Stringer("entity", e.Ref()),
		zap.Error(fault.IndexDesync.New("document %s outlived its entity's tombstone", e.DocID())))
	if _, err := p.index.Delete(ctx, e.DocID()); err != nil {
		p.log.Warn("index delete failed", zap.String("doc", e.DocID()), zap.Error(err))
	}
}
