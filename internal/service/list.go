package service

import (
	"context"
	"net/url"

	"go.uber.org/zap"

	"github.com/roach88/annometa/internal/attr"
	"github.com/roach88/annometa/internal/fault"
	"github.com/roach88/annometa/internal/media"
	"github.com/roach88/annometa/internal/query"
	"github.com/roach88/annometa/internal/queryir"
	"github.com/roach88/annometa/internal/store"
)

// ListResult is one page of entities and the size of the whole result.
type ListResult struct {
	Entities []store.Entity
	Total    int64
}

// Plan compiles filter params for kind in project.
func (s *Service) Plan(project int64, kind attr.Kind, params url.Values) (queryir.Plan, error) {
	return query.NewCompiler(s.registry).Compile(project, kind, params)
}

// List returns the entities matching params in index order. Ids the index
// still holds for entities tombstoned since are dropped from the page.
func (s *Service) List(ctx context.Context, project int64, kind attr.Kind, params url.Values) (ListResult, error) {
	plan, err := s.Plan(project, kind, params)
	if err != nil {
		return ListResult{}, err
	}
	ids, total, err := s.resolve(ctx, plan)
	if err != nil {
		return ListResult{}, err
	}
	entities, err := s.store.Entities(ctx, ids)
	if err != nil {
		return ListResult{}, err
	}
	byID := make(map[int64]store.Entity, len(entities))
	for _, e := range entities {
		byID[e.ID] = e
	}
	out := make([]store.Entity, 0, len(ids))
	for _, id := range ids {
		if e, ok := byID[id]; ok && !e.Deleted {
			out = append(out, e)
		}
	}
	return ListResult{Entities: out, Total: total}, nil
}

// Count returns how many entities match params, ignoring the window.
func (s *Service) Count(ctx context.Context, project int64, kind attr.Kind, params url.Values) (int64, error) {
	plan, err := s.Plan(project, kind, params)
	if err != nil {
		return 0, err
	}
	res, err := s.index.Search(ctx, plan.WithWindow(queryir.Window{Start: 0, Limit: 0}))
	if err != nil {
		return 0, err
	}
	return res.Total, nil
}

// resolve runs plan against the index and returns the entity ids in order.
func (s *Service) resolve(ctx context.Context, plan queryir.Plan) ([]int64, int64, error) {
	res, err := s.index.Search(ctx, plan)
	if err != nil {
		return nil, 0, err
	}
	ids := make([]int64, 0, len(res.IDs))
	for _, docID := range res.IDs {
		_, id, err := attr.ParseDocID(docID)
		if err != nil {
			s.log.Warn("unparseable document id in index", zap.String("doc", docID))
			continue
		}
		ids = append(ids, id)
	}
	return ids, res.Total, nil
}

// BulkPatchRequest edits every entity a query matches. Only attributes and
// archive state may be bulk patched.
type BulkPatchRequest struct {
	Attributes   map[string]any
	ArchiveState media.ArchiveState
	Actor        string
}

// BulkPatch resolves the matching ids through the index, then updates them
// in one transaction. Entities deleted or moved between the two phases are
// skipped. It returns how many entities changed.
func (s *Service) BulkPatch(ctx context.Context, project int64, kind attr.Kind, params url.Values, req BulkPatchRequest) (int, error) {
	if len(req.Attributes) == 0 && req.ArchiveState == "" {
		return 0, fault.Validation.New("bulk patch needs attributes or an archive state")
	}
	plan, err := s.Plan(project, kind, params)
	if err != nil {
		return 0, err
	}
	ids, _, err := s.resolve(ctx, plan)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	patch := PatchRequest{Attributes: req.Attributes, ArchiveState: req.ArchiveState, Actor: req.Actor}

	count := 0
	err = s.store.InTx(ctx, func(tx *store.Tx) error {
		entities, err := tx.Entities(ctx, ids)
		if err != nil {
			return err
		}
		for _, e := range entities {
			if e.Deleted || e.Project != project || e.Kind != kind {
				continue
			}
			next, changed, err := s.applyPatch(ctx, tx, e, patch)
			if err != nil {
				return err
			}
			if !changed {
				continue
			}
			if err := s.write(ctx, tx, e, &next, req.Actor); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if skipped := len(ids) - count; skipped > 0 {
		s.log.Debug("bulk patch skipped entities", zap.Int("matched", len(ids)), zap.Int("skipped", skipped))
	}
	return count, nil
}

// BulkDelete tombstones every entity a query matches, with their
// dependents. It returns how many entities were tombstoned, dependents
// included.
func (s *Service) BulkDelete(ctx context.Context, project int64, kind attr.Kind, params url.Values, actor string) (int, error) {
	plan, err := s.Plan(project, kind, params)
	if err != nil {
		return 0, err
	}
	ids, _, err := s.resolve(ctx, plan)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	var marked []store.Entity
	err = s.store.InTx(ctx, func(tx *store.Tx) error {
		entities, err := tx.Entities(ctx, ids)
		if err != nil {
			return err
		}
		var targets []int64
		for _, e := range entities {
			if !e.Deleted && e.Project == project && e.Kind == kind {
				targets = append(targets, e.ID)
			}
		}
		marked, err = s.propagator.Tombstone(ctx, tx, project, targets, actor)
		return err
	})
	return len(marked), err
}
