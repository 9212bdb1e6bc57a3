package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/roach88/annometa/internal/attr"
	"github.com/roach88/annometa/internal/fault"
	"github.com/roach88/annometa/internal/media"
	"github.com/roach88/annometa/internal/store"
)

// CreateRequest describes a new entity. Its kind and sub-kind come from the
// entity type.
type CreateRequest struct {
	Project    int64
	TypeID     int64
	Name       string
	MD5        string
	SectionID  int64
	Attributes map[string]any
	Actor      string

	// Files is the manifest of a media entity.
	Files media.Manifest
	// MediaID is the media a localization annotates.
	MediaID int64
	// StateMedia and StateLocalizations are the references of a state.
	StateMedia         []int64
	StateLocalizations []int64
}

// Create validates req, writes the entity, takes references on its files
// and enqueues its document.
func (s *Service) Create(ctx context.Context, req CreateRequest) (store.Entity, error) {
	var created store.Entity
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		et, err := tx.EntityType(ctx, req.TypeID)
		if err != nil {
			return err
		}
		if et.Project != req.Project {
			return fault.Validation.New("entity type %d does not belong to project %d", et.ID, req.Project)
		}
		attrs, err := s.validator.FillDefaults(et.Attributes, req.Attributes)
		if err != nil {
			return err
		}

		e := store.Entity{
			Project:            req.Project,
			Kind:               et.Kind,
			SubKind:            et.SubKind,
			TypeID:             et.ID,
			TypeVersion:        et.Version,
			Name:               req.Name,
			MD5:                req.MD5,
			SectionID:          req.SectionID,
			MediaID:            req.MediaID,
			StateMedia:         req.StateMedia,
			StateLocalizations: req.StateLocalizations,
			Attributes:         attrs,
			Files:              req.Files,
			CreatedBy:          req.Actor,
		}
		if err := s.checkReferences(ctx, tx, e); err != nil {
			return err
		}
		if err := tx.InsertEntity(ctx, &e); err != nil {
			return err
		}
		if err := s.counter.Register(ctx, tx, e.ID, e.Files.Paths()); err != nil {
			return err
		}
		if err := s.enqueueUpsert(ctx, tx, e); err != nil {
			return err
		}
		if _, err := tx.AppendChange(ctx, store.Change{
			Project:     e.Project,
			Actor:       req.Actor,
			Description: describeChange(nil, &e),
			Objects:     []attr.Ref{e.Ref()},
		}); err != nil {
			return err
		}
		created = e
		return nil
	})
	return created, err
}

// checkReferences enforces the kind-specific shape of e: only media carry
// files, a localization annotates one live media of its project, and a state
// references live media and localizations of its project.
func (s *Service) checkReferences(ctx context.Context, tx *store.Tx, e store.Entity) error {
	if e.SectionID != 0 {
		sec, err := tx.Section(ctx, e.SectionID)
		if err != nil {
			return err
		}
		if sec.Project != e.Project {
			return fault.Validation.New("section %d does not belong to project %d", sec.ID, e.Project)
		}
	}
	if e.Kind != attr.KindMedia && len(e.Files) > 0 {
		return fault.Validation.New("only media carry files")
	}
	if err := e.Files.Check(); err != nil {
		return fault.Validation.Wrap(err)
	}
	if e.Kind != attr.KindLocalization && e.MediaID != 0 {
		return fault.Validation.New("only localizations reference a media")
	}
	if e.Kind != attr.KindState && (len(e.StateMedia) > 0 || len(e.StateLocalizations) > 0) {
		return fault.Validation.New("only states reference media and localizations")
	}

	switch e.Kind {
	case attr.KindLocalization:
		if e.MediaID == 0 {
			return fault.Missing("media_id")
		}
		return s.checkLive(ctx, tx, e.Project, attr.KindMedia, []int64{e.MediaID})
	case attr.KindState:
		if err := s.checkLive(ctx, tx, e.Project, attr.KindMedia, e.StateMedia); err != nil {
			return err
		}
		return s.checkLive(ctx, tx, e.Project, attr.KindLocalization, e.StateLocalizations)
	}
	return nil
}

func (s *Service) checkLive(ctx context.Context, tx *store.Tx, project int64, kind attr.Kind, ids []int64) error {
	for _, id := range ids {
		ref, err := tx.LiveEntity(ctx, id)
		if err != nil {
			return err
		}
		if ref.Kind != kind || ref.Project != project {
			return fault.Validation.New("entity %d is not a %s of project %d", id, kind, project)
		}
	}
	return nil
}

// Get returns a live entity.
func (s *Service) Get(ctx context.Context, id int64) (store.Entity, error) {
	e, err := s.store.Entity(ctx, id)
	if err != nil {
		return store.Entity{}, err
	}
	if e.Deleted {
		return store.Entity{}, fault.NotFound.New("entity %d", id)
	}
	return e, nil
}

// PatchRequest edits one entity. Zero fields are left alone.
type PatchRequest struct {
	// Revision, when non-zero, must match the stored revision.
	Revision   int64
	Name       *string
	Attributes map[string]any
	// ArchiveState requests to_live or to_archive on a media.
	ArchiveState media.ArchiveState
	Actor        string
}

func (p PatchRequest) empty() bool {
	return p.Name == nil && len(p.Attributes) == 0 && p.ArchiveState == ""
}

// Patch validates the supplied attributes against the entity's current type
// and rewrites the entity under its write lock.
func (s *Service) Patch(ctx context.Context, id int64, req PatchRequest) (store.Entity, error) {
	if req.empty() {
		return store.Entity{}, fault.Validation.New("patch of entity %d changes nothing", id)
	}
	var patched store.Entity
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		e, err := tx.LiveEntity(ctx, id)
		if err != nil {
			return err
		}
		if req.Revision != 0 && req.Revision != e.Revision {
			return fault.Conflict.New("entity %d is at revision %d, not %d", id, e.Revision, req.Revision)
		}
		next, changed, err := s.applyPatch(ctx, tx, e, req)
		if err != nil || !changed {
			patched = e
			return err
		}
		if err := s.write(ctx, tx, e, &next, req.Actor); err != nil {
			return err
		}
		patched = next
		return nil
	})
	return patched, err
}

// applyPatch returns e with req applied. changed is false when an archive
// request causes no transition and nothing else was asked for.
func (s *Service) applyPatch(ctx context.Context, tx *store.Tx, e store.Entity, req PatchRequest) (store.Entity, bool, error) {
	next := e
	changed := false
	if len(req.Attributes) > 0 {
		et, err := tx.EntityType(ctx, e.TypeID)
		if err != nil {
			return e, false, err
		}
		vals, err := s.validator.Patch(et.Attributes, req.Attributes)
		if err != nil {
			return e, false, err
		}
		next.Attributes = e.Attributes.Clone()
		for k, v := range vals {
			next.Attributes[k] = v
		}
		next.TypeVersion = et.Version
		changed = true
	}
	if req.Name != nil {
		next.Name = *req.Name
		changed = true
	}
	if req.ArchiveState != "" {
		if e.Kind != attr.KindMedia {
			return e, false, fault.Validation.New("archive state applies to media only")
		}
		state, ok, err := media.NextArchiveState(req.ArchiveState, e.ArchiveState)
		if err != nil {
			return e, false, fault.Validation.Wrap(err)
		}
		if ok {
			next.ArchiveState = state
			changed = true
		}
	}
	return next, changed, nil
}

// write stores next over prev and enqueues its document and change entry.
func (s *Service) write(ctx context.Context, tx *store.Tx, prev store.Entity, next *store.Entity, actor string) error {
	next.ModifiedBy = actor
	if err := tx.UpdateEntity(ctx, next); err != nil {
		return err
	}
	if err := s.enqueueUpsert(ctx, tx, *next); err != nil {
		return err
	}
	_, err := tx.AppendChange(ctx, store.Change{
		Project:     next.Project,
		Actor:       actor,
		Description: describeChange(&prev, next),
		Objects:     []attr.Ref{next.Ref()},
	})
	return err
}

// Delete tombstones an entity and its dependents. Blob references are
// released later by the purge sweep.
func (s *Service) Delete(ctx context.Context, id int64, actor string) ([]store.Entity, error) {
	var marked []store.Entity
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		e, err := tx.LiveEntity(ctx, id)
		if err != nil {
			return err
		}
		marked, err = s.propagator.Tombstone(ctx, tx, e.Project, []int64{id}, actor)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug("entity tombstoned", zap.Int64("id", id), zap.Int("cascaded", len(marked)-1))
	return marked, nil
}
