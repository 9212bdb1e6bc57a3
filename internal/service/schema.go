package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/roach88/annometa/internal/attr"
	"github.com/roach88/annometa/internal/fault"
	"github.com/roach88/annometa/internal/mutation"
	"github.com/roach88/annometa/internal/store"
)

// PutEntityType creates an entity type, or writes a new version of an
// existing one. A new version may add attributes and change constraints,
// but every existing attribute must keep its name and dtype; conversions go
// through MutateAttribute. Changed constraints are checked against the
// stored values, and a version that any live entity would violate is
// refused with a fault.Conflict listing the records. Writing an unchanged
// type is a no-op.
func (s *Service) PutEntityType(ctx context.Context, et attr.EntityType, actor string) (attr.EntityType, error) {
	var stored attr.EntityType
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		var (
			current attr.EntityType
			exists  bool
		)
		if et.ID != 0 {
			var err error
			current, err = tx.EntityType(ctx, et.ID)
			if err != nil && !fault.NotFound.Has(err) {
				return err
			}
			if err == nil {
				exists = true
				if err := compatible(current, et); err != nil {
					return err
				}
				if hash, err := attr.ContentHash(et); err == nil && hash == current.ContentHash {
					stored = current
					return nil
				}
			}
		}
		var err error
		if stored, err = tx.PutEntityType(ctx, et); err != nil {
			return err
		}
		if exists {
			if err := s.mutations.Revalidate(ctx, tx, current, stored); err != nil {
				return err
			}
		}
		_, err = tx.AppendChange(ctx, store.Change{
			Project:     stored.Project,
			Actor:       actor,
			Description: fmt.Sprintf("entity type %q (%d) version %d", stored.Name, stored.ID, stored.Version),
		})
		return err
	})
	if err != nil {
		return attr.EntityType{}, err
	}

	s.registry.Put(stored)
	if err := s.index.PutMapping(ctx, stored.Project, mappingOf(stored)); err != nil {
		s.log.Warn("mapping update deferred", zap.Int64("type", stored.ID), zap.Error(err))
	}
	return stored, nil
}

func compatible(current, next attr.EntityType) error {
	if current.Project != next.Project || current.Kind != next.Kind || current.SubKind != next.SubKind {
		return fault.Conflict.New("entity type %d cannot move between projects or kinds", current.ID)
	}
	for _, def := range current.Attributes {
		d, ok := next.Lookup(def.Name)
		if !ok {
			return fault.Conflict.New("entity type %d: attribute %q cannot be dropped", current.ID, def.Name)
		}
		if d.Dtype != def.Dtype {
			return fault.Conflict.New("entity type %d: attribute %q changes dtype %s -> %s; mutate it instead",
				current.ID, def.Name, def.Dtype, d.Dtype)
		}
	}
	return nil
}

func mappingOf(et attr.EntityType) map[string]attr.Dtype {
	out := make(map[string]attr.Dtype, len(et.Attributes))
	for _, def := range et.Attributes {
		out[def.Field()] = def.Dtype
	}
	return out
}

// EntityType returns the current version of entity type id.
func (s *Service) EntityType(ctx context.Context, id int64) (attr.EntityType, error) {
	return s.store.EntityType(ctx, id)
}

// MutateAttribute converts one attribute of an entity type. See
// mutation.Engine.Mutate.
func (s *Service) MutateAttribute(ctx context.Context, req mutation.Request) (attr.EntityType, error) {
	et, err := s.mutations.Mutate(ctx, req)
	if err != nil {
		return attr.EntityType{}, err
	}
	s.registry.Put(et)
	return et, nil
}

// Refresh reloads every entity type from the store into the registry.
func (s *Service) Refresh(ctx context.Context) error {
	types, err := s.store.CurrentEntityTypes(ctx)
	if err != nil {
		return err
	}
	for _, et := range types {
		s.registry.Put(et)
	}
	return nil
}
