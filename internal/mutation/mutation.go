// Package mutation changes the dtype or constraints of one attribute of an
// entity type, converting every stored value in the same transaction.
//
// A mutation either converts every record and writes a new entity type
// version, or changes nothing and reports every record it could not convert.
package mutation

import (
	"context"
	"fmt"
	"reflect"

	"go.uber.org/zap"

	"github.com/roach88/annometa/internal/attr"
	"github.com/roach88/annometa/internal/fault"
	"github.com/roach88/annometa/internal/metrics"
	"github.com/roach88/annometa/internal/search"
	"github.com/roach88/annometa/internal/store"
	"github.com/roach88/annometa/internal/validate"
)

// allowed lists the dtype conversions besides identity.
var allowed = map[attr.Dtype][]attr.Dtype{
	attr.DtypeBool:     {attr.DtypeString},
	attr.DtypeInt:      {attr.DtypeFloat, attr.DtypeString},
	attr.DtypeFloat:    {attr.DtypeString},
	attr.DtypeEnum:     {attr.DtypeString},
	attr.DtypeString:   {attr.DtypeString},
	attr.DtypeDatetime: {attr.DtypeString},
}

// Allowed reports whether values of dtype from can be converted to dtype to.
func Allowed(from, to attr.Dtype) bool {
	if from == to {
		return from.Valid()
	}
	for _, d := range allowed[from] {
		if d == to {
			return true
		}
	}
	return false
}

// Targets returns the dtypes from can be mutated into, itself included.
func Targets(from attr.Dtype) []attr.Dtype {
	if !from.Valid() {
		return nil
	}
	out := []attr.Dtype{from}
	for _, d := range allowed[from] {
		if d != from {
			out = append(out, d)
		}
	}
	return out
}

// Retarget returns def converted to dtype: constraints the new dtype cannot
// carry are dropped and the default is converted like a stored value.
func Retarget(def attr.Definition, dtype attr.Dtype) (attr.Definition, error) {
	if dtype == "" || dtype == def.Dtype {
		return def, nil
	}
	if !Allowed(def.Dtype, dtype) {
		return attr.Definition{}, fault.Conflict.New("attribute %q: %s cannot be converted to %s", def.Name, def.Dtype, dtype)
	}
	next := def
	next.Dtype = dtype
	next.Default = nil
	if !dtype.Numeric() {
		next.Minimum, next.Maximum = nil, nil
	}
	if dtype != attr.DtypeEnum {
		next.Choices, next.Labels = nil, nil
	}
	if dtype != attr.DtypeDatetime {
		next.UseCurrent = false
	}
	if def.Default != nil {
		v, err := validate.New(nil).Validate(next, def.Default)
		if err != nil {
			return attr.Definition{}, err
		}
		next.Default = v
	}
	return next, nil
}

// Engine applies attribute mutations.
type Engine struct {
	log       *zap.Logger
	store     *store.Store
	index     search.Index
	validator *validate.Validator
	metrics   *metrics.Metrics
}

// NewEngine creates an engine. Values are converted by the validator, so the
// store's clock also fills use_current datetimes.
func NewEngine(log *zap.Logger, s *store.Store, index search.Index, m *metrics.Metrics) *Engine {
	return &Engine{
		log:       log,
		store:     s,
		index:     index,
		validator: validate.New(s.Now),
		metrics:   m,
	}
}

// Request names the attribute to mutate and its replacement definition.
type Request struct {
	TypeID     int64
	Attribute  string
	Definition attr.Definition
	Actor      string
}

// Mutate converts attribute values of every entity of the type and writes the
// new entity type version. Disallowed conversions are refused with
// fault.Conflict before any record is read. If any live record fails to
// convert, the whole mutation is aborted with a fault.Conflict wrapping
// fault.RecordFailures.
func (e *Engine) Mutate(ctx context.Context, req Request) (et attr.EntityType, err error) {
	defer func() {
		outcome := "applied"
		if _, ok := fault.Failures(err); ok {
			outcome = "aborted"
		} else if fault.IsClientError(err) {
			outcome = "refused"
		} else if err != nil {
			outcome = "failed"
		}
		e.metrics.RecordMutation(outcome)
	}()

	var (
		oldField string
		patched  int
	)
	err = e.store.InTx(ctx, func(tx *store.Tx) error {
		current, err := tx.EntityType(ctx, req.TypeID)
		if err != nil {
			return err
		}
		old, ok := current.Lookup(req.Attribute)
		if !ok {
			return fault.NotFound.New("attribute %q on entity type %d", req.Attribute, req.TypeID)
		}
		if !Allowed(old.Dtype, req.Definition.Dtype) {
			return fault.Conflict.New("attribute %q cannot be mutated from %s to %s",
				req.Attribute, old.Dtype, req.Definition.Dtype)
		}
		next, err := current.WithAttribute(req.Attribute, req.Definition)
		if err != nil {
			return fault.Conflict.Wrap(err)
		}
		if err := next.Check(); err != nil {
			return fault.Validation.Wrap(err)
		}

		entities, err := tx.EntitiesOfType(ctx, req.TypeID)
		if err != nil {
			return err
		}
		converted, err := e.convert(entities, old, req.Definition)
		if err != nil {
			return err
		}

		et, err = tx.PutEntityType(ctx, next)
		if err != nil {
			return err
		}
		oldField = old.Field()
		newField := req.Definition.Field()

		var refs []attr.Ref
		for i := range entities {
			ent := &entities[i]
			attrs := ent.Attributes.Clone()
			delete(attrs, old.Name)
			val, has := converted[ent.ID]
			if has {
				attrs[req.Definition.Name] = val
			}
			if err := tx.SetAttributes(ctx, ent.ID, et.Version, attrs); err != nil {
				return err
			}
			if ent.Deleted {
				continue
			}

			p := search.Patch{}
			if has {
				p.Set = map[string]any{newField: val.Native()}
			}
			if oldField != newField {
				p.Unset = []string{oldField}
			}
			if len(p.Set) == 0 && len(p.Unset) == 0 {
				continue
			}
			body, err := p.Marshal()
			if err != nil {
				return fmt.Errorf("encode patch for %s: %w", ent.DocID(), err)
			}
			if _, err := tx.Enqueue(ctx, store.OutboxOp{
				DocID:   ent.DocID(),
				Project: ent.Project,
				Op:      store.OpPatch,
				Body:    body,
			}); err != nil {
				return err
			}
			refs = append(refs, ent.Ref())
			patched++
		}
		if err := tx.SetTypeVersion(ctx, req.TypeID, et.Version); err != nil {
			return err
		}

		_, err = tx.AppendChange(ctx, store.Change{
			Project: current.Project,
			Actor:   req.Actor,
			Description: fmt.Sprintf("entity type %q v%d: attribute %q (%s) -> %q (%s)",
				current.Name, et.Version, old.Name, old.Dtype, req.Definition.Name, req.Definition.Dtype),
			Objects: refs,
		})
		return err
	})
	if err != nil {
		if failures, ok := fault.Failures(err); ok {
			e.log.Info("mutation aborted",
				zap.Int64("type", req.TypeID),
				zap.String("attribute", req.Attribute),
				zap.Int("failures", len(failures)))
		}
		return attr.EntityType{}, err
	}

	if err := e.index.PutMapping(ctx, et.Project, map[string]attr.Dtype{
		req.Definition.Field(): req.Definition.Dtype,
	}); err != nil {
		// The synchronizer records the mapping again when it applies the patches.
		e.log.Warn("mapping update deferred", zap.String("field", req.Definition.Field()), zap.Error(err))
	}

	e.log.Info("attribute mutated",
		zap.Int64("type", et.ID),
		zap.Int64("version", et.Version),
		zap.String("from", oldField),
		zap.String("to", req.Definition.Field()),
		zap.Int("documents", patched))
	return et, nil
}

// Revalidate checks the stored values of every entity of next's type against
// each existing attribute whose definition next changes, inside tx. next must
// already be written, so its version is known. A live record holding a value
// the new definition rejects aborts the write with a fault.Conflict wrapping
// fault.RecordFailures; a newly required attribute a record lacks is filled
// from its default. Added attributes are not checked.
func (e *Engine) Revalidate(ctx context.Context, tx *store.Tx, current, next attr.EntityType) error {
	var changed [][2]attr.Definition
	for _, old := range current.Attributes {
		def, ok := next.Lookup(old.Name)
		if ok && !reflect.DeepEqual(old, def) {
			changed = append(changed, [2]attr.Definition{old, def})
		}
	}
	if len(changed) == 0 {
		return nil
	}

	entities, err := tx.EntitiesOfType(ctx, next.ID)
	if err != nil {
		return err
	}
	filled := make(map[int64]attr.Map)
	for _, pair := range changed {
		old, def := pair[0], pair[1]
		converted, err := e.convert(entities, old, def)
		if err != nil {
			return err
		}
		for _, ent := range entities {
			if _, present := ent.Attributes[old.Name]; present || ent.Deleted {
				continue
			}
			if val, ok := converted[ent.ID]; ok {
				if filled[ent.ID] == nil {
					filled[ent.ID] = attr.Map{}
				}
				filled[ent.ID][def.Name] = val
			}
		}
	}

	for _, ent := range entities {
		fills, ok := filled[ent.ID]
		if !ok {
			continue
		}
		attrs := ent.Attributes.Clone()
		p := search.Patch{Set: map[string]any{}}
		for name, val := range fills {
			attrs[name] = val
			def, _ := next.Lookup(name)
			p.Set[def.Field()] = val.Native()
		}
		if err := tx.SetAttributes(ctx, ent.ID, next.Version, attrs); err != nil {
			return err
		}
		body, err := p.Marshal()
		if err != nil {
			return fmt.Errorf("encode patch for %s: %w", ent.DocID(), err)
		}
		if _, err := tx.Enqueue(ctx, store.OutboxOp{
			DocID:   ent.DocID(),
			Project: ent.Project,
			Op:      store.OpPatch,
			Body:    body,
		}); err != nil {
			return err
		}
	}
	e.log.Debug("stored values revalidated",
		zap.Int64("type", next.ID),
		zap.Int("attributes", len(changed)),
		zap.Int("filled", len(filled)))
	return nil
}

// convert validates every stored value under def. Live records that fail
// abort the mutation; tombstoned records that fail lose the value.
func (e *Engine) convert(entities []store.Entity, old, def attr.Definition) (map[int64]attr.Value, error) {
	out := make(map[int64]attr.Value, len(entities))
	var failures []fault.RecordFailure
	for _, ent := range entities {
		raw, present := ent.Attributes[old.Name]
		if !present {
			if ent.Deleted || !def.Required {
				continue
			}
			filled, err := e.validator.FillDefaults([]attr.Definition{def}, nil)
			if err != nil {
				failures = append(failures, fault.RecordFailure{
					EntityID: ent.ID,
					Reason:   "no stored value and no default for a required attribute",
				})
				continue
			}
			out[ent.ID] = filled[def.Name]
			continue
		}

		val, err := e.validator.Validate(def, raw)
		if err != nil {
			if ent.Deleted {
				continue
			}
			failures = append(failures, fault.RecordFailure{
				EntityID: ent.ID,
				Value:    raw.Native(),
				Reason:   err.Error(),
			})
			continue
		}
		out[ent.ID] = val
	}
	if len(failures) > 0 {
		return nil, fault.Conflict.Wrap(fault.NewRecordFailures(old.Name, failures))
	}
	return out, nil
}
