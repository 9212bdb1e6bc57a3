// Package service is the entity pipeline: every create, patch, delete, clone
// and schema change enters here, is validated, and is written to the store
// together with the outbox rows that keep the search index in step.
//
// Writes never touch the index directly. Reads resolve ids through the index
// and load rows from the store, so a listing may briefly lag a commit but
// never returns a row the store does not hold.
package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/annometa/internal/blob"
	"github.com/roach88/annometa/internal/cascade"
	"github.com/roach88/annometa/internal/metrics"
	"github.com/roach88/annometa/internal/mutation"
	"github.com/roach88/annometa/internal/registry"
	"github.com/roach88/annometa/internal/resource"
	"github.com/roach88/annometa/internal/search"
	"github.com/roach88/annometa/internal/store"
	"github.com/roach88/annometa/internal/validate"
)

// Config contains configurable values for the entity pipeline.
type Config struct {
	PresignTTL time.Duration `yaml:"presign_ttl" help:"lifetime of presigned download and upload urls" default:"24h"`
	MaxClone   int           `yaml:"max_clone" help:"most media a single clone request may copy" default:"500"`
}

// Deps are the shared clients the pipeline is built on.
type Deps struct {
	Store      *store.Store
	Index      search.Index
	Blobs      blob.Store
	Counter    *resource.Counter
	Propagator *cascade.Propagator
	Mutations  *mutation.Engine
	Metrics    *metrics.Metrics
}

// Service implements the entity operations.
type Service struct {
	log    *zap.Logger
	config Config

	store      *store.Store
	index      search.Index
	blobs      blob.Store
	counter    *resource.Counter
	propagator *cascade.Propagator
	mutations  *mutation.Engine
	metrics    *metrics.Metrics

	registry  *registry.Registry
	validator *validate.Validator
}

// New creates the pipeline and loads the current entity types into its
// registry.
func New(ctx context.Context, log *zap.Logger, config Config, deps Deps) (*Service, error) {
	if config.PresignTTL <= 0 {
		config.PresignTTL = 24 * time.Hour
	}
	if config.MaxClone <= 0 {
		config.MaxClone = 500
	}
	types, err := deps.Store.CurrentEntityTypes(ctx)
	if err != nil {
		return nil, err
	}
	return &Service{
		log:        log,
		config:     config,
		store:      deps.Store,
		index:      deps.Index,
		blobs:      deps.Blobs,
		counter:    deps.Counter,
		propagator: deps.Propagator,
		mutations:  deps.Mutations,
		metrics:    deps.Metrics,
		registry:   registry.New(types...),
		validator:  validate.New(deps.Store.Now),
	}, nil
}

// Registry exposes the in-process view of the entity types.
func (s *Service) Registry() *registry.Registry {
	return s.registry
}

func (s *Service) enqueueUpsert(ctx context.Context, tx *store.Tx, e store.Entity) error {
	body, err := search.DocumentFor(e).Marshal()
	if err != nil {
		return err
	}
	_, err = tx.Enqueue(ctx, store.OutboxOp{
		DocID:   e.DocID(),
		Project: e.Project,
		Op:      store.OpUpsert,
		Body:    body,
	})
	return err
}
