package cascade

import (
	"context"
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/annometa/internal/fault"
	"github.com/roach88/annometa/internal/resource"
	"github.com/roach88/annometa/internal/store"
)

// Config contains configurable values for the reaper chore.
type Config struct {
	Interval    time.Duration `yaml:"interval" help:"the time between each purge sweep" default:"1m"`
	Concurrency int           `yaml:"concurrency" help:"how many entities are purged in parallel" default:"4"`
	BatchSize   int           `yaml:"batch_size" help:"how many tombstoned entities are read per sweep" default:"200"`
	ClaimTTL    time.Duration `yaml:"claim_ttl" help:"age after which an unfinished purge claim may be taken over" default:"10m"`
}

// Drainer brings the index up to date with the store before a sweep, so the
// desync check only fires on real drift.
type Drainer interface {
	Drain(ctx context.Context) (int, error)
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Purged   int
	Deferred int
	Orphans  int
}

// Reaper periodically purges tombstoned entities and orphaned resources.
//
// architecture: Chore
type Reaper struct {
	log        *zap.Logger
	config     Config
	store      *store.Store
	propagator *Propagator
	counter    *resource.Counter
	drainer    Drainer

	mu sync.Mutex
	// after is the last id of the previous full batch. Sweeps page through
	// the tombstones so entities that keep failing do not starve the rest.
	after int64
}

// NewReaper creates a reaper. drainer may be nil.
func NewReaper(log *zap.Logger, config Config, s *store.Store, propagator *Propagator, counter *resource.Counter, drainer Drainer) *Reaper {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 200
	}
	return &Reaper{
		log:        log,
		config:     config,
		store:      s,
		propagator: propagator,
		counter:    counter,
		drainer:    drainer,
	}
}

// Run sweeps every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()
	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.log.Error("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep purges one batch of tombstoned entities, then the orphan
// resources. Storage failures defer the affected entity to a later sweep and
// are counted, not returned. Each sweep continues after the previous batch
// and wraps around once it reaches the end.
func (r *Reaper) Sweep(ctx context.Context) (SweepResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res SweepResult

	if r.drainer != nil {
		if _, err := r.drainer.Drain(ctx); err != nil {
			r.log.Warn("drain before sweep failed", zap.Error(err))
		}
	}

	ids, err := r.store.Tombstoned(ctx, r.after, r.config.BatchSize)
	if err != nil {
		return res, Error.Wrap(err)
	}
	if len(ids) == 0 && r.after > 0 {
		r.after = 0
		if ids, err = r.store.Tombstoned(ctx, 0, r.config.BatchSize); err != nil {
			return res, Error.Wrap(err)
		}
	}
	if len(ids) == r.config.BatchSize {
		r.after = ids[len(ids)-1]
	} else {
		r.after = 0
	}
	r.log.Debug("sweeping", zap.Int("tombstoned", len(ids)), zap.Int64("next_after", r.after))

	outcomes := make([]error, len(ids))
	var g errgroup.Group
	g.SetLimit(r.config.Concurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			outcomes[i] = r.propagator.Purge(ctx, id)
			return nil
		})
	}
	_ = g.Wait()

	var group errs.Group
	for i, err := range outcomes {
		switch {
		case err == nil:
			res.Purged++
		case fault.Storage.Has(err):
			res.Deferred++
		default:
			group.Add(err)
			r.log.Error("purge failed", zap.Int64("entity", ids[i]), zap.Error(err))
		}
	}

	orphans, err := r.counter.SweepOrphans(ctx, r.config.BatchSize)
	res.Orphans = orphans
	if err != nil && !fault.Storage.Has(err) {
		group.Add(err)
	}
	return res, Error.Wrap(group.Err())
}
