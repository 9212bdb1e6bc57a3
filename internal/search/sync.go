package search

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/annometa/internal/metrics"
	"github.com/roach88/annometa/internal/store"
)

// Outbox is the store side of synchronization.
type Outbox interface {
	ReadOutbox(ctx context.Context, after int64, limit int) ([]store.OutboxOp, error)
	AckOutbox(ctx context.Context, upTo int64) error
	OutboxStats(ctx context.Context) (store.OutboxStats, error)
}

// SyncConfig contains configurable values for the outbox synchronizer.
type SyncConfig struct {
	Interval     time.Duration `yaml:"interval" help:"how often the outbox is drained into the index" default:"1s"`
	BatchSize    int           `yaml:"batch_size" help:"how many outbox rows are applied per round" default:"500"`
	MaxStaleness time.Duration `yaml:"max_staleness" help:"outbox age above which a drain logs a warning" default:"30s"`
}

// Synchronizer applies outbox operations to an Index in sequence order.
// Delivery is at least once: a failed round leaves its unapplied rows for
// the next, and every operation is idempotent.
//
// architecture: Chore
type Synchronizer struct {
	log     *zap.Logger
	config  SyncConfig
	outbox  Outbox
	index   Index
	metrics *metrics.Metrics

	nowFn func() time.Time
	mu    sync.Mutex
}

// NewSynchronizer creates a synchronizer.
func NewSynchronizer(log *zap.Logger, config SyncConfig, outbox Outbox, index Index, m *metrics.Metrics) *Synchronizer {
	if config.BatchSize <= 0 {
		config.BatchSize = 500
	}
	if config.Interval <= 0 {
		config.Interval = time.Second
	}
	return &Synchronizer{
		log:     log,
		config:  config,
		outbox:  outbox,
		index:   index,
		metrics: m,
		nowFn:   time.Now,
	}
}

// TestingSetNow allows tests to control the clock used for lag reporting.
func (s *Synchronizer) TestingSetNow(nowFn func() time.Time) {
	s.nowFn = nowFn
}

// Run drains the outbox every interval until ctx is done. Drain failures
// are logged and retried on the next tick.
func (s *Synchronizer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.Drain(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("outbox drain failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Drain applies every pending operation and returns how many it applied.
// Tests call it to wait for convergence.
func (s *Synchronizer) Drain(ctx context.Context) (applied int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	defer func() {
		if err != nil {
			s.metrics.SyncErrorsTotal.Inc()
		}
		s.reportLag(ctx)
	}()

	for {
		ops, err := s.outbox.ReadOutbox(ctx, 0, s.config.BatchSize)
		if err != nil {
			return applied, Error.Wrap(err)
		}
		if len(ops) == 0 {
			return applied, nil
		}

		var last int64
		for _, op := range ops {
			if err := s.apply(ctx, op); err != nil {
				if last > 0 {
					if ackErr := s.outbox.AckOutbox(ctx, last); ackErr != nil {
						s.log.Warn("ack after partial drain failed", zap.Error(ackErr))
					}
				}
				return applied, err
			}
			last = op.Seq
			applied++
			s.metrics.RecordSynced(string(op.Op))
		}
		if err := s.outbox.AckOutbox(ctx, last); err != nil {
			return applied, Error.Wrap(err)
		}
		if len(ops) < s.config.BatchSize {
			return applied, nil
		}
	}
}

func (s *Synchronizer) apply(ctx context.Context, op store.OutboxOp) error {
	switch op.Op {
	case store.OpUpsert:
		doc, err := UnmarshalDocument(op.Body)
		if err != nil {
			return Error.New("outbox %d: %v", op.Seq, err)
		}
		return s.index.Upsert(ctx, doc)
	case store.OpPatch:
		p, err := UnmarshalPatch(op.Body)
		if err != nil {
			return Error.New("outbox %d: %v", op.Seq, err)
		}
		ok, err := s.index.Patch(ctx, op.DocID, p)
		if err != nil {
			return err
		}
		if !ok {
			s.log.Debug("patch skipped, document absent", zap.String("doc", op.DocID))
		}
		return nil
	case store.OpDelete:
		_, err := s.index.Delete(ctx, op.DocID)
		return err
	}
	return Error.New("outbox %d: unknown operation %q", op.Seq, op.Op)
}

func (s *Synchronizer) reportLag(ctx context.Context) {
	st, err := s.outbox.OutboxStats(ctx)
	if err != nil {
		s.log.Debug("outbox stats unavailable", zap.Error(err))
		return
	}
	s.metrics.OutboxPending.Set(float64(st.Pending))
	if st.Oldest.IsZero() {
		s.metrics.OutboxLagSeconds.Set(0)
		return
	}
	lag := s.nowFn().Sub(st.Oldest)
	s.metrics.OutboxLagSeconds.Set(lag.Seconds())
	if s.config.MaxStaleness > 0 && lag > s.config.MaxStaleness {
		s.log.Warn("search index is behind the store",
			zap.Duration("lag", lag),
			zap.Int64("pending", st.Pending))
	}
}
