// Package resource reference-counts blob paths shared between entities and
// deletes each blob exactly once, when its last owner lets go.
//
// Removal is a claim protocol. The transaction that drops the last owner
// also stamps the resource row with a fresh purge token, conditional on the
// row being ownerless and unclaimed, so exactly one caller wins. The winner
// deletes the blob outside the transaction and then deletes the row,
// conditional on still holding the token. A failed blob delete releases the
// claim and keeps the row; the orphan sweep retries it, and also re-claims
// rows whose claimer died (claims older than ClaimTTL).
//
// A blob delete runs under a deadline of half the claim TTL, so a claim is
// not taken over while its holder's delete can still land. A backend that
// ignores its context can outlive the deadline; for such a backend a second
// physical delete of the same path is possible.
package resource

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/roach88/annometa/internal/blob"
	"github.com/roach88/annometa/internal/fault"
	"github.com/roach88/annometa/internal/metrics"
	"github.com/roach88/annometa/internal/store"
)

// Counter owns the blob lifecycle.
type Counter struct {
	log      *zap.Logger
	store    *store.Store
	blobs    blob.Store
	metrics  *metrics.Metrics
	claimTTL time.Duration
	nowFn    func() time.Time
}

// DefaultClaimTTL is how long a purge claim is honored before the orphan
// sweep may take it over.
const DefaultClaimTTL = 10 * time.Minute

// NewCounter creates a counter. A non-positive claimTTL uses DefaultClaimTTL.
func NewCounter(log *zap.Logger, s *store.Store, blobs blob.Store, m *metrics.Metrics, claimTTL time.Duration) *Counter {
	if claimTTL <= 0 {
		claimTTL = DefaultClaimTTL
	}
	return &Counter{
		log:      log,
		store:    s,
		blobs:    blobs,
		metrics:  m,
		claimTTL: claimTTL,
		nowFn:    s.Now,
	}
}

// TestingSetNow allows tests to control claim expiry.
func (c *Counter) TestingSetNow(nowFn func() time.Time) {
	c.nowFn = nowFn
}

// Register adds entityID as an owner of every path inside tx. It is how
// creates, clones and file-role updates take references; the references
// commit or roll back with the entity write.
func (c *Counter) Register(ctx context.Context, tx *store.Tx, entityID int64, paths []string) error {
	for _, p := range paths {
		if err := tx.AddOwner(ctx, p, entityID); err != nil {
			return err
		}
	}
	return nil
}

// Add registers one owner in its own transaction.
func (c *Counter) Add(ctx context.Context, path string, entityID int64) error {
	return c.store.InTx(ctx, func(tx *store.Tx) error {
		return tx.AddOwner(ctx, path, entityID)
	})
}

// Remove drops entityID's reference to path. If that was the last
// reference, the blob and row are deleted; deleted reports whether this call
// did so. A blob failure keeps the row and returns a fault.Storage error.
func (c *Counter) Remove(ctx context.Context, path string, entityID int64) (deleted bool, err error) {
	return c.remove(ctx, path, entityID, nil)
}

// Detach is Remove for a path a live media stopped listing. The entity's
// manifest is read in the removal's transaction, and a path it lists again
// keeps its reference.
func (c *Counter) Detach(ctx context.Context, path string, entityID int64) (deleted bool, err error) {
	return c.remove(ctx, path, entityID, func(tx *store.Tx) (bool, error) {
		e, err := tx.Entity(ctx, entityID)
		if fault.NotFound.Has(err) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if e.Deleted {
			return false, nil
		}
		for _, p := range e.Files.Paths() {
			if p == path {
				return true, nil
			}
		}
		return false, nil
	})
}

func (c *Counter) remove(ctx context.Context, path string, entityID int64, keep func(tx *store.Tx) (bool, error)) (deleted bool, err error) {
	token := uuid.NewString()
	var claimed bool
	err = c.store.InTx(ctx, func(tx *store.Tx) error {
		if keep != nil {
			kept, err := keep(tx)
			if err != nil || kept {
				return err
			}
		}
		n, err := tx.RemoveOwner(ctx, path, entityID)
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		claimed, err = tx.Claim(ctx, path, token, c.staleBefore())
		return err
	})
	if err != nil || !claimed {
		return false, err
	}
	return c.purgeClaimed(ctx, path, token)
}

// Release removes entityID's reference to each path, continuing past
// failures. The returned error combines every failure.
func (c *Counter) Release(ctx context.Context, entityID int64, paths []string) error {
	var group errs.Group
	for _, p := range paths {
		if _, err := c.Remove(ctx, p, entityID); err != nil {
			group.Add(err)
		}
	}
	return group.Err()
}

// SweepOrphans claims and deletes up to limit ownerless resources: rows
// left by failed blob deletes and rows whose claim expired.
func (c *Counter) SweepOrphans(ctx context.Context, limit int) (deleted int, err error) {
	paths, err := c.store.OrphanResources(ctx, c.staleBefore(), limit)
	if err != nil {
		return 0, err
	}
	var group errs.Group
	for _, p := range paths {
		token := uuid.NewString()
		var claimed bool
		if err := c.store.InTx(ctx, func(tx *store.Tx) error {
			var err error
			claimed, err = tx.Claim(ctx, p, token, c.staleBefore())
			return err
		}); err != nil {
			group.Add(err)
			continue
		}
		if !claimed {
			continue
		}
		ok, err := c.purgeClaimed(ctx, p, token)
		if err != nil {
			group.Add(err)
		}
		if ok {
			deleted++
		}
	}
	return deleted, group.Err()
}

func (c *Counter) purgeClaimed(ctx context.Context, path, token string) (bool, error) {
	deleteCtx, cancel := context.WithTimeout(ctx, c.claimTTL/2)
	err := c.blobs.Delete(deleteCtx, path)
	cancel()
	if err != nil {
		c.metrics.BlobDeleteFailuresTotal.Inc()
		c.log.Warn("blob delete failed, resource kept for the next sweep",
			zap.String("path", path), zap.Error(err))
		if relErr := c.store.InTx(ctx, func(tx *store.Tx) error {
			return tx.ReleaseClaim(ctx, path, token)
		}); relErr != nil {
			c.log.Warn("release claim failed", zap.String("path", path), zap.Error(relErr))
		}
		return false, fault.Storage.New("delete %s: %v", path, err)
	}

	var removed bool
	if err := c.store.InTx(ctx, func(tx *store.Tx) error {
		var err error
		removed, err = tx.DeleteClaimed(ctx, path, token)
		return err
	}); err != nil {
		return false, err
	}
	if !removed {
		// The claim expired and another sweeper took over; the blob is gone
		// either way.
		c.log.Info("purge claim superseded", zap.String("path", path))
	}
	c.metrics.PhysicalDeletesTotal.Inc()
	c.log.Debug("blob deleted", zap.String("path", path))
	return true, nil
}

func (c *Counter) staleBefore() time.Time {
	return c.nowFn().Add(-c.claimTTL)
}
