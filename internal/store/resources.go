package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/annometa/internal/fault"
)

// Resource is a blob path and the entities sharing it.
type Resource struct {
	Path       string
	Owners     []int64
	PurgeToken string
	ClaimedAt  time.Time
	CreatedAt  time.Time
}

// Claimed reports whether a purge holds the resource.
func (r Resource) Claimed() bool {
	return r.PurgeToken != ""
}

// AddOwner registers entityID as an owner of path, creating the resource
// row if absent. Re-adding an existing owner is a no-op. A resource claimed
// for purge is a Conflict: its blob is about to go away.
func (t *Tx) AddOwner(ctx context.Context, path string, entityID int64) error {
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO resources (path, created_at) VALUES (?, ?) ON CONFLICT(path) DO NOTHING`,
		path, t.stamp()); err != nil {
		return fmt.Errorf("insert resource %q: %w", path, err)
	}

	var token sql.NullString
	if err := t.tx.QueryRowContext(ctx,
		`SELECT purge_token FROM resources WHERE path = ?`, path).Scan(&token); err != nil {
		return fmt.Errorf("read resource %q: %w", path, err)
	}
	if token.Valid {
		return fault.Conflict.New("resource %q is being purged", path)
	}

	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO resource_owners (path, entity_id) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		path, entityID); err != nil {
		return fmt.Errorf("add owner %d to %q: %w", entityID, path, err)
	}
	return nil
}

// RemoveOwner drops entityID from path's owners and returns how many owners
// remain. A missing resource or owner is not an error.
func (t *Tx) RemoveOwner(ctx context.Context, path string, entityID int64) (int, error) {
	if _, err := t.tx.ExecContext(ctx,
		`DELETE FROM resource_owners WHERE path = ? AND entity_id = ?`, path, entityID); err != nil {
		return 0, fmt.Errorf("remove owner %d from %q: %w", entityID, path, err)
	}
	var n int
	if err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM resource_owners WHERE path = ?`, path).Scan(&n); err != nil {
		return 0, fmt.Errorf("count owners of %q: %w", path, err)
	}
	return n, nil
}

// Claim marks an ownerless resource for purge under token. It succeeds for
// exactly one caller: the resource must exist, have no owners, and be
// unclaimed or hold a claim older than staleBefore.
func (t *Tx) Claim(ctx context.Context, path, token string, staleBefore time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE resources SET purge_token = ?, claimed_at = ?
		WHERE path = ?
		  AND NOT EXISTS (SELECT 1 FROM resource_owners o WHERE o.path = resources.path)
		  AND (purge_token IS NULL OR claimed_at IS NULL OR claimed_at < ?)
	`, token, t.stamp(), path, formatTime(staleBefore))
	if err != nil {
		return false, fmt.Errorf("claim %q: %w", path, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim %q: %w", path, err)
	}
	return n > 0, nil
}

// ReleaseClaim clears token's claim on path, leaving the row for a later
// sweep.
func (t *Tx) ReleaseClaim(ctx context.Context, path, token string) error {
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE resources SET purge_token = NULL, claimed_at = NULL WHERE path = ? AND purge_token = ?`,
		path, token); err != nil {
		return fmt.Errorf("release claim on %q: %w", path, err)
	}
	return nil
}

// DeleteClaimed removes path's row if token still holds its claim.
func (t *Tx) DeleteClaimed(ctx context.Context, path, token string) (bool, error) {
	res, err := t.tx.ExecContext(ctx,
		`DELETE FROM resources WHERE path = ? AND purge_token = ?`, path, token)
	if err != nil {
		return false, fmt.Errorf("delete resource %q: %w", path, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete resource %q: %w", path, err)
	}
	return n > 0, nil
}

// OwnedPaths returns the paths entityID owns, sorted.
func (t *Tx) OwnedPaths(ctx context.Context, entityID int64) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT path FROM resource_owners WHERE entity_id = ? ORDER BY path ASC`, entityID)
	if err != nil {
		return nil, fmt.Errorf("query owned paths: %w", err)
	}
	defer rows.Close()
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan path: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// Resource returns path's row and owners.
func (s *Store) Resource(ctx context.Context, path string) (Resource, error) {
	var (
		r                Resource
		token, claimedAt sql.NullString
		created          string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT path, purge_token, claimed_at, created_at FROM resources WHERE path = ?`, path).
		Scan(&r.Path, &token, &claimedAt, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Resource{}, fault.NotFound.New("resource %q", path)
	}
	if err != nil {
		return Resource{}, fmt.Errorf("read resource %q: %w", path, err)
	}
	r.PurgeToken = token.String
	if claimedAt.Valid {
		if r.ClaimedAt, err = parseTime(claimedAt.String); err != nil {
			return Resource{}, err
		}
	}
	if r.CreatedAt, err = parseTime(created); err != nil {
		return Resource{}, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_id FROM resource_owners WHERE path = ? ORDER BY entity_id ASC`, path)
	if err != nil {
		return Resource{}, fmt.Errorf("query owners of %q: %w", path, err)
	}
	if r.Owners, err = collectIDs(rows); err != nil {
		return Resource{}, err
	}
	return r, nil
}

// OrphanResources returns up to limit ownerless paths that are unclaimed or
// whose claim is older than staleBefore.
func (s *Store) OrphanResources(ctx context.Context, staleBefore time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path FROM resources
		WHERE NOT EXISTS (SELECT 1 FROM resource_owners o WHERE o.path = resources.path)
		  AND (purge_token IS NULL OR claimed_at IS NULL OR claimed_at < ?)
		ORDER BY path ASC
		LIMIT ?
	`, formatTime(staleBefore), limit)
	if err != nil {
		return nil, fmt.Errorf("query orphan resources: %w", err)
	}
	defer rows.Close()
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan path: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}
