package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/annometa/internal/attr"
)

// Change is one change-log entry and the objects it touched.
type Change struct {
	ID          int64
	Project     int64
	Actor       string
	Description string
	Objects     []attr.Ref
	CreatedAt   time.Time
}

// AppendChange records c with one link row per object. The change log is
// write-only from the pipeline's point of view; Changes exists for tests
// and the CLI.
func (t *Tx) AppendChange(ctx context.Context, c Change) (int64, error) {
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO changelog (project, actor, description, created_at) VALUES (?, ?, ?, ?)`,
		c.Project, c.Actor, c.Description, t.stamp())
	if err != nil {
		return 0, fmt.Errorf("append change: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append change: %w", err)
	}
	for _, obj := range c.Objects {
		if _, err := t.tx.ExecContext(ctx,
			`INSERT INTO change_to_object (change_id, kind, object_id) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
			id, string(obj.Kind), obj.ID); err != nil {
			return 0, fmt.Errorf("link change %d to %s: %w", id, obj, err)
		}
	}
	return id, nil
}

// Changes returns the entries that touched ref, oldest first.
func (s *Store) Changes(ctx context.Context, ref attr.Ref) ([]Change, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.project, c.actor, c.description, c.created_at
		FROM changelog c
		JOIN change_to_object o ON o.change_id = c.id
		WHERE o.kind = ? AND o.object_id = ?
		ORDER BY c.id ASC
	`, string(ref.Kind), ref.ID)
	if err != nil {
		return nil, fmt.Errorf("query changes of %s: %w", ref, err)
	}
	defer rows.Close()

	var changes []Change
	for rows.Next() {
		var (
			c       Change
			created string
		)
		if err := rows.Scan(&c.ID, &c.Project, &c.Actor, &c.Description, &created); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		if c.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		c.Objects = []attr.Ref{ref}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return changes, nil
}
