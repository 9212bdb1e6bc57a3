package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/roach88/annometa/internal/fault"
)

// Section groups media within a project.
type Section struct {
	ID      int64
	Project int64
	Name    string
	UUID    string
}

// CreateSection inserts a section with a fresh uuid.
func (t *Tx) CreateSection(ctx context.Context, project int64, name string) (Section, error) {
	sec := Section{Project: project, Name: name, UUID: uuid.NewString()}
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO sections (project, name, uuid) VALUES (?, ?, ?)`, sec.Project, sec.Name, sec.UUID)
	if err != nil {
		return Section{}, fmt.Errorf("create section %q: %w", name, err)
	}
	if sec.ID, err = res.LastInsertId(); err != nil {
		return Section{}, fmt.Errorf("create section %q: %w", name, err)
	}
	return sec, nil
}

// Section returns section id.
func (t *Tx) Section(ctx context.Context, id int64) (Section, error) {
	var sec Section
	err := t.tx.QueryRowContext(ctx,
		`SELECT id, project, name, uuid FROM sections WHERE id = ?`, id).
		Scan(&sec.ID, &sec.Project, &sec.Name, &sec.UUID)
	if errors.Is(err, sql.ErrNoRows) {
		return Section{}, fault.NotFound.New("section %d", id)
	}
	if err != nil {
		return Section{}, fmt.Errorf("read section %d: %w", id, err)
	}
	return sec, nil
}

// Sections returns a project's sections ordered by id.
func (s *Store) Sections(ctx context.Context, project int64) ([]Section, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project, name, uuid FROM sections WHERE project = ? ORDER BY id ASC`, project)
	if err != nil {
		return nil, fmt.Errorf("query sections: %w", err)
	}
	defer rows.Close()
	out := []Section{}
	for rows.Next() {
		var sec Section
		if err := rows.Scan(&sec.ID, &sec.Project, &sec.Name, &sec.UUID); err != nil {
			return nil, fmt.Errorf("scan section: %w", err)
		}
		out = append(out, sec)
	}
	return out, rows.Err()
}

// SectionNamed returns the project's section called name. ok is false when
// there is none.
func (t *Tx) SectionNamed(ctx context.Context, project int64, name string) (sec Section, ok bool, err error) {
	err = t.tx.QueryRowContext(ctx,
		`SELECT id, project, name, uuid FROM sections WHERE project = ? AND name = ? ORDER BY id ASC LIMIT 1`,
		project, name).
		Scan(&sec.ID, &sec.Project, &sec.Name, &sec.UUID)
	if errors.Is(err, sql.ErrNoRows) {
		return Section{}, false, nil
	}
	if err != nil {
		return Section{}, false, fmt.Errorf("read section %q: %w", name, err)
	}
	return sec, true, nil
}
