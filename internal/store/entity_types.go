package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/annometa/internal/attr"
	"github.com/roach88/annometa/internal/fault"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const entityTypeColumns = `id, version, project, kind, sub_kind, name, attributes, content_hash, created_at`

// PutEntityType writes t as the next version of its id and makes it
// current. A zero ID allocates a new one. The stored type, with ID, Version,
// ContentHash and CreatedAt set, is returned.
func (t *Tx) PutEntityType(ctx context.Context, et attr.EntityType) (attr.EntityType, error) {
	if err := et.Check(); err != nil {
		return attr.EntityType{}, fault.Validation.Wrap(err)
	}

	if et.ID == 0 {
		if err := t.tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(id), 0) + 1 FROM entity_types`).Scan(&et.ID); err != nil {
			return attr.EntityType{}, fmt.Errorf("allocate entity type id: %w", err)
		}
	}

	var latest int64
	if err := t.tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM entity_types WHERE id = ?`, et.ID).Scan(&latest); err != nil {
		return attr.EntityType{}, fmt.Errorf("read entity type version: %w", err)
	}
	et.Version = latest + 1

	hash, err := attr.ContentHash(et)
	if err != nil {
		return attr.EntityType{}, fmt.Errorf("hash entity type: %w", err)
	}
	et.ContentHash = hash
	et.CreatedAt = t.now.UTC()

	defs, err := marshalDefinitions(et.Attributes)
	if err != nil {
		return attr.EntityType{}, err
	}

	if _, err := t.tx.ExecContext(ctx,
		`UPDATE entity_types SET current = 0 WHERE id = ? AND current = 1`, et.ID); err != nil {
		return attr.EntityType{}, fmt.Errorf("retire entity type %d: %w", et.ID, err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO entity_types
		(id, version, project, kind, sub_kind, name, attributes, content_hash, current, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
	`,
		et.ID,
		et.Version,
		et.Project,
		string(et.Kind),
		string(et.SubKind),
		et.Name,
		defs,
		et.ContentHash,
		t.stamp(),
	)
	if err != nil {
		return attr.EntityType{}, fmt.Errorf("write entity type: %w", err)
	}
	return et, nil
}

// EntityType returns the current version of entity type id.
func (t *Tx) EntityType(ctx context.Context, id int64) (attr.EntityType, error) {
	return currentEntityType(ctx, t.tx, id)
}

// EntityType returns the current version of entity type id.
func (s *Store) EntityType(ctx context.Context, id int64) (attr.EntityType, error) {
	return currentEntityType(ctx, s.db, id)
}

func currentEntityType(ctx context.Context, q querier, id int64) (attr.EntityType, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+entityTypeColumns+` FROM entity_types WHERE id = ? AND current = 1`, id)
	et, err := scanEntityType(row)
	if errors.Is(err, sql.ErrNoRows) {
		return attr.EntityType{}, fault.NotFound.New("entity type %d", id)
	}
	return et, err
}

// EntityTypeVersion returns a specific version of entity type id.
func (s *Store) EntityTypeVersion(ctx context.Context, id, version int64) (attr.EntityType, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entityTypeColumns+` FROM entity_types WHERE id = ? AND version = ?`, id, version)
	et, err := scanEntityType(row)
	if errors.Is(err, sql.ErrNoRows) {
		return attr.EntityType{}, fault.NotFound.New("entity type %d version %d", id, version)
	}
	return et, err
}

// CurrentEntityTypes returns the current version of every entity type,
// ordered by id.
func (s *Store) CurrentEntityTypes(ctx context.Context) ([]attr.EntityType, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entityTypeColumns+` FROM entity_types WHERE current = 1 ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query entity types: %w", err)
	}
	defer rows.Close()

	types := []attr.EntityType{}
	for rows.Next() {
		et, err := scanEntityType(rows)
		if err != nil {
			return nil, err
		}
		types = append(types, et)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entity types: %w", err)
	}
	return types, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntityType(row scanner) (attr.EntityType, error) {
	var (
		et        attr.EntityType
		kind, sub string
		defs      string
		created   string
	)
	if err := row.Scan(&et.ID, &et.Version, &et.Project, &kind, &sub, &et.Name, &defs, &et.ContentHash, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return attr.EntityType{}, err
		}
		return attr.EntityType{}, fmt.Errorf("scan entity type: %w", err)
	}
	et.Kind = attr.Kind(kind)
	et.SubKind = attr.SubKind(sub)
	attributes, err := unmarshalDefinitions(defs)
	if err != nil {
		return attr.EntityType{}, fmt.Errorf("entity type %d: %w", et.ID, err)
	}
	et.Attributes = attributes
	if et.CreatedAt, err = parseTime(created); err != nil {
		return attr.EntityType{}, err
	}
	return et, nil
}
