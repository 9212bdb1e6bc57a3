package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/roach88/annometa/internal/attr"
	"github.com/roach88/annometa/internal/fault"
	"github.com/roach88/annometa/internal/media"
)

// Entity is one row of any kind.
type Entity struct {
	ID          int64
	Project     int64
	Kind        attr.Kind
	SubKind     attr.SubKind
	TypeID      int64
	TypeVersion int64
	Name        string
	MD5         string
	SectionID   int64 // 0 when unsectioned

	// MediaID is the media a localization annotates.
	MediaID int64
	// StateMedia and StateLocalizations are a state's references.
	StateMedia         []int64
	StateLocalizations []int64

	Attributes   attr.Map
	Files        media.Manifest
	ArchiveState media.ArchiveState

	Deleted    bool
	Revision   int64
	CreatedAt  time.Time
	ModifiedAt time.Time
	CreatedBy  string
	ModifiedBy string
}

// Ref identifies the entity across kinds.
func (e Entity) Ref() attr.Ref {
	return attr.Ref{Kind: e.Kind, ID: e.ID}
}

// DocID is the entity's search document id.
func (e Entity) DocID() string {
	return attr.DocID(e.SubKind, e.ID)
}

const entityColumns = `id, project, kind, sub_kind, type_id, type_version, name, md5,
	section_id, media_id, attributes, files, archive_state, deleted, revision,
	created_at, modified_at, created_by, modified_by`

// InsertEntity writes a new live entity. ID, Revision and timestamps are
// assigned; ModifiedBy defaults to CreatedBy.
func (t *Tx) InsertEntity(ctx context.Context, e *Entity) error {
	attrs, err := marshalAttributes(e.Attributes)
	if err != nil {
		return err
	}
	files, err := marshalFiles(e.Files)
	if err != nil {
		return err
	}
	if e.ArchiveState == "" {
		e.ArchiveState = media.StateLive
	}
	if e.ModifiedBy == "" {
		e.ModifiedBy = e.CreatedBy
	}

	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO entities
		(project, kind, sub_kind, type_id, type_version, name, md5, section_id, media_id,
		 attributes, files, archive_state, deleted, revision, created_at, modified_at, created_by, modified_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 1, ?, ?, ?, ?)
	`,
		e.Project,
		string(e.Kind),
		string(e.SubKind),
		e.TypeID,
		e.TypeVersion,
		e.Name,
		e.MD5,
		nullInt(e.SectionID),
		nullInt(e.MediaID),
		attrs,
		files,
		string(e.ArchiveState),
		t.stamp(),
		t.stamp(),
		e.CreatedBy,
		e.ModifiedBy,
	)
	if err != nil {
		return fmt.Errorf("insert entity: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert entity: %w", err)
	}
	e.ID = id
	e.Revision = 1
	e.Deleted = false
	e.CreatedAt = t.now.UTC()
	e.ModifiedAt = e.CreatedAt

	return t.writeStateLinks(ctx, *e)
}

func (t *Tx) writeStateLinks(ctx context.Context, e Entity) error {
	if e.Kind != attr.KindState {
		return nil
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM state_media WHERE state_id = ?`, e.ID); err != nil {
		return fmt.Errorf("clear state media: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM state_localizations WHERE state_id = ?`, e.ID); err != nil {
		return fmt.Errorf("clear state localizations: %w", err)
	}
	for _, m := range e.StateMedia {
		if _, err := t.tx.ExecContext(ctx,
			`INSERT INTO state_media (state_id, media_id) VALUES (?, ?) ON CONFLICT DO NOTHING`, e.ID, m); err != nil {
			return fmt.Errorf("link state media: %w", err)
		}
	}
	for _, l := range e.StateLocalizations {
		if _, err := t.tx.ExecContext(ctx,
			`INSERT INTO state_localizations (state_id, localization_id) VALUES (?, ?) ON CONFLICT DO NOTHING`, e.ID, l); err != nil {
			return fmt.Errorf("link state localization: %w", err)
		}
	}
	return nil
}

// UpdateEntity overwrites the mutable fields of e. It fails with Conflict
// when the stored revision is no longer e.Revision, and bumps the revision
// on success.
func (t *Tx) UpdateEntity(ctx context.Context, e *Entity) error {
	attrs, err := marshalAttributes(e.Attributes)
	if err != nil {
		return err
	}
	files, err := marshalFiles(e.Files)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE entities SET
			type_version = ?, name = ?, md5 = ?, section_id = ?, media_id = ?,
			attributes = ?, files = ?, archive_state = ?,
			revision = revision + 1, modified_at = ?, modified_by = ?
		WHERE id = ? AND revision = ?
	`,
		e.TypeVersion,
		e.Name,
		e.MD5,
		nullInt(e.SectionID),
		nullInt(e.MediaID),
		attrs,
		files,
		string(e.ArchiveState),
		t.stamp(),
		e.ModifiedBy,
		e.ID,
		e.Revision,
	)
	if err != nil {
		return fmt.Errorf("update entity %d: %w", e.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update entity %d: %w", e.ID, err)
	}
	if n == 0 {
		return fault.Conflict.New("entity %d was modified concurrently (revision %d is stale)", e.ID, e.Revision)
	}
	e.Revision++
	e.ModifiedAt = t.now.UTC()
	return t.writeStateLinks(ctx, *e)
}

// Entity returns entity id, tombstoned or not.
func (t *Tx) Entity(ctx context.Context, id int64) (Entity, error) {
	return getEntity(ctx, t.tx, id)
}

// Entity returns entity id, tombstoned or not.
func (s *Store) Entity(ctx context.Context, id int64) (Entity, error) {
	return getEntity(ctx, s.db, id)
}

// LiveEntity returns entity id, or NotFound if it is missing or tombstoned.
func (t *Tx) LiveEntity(ctx context.Context, id int64) (Entity, error) {
	e, err := getEntity(ctx, t.tx, id)
	if err != nil {
		return Entity{}, err
	}
	if e.Deleted {
		return Entity{}, fault.NotFound.New("entity %d", id)
	}
	return e, nil
}

func getEntity(ctx context.Context, q querier, id int64) (Entity, error) {
	row := q.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entity{}, fault.NotFound.New("entity %d", id)
	}
	if err != nil {
		return Entity{}, err
	}
	if err := loadStateLinks(ctx, q, &e); err != nil {
		return Entity{}, err
	}
	return e, nil
}

// Entities returns the given entities ordered by name, then id. Missing ids
// are skipped.
func (s *Store) Entities(ctx context.Context, ids []int64) ([]Entity, error) {
	return listEntities(ctx, s.db, ids)
}

// Entities returns the given entities ordered by name, then id. Missing ids
// are skipped.
func (t *Tx) Entities(ctx context.Context, ids []int64) ([]Entity, error) {
	return listEntities(ctx, t.tx, ids)
}

func listEntities(ctx context.Context, q querier, ids []int64) ([]Entity, error) {
	out := []Entity{}
	if len(ids) == 0 {
		return out, nil
	}
	for _, chunk := range chunkIDs(ids, 500) {
		rows, err := q.QueryContext(ctx,
			`SELECT `+entityColumns+` FROM entities WHERE id IN (`+placeholders(len(chunk))+`)`,
			int64Args(chunk)...)
		if err != nil {
			return nil, fmt.Errorf("query entities: %w", err)
		}
		batch, err := collectEntities(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	for i := range out {
		if err := loadStateLinks(ctx, q, &out[i]); err != nil {
			return nil, err
		}
	}
	sortEntities(out)
	return out, nil
}

// EntitiesOfType returns every entity of type typeID, tombstoned included,
// ordered by id.
func (t *Tx) EntitiesOfType(ctx context.Context, typeID int64) ([]Entity, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE type_id = ? ORDER BY id ASC`, typeID)
	if err != nil {
		return nil, fmt.Errorf("query entities of type %d: %w", typeID, err)
	}
	return collectEntities(rows)
}

// SetAttributes rewrites an entity's attributes under a new type version
// without changing its revision. Schema mutation uses it; user edits go
// through UpdateEntity.
func (t *Tx) SetAttributes(ctx context.Context, id int64, typeVersion int64, m attr.Map) error {
	attrs, err := marshalAttributes(m)
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE entities SET attributes = ?, type_version = ? WHERE id = ?`, attrs, typeVersion, id); err != nil {
		return fmt.Errorf("set attributes of %d: %w", id, err)
	}
	return nil
}

// SetTypeVersion moves every entity of typeID to version.
func (t *Tx) SetTypeVersion(ctx context.Context, typeID, version int64) error {
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE entities SET type_version = ? WHERE type_id = ?`, version, typeID); err != nil {
		return fmt.Errorf("set type version of %d: %w", typeID, err)
	}
	return nil
}

// Tombstone marks live entities deleted and returns those it marked.
func (t *Tx) Tombstone(ctx context.Context, ids []int64, actor string) ([]int64, error) {
	var marked []int64
	for _, id := range ids {
		res, err := t.tx.ExecContext(ctx, `
			UPDATE entities SET deleted = 1, revision = revision + 1, modified_at = ?, modified_by = ?
			WHERE id = ? AND deleted = 0
		`, t.stamp(), actor, id)
		if err != nil {
			return nil, fmt.Errorf("tombstone %d: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("tombstone %d: %w", id, err)
		}
		if n > 0 {
			marked = append(marked, id)
		}
	}
	return marked, nil
}

// LiveLocalizationsOf returns the live localizations annotating any of
// mediaIDs, ordered by id.
func (t *Tx) LiveLocalizationsOf(ctx context.Context, mediaIDs []int64) ([]int64, error) {
	if len(mediaIDs) == 0 {
		return nil, nil
	}
	return t.ids(ctx, `
		SELECT id FROM entities
		WHERE kind = 'localization' AND deleted = 0
		  AND media_id IN (`+placeholders(len(mediaIDs))+`)
		ORDER BY id ASC
	`, int64Args(mediaIDs)...)
}

// LiveStatesWithoutLiveMedia returns the live states of project that
// reference media, none of which is live, ordered by id.
func (t *Tx) LiveStatesWithoutLiveMedia(ctx context.Context, project int64) ([]int64, error) {
	return t.ids(ctx, `
		SELECT s.id FROM entities s
		WHERE s.project = ? AND s.kind = 'state' AND s.deleted = 0
		  AND EXISTS (SELECT 1 FROM state_media sm WHERE sm.state_id = s.id)
		  AND NOT EXISTS (
			SELECT 1 FROM state_media sm
			JOIN entities m ON m.id = sm.media_id
			WHERE sm.state_id = s.id AND m.deleted = 0
		  )
		ORDER BY s.id ASC
	`, project)
}

// Tombstoned returns up to limit tombstoned entity ids above after, oldest
// first.
func (s *Store) Tombstoned(ctx context.Context, after int64, limit int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM entities WHERE deleted = 1 AND id > ? ORDER BY id ASC LIMIT ?`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("query tombstoned: %w", err)
	}
	return collectIDs(rows)
}

// DeleteEntity removes an entity row. Only tombstoned rows are removed; ok
// is false if the row was missing or live.
func (t *Tx) DeleteEntity(ctx context.Context, id int64) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM entities WHERE id = ? AND deleted = 1`, id)
	if err != nil {
		return false, fmt.Errorf("delete entity %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete entity %d: %w", id, err)
	}
	return n > 0, nil
}

func (t *Tx) ids(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	return collectIDs(rows)
}

func collectIDs(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ids: %w", err)
	}
	return ids, nil
}

func collectEntities(rows *sql.Rows) ([]Entity, error) {
	defer rows.Close()
	out := []Entity{}
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}
	return out, nil
}

func loadStateLinks(ctx context.Context, q querier, e *Entity) error {
	if e.Kind != attr.KindState {
		return nil
	}
	rows, err := q.QueryContext(ctx,
		`SELECT media_id FROM state_media WHERE state_id = ? ORDER BY media_id ASC`, e.ID)
	if err != nil {
		return fmt.Errorf("query state media: %w", err)
	}
	if e.StateMedia, err = collectIDs(rows); err != nil {
		return err
	}
	rows, err = q.QueryContext(ctx,
		`SELECT localization_id FROM state_localizations WHERE state_id = ? ORDER BY localization_id ASC`, e.ID)
	if err != nil {
		return fmt.Errorf("query state localizations: %w", err)
	}
	e.StateLocalizations, err = collectIDs(rows)
	return err
}

func scanEntity(row scanner) (Entity, error) {
	var (
		e                  Entity
		kind, sub, archive string
		section, mediaID   sql.NullInt64
		attrs, files       string
		deleted            int
		created, modified  string
	)
	err := row.Scan(
		&e.ID, &e.Project, &kind, &sub, &e.TypeID, &e.TypeVersion, &e.Name, &e.MD5,
		&section, &mediaID, &attrs, &files, &archive, &deleted, &e.Revision,
		&created, &modified, &e.CreatedBy, &e.ModifiedBy,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entity{}, err
		}
		return Entity{}, fmt.Errorf("scan entity: %w", err)
	}
	e.Kind = attr.Kind(kind)
	e.SubKind = attr.SubKind(sub)
	e.SectionID = section.Int64
	e.MediaID = mediaID.Int64
	e.ArchiveState = media.ArchiveState(archive)
	e.Deleted = deleted != 0
	if e.Attributes, err = unmarshalAttributes(attrs); err != nil {
		return Entity{}, fmt.Errorf("entity %d: %w", e.ID, err)
	}
	if e.Files, err = unmarshalFiles(files); err != nil {
		return Entity{}, fmt.Errorf("entity %d: %w", e.ID, err)
	}
	if e.CreatedAt, err = parseTime(created); err != nil {
		return Entity{}, err
	}
	if e.ModifiedAt, err = parseTime(modified); err != nil {
		return Entity{}, err
	}
	return e, nil
}

// sortEntities orders by name bytes, then id, matching name COLLATE BINARY.
func sortEntities(es []Entity) {
	sort.Slice(es, func(i, j int) bool {
		if es[i].Name != es[j].Name {
			return es[i].Name < es[j].Name
		}
		return es[i].ID < es[j].ID
	})
}

func nullInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func int64Args(ids []int64) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func chunkIDs(ids []int64, size int) [][]int64 {
	var out [][]int64
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}
