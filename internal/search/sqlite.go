package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/annometa/internal/attr"
	"github.com/roach88/annometa/internal/queryir"
	"github.com/roach88/annometa/internal/querysql"
)

// DriverName is the database/sql driver carrying the query functions
// compiled plans call.
const DriverName = "sqlite3_annometa_search"

var registerDriver sync.Once

const indexSchema = `
CREATE TABLE IF NOT EXISTS documents (
    id        TEXT PRIMARY KEY,
    project   INTEGER NOT NULL,
    entity_id INTEGER NOT NULL,
    name      TEXT    NOT NULL,
    body      TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_order
    ON documents(project, name COLLATE BINARY, entity_id);

CREATE TABLE IF NOT EXISTS mappings (
    project INTEGER NOT NULL,
    field   TEXT    NOT NULL,
    dtype   TEXT    NOT NULL,
    PRIMARY KEY (project, field)
);
`

// SQLiteIndex is an Index over a SQLite database of JSON documents.
type SQLiteIndex struct {
	db       *sql.DB
	compiler *querysql.SQLCompiler
}

var _ Index = (*SQLiteIndex)(nil)

// OpenSQLite opens or creates the index database at path.
func OpenSQLite(path string) (*SQLiteIndex, error) {
	registerDriver.Do(func() {
		sql.Register(DriverName, &sqlite3.SQLiteDriver{ConnectHook: querysql.RegisterFunctions})
	})

	db, err := sql.Open(DriverName, path)
	if err != nil {
		return nil, Error.New("open %s: %v", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, Error.New("%s: %v", pragma, err)
		}
	}
	if _, err := db.Exec(indexSchema); err != nil {
		db.Close()
		return nil, Error.New("apply schema: %v", err)
	}
	return &SQLiteIndex{db: db, compiler: querysql.NewSQLCompiler()}, nil
}

// Close closes the database.
func (x *SQLiteIndex) Close() error {
	return x.db.Close()
}

// Upsert implements Index.
func (x *SQLiteIndex) Upsert(ctx context.Context, doc Document) error {
	return x.BulkUpsert(ctx, []Document{doc})
}

// BulkUpsert implements Index. The batch is written atomically.
func (x *SQLiteIndex) BulkUpsert(ctx context.Context, docs []Document) (err error) {
	if len(docs) == 0 {
		return nil
	}
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, doc := range docs {
		body, err := encodeJSON(doc.Fields)
		if err != nil {
			return Error.New("encode %s: %v", doc.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO documents (id, project, entity_id, name, body) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				project = excluded.project, entity_id = excluded.entity_id,
				name = excluded.name, body = excluded.body
		`, doc.ID, doc.Project, doc.EntityID, doc.Name, string(body)); err != nil {
			return Error.New("upsert %s: %v", doc.ID, err)
		}
		if err := putMapping(ctx, tx, doc.Project, attributeFields(doc.Fields)); err != nil {
			return err
		}
	}
	return Error.Wrap(tx.Commit())
}

// Patch implements Index.
func (x *SQLiteIndex) Patch(ctx context.Context, id string, p Patch) (ok bool, err error) {
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return false, Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var project int64
	err = tx.QueryRowContext(ctx, `SELECT project FROM documents WHERE id = ?`, id).Scan(&project)
	if err == sql.ErrNoRows {
		return false, Error.Wrap(tx.Rollback())
	}
	if err != nil {
		return false, Error.Wrap(err)
	}

	for _, field := range attr.SortedKeys(p.Set) {
		path, err := querysql.FieldPath(field)
		if err != nil {
			return false, Error.Wrap(err)
		}
		value, err := encodeJSON(p.Set[field])
		if err != nil {
			return false, Error.New("encode %s.%s: %v", id, field, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE documents SET body = json_set(body, ?, json(?)) WHERE id = ?`,
			path, string(value), id); err != nil {
			return false, Error.New("patch %s: %v", id, err)
		}
	}
	for _, field := range p.Unset {
		path, err := querysql.FieldPath(field)
		if err != nil {
			return false, Error.Wrap(err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE documents SET body = json_remove(body, ?) WHERE id = ?`, path, id); err != nil {
			return false, Error.New("patch %s: %v", id, err)
		}
	}
	if err := putMapping(ctx, tx, project, attributeFields(p.Set)); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, Error.Wrap(err)
	}
	return true, nil
}

// Delete implements Index.
func (x *SQLiteIndex) Delete(ctx context.Context, id string) (bool, error) {
	res, err := x.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return false, Error.New("delete %s: %v", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, Error.Wrap(err)
	}
	return n > 0, nil
}

// DeleteByQuery implements Index.
func (x *SQLiteIndex) DeleteByQuery(ctx context.Context, project int64, filter queryir.Predicate) (int64, error) {
	q, err := x.compiler.Delete(project, filter)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	res, err := x.db.ExecContext(ctx, q.SQL, q.Args...)
	if err != nil {
		return 0, Error.New("delete by query: %v", err)
	}
	n, err := res.RowsAffected()
	return n, Error.Wrap(err)
}

// Search implements Index.
func (x *SQLiteIndex) Search(ctx context.Context, plan queryir.Plan) (Result, error) {
	sel, err := x.compiler.Select(plan)
	if err != nil {
		return Result{}, Error.Wrap(err)
	}
	count, err := x.compiler.Count(plan)
	if err != nil {
		return Result{}, Error.Wrap(err)
	}

	rows, err := x.db.QueryContext(ctx, sel.SQL, sel.Args...)
	if err != nil {
		return Result{}, Error.New("search: %v", err)
	}
	defer rows.Close()
	res := Result{IDs: []string{}}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return Result{}, Error.Wrap(err)
		}
		res.IDs = append(res.IDs, id)
	}
	if err := rows.Err(); err != nil {
		return Result{}, Error.Wrap(err)
	}

	if err := x.db.QueryRowContext(ctx, count.SQL, count.Args...).Scan(&res.Total); err != nil {
		return Result{}, Error.New("count: %v", err)
	}
	return res, nil
}

// Aggregate implements Index.
func (x *SQLiteIndex) Aggregate(ctx context.Context, plan queryir.Plan, agg querysql.Aggregation) ([]Bucket, error) {
	q, err := x.compiler.Aggregate(plan, agg)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	rows, err := x.db.QueryContext(ctx, q.SQL, q.Args...)
	if err != nil {
		return nil, Error.New("aggregate: %v", err)
	}
	defer rows.Close()

	var buckets []Bucket
	for rows.Next() {
		b := Bucket{
			Keys: make([]any, len(agg.GroupBy)),
			Sums: make([]float64, len(agg.Sum)),
		}
		dest := make([]any, 0, len(agg.GroupBy)+1+len(agg.Sum))
		for i := range b.Keys {
			dest = append(dest, &b.Keys[i])
		}
		dest = append(dest, &b.Count)
		for i := range b.Sums {
			dest = append(dest, &b.Sums[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, Error.Wrap(err)
		}
		for i, k := range b.Keys {
			if raw, ok := k.([]byte); ok {
				b.Keys[i] = string(raw)
			}
		}
		buckets = append(buckets, b)
	}
	return buckets, Error.Wrap(rows.Err())
}

// Get implements Index.
func (x *SQLiteIndex) Get(ctx context.Context, id string) (Document, bool, error) {
	var (
		doc  Document
		body string
	)
	err := x.db.QueryRowContext(ctx,
		`SELECT id, project, entity_id, name, body FROM documents WHERE id = ?`, id).
		Scan(&doc.ID, &doc.Project, &doc.EntityID, &doc.Name, &body)
	if err == sql.ErrNoRows {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, Error.Wrap(err)
	}
	if err := json.Unmarshal([]byte(body), &doc.Fields); err != nil {
		return Document{}, false, Error.New("decode %s: %v", id, err)
	}
	return doc, true, nil
}

// PutMapping implements Index.
func (x *SQLiteIndex) PutMapping(ctx context.Context, project int64, fields map[string]attr.Dtype) error {
	return putMapping(ctx, x.db, project, fields)
}

// Mapping implements Index.
func (x *SQLiteIndex) Mapping(ctx context.Context, project int64) (map[string]attr.Dtype, error) {
	rows, err := x.db.QueryContext(ctx, `SELECT field, dtype FROM mappings WHERE project = ?`, project)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer rows.Close()
	out := map[string]attr.Dtype{}
	for rows.Next() {
		var field, dtype string
		if err := rows.Scan(&field, &dtype); err != nil {
			return nil, Error.Wrap(err)
		}
		out[field] = attr.Dtype(dtype)
	}
	return out, Error.Wrap(rows.Err())
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putMapping(ctx context.Context, db execer, project int64, fields map[string]attr.Dtype) error {
	for _, field := range attr.SortedKeys(fields) {
		if _, err := db.ExecContext(ctx,
			`INSERT INTO mappings (project, field, dtype) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
			project, field, string(fields[field])); err != nil {
			return Error.New("map %s: %v", field, err)
		}
	}
	return nil
}

// attributeFields picks the attribute fields out of a document body.
func attributeFields(fields map[string]any) map[string]attr.Dtype {
	out := map[string]attr.Dtype{}
	for field := range fields {
		if !strings.HasPrefix(field, attr.FieldPrefix) {
			continue
		}
		if _, dtype, err := attr.ParseFieldName(field); err == nil {
			out[field] = dtype
		}
	}
	return out
}
