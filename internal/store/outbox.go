package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// OutboxOpKind is the document operation an outbox row carries.
type OutboxOpKind string

const (
	// OpUpsert replaces the whole document with Body.
	OpUpsert OutboxOpKind = "upsert"
	// OpPatch sets and removes individual fields; Body is a field patch.
	OpPatch OutboxOpKind = "patch"
	// OpDelete removes the document.
	OpDelete OutboxOpKind = "delete"
)

// OutboxOp is one pending search document operation. Rows are written in
// the same transaction as the relational change they mirror, and applied in
// Seq order.
type OutboxOp struct {
	Seq       int64
	DocID     string
	Project   int64
	Op        OutboxOpKind
	Body      []byte // nil for deletes
	CreatedAt time.Time
}

// Enqueue appends op to the outbox and returns its sequence number.
func (t *Tx) Enqueue(ctx context.Context, op OutboxOp) (int64, error) {
	var body any
	if op.Op != OpDelete {
		body = string(op.Body)
	}
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO outbox (doc_id, project, op, body, created_at) VALUES (?, ?, ?, ?, ?)`,
		op.DocID, op.Project, string(op.Op), body, t.stamp())
	if err != nil {
		return 0, fmt.Errorf("enqueue %s %s: %w", op.Op, op.DocID, err)
	}
	return res.LastInsertId()
}

// ReadOutbox returns up to limit pending operations with seq > after, in
// seq order.
func (s *Store) ReadOutbox(ctx context.Context, after int64, limit int) ([]OutboxOp, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, doc_id, project, op, body, created_at FROM outbox
		WHERE seq > ? ORDER BY seq ASC LIMIT ?
	`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("read outbox: %w", err)
	}
	defer rows.Close()

	var ops []OutboxOp
	for rows.Next() {
		var (
			op      OutboxOp
			kind    string
			body    sql.NullString
			created string
		)
		if err := rows.Scan(&op.Seq, &op.DocID, &op.Project, &kind, &body, &created); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		op.Op = OutboxOpKind(kind)
		if body.Valid {
			op.Body = []byte(body.String)
		}
		if op.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return ops, nil
}

// AckOutbox drops every operation with seq <= upTo.
func (s *Store) AckOutbox(ctx context.Context, upTo int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE seq <= ?`, upTo); err != nil {
		return fmt.Errorf("ack outbox: %w", err)
	}
	return nil
}

// OutboxStats summarizes the pending operations.
type OutboxStats struct {
	Pending int64
	// Oldest is the creation time of the oldest pending row, zero when empty.
	Oldest time.Time
}

// OutboxStats reports the outbox depth and age.
func (s *Store) OutboxStats(ctx context.Context) (OutboxStats, error) {
	var (
		st     OutboxStats
		oldest sql.NullString
	)
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(created_at) FROM outbox`).Scan(&st.Pending, &oldest); err != nil {
		return OutboxStats{}, fmt.Errorf("outbox stats: %w", err)
	}
	if oldest.Valid {
		ts, err := parseTime(oldest.String)
		if err != nil {
			return OutboxStats{}, err
		}
		st.Oldest = ts
	}
	return st, nil
}
