// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.

package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ccheshirecat/streamlog/internal/server/db"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
}

// executor abstracts *sqlx.DB and *sqlx.Tx for shared query logic.
type executor interface {
	sqlx.ExtContext
}

type queries struct {
	exec executor
}

var _ db.Queries = (*queries)(nil)

func (q *queries) Lines() db.LineRepository {
	return &lineRepository{exec: q.exec}
}

type lineRepository struct {
	exec executor
}

var _ db.LineRepository = (*lineRepository)(nil)

type lineRow struct {
	ID        int64  `db:"id"`
	Line      string `db:"line"`
	Timestamp string `db:"timestamp"`
}

func (r *lineRepository) Insert(ctx context.Context, line db.Line) (int64, error) {
	res, err := r.exec.ExecContext(
		ctx,
		`INSERT INTO lines (line, timestamp) VALUES (?, ?);`,
		line.Line,
		line.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("insert line: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("line last insert id: %w", err)
	}
	return id, nil
}

// Recent uses instr() rather than LIKE: LIKE folds ASCII case, and the
// filter contract is case-sensitive.
func (r *lineRepository) Recent(ctx context.Context, substr string, limit int) ([]db.Line, error) {
	if limit <= 0 {
		return nil, nil
	}
	var rows []lineRow
	err := sqlx.SelectContext(ctx, r.exec, &rows, `SELECT id, line, timestamp FROM (
            SELECT id, line, timestamp FROM lines
            WHERE ? = '' OR instr(line, ?) > 0
            ORDER BY id DESC LIMIT ?
        ) ORDER BY id ASC;`, substr, substr, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent lines: %w", err)
	}

	result := make([]db.Line, 0, len(rows))
	for _, row := range rows {
		ts, err := coerceTime(row.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", row.ID, err)
		}
		result = append(result, db.Line{ID: row.ID, Line: row.Line, Timestamp: ts})
	}
	return result, nil
}

func (r *lineRepository) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := r.exec.ExecContext(ctx, `DELETE FROM lines WHERE id NOT IN (SELECT id FROM lines ORDER BY id DESC LIMIT ?);`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune lines: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune rows affected: %w", err)
	}
	return n, nil
}

func (r *lineRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := sqlx.GetContext(ctx, r.exec, &n, `SELECT COUNT(*) FROM lines;`); err != nil {
		return 0, fmt.Errorf("count lines: %w", err)
	}
	return n, nil
}

func coerceTime(value string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time format: %q", value)
}
