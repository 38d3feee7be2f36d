package audit

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for the disclosure log.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// BatchInsert writes a slice of disclosures to the database in a single
// multi-row INSERT statement. It is a no-op when ds is empty.
func (s *Store) BatchInsert(ctx context.Context, ds []Disclosure) error {
	if len(ds) == 0 {
		return nil
	}

	const cols = 10
	args := make([]any, 0, len(ds)*cols)
	rows := make([]string, 0, len(ds))

	for i, d := range ds {
		base := i * cols
		rows = append(rows, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5,
			base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			d.ID,
			d.AccountID,
			d.Analysis,
			d.TableName,
			d.Epsilon,
			d.Timestamp,
			d.Outcome,
			d.LatencyMs,
			d.RemainingAfter,
			d.Error,
		)
	}

	query := `INSERT INTO disclosures
		(id, account_id, analysis, table_name, epsilon, timestamp, outcome,
		 latency_ms, remaining_after, error)
		VALUES ` + strings.Join(rows, ", ")

	_, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("batch inserting disclosures: %w", err)
	}

	return nil
}

// GetSummary returns aggregate disclosure metrics matching the query filters.
// EpsilonSpent sums only committed (outcome = ok) queries, matching what was
// actually charged against budgets.
func (s *Store) GetSummary(ctx context.Context, q Query) (*Summary, error) {
	where, args := buildWhereClause(q)

	query := `SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN outcome = 'ok' THEN epsilon ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN outcome = 'ok' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN outcome <> 'ok' THEN 1 ELSE 0 END), 0),
		COALESCE(AVG(latency_ms), 0)
	FROM disclosures` + where

	var summary Summary
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&summary.TotalQueries,
		&summary.EpsilonSpent,
		&summary.SuccessCount,
		&summary.FailureCount,
		&summary.AvgLatencyMs,
	)
	if err != nil {
		return nil, fmt.Errorf("querying disclosure summary: %w", err)
	}

	return &summary, nil
}

// List returns a page of disclosures matching the query filters, ordered by
// timestamp DESC, id DESC, with cursor-based pagination. It returns the next
// cursor (empty string if no more results).
func (s *Store) List(ctx context.Context, q Query) ([]*Disclosure, string, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	where, args := buildWhereClause(q)

	if q.Cursor != "" {
		ts, id, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
		n := len(args)
		if where == "" {
			where = " WHERE"
		} else {
			where += " AND"
		}
		where += fmt.Sprintf(" (timestamp, id) < ($%d, $%d)", n+1, n+2)
		args = append(args, ts, id)
	}

	query := `SELECT id, account_id, analysis, table_name, epsilon, timestamp,
		outcome, latency_ms, remaining_after, error
	FROM disclosures` + where +
		` ORDER BY timestamp DESC, id DESC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit+1) // fetch one extra to determine if there's a next page

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing disclosures: %w", err)
	}
	defer rows.Close()

	var ds []*Disclosure
	for rows.Next() {
		var d Disclosure
		if err := rows.Scan(
			&d.ID, &d.AccountID, &d.Analysis, &d.TableName, &d.Epsilon,
			&d.Timestamp, &d.Outcome, &d.LatencyMs, &d.RemainingAfter, &d.Error,
		); err != nil {
			return nil, "", fmt.Errorf("scanning disclosure row: %w", err)
		}
		ds = append(ds, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating disclosure rows: %w", err)
	}

	var nextCursor string
	if len(ds) > limit {
		last := ds[limit-1]
		nextCursor = encodeCursor(last.Timestamp, last.ID)
		ds = ds[:limit]
	}

	return ds, nextCursor, nil
}

// buildWhereClause constructs a WHERE clause and positional arguments from a
// Query. The returned string starts with " WHERE" or is empty.
func buildWhereClause(q Query) (string, []any) {
	var conditions []string
	var args []any

	if q.AccountID != "" {
		args = append(args, q.AccountID)
		conditions = append(conditions, fmt.Sprintf("account_id = $%d", len(args)))
	}
	if q.Analysis != "" {
		args = append(args, q.Analysis)
		conditions = append(conditions, fmt.Sprintf("analysis = $%d", len(args)))
	}
	if !q.From.IsZero() {
		args = append(args, q.From)
		conditions = append(conditions, fmt.Sprintf("timestamp >= $%d", len(args)))
	}
	if !q.To.IsZero() {
		args = append(args, q.To)
		conditions = append(conditions, fmt.Sprintf("timestamp <= $%d", len(args)))
	}

	if len(conditions) == 0 {
		return "", nil
	}

	return " WHERE " + strings.Join(conditions, " AND "), args
}

// encodeCursor encodes a timestamp and id into an opaque cursor string.
func encodeCursor(ts time.Time, id string) string {
	raw := ts.Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// decodeCursor decodes an opaque cursor string into a timestamp and id.
func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decoding cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parsing cursor timestamp: %w", err)
	}
	return ts, parts[1], nil
}
