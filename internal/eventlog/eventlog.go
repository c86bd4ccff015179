// Package eventlog implements the append-only event log of spec.md §4.C:
// append_event and read_events. Replay lives in internal/projection
// (Replayer). Sequence numbers are assigned
// per-project (see SPEC_FULL.md §9's resolution of the Open Question).
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hivesync/hive/internal/dbx"
	"github.com/hivesync/hive/internal/types"
)

// Log appends to and reads from the events table.
type Log struct {
	db *dbx.DB
}

// New creates a Log backed by db.
func New(db *dbx.DB) *Log { return &Log{db: db} }

// Appended is the result of AppendEvent.
type Appended struct {
	ID       int64
	Sequence int64
}

// AppendEvent inserts one event row in a transaction of its own, assigning
// the next sequence number for project_key. sequence is strictly increasing
// per project (spec.md §3.1, §8 invariant 1). Callers that need the
// projection update to be atomic with the append call AppendEventTx from
// inside their own transaction instead.
func (l *Log) AppendEvent(ctx context.Context, eventType, projectKey string, data any) (Appended, error) {
	var result Appended
	err := l.db.WithTx(ctx, func(tx *sql.Tx) error {
		a, err := AppendEventTx(ctx, tx, eventType, projectKey, data)
		if err != nil {
			return err
		}
		result = a
		return nil
	})
	return result, err
}

// AppendEventTx is the transaction-scoped primitive used by projection
// writers so the event append and its projection update commit atomically
// (spec.md §4.C: "appended events are visible in the same transaction in
// which their projections are updated; partial failures roll back both").
func AppendEventTx(ctx context.Context, tx *sql.Tx, eventType, projectKey string, data any) (Appended, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return Appended{}, fmt.Errorf("marshal event data: %w", err)
	}

	seq, err := nextSequence(ctx, tx, projectKey)
	if err != nil {
		return Appended{}, err
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (type, project_key, timestamp, sequence, data) VALUES (?, ?, unixepoch('now')*1000, ?, ?)`,
		eventType, projectKey, seq, string(payload),
	)
	if err != nil {
		return Appended{}, dbx.Wrap("insert event", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Appended{}, dbx.Wrap("read event id", err)
	}
	return Appended{ID: id, Sequence: seq}, nil
}

// nextSequence reads-and-bumps the per-project monotonic counter inside tx.
func nextSequence(ctx context.Context, tx *sql.Tx, projectKey string) (int64, error) {
	var next int64
	err := tx.QueryRowContext(ctx,
		`SELECT next_sequence FROM event_sequence_counters WHERE project_key = ?`, projectKey,
	).Scan(&next)
	switch {
	case err == sql.ErrNoRows:
		next = 1
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO event_sequence_counters (project_key, next_sequence) VALUES (?, ?)`,
			projectKey, next+1,
		); err != nil {
			return 0, dbx.Wrap("init sequence counter", err)
		}
	case err != nil:
		return 0, dbx.Wrap("read sequence counter", err)
	default:
		if _, err := tx.ExecContext(ctx,
			`UPDATE event_sequence_counters SET next_sequence = ? WHERE project_key = ?`,
			next+1, projectKey,
		); err != nil {
			return 0, dbx.Wrap("bump sequence counter", err)
		}
	}
	return next, nil
}

// Filter selects a subset of events for ReadEvents.
type Filter struct {
	ProjectKey    string
	Types         []string
	BeadID        string // matched against the JSON data field "bead_id"
	Since         int64  // unix ms, inclusive
	Until         int64  // unix ms, inclusive; 0 means unbounded
	AfterSequence int64
	Limit         int
	Offset        int
}

// ReadEvents returns events matching filter in ascending sequence order
// (spec.md §4.C, §8 invariant 4: prefix-contiguous suffix ordering).
func (l *Log) ReadEvents(ctx context.Context, f Filter) ([]types.Event, error) {
	query := `SELECT id, type, project_key, timestamp, sequence, data FROM events WHERE project_key = ?`
	args := []any{f.ProjectKey}

	if len(f.Types) > 0 {
		query += " AND type IN (" + placeholders(len(f.Types)) + ")"
		for _, t := range f.Types {
			args = append(args, t)
		}
	}
	if f.BeadID != "" {
		query += " AND json_extract(data, '$.bead_id') = ?"
		args = append(args, f.BeadID)
	}
	if f.Since > 0 {
		query += " AND timestamp >= ?"
		args = append(args, f.Since)
	}
	if f.Until > 0 {
		query += " AND timestamp <= ?"
		args = append(args, f.Until)
	}
	if f.AfterSequence > 0 {
		query += " AND sequence > ?"
		args = append(args, f.AfterSequence)
	}
	query += " ORDER BY sequence ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}

	rows, err := l.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []types.Event
	for rows.Next() {
		var e types.Event
		var data string
		if err := rows.Scan(&e.ID, &e.Type, &e.ProjectKey, &e.Timestamp, &e.Sequence, &data); err != nil {
			return nil, dbx.Wrap("scan event", err)
		}
		e.Data = json.RawMessage(data)
		events = append(events, e)
	}
	return events, dbx.Wrap("iterate events", rows.Err())
}

func placeholders(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			s += ","
		}
		s += "?"
	}
	return s
}
