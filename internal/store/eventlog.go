package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rendis/convo/pkg/schema"
)

// AppendEvent appends an event with a monotonically increasing per-run sequence.
// The single-connection pool serializes the read-max and insert pair.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (run_id, node_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.NodeID), event.Type, nullRaw(event.Payload), toMillis(event.Timestamp), seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for a run with sequence > since, ordered by sequence.
func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, node_id, event_type, payload, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence`, runID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var nodeID, payload sql.NullString
		var ts int64
		if err := rows.Scan(&e.ID, &e.RunID, &nodeID, &e.Type, &payload, &ts, &e.Sequence); err != nil {
			return nil, err
		}
		e.NodeID = nodeID.String
		if payload.Valid && payload.String != "" {
			e.Payload = []byte(payload.String)
		}
		e.Timestamp = fromMillis(ts)
		events = append(events, e)
	}
	return events, rows.Err()
}

// NodeTrail replays a run's log and returns the node ids in execution order.
// A gap in the sequence is reported as a store error.
func NodeTrail(ctx context.Context, events EventStore, runID string) ([]string, error) {
	log, err := events.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}
	var trail []string
	for i, e := range log {
		if e.Sequence != int64(i+1) {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, i+1, e.Sequence)
		}
		if e.Type == schema.EventNodeExecuted && e.NodeID != "" {
			trail = append(trail, e.NodeID)
		}
	}
	return trail, nil
}
