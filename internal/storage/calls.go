package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/vesper-app/vesper/internal/call"
)

// DefaultRecentLimit caps Recent when the caller passes limit <= 0.
const DefaultRecentLimit = 50

var _ call.Recorder = (*DB)(nil)

// Record implements call.Recorder. The remote peer, if any, is counted
// in contacts.
func (d *DB) Record(ctx context.Context, r call.Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO calls
			(id, channel, mode, kind, direction, peer, started_at, connected_at, ended_at, duration_ms, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Channel, r.Mode, r.Kind, r.Direction, r.Peer,
		millis(r.StartedAt), millis(r.ConnectedAt), millis(r.EndedAt),
		r.Duration.Milliseconds(), r.Reason); err != nil {
		return fmt.Errorf("insert call: %w", err)
	}

	if r.Peer != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO contacts (user_id, last_seen, call_count) VALUES (?, ?, 1)
			ON CONFLICT(user_id) DO UPDATE SET
				last_seen  = MAX(last_seen, excluded.last_seen),
				call_count = call_count + 1
		`, r.Peer, millis(r.EndedAt)); err != nil {
			return fmt.Errorf("count contact: %w", err)
		}
	}
	return tx.Commit()
}

// Recent returns the most recently ended calls, newest first.
func (d *DB) Recent(ctx context.Context, limit int) ([]call.Record, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.QueryContext(ctx, `
		SELECT id, channel, mode, kind, direction, peer, started_at, connected_at, ended_at, duration_ms, reason
		FROM calls ORDER BY ended_at DESC, id LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []call.Record
	for rows.Next() {
		var (
			r                         call.Record
			started, connected, ended int64
			durationMs                int64
		)
		if err := rows.Scan(&r.ID, &r.Channel, &r.Mode, &r.Kind, &r.Direction, &r.Peer,
			&started, &connected, &ended, &durationMs, &r.Reason); err != nil {
			return nil, err
		}
		r.StartedAt = fromMillis(started)
		r.ConnectedAt = fromMillis(connected)
		r.EndedAt = fromMillis(ended)
		r.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
