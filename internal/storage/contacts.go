package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Contact is the last known presentation of a remote user. Name and avatar
// come from their invitations; an empty value never overwrites a known one.
type Contact struct {
	UserID    string    `json:"userId"`
	Name      string    `json:"name,omitempty"`
	Avatar    string    `json:"avatar,omitempty"`
	LastSeen  time.Time `json:"lastSeen"`
	CallCount int       `json:"callCount"`
}

// UpsertContact stores the name and avatar a user presented at seen.
func (d *DB) UpsertContact(ctx context.Context, userID, name, avatar string, seen time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO contacts (user_id, name, avatar, last_seen) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			name      = CASE WHEN excluded.name   != '' THEN excluded.name   ELSE name   END,
			avatar    = CASE WHEN excluded.avatar != '' THEN excluded.avatar ELSE avatar END,
			last_seen = MAX(last_seen, excluded.last_seen)
	`, userID, name, avatar, millis(seen))
	return err
}

// GetContact returns the contact for userID.
func (d *DB) GetContact(ctx context.Context, userID string) (Contact, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var (
		c    Contact
		seen int64
	)
	err := d.db.QueryRowContext(ctx, `
		SELECT user_id, name, avatar, last_seen, call_count FROM contacts WHERE user_id = ?
	`, userID).Scan(&c.UserID, &c.Name, &c.Avatar, &seen, &c.CallCount)
	if errors.Is(err, sql.ErrNoRows) {
		return Contact{}, false, nil
	}
	if err != nil {
		return Contact{}, false, err
	}
	c.LastSeen = fromMillis(seen)
	return c, true, nil
}

// Contacts lists every known contact, most recently seen first.
func (d *DB) Contacts(ctx context.Context) ([]Contact, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.QueryContext(ctx, `
		SELECT user_id, name, avatar, last_seen, call_count
		FROM contacts ORDER BY last_seen DESC, user_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		var (
			c    Contact
			seen int64
		)
		if err := rows.Scan(&c.UserID, &c.Name, &c.Avatar, &seen, &c.CallCount); err != nil {
			return nil, err
		}
		c.LastSeen = fromMillis(seen)
		out = append(out, c)
	}
	return out, rows.Err()
}
