// Package ledger keeps an append-only audit trail of member commands and
// reconciled group states. It is never read back to restore state.
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// EventType represents the type of event in the ledger
type EventType string

const (
	EventCommandSent   EventType = "command_sent"
	EventCommandFailed EventType = "command_failed"
	EventGroupState    EventType = "group_state"
)

// Entry represents a single event in the ledger
type Entry struct {
	ID        int64
	EventType EventType
	Timestamp time.Time
	Payload   map[string]any
	Source    string
	// Subject is the light id for commands and the group object id for states.
	Subject string
}

// Ledger provides append-only event logging
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a new Ledger using the provided database connection
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

// Append adds a new event to the ledger
func (l *Ledger) Append(eventType EventType, source, subject string, payload map[string]any) error {
	var payloadJSON []byte
	var err error

	if payload != nil {
		payloadJSON, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	_, err = l.db.Exec(
		`INSERT INTO event_ledger (event_type, timestamp, payload, source, subject) VALUES (?, ?, ?, ?, ?)`,
		string(eventType), l.now().UTC().UnixMilli(), string(payloadJSON), source, subject,
	)
	if err != nil {
		return fmt.Errorf("failed to append %s: %w", eventType, err)
	}
	return nil
}

// GetByType returns the newest entries of one type
func (l *Ledger) GetByType(eventType EventType, limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, event_type, timestamp, payload, source, subject
		FROM event_ledger
		WHERE event_type = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, string(eventType), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

// GetBySubject returns the newest entries about one light or group
func (l *Ledger) GetBySubject(subject string, limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, event_type, timestamp, payload, source, subject
		FROM event_ledger
		WHERE subject = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, subject, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

// DeleteOlderThan removes entries older than the specified duration (retention policy)
func (l *Ledger) DeleteOlderThan(retention time.Duration) (int64, error) {
	cutoff := l.now().Add(-retention).UTC().UnixMilli()
	result, err := l.db.Exec(`DELETE FROM event_ledger WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		var entry Entry
		var payloadStr, source, subject sql.NullString
		var timestamp int64

		if err := rows.Scan(&entry.ID, &entry.EventType, &timestamp, &payloadStr, &source, &subject); err != nil {
			return nil, err
		}

		entry.Timestamp = time.UnixMilli(timestamp).UTC()
		entry.Source = source.String
		entry.Subject = subject.String

		if payloadStr.Valid && payloadStr.String != "" {
			entry.Payload = make(map[string]any)
			if err := json.Unmarshal([]byte(payloadStr.String), &entry.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
			}
		}

		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}
