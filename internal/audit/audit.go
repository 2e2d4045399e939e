// Package audit records administrative operations — module publishes,
// migrations, and row-level-security grants — to a durable append-only
// log, independent of the row data the transactional store itself
// guards.
package audit

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Log is an append-only sqlite-backed audit trail.
type Log struct {
	db *sql.DB
}

// Open creates or reuses an audit.sqlite file under dir.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "audit.sqlite"))
	if err != nil {
		return nil, err
	}
	const schema = `CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		ts TEXT NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		detail TEXT
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Log{db: db}, nil
}

func (l *Log) Close() error { return l.db.Close() }

// Event is one recorded administrative action.
type Event struct {
	ID         string
	Timestamp  time.Time
	Actor      string
	Action     string
	EntityType string
	EntityID   string
	Detail     any
}

// Append records an administrative action. Detail is marshaled to JSON;
// callers should never pass raw credentials or row data through it.
func (l *Log) Append(actor, action, entityType, entityID string, detail any) error {
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return err
	}
	id := uuid.NewString()
	_, err = l.db.Exec(
		`INSERT INTO audit_events(id, ts, actor, action, entity_type, entity_id, detail) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, time.Now().UTC().Format("2006-01-02T15:04:05.000000000Z07:00"), actor, action, entityType, entityID, string(detailJSON),
	)
	return err
}

// Recent returns the most recent n events, newest first.
func (l *Log) Recent(n int) ([]Event, error) {
	rows, err := l.db.Query(
		`SELECT id, ts, actor, action, entity_type, entity_id, detail FROM audit_events ORDER BY ts DESC LIMIT ?`, n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var ts, detail string
		if err := rows.Scan(&e.ID, &ts, &e.Actor, &e.Action, &e.EntityType, &e.EntityID, &detail); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if detail != "" {
			_ = json.Unmarshal([]byte(detail), &e.Detail)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
