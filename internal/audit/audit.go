// Package audit provides the durable record of authentication and
// communication events, backed by SQLite.
package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const timeFormat = "2006-01-02 15:04:05"

// Outcome classifies the result of an audited action.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeDenied  Outcome = "denied"
)

// AuthenticationEvent records a start/stop/connect/disconnect action.
type AuthenticationEvent struct {
	ID        int64             `json:"id"`
	AgentID   string            `json:"agent_id"`
	Action    string            `json:"action"`
	Resource  string            `json:"resource"`
	Outcome   Outcome           `json:"outcome"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// DataAccessEvent records one message-level data movement.
type DataAccessEvent struct {
	ID        int64             `json:"id"`
	AgentID   string            `json:"agent_id"`
	Action    string            `json:"action"`
	Resource  string            `json:"resource"`
	DataType  string            `json:"data_type"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Logger is the audit interface the communication layer consumes.
type Logger interface {
	LogAuthenticationEvent(e AuthenticationEvent) error
	LogDataAccess(e DataAccessEvent) error
}

// Store is a SQLite-backed Logger.
type Store struct {
	db *sql.DB
}

// NewStore ensures the audit schema exists and returns a store.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("audit schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS auth_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id   TEXT NOT NULL,
			action     TEXT NOT NULL,
			resource   TEXT NOT NULL,
			outcome    TEXT NOT NULL,
			metadata   JSON,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_auth_events_agent ON auth_events(agent_id);
		CREATE INDEX IF NOT EXISTS idx_auth_events_created ON auth_events(created_at);

		CREATE TABLE IF NOT EXISTS data_access_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id   TEXT NOT NULL,
			action     TEXT NOT NULL,
			resource   TEXT NOT NULL,
			data_type  TEXT NOT NULL,
			metadata   JSON,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_data_access_agent ON data_access_events(agent_id);
		CREATE INDEX IF NOT EXISTS idx_data_access_created ON data_access_events(created_at);
	`)
	return err
}

// LogAuthenticationEvent appends an authentication record.
func (s *Store) LogAuthenticationEvent(e AuthenticationEvent) error {
	meta, err := marshalMetadata(e.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO auth_events (agent_id, action, resource, outcome, metadata)
		VALUES (?, ?, ?, ?, ?)`,
		e.AgentID, e.Action, e.Resource, string(e.Outcome), meta)
	if err != nil {
		return fmt.Errorf("store auth event: %w", err)
	}
	return nil
}

// LogDataAccess appends a data-access record.
func (s *Store) LogDataAccess(e DataAccessEvent) error {
	meta, err := marshalMetadata(e.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO data_access_events (agent_id, action, resource, data_type, metadata)
		VALUES (?, ?, ?, ?, ?)`,
		e.AgentID, e.Action, e.Resource, e.DataType, meta)
	if err != nil {
		return fmt.Errorf("store data access event: %w", err)
	}
	return nil
}

// RecentAuthenticationEvents returns up to limit records, newest first.
func (s *Store) RecentAuthenticationEvents(limit int) ([]AuthenticationEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, agent_id, action, resource, outcome, COALESCE(metadata, ''), created_at
		FROM auth_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query auth events: %w", err)
	}
	defer rows.Close()

	var out []AuthenticationEvent
	for rows.Next() {
		var e AuthenticationEvent
		var meta, created string
		if err := rows.Scan(&e.ID, &e.AgentID, &e.Action, &e.Resource, &e.Outcome, &meta, &created); err != nil {
			return nil, fmt.Errorf("scan auth event: %w", err)
		}
		e.Metadata = unmarshalMetadata(meta)
		e.CreatedAt, _ = time.Parse(timeFormat, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecentDataAccessEvents returns up to limit records, newest first.
func (s *Store) RecentDataAccessEvents(limit int) ([]DataAccessEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, agent_id, action, resource, data_type, COALESCE(metadata, ''), created_at
		FROM data_access_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query data access events: %w", err)
	}
	defer rows.Close()

	var out []DataAccessEvent
	for rows.Next() {
		var e DataAccessEvent
		var meta, created string
		if err := rows.Scan(&e.ID, &e.AgentID, &e.Action, &e.Resource, &e.DataType, &meta, &created); err != nil {
			return nil, fmt.Errorf("scan data access event: %w", err)
		}
		e.Metadata = unmarshalMetadata(meta)
		e.CreatedAt, _ = time.Parse(timeFormat, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

func marshalMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(data), nil
}

func unmarshalMetadata(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}
