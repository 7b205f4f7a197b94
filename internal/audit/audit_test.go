package audit

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestLogAndReadAuthenticationEvents(t *testing.T) {
	s := setupTestStore(t)

	err := s.LogAuthenticationEvent(AuthenticationEvent{
		AgentID:  "node-a",
		Action:   "connect",
		Resource: "agent:node-b",
		Outcome:  OutcomeSuccess,
		Metadata: map[string]string{"endpoint": "wss://node-b:9443/mesh"},
	})
	if err != nil {
		t.Fatal(err)
	}
	err = s.LogAuthenticationEvent(AuthenticationEvent{
		AgentID:  "node-a",
		Action:   "connect",
		Resource: "agent:node-c",
		Outcome:  OutcomeFailure,
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.RecentAuthenticationEvents(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	// Newest first
	if got[0].Outcome != OutcomeFailure {
		t.Errorf("expected failure first, got %s", got[0].Outcome)
	}
	if got[1].Metadata["endpoint"] != "wss://node-b:9443/mesh" {
		t.Errorf("metadata not round-tripped: %v", got[1].Metadata)
	}
}

func TestLogAndReadDataAccessEvents(t *testing.T) {
	s := setupTestStore(t)

	err := s.LogDataAccess(DataAccessEvent{
		AgentID:  "node-a",
		Action:   "send",
		Resource: "agent:node-b",
		DataType: "request",
		Metadata: map[string]string{"message_id": "m1"},
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.RecentDataAccessEvents(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got[0].DataType != "request" {
		t.Errorf("data type = %q", got[0].DataType)
	}
}

func TestRecentRespectsLimit(t *testing.T) {
	s := setupTestStore(t)
	for i := 0; i < 5; i++ {
		s.LogAuthenticationEvent(AuthenticationEvent{
			AgentID: "node-a", Action: "heartbeat", Resource: "mesh", Outcome: OutcomeSuccess,
		})
	}

	got, err := s.RecentAuthenticationEvents(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Errorf("expected 3 events, got %d", len(got))
	}
}
