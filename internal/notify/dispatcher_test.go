package notify

import (
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"meshwork/internal/events"

	_ "modernc.org/sqlite"
)

// mockSender records calls for assertion.
type mockSender struct {
	mu       sync.Mutex
	calls    []string
	urls     []string
	failNext bool
}

func (m *mockSender) Send(url, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, message)
	m.urls = append(m.urls, url)
	if m.failNext {
		m.failNext = false
		return fmt.Errorf("mock send error")
	}
	return nil
}

func (m *mockSender) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// setupDispatcherTest creates an in-memory DB, bus, mock sender, and dispatcher.
func setupDispatcherTest(t *testing.T) (*sql.DB, *events.Bus, *mockSender, *Dispatcher) {
	t.Helper()
	db := setupTestDB(t)
	bus := events.NewBus()
	sender := &mockSender{}
	d := NewDispatcher(db, bus, sender)
	return db, bus, sender, d
}

func TestDispatcherSendsOnMatchingSeverity(t *testing.T) {
	db, bus, sender, d := setupDispatcherTest(t)

	// Create an enabled service that notifies on critical
	CreateService(db, &NotificationService{
		Name:             "test",
		ServiceType:      "generic",
		ConfigJSON:       `{"shoutrrr_url":"generic://example.com"}`,
		Enabled:          true,
		NotifyOnCritical: true,
	})

	d.Start()
	defer d.Stop()

	bus.Publish(events.Event{
		Type:     events.CertRenewalFailed,
		Severity: events.SeverityCritical,
		AgentID:  "node-a",
		Message:  "certificate renewal failed, restored previous pair",
	})

	// Give the async goroutine time to process
	time.Sleep(100 * time.Millisecond)

	if sender.callCount() != 1 {
		t.Errorf("expected 1 send, got %d", sender.callCount())
	}
}

func TestDispatcherSkipsDisabledSeverity(t *testing.T) {
	db, bus, sender, d := setupDispatcherTest(t)

	// Service only notifies on critical, NOT warning
	CreateService(db, &NotificationService{
		Name:             "crit-only",
		ServiceType:      "generic",
		ConfigJSON:       `{"shoutrrr_url":"generic://example.com"}`,
		Enabled:          true,
		NotifyOnCritical: true,
		NotifyOnWarning:  false,
	})

	d.Start()
	defer d.Stop()

	bus.Publish(events.Event{
		Type:     events.CertExpiring,
		Severity: events.SeverityWarning,
		Message:  "certificate expires in 8 days",
	})

	time.Sleep(100 * time.Millisecond)

	if sender.callCount() != 0 {
		t.Errorf("expected 0 sends for warning, got %d", sender.callCount())
	}
}

func TestDispatcherEnforcesCooldown(t *testing.T) {
	db, bus, sender, d := setupDispatcherTest(t)

	svcID, _ := CreateService(db, &NotificationService{
		Name:             "cooldown-test",
		ServiceType:      "generic",
		ConfigJSON:       `{"shoutrrr_url":"generic://example.com"}`,
		Enabled:          true,
		NotifyOnWarning:  true,
		NotifyOnCritical: true,
	})

	UpsertEventRule(db, &EventRule{
		ServiceID: svcID,
		EventType: "heartbeat_lost",
		Enabled:   true,
		Cooldown:  10,
	})

	d.Start()
	defer d.Stop()

	evt := events.Event{
		Type:     events.HeartbeatLost,
		Severity: events.SeverityWarning,
		AgentID:  "node-b",
		Message:  "agent node-b unresponsive after 3 heartbeats",
	}

	bus.Publish(evt)
	time.Sleep(50 * time.Millisecond)

	bus.Publish(evt) // should be throttled
	time.Sleep(50 * time.Millisecond)

	if sender.callCount() != 1 {
		t.Errorf("expected 1 send (second throttled), got %d", sender.callCount())
	}
}

func TestDispatcherDisabledEventRule(t *testing.T) {
	db, bus, sender, d := setupDispatcherTest(t)

	svcID, _ := CreateService(db, &NotificationService{
		Name:             "rule-disabled",
		ServiceType:      "generic",
		ConfigJSON:       `{"shoutrrr_url":"generic://example.com"}`,
		Enabled:          true,
		NotifyOnCritical: true,
	})

	UpsertEventRule(db, &EventRule{
		ServiceID: svcID,
		EventType: "handshake_failed",
		Enabled:   false,
	})

	d.Start()
	defer d.Stop()

	bus.Publish(events.Event{
		Type:     events.HandshakeFailed,
		Severity: events.SeverityCritical,
		Message:  "should be blocked by rule",
	})

	time.Sleep(100 * time.Millisecond)

	if sender.callCount() != 0 {
		t.Errorf("expected 0 sends (rule disabled), got %d", sender.callCount())
	}
}

func TestDispatcherBuildsURLFromFields(t *testing.T) {
	db, bus, sender, d := setupDispatcherTest(t)

	CreateService(db, &NotificationService{
		Name:             "structured",
		ServiceType:      "discord",
		ConfigJSON:       `{"fields":{"webhook_url":"https://discord.com/api/webhooks/1234/tok"}}`,
		Enabled:          true,
		NotifyOnCritical: true,
	})

	d.Start()
	defer d.Stop()

	bus.Publish(events.Event{
		Type:     events.ServiceStartFailed,
		Severity: events.SeverityCritical,
		Message:  "listener bind failed",
	})

	time.Sleep(100 * time.Millisecond)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.urls) != 1 {
		t.Fatalf("expected 1 send, got %d", len(sender.urls))
	}
	if sender.urls[0] != "discord://tok@1234" {
		t.Errorf("built URL = %q", sender.urls[0])
	}
}

func TestDispatcherRecordsHistory(t *testing.T) {
	db, bus, _, d := setupDispatcherTest(t)

	CreateService(db, &NotificationService{
		Name:             "history-test",
		ServiceType:      "generic",
		ConfigJSON:       `{"shoutrrr_url":"generic://example.com"}`,
		Enabled:          true,
		NotifyOnCritical: true,
	})

	d.Start()
	defer d.Stop()

	bus.Publish(events.Event{
		Type:     events.CertRevoked,
		Severity: events.SeverityCritical,
		AgentID:  "node-a",
		Message:  "certificate revoked: key compromise",
	})

	time.Sleep(100 * time.Millisecond)

	history, err := RecentHistory(db, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 history record, got %d", len(history))
	}
	if history[0].Status != "sent" {
		t.Errorf("status = %q, want %q", history[0].Status, "sent")
	}
	if history[0].AgentID != "node-a" {
		t.Errorf("agent id = %q, want node-a", history[0].AgentID)
	}
}

func TestDispatcherRecordsFailure(t *testing.T) {
	db, bus, sender, d := setupDispatcherTest(t)

	CreateService(db, &NotificationService{
		Name:             "fail-test",
		ServiceType:      "generic",
		ConfigJSON:       `{"shoutrrr_url":"generic://example.com"}`,
		Enabled:          true,
		NotifyOnCritical: true,
	})

	sender.failNext = true

	d.Start()
	defer d.Stop()

	bus.Publish(events.Event{
		Type:     events.CertRenewalFailed,
		Severity: events.SeverityCritical,
		Message:  "will fail to send",
	})

	time.Sleep(100 * time.Millisecond)

	history, _ := RecentHistory(db, 10)
	if len(history) != 1 {
		t.Fatalf("expected 1 record, got %d", len(history))
	}
	if history[0].Status != "failed" {
		t.Errorf("status = %q, want %q", history[0].Status, "failed")
	}
	if history[0].ErrorMessage == "" {
		t.Error("expected error message on failure")
	}
}

func TestFormatMessage(t *testing.T) {
	tests := []struct {
		name string
		e    events.Event
		want string
	}{
		{
			name: "with agent",
			e:    events.Event{Severity: events.SeverityCritical, AgentID: "node-a", Message: "renewal failed"},
			want: "[critical] [node-a] renewal failed",
		},
		{
			name: "without agent",
			e:    events.Event{Severity: events.SeverityWarning, Message: "certificate expiring"},
			want: "[warning] certificate expiring",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatMessage(tt.e); got != tt.want {
				t.Errorf("formatMessage = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestQuietHoursSuppression(t *testing.T) {
	db, _, _, d := setupDispatcherTest(t)

	svcID, _ := CreateService(db, &NotificationService{
		Name:            "quiet",
		ServiceType:     "generic",
		ConfigJSON:      `{"shoutrrr_url":"generic://example.com"}`,
		Enabled:         true,
		NotifyOnWarning: true,
	})

	// Quiet hours covering the whole day
	UpsertQuietHours(db, &QuietHours{ServiceID: svcID, StartTime: "00:00", EndTime: "23:59", Enabled: true})

	warning := events.Event{Type: events.CertExpiring, Severity: events.SeverityWarning}
	if !d.inQuietHours(svcID, warning) {
		t.Error("warning not suppressed during quiet hours")
	}

	// Critical events are never suppressed
	critical := events.Event{Type: events.CertRenewalFailed, Severity: events.SeverityCritical}
	if d.inQuietHours(svcID, critical) {
		t.Error("critical suppressed during quiet hours")
	}
}
