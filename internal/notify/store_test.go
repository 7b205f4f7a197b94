package notify

import (
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.Exec("PRAGMA foreign_keys = ON")

	if err := Migrate(db); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createTestService(t *testing.T, db *sql.DB) int64 {
	t.Helper()
	svc := &NotificationService{
		Name:             "ops-discord",
		ServiceType:      "discord",
		ConfigJSON:       `{"fields":{"webhook_url":"https://discord.com/api/webhooks/1/t"}}`,
		Enabled:          true,
		NotifyOnCritical: true,
		NotifyOnWarning:  true,
	}
	id, err := CreateService(db, svc)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestCreateAndGetService(t *testing.T) {
	db := setupTestDB(t)
	id := createTestService(t, db)

	svc, err := GetService(db, id)
	if err != nil {
		t.Fatal(err)
	}
	if svc == nil {
		t.Fatal("expected service, got nil")
	}
	if svc.Name != "ops-discord" {
		t.Errorf("name = %q, want %q", svc.Name, "ops-discord")
	}
	if !svc.Enabled || !svc.NotifyOnCritical || !svc.NotifyOnWarning {
		t.Errorf("flags = %+v", svc)
	}
	if svc.NotifyOnInfo {
		t.Error("expected no notify_on_info")
	}
}

func TestGetServiceMissing(t *testing.T) {
	db := setupTestDB(t)

	svc, err := GetService(db, 999)
	if err != nil {
		t.Fatal(err)
	}
	if svc != nil {
		t.Errorf("expected nil for missing service, got %+v", svc)
	}
}

func TestListEnabledServices(t *testing.T) {
	db := setupTestDB(t)
	createTestService(t, db)

	disabled := &NotificationService{
		Name:        "muted",
		ServiceType: "generic",
		ConfigJSON:  `{"shoutrrr_url":"generic://example.com"}`,
		Enabled:     false,
	}
	if _, err := CreateService(db, disabled); err != nil {
		t.Fatal(err)
	}

	all, err := ListServices(db)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("ListServices = %d, want 2", len(all))
	}

	enabled, err := ListEnabledServices(db)
	if err != nil {
		t.Fatal(err)
	}
	if len(enabled) != 1 || enabled[0].Name != "ops-discord" {
		t.Errorf("ListEnabledServices = %+v", enabled)
	}
}

func TestUpdateService(t *testing.T) {
	db := setupTestDB(t)
	id := createTestService(t, db)

	svc, err := GetService(db, id)
	if err != nil {
		t.Fatal(err)
	}
	svc.Enabled = false
	svc.NotifyOnInfo = true
	if err := UpdateService(db, svc); err != nil {
		t.Fatal(err)
	}

	got, err := GetService(db, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Enabled || !got.NotifyOnInfo {
		t.Errorf("update not applied: %+v", got)
	}
}

func TestUpdateServiceMissing(t *testing.T) {
	db := setupTestDB(t)

	err := UpdateService(db, &NotificationService{ID: 42, Name: "ghost", ServiceType: "generic"})
	if err == nil {
		t.Error("expected error updating missing service")
	}
}

func TestDeleteServiceCascades(t *testing.T) {
	db := setupTestDB(t)
	id := createTestService(t, db)

	if err := UpsertEventRule(db, &EventRule{ServiceID: id, EventType: "cert_expiring", Enabled: true, Cooldown: 60}); err != nil {
		t.Fatal(err)
	}
	if err := DeleteService(db, id); err != nil {
		t.Fatal(err)
	}

	rules, err := GetEventRules(db, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 0 {
		t.Errorf("rules survived service deletion: %+v", rules)
	}
}

func TestUpsertEventRule(t *testing.T) {
	db := setupTestDB(t)
	id := createTestService(t, db)

	rule := &EventRule{ServiceID: id, EventType: "heartbeat_lost", Enabled: true, Cooldown: 120}
	if err := UpsertEventRule(db, rule); err != nil {
		t.Fatal(err)
	}

	rule.Cooldown = 600
	if err := UpsertEventRule(db, rule); err != nil {
		t.Fatal(err)
	}

	rules, err := GetEventRules(db, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 1 {
		t.Fatalf("rules = %d, want 1 after upsert", len(rules))
	}
	if rules[0].Cooldown != 600 {
		t.Errorf("cooldown = %d, want 600", rules[0].Cooldown)
	}
}

func TestQuietHoursRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	id := createTestService(t, db)

	if qh, err := GetQuietHours(db, id); err != nil || qh != nil {
		t.Fatalf("unset quiet hours = %+v, %v", qh, err)
	}

	if err := UpsertQuietHours(db, &QuietHours{ServiceID: id, StartTime: "23:00", EndTime: "06:00", Enabled: true}); err != nil {
		t.Fatal(err)
	}

	qh, err := GetQuietHours(db, id)
	if err != nil {
		t.Fatal(err)
	}
	if qh == nil || !qh.Enabled || qh.StartTime != "23:00" || qh.EndTime != "06:00" {
		t.Errorf("quiet hours = %+v", qh)
	}
}

func TestRecordAndReadHistory(t *testing.T) {
	db := setupTestDB(t)
	id := createTestService(t, db)

	if _, err := RecordNotification(db, &NotificationRecord{
		SettingID: id,
		EventType: "cert_expiring",
		AgentID:   "node-a",
		Message:   "certificate expires in 12 days",
		Status:    "sent",
		SentAt:    time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	history, err := RecentHistory(db, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 {
		t.Fatalf("history = %d records, want 1", len(history))
	}
	rec := history[0]
	if rec.AgentID != "node-a" || rec.EventType != "cert_expiring" || rec.Status != "sent" {
		t.Errorf("record = %+v", rec)
	}
	if rec.SentAt.IsZero() {
		t.Error("sent_at not persisted")
	}
}
