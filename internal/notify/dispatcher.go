// Package notify turns bus events into operator notifications through
// Shoutrrr destinations, with per-event rules, cooldowns, quiet hours
// and a persisted delivery history.
package notify

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nicholas-fedor/shoutrrr"

	"meshwork/internal/events"
)

// Sender abstracts message dispatch so the dispatcher can be tested
// without hitting real services.
type Sender interface {
	Send(shoutrrrURL, message string) error
}

// ShoutrrrSender dispatches via the Shoutrrr library.
type ShoutrrrSender struct{}

func (ShoutrrrSender) Send(url, message string) error {
	return shoutrrr.Send(url, message)
}

// serviceConfig is the destination extracted from a service's
// config_json: either a ready Shoutrrr URL or structured provider
// fields to build one from.
type serviceConfig struct {
	ShoutrrrURL string            `json:"shoutrrr_url"`
	Fields      map[string]string `json:"fields,omitempty"`
}

// Dispatcher subscribes to the event bus, evaluates rules, enforces
// cooldowns and quiet hours, and dispatches via Shoutrrr.
type Dispatcher struct {
	db     *sql.DB
	bus    *events.Bus
	sender Sender

	// cooldowns tracks the last dispatch time per (service_id, event_type).
	mu        sync.Mutex
	cooldowns map[string]time.Time

	stopCh chan struct{}
	sub    events.Subscription
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher wired to the given bus and database.
func NewDispatcher(db *sql.DB, bus *events.Bus, sender Sender) *Dispatcher {
	if sender == nil {
		sender = ShoutrrrSender{}
	}
	return &Dispatcher{
		db:        db,
		bus:       bus,
		sender:    sender,
		cooldowns: make(map[string]time.Time),
		stopCh:    make(chan struct{}),
	}
}

// Start subscribes to all events and begins dispatching.
func (d *Dispatcher) Start() {
	ch := make(chan events.Event, 256)

	d.sub = d.bus.Subscribe(func(e events.Event) {
		select {
		case ch <- e:
		default:
			log.Printf("[NOTIFY] event queue full, dropping %s event", e.Type)
		}
	})

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case e := <-ch:
				d.handle(e)
			case <-d.stopCh:
				// Drain remaining events
				for {
					select {
					case e := <-ch:
						d.handle(e)
					default:
						return
					}
				}
			}
		}
	}()
}

// Stop detaches from the bus, signals the dispatcher goroutine to
// finish and waits for it.
func (d *Dispatcher) Stop() {
	d.bus.Unsubscribe(d.sub)
	close(d.stopCh)
	d.wg.Wait()
}

// handle processes a single event against all enabled services.
func (d *Dispatcher) handle(e events.Event) {
	services, err := ListEnabledServices(d.db)
	if err != nil {
		log.Printf("[NOTIFY] list services: %v", err)
		return
	}

	for _, svc := range services {
		if !d.severityAllowed(svc, e.Severity) {
			continue
		}
		if !d.eventRuleAllowed(svc.ID, e) {
			continue
		}
		if d.inQuietHours(svc.ID, e) {
			continue
		}
		d.dispatch(svc, e)
	}
}

// severityAllowed checks the service's severity flags.
func (d *Dispatcher) severityAllowed(svc NotificationService, sev events.Severity) bool {
	switch sev {
	case events.SeverityCritical:
		return svc.NotifyOnCritical
	case events.SeverityWarning:
		return svc.NotifyOnWarning
	case events.SeverityInfo:
		return svc.NotifyOnInfo
	default:
		return false
	}
}

// eventRuleAllowed checks per-event-type rules and enforces cooldowns.
func (d *Dispatcher) eventRuleAllowed(serviceID int64, e events.Event) bool {
	rules, err := GetEventRules(d.db, serviceID)
	if err != nil {
		log.Printf("[NOTIFY] get rules for service %d: %v", serviceID, err)
		return true // fail open when rules can't load
	}

	// If no rules are configured, allow all events.
	if len(rules) == 0 {
		return true
	}

	for _, r := range rules {
		if r.EventType != string(e.Type) {
			continue
		}
		if !r.Enabled {
			return false
		}

		// Cooldown check
		if r.Cooldown > 0 {
			key := fmt.Sprintf("%d:%s", serviceID, e.Type)
			d.mu.Lock()
			last, ok := d.cooldowns[key]
			now := time.Now()
			if ok && now.Sub(last) < time.Duration(r.Cooldown)*time.Second {
				d.mu.Unlock()
				return false
			}
			d.cooldowns[key] = now
			d.mu.Unlock()
		}

		return true
	}

	// Event type has no rule, allow by default.
	return true
}

// inQuietHours returns true if the event should be suppressed.
// Critical events are never suppressed by quiet hours.
func (d *Dispatcher) inQuietHours(serviceID int64, e events.Event) bool {
	if e.Severity == events.SeverityCritical {
		return false
	}

	qh, err := GetQuietHours(d.db, serviceID)
	if err != nil || qh == nil || !qh.Enabled {
		return false
	}

	now := time.Now().UTC()
	nowMinutes := now.Hour()*60 + now.Minute()

	start := parseHHMM(qh.StartTime)
	end := parseHHMM(qh.EndTime)

	if start < end {
		// e.g. 22:00–23:00
		return nowMinutes >= start && nowMinutes < end
	}
	// Wraps midnight, e.g. 22:00–07:00
	return nowMinutes >= start || nowMinutes < end
}

// dispatch sends the notification and records the result.
func (d *Dispatcher) dispatch(svc NotificationService, e events.Event) {
	var cfg serviceConfig
	if err := json.Unmarshal([]byte(svc.ConfigJSON), &cfg); err != nil {
		log.Printf("[NOTIFY] bad config for service %d (%s): %v", svc.ID, svc.Name, err)
		return
	}

	destination := cfg.ShoutrrrURL
	if destination == "" && len(cfg.Fields) > 0 {
		built, err := BuildShoutrrrURL(svc.ServiceType, cfg.Fields)
		if err != nil {
			log.Printf("[NOTIFY] build URL for service %d (%s): %v", svc.ID, svc.Name, err)
			return
		}
		destination = built
	}
	if destination == "" {
		log.Printf("[NOTIFY] service %d (%s) has no destination", svc.ID, svc.Name)
		return
	}

	msg := formatMessage(e)
	err := d.sender.Send(destination, msg)

	rec := &NotificationRecord{
		SettingID: svc.ID,
		EventType: string(e.Type),
		AgentID:   e.AgentID,
		Message:   msg,
	}

	if err != nil {
		rec.Status = "failed"
		rec.ErrorMessage = err.Error()
		log.Printf("[NOTIFY] send to %s failed: %v", svc.Name, err)
	} else {
		rec.Status = "sent"
		rec.SentAt = time.Now().UTC()
	}

	if _, dbErr := RecordNotification(d.db, rec); dbErr != nil {
		log.Printf("[NOTIFY] record history: %v", dbErr)
	}
}

// formatMessage builds a human-readable notification string.
func formatMessage(e events.Event) string {
	severity := e.Severity.String()
	if e.AgentID != "" {
		return fmt.Sprintf("[%s] [%s] %s", severity, e.AgentID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", severity, e.Message)
}

// parseHHMM converts "HH:MM" to minutes since midnight.
func parseHHMM(s string) int {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0
	}
	return t.Hour()*60 + t.Minute()
}
