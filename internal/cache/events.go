package cache

import "time"

// EventType enumerates store events pushed to dashboard clients.
type EventType string

const (
	EventAlertRaised     EventType = "alert_raised"
	EventAlertUpdated    EventType = "alert_updated"
	EventAlertResolved   EventType = "alert_resolved"
	EventSourceDegraded  EventType = "source_degraded"
	EventSourceRecovered EventType = "source_recovered"
)

// Event is one store state change. Alert events carry the alert; source
// events carry the failing key and error text.
type Event struct {
	Type   EventType `json:"type"`
	Key    Key       `json:"key"`
	Detail string    `json:"detail,omitempty"`
	Time   time.Time `json:"time"`
}

// emit sends without blocking; a slow or absent consumer loses events
// rather than stalling cache writes.
func (s *Store) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	select {
	case s.events <- ev:
	default:
	}
}
