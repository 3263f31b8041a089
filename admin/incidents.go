package admin

import (
	"sync"
	"time"

	"github.com/hrygo/txndispatch/dispatch"
)

// incident is a recorded Invalid completion, kept for the admin report and
// Atom feed. Valid completions are not tracked here.
type incident struct {
	ContextID    string
	ErrorMessage string
	ObservedAt   time.Time
}

// incidentLog is a bounded ring buffer of the most recent incidents,
// shared between the /report and /incidents.atom handlers.
type incidentLog struct {
	mu       sync.Mutex
	capacity int
	entries  []incident
}

func newIncidentLog(capacity int) *incidentLog {
	if capacity <= 0 {
		capacity = 100
	}
	return &incidentLog{capacity: capacity}
}

func (l *incidentLog) record(n dispatch.CompletionNotification) {
	if n.Outcome != dispatch.Invalid {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, incident{
		ContextID:    n.ContextID.String(),
		ErrorMessage: n.ErrorMessage,
		ObservedAt:   time.Now(),
	})
	if len(l.entries) > l.capacity {
		l.entries = l.entries[len(l.entries)-l.capacity:]
	}
}

// recent returns the up-to-n most recently recorded incidents, newest
// first.
func (l *incidentLog) recent(n int) []incident {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.entries) {
		n = len(l.entries)
	}
	out := make([]incident, n)
	for i := 0; i < n; i++ {
		out[i] = l.entries[len(l.entries)-1-i]
	}
	return out
}

// track wraps inner with incident recording, mirroring audit.Wrap's
// decorator shape: every notification still reaches inner, Invalid ones
// are additionally appended to the log.
func (l *incidentLog) track(inner dispatch.Notifier) dispatch.Notifier {
	return dispatch.NotifierFunc(func(n dispatch.CompletionNotification) {
		l.record(n)
		if inner != nil {
			inner.Notify(n)
		}
	})
}
