// Package dispatch is the execution dispatch core: it fans transaction
// tasks in from many schedulers, routes each to the backend currently
// claiming its (family, version) routing key, and routes completion
// notifications back to the scheduler that submitted the task.
package dispatch

import (
	"sync"

	"github.com/google/uuid"
)

// RoutingKey identifies which backend must execute a task. Equality is
// exact byte equality on both fields; RoutingKey is comparable and usable
// directly as a map key.
type RoutingKey struct {
	Family  string
	Version string
}

func (k RoutingKey) String() string {
	return k.Family + "@" + k.Version
}

// TransactionHeader carries the fields the dispatch core needs to route
// and identify a transaction. The rest of the transaction payload (the
// signed body, receipts, and so on) is opaque to this core.
type TransactionHeader struct {
	FamilyName    string
	FamilyVersion string
	Signature     string // unique per transaction
}

// TransactionPair is the opaque unit of work a scheduler hands to the
// dispatcher: a header plus whatever payload the backend needs to execute
// it. Payload is intentionally untyped here; this core never inspects it.
type TransactionPair struct {
	Header  TransactionHeader
	Payload any
}

// Task is the unit of work submitted through an ingress adapter. Tasks are
// values; ownership transfers to the dispatch core on submission.
type Task struct {
	Transaction TransactionPair
	ContextID   uuid.UUID // selects the state view this task reads/writes
}

// RoutingKey derives the routing key this task must be dispatched to from
// its transaction header.
func (t Task) RoutingKey() RoutingKey {
	return RoutingKey{Family: t.Transaction.Header.FamilyName, Version: t.Transaction.Header.FamilyVersion}
}

// Outcome tags a CompletionNotification as either a successful execution
// or a terminal rejection.
type Outcome int

const (
	// Valid means execution succeeded. The receipt, if any, is handled by
	// the backend out-of-band; the dispatch core carries none of it.
	Valid Outcome = iota
	// Invalid means the backend rejected the transaction. This is a
	// normal, terminal result; not a failure to be retried.
	Invalid
)

func (o Outcome) String() string {
	if o == Invalid {
		return "invalid"
	}
	return "valid"
}

// CompletionNotification is what a backend reports back for exactly one
// previously-delivered TaskEnvelope.
type CompletionNotification struct {
	ContextID     uuid.UUID
	Outcome       Outcome
	TransactionID string // always set for Invalid; a backend may also report one for Valid
	ErrorMessage  string // set only for Invalid
	ErrorData     []byte // set only for Invalid
}

// replySink is the single-consumer channel-end an envelope reports its
// completion on, plus the bookkeeping that lets the owning adapter know
// when every envelope it ever created has either been replied to or
// abandoned (dropped on engine shutdown, or lost to a dead backend).
// Exactly one of send/discard is ever called per envelope.
type replySink struct {
	out         chan<- CompletionNotification
	outstanding *sync.WaitGroup
}

func (s replySink) send(n CompletionNotification) {
	s.out <- n
	s.outstanding.Done()
}

func (s replySink) discard() {
	s.outstanding.Done()
}

// TaskEnvelope wraps a Task with a reply sink identifying which ingress
// adapter submitted it. The reply sink accepts exactly one
// CompletionNotification for this task.
type TaskEnvelope struct {
	Task Task
	sink replySink
}

// RoutingKey derives the envelope's routing key from its task.
func (e TaskEnvelope) RoutingKey() RoutingKey {
	return e.Task.RoutingKey()
}

// Reply delivers a completion notification to the envelope's originating
// adapter. Reply must be called at most once per envelope, by the backend
// that accepted it.
func (e TaskEnvelope) Reply(n CompletionNotification) {
	e.sink.send(n)
}

// discard abandons the envelope without a notification: the adapter's
// reply-side worker will simply never see one for this envelope's
// ContextID. Used when the dispatch core itself can no longer deliver a
// reply (dropped at shutdown, or lost to a dead backend).
func (e TaskEnvelope) discard() {
	e.sink.discard()
}

// TaskStream is a lazy, finite, single-consumer producer of Tasks, owned
// by one scheduler. Next returns false once the stream is exhausted; a
// producer that wants to abort simply stops calling Next or returns false
// early, it never signals an error through the stream itself.
type TaskStream interface {
	Next() (Task, bool)
}

// TaskStreamFunc adapts a plain function to a TaskStream.
type TaskStreamFunc func() (Task, bool)

// Next implements TaskStream.
func (f TaskStreamFunc) Next() (Task, bool) { return f() }

// Notifier receives CompletionNotifications on a worker goroutine owned by
// the engine. Implementations must be safe to call from that goroutine and
// reentrant-safe with respect to themselves (the engine never calls a
// single Notifier concurrently from two goroutines, but an implementation
// shared across adapters may be invoked from more than one).
type Notifier interface {
	Notify(CompletionNotification)
}

// NotifierFunc adapts a plain function to a Notifier.
type NotifierFunc func(CompletionNotification)

// Notify implements Notifier.
func (f NotifierFunc) Notify(n CompletionNotification) { f(n) }
