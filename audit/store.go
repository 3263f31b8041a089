// Package audit persists a record of every CompletionNotification a
// dispatch.Notifier forwards, for operational review; not for replay,
// which remains out of scope for the dispatch core itself.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hrygo/txndispatch/dispatch"
)

// CompletionRecord is the persisted shape of a dispatch.CompletionNotification.
type CompletionRecord struct {
	ContextID     uuid.UUID
	Outcome       dispatch.Outcome
	TransactionID string
	ErrorMessage  string
	ErrorData     []byte
	ObservedAt    time.Time
}

// Store persists completion records, keyed by the routing key whose
// backend produced them.
type Store interface {
	Record(ctx context.Context, key dispatch.RoutingKey, record CompletionRecord) error
}

// wrapped is the Notifier Wrap returns. It needs the routing key a
// notification belongs to, but dispatch.CompletionNotification itself
// carries no routing key; only the adapter that produced the envelope
// knows it, so Wrap requires the host
// application to supply one via WithRoutingKey, or falls back to the zero
// RoutingKey when the caller has no better answer (e.g. a shared notifier
// fed by adapters across many keys).
type wrapped struct {
	inner  dispatch.Notifier
	store  Store
	key    dispatch.RoutingKey
	clock  func() time.Time
	logger errorLogger
}

type errorLogger interface {
	Error(msg string, args ...any)
}

// WrapOption configures Wrap.
type WrapOption func(*wrapped)

// WithRoutingKey tags every record written by this Notifier with key. Use
// this when a single audited Notifier is dedicated to one routing key;
// omit it to record the zero RoutingKey for notifiers shared across keys.
func WithRoutingKey(key dispatch.RoutingKey) WrapOption {
	return func(w *wrapped) { w.key = key }
}

// WithErrorLogger reports Store.Record failures through logger instead of
// silently dropping them. Record failures never block or fail Notify
// itself; the dispatch core's completion-delivery guarantee must not
// depend on the audit sink being reachable.
func WithErrorLogger(logger errorLogger) WrapOption {
	return func(w *wrapped) { w.logger = logger }
}

// Wrap decorates inner with a side-effecting write to store for every
// notification it forwards. The write happens synchronously, on the same
// goroutine Notify is called from (an adapter's reply-side worker); a slow
// or failing store therefore throttles that one adapter's reply delivery
// but never the Dispatcher or any other adapter.
func Wrap(inner dispatch.Notifier, store Store, opts ...WrapOption) dispatch.Notifier {
	w := &wrapped{inner: inner, store: store, clock: time.Now}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *wrapped) Notify(n dispatch.CompletionNotification) {
	record := CompletionRecord{
		ContextID:     n.ContextID,
		Outcome:       n.Outcome,
		TransactionID: n.TransactionID,
		ErrorMessage:  n.ErrorMessage,
		ErrorData:     n.ErrorData,
		ObservedAt:    w.clock(),
	}
	if err := w.store.Record(context.Background(), w.key, record); err != nil && w.logger != nil {
		w.logger.Error("audit: failed to record completion", "context_id", n.ContextID, "error", err)
	}
	if w.inner != nil {
		w.inner.Notify(n)
	}
}
