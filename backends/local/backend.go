// Package local provides an in-process Backend implementation: a
// channel-queued worker pool that executes envelopes with a
// caller-supplied execute function. It is the backend used by this
// package's end-to-end tests against the engine and by the CLI's demo mode.
package local

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hrygo/txndispatch/dispatch"
)

// ExecuteFunc runs one task and reports its outcome. It must not block
// indefinitely; Backend.Send itself never blocks regardless of how long
// ExecuteFunc takes, since it runs on the backend's own worker goroutines.
type ExecuteFunc func(task dispatch.Task) dispatch.CompletionNotification

// Backend is a bounded-queue, in-process dispatch.Backend. Envelopes are
// queued on a buffered channel and executed by a small worker pool;
// Send reports dispatch.ErrBackendDead once the queue is full or the
// backend has been closed, matching the non-blocking contract.
type Backend struct {
	key     dispatch.RoutingKey
	execute ExecuteFunc
	logger  *slog.Logger

	queue   chan dispatch.TaskEnvelope
	workers int

	// watchdog, if non-zero, synthesizes an Invalid completion for any
	// envelope still unanswered after this long; the opt-in guard
	// against a backend that accepts Send but never replies.
	watchdog time.Duration

	closeOnce sync.Once
	closed    chan struct{}
	workersWG sync.WaitGroup
}

// Option configures a Backend at construction time.
type Option func(*Backend)

// WithQueueDepth sets the buffered queue capacity. Default is 64.
func WithQueueDepth(n int) Option {
	return func(b *Backend) { b.queue = make(chan dispatch.TaskEnvelope, n) }
}

// WithWorkers sets how many goroutines concurrently drain the queue.
// Default is 1, which preserves FIFO execution order within the backend.
func WithWorkers(n int) Option { return func(b *Backend) { b.workers = n } }

// WithWatchdog enables a per-envelope watchdog: if ExecuteFunc (or
// whatever eventually calls Reply) has not replied within d, the backend
// synthesizes an Invalid completion itself so the adapter's reply-side
// worker is never blocked indefinitely. Disabled by default.
func WithWatchdog(d time.Duration) Option {
	return func(b *Backend) { b.watchdog = d }
}

// New creates a Backend claiming key, executing every accepted envelope
// with execute.
func New(key dispatch.RoutingKey, execute ExecuteFunc, logger *slog.Logger, opts ...Option) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Backend{
		key:     key,
		execute: execute,
		logger:  logger,
		queue:   make(chan dispatch.TaskEnvelope, 64),
		workers: 1,
		closed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	for i := 0; i < b.workers; i++ {
		b.workersWG.Add(1)
		go b.run()
	}
	return b
}

func (b *Backend) run() {
	defer b.workersWG.Done()
	for envelope := range b.queue {
		b.executeOne(envelope)
	}
}

func (b *Backend) executeOne(envelope dispatch.TaskEnvelope) {
	if b.watchdog <= 0 {
		envelope.Reply(b.execute(envelope.Task))
		return
	}

	result := make(chan dispatch.CompletionNotification, 1)
	go func() { result <- b.execute(envelope.Task) }()

	select {
	case n := <-result:
		envelope.Reply(n)
	case <-time.After(b.watchdog):
		b.logger.Warn("local backend: watchdog fired, synthesizing invalid completion",
			"routing_key", b.key.String(), "context_id", envelope.Task.ContextID)
		envelope.Reply(dispatch.CompletionNotification{
			ContextID:    envelope.Task.ContextID,
			Outcome:      dispatch.Invalid,
			ErrorMessage: "watchdog: backend did not reply in time",
		})
		// The ExecuteFunc goroutine's eventual send is still absorbed by
		// result's buffer of 1, so it never leaks blocked on a send.
	}
}

// Accepts implements dispatch.Backend.
func (b *Backend) Accepts(key dispatch.RoutingKey) bool { return key == b.key }

// Send implements dispatch.Backend. It never blocks: a full queue or a
// closed backend is reported as dispatch.ErrBackendDead.
func (b *Backend) Send(envelope dispatch.TaskEnvelope) error {
	select {
	case <-b.closed:
		return dispatch.ErrBackendDead
	default:
	}

	select {
	case b.queue <- envelope:
		return nil
	default:
		return dispatch.ErrBackendDead
	}
}

// Close implements dispatch.Backend.
func (b *Backend) Close() {
	b.closeOnce.Do(func() {
		close(b.closed)
		close(b.queue)
	})
}
