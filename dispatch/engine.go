package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

type lifecyclePhase int

const (
	phaseUnstarted lifecyclePhase = iota
	phaseRunning
	phaseStopped
)

// EngineOption configures an Engine at construction time.
type EngineOption func(*Engine)

// WithLogger overrides the engine's *slog.Logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithMaxLiveAdapters bounds how many ingress adapters may be live at
// once. Execute beyond this ceiling returns ResourcesUnavailableError,
// modeling an OS that refuses to hand out another worker thread. Zero
// (the default) means unbounded.
func WithMaxLiveAdapters(n int64) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.admission = semaphore.NewWeighted(n)
		}
	}
}

// WithRegistrationRateLimit throttles calls made through the
// RegistrationHandle, guarding against register/unregister storms.
func WithRegistrationRateLimit(r rate.Limit, burst int) EngineOption {
	return func(e *Engine) { e.regLimiter = rate.NewLimiter(r, burst) }
}

// WithMetrics installs a Metrics sink the engine and dispatcher report
// routing activity to. Omit for no instrumentation.
func WithMetrics(metrics Metrics) EngineOption {
	return func(e *Engine) { e.metrics = metrics }
}

// Engine is the public façade over the dispatch core: lifecycle control,
// the Execute entry point schedulers use to submit a task stream, and the
// registration handle backends use to claim routing keys.
type Engine struct {
	logger     *slog.Logger
	admission  *semaphore.Weighted
	regLimiter *rate.Limiter
	metrics    Metrics

	initial []RegisteredBackend

	mu       sync.Mutex
	phase    lifecyclePhase
	poisoned bool
	adapters map[int]*ingressAdapter

	dispatcher *dispatcher
}

// New constructs an Engine. Any backends supplied here are registered
// automatically once Start completes.
func New(initialBackends []RegisteredBackend, opts ...EngineOption) *Engine {
	e := &Engine{
		logger:   slog.Default(),
		initial:  initialBackends,
		adapters: make(map[int]*ingressAdapter),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start spawns the Dispatcher worker and transitions the engine to
// Running. Calling Start twice returns ErrAlreadyStarted.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.phase != phaseUnstarted {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.phase = phaseRunning
	e.dispatcher = newDispatcher(e.logger, e.metrics)
	e.mu.Unlock()

	go e.dispatcher.run()

	for _, rb := range e.initial {
		if rb.Backend == nil || !rb.Backend.Accepts(rb.Key) {
			e.logger.Warn("engine: initial backend rejects its routing key, skipping", "routing_key", rb.Key.String())
			continue
		}
		e.registerLocked(rb.Key, rb.Backend)
	}
	e.logger.Debug("engine: started", "initial_backends", len(e.initial))
	return nil
}

// Execute creates and starts a new ingress adapter bridging producerStream
// into the dispatch core, with notifier receiving completion
// notifications. It returns ErrNotStarted before Start, ErrStopped after
// Stop, and ResourcesUnavailableError if the admission gate refuses a new
// adapter.
func (e *Engine) Execute(ctx context.Context, producerStream TaskStream, notifier Notifier) error {
	e.mu.Lock()
	if err := e.precondition(); err != nil {
		e.mu.Unlock()
		return err
	}

	if e.admission != nil && !e.admission.TryAcquire(1) {
		e.mu.Unlock()
		return &ResourcesUnavailableError{Cause: context.DeadlineExceeded}
	}

	id := e.nextAdapterIDLocked()
	adapter := newIngressAdapter(id, producerStream, notifier, e.dispatcher.events, e.logger, e.adapterDone)
	e.adapters[id] = adapter
	live := len(e.adapters)
	e.mu.Unlock()

	adapter.start()
	e.reportLiveAdapters(live)
	e.logger.Debug("engine: adapter started", "adapter_id", id)

	// Bridge external cancellation into the adapter's cooperative flag.
	// This does not interrupt a pull already blocked in producerStream.Next
	// (per the concurrency model, the producer-side worker blocks only on
	// its stream); it only stops the adapter from pulling again afterward.
	go func() {
		select {
		case <-ctx.Done():
			adapter.requestCancel()
		case <-adapter.producerDone:
		}
	}()

	// Reap this adapter as soon as its stream ends and its in-flight
	// envelopes resolve, independent of Engine.Stop: a producer stream can
	// end while the engine keeps running, and nothing else would close
	// replyCh, evict the adapter from the live-adapter map, or release its
	// admission-gate slot in that case. awaitDrainAndClose's reapOnce
	// makes this safe to race against Stop's own call to the same method.
	go func() {
		adapter.awaitDrainAndClose()
	}()
	return nil
}

func (e *Engine) nextAdapterIDLocked() int {
	highest := -1
	for id := range e.adapters {
		if id > highest {
			highest = id
		}
	}
	return highest + 1
}

// adapterDone is invoked by an adapter's reply-side worker once it has
// fully exited, evicting it from the live-adapter map.
func (e *Engine) adapterDone(id int) {
	e.mu.Lock()
	delete(e.adapters, id)
	live := len(e.adapters)
	if e.admission != nil {
		e.admission.Release(1)
	}
	e.mu.Unlock()
	e.reportLiveAdapters(live)
	e.logger.Debug("engine: adapter terminated", "adapter_id", id)
}

// reportLiveAdapters forwards the current live-adapter count to the
// configured Metrics sink, if any.
func (e *Engine) reportLiveAdapters(n int) {
	if e.metrics != nil {
		e.metrics.LiveAdapters(n)
	}
}

// RegistrationHandle returns the handle backend owners use to claim or
// release routing keys. Calls are enqueued as Dispatcher events; they do
// not block waiting for the registry to update.
func (e *Engine) RegistrationHandle() *RegistrationHandle {
	return &RegistrationHandle{engine: e}
}

// Register claims key for backend, replacing any backend currently
// registered for it. Register enqueues a Dispatcher event and returns
// immediately; it does not block waiting for the registry to be updated.
func (e *Engine) Register(key RoutingKey, backend Backend) error {
	if err := ValidateVersion(key.Version); err != nil {
		return err
	}
	if err := e.rateLimit(); err != nil {
		return err
	}
	e.mu.Lock()
	if err := e.precondition(); err != nil {
		e.mu.Unlock()
		return err
	}
	e.mu.Unlock()

	if !backend.Accepts(key) {
		return &ErrBackendRejectsKey{Key: key}
	}
	e.registerLocked(key, backend)
	return nil
}

// registerLocked enqueues the register event without holding e.mu, which
// would otherwise serialize with the Dispatcher goroutine unnecessarily.
func (e *Engine) registerLocked(key RoutingKey, backend Backend) {
	e.dispatcher.events <- registerEvent{key: key, backend: backend}
}

// Unregister releases key, if currently claimed, and closes its backend.
// Like Register, it enqueues a Dispatcher event and returns immediately.
func (e *Engine) Unregister(key RoutingKey) error {
	if err := e.rateLimit(); err != nil {
		return err
	}
	e.mu.Lock()
	if err := e.precondition(); err != nil {
		e.mu.Unlock()
		return err
	}
	e.mu.Unlock()

	e.dispatcher.events <- unregisterEvent{key: key}
	return nil
}

// Snapshot returns a point-in-time view of the routing registry and
// waiting set, computed entirely on the Dispatcher goroutine.
func (e *Engine) Snapshot() (RegistrySnapshot, error) {
	e.mu.Lock()
	if err := e.precondition(); err != nil {
		e.mu.Unlock()
		return RegistrySnapshot{}, err
	}
	e.mu.Unlock()

	reply := make(chan RegistrySnapshot, 1)
	e.dispatcher.events <- snapshotEvent{reply: reply}
	return <-reply, nil
}

func (e *Engine) rateLimit() error {
	if e.regLimiter == nil {
		return nil
	}
	if !e.regLimiter.Allow() {
		return &ResourcesUnavailableError{Cause: errRegistrationThrottled}
	}
	return nil
}

// precondition must be called with e.mu held. It returns the terminal
// error for the engine's current phase, if any.
func (e *Engine) precondition() error {
	if e.poisoned {
		return ErrEnginePoisoned
	}
	switch e.phase {
	case phaseUnstarted:
		return ErrNotStarted
	case phaseStopped:
		return ErrStopped
	default:
		return nil
	}
}

// Stop consumes the Engine: it cancels every live adapter, waits for
// their producer-side workers to stop pulling, shuts down the Dispatcher
// (dropping any still-parked envelopes), then waits for every adapter's
// outstanding envelopes to resolve and its reply-side worker to exit.
// After Stop returns, no worker goroutine owned by the engine remains
// runnable.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.phase != phaseRunning {
		e.mu.Unlock()
		return
	}
	e.phase = phaseStopped
	adapters := make([]*ingressAdapter, 0, len(e.adapters))
	for _, a := range e.adapters {
		adapters = append(adapters, a)
	}
	e.mu.Unlock()

	func() {
		defer e.recoverPoison("cancel")
		for _, a := range adapters {
			a.requestCancel()
		}

		var g errgroup.Group
		for _, a := range adapters {
			a := a
			g.Go(func() error {
				<-a.producerDone
				return nil
			})
		}
		_ = g.Wait()
	}()

	done := make(chan struct{})
	e.dispatcher.events <- shutdownEvent{done: done}
	<-done

	func() {
		defer e.recoverPoison("drain")
		var g errgroup.Group
		for _, a := range adapters {
			a := a
			g.Go(func() error {
				a.awaitDrainAndClose()
				return nil
			})
		}
		_ = g.Wait()
	}()

	e.logger.Debug("engine: stopped")
}

// recoverPoison converts a panic encountered while tearing down adapters
// into a permanent, logged fault: every subsequent Engine call fails with
// ErrEnginePoisoned instead of leaving the engine in an inconsistent
// state.
func (e *Engine) recoverPoison(stage string) {
	if r := recover(); r != nil {
		e.mu.Lock()
		e.poisoned = true
		e.mu.Unlock()
		e.logger.Error("engine: poisoned during stop, refusing further operations", "stage", stage, "panic", r)
	}
}

// RegistrationHandle is the façade backend owners use to claim or release
// routing keys without ever touching the Dispatcher's internal maps.
type RegistrationHandle struct {
	engine *Engine
}

// Register claims key for backend.
func (h *RegistrationHandle) Register(key RoutingKey, backend Backend) error {
	return h.engine.Register(key, backend)
}

// Unregister releases key.
func (h *RegistrationHandle) Unregister(key RoutingKey) error {
	return h.engine.Unregister(key)
}
