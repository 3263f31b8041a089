package dispatch

import (
	"log/slog"

	"github.com/sourcegraph/conc/panics"
)

// dispatcherEvent is the closed set of events the Dispatcher loop
// understands. They are constructed only inside this package (by the
// Engine and the ingress adapters) and consumed only by the Dispatcher loop.
type dispatcherEvent interface{ isDispatcherEvent() }

type taskEvent struct{ envelope TaskEnvelope }

func (taskEvent) isDispatcherEvent() {}

type registerEvent struct {
	key     RoutingKey
	backend Backend
}

func (registerEvent) isDispatcherEvent() {}

type unregisterEvent struct {
	key RoutingKey
}

func (unregisterEvent) isDispatcherEvent() {}

// RegistrySnapshot is a point-in-time, Dispatcher-computed view of the
// routing registry and waiting set, used by the admin surface for
// inspection. It never reads the live maps directly.
type RegistrySnapshot struct {
	Registered    []RoutingKey
	WaitingDepths map[RoutingKey]int
}

type snapshotEvent struct{ reply chan<- RegistrySnapshot }

func (snapshotEvent) isDispatcherEvent() {}

type shutdownEvent struct{ done chan<- struct{} }

func (shutdownEvent) isDispatcherEvent() {}

// dispatcher is the single long-lived worker that owns the routing
// registry and waiting set. All mutation of those structures happens only
// on this goroutine, in response to events arriving on events.
type dispatcher struct {
	events   chan dispatcherEvent
	logger   *slog.Logger
	metrics  Metrics
	registry *routingRegistry
	waiting  *waitingSet
	stopped  chan struct{}
}

func newDispatcher(logger *slog.Logger, metrics Metrics) *dispatcher {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &dispatcher{
		events:   make(chan dispatcherEvent, 256),
		logger:   logger,
		metrics:  metrics,
		registry: newRoutingRegistry(),
		waiting:  newWaitingSet(),
		stopped:  make(chan struct{}),
	}
}

// run is the event loop. It must be started in its own goroutine exactly
// once and exits only on a shutdownEvent.
func (d *dispatcher) run() {
	defer close(d.stopped)
	for ev := range d.events {
		switch e := ev.(type) {
		case taskEvent:
			d.handleTask(e.envelope)
		case registerEvent:
			d.handleRegister(e.key, e.backend)
		case unregisterEvent:
			d.handleUnregister(e.key)
		case snapshotEvent:
			e.reply <- d.handleSnapshot()
		case shutdownEvent:
			d.handleShutdown()
			if e.done != nil {
				close(e.done)
			}
			return
		default:
			d.logger.Warn("dispatcher: unknown event type dropped")
		}
	}
}

func (d *dispatcher) handleTask(envelope TaskEnvelope) {
	key := envelope.RoutingKey()
	backend, ok := d.registry.lookup(key)
	if !ok {
		d.waiting.park(key, envelope)
		d.metrics.TaskParked(key)
		d.logger.Debug("dispatcher: parked task, no backend registered", "routing_key", key.String())
		return
	}
	d.deliver(key, backend, envelope)
}

// deliver hands envelope to backend, treating a dead backend as the
// signal to evict it from the registry and re-park the key (but not the
// envelope itself, which is lost to its reply sink closing).
func (d *dispatcher) deliver(key RoutingKey, backend Backend, envelope TaskEnvelope) {
	var c panics.Catcher
	var err error
	c.Try(func() { err = backend.Send(envelope) })
	if recovered := c.Recovered(); recovered != nil {
		d.logger.Warn("dispatcher: backend panicked in Send, treating as dead", "routing_key", key.String(), "panic", recovered.AsError())
		err = ErrBackendDead
	}
	if err != nil {
		d.logger.Warn("dispatcher: backend dead, evicting and re-parking key", "routing_key", key.String(), "error", err)
		d.registry.removeIfCurrent(key, backend)
		d.metrics.BackendDied(key)
		envelope.discard()
		return
	}
	d.metrics.TaskRouted(key)
	d.logger.Debug("dispatcher: delivered task", "routing_key", key.String())
}

func (d *dispatcher) handleRegister(key RoutingKey, backend Backend) {
	_, replaced := d.registry.put(key, backend)
	if replaced {
		d.logger.Debug("dispatcher: register replaced existing backend", "routing_key", key.String())
	} else {
		d.logger.Debug("dispatcher: register", "routing_key", key.String())
	}

	for _, envelope := range d.waiting.drain(key) {
		d.deliver(key, backend, envelope)
	}
}

func (d *dispatcher) handleUnregister(key RoutingKey) {
	backend, existed := d.registry.remove(key)
	if !existed {
		return
	}
	d.logger.Debug("dispatcher: unregister", "routing_key", key.String())

	var c panics.Catcher
	c.Try(backend.Close)
	if recovered := c.Recovered(); recovered != nil {
		d.logger.Warn("dispatcher: backend panicked in Close", "routing_key", key.String(), "panic", recovered.AsError())
	}
}

func (d *dispatcher) handleSnapshot() RegistrySnapshot {
	return RegistrySnapshot{
		Registered:    d.registry.snapshotKeys(),
		WaitingDepths: d.waiting.snapshotDepths(),
	}
}

func (d *dispatcher) handleShutdown() {
	dropped := d.waiting.drainAll()
	for _, envelope := range dropped {
		envelope.discard()
	}
	if len(dropped) > 0 {
		d.logger.Debug("dispatcher: dropped parked tasks on shutdown", "count", len(dropped))
	}
	d.logger.Debug("dispatcher: shutdown complete")
}
