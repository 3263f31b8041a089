package dispatch

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc/panics"
)

// ingressAdapter bridges one producer's TaskStream and Notifier into the
// Dispatcher's event stream, giving every in-flight task its own return
// path through a reply channel shared by all of this adapter's envelopes.
//
// Exactly two goroutines belong to an adapter: runProducer and
// runReplies. outstanding counts envelopes this adapter has created but
// not yet resolved (replied to, or discarded); awaitDrainAndClose uses it,
// together with producerDone, to know precisely when it is safe to close
// replyCh without racing a backend's in-flight Reply.
type ingressAdapter struct {
	id           int
	logger       *slog.Logger
	cancel       atomic.Bool
	events       chan<- dispatcherEvent
	notifier     Notifier
	stream       TaskStream
	replyCh      chan CompletionNotification
	outstanding  sync.WaitGroup
	producerDone chan struct{}
	repliesDone  chan struct{}
	done         func(id int)
	reapOnce     sync.Once
}

func newIngressAdapter(id int, stream TaskStream, notifier Notifier, events chan<- dispatcherEvent, logger *slog.Logger, done func(int)) *ingressAdapter {
	return &ingressAdapter{
		id:           id,
		logger:       logger,
		events:       events,
		notifier:     notifier,
		stream:       stream,
		replyCh:      make(chan CompletionNotification, 16),
		producerDone: make(chan struct{}),
		repliesDone:  make(chan struct{}),
		done:         done,
	}
}

// requestCancel sets the adapter's cancellation flag. It stops new task
// ingestion after the current pull but does not interrupt in-flight work.
func (a *ingressAdapter) requestCancel() {
	a.cancel.Store(true)
}

// start spawns the two adapter workers. It must be called exactly once.
func (a *ingressAdapter) start() {
	go a.runProducer()
	go a.runReplies()
}

// runProducer pulls tasks from the stream and forwards them to the
// Dispatcher as taskEvents, one shared reply-channel sink per envelope. It
// exits when the stream is exhausted or cancellation is requested,
// closing producerDone in either case. producerDone only signals that no
// more envelopes will be created, not that outstanding ones have resolved.
// The panic recovery below covers a closed event channel mid-send, which
// can only happen if a caller tears the engine down outside the documented
// Stop sequence.
func (a *ingressAdapter) runProducer() {
	defer close(a.producerDone)

	var c panics.Catcher
	c.Try(func() {
		for {
			if a.cancel.Load() {
				a.logger.Debug("ingress: cancellation observed, stopping producer", "adapter_id", a.id)
				return
			}

			task, ok := a.stream.Next()
			if !ok {
				a.logger.Debug("ingress: producer stream exhausted", "adapter_id", a.id)
				return
			}

			a.outstanding.Add(1)
			envelope := TaskEnvelope{
				Task: task,
				sink: replySink{out: a.replyCh, outstanding: &a.outstanding},
			}
			a.events <- taskEvent{envelope: envelope}
		}
	})
	if recovered := c.Recovered(); recovered != nil {
		a.logger.Warn("ingress: producer terminated, dispatcher event channel closed", "adapter_id", a.id, "panic", recovered.AsError())
	}
}

// runReplies drains CompletionNotifications and forwards each to the
// notifier, until replyCh closes. Closing replyCh is the Engine's
// responsibility (see Engine.Stop): it waits for producerDone, then for
// outstanding to reach zero, only then closes the channel, so this loop
// never competes with an in-flight backend send.
func (a *ingressAdapter) runReplies() {
	defer close(a.repliesDone)
	defer a.done(a.id)

	for n := range a.replyCh {
		a.notifyOne(n)
	}
}

func (a *ingressAdapter) notifyOne(n CompletionNotification) {
	if a.notifier == nil {
		return
	}
	var c panics.Catcher
	c.Try(func() { a.notifier.Notify(n) })
	if recovered := c.Recovered(); recovered != nil {
		a.logger.Error("ingress: notifier panicked, recovered", "adapter_id", a.id, "panic", recovered.AsError())
	}
}

// awaitDrainAndClose blocks until every envelope this adapter ever created
// has resolved, then closes replyCh. It is called both independently, by
// Execute's reaper goroutine once a producer stream ends naturally, and by
// Engine.Stop for whatever adapters are still live at shutdown; reapOnce
// ensures the close/evict sequence runs exactly once no matter which
// caller gets there first, and the other caller simply blocks until that
// single run completes. An envelope of this adapter still parked in the
// waiting set keeps the wait open until a backend registers for its key
// or the Dispatcher's shutdown event discards it.
func (a *ingressAdapter) awaitDrainAndClose() {
	a.reapOnce.Do(func() {
		<-a.producerDone
		a.outstanding.Wait()
		close(a.replyCh)
		<-a.repliesDone
	})
}
