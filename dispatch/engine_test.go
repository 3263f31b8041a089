package dispatch_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/txndispatch/dispatch"
)

// fakeBackend is a minimal, directly-controllable dispatch.Backend for unit
// tests: it records every envelope it accepts and replies immediately with
// a caller-supplied outcome, unless holdReplies is set, in which case
// envelopes accumulate until release() is called.
type fakeBackend struct {
	key dispatch.RoutingKey

	mu       sync.Mutex
	received []dispatch.TaskEnvelope
	closed   bool
	dead     bool

	hold    bool
	pending []dispatch.TaskEnvelope
}

func newFakeBackend(key dispatch.RoutingKey) *fakeBackend {
	return &fakeBackend{key: key}
}

func (b *fakeBackend) Accepts(key dispatch.RoutingKey) bool { return key == b.key }

func (b *fakeBackend) Send(envelope dispatch.TaskEnvelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dead {
		return dispatch.ErrBackendDead
	}
	b.received = append(b.received, envelope)
	if b.hold {
		b.pending = append(b.pending, envelope)
		return nil
	}
	envelope.Reply(dispatch.CompletionNotification{ContextID: envelope.Task.ContextID, Outcome: dispatch.Valid})
	return nil
}

func (b *fakeBackend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

// releaseOne replies to the oldest held envelope, if any.
func (b *fakeBackend) releaseOne() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return false
	}
	e := b.pending[0]
	b.pending = b.pending[1:]
	e.Reply(dispatch.CompletionNotification{ContextID: e.Task.ContextID, Outcome: dispatch.Valid})
	return true
}

func (b *fakeBackend) receivedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.received)
}

// recordingNotifier collects every CompletionNotification delivered to it.
type recordingNotifier struct {
	mu  sync.Mutex
	got []dispatch.CompletionNotification
}

func (n *recordingNotifier) Notify(c dispatch.CompletionNotification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, c)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.got)
}

func (n *recordingNotifier) snapshot() []dispatch.CompletionNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]dispatch.CompletionNotification, len(n.got))
	copy(out, n.got)
	return out
}

// sliceStream adapts a fixed slice of Tasks into a dispatch.TaskStream.
type sliceStream struct {
	mu    sync.Mutex
	tasks []dispatch.Task
	i     int
}

func newSliceStream(tasks []dispatch.Task) *sliceStream {
	return &sliceStream{tasks: tasks}
}

func (s *sliceStream) Next() (dispatch.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.i >= len(s.tasks) {
		return dispatch.Task{}, false
	}
	t := s.tasks[s.i]
	s.i++
	return t, true
}

func makeTask(family, version string) dispatch.Task {
	return dispatch.Task{
		Transaction: dispatch.TransactionPair{
			Header: dispatch.TransactionHeader{FamilyName: family, FamilyVersion: version, Signature: uuid.NewString()},
		},
		ContextID: uuid.New(),
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

// TestEngine_SingleAdapterBothFamilies submits 20 tasks alternating
// between two registered families through one adapter and expects every
// task to complete with its own family's backend.
func TestEngine_SingleAdapterBothFamilies(t *testing.T) {
	keyA := dispatch.RoutingKey{Family: "test1", Version: "1.0"}
	keyB := dispatch.RoutingKey{Family: "test2", Version: "1.0"}
	backendA := newFakeBackend(keyA)
	backendB := newFakeBackend(keyB)

	engine := dispatch.New([]dispatch.RegisteredBackend{
		{Key: keyA, Backend: backendA},
		{Key: keyB, Backend: backendB},
	})
	require.NoError(t, engine.Start())
	defer engine.Stop()

	var tasks []dispatch.Task
	for i := 0; i < 20; i++ {
		if i%2 == 0 {
			tasks = append(tasks, makeTask("test1", "1.0"))
		} else {
			tasks = append(tasks, makeTask("test2", "1.0"))
		}
	}

	notifier := &recordingNotifier{}
	require.NoError(t, engine.Execute(context.Background(), newSliceStream(tasks), notifier))

	waitFor(t, time.Second, func() bool { return notifier.count() == 20 })
	assert.Equal(t, 20, notifier.count())
	assert.Equal(t, 10, backendA.receivedCount())
	assert.Equal(t, 10, backendB.receivedCount())
}

// TestEngine_TwoAdaptersNeverCrossDeliver runs two independent adapters
// concurrently against the same registered backends; neither notifier may
// receive a notification belonging to the other's tasks.
func TestEngine_TwoAdaptersNeverCrossDeliver(t *testing.T) {
	keyA := dispatch.RoutingKey{Family: "test1", Version: "1.0"}
	keyB := dispatch.RoutingKey{Family: "test2", Version: "1.0"}
	backendA := newFakeBackend(keyA)
	backendB := newFakeBackend(keyB)

	engine := dispatch.New([]dispatch.RegisteredBackend{
		{Key: keyA, Backend: backendA},
		{Key: keyB, Backend: backendB},
	})
	require.NoError(t, engine.Start())
	defer engine.Stop()

	buildTasks := func() []dispatch.Task {
		var tasks []dispatch.Task
		for i := 0; i < 20; i++ {
			if i%2 == 0 {
				tasks = append(tasks, makeTask("test1", "1.0"))
			} else {
				tasks = append(tasks, makeTask("test2", "1.0"))
			}
		}
		return tasks
	}

	n1 := &recordingNotifier{}
	n2 := &recordingNotifier{}
	require.NoError(t, engine.Execute(context.Background(), newSliceStream(buildTasks()), n1))
	require.NoError(t, engine.Execute(context.Background(), newSliceStream(buildTasks()), n2))

	waitFor(t, time.Second, func() bool { return n1.count() == 20 && n2.count() == 20 })
	assert.Equal(t, 20, n1.count())
	assert.Equal(t, 20, n2.count())

	ids1 := make(map[uuid.UUID]bool)
	for _, c := range n1.snapshot() {
		ids1[c.ContextID] = true
	}
	for _, c := range n2.snapshot() {
		assert.False(t, ids1[c.ContextID], "adapter 2 received a notification meant for adapter 1")
	}
}

// TestEngine_LateRegistrationDrainsWaitingSet: tasks submitted before any
// backend claims their routing key sit in the waiting set and are
// delivered, in submission order, once the backend registers.
func TestEngine_LateRegistrationDrainsWaitingSet(t *testing.T) {
	key := dispatch.RoutingKey{Family: "test1", Version: "1.0"}
	engine := dispatch.New(nil)
	require.NoError(t, engine.Start())
	defer engine.Stop()

	var tasks []dispatch.Task
	for i := 0; i < 20; i++ {
		tasks = append(tasks, makeTask("test1", "1.0"))
	}
	notifier := &recordingNotifier{}
	require.NoError(t, engine.Execute(context.Background(), newSliceStream(tasks), notifier))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, notifier.count(), "no backend registered yet, nothing should have been delivered")

	backend := newFakeBackend(key)
	handle := engine.RegistrationHandle()
	require.NoError(t, handle.Register(key, backend))

	waitFor(t, time.Second, func() bool { return notifier.count() == 20 })
	assert.Equal(t, 20, notifier.count())
	assert.Equal(t, 20, backend.receivedCount())

	for i := range tasks {
		assert.Equal(t,
			tasks[i].Transaction.Header.Signature, backend.received[i].Task.Transaction.Header.Signature,
			"parked envelopes must be delivered in submission order",
		)
	}
}

// TestEngine_UnregisterDoesNotReclaimInFlight: unregistering a backend
// does not reclaim envelopes already handed to it, and a task submitted
// for the now-unclaimed key parks in the waiting set.
func TestEngine_UnregisterDoesNotReclaimInFlight(t *testing.T) {
	key := dispatch.RoutingKey{Family: "test1", Version: "1.0"}
	backend := newFakeBackend(key)
	backend.hold = true

	engine := dispatch.New([]dispatch.RegisteredBackend{{Key: key, Backend: backend}})
	require.NoError(t, engine.Start())
	defer engine.Stop()

	var tasks []dispatch.Task
	for i := 0; i < 10; i++ {
		tasks = append(tasks, makeTask("test1", "1.0"))
	}
	notifier := &recordingNotifier{}
	require.NoError(t, engine.Execute(context.Background(), newSliceStream(tasks), notifier))

	waitFor(t, time.Second, func() bool { return backend.receivedCount() == 10 })

	for i := 0; i < 5; i++ {
		require.True(t, backend.releaseOne())
	}
	waitFor(t, time.Second, func() bool { return notifier.count() == 5 })

	handle := engine.RegistrationHandle()
	require.NoError(t, handle.Unregister(key))
	time.Sleep(20 * time.Millisecond)

	for i := 0; i < 5; i++ {
		require.True(t, backend.releaseOne())
	}
	waitFor(t, time.Second, func() bool { return notifier.count() == 10 })
	assert.Equal(t, 10, notifier.count())

	notifier2 := &recordingNotifier{}
	require.NoError(t, engine.Execute(context.Background(), newSliceStream([]dispatch.Task{makeTask("test1", "1.0")}), notifier2))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, notifier2.count(), "task submitted after unregister must wait for a new backend")

	snap, err := engine.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 1, snap.WaitingDepths[key])
}

// TestEngine_GracefulStopNoDuplicates: Stop never produces more
// notifications than were submitted, and never delivers duplicates.
func TestEngine_GracefulStopNoDuplicates(t *testing.T) {
	keyA := dispatch.RoutingKey{Family: "test1", Version: "1.0"}
	keyB := dispatch.RoutingKey{Family: "test2", Version: "1.0"}
	backendA := newFakeBackend(keyA)
	backendB := newFakeBackend(keyB)

	engine := dispatch.New([]dispatch.RegisteredBackend{
		{Key: keyA, Backend: backendA},
		{Key: keyB, Backend: backendB},
	})
	require.NoError(t, engine.Start())

	var tasks []dispatch.Task
	for i := 0; i < 20; i++ {
		if i%2 == 0 {
			tasks = append(tasks, makeTask("test1", "1.0"))
		} else {
			tasks = append(tasks, makeTask("test2", "1.0"))
		}
	}
	notifier := &recordingNotifier{}
	require.NoError(t, engine.Execute(context.Background(), newSliceStream(tasks), notifier))

	engine.Stop()

	assert.LessOrEqual(t, notifier.count(), 20)
	seen := make(map[uuid.UUID]bool)
	for _, c := range notifier.snapshot() {
		assert.False(t, seen[c.ContextID], "duplicate notification for context %s", c.ContextID)
		seen[c.ContextID] = true
	}
}

// TestEngine_ProducerStreamEnd: a finite stream of three tasks yields
// exactly three notifications. Eviction of the adapter from the engine's
// live-adapter map once its stream ends is checked by
// TestEngine_AdapterReapedAfterStreamEndsWithoutStop in internal_test.go.
func TestEngine_ProducerStreamEnd(t *testing.T) {
	key := dispatch.RoutingKey{Family: "test1", Version: "1.0"}
	backend := newFakeBackend(key)

	engine := dispatch.New([]dispatch.RegisteredBackend{{Key: key, Backend: backend}})
	require.NoError(t, engine.Start())
	defer engine.Stop()

	tasks := []dispatch.Task{makeTask("test1", "1.0"), makeTask("test1", "1.0"), makeTask("test1", "1.0")}
	notifier := &recordingNotifier{}
	require.NoError(t, engine.Execute(context.Background(), newSliceStream(tasks), notifier))

	waitFor(t, time.Second, func() bool { return notifier.count() == 3 })
	assert.Equal(t, 3, notifier.count())
}

func TestEngine_StartTwiceReturnsAlreadyStarted(t *testing.T) {
	engine := dispatch.New(nil)
	require.NoError(t, engine.Start())
	defer engine.Stop()
	assert.ErrorIs(t, engine.Start(), dispatch.ErrAlreadyStarted)
}

func TestEngine_ExecuteBeforeStartReturnsNotStarted(t *testing.T) {
	engine := dispatch.New(nil)
	err := engine.Execute(context.Background(), newSliceStream(nil), &recordingNotifier{})
	assert.ErrorIs(t, err, dispatch.ErrNotStarted)
}

func TestEngine_OperationsAfterStopReturnErrStopped(t *testing.T) {
	engine := dispatch.New(nil)
	require.NoError(t, engine.Start())
	engine.Stop()

	assert.ErrorIs(t, engine.Execute(context.Background(), newSliceStream(nil), &recordingNotifier{}), dispatch.ErrStopped)
	assert.ErrorIs(t, engine.RegistrationHandle().Register(dispatch.RoutingKey{Family: "x", Version: "1.0"}, newFakeBackend(dispatch.RoutingKey{})), dispatch.ErrStopped)
	_, err := engine.Snapshot()
	assert.ErrorIs(t, err, dispatch.ErrStopped)
}

func TestEngine_StopIsIdempotent(t *testing.T) {
	engine := dispatch.New(nil)
	require.NoError(t, engine.Start())
	engine.Stop()
	assert.NotPanics(t, func() { engine.Stop() })
}

func TestEngine_RegisterRejectsInvalidVersion(t *testing.T) {
	engine := dispatch.New(nil)
	require.NoError(t, engine.Start())
	defer engine.Stop()

	key := dispatch.RoutingKey{Family: "test1", Version: "not-a-version"}
	err := engine.RegistrationHandle().Register(key, newFakeBackend(key))
	var invalid *dispatch.ErrInvalidVersion
	assert.ErrorAs(t, err, &invalid)
}

func TestEngine_RegisterRejectsNonAcceptingBackend(t *testing.T) {
	engine := dispatch.New(nil)
	require.NoError(t, engine.Start())
	defer engine.Stop()

	backend := newFakeBackend(dispatch.RoutingKey{Family: "test1", Version: "1.0"})
	err := engine.RegistrationHandle().Register(dispatch.RoutingKey{Family: "test2", Version: "1.0"}, backend)
	var rejects *dispatch.ErrBackendRejectsKey
	assert.ErrorAs(t, err, &rejects)

	snap, snapErr := engine.Snapshot()
	require.NoError(t, snapErr)
	assert.Empty(t, snap.Registered)
}

func TestEngine_ExecuteRespectsAdmissionGate(t *testing.T) {
	engine := dispatch.New(nil, dispatch.WithMaxLiveAdapters(1))
	require.NoError(t, engine.Start())
	defer engine.Stop()

	blocking := make(chan struct{})
	stream := dispatch.TaskStreamFunc(func() (dispatch.Task, bool) {
		<-blocking
		return dispatch.Task{}, false
	})
	require.NoError(t, engine.Execute(context.Background(), stream, &recordingNotifier{}))

	err := engine.Execute(context.Background(), newSliceStream(nil), &recordingNotifier{})
	var unavailable *dispatch.ResourcesUnavailableError
	assert.ErrorAs(t, err, &unavailable)

	close(blocking)
}

func TestEngine_DeadBackendEnvelopeIsDiscardedNotLost(t *testing.T) {
	key := dispatch.RoutingKey{Family: "test1", Version: "1.0"}
	backend := newFakeBackend(key)
	backend.mu.Lock()
	backend.dead = true
	backend.mu.Unlock()

	engine := dispatch.New([]dispatch.RegisteredBackend{{Key: key, Backend: backend}})
	require.NoError(t, engine.Start())
	defer engine.Stop()

	notifier := &recordingNotifier{}
	require.NoError(t, engine.Execute(context.Background(), newSliceStream([]dispatch.Task{makeTask("test1", "1.0")}), notifier))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, notifier.count())

	snap, err := engine.Snapshot()
	require.NoError(t, err)
	assert.NotContains(t, snap.Registered, key, "dead backend must be evicted from the registry")
}
