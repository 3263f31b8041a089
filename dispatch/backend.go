package dispatch

import (
	"github.com/pkg/errors"
)

// ErrBackendDead is returned by Backend.Send when the backend cannot accept
// the envelope because its internal queue is full, or it has already been torn
// down. It must never be returned from a blocking call: Send must not
// block the Dispatcher.
var ErrBackendDead = errors.New("dispatch: backend is dead")

// Backend is the external execution handler contract. A backend claims
// responsibility for exactly the routing keys it accepts, and is
// responsible for eventually producing exactly one CompletionNotification
// per envelope it accepts on the envelope's reply sink.
type Backend interface {
	// Accepts reports whether this backend handles the given routing key.
	// Called only at registration time, never by the Dispatcher loop.
	Accepts(key RoutingKey) bool

	// Send hands an envelope to the backend. It must not block; if the
	// backend cannot accept more work it must return ErrBackendDead.
	Send(envelope TaskEnvelope) error

	// Close is called once, when Unregister removes this backend from the
	// Routing Registry. Envelopes already delivered remain the backend's
	// responsibility to complete.
	Close()
}

// RegisteredBackend pairs a Backend with the routing key it should be
// registered under at Engine construction time.
type RegisteredBackend struct {
	Key     RoutingKey
	Backend Backend
}

// ErrBackendRejectsKey is returned by Engine.Register when the backend's
// own Accepts reports it does not handle the requested routing key.
type ErrBackendRejectsKey struct {
	Key RoutingKey
}

func (e *ErrBackendRejectsKey) Error() string {
	return "dispatch: backend does not accept routing key " + e.Key.String()
}
