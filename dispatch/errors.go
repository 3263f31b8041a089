package dispatch

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrNotStarted is returned by Execute when called before Start.
var ErrNotStarted = errors.New("dispatch: engine not started")

// ErrAlreadyStarted is returned by Start when called more than once.
var ErrAlreadyStarted = errors.New("dispatch: engine already started")

// ErrStopped is returned by any Engine operation invoked after Stop has
// been called.
var ErrStopped = errors.New("dispatch: engine stopped")

// ErrEnginePoisoned is returned by any Engine operation once the engine
// has observed a poisoning event, modeled here as a panic recovered while
// Stop tears down the live adapters. The engine does not attempt to
// recover; every subsequent call fails with this error.
var ErrEnginePoisoned = errors.New("dispatch: engine state poisoned, refusing further operations")

// errRegistrationThrottled is the cause wrapped into a
// ResourcesUnavailableError when the registration rate limiter rejects a
// Register/Unregister call.
var errRegistrationThrottled = errors.New("dispatch: registration rate limit exceeded")

// ResourcesUnavailableError is returned by Execute when the engine's
// admission gate refuses to start a new ingress adapter; modeling "the
// OS refused a worker thread" for a configurable ceiling on live adapters.
type ResourcesUnavailableError struct {
	Cause error
}

func (e *ResourcesUnavailableError) Error() string {
	return fmt.Sprintf("dispatch: resources unavailable: %v", e.Cause)
}

func (e *ResourcesUnavailableError) Unwrap() error { return e.Cause }
