package mesosched

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel shutdown reasons. Compare with errors.Is.
var (
	// ErrMaxAttemptsExceeded is the shutdown reason when num_resubscribe
	// exceeds max_num_resubscribe.
	ErrMaxAttemptsExceeded = errors.New("subscribe: max resubscribe attempts exceeded")

	// ErrCallbackRequestedStop is the shutdown reason when a user callback
	// returns Stop.
	ErrCallbackRequestedStop = errors.New("scheduler callback requested stop")

	// ErrNoHosts reports that master_hosts_queue ran out before any
	// candidate master accepted the subscribe POST. Start returns it as is
	// when this happens at startup; a running session shuts down with it
	// as the ShutdownError reason.
	ErrNoHosts = errors.New("subscribe: no reachable master host")
)

// BadOptionError reports the first invalid configuration option
// encountered by ValidateOptions, naming the option and the offending value.
type BadOptionError struct {
	Option string
	Value  interface{}
}

func (e *BadOptionError) Error() string {
	return fmt.Sprintf("bad option %q: %v", e.Option, e.Value)
}

// BadOptionsError wraps a decoding failure that happened before any
// individual option could be validated (e.g. the raw map did not decode
// into the staging struct at all).
type BadOptionsError struct {
	Reason error
}

func (e *BadOptionsError) Error() string {
	return fmt.Sprintf("bad options: %v", e.Reason)
}

func (e *BadOptionsError) Unwrap() error { return e.Reason }

// ShutdownError is the terminal error returned from a session's run loop.
// Reason is one of the sentinel errors above, the error value returned by
// a user callback's Stop result, an *ErrorEventError, or the context error
// when Driver.Stop ended the session. An *HTTPResponseError only drives a
// resubscribe and never becomes a Reason.
type ShutdownError struct {
	Reason error
}

func (e *ShutdownError) Error() string {
	return fmt.Sprintf("shutdown: %v", e.Reason)
}

func (e *ShutdownError) Unwrap() error { return e.Reason }

// HTTPResponseError is surfaced to the resubscribe path when the master
// answers with a status code other than 200, 307, or 503.
type HTTPResponseError struct {
	Status int
	Body   []byte
}

func (e *HTTPResponseError) Error() string {
	return fmt.Sprintf("unexpected http response: %d: %s", e.Status, string(e.Body))
}

// ErrorEventError is the shutdown reason used when Scheduler.Error stops
// the session without supplying its own reason, preserving the master's
// reported message instead of collapsing to the generic
// ErrCallbackRequestedStop.
type ErrorEventError struct {
	Message string
}

func (e *ErrorEventError) Error() string {
	return fmt.Sprintf("master reported error: %s", e.Message)
}
