package mesosched

import (
	"context"

	"github.com/gorilla001/mesosched/transport"
)

// Driver is the handle returned by Start: a running session and the means
// to wait for, or force, its termination.
type Driver struct {
	session *session
	cancel  context.CancelFunc
}

// Start validates options, asks scheduler to initialize, and opens the
// first subscribe stream to the first master in master_hosts whose POST
// the adapter accepts. Whether that master answers is only learned from
// the stream's fragments. Start returns once that much has happened; the rest of the session's life
// (heartbeats, redirects, resubscribes, event dispatch) runs on a
// goroutine this function spawns.
func Start(scheduler Scheduler, userOptions map[string]interface{}, sessionOptions map[string]interface{}) (*Driver, error) {
	cfg, err := ValidateOptions(sessionOptions)
	if err != nil {
		return nil, err
	}

	init := scheduler.Init(userOptions)
	if init.stop {
		reason := init.err
		if reason == nil {
			reason = ErrCallbackRequestedStop
		}
		return nil, &ShutdownError{Reason: reason}
	}

	return startWithAdapter(cfg, transport.NewHTTPAdapter(), scheduler, init)
}

// startWithAdapter is the seam tests use to substitute a fake transport.Adapter.
func startWithAdapter(cfg *Config, adapter transport.Adapter, scheduler Scheduler, init InitResult) (*Driver, error) {
	sess := newSession(cfg, adapter, scheduler, init.frameworkInfo, init.force, init.state)

	if err := sess.subscribe(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	go sess.run(ctx)

	return &Driver{session: sess, cancel: cancel}, nil
}

// Stop requests an orderly shutdown: the active stream is closed, timers
// are cancelled, and Done closes once the session's goroutine has
// returned. Stop is safe to call more than once.
func (d *Driver) Stop() {
	d.cancel()
}

// Done closes once the session has terminated for any reason.
func (d *Driver) Done() <-chan struct{} {
	return d.session.doneCh
}

// Err returns the session's shutdown reason. It is only meaningful after
// Done has closed.
func (d *Driver) Err() error {
	return d.session.err
}
