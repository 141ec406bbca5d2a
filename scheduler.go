package mesosched

import (
	mesos "github.com/mesos/go-proto/mesos/v1"
	sched "github.com/mesos/go-proto/mesos/v1/scheduler"
)

// SchedulerInfo is the immutable snapshot of session identity passed to
// every user callback: the wire format in use, the master currently being
// talked to, the framework id once one has been assigned, and the
// Mesos-Stream-Id the current subscription answered with. A caller issuing
// its own non-SUBSCRIBE calls (ACCEPT, DECLINE, ...) against the same
// master needs StreamID on every request; sending those calls is itself
// outside this package's scope.
type SchedulerInfo struct {
	DataFormat  DataFormat
	MasterHost  string
	FrameworkID *mesos.FrameworkID
	StreamID    string
}

// Result is returned from every user callback. Continue carries the
// callback's (possibly updated) user state and keeps the session running;
// Stop terminates it with the reason passed to Stop.
type Result struct {
	stop  bool
	state interface{}
	err   error
}

// Continue returns a Result that keeps the session running with state as
// the new user state.
func Continue(state interface{}) Result {
	return Result{state: state}
}

// Stop returns a Result that terminates the session. reason may be nil, in
// which case ErrCallbackRequestedStop is used, except when returned from
// Scheduler.Error, where an *ErrorEventError carrying the master's message
// is used instead.
func Stop(state interface{}, reason error) Result {
	return Result{stop: true, state: state, err: reason}
}

// InitResult is returned by Scheduler.Init.
type InitResult struct {
	stop          bool
	frameworkInfo *mesos.FrameworkInfo
	force         bool
	state         interface{}
	err           error
}

// InitOk seeds the session with a framework descriptor, the force
// re-register flag, and an initial user state.
func InitOk(frameworkInfo *mesos.FrameworkInfo, force bool, state interface{}) InitResult {
	return InitResult{frameworkInfo: frameworkInfo, force: force, state: state}
}

// InitStop fails startup with reason.
func InitStop(reason error) InitResult {
	return InitResult{stop: true, err: reason}
}

// Scheduler is the capability set a library user implements to receive
// session lifecycle and event callbacks. Callbacks are invoked
// sequentially from the session's single driving goroutine; they must not
// block indefinitely and must treat user state as single-writer.
//
// ResourceOffers, StatusUpdate, and the other per-event-type callbacks are
// optional: embed BaseScheduler to get no-op defaults for whichever you
// don't need.
type Scheduler interface {
	// Init is called once at session startup with the caller-supplied
	// options and must produce the framework descriptor, the force
	// re-register flag, and an initial user state.
	Init(userOptions map[string]interface{}) InitResult

	// Registered is invoked after the first successful SUBSCRIBE response
	// assigns a framework id.
	Registered(info SchedulerInfo, subscribed *sched.Event_Subscribed, state interface{}) Result

	// Reregistered is invoked after a successful SUBSCRIBE response that
	// echoes an already-known framework id.
	Reregistered(info SchedulerInfo, state interface{}) Result

	// Disconnected is invoked when a previously subscribed session loses
	// its stream, before a resubscribe attempt is made.
	Disconnected(info SchedulerInfo, state interface{}) Result

	// Error is invoked on a master-reported error event.
	Error(info SchedulerInfo, message string, state interface{}) Result

	ResourceOffers(info SchedulerInfo, offers *sched.Event_Offers, state interface{}) Result
	OfferRescinded(info SchedulerInfo, rescind *sched.Event_Rescind, state interface{}) Result
	StatusUpdate(info SchedulerInfo, update *sched.Event_Update, state interface{}) Result
	FrameworkMessage(info SchedulerInfo, message *sched.Event_Message, state interface{}) Result
	ExecutorLost(info SchedulerInfo, failure *sched.Event_Failure, state interface{}) Result
}

// BaseScheduler implements every optional Scheduler callback as a no-op
// that continues the session without touching user state. Embed it and
// override only the callbacks you need.
type BaseScheduler struct{}

func (BaseScheduler) ResourceOffers(info SchedulerInfo, offers *sched.Event_Offers, state interface{}) Result {
	return Continue(state)
}

func (BaseScheduler) OfferRescinded(info SchedulerInfo, rescind *sched.Event_Rescind, state interface{}) Result {
	return Continue(state)
}

func (BaseScheduler) StatusUpdate(info SchedulerInfo, update *sched.Event_Update, state interface{}) Result {
	return Continue(state)
}

func (BaseScheduler) FrameworkMessage(info SchedulerInfo, message *sched.Event_Message, state interface{}) Result {
	return Continue(state)
}

func (BaseScheduler) ExecutorLost(info SchedulerInfo, failure *sched.Event_Failure, state interface{}) Result {
	return Continue(state)
}
