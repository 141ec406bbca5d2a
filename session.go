package mesosched

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	mesos "github.com/mesos/go-proto/mesos/v1"
	sched "github.com/mesos/go-proto/mesos/v1/scheduler"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/gorilla001/mesosched/codec"
	"github.com/gorilla001/mesosched/transport"
)

// subscribeState is the fragment-lifecycle position within the current
// stream. It only ever advances forward within one stream; a new stream
// always starts back at awaitingStatus.
type subscribeState int

const (
	awaitingStatus subscribeState = iota
	awaitingHeaders
	awaitingBody
	subscribedState
)

// maxCollectedBodyBytes bounds how much of a non-2xx/307/503 response body
// handleBody will buffer into collectingBody. The body arrives through the
// same pulled fragments as any other stream; without a cap, a master (or
// anything in front of it) returning an unbounded or slow-trickling error
// body would grow collectingBody without limit. Bytes
// past the cap are discarded, not buffered; the stream is still drained to
// its terminal fragment so resubscribe proceeds normally.
const maxCollectedBodyBytes = 64 * 1024

// session is the single-threaded cooperative actor that drives the
// subscribe state machine: exactly one goroutine (run) ever touches its
// fields after construction.
type session struct {
	cfg       *Config
	format    codec.Format
	adapter   transport.Adapter
	scheduler Scheduler

	state interface{}

	frameworkInfo *mesos.FrameworkInfo
	force         bool
	frameworkID   *mesos.FrameworkID

	masterHostsQueue []string
	masterHost       string

	client  transport.StreamHandle
	decoder *codec.Decoder

	subscribeState subscribeState
	pendingStatus  int
	streamID       string
	collectingBody []byte // non-nil while gathering a non-2xx/307/503 body

	numRedirect    int
	numResubscribe int

	heartbeatIntervalMs int
	heartbeatTimer      *time.Timer
	resubscribeTimer    *time.Timer

	doneCh chan struct{}
	err    error
}

func newSession(cfg *Config, adapter transport.Adapter, scheduler Scheduler, frameworkInfo *mesos.FrameworkInfo, force bool, state interface{}) *session {
	s := &session{
		cfg:           cfg,
		format:        codec.Format(cfg.DataFormat),
		adapter:       adapter,
		scheduler:     scheduler,
		state:         state,
		frameworkInfo: frameworkInfo,
		force:         force,
		doneCh:        make(chan struct{}),
	}
	s.refillQueue()
	return s
}

func (s *session) refillQueue() {
	s.masterHostsQueue = append([]string(nil), s.cfg.MasterHosts...)
}

func (s *session) info() SchedulerInfo {
	return SchedulerInfo{
		DataFormat:  s.cfg.DataFormat,
		MasterHost:  s.masterHost,
		FrameworkID: s.frameworkID,
		StreamID:    s.streamID,
	}
}

// subscribe pops candidates off masterHostsQueue, issuing an async POST to
// each until one is accepted by the adapter or the queue is exhausted.
func (s *session) subscribe() error {
	for len(s.masterHostsQueue) > 0 {
		host := s.masterHostsQueue[0]
		s.masterHostsQueue = s.masterHostsQueue[1:]

		handle, err := s.postSubscribe(host)
		if err != nil {
			log.WithError(err).WithField("master", host).Warn("mesosched: subscribe post failed, trying next master")
			continue
		}

		s.client = handle
		s.masterHost = host
		s.decoder = codec.NewDecoder(s.format, nil)
		s.subscribeState = awaitingStatus
		s.pendingStatus = 0
		s.streamID = ""
		s.collectingBody = nil
		return nil
	}

	return ErrNoHosts
}

func (s *session) postSubscribe(host string) (transport.StreamHandle, error) {
	call := s.buildSubscribeCall()
	body, err := codec.Encode(s.format, call)
	if err != nil {
		return nil, errors.Wrap(err, "encode subscribe call")
	}

	reqURL := fmt.Sprintf("http://%s/api/v1/scheduler", host)
	headers := map[string]string{
		"Content-Type": s.format.ContentType(),
		"Accept":       s.format.ContentType(),
		"Connection":   "close",
	}

	opts := transport.Options{
		Async:             "once",
		RecvTimeout:       "infinite",
		FollowingRedirect: false,
		Extra:             s.cfg.SubscribeReqOptions,
	}

	return s.adapter.AsyncPost(reqURL, headers, body, opts)
}

// buildSubscribeCall assembles the wire SUBSCRIBE call. s.force is
// intentionally not referenced here: the real v1 sched.Call_Subscribe
// message carries only FrameworkInfo, with no force/failover field on the
// wire at all. See DESIGN.md's "Known gap: the force re-register flag has
// no wire representation" for why.
func (s *session) buildSubscribeCall() *sched.Call {
	fw := s.frameworkInfo
	if s.frameworkID != nil {
		fw = cloneFrameworkInfoWithID(s.frameworkInfo, s.frameworkID)
	}

	return &sched.Call{
		Type: sched.Call_SUBSCRIBE.Enum(),
		Subscribe: &sched.Call_Subscribe{
			FrameworkInfo: fw,
		},
		FrameworkId: s.frameworkID,
	}
}

func cloneFrameworkInfoWithID(fw *mesos.FrameworkInfo, id *mesos.FrameworkID) *mesos.FrameworkInfo {
	clone := new(mesos.FrameworkInfo)
	*clone = *fw
	clone.Id = id
	return clone
}

// run is the session's single driving goroutine: it owns every field touch
// after construction and returns once the session has shut down.
func (s *session) run(ctx context.Context) {
	defer close(s.doneCh)

	for {
		var fragCh <-chan transport.Fragment
		var downCh <-chan error
		var hbC <-chan time.Time
		var rsC <-chan time.Time

		if s.client != nil {
			fragCh = s.client.Fragments()
			downCh = s.client.Down()
		}
		if s.heartbeatTimer != nil {
			hbC = s.heartbeatTimer.C
		}
		if s.resubscribeTimer != nil {
			rsC = s.resubscribeTimer.C
		}

		select {
		case <-ctx.Done():
			s.shutdown(ctx.Err())
			return

		case frag := <-fragCh:
			if s.handleFragment(frag) {
				return
			}

		case err := <-downCh:
			log.WithError(err).Warn("mesosched: stream reported down")
			if s.resubscribe(err) {
				return
			}

		case <-hbC:
			log.Warn("mesosched: heartbeat watchdog expired")
			s.heartbeatTimer = nil
			if s.resubscribe(nil) {
				return
			}

		case <-rsC:
			s.resubscribeTimer = nil
			if err := s.subscribe(); err != nil {
				s.shutdown(err)
				return
			}
		}
	}
}

// handleFragment advances the subscribe state machine for one fragment. It
// returns true if the session has shut down.
func (s *session) handleFragment(frag transport.Fragment) bool {
	switch frag.Kind {
	case transport.FragmentStatus:
		return s.handleStatus(frag)
	case transport.FragmentHeaders:
		return s.handleHeaders(frag)
	case transport.FragmentBody:
		return s.handleBody(frag)
	case transport.FragmentDone:
		return s.resubscribe(s.terminalReason(nil))
	case transport.FragmentError:
		return s.resubscribe(s.terminalReason(frag.Err))
	default:
		return false
	}
}

func (s *session) handleStatus(frag transport.Fragment) bool {
	if s.subscribeState != awaitingStatus {
		return false
	}

	// 503 ("no leader") is decided on the status line alone; no need to
	// wait for headers or a body before abandoning this stream.
	if frag.Status == http.StatusServiceUnavailable {
		s.closeClient()
		if err := s.subscribe(); err != nil {
			s.shutdown(err)
			return true
		}
		return false
	}

	s.pendingStatus = frag.Status
	s.subscribeState = awaitingHeaders
	s.client.PullNext()
	return false
}

func (s *session) handleHeaders(frag transport.Fragment) bool {
	if s.subscribeState != awaitingHeaders {
		return false
	}

	switch s.pendingStatus {
	case http.StatusTemporaryRedirect:
		return s.handleRedirect(frag.Headers)

	case http.StatusOK:
		s.streamID = firstHeader(frag.Headers, "Mesos-Stream-Id")
		s.subscribeState = awaitingBody
		s.client.PullNext()
		return false

	default:
		s.collectingBody = []byte{}
		s.client.PullNext()
		return false
	}
}

func (s *session) handleRedirect(headers map[string][]string) bool {
	location := firstHeader(headers, "Location")
	s.closeClient()

	s.numRedirect++
	if s.numRedirect > MaxRedirect || location == "" {
		log.WithField("num_redirect", s.numRedirect).Warn("mesosched: too many redirects, failing over")
	} else if target, err := redirectTarget(location); err == nil {
		s.masterHostsQueue = append([]string{target}, s.masterHostsQueue...)
	} else {
		log.WithError(err).WithField("location", location).Warn("mesosched: malformed redirect location")
	}

	if err := s.subscribe(); err != nil {
		s.shutdown(err)
		return true
	}
	return false
}

func (s *session) handleBody(frag transport.Fragment) bool {
	if s.collectingBody != nil {
		if room := maxCollectedBodyBytes - len(s.collectingBody); room > 0 {
			chunk := frag.Body
			if len(chunk) > room {
				chunk = chunk[:room]
			}
			s.collectingBody = append(s.collectingBody, chunk...)
		}
		s.client.PullNext()
		return false
	}

	if s.subscribeState != awaitingBody && s.subscribeState != subscribedState {
		return false
	}

	events, err := s.decoder.DecodeEvents(frag.Body)
	if err != nil {
		log.WithError(err).Warn("mesosched: malformed event, abandoning stream")
		return s.resubscribe(err)
	}

	for _, ev := range events {
		if stop := s.dispatch(ev); stop {
			return true
		}
	}

	s.client.PullNext()
	return false
}

func (s *session) dispatch(ev *sched.Event) bool {
	parsed := parseEvent(ev)

	switch parsed.kind {
	case eventSubscribed:
		return s.onSubscribed(parsed.subscribed)

	case eventHeartbeat:
		s.armHeartbeat()
		return false

	case eventError:
		res := s.scheduler.Error(s.info(), parsed.errMessage, s.state)
		s.state = res.state
		if res.stop {
			s.shutdown(errorEventReason(res, parsed.errMessage))
			return true
		}
		return false

	default:
		return s.dispatchOther(ev)
	}
}

func (s *session) onSubscribed(sub *sched.Event_Subscribed) bool {
	s.numRedirect = 0
	s.numResubscribe = 0
	s.heartbeatIntervalMs = heartbeatIntervalMillis(sub)
	s.armHeartbeat()

	if s.subscribeState == awaitingBody {
		s.subscribeState = subscribedState
	}

	var res Result
	if s.frameworkID == nil {
		s.frameworkID = sub.GetFrameworkId()
		res = s.scheduler.Registered(s.info(), sub, s.state)
	} else {
		// The master is expected to echo the already-known id; it is
		// never overwritten here.
		res = s.scheduler.Reregistered(s.info(), s.state)
	}

	s.state = res.state
	if res.stop {
		s.shutdown(stopReason(res))
		return true
	}
	return false
}

func (s *session) dispatchOther(ev *sched.Event) bool {
	var res Result
	switch ev.GetType() {
	case sched.Event_OFFERS:
		res = s.scheduler.ResourceOffers(s.info(), ev.GetOffers(), s.state)
	case sched.Event_RESCIND:
		res = s.scheduler.OfferRescinded(s.info(), ev.GetRescind(), s.state)
	case sched.Event_UPDATE:
		res = s.scheduler.StatusUpdate(s.info(), ev.GetUpdate(), s.state)
	case sched.Event_MESSAGE:
		res = s.scheduler.FrameworkMessage(s.info(), ev.GetMessage(), s.state)
	case sched.Event_FAILURE:
		res = s.scheduler.ExecutorLost(s.info(), ev.GetFailure(), s.state)
	default:
		log.WithField("type", ev.GetType()).Info("mesosched: ignoring unknown event")
		return false
	}

	s.state = res.state
	if res.stop {
		s.shutdown(stopReason(res))
		return true
	}
	return false
}

// armHeartbeat cancels any armed heartbeat timer and starts a new one for
// heartbeat_interval + heartbeat_timeout_window.
func (s *session) armHeartbeat() {
	if s.heartbeatTimer != nil {
		s.heartbeatTimer.Stop()
	}
	window := time.Duration(s.heartbeatIntervalMs+s.cfg.HeartbeatTimeoutWindow) * time.Millisecond
	s.heartbeatTimer = time.NewTimer(window)
}

// resubscribe tears down the current stream, notifies the scheduler of the
// disconnect, and either rearms a resubscribe timer or dials the next
// master immediately. It returns true if the session has shut down.
func (s *session) resubscribe(reason error) bool {
	if reason != nil {
		log.WithError(reason).WithField("master", s.masterHost).Info("mesosched: resubscribing")
	}
	s.closeClient()

	wasSubscribed := s.subscribeState == subscribedState
	s.subscribeState = awaitingStatus

	if s.heartbeatTimer != nil {
		s.heartbeatTimer.Stop()
		s.heartbeatTimer = nil
	}

	if wasSubscribed {
		res := s.scheduler.Disconnected(s.info(), s.state)
		s.state = res.state
		if res.stop {
			s.shutdown(stopReason(res))
			return true
		}
	}

	if !s.maxResubscribeAllows(s.numResubscribe) {
		s.shutdown(ErrMaxAttemptsExceeded)
		return true
	}

	s.numResubscribe++
	s.refillQueue()

	if s.cfg.ResubscribeInterval > 0 {
		s.resubscribeTimer = time.NewTimer(time.Duration(s.cfg.ResubscribeInterval) * time.Millisecond)
		return false
	}

	if err := s.subscribe(); err != nil {
		s.shutdown(err)
		return true
	}
	return false
}

// terminalReason folds a gathered non-2xx/307/503 response body into an
// HTTPResponseError before it reaches the resubscribe path.
func (s *session) terminalReason(err error) error {
	if s.collectingBody == nil {
		return err
	}
	body := s.collectingBody
	status := s.pendingStatus
	s.collectingBody = nil
	return &HTTPResponseError{Status: status, Body: body}
}

func (s *session) maxResubscribeAllows(attempted int) bool {
	if s.cfg.MaxNumResubscribe == Infinite {
		return true
	}
	return attempted < s.cfg.MaxNumResubscribe
}

func (s *session) closeClient() {
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
}

func (s *session) shutdown(reason error) {
	s.closeClient()
	if s.heartbeatTimer != nil {
		s.heartbeatTimer.Stop()
		s.heartbeatTimer = nil
	}
	if s.resubscribeTimer != nil {
		s.resubscribeTimer.Stop()
		s.resubscribeTimer = nil
	}
	if reason == nil {
		reason = ErrCallbackRequestedStop
	}
	s.err = &ShutdownError{Reason: reason}
}

func stopReason(res Result) error {
	if res.err != nil {
		return res.err
	}
	return ErrCallbackRequestedStop
}

// errorEventReason is stopReason's counterpart for a stop returned from
// Scheduler.Error: absent an explicit reason, it falls back to an
// ErrorEventError carrying the master's own message rather than the
// generic ErrCallbackRequestedStop, matching spec's
// {shutdown, {error_event, message}}.
func errorEventReason(res Result, message string) error {
	if res.err != nil {
		return res.err
	}
	return &ErrorEventError{Message: message}
}

func firstHeader(headers map[string][]string, key string) string {
	return http.Header(headers).Get(key)
}

func redirectTarget(location string) (string, error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("redirect location %q has no host", location)
	}
	return u.Host, nil
}
