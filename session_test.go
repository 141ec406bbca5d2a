package mesosched

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	mesos "github.com/mesos/go-proto/mesos/v1"
	sched "github.com/mesos/go-proto/mesos/v1/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gorilla001/mesosched/transport"
)

// --- fake transport.Adapter -------------------------------------------------

type fakeAdapter struct {
	mu        sync.Mutex
	responses map[string][][]transport.Fragment
	callIdx   map[string]int
	calls     []string
	bodies    [][]byte
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		responses: map[string][][]transport.Fragment{},
		callIdx:   map[string]int{},
	}
}

// on scripts the (always identical) response a host gives every time it is
// dialed.
func (a *fakeAdapter) on(host string, frags ...transport.Fragment) {
	a.onSeq(host, frags)
}

// onSeq scripts a sequence of responses for repeated dials of the same host:
// the first call gets seqs[0], the second seqs[1], and so on; once exhausted
// the last entry repeats.
func (a *fakeAdapter) onSeq(host string, seqs ...[]transport.Fragment) {
	a.responses[fmt.Sprintf("http://%s/api/v1/scheduler", host)] = seqs
}

func (a *fakeAdapter) AsyncPost(url string, headers map[string]string, body []byte, opts transport.Options) (transport.StreamHandle, error) {
	a.mu.Lock()
	a.calls = append(a.calls, url)
	a.bodies = append(a.bodies, body)
	seqs := a.responses[url]
	idx := a.callIdx[url]
	a.callIdx[url] = idx + 1
	a.mu.Unlock()

	if idx >= len(seqs) {
		idx = len(seqs) - 1
	}
	var frags []transport.Fragment
	if idx >= 0 {
		frags = seqs[idx]
	}

	return newFakeHandle(frags), nil
}

func (a *fakeAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func (a *fakeAdapter) callAt(i int) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[i]
}

func (a *fakeAdapter) bodyAt(i int) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bodies[i]
}

type fakeHandle struct {
	frags  []transport.Fragment
	idx    int
	fragCh chan transport.Fragment
	downCh chan error
	closed bool
}

func newFakeHandle(frags []transport.Fragment) *fakeHandle {
	h := &fakeHandle{frags: frags, fragCh: make(chan transport.Fragment, 1), downCh: make(chan error, 1)}
	h.sendNext()
	return h
}

func (h *fakeHandle) sendNext() {
	if h.idx < len(h.frags) {
		h.fragCh <- h.frags[h.idx]
		h.idx++
	}
}

func (h *fakeHandle) PullNext()                            { h.sendNext() }
func (h *fakeHandle) Fragments() <-chan transport.Fragment { return h.fragCh }
func (h *fakeHandle) Down() <-chan error                   { return h.downCh }
func (h *fakeHandle) Close()                               { h.closed = true }

// --- fragment builders -------------------------------------------------

func statusFrag(code int) transport.Fragment {
	return transport.Fragment{Kind: transport.FragmentStatus, Status: code}
}

func headersFrag(h map[string][]string) transport.Fragment {
	return transport.Fragment{Kind: transport.FragmentHeaders, Headers: h}
}

func bodyFrag(events ...*sched.Event) transport.Fragment {
	var buf []byte
	for _, ev := range events {
		b, err := json.Marshal(ev)
		if err != nil {
			panic(err)
		}
		buf = append(buf, []byte(fmt.Sprintf("%d\n%s", len(b), b))...)
	}
	return transport.Fragment{Kind: transport.FragmentBody, Body: buf}
}

func doneFrag() transport.Fragment { return transport.Fragment{Kind: transport.FragmentDone} }

func subscribedEvent(frameworkID string, heartbeatSeconds float64) *sched.Event {
	return &sched.Event{
		Type: sched.Event_SUBSCRIBED.Enum(),
		Subscribed: &sched.Event_Subscribed{
			FrameworkId:              &mesos.FrameworkID{Value: strPtr(frameworkID)},
			HeartbeatIntervalSeconds: float64Ptr(heartbeatSeconds),
		},
	}
}

func heartbeatEvent() *sched.Event {
	return &sched.Event{Type: sched.Event_HEARTBEAT.Enum()}
}

func strPtr(s string) *string       { return &s }
func float64Ptr(f float64) *float64 { return &f }

// --- fake Scheduler -------------------------------------------------

type fakeScheduler struct {
	BaseScheduler

	frameworkInfo *mesos.FrameworkInfo

	mu           sync.Mutex
	registered   []string
	reregistered int
	disconnected int
	errored      []string
	initUserOpts map[string]interface{}
	lastInfo     SchedulerInfo
}

func (s *fakeScheduler) Init(userOptions map[string]interface{}) InitResult {
	s.initUserOpts = userOptions
	fw := s.frameworkInfo
	if fw == nil {
		fw = &mesos.FrameworkInfo{Name: strPtr("test")}
	}
	return InitOk(fw, false, 0)
}

func (s *fakeScheduler) Registered(info SchedulerInfo, subscribed *sched.Event_Subscribed, state interface{}) Result {
	s.mu.Lock()
	s.registered = append(s.registered, subscribed.GetFrameworkId().GetValue())
	s.lastInfo = info
	s.mu.Unlock()
	return Continue(state)
}

func (s *fakeScheduler) Reregistered(info SchedulerInfo, state interface{}) Result {
	s.mu.Lock()
	s.reregistered++
	s.mu.Unlock()
	return Continue(state)
}

func (s *fakeScheduler) Disconnected(info SchedulerInfo, state interface{}) Result {
	s.mu.Lock()
	s.disconnected++
	s.mu.Unlock()
	return Continue(state)
}

func (s *fakeScheduler) Error(info SchedulerInfo, message string, state interface{}) Result {
	s.mu.Lock()
	s.errored = append(s.errored, message)
	s.mu.Unlock()
	return Continue(state)
}

func (s *fakeScheduler) registeredCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.registered)
}

func (s *fakeScheduler) disconnectedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnected
}

func (s *fakeScheduler) streamID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastInfo.StreamID
}

// --- scenarios -------------------------------------------------

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestHappyPath(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.on("a:5050",
		statusFrag(200),
		headersFrag(nil),
		bodyFrag(subscribedEvent("f-1", 15), heartbeatEvent()),
	)

	sched := &fakeScheduler{}
	cfg := &Config{MasterHosts: []string{"a:5050", "b:5050"}, MaxNumResubscribe: 1, DataFormat: DataFormatJSON}

	driver, err := startWithAdapter(cfg, adapter, sched, sched.Init(nil))
	require.NoError(t, err)
	defer driver.Stop()

	waitFor(t, time.Second, func() bool { return sched.registeredCount() == 1 })
	assert.Equal(t, []string{"f-1"}, sched.registered)
	assert.Equal(t, 1, adapter.callCount())
}

func TestStreamIDCapturedFromSubscribeHeaders(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.on("a:5050",
		statusFrag(200),
		headersFrag(map[string][]string{"Mesos-Stream-Id": {"stream-123"}}),
		bodyFrag(subscribedEvent("f-1", 15)),
	)

	sched := &fakeScheduler{}
	cfg := &Config{MasterHosts: []string{"a:5050"}, MaxNumResubscribe: 1}

	driver, err := startWithAdapter(cfg, adapter, sched, sched.Init(nil))
	require.NoError(t, err)
	defer driver.Stop()

	waitFor(t, time.Second, func() bool { return sched.registeredCount() == 1 })
	assert.Equal(t, "stream-123", sched.streamID())
}

func TestRedirect(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.on("a:5050",
		statusFrag(307),
		headersFrag(map[string][]string{"Location": {"http://c:5050"}}),
	)
	adapter.on("c:5050",
		statusFrag(200),
		headersFrag(nil),
		bodyFrag(subscribedEvent("f-1", 15)),
	)

	sched := &fakeScheduler{}
	cfg := &Config{MasterHosts: []string{"a:5050", "b:5050"}, MaxNumResubscribe: 1}

	driver, err := startWithAdapter(cfg, adapter, sched, sched.Init(nil))
	require.NoError(t, err)
	defer driver.Stop()

	waitFor(t, time.Second, func() bool { return sched.registeredCount() == 1 })
	require.Equal(t, 2, adapter.callCount())
	assert.Equal(t, "http://a:5050/api/v1/scheduler", adapter.callAt(0))
	assert.Equal(t, "http://c:5050/api/v1/scheduler", adapter.callAt(1))
	assert.Equal(t, 0, driver.session.numRedirect) // reset to 0 on successful subscribed
}

func TestLeaderUnavailable(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.on("a:5050", statusFrag(503), headersFrag(nil))
	adapter.on("b:5050",
		statusFrag(200),
		headersFrag(nil),
		bodyFrag(subscribedEvent("f-1", 15)),
	)

	sched := &fakeScheduler{}
	cfg := &Config{MasterHosts: []string{"a:5050", "b:5050"}, MaxNumResubscribe: 1}

	driver, err := startWithAdapter(cfg, adapter, sched, sched.Init(nil))
	require.NoError(t, err)
	defer driver.Stop()

	waitFor(t, time.Second, func() bool { return sched.registeredCount() == 1 })
	require.Equal(t, 2, adapter.callCount())
	assert.Equal(t, "http://b:5050/api/v1/scheduler", adapter.callAt(1))
}

func TestSilentMasterTriggersResubscribe(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.on("a:5050",
		statusFrag(200),
		headersFrag(nil),
		bodyFrag(subscribedEvent("f-1", 0.05)), // 50ms heartbeat interval
	)
	adapter.on("b:5050",
		statusFrag(200),
		headersFrag(nil),
		bodyFrag(subscribedEvent("f-1", 0.05)),
	)

	sched := &fakeScheduler{}
	cfg := &Config{
		MasterHosts:            []string{"a:5050", "b:5050"},
		MaxNumResubscribe:      1,
		HeartbeatTimeoutWindow: 50,
	}

	driver, err := startWithAdapter(cfg, adapter, sched, sched.Init(nil))
	require.NoError(t, err)
	defer driver.Stop()

	waitFor(t, time.Second, func() bool { return sched.registeredCount() == 1 })
	waitFor(t, 2*time.Second, func() bool { return sched.disconnectedCount() == 1 })
	waitFor(t, time.Second, func() bool { return adapter.callCount() == 2 })
}

func TestResubscribeExhaustion(t *testing.T) {
	adapter := newFakeAdapter()
	// First dial of "a:5050" registers and then falls silent, tripping the
	// heartbeat watchdog. The retry that follows never reaches subscribed
	// either (the stream just ends), so num_resubscribe is never reset by
	// onSubscribed and the second resubscribe trigger exceeds max=1.
	adapter.onSeq("a:5050",
		[]transport.Fragment{
			statusFrag(200),
			headersFrag(nil),
			bodyFrag(subscribedEvent("f-1", 0.02)),
		},
		[]transport.Fragment{
			statusFrag(200),
			headersFrag(nil),
			doneFrag(),
		},
	)

	sched := &fakeScheduler{}
	cfg := &Config{
		MasterHosts:            []string{"a:5050", "b:5050"},
		MaxNumResubscribe:      1,
		HeartbeatTimeoutWindow: 20,
	}

	driver, err := startWithAdapter(cfg, adapter, sched, sched.Init(nil))
	require.NoError(t, err)

	select {
	case <-driver.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not shut down")
	}

	var shutdownErr *ShutdownError
	require.ErrorAs(t, driver.Err(), &shutdownErr)
	assert.ErrorIs(t, shutdownErr.Reason, ErrMaxAttemptsExceeded)
	assert.Equal(t, 1, sched.disconnectedCount())
}

func TestBadOptionsNeverCallsAdapter(t *testing.T) {
	sched := &fakeScheduler{}

	_, err := Start(sched, nil, map[string]interface{}{
		"master_hosts": []interface{}{},
	})
	require.Error(t, err)

	var badOpt *BadOptionError
	require.ErrorAs(t, err, &badOpt)
	assert.Equal(t, "master_hosts", badOpt.Option)
	assert.Nil(t, sched.initUserOpts)
}

// TestForceFlagNotCarriedOnWire pins down the documented gap in
// DESIGN.md: force reaches session state but the real v1 Call_Subscribe
// message has nowhere to put it, so it never appears in the encoded body.
func TestForceFlagNotCarriedOnWire(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.on("a:5050",
		statusFrag(200),
		headersFrag(nil),
		bodyFrag(subscribedEvent("f-1", 15)),
	)

	sched := &fakeScheduler{}
	cfg := &Config{MasterHosts: []string{"a:5050"}, MaxNumResubscribe: 1, DataFormat: DataFormatJSON}
	init := InitOk(&mesos.FrameworkInfo{Name: strPtr("test")}, true, 0)

	driver, err := startWithAdapter(cfg, adapter, sched, init)
	require.NoError(t, err)
	defer driver.Stop()

	assert.True(t, driver.session.force)
	waitFor(t, time.Second, func() bool { return adapter.callCount() == 1 })
	assert.NotContains(t, string(adapter.bodyAt(0)), "force")
}

// TestUnexpectedStatusCollectsBodyIntoHTTPResponseError exercises
// handleHeaders's default branch: a status other than 200/307/503 is
// drained into collectingBody and folded into an HTTPResponseError that
// drives the next resubscribe.
func TestUnexpectedStatusCollectsBodyIntoHTTPResponseError(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.onSeq("a:5050",
		[]transport.Fragment{
			statusFrag(500),
			headersFrag(nil),
			{Kind: transport.FragmentBody, Body: []byte("internal error")},
			doneFrag(),
		},
		[]transport.Fragment{
			statusFrag(200),
			headersFrag(nil),
			bodyFrag(subscribedEvent("f-1", 15)),
		},
	)

	sched := &fakeScheduler{}
	cfg := &Config{MasterHosts: []string{"a:5050"}, MaxNumResubscribe: 1}

	driver, err := startWithAdapter(cfg, adapter, sched, sched.Init(nil))
	require.NoError(t, err)
	defer driver.Stop()

	waitFor(t, time.Second, func() bool { return sched.registeredCount() == 1 })
	require.Equal(t, 2, adapter.callCount())
}
