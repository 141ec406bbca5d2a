package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// HTTPAdapter is the default Adapter, backed by net/http. It always
// disables automatic redirect following (the session handles 307 itself)
// and never imposes its own response timeout (recv_timeout=infinite); the
// session's own heartbeat watchdog is the liveness signal.
type HTTPAdapter struct {
	client *http.Client
}

// NewHTTPAdapter builds an Adapter whose transport mirrors the dial/
// handshake timeouts a scheduler client needs without imposing a response
// deadline on the long-lived event stream itself.
func NewHTTPAdapter() *HTTPAdapter {
	return &HTTPAdapter{
		client: &http.Client{
			Transport: &http.Transport{
				Dial: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).Dial,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 10 * time.Second,
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// AsyncPost issues the streaming POST. opts.Extra is the caller's
// subscribe_req_options map; every entry other than the three fields the
// session always drives itself (see below) is applied as an additional
// request header, so an opaque subscribe_req_options value
// (an auth header, a tracing id, ...) actually reaches the wire request
// instead of being silently dropped. opts.RecvTimeout, when not "infinite"
// or empty, bounds the whole request with a context deadline.
//
// opts.Async and opts.FollowingRedirect are not separately interpreted:
// this adapter is unconditionally pull-based single-shot ("once"), and
// CheckRedirect on the shared client always keeps 307s unfollowed so the
// session can treat them as failover targets itself. A caller asking for
// FollowingRedirect=true against this adapter would conflict with that
// invariant, so it's ignored rather than honored per-request.
func (a *HTTPAdapter) AsyncPost(url string, headers map[string]string, body []byte, opts Options) (StreamHandle, error) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	applyExtraHeaders(req, opts.Extra)

	ctx := context.Background()
	var cancel context.CancelFunc
	if d, ok := parseRecvTimeout(opts.RecvTimeout); ok {
		ctx, cancel = context.WithTimeout(ctx, d)
	}
	req = req.WithContext(ctx)

	h := &httpStreamHandle{
		fragCh:  make(chan Fragment),
		pullCh:  make(chan struct{}, 1),
		downCh:  make(chan error, 1),
		closeCh: make(chan struct{}),
		cancel:  cancel,
	}

	go h.run(a.client, req)

	return h, nil
}

// applyExtraHeaders forwards subscribe_req_options entries the session
// doesn't already consume itself onto the request as headers. async,
// recv_timeout, and following_redirect are the session's own fixed
// overrides (see session.go's postSubscribe) and are never header values.
func applyExtraHeaders(req *http.Request, extra map[string]interface{}) {
	for k, v := range extra {
		switch k {
		case "async", "recv_timeout", "following_redirect":
			continue
		}
		if s, ok := asHeaderValue(v); ok {
			req.Header.Set(k, s)
		} else {
			log.WithField("key", k).Warn("mesosched/transport: subscribe_req_options entry is not a header-compatible value, ignoring")
		}
	}
}

func asHeaderValue(v interface{}) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case fmt.Stringer:
		return t.String(), true
	default:
		return "", false
	}
}

// parseRecvTimeout turns a subscribe_req_options recv_timeout value into a
// duration the request's context should be bounded by. "infinite" and ""
// both mean no deadline, matching the session's own default.
func parseRecvTimeout(s string) (time.Duration, bool) {
	if s == "" || s == "infinite" {
		return 0, false
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		log.WithError(err).WithField("recv_timeout", s).Warn("mesosched/transport: malformed recv_timeout, ignoring")
		return 0, false
	}
	return d, true
}

type httpStreamHandle struct {
	fragCh  chan Fragment
	pullCh  chan struct{}
	downCh  chan error
	closeCh chan struct{}
	once    sync.Once
	cancel  context.CancelFunc

	mu   sync.Mutex
	resp *http.Response
}

func (h *httpStreamHandle) PullNext() {
	select {
	case h.pullCh <- struct{}{}:
	case <-h.closeCh:
	}
}

func (h *httpStreamHandle) Fragments() <-chan Fragment { return h.fragCh }

func (h *httpStreamHandle) Down() <-chan error { return h.downCh }

func (h *httpStreamHandle) Close() {
	h.once.Do(func() {
		close(h.closeCh)
		if h.cancel != nil {
			h.cancel()
		}
		h.mu.Lock()
		resp := h.resp
		h.mu.Unlock()
		if resp != nil {
			resp.Body.Close()
		}
	})
}

// run drives the request and delivers fragments in order: status (emitted
// unprompted), then headers and each body chunk gated on an explicit
// PullNext, then a terminal done/error fragment. Every error net/http can
// hand back (dial failure, reset mid-read, EOF) already arrives as a
// FragmentError or FragmentDone; the one failure mode that wouldn't is
// this goroutine itself dying before producing either, which downCh
// exists to report.
func (h *httpStreamHandle) run(client *http.Client, req *http.Request) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("mesosched/transport: stream goroutine panicked")
			select {
			case h.downCh <- fmt.Errorf("mesosched/transport: stream goroutine panicked: %v", r):
			case <-h.closeCh:
			}
		}
	}()

	resp, err := client.Do(req)
	if err != nil {
		h.emit(Fragment{Kind: FragmentError, Err: err})
		return
	}

	h.mu.Lock()
	h.resp = resp
	h.mu.Unlock()

	if !h.emit(Fragment{Kind: FragmentStatus, Status: resp.StatusCode, Reason: resp.Status}) {
		resp.Body.Close()
		return
	}

	if !h.waitPull() {
		resp.Body.Close()
		return
	}
	if !h.emit(Fragment{Kind: FragmentHeaders, Headers: resp.Header}) {
		resp.Body.Close()
		return
	}

	reader := bufio.NewReaderSize(resp.Body, 32*1024)
	buf := make([]byte, 32*1024)

	for {
		if !h.waitPull() {
			resp.Body.Close()
			return
		}

		n, err := reader.Read(buf)
		if n > 0 {
			if !h.emit(Fragment{Kind: FragmentBody, Body: append([]byte(nil), buf[:n]...)}) {
				resp.Body.Close()
				return
			}
		}

		if err != nil {
			resp.Body.Close()
			if err == io.EOF {
				h.emit(Fragment{Kind: FragmentDone})
			} else {
				log.WithError(err).Warn("mesosched/transport: stream read failed")
				h.emit(Fragment{Kind: FragmentError, Err: err})
			}
			return
		}
	}
}

// waitPull blocks until PullNext is called or the handle is closed. It
// returns false if the handle closed first.
func (h *httpStreamHandle) waitPull() bool {
	select {
	case <-h.pullCh:
		return true
	case <-h.closeCh:
		return false
	}
}

// emit delivers frag, returning false if the handle closed before the
// session could receive it.
func (h *httpStreamHandle) emit(frag Fragment) bool {
	select {
	case h.fragCh <- frag:
		return true
	case <-h.closeCh:
		return false
	}
}
