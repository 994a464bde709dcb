package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/howard-nolan/difyrelay/internal/metrics"
	"github.com/howard-nolan/difyrelay/internal/provider"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// ErrBusy is returned by Open when every session slot is taken.
var ErrBusy = errors.New("relay: too many concurrent sessions")

// Upstream opens a streaming call. *provider.Client implements it.
type Upstream interface {
	OpenStream(ctx context.Context, req *provider.UpstreamRequest) (io.ReadCloser, error)
}

// Relay starts streaming sessions against one upstream.
type Relay struct {
	upstream Upstream
	slots    *semaphore.Weighted // nil means unlimited
	metrics  *metrics.Collector
}

// New creates a Relay. maxSessions <= 0 means no cap. m may be nil.
func New(upstream Upstream, maxSessions int, m *metrics.Collector) *Relay {
	r := &Relay{upstream: upstream, metrics: m}
	if maxSessions > 0 {
		r.slots = semaphore.NewWeighted(int64(maxSessions))
	}
	return r
}

// Open reserves a slot and returns a session ready to Run. It fails with
// ErrBusy without touching the sink when the relay is full. An empty id
// gets a generated one.
//
// Every opened session must be Run, even one that was aborted in the
// meantime; Run gives the slot back.
func (r *Relay) Open(id string, req *provider.UpstreamRequest, sink Sink) (*Session, error) {
	if r.slots != nil && !r.slots.TryAcquire(1) {
		return nil, ErrBusy
	}
	if id == "" {
		id = uuid.NewString()
	}
	s := &Session{
		ID:     id,
		Domain: req.Domain,
		relay:  r,
		req:    req,
		sink:   sink,
		log: log.WithFields(log.Fields{
			"session_id": id,
			"domain":     string(req.Domain),
		}),
	}
	s.state.Store(int32(StateOpening))
	r.metrics.SessionOpened(string(req.Domain))
	return s, nil
}

// Run opens a session and drives it to completion. See Session.Run.
func (r *Relay) Run(ctx context.Context, id string, req *provider.UpstreamRequest, sink Sink) error {
	s, err := r.Open(id, req, sink)
	if err != nil {
		return err
	}
	return s.Run(ctx)
}

func (r *Relay) release() {
	if r.slots != nil {
		r.slots.Release(1)
	}
}

// State is a session's position in its lifecycle.
type State int32

const (
	StateOpening State = iota
	StateStreaming
	StateTerminating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateStreaming:
		return "streaming"
	case StateTerminating:
		return "terminating"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Session is one in-flight streaming exchange. It owns its upstream body
// and its sink; nothing is shared with other sessions.
//
// The terminal transition happens once. Whoever reaches it first (the
// run loop on done, error or disconnect, or an outside Abort) decides the
// outcome; later attempts do nothing.
type Session struct {
	ID     string
	Domain provider.Domain

	relay *Relay
	req   *provider.UpstreamRequest
	sink  Sink
	log   *log.Entry

	state     atomic.Int32
	terminal  atomic.Bool
	lastEvent atomic.Int64 // unix nanos

	// deliverMu serializes sink calls so Close never overlaps a Deliver.
	deliverMu sync.Mutex

	bodyMu       sync.Mutex
	body         io.ReadCloser
	bodyReleased bool

	outcome Outcome
	cause   error
	done    chan struct{}
	once    sync.Once
}

// State returns the session's current state.
func (s *Session) State() State { return State(s.state.Load()) }

// LastEvent returns when the last event was delivered, or the zero time.
func (s *Session) LastEvent() time.Time {
	n := s.lastEvent.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Run drives the session from Opening to Closed on the calling goroutine.
// It returns nil when the session ended with done, the terminal error
// otherwise (provider.ErrSinkDisconnected if the caller went away).
//
// Cancelling ctx counts as a caller disconnect.
//
// The loop is pull-based: each iteration reads one frame from the
// upstream body, classifies it, and either delivers it, skips it, or
// hands it to terminate. There is no goroutine between the body and
// the sink, so a slow caller slows the upstream read instead of piling
// events up in memory. The terminal flag is checked after every read
// because Abort may have closed the body underneath us; in that case
// the read error is just the echo of that close and is not reported.
//
// A session that was already aborted before Run never touches the
// upstream.
func (s *Session) Run(ctx context.Context) (err error) {
	s.initDone()
	defer s.relay.release()
	if s.terminal.Load() {
		return s.result()
	}
	s.log.Debug("relay session opened")

	defer s.releaseUpstream()
	defer func() {
		if p := recover(); p != nil {
			s.log.WithField("error", p).Errorf("relay session panic\n%s", debug.Stack())
			ev := ErrorEvent(provider.NewInternalError(fmt.Sprintf("relay panic: %v", p), nil))
			s.terminate(ctx, &ev, OutcomeError, ev.Err)
			err = s.result()
		}
	}()

	// Step 1: open the upstream. A connect failure or a non-200 answer
	// is the whole session: one error event, then close.
	body, err := s.relay.upstream.OpenStream(ctx, s.req)
	if err != nil {
		ev := ErrorEvent(err)
		s.terminate(ctx, &ev, OutcomeError, ev.Err)
		return s.result()
	}
	if !s.attach(body) {
		// Aborted while opening.
		return s.result()
	}
	s.state.Store(int32(StateStreaming))

	// Step 2: relay frames until something terminal happens.
	frames := NewFrameReader(body)
	for {
		f, readErr := frames.Next()
		if s.terminal.Load() {
			return s.result()
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				// Upstream closed without a terminal signal.
				ev := DoneEvent()
				s.terminate(ctx, &ev, OutcomeDone, nil)
			} else {
				ev := ErrorEvent(provider.NewConnectError(provider.CodeStreamRead, readErr))
				s.terminate(ctx, &ev, OutcomeError, ev.Err)
			}
			return s.result()
		}

		ev, ok := Classify(s.Domain, f)
		if !ok {
			continue
		}

		// Step 3: make sure the caller is still there before writing.
		if ctx.Err() != nil {
			s.terminate(ctx, nil, OutcomeDisconnected, provider.ErrSinkDisconnected)
			return s.result()
		}

		// Step 4: terminal events go through terminate so they are
		// delivered at most once and always followed by Close.
		if ev.Terminal {
			if ev.Succeeded() {
				s.terminate(ctx, &ev, OutcomeDone, nil)
			} else {
				s.terminate(ctx, &ev, OutcomeError, ev.Err)
			}
			return s.result()
		}

		if err := s.deliver(ctx, ev); err != nil {
			if errors.Is(err, errSessionClosed) {
				return s.result()
			}
			s.terminate(ctx, nil, OutcomeDisconnected, err)
			return s.result()
		}
	}
}

// Abort ends the session from outside the run loop, e.g. on a timeout
// enforced by the host. It reports whether this call made the terminal
// transition. The run loop notices on its next iteration; the upstream
// body is closed immediately so a blocked read returns.
func (s *Session) Abort(ctx context.Context, err error) bool {
	s.initDone()
	ev := ErrorEvent(err)
	return s.terminate(ctx, &ev, OutcomeError, ev.Err)
}

// Done is closed once the session reaches Closed.
func (s *Session) Done() <-chan struct{} {
	s.initDone()
	return s.done
}

var errSessionClosed = errors.New("relay: session closed")

func (s *Session) deliver(ctx context.Context, ev Event) error {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.terminal.Load() {
		return errSessionClosed
	}
	if err := s.sink.Deliver(ctx, ev); err != nil {
		return err
	}
	s.delivered()
	return nil
}

func (s *Session) delivered() {
	s.lastEvent.Store(time.Now().UnixNano())
	s.relay.metrics.EventDelivered(string(s.Domain))
}

// terminate is the single terminal transition. The first caller releases
// the upstream, delivers final (when set and the caller is still there)
// and closes the sink. Done is closed even if the sink panics.
func (s *Session) terminate(ctx context.Context, final *Event, outcome Outcome, cause error) bool {
	if !s.terminal.CompareAndSwap(false, true) {
		return false
	}
	s.outcome, s.cause = outcome, cause
	defer func() {
		s.state.Store(int32(StateClosed))
		s.relay.metrics.SessionClosed(string(s.Domain), string(s.outcome))
		close(s.done)
	}()

	s.state.Store(int32(StateTerminating))
	s.releaseUpstream()
	s.finish(ctx, final)

	entry := s.log.WithField("outcome", string(s.outcome))
	switch {
	case s.outcome == OutcomeDisconnected:
		entry.Info("relay session closed: downstream disconnected")
	case s.cause != nil:
		e := provider.AsError(s.cause)
		entry.WithFields(log.Fields{"kind": string(e.Kind), "error": e.Error()}).Warn("relay session closed with error")
	default:
		entry.Info("relay session closed")
	}
	return true
}

// finish delivers the final event and closes the sink. A failed final
// delivery turns the outcome into a disconnect.
func (s *Session) finish(ctx context.Context, final *Event) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	if final != nil && s.outcome != OutcomeDisconnected {
		if err := s.sink.Deliver(ctx, *final); err != nil {
			s.outcome = OutcomeDisconnected
			if s.cause == nil {
				s.cause = err
			}
		} else {
			s.delivered()
		}
	}
	s.sink.Close(s.outcome)
}

func (s *Session) result() error {
	<-s.Done()
	if s.outcome == OutcomeDone {
		return nil
	}
	return s.cause
}

func (s *Session) initDone() {
	s.once.Do(func() { s.done = make(chan struct{}) })
}

// attach hands the live body to the session. It returns false, closing
// the body, if the session already ended.
func (s *Session) attach(body io.ReadCloser) bool {
	s.bodyMu.Lock()
	defer s.bodyMu.Unlock()
	if s.bodyReleased {
		_ = body.Close()
		return false
	}
	s.body = body
	return true
}

func (s *Session) releaseUpstream() {
	s.bodyMu.Lock()
	defer s.bodyMu.Unlock()
	if s.bodyReleased {
		return
	}
	s.bodyReleased = true
	if s.body != nil {
		_ = s.body.Close()
	}
}
