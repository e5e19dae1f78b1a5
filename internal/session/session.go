// internal/session/session.go
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/finsight/internal/auth"
	"github.com/user/finsight/internal/types"
)

// DefaultStreamTimeout is how long a session waits for the first stream
// frame before giving up and issuing the fallback call. One constant shared
// by all request kinds.
const DefaultStreamTimeout = 5 * time.Second

const (
	failureHeading = "All Models Busy"
	failureHint    = "Please try again in a few minutes."

	genericFailureReason = "The insight service did not respond."
	signInMessage        = "Your session has expired. Please sign in again."
)

// FailureMessage composes the user-facing text for a failed session:
// a heading, the reason, and a retry hint.
func FailureMessage(reason string) string {
	if reason == "" {
		reason = genericFailureReason
	}
	return failureHeading + "\n\n" + reason + "\n\n" + failureHint
}

// Config wires a Session to its collaborators.
type Config struct {
	Opener   types.StreamOpener
	Fallback types.FallbackCaller

	// StreamTimeout bounds the wait for the first frame. Zero means
	// DefaultStreamTimeout.
	StreamTimeout time.Duration

	// OnUpdate, if set, is called after every observable state change with
	// a snapshot. It runs outside the session lock; the UI layer observes
	// the session through it without owning any session state.
	OnUpdate func(Snapshot)

	// OnUnauthorized, if set, is called when either endpoint rejects the
	// auth token. Re-login is the auth collaborator's business, not ours.
	OnUnauthorized func()
}

// Snapshot is a point-in-time copy of a session's observable state.
type Snapshot struct {
	Key        types.SessionKey
	Activation types.ActivationID
	State      types.State
	Attempts   []types.ModelAttempt
	Result     *types.Result
	ErrMessage string
}

// Session is the state machine for one logical insight request slot.
// It composes one Transport and one FallbackClient per activation and
// arbitrates the timer/first-frame race. A session reaches at most one
// terminal state per activation; Start supersedes any prior activation.
type Session struct {
	key types.SessionKey
	cfg Config

	// startMu serializes Start and Reset so a prior activation is fully
	// torn down before the next one is armed.
	startMu sync.Mutex

	mu       sync.Mutex
	state    types.State
	attempts []types.ModelAttempt
	result   *types.Result
	errMsg   string
	current  *activation
}

// New creates an idle session for the given key.
func New(key types.SessionKey, cfg Config) *Session {
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = DefaultStreamTimeout
	}
	return &Session{
		key:   key,
		cfg:   cfg,
		state: types.StateIdle,
	}
}

// Key returns the session's registry key.
func (s *Session) Key() types.SessionKey { return s.key }

// Snapshot returns a copy of the session's observable state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		Key:        s.key,
		State:      s.state,
		ErrMessage: s.errMsg,
	}
	if s.current != nil {
		snap.Activation = s.current.id
	}
	if len(s.attempts) > 0 {
		snap.Attempts = make([]types.ModelAttempt, len(s.attempts))
		copy(snap.Attempts, s.attempts)
	}
	if s.result != nil {
		r := *s.result
		snap.Result = &r
	}
	return snap
}

// Start begins a new activation for the request. Any previous activation is
// torn down first: its transport closed, its timer cancelled, and any
// in-flight fallback result discarded. The returned channel closes when the
// activation ends, whether terminal or superseded.
func (s *Session) Start(ctx context.Context, req types.InsightRequest) <-chan struct{} {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.mu.Lock()
	prev := s.current
	s.current = nil
	s.mu.Unlock()
	if prev != nil {
		prev.teardown()
	}

	actx, cancel := context.WithCancel(ctx)
	a := &activation{
		id:     types.NewActivationID(),
		sess:   s,
		req:    req,
		ctx:    actx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.current = a
	s.state = types.StateConnecting
	s.attempts = nil
	s.result = nil
	s.errMsg = ""
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)

	go a.run()
	return a.done
}

// Reset tears down any live activation and returns the session to Idle,
// clearing attempts and result. The caller uses it for "Refresh" and
// "Ask again" flows before issuing a new Start.
func (s *Session) Reset() {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.mu.Lock()
	prev := s.current
	s.current = nil
	s.state = types.StateIdle
	s.attempts = nil
	s.result = nil
	s.errMsg = ""
	snap := s.snapshotLocked()
	s.mu.Unlock()
	if prev != nil {
		prev.teardown()
	}
	s.notify(snap)
}

func (s *Session) notify(snap Snapshot) {
	if s.cfg.OnUpdate != nil {
		s.cfg.OnUpdate(snap)
	}
}

// activation is one start-to-terminal pass through the state machine. All
// frame, timer, and fallback transitions for an activation happen on its
// single run goroutine; cross-goroutine interference is limited to teardown,
// which cancels the context and closes the stream.
type activation struct {
	id     types.ActivationID
	sess   *Session
	req    types.InsightRequest
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	doneOnce sync.Once

	// received flips exactly once, when the first frame is accepted or
	// when the timer claims the race. Whichever path sets it first wins;
	// the loser is a no-op regardless of scheduling order.
	received atomic.Bool

	mu     sync.Mutex
	stream types.Stream
}

func (a *activation) finish() {
	a.doneOnce.Do(func() { close(a.done) })
}

// teardown ends the activation from outside its run goroutine: cancels the
// context, closes any live transport, and releases waiters. Safe to call
// more than once.
func (a *activation) teardown() {
	a.cancel()
	a.mu.Lock()
	st := a.stream
	a.mu.Unlock()
	if st != nil {
		st.Close()
	}
	a.finish()
}

func (a *activation) run() {
	defer a.finish()
	defer a.cancel()

	// The timer starts before dialing: the stream timeout bounds the whole
	// wait for the first frame, connection establishment included.
	timer := time.NewTimer(a.sess.cfg.StreamTimeout)
	defer timer.Stop()

	st, ok := a.open(timer)
	if !ok {
		return
	}

	a.mu.Lock()
	a.stream = st
	a.mu.Unlock()
	if a.ctx.Err() != nil {
		st.Close()
		return
	}

	// Connecting: the first frame races the timer. Exactly one of the two
	// paths may claim the activation.
	select {
	case ev, ok := <-st.Events():
		if !ok {
			// Stream died before delivering a frame.
			timer.Stop()
			st.Close()
			slog.Warn("stream failed before first frame, falling back", "key", a.sess.key, "error", st.Err())
			a.runFallback()
			return
		}
		if !a.received.CompareAndSwap(false, true) {
			st.Close()
			return
		}
		timer.Stop()
		if !a.handle(ev, st) {
			return
		}
	case <-timer.C:
		if !a.received.CompareAndSwap(false, true) {
			return
		}
		st.Close()
		a.runFallback()
		return
	case <-a.ctx.Done():
		st.Close()
		return
	}

	// Streaming: consume frames in arrival order until a terminal one.
	for {
		select {
		case ev, ok := <-st.Events():
			if !ok {
				st.Close()
				a.fail(FailureMessage("The connection to the insight service was lost."))
				return
			}
			if !a.handle(ev, st) {
				return
			}
		case <-a.ctx.Done():
			st.Close()
			return
		}
	}
}

type openResult struct {
	st  types.Stream
	err error
}

// open dials the transport while the first-frame timer is already running.
// A backend that accepts the connection but stalls before sending response
// headers loses the race like any other silent stream: the timer claims the
// activation and dispatches the fallback. Returns false when the activation
// was resolved or cancelled here.
func (a *activation) open(timer *time.Timer) (types.Stream, bool) {
	ch := make(chan openResult, 1)
	go func() {
		st, err := a.sess.cfg.Opener.Open(a.ctx, a.req)
		ch <- openResult{st: st, err: err}
	}()

	select {
	case res := <-ch:
		if res.err == nil {
			return res.st, true
		}
		if a.ctx.Err() != nil {
			return nil, false
		}
		if errors.Is(res.err, auth.ErrUnauthorized) {
			a.escalate(res.err)
			return nil, false
		}
		// Never connected: no point waiting out the timer.
		slog.Warn("stream connection failed, falling back", "key", a.sess.key, "error", res.err)
		a.runFallback()
		return nil, false

	case <-timer.C:
		a.discardOpen(ch)
		if !a.received.CompareAndSwap(false, true) {
			return nil, false
		}
		slog.Warn("no response before stream timeout, falling back", "key", a.sess.key)
		a.runFallback()
		return nil, false

	case <-a.ctx.Done():
		a.discardOpen(ch)
		return nil, false
	}
}

// discardOpen closes whatever an abandoned dial eventually produces. The
// dial unblocks at the latest when the activation context is cancelled.
func (a *activation) discardOpen(ch <-chan openResult) {
	go func() {
		if res := <-ch; res.st != nil {
			res.st.Close()
		}
	}()
}

// handle applies one frame to the session. Returns false once the
// activation has reached a terminal state.
func (a *activation) handle(ev types.ProgressEvent, st types.Stream) bool {
	switch ev.Type {
	case types.EventTryingModel:
		a.apply(func(s *Session) {
			s.state = types.StateStreaming
			s.attempts = append(s.attempts, types.ModelAttempt{
				Model:   ev.Model,
				Outcome: types.AttemptPending,
			})
		})
		return true

	case types.EventModelFailed:
		a.apply(func(s *Session) {
			s.state = types.StateStreaming
			if n := len(s.attempts); n > 0 && s.attempts[n-1].Outcome == types.AttemptPending {
				s.attempts[n-1].Outcome = types.AttemptFailed
				s.attempts[n-1].Reason = ev.Reason
			} else {
				s.attempts = append(s.attempts, types.ModelAttempt{
					Model:   ev.Model,
					Outcome: types.AttemptFailed,
					Reason:  ev.Reason,
				})
			}
		})
		return true

	case types.EventSuccess:
		st.Close()
		a.succeed(types.Result{Text: ev.Text(), ModelUsed: ev.Model})
		return false

	case types.EventError:
		st.Close()
		a.fail(FailureMessage(ev.Message))
		return false
	}
	// Transport filters unknown types; nothing to do here.
	return true
}

// apply mutates the session if this activation is still the current one and
// the session is not yet terminal. A stale activation (superseded or reset
// underneath an in-flight fallback call) mutates nothing.
func (a *activation) apply(fn func(*Session)) bool {
	s := a.sess
	s.mu.Lock()
	if s.current != a || s.state.Terminal() {
		s.mu.Unlock()
		return false
	}
	fn(s)
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)
	return true
}

func (a *activation) succeed(res types.Result) {
	a.apply(func(s *Session) {
		if n := len(s.attempts); n > 0 && s.attempts[n-1].Outcome == types.AttemptPending {
			s.attempts[n-1].Outcome = types.AttemptSucceeded
		}
		s.state = types.StateSucceeded
		s.result = &res
	})
}

func (a *activation) fail(msg string) {
	a.apply(func(s *Session) {
		s.state = types.StateFailed
		s.errMsg = msg
	})
}

// runFallback issues the single blocking backup call. It runs at most once
// per activation and is never retried; its result is discarded if the
// activation is no longer current by the time it lands.
func (a *activation) runFallback() {
	if !a.apply(func(s *Session) { s.state = types.StateFallbackPending }) {
		return
	}

	res, err := a.sess.cfg.Fallback.Call(a.ctx, a.req)
	if err != nil {
		if a.ctx.Err() != nil {
			return
		}
		if errors.Is(err, auth.ErrUnauthorized) {
			a.escalate(err)
			return
		}
		slog.Warn("fallback call failed", "key", a.sess.key, "error", err)
		a.fail(FailureMessage(""))
		return
	}
	a.succeed(*res)
}

func (a *activation) escalate(err error) {
	slog.Warn("auth rejected by insight backend", "key", a.sess.key, "error", err)
	a.fail(signInMessage)
	if a.sess.cfg.OnUnauthorized != nil {
		a.sess.cfg.OnUnauthorized()
	}
}
