package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/MrCodeEU/rollcall/pkg/camera"
	"github.com/MrCodeEU/rollcall/pkg/logging"
)

// DefaultInterval is the minimum gap between recognitions in a session.
const DefaultInterval = time.Second

// State is the position of a session in its lifecycle.
type State int32

const (
	StateIdle State = iota
	StateCapturing
	StateDetecting
	StateEmbedding
	StateMatching
	StateMarking
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateDetecting:
		return "detecting"
	case StateEmbedding:
		return "embedding"
	case StateMatching:
		return "matching"
	case StateMarking:
		return "marking"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ErrSessionStarted is returned by Start on a session that already ran.
var ErrSessionStarted = errors.New("session already started")

// ErrSessionStopped is returned by Start on a stopped session.
var ErrSessionStopped = errors.New("session stopped")

// SessionStats counts frames seen by a session.
type SessionStats struct {
	Submitted int64 `json:"submitted"`
	Skipped   int64 `json:"skipped"`
	Processed int64 `json:"processed"`
	Marked    int64 `json:"marked"`
}

// Session recognizes frames from one camera feed in the background.
//
// Submit never blocks: a frame is accepted only when no other frame is in
// flight and the recognition interval has elapsed; everything else is
// skipped. Results are published to a latest-wins slot. Once Stop is called
// or the session context ends, no further attendance mark is started and
// in-flight results are dropped.
type Session struct {
	id        string
	rec       *Recognizer
	limiter   *rate.Limiter
	now       func() time.Time
	createdAt time.Time

	frames  chan camera.Frame
	updates chan Outcome
	latest  atomic.Pointer[Outcome]
	state   atomic.Int32
	busy    atomic.Bool
	closing atomic.Bool

	// lastActive holds the unix nanoseconds of the last Submit.
	lastActive atomic.Int64
	submitted  atomic.Int64
	skipped    atomic.Int64
	processed  atomic.Int64
	markedN    atomic.Int64

	// marked maps a student to the ledger date it was last marked on. It
	// is only touched by the worker goroutine.
	marked map[string]string

	// gate orders Stop against the start of a ledger mark.
	gate    sync.Mutex
	stopped bool

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithInterval sets the minimum gap between recognitions.
func WithInterval(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.limiter = rate.NewLimiter(rate.Every(d), 1)
		}
	}
}

// WithSessionClock overrides the clock used for throttling.
func WithSessionClock(now func() time.Time) SessionOption {
	return func(s *Session) {
		s.now = now
	}
}

// NewSession creates an idle session.
func NewSession(rec *Recognizer, opts ...SessionOption) *Session {
	s := &Session{
		id:      uuid.NewString(),
		rec:     rec,
		limiter: rate.NewLimiter(rate.Every(DefaultInterval), 1),
		now:     time.Now,
		frames:  make(chan camera.Frame, 1),
		updates: make(chan Outcome, 1),
		marked:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.createdAt = s.now()
	s.lastActive.Store(s.createdAt.UnixNano())
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// LastActive returns when the session last received a frame, or its
// creation time if it never did.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Stats returns frame counters.
func (s *Session) Stats() SessionStats {
	return SessionStats{
		Submitted: s.submitted.Load(),
		Skipped:   s.skipped.Load(),
		Processed: s.processed.Load(),
		Marked:    s.markedN.Load(),
	}
}

// Start launches the background worker. The session runs until Stop is
// called or ctx is cancelled.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing.Load() {
		return ErrSessionStopped
	}
	if s.started {
		return ErrSessionStarted
	}
	s.started = true

	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	s.cancel = cancel
	s.group = g

	s.setState(StateCapturing)
	g.Go(func() error {
		return s.work(ctx)
	})

	logging.Component("session").WithField("session", s.id).Info("Recognition session started")
	return nil
}

// Submit offers a frame for recognition and reports whether it was
// accepted. Rejected frames are meant for display only.
func (s *Session) Submit(f camera.Frame) bool {
	s.submitted.Add(1)
	s.lastActive.Store(s.now().UnixNano())

	if s.closing.Load() || s.State() == StateIdle {
		s.skipped.Add(1)
		return false
	}
	if s.busy.Load() {
		s.skipped.Add(1)
		return false
	}
	if !s.limiter.AllowN(s.now(), 1) {
		s.skipped.Add(1)
		return false
	}
	if !s.busy.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		return false
	}

	select {
	case s.frames <- f:
		return true
	default:
		s.busy.Store(false)
		s.skipped.Add(1)
		return false
	}
}

func (s *Session) work(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-s.frames:
			s.process(ctx, f)
			s.busy.Store(false)
		}
	}
}

func (s *Session) process(ctx context.Context, f camera.Frame) {
	out := s.rec.identify(ctx, f.Data, s.setState)
	s.processed.Add(1)

	if out.Code == CodeRecognized {
		today := s.rec.ledger.TodayDate()
		if s.marked[out.StudentID] == today {
			out.Code = CodeAlreadyMarked
			out.Message = Message(CodeAlreadyMarked)
		} else {
			s.gate.Lock()
			if s.stopped || ctx.Err() != nil {
				s.gate.Unlock()
				logging.Component("session").WithField("session", s.id).
					Debugf("Discarding recognition of %s after stop", out.StudentID)
				return
			}
			s.setState(StateMarking)
			// The mark runs to completion even if Stop arrives meanwhile.
			out = s.rec.Mark(context.WithoutCancel(ctx), out)
			s.gate.Unlock()

			if out.Code == CodeMarked || out.Code == CodeAlreadyMarked {
				s.marked[out.StudentID] = today
			}
			if out.Code == CodeMarked {
				s.markedN.Add(1)
			}
		}
	}

	if ctx.Err() != nil {
		return
	}
	s.publish(out)
	s.setState(StateCapturing)
}

func (s *Session) publish(out Outcome) {
	s.latest.Store(&out)

	select {
	case s.updates <- out:
		return
	default:
	}
	// Replace the unread update with the newer one.
	select {
	case <-s.updates:
	default:
	}
	select {
	case s.updates <- out:
	default:
	}
}

// Latest returns the most recent outcome, if any.
func (s *Session) Latest() (Outcome, bool) {
	p := s.latest.Load()
	if p == nil {
		return Outcome{}, false
	}
	return *p, true
}

// Updates delivers outcomes as they are produced. Only the newest unread
// outcome is kept. The channel is closed by Stop.
func (s *Session) Updates() <-chan Outcome {
	return s.updates
}

// Stop cancels the session and waits for the worker to exit.
func (s *Session) Stop() error {
	s.gate.Lock()
	already := s.stopped
	s.stopped = true
	s.gate.Unlock()

	if already {
		return nil
	}
	s.closing.Store(true)

	s.mu.Lock()
	cancel, group := s.cancel, s.group
	s.mu.Unlock()

	var err error
	if cancel != nil {
		cancel()
		err = group.Wait()
	}
	s.setState(StateStopped)
	close(s.updates)

	st := s.Stats()
	logging.Component("session").WithFields(logging.Fields{
		"session":   s.id,
		"processed": st.Processed,
		"skipped":   st.Skipped,
		"marked":    st.Marked,
	}).Info("Recognition session stopped")
	return err
}

// Run starts the session, feeds it frames from src until the source ends
// or ctx is cancelled, then stops it.
func (s *Session) Run(ctx context.Context, src camera.Source) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	frames, errs := src.Frames(ctx)
	for f := range frames {
		s.Submit(f)
	}

	srcErr := <-errs
	if err := s.Stop(); err != nil {
		return err
	}
	return srcErr
}
