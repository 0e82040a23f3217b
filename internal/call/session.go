package call

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxline/voxline-core/internal/protocol"
	"github.com/voxline/voxline-core/internal/signaling"
)

// State names one position in a session's lifecycle. Transitions only move
// forward; Terminated and Failed are absorbing.
type State string

const (
	StateIdle        State = "idle"
	StateConnecting  State = "connecting"
	StateDialing     State = "dialing"
	StateGreeting    State = "greeting"
	StateConversing  State = "conversing"
	StateTerminating State = "terminating"
	StateTerminated  State = "terminated"
	StateFailed      State = "failed"
)

// Terminal reports whether s is an absorbing state.
func (s State) Terminal() bool {
	return s == StateTerminated || s == StateFailed
}

// Outcome is the terminal report a session hands back to its dialer.
type Outcome struct {
	SessionID   string
	Destination string
	State       State
	TurnCount   int
	LastError   string
	Degraded    bool
	StartedAt   time.Time
	FinishedAt  time.Time
}

// SessionConfig carries the per-call parameters a session needs beyond its
// collaborators.
type SessionConfig struct {
	Destination   string
	MaxTurns      int
	Greeting      string
	AllowDegraded bool
	DialTimeout   time.Duration
}

// Session owns one outbound call attempt from dial to hangup. It is
// single-use: Run may be called once.
type Session struct {
	id        string
	cfg       SessionConfig
	transport signaling.Transport
	engine    *Engine
	observer  Observer
	log       *slog.Logger
	clock     func() time.Time

	mu           sync.Mutex
	state        State
	turnCount    int
	lastError    string
	degraded     bool
	callRef      string
	dialed       bool
	hungup       bool
	createdAt    time.Time
	terminatedAt time.Time
}

func NewSession(cfg SessionConfig, transport signaling.Transport, engine *Engine, observer Observer, log *slog.Logger) *Session {
	if observer == nil {
		observer = NopObserver()
	}
	id := uuid.NewString()
	s := &Session{
		id:        id,
		cfg:       cfg,
		transport: transport,
		engine:    engine,
		observer:  observer,
		log:       log.With(slog.String("component", "session"), slog.String("session_id", id), slog.String("destination", cfg.Destination)),
		clock:     time.Now,
		state:     StateIdle,
	}
	s.createdAt = s.clock()
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) TurnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnCount
}

// Run drives the session to a terminal state and reports the outcome.
// Cancelling ctx stops new turns from starting and fast-forwards the call
// to termination; it does not interrupt a step already in flight.
func (s *Session) Run(ctx context.Context) Outcome {
	started := s.clock()

	if err := s.connect(ctx); err != nil {
		return s.fail(ctx, started, err)
	}
	if s.isDegraded() && !s.cfg.AllowDegraded {
		s.log.Warn("registration degraded and degraded mode disallowed")
		return s.failWith(ctx, started, "registration_timeout")
	}

	s.transition(StateDialing)
	dialCtx := ctx
	if s.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, s.cfg.DialTimeout)
		defer cancel()
	}
	ref, err := s.transport.Dial(dialCtx, s.cfg.Destination)
	if err != nil {
		return s.fail(ctx, started, err)
	}
	s.mu.Lock()
	s.callRef = ref
	s.dialed = true
	s.mu.Unlock()

	s.transition(StateGreeting)
	s.engine.Greet(ctx, s.transport, s.cfg.Greeting)

	s.transition(StateConversing)
	if err := s.converse(ctx); err != nil {
		return s.fail(ctx, started, err)
	}

	s.transition(StateTerminating)
	s.hangup(ctx)
	s.transition(StateTerminated)
	return s.finish(started)
}

func (s *Session) connect(ctx context.Context) error {
	s.transition(StateConnecting)
	if s.transport.Connected() {
		return nil
	}
	result, err := s.transport.Connect(ctx)
	if err != nil {
		return err
	}
	if result.Degraded {
		s.mu.Lock()
		s.degraded = true
		s.mu.Unlock()
		s.log.Warn("proceeding with unconfirmed registration")
	}
	return nil
}

func (s *Session) converse(ctx context.Context) error {
	for {
		s.mu.Lock()
		count := s.turnCount
		s.mu.Unlock()
		if count >= s.cfg.MaxTurns {
			return nil
		}
		if ctx.Err() != nil {
			s.log.Info("shutdown requested, ending conversation", slog.Int("turns", count))
			return nil
		}

		turn, err := s.engine.RunTurn(ctx, s.transport, count)
		if err != nil {
			return err
		}
		s.observer.OnTurn(protocol.TurnEvent{
			SessionID:  s.id,
			Index:      turn.Index,
			Transcript: turn.Transcript,
			Response:   turn.ResponseText,
			Outcome:    turn.Outcome,
			Timestamp:  s.clock(),
		})
		if turn.Outcome != OutcomeCompleted {
			s.mu.Lock()
			s.lastError = turn.Outcome
			s.mu.Unlock()
			return nil
		}
		s.mu.Lock()
		s.turnCount++
		s.mu.Unlock()
	}
}

// hangup terminates the remote leg at most once, and only when a dial
// actually went out. Send failure is logged and not retried.
func (s *Session) hangup(ctx context.Context) {
	s.mu.Lock()
	if !s.dialed || s.hungup {
		s.mu.Unlock()
		return
	}
	s.hungup = true
	ref := s.callRef
	s.mu.Unlock()

	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.transport.Hangup(hctx, ref); err != nil {
		s.log.Warn("hangup failed", slog.String("error", err.Error()))
	}
}

func (s *Session) fail(ctx context.Context, started time.Time, err error) Outcome {
	kind := "transport"
	var terr *signaling.TransportError
	if errors.As(err, &terr) {
		kind = string(terr.Kind)
	}
	s.log.Error("session failed", slog.String("error", err.Error()), slog.String("kind", kind))
	return s.failWith(ctx, started, kind)
}

func (s *Session) failWith(ctx context.Context, started time.Time, lastError string) Outcome {
	s.mu.Lock()
	s.lastError = lastError
	s.mu.Unlock()
	s.hangup(ctx)
	s.transition(StateFailed)
	return s.finish(started)
}

func (s *Session) finish(started time.Time) Outcome {
	s.mu.Lock()
	if s.terminatedAt.IsZero() {
		s.terminatedAt = s.clock()
	}
	out := Outcome{
		SessionID:   s.id,
		Destination: s.cfg.Destination,
		State:       s.state,
		TurnCount:   s.turnCount,
		LastError:   s.lastError,
		Degraded:    s.degraded,
		StartedAt:   started,
		FinishedAt:  s.terminatedAt,
	}
	s.mu.Unlock()
	s.observer.OnSessionDone(out)
	return out
}

func (s *Session) transition(next State) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = next
	ev := protocol.SessionEvent{
		SessionID:   s.id,
		Destination: s.cfg.Destination,
		State:       string(next),
		PrevState:   string(prev),
		TurnCount:   s.turnCount,
		LastError:   s.lastError,
		Degraded:    s.degraded,
		Timestamp:   s.clock(),
	}
	s.mu.Unlock()

	s.log.Debug("state transition", slog.String("from", string(prev)), slog.String("to", string(next)))
	s.observer.OnSessionState(ev)
}

func (s *Session) isDegraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}
