package call

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/voxline/voxline-core/internal/llm"
	"github.com/voxline/voxline-core/internal/protocol"
	"github.com/voxline/voxline-core/internal/signaling"
	"github.com/voxline/voxline-core/internal/stt"
	"github.com/voxline/voxline-core/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTransport scripts transport behavior per test and records every
// signaling operation it sees.
type fakeTransport struct {
	mu         sync.Mutex
	connected  bool
	degraded   bool
	connectErr error
	dialErr    error
	dialDelay  time.Duration
	recordErr  error
	playErr    error
	audio      []byte
	dials      []string
	dialTimes  []time.Time
	hangups    []string
	plays      int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{audio: []byte("caller-audio")}
}

func (f *fakeTransport) Connect(context.Context) (signaling.ConnectResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return signaling.ConnectResult{}, f.connectErr
	}
	f.connected = true
	return signaling.ConnectResult{Degraded: f.degraded}, nil
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Dial(_ context.Context, destination string) (string, error) {
	if f.dialDelay > 0 {
		time.Sleep(f.dialDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials = append(f.dials, destination)
	f.dialTimes = append(f.dialTimes, time.Now())
	if f.dialErr != nil {
		return "", f.dialErr
	}
	return "ref-" + destination, nil
}

func (f *fakeTransport) Record(context.Context, signaling.RecordParams) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recordErr != nil {
		return nil, f.recordErr
	}
	return f.audio, nil
}

func (f *fakeTransport) Play(context.Context, []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plays++
	return f.playErr
}

func (f *fakeTransport) Hangup(_ context.Context, callRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, callRef)
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) hangupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.hangups)
}

func (f *fakeTransport) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dials)
}

// noneTranscriber simulates a recognizer that hears nothing useful.
type noneTranscriber struct{}

func (noneTranscriber) Transcribe(context.Context, []byte) (string, error) { return "", nil }

// stateRecorder collects the state transition sequence for assertions.
type stateRecorder struct {
	mu     sync.Mutex
	states []string
}

func (r *stateRecorder) OnSessionState(ev protocol.SessionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, ev.State)
}

func (r *stateRecorder) OnTurn(protocol.TurnEvent) {}
func (r *stateRecorder) OnSessionDone(Outcome)     {}

func (r *stateRecorder) saw(state State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.states {
		if s == string(state) {
			return true
		}
	}
	return false
}

func newTestEngine() *Engine {
	return NewEngine(
		stt.NewMockTranscriber("hello"),
		llm.NewMockGenerator("hi there"),
		tts.NewMockSynth(),
		signaling.RecordParams{MaxDuration: time.Second, SilenceTimeout: time.Second},
		newLogger(),
	)
}

func newTestSession(tr signaling.Transport, engine *Engine, obs Observer, maxTurns int) *Session {
	return NewSession(SessionConfig{
		Destination:   "1000",
		MaxTurns:      maxTurns,
		Greeting:      "Hello, this is a test call.",
		AllowDegraded: true,
		DialTimeout:   time.Second,
	}, tr, engine, obs, newLogger())
}

func TestSessionHappyPath(t *testing.T) {
	tr := newFakeTransport()
	s := newTestSession(tr, newTestEngine(), nil, 2)

	out := s.Run(context.Background())
	if out.State != StateTerminated {
		t.Fatalf("expected terminated, got %s (lastError=%q)", out.State, out.LastError)
	}
	if out.TurnCount != 2 {
		t.Fatalf("expected 2 turns, got %d", out.TurnCount)
	}
	if out.LastError != "" {
		t.Fatalf("unexpected lastError %q", out.LastError)
	}
	if got := tr.hangupCount(); got != 1 {
		t.Fatalf("expected exactly one hangup, got %d", got)
	}
	if out.FinishedAt.Before(out.StartedAt) {
		t.Fatal("finishedAt precedes startedAt")
	}
}

func TestSessionTurnCountBounded(t *testing.T) {
	for _, maxTurns := range []int{1, 3, 7} {
		tr := newFakeTransport()
		s := newTestSession(tr, newTestEngine(), nil, maxTurns)
		out := s.Run(context.Background())
		if out.TurnCount > maxTurns {
			t.Fatalf("maxTurns=%d: turn count %d exceeds bound", maxTurns, out.TurnCount)
		}
		if out.TurnCount != maxTurns {
			t.Fatalf("maxTurns=%d: expected full conversation, got %d turns", maxTurns, out.TurnCount)
		}
	}
}

func TestSessionConnectFailureNeverConverses(t *testing.T) {
	tr := newFakeTransport()
	tr.connectErr = &signaling.TransportError{Kind: signaling.KindConnect, Detail: "connection refused"}
	rec := &stateRecorder{}
	s := newTestSession(tr, newTestEngine(), rec, 2)

	out := s.Run(context.Background())
	if out.State != StateFailed {
		t.Fatalf("expected failed, got %s", out.State)
	}
	if out.LastError != string(signaling.KindConnect) {
		t.Fatalf("unexpected lastError %q", out.LastError)
	}
	if rec.saw(StateConversing) {
		t.Fatal("session without registration must never converse")
	}
	if tr.dialCount() != 0 {
		t.Fatal("no invite should be attempted after connect failure")
	}
	if tr.hangupCount() != 0 {
		t.Fatal("hangup must be a no-op when nothing was dialed")
	}
}

func TestSessionDialFailure(t *testing.T) {
	tr := newFakeTransport()
	tr.dialErr = &signaling.TransportError{Kind: signaling.KindProtocol, Detail: "503 rejected"}
	rec := &stateRecorder{}
	s := newTestSession(tr, newTestEngine(), rec, 2)

	out := s.Run(context.Background())
	if out.State != StateFailed {
		t.Fatalf("expected failed, got %s", out.State)
	}
	if out.LastError != string(signaling.KindProtocol) {
		t.Fatalf("unexpected lastError %q", out.LastError)
	}
	if rec.saw(StateGreeting) || rec.saw(StateConversing) {
		t.Fatal("failed dial must not reach greeting or conversing")
	}
	if tr.hangupCount() != 0 {
		t.Fatal("hangup must be a no-op when the dial never went out")
	}
}

func TestSessionNoTranscriptEndsConversation(t *testing.T) {
	tr := newFakeTransport()
	engine := NewEngine(noneTranscriber{}, llm.NewMockGenerator(""), tts.NewMockSynth(), signaling.RecordParams{}, newLogger())
	s := newTestSession(tr, engine, nil, 3)

	out := s.Run(context.Background())
	if out.State != StateTerminated {
		t.Fatalf("expected terminated, got %s", out.State)
	}
	if out.TurnCount != 0 {
		t.Fatalf("expected 0 completed turns, got %d", out.TurnCount)
	}
	if out.LastError != AbandonNoTranscript {
		t.Fatalf("expected lastError %q, got %q", AbandonNoTranscript, out.LastError)
	}
	if got := tr.hangupCount(); got != 1 {
		t.Fatalf("expected exactly one hangup, got %d", got)
	}
}

func TestSessionRecordTimeoutAbandonsTurn(t *testing.T) {
	tr := newFakeTransport()
	tr.recordErr = &signaling.TransportError{Kind: signaling.KindTimeout, Detail: "no audio"}
	s := newTestSession(tr, newTestEngine(), nil, 3)

	out := s.Run(context.Background())
	if out.State != StateTerminated {
		t.Fatalf("expected terminated, got %s", out.State)
	}
	if out.TurnCount != 0 {
		t.Fatalf("expected 0 turns, got %d", out.TurnCount)
	}
	if out.LastError != AbandonNoInput {
		t.Fatalf("expected lastError %q, got %q", AbandonNoInput, out.LastError)
	}
}

func TestSessionHardRecordErrorFails(t *testing.T) {
	tr := newFakeTransport()
	tr.recordErr = &signaling.TransportError{Kind: signaling.KindReceive, Detail: "connection reset"}
	s := newTestSession(tr, newTestEngine(), nil, 3)

	out := s.Run(context.Background())
	if out.State != StateFailed {
		t.Fatalf("expected failed, got %s", out.State)
	}
	if out.LastError != string(signaling.KindReceive) {
		t.Fatalf("unexpected lastError %q", out.LastError)
	}
	if got := tr.hangupCount(); got != 1 {
		t.Fatalf("failed session after dial should still hang up once, got %d", got)
	}
}

func TestSessionPlaybackFailureDoesNotAbort(t *testing.T) {
	tr := newFakeTransport()
	tr.playErr = &signaling.TransportError{Kind: signaling.KindSend, Detail: "write failed"}
	s := newTestSession(tr, newTestEngine(), nil, 2)

	out := s.Run(context.Background())
	if out.State != StateTerminated {
		t.Fatalf("expected terminated despite playback failures, got %s", out.State)
	}
	if out.TurnCount != 2 {
		t.Fatalf("expected 2 turns, got %d", out.TurnCount)
	}
}

func TestSessionDegradedDisallowed(t *testing.T) {
	tr := newFakeTransport()
	tr.degraded = true
	s := NewSession(SessionConfig{
		Destination:   "1000",
		MaxTurns:      2,
		AllowDegraded: false,
		DialTimeout:   time.Second,
	}, tr, newTestEngine(), nil, newLogger())

	out := s.Run(context.Background())
	if out.State != StateFailed {
		t.Fatalf("expected failed, got %s", out.State)
	}
	if !out.Degraded {
		t.Fatal("degraded flag must be recorded")
	}
	if out.LastError != "registration_timeout" {
		t.Fatalf("unexpected lastError %q", out.LastError)
	}
	if tr.dialCount() != 0 {
		t.Fatal("no invite should be attempted in rejected degraded mode")
	}
}

func TestSessionDegradedAllowedProceeds(t *testing.T) {
	tr := newFakeTransport()
	tr.degraded = true
	s := newTestSession(tr, newTestEngine(), nil, 1)

	out := s.Run(context.Background())
	if out.State != StateTerminated {
		t.Fatalf("expected terminated, got %s", out.State)
	}
	if !out.Degraded {
		t.Fatal("degraded flag must be carried into the outcome")
	}
	if out.TurnCount != 1 {
		t.Fatalf("expected 1 turn, got %d", out.TurnCount)
	}
}

func TestSessionCancelledBeforeNextTurn(t *testing.T) {
	tr := newFakeTransport()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := newTestSession(tr, newTestEngine(), nil, 5)

	out := s.Run(ctx)
	if out.State != StateFailed && out.State != StateTerminated {
		t.Fatalf("expected a terminal state, got %s", out.State)
	}
	if out.TurnCount != 0 {
		t.Fatalf("cancelled session must not start turns, got %d", out.TurnCount)
	}
}
