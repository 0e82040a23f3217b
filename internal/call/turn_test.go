package call

import (
	"context"
	"testing"
	"time"

	"github.com/voxline/voxline-core/internal/signaling"
)

// The ctx-checking collaborators fail when the context handed to them is
// already dead, so a passing turn proves the engine detached them from the
// caller's cancellation.
type ctxCheckTranscriber struct{}

func (ctxCheckTranscriber) Transcribe(ctx context.Context, _ []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "hello", nil
}

type ctxCheckGenerator struct{}

func (ctxCheckGenerator) Generate(ctx context.Context, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "still talking", nil
}

func (ctxCheckGenerator) Healthcheck(ctx context.Context) error { return ctx.Err() }

type ctxCheckSynth struct{}

func (ctxCheckSynth) Synthesize(ctx context.Context, _ string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []byte("speech"), nil
}

func newCtxCheckEngine() *Engine {
	return NewEngine(
		ctxCheckTranscriber{},
		ctxCheckGenerator{},
		ctxCheckSynth{},
		signaling.RecordParams{MaxDuration: time.Second, SilenceTimeout: time.Second},
		newLogger(),
	)
}

func TestRunTurnFinishesAfterCancellation(t *testing.T) {
	tr := newFakeTransport()
	engine := newCtxCheckEngine()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	turn, err := engine.RunTurn(ctx, tr, 0)
	if err != nil {
		t.Fatalf("turn in flight must not abort on cancellation: %v", err)
	}
	if turn.Outcome != OutcomeCompleted {
		t.Fatalf("expected completed turn, got %s", turn.Outcome)
	}
	if turn.ResponseText != "still talking" {
		t.Fatalf("unexpected response %q", turn.ResponseText)
	}
}

func TestGreetFinishesAfterCancellation(t *testing.T) {
	tr := newFakeTransport()
	engine := newCtxCheckEngine()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	engine.Greet(ctx, tr, "good morning")

	tr.mu.Lock()
	plays := tr.plays
	tr.mu.Unlock()
	if plays != 1 {
		t.Fatalf("expected the greeting to play, got %d plays", plays)
	}
}
