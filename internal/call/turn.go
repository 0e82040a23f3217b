package call

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/voxline/voxline-core/internal/llm"
	"github.com/voxline/voxline-core/internal/signaling"
	"github.com/voxline/voxline-core/internal/stt"
	"github.com/voxline/voxline-core/internal/tts"
)

// Turn outcome values. Everything except completed names the step that
// starved the turn.
const (
	OutcomeCompleted    = "completed"
	AbandonNoInput      = "no_input"
	AbandonNoTranscript = "no_transcript"
	AbandonNoResponse   = "no_response"
	AbandonNoAudio      = "no_audio"
)

// Turn captures how far one record/transcribe/generate/synthesize/play
// cycle progressed. Fields stay empty past the step that abandoned it.
type Turn struct {
	Index         int
	UserAudio     []byte
	Transcript    string
	ResponseText  string
	ResponseAudio []byte
	Outcome       string
}

// Engine drives conversation turns against a transport and the three
// speech collaborators. It holds no per-call state.
type Engine struct {
	transcriber stt.Transcriber
	generator   llm.Generator
	synth       tts.Synthesizer
	record      signaling.RecordParams
	log         *slog.Logger
}

func NewEngine(transcriber stt.Transcriber, generator llm.Generator, synth tts.Synthesizer, record signaling.RecordParams, log *slog.Logger) *Engine {
	return &Engine{
		transcriber: transcriber,
		generator:   generator,
		synth:       synth,
		record:      record,
		log:         log.With(slog.String("component", "turn_engine")),
	}
}

// RunTurn executes one full conversation cycle. An abandoned turn is a
// normal result, not an error; the returned error is reserved for hard
// transport failures that should fail the whole session.
func (e *Engine) RunTurn(ctx context.Context, tr signaling.Transport, index int) (Turn, error) {
	turn := Turn{Index: index}

	// Cancellation gates the next turn, not a step already in flight. The
	// deadline keeps a hung collaborator from stalling shutdown.
	ctx, cancel := e.stepContext(ctx)
	defer cancel()

	audio, err := tr.Record(ctx, e.record)
	if err != nil {
		var terr *signaling.TransportError
		if errors.As(err, &terr) && (terr.Kind == signaling.KindTimeout || terr.Kind == signaling.KindUnsupported) {
			e.log.Debug("no caller audio captured", slog.Int("turn", index), slog.String("kind", string(terr.Kind)))
			turn.Outcome = AbandonNoInput
			return turn, nil
		}
		return turn, err
	}
	if len(audio) == 0 {
		turn.Outcome = AbandonNoInput
		return turn, nil
	}
	turn.UserAudio = audio

	transcript, err := e.transcriber.Transcribe(ctx, audio)
	if err != nil {
		e.log.Warn("transcription failed", slog.Int("turn", index), slog.String("error", err.Error()))
	}
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		turn.Outcome = AbandonNoTranscript
		return turn, nil
	}
	turn.Transcript = transcript

	reply, err := e.generator.Generate(ctx, transcript)
	if err != nil {
		e.log.Warn("response generation failed", slog.Int("turn", index), slog.String("error", err.Error()))
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		turn.Outcome = AbandonNoResponse
		return turn, nil
	}
	turn.ResponseText = reply

	speech, err := e.synth.Synthesize(ctx, reply)
	if err != nil {
		e.log.Warn("synthesis failed", slog.Int("turn", index), slog.String("error", err.Error()))
	}
	if len(speech) == 0 {
		turn.Outcome = AbandonNoAudio
		return turn, nil
	}
	turn.ResponseAudio = speech

	// Degraded playback is tolerated; the caller may simply miss one reply.
	if err := tr.Play(ctx, speech); err != nil {
		e.log.Warn("playback failed", slog.Int("turn", index), slog.String("error", err.Error()))
	}

	turn.Outcome = OutcomeCompleted
	return turn, nil
}

// Greet synthesizes and plays the opening line. No caller input is
// expected, so delivery problems are logged and the call proceeds.
func (e *Engine) Greet(ctx context.Context, tr signaling.Transport, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	ctx, cancel := e.stepContext(ctx)
	defer cancel()
	audio, err := e.synth.Synthesize(ctx, text)
	if err != nil {
		e.log.Warn("greeting synthesis failed", slog.String("error", err.Error()))
		return
	}
	if len(audio) == 0 {
		return
	}
	if err := tr.Play(ctx, audio); err != nil {
		e.log.Warn("greeting playback failed", slog.String("error", err.Error()))
	}
}

func (e *Engine) stepContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.record.MaxDuration+30*time.Second)
}
