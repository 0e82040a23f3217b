package tts

import (
	"context"
	"fmt"

	"github.com/voxline/voxline-core/internal/config"
)

// Synthesizer turns response text into playable audio. A nil result with a
// nil error means the backend produced nothing for the given text.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// FromConfig selects the configured backend.
func FromConfig(cfg config.TTSConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "elevenlabs":
		return NewElevenLabs(cfg), nil
	case "exec":
		return NewExecSynth(cfg)
	case "mock":
		return NewMockSynth(), nil
	default:
		return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
}
