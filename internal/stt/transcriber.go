package stt

import (
	"context"
	"fmt"

	"github.com/voxline/voxline-core/internal/config"
)

// Transcriber abstracts STT backends. An empty result means nothing was
// recognized; implementations must tolerate empty or garbled audio without
// panicking past this boundary.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// FromConfig selects the configured backend.
func FromConfig(cfg config.STTConfig) (Transcriber, error) {
	switch cfg.Mode {
	case "deepgram":
		return NewDeepgram(cfg), nil
	case "exec":
		return NewExecTranscriber(cfg)
	case "mock":
		return NewMockTranscriber(""), nil
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}
