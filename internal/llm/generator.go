package llm

import (
	"context"
	"fmt"

	"github.com/voxline/voxline-core/internal/config"
)

// Generator produces the assistant's next utterance from a caller prompt.
// Implementations keep no conversation memory; the caller supplies any
// history inside the prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Healthcheck(ctx context.Context) error
}

// FromConfig selects the configured backend.
func FromConfig(cfg config.LLMConfig) (Generator, error) {
	switch cfg.Mode {
	case "ollama":
		return NewOllamaGenerator(cfg), nil
	case "exec":
		return NewExecGenerator(cfg)
	case "mock":
		return NewMockGenerator(""), nil
	default:
		return nil, fmt.Errorf("unknown llm mode %q", cfg.Mode)
	}
}
