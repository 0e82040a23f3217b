package tts

import (
	"context"
	"fmt"
)

type mockSynth struct{}

// NewMockSynth returns a synthesizer producing a deterministic payload
// derived from the text. Useful for tests and dry runs.
func NewMockSynth() Synthesizer {
	return &mockSynth{}
}

func (m *mockSynth) Synthesize(_ context.Context, text string) ([]byte, error) {
	if text == "" {
		return nil, nil
	}
	return []byte(fmt.Sprintf("[mock audio for %d chars]", len(text))), nil
}
