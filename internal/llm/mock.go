package llm

import (
	"context"
	"fmt"
)

type mockGenerator struct {
	reply string
}

// NewMockGenerator returns a generator that echoes a fixed reply, or a
// canned acknowledgment of the prompt when reply is empty.
func NewMockGenerator(reply string) Generator {
	return &mockGenerator{reply: reply}
}

func (m *mockGenerator) Generate(_ context.Context, prompt string) (string, error) {
	if m.reply != "" {
		return m.reply, nil
	}
	return fmt.Sprintf("I heard you say: %s", prompt), nil
}

func (m *mockGenerator) Healthcheck(_ context.Context) error {
	return nil
}
