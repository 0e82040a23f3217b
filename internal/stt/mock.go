package stt

import (
	"context"
	"fmt"
)

type mockTranscriber struct {
	text string
}

// NewMockTranscriber returns a transcriber that echoes a fixed text, or a
// synthetic marker derived from the audio length when text is empty.
func NewMockTranscriber(text string) Transcriber {
	return &mockTranscriber{text: text}
}

func (m *mockTranscriber) Transcribe(_ context.Context, audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", nil
	}
	if m.text != "" {
		return m.text, nil
	}
	return fmt.Sprintf("[mock transcript length=%d]", len(audio)), nil
}
