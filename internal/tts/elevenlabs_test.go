package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voxline/voxline-core/internal/config"
)

func TestElevenLabsSynthesize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/text-to-speech/voice-1" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("xi-api-key"); got != "test-key" {
			t.Errorf("unexpected api key header %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req["text"] != "hello there" {
			t.Errorf("unexpected text %v", req["text"])
		}
		w.Write([]byte("audio-bytes"))
	}))
	t.Cleanup(server.Close)

	synth := NewElevenLabs(config.TTSConfig{APIKey: "test-key", BaseURL: server.URL, Voice: "voice-1", Model: "eleven_multilingual_v2"})
	audio, err := synth.Synthesize(context.Background(), "hello there")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if !bytes.Equal(audio, []byte("audio-bytes")) {
		t.Fatalf("unexpected audio payload %q", audio)
	}
}

func TestElevenLabsAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"detail":{"status":"invalid_api_key","message":"bad key"}}`))
	}))
	t.Cleanup(server.Close)

	synth := NewElevenLabs(config.TTSConfig{APIKey: "wrong", BaseURL: server.URL, Voice: "voice-1"})
	_, err := synth.Synthesize(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected error on 401 response")
	}
}

func TestElevenLabsSkipsEmptyText(t *testing.T) {
	synth := NewElevenLabs(config.TTSConfig{APIKey: "test-key", BaseURL: "http://127.0.0.1:1", Voice: "voice-1"})
	audio, err := synth.Synthesize(context.Background(), "   ")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if audio != nil {
		t.Fatalf("expected no audio for blank text, got %d bytes", len(audio))
	}
}
