package stt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voxline/voxline-core/internal/config"
)

func TestDeepgramTranscribe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/listen" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Token test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		if got := r.URL.Query().Get("model"); got != "nova-2" {
			t.Errorf("unexpected model %q", got)
		}
		w.Write([]byte(`{"results":{"channels":[{"alternatives":[{"transcript":"hello world","confidence":0.98}]}]}}`))
	}))
	t.Cleanup(server.Close)

	tr := NewDeepgram(config.STTConfig{APIKey: "test-key", BaseURL: server.URL, Model: "nova-2"})
	text, err := tr.Transcribe(context.Background(), []byte("wav-bytes"))
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "hello world" {
		t.Fatalf("unexpected transcript %q", text)
	}
}

func TestDeepgramEmptyTranscript(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"results":{"channels":[{"alternatives":[{"transcript":""}]}]}}`))
	}))
	t.Cleanup(server.Close)

	tr := NewDeepgram(config.STTConfig{APIKey: "test-key", BaseURL: server.URL})
	text, err := tr.Transcribe(context.Background(), []byte("wav-bytes"))
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "" {
		t.Fatalf("expected empty transcript, got %q", text)
	}
}

func TestDeepgramServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	tr := NewDeepgram(config.STTConfig{APIKey: "test-key", BaseURL: server.URL})
	if _, err := tr.Transcribe(context.Background(), []byte("wav-bytes")); err == nil {
		t.Fatal("expected error on 500 response")
	}
}

func TestDeepgramSkipsEmptyAudio(t *testing.T) {
	tr := NewDeepgram(config.STTConfig{APIKey: "test-key", BaseURL: "http://127.0.0.1:1"})
	text, err := tr.Transcribe(context.Background(), nil)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "" {
		t.Fatalf("expected empty transcript for empty audio, got %q", text)
	}
}
