package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/voxline/voxline-core/internal/config"
	"github.com/voxline/voxline-core/internal/llm"
	"github.com/voxline/voxline-core/internal/orchestrator"
	"github.com/voxline/voxline-core/internal/signaling"
	"github.com/voxline/voxline-core/internal/stt"
	"github.com/voxline/voxline-core/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type okTransport struct{}

func (okTransport) Connect(context.Context) (signaling.ConnectResult, error) {
	return signaling.ConnectResult{}, nil
}
func (okTransport) Connected() bool { return true }
func (okTransport) Dial(_ context.Context, destination string) (string, error) {
	return "ref-" + destination, nil
}
func (okTransport) Record(context.Context, signaling.RecordParams) ([]byte, error) {
	return []byte("audio"), nil
}
func (okTransport) Play(context.Context, []byte) error   { return nil }
func (okTransport) Hangup(context.Context, string) error { return nil }
func (okTransport) Close() error                         { return nil }

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	cfg := config.Default()
	cfg.Dialer.MaxTurns = 1
	cfg.Dialer.InterCallSpacing = 0
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	orch := orchestrator.New(ctx, cfg, orchestrator.Deps{
		Transport:   okTransport{},
		Transcriber: stt.NewMockTranscriber("hello"),
		Generator:   llm.NewMockGenerator("hi"),
		Synth:       tts.NewMockSynth(),
	}, newLogger())
	t.Cleanup(orch.Shutdown)
	r := New(cfg, orch, nil, newLogger())
	r.ready.Store(true)
	return r
}

func TestHealthAndReady(t *testing.T) {
	r := newTestRuntime(t)

	rec := httptest.NewRecorder()
	r.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	r.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz: expected 200, got %d", rec.Code)
	}

	r.ready.Store(false)
	rec = httptest.NewRecorder()
	r.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz: expected 503 when not ready, got %d", rec.Code)
	}
}

func TestSubmitCall(t *testing.T) {
	r := newTestRuntime(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/calls", strings.NewReader(`{"destination":"1000"}`))
	r.handleSubmitCall(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp submitCallResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.SessionID == "" {
		t.Fatal("expected a session id")
	}
}

func TestSubmitCallRejectsEmptyDestination(t *testing.T) {
	r := newTestRuntime(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/calls", strings.NewReader(`{"destination":"  "}`))
	r.handleSubmitCall(rec, req)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestSubmitBatchIgnoresBlankLines(t *testing.T) {
	r := newTestRuntime(t)

	body := "1000\n\n  \n1001\n"
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/batch", strings.NewReader(body))
	r.handleSubmitBatch(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp submitBatchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Accepted != 2 {
		t.Fatalf("expected 2 accepted destinations, got %d", resp.Accepted)
	}
}

func TestSubmitBatchRejectsEmptyBody(t *testing.T) {
	r := newTestRuntime(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/batch", strings.NewReader("\n\n"))
	r.handleSubmitBatch(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	r := newTestRuntime(t)

	rec := httptest.NewRecorder()
	r.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var st orchestrator.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !st.TransportConnected {
		t.Fatal("expected transport connected")
	}
}

func TestMetricsServedOnDedicatedListener(t *testing.T) {
	cfg := config.Default()
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Telemetry.PrometheusBind = "127.0.0.1:0"
	cfg.Dialer.MaxTurns = 1

	octx, ocancel := context.WithCancel(context.Background())
	t.Cleanup(ocancel)
	orch := orchestrator.New(octx, cfg, orchestrator.Deps{
		Transport:   okTransport{},
		Transcriber: stt.NewMockTranscriber("hello"),
		Generator:   llm.NewMockGenerator("hi"),
		Synth:       tts.NewMockSynth(),
	}, newLogger())
	t.Cleanup(orch.Shutdown)

	r := New(cfg, orch, nil, newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	deadline := time.Now().Add(5 * time.Second)
	for r.MetricsAddr() == "" || r.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("listeners never came up")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := http.Get("http://" + r.MetricsAddr() + "/metrics")
	if err != nil {
		t.Fatalf("scrape metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics listener: expected 200, got %d", resp.StatusCode)
	}

	resp, err = http.Get("http://" + r.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("query control surface: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("control surface must not serve metrics, got %d", resp.StatusCode)
	}
}

func TestEventsWithoutBus(t *testing.T) {
	r := newTestRuntime(t)

	rec := httptest.NewRecorder()
	r.handleEvents(rec, httptest.NewRequest(http.MethodGet, "/v1/events", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a bus, got %d", rec.Code)
	}
}
