// Package runtime hosts the HTTP control surface: health probes, call
// submission, status, and a websocket stream of bus events. Prometheus
// metrics are served on a separate listener.
package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"

	"github.com/voxline/voxline-core/internal/bus"
	"github.com/voxline/voxline-core/internal/config"
	"github.com/voxline/voxline-core/internal/orchestrator"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	orch        *orchestrator.Orchestrator
	busClient   *bus.Client
	httpServer  *http.Server
	tracerClose func(context.Context) error
	upgrader    websocket.Upgrader
	ready       atomic.Bool
	addr        atomic.Value
	metricsAddr atomic.Value
	wg          sync.WaitGroup
}

// Addr reports the bound control listener address, empty before Start.
func (r *Runtime) Addr() string {
	addr, _ := r.addr.Load().(string)
	return addr
}

// MetricsAddr reports the bound Prometheus listener address, empty before
// Start or when metrics are disabled.
func (r *Runtime) MetricsAddr() string {
	addr, _ := r.metricsAddr.Load().(string)
	return addr
}

func New(cfg config.Config, orch *orchestrator.Orchestrator, busClient *bus.Client, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "runtime")),
		orch:      orch,
		busClient: busClient,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// Start serves the control surface until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/v1/calls", r.handleSubmitCall)
	mux.HandleFunc("/v1/batch", r.handleSubmitBatch)
	mux.HandleFunc("/v1/status", r.handleStatus)
	mux.HandleFunc("/v1/events", r.handleEvents)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control listener: %w", err)
	}
	r.addr.Store(ln.Addr().String())
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	// Prometheus scrapes get their own listener, off the control surface.
	var metricsServer *http.Server
	if metricHandler != nil {
		metricsLn, err := net.Listen("tcp", r.cfg.Telemetry.PrometheusBind)
		if err != nil {
			_ = r.httpServer.Close()
			r.wg.Wait()
			return fmt.Errorf("metrics listener: %w", err)
		}
		r.metricsAddr.Store(metricsLn.Addr().String())
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricHandler)
		metricsServer = &http.Server{
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := metricsServer.Serve(metricsLn); err != nil && err != http.ErrServerClosed {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", r.Addr()),
		slog.String("metrics_addr", r.MetricsAddr()))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type submitCallRequest struct {
	Destination string `json:"destination"`
}

type submitCallResponse struct {
	SessionID string `json:"session_id"`
}

func (r *Runtime) handleSubmitCall(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body submitCallRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	sessionID, err := r.orch.Submit(body.Destination)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(submitCallResponse{SessionID: sessionID})
}

type submitBatchResponse struct {
	Accepted int `json:"accepted"`
}

// handleSubmitBatch reads destinations as plain text, one per line. Blank
// lines are ignored.
func (r *Runtime) handleSubmitBatch(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var destinations []string
	scanner := bufio.NewScanner(req.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		destinations = append(destinations, line)
	}
	if err := scanner.Err(); err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	if len(destinations) == 0 {
		http.Error(w, "no destinations", http.StatusBadRequest)
		return
	}
	if err := r.orch.SubmitBatch(destinations); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(submitBatchResponse{Accepted: len(destinations)})
}

func (r *Runtime) handleStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(r.orch.Status())
}

// handleEvents upgrades to a websocket and forwards every call.* bus event
// to the client until it disconnects.
func (r *Runtime) handleEvents(w http.ResponseWriter, req *http.Request) {
	if r.busClient == nil || !r.busClient.Healthy() {
		http.Error(w, "event bus not available", http.StatusServiceUnavailable)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	events := make(chan []byte, 64)
	sub, err := r.busClient.Conn().Subscribe("call.>", func(msg *nats.Msg) {
		select {
		case events <- msg.Data:
		default:
			// slow consumer, drop
		}
	})
	if err != nil {
		r.logger.Warn("event subscription failed", slog.String("error", err.Error()))
		return
	}
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-done:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case data := <-events:
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
