// Package orchestrator is the process-wide facade over the call machinery:
// it wires the transport, the turn engine, and the batch dialer together
// and exposes submit/status/shutdown to the control surface.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxline/voxline-core/internal/bus"
	"github.com/voxline/voxline-core/internal/call"
	"github.com/voxline/voxline-core/internal/calllog"
	"github.com/voxline/voxline-core/internal/config"
	"github.com/voxline/voxline-core/internal/llm"
	"github.com/voxline/voxline-core/internal/protocol"
	"github.com/voxline/voxline-core/internal/registry"
	"github.com/voxline/voxline-core/internal/signaling"
	"github.com/voxline/voxline-core/internal/stt"
	"github.com/voxline/voxline-core/internal/tts"
)

// Readiness classifies the outcome of Initialize.
type Readiness string

const (
	ReadyOK       Readiness = "ready"
	ReadyDegraded Readiness = "degraded"
	ReadyFail     Readiness = "fail"
)

// Deps carries the injected collaborators. Bus, Store and Registry may be
// nil; the orchestrator then runs without event publishing, archiving or
// metrics respectively.
type Deps struct {
	Transport   signaling.Transport
	Transcriber stt.Transcriber
	Generator   llm.Generator
	Synth       tts.Synthesizer
	Bus         *bus.Client
	Store       *calllog.Store
	Registry    *registry.Registry
}

// BatchStatus is the last batch summary surfaced through Status.
type BatchStatus struct {
	Total      int       `json:"total"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Running    bool      `json:"running"`
}

// Status is the structured state report for the control surface.
type Status struct {
	TransportConnected bool             `json:"transport_connected"`
	Degraded           bool             `json:"degraded"`
	ActiveSessions     int              `json:"active_sessions"`
	TotalTerminated    int64            `json:"total_terminated"`
	TotalFailed        int64            `json:"total_failed"`
	LastBatch          *BatchStatus     `json:"last_batch,omitempty"`
	Sessions           []registry.Entry `json:"sessions,omitempty"`
}

type Orchestrator struct {
	cfg       config.Config
	transport signaling.Transport
	generator llm.Generator
	engine    *call.Engine
	observer  call.Observer
	busClient *bus.Client
	registry  *registry.Registry
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	degraded     bool
	batchRunning bool
	lastBatch    *BatchStatus
}

func New(parent context.Context, cfg config.Config, deps Deps, log *slog.Logger) *Orchestrator {
	ctx, cancel := context.WithCancel(parent)
	o := &Orchestrator{
		cfg:       cfg,
		transport: signaling.Serialize(deps.Transport),
		generator: deps.Generator,
		busClient: deps.Bus,
		registry:  deps.Registry,
		log:       log.With(slog.String("component", "orchestrator")),
		ctx:       ctx,
		cancel:    cancel,
	}

	record := signaling.RecordParams{
		MaxDuration:    time.Duration(cfg.Dialer.RecordMaxSeconds) * time.Second,
		SilenceTimeout: time.Duration(cfg.Dialer.RecordSilence) * time.Second,
	}
	o.engine = call.NewEngine(deps.Transcriber, deps.Generator, deps.Synth, record, log)

	observers := []call.Observer{}
	if deps.Registry != nil {
		observers = append(observers, deps.Registry)
	}
	if deps.Bus != nil {
		observers = append(observers, &busObserver{bus: deps.Bus})
	}
	if deps.Store != nil {
		observers = append(observers, newStoreObserver(deps.Store, log))
	}
	o.observer = call.MultiObserver(observers...)

	return o
}

// Initialize probes the generation collaborator and the transport. A dead
// generator is fatal; an unreachable or degraded transport still allows
// call attempts and reports degraded.
func (o *Orchestrator) Initialize(ctx context.Context) (Readiness, error) {
	if err := o.generator.Healthcheck(ctx); err != nil {
		return ReadyFail, fmt.Errorf("generation collaborator unavailable: %w", err)
	}

	result, err := o.transport.Connect(ctx)
	if err != nil {
		o.log.Warn("transport connect failed, starting degraded", slog.String("error", err.Error()))
		o.setDegraded(true)
		return ReadyDegraded, nil
	}
	if result.Degraded {
		o.setDegraded(true)
		return ReadyDegraded, nil
	}
	o.log.Info("orchestrator ready", slog.String("variant", o.cfg.Signaling.Variant))
	return ReadyOK, nil
}

// Submit starts one call session asynchronously and returns its id.
func (o *Orchestrator) Submit(destination string) (string, error) {
	if o.ctx.Err() != nil {
		return "", errors.New("orchestrator is shut down")
	}
	dest := signaling.NormalizeDestination(destination)
	if dest == "" {
		return "", errors.New("empty destination")
	}
	session := o.newSession(dest)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		session.Run(o.ctx)
	}()
	return session.ID(), nil
}

// SubmitBatch starts an asynchronous batch run. Only one batch may be in
// flight at a time.
func (o *Orchestrator) SubmitBatch(destinations []string) error {
	if o.ctx.Err() != nil {
		return errors.New("orchestrator is shut down")
	}
	normalized := make([]string, 0, len(destinations))
	for _, d := range destinations {
		if dest := signaling.NormalizeDestination(d); dest != "" {
			normalized = append(normalized, dest)
		}
	}
	if len(normalized) == 0 {
		return errors.New("no destinations")
	}

	o.mu.Lock()
	if o.batchRunning {
		o.mu.Unlock()
		return errors.New("a batch is already running")
	}
	o.batchRunning = true
	o.lastBatch = &BatchStatus{Total: len(normalized), StartedAt: time.Now(), Running: true}
	o.mu.Unlock()

	dialer := call.NewDialer(
		o.cfg.Dialer.Concurrency,
		time.Duration(o.cfg.Dialer.InterCallSpacing)*time.Millisecond,
		o.newSession,
		o.log,
	)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		summary := dialer.Run(o.ctx, normalized)
		o.finishBatch(summary)
	}()
	return nil
}

func (o *Orchestrator) finishBatch(summary call.BatchSummary) {
	o.mu.Lock()
	o.batchRunning = false
	o.lastBatch = &BatchStatus{
		Total:      summary.Total,
		Succeeded:  summary.Succeeded,
		Failed:     summary.Failed,
		StartedAt:  summary.StartedAt,
		FinishedAt: summary.FinishedAt,
	}
	o.mu.Unlock()

	if o.busClient != nil {
		o.busClient.PublishJSON(protocol.SubjectBatchSummary, protocol.BatchEvent{
			Total:      summary.Total,
			Succeeded:  summary.Succeeded,
			Failed:     summary.Failed,
			StartedAt:  summary.StartedAt,
			FinishedAt: summary.FinishedAt,
		})
	}
}

// Status reports the current transport and session state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	var lastBatch *BatchStatus
	if o.lastBatch != nil {
		copied := *o.lastBatch
		lastBatch = &copied
	}
	degraded := o.degraded
	o.mu.Unlock()

	st := Status{
		TransportConnected: o.transport.Connected(),
		Degraded:           degraded,
		LastBatch:          lastBatch,
	}
	if o.registry != nil {
		st.ActiveSessions = o.registry.ActiveCount()
		st.TotalTerminated, st.TotalFailed = o.registry.Totals()
		st.Sessions = o.registry.Snapshot()
	}
	return st
}

// Shutdown cancels in-flight work, waits for sessions to reach a terminal
// state, and closes the transport.
func (o *Orchestrator) Shutdown() {
	o.log.Info("shutting down orchestrator")
	o.cancel()
	o.wg.Wait()
	if err := o.transport.Close(); err != nil {
		o.log.Warn("transport close failed", slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) newSession(destination string) *call.Session {
	return call.NewSession(call.SessionConfig{
		Destination:   destination,
		MaxTurns:      o.cfg.Dialer.MaxTurns,
		Greeting:      o.cfg.Dialer.Greeting,
		AllowDegraded: o.cfg.Signaling.AllowDegraded,
		DialTimeout:   time.Duration(o.cfg.Signaling.DialTimeoutMS) * time.Millisecond,
	}, o.transport, o.engine, o.observer, o.log)
}

func (o *Orchestrator) setDegraded(v bool) {
	o.mu.Lock()
	o.degraded = v
	o.mu.Unlock()
}

// busObserver republishes session lifecycle events on the bus.
type busObserver struct {
	bus *bus.Client
}

func (b *busObserver) OnSessionState(ev protocol.SessionEvent) {
	b.bus.PublishJSON(protocol.SubjectSessionState, ev)
}

func (b *busObserver) OnTurn(ev protocol.TurnEvent) {
	b.bus.PublishJSON(protocol.SubjectTurnCompleted, ev)
}

func (b *busObserver) OnSessionDone(call.Outcome) {}

// storeObserver archives turns and terminal call records. It remembers each
// session's destination from the first state event it sees.
type storeObserver struct {
	store *calllog.Store
	log   *slog.Logger

	mu           sync.Mutex
	destinations map[string]string
}

func newStoreObserver(store *calllog.Store, log *slog.Logger) *storeObserver {
	return &storeObserver{
		store:        store,
		log:          log.With(slog.String("component", "call-archiver")),
		destinations: make(map[string]string),
	}
}

func (s *storeObserver) OnSessionState(ev protocol.SessionEvent) {
	s.mu.Lock()
	s.destinations[ev.SessionID] = ev.Destination
	s.mu.Unlock()
}

func (s *storeObserver) OnTurn(ev protocol.TurnEvent) {
	s.mu.Lock()
	dest := s.destinations[ev.SessionID]
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.AppendTurn(ctx, dest, calllog.TurnRecord{
		SessionID:  ev.SessionID,
		TurnIndex:  ev.Index,
		Transcript: ev.Transcript,
		Response:   ev.Response,
		Outcome:    ev.Outcome,
		CreatedAt:  ev.Timestamp,
	}); err != nil {
		s.log.Warn("failed to archive turn", slog.String("session_id", ev.SessionID), slog.String("error", err.Error()))
	}
}

func (s *storeObserver) OnSessionDone(out call.Outcome) {
	s.mu.Lock()
	delete(s.destinations, out.SessionID)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.RecordCall(ctx, calllog.CallRecord{
		SessionID:   out.SessionID,
		Destination: out.Destination,
		State:       string(out.State),
		TurnCount:   out.TurnCount,
		LastError:   out.LastError,
		Degraded:    out.Degraded,
		StartedAt:   out.StartedAt,
		FinishedAt:  out.FinishedAt,
	}); err != nil {
		s.log.Warn("failed to archive call", slog.String("session_id", out.SessionID), slog.String("error", err.Error()))
	}
}
