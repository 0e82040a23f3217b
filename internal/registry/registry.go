// Package registry tracks the call sessions currently alive in the process
// and exposes their aggregate counts as OpenTelemetry metrics.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/voxline/voxline-core/internal/call"
	"github.com/voxline/voxline-core/internal/protocol"
)

// Entry is a point-in-time view of one tracked session.
type Entry struct {
	SessionID   string    `json:"session_id"`
	Destination string    `json:"destination"`
	State       string    `json:"state"`
	TurnCount   int       `json:"turn_count"`
	LastError   string    `json:"last_error,omitempty"`
	Degraded    bool      `json:"degraded,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Registry implements call.Observer. Terminal sessions are kept for a short
// grace window so status queries can still see them, then pruned.
type Registry struct {
	log    *slog.Logger
	mu     sync.RWMutex
	active map[string]*Entry

	terminated int64
	failed     int64

	meter         metric.Meter
	activeGauge   metric.Int64ObservableGauge
	terminalGauge metric.Int64ObservableGauge

	retainTerminal time.Duration
	cancel         context.CancelFunc
}

func New(ctx context.Context, log *slog.Logger) *Registry {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		log:            log.With(slog.String("component", "call-registry")),
		active:         make(map[string]*Entry),
		meter:          otel.Meter("github.com/voxline/voxline-core/runtime"),
		retainTerminal: 30 * time.Second,
		cancel:         cancel,
	}
	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	go r.prune(ctx)
	return r
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
}

// OnSessionState implements call.Observer.
func (r *Registry) OnSessionState(ev protocol.SessionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.active[ev.SessionID]
	if !ok {
		entry = &Entry{SessionID: ev.SessionID, Destination: ev.Destination}
		r.active[ev.SessionID] = entry
	}
	entry.State = ev.State
	entry.TurnCount = ev.TurnCount
	entry.LastError = ev.LastError
	entry.Degraded = ev.Degraded
	entry.UpdatedAt = ev.Timestamp
}

// OnTurn implements call.Observer.
func (r *Registry) OnTurn(ev protocol.TurnEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.active[ev.SessionID]; ok && ev.Outcome == call.OutcomeCompleted {
		entry.TurnCount = ev.Index + 1
		entry.UpdatedAt = ev.Timestamp
	}
}

// OnSessionDone implements call.Observer.
func (r *Registry) OnSessionDone(out call.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch out.State {
	case call.StateTerminated:
		r.terminated++
	default:
		r.failed++
	}
	if entry, ok := r.active[out.SessionID]; ok {
		entry.State = string(out.State)
		entry.TurnCount = out.TurnCount
		entry.LastError = out.LastError
		entry.Degraded = out.Degraded
		entry.UpdatedAt = out.FinishedAt
	}
}

// ActiveCount reports sessions not yet in a terminal state.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, entry := range r.active {
		if !call.State(entry.State).Terminal() {
			count++
		}
	}
	return count
}

// Snapshot returns a copy of every tracked entry.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]Entry, 0, len(r.active))
	for _, entry := range r.active {
		entries = append(entries, *entry)
	}
	return entries
}

// Totals reports cumulative terminated and failed session counts.
func (r *Registry) Totals() (terminated, failed int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.terminated, r.failed
}

func (r *Registry) prune(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.dropStale()
		}
	}
}

func (r *Registry) dropStale() {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-r.retainTerminal)
	for id, entry := range r.active {
		if call.State(entry.State).Terminal() && entry.UpdatedAt.Before(cutoff) {
			delete(r.active, id)
		}
	}
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	activeGauge, err := r.meter.Int64ObservableGauge("voxline.calls.active", metric.WithDescription("Call sessions currently in flight"))
	if err != nil {
		return err
	}
	terminalGauge, err := r.meter.Int64ObservableGauge("voxline.calls.completed", metric.WithDescription("Cumulative sessions reaching a terminal state"))
	if err != nil {
		return err
	}
	r.activeGauge = activeGauge
	r.terminalGauge = terminalGauge
	_, err = r.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(activeGauge, int64(r.ActiveCount()))
		terminated, failed := r.Totals()
		obs.ObserveInt64(terminalGauge, terminated+failed)
		return nil
	}, activeGauge, terminalGauge)
	return err
}
