package call

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SessionFactory builds a ready-to-run session for one destination.
type SessionFactory func(destination string) *Session

// BatchSummary aggregates the terminal outcomes of one batch run.
// Succeeded counts sessions that reached the terminated state; everything
// else counts as failed.
type BatchSummary struct {
	Total      int
	Succeeded  int
	Failed     int
	StartedAt  time.Time
	FinishedAt time.Time
	Results    []Outcome
}

// Dialer sequences call sessions over a list of destinations with a
// concurrency bound and a minimum spacing between dispatches.
type Dialer struct {
	concurrency int
	spacing     time.Duration
	newSession  SessionFactory
	log         *slog.Logger
	clock       func() time.Time
	sleep       func(ctx context.Context, d time.Duration)
}

func NewDialer(concurrency int, spacing time.Duration, factory SessionFactory, log *slog.Logger) *Dialer {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Dialer{
		concurrency: concurrency,
		spacing:     spacing,
		newSession:  factory,
		log:         log.With(slog.String("component", "dialer")),
		clock:       time.Now,
		sleep:       sleepCtx,
	}
}

// Run dispatches one session per destination in input order. Cancelling ctx
// stops new dispatches; sessions already running terminate on their own. One
// session's failure never aborts the batch.
func (d *Dialer) Run(ctx context.Context, destinations []string) BatchSummary {
	summary := BatchSummary{
		Total:     len(destinations),
		StartedAt: d.clock(),
		Results:   make([]Outcome, len(destinations)),
	}

	sema := make(chan struct{}, d.concurrency)
	var wg sync.WaitGroup
	dispatched := len(destinations)

dispatch:
	for i, dest := range destinations {
		if i > 0 && d.spacing > 0 {
			d.sleep(ctx, d.spacing)
		}

		select {
		case <-ctx.Done():
		case sema <- struct{}{}:
		}
		if ctx.Err() != nil {
			d.log.Info("batch cancelled", slog.Int("dispatched", i), slog.Int("total", len(destinations)))
			dispatched = i
			break dispatch
		}

		wg.Add(1)
		go func(idx int, destination string) {
			defer wg.Done()
			defer func() { <-sema }()
			session := d.newSession(destination)
			d.log.Info("dispatching call", slog.Int("index", idx), slog.String("destination", destination), slog.String("session_id", session.ID()))
			summary.Results[idx] = session.Run(ctx)
		}(i, dest)
	}

	wg.Wait()
	// Only trim after every in-flight session has written its result slot.
	summary.Results = summary.Results[:dispatched]
	summary.Total = dispatched
	summary.FinishedAt = d.clock()
	for _, out := range summary.Results {
		if out.State == StateTerminated {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
	}
	d.log.Info("batch finished",
		slog.Int("total", summary.Total),
		slog.Int("succeeded", summary.Succeeded),
		slog.Int("failed", summary.Failed))
	return summary
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
