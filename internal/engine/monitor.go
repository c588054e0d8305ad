package engine

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"fairwatch/internal/model"
)

const monitorActor = "monitor"

func (e *Engine) runMonitor(ctx context.Context) {
	interval := e.Config().Monitoring.TickInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := e.Tick(ctx); err != nil && e.logger != nil && ctx.Err() == nil {
				e.logger.Error("monitoring tick failed", "error", err)
			}
			if next := e.Config().Monitoring.TickInterval; next > 0 && next != interval {
				interval = next
				ticker.Reset(interval)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Tick re-evaluates every process history in parallel, applies retention
// and refreshes the cached dashboard. Running it twice over the same
// window merges into the same alerts.
func (e *Engine) Tick(ctx context.Context) error {
	snap := e.current()
	cfg := snap.cfg
	workers := cfg.Monitoring.Workers
	if workers < 1 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, id := range e.processIDs() {
		g.Go(func() error {
			err := e.reevaluate(gctx, snap, id)
			if err == nil || errors.Is(err, model.ErrInsufficientSampleSize) {
				return nil
			}
			if gctx.Err() != nil {
				return gctx.Err()
			}
			if e.logger != nil {
				e.logger.Warn("re-evaluation failed", "process_id", id, "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if _, err := e.Purge(ctx); err != nil && e.logger != nil {
		e.logger.Warn("retention purge failed", "error", err)
	}
	e.notifier.Prune()

	now := e.now()
	rng := model.TimeRange{To: now}
	if cfg.Monitoring.HistoryWindow > 0 {
		rng.From = now.Add(-cfg.Monitoring.HistoryWindow)
	}
	dash := e.GetDashboardSnapshot(rng)
	e.dashboard.Store(&dash)
	e.collectors.IncMonitorRun()
	return nil
}

func (e *Engine) reevaluate(ctx context.Context, snap *snapshot, processID string) error {
	release, err := e.locker.Acquire(ctx, processID)
	if err != nil {
		return err
	}
	defer release()

	cfg := snap.cfg
	e.mu.Lock()
	hist, ok := e.histories[processID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	if cfg.Monitoring.HistoryWindow > 0 {
		hist.Evict(e.now().Add(-cfg.Monitoring.HistoryWindow))
	}
	outcomes, fctx := hist.Snapshot()
	if len(outcomes) == 0 {
		e.mu.Lock()
		if hist.Len() == 0 {
			delete(e.histories, processID)
		}
		e.mu.Unlock()
		return nil
	}
	if len(outcomes) < cfg.Fairness.MinTotalSamples {
		return nil
	}
	_, err = e.evaluate(ctx, snap, processID, outcomes, fctx, nil, model.ModeBatch, model.SystemActor(monitorActor))
	return err
}
