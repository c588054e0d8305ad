// Package ingest feeds process events into the engine from REST, Kafka,
// tailed files and TCP JSON-lines streams.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"fairwatch/internal/config"
	"fairwatch/internal/model"
	"fairwatch/internal/normalize"
)

var errDropped = errors.New("event queue full")

func SendNonBlocking(ctx context.Context, out chan<- model.ProcessEvent, ev model.ProcessEvent, logger *slog.Logger) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("event channel full, dropping event", "process_id", ev.ProcessID, "source", ev.Source)
		}
		return false
	}
}

// emit normalizes fields and queues the event for the engine.
func emit(ctx context.Context, fields *normalize.EventFields, source string, cfg *config.Manager, out chan<- model.ProcessEvent, logger *slog.Logger) error {
	ev, err := normalize.Normalize(*fields, cfg.Get())
	if err != nil {
		if logger != nil {
			logger.Warn(source+" normalize error", "err", err)
		}
		return err
	}
	ev.Source = source
	if !SendNonBlocking(ctx, out, ev, logger) {
		return errDropped
	}
	return nil
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
