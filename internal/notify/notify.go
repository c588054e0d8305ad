// Package notify fans alert notifications out to sinks. Delivery is
// best-effort: failures are logged and recorded, never retried.
package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"fairwatch/internal/config"
	"fairwatch/internal/model"
)

type Reason string

const (
	ReasonCreated   Reason = "created"
	ReasonEscalated Reason = "escalated"
)

type Notification struct {
	Alert  model.Alert `json:"alert"`
	Reason Reason      `json:"reason"`
	At     time.Time   `json:"at"`
}

type Sink interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// ResultFunc receives one record per sink attempt.
type ResultFunc func(alertID string, rec model.NotificationRecord)

type Dispatcher struct {
	sinks    []Sink
	timeout  time.Duration
	cooldown time.Duration
	gate     *Cooldown
	logger   *slog.Logger
	onResult ResultFunc
	now      func() time.Time
	wg       sync.WaitGroup
}

func NewDispatcher(cfg config.NotifyConfig, sinks []Sink, logger *slog.Logger, onResult ResultFunc) *Dispatcher {
	now := func() time.Time { return time.Now().UTC() }
	return &Dispatcher{
		sinks:    sinks,
		timeout:  cfg.Timeout,
		cooldown: cfg.Cooldown,
		gate:     NewCooldown(now),
		logger:   logger,
		onResult: onResult,
		now:      now,
	}
}

// FromConfig builds the sinks the configuration enables.
func FromConfig(cfg config.NotifyConfig, logger *slog.Logger) []Sink {
	var sinks []Sink
	if cfg.Log && logger != nil {
		sinks = append(sinks, NewLogSink(logger))
	}
	if cfg.Kafka.Enabled {
		sinks = append(sinks, NewKafkaSink(cfg.Kafka))
	}
	return sinks
}

// Dispatch sends n to every sink in the background. It returns false when
// the alert is still inside its cooldown.
func (d *Dispatcher) Dispatch(n Notification) bool {
	if d == nil || len(d.sinks) == 0 {
		return false
	}
	if !d.gate.AllowKey(n.Alert.ID, d.cooldown) {
		if d.logger != nil {
			d.logger.Debug("notification throttled", "alert_id", n.Alert.ID, "reason", n.Reason)
		}
		return false
	}
	if n.At.IsZero() {
		n.At = d.now()
	}
	for _, sink := range d.sinks {
		d.wg.Add(1)
		go func(s Sink) {
			defer d.wg.Done()
			d.send(s, n)
		}(sink)
	}
	return true
}

func (d *Dispatcher) send(s Sink, n Notification) {
	ctx := context.Background()
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	err := s.Send(ctx, n)
	rec := model.NotificationRecord{Sink: s.Name(), At: d.now(), Delivered: err == nil}
	if err != nil {
		rec.Error = err.Error()
		if d.logger != nil {
			d.logger.Warn("notification failed", "sink", s.Name(), "alert_id", n.Alert.ID, "err", err)
		}
	}
	if d.onResult != nil {
		d.onResult(n.Alert.ID, rec)
	}
}

// Prune forgets cooldown entries that can no longer throttle anything.
func (d *Dispatcher) Prune() {
	if d != nil && d.cooldown > 0 {
		d.gate.Forget(d.cooldown)
	}
}

// Wait blocks until in-flight sends finish.
func (d *Dispatcher) Wait() {
	if d != nil {
		d.wg.Wait()
	}
}

func (d *Dispatcher) Close() error {
	if d == nil {
		return nil
	}
	d.wg.Wait()
	var errs []error
	for _, s := range d.sinks {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (l *LogSink) Name() string { return "log" }

func (l *LogSink) Send(_ context.Context, n Notification) error {
	a := n.Alert
	l.logger.Warn("bias alert",
		"reason", n.Reason,
		"alert_id", a.ID,
		"process_id", a.ProcessID,
		"process_type", a.ProcessType,
		"family", a.Violation.Family,
		"attribute", a.Violation.Attribute,
		"priority", a.Priority,
		"assigned_to", a.AssignedTo,
		"score", a.Violation.Score,
	)
	return nil
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}
