// Package engine orchestrates evaluations: it keeps per-process outcome
// histories, serializes work per process, runs the calculator and
// detector, raises alerts and writes the audit trail.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"fairwatch/internal/alerts"
	"fairwatch/internal/audit"
	"fairwatch/internal/config"
	"fairwatch/internal/detector"
	"fairwatch/internal/fairness"
	"fairwatch/internal/lease"
	"fairwatch/internal/metrics"
	"fairwatch/internal/model"
	"fairwatch/internal/notify"
	"fairwatch/internal/storage"
	"fairwatch/internal/tracing"
)

const tracerName = "fairwatch/engine"

const (
	modeBatch = "batch"
	modeQuick = "quick"
)

var (
	ErrMissingProcessID = errors.New("process id is required")
	ErrEmptyCorrection  = errors.New("a correction needs at least one field change")
)

// snapshot pins everything derived from one configuration so an
// evaluation finishes with the settings it started with.
type snapshot struct {
	cfg  *config.Config
	calc *fairness.Calculator
	det  *detector.Detector
}

type Engine struct {
	logger     *slog.Logger
	cfgs       *config.Manager
	snap       atomic.Pointer[snapshot]
	adminMu    sync.Mutex
	alerts     *alerts.Manager
	audit      *audit.Recorder
	store      storage.Store
	locker     lease.Locker
	notifier   *notify.Dispatcher
	sinks      []notify.Sink
	latest     *metrics.Store
	collectors *metrics.Collectors
	dedupe     *DedupeCache
	mu         sync.Mutex
	histories  map[string]*History
	dashboard  atomic.Pointer[model.DashboardSnapshot]
	now        func() time.Time
	newID      func() string
	wg         sync.WaitGroup
}

type Option func(*Engine)

func WithLocker(l lease.Locker) Option {
	return func(e *Engine) { e.locker = l }
}

func WithSinks(sinks ...notify.Sink) Option {
	return func(e *Engine) { e.sinks = append(e.sinks, sinks...) }
}

func WithCollectors(c *metrics.Collectors) Option {
	return func(e *Engine) { e.collectors = c }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// NewEngine wires the services around cfgs. store may be nil, in which
// case nothing is persisted and evaluations report Persisted=false.
func NewEngine(cfgs *config.Manager, logger *slog.Logger, latest *metrics.Store, store storage.Store, opts ...Option) *Engine {
	if cfgs == nil {
		cfgs = config.NewStaticManager(nil)
	}
	cfg := cfgs.Get()
	e := &Engine{
		logger:    logger,
		cfgs:      cfgs,
		store:     store,
		latest:    latest,
		histories: make(map[string]*History),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.locker == nil {
		e.locker = lease.NewMemory()
	}
	if e.latest == nil {
		e.latest = metrics.NewStore(cfg.Metrics.StoreLimit)
	}
	var alertStore alerts.Persister
	var auditStore audit.Persister
	if store != nil {
		alertStore, auditStore = store, store
	}
	e.alerts = alerts.NewManager(cfg.Alerts, alertStore,
		alerts.WithClock(e.now), alerts.WithIDGenerator(e.newID), alerts.WithLogger(logger))
	e.audit = audit.NewRecorder(cfg.Audit, auditStore,
		audit.WithClock(e.now), audit.WithLogger(logger))
	e.notifier = notify.NewDispatcher(cfg.Notify, e.sinks, logger, e.recordNotification)
	e.dedupe = NewDedupeCache(cfg.Monitoring.DedupeSize, cfg.Monitoring.DedupeTTL)
	e.rebuild(cfg)
	return e
}

// Load restores alerts and the audit chain from the store.
func (e *Engine) Load(ctx context.Context) error {
	if err := e.alerts.Load(ctx); err != nil {
		return err
	}
	return e.audit.Load(ctx)
}

func (e *Engine) Config() *config.Config {
	return e.current().cfg
}

func (e *Engine) current() *snapshot {
	cfg := e.cfgs.Get()
	if s := e.snap.Load(); s != nil && s.cfg == cfg {
		return s
	}
	return e.rebuild(cfg)
}

func (e *Engine) rebuild(cfg *config.Config) *snapshot {
	s := &snapshot{
		cfg:  cfg,
		calc: fairness.NewCalculator(cfg.Fairness, fairness.WithClock(e.now), fairness.WithIDGenerator(e.newID)),
		det:  detector.New(cfg),
	}
	e.snap.Store(s)
	e.alerts.UpdateConfig(cfg.Alerts)
	e.audit.UpdateConfig(cfg.Audit)
	if e.logger != nil {
		e.logger.Debug("configuration snapshot applied")
	}
	return s
}

// HandleEvent evaluates one ingested event on behalf of its source.
func (e *Engine) HandleEvent(ctx context.Context, ev model.ProcessEvent) (model.Evaluation, error) {
	actor := model.SystemActor("ingest")
	if ev.Source != "" {
		actor = model.SystemActor(ev.Source)
	}
	out, err := e.EvaluateProcess(ctx, ev.ProcessID, ev.ProcessType, ev.Data(), actor)
	if err != nil && e.logger != nil {
		e.logger.Warn("event evaluation failed",
			"process_id", ev.ProcessID,
			"event_id", ev.EventID,
			"source", ev.Source,
			"error", err,
		)
	}
	return out, err
}

// EvaluateProcess adds the event's outcomes to the process history and
// evaluates the result. Realtime events and histories too small for the
// full statistics get the quick check; everything else the full path.
func (e *Engine) EvaluateProcess(ctx context.Context, processID string, pt model.ProcessType, data model.EventData, actor model.Actor) (model.Evaluation, error) {
	processID = strings.TrimSpace(processID)
	if processID == "" {
		return model.Evaluation{}, ErrMissingProcessID
	}
	snap := e.current()
	cfg := snap.cfg
	if pt == "" {
		pt = model.ProcessType(cfg.Ingest.Parser.DefaultProcessType)
	}
	key := eventKey(processID, data)
	if ev, ok := e.dedupe.Get(key); ok {
		e.collectors.IncDuplicate()
		return ev, nil
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, "engine.EvaluateProcess",
		tracing.AttrProcessID.String(processID),
		tracing.AttrProcessType.String(string(pt)),
		tracing.AttrOutcomes.Int(len(data.Outcomes)),
	)
	defer span.End()

	release, err := e.locker.Acquire(ctx, processID)
	if err != nil {
		tracing.RecordError(span, err)
		return model.Evaluation{}, fmt.Errorf("lease %s: %w", processID, err)
	}
	defer release()

	// A duplicate delivery may have finished while this one waited.
	if ev, ok := e.dedupe.Get(key); ok {
		e.collectors.IncDuplicate()
		return ev, nil
	}

	now := e.now()
	at := clampTimestamp(data.Timestamp, now, cfg.Monitoring.MaxClockSkew)
	hist := e.history(processID, pt, cfg.Monitoring.HistoryLimit)
	if cfg.Monitoring.HistoryWindow > 0 {
		hist.Evict(now.Add(-cfg.Monitoring.HistoryWindow))
	}
	outcomes, fctx := hist.Preview(data, at)
	fctx.ProcessType = pt

	ev, err := e.evaluate(ctx, snap, processID, outcomes, fctx, data.Notes, data.Mode, actor)
	if err != nil {
		tracing.RecordError(span, err)
		return model.Evaluation{}, err
	}
	hist.Add(data, at)
	e.dedupe.Add(key, ev)
	span.SetAttributes(
		tracing.AttrMode.String(string(data.Mode)),
		tracing.AttrViolations.Int(len(ev.Violations)),
	)
	return ev, nil
}

func (e *Engine) evaluate(ctx context.Context, snap *snapshot, processID string, outcomes []model.Outcome, fctx model.FairnessContext, notes []string, mode model.EvaluationMode, actor model.Actor) (model.Evaluation, error) {
	started := time.Now()
	quickEnabled := snap.cfg.Detection.QuickCheck.Enabled
	var warning string
	if mode != model.ModeRealtime || !quickEnabled {
		m, err := snap.calc.Compute(ctx, outcomes, fctx)
		if err == nil {
			ev, err := e.batch(ctx, snap, processID, m, actor)
			if err != nil {
				return model.Evaluation{}, err
			}
			e.observe(modeBatch, ev, m, time.Since(started))
			return ev, nil
		}
		if !errors.Is(err, model.ErrInsufficientSampleSize) {
			return model.Evaluation{}, err
		}
		if !quickEnabled {
			ev := e.pending(ctx, processID, fctx.ProcessType, err.Error(), actor)
			e.observe(modeBatch, ev, nil, time.Since(started))
			return ev, nil
		}
		warning = err.Error()
	}
	ev, err := e.quick(ctx, snap, detector.QuickCheckInput{
		ProcessID:   processID,
		ProcessType: fctx.ProcessType,
		Outcomes:    outcomes,
		Notes:       notes,
	}, actor)
	if err != nil {
		return model.Evaluation{}, err
	}
	if warning != "" {
		ev.Warnings = append(ev.Warnings, warning)
	}
	e.observe(modeQuick, ev, nil, time.Since(started))
	return ev, nil
}

// batch persists the bundle and evaluation, audits the run and raises
// alerts. Any persistence failure is returned to the caller.
func (e *Engine) batch(ctx context.Context, snap *snapshot, processID string, m *model.FairnessMetrics, actor model.Actor) (model.Evaluation, error) {
	ev, err := snap.det.Evaluate(processID, m)
	if err != nil {
		return model.Evaluation{}, err
	}
	if e.store != nil {
		if err := e.store.SaveMetrics(ctx, processID, m); err != nil {
			e.collectors.IncPersistenceError()
			return model.Evaluation{}, fmt.Errorf("%w: save metrics: %w", model.ErrPersistenceUnavailable, err)
		}
		if err := e.store.SaveEvaluation(ctx, ev, e.now()); err != nil {
			e.collectors.IncPersistenceError()
			return model.Evaluation{}, fmt.Errorf("%w: save evaluation: %w", model.ErrPersistenceUnavailable, err)
		}
		ev.Persisted = true
	}
	if _, err := e.audit.Record(ctx, detectionRecord(model.ActionDetectionRun, actor, ev)); err != nil {
		e.collectors.IncPersistenceError()
		return model.Evaluation{}, err
	}
	if err := e.raiseAlerts(ctx, &ev, actor); err != nil {
		return ev, err
	}
	if e.logger != nil {
		e.logger.Info("process evaluated",
			"process_id", processID,
			"metrics_id", m.ID,
			"overall_score", m.OverallScore,
			"violations", len(ev.Violations),
			"status", ev.Status,
		)
	}
	return ev, nil
}

// quick runs the quick check. Persistence failures degrade to a warning
// on the returned evaluation.
func (e *Engine) quick(ctx context.Context, snap *snapshot, in detector.QuickCheckInput, actor model.Actor) (model.Evaluation, error) {
	ev, err := snap.det.QuickCheck(in)
	if err != nil {
		return model.Evaluation{}, err
	}
	if e.store != nil {
		if err := e.store.SaveEvaluation(ctx, ev, e.now()); err != nil {
			e.degrade(&ev, "evaluation not persisted", err)
		} else {
			ev.Persisted = true
		}
	}
	if _, err := e.audit.Record(ctx, detectionRecord(model.ActionQuickCheck, actor, ev)); err != nil {
		e.degrade(&ev, "audit entry not recorded", err)
	}
	if err := e.raiseAlerts(ctx, &ev, actor); err != nil {
		e.degrade(&ev, "alerts not persisted", err)
	}
	return ev, nil
}

// pending records a batch run that had too few outcomes for any metric
// family. The run completes as a provisional under_review result so the
// outcomes still join the history.
func (e *Engine) pending(ctx context.Context, processID string, pt model.ProcessType, reason string, actor model.Actor) model.Evaluation {
	ev := model.Evaluation{
		ProcessID:   processID,
		ProcessType: pt,
		Violations:  []model.Violation{},
		Severity:    model.SeverityNone,
		Status:      model.ComplianceUnderReview,
		Provisional: true,
		Warnings:    []string{reason},
	}
	if e.store != nil {
		if err := e.store.SaveEvaluation(ctx, ev, e.now()); err != nil {
			e.degrade(&ev, "evaluation not persisted", err)
		} else {
			ev.Persisted = true
		}
	}
	if _, err := e.audit.Record(ctx, detectionRecord(model.ActionDetectionRun, actor, ev)); err != nil {
		e.degrade(&ev, "audit entry not recorded", err)
	}
	return ev
}

func (e *Engine) degrade(ev *model.Evaluation, what string, err error) {
	ev.Persisted = false
	ev.Warnings = append(ev.Warnings, what+": "+err.Error())
	e.collectors.IncPersistenceError()
	if e.logger != nil {
		e.logger.Warn("provisional result computed but not persisted",
			"process_id", ev.ProcessID,
			"detail", what,
			"error", err,
		)
	}
}

func (e *Engine) observe(mode string, ev model.Evaluation, m *model.FairnessMetrics, took time.Duration) {
	score := 1 - ev.BiasScore
	if m != nil {
		score = m.OverallScore
	}
	e.latest.Update(ev, m, e.now())
	e.collectors.ObserveEvaluation(mode, ev, score, took)
}

func (e *Engine) raiseAlerts(ctx context.Context, ev *model.Evaluation, actor model.Actor) error {
	summary := model.BiasSummary{
		MetricsID: ev.MetricsID,
		BiasScore: ev.BiasScore,
		Severity:  ev.Severity,
		Status:    ev.Status,
	}
	if ev.Bias != nil {
		summary.Type = ev.Bias.Type
		summary.Severity = ev.Bias.Severity
		summary.Summary = ev.Bias.Impact.Description
	}
	at := e.now()
	var errs []error
	for _, v := range ev.Violations {
		res, err := e.alerts.Raise(ctx, alerts.RaiseInput{
			ProcessID:   ev.ProcessID,
			ProcessType: ev.ProcessType,
			Violation:   v,
			Bias:        summary,
			At:          at,
		})
		if err != nil {
			e.collectors.IncPersistenceError()
			errs = append(errs, err)
			continue
		}
		e.collectors.ObserveAlert(string(res.Outcome))
		if res.Outcome == alerts.OutcomeSkipped {
			continue
		}
		ev.AlertIDs = append(ev.AlertIDs, res.Alert.ID)
		e.afterRaise(ctx, res, actor)
	}
	return errors.Join(errs...)
}

func (e *Engine) afterRaise(ctx context.Context, res alerts.RaiseResult, actor model.Actor) {
	action := model.ActionAlertMerged
	if res.Outcome == alerts.OutcomeCreated {
		action = model.ActionAlertCreated
	}
	e.auditAlert(ctx, action, actor, res.Alert, []model.FieldChange{
		{Field: "priority", To: string(res.Alert.Priority)},
		{Field: "occurrences", To: fmt.Sprint(res.Alert.Occurrences)},
	})
	switch res.Outcome {
	case alerts.OutcomeCreated:
		e.notifier.Dispatch(notify.Notification{Alert: res.Alert, Reason: notify.ReasonCreated, At: e.now()})
	case alerts.OutcomeEscalated:
		e.notifier.Dispatch(notify.Notification{Alert: res.Alert, Reason: notify.ReasonEscalated, At: e.now()})
	}
}

// auditAlert records an alert change that already took effect. A failure
// cannot undo the change, so it is logged and counted.
func (e *Engine) auditAlert(ctx context.Context, action model.AuditAction, actor model.Actor, a model.Alert, changes []model.FieldChange) {
	_, err := e.audit.Record(ctx, audit.Record{
		Action:        action,
		Actor:         actor,
		Resource:      model.ResourceRef{Type: model.ResourceAlert, ID: a.ID},
		Changes:       changes,
		EthicalImpact: a.Priority,
		ProcessType:   a.ProcessType,
	})
	if err != nil {
		e.collectors.IncPersistenceError()
		if e.logger != nil {
			e.logger.Error("audit entry not recorded", "action", action, "alert_id", a.ID, "error", err)
		}
	}
}

func (e *Engine) recordNotification(alertID string, rec model.NotificationRecord) {
	if err := e.alerts.RecordNotification(context.Background(), alertID, rec); err != nil && e.logger != nil {
		e.logger.Warn("notification record not saved", "alert_id", alertID, "sink", rec.Sink, "error", err)
	}
}

func detectionRecord(action model.AuditAction, actor model.Actor, ev model.Evaluation) audit.Record {
	changes := []model.FieldChange{
		{Field: "compliance_status", To: string(ev.Status)},
		{Field: "bias_score", To: fmt.Sprintf("%.4f", ev.BiasScore)},
		{Field: "violations", To: fmt.Sprint(len(ev.Violations))},
	}
	if ev.MetricsID != "" {
		changes = append(changes, model.FieldChange{Field: "metrics_id", To: ev.MetricsID})
	}
	return audit.Record{
		Action:        action,
		Actor:         actor,
		Resource:      model.ResourceRef{Type: model.ResourceProcess, ID: ev.ProcessID},
		Changes:       changes,
		EthicalImpact: ev.Severity,
		ProcessType:   ev.ProcessType,
	}
}

func (e *Engine) history(processID string, pt model.ProcessType, limit int) *History {
	e.mu.Lock()
	defer e.mu.Unlock()
	if h, ok := e.histories[processID]; ok {
		return h
	}
	h := NewHistory(processID, pt, limit)
	e.histories[processID] = h
	return h
}

func (e *Engine) processIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.histories))
	for id := range e.histories {
		ids = append(ids, id)
	}
	return ids
}

// Reset drops every history and cached evaluation.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.histories = make(map[string]*History)
	e.mu.Unlock()
	e.dedupe.Purge()
	e.latest.Clear()
}

// Start runs the event workers and the monitoring loop until ctx ends or
// events is closed.
func (e *Engine) Start(ctx context.Context, events <-chan model.ProcessEvent) {
	workers := e.Config().Monitoring.Workers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for {
				select {
				case ev, ok := <-events:
					if !ok {
						return
					}
					_, _ = e.HandleEvent(ctx, ev)
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runMonitor(ctx)
	}()
}

func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) Close() error {
	return e.notifier.Close()
}

// clampTimestamp replaces zero timestamps and ones further than maxFuture
// ahead of now. Past timestamps are kept; the history window evicts them.
func clampTimestamp(ts, now time.Time, maxFuture time.Duration) time.Time {
	if ts.IsZero() {
		return now
	}
	if maxFuture > 0 && ts.Sub(now) > maxFuture {
		return now
	}
	return ts.UTC()
}
