package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"fairwatch/internal/audit"
	"fairwatch/internal/config"
	"fairwatch/internal/model"
)

// ComputeFairnessMetrics computes a bundle without touching any process
// history. The computation is audited; a bundle that fails its aggregate
// check is never returned.
func (e *Engine) ComputeFairnessMetrics(ctx context.Context, outcomes []model.Outcome, fctx model.FairnessContext, actor model.Actor) (*model.FairnessMetrics, error) {
	snap := e.current()
	m, err := snap.calc.Compute(ctx, outcomes, fctx)
	if err != nil {
		return nil, err
	}
	_, err = e.audit.Record(ctx, audit.Record{
		Action:   model.ActionMetricsComputed,
		Actor:    actor,
		Resource: model.ResourceRef{Type: model.ResourceMetrics, ID: m.ID},
		Changes: []model.FieldChange{
			{Field: "overall_score", To: fmt.Sprintf("%.4f", m.OverallScore)},
			{Field: "four_fifths_compliance", To: fmt.Sprint(m.DisparateImpact.FourFifthsCompliant)},
		},
		ProcessType: fctx.ProcessType,
	})
	if err != nil {
		e.collectors.IncPersistenceError()
		return nil, err
	}
	return m, nil
}

func (e *Engine) AcknowledgeAlert(ctx context.Context, id string, actor model.Actor) (model.Alert, error) {
	a, err := e.alerts.Acknowledge(ctx, id, actor)
	if err != nil {
		return model.Alert{}, err
	}
	e.auditAlert(ctx, model.ActionAlertAcknowledged, actor, a, []model.FieldChange{
		{Field: "status", From: string(model.AlertActive), To: string(a.Status)},
		{Field: "assigned_to", To: a.AssignedTo},
	})
	return a, nil
}

func (e *Engine) ResolveAlert(ctx context.Context, id string, actor model.Actor, action, description string) (model.Alert, error) {
	prev, _ := e.alerts.Get(id)
	a, err := e.alerts.Resolve(ctx, id, actor, action, description)
	if err != nil {
		return model.Alert{}, err
	}
	e.auditAlert(ctx, model.ActionAlertResolved, actor, a, []model.FieldChange{
		{Field: "status", From: string(prev.Status), To: string(a.Status)},
		{Field: "action", To: action},
		{Field: "description", To: description},
	})
	return a, nil
}

// CorrectAudit appends a correction entry referencing entry id. The
// referenced entry is left untouched.
func (e *Engine) CorrectAudit(ctx context.Context, id string, actor model.Actor, changes []model.FieldChange) (model.AuditEntry, error) {
	if len(changes) == 0 {
		return model.AuditEntry{}, ErrEmptyCorrection
	}
	entry, err := e.audit.Correct(ctx, id, actor, changes)
	if err != nil {
		if errors.Is(err, model.ErrPersistenceUnavailable) {
			e.collectors.IncPersistenceError()
		}
		return model.AuditEntry{}, err
	}
	if e.logger != nil {
		e.logger.Info("audit entry corrected", "corrects", id, "entry_id", entry.ID, "actor", actor.String())
	}
	return entry, nil
}

func (e *Engine) Thresholds() config.Thresholds {
	return e.current().det.Thresholds()
}

// UpdateThresholds validates and publishes new thresholds. Evaluations
// already running keep the snapshot they started with. On error the
// previous thresholds stay active.
func (e *Engine) UpdateThresholds(ctx context.Context, th config.Thresholds, actor model.Actor) error {
	if err := config.ValidateThresholds(th); err != nil {
		return err
	}
	e.adminMu.Lock()
	defer e.adminMu.Unlock()

	cur := e.cfgs.Get()
	next := cur.Clone()
	next.Detection.Thresholds = th
	if err := config.Validate(next); err != nil {
		if errors.Is(err, model.ErrThresholdConfigInvalid) {
			return err
		}
		return fmt.Errorf("%w: %w", model.ErrThresholdConfigInvalid, err)
	}
	// next is valid, so a failure here is the config file write.
	if err := e.cfgs.Update(next); err != nil {
		e.collectors.IncPersistenceError()
		return fmt.Errorf("%w: save thresholds: %w", model.ErrPersistenceUnavailable, err)
	}
	e.rebuild(next)

	changes := thresholdChanges(cur.Detection.Thresholds, th)
	_, err := e.audit.Record(ctx, audit.Record{
		Action:        model.ActionThresholdUpdate,
		Actor:         actor,
		Resource:      model.ResourceRef{Type: model.ResourceThresholds, ID: "global"},
		Changes:       changes,
		EthicalImpact: model.SeverityMedium,
	})
	if err != nil {
		e.collectors.IncPersistenceError()
		if e.logger != nil {
			e.logger.Error("threshold update not audited", "error", err)
		}
	}
	if e.logger != nil {
		e.logger.Info("thresholds updated", "actor", actor.String(), "changes", len(changes))
	}
	return nil
}

func thresholdChanges(from, to config.Thresholds) []model.FieldChange {
	var out []model.FieldChange
	for _, f := range model.Families {
		a, b := from.For(f), to.For(f)
		if a.Warning != b.Warning {
			out = append(out, model.FieldChange{
				Field: string(f) + ".warning",
				From:  fmt.Sprintf("%.3f", a.Warning),
				To:    fmt.Sprintf("%.3f", b.Warning),
			})
		}
		if a.Critical != b.Critical {
			out = append(out, model.FieldChange{
				Field: string(f) + ".critical",
				From:  fmt.Sprintf("%.3f", a.Critical),
				To:    fmt.Sprintf("%.3f", b.Critical),
			})
		}
	}
	return out
}

func (e *Engine) ListAlerts(filter model.AlertFilter, page model.Pagination) model.AlertPage {
	return e.alerts.List(filter, page)
}

func (e *Engine) GetAlert(id string) (model.Alert, error) {
	a, ok := e.alerts.Get(id)
	if !ok {
		return model.Alert{}, fmt.Errorf("%w: %s", model.ErrAlertNotFound, id)
	}
	return a, nil
}

// GetDashboardSnapshot aggregates alerts and the latest evaluation of
// every process inside rng. It reads published snapshots only.
func (e *Engine) GetDashboardSnapshot(rng model.TimeRange) model.DashboardSnapshot {
	snap := e.alerts.Summary(rng, e.now())
	snap.Processes = make([]model.ProcessSummary, 0)
	for _, p := range e.latest.Summaries() {
		if !rng.Contains(p.EvaluatedAt) {
			continue
		}
		snap.Processes = append(snap.Processes, p)
		snap.Compliance[p.Status]++
	}
	sort.Slice(snap.Processes, func(i, j int) bool {
		return snap.Processes[i].ProcessID < snap.Processes[j].ProcessID
	})
	return snap
}

// CachedDashboard returns the snapshot built by the last monitoring tick.
func (e *Engine) CachedDashboard() (model.DashboardSnapshot, bool) {
	if d := e.dashboard.Load(); d != nil {
		return *d, true
	}
	return model.DashboardSnapshot{}, false
}

func (e *Engine) QueryAudit(filter model.AuditFilter) []model.AuditEntry {
	return e.audit.Query(filter)
}

func (e *Engine) VerifyAudit() error {
	return e.audit.Verify()
}

func (e *Engine) LatestMetrics(processID string) (*model.FairnessMetrics, model.Evaluation, bool) {
	return e.latest.Latest(processID)
}

func (e *Engine) Processes() []model.ProcessSummary {
	return e.latest.Summaries()
}

type PurgeResult struct {
	Alerts       int `json:"alerts"`
	AuditEntries int `json:"audit_entries"`
}

// Purge removes resolved alerts and audit entries past their retention.
func (e *Engine) Purge(ctx context.Context) (PurgeResult, error) {
	now := e.now()
	var res PurgeResult
	purged, err := e.alerts.Purge(ctx, now)
	if err != nil {
		return res, err
	}
	res.Alerts = len(purged)
	for _, a := range purged {
		e.auditAlert(ctx, model.ActionAlertPurged, model.SystemActor("retention"), a, nil)
	}
	n, err := e.audit.Purge(ctx, now)
	if err != nil {
		return res, err
	}
	res.AuditEntries = n
	if e.logger != nil && (res.Alerts > 0 || res.AuditEntries > 0) {
		e.logger.Info("retention purge", "alerts", res.Alerts, "audit_entries", res.AuditEntries)
	}
	return res, nil
}
