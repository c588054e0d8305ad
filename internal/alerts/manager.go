// Package alerts turns detector violations into tracked alerts and governs
// their lifecycle: active, acknowledged, resolved.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"fairwatch/internal/config"
	"fairwatch/internal/model"
	"fairwatch/internal/storage"
)

var ErrIncompleteResolution = errors.New("resolution requires an action and a description")

// Persister is the slice of storage the manager needs.
type Persister interface {
	InsertAlert(ctx context.Context, alert model.Alert) error
	UpdateAlert(ctx context.Context, alert model.Alert, expected model.AlertStatus) error
	LoadAlerts(ctx context.Context) ([]model.Alert, error)
	DeleteAlerts(ctx context.Context, ids []string) error
}

type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeMerged    Outcome = "merged"
	OutcomeEscalated Outcome = "escalated"
	OutcomeSkipped   Outcome = "skipped"
)

type RaiseInput struct {
	ProcessID   string
	ProcessType model.ProcessType
	Violation   model.Violation
	Bias        model.BiasSummary
	At          time.Time
}

type RaiseResult struct {
	Alert   model.Alert
	Outcome Outcome
}

type Manager struct {
	mu     sync.Mutex
	alerts map[string]*model.Alert
	open   map[string]string
	snap   atomic.Pointer[view]
	cfg    atomic.Pointer[config.AlertsConfig]
	store  Persister
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) {
		if fn != nil {
			m.newID = fn
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func NewManager(cfg config.AlertsConfig, store Persister, opts ...Option) *Manager {
	m := &Manager{
		alerts: make(map[string]*model.Alert),
		open:   make(map[string]string),
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.UpdateConfig(cfg)
	m.publish()
	return m
}

func (m *Manager) UpdateConfig(cfg config.AlertsConfig) {
	c := cfg
	m.cfg.Store(&c)
}

func (m *Manager) config() config.AlertsConfig {
	if c := m.cfg.Load(); c != nil {
		return *c
	}
	return config.DefaultConfig().Alerts
}

func (m *Manager) published() *view {
	if v := m.snap.Load(); v != nil {
		return v
	}
	return &view{byID: map[string]int{}}
}

// publish must be called with mu held or before the manager is shared.
func (m *Manager) publish() {
	m.snap.Store(newView(m.alerts))
}

// Load replaces in-memory state with what the store holds.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	loaded, err := m.store.LoadAlerts(ctx)
	if err != nil {
		return fmt.Errorf("%w: load alerts: %w", model.ErrPersistenceUnavailable, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = make(map[string]*model.Alert, len(loaded))
	m.open = make(map[string]string)
	sort.Slice(loaded, func(i, j int) bool { return loaded[i].CreatedAt.Before(loaded[j].CreatedAt) })
	for i := range loaded {
		a := loaded[i]
		m.alerts[a.ID] = &a
		if !a.Status.Terminal() {
			m.open[a.DedupKey] = a.ID
		}
	}
	m.publish()
	return nil
}

// Raise creates an alert for v or merges it into the open alert with the
// same dedup key. Violations below the configured minimum severity are
// skipped.
func (m *Manager) Raise(ctx context.Context, in RaiseInput) (RaiseResult, error) {
	cfg := m.config()
	minSev, err := model.ParseSeverity(cfg.MinSeverity)
	if err != nil {
		minSev = model.SeverityMedium
	}
	if in.Violation.Severity == model.SeverityNone || !in.Violation.Severity.AtLeast(minSev) {
		return RaiseResult{Outcome: OutcomeSkipped}, nil
	}
	at := in.At
	if at.IsZero() {
		at = m.now()
	}
	key := in.Violation.DedupKey(in.ProcessID)

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.open[key]; ok {
		if cur, ok := m.alerts[id]; ok && !cur.Status.Terminal() && withinWindow(cur.LastSeen, at, cfg.DedupWindow) {
			return m.merge(ctx, cur, in, at, cfg)
		}
	}

	alert := model.Alert{
		ID:          m.newID(),
		DedupKey:    key,
		ProcessID:   in.ProcessID,
		ProcessType: in.ProcessType,
		Violation:   in.Violation,
		Bias:        in.Bias,
		Status:      model.AlertActive,
		Priority:    in.Violation.Severity,
		Evidence:    union(nil, in.Violation.Evidence),
		Occurrences: 1,
		FirstSeen:   at,
		LastSeen:    at,
		CreatedAt:   m.now(),
	}
	alert.UpdatedAt = alert.CreatedAt
	if alert.Priority == model.SeverityCritical {
		alert.AssignedTo = cfg.EscalationOwner
	}
	if m.store != nil {
		if err := m.store.InsertAlert(ctx, alert); err != nil {
			return RaiseResult{}, fmt.Errorf("%w: insert alert: %w", model.ErrPersistenceUnavailable, err)
		}
	}
	m.alerts[alert.ID] = &alert
	m.open[key] = alert.ID
	m.publish()
	if m.logger != nil {
		m.logger.Warn("alert raised",
			"alert_id", alert.ID,
			"process_id", alert.ProcessID,
			"family", alert.Violation.Family,
			"attribute", alert.Violation.Attribute,
			"priority", alert.Priority,
		)
	}
	return RaiseResult{Alert: alert.Clone(), Outcome: OutcomeCreated}, nil
}

func (m *Manager) merge(ctx context.Context, cur *model.Alert, in RaiseInput, at time.Time, cfg config.AlertsConfig) (RaiseResult, error) {
	next := cur.Clone()
	next.Violation = in.Violation
	next.Bias = in.Bias
	next.Evidence = union(next.Evidence, in.Violation.Evidence)
	next.Occurrences++
	if at.After(next.LastSeen) {
		next.LastSeen = at
	}
	next.UpdatedAt = m.now()
	outcome := OutcomeMerged
	if in.Violation.Severity.Rank() > next.Priority.Rank() {
		next.Priority = in.Violation.Severity
		outcome = OutcomeEscalated
		if next.Priority == model.SeverityCritical && next.AssignedTo == "" {
			next.AssignedTo = cfg.EscalationOwner
		}
	}
	if err := m.persist(ctx, next, cur.Status); err != nil {
		return RaiseResult{}, err
	}
	*cur = next
	m.publish()
	if m.logger != nil && outcome == OutcomeEscalated {
		m.logger.Warn("alert escalated", "alert_id", next.ID, "priority", next.Priority, "occurrences", next.Occurrences)
	}
	return RaiseResult{Alert: next.Clone(), Outcome: outcome}, nil
}

func (m *Manager) Acknowledge(ctx context.Context, id string, actor model.Actor) (model.Alert, error) {
	return m.transition(ctx, id, model.AlertAcknowledged, func(a *model.Alert, now time.Time) error {
		a.Acknowledged = &model.Acknowledgment{Actor: actor, At: now}
		if a.AssignedTo == "" && actor.Kind == model.ActorUser {
			a.AssignedTo = actor.ID
		}
		return nil
	})
}

func (m *Manager) Resolve(ctx context.Context, id string, actor model.Actor, action, description string) (model.Alert, error) {
	action, description = strings.TrimSpace(action), strings.TrimSpace(description)
	return m.transition(ctx, id, model.AlertResolved, func(a *model.Alert, now time.Time) error {
		if action == "" || description == "" {
			return ErrIncompleteResolution
		}
		a.Resolution = &model.Resolution{Actor: actor, At: now, Action: action, Description: description}
		return nil
	})
}

// transition applies a compare-and-swap on status, in memory and in storage.
// transition checks eligibility before apply runs, so an ineligible alert
// reports ErrAlertNotEligible whatever apply would have rejected.
func (m *Manager) transition(ctx context.Context, id string, next model.AlertStatus, apply func(*model.Alert, time.Time) error) (model.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.alerts[id]
	if !ok {
		return model.Alert{}, fmt.Errorf("%w: %w: %s", model.ErrAlertNotEligible, model.ErrAlertNotFound, id)
	}
	expected := cur.Status
	if !expected.CanTransitionTo(next) {
		return model.Alert{}, fmt.Errorf("%w: alert %s is %s, cannot move to %s", model.ErrAlertNotEligible, id, expected, next)
	}
	now := m.now()
	updated := cur.Clone()
	updated.Status = next
	updated.UpdatedAt = now
	if err := apply(&updated, now); err != nil {
		return model.Alert{}, err
	}
	if err := m.persist(ctx, updated, expected); err != nil {
		return model.Alert{}, err
	}
	*cur = updated
	if next.Terminal() && m.open[cur.DedupKey] == cur.ID {
		delete(m.open, cur.DedupKey)
	}
	m.publish()
	if m.logger != nil {
		m.logger.Info("alert transitioned", "alert_id", id, "from", expected, "to", next)
	}
	return updated.Clone(), nil
}

func (m *Manager) persist(ctx context.Context, a model.Alert, expected model.AlertStatus) error {
	if m.store == nil {
		return nil
	}
	err := m.store.UpdateAlert(ctx, a, expected)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrStaleWrite):
		return fmt.Errorf("%w: %w", model.ErrAlertNotEligible, err)
	default:
		return fmt.Errorf("%w: update alert: %w", model.ErrPersistenceUnavailable, err)
	}
}

// RecordNotification appends a dispatch record without touching status.
func (m *Manager) RecordNotification(ctx context.Context, id string, rec model.NotificationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.alerts[id]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrAlertNotFound, id)
	}
	updated := cur.Clone()
	updated.Notifications = append(updated.Notifications, rec)
	if err := m.persist(ctx, updated, cur.Status); err != nil {
		return err
	}
	*cur = updated
	m.publish()
	return nil
}

func (m *Manager) Get(id string) (model.Alert, bool) {
	return m.published().get(id)
}

func (m *Manager) List(filter model.AlertFilter, page model.Pagination) model.AlertPage {
	return m.published().list(filter, page)
}

// Snapshot returns every alert, newest first. The slice is shared and must
// not be modified.
func (m *Manager) Snapshot() []model.Alert {
	return m.published().alerts
}

// Purge drops resolved alerts whose retention has elapsed.
func (m *Manager) Purge(ctx context.Context, now time.Time) ([]model.Alert, error) {
	retention := time.Duration(m.config().RetentionDays) * 24 * time.Hour
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []model.Alert
	for _, a := range m.alerts {
		if a.Status != model.AlertResolved || a.Resolution == nil {
			continue
		}
		if now.Sub(a.Resolution.At) >= retention {
			expired = append(expired, a.Clone())
		}
	}
	if len(expired) == 0 {
		return nil, nil
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	ids := make([]string, len(expired))
	for i, a := range expired {
		ids[i] = a.ID
	}
	if m.store != nil {
		if err := m.store.DeleteAlerts(ctx, ids); err != nil {
			return nil, fmt.Errorf("%w: purge alerts: %w", model.ErrPersistenceUnavailable, err)
		}
	}
	for _, id := range ids {
		delete(m.alerts, id)
	}
	m.publish()
	return expired, nil
}

func withinWindow(lastSeen, at time.Time, window time.Duration) bool {
	if window <= 0 {
		return true
	}
	return at.Sub(lastSeen) <= window
}

func union(base, add []string) []string {
	seen := make(map[string]bool, len(base)+len(add))
	out := make([]string, 0, len(base)+len(add))
	for _, list := range [][]string{base, add} {
		for _, s := range list {
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
