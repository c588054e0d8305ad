package alerts

import (
	"sort"
	"time"

	"fairwatch/internal/model"
	"fairwatch/internal/stats"
)

// view is an immutable published copy of every alert, newest first.
// Writers build a fresh view after each change; readers never lock.
type view struct {
	alerts []model.Alert
	byID   map[string]int
}

func newView(alerts map[string]*model.Alert) *view {
	v := &view{
		alerts: make([]model.Alert, 0, len(alerts)),
		byID:   make(map[string]int, len(alerts)),
	}
	for _, a := range alerts {
		v.alerts = append(v.alerts, a.Clone())
	}
	sort.Slice(v.alerts, func(i, j int) bool {
		if !v.alerts[i].CreatedAt.Equal(v.alerts[j].CreatedAt) {
			return v.alerts[i].CreatedAt.After(v.alerts[j].CreatedAt)
		}
		return v.alerts[i].ID < v.alerts[j].ID
	})
	for i, a := range v.alerts {
		v.byID[a.ID] = i
	}
	return v
}

func (v *view) get(id string) (model.Alert, bool) {
	i, ok := v.byID[id]
	if !ok {
		return model.Alert{}, false
	}
	return v.alerts[i].Clone(), true
}

func (v *view) list(filter model.AlertFilter, page model.Pagination) model.AlertPage {
	page = page.Normalize()
	out := model.AlertPage{Offset: page.Offset, Limit: page.Limit, Items: []model.Alert{}}
	for _, a := range v.alerts {
		if !filter.Match(a) {
			continue
		}
		if out.Total >= page.Offset && len(out.Items) < page.Limit {
			out.Items = append(out.Items, a.Clone())
		}
		out.Total++
	}
	return out
}

// since returns alerts created or updated inside rng.
func (v *view) since(rng model.TimeRange) []model.Alert {
	out := make([]model.Alert, 0)
	for _, a := range v.alerts {
		if rng.Contains(a.CreatedAt) || rng.Contains(a.UpdatedAt) {
			out = append(out, a)
		}
	}
	return out
}

// Summary aggregates the alert side of a dashboard snapshot.
func (m *Manager) Summary(rng model.TimeRange, now time.Time) model.DashboardSnapshot {
	snap := model.DashboardSnapshot{
		GeneratedAt:   now,
		Range:         rng,
		ByStatus:      make(map[model.AlertStatus]int),
		ByPriority:    make(map[model.Severity]int),
		ByProcessType: make(map[model.ProcessType]int),
		ByFamily:      make(map[model.MetricFamily]int),
		Compliance:    make(map[model.ComplianceStatus]int),
	}
	var ackHours, resolveHours []float64
	for _, a := range m.published().since(rng) {
		snap.TotalAlerts++
		snap.ByStatus[a.Status]++
		snap.ByPriority[a.Priority]++
		snap.ByProcessType[a.ProcessType]++
		snap.ByFamily[a.Violation.Family]++
		if a.Priority == model.SeverityCritical && a.AssignedTo == "" && !a.Status.Terminal() {
			snap.UnassignedCritical++
		}
		if a.Acknowledged != nil {
			ackHours = append(ackHours, a.Acknowledged.At.Sub(a.CreatedAt).Hours())
		}
		if a.Resolution != nil {
			resolveHours = append(resolveHours, a.Resolution.At.Sub(a.CreatedAt).Hours())
		}
	}
	snap.MeanHoursToAcknowledge = stats.Mean(ackHours)
	snap.MeanHoursToResolve = stats.Mean(resolveHours)
	return snap
}
