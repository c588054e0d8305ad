package model

import (
	"strings"
	"time"
)

type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

func ParseAlertStatus(s string) (AlertStatus, bool) {
	switch st := AlertStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case AlertActive, AlertAcknowledged, AlertResolved:
		return st, true
	}
	return "", false
}

// CanTransitionTo reports whether the lifecycle allows moving to next.
func (s AlertStatus) CanTransitionTo(next AlertStatus) bool {
	switch s {
	case AlertActive:
		return next == AlertAcknowledged || next == AlertResolved
	case AlertAcknowledged:
		return next == AlertResolved
	case AlertResolved:
		return false
	}
	return false
}

func (s AlertStatus) Terminal() bool {
	return s == AlertResolved
}

type Acknowledgment struct {
	Actor Actor     `json:"actor"`
	At    time.Time `json:"at"`
}

type Resolution struct {
	Actor       Actor     `json:"actor"`
	At          time.Time `json:"at"`
	Action      string    `json:"action"`
	Description string    `json:"description"`
}

type NotificationRecord struct {
	Sink      string    `json:"sink"`
	At        time.Time `json:"at"`
	Delivered bool      `json:"delivered"`
	Error     string    `json:"error,omitempty"`
}

type BiasSummary struct {
	MetricsID string           `json:"metrics_id,omitempty"`
	BiasScore float64          `json:"bias_score"`
	Type      BiasType         `json:"type,omitempty"`
	Severity  Severity         `json:"severity"`
	Status    ComplianceStatus `json:"compliance_status"`
	Summary   string           `json:"summary,omitempty"`
}

type Alert struct {
	ID            string               `json:"id"`
	DedupKey      string               `json:"dedup_key"`
	ProcessID     string               `json:"process_id"`
	ProcessType   ProcessType          `json:"process_type"`
	Violation     Violation            `json:"violation"`
	Bias          BiasSummary          `json:"bias"`
	Status        AlertStatus          `json:"status"`
	Priority      Severity             `json:"priority"`
	AssignedTo    string               `json:"assigned_to,omitempty"`
	Acknowledged  *Acknowledgment      `json:"acknowledged,omitempty"`
	Resolution    *Resolution          `json:"resolution,omitempty"`
	Evidence      []string             `json:"evidence,omitempty"`
	Occurrences   int                  `json:"occurrences"`
	FirstSeen     time.Time            `json:"first_seen"`
	LastSeen      time.Time            `json:"last_seen"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
	Notifications []NotificationRecord `json:"notifications,omitempty"`
}

// Clone deep-copies slices and records so snapshots never alias live state.
func (a Alert) Clone() Alert {
	out := a
	out.Violation.AffectedGroups = append([]string(nil), a.Violation.AffectedGroups...)
	out.Violation.Evidence = append([]string(nil), a.Violation.Evidence...)
	out.Evidence = append([]string(nil), a.Evidence...)
	out.Notifications = append([]NotificationRecord(nil), a.Notifications...)
	if a.Acknowledged != nil {
		ack := *a.Acknowledged
		out.Acknowledged = &ack
	}
	if a.Resolution != nil {
		res := *a.Resolution
		out.Resolution = &res
	}
	return out
}

type AlertFilter struct {
	Status      AlertStatus `json:"status,omitempty"`
	Severity    Severity    `json:"severity,omitempty"`
	ProcessType ProcessType `json:"process_type,omitempty"`
	ProcessID   string      `json:"process_id,omitempty"`
}

func (f AlertFilter) Match(a Alert) bool {
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.Severity != "" && a.Priority != f.Severity {
		return false
	}
	if f.ProcessType != "" && a.ProcessType != f.ProcessType {
		return false
	}
	if f.ProcessID != "" && a.ProcessID != f.ProcessID {
		return false
	}
	return true
}

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

type Pagination struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

func (p Pagination) Normalize() Pagination {
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	return p
}

type AlertPage struct {
	Items  []Alert `json:"items"`
	Total  int     `json:"total"`
	Offset int     `json:"offset"`
	Limit  int     `json:"limit"`
}

type ProcessSummary struct {
	ProcessID    string           `json:"process_id"`
	ProcessType  ProcessType      `json:"process_type"`
	MetricsID    string           `json:"metrics_id,omitempty"`
	OverallScore float64          `json:"overall_score"`
	BiasScore    float64          `json:"bias_score"`
	Status       ComplianceStatus `json:"compliance_status"`
	Provisional  bool             `json:"provisional"`
	EvaluatedAt  time.Time        `json:"evaluated_at"`
}

type DashboardSnapshot struct {
	GeneratedAt            time.Time                `json:"generated_at"`
	Range                  TimeRange                `json:"range"`
	TotalAlerts            int                      `json:"total_alerts"`
	ByStatus               map[AlertStatus]int      `json:"by_status"`
	ByPriority             map[Severity]int         `json:"by_priority"`
	ByProcessType          map[ProcessType]int      `json:"by_process_type"`
	ByFamily               map[MetricFamily]int     `json:"by_family"`
	UnassignedCritical     int                      `json:"unassigned_critical"`
	MeanHoursToAcknowledge float64                  `json:"mean_hours_to_acknowledge"`
	MeanHoursToResolve     float64                  `json:"mean_hours_to_resolve"`
	Compliance             map[ComplianceStatus]int `json:"compliance"`
	Processes              []ProcessSummary         `json:"processes"`
}
