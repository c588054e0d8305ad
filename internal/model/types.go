package model

import (
	"fmt"
	"strings"
	"time"
)

type ProcessType string

const (
	ProcessHiring       ProcessType = "hiring"
	ProcessPromotion    ProcessType = "promotion"
	ProcessReview       ProcessType = "review"
	ProcessCompensation ProcessType = "compensation"
	ProcessMatching     ProcessType = "matching"
)

func ParseProcessType(s string) (ProcessType, error) {
	switch pt := ProcessType(strings.ToLower(strings.TrimSpace(s))); pt {
	case ProcessHiring, ProcessPromotion, ProcessReview, ProcessCompensation, ProcessMatching:
		return pt, nil
	}
	return "", fmt.Errorf("unknown process type %q", s)
}

const (
	StageApplicationReview = "application_review"
	StageInterview         = "interview"
	StageHiringDecision    = "hiring_decision"
	StageMatching          = "matching"
)

type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank below none.
func (s Severity) Rank() int {
	switch s {
	case SeverityNone:
		return 0
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return -1
}

func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

func ParseSeverity(s string) (Severity, error) {
	switch sev := Severity(strings.ToLower(strings.TrimSpace(s))); sev {
	case SeverityNone, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return sev, nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

type MetricFamily string

const (
	FamilyDemographicParity  MetricFamily = "demographic_parity"
	FamilyEqualizedOdds      MetricFamily = "equalized_odds"
	FamilyPredictiveEquality MetricFamily = "predictive_equality"
	FamilyTreatmentEquality  MetricFamily = "treatment_equality"
	FamilyDisparateImpact    MetricFamily = "disparate_impact"
)

// Families lists every metric family in reporting order.
var Families = []MetricFamily{
	FamilyDemographicParity,
	FamilyEqualizedOdds,
	FamilyPredictiveEquality,
	FamilyTreatmentEquality,
	FamilyDisparateImpact,
}

func (f MetricFamily) Order() int {
	switch f {
	case FamilyDemographicParity:
		return 0
	case FamilyEqualizedOdds:
		return 1
	case FamilyPredictiveEquality:
		return 2
	case FamilyTreatmentEquality:
		return 3
	case FamilyDisparateImpact:
		return 4
	}
	return len(Families)
}

type ComplianceStatus string

const (
	ComplianceCompliant          ComplianceStatus = "compliant"
	ComplianceNonCompliant       ComplianceStatus = "non_compliant"
	CompliancePartiallyCompliant ComplianceStatus = "partially_compliant"
	ComplianceUnderReview        ComplianceStatus = "under_review"
)

type Scope struct {
	Geography  string `json:"geography,omitempty" yaml:"geography,omitempty"`
	Department string `json:"department,omitempty" yaml:"department,omitempty"`
	JobLevel   string `json:"job_level,omitempty" yaml:"job_level,omitempty"`
}

// FairnessContext describes which slice of a process a metrics bundle covers.
type FairnessContext struct {
	ProcessType ProcessType `json:"process_type"`
	Stage       string      `json:"stage,omitempty"`
	WindowStart time.Time   `json:"window_start"`
	WindowEnd   time.Time   `json:"window_end"`
	Scope       Scope       `json:"scope"`
}

// Outcome is one decision about one candidate, tagged with the protected
// attribute groups the candidate belongs to.
type Outcome struct {
	Groups        map[string]string `json:"groups"`
	Selected      bool              `json:"selected"`
	Actual        *bool             `json:"actual,omitempty"`
	DecisionHours *float64          `json:"decision_hours,omitempty"`
	ResourceUnits *float64          `json:"resource_units,omitempty"`
	Timestamp     time.Time         `json:"timestamp,omitempty"`
}

func (o Outcome) Labelled() bool {
	return o.Actual != nil
}

type EvaluationMode string

const (
	ModeBatch    EvaluationMode = "batch"
	ModeRealtime EvaluationMode = "realtime"
)

// ProcessEvent is what the surrounding application emits for every
// review, interview, decision or match it records.
type ProcessEvent struct {
	EventID     string         `json:"event_id,omitempty"`
	ProcessID   string         `json:"process_id"`
	ProcessType ProcessType    `json:"process_type"`
	Stage       string         `json:"stage,omitempty"`
	Scope       Scope          `json:"scope"`
	Timestamp   time.Time      `json:"timestamp"`
	Mode        EvaluationMode `json:"mode,omitempty"`
	Outcomes    []Outcome      `json:"outcomes"`
	Notes       []string       `json:"notes,omitempty"`
	Source      string         `json:"source,omitempty"`
}

// EventData is the payload of an evaluateProcess call.
type EventData struct {
	EventID   string         `json:"event_id,omitempty"`
	Stage     string         `json:"stage,omitempty"`
	Scope     Scope          `json:"scope"`
	Timestamp time.Time      `json:"timestamp,omitempty"`
	Mode      EvaluationMode `json:"mode,omitempty"`
	Outcomes  []Outcome      `json:"outcomes"`
	Notes     []string       `json:"notes,omitempty"`
}

func (ev ProcessEvent) Data() EventData {
	return EventData{
		EventID:   ev.EventID,
		Stage:     ev.Stage,
		Scope:     ev.Scope,
		Timestamp: ev.Timestamp,
		Mode:      ev.Mode,
		Outcomes:  ev.Outcomes,
		Notes:     ev.Notes,
	}
}

type ActorKind string

const (
	ActorUser   ActorKind = "user"
	ActorSystem ActorKind = "system"
	ActorBatch  ActorKind = "batch"
)

type Actor struct {
	Kind ActorKind `json:"kind"`
	ID   string    `json:"id"`
}

func SystemActor(id string) Actor {
	return Actor{Kind: ActorSystem, ID: id}
}

func UserActor(id string) Actor {
	return Actor{Kind: ActorUser, ID: id}
}

func (a Actor) String() string {
	return string(a.Kind) + ":" + a.ID
}

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains treats zero bounds as open.
func (r TimeRange) Contains(ts time.Time) bool {
	if !r.From.IsZero() && ts.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && ts.After(r.To) {
		return false
	}
	return true
}
