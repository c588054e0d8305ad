package model

import "time"

type AuditAction string

const (
	ActionMetricsComputed   AuditAction = "metrics_computed"
	ActionDetectionRun      AuditAction = "detection_run"
	ActionQuickCheck        AuditAction = "quick_check"
	ActionAlertCreated      AuditAction = "alert_created"
	ActionAlertMerged       AuditAction = "alert_merged"
	ActionAlertAcknowledged AuditAction = "alert_acknowledged"
	ActionAlertResolved     AuditAction = "alert_resolved"
	ActionAlertPurged       AuditAction = "alert_purged"
	ActionThresholdUpdate   AuditAction = "threshold_update"
	ActionCorrection        AuditAction = "correction"
)

const (
	ResourceProcess    = "process"
	ResourceMetrics    = "fairness_metrics"
	ResourceAlert      = "alert"
	ResourceThresholds = "thresholds"
	ResourceAudit      = "audit_entry"
)

type ResourceRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type FieldChange struct {
	Field string `json:"field"`
	From  string `json:"from,omitempty"`
	To    string `json:"to,omitempty"`
}

// AuditEntry is append-only. Hash covers every other field plus PrevHash.
type AuditEntry struct {
	ID            string        `json:"id"`
	Sequence      int64         `json:"sequence"`
	Timestamp     time.Time     `json:"timestamp"`
	Action        AuditAction   `json:"action"`
	Actor         Actor         `json:"actor"`
	Resource      ResourceRef   `json:"resource"`
	Changes       []FieldChange `json:"changes,omitempty"`
	EthicalImpact Severity      `json:"ethical_impact"`
	Frameworks    []string      `json:"frameworks,omitempty"`
	RetentionDays int           `json:"retention_days"`
	Corrects      string        `json:"corrects,omitempty"`
	PrevHash      string        `json:"prev_hash"`
	Hash          string        `json:"hash"`
}

func (e AuditEntry) ExpiresAt() time.Time {
	return e.Timestamp.Add(time.Duration(e.RetentionDays) * 24 * time.Hour)
}

func (e AuditEntry) Expired(now time.Time) bool {
	return e.RetentionDays > 0 && !now.Before(e.ExpiresAt())
}

type AuditFilter struct {
	ActorKind    ActorKind `json:"actor_kind,omitempty"`
	ActorID      string    `json:"actor_id,omitempty"`
	ResourceType string    `json:"resource_type,omitempty"`
	ResourceID   string    `json:"resource_id,omitempty"`
	Range        TimeRange `json:"range"`
	MinImpact    Severity  `json:"min_impact,omitempty"`
	Limit        int       `json:"limit,omitempty"`
}

func (f AuditFilter) Match(e AuditEntry) bool {
	if f.ActorKind != "" && e.Actor.Kind != f.ActorKind {
		return false
	}
	if f.ActorID != "" && e.Actor.ID != f.ActorID {
		return false
	}
	if f.ResourceType != "" && e.Resource.Type != f.ResourceType {
		return false
	}
	if f.ResourceID != "" && e.Resource.ID != f.ResourceID {
		return false
	}
	if !f.Range.Contains(e.Timestamp) {
		return false
	}
	if f.MinImpact != "" && !e.EthicalImpact.AtLeast(f.MinImpact) {
		return false
	}
	return true
}
