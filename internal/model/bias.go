package model

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

type BiasType string

const (
	BiasDemographic  BiasType = "demographic"
	BiasConfirmation BiasType = "confirmation"
	BiasAffinity     BiasType = "affinity"
	BiasHaloHorn     BiasType = "halo_horn"
	BiasAnchoring    BiasType = "anchoring"
	BiasAvailability BiasType = "availability"
	BiasAttribution  BiasType = "attribution"
	BiasStereotyping BiasType = "stereotyping"
	BiasSystemic     BiasType = "systemic"
	BiasAlgorithmic  BiasType = "algorithmic"
	BiasSelection    BiasType = "selection"
	BiasMeasurement  BiasType = "measurement"
)

func ParseBiasType(s string) (BiasType, error) {
	bt := BiasType(strings.ToLower(strings.TrimSpace(s)))
	if !bt.Valid() {
		return "", fmt.Errorf("unknown bias type %q", s)
	}
	return bt, nil
}

func (b BiasType) Valid() bool {
	switch b {
	case BiasDemographic, BiasConfirmation, BiasAffinity, BiasHaloHorn, BiasAnchoring, BiasAvailability,
		BiasAttribution, BiasStereotyping, BiasSystemic, BiasAlgorithmic, BiasSelection, BiasMeasurement:
		return true
	}
	return false
}

type ViolationType string

const (
	ViolationThreshold   ViolationType = "threshold"
	ViolationStatistical ViolationType = "statistical"
	ViolationPractical   ViolationType = "practical"
)

// Violation is one breach of one family's threshold for one attribute.
type Violation struct {
	Attribute         string        `json:"attribute"`
	Family            MetricFamily  `json:"family"`
	Type              ViolationType `json:"type"`
	Severity          Severity      `json:"severity"`
	Score             float64       `json:"score"`
	Threshold         float64       `json:"threshold"`
	Deviation         float64       `json:"deviation"`
	AffectedGroups    []string      `json:"affected_groups,omitempty"`
	RecommendedAction string        `json:"recommended_action,omitempty"`
	Evidence          []string      `json:"evidence,omitempty"`
	Provisional       bool          `json:"provisional,omitempty"`
}

func (v Violation) DedupKey(processID string) string {
	return strings.Join([]string{processID, string(v.Family), v.Attribute, string(v.Type)}, "|")
}

// SortViolations orders by deviation from the warning threshold, largest
// first. Ties fall back to severity, family and attribute so output is stable.
func SortViolations(vs []Violation) {
	sort.SliceStable(vs, func(i, j int) bool {
		if vs[i].Deviation != vs[j].Deviation {
			return vs[i].Deviation > vs[j].Deviation
		}
		if vs[i].Severity.Rank() != vs[j].Severity.Rank() {
			return vs[i].Severity.Rank() > vs[j].Severity.Rank()
		}
		if vs[i].Family != vs[j].Family {
			return vs[i].Family.Order() < vs[j].Family.Order()
		}
		return vs[i].Attribute < vs[j].Attribute
	})
}

type ImpactAssessment struct {
	Scope              string   `json:"scope"`
	AffectedAttributes []string `json:"affected_attributes,omitempty"`
	AffectedFamilies   []string `json:"affected_families,omitempty"`
	BiasScore          float64  `json:"bias_score"`
	Description        string   `json:"description,omitempty"`
}

type DetectedBias struct {
	Type               BiasType         `json:"type"`
	Severity           Severity         `json:"severity"`
	Confidence         float64          `json:"confidence"`
	AffectedGroups     []string         `json:"affected_groups,omitempty"`
	Evidence           []string         `json:"evidence,omitempty"`
	Impact             ImpactAssessment `json:"impact"`
	RecommendedActions []string         `json:"recommended_actions,omitempty"`
}

// NewDetectedBias validates a classification before it can be used.
func NewDetectedBias(b DetectedBias) (DetectedBias, error) {
	if !b.Type.Valid() {
		return DetectedBias{}, fmt.Errorf("unknown bias type %q", b.Type)
	}
	switch b.Severity {
	case SeverityLow, SeverityMedium:
	case SeverityHigh, SeverityCritical:
		if len(b.RecommendedActions) == 0 {
			return DetectedBias{}, fmt.Errorf("%w: %s %s bias", ErrMissingRecommendedAction, b.Severity, b.Type)
		}
	default:
		return DetectedBias{}, fmt.Errorf("invalid bias severity %q", b.Severity)
	}
	if math.IsNaN(b.Confidence) || b.Confidence < 0 || b.Confidence > 1 {
		return DetectedBias{}, fmt.Errorf("bias confidence %.4f outside [0,1]", b.Confidence)
	}
	return b, nil
}

type Flag struct {
	Rule     string   `json:"rule"`
	Term     string   `json:"term,omitempty"`
	BiasType BiasType `json:"bias_type"`
	Severity Severity `json:"severity"`
	Detail   string   `json:"detail,omitempty"`
	Action   string   `json:"recommended_action,omitempty"`
}

// Evaluation is the detector's answer for one bundle or one event.
type Evaluation struct {
	ProcessID   string           `json:"process_id"`
	ProcessType ProcessType      `json:"process_type"`
	MetricsID   string           `json:"metrics_id,omitempty"`
	Violations  []Violation      `json:"violations"`
	BiasScore   float64          `json:"bias_score"`
	Severity    Severity         `json:"severity"`
	Bias        *DetectedBias    `json:"bias,omitempty"`
	Status      ComplianceStatus `json:"compliance_status"`
	Provisional bool             `json:"provisional"`
	Flags       []Flag           `json:"flags,omitempty"`
	Persisted   bool             `json:"persisted"`
	AlertIDs    []string         `json:"alert_ids,omitempty"`
	Warnings    []string         `json:"warnings,omitempty"`
}
