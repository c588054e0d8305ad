package model

import (
	"fmt"
	"math"
	"time"
)

const (
	IntervalWilson    = "wilson"
	IntervalNormal    = "normal"
	IntervalBootstrap = "bootstrap"

	TestChiSquare   = "chi_square"
	TestFisherExact = "fisher_exact"
)

type ConfidenceInterval struct {
	Lower  float64 `json:"lower"`
	Upper  float64 `json:"upper"`
	Level  float64 `json:"level"`
	Method string  `json:"method"`
}

type GroupSelection struct {
	Group         string             `json:"group"`
	SampleSize    int                `json:"sample_size"`
	Selected      int                `json:"selected"`
	SelectionRate float64            `json:"selection_rate"`
	Interval      ConfidenceInterval `json:"interval"`
}

// AttributeParityMetrics holds demographic parity for one protected attribute.
// ParityRatio is only meaningful when Computed is true.
type AttributeParityMetrics struct {
	Attribute   string           `json:"attribute"`
	Groups      []GroupSelection `json:"groups"`
	ParityRatio float64          `json:"parity_ratio"`
	MinGroup    string           `json:"min_group,omitempty"`
	MaxGroup    string           `json:"max_group,omitempty"`
	SampleSize  int              `json:"sample_size"`
	PValue      float64          `json:"p_value"`
	Test        string           `json:"test,omitempty"`
	Computed    bool             `json:"computed"`
	Reason      string           `json:"reason,omitempty"`
}

func (a AttributeParityMetrics) Group(name string) (GroupSelection, bool) {
	for _, g := range a.Groups {
		if g.Group == name {
			return g, true
		}
	}
	return GroupSelection{}, false
}

type FamilyResult struct {
	Applicable bool    `json:"applicable"`
	Score      float64 `json:"score"`
	Reason     string  `json:"reason,omitempty"`
}

type DemographicParity struct {
	FamilyResult
	Threshold  float64                  `json:"threshold"`
	Attributes []AttributeParityMetrics `json:"attributes"`
}

type GroupErrorRates struct {
	Group          string  `json:"group"`
	Labelled       int     `json:"labelled"`
	TruePositives  int     `json:"true_positives"`
	FalsePositives int     `json:"false_positives"`
	TrueNegatives  int     `json:"true_negatives"`
	FalseNegatives int     `json:"false_negatives"`
	TPR            float64 `json:"tpr"`
	FPR            float64 `json:"fpr"`
	Precision      float64 `json:"precision"`
}

type AttributeErrorRates struct {
	Attribute    string            `json:"attribute"`
	Groups       []GroupErrorRates `json:"groups"`
	TPRGap       float64           `json:"tpr_gap"`
	FPRGap       float64           `json:"fpr_gap"`
	PrecisionGap float64           `json:"precision_gap"`
	Computed     bool              `json:"computed"`
	Reason       string            `json:"reason,omitempty"`
}

type EqualizedOdds struct {
	FamilyResult
	Attributes []AttributeErrorRates `json:"attributes"`
}

type PredictiveEquality struct {
	FamilyResult
	Attributes []AttributeErrorRates `json:"attributes"`
}

type GroupTreatment struct {
	Group             string  `json:"group"`
	SampleSize        int     `json:"sample_size"`
	MeanDecisionHours float64 `json:"mean_decision_hours"`
	MeanResourceUnits float64 `json:"mean_resource_units"`
	Outliers          int     `json:"outliers"`
	OutlierRate       float64 `json:"outlier_rate"`
}

type AttributeTreatment struct {
	Attribute      string           `json:"attribute"`
	Groups         []GroupTreatment `json:"groups"`
	DecisionTimeCV float64          `json:"decision_time_cv"`
	ResourceCV     float64          `json:"resource_cv"`
	Computed       bool             `json:"computed"`
	Reason         string           `json:"reason,omitempty"`
}

type TreatmentEquality struct {
	FamilyResult
	OutlierThreshold float64              `json:"outlier_threshold"`
	Attributes       []AttributeTreatment `json:"attributes"`
}

type AttributeImpact struct {
	Attribute      string  `json:"attribute"`
	ReferenceGroup string  `json:"reference_group,omitempty"`
	LowestGroup    string  `json:"lowest_group,omitempty"`
	ImpactRatio    float64 `json:"impact_ratio"`
	SampleSize     int     `json:"sample_size"`
	Computed       bool    `json:"computed"`
	Reason         string  `json:"reason,omitempty"`
}

type DisparateImpact struct {
	FamilyResult
	Attributes          []AttributeImpact `json:"attributes"`
	OverallRatio        float64           `json:"overall_ratio"`
	FourFifthsCompliant bool              `json:"four_fifths_compliant"`
}

type AttributeSignificance struct {
	Attribute        string  `json:"attribute"`
	Test             string  `json:"test"`
	Statistic        float64 `json:"statistic"`
	DegreesOfFreedom int     `json:"degrees_of_freedom"`
	PValue           float64 `json:"p_value"`
	Significant      bool    `json:"significant"`
	CohensH          float64 `json:"cohens_h"`
	CramersV         float64 `json:"cramers_v"`
}

type SignificanceBundle struct {
	Alpha            float64                 `json:"alpha"`
	BonferroniAlpha  float64                 `json:"bonferroni_alpha"`
	Tests            []AttributeSignificance `json:"tests"`
	Power            float64                 `json:"power"`
	PowerAdequate    bool                    `json:"power_adequate"`
	RequiredPerGroup int                     `json:"required_per_group"`
}

func (s SignificanceBundle) For(attribute string) (AttributeSignificance, bool) {
	for _, t := range s.Tests {
		if t.Attribute == attribute {
			return t, true
		}
	}
	return AttributeSignificance{}, false
}

type SampleAdequacy struct {
	TotalSamples       int      `json:"total_samples"`
	LabelledSamples    int      `json:"labelled_samples"`
	MinimumTotal       int      `json:"minimum_total"`
	MinimumPerGroup    int      `json:"minimum_per_group"`
	Adequate           bool     `json:"adequate"`
	UnderpoweredGroups []string `json:"underpowered_groups,omitempty"`
}

type ValidationStatus string

const (
	ValidationValidated   ValidationStatus = "validated"
	ValidationProvisional ValidationStatus = "provisional"
)

type Validation struct {
	Status   ValidationStatus `json:"status"`
	Warnings []string         `json:"warnings,omitempty"`
}

type FamilyScore struct {
	Family     MetricFamily `json:"family"`
	Applicable bool         `json:"applicable"`
	Score      float64      `json:"score"`
	Weight     float64      `json:"weight"`
	Reason     string       `json:"reason,omitempty"`
}

type FairnessMetrics struct {
	ID                 string             `json:"id"`
	Timestamp          time.Time          `json:"timestamp"`
	Context            FairnessContext    `json:"context"`
	DemographicParity  DemographicParity  `json:"demographic_parity"`
	EqualizedOdds      EqualizedOdds      `json:"equalized_odds"`
	PredictiveEquality PredictiveEquality `json:"predictive_equality"`
	TreatmentEquality  TreatmentEquality  `json:"treatment_equality"`
	DisparateImpact    DisparateImpact    `json:"disparate_impact"`
	Significance       SignificanceBundle `json:"significance"`
	Components         []FamilyScore      `json:"components"`
	OverallScore       float64            `json:"overall_score"`
	ScoreInterval      ConfidenceInterval `json:"score_interval"`
	SampleAdequacy     SampleAdequacy     `json:"sample_adequacy"`
	Validation         Validation         `json:"validation"`
}

// Family returns the shared result header of one metric family.
func (m *FairnessMetrics) Family(f MetricFamily) FamilyResult {
	switch f {
	case FamilyDemographicParity:
		return m.DemographicParity.FamilyResult
	case FamilyEqualizedOdds:
		return m.EqualizedOdds.FamilyResult
	case FamilyPredictiveEquality:
		return m.PredictiveEquality.FamilyResult
	case FamilyTreatmentEquality:
		return m.TreatmentEquality.FamilyResult
	case FamilyDisparateImpact:
		return m.DisparateImpact.FamilyResult
	}
	return FamilyResult{Reason: "unknown metric family"}
}

// UnweightedMean is the plain mean of applicable component scores.
func UnweightedMean(components []FamilyScore) (float64, int) {
	sum := 0.0
	n := 0
	for _, c := range components {
		if !c.Applicable {
			continue
		}
		sum += c.Score
		n++
	}
	if n == 0 {
		return 0, 0
	}
	return sum / float64(n), n
}

// NewFairnessMetrics is the only way a bundle leaves the calculator. It
// rejects out-of-range scores and an overall score that drifts further than
// tolerance from the unweighted component mean.
func NewFairnessMetrics(m FairnessMetrics, tolerance float64) (*FairnessMetrics, error) {
	if len(m.Components) == 0 {
		return nil, fmt.Errorf("%w: no applicable metric family", ErrInsufficientSampleSize)
	}
	for _, c := range m.Components {
		if !c.Applicable {
			continue
		}
		if !inUnit(c.Score) {
			return nil, fmt.Errorf("%w: %s score %.4f outside [0,1]", ErrInconsistentAggregateScore, c.Family, c.Score)
		}
	}
	mean, n := UnweightedMean(m.Components)
	if n == 0 {
		return nil, fmt.Errorf("%w: no applicable metric family", ErrInsufficientSampleSize)
	}
	if !inUnit(m.OverallScore) {
		return nil, fmt.Errorf("%w: overall score %.4f outside [0,1]", ErrInconsistentAggregateScore, m.OverallScore)
	}
	if math.Abs(m.OverallScore-mean) > tolerance+1e-12 {
		return nil, fmt.Errorf("%w: overall %.4f deviates from component mean %.4f by more than %.2f",
			ErrInconsistentAggregateScore, m.OverallScore, mean, tolerance)
	}
	for _, a := range m.DemographicParity.Attributes {
		if a.Computed && !inUnit(a.ParityRatio) {
			return nil, fmt.Errorf("%w: parity ratio for %s outside [0,1]", ErrInconsistentAggregateScore, a.Attribute)
		}
	}
	out := m
	return &out, nil
}

func inUnit(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}
