package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDetectedBiasRequiresActionForHighSeverity(t *testing.T) {
	for _, sev := range []Severity{SeverityHigh, SeverityCritical} {
		_, err := NewDetectedBias(DetectedBias{Type: BiasDemographic, Severity: sev, Confidence: 0.9})
		require.ErrorIs(t, err, ErrMissingRecommendedAction, "severity %s", sev)
	}
	b, err := NewDetectedBias(DetectedBias{
		Type:               BiasDemographic,
		Severity:           SeverityCritical,
		Confidence:         0.9,
		RecommendedActions: []string{"review selection criteria"},
	})
	require.NoError(t, err)
	assert.Equal(t, SeverityCritical, b.Severity)

	_, err = NewDetectedBias(DetectedBias{Type: BiasAnchoring, Severity: SeverityMedium, Confidence: 0.4})
	require.NoError(t, err)
}

func TestNewDetectedBiasRejectsInvalidFields(t *testing.T) {
	_, err := NewDetectedBias(DetectedBias{Type: "mood", Severity: SeverityLow, Confidence: 0.5})
	require.Error(t, err)
	_, err = NewDetectedBias(DetectedBias{Type: BiasSelection, Severity: SeverityLow, Confidence: 1.5})
	require.Error(t, err)
	_, err = NewDetectedBias(DetectedBias{Type: BiasSelection, Severity: SeverityNone, Confidence: 0.5})
	require.Error(t, err)
}

func TestNewFairnessMetricsAggregateTolerance(t *testing.T) {
	components := []FamilyScore{
		{Family: FamilyDemographicParity, Applicable: true, Score: 0.6, Weight: 1},
		{Family: FamilyEqualizedOdds, Applicable: false},
		{Family: FamilyDisparateImpact, Applicable: true, Score: 0.8, Weight: 1},
	}
	_, err := NewFairnessMetrics(FairnessMetrics{Components: components, OverallScore: 0.75}, 0.1)
	require.NoError(t, err)

	_, err = NewFairnessMetrics(FairnessMetrics{Components: components, OverallScore: 0.9}, 0.1)
	require.ErrorIs(t, err, ErrInconsistentAggregateScore)

	_, err = NewFairnessMetrics(FairnessMetrics{Components: []FamilyScore{{Family: FamilyEqualizedOdds}}}, 0.1)
	require.ErrorIs(t, err, ErrInsufficientSampleSize)
}

func TestAlertStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to AlertStatus
		ok       bool
	}{
		{AlertActive, AlertAcknowledged, true},
		{AlertActive, AlertResolved, true},
		{AlertAcknowledged, AlertResolved, true},
		{AlertAcknowledged, AlertActive, false},
		{AlertAcknowledged, AlertAcknowledged, false},
		{AlertResolved, AlertActive, false},
		{AlertResolved, AlertAcknowledged, false},
		{AlertResolved, AlertResolved, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanTransitionTo(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestSortViolationsLargestDeviationFirst(t *testing.T) {
	vs := []Violation{
		{Attribute: "age", Family: FamilyDemographicParity, Severity: SeverityHigh, Deviation: 0.05},
		{Attribute: "gender", Family: FamilyDemographicParity, Severity: SeverityCritical, Deviation: 0.25},
		{Attribute: "ethnicity", Family: FamilyDisparateImpact, Severity: SeverityMedium, Deviation: -0.02},
	}
	SortViolations(vs)
	assert.Equal(t, "gender", vs[0].Attribute)
	assert.Equal(t, "age", vs[1].Attribute)
	assert.Equal(t, "ethnicity", vs[2].Attribute)
}

func TestAuditFilterMatch(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entry := AuditEntry{
		Timestamp:     ts,
		Actor:         UserActor("dana"),
		Resource:      ResourceRef{Type: ResourceAlert, ID: "a-1"},
		EthicalImpact: SeverityHigh,
	}
	assert.True(t, AuditFilter{ActorID: "dana", MinImpact: SeverityMedium}.Match(entry))
	assert.False(t, AuditFilter{MinImpact: SeverityCritical}.Match(entry))
	assert.False(t, AuditFilter{Range: TimeRange{From: ts.Add(time.Hour)}}.Match(entry))
	assert.True(t, AuditFilter{ResourceType: ResourceAlert, ResourceID: "a-1"}.Match(entry))
}
