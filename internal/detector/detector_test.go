package detector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fairwatch/internal/config"
	"fairwatch/internal/fairness"
	"fairwatch/internal/model"
)

func cohort(attr, group string, n, selected int) []model.Outcome {
	out := make([]model.Outcome, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, model.Outcome{
			Groups:   map[string]string{attr: group},
			Selected: i < selected,
		})
	}
	return out
}

func compute(t *testing.T, outcomes []model.Outcome) *model.FairnessMetrics {
	t.Helper()
	calc := fairness.NewCalculator(config.DefaultConfig().Fairness,
		fairness.WithClock(func() time.Time { return time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC) }))
	m, err := calc.Compute(context.Background(), outcomes, model.FairnessContext{ProcessType: model.ProcessHiring})
	require.NoError(t, err)
	return m
}

func TestSeverityLadder(t *testing.T) {
	th := config.Threshold{Warning: 0.7, Critical: 0.5}
	cases := []struct {
		score float64
		want  model.Severity
	}{
		{0.3, model.SeverityCritical},
		{0.49, model.SeverityCritical},
		{0.5, model.SeverityHigh},
		{0.69, model.SeverityHigh},
		{0.7, model.SeverityMedium},
		{0.76, model.SeverityMedium},
		{0.78, model.SeverityLow},
		{0.82, model.SeverityLow},
		{0.85, model.SeverityNone},
		{1, model.SeverityNone},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Severity(tc.score, th, 0.1), "score %.2f", tc.score)
	}
}

func TestEvaluateParityScenarioIsCritical(t *testing.T) {
	m := compute(t, append(cohort("gender", "A", 100, 90), cohort("gender", "B", 100, 50)...))
	d := New(config.DefaultConfig())

	ev, err := d.Evaluate("proc-1", m)
	require.NoError(t, err)

	require.NotEmpty(t, ev.Violations)
	top := ev.Violations[0]
	assert.Equal(t, model.FamilyDemographicParity, top.Family)
	assert.Equal(t, model.SeverityCritical, top.Severity)
	assert.Equal(t, "gender", top.Attribute)
	assert.Equal(t, []string{"B"}, top.AffectedGroups)
	assert.InDelta(t, 0.8-0.5556, top.Deviation, 1e-3)
	assert.NotEmpty(t, top.RecommendedAction)
	assert.False(t, m.DisparateImpact.FourFifthsCompliant)

	assert.Equal(t, model.SeverityCritical, ev.Severity)
	assert.Equal(t, model.ComplianceNonCompliant, ev.Status)
	assert.InDelta(t, 1-m.OverallScore, ev.BiasScore, 1e-12)
	require.NotNil(t, ev.Bias)
	assert.Equal(t, model.BiasDemographic, ev.Bias.Type)
	assert.NotEmpty(t, ev.Bias.RecommendedActions)
	assert.Greater(t, ev.Bias.Confidence, 0.9)

	for i := 1; i < len(ev.Violations); i++ {
		assert.GreaterOrEqual(t, ev.Violations[i-1].Deviation, ev.Violations[i].Deviation)
	}
}

func TestEvaluateZeroSelectionsIsCompliant(t *testing.T) {
	m := compute(t, append(cohort("gender", "A", 100, 0), cohort("gender", "B", 100, 0)...))
	ev, err := New(config.DefaultConfig()).Evaluate("proc-1", m)
	require.NoError(t, err)
	assert.Empty(t, ev.Violations)
	assert.Nil(t, ev.Bias)
	assert.Equal(t, model.ComplianceCompliant, ev.Status)
	assert.Equal(t, model.SeverityNone, ev.Severity)
}

func TestEvaluateUnderpoweredIsUnderReview(t *testing.T) {
	m := compute(t, append(cohort("gender", "A", 40, 20), cohort("gender", "B", 40, 20)...))
	require.Equal(t, model.ValidationProvisional, m.Validation.Status)

	ev, err := New(config.DefaultConfig()).Evaluate("proc-1", m)
	require.NoError(t, err)
	assert.Empty(t, ev.Violations)
	assert.True(t, ev.Provisional)
	assert.Equal(t, model.ComplianceUnderReview, ev.Status)
}

func TestEvaluateStatisticalViolation(t *testing.T) {
	m := compute(t, append(cohort("gender", "A", 100, 100), cohort("gender", "B", 100, 90)...))
	ev, err := New(config.DefaultConfig()).Evaluate("proc-1", m)
	require.NoError(t, err)

	byType := make(map[model.ViolationType]model.Violation)
	for _, v := range ev.Violations {
		if v.Family == model.FamilyDemographicParity {
			byType[v.Type] = v
		}
	}
	require.Contains(t, byType, model.ViolationStatistical)
	assert.Equal(t, model.SeverityMedium, byType[model.ViolationStatistical].Severity)
	require.Contains(t, byType, model.ViolationThreshold)
	assert.Equal(t, model.SeverityLow, byType[model.ViolationThreshold].Severity)
	assert.Equal(t, model.SeverityMedium, ev.Severity)
	assert.Equal(t, model.CompliancePartiallyCompliant, ev.Status)
}

func TestEvaluateLowBandStaysCompliant(t *testing.T) {
	m := compute(t, append(cohort("gender", "A", 1000, 500), cohort("gender", "B", 1000, 450)...))
	cfg := config.DefaultConfig()
	cfg.Detection.StatisticalEffect = 1
	cfg.Detection.PracticalEffect = 1
	ev, err := New(cfg).Evaluate("proc-1", m)
	require.NoError(t, err)

	require.Len(t, ev.Violations, 1)
	v := ev.Violations[0]
	assert.Equal(t, model.ViolationThreshold, v.Type)
	assert.Equal(t, model.SeverityLow, v.Severity)
	assert.Equal(t, model.SeverityLow, ev.Severity)
	assert.Equal(t, model.ComplianceCompliant, ev.Status)
}

func TestEvaluateCustomThresholds(t *testing.T) {
	m := compute(t, append(cohort("gender", "A", 100, 90), cohort("gender", "B", 100, 50)...))
	cfg := config.DefaultConfig()
	cfg.Detection.Thresholds.DemographicParity = config.Threshold{Warning: 0.45, Critical: 0.3}
	cfg.Detection.Thresholds.DisparateImpact = config.Threshold{Warning: 0.45, Critical: 0.3}

	ev, err := New(cfg).Evaluate("proc-1", m)
	require.NoError(t, err)
	for _, v := range ev.Violations {
		assert.NotEqual(t, model.ViolationThreshold, v.Type)
	}
	assert.NotEqual(t, model.ComplianceNonCompliant, ev.Status)
}

func TestEvaluateNilBundle(t *testing.T) {
	_, err := New(nil).Evaluate("proc-1", nil)
	assert.ErrorIs(t, err, model.ErrInsufficientSampleSize)
}

func TestQuickCheckTermFlags(t *testing.T) {
	d := New(config.DefaultConfig())
	ev, err := d.QuickCheck(QuickCheckInput{
		ProcessID:   "proc-2",
		ProcessType: model.ProcessHiring,
		Notes:       []string{"Strong resume, but not a CULTURE-FIT.", "Honestly seems too old for a fast team."},
	})
	require.NoError(t, err)

	require.Len(t, ev.Flags, 2)
	assert.Equal(t, "too old", ev.Flags[0].Term)
	assert.Equal(t, model.SeverityCritical, ev.Flags[0].Severity)
	assert.Equal(t, "culture fit", ev.Flags[1].Term)
	assert.True(t, ev.Provisional)
	assert.Equal(t, model.ComplianceNonCompliant, ev.Status)
	assert.InDelta(t, 0.3, ev.BiasScore, 1e-9)
	require.NotNil(t, ev.Bias)
	assert.Equal(t, model.BiasStereotyping, ev.Bias.Type)
	assert.Len(t, ev.Bias.RecommendedActions, 2)
}

func TestQuickCheckSelectionRatio(t *testing.T) {
	d := New(config.DefaultConfig())
	outcomes := append(cohort("race", "X", 10, 8), cohort("race", "Y", 10, 2)...)
	outcomes = append(outcomes, cohort("race", "Z", 2, 0)...)

	ev, err := d.QuickCheck(QuickCheckInput{ProcessID: "proc-3", ProcessType: model.ProcessPromotion, Outcomes: outcomes})
	require.NoError(t, err)

	require.Len(t, ev.Violations, 1)
	v := ev.Violations[0]
	assert.True(t, v.Provisional)
	assert.Equal(t, []string{"Y"}, v.AffectedGroups)
	assert.InDelta(t, 0.25, v.Score, 1e-9)
	assert.Equal(t, model.SeverityCritical, v.Severity)
	assert.InDelta(t, 0.75, ev.BiasScore, 1e-9)
}

func TestQuickCheckNeverCompliant(t *testing.T) {
	d := New(config.DefaultConfig())
	ev, err := d.QuickCheck(QuickCheckInput{
		ProcessID:   "proc-4",
		ProcessType: model.ProcessReview,
		Outcomes:    append(cohort("gender", "A", 10, 5), cohort("gender", "B", 10, 5)...),
		Notes:       []string{"clear communicator"},
	})
	require.NoError(t, err)
	assert.Empty(t, ev.Violations)
	assert.Empty(t, ev.Flags)
	assert.Nil(t, ev.Bias)
	assert.Equal(t, model.ComplianceUnderReview, ev.Status)
}

func TestTermSetProcessOverrides(t *testing.T) {
	qc := config.DefaultConfig().Detection.QuickCheck
	qc.ProcessTerms = map[string][]config.TermRule{
		"matching": {{Term: "native speaker", BiasType: "demographic", Severity: "high"}},
	}
	ts := buildTermSet(qc)

	assert.Empty(t, ts.Match(model.ProcessHiring, "must be a native speaker"))
	hits := ts.Match(model.ProcessMatching, "must be a Native  Speaker!")
	require.Len(t, hits, 1)
	assert.Equal(t, model.BiasDemographic, hits[0].biasType)

	assert.Empty(t, ts.Match(model.ProcessHiring, "cultured fitness"))
	qc.Enabled = false
	assert.Empty(t, buildTermSet(qc).Match(model.ProcessHiring, "culture fit"))
}
