package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fairwatch/internal/model"
)

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fairwatch.yaml")
	content := `
log_level: debug
fairness:
  min_group_size: 20
detection:
  thresholds:
    equalized_odds:
      warning: 0.75
      critical: 0.55
monitoring:
  tick_interval: 1h
alerts:
  escalation_owner: ethics-lead
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 20, cfg.Fairness.MinGroupSize)
	assert.Equal(t, 50, cfg.Fairness.MinTotalSamples)
	assert.Equal(t, 0.75, cfg.Detection.Thresholds.EqualizedOdds.Warning)
	assert.Equal(t, 0.8, cfg.Detection.Thresholds.DemographicParity.Warning)
	assert.Equal(t, time.Hour, cfg.Monitoring.TickInterval)
	assert.Equal(t, "ethics-lead", cfg.Alerts.EscalationOwner)
	assert.Equal(t, 365, cfg.Alerts.RetentionDays)
	assert.Equal(t, 2555, cfg.Audit.RetentionDays)
}

func TestLoadJSON(t *testing.T) {
	cfg, err := Parse([]byte(`{"fairness":{"weights":{"demographic_parity":2,"disparate_impact":1}}}`))
	require.NoError(t, err)
	assert.Equal(t, 2.0, cfg.Fairness.Weights.For(model.FamilyDemographicParity))
	assert.Equal(t, 1.0, cfg.Fairness.Weights.For(model.FamilyEqualizedOdds))
}

func TestValidateThresholdsRejectsInvertedBands(t *testing.T) {
	th := DefaultThresholds()
	th.DisparateImpact = Threshold{Warning: 0.4, Critical: 0.6}
	err := ValidateThresholds(th)
	require.ErrorIs(t, err, model.ErrThresholdConfigInvalid)

	th = DefaultThresholds()
	th.TreatmentEquality = Threshold{Warning: 1.2, Critical: 0.5}
	require.ErrorIs(t, ValidateThresholds(th), model.ErrThresholdConfigInvalid)

	require.NoError(t, ValidateThresholds(DefaultThresholds()))
}

func TestValidateRejectsUnknownTermRule(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Detection.QuickCheck.Terms = append(cfg.Detection.QuickCheck.Terms, TermRule{Term: "vibe", BiasType: "mood", Severity: "high"})
	require.Error(t, Validate(cfg))

	cfg = DefaultConfig()
	cfg.Detection.QuickCheck.ProcessTerms = map[string][]TermRule{"lottery": {{Term: "x", BiasType: "affinity", Severity: "low"}}}
	require.Error(t, Validate(cfg))
}

func TestManagerUpdateKeepsPreviousOnInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fairwatch.yaml")
	require.NoError(t, Save(path, DefaultConfig()))

	m, err := NewManager(path)
	require.NoError(t, err)
	before := m.Get()

	bad := before.Clone()
	bad.Detection.Thresholds.DemographicParity = Threshold{Warning: 0.5, Critical: 0.9}
	err = m.Update(bad)
	require.ErrorIs(t, err, model.ErrThresholdConfigInvalid)
	assert.Same(t, before, m.Get())

	good := before.Clone()
	good.Detection.Thresholds.DemographicParity = Threshold{Warning: 0.85, Critical: 0.65}
	require.NoError(t, m.Update(good))
	assert.Equal(t, 0.85, m.Get().Detection.Thresholds.DemographicParity.Warning)

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0.85, reloaded.Detection.Thresholds.DemographicParity.Warning)
}

func TestCloneIsIndependent(t *testing.T) {
	cfg := DefaultConfig()
	cp := cfg.Clone()
	cp.Audit.ProcessFrameworks["hiring"] = append(cp.Audit.ProcessFrameworks["hiring"], "EXTRA")
	cp.Detection.QuickCheck.Terms[0].Term = "changed"
	assert.Equal(t, []string{"NYC_LL144"}, cfg.Audit.ProcessFrameworks["hiring"])
	assert.Equal(t, "culture fit", cfg.Detection.QuickCheck.Terms[0].Term)
}

func TestStaticManagerUpdateInMemory(t *testing.T) {
	m := NewStaticManager(nil)
	cfg := m.Get().Clone()
	cfg.Alerts.EscalationOwner = "dpo"
	require.NoError(t, m.Update(cfg))
	assert.Equal(t, "dpo", m.Get().Alerts.EscalationOwner)
	needs, err := m.NeedsReload()
	require.NoError(t, err)
	assert.False(t, needs)
}
