package detector

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"fairwatch/internal/config"
	"fairwatch/internal/model"
	"fairwatch/internal/stats"
)

// Detector evaluates metrics bundles and single events against one
// configuration snapshot. Build a new one when thresholds change.
type Detector struct {
	detection config.DetectionConfig
	fairness  config.FairnessConfig
	terms     *TermSet
}

func New(cfg *config.Config) *Detector {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Detector{
		detection: cfg.Detection,
		fairness:  cfg.Fairness,
		terms:     buildTermSet(cfg.Detection.QuickCheck),
	}
}

func (d *Detector) Thresholds() config.Thresholds {
	return d.detection.Thresholds
}

// Severity places a score on the ladder: below critical is critical, below
// warning is high, within the medium band above warning is medium and within
// the next band of the same width is low.
func Severity(score float64, th config.Threshold, band float64) model.Severity {
	switch {
	case score < th.Critical:
		return model.SeverityCritical
	case score < th.Warning:
		return model.SeverityHigh
	case score < th.Warning*(1+band):
		return model.SeverityMedium
	case score < th.Warning*(1+2*band):
		return model.SeverityLow
	}
	return model.SeverityNone
}

type attributeScore struct {
	attribute string
	score     float64
	groups    []string
	evidence  string
}

// Evaluate classifies every applicable family of the bundle.
func (d *Detector) Evaluate(processID string, m *model.FairnessMetrics) (model.Evaluation, error) {
	if m == nil {
		return model.Evaluation{}, fmt.Errorf("%w: no metrics bundle", model.ErrInsufficientSampleSize)
	}
	provisional := m.Validation.Status == model.ValidationProvisional
	var violations []model.Violation
	for _, family := range model.Families {
		if !m.Family(family).Applicable {
			continue
		}
		th := d.detection.Thresholds.For(family)
		for _, as := range d.familyScores(family, m) {
			sev := Severity(as.score, th, d.detection.MediumBand)
			if sev == model.SeverityNone {
				continue
			}
			violations = append(violations, model.Violation{
				Attribute:         as.attribute,
				Family:            family,
				Type:              model.ViolationThreshold,
				Severity:          sev,
				Score:             as.score,
				Threshold:         th.Warning,
				Deviation:         th.Warning - as.score,
				AffectedGroups:    as.groups,
				RecommendedAction: recommendation(family, model.ViolationThreshold, sev),
				Evidence:          []string{as.evidence},
				Provisional:       provisional,
			})
		}
	}
	violations = append(violations, d.significanceViolations(m, violations, provisional)...)
	model.SortViolations(violations)

	ev := model.Evaluation{
		ProcessID:   processID,
		ProcessType: m.Context.ProcessType,
		MetricsID:   m.ID,
		Violations:  violations,
		BiasScore:   stats.Clamp01(1 - m.OverallScore),
		Severity:    overallSeverity(violations, nil),
		Provisional: provisional,
		Warnings:    m.Validation.Warnings,
	}
	ev.Status = complianceStatus(violations, nil, !m.SampleAdequacy.Adequate || provisional, false)
	bias, err := d.classify(m.Context.ProcessType, violations, nil, ev.BiasScore, confidence(m, violations))
	if err != nil {
		return model.Evaluation{}, err
	}
	ev.Bias = bias
	return ev, nil
}

func (d *Detector) familyScores(family model.MetricFamily, m *model.FairnessMetrics) []attributeScore {
	var out []attributeScore
	switch family {
	case model.FamilyDemographicParity:
		for _, a := range m.DemographicParity.Attributes {
			if !a.Computed {
				continue
			}
			out = append(out, attributeScore{
				attribute: a.Attribute,
				score:     a.ParityRatio,
				groups:    disadvantaged(a, d.fairness.FourFifthsThreshold),
				evidence:  parityEvidence(a, d.fairness.FourFifthsThreshold),
			})
		}
	case model.FamilyDisparateImpact:
		parity := make(map[string]model.AttributeParityMetrics, len(m.DemographicParity.Attributes))
		for _, a := range m.DemographicParity.Attributes {
			parity[a.Attribute] = a
		}
		for _, a := range m.DisparateImpact.Attributes {
			if !a.Computed {
				continue
			}
			out = append(out, attributeScore{
				attribute: a.Attribute,
				score:     a.ImpactRatio,
				groups:    disadvantaged(parity[a.Attribute], d.fairness.FourFifthsThreshold),
				evidence: fmt.Sprintf("impact ratio %.3f of %s against reference %s; overall %.3f, four-fifths compliant=%t",
					a.ImpactRatio, a.LowestGroup, a.ReferenceGroup, m.DisparateImpact.OverallRatio, m.DisparateImpact.FourFifthsCompliant),
			})
		}
	case model.FamilyEqualizedOdds:
		for _, a := range m.EqualizedOdds.Attributes {
			if !a.Computed {
				continue
			}
			out = append(out, attributeScore{
				attribute: a.Attribute,
				score:     stats.Clamp01(1 - math.Max(a.TPRGap, a.FPRGap)),
				groups:    oddsGroups(a, true),
				evidence:  fmt.Sprintf("true positive rate gap %.3f, false positive rate gap %.3f", a.TPRGap, a.FPRGap),
			})
		}
	case model.FamilyPredictiveEquality:
		for _, a := range m.PredictiveEquality.Attributes {
			if !a.Computed {
				continue
			}
			out = append(out, attributeScore{
				attribute: a.Attribute,
				score:     stats.Clamp01(1 - a.FPRGap),
				groups:    oddsGroups(a, false),
				evidence:  fmt.Sprintf("false positive rate gap %.3f, precision gap %.3f", a.FPRGap, a.PrecisionGap),
			})
		}
	case model.FamilyTreatmentEquality:
		for _, a := range m.TreatmentEquality.Attributes {
			if !a.Computed {
				continue
			}
			out = append(out, attributeScore{
				attribute: a.Attribute,
				score:     stats.Clamp01(1 - math.Max(a.DecisionTimeCV, a.ResourceCV)),
				groups:    treatmentGroups(a),
				evidence:  fmt.Sprintf("decision time variation %.3f, resource variation %.3f", a.DecisionTimeCV, a.ResourceCV),
			})
		}
	}
	return out
}

// significanceViolations flags demographic parity attributes that pass the
// threshold, or sit only in the low band, but still show a significant or
// practically large effect.
func (d *Detector) significanceViolations(m *model.FairnessMetrics, existing []model.Violation, provisional bool) []model.Violation {
	flagged := make(map[string]bool)
	for _, v := range existing {
		if v.Family == model.FamilyDemographicParity && v.Severity != model.SeverityLow {
			flagged[v.Attribute] = true
		}
	}
	th := d.detection.Thresholds.DemographicParity
	var out []model.Violation
	for _, a := range m.DemographicParity.Attributes {
		if !a.Computed || flagged[a.Attribute] {
			continue
		}
		test, ok := m.Significance.For(a.Attribute)
		if !ok {
			continue
		}
		var vt model.ViolationType
		switch {
		case test.Significant && test.CohensH >= d.detection.StatisticalEffect:
			vt = model.ViolationStatistical
		case !test.Significant && test.CohensH >= d.detection.PracticalEffect:
			vt = model.ViolationPractical
		default:
			continue
		}
		out = append(out, model.Violation{
			Attribute:         a.Attribute,
			Family:            model.FamilyDemographicParity,
			Type:              vt,
			Severity:          model.SeverityMedium,
			Score:             a.ParityRatio,
			Threshold:         th.Warning,
			Deviation:         th.Warning - a.ParityRatio,
			AffectedGroups:    disadvantaged(a, d.fairness.FourFifthsThreshold),
			RecommendedAction: recommendation(model.FamilyDemographicParity, vt, model.SeverityMedium),
			Evidence: []string{fmt.Sprintf("%s p=%.4f, cohen's h=%.3f, cramer's v=%.3f",
				test.Test, test.PValue, test.CohensH, test.CramersV)},
			Provisional: provisional,
		})
	}
	return out
}

func overallSeverity(violations []model.Violation, flags []model.Flag) model.Severity {
	sev := model.SeverityNone
	for _, v := range violations {
		sev = model.MaxSeverity(sev, v.Severity)
	}
	for _, f := range flags {
		sev = model.MaxSeverity(sev, f.Severity)
	}
	return sev
}

// complianceStatus never reports compliant for a provisional quick check or
// for a run that lacks the data to back a compliant answer. Low findings
// are reported but leave a run compliant.
func complianceStatus(violations []model.Violation, flags []model.Flag, inadequate, quick bool) model.ComplianceStatus {
	sev := overallSeverity(violations, flags)
	switch sev {
	case model.SeverityCritical:
		return model.ComplianceNonCompliant
	case model.SeverityHigh, model.SeverityMedium:
		return model.CompliancePartiallyCompliant
	case model.SeverityNone, model.SeverityLow:
		if inadequate || quick {
			return model.ComplianceUnderReview
		}
		return model.ComplianceCompliant
	}
	return model.ComplianceUnderReview
}

func (d *Detector) classify(pt model.ProcessType, violations []model.Violation, flags []model.Flag, biasScore, conf float64) (*model.DetectedBias, error) {
	if len(violations) == 0 && len(flags) == 0 {
		return nil, nil
	}
	families := make(map[model.MetricFamily]bool)
	var attrs, famNames, groups, evidence, actions []string
	seenGroup := make(map[string]bool)
	seenAction := make(map[string]bool)
	seenAttr := make(map[string]bool)
	for _, v := range violations {
		if !families[v.Family] {
			families[v.Family] = true
			famNames = append(famNames, string(v.Family))
		}
		if !seenAttr[v.Attribute] {
			seenAttr[v.Attribute] = true
			attrs = append(attrs, v.Attribute)
		}
		for _, g := range v.AffectedGroups {
			key := v.Attribute + "=" + g
			if !seenGroup[key] {
				seenGroup[key] = true
				groups = append(groups, key)
			}
		}
		evidence = append(evidence, v.Evidence...)
		if v.RecommendedAction != "" && !seenAction[v.RecommendedAction] {
			seenAction[v.RecommendedAction] = true
			actions = append(actions, v.RecommendedAction)
		}
	}
	for _, f := range flags {
		evidence = append(evidence, f.Detail)
		rec := flagRecommendation(f)
		if !seenAction[rec] {
			seenAction[rec] = true
			actions = append(actions, rec)
		}
	}
	sort.Strings(groups)

	bt := biasType(pt, violations, flags, families)
	scope := "process"
	if bt == model.BiasSystemic {
		scope = "systemic"
	}
	sev := overallSeverity(violations, flags)
	if sev == model.SeverityNone {
		sev = model.SeverityLow
	}
	bias, err := model.NewDetectedBias(model.DetectedBias{
		Type:           bt,
		Severity:       sev,
		Confidence:     conf,
		AffectedGroups: groups,
		Evidence:       evidence,
		Impact: model.ImpactAssessment{
			Scope:              scope,
			AffectedAttributes: attrs,
			AffectedFamilies:   famNames,
			BiasScore:          biasScore,
			Description:        describe(bt, sev, len(violations), len(flags)),
		},
		RecommendedActions: actions,
	})
	if err != nil {
		return nil, err
	}
	return &bias, nil
}

func biasType(pt model.ProcessType, violations []model.Violation, flags []model.Flag, families map[model.MetricFamily]bool) model.BiasType {
	if families[model.FamilyTreatmentEquality] || len(families) >= 3 {
		return model.BiasSystemic
	}
	if len(violations) == 0 {
		return flags[0].BiasType
	}
	switch violations[0].Family {
	case model.FamilyDemographicParity, model.FamilyDisparateImpact:
		return model.BiasDemographic
	case model.FamilyEqualizedOdds, model.FamilyPredictiveEquality:
		if pt == model.ProcessMatching {
			return model.BiasAlgorithmic
		}
		return model.BiasMeasurement
	case model.FamilyTreatmentEquality:
		return model.BiasSystemic
	}
	return model.BiasSelection
}

// confidence starts from the strongest significance result among the
// violating attributes and is discounted when the bundle is provisional.
func confidence(m *model.FairnessMetrics, violations []model.Violation) float64 {
	if len(violations) == 0 {
		return 0
	}
	conf := 0.6
	for _, v := range violations {
		if t, ok := m.Significance.For(v.Attribute); ok {
			conf = math.Max(conf, 1-t.PValue)
		}
	}
	if m.Validation.Status == model.ValidationProvisional {
		conf *= 0.7
	}
	return stats.Clamp01(conf)
}

func describe(bt model.BiasType, sev model.Severity, violations, flags int) string {
	parts := []string{fmt.Sprintf("%s %s bias", sev, strings.ReplaceAll(string(bt), "_", "/"))}
	if violations > 0 {
		parts = append(parts, fmt.Sprintf("%d metric violation(s)", violations))
	}
	if flags > 0 {
		parts = append(parts, fmt.Sprintf("%d rule flag(s)", flags))
	}
	return strings.Join(parts, "; ")
}

func disadvantaged(a model.AttributeParityMetrics, fourFifths float64) []string {
	var hi float64
	for _, g := range a.Groups {
		hi = math.Max(hi, g.SelectionRate)
	}
	if hi <= 0 {
		return nil
	}
	var out []string
	for _, g := range a.Groups {
		if g.SelectionRate/hi < fourFifths {
			out = append(out, g.Group)
		}
	}
	if len(out) == 0 && a.MinGroup != "" {
		out = append(out, a.MinGroup)
	}
	return out
}

func oddsGroups(a model.AttributeErrorRates, withTPR bool) []string {
	if len(a.Groups) == 0 {
		return nil
	}
	lowTPR, highFPR := a.Groups[0], a.Groups[0]
	for _, g := range a.Groups[1:] {
		if g.TPR < lowTPR.TPR {
			lowTPR = g
		}
		if g.FPR > highFPR.FPR {
			highFPR = g
		}
	}
	if !withTPR || lowTPR.Group == highFPR.Group {
		return []string{highFPR.Group}
	}
	out := []string{lowTPR.Group, highFPR.Group}
	sort.Strings(out)
	return out
}

func treatmentGroups(a model.AttributeTreatment) []string {
	if len(a.Groups) == 0 {
		return nil
	}
	var hours, units []float64
	for _, g := range a.Groups {
		hours = append(hours, g.MeanDecisionHours)
		units = append(units, g.MeanResourceUnits)
	}
	meanHours, meanUnits := stats.Mean(hours), stats.Mean(units)
	worst, worstDev := "", -1.0
	for _, g := range a.Groups {
		dev := 0.0
		if meanHours > 0 {
			dev = math.Abs(g.MeanDecisionHours-meanHours) / meanHours
		}
		if meanUnits > 0 {
			dev = math.Max(dev, math.Abs(g.MeanResourceUnits-meanUnits)/meanUnits)
		}
		if dev > worstDev {
			worst, worstDev = g.Group, dev
		}
	}
	return []string{worst}
}

func parityEvidence(a model.AttributeParityMetrics, fourFifths float64) string {
	rates := make([]string, 0, len(a.Groups))
	for _, g := range a.Groups {
		rates = append(rates, fmt.Sprintf("%s=%.3f (%d/%d)", g.Group, g.SelectionRate, g.Selected, g.SampleSize))
	}
	return fmt.Sprintf("%s selection rates %s; parity ratio %.3f against four-fifths %.2f",
		a.Attribute, strings.Join(rates, ", "), a.ParityRatio, fourFifths)
}
