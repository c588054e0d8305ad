// Package fairness computes the fairness metrics bundle for a set of
// outcomes: demographic parity, equalized odds, predictive equality,
// treatment equality and disparate impact, plus significance tests and an
// aggregate score with a confidence interval.
package fairness

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"fairwatch/internal/config"
	"fairwatch/internal/model"
	"fairwatch/internal/stats"
	"fairwatch/internal/tracing"
)

const tracerName = "fairwatch/fairness"

type Calculator struct {
	cfg   config.FairnessConfig
	now   func() time.Time
	newID func() string
}

type Option func(*Calculator)

func WithClock(now func() time.Time) Option {
	return func(c *Calculator) {
		if now != nil {
			c.now = now
		}
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(c *Calculator) {
		if fn != nil {
			c.newID = fn
		}
	}
}

func NewCalculator(cfg config.FairnessConfig, opts ...Option) *Calculator {
	c := &Calculator{
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// familySet is everything that depends only on the outcomes, so the
// bootstrap can recompute it per resample.
type familySet struct {
	parity    model.DemographicParity
	odds      model.EqualizedOdds
	equality  model.PredictiveEquality
	treatment model.TreatmentEquality
	impact    model.DisparateImpact
}

func (fs familySet) components(w config.FamilyWeights) []model.FamilyScore {
	results := map[model.MetricFamily]model.FamilyResult{
		model.FamilyDemographicParity:  fs.parity.FamilyResult,
		model.FamilyEqualizedOdds:      fs.odds.FamilyResult,
		model.FamilyPredictiveEquality: fs.equality.FamilyResult,
		model.FamilyTreatmentEquality:  fs.treatment.FamilyResult,
		model.FamilyDisparateImpact:    fs.impact.FamilyResult,
	}
	out := make([]model.FamilyScore, 0, len(model.Families))
	for _, f := range model.Families {
		r := results[f]
		out = append(out, model.FamilyScore{
			Family:     f,
			Applicable: r.Applicable,
			Score:      r.Score,
			Weight:     w.For(f),
			Reason:     r.Reason,
		})
	}
	return out
}

// Aggregate is the weighted mean of applicable components. When every
// applicable family carries zero weight the plain mean is used.
func Aggregate(components []model.FamilyScore) (float64, bool) {
	sum, weight := 0.0, 0.0
	for _, c := range components {
		if !c.Applicable || c.Weight <= 0 {
			continue
		}
		sum += c.Weight * c.Score
		weight += c.Weight
	}
	if weight > 0 {
		return stats.Clamp01(sum / weight), true
	}
	mean, n := model.UnweightedMean(components)
	return stats.Clamp01(mean), n > 0
}

// Compute builds a validated metrics bundle. It fails with
// model.ErrInsufficientSampleSize when there are too few outcomes or no
// family can be computed, and with model.ErrInconsistentAggregateScore when
// the weighted score drifts from the unweighted component mean.
func (c *Calculator) Compute(ctx context.Context, outcomes []model.Outcome, fctx model.FairnessContext) (*model.FairnessMetrics, error) {
	_, span := tracing.StartSpan(ctx, tracerName, "fairness.Compute",
		tracing.AttrProcessType.String(string(fctx.ProcessType)),
		tracing.AttrOutcomes.Int(len(outcomes)),
	)
	defer span.End()

	metrics, err := c.compute(outcomes, fctx)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(tracing.AttrScore.Float64(metrics.OverallScore))
	return metrics, nil
}

func (c *Calculator) compute(outcomes []model.Outcome, fctx model.FairnessContext) (*model.FairnessMetrics, error) {
	n := len(outcomes)
	if n < c.cfg.MinTotalSamples {
		return nil, fmt.Errorf("%w: %d outcomes, minimum is %d", model.ErrInsufficientSampleSize, n, c.cfg.MinTotalSamples)
	}
	attrs := attributeNames(outcomes)
	if len(attrs) == 0 {
		return nil, fmt.Errorf("%w: outcomes carry no protected-attribute groups", model.ErrInsufficientSampleSize)
	}

	fs := c.families(outcomes, attrs)
	components := fs.components(c.cfg.Weights)
	overall, ok := Aggregate(components)
	if !ok {
		return nil, fmt.Errorf("%w: no metric family could be computed", model.ErrInsufficientSampleSize)
	}

	significance := c.significance(fs.parity)
	for i := range fs.parity.Attributes {
		if t, ok := significance.For(fs.parity.Attributes[i].Attribute); ok {
			fs.parity.Attributes[i].PValue = t.PValue
			fs.parity.Attributes[i].Test = t.Test
		}
	}
	adequacy := c.adequacy(outcomes, fs.parity, significance)
	validation := c.validation(adequacy, significance, components)

	ts := c.now()
	if fctx.WindowEnd.IsZero() {
		fctx.WindowEnd = ts
	}
	if fctx.WindowStart.IsZero() {
		fctx.WindowStart = earliest(outcomes, fctx.WindowEnd)
	}

	bundle := model.FairnessMetrics{
		ID:                 c.newID(),
		Timestamp:          ts,
		Context:            fctx,
		DemographicParity:  fs.parity,
		EqualizedOdds:      fs.odds,
		PredictiveEquality: fs.equality,
		TreatmentEquality:  fs.treatment,
		DisparateImpact:    fs.impact,
		Significance:       significance,
		Components:         components,
		OverallScore:       overall,
		ScoreInterval:      c.scoreInterval(outcomes, attrs, overall),
		SampleAdequacy:     adequacy,
		Validation:         validation,
	}
	return model.NewFairnessMetrics(bundle, c.cfg.AggregateTolerance)
}

func (c *Calculator) families(outcomes []model.Outcome, attrs []string) familySet {
	parity := c.demographicParity(outcomes, attrs)
	odds, equality := c.errorRates(outcomes, attrs)
	return familySet{
		parity:    parity,
		odds:      odds,
		equality:  equality,
		treatment: c.treatmentEquality(outcomes, attrs),
		impact:    c.disparateImpact(parity),
	}
}

func (c *Calculator) scoreInterval(outcomes []model.Outcome, attrs []string, overall float64) model.ConfidenceInterval {
	level := c.cfg.ConfidenceLevel
	n := len(outcomes)
	if n < c.cfg.BootstrapBelow {
		resample := make([]model.Outcome, n)
		values := stats.Bootstrap(n, c.cfg.BootstrapResamples, c.cfg.BootstrapSeed, func(idx []int) float64 {
			for i, j := range idx {
				resample[i] = outcomes[j]
			}
			score, ok := Aggregate(c.families(resample, attrs).components(c.cfg.Weights))
			if !ok {
				return math.NaN()
			}
			return score
		})
		if len(values) > 0 {
			lo, hi := stats.PercentileInterval(values, level)
			return model.ConfidenceInterval{
				Lower:  math.Min(lo, overall),
				Upper:  math.Max(hi, overall),
				Level:  level,
				Method: model.IntervalBootstrap,
			}
		}
	}
	lo, hi := stats.NormalInterval(overall, n, level)
	return model.ConfidenceInterval{Lower: lo, Upper: hi, Level: level, Method: model.IntervalNormal}
}

func (c *Calculator) adequacy(outcomes []model.Outcome, parity model.DemographicParity, sig model.SignificanceBundle) model.SampleAdequacy {
	out := model.SampleAdequacy{
		TotalSamples:    len(outcomes),
		LabelledSamples: countLabelled(outcomes),
		MinimumTotal:    c.cfg.MinTotalSamples,
		MinimumPerGroup: c.cfg.MinGroupSize,
	}
	for _, a := range parity.Attributes {
		for _, g := range a.Groups {
			if g.SampleSize < c.cfg.MinGroupSize {
				out.UnderpoweredGroups = append(out.UnderpoweredGroups, a.Attribute+"="+g.Group)
			}
		}
	}
	out.Adequate = len(out.UnderpoweredGroups) == 0 && sig.PowerAdequate
	return out
}

func (c *Calculator) validation(adequacy model.SampleAdequacy, sig model.SignificanceBundle, components []model.FamilyScore) model.Validation {
	var warnings []string
	if len(adequacy.UnderpoweredGroups) > 0 {
		warnings = append(warnings, fmt.Sprintf("groups below minimum size %d: %v", c.cfg.MinGroupSize, adequacy.UnderpoweredGroups))
	}
	if !sig.PowerAdequate {
		warnings = append(warnings, fmt.Sprintf("power %.2f below %.2f for effect size %.2f; %d per group required",
			sig.Power, c.cfg.TargetPower, c.cfg.MediumEffect, sig.RequiredPerGroup))
	}
	for _, comp := range components {
		if !comp.Applicable {
			warnings = append(warnings, fmt.Sprintf("%s not applicable: %s", comp.Family, comp.Reason))
		}
	}
	status := model.ValidationValidated
	if !adequacy.Adequate {
		status = model.ValidationProvisional
	}
	return model.Validation{Status: status, Warnings: warnings}
}

func attributeNames(outcomes []model.Outcome) []string {
	seen := make(map[string]struct{})
	for _, o := range outcomes {
		for attr, group := range o.Groups {
			if attr == "" || group == "" {
				continue
			}
			seen[attr] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for attr := range seen {
		out = append(out, attr)
	}
	sort.Strings(out)
	return out
}

// partition groups outcome indices by the value of attr, skipping outcomes
// that do not carry the attribute. Group names come back sorted.
func partition(outcomes []model.Outcome, attr string) ([]string, map[string][]int) {
	byGroup := make(map[string][]int)
	for i, o := range outcomes {
		g := o.Groups[attr]
		if g == "" {
			continue
		}
		byGroup[g] = append(byGroup[g], i)
	}
	names := make([]string, 0, len(byGroup))
	for g := range byGroup {
		names = append(names, g)
	}
	sort.Strings(names)
	return names, byGroup
}

func countLabelled(outcomes []model.Outcome) int {
	n := 0
	for _, o := range outcomes {
		if o.Labelled() {
			n++
		}
	}
	return n
}

func earliest(outcomes []model.Outcome, fallback time.Time) time.Time {
	out := fallback
	for _, o := range outcomes {
		if !o.Timestamp.IsZero() && o.Timestamp.Before(out) {
			out = o.Timestamp
		}
	}
	return out
}

func minScore(scores []float64) float64 {
	m := 1.0
	for _, s := range scores {
		if s < m {
			m = s
		}
	}
	return stats.Clamp01(m)
}
