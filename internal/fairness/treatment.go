package fairness

import (
	"fmt"
	"math"

	"fairwatch/internal/model"
	"fairwatch/internal/stats"
)

func (c *Calculator) treatmentEquality(outcomes []model.Outcome, attrs []string) model.TreatmentEquality {
	te := model.TreatmentEquality{OutlierThreshold: c.cfg.OutlierZ}

	measured := make([]model.Outcome, 0, len(outcomes))
	for _, o := range outcomes {
		if o.DecisionHours != nil || o.ResourceUnits != nil {
			measured = append(measured, o)
		}
	}
	if len(measured) == 0 {
		te.Reason = "no decision time or resource data"
		return te
	}
	outliers := c.outliers(measured)

	var scores []float64
	for _, attr := range attrs {
		a := c.attributeTreatment(measured, outliers, attr)
		te.Attributes = append(te.Attributes, a)
		if a.Computed {
			scores = append(scores, stats.Clamp01(1-max(a.DecisionTimeCV, a.ResourceCV)))
		}
	}
	if len(scores) == 0 {
		te.Reason = "no attribute has every group at the minimum sample size with timing or resource data"
		return te
	}
	te.Applicable = true
	te.Score = minScore(scores)
	return te
}

// outliers flags records whose decision time or resource use lies more than
// the configured number of standard deviations from the pooled mean.
func (c *Calculator) outliers(measured []model.Outcome) []bool {
	flags := make([]bool, len(measured))
	mark := func(get func(model.Outcome) *float64) {
		var values []float64
		var idx []int
		for i, o := range measured {
			if v := get(o); v != nil {
				values = append(values, *v)
				idx = append(idx, i)
			}
		}
		for j, z := range stats.ZScores(values) {
			if math.Abs(z) > c.cfg.OutlierZ {
				flags[idx[j]] = true
			}
		}
	}
	mark(func(o model.Outcome) *float64 { return o.DecisionHours })
	mark(func(o model.Outcome) *float64 { return o.ResourceUnits })
	return flags
}

func (c *Calculator) attributeTreatment(measured []model.Outcome, outliers []bool, attr string) model.AttributeTreatment {
	names, byGroup := partition(measured, attr)
	out := model.AttributeTreatment{Attribute: attr}
	var hourMeans, unitMeans []float64
	hoursEverywhere, unitsEverywhere := true, true
	var small []string
	for _, g := range names {
		gt := model.GroupTreatment{Group: g, SampleSize: len(byGroup[g])}
		var hours, units []float64
		for _, i := range byGroup[g] {
			o := measured[i]
			if o.DecisionHours != nil {
				hours = append(hours, *o.DecisionHours)
			}
			if o.ResourceUnits != nil {
				units = append(units, *o.ResourceUnits)
			}
			if outliers[i] {
				gt.Outliers++
			}
		}
		gt.OutlierRate = stats.Proportion(gt.Outliers, gt.SampleSize)
		if len(hours) > 0 {
			gt.MeanDecisionHours = stats.Mean(hours)
			hourMeans = append(hourMeans, gt.MeanDecisionHours)
		} else {
			hoursEverywhere = false
		}
		if len(units) > 0 {
			gt.MeanResourceUnits = stats.Mean(units)
			unitMeans = append(unitMeans, gt.MeanResourceUnits)
		} else {
			unitsEverywhere = false
		}
		if gt.SampleSize < c.cfg.MinGroupSize {
			small = append(small, g)
		}
		out.Groups = append(out.Groups, gt)
	}
	switch {
	case len(names) < 2:
		out.Reason = "fewer than two groups with timing or resource data"
		return out
	case len(small) > 0:
		out.Reason = fmt.Sprintf("groups below minimum size %d: %v", c.cfg.MinGroupSize, small)
		return out
	case !hoursEverywhere && !unitsEverywhere:
		out.Reason = "no measure is present for every group"
		return out
	}
	out.Computed = true
	if hoursEverywhere {
		out.DecisionTimeCV = stats.CoefficientOfVariation(hourMeans)
	}
	if unitsEverywhere {
		out.ResourceCV = stats.CoefficientOfVariation(unitMeans)
	}
	return out
}
