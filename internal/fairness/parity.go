package fairness

import (
	"fmt"

	"fairwatch/internal/model"
	"fairwatch/internal/stats"
)

func (c *Calculator) demographicParity(outcomes []model.Outcome, attrs []string) model.DemographicParity {
	dp := model.DemographicParity{Threshold: c.cfg.FourFifthsThreshold}
	var ratios []float64
	for _, attr := range attrs {
		a := c.attributeParity(outcomes, attr)
		if a.Computed {
			ratios = append(ratios, a.ParityRatio)
		}
		dp.Attributes = append(dp.Attributes, a)
	}
	if len(ratios) == 0 {
		dp.Reason = "no attribute has every group at the minimum sample size"
		return dp
	}
	dp.Applicable = true
	dp.Score = minScore(ratios)
	return dp
}

// ParityRatio is min/max of the rates, defined as 1 when no group has any
// selections.
func ParityRatio(rates []float64) float64 {
	if len(rates) == 0 {
		return 1
	}
	lo, hi := rates[0], rates[0]
	for _, r := range rates[1:] {
		lo = min(lo, r)
		hi = max(hi, r)
	}
	if hi <= 0 {
		return 1
	}
	return stats.Clamp01(lo / hi)
}

func (c *Calculator) attributeParity(outcomes []model.Outcome, attr string) model.AttributeParityMetrics {
	names, byGroup := partition(outcomes, attr)
	out := model.AttributeParityMetrics{Attribute: attr}
	rates := make([]float64, 0, len(names))
	var small []string
	for _, g := range names {
		idx := byGroup[g]
		selected := 0
		for _, i := range idx {
			if outcomes[i].Selected {
				selected++
			}
		}
		lo, hi := stats.WilsonInterval(selected, len(idx), c.cfg.ConfidenceLevel)
		rate := stats.Proportion(selected, len(idx))
		out.Groups = append(out.Groups, model.GroupSelection{
			Group:         g,
			SampleSize:    len(idx),
			Selected:      selected,
			SelectionRate: rate,
			Interval:      model.ConfidenceInterval{Lower: lo, Upper: hi, Level: c.cfg.ConfidenceLevel, Method: model.IntervalWilson},
		})
		out.SampleSize += len(idx)
		rates = append(rates, rate)
		if len(idx) < c.cfg.MinGroupSize {
			small = append(small, g)
		}
	}
	out.PValue = 1
	switch {
	case len(names) < 2:
		out.Reason = "fewer than two groups observed"
		return out
	case len(small) > 0:
		out.Reason = fmt.Sprintf("groups below minimum size %d: %v", c.cfg.MinGroupSize, small)
		return out
	}
	out.Computed = true
	out.ParityRatio = ParityRatio(rates)
	lowIdx, highIdx := extremes(rates)
	out.MinGroup = names[lowIdx]
	out.MaxGroup = names[highIdx]
	return out
}

// extremes returns the indexes of the lowest and highest rate. Ties resolve
// to the first occurrence.
func extremes(rates []float64) (int, int) {
	lo, hi := 0, 0
	for i, r := range rates {
		if r < rates[lo] {
			lo = i
		}
		if r > rates[hi] {
			hi = i
		}
	}
	return lo, hi
}

func (c *Calculator) disparateImpact(parity model.DemographicParity) model.DisparateImpact {
	di := model.DisparateImpact{}
	weighted, total := 0.0, 0
	for _, a := range parity.Attributes {
		ai := model.AttributeImpact{
			Attribute:  a.Attribute,
			SampleSize: a.SampleSize,
			Computed:   a.Computed,
			Reason:     a.Reason,
		}
		if a.Computed {
			ai.ReferenceGroup = a.MaxGroup
			ai.LowestGroup = a.MinGroup
			ai.ImpactRatio = a.ParityRatio
			weighted += ai.ImpactRatio * float64(ai.SampleSize)
			total += ai.SampleSize
		}
		di.Attributes = append(di.Attributes, ai)
	}
	if total == 0 {
		di.Reason = "no attribute has every group at the minimum sample size"
		return di
	}
	di.Applicable = true
	di.OverallRatio = stats.Clamp01(weighted / float64(total))
	di.Score = di.OverallRatio
	di.FourFifthsCompliant = di.OverallRatio >= c.cfg.FourFifthsThreshold
	return di
}

func (c *Calculator) significance(parity model.DemographicParity) model.SignificanceBundle {
	bundle := model.SignificanceBundle{
		Alpha:            c.cfg.Alpha,
		BonferroniAlpha:  c.cfg.Alpha,
		RequiredPerGroup: stats.RequiredSampleSize(c.cfg.MediumEffect, c.cfg.Alpha, c.cfg.TargetPower),
	}
	smallest := 0
	for _, a := range parity.Attributes {
		if len(a.Groups) < 2 {
			continue
		}
		test, ok := c.attributeTest(a)
		if !ok {
			continue
		}
		bundle.Tests = append(bundle.Tests, test)
		for _, g := range a.Groups {
			if smallest == 0 || g.SampleSize < smallest {
				smallest = g.SampleSize
			}
		}
	}
	if len(bundle.Tests) > 1 {
		bundle.BonferroniAlpha = c.cfg.Alpha / float64(len(bundle.Tests))
	}
	bundle.Power = stats.PowerTwoProportions(c.cfg.MediumEffect, smallest, c.cfg.Alpha)
	bundle.PowerAdequate = bundle.Power >= c.cfg.TargetPower
	return bundle
}

// attributeTest runs chi-square on the k×2 table and substitutes Fisher's
// exact test, on the most and least selected groups, when any expected
// count is below 5.
func (c *Calculator) attributeTest(a model.AttributeParityMetrics) (model.AttributeSignificance, bool) {
	table := make([][2]int, 0, len(a.Groups))
	rates := make([]float64, 0, len(a.Groups))
	for _, g := range a.Groups {
		table = append(table, [2]int{g.Selected, g.SampleSize - g.Selected})
		rates = append(rates, g.SelectionRate)
	}
	chi, err := stats.ChiSquare(table)
	if err != nil {
		return model.AttributeSignificance{}, false
	}
	lo, hi := extremes(rates)
	out := model.AttributeSignificance{
		Attribute:        a.Attribute,
		Test:             model.TestChiSquare,
		Statistic:        chi.Statistic,
		DegreesOfFreedom: chi.DegreesOfFreedom,
		PValue:           chi.PValue,
		CohensH:          stats.CohensH(rates[hi], rates[lo]),
		CramersV:         stats.CramersV(chi.Statistic, chi.N, len(table), 2),
	}
	if chi.MinExpected < 5 {
		out.Test = model.TestFisherExact
		out.PValue = stats.FisherExact(table[hi][0], table[hi][1], table[lo][0], table[lo][1])
	}
	out.Significant = out.PValue < c.cfg.Alpha
	return out, true
}
