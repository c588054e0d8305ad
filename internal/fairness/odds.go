package fairness

import (
	"fmt"

	"fairwatch/internal/model"
	"fairwatch/internal/stats"
)

// errorRates derives equalized odds and predictive equality from the
// labelled outcomes. Both are not applicable, never zero, without labels.
func (c *Calculator) errorRates(outcomes []model.Outcome, attrs []string) (model.EqualizedOdds, model.PredictiveEquality) {
	eo := model.EqualizedOdds{}
	pe := model.PredictiveEquality{}

	labelled := make([]model.Outcome, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Labelled() {
			labelled = append(labelled, o)
		}
	}
	switch {
	case len(labelled) == 0:
		eo.Reason = "no ground-truth labels"
		pe.Reason = eo.Reason
		return eo, pe
	case len(labelled) < c.cfg.MinTotalSamples:
		eo.Reason = fmt.Sprintf("%d labelled outcomes, minimum is %d", len(labelled), c.cfg.MinTotalSamples)
		pe.Reason = eo.Reason
		return eo, pe
	}

	var eoScores, peScores []float64
	for _, attr := range attrs {
		a := c.attributeErrorRates(labelled, attr)
		eo.Attributes = append(eo.Attributes, a)
		pe.Attributes = append(pe.Attributes, a)
		if !a.Computed {
			continue
		}
		eoScores = append(eoScores, 1-max(a.TPRGap, a.FPRGap))
		peScores = append(peScores, 1-a.FPRGap)
	}
	if len(eoScores) == 0 {
		eo.Reason = "no attribute has enough labelled outcomes per group"
		pe.Reason = eo.Reason
		return eo, pe
	}
	eo.Applicable, eo.Score = true, minScore(eoScores)
	pe.Applicable, pe.Score = true, minScore(peScores)
	return eo, pe
}

func (c *Calculator) attributeErrorRates(labelled []model.Outcome, attr string) model.AttributeErrorRates {
	names, byGroup := partition(labelled, attr)
	out := model.AttributeErrorRates{Attribute: attr}
	var tprs, fprs, precisions []float64
	var missing []string
	for _, g := range names {
		r := model.GroupErrorRates{Group: g}
		for _, i := range byGroup[g] {
			o := labelled[i]
			r.Labelled++
			switch {
			case o.Selected && *o.Actual:
				r.TruePositives++
			case o.Selected && !*o.Actual:
				r.FalsePositives++
			case !o.Selected && *o.Actual:
				r.FalseNegatives++
			default:
				r.TrueNegatives++
			}
		}
		positives := r.TruePositives + r.FalseNegatives
		negatives := r.FalsePositives + r.TrueNegatives
		r.TPR = stats.Proportion(r.TruePositives, positives)
		r.FPR = stats.Proportion(r.FalsePositives, negatives)
		r.Precision = stats.Proportion(r.TruePositives, r.TruePositives+r.FalsePositives)
		out.Groups = append(out.Groups, r)

		if r.Labelled < c.cfg.MinGroupSize || positives == 0 || negatives == 0 {
			missing = append(missing, g)
			continue
		}
		tprs = append(tprs, r.TPR)
		fprs = append(fprs, r.FPR)
		if r.TruePositives+r.FalsePositives > 0 {
			precisions = append(precisions, r.Precision)
		}
	}
	switch {
	case len(names) < 2:
		out.Reason = "fewer than two labelled groups"
		return out
	case len(missing) > 0:
		out.Reason = fmt.Sprintf("groups without enough labelled positives and negatives: %v", missing)
		return out
	}
	out.Computed = true
	out.TPRGap = spread(tprs)
	out.FPRGap = spread(fprs)
	out.PrecisionGap = spread(precisions)
	return out
}

func spread(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	return hi - lo
}
