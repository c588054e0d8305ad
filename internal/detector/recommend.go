package detector

import (
	"fmt"

	"fairwatch/internal/model"
)

func recommendation(family model.MetricFamily, vt model.ViolationType, sev model.Severity) string {
	switch vt {
	case model.ViolationStatistical:
		return "investigate the statistically significant selection gap before the next decision cycle"
	case model.ViolationPractical:
		return "collect more outcomes; the selection gap is large but not yet statistically confirmed"
	}
	var action string
	switch family {
	case model.FamilyDemographicParity:
		action = "review selection criteria for the disadvantaged groups and re-score affected candidates"
	case model.FamilyDisparateImpact:
		action = "run an adverse impact analysis and document the job-relatedness of each criterion"
	case model.FamilyEqualizedOdds:
		action = "audit scoring for unequal error rates and recalibrate against ground truth"
	case model.FamilyPredictiveEquality:
		action = "review false positive decisions by group and tighten the acceptance rubric"
	case model.FamilyTreatmentEquality:
		action = "standardize decision time and resource allocation across groups"
	default:
		action = "review the process for unequal treatment"
	}
	if sev == model.SeverityCritical {
		return "pause automated decisions; " + action
	}
	return action
}

func flagRecommendation(f model.Flag) string {
	if f.Action != "" {
		return f.Action
	}
	return fmt.Sprintf("review notes flagged for %s bias (%q) with a second reviewer", f.BiasType, f.Term)
}
