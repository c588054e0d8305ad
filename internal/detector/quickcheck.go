package detector

import (
	"fmt"
	"math"
	"sort"

	"fairwatch/internal/fairness"
	"fairwatch/internal/model"
	"fairwatch/internal/stats"
)

const (
	RuleTerm = "term"

	quickCheckConfidence = 0.5
)

type QuickCheckInput struct {
	ProcessID   string
	ProcessType model.ProcessType
	Outcomes    []model.Outcome
	Notes       []string
}

// QuickCheck runs only the configured term rules and the selection ratio
// rule. It never runs significance tests and never answers compliant.
func (d *Detector) QuickCheck(in QuickCheckInput) (model.Evaluation, error) {
	qc := d.detection.QuickCheck
	ev := model.Evaluation{
		ProcessID:   in.ProcessID,
		ProcessType: in.ProcessType,
		Provisional: true,
	}

	flags := d.termFlags(in.ProcessType, in.Notes)
	score := 1.0
	th := d.detection.Thresholds.DemographicParity
	for _, r := range d.selectionRatios(in.Outcomes) {
		score = math.Min(score, r.ratio)
		if r.ratio >= qc.SelectionRatio {
			continue
		}
		sev := model.MaxSeverity(Severity(r.ratio, th, d.detection.MediumBand), model.SeverityMedium)
		ev.Violations = append(ev.Violations, model.Violation{
			Attribute:         r.attribute,
			Family:            model.FamilyDemographicParity,
			Type:              model.ViolationThreshold,
			Severity:          sev,
			Score:             r.ratio,
			Threshold:         qc.SelectionRatio,
			Deviation:         qc.SelectionRatio - r.ratio,
			AffectedGroups:    []string{r.low},
			RecommendedAction: recommendation(model.FamilyDemographicParity, model.ViolationThreshold, sev),
			Evidence: []string{fmt.Sprintf("%s selection ratio %.3f (%s against %s) over %d recent outcomes",
				r.attribute, r.ratio, r.low, r.high, r.n)},
			Provisional: true,
		})
	}
	model.SortViolations(ev.Violations)
	if len(ev.Violations) == 0 && len(flags) == 0 {
		ev.Warnings = append(ev.Warnings, "quick check found no signal; full evaluation pending more outcomes")
	}

	score = stats.Clamp01(score - qc.FlagPenalty*float64(len(flags)))
	ev.Flags = flags
	ev.BiasScore = 1 - score
	ev.Severity = overallSeverity(ev.Violations, flags)
	ev.Status = complianceStatus(ev.Violations, flags, true, true)
	bias, err := d.classify(in.ProcessType, ev.Violations, flags, ev.BiasScore, quickCheckConfidence)
	if err != nil {
		return model.Evaluation{}, err
	}
	ev.Bias = bias
	return ev, nil
}

func (d *Detector) termFlags(pt model.ProcessType, notes []string) []model.Flag {
	seen := make(map[string]bool)
	var flags []model.Flag
	for i, note := range notes {
		for _, rule := range d.terms.Match(pt, note) {
			if seen[rule.term] {
				continue
			}
			seen[rule.term] = true
			flags = append(flags, model.Flag{
				Rule:     RuleTerm,
				Term:     rule.term,
				BiasType: rule.biasType,
				Severity: rule.severity,
				Detail:   fmt.Sprintf("note %d mentions %q", i+1, rule.term),
				Action:   rule.recommendation,
			})
		}
	}
	sort.SliceStable(flags, func(i, j int) bool {
		return flags[i].Severity.Rank() > flags[j].Severity.Rank()
	})
	return flags
}

type selectionRatio struct {
	attribute string
	ratio     float64
	low, high string
	n         int
}

func (d *Detector) selectionRatios(outcomes []model.Outcome) []selectionRatio {
	minSize := d.detection.QuickCheck.MinGroupSize
	type tally struct{ n, selected int }
	byAttr := make(map[string]map[string]*tally)
	for _, o := range outcomes {
		for attr, group := range o.Groups {
			if attr == "" || group == "" {
				continue
			}
			groups := byAttr[attr]
			if groups == nil {
				groups = make(map[string]*tally)
				byAttr[attr] = groups
			}
			t := groups[group]
			if t == nil {
				t = &tally{}
				groups[group] = t
			}
			t.n++
			if o.Selected {
				t.selected++
			}
		}
	}
	attrs := make([]string, 0, len(byAttr))
	for attr := range byAttr {
		attrs = append(attrs, attr)
	}
	sort.Strings(attrs)

	var out []selectionRatio
	for _, attr := range attrs {
		names := make([]string, 0, len(byAttr[attr]))
		for g, t := range byAttr[attr] {
			if t.n >= minSize {
				names = append(names, g)
			}
		}
		if len(names) < 2 {
			continue
		}
		sort.Strings(names)
		rates := make([]float64, len(names))
		n := 0
		lo, hi := 0, 0
		for i, g := range names {
			t := byAttr[attr][g]
			rates[i] = stats.Proportion(t.selected, t.n)
			n += t.n
			if rates[i] < rates[lo] {
				lo = i
			}
			if rates[i] > rates[hi] {
				hi = i
			}
		}
		out = append(out, selectionRatio{
			attribute: attr,
			ratio:     fairness.ParityRatio(rates),
			low:       names[lo],
			high:      names[hi],
			n:         n,
		})
	}
	return out
}
