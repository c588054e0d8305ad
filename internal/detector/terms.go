package detector

import (
	"sort"
	"strings"
	"unicode"

	"fairwatch/internal/config"
	"fairwatch/internal/model"
)

type termRule struct {
	term           string
	biasType       model.BiasType
	severity       model.Severity
	recommendation string
}

// TermSet is the compiled form of the quick-check term rules: one global
// set plus one set per process type.
type TermSet struct {
	Enabled bool
	global  map[string]termRule
	process map[model.ProcessType]map[string]termRule
}

func buildTermSet(qc config.QuickCheckConfig) *TermSet {
	ts := &TermSet{Enabled: qc.Enabled}
	if !ts.Enabled {
		return ts
	}
	ts.global = buildRuleSet(qc.Terms)
	if len(qc.ProcessTerms) > 0 {
		ts.process = make(map[model.ProcessType]map[string]termRule, len(qc.ProcessTerms))
		for pt, rules := range qc.ProcessTerms {
			set := buildRuleSet(rules)
			if len(set) == 0 {
				continue
			}
			ts.process[model.ProcessType(strings.ToLower(pt))] = set
		}
	}
	return ts
}

func buildRuleSet(rules []config.TermRule) map[string]termRule {
	if len(rules) == 0 {
		return nil
	}
	set := make(map[string]termRule, len(rules))
	for _, r := range rules {
		term := normalizeText(r.Term)
		if term == "" {
			continue
		}
		bt, err := model.ParseBiasType(r.BiasType)
		if err != nil {
			continue
		}
		sev, err := model.ParseSeverity(r.Severity)
		if err != nil {
			continue
		}
		set[term] = termRule{term: term, biasType: bt, severity: sev, recommendation: r.Recommendation}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

// Match returns every rule whose term occurs as a whole phrase in text,
// process-specific rules overriding global ones with the same term.
func (t *TermSet) Match(pt model.ProcessType, text string) []termRule {
	if t == nil || !t.Enabled {
		return nil
	}
	norm := normalizeText(text)
	if norm == "" {
		return nil
	}
	padded := " " + norm + " "
	hits := make(map[string]termRule)
	scan := func(set map[string]termRule) {
		for term, rule := range set {
			if strings.Contains(padded, " "+term+" ") {
				hits[term] = rule
			}
		}
	}
	scan(t.global)
	if t.process != nil {
		scan(t.process[pt])
	}
	out := make([]termRule, 0, len(hits))
	for _, r := range hits {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].term < out[j].term })
	return out
}

// normalizeText lowercases and collapses every run of non-alphanumeric
// characters into a single space.
func normalizeText(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(unicode.ToLower(r))
		default:
			space = true
		}
	}
	return b.String()
}
