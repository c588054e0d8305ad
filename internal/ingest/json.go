package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"fairwatch/internal/model"
	"fairwatch/internal/normalize"
)

const attrPrefix = "attr_"

func ParseJSONBytes(data []byte) (*normalize.EventFields, error) {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	return ParseJSONMap(obj), nil
}

// ParseJSONList accepts either one event object or an array of them.
func ParseJSONList(data []byte) ([]*normalize.EventFields, error) {
	trim := strings.TrimSpace(string(data))
	if trim == "" {
		return nil, errors.New("empty body")
	}
	if trim[0] != '[' {
		f, err := ParseJSONBytes([]byte(trim))
		if err != nil {
			return nil, err
		}
		return []*normalize.EventFields{f}, nil
	}
	var list []map[string]any
	if err := json.Unmarshal([]byte(trim), &list); err != nil {
		return nil, err
	}
	out := make([]*normalize.EventFields, 0, len(list))
	for _, obj := range list {
		out = append(out, ParseJSONMap(obj))
	}
	return out, nil
}

// ParseJSONMap reads an event. An object without an "outcomes" list but
// with a decision field is taken as a single-outcome event, which is how
// CSV rows and key=value lines arrive.
func ParseJSONMap(obj map[string]any) *normalize.EventFields {
	flat := lowerKeys(obj)
	fields := &normalize.EventFields{
		EventID:     firstNonEmpty(flat, "event_id", "eventid", "id"),
		ProcessID:   firstNonEmpty(flat, "process_id", "processid", "process"),
		ProcessType: firstNonEmpty(flat, "process_type", "processtype", "type"),
		Stage:       firstNonEmpty(flat, "stage", "pipeline_stage"),
		Timestamp:   firstNonEmpty(flat, "timestamp", "time", "ts"),
		Mode:        firstNonEmpty(flat, "mode"),
		Scope:       parseScope(flat),
		Notes:       parseNotes(flat),
	}
	if list, ok := flat["outcomes"].([]any); ok {
		for _, item := range list {
			if m, ok := item.(map[string]any); ok {
				fields.Outcomes = append(fields.Outcomes, parseOutcome(lowerKeys(m)))
			}
		}
		return fields
	}
	if firstNonEmpty(flat, "selected", "decision", "outcome") != "" {
		fields.Outcomes = append(fields.Outcomes, parseOutcome(flat))
	}
	return fields
}

func parseOutcome(m map[string]any) normalize.OutcomeFields {
	of := normalize.OutcomeFields{
		Groups:        map[string]string{},
		Selected:      firstNonEmpty(m, "selected", "decision", "outcome"),
		Actual:        firstNonEmpty(m, "actual", "label", "ground_truth"),
		DecisionHours: firstNonEmpty(m, "decision_hours", "decision_time_hours"),
		ResourceUnits: firstNonEmpty(m, "resource_units", "resources"),
		Timestamp:     firstNonEmpty(m, "outcome_timestamp", "decided_at"),
	}
	if groups, ok := m["groups"].(map[string]any); ok {
		for k, v := range groups {
			of.Groups[strings.ToLower(k)] = scalar(v)
		}
	}
	for k, v := range m {
		if strings.HasPrefix(k, attrPrefix) && len(k) > len(attrPrefix) {
			of.Groups[strings.TrimPrefix(k, attrPrefix)] = scalar(v)
		}
	}
	return of
}

func parseScope(flat map[string]any) model.Scope {
	src := flat
	if m, ok := flat["scope"].(map[string]any); ok {
		src = lowerKeys(m)
	}
	return model.Scope{
		Geography:  firstNonEmpty(src, "geography", "region"),
		Department: firstNonEmpty(src, "department", "dept"),
		JobLevel:   firstNonEmpty(src, "job_level", "level"),
	}
}

func parseNotes(flat map[string]any) []string {
	var out []string
	switch v := flat["notes"].(type) {
	case []any:
		for _, n := range v {
			out = append(out, scalar(n))
		}
	case string:
		out = append(out, v)
	}
	if n := firstNonEmpty(flat, "note", "comment"); n != "" {
		out = append(out, n)
	}
	return out
}

func lowerKeys(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return out
}

func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case map[string]any, []any:
		return ""
	}
	return fmt.Sprint(v)
}

func firstNonEmpty(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(scalar(m[k])); v != "" {
			return v
		}
	}
	return ""
}
