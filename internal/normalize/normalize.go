// Package normalize turns loosely typed event fields from any ingest
// source into validated process events.
package normalize

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"fairwatch/internal/config"
	"fairwatch/internal/model"
)

// OutcomeFields is one decision as read from the wire, before typing.
type OutcomeFields struct {
	Groups        map[string]string
	Selected      string
	Actual        string
	DecisionHours string
	ResourceUnits string
	Timestamp     string
}

type EventFields struct {
	EventID     string
	ProcessID   string
	ProcessType string
	Stage       string
	Timestamp   string
	Mode        string
	Scope       model.Scope
	Outcomes    []OutcomeFields
	Notes       []string
	Raw         string
}

var ErrNoOutcomes = errors.New("event carries no outcomes or notes")

func Normalize(fields EventFields, cfg *config.Config) (model.ProcessEvent, error) {
	processID := strings.TrimSpace(fields.ProcessID)
	if processID == "" {
		processID = cfg.Ingest.Parser.DefaultProcessID
	}
	ptRaw := fields.ProcessType
	if strings.TrimSpace(ptRaw) == "" {
		ptRaw = cfg.Ingest.Parser.DefaultProcessType
	}
	pt, err := model.ParseProcessType(ptRaw)
	if err != nil {
		return model.ProcessEvent{}, err
	}
	mode, err := ParseMode(fields.Mode)
	if err != nil {
		return model.ProcessEvent{}, err
	}

	loc := location(cfg)
	ts := time.Now().UTC()
	if fields.Timestamp != "" {
		parsed, err := ParseTimestamp(fields.Timestamp, loc)
		if err != nil {
			return model.ProcessEvent{}, fmt.Errorf("parse timestamp: %w", err)
		}
		ts = parsed.UTC()
	}

	outcomes := make([]model.Outcome, 0, len(fields.Outcomes))
	for i, of := range fields.Outcomes {
		o, err := normalizeOutcome(of, loc)
		if err != nil {
			return model.ProcessEvent{}, fmt.Errorf("outcome %d: %w", i, err)
		}
		outcomes = append(outcomes, o)
	}
	notes := make([]string, 0, len(fields.Notes))
	for _, n := range fields.Notes {
		if n = strings.TrimSpace(n); n != "" {
			notes = append(notes, n)
		}
	}
	if len(outcomes) == 0 && len(notes) == 0 {
		return model.ProcessEvent{}, ErrNoOutcomes
	}

	return model.ProcessEvent{
		EventID:     strings.TrimSpace(fields.EventID),
		ProcessID:   processID,
		ProcessType: pt,
		Stage:       strings.ToLower(strings.TrimSpace(fields.Stage)),
		Scope:       fields.Scope,
		Timestamp:   ts,
		Mode:        mode,
		Outcomes:    outcomes,
		Notes:       notes,
		Source:      "log",
	}, nil
}

func normalizeOutcome(of OutcomeFields, loc *time.Location) (model.Outcome, error) {
	groups := make(map[string]string, len(of.Groups))
	for attr, group := range of.Groups {
		attr = strings.ToLower(strings.TrimSpace(attr))
		group = strings.TrimSpace(group)
		if attr != "" && group != "" {
			groups[attr] = group
		}
	}
	if len(groups) == 0 {
		return model.Outcome{}, errors.New("no protected-attribute groups")
	}
	selected, ok := ParseDecision(of.Selected)
	if !ok {
		return model.Outcome{}, fmt.Errorf("unrecognised decision %q", of.Selected)
	}
	o := model.Outcome{Groups: groups, Selected: selected}
	if strings.TrimSpace(of.Actual) != "" {
		actual, ok := ParseDecision(of.Actual)
		if !ok {
			return model.Outcome{}, fmt.Errorf("unrecognised actual label %q", of.Actual)
		}
		o.Actual = &actual
	}
	var err error
	if o.DecisionHours, err = parseOptionalFloat(of.DecisionHours); err != nil {
		return model.Outcome{}, fmt.Errorf("decision_hours: %w", err)
	}
	if o.ResourceUnits, err = parseOptionalFloat(of.ResourceUnits); err != nil {
		return model.Outcome{}, fmt.Errorf("resource_units: %w", err)
	}
	if of.Timestamp != "" {
		ts, err := ParseTimestamp(of.Timestamp, loc)
		if err != nil {
			return model.Outcome{}, err
		}
		o.Timestamp = ts.UTC()
	}
	return o, nil
}

// ParseDecision reads the many spellings of a positive or negative
// decision found in applicant tracking exports.
func ParseDecision(value string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "y", "selected", "hired", "hire", "advance", "advanced", "offer", "pass", "promoted", "match", "matched":
		return true, true
	case "0", "false", "no", "n", "rejected", "reject", "declined", "decline", "fail", "failed", "not_selected", "no_match":
		return false, true
	}
	return false, false
}

func ParseMode(value string) (model.EvaluationMode, error) {
	switch model.EvaluationMode(strings.ToLower(strings.TrimSpace(value))) {
	case "":
		return "", nil
	case model.ModeBatch:
		return model.ModeBatch, nil
	case model.ModeRealtime, "real-time", "real_time":
		return model.ModeRealtime, nil
	}
	return "", fmt.Errorf("unknown evaluation mode %q", value)
}

func parseOptionalFloat(value string) (*float64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, err
	}
	if f < 0 {
		return nil, fmt.Errorf("negative value %v", f)
	}
	return &f, nil
}

func location(cfg *config.Config) *time.Location {
	if cfg.Ingest.Parser.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Ingest.Parser.Timezone); err == nil {
			return l
		}
	}
	return time.UTC
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
	"2006-01-02",
}

func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	// Layouts without a zone are read in loc.
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(0, ms*int64(time.Millisecond)).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
