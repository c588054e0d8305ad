package ingest

import (
	"encoding/csv"
	"errors"
	"regexp"
	"strings"

	"fairwatch/internal/normalize"
)

var (
	reTimestamp = regexp.MustCompile(`^\s*([0-9]{4}-[0-9]{2}-[0-9]{2}[ T][0-9:.+-Z]+)`)
	reKV        = regexp.MustCompile(`(?i)([a-zA-Z_]+)=("[^"]*"|[^\s]+)`)
)

var (
	errJSONArray = errors.New("json arrays are only accepted over rest")
	errNoHeader  = errors.New("csv row before header")
)

// Parser reads one line-oriented stream. It is not safe for concurrent
// use: CSV streams remember their header.
type Parser struct {
	csv *CSVParser
}

func NewParser() *Parser {
	return &Parser{csv: NewCSVParser()}
}

// ParseLine returns nil fields for blank lines and CSV headers.
func (p *Parser) ParseLine(line string) (*normalize.EventFields, error) {
	trim := strings.TrimSpace(line)
	if trim == "" {
		return nil, nil
	}
	if looksLikeJSON(trim) {
		if trim[0] == '[' {
			return nil, errJSONArray
		}
		fields, err := ParseJSONBytes([]byte(trim))
		if err != nil {
			return nil, err
		}
		fields.Raw = line
		return fields, nil
	}
	if strings.Contains(trim, ",") && !reKV.MatchString(trim) {
		fields, err := p.csv.Parse(trim)
		if err != nil || fields == nil {
			return nil, err
		}
		fields.Raw = line
		return fields, nil
	}
	fields := parsePlain(trim)
	fields.Raw = line
	return fields, nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

// parsePlain reads "2026-02-23T12:34:56Z process_id=req-1 selected=1
// attr_gender=F" style lines.
func parsePlain(line string) *normalize.EventFields {
	ts, _ := extractTimestamp(line)
	kv := map[string]any{}
	for _, match := range reKV.FindAllStringSubmatch(line, -1) {
		kv[strings.ToLower(match[1])] = strings.Trim(match[2], `"`)
	}
	if _, ok := kv["timestamp"]; !ok && ts != "" {
		kv["timestamp"] = ts
	}
	return ParseJSONMap(kv)
}

func extractTimestamp(line string) (string, string) {
	m := reTimestamp.FindStringSubmatchIndex(line)
	if len(m) >= 4 {
		return strings.TrimSpace(line[m[2]:m[3]]), strings.TrimSpace(line[m[3]:])
	}
	return "", line
}

type CSVParser struct {
	header []string
}

func NewCSVParser() *CSVParser {
	return &CSVParser{}
}

func (p *CSVParser) Parse(line string) (*normalize.EventFields, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.TrimLeadingSpace = true
	record, err := r.Read()
	if err != nil {
		return nil, err
	}
	return p.ParseRecord(record)
}

// ParseRecord consumes the header on first sight and maps later records
// through it. Columns named attr_<attribute> carry protected groups.
func (p *CSVParser) ParseRecord(record []string) (*normalize.EventFields, error) {
	if len(record) == 0 {
		return nil, nil
	}
	if p.header == nil && looksLikeHeader(record) {
		p.header = normalizeHeader(record)
		return nil, nil
	}
	if p.header == nil {
		return nil, errNoHeader
	}
	row := make(map[string]any, len(p.header))
	for i, name := range p.header {
		if i >= len(record) {
			break
		}
		row[name] = strings.TrimSpace(record[i])
	}
	if notes, ok := row["notes"].(string); ok && strings.Contains(notes, "|") {
		parts := strings.Split(notes, "|")
		list := make([]any, len(parts))
		for i, n := range parts {
			list[i] = n
		}
		row["notes"] = list
	}
	return ParseJSONMap(row), nil
}

func looksLikeHeader(record []string) bool {
	for _, v := range record {
		v = strings.ToLower(strings.TrimSpace(v))
		if strings.HasPrefix(v, attrPrefix) {
			return true
		}
		switch v {
		case "process_id", "process_type", "selected", "decision", "event_id", "timestamp", "stage":
			return true
		}
	}
	return false
}

func normalizeHeader(record []string) []string {
	out := make([]string, len(record))
	for i, v := range record {
		out[i] = strings.ToLower(strings.TrimSpace(v))
	}
	return out
}
