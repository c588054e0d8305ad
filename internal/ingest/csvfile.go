package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"

	"fairwatch/internal/config"
	"fairwatch/internal/model"
	"fairwatch/internal/normalize"
)

// ReadCSV reads a whole CSV export, one outcome per row, and groups rows
// by process id into events in first-seen order.
func ReadCSV(r io.Reader, cfg *config.Config) ([]model.ProcessEvent, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1
	parser := NewCSVParser()
	byProcess := map[string]*normalize.EventFields{}
	var order []string
	line := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		fields, err := parser.ParseRecord(record)
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		if fields == nil {
			continue
		}
		key := fields.ProcessID
		acc, ok := byProcess[key]
		if !ok {
			acc = fields
			byProcess[key] = acc
			order = append(order, key)
			continue
		}
		acc.Outcomes = append(acc.Outcomes, fields.Outcomes...)
		acc.Notes = append(acc.Notes, fields.Notes...)
	}
	out := make([]model.ProcessEvent, 0, len(order))
	for _, key := range order {
		ev, err := normalize.Normalize(*byProcess[key], cfg)
		if err != nil {
			return nil, fmt.Errorf("process %q: %w", key, err)
		}
		ev.Source = "csv"
		out = append(out, ev)
	}
	return out, nil
}
