package store

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

var dateLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02", "01/02/2006"}

// ImportIncidentsCSV reads incidents from a CSV export with a header row
// naming at least spill_number and spill_anomaly_flag. Empty cells become NULL.
func (s *Store) ImportIncidentsCSV(ctx context.Context, r io.Reader) (int, error) {
	incidents, err := ParseIncidentsCSV(r)
	if err != nil {
		return 0, err
	}
	return s.ImportIncidents(ctx, incidents)
}

// ParseIncidentsCSV decodes the CSV format accepted by ImportIncidentsCSV.
func ParseIncidentsCSV(r io.Reader) ([]Incident, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range []string{"spill_number", "spill_anomaly_flag"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("csv header missing %q", required)
		}
	}

	get := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var out []Incident
	line := 1
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("read csv line %d: %w", line, err)
		}

		inc := Incident{
			SpillNumber:  get(row, "spill_number"),
			MaterialName: get(row, "material_name"),
		}
		if inc.SpillNumber == "" {
			return nil, fmt.Errorf("csv line %d: empty spill_number", line)
		}
		if inc.SpillDate, err = parseDate(get(row, "spill_date")); err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		if inc.Quantity, err = parseFloat(get(row, "quantity")); err != nil {
			return nil, fmt.Errorf("csv line %d: quantity: %w", line, err)
		}
		if inc.Recovered, err = parseFloat(get(row, "recovered")); err != nil {
			return nil, fmt.Errorf("csv line %d: recovered: %w", line, err)
		}
		if inc.AnomalyFlag, err = parseFlag(get(row, "spill_anomaly_flag")); err != nil {
			return nil, fmt.Errorf("csv line %d: spill_anomaly_flag: %w", line, err)
		}
		out = append(out, inc)
	}
	return out, nil
}

func parseDate(s string) (sql.NullTime, error) {
	if s == "" {
		return sql.NullTime{}, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return sql.NullTime{Time: t, Valid: true}, nil
		}
	}
	return sql.NullTime{}, fmt.Errorf("unrecognised spill_date %q", s)
}

func parseFloat(s string) (sql.NullFloat64, error) {
	if s == "" {
		return sql.NullFloat64{}, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return sql.NullFloat64{}, err
	}
	return sql.NullFloat64{Float64: f, Valid: true}, nil
}

func parseFlag(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "", "0", "0.0", "false", "f":
		return false, nil
	case "1", "1.0", "true", "t":
		return true, nil
	}
	return false, fmt.Errorf("unrecognised flag %q", s)
}
