package stream

import (
	"strings"

	"github.com/danielpatrickdp/dbheal/internal/store"
)

// Flag names one inspection rule that matched.
type Flag string

const (
	FlagLabeled          Flag = "labeled_anomaly"
	FlagLargeQuantity    Flag = "large_quantity"
	FlagUnknownMaterial  Flag = "unknown_material"
	FlagMissingDate      Flag = "missing_date"
	FlagMissingRecovered Flag = "missing_recovered"
)

// Rules are the inspection thresholds.
type Rules struct {
	QuantityLimit float64 `yaml:"quantity_limit" json:"quantity_limit"`
}

// DefaultRules returns the standard thresholds.
func DefaultRules() Rules {
	return Rules{QuantityLimit: 10000}
}

// Finding is an incident with at least one matching rule.
type Finding struct {
	Incident    store.Incident `json:"-"`
	SpillNumber string         `json:"spill_number"`
	Flags       []Flag         `json:"flags"`
}

// Inspect returns a finding for every incident that trips a rule, in input
// order. A NULL quantity never trips the quantity rule.
func Inspect(incidents []store.Incident, rules Rules) []Finding {
	var out []Finding
	for _, inc := range incidents {
		var flags []Flag
		if inc.AnomalyFlag {
			flags = append(flags, FlagLabeled)
		}
		if inc.Quantity.Valid && inc.Quantity.Float64 > rules.QuantityLimit {
			flags = append(flags, FlagLargeQuantity)
		}
		if strings.Contains(strings.ToLower(inc.MaterialName), "unknown") {
			flags = append(flags, FlagUnknownMaterial)
		}
		if !inc.SpillDate.Valid {
			flags = append(flags, FlagMissingDate)
		}
		if !inc.Recovered.Valid {
			flags = append(flags, FlagMissingRecovered)
		}
		if len(flags) > 0 {
			out = append(out, Finding{Incident: inc, SpillNumber: inc.SpillNumber, Flags: flags})
		}
	}
	return out
}

// InspectStreamed inspects streamed rows.
func InspectStreamed(rows []store.StreamedIncident, rules Rules) []Finding {
	incs := make([]store.Incident, len(rows))
	for i, r := range rows {
		incs[i] = r.Incident
	}
	return Inspect(incs, rules)
}
