// Package detector runs scheduled analytical jobs over business data.
// A detector declares what inputs it needs and how often it runs; the
// runner owns the shared lifecycle: create the run row, load inputs,
// analyze, persist findings, and promote qualifying findings to alerts
// or investigation cases.
package detector

import (
	"context"

	"github.com/kisslabs/platform/internal/store"
)

// OutputType decides a detector's default promotion path.
type OutputType string

const (
	OutputAlert OutputType = "alert"
	OutputCase  OutputType = "case"
)

// Spec is a detector's registration: identity, inputs, schedule, and
// promotion policy. Thresholds are opaque to the framework; each
// detector interprets its own.
type Spec struct {
	ID                string
	Category          string
	InputDataProducts []string
	Schedule          string // cron expression, scheduler timezone
	Thresholds        map[string]float64
	OutputType        OutputType
	CooldownHours     int
	MaxAlertsPerDay   int
	Active            bool
}

// Row is one input record. Detectors pull typed values out with the
// helpers below.
type Row map[string]interface{}

// Float reads a numeric column, tolerating int and json.Number-style
// float storage. Missing or non-numeric columns read as 0.
func (r Row) Float(col string) float64 {
	switch v := r[col].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// String reads a text column.
func (r Row) String(col string) string {
	s, _ := r[col].(string)
	return s
}

// Inputs is the loaded data, keyed by data product name.
type Inputs struct {
	Products map[string][]Row
}

// RowCount totals rows across all products.
func (in *Inputs) RowCount() int {
	if in == nil {
		return 0
	}
	var n int
	for _, rows := range in.Products {
		n += len(rows)
	}
	return n
}

// InputLoader materializes the declared data products for a scope. The
// analytical warehouse behind it is a collaborator; tests stub it.
type InputLoader interface {
	Load(ctx context.Context, products []string, scope store.Scope) (*Inputs, error)
}

// Detector is one analytical job. Analyze must be pure over its inputs:
// all persistence and promotion belongs to the runner.
type Detector interface {
	Spec() Spec
	Analyze(ctx context.Context, inputs *Inputs, scope store.Scope) ([]*store.Finding, error)
}
