package detector

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kisslabs/platform/internal/store"
)

// SalesDrop flags branches whose daily sales fall below a fraction of
// their trailing baseline. Input product "daily_sales" columns: branch,
// sales, baseline.
type SalesDrop struct {
	spec Spec
}

// NewSalesDrop builds the detector from its registry spec. Thresholds:
// drop_pct (required, e.g. 30 = alert at 30% below baseline),
// min_baseline (ignore branches with a baseline under this).
func NewSalesDrop(spec Spec) *SalesDrop { return &SalesDrop{spec: spec} }

func (d *SalesDrop) Spec() Spec { return d.spec }

func (d *SalesDrop) Analyze(_ context.Context, inputs *Inputs, scope store.Scope) ([]*store.Finding, error) {
	dropPct, ok := d.spec.Thresholds["drop_pct"]
	if !ok || dropPct <= 0 {
		return nil, fmt.Errorf("sales drop: threshold drop_pct missing")
	}
	minBaseline := d.spec.Thresholds["min_baseline"]

	var findings []*store.Finding
	for _, row := range inputs.Products["daily_sales"] {
		branch := row.String("branch")
		sales := row.Float("sales")
		baseline := row.Float("baseline")
		if baseline < minBaseline || baseline == 0 {
			continue
		}
		deviation := (baseline - sales) / baseline * 100
		if deviation < dropPct {
			continue
		}

		severity := store.SeverityMedium
		if deviation >= dropPct*2 {
			severity = store.SeverityHigh
		}
		if deviation >= 80 {
			severity = store.SeverityCritical
		}
		evidence, _ := json.Marshal(map[string]float64{
			"sales": sales, "baseline": baseline, "deviation_pct": deviation,
		})
		findings = append(findings, &store.Finding{
			Type:        "sales_drop",
			Severity:    severity,
			Confidence:  confidenceFor(deviation, dropPct),
			Title:       fmt.Sprintf("Sales at %s down %.0f%% vs baseline", branch, deviation),
			Description: fmt.Sprintf("Branch %s sold %.2f against a baseline of %.2f.", branch, sales, baseline),
			Evidence:    evidence,
			Scope:       store.Scope{Branch: branch, DateFrom: scope.DateFrom, DateTo: scope.DateTo},
			Metric: store.MetricSnapshot{
				ID: "daily_sales", Value: sales, Baseline: baseline, DeviationPct: deviation,
			},
		})
	}
	return findings, nil
}

// WasteSpike flags products whose waste percentage exceeds a threshold.
// Input product "waste_by_product" columns: branch, product, waste_pct.
type WasteSpike struct {
	spec Spec
}

// NewWasteSpike builds the detector. Thresholds: max_waste_pct
// (required), critical_waste_pct (optional escalation bar).
func NewWasteSpike(spec Spec) *WasteSpike { return &WasteSpike{spec: spec} }

func (d *WasteSpike) Spec() Spec { return d.spec }

func (d *WasteSpike) Analyze(_ context.Context, inputs *Inputs, scope store.Scope) ([]*store.Finding, error) {
	maxWaste, ok := d.spec.Thresholds["max_waste_pct"]
	if !ok || maxWaste <= 0 {
		return nil, fmt.Errorf("waste spike: threshold max_waste_pct missing")
	}
	criticalBar := d.spec.Thresholds["critical_waste_pct"]

	var findings []*store.Finding
	for _, row := range inputs.Products["waste_by_product"] {
		wastePct := row.Float("waste_pct")
		if wastePct <= maxWaste {
			continue
		}
		branch := row.String("branch")
		product := row.String("product")

		severity := store.SeverityMedium
		if criticalBar > 0 && wastePct >= criticalBar {
			severity = store.SeverityCritical
		} else if wastePct >= maxWaste*1.5 {
			severity = store.SeverityHigh
		}
		findings = append(findings, &store.Finding{
			Type:        "waste_spike",
			Severity:    severity,
			Confidence:  confidenceFor(wastePct, maxWaste),
			Title:       fmt.Sprintf("Waste on %s at %s hit %.1f%%", product, branch, wastePct),
			Description: fmt.Sprintf("Product %s at branch %s wasted %.1f%% against a cap of %.1f%%.", product, branch, wastePct, maxWaste),
			Scope:       store.Scope{Branch: branch, Product: product, DateFrom: scope.DateFrom, DateTo: scope.DateTo},
			Metric: store.MetricSnapshot{
				ID: "waste_pct", Value: wastePct, Baseline: maxWaste,
				DeviationPct: (wastePct - maxWaste) / maxWaste * 100,
			},
		})
	}
	return findings, nil
}

// confidenceFor scales confidence with how far past the threshold the
// measurement landed, saturating at 0.99.
func confidenceFor(value, threshold float64) float64 {
	if threshold <= 0 {
		return 0.5
	}
	c := 0.6 + 0.4*(value-threshold)/threshold
	if c > 0.99 {
		c = 0.99
	}
	if c < 0.5 {
		c = 0.5
	}
	return c
}
