// internal/lifecycle/analytics.go
package lifecycle

import (
	"fmt"
	"math"
	"time"
)

// StockAlerts lists the parts at or below their minimum stock.
func StockAlerts(parts []PartInventoryItem, today time.Time) []StockAlert {
	var alerts []StockAlert
	for _, p := range parts {
		if !p.IsBelowMinimum() {
			continue
		}
		alerts = append(alerts, StockAlert{
			PartID:       p.ID,
			PartName:     p.Name,
			Stock:        p.Stock,
			MinimumStock: p.MinimumStock,
			GeneratedOn:  today,
		})
	}
	return alerts
}

// MonthlyReport returns every part's consumption in month, zero included.
func MonthlyReport(parts []PartInventoryItem, month YearMonth) []MonthlyPartReport {
	report := make([]MonthlyPartReport, 0, len(parts))
	for _, p := range parts {
		report = append(report, MonthlyPartReport{
			PartID:   p.ID,
			PartName: p.Name,
			Month:    month,
			Quantity: p.ConsumptionFor(month),
			Unit:     p.Unit,
		})
	}
	return report
}

// PurchaseSuggestions proposes what to buy for month from the consumption of
// the month before, padded by buffer (0.2 is 20%). Parts unused in the
// previous month get no suggestion.
func PurchaseSuggestions(parts []PartInventoryItem, month YearMonth, buffer float64) []PurchaseSuggestion {
	source := month.Previous()
	var out []PurchaseSuggestion
	for _, p := range parts {
		prev := p.ConsumptionFor(source)
		if prev <= 0 {
			continue
		}
		// the epsilon keeps exact products such as 10*1.1 from rounding up to 12
		suggested := int(math.Ceil(float64(prev)*(1+buffer) - 1e-9))
		out = append(out, PurchaseSuggestion{
			PartID:              p.ID,
			PartName:            p.Name,
			SourceMonth:         source,
			PreviousConsumption: prev,
			SuggestedQuantity:   max(prev, suggested),
			Rationale:           fmt.Sprintf("Based on consumption of %02d/%04d", int(source.Month), source.Year),
		})
	}
	return out
}
