package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func partWith(id string, stock, minimum int, usage ...MonthlyConsumption) PartInventoryItem {
	return PartInventoryItem{ID: id, Name: id, Unit: "unidad", Stock: stock, MinimumStock: minimum, MonthlyConsumption: usage}
}

func TestPurchaseSuggestions(t *testing.T) {
	sep := YearMonth{Year: 2026, Month: time.September}
	oct := YearMonth{Year: 2026, Month: time.October}

	tests := []struct {
		name   string
		prev   int
		buffer float64
		want   int
	}{
		{"exact product does not round up", 10, 0.1, 11},
		{"fraction rounds up", 7, 0.2, 9},
		{"default buffer", 5, 0.2, 6},
		{"zero buffer", 4, 0, 4},
		{"negative buffer never goes below consumption", 4, -0.5, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parts := []PartInventoryItem{partWith("PT-A", 0, 0, MonthlyConsumption{Month: sep, Quantity: tt.prev})}
			got := PurchaseSuggestions(parts, oct, tt.buffer)
			require.Len(t, got, 1)
			assert.Equal(t, tt.want, got[0].SuggestedQuantity)
			assert.Equal(t, tt.prev, got[0].PreviousConsumption)
			assert.Equal(t, sep, got[0].SourceMonth)
			assert.Equal(t, "Based on consumption of 09/2026", got[0].Rationale)
		})
	}
}

func TestPurchaseSuggestionsSkipUnusedParts(t *testing.T) {
	oct := YearMonth{Year: 2026, Month: time.October}
	parts := []PartInventoryItem{
		partWith("PT-A", 0, 0),
		partWith("PT-B", 0, 0, MonthlyConsumption{Month: oct, Quantity: 8}),
	}
	assert.Empty(t, PurchaseSuggestions(parts, oct, 0.2))
}

func TestPurchaseSuggestionsAcrossYearBoundary(t *testing.T) {
	dec := YearMonth{Year: 2025, Month: time.December}
	parts := []PartInventoryItem{partWith("PT-A", 0, 0, MonthlyConsumption{Month: dec, Quantity: 3})}

	got := PurchaseSuggestions(parts, YearMonth{Year: 2026, Month: time.January}, 0.2)
	require.Len(t, got, 1)
	assert.Equal(t, 4, got[0].SuggestedQuantity)
	assert.Equal(t, "Based on consumption of 12/2025", got[0].Rationale)
}

func TestMonthlyReportIncludesZeroes(t *testing.T) {
	oct := YearMonth{Year: 2026, Month: time.October}
	parts := []PartInventoryItem{
		partWith("PT-A", 0, 0, MonthlyConsumption{Month: oct, Quantity: 2}),
		partWith("PT-B", 0, 0),
	}
	report := MonthlyReport(parts, oct)
	require.Len(t, report, 2)
	assert.Equal(t, 2, report[0].Quantity)
	assert.Zero(t, report[1].Quantity)
	assert.Equal(t, "unidad", report[1].Unit)
}

func TestStockAlerts(t *testing.T) {
	today := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)
	parts := []PartInventoryItem{
		partWith("PT-LOW", 1, 5),
		partWith("PT-EDGE", 5, 5),
		partWith("PT-OK", 6, 5),
	}
	alerts := StockAlerts(parts, today)
	require.Len(t, alerts, 2)
	assert.Equal(t, "PT-LOW", alerts[0].PartID)
	assert.Equal(t, "PT-EDGE", alerts[1].PartID)
	assert.Equal(t, today, alerts[0].GeneratedOn)
}

func TestYearMonth(t *testing.T) {
	m, err := ParseYearMonth("2026-01")
	require.NoError(t, err)
	assert.Equal(t, YearMonth{Year: 2025, Month: time.December}, m.Previous())
	assert.Equal(t, YearMonth{Year: 2026, Month: time.February}, m.Next())
	assert.Equal(t, "2026-01", m.String())

	_, err = ParseYearMonth("01/2026")
	assert.Error(t, err)

	var back YearMonth
	require.NoError(t, back.UnmarshalText([]byte("2026-10")))
	assert.Equal(t, YearMonth{Year: 2026, Month: time.October}, back)
}
