package analysis

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/power-budget/backend/internal/models"
)

func mustCoerce(t *testing.T, raw string, prev *models.AnalysisRecord) models.AnalysisRecord {
	t.Helper()
	rec, err := coerceRecord(json.RawMessage(raw), prev, true)
	require.NoError(t, err)
	return rec
}

func TestCoerceRecord_WellFormed(t *testing.T) {
	rec := mustCoerce(t, `{
		"partNumber": "C9300-48P", "description": "48-port PoE switch", "modelFamily": "Cisco Catalyst 9300",
		"quantity": 2, "category": "Switch",
		"typicalPowerWatts": 150, "maxPowerWatts": 200,
		"typicalSource": "Datasheet", "maxSource": "datasheet",
		"typicalPowerCitation": "Typical: 150W", "maxPowerCitation": "Max: 200W",
		"sourceUrl": "https://www.cisco.com/c/en/us/products/collateral/switches/catalyst-9300.html",
		"heatDissipationBTU": 511.8, "heatSource": "Datasheet",
		"confidence": "high", "notes": "from datasheet", "methodology": "lookup"
	}`, nil)

	assert.Equal(t, 2, rec.Quantity)
	assert.Equal(t, models.SourceDatasheet, rec.MaxSource)
	assert.Equal(t, models.ConfidenceHigh, rec.Confidence)
	assert.Equal(t, 511.8, rec.HeatDissipationBTU)
	assert.Equal(t, "from datasheet", rec.Notes)
	assert.False(t, rec.IsIgnored)
}

func TestCoerceRecord_Fallbacks(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		quantity int
		typical  float64
		max      float64
		lowConf  bool
	}{
		{"string numbers with units", `{"quantity": "3 pcs", "typicalPowerWatts": "1,200 W", "maxPowerWatts": "1500W", "confidence": "Medium"}`, 3, 1200, 1500, false},
		{"unparseable quantity", `{"quantity": "several", "typicalPowerWatts": 10, "maxPowerWatts": 10, "confidence": "High"}`, 1, 10, 10, true},
		{"zero quantity", `{"quantity": 0, "typicalPowerWatts": 10, "maxPowerWatts": 10, "confidence": "High"}`, 1, 10, 10, true},
		{"negative power", `{"quantity": 1, "typicalPowerWatts": -5, "maxPowerWatts": 10, "confidence": "High"}`, 1, 0, 10, true},
		{"unparseable power", `{"quantity": 1, "typicalPowerWatts": "n/a", "maxPowerWatts": "n/a", "confidence": "High"}`, 1, 0, 0, true},
		{"missing power", `{"quantity": 1, "confidence": "High"}`, 1, 0, 0, true},
		{"unknown confidence", `{"quantity": 1, "typicalPowerWatts": 1, "maxPowerWatts": 1, "confidence": "Very sure"}`, 1, 1, 1, true},
		{"quantity beyond int range", `{"quantity": 1e30, "typicalPowerWatts": 10, "maxPowerWatts": 20, "confidence": "High"}`, 1, 10, 20, true},
		{"fractional quantity", `{"quantity": 2.5, "typicalPowerWatts": 10, "maxPowerWatts": 20, "confidence": "High"}`, 1, 10, 20, true},
		{"exponent strings", `{"quantity": "1.5e3", "typicalPowerWatts": "1.5e3", "maxPowerWatts": "2E3 W", "confidence": "High"}`, 1500, 1500, 2000, false},
		{"exponent quantity beyond int range", `{"quantity": "1e30", "typicalPowerWatts": 10, "maxPowerWatts": 20, "confidence": "High"}`, 1, 10, 20, true},
		{"number buried in prose", `{"quantity": 1, "typicalPowerWatts": "approx. 150 W typical", "maxPowerWatts": 200, "confidence": "High"}`, 1, 150, 200, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := mustCoerce(t, tt.raw, nil)
			assert.Equal(t, tt.quantity, rec.Quantity)
			assert.Equal(t, tt.typical, rec.TypicalPowerWatts)
			assert.Equal(t, tt.max, rec.MaxPowerWatts)
			if tt.lowConf {
				assert.Equal(t, models.ConfidenceLow, rec.Confidence)
			} else {
				assert.NotEqual(t, models.ConfidenceLow, rec.Confidence)
			}
		})
	}
}

func TestCoerceRecord_HeatFallsBackToFormula(t *testing.T) {
	rec := mustCoerce(t, `{"quantity": 1, "typicalPowerWatts": 100, "maxPowerWatts": 120, "confidence": "Medium"}`, nil)
	assert.InDelta(t, 341.2, rec.HeatDissipationBTU, 1e-9)
	assert.Equal(t, models.SourceFormula, rec.HeatSource)
	assert.Equal(t, models.ConfidenceMedium, rec.Confidence)
}

func TestCoerceRecord_UnknownSourceBecomesEstimation(t *testing.T) {
	rec := mustCoerce(t, `{"quantity": 1, "typicalPowerWatts": 1, "maxPowerWatts": 1, "typicalSource": "Vendor website"}`, nil)
	assert.Equal(t, models.SourceEstimation, rec.TypicalSource)
	assert.Equal(t, models.SourceEstimation, rec.MaxSource)
}

func TestCoerceRecord_MaxRaisedToTypical(t *testing.T) {
	rec := mustCoerce(t, `{"quantity": 1, "typicalPowerWatts": 300, "maxPowerWatts": 250, "typicalSource": "Datasheet", "confidence": "High"}`, nil)
	assert.Equal(t, 300.0, rec.MaxPowerWatts)
	assert.Equal(t, models.SourceDatasheet, rec.MaxSource)
	assert.Contains(t, rec.Notes, "max power raised")
	assert.Equal(t, models.ConfidenceHigh, rec.Confidence)
}

func TestCoerceRecord_PowerSupplyCategories(t *testing.T) {
	for _, category := range []string{"Power Supply", "PSU", "Redundant power supplies", "power module"} {
		rec := mustCoerce(t, `{"quantity": 2, "category": "`+category+`", "typicalPowerWatts": 715, "maxPowerWatts": 1100}`, nil)
		assert.Zero(t, rec.MaxPowerWatts, category)
		assert.Zero(t, rec.HeatDissipationBTU, category)
	}

	rec := mustCoerce(t, `{"quantity": 1, "category": "Server", "description": "server with PSU", "typicalPowerWatts": 300, "maxPowerWatts": 500}`, nil)
	assert.Equal(t, 500.0, rec.MaxPowerWatts)
}

func TestCoerceRecord_ReestimationFallbacks(t *testing.T) {
	prev := &models.AnalysisRecord{
		PartNumber:  "R740",
		Description: "Dell PowerEdge R740",
		ModelFamily: "Dell R740",
		Category:    "Server",
		Quantity:    4,
		IsIgnored:   true,
	}

	rec := mustCoerce(t, `{"typicalPowerWatts": 300, "maxPowerWatts": 750, "confidence": "Medium"}`, prev)
	assert.Equal(t, "R740", rec.PartNumber)
	assert.Equal(t, "Dell R740", rec.ModelFamily)
	assert.Equal(t, 4, rec.Quantity)
	assert.True(t, rec.IsIgnored)
	assert.Equal(t, models.ConfidenceMedium, rec.Confidence)
}

func TestCoerceRecord_RejectsNonObjects(t *testing.T) {
	for _, raw := range []string{`"text"`, `42`, `null`, `[1,2]`} {
		_, err := coerceRecord(json.RawMessage(raw), nil, true)
		assert.Error(t, err, raw)
	}
}

func TestCoerceRecord_RejectedQuantityIsNoted(t *testing.T) {
	rec := mustCoerce(t, `{"quantity": 1e30, "typicalPowerWatts": 10, "maxPowerWatts": 20, "confidence": "High"}`, nil)
	assert.Equal(t, 1, rec.Quantity)
	assert.Equal(t, 20.0, rec.TotalMaxWatts())
	assert.Contains(t, rec.Notes, "out of range")

	rec = mustCoerce(t, `{"quantity": 2.5, "typicalPowerWatts": 10, "maxPowerWatts": 20}`, nil)
	assert.Contains(t, rec.Notes, "not a whole number")

	rec = mustCoerce(t, `{"quantity": 1, "typicalPowerWatts": "about 1.5e3", "maxPowerWatts": 2000}`, nil)
	assert.Equal(t, 1500.0, rec.TypicalPowerWatts)
	assert.Contains(t, rec.Notes, `typical power read from "about 1.5e3"`)
}

func TestCoerceRecord_RejectedQuantityKeepsPrevious(t *testing.T) {
	prev := &models.AnalysisRecord{PartNumber: "R740", Quantity: 4}

	rec := mustCoerce(t, `{"quantity": 4.5, "typicalPowerWatts": 300, "maxPowerWatts": 750, "confidence": "High"}`, prev)
	assert.Equal(t, 4, rec.Quantity)
	assert.Equal(t, models.ConfidenceLow, rec.Confidence)
	assert.Contains(t, rec.Notes, "assumed 4")
}
