package analysis

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/power-budget/backend/internal/models"
)

const extractionContract = `You are a data center power engineer. For every bill-of-materials line you
receive, identify the hardware and estimate its electrical and thermal load.

Respond with a single JSON object of the form {"items": [ ... ]} and nothing
else. Each element must have these fields:

  partNumber            string
  description           string
  modelFamily           string, a short product family name shared by related parts
                        (for example "Cisco Catalyst 9300"); empty if unknown
  quantity              integer, copied from the input line
  category              string, for example "Switch", "Server", "Optic", "Power Supply"
  typicalPowerWatts     number, per unit
  maxPowerWatts         number, per unit, never lower than typicalPowerWatts
  typicalSource         "Datasheet" | "Estimation" | "Formula"
  maxSource             "Datasheet" | "Estimation" | "Formula"
  typicalPowerCitation  string, verbatim datasheet text, only when typicalSource is "Datasheet"
  maxPowerCitation      string, verbatim datasheet text, only when maxSource is "Datasheet"
  sourceUrl             string, a direct vendor document URL, never a search engine URL
  sourceTitle           string
  matchedModelSnippet   string
  heatDissipationBTU    number, per unit, BTU/hr
  heatSource            "Datasheet" | "Estimation" | "Formula"
  confidence            "High" | "Medium" | "Low"
  notes                 string
  methodology           string

Rules:
- Power supplies, PSUs and power modules deliver power rather than consume it.
  Give them 0 for typicalPowerWatts, maxPowerWatts and heatDissipationBTU and
  set category to "Power Supply".
- Cables, rails, licenses, support contracts and other passive items draw 0 W.
- When no datasheet value is known, estimate from comparable hardware and mark
  the source "Estimation".
- When heat is not published, use heatDissipationBTU = typicalPowerWatts * 3.412
  and heatSource "Formula".
- Keep notes and methodology to one or two sentences.`

const reestimateInstructions = `Re-estimate the following previously analyzed items. Return exactly one
element per input item, in the same order, keeping partNumber and quantity.
Improve the power, heat and provenance fields where you can.`

const analyzeInstructions = `Analyze the following bill-of-materials lines. Return one element per line.`

// reestimateInput is the subset of a record sent back to the model.
type reestimateInput struct {
	PartNumber        string  `json:"partNumber"`
	Description       string  `json:"description"`
	ModelFamily       string  `json:"modelFamily"`
	Quantity          int     `json:"quantity"`
	Category          string  `json:"category"`
	TypicalPowerWatts float64 `json:"typicalPowerWatts"`
	MaxPowerWatts     float64 `json:"maxPowerWatts"`
	Confidence        string  `json:"confidence"`
	Notes             string  `json:"notes"`
}

func analyzePrompt(rows []models.RawRow) (string, error) {
	lines := make([]map[string]string, 0, len(rows))
	for _, row := range rows {
		line := make(map[string]string, len(row))
		for k, v := range row {
			if strings.TrimSpace(v) != "" {
				line[k] = v
			}
		}
		lines = append(lines, line)
	}
	return userPrompt(analyzeInstructions, "rows", lines)
}

func reestimatePrompt(records []models.AnalysisRecord) (string, error) {
	items := make([]reestimateInput, 0, len(records))
	for _, r := range records {
		items = append(items, reestimateInput{
			PartNumber:        r.PartNumber,
			Description:       r.Description,
			ModelFamily:       r.ModelFamily,
			Quantity:          r.Quantity,
			Category:          r.Category,
			TypicalPowerWatts: r.TypicalPowerWatts,
			MaxPowerWatts:     r.MaxPowerWatts,
			Confidence:        string(r.Confidence),
			Notes:             r.Notes,
		})
	}
	return userPrompt(reestimateInstructions, "items", items)
}

func userPrompt(instructions, key string, payload any) (string, error) {
	data, err := json.Marshal(map[string]any{key: payload})
	if err != nil {
		return "", eris.Wrap(err, "encoding batch")
	}
	return instructions + "\n\n" + string(data), nil
}
