package analysis

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/power-budget/backend/internal/models"
)

// BTUPerWatt converts watts to BTU/hr.
const BTUPerWatt = 3.412

// maxQuantity is the largest unit count accepted from the model.
const maxQuantity = math.MaxInt32

var (
	numberPattern      = regexp.MustCompile(`-?\d+(?:\.\d+)?(?:[eE][-+]?\d+)?`)
	unitSuffix         = regexp.MustCompile(`(?i)\s*(?:w|watts?|pcs?|units?|ea|btu(?:/h(?:r|our)?)?)\.?$`)
	powerSupplyPattern = regexp.MustCompile(`(?i)\b(power supply|power supplies|psu|psus|power module)\b`)
)

// item is one untyped element of the model's items array.
type item map[string]any

func (it item) text(keys ...string) string {
	for _, k := range keys {
		switch v := it[k].(type) {
		case string:
			return strings.TrimSpace(v)
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			return strconv.FormatBool(v)
		}
	}
	return ""
}

// number returns the first numeric value under keys. present is false when
// none of the keys exist or hold null; ok is false when a value exists but
// does not parse. A string holding a bare number, optionally with thousands
// separators or a unit, is read as is; a number pulled out of any other text
// is flagged on c under label.
func (it item) number(c *coercion, label string, keys ...string) (value float64, present, ok bool) {
	for _, k := range keys {
		v, exists := it[k]
		if !exists || v == nil {
			continue
		}
		switch n := v.(type) {
		case float64:
			return n, true, finite(n)
		case string:
			s := strings.ReplaceAll(strings.TrimSpace(n), ",", "")
			if f, err := strconv.ParseFloat(unitSuffix.ReplaceAllString(s, ""), 64); err == nil {
				return f, true, finite(f)
			}
			m := numberPattern.FindString(s)
			if m == "" {
				return 0, true, false
			}
			f, err := strconv.ParseFloat(m, 64)
			if err != nil || !finite(f) {
				return 0, true, false
			}
			c.flag(fmt.Sprintf("%s read from %q", label, n))
			return f, true, true
		default:
			return 0, true, false
		}
	}
	return 0, false, false
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// coercion collects the notes produced while building one record.
type coercion struct {
	notes  []string
	forced bool
}

func (c *coercion) flag(note string) {
	c.notes = append(c.notes, note)
	c.forced = true
}

// coerceRecord validates one raw element into a strict record. prev, when
// non-nil, is the record being re-estimated and supplies fallbacks. Elements
// that are not JSON objects are rejected.
func coerceRecord(raw json.RawMessage, prev *models.AnalysisRecord, enforce bool) (models.AnalysisRecord, error) {
	var it item
	if err := json.Unmarshal(raw, &it); err != nil || it == nil {
		return models.AnalysisRecord{}, eris.New("item is not a JSON object")
	}

	var c coercion
	rec := models.AnalysisRecord{
		PartNumber:           it.text("partNumber", "part_number", "pn"),
		Description:          it.text("description"),
		ModelFamily:          it.text("modelFamily", "model_family", "family"),
		Category:             it.text("category"),
		TypicalPowerCitation: it.text("typicalPowerCitation"),
		MaxPowerCitation:     it.text("maxPowerCitation"),
		SourceURL:            it.text("sourceUrl", "sourceURL", "source_url"),
		SourceTitle:          it.text("sourceTitle"),
		MatchedModelSnippet:  it.text("matchedModelSnippet"),
		Notes:                it.text("notes"),
		Methodology:          it.text("methodology"),
	}

	if prev != nil {
		rec.IsIgnored = prev.IsIgnored
		if rec.PartNumber == "" {
			rec.PartNumber = prev.PartNumber
		}
		if rec.Description == "" {
			rec.Description = prev.Description
		}
		if rec.ModelFamily == "" {
			rec.ModelFamily = prev.ModelFamily
		}
		if rec.Category == "" {
			rec.Category = prev.Category
		}
	}

	rec.Quantity = coerceQuantity(it, prev, &c)

	rec.TypicalPowerWatts = coerceWatts(it, "typical power", &c, "typicalPowerWatts", "typicalPower", "typical_power_watts")
	rec.MaxPowerWatts = coerceWatts(it, "max power", &c, "maxPowerWatts", "maxPower", "max_power_watts")

	rec.TypicalSource = coerceSource(it.text("typicalSource"))
	rec.MaxSource = coerceSource(it.text("maxSource"))

	heat, present, ok := it.number(&c, "heat dissipation", "heatDissipationBTU", "heatDissipationBtu", "heatBTU")
	switch {
	case present && ok && heat >= 0:
		rec.HeatDissipationBTU = heat
		rec.HeatSource = coerceSource(it.text("heatSource"))
	case present && ok:
		rec.HeatDissipationBTU = rec.TypicalPowerWatts * BTUPerWatt
		rec.HeatSource = models.SourceFormula
		c.flag("negative heat dissipation replaced by power-derived value")
	default:
		rec.HeatDissipationBTU = rec.TypicalPowerWatts * BTUPerWatt
		rec.HeatSource = models.SourceFormula
		if present {
			c.flag("unparseable heat dissipation replaced by power-derived value")
		}
	}

	rec.Confidence = models.Confidence(normalizeTitle(it.text("confidence")))
	if !rec.Confidence.Valid() {
		rec.Confidence = models.ConfidenceLow
	}

	if enforce {
		applyDomainRules(&rec, &c)
	}

	if c.forced {
		rec.Confidence = models.ConfidenceLow
	}
	if len(c.notes) > 0 {
		rec.Notes = joinNotes(rec.Notes, c.notes)
	}
	return rec, nil
}

// coerceQuantity accepts whole numbers from 1 to maxQuantity. Anything else
// falls back to the re-estimated record's quantity, or 1.
func coerceQuantity(it item, prev *models.AnalysisRecord, c *coercion) int {
	q, present, ok := it.number(c, "quantity", "quantity", "qty")
	if ok && q >= 1 && q <= maxQuantity && q == math.Trunc(q) {
		return int(q)
	}

	fallback := 1
	if prev != nil && prev.Quantity >= 1 {
		fallback = prev.Quantity
	}
	switch {
	case !present:
		if prev == nil || prev.Quantity < 1 {
			c.flag("quantity missing, assumed 1")
		}
	case !ok || q < 1:
		c.flag(fmt.Sprintf("quantity not a positive number, assumed %d", fallback))
	case q > maxQuantity:
		c.flag(fmt.Sprintf("quantity %g out of range, assumed %d", q, fallback))
	default:
		c.flag(fmt.Sprintf("quantity %g not a whole number, assumed %d", q, fallback))
	}
	return fallback
}

func coerceWatts(it item, label string, c *coercion, keys ...string) float64 {
	w, present, ok := it.number(c, label, keys...)
	switch {
	case !present:
		c.flag(label + " missing, assumed 0 W")
		return 0
	case !ok:
		c.flag(label + " unparseable, assumed 0 W")
		return 0
	case w < 0:
		c.flag(label + " negative, assumed 0 W")
		return 0
	}
	return w
}

func coerceSource(s string) models.Source {
	src := models.Source(normalizeTitle(s))
	if src.Valid() {
		return src
	}
	return models.SourceEstimation
}

func normalizeTitle(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// applyDomainRules zeroes power supplies and keeps max power at or above
// typical power.
func applyDomainRules(rec *models.AnalysisRecord, c *coercion) {
	if powerSupplyPattern.MatchString(rec.Category) {
		if rec.TypicalPowerWatts != 0 || rec.MaxPowerWatts != 0 || rec.HeatDissipationBTU != 0 {
			rec.TypicalPowerWatts = 0
			rec.MaxPowerWatts = 0
			rec.HeatDissipationBTU = 0
			c.notes = append(c.notes, "power supply load set to 0 W")
		}
		return
	}

	if rec.MaxPowerWatts < rec.TypicalPowerWatts {
		rec.MaxPowerWatts = rec.TypicalPowerWatts
		rec.MaxSource = rec.TypicalSource
		rec.MaxPowerCitation = rec.TypicalPowerCitation
		c.notes = append(c.notes, "max power raised to typical power")
	}
}

func joinNotes(existing string, notes []string) string {
	extra := strings.Join(notes, "; ")
	if existing == "" {
		return extra
	}
	return existing + " [" + extra + "]"
}
