// Package aggregate derives power budget totals and model-family groups from
// a result set. Every function is pure: inputs are never modified and the
// same records always produce the same views.
package aggregate

import (
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/power-budget/backend/internal/models"
)

// UncategorizedCategory buckets records without a category.
const UncategorizedCategory = "Uncategorized"

type CategoryTotal struct {
	Category string  `json:"category"`
	MaxWatts float64 `json:"maxWatts"`
	MaxKW    float64 `json:"maxKW"`
}

// Summary totals cover non-ignored records only.
type Summary struct {
	TotalTypicalWatts float64 `json:"totalTypicalWatts"`
	TotalMaxWatts     float64 `json:"totalMaxWatts"`
	TotalTypicalKW    float64 `json:"totalTypicalKW"`
	TotalMaxKW        float64 `json:"totalMaxKW"`
	TotalBTU          float64 `json:"totalBTU"`
	ItemCount         int     `json:"itemCount"`
	IgnoredCount      int     `json:"ignoredCount"`
	TotalUnits        int     `json:"totalUnits"`

	Categories []CategoryTotal `json:"categories"`
}

type Member struct {
	Index  int                   `json:"index"`
	Record models.AnalysisRecord `json:"record"`
}

// GroupedFamily lists every member, ignored ones included, but its totals
// only count the members that are not ignored.
type GroupedFamily struct {
	Family       string   `json:"family"`
	Items        []Member `json:"items"`
	TypicalWatts float64  `json:"typicalWatts"`
	MaxWatts     float64  `json:"maxWatts"`
	TypicalKW    float64  `json:"typicalKW"`
	MaxKW        float64  `json:"maxKW"`
	BTU          float64  `json:"btu"`
	ActiveCount  int      `json:"activeCount"`
	Units        int      `json:"units"`
}

// Report bundles both derived views of one result set.
type Report struct {
	Summary Summary         `json:"summary"`
	Groups  []GroupedFamily `json:"groups"`
}

func Build(records []models.AnalysisRecord) Report {
	return Report{Summary: Summarize(records), Groups: Group(records)}
}

var fold = cases.Fold()

// Key normalizes a family or category name for grouping: Unicode NFKC, case
// folded, inner whitespace collapsed.
func Key(name string) string {
	collapsed := strings.Join(strings.Fields(norm.NFKC.String(name)), " ")
	return fold.String(collapsed)
}

func Summarize(records []models.AnalysisRecord) Summary {
	var s Summary
	s.ItemCount = len(records)

	categories := make(map[string]int)
	for _, r := range records {
		if r.IsIgnored {
			s.IgnoredCount++
			continue
		}
		s.TotalTypicalWatts += r.TotalTypicalWatts()
		s.TotalMaxWatts += r.TotalMaxWatts()
		s.TotalBTU += r.TotalBTU()
		s.TotalUnits += r.Quantity

		name := strings.TrimSpace(r.Category)
		if name == "" {
			name = UncategorizedCategory
		}
		key := Key(name)
		pos, ok := categories[key]
		if !ok {
			pos = len(s.Categories)
			categories[key] = pos
			s.Categories = append(s.Categories, CategoryTotal{Category: name})
		}
		s.Categories[pos].MaxWatts += r.TotalMaxWatts()
	}

	for i := range s.Categories {
		s.Categories[i].MaxKW = s.Categories[i].MaxWatts / 1000
	}
	sort.SliceStable(s.Categories, func(i, j int) bool {
		return s.Categories[i].MaxWatts > s.Categories[j].MaxWatts
	})

	s.TotalTypicalKW = s.TotalTypicalWatts / 1000
	s.TotalMaxKW = s.TotalMaxWatts / 1000
	return s
}

// Group returns families sorted by descending max power. Ties keep the order
// in which families first appear. The display name is the first spelling
// seen for a family key.
func Group(records []models.AnalysisRecord) []GroupedFamily {
	var groups []GroupedFamily
	positions := make(map[string]int)

	for i, r := range records {
		family := r.Family()
		key := Key(family)
		pos, ok := positions[key]
		if !ok {
			pos = len(groups)
			positions[key] = pos
			groups = append(groups, GroupedFamily{Family: family})
		}

		g := &groups[pos]
		g.Items = append(g.Items, Member{Index: i, Record: r})
		if r.IsIgnored {
			continue
		}
		g.TypicalWatts += r.TotalTypicalWatts()
		g.MaxWatts += r.TotalMaxWatts()
		g.BTU += r.TotalBTU()
		g.ActiveCount++
		g.Units += r.Quantity
	}

	for i := range groups {
		groups[i].TypicalKW = groups[i].TypicalWatts / 1000
		groups[i].MaxKW = groups[i].MaxWatts / 1000
	}
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].MaxWatts > groups[j].MaxWatts
	})
	return groups
}

var ErrIndexOutOfRange = eris.New("record index out of range")

// ToggleIgnored returns a copy of records with the ignore flag of record i
// flipped.
func ToggleIgnored(records []models.AnalysisRecord, i int) ([]models.AnalysisRecord, error) {
	if i < 0 || i >= len(records) {
		return nil, eris.Wrapf(ErrIndexOutOfRange, "index %d of %d", i, len(records))
	}
	out := clone(records)
	out[i].IsIgnored = !out[i].IsIgnored
	return out, nil
}

// Merge returns a copy of records with each update written at its index.
// Updates addressing a position outside the set are skipped, and indices
// without an update keep their record.
func Merge(records []models.AnalysisRecord, updates []models.RecordUpdate) []models.AnalysisRecord {
	out := clone(records)
	for _, u := range updates {
		if u.Index < 0 || u.Index >= len(out) {
			continue
		}
		out[u.Index] = u.Record
	}
	return out
}

func clone(records []models.AnalysisRecord) []models.AnalysisRecord {
	out := make([]models.AnalysisRecord, len(records))
	copy(out, records)
	return out
}
