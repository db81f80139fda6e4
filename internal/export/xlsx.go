// Package export renders a result set as an XLSX workbook or a static HTML
// report. Both are read-only projections; nothing here changes records.
package export

import (
	"io"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/power-budget/backend/internal/aggregate"
	"github.com/power-budget/backend/internal/models"
)

const (
	ComponentsSheet = "Components"
	FamiliesSheet   = "Families"
	SummarySheet    = "Summary"
)

var componentHeaders = []string{
	"Part Number",
	"Description",
	"Model Family",
	"Quantity",
	"Category",
	"Typical Power (W)",
	"Max Power (W)",
	"Total Typical (W)",
	"Total Max (W)",
	"Typical Source",
	"Typical Citation",
	"Max Source",
	"Max Citation",
	"Heat (BTU/h)",
	"Heat Source",
	"Source URL",
	"Source Title",
	"Matched Model",
	"Confidence",
	"Notes",
	"Methodology",
	"Ignored",
}

var familyHeaders = []string{
	"Model Family",
	"Items",
	"Active Items",
	"Units",
	"Typical (kW)",
	"Max (kW)",
	"Heat (BTU/h)",
}

// WriteXLSX writes the workbook built by Workbook to w.
func WriteXLSX(w io.Writer, records []models.AnalysisRecord) error {
	f, err := Workbook(records)
	if err != nil {
		return err
	}
	if err := f.Write(w); err != nil {
		return eris.Wrap(err, "xlsx: write workbook")
	}
	return nil
}

// Workbook builds three sheets: every record with its provenance, one row
// per model family, and the overall totals. Ignored records are listed but
// excluded from the family and summary figures.
func Workbook(records []models.AnalysisRecord) (*xlsx.File, error) {
	report := aggregate.Build(records)
	f := xlsx.NewFile()

	components, err := f.AddSheet(ComponentsSheet)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: add components sheet")
	}
	addHeader(components, componentHeaders)
	for _, r := range records {
		row := components.AddRow()
		addStrings(row, r.PartNumber, r.Description, r.ModelFamily)
		row.AddCell().SetInt(r.Quantity)
		addStrings(row, r.Category)
		addFloats(row, r.TypicalPowerWatts, r.MaxPowerWatts, r.TotalTypicalWatts(), r.TotalMaxWatts())
		addStrings(row, string(r.TypicalSource), r.TypicalCitation(), string(r.MaxSource), r.MaxCitation())
		addFloats(row, r.HeatDissipationBTU)
		addStrings(row,
			string(r.HeatSource),
			r.SafeSourceURL(),
			r.SourceTitle,
			r.MatchedModelSnippet,
			string(r.Confidence),
			r.Notes,
			r.Methodology,
			yesNo(r.IsIgnored),
		)
	}

	families, err := f.AddSheet(FamiliesSheet)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: add families sheet")
	}
	addHeader(families, familyHeaders)
	for _, g := range report.Groups {
		row := families.AddRow()
		addStrings(row, g.Family)
		row.AddCell().SetInt(len(g.Items))
		row.AddCell().SetInt(g.ActiveCount)
		row.AddCell().SetInt(g.Units)
		addFloats(row, g.TypicalKW, g.MaxKW, g.BTU)
	}

	summary, err := f.AddSheet(SummarySheet)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: add summary sheet")
	}
	s := report.Summary
	addMetric(summary, "Total Typical (kW)", s.TotalTypicalKW)
	addMetric(summary, "Total Max (kW)", s.TotalMaxKW)
	addMetric(summary, "Total Heat (BTU/h)", s.TotalBTU)
	addMetric(summary, "Items", float64(s.ItemCount))
	addMetric(summary, "Ignored Items", float64(s.IgnoredCount))
	addMetric(summary, "Units", float64(s.TotalUnits))
	for _, c := range s.Categories {
		addMetric(summary, c.Category+" Max (kW)", c.MaxKW)
	}

	return f, nil
}

func addHeader(sheet *xlsx.Sheet, headers []string) {
	row := sheet.AddRow()
	for _, h := range headers {
		cell := row.AddCell()
		cell.SetString(h)
		style := cell.GetStyle()
		style.Font.Bold = true
		cell.SetStyle(style)
	}
}

func addStrings(row *xlsx.Row, values ...string) {
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}

func addFloats(row *xlsx.Row, values ...float64) {
	for _, v := range values {
		row.AddCell().SetFloat(v)
	}
}

func addMetric(sheet *xlsx.Sheet, label string, value float64) {
	row := sheet.AddRow()
	row.AddCell().SetString(label)
	row.AddCell().SetFloat(value)
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}
