package export

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/rotisserie/eris"

	"github.com/power-budget/backend/internal/aggregate"
	"github.com/power-budget/backend/internal/models"
)

// ReportMeta labels the HTML report.
type ReportMeta struct {
	Title       string
	Filename    string
	GeneratedAt time.Time
}

type reportView struct {
	Meta   ReportMeta
	Report aggregate.Report
}

var reportTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"kw":    func(v float64) string { return fmt.Sprintf("%.2f", v) },
	"watts": func(v float64) string { return fmt.Sprintf("%.1f", v) },
	"btu":   func(v float64) string { return fmt.Sprintf("%.0f", v) },
	"stamp": func(t time.Time) string { return t.UTC().Format(time.RFC3339) },
}).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Meta.Title}}</title>
<style>
body { font-family: sans-serif; margin: 2rem; }
table { border-collapse: collapse; margin-bottom: 1.5rem; }
th, td { border: 1px solid #ccc; padding: 4px 8px; text-align: left; }
tr.ignored td { color: #999; text-decoration: line-through; }
</style>
</head>
<body>
<h1>{{.Meta.Title}}</h1>
{{if .Meta.Filename}}<p class="source-file">{{.Meta.Filename}}</p>{{end}}
{{if not .Meta.GeneratedAt.IsZero}}<p class="generated">Generated {{stamp .Meta.GeneratedAt}}</p>{{end}}
{{with .Report.Summary}}
<table id="summary">
<tr><th>Total Typical (kW)</th><td data-metric="typical-kw">{{kw .TotalTypicalKW}}</td></tr>
<tr><th>Total Max (kW)</th><td data-metric="max-kw">{{kw .TotalMaxKW}}</td></tr>
<tr><th>Total Heat (BTU/h)</th><td data-metric="btu">{{btu .TotalBTU}}</td></tr>
<tr><th>Items</th><td data-metric="items">{{.ItemCount}}</td></tr>
<tr><th>Ignored</th><td data-metric="ignored">{{.IgnoredCount}}</td></tr>
</table>
{{if .Categories}}
<table id="categories">
<tr><th>Category</th><th>Max (kW)</th></tr>
{{range .Categories}}<tr><td>{{.Category}}</td><td>{{kw .MaxKW}}</td></tr>
{{end}}</table>
{{end}}
{{end}}
{{range .Report.Groups}}
<section class="family" data-family="{{.Family}}">
<h2>{{.Family}}</h2>
<p class="family-totals">{{kw .TypicalKW}} kW typical, {{kw .MaxKW}} kW max, {{.Units}} units</p>
<table>
<tr><th>Part Number</th><th>Description</th><th>Qty</th><th>Typical (W)</th><th>Max (W)</th><th>Source</th><th>Confidence</th><th>Notes</th></tr>
{{range .Items}}{{with .Record}}<tr{{if .IsIgnored}} class="ignored"{{end}}>
<td>{{.PartNumber}}</td>
<td>{{.Description}}</td>
<td>{{.Quantity}}</td>
<td>{{watts .TypicalPowerWatts}}</td>
<td>{{watts .MaxPowerWatts}}</td>
<td>{{with .SafeSourceURL}}<a href="{{.}}">{{.}}</a>{{else}}{{.MaxSource}}{{end}}</td>
<td>{{.Confidence}}</td>
<td>{{.Notes}}</td>
</tr>
{{end}}{{end}}</table>
</section>
{{end}}
</body>
</html>
`))

// WriteHTML renders a standalone report of the summary and every model
// family group.
func WriteHTML(w io.Writer, records []models.AnalysisRecord, meta ReportMeta) error {
	if meta.Title == "" {
		meta.Title = "Power Budget Report"
	}
	view := reportView{Meta: meta, Report: aggregate.Build(records)}
	if err := reportTemplate.Execute(w, view); err != nil {
		return eris.Wrap(err, "html: render report")
	}
	return nil
}
