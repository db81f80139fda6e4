// Package ingestion turns an uploaded BOM spreadsheet into header-keyed rows.
package ingestion

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/power-budget/backend/internal/models"
	"github.com/power-budget/backend/pkg/faults"
	"github.com/power-budget/backend/pkg/utils"
)

type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

var (
	utf8BOM   = []byte{0xEF, 0xBB, 0xBF}
	zipHeader = []byte("PK\x03\x04")
)

type Options struct {
	// MaxRows rejects larger files; zero means unlimited.
	MaxRows int

	// SheetName selects an XLSX sheet; the first sheet is used otherwise.
	SheetName string

	Logger *zap.Logger
}

// Document is the parsed form of one upload.
type Document struct {
	Format      Format
	Headers     []string
	Rows        []models.RawRow
	Skipped     int
	Fingerprint string
}

type Processor struct {
	opts   Options
	logger *zap.Logger
}

func NewProcessor(opts Options) *Processor {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Processor{opts: opts, logger: opts.Logger}
}

// DetectFormat decides by extension, falling back to content sniffing.
func DetectFormat(filename string, data []byte) (Format, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xlsx", ".xlsm":
		return FormatXLSX, nil
	case ".csv", ".tsv", ".txt":
		return FormatCSV, nil
	case ".xls":
		return "", eris.New("legacy .xls workbooks are not supported; save the file as .xlsx or .csv")
	}
	if bytes.HasPrefix(data, zipHeader) {
		return FormatXLSX, nil
	}
	if len(bytes.TrimSpace(data)) > 0 {
		return FormatCSV, nil
	}
	return "", eris.Errorf("cannot determine the format of %q", filename)
}

// Process parses data into rows keyed by header. The first non-empty line is
// the header; blank lines are skipped and missing cells become "".
func (p *Processor) Process(ctx context.Context, filename string, data []byte) (*Document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, faults.EmptyInput("the uploaded file is empty")
	}

	format, err := DetectFormat(filename, data)
	if err != nil {
		return nil, err
	}

	var table [][]string
	switch format {
	case FormatXLSX:
		table, err = p.readXLSX(data)
	default:
		table, err = readCSV(ctx, data)
	}
	if err != nil {
		return nil, err
	}

	doc := &Document{Format: format, Fingerprint: utils.Fingerprint(data)}
	headerAt := -1
	for i, cells := range table {
		if !blank(cells) {
			headerAt = i
			break
		}
	}
	if headerAt < 0 {
		return nil, faults.EmptyInput("no header row found")
	}
	doc.Headers = headerNames(table[headerAt])

	for _, cells := range table[headerAt+1:] {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "parsing cancelled")
		}
		if blank(cells) {
			doc.Skipped++
			continue
		}
		row := make(models.RawRow, len(doc.Headers))
		for j, h := range doc.Headers {
			if j < len(cells) {
				row[h] = strings.TrimSpace(cells[j])
			} else {
				row[h] = ""
			}
		}
		doc.Rows = append(doc.Rows, row)
	}

	if len(doc.Rows) == 0 {
		return nil, faults.EmptyInput("the file contains no BOM rows")
	}
	if p.opts.MaxRows > 0 && len(doc.Rows) > p.opts.MaxRows {
		return nil, eris.Errorf("the file has %d rows, the limit is %d", len(doc.Rows), p.opts.MaxRows)
	}

	p.logger.Info("BOM parsed",
		zap.String("file", filename),
		zap.String("format", string(format)),
		zap.Int("rows", len(doc.Rows)),
		zap.Int("skipped", doc.Skipped),
		zap.String("fingerprint", doc.Fingerprint),
	)
	return doc, nil
}

func (p *Processor) readXLSX(data []byte) ([][]string, error) {
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open workbook")
	}
	if len(f.Sheets) == 0 {
		return nil, faults.EmptyInput("the workbook has no sheets")
	}

	sheet := f.Sheets[0]
	if p.opts.SheetName != "" {
		s, ok := f.Sheet[p.opts.SheetName]
		if !ok {
			return nil, eris.Errorf("xlsx: sheet %q not found", p.opts.SheetName)
		}
		sheet = s
	}

	table := make([][]string, 0, len(sheet.Rows))
	for _, row := range sheet.Rows {
		if row == nil {
			table = append(table, nil)
			continue
		}
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			if cell != nil {
				cells[j] = cell.String()
			}
		}
		table = append(table, cells)
	}
	return table, nil
}

func readCSV(ctx context.Context, data []byte) ([][]string, error) {
	data = bytes.TrimPrefix(data, utf8BOM)

	reader := csv.NewReader(bytes.NewReader(data))
	reader.Comma = sniffDelimiter(data)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	var table [][]string
	for {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "csv: parsing cancelled")
		}
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "csv: read row")
		}
		table = append(table, record)
	}
	return table, nil
}

// sniffDelimiter picks the most frequent of , ; and tab on the first line.
func sniffDelimiter(data []byte) rune {
	line := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		line = data[:i]
	}
	best, bestCount := ',', bytes.Count(line, []byte{','})
	for _, d := range []rune{';', '\t'} {
		if n := bytes.Count(line, []byte(string(d))); n > bestCount {
			best, bestCount = d, n
		}
	}
	return best
}

// headerNames trims headers, names empty columns and disambiguates repeats.
func headerNames(cells []string) []string {
	names := make([]string, len(cells))
	seen := make(map[string]int, len(cells))
	for i, c := range cells {
		name := strings.TrimSpace(c)
		if name == "" {
			name = fmt.Sprintf("Column %d", i+1)
		}
		seen[name]++
		if n := seen[name]; n > 1 {
			name = fmt.Sprintf("%s (%d)", name, n)
		}
		names[i] = name
	}
	return names
}

func blank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
