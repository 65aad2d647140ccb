// Package ingest loads schema-normalized source records from CSV and XLSX
// batch files. Columns map one-to-one onto record fields; the key column
// becomes the raw matching key.
package ingest

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/recon-engine/internal/model"
)

// FileSpec describes one input file's provenance.
type FileSpec struct {
	Source         model.Source
	SourceSystemID string
	EntityType     string
	KeyColumn      string
	BusinessDate   time.Time
	SheetName      string // XLSX only; default first sheet
}

// Load reads records from a CSV or XLSX file, dispatching on extension.
func Load(path string, spec FileSpec) ([]model.SourceRecord, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return LoadCSV(path, spec)
	case ".xlsx":
		return LoadXLSX(path, spec)
	default:
		return nil, eris.Errorf("ingest: unsupported file type %q", filepath.Ext(path))
	}
}

// LoadCSV reads records from a headered CSV file.
func LoadCSV(path string, spec FileSpec) ([]model.SourceRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: open csv")
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, eris.Wrap(err, "ingest: read csv header")
	}

	var rows [][]string
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "ingest: read csv row")
		}
		rows = append(rows, row)
	}

	return buildRecords(header, rows, spec)
}

// LoadXLSX reads records from the first (or named) sheet of an XLSX file,
// treating the first row as the header.
func LoadXLSX(path string, spec FileSpec) ([]model.SourceRecord, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: open xlsx")
	}

	sheet, err := pickSheet(f, spec.SheetName)
	if err != nil {
		return nil, err
	}

	var header []string
	var rows [][]string
	for i, row := range sheet.Rows {
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cell.String()
		}
		if i == 0 {
			header = cells
			continue
		}
		rows = append(rows, cells)
	}
	if header == nil {
		return nil, eris.New("ingest: xlsx sheet is empty")
	}

	return buildRecords(header, rows, spec)
}

func pickSheet(f *xlsx.File, name string) (*xlsx.Sheet, error) {
	if name != "" {
		sheet, ok := f.Sheet[name]
		if !ok {
			return nil, eris.Errorf("ingest: sheet %q not found", name)
		}
		return sheet, nil
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("ingest: xlsx file has no sheets")
	}
	return f.Sheets[0], nil
}

func buildRecords(header []string, rows [][]string, spec FileSpec) ([]model.SourceRecord, error) {
	keyIdx := -1
	for i, col := range header {
		if strings.EqualFold(strings.TrimSpace(col), spec.KeyColumn) {
			keyIdx = i
			break
		}
	}
	if keyIdx < 0 {
		return nil, eris.Errorf("ingest: key column %q not in header", spec.KeyColumn)
	}

	records := make([]model.SourceRecord, 0, len(rows))
	for _, row := range rows {
		fields := make(map[string]any, len(header))
		for i, col := range header {
			name := strings.TrimSpace(col)
			if i >= len(row) {
				fields[name] = nil
				continue
			}
			fields[name] = parseCell(row[i])
		}

		rawKey := ""
		if keyIdx < len(row) {
			rawKey = strings.TrimSpace(row[keyIdx])
		}

		records = append(records, model.SourceRecord{
			ID:             uuid.New().String(),
			Source:         spec.Source,
			SourceSystemID: spec.SourceSystemID,
			EntityType:     spec.EntityType,
			RawKey:         rawKey,
			Fields:         fields,
			BusinessDate:   spec.BusinessDate,
		})
	}
	return records, nil
}

// parseCell keeps numerics numeric so tolerance comparison sees floats,
// and maps empty cells to nil so null mismatches are detectable.
func parseCell(raw string) any {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
