// Package spreadsheetimport turns legacy return logs (.xls, .xlsx, .csv) into records.
package spreadsheetimport

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/extrame/xls"
	"github.com/phillip-england/returndesk/internal/returns"
	"github.com/xuri/excelize/v2"
)

const maxXLSRows = 100000

// legacyRowKeys is the field order of rows appended by the older tool, which wrote six
// values under the full nine-column header.
var legacyRowKeys = []string{"timestamp", "product_name", "barcode", "return_reason", "notes", "image_name"}

var (
	ErrEmpty          = errors.New("worksheet is empty")
	ErrMissingColumns = errors.New("required columns missing")
)

// RowError reports a data row that could not be converted. Row is 1-based and counts
// the header row, matching what a spreadsheet shows.
type RowError struct {
	Row int
	Err error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d: %v", e.Row, e.Err)
}

func (e *RowError) Unwrap() error {
	return e.Err
}

// Read parses the first sheet of the file (format chosen by extension) into records.
// CSV rows keep their written width, so six-value rows under a full header are read
// positionally as legacy rows.
func Read(reader io.Reader, filename string) ([]returns.Record, error) {
	rows, err := readRows(reader, filename)
	if err != nil {
		return nil, err
	}
	return records(rows, strings.EqualFold(filepath.Ext(filename), ".csv"))
}

func readRows(reader io.Reader, filename string) ([][]string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	var rows [][]string
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xls":
		workbook, err := xls.OpenReader(bytes.NewReader(data), "utf-8")
		if err != nil {
			return nil, fmt.Errorf("open xls: %w", err)
		}
		if workbook.NumSheets() == 0 {
			return nil, fmt.Errorf("no worksheet found")
		}
		rows = workbook.ReadAllCells(maxXLSRows)
	case ".csv":
		r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, []byte("\ufeff"))))
		r.FieldsPerRecord = -1
		rows, err = r.ReadAll()
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
	default:
		file, err := excelize.OpenReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("open workbook: %w", err)
		}
		defer func() { _ = file.Close() }()

		sheetName := file.GetSheetName(0)
		if sheetName == "" {
			return nil, fmt.Errorf("no worksheet found")
		}
		rows, err = file.GetRows(sheetName)
		if err != nil {
			return nil, err
		}
	}
	if len(rows) == 0 {
		return nil, ErrEmpty
	}
	return rows, nil
}

// Records maps a header row plus data rows onto records. Headers match either the
// stored key or the display label; unknown headers are ignored and blank rows skipped.
// A timestamp cell is only checked for format: Desk.Import stamps each record when it
// is stored.
func Records(rows [][]string) ([]returns.Record, error) {
	return records(rows, false)
}

func records(rows [][]string, legacyRows bool) ([]returns.Record, error) {
	if len(rows) == 0 {
		return nil, ErrEmpty
	}

	index := map[string]int{}
	for i, header := range rows[0] {
		col, ok := returns.LookupColumn(header)
		if !ok {
			continue
		}
		if _, seen := index[col.Key]; !seen {
			index[col.Key] = i
		}
	}
	var missing []string
	for _, key := range []string{"product_name", "barcode", "return_reason"} {
		if _, ok := index[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}

	legacyIndex := map[string]int{}
	for i, key := range legacyRowKeys {
		legacyIndex[key] = i
	}
	legacyRows = legacyRows && len(index) == len(returns.Columns)

	records := []returns.Record{}
	for i, row := range rows[1:] {
		if blank(row) {
			continue
		}
		cols := index
		if legacyRows && len(row) == len(legacyRowKeys) {
			cols = legacyIndex
		}
		value := func(key string) string {
			idx, ok := cols[key]
			if !ok || idx >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[idx])
		}
		rec := returns.Record{
			TrackingNumber:    value("tracking_number"),
			ProductName:       value("product_name"),
			Barcode:           value("barcode"),
			SAIN:              value("SAIN"),
			ActualProductName: value("product_name_actual"),
			Notes:             value("notes"),
			ImageNames:        returns.ParseImageNames(value("image_name")),
		}
		reason, err := returns.ParseReason(value("return_reason"))
		if err != nil {
			return nil, &RowError{Row: i + 2, Err: err}
		}
		rec.Reason = reason
		if raw := value("timestamp"); raw != "" {
			if err := rec.Timestamp.UnmarshalText([]byte(raw)); err != nil {
				return nil, &RowError{Row: i + 2, Err: err}
			}
		}
		if rec.ProductName == "" || rec.Barcode == "" {
			return nil, &RowError{Row: i + 2, Err: errors.New("product name and barcode are required")}
		}
		records = append(records, rec)
	}
	return records, nil
}

func blank(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
