package upload

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"
)

// Detection is the schema detector's result: the header row plus a peek
// of the first data rows for user confirmation.
type Detection struct {
	Columns []string   `json:"columns"`
	Preview [][]string `json:"preview"`
}

// Detect inspects a staged spreadsheet and returns its column headers and
// up to previewRows data rows. It is a pure read of the stored file and
// never mutates persisted state.
func Detect(path string, previewRows int) (*Detection, error) {
	rows, err := ReadTable(path)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrEmptyFile
	}

	header := rows[0]
	blank := true
	for _, c := range header {
		if strings.TrimSpace(c) != "" {
			blank = false
			break
		}
	}
	if blank {
		return nil, ErrHeaderAmbiguous
	}

	columns := make([]string, len(header))
	for i, c := range header {
		columns[i] = strings.TrimSpace(c)
	}

	preview := rows[1:]
	if len(preview) > previewRows {
		preview = preview[:previewRows]
	}

	return &Detection{Columns: columns, Preview: preview}, nil
}

// ReadTable reads the whole spreadsheet into rows, header first.
// Supported formats: .csv, .xlsx and legacy .xls. Anything else fails
// with ErrUnsupportedFormat, as does a file whose content cannot be
// parsed as its extension claims.
func ReadTable(path string) ([][]string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".txt":
		return readCSV(path)
	case ".xlsx":
		return readXLSX(path)
	case ".xls":
		return readXLS(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	// Skip UTF-8 BOM written by Excel on Windows
	if bom, err := br.Peek(3); err == nil && bom[0] == 0xEF && bom[1] == 0xBB && bom[2] == 0xBF {
		br.Discard(3)
	}

	r := csv.NewReader(br)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var rows [][]string
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
		}
		rows = append(rows, record)
	}
	return rows, nil
}

func readXLSX(path string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrEmptyFile
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	return rows, nil
}

func readXLS(path string) ([][]string, error) {
	wb, err := xls.Open(path, "utf-8")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}

	// ReadAllCells caps the row count; labels exports stay well under this.
	rows := wb.ReadAllCells(1 << 20)
	return rows, nil
}
