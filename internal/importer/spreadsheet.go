package importer

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/labelflow/relabel/internal/upload"
)

// matchedRow is one spreadsheet row after the matching pass.
// A row with a non-empty reason is a row error and is skipped at commit.
type matchedRow struct {
	line       int
	orderID    string
	trackingNo string
	reason     string
}

// runSpreadsheet executes a spreadsheet import job.
//
// validating re-opens the source file and confirms the selected columns;
// a failure here ends the job in error with no persisted state touched.
// matching extracts (orderId, trackingNo) per row and flags row errors.
// committing upserts matched rows one by one, so a mid-job storage
// failure leaves prior commits intact. Duplicate order ids within a
// batch are not errors: the later row wins, matching the last-write-wins
// upsert semantics of the order table.
func (s *Service) runSpreadsheet(ctx context.Context, job *Job, u *upload.Upload, orderCol, trackingCol string) {
	job.setPhase(PhaseValidating)

	rows, err := upload.ReadTable(u.Path)
	if err != nil {
		job.fail(fmt.Sprintf("reading source file: %v", err))
		return
	}
	if len(rows) == 0 {
		job.fail(upload.ErrEmptyFile.Error())
		return
	}

	header := rows[0]
	orderIdx, err := ResolveColumn(header, orderCol)
	if err != nil {
		job.fail(fmt.Sprintf("order column: %v", err))
		return
	}
	trackingIdx, err := ResolveColumn(header, trackingCol)
	if err != nil {
		job.fail(fmt.Sprintf("tracking column: %v", err))
		return
	}

	data := rows[1:]
	job.setTotal(len(data))
	job.setPhase(PhaseMatching)

	matched := make([]matchedRow, 0, len(data))
	for i, row := range data {
		// Spreadsheet line numbers are 1-indexed with the header on line 1.
		m := matchedRow{line: i + 2}
		m.orderID = cellAt(row, orderIdx)
		m.trackingNo = cellAt(row, trackingIdx)

		switch {
		case m.orderID == "" && m.trackingNo == "":
			m.reason = "empty row"
		case m.orderID == "":
			m.reason = "missing order id"
		case m.trackingNo == "":
			m.reason = "missing tracking number"
		}
		matched = append(matched, m)
	}

	job.setPhase(PhaseCommitting)

	for _, m := range matched {
		if m.reason != "" {
			job.addRowError(m.line, m.reason)
			job.advance()
			continue
		}
		if err := s.catalog.UpsertOrder(ctx, m.orderID, m.trackingNo); err != nil {
			// Storage failure is fatal for the rest of the job; rows
			// committed so far are already durable.
			job.fail(fmt.Sprintf("line %d: storage failure: %v", m.line, err))
			return
		}
		job.advance()
	}

	s.rebuildSnapshot(ctx, job)
	s.uploads.Remove(u.Token)
	job.finish()
}

// cellAt returns the trimmed cell at idx, or "" for short rows.
func cellAt(row []string, idx int) string {
	if idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

// ResolveColumn resolves a column selection against the header row.
// The selection may be a header name (case-insensitive) or a zero-based
// index; names win when a header cell looks numeric.
func ResolveColumn(header []string, sel string) (int, error) {
	sel = strings.TrimSpace(sel)
	if sel == "" {
		return 0, fmt.Errorf("no column selected")
	}

	for i, h := range header {
		if strings.EqualFold(strings.TrimSpace(h), sel) {
			return i, nil
		}
	}

	if idx, err := strconv.Atoi(sel); err == nil {
		if idx < 0 || idx >= len(header) {
			return 0, fmt.Errorf("column index %d out of range (%d columns)", idx, len(header))
		}
		return idx, nil
	}

	return 0, fmt.Errorf("column %q not found in header", sel)
}
