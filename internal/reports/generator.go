package reports

import (
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"membership-bulk-upload/internal/models"
)

const (
	summarySheet = "Summary"
	rowsSheet    = "Rows"
)

var rowHeaders = []any{"Row", "ID Number", "First Name", "Surname", "Status", "Reason", "Voting District", "Ward"}

// Generator renders the per-job xlsx report.
type Generator struct {
	now func() time.Time
}

func NewGenerator() *Generator {
	return &Generator{now: time.Now}
}

// Build renders a workbook with a job summary sheet and one line per
// spreadsheet row. Failed rows are listed before successful ones.
func (g *Generator) Build(job models.UploadJob, rows []models.RowResult) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, fmt.Errorf("rename summary sheet: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, fmt.Errorf("create header style: %w", err)
	}

	if err := g.writeSummary(f, job, bold); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(rowsSheet); err != nil {
		return nil, fmt.Errorf("create rows sheet: %w", err)
	}
	if err := writeRows(f, rows, bold); err != nil {
		return nil, err
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write report: %w", err)
	}
	return buf.Bytes(), nil
}

func (g *Generator) writeSummary(f *excelize.File, job models.UploadJob, bold int) error {
	lines := [][]any{
		{"Job ID", job.ID},
		{"File", job.FileName},
		{"Uploaded By", job.UploadedBy},
		{"Uploaded At", job.UploadTimestamp.UTC().Format(time.RFC3339)},
		{"Generated At", g.now().UTC().Format(time.RFC3339)},
		{"Status", string(job.Status)},
		{"Rows Total", job.RowsTotal},
		{"Rows Processed", job.RowsProcessed},
		{"Rows Successful", job.RowsSuccess},
		{"Rows Failed", job.RowsFailed},
	}
	if vs := job.ValidationStats; vs != nil {
		lines = append(lines,
			[]any{"Valid Rows", vs.ValidRows},
			[]any{"Invalid Rows", vs.InvalidRows},
			[]any{"Duplicate Rows", vs.DuplicateRows},
		)
	}
	if ds := job.DatabaseStats; ds != nil {
		lines = append(lines,
			[]any{"Records Inserted", ds.RecordsInserted},
			[]any{"Records Updated", ds.RecordsUpdated},
			[]any{"Records Failed", ds.RecordsFailed},
		)
	}
	for i, line := range lines {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(summarySheet, cell, &line); err != nil {
			return fmt.Errorf("write summary row: %w", err)
		}
	}
	end, _ := excelize.CoordinatesToCellName(1, len(lines))
	if err := f.SetCellStyle(summarySheet, "A1", end, bold); err != nil {
		return fmt.Errorf("style summary: %w", err)
	}
	return f.SetColWidth(summarySheet, "A", "B", 24)
}

func writeRows(f *excelize.File, rows []models.RowResult, bold int) error {
	if err := f.SetSheetRow(rowsSheet, "A1", &rowHeaders); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if err := f.SetRowStyle(rowsSheet, 1, 1, bold); err != nil {
		return fmt.Errorf("style header: %w", err)
	}

	ordered := make([]models.RowResult, 0, len(rows))
	for _, r := range rows {
		if r.Status.Failed() {
			ordered = append(ordered, r)
		}
	}
	for _, r := range rows {
		if !r.Status.Failed() {
			ordered = append(ordered, r)
		}
	}

	for i, r := range ordered {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		values := []any{r.RowNumber, r.IDNumber, r.FirstName, r.Surname, string(r.Status), r.Reason, r.VotingDistrict, r.WardCode}
		if err := f.SetSheetRow(rowsSheet, cell, &values); err != nil {
			return fmt.Errorf("write row %d: %w", r.RowNumber, err)
		}
	}
	// ID numbers must stay text so leading zeros survive.
	textStyle, err := f.NewStyle(&excelize.Style{NumFmt: 49})
	if err != nil {
		return err
	}
	if err := f.SetColStyle(rowsSheet, "B", textStyle); err != nil {
		return err
	}
	return f.SetColWidth(rowsSheet, "B", "F", 20)
}
