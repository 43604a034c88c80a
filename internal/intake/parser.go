package intake

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

// ErrNoHeader is returned when no sheet carries an ID number column.
var ErrNoHeader = errors.New("no worksheet with an ID number column found")

// MemberRow is one data row of an upload spreadsheet.
type MemberRow struct {
	RowNumber  int    `validate:"-"`
	IDNumber   string `validate:"required,sa_id"`
	FirstName  string `validate:"required,max=100"`
	Surname    string `validate:"required,max=100"`
	CellNumber string `validate:"omitempty,sa_cell"`
	Email      string `validate:"omitempty,email,max=255"`
	WardCode   string `validate:"omitempty,numeric,max=16"`
}

const (
	colIDNumber   = "id_number"
	colFirstName  = "first_name"
	colSurname    = "surname"
	colCellNumber = "cell_number"
	colEmail      = "email"
	colWardCode   = "ward_code"
)

var headerAliases = map[string]string{
	"idnumber":        colIDNumber,
	"idno":            colIDNumber,
	"identitynumber":  colIDNumber,
	"said":            colIDNumber,
	"firstname":       colFirstName,
	"firstnames":      colFirstName,
	"name":            colFirstName,
	"names":           colFirstName,
	"surname":         colSurname,
	"lastname":        colSurname,
	"cell":            colCellNumber,
	"cellnumber":      colCellNumber,
	"cellphone":       colCellNumber,
	"cellphonenumber": colCellNumber,
	"mobile":          colCellNumber,
	"mobilenumber":    colCellNumber,
	"email":           colEmail,
	"emailaddress":    colEmail,
	"ward":            colWardCode,
	"wardcode":        colWardCode,
	"wardnumber":      colWardCode,
}

// headerScanDepth bounds how far down a sheet the header row may appear.
const headerScanDepth = 10

// ParseWorkbook reads the first worksheet that has an ID number header and
// returns its non-blank data rows in sheet order. Legacy BIFF (.xls)
// workbooks are recognised by their compound file signature.
func ParseWorkbook(r io.Reader) ([]MemberRow, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read spreadsheet: %w", err)
	}
	var sheets []sheetRows
	if bytes.HasPrefix(data, cfbMagic) {
		sheets, err = readXLS(data)
	} else {
		sheets, err = readXLSX(data)
	}
	if err != nil {
		return nil, err
	}
	for _, sheet := range sheets {
		headerIdx, colMap := findHeader(sheet.rows)
		if headerIdx < 0 {
			continue
		}
		zap.S().Named("intake").Debugf("using sheet %q with header on row %d", sheet.name, headerIdx+1)
		return readMembers(sheet.rows, headerIdx, colMap), nil
	}
	return nil, ErrNoHeader
}

type sheetRows struct {
	name string
	rows [][]string
}

func readXLSX(data []byte) ([]sheetRows, error) {
	excelFile, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("error opening spreadsheet: %w", err)
	}
	defer excelFile.Close()

	var out []sheetRows
	for _, sheet := range excelFile.GetSheetList() {
		rows, err := excelFile.GetRows(sheet, excelize.Options{RawCellValue: true})
		if err != nil {
			zap.S().Named("intake").Warnf("skipping sheet %q: %v", sheet, err)
			continue
		}
		out = append(out, sheetRows{name: sheet, rows: rows})
	}
	return out, nil
}

// xlsMaxCols bounds the columns read from a BIFF row whose ROW record is
// missing and therefore carries no column extent.
const xlsMaxCols = 64

func readXLS(data []byte) (sheets []sheetRows, err error) {
	// The BIFF reader panics on some malformed streams.
	defer func() {
		if r := recover(); r != nil {
			sheets, err = nil, fmt.Errorf("error opening .xls spreadsheet: %v", r)
		}
	}()
	wb, err := xls.OpenReader(bytes.NewReader(data), "utf-8")
	if err != nil {
		return nil, fmt.Errorf("error opening .xls spreadsheet: %w", err)
	}
	if wb == nil {
		return nil, errors.New("error opening .xls spreadsheet: no workbook stream")
	}
	for i := 0; i < wb.NumSheets(); i++ {
		sheet := wb.GetSheet(i)
		if sheet == nil {
			continue
		}
		rows := make([][]string, int(sheet.MaxRow)+1)
		for j := range rows {
			row := xlsRow(sheet, j)
			if row == nil {
				continue
			}
			width := max(row.LastCol(), xlsMaxCols)
			cells := make([]string, width)
			for c := range cells {
				cells[c] = row.Col(c)
			}
			rows[j] = trimTrailing(cells)
		}
		sheets = append(sheets, sheetRows{name: sheet.Name, rows: rows})
	}
	return sheets, nil
}

// xlsRow returns nil for rows without any record; WorkSheet.Row panics on them.
func xlsRow(sheet *xls.WorkSheet, i int) (row *xls.Row) {
	defer func() {
		if recover() != nil {
			row = nil
		}
	}()
	return sheet.Row(i)
}

func trimTrailing(cells []string) []string {
	n := len(cells)
	for n > 0 && strings.TrimSpace(cells[n-1]) == "" {
		n--
	}
	return cells[:n]
}

func findHeader(rows [][]string) (int, map[string]int) {
	for i := 0; i < len(rows) && i < headerScanDepth; i++ {
		colMap := buildColumnMap(rows[i])
		if _, ok := colMap[colIDNumber]; ok {
			return i, colMap
		}
	}
	return -1, nil
}

func buildColumnMap(headers []string) map[string]int {
	colMap := make(map[string]int)
	for i, header := range headers {
		key, ok := headerAliases[normalizeHeader(header)]
		if !ok {
			continue
		}
		if _, seen := colMap[key]; !seen {
			colMap[key] = i
		}
	}
	return colMap
}

func normalizeHeader(h string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '_', '-', '.', '\t':
			return -1
		}
		return r
	}, strings.ToLower(strings.TrimSpace(h)))
}

func readMembers(rows [][]string, headerIdx int, colMap map[string]int) []MemberRow {
	out := make([]MemberRow, 0, len(rows)-headerIdx)
	for i := headerIdx + 1; i < len(rows); i++ {
		row := rows[i]
		if isBlank(row) {
			continue
		}
		out = append(out, MemberRow{
			RowNumber:  i + 1,
			IDNumber:   normalizeID(getColumnValue(row, colMap, colIDNumber)),
			FirstName:  getColumnValue(row, colMap, colFirstName),
			Surname:    getColumnValue(row, colMap, colSurname),
			CellNumber: normalizeCell(getColumnValue(row, colMap, colCellNumber)),
			Email:      strings.ToLower(getColumnValue(row, colMap, colEmail)),
			WardCode:   normalizeID(getColumnValue(row, colMap, colWardCode)),
		})
	}
	return out
}

func getColumnValue(row []string, colMap map[string]int, key string) string {
	if idx, exists := colMap[key]; exists && idx < len(row) {
		return strings.TrimSpace(row[idx])
	}
	return ""
}

func isBlank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// normalizeID undoes the damage spreadsheets do to long numeric identifiers:
// scientific notation, a trailing ".0" and embedded spaces.
func normalizeID(v string) string {
	v = strings.ReplaceAll(v, " ", "")
	if v == "" {
		return v
	}
	if strings.ContainsAny(v, "eE") {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return strconv.FormatFloat(f, 'f', 0, 64)
		}
	}
	return strings.TrimSuffix(v, ".0")
}

func normalizeCell(v string) string {
	v = normalizeID(v)
	v = strings.NewReplacer("-", "", "(", "", ")", "").Replace(v)
	v = strings.TrimPrefix(v, "+")
	// Numeric cells lose the leading zero of local numbers.
	if len(v) == 9 && !strings.HasPrefix(v, "0") {
		v = "0" + v
	}
	return v
}
