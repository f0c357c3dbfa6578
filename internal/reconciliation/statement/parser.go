// Package statement reads card-network settlement spreadsheets into
// transaction inputs. It only parses; validation happens at ingestion.
package statement

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/clinicpay/internal/reconciliation/domain"
	"github.com/smallbiznis/clinicpay/pkg/money"
	"github.com/xuri/excelize/v2"
)

var (
	ErrNoSheet        = errors.New("statement_has_no_sheet")
	ErrHeaderNotFound = errors.New("statement_header_not_found")
	ErrInvalidDate    = errors.New("invalid_date")
	ErrInvalidAmount  = errors.New("invalid_amount")
)

// headerScanRows bounds how far down the sheet the header row is searched.
const headerScanRows = 20

const (
	colDate   = "date"
	colAmount = "amount"
	colCard   = "card_type"
	colAuth   = "authorization_code"
)

var headerAliases = map[string]string{
	"date":                   colDate,
	"transaction date":       colDate,
	"sale date":              colDate,
	"fecha":                  colDate,
	"fecha venta":            colDate,
	"amount":                 colAmount,
	"sale amount":            colAmount,
	"monto":                  colAmount,
	"card type":              colCard,
	"card":                   colCard,
	"tipo tarjeta":           colCard,
	"tipo de tarjeta":        colCard,
	"authorization code":     colAuth,
	"auth code":              colAuth,
	"codigo autorizacion":    colAuth,
	"código autorización":    colAuth,
	"codigo de autorizacion": colAuth,
}

var dateLayouts = []string{
	"02/01/2006",
	"2006-01-02",
	"02-01-2006",
	"02/01/2006 15:04",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

// RowError reports the 1-based sheet row that failed to parse.
type RowError struct {
	Row    int
	Column string
	Err    error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d, %s: %v", e.Row, e.Column, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// Parse reads the first sheet of an xlsx workbook.
func Parse(r io.Reader) ([]domain.TransactionInput, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open statement: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrNoSheet
	}
	rows, err := f.GetRows(sheets[0], excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("read statement rows: %w", err)
	}
	return parseRows(rows)
}

func parseRows(rows [][]string) ([]domain.TransactionInput, error) {
	headerIdx, columns := findHeader(rows)
	if headerIdx < 0 {
		return nil, ErrHeaderNotFound
	}
	header := rows[headerIdx]

	var out []domain.TransactionInput
	for i := headerIdx + 1; i < len(rows); i++ {
		row := rows[i]
		if blank(row) {
			continue
		}
		line := i + 1

		date, err := ParseDate(cell(row, columns[colDate]))
		if err != nil {
			return nil, &RowError{Row: line, Column: colDate, Err: err}
		}
		amount, err := ParseAmount(cell(row, columns[colAmount]))
		if err != nil {
			return nil, &RowError{Row: line, Column: colAmount, Err: err}
		}

		raw := make(map[string]any, len(header))
		for c, name := range header {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			raw[name] = cell(row, c)
		}

		out = append(out, domain.TransactionInput{
			TransactionDate:   date,
			Amount:            amount,
			CardType:          strings.TrimSpace(cell(row, columns[colCard])),
			AuthorizationCode: strings.TrimSpace(cell(row, columns[colAuth])),
			Raw:               raw,
		})
	}
	return out, nil
}

// findHeader returns the header row index and the column index of each
// known field. Date and amount are required.
func findHeader(rows [][]string) (int, map[string]int) {
	limit := len(rows)
	if limit > headerScanRows {
		limit = headerScanRows
	}
	for i := 0; i < limit; i++ {
		columns := map[string]int{colCard: -1, colAuth: -1}
		found := 0
		for c, value := range rows[i] {
			key, ok := headerAliases[normalizeHeader(value)]
			if !ok {
				continue
			}
			if key == colDate || key == colAmount {
				if _, seen := columns[key]; !seen {
					found++
				}
			}
			columns[key] = c
		}
		if found == 2 {
			return i, columns
		}
	}
	return -1, nil
}

func normalizeHeader(value string) string {
	return strings.Join(strings.Fields(strings.ToLower(value)), " ")
}

// ParseDate accepts day-first and ISO layouts as well as Excel serial dates.
func ParseDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, ErrInvalidDate
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	if serial, err := strconv.ParseFloat(value, 64); err == nil && serial > 0 {
		t, err := excelize.ExcelDateToTime(serial, false)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, value)
		}
		return t.UTC().Truncate(time.Second), nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, value)
}

// ParseAmount reads amounts such as "30.000", "30,000.50", "1.234,56" or
// "$ 280.50". When both separators appear the last one is the decimal mark;
// a single separator followed by exactly three digits groups thousands.
func ParseAmount(value string) (money.Amount, error) {
	cleaned := strings.NewReplacer("$", "", " ", "", "\u00a0", "").Replace(strings.TrimSpace(value))
	if cleaned == "" {
		return money.Amount{}, ErrInvalidAmount
	}

	lastDot := strings.LastIndex(cleaned, ".")
	lastComma := strings.LastIndex(cleaned, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastDot > lastComma {
			cleaned = strings.ReplaceAll(cleaned, ",", "")
		} else {
			cleaned = strings.ReplaceAll(cleaned, ".", "")
			cleaned = strings.Replace(cleaned, ",", ".", 1)
		}
	case lastComma >= 0:
		cleaned = normalizeSingleSeparator(cleaned, ",")
	case lastDot >= 0:
		cleaned = normalizeSingleSeparator(cleaned, ".")
	}

	amount, err := money.Parse(cleaned)
	if err != nil {
		return money.Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, value)
	}
	return amount, nil
}

func normalizeSingleSeparator(value, sep string) string {
	parts := strings.Split(value, sep)
	grouped := len(parts) > 2 || len(parts[len(parts)-1]) == 3
	if grouped {
		return strings.Join(parts, "")
	}
	return strings.Replace(value, sep, ".", 1)
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return row[idx]
}

func blank(row []string) bool {
	for _, value := range row {
		if strings.TrimSpace(value) != "" {
			return false
		}
	}
	return true
}
