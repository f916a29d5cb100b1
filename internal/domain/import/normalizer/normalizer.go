// Package normalizer handles regional money and date parsing.
// Converts various bank statement formats into Echo's canonical representation.
package normalizer

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/FACorreiaa/echo-ledger/internal/domain/common"
	"github.com/FACorreiaa/echo-ledger/internal/domain/import/categorizer"
	"github.com/FACorreiaa/echo-ledger/internal/domain/import/sniffer"
)

var (
	ErrInvalidAmount = errors.New("invalid amount format")
	ErrInvalidDate   = errors.New("invalid date format")
	ErrMissingColumn = errors.New("required column not found")
)

// NumberFormat selects the decimal separator convention.
type NumberFormat string

const (
	FormatAuto     NumberFormat = ""
	FormatEuropean NumberFormat = "european" // 1.234,56
	FormatAmerican NumberFormat = "american" // 1,234.56
)

// detectSampleSize is how many rows feed number and date format detection.
const detectSampleSize = 50

// Config describes one file's layout and the classification inputs.
type Config struct {
	AccountNumber string
	Origin        string

	// Columns overrides header-based column detection when Date is set.
	Columns      sniffer.Columns
	NumberFormat NumberFormat
	// DateFormat is tried before the built-in formats, e.g. "DD-MM-YYYY".
	DateFormat string
	Location   *time.Location

	// AllowTodayFallback stamps rows with an unusable date with Now().
	AllowTodayFallback bool
	Now                func() time.Time

	Rules *categorizer.Rules
	NewID func() string
}

// Normalizer turns raw rows of one file into transactions.
type Normalizer struct {
	cfg      Config
	cols     sniffer.Columns
	european bool
}

// New prepares a Normalizer for a file with the given headers. sample rows
// are used to detect the number and date formats when they are not configured.
func New(cfg Config, headers []string, sample []common.RawRow) (*Normalizer, error) {
	cols := cfg.Columns
	if cols.Date == "" {
		cols = sniffer.SuggestColumns(headers)
	}
	if cols.Date == "" {
		return nil, fmt.Errorf("%w: date", ErrMissingColumn)
	}
	if cols.Amount == "" && !cols.IsDoubleEntry() {
		return nil, fmt.Errorf("%w: amount", ErrMissingColumn)
	}

	if cfg.Rules == nil {
		cfg.Rules = categorizer.DefaultRules()
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	if len(sample) > detectSampleSize {
		sample = sample[:detectSampleSize]
	}
	n := &Normalizer{cfg: cfg, cols: cols}

	switch cfg.NumberFormat {
	case FormatEuropean:
		n.european = true
	case FormatAmerican:
		n.european = false
	default:
		var amounts []string
		for _, row := range sample {
			for _, col := range []string{cols.Amount, cols.Debit, cols.Credit} {
				if v := strings.TrimSpace(row.Fields[col]); col != "" && v != "" {
					amounts = append(amounts, v)
				}
			}
		}
		n.european = DetectEuropean(amounts)
	}

	if n.cfg.DateFormat == "" {
		var dates []string
		for _, row := range sample {
			if v := strings.TrimSpace(row.Fields[cols.Date]); v != "" {
				dates = append(dates, v)
			}
		}
		n.cfg.DateFormat = DetectDateFormat(dates)
	}

	return n, nil
}

// Columns returns the resolved column mapping.
func (n *Normalizer) Columns() sniffer.Columns {
	return n.cols
}

// Normalize parses date, amount and description. The provided category, if
// any, is carried in Category for the inference step.
func (n *Normalizer) Normalize(row common.RawRow) (common.Transaction, error) {
	rawDate := strings.TrimSpace(row.Fields[n.cols.Date])
	var date string
	t, err := ParseFlexibleDate(rawDate, n.cfg.DateFormat, n.cfg.Location)
	switch {
	case err == nil:
		date = t.Format(time.DateOnly)
	case n.cfg.AllowTodayFallback:
		date = n.cfg.Now().In(n.cfg.Location).Format(time.DateOnly)
	default:
		return common.Transaction{}, fmt.Errorf("%w: %q", ErrInvalidDate, rawDate)
	}

	var amount decimal.Decimal
	if n.cols.IsDoubleEntry() {
		amount, err = NormalizeDebitCredit(row.Fields[n.cols.Debit], row.Fields[n.cols.Credit], n.european)
	} else {
		amount, err = ParseAmount(row.Fields[n.cols.Amount], n.european)
	}
	if err != nil {
		return common.Transaction{}, err
	}

	account := n.cfg.AccountNumber
	if account == "" && n.cols.Account != "" {
		account = strings.TrimSpace(row.Fields[n.cols.Account])
	}

	original := row
	tx := common.Transaction{
		ID:            n.cfg.NewID(),
		Date:          date,
		Description:   CleanDescription(row.Fields[n.cols.Description]),
		RawAmount:     amount,
		Amount:        amount.Abs(),
		AccountNumber: account,
		Origin:        n.cfg.Origin,
		Original:      &original,
	}
	if n.cols.Category != "" {
		tx.Category = strings.TrimSpace(row.Fields[n.cols.Category])
	}
	return tx, nil
}

// Classify sets the transaction type: savings when the description carries a
// configured savings label, otherwise income for non-negative amounts and
// expense for negative ones.
func (n *Normalizer) Classify(tx *common.Transaction) {
	switch {
	case n.cfg.Rules.IsSavings(tx.Description):
		tx.Type = common.TypeSavings
	case tx.RawAmount.Sign() >= 0:
		tx.Type = common.TypeIncome
	default:
		tx.Type = common.TypeExpense
	}
	tx.Amount = tx.RawAmount.Abs()
}

// Infer runs category inference for a single transaction.
func (n *Normalizer) Infer(tx *common.Transaction) common.CategorySource {
	return n.cfg.Rules.Infer(tx)
}

// Process runs normalize, classify and infer on one row. A row that cannot be
// normalized yields a normalize error carrying the row's line.
func (n *Normalizer) Process(row common.RawRow) (common.Transaction, *common.RowError) {
	tx, err := n.Normalize(row)
	if err != nil {
		return common.Transaction{}, RowError(row.Line, err)
	}
	n.Classify(&tx)
	n.Infer(&tx)
	return tx, nil
}

// RowError converts a Normalize failure into a collected row error.
func RowError(line int, err error) *common.RowError {
	reason := "invalid_row"
	switch {
	case errors.Is(err, ErrInvalidDate):
		reason = "invalid_date"
	case errors.Is(err, ErrInvalidAmount):
		reason = "invalid_amount"
	}
	return &common.RowError{Line: line, Kind: common.KindNormalize, Reason: reason, Message: err.Error()}
}

// ParseAmount converts a string amount to a signed decimal.
// Supports both European (1.234,56) and American (1,234.56) formats,
// currency symbols, parenthesized negatives and trailing minus signs.
func ParseAmount(raw string, isEuropean bool) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Zero, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}

	// Clean the string: keep digits, comma, period, and minus
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) || r == ',' || r == '.' || r == '-' {
			return r
		}
		return -1
	}, s)

	if strings.HasPrefix(cleaned, "-") || strings.HasSuffix(cleaned, "-") {
		negative = !negative
	}
	cleaned = strings.Trim(cleaned, "-")
	if cleaned == "" || strings.Contains(cleaned, "-") {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}

	if isEuropean {
		// European: 1.234,56 -> 1234.56
		cleaned = strings.ReplaceAll(cleaned, ".", "")
		cleaned = strings.ReplaceAll(cleaned, ",", ".")
	} else {
		// American: 1,234.56 -> 1234.56
		cleaned = strings.ReplaceAll(cleaned, ",", "")
	}

	val, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	if negative {
		val = val.Neg()
	}
	return val, nil
}

// NormalizeDebitCredit merges separate debit and credit columns into a single signed amount
// Debit = negative (money out), Credit = positive (money in)
func NormalizeDebitCredit(debitStr, creditStr string, isEuropean bool) (decimal.Decimal, error) {
	debitStr = strings.TrimSpace(debitStr)
	creditStr = strings.TrimSpace(creditStr)

	if debitStr != "" {
		amount, err := ParseAmount(debitStr, isEuropean)
		if err != nil {
			return decimal.Zero, err
		}
		return amount.Abs().Neg(), nil
	}

	if creditStr != "" {
		amount, err := ParseAmount(creditStr, isEuropean)
		if err != nil {
			return decimal.Zero, err
		}
		return amount.Abs(), nil
	}

	return decimal.Zero, fmt.Errorf("%w: debit and credit are both empty", ErrInvalidAmount)
}

// DetectEuropean votes over sample amounts. A value with both separators uses
// the last one as decimal; a value with one separator followed by one or two
// digits uses it as decimal. Ties resolve to American.
func DetectEuropean(samples []string) bool {
	eu, us := 0, 0
	for _, s := range samples {
		lastDot, lastComma := strings.LastIndexByte(s, '.'), strings.LastIndexByte(s, ',')
		switch {
		case lastDot >= 0 && lastComma >= 0:
			if lastComma > lastDot {
				eu++
			} else {
				us++
			}
		case lastComma >= 0 && decimalTail(s[lastComma+1:]):
			eu++
		case lastDot >= 0 && decimalTail(s[lastDot+1:]):
			us++
		}
	}
	return eu > us
}

func decimalTail(s string) bool {
	digits := 0
	for _, r := range s {
		if !unicode.IsDigit(r) {
			break
		}
		digits++
	}
	return digits == 1 || digits == 2
}

// Common date formats used by banks worldwide
var dateFormats = []string{
	// ISO (YYYY-MM-DD)
	"2006-01-02",
	"2006/01/02",

	// European (DD-MM-YYYY variants)
	"02-01-2006",
	"02/01/2006",
	"02.01.2006",
	"2-1-2006",
	"2/1/2006",

	// American (MM-DD-YYYY variants)
	"01-02-2006",
	"01/02/2006",
	"1/2/2006",

	// Textual months
	"02 Jan 2006",
	"2 Jan 2006",
	"Jan 2, 2006",

	// With time
	"02-01-2006 15:04",
	"02/01/2006 15:04",
	"01/02/2006 15:04",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

// ParseFlexibleDate attempts to parse a date using multiple formats
func ParseFlexibleDate(raw string, preferredFormat string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, ErrInvalidDate
	}

	if loc == nil {
		loc = time.UTC
	}

	// Try preferred format first
	if preferredFormat != "" {
		goFormat := convertDateFormat(preferredFormat)
		if t, err := time.ParseInLocation(goFormat, raw, loc); err == nil {
			return t, nil
		}
	}

	// Try all known formats
	for _, format := range dateFormats {
		if t, err := time.ParseInLocation(format, raw, loc); err == nil {
			return t, nil
		}
	}

	return time.Time{}, ErrInvalidDate
}

var dateTokens = strings.NewReplacer(
	"YYYY", "2006",
	"YY", "06",
	"MM", "01",
	"DD", "02",
	"HH", "15",
	"mm", "04",
	"ss", "05",
)

// convertDateFormat converts user-friendly format strings to Go format
// e.g., "DD-MM-YYYY" -> "02-01-2006"
func convertDateFormat(format string) string {
	return dateTokens.Replace(format)
}

var (
	dayFirstPattern = regexp.MustCompile(`^(\d{1,2})([-/.])(\d{1,2})[-/.]\d{4}$`)
	isoPattern      = regexp.MustCompile(`^\d{4}([-/])\d{1,2}[-/]\d{1,2}$`)
)

// DetectDateFormat guesses the date format from sample data. A first part
// above 12 anywhere in the sample means day-first, a second part above 12
// means month-first; ambiguous samples default to day-first.
func DetectDateFormat(samples []string) string {
	if len(samples) == 0 {
		return "DD-MM-YYYY"
	}

	first := strings.TrimSpace(samples[0])
	if m := isoPattern.FindStringSubmatch(first); m != nil {
		return "YYYY" + m[1] + "MM" + m[1] + "DD"
	}

	sep := "-"
	dayFirst, monthFirst := false, false
	for _, s := range samples {
		m := dayFirstPattern.FindStringSubmatch(strings.TrimSpace(s))
		if m == nil {
			continue
		}
		sep = m[2]
		a, _ := strconv.Atoi(m[1])
		b, _ := strconv.Atoi(m[3])
		if a > 12 {
			dayFirst = true
		}
		if b > 12 {
			monthFirst = true
		}
	}

	if monthFirst && !dayFirst {
		return "MM" + sep + "DD" + sep + "YYYY"
	}
	return "DD" + sep + "MM" + sep + "YYYY"
}

var spacePattern = regexp.MustCompile(`\s+`)

// CleanDescription normalizes merchant/description text
func CleanDescription(raw string) string {
	return spacePattern.ReplaceAllString(strings.TrimSpace(raw), " ")
}
