// Package common holds the types shared by the import pipeline and the staging ledger.
package common

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// TransactionType classifies a transaction by direction of money flow.
type TransactionType string

const (
	TypeIncome  TransactionType = "income"
	TypeExpense TransactionType = "expense"
	TypeSavings TransactionType = "savings"
)

// CategorySource records how a transaction's category was decided.
type CategorySource string

const (
	SourceProvided  CategorySource = "provided"
	SourceKeyword   CategorySource = "keyword"
	SourceRegex     CategorySource = "regex"
	SourceConsensus CategorySource = "consensus"
	SourceNone      CategorySource = "none"
)

// RawRow is one header-keyed record read from a tabular file.
// Line is the 1-based physical line the record started on.
type RawRow struct {
	Line   int               `json:"line"`
	Fields map[string]string `json:"fields"`
}

// Lookup returns the trimmed value of the first column whose header matches one of
// names, ignoring case and surrounding whitespace.
func (r RawRow) Lookup(names ...string) (string, bool) {
	for _, name := range names {
		if v, ok := r.Fields[name]; ok {
			return strings.TrimSpace(v), true
		}
	}
	for _, name := range names {
		for header, v := range r.Fields {
			if strings.EqualFold(strings.TrimSpace(header), name) {
				return strings.TrimSpace(v), true
			}
		}
	}
	return "", false
}

// Transaction is a normalized, classified transaction owned by an account.
type Transaction struct {
	ID              string          `json:"id"`
	Date            string          `json:"date"` // YYYY-MM-DD
	Description     string          `json:"description"`
	RawAmount       decimal.Decimal `json:"rawAmount"` // signed, positive = inflow
	Amount          decimal.Decimal `json:"amount"`
	Type            TransactionType `json:"type"`
	Category        string          `json:"category,omitempty"`
	CategorySource  CategorySource  `json:"categorySource,omitempty"`
	AccountNumber   string          `json:"accountNumber"`
	Origin          string          `json:"origin,omitempty"`
	Original        *RawRow         `json:"original,omitempty"`
	Staged          bool            `json:"staged"`
	BudgetApplied   bool            `json:"budgetApplied"`
	AutoApplied     bool            `json:"autoApplied,omitempty"`
	ImportSessionID string          `json:"importSessionId,omitempty"`
}

// Month returns the YYYY-MM prefix of the transaction date.
func (t Transaction) Month() string {
	if len(t.Date) < 7 {
		return ""
	}
	return t.Date[:7]
}

// Uncategorized reports whether no category has been assigned yet.
func (t Transaction) Uncategorized() bool {
	return t.Category == "" || t.CategorySource == SourceNone || t.CategorySource == ""
}

// ErrorKind is the taxonomy of per-row problems collected during ingestion.
type ErrorKind string

const (
	KindParse     ErrorKind = "parse"
	KindNormalize ErrorKind = "normalize"
	KindDuplicate ErrorKind = "duplicate"
)

// RowError describes a row that was excluded from the accepted set.
type RowError struct {
	Line    int       `json:"line"`
	Kind    ErrorKind `json:"type"`
	Reason  string    `json:"reason,omitempty"`
	Message string    `json:"message"`
}

func (e RowError) Error() string {
	return fmt.Sprintf("line %d: %s: %s", e.Line, e.Kind, e.Message)
}
