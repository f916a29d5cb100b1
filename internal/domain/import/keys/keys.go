// Package keys derives the identities used by the importer: a semantic
// dedupe key per transaction and a content hash per file.
package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/FACorreiaa/echo-ledger/internal/domain/common"
)

const defaultAccount = "NA"

// balanceColumns are the raw column names a running balance may be found under.
var balanceColumns = []string{"balance", "running balance", "saldo", "saldo disponível", "saldo contabilístico"}

// Build returns the dedupe key for a transaction:
//
//	account|date|signedAmount|normalizedDescription[|bal:balance]
//
// Missing fields degrade to "NA" and "0.00" so the function is total.
func Build(tx common.Transaction) string {
	account := strings.TrimSpace(tx.AccountNumber)
	if account == "" {
		account = defaultAccount
	}

	var b strings.Builder
	b.WriteString(account)
	b.WriteByte('|')
	b.WriteString(strings.TrimSpace(tx.Date))
	b.WriteByte('|')
	b.WriteString(tx.RawAmount.StringFixed(2))
	b.WriteByte('|')
	b.WriteString(NormalizeDescription(tx.Description))

	if bal, ok := Balance(tx); ok {
		b.WriteString("|bal:")
		b.WriteString(bal.StringFixed(2))
	}
	return b.String()
}

// Balance extracts the running balance from the transaction's source row, if any.
func Balance(tx common.Transaction) (decimal.Decimal, bool) {
	if tx.Original == nil {
		return decimal.Zero, false
	}
	raw, ok := tx.Original.Lookup(balanceColumns...)
	if !ok || raw == "" {
		return decimal.Zero, false
	}
	d, err := parseBalance(raw)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// parseBalance accepts both 1,234.56 and 1.234,56; the last separator is the decimal one.
func parseBalance(raw string) (decimal.Decimal, error) {
	s := strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r == '.', r == ',', r == '-':
			return r
		}
		return -1
	}, raw)

	lastDot, lastComma := strings.LastIndexByte(s, '.'), strings.LastIndexByte(s, ',')
	if lastComma > lastDot {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
	} else {
		s = strings.ReplaceAll(s, ",", "")
	}
	return decimal.NewFromString(s)
}

// NormalizeDescription lower-cases and collapses whitespace.
func NormalizeDescription(desc string) string {
	return strings.Join(strings.Fields(strings.ToLower(desc)), " ")
}

// ContentHash is the hex sha256 of the raw file bytes.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashRows hashes pre-parsed rows for callers that never saw the file bytes.
func HashRows(rows []common.RawRow) (string, error) {
	data, err := json.Marshal(rows)
	if err != nil {
		return "", fmt.Errorf("failed to encode rows for hashing: %w", err)
	}
	return ContentHash(data), nil
}

// Set builds a key set from already persisted transactions.
func Set(txs []common.Transaction) map[string]struct{} {
	set := make(map[string]struct{}, len(txs))
	for _, tx := range txs {
		set[Build(tx)] = struct{}{}
	}
	return set
}
