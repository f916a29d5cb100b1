// Package sniffer provides automatic detection of CSV/TSV file formats.
// It identifies delimiters, header rows, and generates fingerprints for bank recognition.
package sniffer

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"strings"
	"unicode"
)

// Common bank statement header keywords (multi-language)
var headerKeywords = []string{
	// Portuguese
	"data mov", "descrição", "descricao", "débito", "debito", "crédito", "credito",
	"data valor", "saldo", "categoria", "valor",
	// English
	"date", "description", "amount", "debit", "credit", "balance", "category", "merchant", "payee", "memo",
	// Spanish
	"fecha", "descripción", "descripcion", "importe", "cargo", "abono",
}

var candidateDelimiters = []rune{';', '\t', ',', '|'}

// maxHeaderSearch bounds how many preamble lines are inspected.
const maxHeaderSearch = 20

const minKeywordHits = 2

// FileConfig holds the detected configuration for a CSV/TSV file
type FileConfig struct {
	Delimiter   rune     // The field delimiter (';', ',', '\t', '|')
	SkipLines   int      // Number of metadata lines before headers
	Headers     []string // Detected header names
	Fingerprint string   // SHA256 hash of normalized headers
}

// Columns names the header that feeds each transaction field. Empty means absent.
type Columns struct {
	Date        string
	Description string
	Amount      string
	Debit       string
	Credit      string
	Category    string
	Balance     string
	Account     string
}

// IsDoubleEntry reports whether amounts come from separate debit/credit columns.
func (c Columns) IsDoubleEntry() bool {
	return c.Amount == "" && c.Debit != "" && c.Credit != ""
}

var (
	ErrEmptyFile      = errors.New("file is empty")
	ErrNoHeadersFound = errors.New("could not find data headers")
)

// DetectConfig analyzes a CSV/TSV file and returns its configuration
func DetectConfig(data []byte) (*FileConfig, error) {
	text := strings.TrimPrefix(string(data), "\uFEFF")
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyFile
	}

	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	delimiter, skipLines, err := findHeaderRow(lines)
	if err != nil {
		return nil, err
	}

	reader := csv.NewReader(strings.NewReader(lines[skipLines]))
	reader.Comma = delimiter
	reader.LazyQuotes = true

	headers, err := reader.Read()
	if err != nil {
		return nil, err
	}
	for i, h := range headers {
		headers[i] = strings.TrimSpace(h)
	}

	return &FileConfig{
		Delimiter:   delimiter,
		SkipLines:   skipLines,
		Headers:     headers,
		Fingerprint: Fingerprint(headers),
	}, nil
}

// SuggestColumns attempts to auto-match columns based on header names
func SuggestColumns(headers []string) Columns {
	var c Columns

	for _, header := range headers {
		h := strings.ToLower(strings.TrimSpace(header))

		if c.Date == "" {
			if strings.Contains(h, "data mov") || strings.Contains(h, "date") ||
				strings.Contains(h, "fecha") || h == "data" {
				c.Date = header
				continue
			}
		}

		if c.Description == "" {
			if strings.Contains(h, "descri") || strings.Contains(h, "merchant") ||
				strings.Contains(h, "payee") || strings.Contains(h, "memo") ||
				h == "nome" || h == "name" {
				c.Description = header
				continue
			}
		}

		if c.Debit == "" {
			if strings.Contains(h, "débito") || strings.Contains(h, "debito") ||
				strings.Contains(h, "debit") || strings.Contains(h, "cargo") || h == "withdrawal" {
				c.Debit = header
				continue
			}
		}

		if c.Credit == "" {
			if strings.Contains(h, "crédito") || strings.Contains(h, "credito") ||
				strings.Contains(h, "credit") || strings.Contains(h, "abono") || h == "deposit" {
				c.Credit = header
				continue
			}
		}

		if c.Amount == "" {
			if h == "amount" || h == "valor" || h == "importe" || h == "montante" {
				c.Amount = header
				continue
			}
		}

		if c.Balance == "" {
			if strings.Contains(h, "balance") || strings.Contains(h, "saldo") {
				c.Balance = header
				continue
			}
		}

		if c.Category == "" {
			if strings.Contains(h, "categ") {
				c.Category = header
				continue
			}
		}

		if c.Account == "" {
			if strings.Contains(h, "account") || h == "conta" {
				c.Account = header
			}
		}
	}

	return c
}

// findHeaderRow locates the header row and its delimiter
func findHeaderRow(lines []string) (rune, int, error) {
	for i, line := range lines {
		if i > maxHeaderSearch {
			break
		}

		lineLower := strings.ToLower(line)

		// A single keyword is common in preamble lines ("Saldo inicial;1000,00").
		hits := 0
		for _, kw := range headerKeywords {
			if strings.Contains(lineLower, kw) {
				hits++
			}
		}
		if hits < minKeywordHits {
			continue
		}

		if d, ok := bestDelimiter(line); ok {
			return d, i, nil
		}
	}

	// No recognizable header: assume the first non-empty line is one.
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if d, ok := bestDelimiter(line); ok {
			return d, i, nil
		}
		break
	}

	return 0, 0, ErrNoHeadersFound
}

// bestDelimiter picks the candidate that splits line into the most columns.
func bestDelimiter(line string) (rune, bool) {
	var best rune
	bestCount := 0
	for _, d := range candidateDelimiters {
		if count := strings.Count(line, string(d)); count > bestCount {
			best, bestCount = d, count
		}
	}
	return best, bestCount >= 1
}

// Fingerprint creates a unique hash from header names
func Fingerprint(headers []string) string {
	var normalized []string
	for _, h := range headers {
		clean := strings.Map(func(r rune) rune {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				return unicode.ToLower(r)
			}
			return -1
		}, h)
		if clean != "" {
			normalized = append(normalized, clean)
		}
	}

	joined := strings.Join(normalized, "|")
	hash := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(hash[:])
}
