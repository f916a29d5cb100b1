// Package rowparser turns tabular file content into header-keyed rows.
// Rows carry the 1-based source line they started on; malformed records are
// collected as parse errors and never abort the file.
package rowparser

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/FACorreiaa/echo-ledger/internal/domain/common"
	"github.com/FACorreiaa/echo-ledger/internal/domain/import/sniffer"
)

const (
	// DefaultChunkSize is the number of rows delivered per streaming chunk.
	DefaultChunkSize = 500

	sniffBytes = 64 << 10
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Options controls how a file is read.
type Options struct {
	// Delimiter overrides detection when non-zero.
	Delimiter rune
	// NoHeader marks files whose first line is already data. Columns are then
	// named by Headers, or column1..columnN.
	NoHeader bool
	Headers  []string
	// ChunkSize is the streaming chunk size; DefaultChunkSize when <= 0.
	ChunkSize int
}

// Result is the outcome of a buffered parse.
type Result struct {
	Headers     []string
	Delimiter   rune
	Fingerprint string
	Rows        []common.RawRow
	Errors      []common.RowError
}

// Parser reads header-based tabular files.
type Parser struct {
	opts Options
}

// New creates a Parser.
func New(opts Options) *Parser {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	return &Parser{opts: opts}
}

// Parse reads the whole content at once.
func (p *Parser) Parse(data []byte) (*Result, error) {
	rr, err := p.open(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	res := &Result{
		Headers:     rr.headers,
		Delimiter:   rr.delimiter,
		Fingerprint: sniffer.Fingerprint(rr.headers),
	}
	for {
		row, rowErr, err := rr.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if rowErr != nil {
			res.Errors = append(res.Errors, *rowErr)
			continue
		}
		res.Rows = append(res.Rows, row)
	}
	return res, nil
}

// recordReader yields rows one at a time from a csv reader positioned after the header.
type recordReader struct {
	csv        *csv.Reader
	headers    []string
	delimiter  rune
	lineOffset int
}

// open sniffs the layout, skips preamble lines and consumes the header record.
func (p *Parser) open(r io.Reader) (*recordReader, error) {
	br := bufio.NewReaderSize(r, sniffBytes)
	if bom, _ := br.Peek(len(utf8BOM)); bytes.Equal(bom, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}

	head, _ := br.Peek(sniffBytes)
	if len(bytes.TrimSpace(head)) == 0 {
		return nil, sniffer.ErrEmptyFile
	}

	cfg, err := sniffer.DetectConfig(head)
	if err != nil {
		if p.opts.Delimiter == 0 || !errors.Is(err, sniffer.ErrNoHeadersFound) {
			return nil, fmt.Errorf("failed to detect file layout: %w", err)
		}
		cfg = &sniffer.FileConfig{Delimiter: p.opts.Delimiter}
	}

	delimiter := cfg.Delimiter
	if p.opts.Delimiter != 0 {
		delimiter = p.opts.Delimiter
	}

	skip := cfg.SkipLines
	if p.opts.NoHeader {
		skip = 0
	}
	for i := 0; i < skip; i++ {
		if _, err := br.ReadString('\n'); err != nil {
			return nil, fmt.Errorf("failed to skip preamble line %d: %w", i+1, err)
		}
	}

	reader := csv.NewReader(br)
	reader.Comma = delimiter
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	rr := &recordReader{csv: reader, delimiter: delimiter, lineOffset: skip}

	if p.opts.NoHeader {
		rr.headers = p.opts.Headers
		return rr, nil
	}

	header, err := reader.Read()
	if err == io.EOF {
		return nil, sniffer.ErrNoHeadersFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	rr.headers = make([]string, len(header))
	for i, h := range header {
		rr.headers[i] = strings.TrimSpace(h)
	}
	return rr, nil
}

// next returns the next row, or a row-level error, or io.EOF.
func (rr *recordReader) next() (common.RawRow, *common.RowError, error) {
	for {
		record, err := rr.csv.Read()
		if err == io.EOF {
			return common.RawRow{}, nil, io.EOF
		}

		var perr *csv.ParseError
		if err != nil && errors.As(err, &perr) {
			return common.RawRow{}, &common.RowError{
				Line:    perr.StartLine + rr.lineOffset,
				Kind:    common.KindParse,
				Reason:  "malformed",
				Message: perr.Err.Error(),
			}, nil
		}
		if err != nil {
			return common.RawRow{}, nil, fmt.Errorf("failed to read record: %w", err)
		}

		line, _ := rr.csv.FieldPos(0)
		line += rr.lineOffset

		if blank(record) {
			continue
		}

		if rr.headers == nil {
			rr.headers = defaultHeaders(len(record))
		}
		if len(record) != len(rr.headers) {
			return common.RawRow{}, &common.RowError{
				Line:    line,
				Kind:    common.KindParse,
				Reason:  "field_count",
				Message: fmt.Sprintf("expected %d fields, got %d", len(rr.headers), len(record)),
			}, nil
		}

		fields := make(map[string]string, len(record))
		for i, v := range record {
			fields[rr.headers[i]] = v
		}
		return common.RawRow{Line: line, Fields: fields}, nil, nil
	}
}

func blank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func defaultHeaders(n int) []string {
	headers := make([]string, n)
	for i := range headers {
		headers[i] = "column" + strconv.Itoa(i+1)
	}
	return headers
}
