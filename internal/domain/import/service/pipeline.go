// Package service provides the import orchestration logic.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/FACorreiaa/echo-ledger/internal/domain/common"
	"github.com/FACorreiaa/echo-ledger/internal/domain/import/categorizer"
	"github.com/FACorreiaa/echo-ledger/internal/domain/import/dedupe"
	"github.com/FACorreiaa/echo-ledger/internal/domain/import/keys"
	"github.com/FACorreiaa/echo-ledger/internal/domain/import/normalizer"
	"github.com/FACorreiaa/echo-ledger/internal/domain/import/rowparser"
	"github.com/FACorreiaa/echo-ledger/pkg/observability"
)

// cancelCheckEvery is how many rows a stage handles between context checks.
const cancelCheckEvery = 500

// ManifestFunc records that content with the given hash was ingested for an account.
type ManifestFunc func(ctx context.Context, hash, accountNumber string, meta common.ManifestMeta) error

// Input is one ingestion request. FileText takes precedence over Rows.
type Input struct {
	FileText []byte
	Rows     []common.RawRow
	// Headers names the columns of pre-parsed Rows. Derived from the rows when empty.
	Headers []string

	AccountNumber    string
	Existing         []common.Transaction
	RegisterManifest ManifestFunc

	Origin    string
	FileName  string
	SessionID string

	// Stream parses FileText in chunks, reporting each one to OnProgress.
	Stream     bool
	OnProgress func(rowparser.Progress)
}

// ErrAborted is returned when a streamed parse was cancelled before it finished.
var ErrAborted = errors.New("ingestion aborted")

// Stats describes one run.
type Stats struct {
	HeaderFingerprint string `json:"headerFingerprint,omitempty"`
	Hash              string `json:"hash"`

	RowsParsed        int `json:"rowsParsed"`
	RowsProcessed     int `json:"rowsProcessed"`
	Accepted          int `json:"accepted"`
	DupesExisting     int `json:"dupesExisting"`
	DupesIntraFile    int `json:"dupesIntraFile"`
	SavingsCount      int `json:"savingsCount"`
	ParseErrors       int `json:"parseErrors"`
	NormalizeErrors   int `json:"normalizeErrors"`
	EarlyShortCircuit int `json:"earlyShortCircuit"`

	CategorySources map[common.CategorySource]int `json:"categorySources"`

	ParseMs     float64 `json:"parseMs"`
	NormalizeMs float64 `json:"normalizeMs"`
	ClassifyMs  float64 `json:"classifyMs"`
	InferMs     float64 `json:"inferMs"`
	ConsensusMs float64 `json:"consensusMs"`
	KeyMs       float64 `json:"keyMs"`
	DedupeMs    float64 `json:"dedupeMs"`
	ProcessMs   float64 `json:"processMs"`
	IngestMs    float64 `json:"ingestMs"`

	RowsPerSec      float64 `json:"rowsPerSec"`
	DuplicatesRatio float64 `json:"duplicatesRatio"`
}

// Result is the outcome of a run. Nothing is persisted until Patch is applied.
type Result struct {
	Patch                common.Patch
	Stats                Stats
	Errors               []common.RowError
	AcceptedTransactions []common.Transaction
	SavingsQueue         []common.PendingSavingsEntry
}

// PipelineConfig holds the per-deployment inputs of every run.
type PipelineConfig struct {
	Parser     rowparser.Options
	Normalizer normalizer.Config
	Now        func() time.Time
	NewID      func() string
}

// Pipeline sequences parse, normalize, classify, infer, consensus, key and dedupe.
type Pipeline struct {
	cfg    PipelineConfig
	logger *slog.Logger
	tracer trace.Tracer
}

// NewPipeline creates a pipeline.
func NewPipeline(cfg PipelineConfig, logger *slog.Logger) *Pipeline {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Normalizer.Rules == nil {
		cfg.Normalizer.Rules = categorizer.DefaultRules()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{cfg: cfg, logger: logger, tracer: otel.Tracer("echo/import")}
}

// Run executes one ingestion. Row problems are collected in Result.Errors;
// a returned error means no Result and therefore no patch.
func (p *Pipeline) Run(ctx context.Context, in Input) (res *Result, err error) {
	ctx, span := p.tracer.Start(ctx, "Pipeline.Run", trace.WithAttributes(
		attribute.String("account", in.AccountNumber),
		attribute.Int("bytes", len(in.FileText)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	l := p.logger.With(slog.String("method", "Run"), slog.String("account", in.AccountNumber))
	ingestStart := time.Now()

	var (
		stats   Stats
		rows    []common.RawRow
		headers []string
		errs    []common.RowError
	)

	parseStart := time.Now()
	switch {
	case in.FileText != nil && in.Stream:
		var summary rowparser.Summary
		rows, summary = rowparser.New(p.cfg.Parser).Collect(ctx, bytes.NewReader(in.FileText), in.OnProgress)
		if summary.Err != nil {
			return nil, fmt.Errorf("failed to parse file: %w", summary.Err)
		}
		if summary.Aborted {
			return nil, fmt.Errorf("%w after %d rows", ErrAborted, summary.Rows)
		}
		headers, errs = summary.Headers, summary.Errors
		stats.HeaderFingerprint = summary.Fingerprint
		stats.Hash = keys.ContentHash(in.FileText)
	case in.FileText != nil:
		parsed, err := rowparser.New(p.cfg.Parser).Parse(in.FileText)
		if err != nil {
			return nil, fmt.Errorf("failed to parse file: %w", err)
		}
		rows, headers, errs = parsed.Rows, parsed.Headers, parsed.Errors
		stats.HeaderFingerprint = parsed.Fingerprint
		stats.Hash = keys.ContentHash(in.FileText)
	default:
		rows, headers = in.Rows, in.Headers
		if len(headers) == 0 {
			headers = deriveHeaders(rows)
		}
		if stats.Hash, err = keys.HashRows(rows); err != nil {
			return nil, err
		}
	}
	stats.ParseMs = ms(time.Since(parseStart))
	stats.ParseErrors = len(errs)
	stats.RowsParsed = len(rows) + len(errs)
	stats.RowsProcessed = len(rows)

	processStart := time.Now()

	ncfg := p.cfg.Normalizer
	ncfg.AccountNumber = in.AccountNumber
	ncfg.Origin = in.Origin
	if ncfg.NewID == nil {
		ncfg.NewID = p.cfg.NewID
	}
	norm, err := normalizer.New(ncfg, headers, rows)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve columns: %w", err)
	}

	// normalize
	start := time.Now()
	txs := make([]common.Transaction, 0, len(rows))
	for i, row := range rows {
		if i%cancelCheckEvery == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		tx, nerr := norm.Normalize(row)
		if nerr != nil {
			errs = append(errs, *normalizer.RowError(row.Line, nerr))
			stats.NormalizeErrors++
			continue
		}
		txs = append(txs, tx)
	}
	stats.NormalizeMs = ms(time.Since(start))
	stats.EarlyShortCircuit = stats.ParseErrors + stats.NormalizeErrors

	// classify
	start = time.Now()
	for i := range txs {
		norm.Classify(&txs[i])
	}
	stats.ClassifyMs = ms(time.Since(start))

	// infer
	start = time.Now()
	for i := range txs {
		if i%cancelCheckEvery == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		norm.Infer(&txs[i])
	}
	stats.InferMs = ms(time.Since(start))

	start = time.Now()
	categorizer.ApplyConsensus(txs)
	stats.ConsensusMs = ms(time.Since(start))

	start = time.Now()
	existingKeys := keys.Set(in.Existing)
	incomingKeys := make([]string, len(txs))
	for i := range txs {
		incomingKeys[i] = keys.Build(txs[i])
	}
	stats.KeyMs = ms(time.Since(start))

	start = time.Now()
	deduped := dedupe.DedupeKeyed(existingKeys, txs, incomingKeys)
	stats.DedupeMs = ms(time.Since(start))
	errs = append(errs, deduped.Errors...)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sessionID := in.SessionID
	if sessionID == "" {
		sessionID = p.cfg.NewID()
	}

	accepted := deduped.Accepted
	stats.CategorySources = make(map[common.CategorySource]int)
	var savings []common.PendingSavingsEntry
	for i := range accepted {
		tx := &accepted[i]
		tx.Staged = true
		tx.BudgetApplied = false
		tx.ImportSessionID = sessionID
		stats.CategorySources[tx.CategorySource]++

		if tx.Type == common.TypeSavings {
			savings = append(savings, common.PendingSavingsEntry{
				ID:              p.cfg.NewID(),
				TransactionID:   tx.ID,
				AccountNumber:   in.AccountNumber,
				Month:           tx.Month(),
				Date:            tx.Date,
				Amount:          tx.Amount,
				Name:            tx.Description,
				ImportSessionID: sessionID,
			})
		}
	}

	stats.Accepted = len(accepted)
	stats.DupesExisting = deduped.DupesExisting
	stats.DupesIntraFile = deduped.DupesIntraFile
	stats.SavingsCount = len(savings)
	if stats.RowsProcessed > 0 {
		stats.DuplicatesRatio = float64(stats.DupesExisting+stats.DupesIntraFile) / float64(stats.RowsProcessed) * 100
	}

	if in.RegisterManifest != nil {
		meta := common.ManifestMeta{
			Size:           int64(len(in.FileText)),
			SampleName:     in.FileName,
			NewCount:       stats.Accepted,
			DupesExisting:  stats.DupesExisting,
			DupesIntraFile: stats.DupesIntraFile,
		}
		if err := in.RegisterManifest(ctx, stats.Hash, in.AccountNumber, meta); err != nil {
			return nil, fmt.Errorf("failed to register manifest: %w", err)
		}
	}

	sort.SliceStable(errs, func(i, j int) bool { return errs[i].Line < errs[j].Line })

	stats.ProcessMs = ms(time.Since(processStart))
	stats.IngestMs = ms(time.Since(ingestStart))
	if stats.IngestMs > 0 {
		stats.RowsPerSec = float64(stats.RowsProcessed) / (stats.IngestMs / 1000)
	}

	res = &Result{
		Patch: common.Patch{
			AccountNumber:      in.AccountNumber,
			SessionID:          sessionID,
			AppendTransactions: accepted,
			Session: common.ImportSession{
				SessionID:      sessionID,
				AccountNumber:  in.AccountNumber,
				ImportedAt:     p.cfg.Now(),
				NewCount:       stats.Accepted,
				DupesExisting:  stats.DupesExisting,
				DupesIntraFile: stats.DupesIntraFile,
				SavingsCount:   stats.SavingsCount,
				Hash:           stats.Hash,
			},
			PendingSavings: savings,
		},
		Stats:                stats,
		Errors:               errs,
		AcceptedTransactions: accepted,
		SavingsQueue:         savings,
	}

	recordMetrics(stats)
	span.SetAttributes(
		attribute.Int("rows", stats.RowsProcessed),
		attribute.Int("accepted", stats.Accepted),
		attribute.Int("duplicates", stats.DupesExisting+stats.DupesIntraFile),
	)
	l.InfoContext(ctx, "ingestion completed",
		slog.String("session_id", sessionID),
		slog.Int("rows", stats.RowsProcessed),
		slog.Int("accepted", stats.Accepted),
		slog.Int("dupes_existing", stats.DupesExisting),
		slog.Int("dupes_intra_file", stats.DupesIntraFile),
		slog.Int("early_short_circuit", stats.EarlyShortCircuit),
		slog.Float64("ingest_ms", stats.IngestMs),
	)
	return res, nil
}

func recordMetrics(s Stats) {
	for stage, v := range map[string]float64{
		"parse":     s.ParseMs,
		"normalize": s.NormalizeMs,
		"classify":  s.ClassifyMs,
		"infer":     s.InferMs,
		"consensus": s.ConsensusMs,
		"key":       s.KeyMs,
		"dedupe":    s.DedupeMs,
	} {
		observability.ObserveStage(stage, time.Duration(v*float64(time.Millisecond)))
	}
	observability.RowsTotal.WithLabelValues("accepted").Add(float64(s.Accepted))
	observability.RowsTotal.WithLabelValues("duplicate_existing").Add(float64(s.DupesExisting))
	observability.RowsTotal.WithLabelValues("duplicate_intra_file").Add(float64(s.DupesIntraFile))
	observability.RowsTotal.WithLabelValues("parse_error").Add(float64(s.ParseErrors))
	observability.RowsTotal.WithLabelValues("normalize_error").Add(float64(s.NormalizeErrors))
}

// deriveHeaders collects column names from pre-parsed rows in a stable order.
func deriveHeaders(rows []common.RawRow) []string {
	seen := make(map[string]struct{})
	var headers []string
	for _, row := range rows {
		for name := range row.Fields {
			if _, ok := seen[name]; !ok {
				seen[name] = struct{}{}
				headers = append(headers, name)
			}
		}
	}
	sort.Strings(headers)
	return headers
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
