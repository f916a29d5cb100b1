package service

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/FACorreiaa/echo-ledger/internal/domain/common"
	"github.com/FACorreiaa/echo-ledger/internal/domain/import/keys"
	"github.com/FACorreiaa/echo-ledger/internal/domain/import/rowparser"
	"github.com/FACorreiaa/echo-ledger/internal/domain/staging"
)

// StreamThresholds decide when a file is parsed in chunks instead of at once.
type StreamThresholds struct {
	Lines int
	Bytes int64
}

// DefaultStreamThresholds returns the built-in thresholds.
func DefaultStreamThresholds() StreamThresholds {
	return StreamThresholds{Lines: 3000, Bytes: 500_000}
}

// ShouldStream reports whether data is large enough to stream. A zero
// threshold disables that check.
func ShouldStream(data []byte, th StreamThresholds) bool {
	if th.Bytes > 0 && int64(len(data)) >= th.Bytes {
		return true
	}
	return th.Lines > 0 && bytes.Count(data, []byte{'\n'})+1 >= th.Lines
}

// Ledger is the part of the staging controller the import flow needs.
type Ledger interface {
	Snapshot(ctx context.Context) (*common.State, error)
	CheckManifest(ctx context.Context, hash, accountNumber string) (*staging.ManifestWarning, error)
	RegisterManifest(ctx context.Context, hash, accountNumber string, meta common.ManifestMeta) error
	Preview(ctx context.Context, patch common.Patch) (*common.State, error)
	ApplyPatch(ctx context.Context, patch common.Patch) (common.ImportSession, error)
}

var _ Ledger = (*staging.Controller)(nil)

// ImportRequest is one file import for one account.
type ImportRequest struct {
	AccountNumber string
	Data          []byte
	FileName      string
	Origin        string
	// Preview computes the outcome without writing anything.
	Preview bool
}

// ImportOutcome contains the result of an import operation
type ImportOutcome struct {
	SessionID    string                       `json:"sessionId"`
	Preview      bool                         `json:"preview"`
	Streamed     bool                         `json:"streamed"`
	Stats        Stats                        `json:"stats"`
	Errors       []common.RowError            `json:"errors"`
	Accepted     []common.Transaction         `json:"accepted"`
	SavingsQueue []common.PendingSavingsEntry `json:"savingsQueue"`
	Warning      *staging.ManifestWarning     `json:"warning,omitempty"`
	Session      *common.ImportSession        `json:"session,omitempty"`
	// AccountSize is the account's transaction count after the import.
	AccountSize int `json:"accountSize"`
}

// ImportService orchestrates ingestion runs against the ledger
type ImportService struct {
	pipeline   *Pipeline
	ledger     Ledger
	thresholds func() StreamThresholds
	logger     *slog.Logger

	// mu keeps snapshot, run and apply of one import from interleaving with another.
	mu sync.Mutex
}

// NewImportService creates a new import service
func NewImportService(pipeline *Pipeline, ledger Ledger, thresholds func() StreamThresholds, logger *slog.Logger) *ImportService {
	if thresholds == nil {
		thresholds = DefaultStreamThresholds
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ImportService{
		pipeline:   pipeline,
		ledger:     ledger,
		thresholds: thresholds,
		logger:     logger,
	}
}

// Import runs the pipeline against the account's current transactions and,
// unless previewing, applies the resulting patch.
func (s *ImportService) Import(ctx context.Context, req ImportRequest) (*ImportOutcome, error) {
	l := s.logger.With(slog.String("method", "Import"),
		slog.String("account", req.AccountNumber),
		slog.Bool("preview", req.Preview))

	if req.AccountNumber == "" {
		return nil, fmt.Errorf("%w: account number is required", common.ErrBadRequest)
	}
	if len(bytes.TrimSpace(req.Data)) == 0 {
		return nil, fmt.Errorf("%w: file is empty", common.ErrBadRequest)
	}

	if !req.Preview {
		s.mu.Lock()
		defer s.mu.Unlock()
	}

	st, err := s.ledger.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}

	warning, err := s.ledger.CheckManifest(ctx, keys.ContentHash(req.Data), req.AccountNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to check manifest: %w", err)
	}
	if warning != nil {
		l.WarnContext(ctx, "file was already imported for this account",
			slog.String("hash", warning.Hash),
			slog.Time("last_imported_at", warning.LastImportedAt))
	}

	streamed := ShouldStream(req.Data, s.thresholds())
	in := Input{
		FileText:      req.Data,
		AccountNumber: req.AccountNumber,
		Existing:      st.Transactions(req.AccountNumber),
		Origin:        req.Origin,
		FileName:      req.FileName,
		Stream:        streamed,
		OnProgress: func(p rowparser.Progress) {
			l.DebugContext(ctx, "parse progress", slog.Int("rows", p.RowsSoFar), slog.Bool("finished", p.Finished))
		},
	}
	if !req.Preview {
		in.RegisterManifest = s.ledger.RegisterManifest
	}

	res, err := s.pipeline.Run(ctx, in)
	if err != nil {
		l.ErrorContext(ctx, "ingestion failed", slog.Any("error", err))
		return nil, err
	}

	out := &ImportOutcome{
		SessionID:    res.Patch.SessionID,
		Preview:      req.Preview,
		Streamed:     streamed,
		Stats:        res.Stats,
		Errors:       res.Errors,
		Accepted:     res.AcceptedTransactions,
		SavingsQueue: res.SavingsQueue,
		Warning:      warning,
	}

	if req.Preview {
		next, err := s.ledger.Preview(ctx, res.Patch)
		if err != nil {
			return nil, fmt.Errorf("failed to preview patch: %w", err)
		}
		out.AccountSize = len(next.Transactions(req.AccountNumber))
		return out, nil
	}

	sess, err := s.ledger.ApplyPatch(ctx, res.Patch)
	if err != nil {
		return nil, fmt.Errorf("failed to apply patch: %w", err)
	}
	out.Session = &sess
	out.AccountSize = len(in.Existing) + len(res.AcceptedTransactions)
	return out, nil
}
