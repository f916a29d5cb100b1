// Package handler exposes imports and the staging lifecycle over HTTP/JSON.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/FACorreiaa/echo-ledger/internal/domain/common"
	"github.com/FACorreiaa/echo-ledger/internal/domain/import/normalizer"
	"github.com/FACorreiaa/echo-ledger/internal/domain/import/service"
	"github.com/FACorreiaa/echo-ledger/internal/domain/import/sniffer"
	"github.com/FACorreiaa/echo-ledger/internal/domain/staging"
)

// DefaultMaxUploadBytes bounds an uploaded statement when no limit is configured.
const DefaultMaxUploadBytes int64 = 32 << 20

// Importer runs one file import.
type Importer interface {
	Import(ctx context.Context, req service.ImportRequest) (*service.ImportOutcome, error)
}

// Staging is the lifecycle surface of the staging controller.
type Staging interface {
	Sessions(ctx context.Context, accountNumber string) ([]staging.SessionView, error)
	UndoStagedImport(ctx context.Context, accountNumber, sessionID string) (staging.UndoOutcome, error)
	MarkBudgetApplied(ctx context.Context, accountNumber string, months []string) (staging.ApplyOutcome, error)
	ProcessPendingSavingsForAccount(ctx context.Context, accountNumber string, months []string) (int, error)
	ExpireOldStagedTransactions(ctx context.Context, maxAgeDays int) (staging.ExpireOutcome, error)
	SavingsReview(ctx context.Context) ([]common.PendingSavingsEntry, error)
	ResolveSavingsReview(ctx context.Context, entryID string) error
}

// ImportHandler serves the import and staging endpoints.
type ImportHandler struct {
	importer       Importer
	staging        Staging
	maxUploadBytes int64
	logger         *slog.Logger
}

// NewImportHandler constructs a new handler.
func NewImportHandler(importer Importer, st Staging, maxUploadBytes int64, logger *slog.Logger) *ImportHandler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = DefaultMaxUploadBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ImportHandler{importer: importer, staging: st, maxUploadBytes: maxUploadBytes, logger: logger}
}

// Register mounts the handler's routes.
func (h *ImportHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/accounts/{account}/imports", h.Import)
	mux.HandleFunc("POST /v1/accounts/{account}/imports/{session}/undo", h.Undo)
	mux.HandleFunc("POST /v1/accounts/{account}/budget-apply", h.BudgetApply)
	mux.HandleFunc("POST /v1/accounts/{account}/savings/process", h.ProcessSavings)
	mux.HandleFunc("GET /v1/imports", h.ListSessions)
	mux.HandleFunc("GET /v1/imports/export.csv", h.ExportSessions)
	mux.HandleFunc("POST /v1/maintenance/expire", h.Expire)
	mux.HandleFunc("GET /v1/savings-review", h.ListSavingsReview)
	mux.HandleFunc("DELETE /v1/savings-review/{id}", h.ResolveSavingsReview)
}

// Import accepts a statement either as the raw request body or as the "file"
// part of a multipart form. ?preview=true computes the outcome without writing.
func (h *ImportHandler) Import(w http.ResponseWriter, r *http.Request) {
	account := r.PathValue("account")
	preview, err := parseBool(r.URL.Query().Get("preview"))
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: preview must be a boolean", common.ErrBadRequest))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	data, fileName, err := readUpload(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out, err := h.importer.Import(r.Context(), service.ImportRequest{
		AccountNumber: account,
		Data:          data,
		FileName:      fileName,
		Origin:        r.URL.Query().Get("origin"),
		Preview:       preview,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if preview {
		status = http.StatusOK
	}
	h.writeJSON(w, status, out)
}

// Undo reverses a session's still-staged transactions. No-op outcomes are
// reported in the body with 200; an unknown session is 404.
func (h *ImportHandler) Undo(w http.ResponseWriter, r *http.Request) {
	out, err := h.staging.UndoStagedImport(r.Context(), r.PathValue("account"), r.PathValue("session"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if out.Result == staging.UndoNotFound {
		status = http.StatusNotFound
	}
	h.writeJSON(w, status, out)
}

type monthsRequest struct {
	Months []string `json:"months"`
}

// BudgetApply marks staged transactions of the account as budget-applied.
func (h *ImportHandler) BudgetApply(w http.ResponseWriter, r *http.Request) {
	req, err := decodeMonths(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out, err := h.staging.MarkBudgetApplied(r.Context(), r.PathValue("account"), req.Months)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, out)
}

// ProcessSavings routes the account's pending savings entries to the review queue.
func (h *ImportHandler) ProcessSavings(w http.ResponseWriter, r *http.Request) {
	req, err := decodeMonths(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	routed, err := h.staging.ProcessPendingSavingsForAccount(r.Context(), r.PathValue("account"), req.Months)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{"routed": routed})
}

// ListSessions lists ledger entries, optionally for one ?account=.
func (h *ImportHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	views, err := h.staging.Sessions(r.Context(), r.URL.Query().Get("account"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

// ExportSessions writes the ledger as CSV, optionally limited to ?ids=a,b.
func (h *ImportHandler) ExportSessions(w http.ResponseWriter, r *http.Request) {
	views, err := h.staging.Sessions(r.Context(), r.URL.Query().Get("account"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if ids := splitList(r.URL.Query().Get("ids")); len(ids) > 0 {
		views = staging.FilterSessions(views, ids)
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="import-sessions.csv"`)
	if err := staging.ExportSessionsCSV(w, views); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to write sessions export", slog.Any("error", err))
	}
}

// Expire auto-applies staged transactions older than ?maxAgeDays= (configured default when absent).
func (h *ImportHandler) Expire(w http.ResponseWriter, r *http.Request) {
	maxAgeDays := staging.UseConfiguredMaxAge
	if raw := r.URL.Query().Get("maxAgeDays"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.writeError(w, r, fmt.Errorf("%w: maxAgeDays must be a non-negative integer", common.ErrBadRequest))
			return
		}
		maxAgeDays = n
	}
	out, err := h.staging.ExpireOldStagedTransactions(r.Context(), maxAgeDays)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, out)
}

// ListSavingsReview returns the savings review queue.
func (h *ImportHandler) ListSavingsReview(w http.ResponseWriter, r *http.Request) {
	entries, err := h.staging.SavingsReview(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []common.PendingSavingsEntry{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// ResolveSavingsReview removes a reviewed entry.
func (h *ImportHandler) ResolveSavingsReview(w http.ResponseWriter, r *http.Request) {
	if err := h.staging.ResolveSavingsReview(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func readUpload(r *http.Request) ([]byte, string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, "", uploadError(err)
		}
		return data, r.URL.Query().Get("filename"), nil
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, "", uploadError(err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, "", uploadError(err)
	}
	return data, header.Filename, nil
}

func uploadError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return fmt.Errorf("%w: upload exceeds %d bytes", common.ErrBadRequest, tooLarge.Limit)
	}
	return fmt.Errorf("%w: failed to read upload: %v", common.ErrBadRequest, err)
}

func decodeMonths(r *http.Request) (monthsRequest, error) {
	var req monthsRequest
	if r.Body == nil || r.ContentLength == 0 {
		return req, nil
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return req, fmt.Errorf("%w: invalid JSON body: %v", common.ErrBadRequest, err)
	}
	for _, m := range req.Months {
		if len(m) != len("2006-01") || m[4] != '-' {
			return req, fmt.Errorf("%w: month %q must be YYYY-MM", common.ErrBadRequest, m)
		}
	}
	return req, nil
}

func parseBool(raw string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *ImportHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, common.ErrBadRequest),
		errors.Is(err, sniffer.ErrEmptyFile),
		errors.Is(err, sniffer.ErrNoHeadersFound),
		errors.Is(err, normalizer.ErrMissingColumn):
		status = http.StatusBadRequest
	case errors.Is(err, common.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, common.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, service.ErrAborted):
		status = http.StatusRequestTimeout
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path), slog.Any("error", err))
		msg = "internal error"
	}
	h.writeJSON(w, status, errorResponse{Error: msg})
}

func (h *ImportHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", slog.Any("error", err))
	}
}
