package handler

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FACorreiaa/echo-ledger/internal/domain/common"
	"github.com/FACorreiaa/echo-ledger/internal/domain/import/repository"
	"github.com/FACorreiaa/echo-ledger/internal/domain/import/service"
	"github.com/FACorreiaa/echo-ledger/internal/domain/staging"
)

const statement = "Date,Description,Amount\n" +
	"2024-03-01,Woodmans,-89.12\n" +
	"2024-03-01,Direct Deposit,1200.00\n" +
	"2024-03-02,Web Branch:TFR TO SV 457397801,-100.00\n"

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

type testServer struct {
	mux        *http.ServeMux
	controller *staging.Controller
	clock      *clock
}

func newTestServer(t *testing.T, maxUpload int64) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := &clock{now: time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)}

	n := 0
	newID := func() string { n++; return fmt.Sprintf("id-%d", n) }

	controller := staging.NewController(repository.NewMemoryStateRepository(nil), staging.DefaultSettings, c.Now, logger)
	pipeline := service.NewPipeline(service.PipelineConfig{Now: c.Now, NewID: newID}, logger)
	svc := service.NewImportService(pipeline, controller, nil, logger)

	mux := http.NewServeMux()
	NewImportHandler(svc, controller, maxUpload, logger).Register(mux)
	return &testServer{mux: mux, controller: controller, clock: c}
}

func (s *testServer) do(t *testing.T, method, target string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) importStatement(t *testing.T, account string) service.ImportOutcome {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/v1/accounts/"+account+"/imports?filename=march.csv", strings.NewReader(statement), "text/csv")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[service.ImportOutcome](t, rec)
}

func TestImport_RawBody(t *testing.T) {
	s := newTestServer(t, 0)
	out := s.importStatement(t, "ACC-1")

	assert.NotEmpty(t, out.SessionID)
	assert.Equal(t, 3, out.Stats.Accepted)
	assert.Len(t, out.SavingsQueue, 1)
	require.NotNil(t, out.Session)
	assert.Equal(t, 3, out.Session.NewCount)

	rec := s.do(t, http.MethodGet, "/v1/imports?account=ACC-1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Sessions []staging.SessionView `json:"sessions"`
	}](t, rec)
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, staging.StatusActive, list.Sessions[0].Status)
	assert.True(t, list.Sessions[0].CanUndo)
}

func TestImport_Multipart(t *testing.T) {
	s := newTestServer(t, 0)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "statement.csv")
	require.NoError(t, err)
	_, err = part.Write([]byte(statement))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	rec := s.do(t, http.MethodPost, "/v1/accounts/ACC-1/imports", &body, mw.FormDataContentType())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, 3, decode[service.ImportOutcome](t, rec).Stats.Accepted)

	st, err := s.controller.Snapshot(context.Background())
	require.NoError(t, err)
	for _, m := range st.ImportManifests {
		assert.Equal(t, "statement.csv", m.SampleName)
	}
}

func TestImport_Preview(t *testing.T) {
	s := newTestServer(t, 0)

	rec := s.do(t, http.MethodPost, "/v1/accounts/ACC-1/imports?preview=true", strings.NewReader(statement), "text/csv")
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode[service.ImportOutcome](t, rec)
	assert.True(t, out.Preview)
	assert.Equal(t, 3, out.AccountSize)

	rec = s.do(t, http.MethodGet, "/v1/imports", nil, "")
	list := decode[struct {
		Sessions []staging.SessionView `json:"sessions"`
	}](t, rec)
	assert.Empty(t, list.Sessions)
}

func TestImport_BadRequests(t *testing.T) {
	s := newTestServer(t, 64)

	tests := []struct {
		name   string
		target string
		body   string
	}{
		{"empty body", "/v1/accounts/ACC-1/imports", ""},
		{"bad preview flag", "/v1/accounts/ACC-1/imports?preview=maybe", statement},
		{"no recognizable header", "/v1/accounts/ACC-1/imports", "foo,bar\n1,2\n"},
		{"too large", "/v1/accounts/ACC-1/imports", statement + strings.Repeat("2024-03-05,X,1.00\n", 10)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, tt.target, strings.NewReader(tt.body), "text/csv")
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[errorResponse](t, rec).Error)
		})
	}
}

func TestUndo(t *testing.T) {
	s := newTestServer(t, 0)
	out := s.importStatement(t, "ACC-1")

	rec := s.do(t, http.MethodPost, "/v1/accounts/ACC-1/imports/"+out.SessionID+"/undo", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	undo := decode[staging.UndoOutcome](t, rec)
	assert.Equal(t, staging.UndoDone, undo.Result)
	assert.Equal(t, 3, undo.Removed)

	rec = s.do(t, http.MethodPost, "/v1/accounts/ACC-1/imports/"+out.SessionID+"/undo", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, staging.UndoAlreadyUndone, decode[staging.UndoOutcome](t, rec).Result)

	rec = s.do(t, http.MethodPost, "/v1/accounts/ACC-1/imports/missing/undo", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUndo_AfterWindow(t *testing.T) {
	s := newTestServer(t, 0)
	out := s.importStatement(t, "ACC-1")
	s.clock.now = s.clock.now.Add(31 * time.Minute)

	rec := s.do(t, http.MethodPost, "/v1/accounts/ACC-1/imports/"+out.SessionID+"/undo", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, staging.UndoWindowExpired, decode[staging.UndoOutcome](t, rec).Result)
}

func TestBudgetApplyAndSavingsReview(t *testing.T) {
	s := newTestServer(t, 0)
	s.importStatement(t, "ACC-1")

	rec := s.do(t, http.MethodPost, "/v1/accounts/ACC-1/budget-apply", strings.NewReader(`{"months":["2024-13x"]}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/accounts/ACC-1/budget-apply", strings.NewReader(`{"months":["2024-03"]}`), "application/json")
	require.Equal(t, http.StatusOK, rec.Code)
	applied := decode[staging.ApplyOutcome](t, rec)
	assert.Equal(t, 3, applied.Applied)
	assert.Equal(t, 1, applied.SavingsRouted)

	rec = s.do(t, http.MethodGet, "/v1/savings-review", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	review := decode[struct {
		Entries []common.PendingSavingsEntry `json:"entries"`
	}](t, rec)
	require.Len(t, review.Entries, 1)

	rec = s.do(t, http.MethodDelete, "/v1/savings-review/"+review.Entries[0].ID, nil, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodDelete, "/v1/savings-review/"+review.Entries[0].ID, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProcessSavings(t *testing.T) {
	s := newTestServer(t, 0)
	s.importStatement(t, "ACC-1")

	rec := s.do(t, http.MethodPost, "/v1/accounts/ACC-1/savings/process", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]int{"routed": 1}, decode[map[string]int](t, rec))
}

func TestExpire(t *testing.T) {
	s := newTestServer(t, 0)
	s.importStatement(t, "ACC-1")

	rec := s.do(t, http.MethodPost, "/v1/maintenance/expire?maxAgeDays=-1", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	s.clock.now = s.clock.now.Add(31 * 24 * time.Hour)
	rec = s.do(t, http.MethodPost, "/v1/maintenance/expire?maxAgeDays=30", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode[staging.ExpireOutcome](t, rec)
	assert.Equal(t, 3, out.Expired)
	assert.Len(t, out.Sessions, 1)
}

func TestExpire_DefaultAndZeroMaxAge(t *testing.T) {
	s := newTestServer(t, 0)
	s.importStatement(t, "ACC-1")
	s.clock.now = s.clock.now.Add(time.Minute)

	rec := s.do(t, http.MethodPost, "/v1/maintenance/expire", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, decode[staging.ExpireOutcome](t, rec).Expired, "the configured limit is not reached")

	rec = s.do(t, http.MethodPost, "/v1/maintenance/expire?maxAgeDays=0", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, decode[staging.ExpireOutcome](t, rec).Expired)
}

func TestExportSessions(t *testing.T) {
	s := newTestServer(t, 0)
	first := s.importStatement(t, "ACC-1")
	s.importStatement(t, "ACC-2")

	rec := s.do(t, http.MethodGet, "/v1/imports/export.csv?ids="+first.SessionID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))

	records, err := csv.NewReader(rec.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "sessionId", records[0][0])
	assert.Equal(t, first.SessionID, records[1][0])
	assert.Equal(t, "ACC-1", records[1][1])
	assert.Equal(t, "3", records[1][2])
}

type failingStaging struct {
	Staging
	err error
}

func (f failingStaging) Sessions(context.Context, string) ([]staging.SessionView, error) {
	return nil, f.err
}

func TestErrorMapping(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("%w: bad", common.ErrBadRequest), http.StatusBadRequest},
		{fmt.Errorf("%w: gone", common.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: replay", common.ErrConflict), http.StatusConflict},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			mux := http.NewServeMux()
			NewImportHandler(nil, failingStaging{err: tt.err}, 0, logger).Register(mux)

			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/imports", nil))
			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusInternalServerError {
				assert.Equal(t, "internal error", decode[errorResponse](t, rec).Error)
			}
		})
	}
}
