package staging

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FACorreiaa/echo-ledger/internal/domain/common"
	"github.com/FACorreiaa/echo-ledger/internal/domain/import/repository"
	"github.com/FACorreiaa/echo-ledger/pkg/observability"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestController(t *testing.T) (*Controller, *fakeClock, *repository.MemoryStateRepository) {
	t.Helper()
	clock := &fakeClock{now: t0}
	repo := repository.NewMemoryStateRepository(nil)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewController(repo, DefaultSettings, clock.Now, logger), clock, repo
}

func patchFor(sessionID, account string, dates ...string) common.Patch {
	p := common.Patch{AccountNumber: account, SessionID: sessionID}
	for i, d := range dates {
		p.AppendTransactions = append(p.AppendTransactions, common.Transaction{
			ID:              sessionID + "-" + d,
			Date:            d,
			Description:     "row",
			RawAmount:       decimal.NewFromInt(int64(-10 - i)),
			Amount:          decimal.NewFromInt(int64(10 + i)),
			Type:            common.TypeExpense,
			AccountNumber:   account,
			Staged:          true,
			ImportSessionID: sessionID,
		})
	}
	p.Session = common.ImportSession{SessionID: sessionID, AccountNumber: account, NewCount: len(dates)}
	return p
}

func withSavings(p common.Patch, month string) common.Patch {
	p.PendingSavings = append(p.PendingSavings, common.PendingSavingsEntry{
		ID:              p.SessionID + "-sv-" + month,
		AccountNumber:   p.AccountNumber,
		Month:           month,
		Date:            month + "-09",
		Amount:          decimal.NewFromInt(100),
		Name:            "TFR TO SV",
		ImportSessionID: p.SessionID,
	})
	p.Session.SavingsCount = len(p.PendingSavings)
	return p
}

func sessionView(t *testing.T, c *Controller, account, id string) SessionView {
	t.Helper()
	views, err := c.Sessions(context.Background(), account)
	require.NoError(t, err)
	for _, v := range views {
		if v.SessionID == id {
			return v
		}
	}
	t.Fatalf("session %s not listed", id)
	return SessionView{}
}

func assertConserved(t *testing.T, v SessionView) {
	t.Helper()
	assert.Equal(t, v.NewCount, v.Staged+v.Applied+v.Removed, "session %s", v.SessionID)
}

func TestApplyPatch_CreatesActiveSession(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()

	sess, err := c.ApplyPatch(ctx, patchFor("s1", "123", "2025-08-05", "2025-08-03"))
	require.NoError(t, err)
	assert.Equal(t, t0, sess.ImportedAt)
	assert.Equal(t, 2, sess.NewCount)

	st, err := c.Snapshot(ctx)
	require.NoError(t, err)
	txs := st.Transactions("123")
	require.Len(t, txs, 2)
	assert.Equal(t, "2025-08-03", txs[0].Date)

	v := sessionView(t, c, "123", "s1")
	assert.Equal(t, StatusActive, v.Status)
	assert.True(t, v.CanUndo)
	assertConserved(t, v)
}

func TestApplyPatch_RejectsReplayAndBadPatch(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()

	_, err := c.ApplyPatch(ctx, patchFor("s1", "123", "2025-08-03"))
	require.NoError(t, err)

	_, err = c.ApplyPatch(ctx, patchFor("s1", "123", "2025-08-04"))
	assert.ErrorIs(t, err, common.ErrConflict)

	_, err = c.ApplyPatch(ctx, common.Patch{AccountNumber: "123"})
	assert.ErrorIs(t, err, common.ErrBadRequest)

	st, _ := c.Snapshot(ctx)
	assert.Len(t, st.Transactions("123"), 1, "a rejected patch writes nothing")
}

func TestApplyPatch_PrunesHistory(t *testing.T) {
	c, clock, _ := newTestController(t)
	c.settings = func() Settings {
		s := DefaultSettings()
		s.HistoryMaxEntries = 2
		return s
	}
	ctx := context.Background()

	for _, id := range []string{"s1", "s2", "s3"} {
		_, err := c.ApplyPatch(ctx, patchFor(id, "123"))
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}

	views, err := c.Sessions(ctx, "")
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, "s3", views[0].SessionID)
	assert.Equal(t, "s2", views[1].SessionID)
}

func TestApplyPatch_HistoryCapKeepsStagedSessions(t *testing.T) {
	c, clock, _ := newTestController(t)
	ctx := context.Background()

	_, err := c.ApplyPatch(ctx, patchFor("s00", "123", "2025-08-03", "2025-08-04"))
	require.NoError(t, err)
	for i := 1; i <= DefaultSettings().HistoryMaxEntries; i++ {
		clock.Advance(time.Second)
		_, err := c.ApplyPatch(ctx, patchFor(fmt.Sprintf("s%02d", i), "123"))
		require.NoError(t, err)
	}
	clock.Advance(time.Minute)

	v := sessionView(t, c, "123", "s00")
	assert.Equal(t, StatusActive, v.Status)
	assert.True(t, v.CanUndo)

	expired, err := c.ExpireOldStagedTransactions(ctx, 30)
	require.NoError(t, err)
	assert.Zero(t, expired.Expired, "a one-minute-old session is not expired")

	out, err := c.UndoStagedImport(ctx, "123", "s00")
	require.NoError(t, err)
	assert.Equal(t, UndoOutcome{Result: UndoDone, Removed: 2}, out)

	clock.Advance(time.Second)
	_, err = c.ApplyPatch(ctx, patchFor("s99", "123"))
	require.NoError(t, err)
	views, err := c.Sessions(ctx, "")
	require.NoError(t, err)
	assert.Len(t, views, DefaultSettings().HistoryMaxEntries, "consumed entries are pruned again")
}

func TestApplyPatch_RejectsStoredDuplicates(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()

	first := patchFor("s1", "123", "2025-08-03", "2025-08-04")
	_, err := c.ApplyPatch(ctx, first)
	require.NoError(t, err)

	stale := patchFor("s2", "123", "2025-08-05")
	stale.AppendTransactions = append(stale.AppendTransactions, first.AppendTransactions[1])
	stale.AppendTransactions[1].ID = "s2-copy"
	stale.AppendTransactions[1].ImportSessionID = "s2"
	_, err = c.ApplyPatch(ctx, stale)
	assert.ErrorIs(t, err, common.ErrConflict)

	st, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, st.Transactions("123"), 2)
	_, ok := st.Session("s2")
	assert.False(t, ok, "a rejected patch records no session")

	_, err = c.ApplyPatch(ctx, patchFor("s3", "456", "2025-08-03"))
	assert.NoError(t, err, "keys are per account")
}

func TestPreview_DoesNotWrite(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()

	preview, err := c.Preview(ctx, patchFor("s1", "123", "2025-08-03"))
	require.NoError(t, err)
	assert.Len(t, preview.Transactions("123"), 1)

	st, _ := c.Snapshot(ctx)
	assert.Empty(t, st.Transactions("123"))
	assert.Empty(t, st.ImportHistory)
}

func TestUndo_WithinWindow(t *testing.T) {
	c, clock, _ := newTestController(t)
	ctx := context.Background()

	_, err := c.ApplyPatch(ctx, patchFor("keep", "123", "2025-07-01"))
	require.NoError(t, err)
	_, err = c.ApplyPatch(ctx, withSavings(patchFor("s1", "123", "2025-08-03", "2025-08-05"), "2025-08"))
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	out, err := c.UndoStagedImport(ctx, "123", "s1")
	require.NoError(t, err)
	assert.Equal(t, UndoOutcome{Result: UndoDone, Removed: 2}, out)

	st, _ := c.Snapshot(ctx)
	require.Len(t, st.Transactions("123"), 1)
	assert.Equal(t, "keep", st.Transactions("123")[0].ImportSessionID)
	assert.Empty(t, st.PendingSavingsByAccount["123"])

	v := sessionView(t, c, "123", "s1")
	assert.Equal(t, StatusUndone, v.Status)
	require.NotNil(t, v.UndoneAt)
	assert.Equal(t, clock.now, *v.UndoneAt)
	assertConserved(t, v)

	again, err := c.UndoStagedImport(ctx, "123", "s1")
	require.NoError(t, err)
	assert.Equal(t, UndoAlreadyUndone, again.Result)
}

func TestUndo_AfterWindowIsNoop(t *testing.T) {
	c, clock, _ := newTestController(t)
	ctx := context.Background()

	_, err := c.ApplyPatch(ctx, patchFor("s1", "123", "2025-08-03", "2025-08-05", "2025-08-09"))
	require.NoError(t, err)

	clock.Advance(31 * time.Minute)
	v := sessionView(t, c, "123", "s1")
	assert.False(t, v.CanUndo)
	assert.Equal(t, StatusExpired, v.Status)

	out, err := c.UndoStagedImport(ctx, "123", "s1")
	require.NoError(t, err)
	assert.Equal(t, UndoWindowExpired, out.Result)
	assert.Zero(t, out.Removed)

	after := sessionView(t, c, "123", "s1")
	assert.Equal(t, 3, after.Staged)
	assert.Nil(t, after.UndoneAt)
}

func TestUndo_NeverRemovesAppliedTransactions(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()

	_, err := c.ApplyPatch(ctx, patchFor("s1", "123", "2025-07-30", "2025-08-03"))
	require.NoError(t, err)

	applied, err := c.MarkBudgetApplied(ctx, "123", []string{"2025-07"})
	require.NoError(t, err)
	assert.Equal(t, 1, applied.Applied)

	out, err := c.UndoStagedImport(ctx, "123", "s1")
	require.NoError(t, err)
	assert.Equal(t, UndoOutcome{Result: UndoDone, Removed: 1}, out)

	v := sessionView(t, c, "123", "s1")
	assert.Equal(t, StatusPartialUndone, v.Status)
	assert.Equal(t, 1, v.Applied)
	assertConserved(t, v)
}

func TestUndo_NothingStagedTakesPrecedence(t *testing.T) {
	c, clock, _ := newTestController(t)
	ctx := context.Background()

	_, err := c.ApplyPatch(ctx, patchFor("s1", "123", "2025-08-03"))
	require.NoError(t, err)
	_, err = c.MarkBudgetApplied(ctx, "123", nil)
	require.NoError(t, err)

	out, err := c.UndoStagedImport(ctx, "123", "s1")
	require.NoError(t, err)
	assert.Equal(t, UndoNothingStaged, out.Result)

	clock.Advance(time.Hour)
	out, err = c.UndoStagedImport(ctx, "123", "s1")
	require.NoError(t, err)
	assert.Equal(t, UndoNothingStaged, out.Result)

	assert.Equal(t, StatusApplied, sessionView(t, c, "123", "s1").Status)
}

func TestUndo_NotFound(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()

	_, err := c.ApplyPatch(ctx, patchFor("s1", "123", "2025-08-03"))
	require.NoError(t, err)

	out, err := c.UndoStagedImport(ctx, "999", "s1")
	require.NoError(t, err)
	assert.Equal(t, UndoNotFound, out.Result)

	out, err = c.UndoStagedImport(ctx, "123", "missing")
	require.NoError(t, err)
	assert.Equal(t, UndoNotFound, out.Result)
}

func TestMarkBudgetApplied_RoutesSavingsInLockstep(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()

	p := withSavings(withSavings(patchFor("s1", "123", "2025-07-15", "2025-08-03"), "2025-07"), "2025-08")
	_, err := c.ApplyPatch(ctx, p)
	require.NoError(t, err)

	out, err := c.MarkBudgetApplied(ctx, "123", []string{"2025-08"})
	require.NoError(t, err)
	assert.Equal(t, ApplyOutcome{Applied: 1, SavingsRouted: 1}, out)

	st, _ := c.Snapshot(ctx)
	require.Len(t, st.SavingsReviewQueue, 1)
	assert.Equal(t, "2025-08", st.SavingsReviewQueue[0].Month)
	require.Len(t, st.PendingSavingsByAccount["123"], 1)
	assert.Equal(t, "2025-07", st.PendingSavingsByAccount["123"][0].Month)

	for _, tx := range st.Transactions("123") {
		if tx.Month() == "2025-08" {
			assert.True(t, tx.BudgetApplied)
			assert.False(t, tx.Staged)
			assert.False(t, tx.AutoApplied)
		} else {
			assert.True(t, tx.Staged)
		}
	}

	v := sessionView(t, c, "123", "s1")
	assert.Equal(t, StatusActive, v.Status)
	assertConserved(t, v)

	out, err = c.MarkBudgetApplied(ctx, "123", nil)
	require.NoError(t, err)
	assert.Equal(t, ApplyOutcome{Applied: 1, SavingsRouted: 1}, out)
	assert.Equal(t, StatusApplied, sessionView(t, c, "123", "s1").Status)

	out, err = c.MarkBudgetApplied(ctx, "123", nil)
	require.NoError(t, err)
	assert.Zero(t, out.Applied)
}

func TestMarkBudgetApplied_NoopIsCountedSeparately(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()

	ok := observability.StagingTransitions.WithLabelValues("budget_apply", "ok")
	noop := observability.StagingTransitions.WithLabelValues("budget_apply", "noop")
	okBefore, noopBefore := testutil.ToFloat64(ok), testutil.ToFloat64(noop)

	out, err := c.MarkBudgetApplied(ctx, "123", []string{"2025-08"})
	require.NoError(t, err)
	assert.Equal(t, ApplyOutcome{}, out)
	assert.Equal(t, okBefore, testutil.ToFloat64(ok))
	assert.Equal(t, noopBefore+1, testutil.ToFloat64(noop))

	_, err = c.ApplyPatch(ctx, patchFor("s1", "123", "2025-08-03"))
	require.NoError(t, err)
	_, err = c.MarkBudgetApplied(ctx, "123", []string{"2025-08"})
	require.NoError(t, err)
	assert.Equal(t, okBefore+1, testutil.ToFloat64(ok))
	assert.Equal(t, noopBefore+1, testutil.ToFloat64(noop))
}

func TestProcessPendingSavingsForAccount(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()

	_, err := c.ApplyPatch(ctx, withSavings(withSavings(patchFor("s1", "123", "2025-07-15"), "2025-07"), "2025-08"))
	require.NoError(t, err)

	routed, err := c.ProcessPendingSavingsForAccount(ctx, "123", []string{"2025-07"})
	require.NoError(t, err)
	assert.Equal(t, 1, routed)

	routed, err = c.ProcessPendingSavingsForAccount(ctx, "123", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, routed)

	review, err := c.SavingsReview(ctx)
	require.NoError(t, err)
	require.Len(t, review, 2)

	require.NoError(t, c.ResolveSavingsReview(ctx, review[0].ID))
	assert.ErrorIs(t, c.ResolveSavingsReview(ctx, review[0].ID), common.ErrNotFound)

	review, _ = c.SavingsReview(ctx)
	assert.Len(t, review, 1)
}

func TestExpireOldStagedTransactions(t *testing.T) {
	c, clock, _ := newTestController(t)
	c.settings = func() Settings {
		s := DefaultSettings()
		s.HistoryMaxAge = 90 * 24 * time.Hour
		return s
	}
	ctx := context.Background()

	_, err := c.ApplyPatch(ctx, withSavings(patchFor("old", "123", "2025-07-01", "2025-07-02"), "2025-07"))
	require.NoError(t, err)

	clock.Advance(31 * 24 * time.Hour)
	_, err = c.ApplyPatch(ctx, patchFor("fresh", "123", "2025-08-20"))
	require.NoError(t, err)

	out, err := c.ExpireOldStagedTransactions(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Expired)
	assert.Equal(t, []string{"old"}, out.Sessions)
	assert.Equal(t, 1, out.SavingsRouted)

	st, _ := c.Snapshot(ctx)
	for _, tx := range st.Transactions("123") {
		if tx.ImportSessionID == "old" {
			assert.True(t, tx.BudgetApplied)
			assert.True(t, tx.AutoApplied)
			assert.False(t, tx.Staged)
		} else {
			assert.True(t, tx.Staged)
		}
	}
	assert.Len(t, st.SavingsReviewQueue, 1)

	assert.Equal(t, StatusApplied, sessionView(t, c, "123", "old").Status)
	assert.Equal(t, StatusActive, sessionView(t, c, "123", "fresh").Status)

	again, err := c.ExpireOldStagedTransactions(ctx, 30)
	require.NoError(t, err)
	assert.Zero(t, again.Expired)
}

func TestExpire_PrunedSessionsAreExpired(t *testing.T) {
	c, _, repo := newTestController(t)
	ctx := context.Background()

	_, err := c.ApplyPatch(ctx, patchFor("s1", "123", "2025-08-03"))
	require.NoError(t, err)
	require.NoError(t, repo.Update(ctx, func(st *common.State) error {
		st.ImportHistory = nil
		return nil
	}))

	out, err := c.ExpireOldStagedTransactions(ctx, UseConfiguredMaxAge)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Expired)
}

func TestExpire_MaxAgeZeroExpiresEverything(t *testing.T) {
	c, clock, _ := newTestController(t)
	ctx := context.Background()

	_, err := c.ApplyPatch(ctx, patchFor("s1", "123", "2025-08-03", "2025-08-04"))
	require.NoError(t, err)
	clock.Advance(time.Minute)

	out, err := c.ExpireOldStagedTransactions(ctx, UseConfiguredMaxAge)
	require.NoError(t, err)
	assert.Zero(t, out.Expired)

	out, err = c.ExpireOldStagedTransactions(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Expired)
	assert.Equal(t, []string{"s1"}, out.Sessions)
}

func TestManifest(t *testing.T) {
	c, clock, _ := newTestController(t)
	ctx := context.Background()

	warning, err := c.CheckManifest(ctx, "abc", "123")
	require.NoError(t, err)
	assert.Nil(t, warning)

	meta := common.ManifestMeta{Size: 42, SampleName: "aug.csv", NewCount: 3}
	require.NoError(t, c.RegisterManifest(ctx, "abc", "123", meta))

	clock.Advance(time.Hour)
	require.NoError(t, c.RegisterManifest(ctx, "abc", "123", common.ManifestMeta{Size: 42, DupesExisting: 3}))

	warning, err = c.CheckManifest(ctx, "abc", "123")
	require.NoError(t, err)
	require.NotNil(t, warning)
	assert.Equal(t, t0, warning.FirstImportedAt)
	assert.Equal(t, t0.Add(time.Hour), warning.LastImportedAt)
	assert.Equal(t, 3, warning.Dupes)

	other, err := c.CheckManifest(ctx, "abc", "456")
	require.NoError(t, err)
	assert.Nil(t, other, "the warning is per account")
}

func TestExportSessionsCSV(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()

	_, err := c.ApplyPatch(ctx, withSavings(patchFor("s1", "123", "2025-08-03", "2025-08-05"), "2025-08"))
	require.NoError(t, err)
	_, err = c.ApplyPatch(ctx, patchFor("s2", "456", "2025-08-04"))
	require.NoError(t, err)
	_, err = c.MarkBudgetApplied(ctx, "123", nil)
	require.NoError(t, err)

	views, err := c.Sessions(ctx, "")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, ExportSessionsCSV(&buf, FilterSessions(views, []string{"s1"})))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, []string{"sessionId", "account", "newCount", "staged", "applied", "removed", "savingsCount", "importedAt"}, records[0])
	assert.Equal(t, []string{"s1", "123", "2", "0", "2", "0", "1", "2025-08-10T12:00:00Z"}, records[1])
}
