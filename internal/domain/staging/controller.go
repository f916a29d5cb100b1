package staging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/FACorreiaa/echo-ledger/internal/domain/common"
	"github.com/FACorreiaa/echo-ledger/internal/domain/import/keys"
	"github.com/FACorreiaa/echo-ledger/internal/domain/import/repository"
	"github.com/FACorreiaa/echo-ledger/pkg/observability"
)

// UseConfiguredMaxAge asks ExpireOldStagedTransactions for the configured
// StagedAutoExpireDays.
const UseConfiguredMaxAge = -1

// errNoChange aborts a repository update without writing.
var errNoChange = errors.New("no change")

// UndoResult tells apart the ways an undo can end.
type UndoResult string

const (
	UndoDone          UndoResult = "undone"
	UndoAlreadyUndone UndoResult = "already-undone"
	UndoWindowExpired UndoResult = "window-expired"
	UndoNothingStaged UndoResult = "nothing-staged"
	UndoNotFound      UndoResult = "not-found"
)

// UndoOutcome is returned by UndoStagedImport. State is unchanged unless Result is UndoDone.
type UndoOutcome struct {
	Result  UndoResult `json:"result"`
	Removed int        `json:"removed"`
}

// ApplyOutcome is returned by MarkBudgetApplied.
type ApplyOutcome struct {
	Applied       int `json:"applied"`
	SavingsRouted int `json:"savingsRouted"`
}

// ExpireOutcome is returned by ExpireOldStagedTransactions.
type ExpireOutcome struct {
	Expired       int      `json:"expired"`
	Sessions      []string `json:"sessions"`
	SavingsRouted int      `json:"savingsRouted"`
}

// ManifestWarning reports that identical content was already imported for an account.
type ManifestWarning struct {
	Hash            string    `json:"hash"`
	AccountNumber   string    `json:"accountNumber"`
	FirstImportedAt time.Time `json:"firstImportedAt"`
	LastImportedAt  time.Time `json:"lastImportedAt"`
	NewCount        int       `json:"newCount"`
	Dupes           int       `json:"dupes"`
}

// SessionView is a ledger entry with its derived status and live counts.
type SessionView struct {
	common.ImportSession
	Status  Status `json:"status"`
	Staged  int    `json:"staged"`
	Applied int    `json:"applied"`
	CanUndo bool   `json:"canUndo"`
}

// Controller is the only writer of the ledger state. Every operation is one
// repository update, so transactions and ledger entries change together.
type Controller struct {
	repo     repository.StateRepository
	settings func() Settings
	now      func() time.Time
	logger   *slog.Logger
}

// NewController creates a controller. settings is called at every decision.
func NewController(repo repository.StateRepository, settings func() Settings, now func() time.Time, logger *slog.Logger) *Controller {
	if settings == nil {
		settings = DefaultSettings
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{repo: repo, settings: settings, now: now, logger: logger}
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot(ctx context.Context) (*common.State, error) {
	return c.repo.Load(ctx)
}

// Preview returns the state the patch would produce without storing it.
func (c *Controller) Preview(ctx context.Context, patch common.Patch) (*common.State, error) {
	st, err := c.repo.Load(ctx)
	if err != nil {
		return nil, err
	}
	patch.Session.ImportedAt = c.now()
	return patch.Apply(st), nil
}

// ApplyPatch stores the patch's staged transactions and its ledger entry in
// one update, then prunes the history. The new session starts active. A patch
// carrying a transaction whose dedupe key is already stored for the account is
// rejected with ErrConflict.
func (c *Controller) ApplyPatch(ctx context.Context, patch common.Patch) (common.ImportSession, error) {
	l := c.logger.With(slog.String("method", "ApplyPatch"), slog.String("session_id", patch.SessionID))

	if patch.SessionID == "" || patch.AccountNumber == "" {
		return common.ImportSession{}, fmt.Errorf("%w: patch needs a session id and an account", common.ErrBadRequest)
	}

	now := c.now()
	patch.Session.SessionID = patch.SessionID
	patch.Session.AccountNumber = patch.AccountNumber
	patch.Session.ImportedAt = now
	patch.Session.NewCount = len(patch.AppendTransactions)

	err := c.repo.Update(ctx, func(st *common.State) error {
		if _, exists := st.Session(patch.SessionID); exists {
			return fmt.Errorf("%w: session %s already applied", common.ErrConflict, patch.SessionID)
		}
		stored := keys.Set(st.Transactions(patch.AccountNumber))
		for _, tx := range patch.AppendTransactions {
			if _, dup := stored[keys.Build(tx)]; dup {
				return fmt.Errorf("%w: transaction %s is already stored for account %s",
					common.ErrConflict, tx.ID, patch.AccountNumber)
			}
		}
		*st = *patch.Apply(st)
		st.ImportHistory = PruneHistory(st.ImportHistory, stagedSessions(st), now, c.settings())
		observability.StagedTransactions.Set(float64(countStaged(st)))
		return nil
	})
	if err != nil {
		observability.StagingTransitions.WithLabelValues("apply_patch", "error").Inc()
		l.ErrorContext(ctx, "failed to apply patch", slog.Any("error", err))
		return common.ImportSession{}, err
	}

	observability.StagingTransitions.WithLabelValues("apply_patch", "ok").Inc()
	l.InfoContext(ctx, "import session applied",
		slog.String("account", patch.AccountNumber),
		slog.Int("new_count", patch.Session.NewCount),
		slog.Int("savings_count", len(patch.PendingSavings)),
	)
	return patch.Session, nil
}

// MarkBudgetApplied flips every staged transaction of the account, optionally
// limited to the given YYYY-MM months, to budget-applied. Pending savings
// entries of the same scope are routed to the review queue in the same update.
func (c *Controller) MarkBudgetApplied(ctx context.Context, accountNumber string, months []string) (ApplyOutcome, error) {
	l := c.logger.With(slog.String("method", "MarkBudgetApplied"), slog.String("account", accountNumber))

	var out ApplyOutcome
	err := c.repo.Update(ctx, func(st *common.State) error {
		out = ApplyOutcome{}
		acct, ok := st.Accounts[accountNumber]
		if ok && acct != nil {
			for i := range acct.Transactions {
				tx := &acct.Transactions[i]
				if !tx.Staged || tx.BudgetApplied || !inMonths(tx.Month(), months) {
					continue
				}
				tx.Staged = false
				tx.BudgetApplied = true
				out.Applied++
			}
		}
		out.SavingsRouted = routePendingSavings(st, accountNumber, func(e common.PendingSavingsEntry) bool {
			return inMonths(e.Month, months)
		})
		if out.Applied == 0 && out.SavingsRouted == 0 {
			return errNoChange
		}
		observability.StagedTransactions.Set(float64(countStaged(st)))
		return nil
	})
	if err != nil && !errors.Is(err, errNoChange) {
		l.ErrorContext(ctx, "failed to mark budget applied", slog.Any("error", err))
		return ApplyOutcome{}, err
	}

	if out.Applied == 0 && out.SavingsRouted == 0 {
		observability.StagingTransitions.WithLabelValues("budget_apply", "noop").Inc()
		l.DebugContext(ctx, "nothing to apply", slog.Any("months", months))
		return out, nil
	}

	observability.StagingTransitions.WithLabelValues("budget_apply", "ok").Inc()
	l.InfoContext(ctx, "budget applied", slog.Int("applied", out.Applied), slog.Int("savings_routed", out.SavingsRouted))
	return out, nil
}

// ProcessPendingSavingsForAccount moves the account's pending savings entries,
// optionally limited to the given months, into the review queue.
func (c *Controller) ProcessPendingSavingsForAccount(ctx context.Context, accountNumber string, months []string) (int, error) {
	var routed int
	err := c.repo.Update(ctx, func(st *common.State) error {
		routed = routePendingSavings(st, accountNumber, func(e common.PendingSavingsEntry) bool {
			return inMonths(e.Month, months)
		})
		if routed == 0 {
			return errNoChange
		}
		return nil
	})
	if err != nil && !errors.Is(err, errNoChange) {
		return 0, err
	}
	return routed, nil
}

// UndoStagedImport removes the still-staged transactions of a session while
// its undo window is open. Budget-applied transactions are never removed.
func (c *Controller) UndoStagedImport(ctx context.Context, accountNumber, sessionID string) (UndoOutcome, error) {
	l := c.logger.With(slog.String("method", "UndoStagedImport"),
		slog.String("account", accountNumber), slog.String("session_id", sessionID))

	var out UndoOutcome
	err := c.repo.Update(ctx, func(st *common.State) error {
		now := c.now()
		sess, ok := st.Session(sessionID)
		if !ok || sess.AccountNumber != accountNumber {
			out = UndoOutcome{Result: UndoNotFound}
			return errNoChange
		}
		if sess.UndoneAt != nil {
			out = UndoOutcome{Result: UndoAlreadyUndone}
			return errNoChange
		}

		txs := st.Transactions(accountNumber)
		if CountSession(sessionID, txs).Staged == 0 {
			out = UndoOutcome{Result: UndoNothingStaged}
			return errNoChange
		}
		if !withinWindow(*sess, now, c.settings()) {
			out = UndoOutcome{Result: UndoWindowExpired}
			return errNoChange
		}

		kept := make([]common.Transaction, 0, len(txs))
		removed := 0
		for _, tx := range txs {
			if tx.ImportSessionID == sessionID && tx.Staged {
				removed++
				continue
			}
			kept = append(kept, tx)
		}
		st.Account(accountNumber).Transactions = kept

		sess.UndoneAt = &now
		sess.Removed = removed

		pending := st.PendingSavingsByAccount[accountNumber]
		st.PendingSavingsByAccount[accountNumber] = slices.DeleteFunc(slices.Clone(pending), func(e common.PendingSavingsEntry) bool {
			return e.ImportSessionID == sessionID
		})

		observability.StagedTransactions.Set(float64(countStaged(st)))
		out = UndoOutcome{Result: UndoDone, Removed: removed}
		return nil
	})
	if err != nil && !errors.Is(err, errNoChange) {
		l.ErrorContext(ctx, "failed to undo import", slog.Any("error", err))
		return UndoOutcome{}, err
	}

	observability.StagingTransitions.WithLabelValues("undo", string(out.Result)).Inc()
	l.InfoContext(ctx, "undo processed", slog.String("result", string(out.Result)), slog.Int("removed", out.Removed))
	return out, nil
}

// ExpireOldStagedTransactions auto-applies every staged transaction whose
// session is older than maxAgeDays, or whose ledger entry is missing. The
// affected sessions' pending savings entries are routed to the review queue.
// UseConfiguredMaxAge uses the configured StagedAutoExpireDays; zero expires
// every staged transaction.
func (c *Controller) ExpireOldStagedTransactions(ctx context.Context, maxAgeDays int) (ExpireOutcome, error) {
	l := c.logger.With(slog.String("method", "ExpireOldStagedTransactions"))
	if maxAgeDays < 0 {
		maxAgeDays = c.settings().StagedAutoExpireDays
	}
	maxAge := time.Duration(maxAgeDays) * 24 * time.Hour

	var out ExpireOutcome
	err := c.repo.Update(ctx, func(st *common.State) error {
		now := c.now()
		out = ExpireOutcome{}

		importedAt := make(map[string]time.Time, len(st.ImportHistory))
		for _, sess := range st.ImportHistory {
			importedAt[sess.SessionID] = sess.ImportedAt
		}

		expired := make(map[string]bool)
		for _, acct := range st.Accounts {
			if acct == nil {
				continue
			}
			for i := range acct.Transactions {
				tx := &acct.Transactions[i]
				if !tx.Staged || tx.BudgetApplied {
					continue
				}
				// Rows whose session has no ledger entry are orphans and always expire.
				at, known := importedAt[tx.ImportSessionID]
				if known && maxAgeDays > 0 && now.Sub(at) <= maxAge {
					continue
				}
				tx.Staged = false
				tx.BudgetApplied = true
				tx.AutoApplied = true
				out.Expired++
				expired[tx.ImportSessionID] = true
			}
		}
		if out.Expired == 0 {
			return errNoChange
		}

		for id := range expired {
			out.Sessions = append(out.Sessions, id)
		}
		slices.Sort(out.Sessions)

		for account := range st.PendingSavingsByAccount {
			out.SavingsRouted += routePendingSavings(st, account, func(e common.PendingSavingsEntry) bool {
				return expired[e.ImportSessionID]
			})
		}
		observability.StagedTransactions.Set(float64(countStaged(st)))
		return nil
	})
	if err != nil && !errors.Is(err, errNoChange) {
		l.ErrorContext(ctx, "failed to expire staged transactions", slog.Any("error", err))
		return ExpireOutcome{}, err
	}

	if out.Expired > 0 {
		observability.StagingTransitions.WithLabelValues("expire", "ok").Add(float64(out.Expired))
		l.InfoContext(ctx, "staged transactions auto-applied",
			slog.Int("expired", out.Expired),
			slog.Int("sessions", len(out.Sessions)),
			slog.Int("max_age_days", maxAgeDays),
		)
	}
	return out, nil
}

// RegisterManifest records that content with the given hash was imported for an account.
func (c *Controller) RegisterManifest(ctx context.Context, hash, accountNumber string, meta common.ManifestMeta) error {
	return c.repo.Update(ctx, func(st *common.State) error {
		now := c.now()
		m, ok := st.ImportManifests[hash]
		if !ok || m == nil {
			m = &common.ImportManifest{
				FirstImportedAt: now,
				Size:            meta.Size,
				SampleName:      meta.SampleName,
				Accounts:        make(map[string]common.ManifestAccount),
			}
			st.ImportManifests[hash] = m
		}
		if m.Accounts == nil {
			m.Accounts = make(map[string]common.ManifestAccount)
		}
		m.Accounts[accountNumber] = common.ManifestAccount{
			ImportedAt: now,
			NewCount:   meta.NewCount,
			Dupes:      meta.DupesExisting + meta.DupesIntraFile,
		}
		return nil
	})
}

// CheckManifest returns a warning when the content was already imported for
// the account, or nil.
func (c *Controller) CheckManifest(ctx context.Context, hash, accountNumber string) (*ManifestWarning, error) {
	st, err := c.repo.Load(ctx)
	if err != nil {
		return nil, err
	}
	m, ok := st.ImportManifests[hash]
	if !ok || m == nil {
		return nil, nil
	}
	prev, ok := m.Accounts[accountNumber]
	if !ok {
		return nil, nil
	}
	return &ManifestWarning{
		Hash:            hash,
		AccountNumber:   accountNumber,
		FirstImportedAt: m.FirstImportedAt,
		LastImportedAt:  prev.ImportedAt,
		NewCount:        prev.NewCount,
		Dupes:           prev.Dupes,
	}, nil
}

// Sessions lists ledger entries newest first with their derived status.
// An empty accountNumber lists every account.
func (c *Controller) Sessions(ctx context.Context, accountNumber string) ([]SessionView, error) {
	st, err := c.repo.Load(ctx)
	if err != nil {
		return nil, err
	}
	now := c.now()
	settings := c.settings()

	views := make([]SessionView, 0, len(st.ImportHistory))
	for _, sess := range st.ImportHistory {
		if accountNumber != "" && sess.AccountNumber != accountNumber {
			continue
		}
		txs := st.Transactions(sess.AccountNumber)
		counts := CountSession(sess.SessionID, txs)
		views = append(views, SessionView{
			ImportSession: sess,
			Status:        RuntimeStatus(sess, txs, now, settings),
			Staged:        counts.Staged,
			Applied:       counts.Applied,
			CanUndo:       CanUndo(sess, txs, now, settings),
		})
	}
	return views, nil
}

// SavingsReview returns the savings entries waiting for review.
func (c *Controller) SavingsReview(ctx context.Context) ([]common.PendingSavingsEntry, error) {
	st, err := c.repo.Load(ctx)
	if err != nil {
		return nil, err
	}
	return st.SavingsReviewQueue, nil
}

// ResolveSavingsReview removes a reviewed entry from the review queue.
func (c *Controller) ResolveSavingsReview(ctx context.Context, entryID string) error {
	return c.repo.Update(ctx, func(st *common.State) error {
		idx := slices.IndexFunc(st.SavingsReviewQueue, func(e common.PendingSavingsEntry) bool {
			return e.ID == entryID
		})
		if idx < 0 {
			return fmt.Errorf("%w: savings review entry %s", common.ErrNotFound, entryID)
		}
		st.SavingsReviewQueue = slices.Delete(slices.Clone(st.SavingsReviewQueue), idx, idx+1)
		return nil
	})
}

// routePendingSavings moves matching entries of one account to the review queue.
func routePendingSavings(st *common.State, accountNumber string, match func(common.PendingSavingsEntry) bool) int {
	pending := st.PendingSavingsByAccount[accountNumber]
	if len(pending) == 0 {
		return 0
	}
	kept := make([]common.PendingSavingsEntry, 0, len(pending))
	routed := 0
	for _, e := range pending {
		if match(e) {
			st.SavingsReviewQueue = append(st.SavingsReviewQueue, e)
			routed++
			continue
		}
		kept = append(kept, e)
	}
	st.PendingSavingsByAccount[accountNumber] = kept
	return routed
}

func inMonths(month string, months []string) bool {
	return len(months) == 0 || slices.Contains(months, month)
}

// stagedSessions returns the ids of sessions that still hold staged transactions.
func stagedSessions(st *common.State) map[string]bool {
	live := make(map[string]bool)
	for _, acct := range st.Accounts {
		if acct == nil {
			continue
		}
		for _, tx := range acct.Transactions {
			if tx.Staged && !tx.BudgetApplied {
				live[tx.ImportSessionID] = true
			}
		}
	}
	return live
}

func countStaged(st *common.State) int {
	n := 0
	for _, acct := range st.Accounts {
		if acct == nil {
			continue
		}
		for _, tx := range acct.Transactions {
			if tx.Staged {
				n++
			}
		}
	}
	return n
}
