// Package staging implements the import session ledger and the staged
// transaction lifecycle: apply, budget-apply, undo and auto-expiry.
package staging

import (
	"time"

	"github.com/FACorreiaa/echo-ledger/internal/domain/common"
)

// Status is the derived runtime state of an import session.
type Status string

const (
	StatusActive         Status = "active"
	StatusExpired        Status = "expired"
	StatusApplied        Status = "applied"
	StatusPartialApplied Status = "partial-applied"
	StatusUndone         Status = "undone"
	StatusPartialUndone  Status = "partial-undone"
)

// Settings are the thresholds read at every decision.
type Settings struct {
	UndoWindow           time.Duration
	HistoryMaxEntries    int
	HistoryMaxAge        time.Duration
	StagedAutoExpireDays int
}

// DefaultSettings returns the built-in thresholds.
func DefaultSettings() Settings {
	return Settings{
		UndoWindow:           30 * time.Minute,
		HistoryMaxEntries:    30,
		HistoryMaxAge:        30 * 24 * time.Hour,
		StagedAutoExpireDays: 30,
	}
}

// Counts is the live state of one session's transactions.
type Counts struct {
	Staged  int
	Applied int
}

// CountSession counts the staged and applied transactions a session introduced.
func CountSession(sessionID string, txs []common.Transaction) Counts {
	var c Counts
	for _, tx := range txs {
		if tx.ImportSessionID != sessionID {
			continue
		}
		switch {
		case tx.Staged:
			c.Staged++
		case tx.BudgetApplied:
			c.Applied++
		}
	}
	return c
}

// RuntimeStatus derives a session's status from its ledger entry and the live
// transactions of its account.
func RuntimeStatus(sess common.ImportSession, txs []common.Transaction, now time.Time, s Settings) Status {
	c := CountSession(sess.SessionID, txs)

	if sess.UndoneAt != nil {
		if sess.Removed >= sess.NewCount {
			return StatusUndone
		}
		return StatusPartialUndone
	}
	if c.Staged > 0 {
		if withinWindow(sess, now, s) {
			return StatusActive
		}
		return StatusExpired
	}
	if c.Applied >= sess.NewCount {
		return StatusApplied
	}
	return StatusPartialApplied
}

// CanUndo reports whether an undo would remove anything right now.
func CanUndo(sess common.ImportSession, txs []common.Transaction, now time.Time, s Settings) bool {
	return sess.UndoneAt == nil &&
		withinWindow(sess, now, s) &&
		CountSession(sess.SessionID, txs).Staged > 0
}

func withinWindow(sess common.ImportSession, now time.Time, s Settings) bool {
	return now.Sub(sess.ImportedAt) <= s.UndoWindow
}

// PruneHistory drops entries older than HistoryMaxAge, then keeps at most
// HistoryMaxEntries of the newest. Entries of sessions in live, those still
// holding staged transactions, are never dropped and count toward the cap.
// history is newest first; zero limits are ignored.
func PruneHistory(history []common.ImportSession, live map[string]bool, now time.Time, s Settings) []common.ImportSession {
	out := make([]common.ImportSession, 0, len(history))
	for _, sess := range history {
		if !live[sess.SessionID] {
			if s.HistoryMaxAge > 0 && now.Sub(sess.ImportedAt) > s.HistoryMaxAge {
				continue
			}
			if s.HistoryMaxEntries > 0 && len(out) >= s.HistoryMaxEntries {
				continue
			}
		}
		out = append(out, sess)
	}
	return out
}
