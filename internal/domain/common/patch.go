package common

import (
	"sort"
)

// Patch is the declarative diff produced by an ingestion run. Applying it appends
// the staged transactions to one account, records the ledger entry and queues the
// pending savings entries, all in one step.
type Patch struct {
	AccountNumber      string                `json:"accountNumber"`
	SessionID          string                `json:"sessionId"`
	AppendTransactions []Transaction         `json:"appendTransactions"`
	Session            ImportSession         `json:"session"`
	PendingSavings     []PendingSavingsEntry `json:"pendingSavings"`
}

// Apply returns a new state with the patch applied. prior is never modified, so
// Apply doubles as a preview against the live state.
func (p Patch) Apply(prior *State) *State {
	next := prior.Clone()
	acct := next.Account(p.AccountNumber)

	txs := make([]Transaction, 0, len(acct.Transactions)+len(p.AppendTransactions))
	txs = append(txs, acct.Transactions...)
	txs = append(txs, p.AppendTransactions...)
	sort.SliceStable(txs, func(i, j int) bool {
		return txs[i].Date < txs[j].Date
	})
	acct.Transactions = txs

	if p.Session.SessionID != "" {
		next.ImportHistory = append([]ImportSession{p.Session}, next.ImportHistory...)
	}
	if len(p.PendingSavings) > 0 {
		next.PendingSavingsByAccount[p.AccountNumber] = append(
			next.PendingSavingsByAccount[p.AccountNumber], p.PendingSavings...)
	}
	return next
}
