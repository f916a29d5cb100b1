package common

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stagedTx(id, date string) Transaction {
	return Transaction{
		ID:              id,
		Date:            date,
		RawAmount:       decimal.NewFromInt(-10),
		Amount:          decimal.NewFromInt(10),
		Type:            TypeExpense,
		AccountNumber:   "111",
		Staged:          true,
		ImportSessionID: "s1",
	}
}

func TestPatchApply_CreatesAccountAndSortsByDate(t *testing.T) {
	prior := NewState()
	p := Patch{
		AccountNumber: "111",
		SessionID:     "s1",
		AppendTransactions: []Transaction{
			stagedTx("b", "2025-08-09"),
			stagedTx("a", "2025-08-03"),
		},
		Session: ImportSession{SessionID: "s1", AccountNumber: "111", NewCount: 2, ImportedAt: time.Now()},
	}

	next := p.Apply(prior)

	require.Contains(t, next.Accounts, "111")
	txs := next.Transactions("111")
	require.Len(t, txs, 2)
	assert.Equal(t, "a", txs[0].ID)
	assert.Equal(t, "b", txs[1].ID)
	require.Len(t, next.ImportHistory, 1)
	assert.Equal(t, "s1", next.ImportHistory[0].SessionID)

	assert.Empty(t, prior.Accounts, "prior state must not be touched")
	assert.Empty(t, prior.ImportHistory)
}

func TestPatchApply_PreviewLeavesExistingAccountIntact(t *testing.T) {
	prior := NewState()
	prior.Account("111").Transactions = []Transaction{stagedTx("old", "2025-08-05")}

	p := Patch{
		AccountNumber:      "111",
		AppendTransactions: []Transaction{stagedTx("new", "2025-08-01")},
		PendingSavings:     []PendingSavingsEntry{{ID: "p1", ImportSessionID: "s1"}},
	}
	next := p.Apply(prior)

	assert.Len(t, prior.Transactions("111"), 1)
	assert.Empty(t, prior.PendingSavingsByAccount["111"])

	txs := next.Transactions("111")
	require.Len(t, txs, 2)
	assert.Equal(t, "new", txs[0].ID)
	assert.Len(t, next.PendingSavingsByAccount["111"], 1)
	assert.Empty(t, next.ImportHistory, "patch without session id records no ledger entry")
}

func TestStateClone_IsDeep(t *testing.T) {
	s := NewState()
	undone := time.Now()
	s.ImportHistory = []ImportSession{{SessionID: "s1", UndoneAt: &undone}}
	s.ImportManifests["h"] = &ImportManifest{Accounts: map[string]ManifestAccount{"111": {NewCount: 1}}}
	s.Account("111").Transactions = []Transaction{stagedTx("a", "2025-01-01")}

	c := s.Clone()
	c.Accounts["111"].Transactions[0].Staged = false
	c.ImportManifests["h"].Accounts["111"] = ManifestAccount{NewCount: 9}
	*c.ImportHistory[0].UndoneAt = undone.Add(time.Hour)

	assert.True(t, s.Accounts["111"].Transactions[0].Staged)
	assert.Equal(t, 1, s.ImportManifests["h"].Accounts["111"].NewCount)
	assert.Equal(t, undone, *s.ImportHistory[0].UndoneAt)
}

func TestRawRowLookup(t *testing.T) {
	row := RawRow{Line: 2, Fields: map[string]string{" Description ": " Coffee ", "Amount": "-2.50"}}

	v, ok := row.Lookup("description")
	require.True(t, ok)
	assert.Equal(t, "Coffee", v)

	v, ok = row.Lookup("amt", "Amount")
	require.True(t, ok)
	assert.Equal(t, "-2.50", v)

	_, ok = row.Lookup("balance")
	assert.False(t, ok)
}
