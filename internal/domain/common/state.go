package common

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account owns a list of transactions.
type Account struct {
	Number       string        `json:"number"`
	Transactions []Transaction `json:"transactions"`
}

// ImportSession is the immutable audit record of one applied ingestion.
// Only undo mutates it, by setting UndoneAt and Removed.
type ImportSession struct {
	SessionID      string     `json:"sessionId"`
	AccountNumber  string     `json:"accountNumber"`
	ImportedAt     time.Time  `json:"importedAt"`
	NewCount       int        `json:"newCount"`
	DupesExisting  int        `json:"dupesExisting"`
	DupesIntraFile int        `json:"dupesIntraFile"`
	SavingsCount   int        `json:"savingsCount"`
	Hash           string     `json:"hash"`
	UndoneAt       *time.Time `json:"undoneAt,omitempty"`
	Removed        int        `json:"removed,omitempty"`
}

// ManifestAccount records one import of a file for one account.
type ManifestAccount struct {
	ImportedAt time.Time `json:"importedAt"`
	NewCount   int       `json:"newCount"`
	Dupes      int       `json:"dupes"`
}

// ImportManifest is keyed by file content hash in State.ImportManifests.
type ImportManifest struct {
	FirstImportedAt time.Time                  `json:"firstImportedAt"`
	Size            int64                      `json:"size"`
	SampleName      string                     `json:"sampleName,omitempty"`
	Accounts        map[string]ManifestAccount `json:"accounts"`
}

// ManifestMeta describes one ingestion of a file for the manifest.
type ManifestMeta struct {
	Size           int64
	SampleName     string
	NewCount       int
	DupesExisting  int
	DupesIntraFile int
}

// PendingSavingsEntry is a transaction provisionally classified as a savings
// transfer, waiting for the user to link it to a goal.
type PendingSavingsEntry struct {
	ID              string          `json:"id"`
	TransactionID   string          `json:"transactionId"`
	AccountNumber   string          `json:"accountNumber"`
	Month           string          `json:"month"`
	Date            string          `json:"date"`
	Amount          decimal.Decimal `json:"amount"`
	Name            string          `json:"name"`
	ImportSessionID string          `json:"importSessionId"`
}

// State is the persisted document the staging ledger operates on.
type State struct {
	Accounts                map[string]*Account              `json:"accounts"`
	ImportHistory           []ImportSession                  `json:"importHistory"` // newest first
	ImportManifests         map[string]*ImportManifest       `json:"importManifests"`
	PendingSavingsByAccount map[string][]PendingSavingsEntry `json:"pendingSavingsByAccount"`
	SavingsReviewQueue      []PendingSavingsEntry            `json:"savingsReviewQueue"`
}

// NewState returns an empty state with all maps initialized.
func NewState() *State {
	s := &State{}
	s.ensureMaps()
	return s
}

func (s *State) ensureMaps() {
	if s.Accounts == nil {
		s.Accounts = make(map[string]*Account)
	}
	if s.ImportManifests == nil {
		s.ImportManifests = make(map[string]*ImportManifest)
	}
	if s.PendingSavingsByAccount == nil {
		s.PendingSavingsByAccount = make(map[string][]PendingSavingsEntry)
	}
}

// Normalize initializes nil maps, e.g. after decoding a stored document.
func (s *State) Normalize() { s.ensureMaps() }

// Clone returns a deep copy. Original rows are shared; they are never mutated.
func (s *State) Clone() *State {
	if s == nil {
		return NewState()
	}
	out := &State{
		Accounts:                make(map[string]*Account, len(s.Accounts)),
		ImportHistory:           make([]ImportSession, len(s.ImportHistory)),
		ImportManifests:         make(map[string]*ImportManifest, len(s.ImportManifests)),
		PendingSavingsByAccount: make(map[string][]PendingSavingsEntry, len(s.PendingSavingsByAccount)),
		SavingsReviewQueue:      append([]PendingSavingsEntry(nil), s.SavingsReviewQueue...),
	}
	for k, acct := range s.Accounts {
		if acct == nil {
			continue
		}
		out.Accounts[k] = &Account{
			Number:       acct.Number,
			Transactions: append([]Transaction(nil), acct.Transactions...),
		}
	}
	for i, sess := range s.ImportHistory {
		if sess.UndoneAt != nil {
			at := *sess.UndoneAt
			sess.UndoneAt = &at
		}
		out.ImportHistory[i] = sess
	}
	for k, m := range s.ImportManifests {
		if m == nil {
			continue
		}
		cp := *m
		cp.Accounts = make(map[string]ManifestAccount, len(m.Accounts))
		for a, v := range m.Accounts {
			cp.Accounts[a] = v
		}
		out.ImportManifests[k] = &cp
	}
	for k, entries := range s.PendingSavingsByAccount {
		out.PendingSavingsByAccount[k] = append([]PendingSavingsEntry(nil), entries...)
	}
	return out
}

// Account returns the account with the given number, creating it when missing.
func (s *State) Account(number string) *Account {
	s.ensureMaps()
	acct, ok := s.Accounts[number]
	if !ok || acct == nil {
		acct = &Account{Number: number}
		s.Accounts[number] = acct
	}
	return acct
}

// Transactions returns the transactions of an account, or nil when it does not exist.
func (s *State) Transactions(number string) []Transaction {
	if s == nil || s.Accounts == nil {
		return nil
	}
	if acct, ok := s.Accounts[number]; ok && acct != nil {
		return acct.Transactions
	}
	return nil
}

// Session returns a pointer into ImportHistory for the given id.
func (s *State) Session(sessionID string) (*ImportSession, bool) {
	for i := range s.ImportHistory {
		if s.ImportHistory[i].SessionID == sessionID {
			return &s.ImportHistory[i], true
		}
	}
	return nil, false
}
