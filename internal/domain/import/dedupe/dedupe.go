// Package dedupe partitions incoming transactions into new ones, duplicates
// of already persisted transactions and duplicates within the same file.
package dedupe

import (
	"fmt"

	"github.com/FACorreiaa/echo-ledger/internal/domain/common"
	"github.com/FACorreiaa/echo-ledger/internal/domain/import/keys"
)

// Result of a dedupe pass. Accepted keeps the incoming order.
type Result struct {
	Accepted       []common.Transaction
	DupesExisting  int
	DupesIntraFile int
	Errors         []common.RowError
}

// Dedupe builds the existing key set and walks incoming in order; the first
// occurrence of a key wins. Neither input is modified.
func Dedupe(existing, incoming []common.Transaction) Result {
	return DedupeKeyed(keys.Set(existing), incoming, nil)
}

// DedupeKeyed is Dedupe with a precomputed existing key set and, optionally,
// precomputed keys for incoming (same length and order). existingKeys is not modified.
func DedupeKeyed(existingKeys map[string]struct{}, incoming []common.Transaction, incomingKeys []string) Result {
	res := Result{Accepted: make([]common.Transaction, 0, len(incoming))}
	seen := make(map[string]int, len(incoming))

	for i, tx := range incoming {
		var key string
		if incomingKeys != nil {
			key = incomingKeys[i]
		} else {
			key = keys.Build(tx)
		}

		if _, ok := existingKeys[key]; ok {
			res.DupesExisting++
			res.Errors = append(res.Errors, common.RowError{
				Line:    line(tx),
				Kind:    common.KindDuplicate,
				Reason:  "existing",
				Message: "transaction already imported for this account",
			})
			continue
		}
		if first, ok := seen[key]; ok {
			res.DupesIntraFile++
			res.Errors = append(res.Errors, common.RowError{
				Line:    line(tx),
				Kind:    common.KindDuplicate,
				Reason:  "intra_file",
				Message: fmt.Sprintf("duplicate of line %d", first),
			})
			continue
		}

		seen[key] = line(tx)
		res.Accepted = append(res.Accepted, tx)
	}
	return res
}

func line(tx common.Transaction) int {
	if tx.Original == nil {
		return 0
	}
	return tx.Original.Line
}
