package categorizer

import (
	"regexp"
	"strings"

	"github.com/FACorreiaa/echo-ledger/internal/domain/common"
)

var (
	dateToken   = regexp.MustCompile(`\b\d{1,4}[-/.]\d{1,2}(?:[-/.]\d{1,4})?\b`)
	longNumber  = regexp.MustCompile(`\d{3,}`)
	punctuation = regexp.MustCompile(`[^\p{L}\p{N}&\s]+`)
)

// VendorKey is the consensus grouping key. It lower-cases the description,
// drops date-like tokens, digit runs of three or more (store numbers, card
// suffixes, references) and punctuation other than '&', then collapses whitespace.
//
//	"WOODMANS #0412 MADISON WI 08/03" -> "woodmans madison wi"
func VendorKey(description string) string {
	s := strings.ToLower(description)
	s = dateToken.ReplaceAllString(s, " ")
	s = longNumber.ReplaceAllString(s, " ")
	s = punctuation.ReplaceAllString(s, " ")
	return strings.Join(strings.Fields(s), " ")
}

// ApplyConsensus propagates provided categories to uncategorized members of
// the same vendor group. The winner is the most frequent provided category,
// ties going to the one seen first. It returns the number of transactions
// that received a consensus category.
func ApplyConsensus(txs []common.Transaction) int {
	type tally struct {
		counts map[string]int
		order  []string
	}
	groups := make(map[string]*tally)

	for _, tx := range txs {
		if tx.CategorySource != common.SourceProvided {
			continue
		}
		key := VendorKey(tx.Description)
		if key == "" {
			continue
		}
		g, ok := groups[key]
		if !ok {
			g = &tally{counts: make(map[string]int)}
			groups[key] = g
		}
		if g.counts[tx.Category] == 0 {
			g.order = append(g.order, tx.Category)
		}
		g.counts[tx.Category]++
	}
	if len(groups) == 0 {
		return 0
	}

	winners := make(map[string]string, len(groups))
	for key, g := range groups {
		best := g.order[0]
		for _, c := range g.order[1:] {
			if g.counts[c] > g.counts[best] {
				best = c
			}
		}
		winners[key] = best
	}

	assigned := 0
	for i := range txs {
		if !txs[i].Uncategorized() {
			continue
		}
		if cat, ok := winners[VendorKey(txs[i].Description)]; ok {
			txs[i].Category = cat
			txs[i].CategorySource = common.SourceConsensus
			assigned++
		}
	}
	return assigned
}
