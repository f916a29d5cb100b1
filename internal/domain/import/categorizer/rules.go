// Package categorizer assigns categories to normalized transactions from
// provided values, keyword rules, regex rules and cross-row vendor consensus.
package categorizer

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/FACorreiaa/echo-ledger/internal/domain/common"
)

// KeywordRule assigns Category when any keyword is a substring of the description.
type KeywordRule struct {
	Category string   `yaml:"category"`
	Keywords []string `yaml:"keywords"`
}

// RegexRule assigns Category when Pattern matches the description.
type RegexRule struct {
	Pattern  string `yaml:"pattern"`
	Category string `yaml:"category"`
}

// Rules is the categorization rule set, usually loaded from YAML.
type Rules struct {
	Keywords []KeywordRule `yaml:"keywords"`
	Regex    []RegexRule   `yaml:"regex"`
	// SavingsPatterns are description labels of transfers into savings.
	SavingsPatterns []string `yaml:"savingsPatterns"`
	// Uncategorized lists provided values that mean "no category".
	Uncategorized []string `yaml:"uncategorized"`

	compiled []*regexp.Regexp
}

// DefaultRules is used when no rules file is configured.
func DefaultRules() *Rules {
	r := &Rules{
		Keywords: []KeywordRule{
			{Category: "Groceries", Keywords: []string{"grocery", "supermarket", "woodmans", "aldi", "lidl", "continente", "pingo doce"}},
			{Category: "Dining", Keywords: []string{"restaurant", "cafe", "coffee", "starbucks", "mcdonald"}},
			{Category: "Transport", Keywords: []string{"uber", "lyft", "fuel", "gas station", "parking", "galp"}},
			{Category: "Utilities", Keywords: []string{"electric", "water bill", "internet", "edp"}},
			{Category: "Income", Keywords: []string{"direct deposit", "payroll", "salary", "salario"}},
		},
		Regex: []RegexRule{
			{Pattern: `(?i)\bnetflix|spotify|hulu|disney\+`, Category: "Subscriptions"},
			{Pattern: `(?i)\batm\b|withdrawal|levantamento`, Category: "Cash"},
		},
		SavingsPatterns: []string{"tfr to sv", "transfer to savings", "trf poupanca"},
		Uncategorized:   []string{"uncategorized", "uncategorised", "other", "misc", "n/a", "-"},
	}
	if err := r.compile(); err != nil {
		panic(err)
	}
	return r
}

// LoadRules reads a YAML rules file.
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file %s: %w", path, err)
	}
	return ParseRules(data)
}

// ParseRules decodes YAML rules. Sections left empty fall back to the defaults.
func ParseRules(data []byte) (*Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}

	def := DefaultRules()
	if len(r.SavingsPatterns) == 0 {
		r.SavingsPatterns = def.SavingsPatterns
	}
	if len(r.Uncategorized) == 0 {
		r.Uncategorized = def.Uncategorized
	}
	if err := r.compile(); err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *Rules) compile() error {
	r.compiled = make([]*regexp.Regexp, len(r.Regex))
	for i, rule := range r.Regex {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return fmt.Errorf("invalid regex rule %q: %w", rule.Pattern, err)
		}
		r.compiled[i] = re
	}
	return nil
}

// IsUncategorized reports whether a provided category value is empty or a sentinel.
func (r *Rules) IsUncategorized(category string) bool {
	c := strings.ToLower(strings.TrimSpace(category))
	if c == "" {
		return true
	}
	for _, s := range r.Uncategorized {
		if c == strings.ToLower(s) {
			return true
		}
	}
	return false
}

// IsSavings reports whether the description carries a savings transfer label.
func (r *Rules) IsSavings(description string) bool {
	d := strings.ToLower(description)
	for _, p := range r.SavingsPatterns {
		if p != "" && strings.Contains(d, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// Infer sets tx.Category and tx.CategorySource. tx.Category holds the provided
// value, if any, on entry. Transactions left with SourceNone are candidates
// for ApplyConsensus.
func (r *Rules) Infer(tx *common.Transaction) common.CategorySource {
	switch {
	case !r.IsUncategorized(tx.Category):
		tx.Category = strings.TrimSpace(tx.Category)
		tx.CategorySource = common.SourceProvided
	case r.matchKeyword(tx):
		tx.CategorySource = common.SourceKeyword
	case r.matchRegex(tx):
		tx.CategorySource = common.SourceRegex
	default:
		tx.Category = ""
		tx.CategorySource = common.SourceNone
	}
	return tx.CategorySource
}

func (r *Rules) matchKeyword(tx *common.Transaction) bool {
	desc := strings.ToLower(tx.Description)
	for _, rule := range r.Keywords {
		for _, kw := range rule.Keywords {
			if kw != "" && strings.Contains(desc, strings.ToLower(kw)) {
				tx.Category = rule.Category
				return true
			}
		}
	}
	return false
}

func (r *Rules) matchRegex(tx *common.Transaction) bool {
	for i, re := range r.compiled {
		if re.MatchString(tx.Description) {
			tx.Category = r.Regex[i].Category
			return true
		}
	}
	return false
}
