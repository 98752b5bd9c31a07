// Package matching decides which submitted payment instruction a bank
// transaction settles. It is pure: callers load candidates and persist the
// decision.
package matching

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/texttheater/golang-levenshtein/levenshtein"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"sepa-collections-backend/internal/models"
)

const DefaultWindowDays = 5

const (
	RuleExact = "exact_reference"
	RuleFuzzy = "fuzzy_name_date"
	RuleNone  = "none"
)

// Candidate is an outstanding instruction with the debtor's surname.
type Candidate struct {
	Instruction models.PaymentInstruction
	Surname     string
}

// Details is the audit record stored with every decision.
type Details struct {
	Rule              string   `json:"rule"`
	Decision          string   `json:"decision"`
	TransactionAmount int64    `json:"transaction_amount"`
	CandidateCount    int      `json:"candidate_count"`
	AmountMatches     int      `json:"amount_matches"`
	InstructionID     string   `json:"instruction_id,omitempty"`
	Reference         string   `json:"reference,omitempty"`
	DayDistance       *int     `json:"day_distance,omitempty"`
	NameSimilarity    *float64 `json:"name_similarity,omitempty"`
	Ambiguous         []string `json:"ambiguous_candidates,omitempty"`
	WindowDays        int      `json:"window_days"`
}

type Decision struct {
	Confidence  models.MatchConfidence
	Instruction *models.PaymentInstruction
	Details     Details
}

// Matched reports whether the decision picked an instruction.
func (d Decision) Matched() bool { return d.Instruction != nil }

// AmbiguousMatchError means several candidates fit equally well. The
// transaction must be resolved by an operator.
type AmbiguousMatchError struct {
	TransactionID uuid.UUID
	Rule          string
	Candidates    []uuid.UUID
}

func (e *AmbiguousMatchError) Error() string {
	return fmt.Sprintf("transaction %s: %d candidates for %s match", e.TransactionID, len(e.Candidates), e.Rule)
}

type Engine struct {
	windowDays int
}

func NewEngine(windowDays int) *Engine {
	if windowDays < 0 {
		windowDays = DefaultWindowDays
	}
	return &Engine{windowDays: windowDays}
}

// Match applies the exact rule, then the fuzzy rule. The first rule with any
// hit decides: one hit matches, more than one is an *AmbiguousMatchError.
// No hit leaves the transaction unmatched with a nil error.
func (e *Engine) Match(tx models.BankTransaction, candidates []Candidate) (Decision, error) {
	amount := abs(tx.Amount)
	details := Details{
		Rule:              RuleNone,
		Decision:          string(models.TxUnmatched),
		TransactionAmount: tx.Amount,
		CandidateCount:    len(candidates),
		WindowDays:        e.windowDays,
	}

	var sameAmount []Candidate
	for _, c := range candidates {
		if c.Instruction.State == models.InstructionSubmitted && c.Instruction.Amount == amount && amount > 0 {
			sameAmount = append(sameAmount, c)
		}
	}
	details.AmountMatches = len(sameAmount)
	if len(sameAmount) == 0 {
		return Decision{Details: details}, nil
	}

	// 1. Exact: reference quoted in the remittance text as whole tokens, so
	// CHG-1 does not hit "CHG-10".
	description := fold(tx.Description)
	var exact []Candidate
	for _, c := range sameAmount {
		ref := fold(c.Instruction.Reference)
		if ref != "" && containsWords(description, ref) {
			exact = append(exact, c)
		}
	}
	if len(exact) > 0 {
		return e.decide(tx, RuleExact, models.ConfidenceExact, exact, details)
	}

	// 2. Fuzzy: close to the collection date and paid by the owner.
	counterparty := fold(tx.CounterpartyName)
	var fuzzy []Candidate
	for _, c := range sameAmount {
		if dayDistance(tx.TransactionDate, c.Instruction.DueDate) > e.windowDays {
			continue
		}
		surname := fold(c.Surname)
		if surname == "" || !containsWords(counterparty, surname) {
			continue
		}
		fuzzy = append(fuzzy, c)
	}
	if len(fuzzy) > 0 {
		return e.decide(tx, RuleFuzzy, models.ConfidenceFuzzy, fuzzy, details)
	}

	return Decision{Details: details}, nil
}

func (e *Engine) decide(tx models.BankTransaction, rule string, confidence models.MatchConfidence, hits []Candidate, details Details) (Decision, error) {
	details.Rule = rule

	if len(hits) > 1 {
		ids := make([]uuid.UUID, 0, len(hits))
		for _, c := range hits {
			ids = append(ids, c.Instruction.ID)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
		for _, id := range ids {
			details.Ambiguous = append(details.Ambiguous, id.String())
		}
		details.Decision = string(models.TxDisputed)
		return Decision{Details: details}, &AmbiguousMatchError{TransactionID: tx.ID, Rule: rule, Candidates: ids}
	}

	hit := hits[0]
	inst := hit.Instruction
	days := dayDistance(tx.TransactionDate, inst.DueDate)
	similarity := nameSimilarity(tx.CounterpartyName, hit.Surname)

	details.Decision = string(models.TxMatched)
	details.InstructionID = inst.ID.String()
	details.Reference = inst.Reference
	details.DayDistance = &days
	details.NameSimilarity = &similarity

	return Decision{Confidence: confidence, Instruction: &inst, Details: details}, nil
}

// fold lowercases, strips diacritics and reduces punctuation to single spaces.
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC, cases.Fold())
	out, _, err := transform.String(t, s)
	if err != nil {
		out = strings.ToLower(s)
	}
	out = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return ' '
	}, out)
	return strings.Join(strings.Fields(out), " ")
}

// containsWords reports whether needle appears in haystack on word
// boundaries, so "martin" does not hit "martinez".
func containsWords(haystack, needle string) bool {
	return strings.Contains(" "+haystack+" ", " "+needle+" ")
}

func dayDistance(a, b time.Time) int {
	da := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	db := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(math.Abs(da.Sub(db).Hours() / 24))
}

// nameSimilarity scores 0..1 how closely the counterparty carries the
// surname: the best Levenshtein ratio over counterparty word windows as wide
// as the surname.
func nameSimilarity(counterparty, surname string) float64 {
	cp := strings.Fields(fold(counterparty))
	sn := []rune(fold(surname))
	if len(cp) == 0 || len(sn) == 0 {
		return 0
	}
	width := len(strings.Fields(string(sn)))
	if width > len(cp) {
		width = len(cp)
	}
	best := 0.0
	for i := 0; i+width <= len(cp); i++ {
		window := []rune(strings.Join(cp[i:i+width], " "))
		if r := levenshtein.RatioForStrings(window, sn, levenshtein.DefaultOptions); r > best {
			best = r
		}
	}
	return math.Round(best*100) / 100
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
