package pipeline

import (
	"errors"
	"fmt"
)

// ErrBudgetExceeded indicates the estimated request size crossed the hard
// limit. Local and synchronous: nothing was dispatched, and the caller must
// reset history before retrying.
var ErrBudgetExceeded = errors.New("token budget exceeded")

// charsPerToken is the character-count heuristic used to approximate token
// cost without a tokenizer round trip.
const charsPerToken = 4

// Default budget limits, in estimated tokens.
const (
	DefaultSoftLimit = 12000
	DefaultHardLimit = 16000
)

// Budget gates outgoing requests on an estimated token cost. The estimate
// is a pure function of current state: no network, no ordering dependence.
type Budget struct {
	// SoftLimit is the warn threshold. Zero means DefaultSoftLimit.
	SoftLimit int

	// HardLimit is the refuse threshold. Zero means DefaultHardLimit.
	HardLimit int
}

// Usage is everything that counts against the budget for one request.
type Usage struct {
	SystemPrompt string
	History      []string // accumulated chat content, user and assistant
	PendingInput string
	Document     string // current draft HTML
}

// Estimate returns the heuristic token cost of u. Monotone in every field:
// growing any input never shrinks the estimate.
func Estimate(u Usage) int {
	chars := len(u.SystemPrompt) + len(u.PendingInput) + len(u.Document)
	for _, h := range u.History {
		chars += len(h)
	}
	return chars / charsPerToken
}

// Verdict is the outcome of a budget check.
type Verdict struct {
	Tokens int
	// Warning is set when the estimate crossed the soft limit but the
	// request may still be sent.
	Warning bool
}

// Check evaluates u against the limits. Returns ErrBudgetExceeded past the
// hard limit; a soft-limit crossing only flags the verdict.
func (b Budget) Check(u Usage) (Verdict, error) {
	soft, hard := b.SoftLimit, b.HardLimit
	if soft <= 0 {
		soft = DefaultSoftLimit
	}
	if hard <= 0 {
		hard = DefaultHardLimit
	}

	tokens := Estimate(u)
	if tokens >= hard {
		return Verdict{Tokens: tokens}, fmt.Errorf(
			"%w: estimated %d tokens, limit %d; reset chat history to continue",
			ErrBudgetExceeded, tokens, hard)
	}
	return Verdict{Tokens: tokens, Warning: tokens >= soft}, nil
}
