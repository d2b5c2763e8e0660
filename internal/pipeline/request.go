package pipeline

import (
	"time"

	"github.com/pageforge/pageforge/internal/remote"
)

// Request is the tagged variant of the three mutually exclusive execution
// modes. Each mode owns its state machine; selecting one never leaves
// another mode's partial state behind.
type Request interface {
	isRequest()
	// Usage returns what the request counts against the token budget.
	Usage() Usage
}

// BuildRequest runs the full staged pipeline.
type BuildRequest struct {
	Command      string
	Page         remote.PageMeta
	CurrentHTML  string
	SystemPrompt string
	History      []string
}

func (BuildRequest) isRequest() {}

func (r BuildRequest) Usage() Usage {
	return Usage{
		SystemPrompt: r.SystemPrompt,
		History:      r.History,
		PendingInput: r.Command,
		Document:     r.CurrentHTML,
	}
}

// EditRequest is the single-shot local edit: current document plus one
// instruction, patched in a single remote call.
type EditRequest struct {
	Instruction  string
	Page         remote.PageMeta
	CurrentHTML  string
	SystemPrompt string
	History      []string
}

func (EditRequest) isRequest() {}

func (r EditRequest) Usage() Usage {
	return Usage{
		SystemPrompt: r.SystemPrompt,
		History:      r.History,
		PendingInput: r.Instruction,
		Document:     r.CurrentHTML,
	}
}

// AsyncRequest delegates generation to the external webhook. No result
// comes back inline; the document arrives later as a draft-change
// notification on the page record.
type AsyncRequest struct {
	Command string
	Page    remote.PageMeta
	History []string
}

func (AsyncRequest) isRequest() {}

func (r AsyncRequest) Usage() Usage {
	return Usage{History: r.History, PendingInput: r.Command}
}

// Mode tags a Result with the execution mode that produced it.
type Mode string

const (
	ModeBuild Mode = "build"
	ModeEdit  Mode = "edit"
	ModeAsync Mode = "async"
)

// Result is the outcome of a completed run.
type Result struct {
	Mode Mode

	// FinalHTML is the produced document. Empty in async mode.
	FinalHTML string

	// Explanation is the assistant's summary of an edit. Empty in async
	// mode.
	Explanation string

	// Stages is the per-stage metadata of a build run. Nil in other modes
	// so no partial pipeline display survives a mode switch.
	Stages []StageState

	// Tokens is the cumulative token usage reported by the remote stages.
	Tokens int

	// DispatchedAt is set in async mode: the moment the webhook accepted
	// the request. The session uses it to apply the staleness policy.
	DispatchedAt time.Time

	// BudgetWarning is set when the pre-flight estimate crossed the soft
	// limit.
	BudgetWarning bool
}
