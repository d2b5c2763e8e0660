package remote

import (
	"github.com/google/uuid"
)

// Operation names the hosted functions this client calls. The values match
// the deployed function slugs, so they appear verbatim in request paths,
// logs, and errors.
type Operation string

const (
	OpGenerateStage Operation = "ai-edit-page"
	OpLocalEdit     Operation = "ai-local-edit"
	OpValidateFix   Operation = "validate-and-fix-html"
	OpPublish       Operation = "publish-page"
	OpAsyncBuild    Operation = "send-makecom-webhook"
)

// PageMeta identifies the page a request operates on.
type PageMeta struct {
	PageID   string `json:"pageId"`
	PageType string `json:"pageType"` // "service" | "static" | "generated"
}

// StageRequest is the payload of one pipeline stage call.
type StageRequest struct {
	Stage      string            `json:"stage"`
	PipelineID uuid.UUID         `json:"pipelineId"`
	Command    string            `json:"command"`
	Page       PageMeta          `json:"page"`
	// PriorOutputs accumulates the content of completed stages, keyed by
	// stage name. Each stage call carries everything produced before it.
	PriorOutputs map[string]string `json:"priorOutputs,omitempty"`
	CurrentHTML  string            `json:"currentHtml,omitempty"`
}

// StageResult is a stage call's response.
type StageResult struct {
	Content          string `json:"content"`
	Tokens           int    `json:"tokens"`
	DurationMS       int64  `json:"duration"`
	ValidationPassed bool   `json:"validationPassed"`
}

// LocalEditRequest is the single-shot edit payload: current document plus
// one instruction, no staging.
type LocalEditRequest struct {
	CurrentHTML string   `json:"currentHtml"`
	Instruction string   `json:"instruction"`
	Page        PageMeta `json:"page"`
}

// LocalEditResult is the patched document returned by a local edit.
type LocalEditResult struct {
	UpdatedHTML string `json:"updatedHtml"`
	Explanation string `json:"explanation"`
}

// ValidateRequest asks the remote validator to check and repair a draft
// before publish.
type ValidateRequest struct {
	HTML string   `json:"html"`
	Page PageMeta `json:"page"`
}

// ValidateResult carries the repaired document and what was fixed.
type ValidateResult struct {
	FixedHTML   string   `json:"fixedHtml"`
	IssuesFixed []string `json:"issuesFixed"`
}

// PublishRequest finalizes the published copy of a page.
type PublishRequest struct {
	PageID   string `json:"pageId"`
	PageType string `json:"pageType"`
}

// PublishResult reports the publish outcome.
type PublishResult struct {
	Success bool `json:"success"`
}

// AsyncBuildRequest is the fire-and-forget webhook payload. The result never
// arrives inline; it lands later as a draft change on the page record.
type AsyncBuildRequest struct {
	Page    PageMeta `json:"page"`
	Command string   `json:"command"`
}

// DispatchResult acknowledges that an async build was accepted.
type DispatchResult struct {
	Acknowledged bool `json:"acknowledged"`
}
