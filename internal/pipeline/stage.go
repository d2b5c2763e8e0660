package pipeline

import (
	"fmt"
	"time"
)

// Stage names in execution order. Styling's output is the pipeline's final
// document.
const (
	StagePlanning = "planning"
	StageContent  = "content"
	StageHTML     = "html"
	StageStyling  = "styling"
)

// StageOrder is the fixed stage sequence of a full build.
var StageOrder = []string{StagePlanning, StageContent, StageHTML, StageStyling}

// StageStatus is the lifecycle state of one pipeline stage.
type StageStatus string

const (
	StatusIdle       StageStatus = "idle"
	StatusRunning    StageStatus = "running"
	StatusValidating StageStatus = "validating"
	StatusComplete   StageStatus = "complete"
	StatusError      StageStatus = "error"
)

// StageState is the per-stage record surfaced to the UI. Transitions follow
// ordinal order: a stage leaves idle only after every prior stage completed,
// and error is terminal for the run.
type StageState struct {
	Name             string        `json:"name"`
	Status           StageStatus   `json:"status"`
	Attempt          int           `json:"attempt"`
	Duration         time.Duration `json:"duration"`
	Tokens           int           `json:"tokens"`
	ValidationPassed bool          `json:"validationPassed"`
	Message          string        `json:"message,omitempty"` // error detail when Status == StatusError
}

// StageError identifies which stage of a run failed and why. Timeout marks
// the distinct "no definitive answer" case: the remote side may still be
// generating, so the user must not read it as a confirmed failure.
type StageError struct {
	Stage   string
	Timeout bool
	Err     error
}

func (e *StageError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("stage %s timed out: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
