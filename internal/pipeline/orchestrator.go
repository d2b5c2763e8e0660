// Package pipeline orchestrates the staged AI page-generation flow.
//
// A full build runs the fixed stage sequence Planning, Content, HTML,
// Styling against the remote generation service, strictly one stage at a
// time, each stage's input carrying every prior stage's output. The
// orchestrator owns the per-stage state machine, the pre-flight token
// budget gate, and the debug snapshots; it does not own the draft (that is
// the editor session's job).
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pageforge/pageforge/internal/remote"
)

// Caller is the slice of the remote client the orchestrator needs. Defined
// here, on the consumer side.
type Caller interface {
	GenerateStage(ctx context.Context, req remote.StageRequest) (*remote.StageResult, error)
	LocalEdit(ctx context.Context, req remote.LocalEditRequest) (*remote.LocalEditResult, error)
	DispatchAsyncBuild(ctx context.Context, req remote.AsyncBuildRequest) (*remote.DispatchResult, error)
}

// Snapshot is the last request/response pair of one stage, kept for
// operator inspection only. Not business state.
type Snapshot struct {
	Request    json.RawMessage `json:"request"`
	Response   json.RawMessage `json:"response,omitempty"`
	Error      string          `json:"error,omitempty"`
	CapturedAt time.Time       `json:"capturedAt"`
}

// Options configures an Orchestrator.
type Options struct {
	Budget Budget

	// OnProgress, when set, receives a copy of the stage states after
	// every transition. Called on the Run goroutine.
	OnProgress func([]StageState)

	Logger *slog.Logger
}

// Orchestrator runs generation requests. One run at a time per instance;
// Stages and Snapshots may be read concurrently.
type Orchestrator struct {
	caller     Caller
	budget     Budget
	onProgress func([]StageState)
	logger     *slog.Logger
	tracer     trace.Tracer

	mu        sync.Mutex
	stages    []StageState
	snapshots map[string]Snapshot
}

// New creates an Orchestrator.
func New(caller Caller, opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		caller:     caller,
		budget:     opts.Budget,
		onProgress: opts.OnProgress,
		logger:     logger,
		tracer:     otel.Tracer("github.com/pageforge/pageforge/internal/pipeline"),
		snapshots:  make(map[string]Snapshot),
	}
}

// Run executes one request. The budget gate runs first, locally and
// synchronously: past the hard limit nothing is dispatched and the caller
// gets ErrBudgetExceeded.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	verdict, err := o.budget.Check(req.Usage())
	if err != nil {
		return nil, err
	}
	if verdict.Warning {
		o.logger.Warn("token budget soft limit crossed",
			"estimated_tokens", verdict.Tokens,
		)
	}

	var result *Result
	switch r := req.(type) {
	case BuildRequest:
		result, err = o.runBuild(ctx, r)
	case EditRequest:
		result, err = o.runEdit(ctx, r)
	case AsyncRequest:
		result, err = o.runAsync(ctx, r)
	default:
		return nil, fmt.Errorf("unknown request type %T", req)
	}
	if err != nil {
		return nil, err
	}
	result.BudgetWarning = verdict.Warning
	return result, nil
}

// Stages returns a copy of the current per-stage states. Empty outside a
// build run: edit and async modes never show a partial pipeline.
func (o *Orchestrator) Stages() []StageState {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]StageState, len(o.stages))
	copy(out, o.stages)
	return out
}

// Snapshots returns a copy of the per-stage debug snapshots.
func (o *Orchestrator) Snapshots() map[string]Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]Snapshot, len(o.snapshots))
	for k, v := range o.snapshots {
		out[k] = v
	}
	return out
}

func (o *Orchestrator) runBuild(ctx context.Context, req BuildRequest) (*Result, error) {
	pipelineID := uuid.New()
	o.resetStages(StageOrder)

	ctx, span := o.tracer.Start(ctx, "pipeline.build",
		trace.WithAttributes(
			attribute.String("pipeline.id", pipelineID.String()),
			attribute.String("page.id", req.Page.PageID),
		))
	defer span.End()

	o.logger.Info("pipeline run started",
		"pipeline_id", pipelineID,
		"page_id", req.Page.PageID,
		"stages", len(StageOrder),
	)

	prior := make(map[string]string, len(StageOrder))
	totalTokens := 0

	for i, name := range StageOrder {
		o.setStage(i, func(s *StageState) {
			s.Status = StatusRunning
			s.Attempt++
		})

		stageReq := remote.StageRequest{
			Stage:        name,
			PipelineID:   pipelineID,
			Command:      req.Command,
			Page:         req.Page,
			PriorOutputs: copyOutputs(prior),
			CurrentHTML:  req.CurrentHTML,
		}

		res, err := o.callStage(ctx, stageReq)
		if err != nil {
			timeout := remote.IsTimeout(err)
			o.setStage(i, func(s *StageState) {
				s.Status = StatusError
				s.Message = err.Error()
			})
			span.SetStatus(codes.Error, err.Error())
			o.logger.Error("pipeline halted",
				"pipeline_id", pipelineID,
				"stage", name,
				"timeout", timeout,
				"error", err,
			)
			// Remaining stages stay idle; the run is over.
			return nil, &StageError{Stage: name, Timeout: timeout, Err: err}
		}

		// The remote stage validated its own output; surface that phase
		// before marking completion.
		o.setStage(i, func(s *StageState) { s.Status = StatusValidating })
		o.setStage(i, func(s *StageState) {
			s.Status = StatusComplete
			s.Duration = time.Duration(res.DurationMS) * time.Millisecond
			s.Tokens = res.Tokens
			s.ValidationPassed = res.ValidationPassed
		})

		prior[name] = res.Content
		totalTokens += res.Tokens
	}

	final := prior[StageStyling]
	o.logger.Info("pipeline run complete",
		"pipeline_id", pipelineID,
		"tokens", totalTokens,
		"final_bytes", len(final),
	)

	return &Result{
		Mode:      ModeBuild,
		FinalHTML: final,
		Stages:    o.Stages(),
		Tokens:    totalTokens,
	}, nil
}

// callStage invokes one stage call inside its own span and records the
// debug snapshot.
func (o *Orchestrator) callStage(ctx context.Context, req remote.StageRequest) (*remote.StageResult, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.stage."+req.Stage,
		trace.WithAttributes(attribute.String("stage", req.Stage)))
	defer span.End()

	res, err := o.caller.GenerateStage(ctx, req)
	o.recordSnapshot(req.Stage, req, res, err)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("tokens", res.Tokens))
	return res, nil
}

func (o *Orchestrator) runEdit(ctx context.Context, req EditRequest) (*Result, error) {
	// A local edit never shows pipeline stages.
	o.resetStages(nil)

	ctx, span := o.tracer.Start(ctx, "pipeline.local_edit")
	defer span.End()

	editReq := remote.LocalEditRequest{
		CurrentHTML: req.CurrentHTML,
		Instruction: req.Instruction,
		Page:        req.Page,
	}
	res, err := o.caller.LocalEdit(ctx, editReq)
	o.recordSnapshot("local-edit", editReq, res, err)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("local edit: %w", err)
	}

	return &Result{
		Mode:        ModeEdit,
		FinalHTML:   res.UpdatedHTML,
		Explanation: res.Explanation,
	}, nil
}

func (o *Orchestrator) runAsync(ctx context.Context, req AsyncRequest) (*Result, error) {
	o.resetStages(nil)

	ctx, span := o.tracer.Start(ctx, "pipeline.async_dispatch")
	defer span.End()

	dispatchReq := remote.AsyncBuildRequest{Page: req.Page, Command: req.Command}
	res, err := o.caller.DispatchAsyncBuild(ctx, dispatchReq)
	o.recordSnapshot("async-build", dispatchReq, res, err)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("async dispatch: %w", err)
	}
	if !res.Acknowledged {
		return nil, fmt.Errorf("async dispatch: webhook did not acknowledge request")
	}

	// No document yet: the result arrives out of band as a draft change.
	return &Result{
		Mode:         ModeAsync,
		DispatchedAt: time.Now(),
	}, nil
}

// resetStages replaces the stage display. A nil name list clears it, which
// is how the non-pipeline modes guarantee no stale partial display.
func (o *Orchestrator) resetStages(names []string) {
	o.mu.Lock()
	if names == nil {
		o.stages = nil
	} else {
		o.stages = make([]StageState, len(names))
		for i, name := range names {
			o.stages[i] = StageState{Name: name, Status: StatusIdle}
		}
	}
	o.snapshots = make(map[string]Snapshot)
	o.mu.Unlock()
	o.emitProgress()
}

func (o *Orchestrator) setStage(i int, mutate func(*StageState)) {
	o.mu.Lock()
	mutate(&o.stages[i])
	o.mu.Unlock()
	o.emitProgress()
}

func (o *Orchestrator) emitProgress() {
	if o.onProgress == nil {
		return
	}
	o.onProgress(o.Stages())
}

// recordSnapshot stores the marshaled request/response pair for one stage.
// Best-effort: marshal failures drop the snapshot, never the run.
func (o *Orchestrator) recordSnapshot(key string, req, res any, callErr error) {
	snap := Snapshot{CapturedAt: time.Now()}
	if data, err := json.Marshal(req); err == nil {
		snap.Request = data
	}
	if res != nil {
		if data, err := json.Marshal(res); err == nil {
			snap.Response = data
		}
	}
	if callErr != nil {
		snap.Error = callErr.Error()
	}
	o.mu.Lock()
	o.snapshots[key] = snap
	o.mu.Unlock()
}

func copyOutputs(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
