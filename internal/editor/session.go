// Package editor owns one page's editing session: the working draft, the
// preview candidate, the published copy, the chat log, and the autosave
// loop.
//
// A Session is the single owner of its page's mutable state. Commands run
// one at a time; the draft/publish reconciler in reconcile.go mediates
// between AI-proposed documents, the accepted draft, and the published
// value; autosave.go persists drafts after a quiet period. Out-of-band
// draft changes (webhook builds landing in the page store) enter through
// ApplyDraftChange.
package editor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pageforge/pageforge/internal/chatlog"
	"github.com/pageforge/pageforge/internal/localstore"
	"github.com/pageforge/pageforge/internal/page"
	"github.com/pageforge/pageforge/internal/pipeline"
	"github.com/pageforge/pageforge/internal/preview"
	"github.com/pageforge/pageforge/internal/remote"
)

// ErrRequestInFlight indicates a command is already outstanding for this
// page. The session accepts one at a time; unrelated reads stay available.
var ErrRequestInFlight = errors.New("a request is already in flight for this page")

// Runner is the slice of the pipeline orchestrator the session uses.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
	Stages() []pipeline.StageState
	Snapshots() map[string]pipeline.Snapshot
}

// Finalizer is the slice of the remote client the publish path uses.
type Finalizer interface {
	ValidateAndFix(ctx context.Context, req remote.ValidateRequest) (*remote.ValidateResult, error)
	Publish(ctx context.Context, req remote.PublishRequest) (*remote.PublishResult, error)
}

// DraftStore persists drafts and published copies. Satisfied by
// page.Store.
type DraftStore interface {
	SaveDraft(ctx context.Context, ref page.Ref, html string) error
	SetPublished(ctx context.Context, ref page.Ref, html string) error
}

// LocalState is the per-machine persistence the session mirrors
// convenience state into. Satisfied by localstore.Store; nil disables it.
type LocalState interface {
	chatlog.Store
	SaveSnapshot(ctx context.Context, pageKey, stage string, payload []byte) error
	SaveFingerprint(ctx context.Context, pageKey, fingerprint string) error
	LoadFingerprint(ctx context.Context, pageKey string) (string, error)
}

// Config tunes a Session.
type Config struct {
	// SystemPrompt is counted against the token budget on every command.
	SystemPrompt string

	// DebounceWindow is the autosave quiet period. Default 2s.
	DebounceWindow time.Duration

	// AsyncStaleness bounds how long an async dispatch blocks new
	// commands while no result has arrived. The original behavior left
	// this unbounded; a dispatch older than the window is treated as
	// abandoned. Default 10m.
	AsyncStaleness time.Duration
}

const (
	defaultDebounceWindow = 2 * time.Second
	defaultAsyncStaleness = 10 * time.Minute
)

// Deps are the session's collaborators.
type Deps struct {
	Runner    Runner
	Finalizer Finalizer
	Drafts    DraftStore
	Local     LocalState // optional
	Preview   *preview.Builder
	Logger    *slog.Logger
}

// Session is one page's editing session. Safe for concurrent use; exactly
// one Session owns a page identity at a time.
type Session struct {
	ref    page.Ref
	cfg    Config
	deps   Deps
	logger *slog.Logger
	chat   *chatlog.Log

	mu sync.Mutex
	// Working state. published is only written by Publish and the
	// constructor; current is the only autosaved field.
	current   string
	previous  string
	published string
	// candidate is the AI-proposed document awaiting accept/reject.
	candidate    string
	hasCandidate bool
	// draftStamp is the freshness of the current draft, compared against
	// pushed changes before applying them.
	draftStamp time.Time
	// lastPersisted mirrors what the page store holds for the draft.
	lastPersisted string
	busy          bool
	// dispatchedAt is the pending async build, zero when none.
	dispatchedAt time.Time
	// settings is the last snapshot given to UpdateSettings.
	settings preview.Settings

	// autosave state, see autosave.go.
	saveTimer       *time.Timer
	persistInFlight bool
	closed          bool
}

// NewSession opens a session for an existing page. The page's current
// state seeds the draft fields; persisted chat history replays from the
// local store.
func NewSession(ctx context.Context, p *page.Page, cfg Config, deps Deps) *Session {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = defaultDebounceWindow
	}
	if cfg.AsyncStaleness <= 0 {
		cfg.AsyncStaleness = defaultAsyncStaleness
	}
	if deps.Preview == nil {
		deps.Preview = preview.NewBuilder(deps.Logger)
	}

	logger := deps.Logger.With("component", "editor", "page", p.Ref.String())

	var local chatlog.Store
	if deps.Local != nil {
		local = deps.Local
	}

	return &Session{
		ref:           p.Ref,
		cfg:           cfg,
		deps:          deps,
		logger:        logger,
		chat:          chatlog.New(ctx, localstore.PageKey(p.Ref.Type, p.Ref.ID), local, logger),
		current:       p.DraftHTML,
		published:     p.PublishedHTML,
		lastPersisted: p.DraftHTML,
		draftStamp:    p.DraftUpdatedAt,
	}
}

// Ref returns the page identity this session owns.
func (s *Session) Ref() page.Ref { return s.ref }

// Chat returns the session's chat log.
func (s *Session) Chat() *chatlog.Log { return s.chat }

// Stages returns the per-stage display state of the last pipeline run.
func (s *Session) Stages() []pipeline.StageState {
	return s.deps.Runner.Stages()
}

// Busy reports whether a command is outstanding, including an unresolved
// async dispatch.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return true
	}
	return !s.dispatchedAt.IsZero() && time.Since(s.dispatchedAt) < s.cfg.AsyncStaleness
}

// Outcome summarizes a completed command for the caller's UI.
type Outcome struct {
	Mode pipeline.Mode

	// Reply is the assistant entry appended to the chat log.
	Reply chatlog.Message

	// Stages is the per-stage metadata of a build run.
	Stages []pipeline.StageState

	// HasCandidate is set when the produced document awaits
	// accept/reject instead of being applied directly.
	HasCandidate bool

	// Dispatched is set in async mode: the result will arrive later as a
	// draft change.
	Dispatched bool

	BudgetWarning bool
}

// Build runs the full staged pipeline for command. The produced document
// is applied to the draft directly; build mode does not use the
// accept/reject flow.
func (s *Session) Build(ctx context.Context, command string) (*Outcome, error) {
	return s.runCommand(ctx, command, func(history []string, current string) pipeline.Request {
		return pipeline.BuildRequest{
			Command:      command,
			Page:         s.pageMeta(),
			CurrentHTML:  current,
			SystemPrompt: s.cfg.SystemPrompt,
			History:      history,
		}
	})
}

// Edit runs the single-shot local edit for instruction. The patched
// document becomes the preview candidate, awaiting Accept or Reject.
func (s *Session) Edit(ctx context.Context, instruction string) (*Outcome, error) {
	return s.runCommand(ctx, instruction, func(history []string, current string) pipeline.Request {
		return pipeline.EditRequest{
			Instruction:  instruction,
			Page:         s.pageMeta(),
			CurrentHTML:  current,
			SystemPrompt: s.cfg.SystemPrompt,
			History:      history,
		}
	})
}

// DispatchAsync hands command to the external webhook builder. The session
// records the dispatch and resolves it when the built document arrives as
// a draft change.
func (s *Session) DispatchAsync(ctx context.Context, command string) (*Outcome, error) {
	return s.runCommand(ctx, command, func(history []string, _ string) pipeline.Request {
		return pipeline.AsyncRequest{
			Command: command,
			Page:    s.pageMeta(),
			History: history,
		}
	})
}

// runCommand is the shared command path: in-flight guard, chat append,
// orchestrator run, outcome handling. Remote failures become assistant
// chat entries, never a broken session.
func (s *Session) runCommand(ctx context.Context, command string, build func(history []string, current string) pipeline.Request) (*Outcome, error) {
	s.mu.Lock()
	if err := s.inFlightLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.busy = true
	current := s.current
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
	}()

	// Snapshot the history before appending so the budget estimate sees
	// the command once, as pending input, not again inside the history.
	history := s.chat.Contents()
	s.chat.Append(ctx, chatlog.RoleUser, command, "")
	req := build(history, current)

	result, err := s.deps.Runner.Run(ctx, req)
	if err != nil {
		reply := s.chat.Append(ctx, chatlog.RoleAssistant, describeFailure(err), "")
		s.mirrorSnapshots(ctx)
		return &Outcome{Reply: reply}, err
	}

	s.mirrorSnapshots(ctx)

	switch result.Mode {
	case pipeline.ModeBuild:
		s.applyDraft(result.FinalHTML)
		reply := s.chat.Append(ctx, chatlog.RoleAssistant,
			fmt.Sprintf("Built the page in %d stages (%d tokens). The new draft has been applied.",
				len(result.Stages), result.Tokens), "")
		return &Outcome{
			Mode:          result.Mode,
			Reply:         reply,
			Stages:        result.Stages,
			BudgetWarning: result.BudgetWarning,
		}, nil

	case pipeline.ModeEdit:
		s.setCandidate(result.FinalHTML)
		content := result.Explanation
		if content == "" {
			content = "Here is the proposed change. Accept it to update the draft or reject it to keep the current version."
		}
		reply := s.chat.Append(ctx, chatlog.RoleAssistant, content, "")
		return &Outcome{
			Mode:          result.Mode,
			Reply:         reply,
			HasCandidate:  true,
			BudgetWarning: result.BudgetWarning,
		}, nil

	case pipeline.ModeAsync:
		s.mu.Lock()
		s.dispatchedAt = result.DispatchedAt
		s.mu.Unlock()
		reply := s.chat.Append(ctx, chatlog.RoleAssistant,
			"The build request was dispatched. The page will update automatically when generation finishes.", "")
		return &Outcome{
			Mode:          result.Mode,
			Reply:         reply,
			Dispatched:    true,
			BudgetWarning: result.BudgetWarning,
		}, nil

	default:
		return nil, fmt.Errorf("unexpected result mode %q", result.Mode)
	}
}

// inFlightLocked enforces one outstanding command per page. An async
// dispatch counts until its result arrives or it goes stale.
func (s *Session) inFlightLocked() error {
	if s.busy {
		return ErrRequestInFlight
	}
	if !s.dispatchedAt.IsZero() {
		if time.Since(s.dispatchedAt) < s.cfg.AsyncStaleness {
			return fmt.Errorf("%w: waiting for an async build dispatched at %s",
				ErrRequestInFlight, s.dispatchedAt.Format(time.RFC3339))
		}
		// Stale dispatch: treat as abandoned and move on.
		s.logger.Warn("async build dispatch went stale",
			"dispatched_at", s.dispatchedAt,
			"staleness_window", s.cfg.AsyncStaleness,
		)
		s.dispatchedAt = time.Time{}
	}
	return nil
}

// describeFailure renders an error as the assistant-facing chat entry.
// Timeouts read differently from failures: the remote side may still
// finish.
func describeFailure(err error) string {
	var stageErr *pipeline.StageError
	switch {
	case errors.Is(err, pipeline.ErrBudgetExceeded):
		return "This conversation has grown too large to send safely. Reset the chat history and try again."
	case errors.Is(err, remote.ErrSessionExpired):
		return "Your session has expired. Please refresh the page and log in again."
	case errors.As(err, &stageErr) && stageErr.Timeout:
		return fmt.Sprintf("The %s stage did not respond in time. Generation may still be running; check back shortly before retrying.", stageErr.Stage)
	case errors.As(err, &stageErr):
		return fmt.Sprintf("Generation stopped at the %s stage: %v. The remaining stages were not attempted; resubmit the command to retry.", stageErr.Stage, stageErr.Err)
	case remote.IsTimeout(err):
		return "The request did not respond in time. The work may still be in progress; check back shortly before retrying."
	default:
		return fmt.Sprintf("The request failed: %v", err)
	}
}

// mirrorSnapshots copies the orchestrator's debug snapshots into the local
// store. Best-effort operator tooling, never an error path.
func (s *Session) mirrorSnapshots(ctx context.Context) {
	if s.deps.Local == nil {
		return
	}
	key := localstore.PageKey(s.ref.Type, s.ref.ID)
	for stage, snap := range s.deps.Runner.Snapshots() {
		payload, err := json.Marshal(snap)
		if err != nil {
			continue
		}
		if err := s.deps.Local.SaveSnapshot(ctx, key, stage, payload); err != nil {
			s.logger.Warn("failed to mirror debug snapshot",
				"stage", stage,
				"error", err,
			)
		}
	}
}

// ResetHistory clears the chat log and debug snapshots. Required to
// continue after the token budget's hard limit.
func (s *Session) ResetHistory(ctx context.Context) error {
	return s.chat.Reset(ctx)
}

// UpdateSettings stores the settings snapshot used for previews and
// reports whether the external settings changed since the last edit, via
// the persisted fingerprint. The flag is advisory; fingerprint persistence
// failures degrade to "unchanged".
func (s *Session) UpdateSettings(ctx context.Context, settings preview.Settings) bool {
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()

	if s.deps.Local == nil {
		return false
	}
	fp := settingsFingerprint(settings)
	key := localstore.PageKey(s.ref.Type, s.ref.ID)

	stored, err := s.deps.Local.LoadFingerprint(ctx, key)
	if err != nil {
		s.logger.Warn("failed to load settings fingerprint", "error", err)
		return false
	}
	if err := s.deps.Local.SaveFingerprint(ctx, key, fp); err != nil {
		s.logger.Warn("failed to save settings fingerprint", "error", err)
	}
	return stored != "" && stored != fp
}

// settingsFingerprint hashes a settings snapshot. JSON marshaling of the
// settings maps is key-sorted, so equal snapshots hash equally.
func settingsFingerprint(settings preview.Settings) string {
	data, err := json.Marshal(struct {
		Variables map[string]any    `json:"variables"`
		Styles    map[string]string `json:"styles"`
	}{Variables: settings.Variables, Styles: settings.Styles})
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Preview builds the preview document for what the user is looking at:
// the candidate when one is pending, otherwise the current draft.
func (s *Session) Preview() preview.Document {
	s.mu.Lock()
	html := s.current
	if s.hasCandidate {
		html = s.candidate
	}
	settings := s.settings
	s.mu.Unlock()
	return s.deps.Preview.Build(html, settings)
}

func (s *Session) pageMeta() remote.PageMeta {
	return remote.PageMeta{PageID: s.ref.ID, PageType: s.ref.Type}
}
