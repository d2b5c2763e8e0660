package editor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pageforge/pageforge/internal/chatlog"
	"github.com/pageforge/pageforge/internal/localstore"
	"github.com/pageforge/pageforge/internal/log"
	"github.com/pageforge/pageforge/internal/page"
	"github.com/pageforge/pageforge/internal/pipeline"
	"github.com/pageforge/pageforge/internal/preview"
	"github.com/pageforge/pageforge/internal/remote"
)

type fakeRunner struct {
	mu       sync.Mutex
	requests []pipeline.Request
	result   *pipeline.Result
	err      error

	// block, when set, holds Run until released. started signals entry.
	block   chan struct{}
	started chan struct{}
}

func (f *fakeRunner) Run(_ context.Context, req pipeline.Request) (*pipeline.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.started != nil {
		close(f.started)
		f.started = nil
	}
	if f.block != nil {
		<-f.block
	}
	return f.result, f.err
}

func (f *fakeRunner) Stages() []pipeline.StageState {
	if f.result == nil {
		return nil
	}
	return f.result.Stages
}

func (f *fakeRunner) Snapshots() map[string]pipeline.Snapshot {
	return map[string]pipeline.Snapshot{}
}

func (f *fakeRunner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fakeFinalizer struct {
	validateResult *remote.ValidateResult
	validateErr    error
	publishErr     error
	declinePublish bool

	mu           sync.Mutex
	validated    []string
	publishCalls int
}

func (f *fakeFinalizer) ValidateAndFix(_ context.Context, req remote.ValidateRequest) (*remote.ValidateResult, error) {
	f.mu.Lock()
	f.validated = append(f.validated, req.HTML)
	f.mu.Unlock()
	if f.validateErr != nil {
		return nil, f.validateErr
	}
	if f.validateResult != nil {
		return f.validateResult, nil
	}
	return &remote.ValidateResult{FixedHTML: req.HTML}, nil
}

func (f *fakeFinalizer) Publish(context.Context, remote.PublishRequest) (*remote.PublishResult, error) {
	f.mu.Lock()
	f.publishCalls++
	f.mu.Unlock()
	if f.publishErr != nil {
		return nil, f.publishErr
	}
	return &remote.PublishResult{Success: !f.declinePublish}, nil
}

type fakeDrafts struct {
	mu        sync.Mutex
	saved     []string
	published []string
	saveErr   error
}

func (f *fakeDrafts) SaveDraft(_ context.Context, _ page.Ref, html string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, html)
	return nil
}

func (f *fakeDrafts) SetPublished(_ context.Context, _ page.Ref, html string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, html)
	return nil
}

func (f *fakeDrafts) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

func (f *fakeDrafts) lastSaved() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.saved) == 0 {
		return ""
	}
	return f.saved[len(f.saved)-1]
}

func (f *fakeDrafts) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

// fakeLocal is an in-memory LocalState.
type fakeLocal struct {
	mu           sync.Mutex
	messages     map[string][]chatlog.Message
	snapshots    map[string][]byte
	fingerprints map[string]string
}

func newFakeLocal() *fakeLocal {
	return &fakeLocal{
		messages:     map[string][]chatlog.Message{},
		snapshots:    map[string][]byte{},
		fingerprints: map[string]string{},
	}
}

func (f *fakeLocal) SaveMessage(_ context.Context, pageKey string, msg chatlog.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[pageKey] = append(f.messages[pageKey], msg)
	return nil
}

func (f *fakeLocal) LoadMessages(_ context.Context, pageKey string) ([]chatlog.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chatlog.Message(nil), f.messages[pageKey]...), nil
}

func (f *fakeLocal) ResetPage(_ context.Context, pageKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.messages, pageKey)
	return nil
}

func (f *fakeLocal) SaveSnapshot(_ context.Context, pageKey, stage string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[pageKey+"/"+stage] = payload
	return nil
}

func (f *fakeLocal) SaveFingerprint(_ context.Context, pageKey, fingerprint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fingerprints[pageKey] = fingerprint
	return nil
}

func (f *fakeLocal) LoadFingerprint(_ context.Context, pageKey string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fingerprints[pageKey], nil
}

func testPage() *page.Page {
	return &page.Page{
		Ref:            page.Ref{Type: page.TypeService, ID: "plumbing"},
		DraftHTML:      "<p>draft</p>",
		PublishedHTML:  "<p>live</p>",
		DraftUpdatedAt: time.Now().Add(-time.Hour),
	}
}

func newTestSession(t *testing.T, p *page.Page, cfg Config, deps Deps) *Session {
	t.Helper()
	if deps.Logger == nil {
		deps.Logger = log.NewNop()
	}
	if deps.Drafts == nil {
		deps.Drafts = &fakeDrafts{}
	}
	if cfg.DebounceWindow == 0 {
		cfg.DebounceWindow = time.Hour // keep autosave out of the way
	}
	s := NewSession(context.Background(), p, cfg, deps)
	t.Cleanup(func() {
		if err := s.Close(context.Background()); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return s
}

func TestBuildAppliesDraft(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{result: &pipeline.Result{
		Mode:      pipeline.ModeBuild,
		FinalHTML: "<html>built</html>",
		Stages: []pipeline.StageState{
			{Name: pipeline.StagePlanning, Status: pipeline.StatusComplete},
		},
		Tokens: 420,
	}}
	s := newTestSession(t, testPage(), Config{}, Deps{Runner: runner})

	out, err := s.Build(context.Background(), "build me a plumbing page")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if out.Mode != pipeline.ModeBuild {
		t.Errorf("Mode = %q", out.Mode)
	}
	if out.HasCandidate {
		t.Error("build mode must not produce an accept/reject candidate")
	}
	if got := s.HTML(VersionCurrent); got != "<html>built</html>" {
		t.Errorf("current = %q", got)
	}
	if got := s.HTML(VersionPrevious); got != "<p>draft</p>" {
		t.Errorf("previous = %q", got)
	}
	if got := s.PublishedHTML(); got != "<p>live</p>" {
		t.Errorf("published changed to %q", got)
	}

	msgs := s.Chat().Messages()
	if len(msgs) != 2 {
		t.Fatalf("chat has %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != chatlog.RoleUser || msgs[1].Role != chatlog.RoleAssistant {
		t.Errorf("chat roles = %q, %q", msgs[0].Role, msgs[1].Role)
	}
}

func TestCommandHistoryExcludesPendingInput(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{result: &pipeline.Result{
		Mode:      pipeline.ModeBuild,
		FinalHTML: "<html>built</html>",
	}}
	s := newTestSession(t, testPage(), Config{}, Deps{Runner: runner})

	if _, err := s.Build(context.Background(), "build the page"); err != nil {
		t.Fatalf("first Build: %v", err)
	}
	if _, err := s.Build(context.Background(), "make it blue"); err != nil {
		t.Fatalf("second Build: %v", err)
	}

	runner.mu.Lock()
	reqs := append([]pipeline.Request(nil), runner.requests...)
	runner.mu.Unlock()
	if len(reqs) != 2 {
		t.Fatalf("runner saw %d requests, want 2", len(reqs))
	}

	// The command rides as pending input only; the history snapshot must
	// predate its chat append so it is not counted twice.
	first := reqs[0].(pipeline.BuildRequest)
	if len(first.History) != 0 {
		t.Errorf("first request history = %q, want empty", first.History)
	}
	second := reqs[1].(pipeline.BuildRequest)
	if len(second.History) != 2 {
		t.Fatalf("second request history has %d entries, want 2", len(second.History))
	}
	for _, entry := range second.History {
		if entry == "make it blue" {
			t.Error("pending command leaked into the history snapshot")
		}
	}
}

func TestEditProducesCandidate(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{result: &pipeline.Result{
		Mode:        pipeline.ModeEdit,
		FinalHTML:   "<p>patched</p>",
		Explanation: "Changed the headline.",
	}}
	s := newTestSession(t, testPage(), Config{}, Deps{Runner: runner})

	out, err := s.Edit(context.Background(), "change the headline")
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if !out.HasCandidate || !s.HasCandidate() {
		t.Fatal("expected a pending candidate")
	}
	if got := s.HTML(VersionCurrent); got != "<p>draft</p>" {
		t.Errorf("draft changed before accept: %q", got)
	}
	if out.Reply.Content != "Changed the headline." {
		t.Errorf("reply = %q", out.Reply.Content)
	}

	if !s.Accept() {
		t.Fatal("Accept returned false")
	}
	if got := s.HTML(VersionCurrent); got != "<p>patched</p>" {
		t.Errorf("current after accept = %q", got)
	}
	if got := s.HTML(VersionPrevious); got != "<p>draft</p>" {
		t.Errorf("previous after accept = %q", got)
	}
	if s.HasCandidate() {
		t.Error("candidate survived accept")
	}
	if s.Accept() {
		t.Error("second Accept should report no candidate")
	}
}

func TestRejectKeepsDraft(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{result: &pipeline.Result{
		Mode:      pipeline.ModeEdit,
		FinalHTML: "<p>patched</p>",
	}}
	s := newTestSession(t, testPage(), Config{}, Deps{Runner: runner})

	if _, err := s.Edit(context.Background(), "try something"); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if !s.Reject() {
		t.Fatal("Reject returned false")
	}
	if got := s.HTML(VersionCurrent); got != "<p>draft</p>" {
		t.Errorf("current after reject = %q", got)
	}
	if got := s.HTML(VersionPrevious); got != "" {
		t.Errorf("previous after reject = %q", got)
	}
}

func TestCommandFailureBecomesChatEntry(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		err     error
		wantSub string
	}{
		{
			name:    "stage failure names the stage",
			err:     &pipeline.StageError{Stage: pipeline.StageHTML, Err: errors.New("boom")},
			wantSub: pipeline.StageHTML,
		},
		{
			name:    "stage timeout reads as pending",
			err:     &pipeline.StageError{Stage: pipeline.StageContent, Timeout: true, Err: errors.New("deadline")},
			wantSub: "did not respond in time",
		},
		{
			name:    "budget exceeded suggests a reset",
			err:     pipeline.ErrBudgetExceeded,
			wantSub: "Reset the chat history",
		},
		{
			name:    "expired session asks to log in",
			err:     remote.ErrSessionExpired,
			wantSub: "log in again",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			runner := &fakeRunner{err: tt.err}
			s := newTestSession(t, testPage(), Config{}, Deps{Runner: runner})

			out, err := s.Build(context.Background(), "do the thing")
			if err == nil {
				t.Fatal("expected an error")
			}
			if out == nil || out.Reply.Role != chatlog.RoleAssistant {
				t.Fatal("failure must still produce an assistant reply")
			}
			if !strings.Contains(out.Reply.Content, tt.wantSub) {
				t.Errorf("reply %q does not mention %q", out.Reply.Content, tt.wantSub)
			}
			if got := s.HTML(VersionCurrent); got != "<p>draft</p>" {
				t.Errorf("draft changed on failure: %q", got)
			}
		})
	}
}

func TestOneCommandAtATime(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{
		result:  &pipeline.Result{Mode: pipeline.ModeBuild, FinalHTML: "<p>x</p>"},
		block:   make(chan struct{}),
		started: make(chan struct{}),
	}
	s := newTestSession(t, testPage(), Config{}, Deps{Runner: runner})

	started := runner.started
	done := make(chan error, 1)
	go func() {
		_, err := s.Build(context.Background(), "slow build")
		done <- err
	}()
	<-started

	if _, err := s.Edit(context.Background(), "concurrent edit"); !errors.Is(err, ErrRequestInFlight) {
		t.Errorf("concurrent command error = %v, want ErrRequestInFlight", err)
	}
	if err := s.Publish(context.Background()); !errors.Is(err, ErrRequestInFlight) {
		t.Errorf("concurrent publish error = %v, want ErrRequestInFlight", err)
	}

	close(runner.block)
	if err := <-done; err != nil {
		t.Fatalf("blocked build failed: %v", err)
	}
	if _, err := s.Edit(context.Background(), "after"); err != nil {
		t.Errorf("command after completion failed: %v", err)
	}
}

func TestAsyncDispatchBlocksUntilResolvedOrStale(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{result: &pipeline.Result{
		Mode:         pipeline.ModeAsync,
		DispatchedAt: time.Now(),
	}}
	s := newTestSession(t, testPage(), Config{AsyncStaleness: 80 * time.Millisecond}, Deps{Runner: runner})

	out, err := s.DispatchAsync(context.Background(), "full rebuild")
	if err != nil {
		t.Fatalf("DispatchAsync: %v", err)
	}
	if !out.Dispatched {
		t.Error("outcome not marked dispatched")
	}

	if _, err := s.Build(context.Background(), "too soon"); !errors.Is(err, ErrRequestInFlight) {
		t.Fatalf("command during dispatch = %v, want ErrRequestInFlight", err)
	}

	time.Sleep(120 * time.Millisecond)
	runner.result = &pipeline.Result{Mode: pipeline.ModeBuild, FinalHTML: "<p>late</p>"}
	if _, err := s.Build(context.Background(), "after staleness window"); err != nil {
		t.Errorf("stale dispatch still blocking: %v", err)
	}
}

func TestApplyDraftChange(t *testing.T) {
	t.Parallel()

	t.Run("fresh push applies", func(t *testing.T) {
		t.Parallel()
		s := newTestSession(t, testPage(), Config{}, Deps{Runner: &fakeRunner{}})

		applied := s.ApplyDraftChange(page.DraftChange{
			Ref:            s.Ref(),
			DraftHTML:      "<p>from webhook</p>",
			DraftUpdatedAt: time.Now(),
		})
		if !applied {
			t.Fatal("fresh push not applied")
		}
		if got := s.HTML(VersionCurrent); got != "<p>from webhook</p>" {
			t.Errorf("current = %q", got)
		}
		if got := s.HTML(VersionPrevious); got != "<p>draft</p>" {
			t.Errorf("previous = %q", got)
		}
	})

	t.Run("duplicate content ignored", func(t *testing.T) {
		t.Parallel()
		s := newTestSession(t, testPage(), Config{}, Deps{Runner: &fakeRunner{}})

		if s.ApplyDraftChange(page.DraftChange{
			Ref:            s.Ref(),
			DraftHTML:      "<p>draft</p>",
			DraftUpdatedAt: time.Now(),
		}) {
			t.Error("duplicate push applied")
		}
	})

	t.Run("stale push never regresses a newer edit", func(t *testing.T) {
		t.Parallel()
		s := newTestSession(t, testPage(), Config{}, Deps{Runner: &fakeRunner{}})
		s.SetDraft("<p>newer local edit</p>")

		if s.ApplyDraftChange(page.DraftChange{
			Ref:            s.Ref(),
			DraftHTML:      "<p>old build output</p>",
			DraftUpdatedAt: time.Now().Add(-time.Minute),
		}) {
			t.Error("stale push applied over a newer local edit")
		}
		if got := s.HTML(VersionCurrent); got != "<p>newer local edit</p>" {
			t.Errorf("current = %q", got)
		}
	})

	t.Run("push resolves a pending async dispatch", func(t *testing.T) {
		t.Parallel()
		runner := &fakeRunner{result: &pipeline.Result{
			Mode:         pipeline.ModeAsync,
			DispatchedAt: time.Now(),
		}}
		s := newTestSession(t, testPage(), Config{AsyncStaleness: time.Hour}, Deps{Runner: runner})

		if _, err := s.DispatchAsync(context.Background(), "rebuild"); err != nil {
			t.Fatalf("DispatchAsync: %v", err)
		}
		if !s.ApplyDraftChange(page.DraftChange{
			Ref:            s.Ref(),
			DraftHTML:      "<p>async result</p>",
			DraftUpdatedAt: time.Now(),
		}) {
			t.Fatal("async result push not applied")
		}

		runner.result = &pipeline.Result{Mode: pipeline.ModeBuild, FinalHTML: "<p>next</p>"}
		if _, err := s.Build(context.Background(), "next command"); err != nil {
			t.Errorf("dispatch not resolved by push: %v", err)
		}
	})
}

func TestPublish(t *testing.T) {
	t.Parallel()

	t.Run("promotes the validated draft", func(t *testing.T) {
		t.Parallel()
		fin := &fakeFinalizer{validateResult: &remote.ValidateResult{
			FixedHTML:   "<p>draft, fixed</p>",
			IssuesFixed: []string{"unclosed tag"},
		}}
		drafts := &fakeDrafts{}
		s := newTestSession(t, testPage(), Config{}, Deps{Runner: &fakeRunner{}, Finalizer: fin, Drafts: drafts})

		if err := s.Publish(context.Background()); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		if got := s.PublishedHTML(); got != "<p>draft, fixed</p>" {
			t.Errorf("published = %q", got)
		}
		if got := s.HTML(VersionCurrent); got != "<p>draft</p>" {
			t.Errorf("draft modified by publish: %q", got)
		}
		if drafts.publishedCount() != 1 {
			t.Errorf("SetPublished called %d times", drafts.publishedCount())
		}
	})

	t.Run("validation failure leaves published untouched", func(t *testing.T) {
		t.Parallel()
		fin := &fakeFinalizer{validateErr: &remote.CallError{Operation: remote.OpValidateFix, Status: 502}}
		drafts := &fakeDrafts{}
		s := newTestSession(t, testPage(), Config{}, Deps{Runner: &fakeRunner{}, Finalizer: fin, Drafts: drafts})

		if err := s.Publish(context.Background()); err == nil {
			t.Fatal("expected an error")
		}
		if got := s.PublishedHTML(); got != "<p>live</p>" {
			t.Errorf("published = %q after failed validation", got)
		}
		if drafts.publishedCount() != 0 {
			t.Error("SetPublished called despite validation failure")
		}
	})

	t.Run("unconfirmed publish leaves published untouched", func(t *testing.T) {
		t.Parallel()
		fin := &fakeFinalizer{declinePublish: true}
		drafts := &fakeDrafts{}
		s := newTestSession(t, testPage(), Config{}, Deps{Runner: &fakeRunner{}, Finalizer: fin, Drafts: drafts})

		err := s.Publish(context.Background())
		if err == nil {
			t.Fatal("expected an error when the remote reports success=false")
		}
		var ce *remote.CallError
		if !errors.As(err, &ce) {
			t.Errorf("error = %v, want a remote.CallError", err)
		}
		if got := s.PublishedHTML(); got != "<p>live</p>" {
			t.Errorf("published = %q after unconfirmed publish", got)
		}
		if drafts.publishedCount() != 0 {
			t.Error("SetPublished called despite unconfirmed publish")
		}
	})

	t.Run("remote publish failure leaves published untouched", func(t *testing.T) {
		t.Parallel()
		fin := &fakeFinalizer{publishErr: &remote.CallError{Operation: remote.OpPublish, Status: 500}}
		drafts := &fakeDrafts{}
		s := newTestSession(t, testPage(), Config{}, Deps{Runner: &fakeRunner{}, Finalizer: fin, Drafts: drafts})

		if err := s.Publish(context.Background()); err == nil {
			t.Fatal("expected an error")
		}
		if got := s.PublishedHTML(); got != "<p>live</p>" {
			t.Errorf("published = %q after failed publish", got)
		}
		if drafts.publishedCount() != 0 {
			t.Error("SetPublished called despite publish failure")
		}
	})
}

func TestUpdateSettingsFingerprint(t *testing.T) {
	t.Parallel()

	local := newFakeLocal()
	s := newTestSession(t, testPage(), Config{}, Deps{Runner: &fakeRunner{}, Local: local})

	first := preview.Settings{Variables: map[string]any{"business_name": "Ace Plumbing"}}
	if s.UpdateSettings(context.Background(), first) {
		t.Error("first snapshot reported as changed")
	}
	if s.UpdateSettings(context.Background(), first) {
		t.Error("identical snapshot reported as changed")
	}
	changed := preview.Settings{Variables: map[string]any{"business_name": "Ace Plumbing & Heating"}}
	if !s.UpdateSettings(context.Background(), changed) {
		t.Error("changed snapshot not detected")
	}
}

func TestPreviewShowsCandidateWhenPending(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{result: &pipeline.Result{
		Mode:      pipeline.ModeEdit,
		FinalHTML: "<html><body><p>{{business_name}} candidate</p></body></html>",
	}}
	s := newTestSession(t, testPage(), Config{}, Deps{Runner: runner})
	s.UpdateSettings(context.Background(), preview.Settings{
		Variables: map[string]any{"business_name": "Ace Plumbing"},
	})

	doc := s.Preview()
	if !strings.Contains(doc.HTML, "draft") {
		t.Errorf("preview without candidate = %q, want current draft", doc.HTML)
	}

	if _, err := s.Edit(context.Background(), "propose"); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	doc = s.Preview()
	if !strings.Contains(doc.HTML, "Ace Plumbing candidate") {
		t.Errorf("preview with candidate = %q", doc.HTML)
	}
}

func TestResetHistoryClearsChat(t *testing.T) {
	t.Parallel()

	local := newFakeLocal()
	runner := &fakeRunner{result: &pipeline.Result{Mode: pipeline.ModeBuild, FinalHTML: "<p>x</p>"}}
	s := newTestSession(t, testPage(), Config{}, Deps{Runner: runner, Local: local})

	if _, err := s.Build(context.Background(), "first"); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if s.Chat().Count() == 0 {
		t.Fatal("chat empty after a command")
	}
	if err := s.ResetHistory(context.Background()); err != nil {
		t.Fatalf("ResetHistory: %v", err)
	}
	if got := s.Chat().Count(); got != 0 {
		t.Errorf("chat has %d messages after reset", got)
	}
	key := localstore.PageKey(s.Ref().Type, s.Ref().ID)
	if msgs, _ := local.LoadMessages(context.Background(), key); len(msgs) != 0 {
		t.Errorf("store has %d messages after reset", len(msgs))
	}
}
