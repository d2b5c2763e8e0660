package localstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pageforge/pageforge/internal/chatlog"
	"github.com/pageforge/pageforge/internal/log"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), log.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return s
}

func testMessage(role, content string) chatlog.Message {
	return chatlog.Message{
		ID:        uuid.New(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func TestPageKey(t *testing.T) {
	t.Parallel()

	if got := PageKey("service", "p1"); got != "service:p1" {
		t.Errorf("PageKey = %q", got)
	}
}

func TestSaveLoadMessages_RoundTripInOrder(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	key := PageKey("service", "p1")

	want := []chatlog.Message{
		testMessage(chatlog.RoleUser, "build a page"),
		testMessage(chatlog.RoleAssistant, "built it"),
		testMessage(chatlog.RoleUser, "make it blue"),
	}
	for _, msg := range want {
		if err := s.SaveMessage(ctx, key, msg); err != nil {
			t.Fatalf("SaveMessage: %v", err)
		}
	}

	got, err := s.LoadMessages(ctx, key)
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i].ID {
			t.Errorf("msg %d ID = %s, want %s", i, got[i].ID, want[i].ID)
		}
		if got[i].Content != want[i].Content {
			t.Errorf("msg %d Content = %q, want %q", i, got[i].Content, want[i].Content)
		}
	}
}

func TestLoadMessages_ScopedByPageKey(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveMessage(ctx, PageKey("service", "p1"), testMessage(chatlog.RoleUser, "a")); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}

	other, err := s.LoadMessages(ctx, PageKey("static", "p2"))
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("messages leaked across page identities: %v", other)
	}
}

func TestResetPage_ClearsMessagesAndSnapshotsAtomically(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	key := PageKey("service", "p1")

	if err := s.SaveMessage(ctx, key, testMessage(chatlog.RoleUser, "a")); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	if err := s.SaveSnapshot(ctx, key, "planning", []byte(`{"request":{}}`)); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	if err := s.SaveFingerprint(ctx, key, "abc123"); err != nil {
		t.Fatalf("SaveFingerprint: %v", err)
	}

	if err := s.ResetPage(ctx, key); err != nil {
		t.Fatalf("ResetPage: %v", err)
	}

	msgs, err := s.LoadMessages(ctx, key)
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Error("messages should be cleared by reset")
	}
	snaps, err := s.LoadSnapshots(ctx, key)
	if err != nil {
		t.Fatalf("LoadSnapshots: %v", err)
	}
	if len(snaps) != 0 {
		t.Error("snapshots should be cleared by reset")
	}

	// The settings fingerprint survives a chat reset.
	fp, err := s.LoadFingerprint(ctx, key)
	if err != nil {
		t.Fatalf("LoadFingerprint: %v", err)
	}
	if fp != "abc123" {
		t.Errorf("fingerprint = %q, want abc123", fp)
	}
}

func TestSaveSnapshot_UpsertsPerStage(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	key := PageKey("service", "p1")

	if err := s.SaveSnapshot(ctx, key, "planning", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	if err := s.SaveSnapshot(ctx, key, "planning", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	if err := s.SaveSnapshot(ctx, key, "content", []byte(`{"v":3}`)); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	snaps, err := s.LoadSnapshots(ctx, key)
	if err != nil {
		t.Fatalf("LoadSnapshots: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("len = %d, want 2", len(snaps))
	}
	if string(snaps["planning"]) != `{"v":2}` {
		t.Errorf("planning snapshot = %s, want latest write", snaps["planning"])
	}
}

func TestFingerprint_RoundTripAndMissing(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	fp, err := s.LoadFingerprint(ctx, PageKey("service", "p1"))
	if err != nil {
		t.Fatalf("LoadFingerprint: %v", err)
	}
	if fp != "" {
		t.Errorf("missing fingerprint should be empty, got %q", fp)
	}

	if err := s.SaveFingerprint(ctx, PageKey("service", "p1"), "first"); err != nil {
		t.Fatalf("SaveFingerprint: %v", err)
	}
	if err := s.SaveFingerprint(ctx, PageKey("service", "p1"), "second"); err != nil {
		t.Fatalf("SaveFingerprint: %v", err)
	}

	fp, err = s.LoadFingerprint(ctx, PageKey("service", "p1"))
	if err != nil {
		t.Fatalf("LoadFingerprint: %v", err)
	}
	if fp != "second" {
		t.Errorf("fingerprint = %q, want second", fp)
	}
}

func TestOpen_SecondOwnerIsRejected(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first, err := Open(dir, log.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer first.Close()

	_, err = Open(dir, log.NewNop())
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
}

func TestOpen_ReopenAfterClose(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := Open(dir, log.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.SaveFingerprint(context.Background(), "service:p1", "kept"); err != nil {
		t.Fatalf("SaveFingerprint: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(dir, log.NewNop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	fp, err := reopened.LoadFingerprint(context.Background(), "service:p1")
	if err != nil {
		t.Fatalf("LoadFingerprint: %v", err)
	}
	if fp != "kept" {
		t.Errorf("fingerprint = %q, want kept", fp)
	}
}
