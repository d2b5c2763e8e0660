package editor

import (
	"context"
	"fmt"
	"time"

	"github.com/pageforge/pageforge/internal/chatlog"
	"github.com/pageforge/pageforge/internal/page"
	"github.com/pageforge/pageforge/internal/remote"
)

// Version selects which copy of the document to read.
type Version string

const (
	// VersionCurrent is the working draft.
	VersionCurrent Version = "current"
	// VersionPrevious is the draft as it stood before the last applied
	// change. Read-only; there is no restore operation.
	VersionPrevious Version = "previous"
)

// HTML returns the requested read-only copy of the document.
func (s *Session) HTML(v Version) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch v {
	case VersionPrevious:
		return s.previous
	default:
		return s.current
	}
}

// PublishedHTML returns the live copy of the document.
func (s *Session) PublishedHTML() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.published
}

// HasCandidate reports whether an AI-proposed document awaits a decision.
func (s *Session) HasCandidate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasCandidate
}

// setCandidate stores an AI-proposed document for accept/reject. The
// current draft is untouched until Accept.
func (s *Session) setCandidate(html string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidate = html
	s.hasCandidate = true
}

// Accept promotes the pending candidate to the current draft. The
// displaced draft becomes the previous version and an autosave is
// scheduled. Accepting with no candidate is a no-op.
func (s *Session) Accept() bool {
	s.mu.Lock()
	if !s.hasCandidate {
		s.mu.Unlock()
		return false
	}
	html := s.candidate
	s.candidate = ""
	s.hasCandidate = false
	s.mu.Unlock()

	s.applyDraft(html)
	return true
}

// Reject discards the pending candidate. The current draft is untouched.
func (s *Session) Reject() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasCandidate {
		return false
	}
	s.candidate = ""
	s.hasCandidate = false
	return true
}

// applyDraft installs html as the current draft: current shifts to
// previous, the draft stamp advances, and autosave is scheduled.
func (s *Session) applyDraft(html string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if html == s.current {
		return
	}
	s.previous = s.current
	s.current = html
	s.draftStamp = time.Now()
	s.scheduleAutosaveLocked()
}

// SetDraft applies a manual edit to the working draft. Identical content
// is ignored.
func (s *Session) SetDraft(html string) {
	s.applyDraft(html)
}

// Publish validates the current draft remotely and promotes the fixed
// result to the published copy. The published value only changes after
// both the validation and the publish call succeed; on any failure it is
// left exactly as it was. The draft itself is never modified here.
func (s *Session) Publish(ctx context.Context) error {
	s.mu.Lock()
	if err := s.inFlightLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.busy = true
	draft := s.current
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
	}()

	fixed, err := s.deps.Finalizer.ValidateAndFix(ctx, remote.ValidateRequest{
		Page: s.pageMeta(),
		HTML: draft,
	})
	if err != nil {
		return fmt.Errorf("validate draft: %w", err)
	}
	html := fixed.FixedHTML
	if html == "" {
		html = draft
	}

	res, err := s.deps.Finalizer.Publish(ctx, remote.PublishRequest{
		PageID:   s.ref.ID,
		PageType: s.ref.Type,
	})
	if err != nil {
		return fmt.Errorf("publish page: %w", err)
	}
	// The call can come back clean while the remote still refuses the
	// publish; an unconfirmed publish must not touch the published copy.
	if !res.Success {
		return fmt.Errorf("publish page: %w", &remote.CallError{
			Operation: remote.OpPublish,
			Message:   "remote did not confirm the publish",
		})
	}

	if err := s.deps.Drafts.SetPublished(ctx, s.ref, html); err != nil {
		return fmt.Errorf("store published copy: %w", err)
	}

	s.mu.Lock()
	s.published = html
	s.mu.Unlock()

	s.logger.Info("page published",
		"issues_fixed", len(fixed.IssuesFixed),
		"bytes", len(html),
	)
	return nil
}

// ApplyDraftChange is the entry point for pushed draft changes, wired as
// the page.Subscriber handler. A change is applied only when it is both
// new content and fresher than the session's draft stamp; duplicates and
// stale pushes are dropped so a push can never regress a newer local
// edit. Applying a change resolves a pending async dispatch. Reports
// whether the change was applied.
func (s *Session) ApplyDraftChange(change page.DraftChange) bool {
	s.mu.Lock()
	if change.DraftHTML == s.current {
		s.mu.Unlock()
		s.logger.Debug("ignoring duplicate draft push")
		return false
	}
	if !change.DraftUpdatedAt.After(s.draftStamp) {
		s.mu.Unlock()
		s.logger.Debug("ignoring stale draft push",
			"push_stamp", change.DraftUpdatedAt,
			"draft_stamp", s.draftStamp,
		)
		return false
	}

	s.previous = s.current
	s.current = change.DraftHTML
	s.draftStamp = change.DraftUpdatedAt
	// The pushed content is what the store already holds; nothing to
	// autosave, and any pending save of older content is obsolete.
	s.lastPersisted = change.DraftHTML
	s.cancelAutosaveLocked()
	wasDispatched := !s.dispatchedAt.IsZero()
	s.dispatchedAt = time.Time{}
	s.mu.Unlock()

	if wasDispatched {
		s.chat.Append(context.Background(), chatlog.RoleAssistant,
			"The async build finished and the new draft has been applied.", "")
	}
	s.logger.Info("applied pushed draft change",
		"draft_updated_at", change.DraftUpdatedAt,
		"from_async_build", wasDispatched,
	)
	return true
}
