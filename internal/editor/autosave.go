package editor

import (
	"context"
	"time"
)

// persistTimeout bounds a single background draft save.
const persistTimeout = 10 * time.Second

// scheduleAutosaveLocked arms the debounce timer. A burst of edits keeps
// pushing the deadline out; only the final state of the burst is
// persisted. Caller holds s.mu.
func (s *Session) scheduleAutosaveLocked() {
	if s.closed {
		return
	}
	if s.saveTimer != nil {
		s.saveTimer.Stop()
	}
	s.saveTimer = time.AfterFunc(s.cfg.DebounceWindow, s.autosaveFire)
}

// cancelAutosaveLocked drops any pending save. Caller holds s.mu.
func (s *Session) cancelAutosaveLocked() {
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
}

// autosaveFire runs on the timer goroutine when the quiet period elapses.
// At most one persist is in flight at a time; if the timer fires while a
// save is still running, it backs off for another window.
func (s *Session) autosaveFire() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.persistInFlight {
		s.scheduleAutosaveLocked()
		s.mu.Unlock()
		return
	}
	if s.current == s.lastPersisted {
		s.mu.Unlock()
		return
	}
	html := s.current
	s.persistInFlight = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	err := s.deps.Drafts.SaveDraft(ctx, s.ref, html)
	cancel()

	s.mu.Lock()
	s.persistInFlight = false
	if err != nil {
		// The draft stays in memory and the next edit reschedules;
		// autosave failures never surface to the user.
		s.logger.Warn("autosave failed", "error", err)
	} else {
		s.lastPersisted = html
	}
	// An edit may have landed while the save ran.
	if s.current != s.lastPersisted {
		s.scheduleAutosaveLocked()
	}
	s.mu.Unlock()
}

// Flush persists the draft immediately if it differs from the stored
// copy, canceling any pending debounce.
func (s *Session) Flush(ctx context.Context) error {
	s.mu.Lock()
	s.cancelAutosaveLocked()
	if s.current == s.lastPersisted {
		s.mu.Unlock()
		return nil
	}
	html := s.current
	s.mu.Unlock()

	if err := s.deps.Drafts.SaveDraft(ctx, s.ref, html); err != nil {
		return err
	}

	s.mu.Lock()
	if html == s.current {
		s.lastPersisted = html
	}
	s.mu.Unlock()
	return nil
}

// Close flushes any unsaved draft and stops the autosave machinery. The
// session must not be used afterward.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	err := s.Flush(ctx)

	s.mu.Lock()
	s.closed = true
	s.cancelAutosaveLocked()
	s.mu.Unlock()
	return err
}
