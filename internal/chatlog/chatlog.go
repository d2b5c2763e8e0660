// Package chatlog keeps the per-page command/response history.
//
// The log is append-only and owned by one editor session at a time. Entries
// are immutable once appended; the only way they disappear is an explicit
// Reset, which also clears the page's debug snapshots. Persistence is
// best-effort: the in-memory log always updates first, and a failing store
// write degrades to a logged warning, never a user-facing error.
package chatlog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one exchange entry. Immutable once appended.
type Message struct {
	ID        uuid.UUID `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	// Suggestion is an optional follow-up command proposed by the
	// assistant.
	Suggestion string    `json:"suggestion,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Store is the persistence the log needs, defined here on the consumer
// side. Implemented by the local store.
type Store interface {
	SaveMessage(ctx context.Context, pageKey string, msg Message) error
	LoadMessages(ctx context.Context, pageKey string) ([]Message, error)
	// ResetPage atomically clears the page's messages and debug
	// snapshots.
	ResetPage(ctx context.Context, pageKey string) error
}

// Log is the append-only message log for one page identity. Safe for
// concurrent use.
type Log struct {
	pageKey string
	store   Store // nil disables persistence
	logger  *slog.Logger

	mu       sync.Mutex
	messages []Message
}

// New creates a Log for pageKey, replaying any persisted history. A load
// failure starts an empty log with a warning; history is convenience, not
// business state.
func New(ctx context.Context, pageKey string, store Store, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Log{pageKey: pageKey, store: store, logger: logger}

	if store != nil {
		msgs, err := store.LoadMessages(ctx, pageKey)
		if err != nil {
			logger.Warn("failed to load chat history",
				"page_key", pageKey,
				"error", err,
			)
		} else {
			l.messages = msgs
		}
	}
	return l
}

// Append adds a message at the tail and persists it best-effort. The
// returned message carries the assigned ID and timestamp.
func (l *Log) Append(ctx context.Context, role, content, suggestion string) Message {
	msg := Message{
		ID:         uuid.New(),
		Role:       role,
		Content:    content,
		Suggestion: suggestion,
		CreatedAt:  time.Now(),
	}

	l.mu.Lock()
	l.messages = append(l.messages, msg)
	l.mu.Unlock()

	if l.store != nil {
		if err := l.store.SaveMessage(ctx, l.pageKey, msg); err != nil {
			l.logger.Warn("failed to persist chat message",
				"page_key", l.pageKey,
				"error", err,
			)
		}
	}
	return msg
}

// Messages returns a copy of the log in append order.
func (l *Log) Messages() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Message, len(l.messages))
	copy(out, l.messages)
	return out
}

// Contents returns just the message texts, oldest first. Budget estimation
// input.
func (l *Log) Contents() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.messages))
	for i, msg := range l.messages {
		out[i] = msg.Content
	}
	return out
}

// Count returns the number of messages.
func (l *Log) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages)
}

// Reset clears the in-memory log and, when a store is attached, the
// persisted messages and debug snapshots for this page in one operation.
func (l *Log) Reset(ctx context.Context) error {
	l.mu.Lock()
	l.messages = nil
	l.mu.Unlock()

	if l.store == nil {
		return nil
	}
	return l.store.ResetPage(ctx, l.pageKey)
}
