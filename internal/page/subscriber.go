package page

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// notifyChannel is the LISTEN/NOTIFY channel the pages trigger publishes
// on.
const notifyChannel = "page_draft_changes"

// DraftChange is a draft update delivered out of band. DraftHTML is the
// value fetched after the notification arrived; DraftUpdatedAt is the
// freshness the consumer compares against before applying.
type DraftChange struct {
	Ref            Ref
	DraftHTML      string
	DraftUpdatedAt time.Time
}

// notifyPayload mirrors the JSON produced by the pages trigger.
type notifyPayload struct {
	PageType       string    `json:"pageType"`
	PageID         string    `json:"pageId"`
	DraftUpdatedAt time.Time `json:"draftUpdatedAt"`
}

// Subscriber listens for draft changes on one page and invokes a handler
// for each. It holds a dedicated connection; Stop releases it.
type Subscriber struct {
	connString string
	store      *Store
	logger     *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSubscriber creates a Subscriber using its own database connection,
// separate from the store's pool: LISTEN pins a session.
func NewSubscriber(connString string, store *Store, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{
		connString: connString,
		store:      store,
		logger:     logger,
	}
}

// Start begins listening for draft changes to ref and calls handler for
// each one, on the subscriber's goroutine, until Stop. The initial LISTEN
// is established synchronously so no change is missed after Start returns.
func (s *Subscriber) Start(ctx context.Context, ref Ref, handler func(DraftChange)) error {
	conn, err := pgx.Connect(ctx, s.connString)
	if err != nil {
		return fmt.Errorf("subscriber connect: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		_ = conn.Close(ctx)
		return fmt.Errorf("listen %s: %w", notifyChannel, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(runCtx, conn, ref, handler)
	return nil
}

// Stop unsubscribes and waits for the listen goroutine to exit. Already
// dispatched remote work keeps running server-side; this only stops local
// delivery.
func (s *Subscriber) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
}

func (s *Subscriber) run(ctx context.Context, conn *pgx.Conn, ref Ref, handler func(DraftChange)) {
	defer close(s.done)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("draft change subscription lost",
				"page", ref.String(),
				"error", err,
			)
			return
		}

		var payload notifyPayload
		if err := json.Unmarshal([]byte(notification.Payload), &payload); err != nil {
			s.logger.Warn("malformed draft change payload",
				"payload", notification.Payload,
				"error", err,
			)
			continue
		}
		if payload.PageType != ref.Type || payload.PageID != ref.ID {
			continue
		}

		// The payload carries identity only; fetch the draft itself.
		p, err := s.store.Get(ctx, ref)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("failed to fetch page after draft change",
				"page", ref.String(),
				"error", err,
			)
			continue
		}

		handler(DraftChange{
			Ref:            ref,
			DraftHTML:      p.DraftHTML,
			DraftUpdatedAt: p.DraftUpdatedAt,
		})
	}
}
