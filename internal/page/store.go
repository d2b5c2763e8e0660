// Package page persists page documents: the working draft and the
// published copy, keyed by page type and ID.
//
// The published column is only ever written by Publish; drafts flow through
// SaveDraft. Draft updates fire a PostgreSQL NOTIFY that Subscriber turns
// into typed change events, which is how webhook-built documents reach a
// live editor session.
package page

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrPageNotFound indicates the requested page does not exist.
var ErrPageNotFound = errors.New("page not found")

// Page types.
const (
	TypeService   = "service"
	TypeStatic    = "static"
	TypeGenerated = "generated"
)

// Ref identifies a page.
type Ref struct {
	Type string
	ID   string
}

func (r Ref) String() string { return r.Type + ":" + r.ID }

// Page is one page record.
type Page struct {
	Ref            Ref
	DraftHTML      string
	PublishedHTML  string
	DraftUpdatedAt time.Time
	UpdatedAt      time.Time
}

// Store manages page persistence. Safe for concurrent use.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a Store. A nil logger falls back to slog.Default().
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

// Create inserts an empty page record. Idempotent: an existing record is
// left untouched.
func (s *Store) Create(ctx context.Context, ref Ref) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pages (page_type, id) VALUES ($1, $2)
		 ON CONFLICT (page_type, id) DO NOTHING`,
		ref.Type, ref.ID,
	)
	if err != nil {
		return fmt.Errorf("create page %s: %w", ref, err)
	}
	return nil
}

// Get loads one page.
func (s *Store) Get(ctx context.Context, ref Ref) (*Page, error) {
	p := Page{Ref: ref}
	err := s.pool.QueryRow(ctx,
		`SELECT draft_html, published_html, draft_updated_at, updated_at
		 FROM pages WHERE page_type = $1 AND id = $2`,
		ref.Type, ref.ID,
	).Scan(&p.DraftHTML, &p.PublishedHTML, &p.DraftUpdatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrPageNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("get page %s: %w", ref, err)
	}
	return &p, nil
}

// SaveDraft stores a new working draft. Fires the draft-change
// notification via the pages table trigger.
func (s *Store) SaveDraft(ctx context.Context, ref Ref, html string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pages SET draft_html = $3, draft_updated_at = now(), updated_at = now()
		 WHERE page_type = $1 AND id = $2`,
		ref.Type, ref.ID, html,
	)
	if err != nil {
		return fmt.Errorf("save draft %s: %w", ref, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrPageNotFound, ref)
	}
	return nil
}

// SetPublished overwrites the published copy. Only the explicit publish
// path calls this; drafts and previews never touch the published column.
func (s *Store) SetPublished(ctx context.Context, ref Ref, html string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pages SET published_html = $3, updated_at = now()
		 WHERE page_type = $1 AND id = $2`,
		ref.Type, ref.ID, html,
	)
	if err != nil {
		return fmt.Errorf("publish page %s: %w", ref, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrPageNotFound, ref)
	}
	return nil
}
