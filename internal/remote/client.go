// Package remote is the HTTP client for the hosted page-generation
// functions. Every operation is an opaque JSON RPC: the client owns
// timeouts, rate limiting, auth pre-checks, and boundary validation of
// responses; it knows nothing about pipeline sequencing.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Timeout ceilings per call class. Stage and local-edit calls sit on LLM
// generation latency and get the long ceiling; validation and the
// control-plane calls answer fast and get short ones.
const (
	DefaultStageTimeout    = 4 * time.Minute
	DefaultValidateTimeout = 90 * time.Second
	DefaultControlTimeout  = 30 * time.Second
)

// maxResponseBytes bounds response bodies; generated documents are large
// but not unbounded.
const maxResponseBytes = 8 << 20

// Config configures a Client.
type Config struct {
	// BaseURL is the functions endpoint root, e.g.
	// https://project.example.com/functions/v1.
	BaseURL string

	// Token is the bearer token attached to every request.
	Token string

	// TokenExpiresAt, when non-zero, is checked locally before any
	// dispatch. An expired token fails fast with ErrSessionExpired.
	TokenExpiresAt time.Time

	// StageTimeout overrides DefaultStageTimeout when positive.
	StageTimeout time.Duration

	// ValidateTimeout overrides DefaultValidateTimeout when positive.
	ValidateTimeout time.Duration

	// ControlTimeout overrides DefaultControlTimeout when positive.
	ControlTimeout time.Duration

	// RequestsPerSecond throttles outgoing calls. Zero disables
	// client-side rate limiting.
	RequestsPerSecond float64
}

// Client calls the hosted functions. Safe for concurrent use.
type Client struct {
	cfg     Config
	httpc   *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
	// now is stubbed in tests for session-expiry checks.
	now func() time.Time
}

// New creates a Client. A nil logger falls back to slog.Default().
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &Client{
		cfg: cfg,
		// Per-call ceilings come from context deadlines; the transport
		// itself stays unbounded.
		httpc:   &http.Client{},
		limiter: limiter,
		logger:  logger,
		now:     time.Now,
	}
}

// GenerateStage runs one pipeline stage remotely.
func (c *Client) GenerateStage(ctx context.Context, req StageRequest) (*StageResult, error) {
	var out StageResult
	if err := c.call(ctx, OpGenerateStage, c.stageTimeout(), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LocalEdit sends the current document plus one instruction and receives a
// patched document, bypassing the staged pipeline.
func (c *Client) LocalEdit(ctx context.Context, req LocalEditRequest) (*LocalEditResult, error) {
	var out LocalEditResult
	if err := c.call(ctx, OpLocalEdit, c.stageTimeout(), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ValidateAndFix runs the pre-publish validation/repair pass.
func (c *Client) ValidateAndFix(ctx context.Context, req ValidateRequest) (*ValidateResult, error) {
	var out ValidateResult
	if err := c.call(ctx, OpValidateFix, c.validateTimeout(), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Publish finalizes the published copy of a page.
func (c *Client) Publish(ctx context.Context, req PublishRequest) (*PublishResult, error) {
	var out PublishResult
	if err := c.call(ctx, OpPublish, c.controlTimeout(), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DispatchAsyncBuild fires the webhook build. The acknowledged flag is the
// whole answer; the generated document arrives later via the page store's
// draft-change notification.
func (c *Client) DispatchAsyncBuild(ctx context.Context, req AsyncBuildRequest) (*DispatchResult, error) {
	var out DispatchResult
	if err := c.call(ctx, OpAsyncBuild, c.controlTimeout(), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) stageTimeout() time.Duration {
	if c.cfg.StageTimeout > 0 {
		return c.cfg.StageTimeout
	}
	return DefaultStageTimeout
}

func (c *Client) validateTimeout() time.Duration {
	if c.cfg.ValidateTimeout > 0 {
		return c.cfg.ValidateTimeout
	}
	return DefaultValidateTimeout
}

func (c *Client) controlTimeout() time.Duration {
	if c.cfg.ControlTimeout > 0 {
		return c.cfg.ControlTimeout
	}
	return DefaultControlTimeout
}

// checkSession verifies auth state locally. Runs before every dispatch so
// an expired session surfaces as a distinct "log in again" error instead of
// a generic remote failure.
func (c *Client) checkSession() error {
	if c.cfg.Token == "" {
		return fmt.Errorf("%w: no token configured", ErrSessionExpired)
	}
	if !c.cfg.TokenExpiresAt.IsZero() && c.now().After(c.cfg.TokenExpiresAt) {
		return fmt.Errorf("%w: token expired at %s", ErrSessionExpired, c.cfg.TokenExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// call posts a JSON request to op and decodes the response into out.
// Timeouts surface as *TimeoutError, remote failures as *CallError.
func (c *Client) call(ctx context.Context, op Operation, ceiling time.Duration, in, out any) error {
	if err := c.checkSession(); err != nil {
		return err
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, ceiling)
	defer cancel()

	url := c.cfg.BaseURL + "/" + string(op)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	start := time.Now()
	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			c.logger.Warn("remote call timed out",
				"operation", op,
				"ceiling", ceiling,
			)
			return &TimeoutError{Operation: op, Ceiling: ceiling}
		}
		return fmt.Errorf("%s request: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &TimeoutError{Operation: op, Ceiling: ceiling}
		}
		return fmt.Errorf("read %s response: %w", op, err)
	}

	if resp.StatusCode != http.StatusOK {
		return &CallError{
			Operation: op,
			Status:    resp.StatusCode,
			Message:   errorMessage(raw),
		}
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return &CallError{Operation: op, Message: fmt.Sprintf("invalid JSON response: %v", err)}
	}
	if err := validateResponse(op, payload); err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &CallError{Operation: op, Message: fmt.Sprintf("decode response: %v", err)}
	}

	c.logger.Debug("remote call completed",
		"operation", op,
		"elapsed", time.Since(start),
	)
	return nil
}

// errorMessage extracts a human-readable message from an error response
// body, falling back to the raw text.
func errorMessage(raw []byte) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	msg := string(raw)
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return msg
}
