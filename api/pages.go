package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pageforge/pageforge/internal/editor"
	"github.com/pageforge/pageforge/internal/log"
	"github.com/pageforge/pageforge/internal/page"
	"github.com/pageforge/pageforge/internal/pipeline"
	"github.com/pageforge/pageforge/internal/preview"
	"github.com/pageforge/pageforge/internal/remote"
)

// MaxCommandLength bounds the command body. Anything longer would blow
// the token budget anyway.
const MaxCommandLength = 10000

// pageHandler handles the page editing endpoints. Session lookup is
// delegated to the server.
type pageHandler struct {
	server *Server
	logger log.Logger
}

func newPageHandler(server *Server, logger log.Logger) *pageHandler {
	return &pageHandler{server: server, logger: logger}
}

// RegisterRoutes registers page routes on the given mux.
func (h *pageHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/pages/{type}/{id}/command", h.command)
	mux.HandleFunc("POST /api/pages/{type}/{id}/accept", h.accept)
	mux.HandleFunc("POST /api/pages/{type}/{id}/reject", h.reject)
	mux.HandleFunc("POST /api/pages/{type}/{id}/publish", h.publish)
	mux.HandleFunc("GET /api/pages/{type}/{id}/preview", h.preview)
	mux.HandleFunc("GET /api/pages/{type}/{id}/status", h.status)
	mux.HandleFunc("GET /api/pages/{type}/{id}/chat", h.chat)
	mux.HandleFunc("DELETE /api/pages/{type}/{id}/chat", h.resetChat)
}

// session resolves the editor session for the request's page path values.
// Writes the error response itself and returns nil on failure.
func (h *pageHandler) session(w http.ResponseWriter, r *http.Request) *editor.Session {
	ref := page.Ref{Type: r.PathValue("type"), ID: r.PathValue("id")}
	sess, err := h.server.session(r.Context(), ref)
	if err != nil {
		if errors.Is(err, page.ErrPageNotFound) {
			writeError(w, http.StatusNotFound, "page_not_found", ref.String())
			return nil
		}
		h.logger.Error("failed to open editor session", "page", ref.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "session_unavailable", "")
		return nil
	}
	return sess
}

// CommandRequest is the request body for the command endpoint.
type CommandRequest struct {
	// Mode selects the execution mode: "build", "edit", or "async".
	Mode    string `json:"mode"`
	Command string `json:"command"`
}

// CommandResponse reports a completed command.
type CommandResponse struct {
	Mode          pipeline.Mode         `json:"mode"`
	Reply         string                `json:"reply"`
	Stages        []pipeline.StageState `json:"stages,omitempty"`
	HasCandidate  bool                  `json:"hasCandidate"`
	Dispatched    bool                  `json:"dispatched"`
	BudgetWarning bool                  `json:"budgetWarning"`
}

func (h *pageHandler) command(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)
	if sess == nil {
		return
	}

	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "empty_command", "")
		return
	}
	if len(req.Command) > MaxCommandLength {
		writeError(w, http.StatusBadRequest, "command_too_long", "")
		return
	}

	var (
		out *editor.Outcome
		err error
	)
	switch req.Mode {
	case "build":
		out, err = sess.Build(r.Context(), req.Command)
	case "edit":
		out, err = sess.Edit(r.Context(), req.Command)
	case "async":
		out, err = sess.DispatchAsync(r.Context(), req.Command)
	default:
		writeError(w, http.StatusBadRequest, "unknown_mode", req.Mode)
		return
	}
	if err != nil {
		h.writeCommandError(w, out, err)
		return
	}

	writeJSON(w, http.StatusOK, CommandResponse{
		Mode:          out.Mode,
		Reply:         out.Reply.Content,
		Stages:        out.Stages,
		HasCandidate:  out.HasCandidate,
		Dispatched:    out.Dispatched,
		BudgetWarning: out.BudgetWarning,
	})
}

// writeCommandError maps command failures to HTTP statuses. The session
// already turned the failure into a chat entry; the body carries that
// user-facing text when available.
func (h *pageHandler) writeCommandError(w http.ResponseWriter, out *editor.Outcome, err error) {
	message := err.Error()
	if out != nil && out.Reply.Content != "" {
		message = out.Reply.Content
	}
	switch {
	case errors.Is(err, editor.ErrRequestInFlight):
		writeError(w, http.StatusConflict, "request_in_flight", message)
	case errors.Is(err, pipeline.ErrBudgetExceeded):
		writeError(w, http.StatusUnprocessableEntity, "budget_exceeded", message)
	case errors.Is(err, remote.ErrSessionExpired):
		writeError(w, http.StatusUnauthorized, "session_expired", message)
	default:
		h.logger.Error("command failed", "error", err)
		writeError(w, http.StatusBadGateway, "generation_failed", message)
	}
}

func (h *pageHandler) accept(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)
	if sess == nil {
		return
	}
	if !sess.Accept() {
		writeError(w, http.StatusConflict, "no_candidate", "nothing to accept")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"html": sess.HTML(editor.VersionCurrent)})
}

func (h *pageHandler) reject(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)
	if sess == nil {
		return
	}
	if !sess.Reject() {
		writeError(w, http.StatusConflict, "no_candidate", "nothing to reject")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *pageHandler) publish(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)
	if sess == nil {
		return
	}
	if err := sess.Publish(r.Context()); err != nil {
		switch {
		case errors.Is(err, editor.ErrRequestInFlight):
			writeError(w, http.StatusConflict, "request_in_flight", err.Error())
		case errors.Is(err, remote.ErrSessionExpired):
			writeError(w, http.StatusUnauthorized, "session_expired", err.Error())
		default:
			h.logger.Error("publish failed", "page", sess.Ref().String(), "error", err)
			writeError(w, http.StatusBadGateway, "publish_failed", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"published": true})
}

// PreviewResponse carries the rendered preview document.
type PreviewResponse struct {
	HTML       string             `json:"html"`
	Unresolved []string           `json:"unresolved,omitempty"`
	Viewports  []preview.Viewport `json:"viewports"`
}

func (h *pageHandler) preview(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)
	if sess == nil {
		return
	}
	doc := sess.Preview()
	writeJSON(w, http.StatusOK, PreviewResponse{
		HTML:       doc.HTML,
		Unresolved: doc.Unresolved,
		Viewports:  preview.Viewports(),
	})
}

// StatusResponse reports the session's display state.
type StatusResponse struct {
	Busy         bool                  `json:"busy"`
	HasCandidate bool                  `json:"hasCandidate"`
	Stages       []pipeline.StageState `json:"stages,omitempty"`
}

func (h *pageHandler) status(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)
	if sess == nil {
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Busy:         sess.Busy(),
		HasCandidate: sess.HasCandidate(),
		Stages:       sess.Stages(),
	})
}

func (h *pageHandler) chat(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)
	if sess == nil {
		return
	}
	msgs := sess.Chat().Messages()
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": msgs,
		"total":    len(msgs),
	})
}

func (h *pageHandler) resetChat(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)
	if sess == nil {
		return
	}
	if err := sess.ResetHistory(r.Context()); err != nil {
		h.logger.Error("failed to reset chat history", "page", sess.Ref().String(), "error", err)
		writeError(w, http.StatusInternalServerError, "reset_failed", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
