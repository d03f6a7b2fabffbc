package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/hub"
	"github.com/xiaot623/gogo/internal/service"
)

// Handler serves the internal API.
type Handler struct {
	service  *service.Service
	registry *hub.Registry
}

// NewHandler creates a new internal API handler.
func NewHandler(svc *service.Service, registry *hub.Registry) *Handler {
	return &Handler{service: svc, registry: registry}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Health)

	// Out-of-band control
	e.POST("/internal/runs/:run_id/cancel", h.CancelRun)

	// Sessions
	e.POST("/v1/sessions/:session_id/messages", h.SubmitMessage)
	e.GET("/v1/sessions/:session_id/messages", h.ListMessages)
	e.POST("/v1/sessions/:session_id/stop", h.Stop)
	e.POST("/v1/sessions/:session_id/edit_resend", h.EditResend)
	e.GET("/v1/sessions/:session_id/run", h.GetRun)
	e.GET("/v1/sessions/:session_id/runs/:run_id/events", h.ListEvents)
	e.POST("/v1/sessions/:session_id/resume", h.Resume)
	e.GET("/v1/sessions/:session_id/audit", h.ListAudit)
}

func errorJSON(c echo.Context, code int, msg string) error {
	return c.JSON(code, map[string]string{"error": msg})
}

func internalError(c echo.Context, err error) error {
	slog.Error("internal api error", "path", c.Path(), "error", err)
	return errorJSON(c, http.StatusInternalServerError, "internal error")
}

// ackStatus maps an acknowledgment to an HTTP status. Rejections are 409 so
// callers can tell them apart without parsing the body.
func ackStatus(ack *domain.ControlAck) int {
	if ack.Accepted() {
		return http.StatusOK
	}
	return http.StatusConflict
}

// Health reports liveness and basic load.
// GET /health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"sessions":  h.registry.Count(),
		"live_runs": h.service.LiveRunCount(),
	})
}

// CancelRunRequest is the body of POST /internal/runs/:run_id/cancel.
type CancelRunRequest struct {
	SessionID string `json:"session_id"`
	CommandID string `json:"command_id"`
	Reason    string `json:"reason"`
}

// CancelRun stops a live run.
// POST /internal/runs/:run_id/cancel
func (h *Handler) CancelRun(c echo.Context) error {
	var req CancelRunRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	ack, err := h.service.CancelRun(c.Request().Context(), req.SessionID, c.Param("run_id"), req.CommandID, req.Reason)
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(ackStatus(ack), ack)
}

// SubmitMessageRequest is the body of POST /v1/sessions/:session_id/messages.
type SubmitMessageRequest struct {
	CommandID string         `json:"command_id"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata"`
}

// SubmitMessage starts a run for a user turn.
// POST /v1/sessions/:session_id/messages
func (h *Handler) SubmitMessage(c echo.Context) error {
	var req SubmitMessageRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	ack, err := h.service.SubmitUserMessage(c.Request().Context(), &domain.StartRunRequest{
		SessionID: c.Param("session_id"),
		Content:   req.Content,
		Metadata:  req.Metadata,
		CommandID: req.CommandID,
	})
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(ackStatus(ack), ack)
}

// Stop is the REST form of control.stop.
// POST /v1/sessions/:session_id/stop
func (h *Handler) Stop(c echo.Context) error {
	var cmd domain.StopCommand
	if err := c.Bind(&cmd); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	cmd.SessionID = c.Param("session_id")
	ack, err := h.service.RequestStop(c.Request().Context(), &cmd)
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(ackStatus(ack), ack)
}

// EditResend is the REST form of control.edit_resend.
// POST /v1/sessions/:session_id/edit_resend
func (h *Handler) EditResend(c echo.Context) error {
	var cmd domain.EditResendCommand
	if err := c.Bind(&cmd); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	cmd.SessionID = c.Param("session_id")
	ack, err := h.service.HandleEditResend(c.Request().Context(), &cmd)
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(ackStatus(ack), ack)
}

// GetRun returns the session's persisted run state and, when the run is
// live in this process, its in-memory snapshot.
// GET /v1/sessions/:session_id/run
func (h *Handler) GetRun(c echo.Context) error {
	sessionID := c.Param("session_id")
	state, err := h.service.GetRunState(c.Request().Context(), sessionID)
	if errors.Is(err, domain.ErrNotFound) {
		return errorJSON(c, http.StatusNotFound, "no run for session")
	}
	if err != nil {
		return internalError(c, err)
	}

	resp := map[string]interface{}{"run": state}
	if rc := h.service.LiveRun(sessionID); rc != nil && rc.RunID == state.RunID {
		resp["live"] = rc.Snapshot()
	}
	return c.JSON(http.StatusOK, resp)
}

// ListEvents returns a run's persisted events.
// GET /v1/sessions/:session_id/runs/:run_id/events?after_seq=
func (h *Handler) ListEvents(c echo.Context) error {
	var afterSeq int64
	if v := c.QueryParam("after_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return errorJSON(c, http.StatusBadRequest, "after_seq must be a non-negative integer")
		}
		afterSeq = n
	}
	events, err := h.service.ListEvents(c.Request().Context(), c.Param("session_id"), c.Param("run_id"), afterSeq)
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"events": rawPayloads(events),
	})
}

// ResumeRequest is the body of POST /v1/sessions/:session_id/resume.
type ResumeRequest struct {
	RunID   string `json:"run_id"`
	LastSeq int64  `json:"last_seq"`
}

// Resume returns what a client missed. The events are the original frames.
// POST /v1/sessions/:session_id/resume
func (h *Handler) Resume(c echo.Context) error {
	var req ResumeRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if req.LastSeq < 0 {
		return errorJSON(c, http.StatusBadRequest, "last_seq must be non-negative")
	}
	res, err := h.service.Resume(c.Request().Context(), &domain.ResumeRequest{
		SessionID: c.Param("session_id"),
		RunID:     req.RunID,
		LastSeq:   req.LastSeq,
	}, nil)
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":         res.Status,
		"reason":         res.Reason,
		"run_id":         res.RunID,
		"from_seq":       res.FromSeq,
		"to_seq":         res.ToSeq,
		"replayed_count": res.ReplayedCount,
		"events":         rawPayloads(res.Events),
	})
}

// ListMessages returns the session's conversation.
// GET /v1/sessions/:session_id/messages?include_superseded=true
func (h *Handler) ListMessages(c echo.Context) error {
	include, _ := strconv.ParseBool(c.QueryParam("include_superseded"))
	msgs, err := h.service.ListMessages(c.Request().Context(), c.Param("session_id"), include)
	if err != nil {
		return internalError(c, err)
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"messages": msgs})
}

// ListAudit returns the session's audit trail.
// GET /v1/sessions/:session_id/audit
func (h *Handler) ListAudit(c echo.Context) error {
	events, err := h.service.ListAuditEvents(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return internalError(c, err)
	}
	if events == nil {
		events = []domain.AuditEvent{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"audit_events": events})
}

func rawPayloads(events []domain.EventRecord) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Payload)
	}
	return out
}
