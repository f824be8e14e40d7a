package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/csagent/internal/domain"
)

// GetSession returns a session with its tool calls.
// GET /v1/sessions/:session_id
func (h *Handler) GetSession(c echo.Context) error {
	view, err := h.service.GetSession(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

// GetSessionMessages pages through a session's messages.
// GET /v1/sessions/:session_id/messages?after_seq=&limit=
func (h *Handler) GetSessionMessages(c echo.Context) error {
	afterSeq, err := queryInt(c, "after_seq")
	if err != nil {
		return badRequest(c, err.Error())
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		return badRequest(c, err.Error())
	}

	resp, err := h.service.ListMessages(c.Request().Context(), c.Param("session_id"), afterSeq, int(limit))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// GetSessionAudit returns the audit trail of a session.
// GET /v1/sessions/:session_id/audit?after_seq=&limit=
func (h *Handler) GetSessionAudit(c echo.Context) error {
	afterSeq, err := queryInt(c, "after_seq")
	if err != nil {
		return badRequest(c, err.Error())
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		return badRequest(c, err.Error())
	}

	entries, err := h.service.ListAudit(c.Request().Context(), c.Param("session_id"), afterSeq, int(limit))
	if err != nil {
		return errorJSON(c, err)
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"entries": entries,
	})
}

// EndSession closes a session. Ending it again returns the ended session.
// POST /v1/sessions/:session_id/end
func (h *Handler) EndSession(c echo.Context) error {
	sess, err := h.service.EndSession(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}
