package v1

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/csagent/internal/domain"
)

type decideFunc func(ctx context.Context, approvalID, resolvedBy, comment string) (*domain.Resolution, error)

// Approve grants a pending approval. Repeating it returns the recorded outcome.
// POST /v1/approvals/:approval_id/approve
func (h *Handler) Approve(c echo.Context) error {
	return h.decide(c, h.service.Approve)
}

// Reject refuses a pending approval. Repeating it returns the recorded outcome.
// POST /v1/approvals/:approval_id/reject
func (h *Handler) Reject(c echo.Context) error {
	return h.decide(c, h.service.Reject)
}

func (h *Handler) decide(c echo.Context, fn decideFunc) error {
	var req domain.ApprovalDecisionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	// An authenticated principal is always the approver, whatever the body claims.
	resolvedBy := req.ResolvedBy
	if h.auth.Enabled() {
		resolvedBy = Principal(c)
	}

	res, err := fn(c.Request().Context(), c.Param("approval_id"), resolvedBy, req.Comment)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// GetApproval returns an approval request with the tool call it gates.
// GET /v1/approvals/:approval_id
func (h *Handler) GetApproval(c echo.Context) error {
	pa, err := h.service.GetApproval(c.Request().Context(), c.Param("approval_id"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, pa)
}

// ListApprovals lists pending approvals, optionally for one session.
// GET /v1/approvals?session_id=
func (h *Handler) ListApprovals(c echo.Context) error {
	pending, err := h.service.ListPendingApprovals(c.Request().Context(), c.QueryParam("session_id"))
	if err != nil {
		return errorJSON(c, err)
	}
	if pending == nil {
		pending = []domain.PendingApproval{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"approvals": pending,
	})
}
