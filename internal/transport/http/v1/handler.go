// Package v1 provides the public HTTP API of the engine.
package v1

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/csagent/internal/domain"
	"github.com/xiaot623/gogo/csagent/internal/hub"
	"github.com/xiaot623/gogo/csagent/internal/logging"
	"github.com/xiaot623/gogo/csagent/internal/service"
)

// HeaderUserID identifies the caller when JWT auth is disabled.
const HeaderUserID = "X-User-ID"

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
	ws      *hub.Server
	auth    *Authenticator
	log     *logging.Logger
}

// NewHandler creates a new handler.
func NewHandler(svc *service.Service, ws *hub.Server, auth *Authenticator, logger *logging.Logger) *Handler {
	if auth == nil {
		auth = NewAuthenticator("")
	}
	return &Handler{
		service: svc,
		ws:      ws,
		auth:    auth,
		log:     logger.Sub("http"),
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/v1", h.auth.Middleware)

	g.POST("/chat", h.Chat)

	g.GET("/approvals", h.ListApprovals)
	g.GET("/approvals/:approval_id", h.GetApproval)
	g.POST("/approvals/:approval_id/approve", h.Approve)
	g.POST("/approvals/:approval_id/reject", h.Reject)

	g.GET("/sessions/:session_id", h.GetSession)
	g.GET("/sessions/:session_id/messages", h.GetSessionMessages)
	g.GET("/sessions/:session_id/audit", h.GetSessionAudit)
	g.POST("/sessions/:session_id/end", h.EndSession)

	g.GET("/ws", h.Subscribe)

	e.GET("/health", h.Health)
}

// Health reports whether the durable store is reachable.
func (h *Handler) Health(c echo.Context) error {
	if err := h.service.Health(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

// Subscribe upgrades to the operator websocket.
// GET /v1/ws?session_id=
func (h *Handler) Subscribe(c echo.Context) error {
	return h.ws.Handle(c, c.QueryParam("session_id"), Principal(c))
}

// userID is the authenticated subject, then the X-User-ID header, then the anonymous user.
func (h *Handler) userID(c echo.Context) string {
	if p := Principal(c); p != "" {
		return p
	}
	if u := c.Request().Header.Get(HeaderUserID); u != "" {
		return u
	}
	return service.DefaultUserID
}

// errorJSON maps an engine error to its HTTP status.
func errorJSON(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrPolicyViolation):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrPersistence):
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, domain.ErrorResponse{
		Error:     err.Error(),
		Code:      domain.CodeOf(err),
		Retryable: status == http.StatusServiceUnavailable,
	})
}

func badRequest(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, domain.ErrorResponse{Error: message, Code: domain.CodeValidation})
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(c echo.Context, name string) (int64, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return v, nil
}
