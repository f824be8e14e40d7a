package v1

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/csagent/internal/domain"
)

// Chat runs a turn and streams its events as server-sent events.
// POST /v1/chat
func (h *Handler) Chat(c echo.Context) error {
	var req domain.ChatRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	req.UserID = h.userID(c)

	ctx := c.Request().Context()
	events, err := h.service.Chat(ctx, req)
	if err != nil {
		return errorJSON(c, err)
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			h.log.Error().Err(err).Str("type", string(ev.Type)).Msg("failed to encode stream event")
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			// The client went away. The turn notices through the request context and
			// its durable writes complete regardless.
			h.log.Debug().Err(err).Msg("chat stream closed by client")
			for range events {
			}
			return nil
		}
		w.Flush()
	}
	return nil
}
