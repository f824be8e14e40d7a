package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xiaot623/gogo/csagent/internal/domain"
	v1 "github.com/xiaot623/gogo/csagent/internal/transport/http/v1"
)

// Client talks to the engine's v1 API.
type Client struct {
	baseURL string
	token   string
	userID  string
	http    *http.Client
}

// NewClient creates a client for the engine at baseURL.
func NewClient(baseURL, token, userID string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		userID:  userID,
		// No overall timeout: chat streams stay open for the whole turn.
		http: &http.Client{},
	}
}

// APIError is a non-2xx response.
type APIError struct {
	Status int
	Body   domain.ErrorResponse
}

func (e *APIError) Error() string {
	if e.Body.Error != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Body.Code, e.Body.Error)
	}
	return fmt.Sprintf("unexpected status %d", e.Status)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userID != "" {
		req.Header.Set(v1.HeaderUserID, c.userID)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	apiErr := &APIError{Status: resp.StatusCode}
	_ = json.NewDecoder(resp.Body).Decode(&apiErr.Body)
	return apiErr
}

// StreamEvent is a chat stream event with its payload left undecoded.
type StreamEvent struct {
	Type    domain.StreamEventType `json:"type"`
	Payload json.RawMessage        `json:"payload"`
}

// Chat sends a message and calls onEvent for every event of the turn.
func (c *Client) Chat(ctx context.Context, req domain.ChatRequest, onEvent func(StreamEvent) error) error {
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/v1/chat", req)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev StreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			return fmt.Errorf("decode stream event: %w", err)
		}
		if err := onEvent(ev); err != nil {
			return err
		}
	}
	return sc.Err()
}

// ListApprovals lists pending approvals, optionally for one session.
func (c *Client) ListApprovals(ctx context.Context, sessionID string) ([]domain.PendingApproval, error) {
	path := "/v1/approvals"
	if sessionID != "" {
		path += "?session_id=" + url.QueryEscape(sessionID)
	}
	var out struct {
		Approvals []domain.PendingApproval `json:"approvals"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Approvals, nil
}

// Decide approves or rejects an approval request.
func (c *Client) Decide(ctx context.Context, approvalID string, approve bool, resolvedBy, comment string) (*domain.Resolution, error) {
	action := "reject"
	if approve {
		action = "approve"
	}
	var res domain.Resolution
	body := domain.ApprovalDecisionRequest{ResolvedBy: resolvedBy, Comment: comment}
	if err := c.do(ctx, http.MethodPost, "/v1/approvals/"+url.PathEscape(approvalID)+"/"+action, body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetSession returns a session with its tool calls.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*domain.SessionView, error) {
	var view domain.SessionView
	if err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(sessionID), nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// ListMessages returns one page of a session's messages.
func (c *Client) ListMessages(ctx context.Context, sessionID string, afterSeq int64, limit int) (*domain.ListMessagesResponse, error) {
	q := url.Values{}
	if afterSeq > 0 {
		q.Set("after_seq", fmt.Sprint(afterSeq))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out domain.ListMessagesResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListAudit returns the audit trail of a session.
func (c *Client) ListAudit(ctx context.Context, sessionID string) ([]domain.AuditEntry, error) {
	var out struct {
		Entries []domain.AuditEntry `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(sessionID)+"/audit", nil, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// EndSession ends a session.
func (c *Client) EndSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	var sess domain.Session
	if err := c.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(sessionID)+"/end", nil, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Watch opens the operator websocket and calls onEvent for every push until ctx is done.
func (c *Client) Watch(ctx context.Context, sessionID string, onEvent func(domain.PushEvent)) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/ws"
	q := u.Query()
	if sessionID != "" {
		q.Set("session_id", sessionID)
	}
	if c.token != "" {
		q.Set("token", c.token)
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	if c.userID != "" {
		header.Set(v1.HeaderUserID, c.userID)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		var ev domain.PushEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("decode push event: %w", err)
		}
		onEvent(ev)
	}
}

// isNotFound reports whether err is a 404 from the engine.
func isNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}
