package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/valyala/fasthttp"
	"golang.org/x/time/rate"

	"medlink/pkg/logger"
	"medlink/pkg/models"
)

// Client talks to the collaborator REST endpoints. The core treats them
// as a black box: errors are classified into the taxonomy here and no
// business logic leaks in.
type Client struct {
	baseURL string
	http    *fasthttp.Client
	timeout time.Duration

	// typing events are fired on keystrokes; the limiter keeps a fast
	// typist from flooding the wire
	typingLimiter *rate.Limiter
}

// Option mutates client construction.
type Option func(*Client)

// WithTimeout overrides the default per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithTypingRate overrides the typing-event rate limit.
func WithTypingRate(rps float64, burst int) Option {
	return func(c *Client) { c.typingLimiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// New builds a client for the given base URL (e.g. "http://127.0.0.1:4080/api").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:       baseURL,
		http:          &fasthttp.Client{MaxConnsPerHost: 64},
		timeout:       10 * time.Second,
		typingLimiter: rate.NewLimiter(rate.Limit(2), 2),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// do issues one JSON request and decodes the response into out when
// non-nil. Transport failures and 5xx map to NetworkError (retryable),
// 4xx to ValidationError (not retryable).
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if err := ctx.Err(); err != nil {
		return &models.NetworkError{Op: path, Err: err}
	}
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(method)
	req.Header.SetContentType("application/json")
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &models.ValidationError{Field: "body", Reason: err.Error()}
		}
		req.SetBody(b)
	}

	timeout := c.timeout
	if dl, ok := ctx.Deadline(); ok {
		if until := time.Until(dl); until < timeout {
			timeout = until
		}
	}
	if err := c.http.DoTimeout(req, resp, timeout); err != nil {
		return &models.NetworkError{Op: fmt.Sprintf("%s %s", method, path), Err: err}
	}

	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 300:
	case code >= 400 && code < 500:
		return &models.ValidationError{Field: path, Reason: fmt.Sprintf("HTTP %d: %s", code, truncateBody(resp.Body()))}
	default:
		return &models.NetworkError{Op: fmt.Sprintf("%s %s", method, path), Err: fmt.Errorf("HTTP %d", code)}
	}

	if out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return &models.NetworkError{Op: path, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}

func truncateBody(b []byte) string {
	const max = 200
	if len(b) > max {
		b = b[:max]
	}
	return string(b)
}

// SendMessage delivers one outbound message; the response carries the
// server-assigned id.
func (c *Client) SendMessage(ctx context.Context, m models.Message) (SendMessageResponse, error) {
	var out SendMessageResponse
	if err := c.do(ctx, fasthttp.MethodPost, "/messages", WireMessageRequest(m), &out); err != nil {
		return SendMessageResponse{}, err
	}
	if out.ID == "" {
		return SendMessageResponse{}, &models.NetworkError{Op: "POST /messages", Err: fmt.Errorf("response missing id")}
	}
	return out, nil
}

// SendReaction posts an add/remove reaction action.
func (c *Client) SendReaction(ctx context.Context, messageID, emoji, userID, action string) error {
	var out ReactionResponse
	err := c.do(ctx, fasthttp.MethodPost, "/reactions", ReactionRequest{
		MessageID: messageID, Emoji: emoji, UserID: userID, Action: action,
	}, &out)
	if err != nil {
		return err
	}
	if !out.Success {
		return &models.NetworkError{Op: "POST /reactions", Err: fmt.Errorf("server rejected reaction")}
	}
	return nil
}

// SendTyping posts a typing state change. Calls beyond the rate limit
// are dropped silently; typing state is ephemeral and the TTL on the
// receiving side makes stale entries disappear anyway.
func (c *Client) SendTyping(ctx context.Context, userID, roomID string, isTyping bool) error {
	if !c.typingLimiter.Allow() {
		logger.Debug("typing_event_rate_limited", "user", userID, "room", roomID)
		return nil
	}
	var out TypingResponse
	return c.do(ctx, fasthttp.MethodPost, "/typing", TypingRequest{
		UserID: userID, RoomID: roomID, IsTyping: isTyping,
	}, &out)
}

// ListRoomThreads fetches the ordered threads of a room.
func (c *Client) ListRoomThreads(ctx context.Context, roomID string) ([]WireThread, error) {
	var out []WireThread
	if err := c.do(ctx, fasthttp.MethodGet, "/threads/room/"+url.PathEscape(roomID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateThread creates (or returns the existing) thread rooted at a
// parent message.
func (c *Client) CreateThread(ctx context.Context, parentMessageID, roomID, title string) (WireThread, error) {
	var out WireThread
	err := c.do(ctx, fasthttp.MethodPost, "/threads", CreateThreadRequest{
		ParentMessageID: parentMessageID, RoomID: roomID, Title: title,
	}, &out)
	return out, err
}

// ListThreadMessages fetches a thread's replies.
func (c *Client) ListThreadMessages(ctx context.Context, threadID string) ([]SendMessageResponse, error) {
	var out []SendMessageResponse
	if err := c.do(ctx, fasthttp.MethodGet, "/threads/"+url.PathEscape(threadID)+"/messages", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetNotificationSettings fetches a user's settings.
func (c *Client) GetNotificationSettings(ctx context.Context, userID string) (models.NotificationSettings, error) {
	var out models.NotificationSettings
	err := c.do(ctx, fasthttp.MethodGet, "/notifications/settings?userId="+url.QueryEscape(userID), nil, &out)
	return out, err
}

// SaveNotificationSettings persists a user's settings remotely.
func (c *Client) SaveNotificationSettings(ctx context.Context, userID string, s models.NotificationSettings) error {
	return c.do(ctx, fasthttp.MethodPost, "/notifications/settings", SettingsEnvelope{UserID: userID, Settings: s}, nil)
}
