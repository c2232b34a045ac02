// Package chatkit is the client-side realtime messaging engine of the
// SkillBridge app. It keeps conversations, messages, typing state, read
// receipts, and unread counters consistent across independent UI surfaces
// while riding on a single reconnecting realtime connection.
//
// Example:
//
//	rest := chatkit.NewClient("https://api.skillbridge.app",
//		chatkit.WithTokenProvider(auth))
//	engine, _ := chatkit.NewEngine(chatkit.Options{
//		REST:        rest,
//		CurrentUser: chatkit.Participant{UserID: 7, DisplayName: "Kim"},
//	})
//	engine.Start(ctx)
//	defer engine.Close()
//
//	watch := engine.Watch(42)
//	for msgs := range watch.Messages {
//		render(msgs)
//	}
package chatkit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultTimeout bounds every REST call.
	DefaultTimeout = 30 * time.Second
)

// TokenProvider supplies the auth token attached to every backend call.
// Token refresh is an external concern; a provider error is a hard failure
// of the call, never something the engine resolves itself.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenProvider for a fixed token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", fmt.Errorf("no auth token available")
	}
	return string(t), nil
}

// ============================================================================
// Client
// ============================================================================

// Client is the REST collaborator of the engine: paginated history,
// conversation listing, mark-read confirmation, and unread-count resync.
type Client struct {
	baseURL    string
	tokens     TokenProvider
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithTokenProvider(tokens TokenProvider) ClientOption {
	return func(c *Client) { c.tokens = tokens }
}

// NewClient creates a REST client for the chat backend.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  StaticToken(""),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured backend base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Tokens returns the client's token provider so the realtime connection can
// authenticate with the same credentials.
func (c *Client) Tokens() TokenProvider {
	return c.tokens
}

// RealtimeURL returns the websocket endpoint derived from the base URL.
func (c *Client) RealtimeURL() string {
	u := strings.Replace(c.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws"
}

// ============================================================================
// Internal request helper
// ============================================================================

// apiResult is the backend's response envelope.
type apiResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) (json.RawMessage, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("auth token: %w", err)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var result apiResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !result.OK {
		if result.Error != nil {
			return nil, result.Error
		}
		return nil, &APIError{Code: fmt.Sprintf("HTTP_%d", resp.StatusCode), Message: "request rejected"}
	}
	return result.Data, nil
}

func decodeJSON[T any](data json.RawMessage) (T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return result, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return result, nil
}

// ============================================================================
// Endpoints
// ============================================================================

// ListConversations fetches one page of the user's conversations.
func (c *Client) ListConversations(ctx context.Context, page, size int) ([]Conversation, error) {
	data, err := c.doRequest(ctx, "GET", "/api/chat/conversations", nil, pageQuery(page, size))
	if err != nil {
		return nil, err
	}
	return decodeJSON[[]Conversation](data)
}

// MessageHistory fetches one page of past messages for a conversation,
// oldest-first within the page.
func (c *Client) MessageHistory(ctx context.Context, conversationID int64, page, size int) ([]Message, error) {
	path := fmt.Sprintf("/api/chat/conversations/%d/messages", conversationID)
	data, err := c.doRequest(ctx, "GET", path, nil, pageQuery(page, size))
	if err != nil {
		return nil, err
	}
	return decodeJSON[[]Message](data)
}

// MarkConversationRead acknowledges read state on the backend.
func (c *Client) MarkConversationRead(ctx context.Context, conversationID int64) error {
	path := fmt.Sprintf("/api/chat/conversations/%d/read", conversationID)
	_, err := c.doRequest(ctx, "POST", path, nil, nil)
	return err
}

// DeleteMessage removes a message for everyone in the conversation. The
// gateway broadcasts the deletion to the conversation's message topic.
func (c *Client) DeleteMessage(ctx context.Context, conversationID, messageID int64) error {
	path := fmt.Sprintf("/api/chat/conversations/%d/messages/%d", conversationID, messageID)
	_, err := c.doRequest(ctx, "DELETE", path, nil, nil)
	return err
}

// UnreadCounts fetches the authoritative conversation-id → unread-count map,
// used for full resync.
func (c *Client) UnreadCounts(ctx context.Context) (map[int64]int, error) {
	data, err := c.doRequest(ctx, "GET", "/api/chat/unread-counts", nil, nil)
	if err != nil {
		return nil, err
	}
	raw, err := decodeJSON[map[string]int](data)
	if err != nil {
		return nil, err
	}
	counts := make(map[int64]int, len(raw))
	for k, v := range raw {
		var id int64
		if _, err := fmt.Sscanf(k, "%d", &id); err != nil {
			continue
		}
		counts[id] = v
	}
	return counts, nil
}

func pageQuery(page, size int) map[string]string {
	q := map[string]string{}
	if page > 0 {
		q["page"] = fmt.Sprintf("%d", page)
	}
	if size > 0 {
		q["size"] = fmt.Sprintf("%d", size)
	}
	if len(q) == 0 {
		return nil
	}
	return q
}
