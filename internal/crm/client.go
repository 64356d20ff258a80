// Package crm talks to the customer-support CRM that owns conversations:
// sending replies, reading history, typing indicators, and the
// conversation attributes that gate whether the bot may speak at all.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client is the operation surface the rest of the platform depends on.
type Client interface {
	// SendMessage posts a reply into the conversation. private marks an
	// internal note invisible to the end user.
	SendMessage(ctx context.Context, accountID, conversationID, text string, private bool) (*Message, error)

	// FetchMessages returns the most recent messages, oldest first.
	FetchMessages(ctx context.Context, accountID, conversationID string, limit int) ([]Message, error)

	// TouchConversation flips the typing indicator on briefly.
	TouchConversation(ctx context.Context, accountID, conversationID string) error

	// GetConversation loads assignment and attribute data.
	GetConversation(ctx context.Context, accountID, conversationID string) (*Conversation, error)
}

// Config holds the CRM connection settings.
type Config struct {
	BaseURL  string
	APIToken string
	Timeout  time.Duration // default 15s
}

// HTTPClient implements Client against the CRM's REST API.
type HTTPClient struct {
	cfg  Config
	http *http.Client
}

// NewHTTPClient creates a CRM client.
func NewHTTPClient(cfg Config) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &HTTPClient{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// Wire shapes. The CRM reports message_type as a string enum and
// timestamps as unix seconds.
type wireMessage struct {
	ID        int64  `json:"id"`
	Content   string `json:"content"`
	Type      string `json:"message_type"`
	Private   bool   `json:"private"`
	CreatedAt int64  `json:"created_at"`
}

func (w wireMessage) toMessage() Message {
	return Message{
		ID:        w.ID,
		Content:   w.Content,
		Type:      MessageType(w.Type),
		Private:   w.Private,
		CreatedAt: time.Unix(w.CreatedAt, 0).UTC(),
	}
}

type wireConversation struct {
	ID   json.Number `json:"id"`
	Meta struct {
		Assignee *struct {
			ID int64 `json:"id"`
		} `json:"assignee"`
	} `json:"meta"`
	Status           string         `json:"status"`
	CustomAttributes map[string]any `json:"custom_attributes"`
	LastActivityAt   int64          `json:"last_activity_at"`
}

func (c *HTTPClient) conversationURL(accountID, conversationID string, suffix string) string {
	return fmt.Sprintf("%s/api/v1/accounts/%s/conversations/%s%s",
		c.cfg.BaseURL, url.PathEscape(accountID), url.PathEscape(conversationID), suffix)
}

func (c *HTTPClient) do(ctx context.Context, method, rawURL string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("crm: marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return fmt.Errorf("crm: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api_access_token", c.cfg.APIToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("crm: %s %s: %w", method, rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("crm: %s %s: status %d: %s", method, rawURL, resp.StatusCode, snippet)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("crm: decode response: %w", err)
	}
	return nil
}

func (c *HTTPClient) SendMessage(ctx context.Context, accountID, conversationID, text string, private bool) (*Message, error) {
	payload := map[string]any{
		"content":      text,
		"message_type": "outgoing",
		"private":      private,
	}
	var w wireMessage
	if err := c.do(ctx, http.MethodPost,
		c.conversationURL(accountID, conversationID, "/messages"), payload, &w); err != nil {
		return nil, err
	}
	msg := w.toMessage()
	return &msg, nil
}

func (c *HTTPClient) FetchMessages(ctx context.Context, accountID, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	var envelope struct {
		Payload []wireMessage `json:"payload"`
	}
	if err := c.do(ctx, http.MethodGet,
		c.conversationURL(accountID, conversationID, "/messages"), nil, &envelope); err != nil {
		return nil, err
	}

	msgs := envelope.Payload
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]Message, len(msgs))
	for i, w := range msgs {
		out[i] = w.toMessage()
	}
	return out, nil
}

func (c *HTTPClient) TouchConversation(ctx context.Context, accountID, conversationID string) error {
	return c.do(ctx, http.MethodPost,
		c.conversationURL(accountID, conversationID, "/toggle_typing_status?typing_status=on"), nil, nil)
}

func (c *HTTPClient) GetConversation(ctx context.Context, accountID, conversationID string) (*Conversation, error) {
	var w wireConversation
	if err := c.do(ctx, http.MethodGet,
		c.conversationURL(accountID, conversationID, ""), nil, &w); err != nil {
		return nil, err
	}

	conv := &Conversation{
		ID:               w.ID.String(),
		Status:           w.Status,
		CustomAttributes: w.CustomAttributes,
		LastActivityAt:   time.Unix(w.LastActivityAt, 0).UTC(),
	}
	if w.Meta.Assignee != nil {
		id := w.Meta.Assignee.ID
		conv.AssigneeID = &id
	}
	return conv, nil
}
