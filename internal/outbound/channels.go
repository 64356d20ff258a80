package outbound

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/slack-go/slack"

	"github.com/kisslabs/platform/internal/crm"
)

// CRMText replies into the recipient's CRM conversation.
type CRMText struct {
	Client crm.Client
}

func (c *CRMText) Name() string { return "crm" }

func (c *CRMText) Deliver(ctx context.Context, msg Message) error {
	if msg.ConversationID == "" {
		return errors.New("outbound: crm channel needs a conversation id")
	}
	_, err := c.Client.SendMessage(ctx, msg.AccountID, msg.ConversationID, msg.Body, false)
	return err
}

// Push posts to the push-notification collaborator's HTTP API.
type Push struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewPush(baseURL, token string) *Push {
	return &Push{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *Push) Name() string { return "push" }

func (p *Push) Deliver(ctx context.Context, msg Message) error {
	body, err := json.Marshal(map[string]string{
		"recipient": msg.Recipient,
		"title":     msg.Meta["title"],
		"body":      msg.Body,
	})
	if err != nil {
		return fmt.Errorf("push: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/v1/notifications", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("push: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.Token)

	resp, err := p.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("push: status %d: %s", resp.StatusCode, snippet)
	}
	return nil
}

// Slack posts operator alerts to an incoming-webhook URL.
type Slack struct {
	WebhookURL string
	Username   string
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Deliver(ctx context.Context, msg Message) error {
	text := msg.Body
	if title := msg.Meta["title"]; title != "" {
		text = "*" + title + "*\n" + text
	}
	err := slack.PostWebhookContext(ctx, s.WebhookURL, &slack.WebhookMessage{
		Username: s.Username,
		Text:     text,
	})
	if err != nil {
		return fmt.Errorf("slack: %w", err)
	}
	return nil
}
