package crm

import (
	"context"
	"fmt"

	"github.com/kisslabs/platform/internal/circuitbreaker"
)

// DeferReason explains why the bot must stay quiet on a conversation.
type DeferReason string

const (
	DeferNone         DeferReason = ""
	DeferHumanAgent   DeferReason = "human_agent_assigned"
	DeferBotDisabled  DeferReason = "bot_disabled_attribute"
	DeferConversation DeferReason = "conversation_resolved"
)

// ShouldDefer decides whether the bot must hand the conversation to a
// human instead of replying. The decision is advisory on lookup failure:
// an unreachable CRM must not silence the bot, so errors report
// defer=false alongside the error for the caller to log.
func ShouldDefer(ctx context.Context, client Client, accountID, conversationID string) (bool, DeferReason, error) {
	conv, err := client.GetConversation(ctx, accountID, conversationID)
	if err != nil {
		return false, DeferNone, fmt.Errorf("crm: gate lookup: %w", err)
	}
	switch {
	case conv.HasHumanAssignee():
		return true, DeferHumanAgent, nil
	case conv.BotDisabled():
		return true, DeferBotDisabled, nil
	case conv.Status == "resolved":
		return true, DeferConversation, nil
	}
	return false, DeferNone, nil
}

// breakerClient wraps a Client so every CRM call flows through a shared
// circuit breaker.
type breakerClient struct {
	inner   Client
	breaker *circuitbreaker.Breaker
}

// WithBreaker decorates a client with circuit breaking.
func WithBreaker(inner Client, b *circuitbreaker.Breaker) Client {
	return &breakerClient{inner: inner, breaker: b}
}

func (c *breakerClient) SendMessage(ctx context.Context, accountID, conversationID, text string, private bool) (*Message, error) {
	var msg *Message
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		msg, err = c.inner.SendMessage(ctx, accountID, conversationID, text, private)
		return err
	})
	return msg, err
}

func (c *breakerClient) FetchMessages(ctx context.Context, accountID, conversationID string, limit int) ([]Message, error) {
	var msgs []Message
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		msgs, err = c.inner.FetchMessages(ctx, accountID, conversationID, limit)
		return err
	})
	return msgs, err
}

func (c *breakerClient) TouchConversation(ctx context.Context, accountID, conversationID string) error {
	return c.breaker.Do(ctx, func(ctx context.Context) error {
		return c.inner.TouchConversation(ctx, accountID, conversationID)
	})
}

func (c *breakerClient) GetConversation(ctx context.Context, accountID, conversationID string) (*Conversation, error) {
	var conv *Conversation
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		conv, err = c.inner.GetConversation(ctx, accountID, conversationID)
		return err
	})
	return conv, err
}
