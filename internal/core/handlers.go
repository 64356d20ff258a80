package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kisslabs/platform/internal/outbound"
	"github.com/kisslabs/platform/internal/payments"
	"github.com/kisslabs/platform/internal/store"
)

// notifyPayload is the payload of a "notify" action: push an operator
// message through the outbound gateway.
type notifyPayload struct {
	Recipient string `json:"recipient"`
	Channel   string `json:"channel"`
	Body      string `json:"body"`
	Category  string `json:"category,omitempty"`
}

// NotifyHandler executes "notify" actions. Delivery rides the outbound
// gateway, so opt-outs, caps, and quiet hours still apply.
type NotifyHandler struct {
	Outbound *outbound.Gateway
}

func (h *NotifyHandler) decode(a *store.Action) (notifyPayload, error) {
	var p notifyPayload
	if err := json.Unmarshal(a.Payload, &p); err != nil {
		return p, fmt.Errorf("notify: decode payload: %w", err)
	}
	if p.Recipient == "" || p.Body == "" {
		return p, fmt.Errorf("notify: recipient and body are required")
	}
	if p.Channel == "" {
		p.Channel = "slack"
	}
	if p.Category == "" {
		p.Category = string(outbound.CategoryAlert)
	}
	return p, nil
}

func (h *NotifyHandler) Execute(ctx context.Context, a *store.Action) (json.RawMessage, error) {
	p, err := h.decode(a)
	if err != nil {
		return nil, err
	}
	res, err := h.Outbound.Send(ctx, outbound.Message{
		Recipient: p.Recipient,
		Channel:   p.Channel,
		Category:  outbound.Category(p.Category),
		Body:      p.Body,
		Meta:      map[string]string{"case_id": a.CaseID, "action_id": a.ID},
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(res)
}

func (h *NotifyHandler) Plan(ctx context.Context, a *store.Action) (json.RawMessage, error) {
	p, err := h.decode(a)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]interface{}{
		"would_send": true,
		"channel":    p.Channel,
		"recipient":  p.Recipient,
		"category":   p.Category,
		"preview":    preview(p.Body, 120),
	})
}

// paymentLinkPayload is the payload of a "payment_link" action.
type paymentLinkPayload struct {
	Provider       string `json:"provider"`
	OrderID        string `json:"order_id"`
	AmountCents    int64  `json:"amount_cents"`
	Currency       string `json:"currency,omitempty"`
	Description    string `json:"description,omitempty"`
	CustomerName   string `json:"customer_name,omitempty"`
	CustomerEmail  string `json:"customer_email,omitempty"`
	AccountID      string `json:"account_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// PaymentLinkHandler executes "payment_link" actions: create a hosted
// checkout with the named provider and persist the link so the payment
// webhook can find it later.
type PaymentLinkHandler struct {
	Providers *payments.Registry
	Store     store.Store
}

func (h *PaymentLinkHandler) decode(a *store.Action) (paymentLinkPayload, error) {
	var p paymentLinkPayload
	if err := json.Unmarshal(a.Payload, &p); err != nil {
		return p, fmt.Errorf("payment_link: decode payload: %w", err)
	}
	if p.OrderID == "" || p.AmountCents <= 0 {
		return p, fmt.Errorf("payment_link: order_id and a positive amount_cents are required")
	}
	if p.Provider == "" {
		p.Provider = "conekta"
	}
	return p, nil
}

func (h *PaymentLinkHandler) Execute(ctx context.Context, a *store.Action) (json.RawMessage, error) {
	p, err := h.decode(a)
	if err != nil {
		return nil, err
	}
	provider, err := h.Providers.Get(p.Provider)
	if err != nil {
		return nil, err
	}

	link, err := provider.CreatePayment(ctx, payments.Order{
		OrderID:        p.OrderID,
		AmountCents:    p.AmountCents,
		Currency:       p.Currency,
		Description:    p.Description,
		CustomerName:   p.CustomerName,
		CustomerEmail:  p.CustomerEmail,
		AccountID:      p.AccountID,
		ConversationID: p.ConversationID,
	})
	if err != nil {
		return nil, fmt.Errorf("payment_link: create payment: %w", err)
	}

	now := time.Now().UTC()
	rec := &store.PaymentLink{
		OrderID:        p.OrderID,
		Provider:       link.Provider,
		ExternalID:     link.ExternalID,
		URL:            link.URL,
		Status:         string(payments.StatusPending),
		AmountCents:    p.AmountCents,
		AccountID:      p.AccountID,
		ConversationID: p.ConversationID,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      link.ExpiresAt,
	}
	if err := h.Store.UpsertPaymentLink(ctx, rec); err != nil {
		return nil, fmt.Errorf("payment_link: persist link: %w", err)
	}
	return json.Marshal(map[string]interface{}{
		"provider":    link.Provider,
		"external_id": link.ExternalID,
		"url":         link.URL,
		"order_id":    p.OrderID,
	})
}

func (h *PaymentLinkHandler) Plan(ctx context.Context, a *store.Action) (json.RawMessage, error) {
	p, err := h.decode(a)
	if err != nil {
		return nil, err
	}
	if _, err := h.Providers.Get(p.Provider); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]interface{}{
		"would_create": true,
		"provider":     p.Provider,
		"order_id":     p.OrderID,
		"amount_cents": p.AmountCents,
	})
}

func preview(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
