package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kisslabs/platform/internal/circuitbreaker"
)

// ConektaConfig configures the OXXO/SPEI provider.
type ConektaConfig struct {
	APIKey        string
	WebhookSecret string
	Timeout       time.Duration // default 15s
	LinkTTL       time.Duration // default 24h
}

// Conekta creates payment links and verifies webhooks signed with a
// plain hex HMAC-SHA256 digest of the raw body.
type Conekta struct {
	cfg     ConektaConfig
	http    *http.Client
	breaker *circuitbreaker.Breaker
	now     func() time.Time
}

func NewConekta(cfg ConektaConfig, breaker *circuitbreaker.Breaker) *Conekta {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.LinkTTL <= 0 {
		cfg.LinkTTL = 24 * time.Hour
	}
	return &Conekta{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		now:     time.Now,
	}
}

func (c *Conekta) Name() string { return "conekta" }

func (c *Conekta) SignatureHeader() string { return "Digest" }

func (c *Conekta) CreatePayment(ctx context.Context, order Order) (*Link, error) {
	expires := c.now().Add(c.cfg.LinkTTL).UTC()
	currency := strings.ToUpper(order.Currency)
	if currency == "" {
		currency = "MXN"
	}

	payload := map[string]any{
		"name":            order.Description,
		"type":            "PaymentLink",
		"recurrent":       false,
		"expires_at":      expires.Unix(),
		"allowed_payment_methods": []string{"cash", "card", "bank_transfer"},
		"order_template": map[string]any{
			"currency": currency,
			"line_items": []map[string]any{{
				"name":       order.Description,
				"unit_price": order.AmountCents,
				"quantity":   1,
			}},
			"metadata": map[string]string{
				"order_id":        order.OrderID,
				"conversation_id": order.ConversationID,
				"account_id":      order.AccountID,
			},
			"customer_info": map[string]string{
				"name":  order.CustomerName,
				"email": order.CustomerEmail,
			},
		},
	}

	var created struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := c.do(ctx, http.MethodPost, "https://api.conekta.io/checkouts", payload, &created); err != nil {
		return nil, err
	}
	return &Link{
		Provider:   c.Name(),
		ExternalID: created.ID,
		URL:        created.URL,
		ExpiresAt:  &expires,
	}, nil
}

func (c *Conekta) GetStatus(ctx context.Context, externalID string) (*PaymentStatus, error) {
	var checkout struct {
		Status        string `json:"status"`
		OrderTemplate struct {
			LineItems []struct {
				UnitPrice int64 `json:"unit_price"`
			} `json:"line_items"`
			Metadata map[string]string `json:"metadata"`
		} `json:"order_template"`
	}
	rawURL := "https://api.conekta.io/checkouts/" + url.PathEscape(externalID)
	if err := c.do(ctx, http.MethodGet, rawURL, nil, &checkout); err != nil {
		return nil, err
	}

	status := StatusPending
	switch checkout.Status {
	case "paid":
		status = StatusPaid
	case "expired":
		status = StatusExpired
	case "declined":
		status = StatusDeclined
	}
	out := &PaymentStatus{
		Status:            status,
		ExternalReference: checkout.OrderTemplate.Metadata["order_id"],
	}
	for _, item := range checkout.OrderTemplate.LineItems {
		out.AmountCents += item.UnitPrice
	}
	return out, nil
}

// VerifyWebhook checks the hex digest header against HMAC-SHA256 of the
// raw body. Constant-time compare.
func (c *Conekta) VerifyWebhook(rawBody []byte, signature string) (*WebhookEvent, error) {
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return nil, ErrBadSignature
	}

	mac := hmac.New(sha256.New, []byte(c.cfg.WebhookSecret))
	mac.Write(rawBody)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return nil, ErrBadSignature
	}

	var event struct {
		Type string `json:"type"`
		Data struct {
			Object struct {
				ID       string `json:"id"`
				Amount   int64  `json:"amount"`
				Metadata map[string]string `json:"metadata"`
				Checkout struct {
					ID string `json:"id"`
				} `json:"checkout"`
			} `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rawBody, &event); err != nil {
		return nil, fmt.Errorf("conekta: parse event: %w", err)
	}

	status := StatusPending
	switch event.Type {
	case "order.paid":
		status = StatusPaid
	case "order.expired":
		status = StatusExpired
	case "order.declined", "charge.declined":
		status = StatusDeclined
	}
	externalID := event.Data.Object.Checkout.ID
	if externalID == "" {
		externalID = event.Data.Object.ID
	}
	return &WebhookEvent{
		Type:        event.Type,
		ExternalID:  externalID,
		Status:      status,
		AmountCents: event.Data.Object.Amount,
		OrderID:     event.Data.Object.Metadata["order_id"],
	}, nil
}

func (c *Conekta) do(ctx context.Context, method, rawURL string, body, out any) error {
	call := func(ctx context.Context) error {
		var reader io.Reader
		if body != nil {
			buf, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("conekta: marshal request: %w", err)
			}
			reader = bytes.NewReader(buf)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
		if err != nil {
			return fmt.Errorf("conekta: build request: %w", err)
		}
		req.Header.Set("Accept", "application/vnd.conekta-v2.1.0+json")
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("conekta: %s %s: %w", method, rawURL, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("conekta: %s %s: status %d: %s", method, rawURL, resp.StatusCode, snippet)
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("conekta: decode response: %w", err)
		}
		return nil
	}
	if c.breaker != nil {
		return c.breaker.Do(ctx, call)
	}
	return call(ctx)
}
