package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kisslabs/platform/internal/circuitbreaker"
)

// signatureTolerance bounds how old a signed webhook timestamp may be.
// Replays past this window fail verification even with a valid MAC.
const signatureTolerance = 5 * time.Minute

// StripeConfig configures the card-payment provider.
type StripeConfig struct {
	APIKey        string
	WebhookSecret string
	SuccessURL    string
	Timeout       time.Duration // default 15s
}

// Stripe creates hosted checkout links and verifies signed webhooks.
// Signatures come in the form "t=<unix>,v1=<hex hmac>" over
// "<unix>.<raw body>".
type Stripe struct {
	cfg     StripeConfig
	http    *http.Client
	breaker *circuitbreaker.Breaker
	now     func() time.Time
}

func NewStripe(cfg StripeConfig, breaker *circuitbreaker.Breaker) *Stripe {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Stripe{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		now:     time.Now,
	}
}

func (s *Stripe) Name() string { return "stripe" }

func (s *Stripe) SignatureHeader() string { return "Stripe-Signature" }

func (s *Stripe) CreatePayment(ctx context.Context, order Order) (*Link, error) {
	currency := strings.ToLower(order.Currency)
	if currency == "" {
		currency = "mxn"
	}

	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("line_items[0][price_data][currency]", currency)
	form.Set("line_items[0][price_data][product_data][name]", order.Description)
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(order.AmountCents, 10))
	form.Set("line_items[0][quantity]", "1")
	form.Set("client_reference_id", order.OrderID)
	form.Set("metadata[conversation_id]", order.ConversationID)
	form.Set("metadata[account_id]", order.AccountID)
	if s.cfg.SuccessURL != "" {
		form.Set("success_url", s.cfg.SuccessURL)
	}
	if order.CustomerEmail != "" {
		form.Set("customer_email", order.CustomerEmail)
	}

	var session struct {
		ID        string `json:"id"`
		URL       string `json:"url"`
		ExpiresAt int64  `json:"expires_at"`
	}
	if err := s.do(ctx, http.MethodPost, "https://api.stripe.com/v1/checkout/sessions", form, &session); err != nil {
		return nil, err
	}

	link := &Link{Provider: s.Name(), ExternalID: session.ID, URL: session.URL}
	if session.ExpiresAt > 0 {
		at := time.Unix(session.ExpiresAt, 0).UTC()
		link.ExpiresAt = &at
	}
	return link, nil
}

func (s *Stripe) GetStatus(ctx context.Context, externalID string) (*PaymentStatus, error) {
	var session struct {
		PaymentStatus     string `json:"payment_status"`
		Status            string `json:"status"`
		AmountTotal       int64  `json:"amount_total"`
		ClientReferenceID string `json:"client_reference_id"`
	}
	rawURL := "https://api.stripe.com/v1/checkout/sessions/" + url.PathEscape(externalID)
	if err := s.do(ctx, http.MethodGet, rawURL, nil, &session); err != nil {
		return nil, err
	}

	status := StatusPending
	switch {
	case session.PaymentStatus == "paid":
		status = StatusPaid
	case session.Status == "expired":
		status = StatusExpired
	}
	return &PaymentStatus{
		Status:            status,
		AmountCents:       session.AmountTotal,
		ExternalReference: session.ClientReferenceID,
	}, nil
}

// VerifyWebhook checks the v1 signature over the raw body and rejects
// stale timestamps. Constant-time compare on the MAC.
func (s *Stripe) VerifyWebhook(rawBody []byte, signature string) (*WebhookEvent, error) {
	var ts string
	var macs []string
	for _, part := range strings.Split(signature, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			macs = append(macs, v)
		}
	}
	if ts == "" || len(macs) == 0 {
		return nil, ErrBadSignature
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, ErrBadSignature
	}
	if age := s.now().Sub(time.Unix(unix, 0)); age > signatureTolerance || age < -signatureTolerance {
		return nil, ErrBadSignature
	}

	mac := hmac.New(sha256.New, []byte(s.cfg.WebhookSecret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(rawBody)
	expected := mac.Sum(nil)

	verified := false
	for _, candidate := range macs {
		got, err := hex.DecodeString(candidate)
		if err == nil && hmac.Equal(got, expected) {
			verified = true
		}
	}
	if !verified {
		return nil, ErrBadSignature
	}
	return s.parseEvent(rawBody)
}

func (s *Stripe) parseEvent(rawBody []byte) (*WebhookEvent, error) {
	var event struct {
		Type string `json:"type"`
		Data struct {
			Object struct {
				ID                string `json:"id"`
				PaymentStatus     string `json:"payment_status"`
				AmountTotal       int64  `json:"amount_total"`
				ClientReferenceID string `json:"client_reference_id"`
			} `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rawBody, &event); err != nil {
		return nil, fmt.Errorf("stripe: parse event: %w", err)
	}

	status := StatusPending
	switch event.Type {
	case "checkout.session.completed":
		if event.Data.Object.PaymentStatus == "paid" {
			status = StatusPaid
		}
	case "checkout.session.expired":
		status = StatusExpired
	}
	return &WebhookEvent{
		Type:        event.Type,
		ExternalID:  event.Data.Object.ID,
		Status:      status,
		AmountCents: event.Data.Object.AmountTotal,
		OrderID:     event.Data.Object.ClientReferenceID,
	}, nil
}

func (s *Stripe) do(ctx context.Context, method, rawURL string, form url.Values, out any) error {
	call := func(ctx context.Context) error {
		var reader io.Reader
		if form != nil {
			reader = strings.NewReader(form.Encode())
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
		if err != nil {
			return fmt.Errorf("stripe: build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}

		resp, err := s.http.Do(req)
		if err != nil {
			return fmt.Errorf("stripe: %s %s: %w", method, rawURL, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("stripe: %s %s: status %d: %s", method, rawURL, resp.StatusCode, snippet)
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("stripe: decode response: %w", err)
		}
		return nil
	}
	if s.breaker != nil {
		return s.breaker.Do(ctx, call)
	}
	return call(ctx)
}
