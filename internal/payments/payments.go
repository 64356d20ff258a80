// Package payments integrates the two supported payment providers behind
// one Provider interface. Webhook signature verification works on the
// raw request body; callers must hand the bytes over untouched.
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status of a payment as the platform tracks it.
type Status string

const (
	StatusPending  Status = "pending"
	StatusPaid     Status = "paid"
	StatusExpired  Status = "expired"
	StatusDeclined Status = "declined"
)

var (
	// ErrBadSignature is returned when a webhook signature does not
	// verify. Handlers must answer 401 without detail.
	ErrBadSignature = errors.New("payments: webhook signature mismatch")
	// ErrUnknownProvider is returned for a provider name nothing is
	// registered under.
	ErrUnknownProvider = errors.New("payments: unknown provider")
)

// Order is what the caller wants paid.
type Order struct {
	OrderID        string
	AmountCents    int64
	Currency       string // defaults to MXN
	Description    string
	CustomerName   string
	CustomerEmail  string
	AccountID      string
	ConversationID string
}

// Link is a created payment: the URL the customer opens.
type Link struct {
	Provider   string
	ExternalID string
	URL        string
	ExpiresAt  *time.Time
}

// PaymentStatus is a provider's view of one payment.
type PaymentStatus struct {
	Status            Status
	AmountCents       int64
	ExternalReference string
}

// WebhookEvent is the normalized payload of a verified provider webhook.
type WebhookEvent struct {
	Type        string // provider event name, e.g. "charge.paid"
	ExternalID  string
	Status      Status
	AmountCents int64
	OrderID     string
}

// Provider is one payment integration.
type Provider interface {
	Name() string
	// SignatureHeader names the HTTP header carrying this provider's
	// webhook signature.
	SignatureHeader() string
	CreatePayment(ctx context.Context, order Order) (*Link, error)
	GetStatus(ctx context.Context, externalID string) (*PaymentStatus, error)

	// VerifyWebhook checks the signature against the raw body and, only
	// if it verifies, parses the event. Returns ErrBadSignature otherwise.
	VerifyWebhook(rawBody []byte, signature string) (*WebhookEvent, error)
}

// Registry holds the configured providers by name.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
