package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "whsec_test"

func signStripe(body []byte, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts.Unix(), body)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func signConekta(body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestStripeVerifyWebhook(t *testing.T) {
	p := NewStripe(StripeConfig{WebhookSecret: secret}, nil)
	body := []byte(`{"type":"checkout.session.completed","data":{"object":{"id":"cs_1","payment_status":"paid","amount_total":25000,"client_reference_id":"ord-7"}}}`)

	event, err := p.VerifyWebhook(body, signStripe(body, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, event.Status)
	assert.Equal(t, "cs_1", event.ExternalID)
	assert.Equal(t, "ord-7", event.OrderID)
	assert.Equal(t, int64(25000), event.AmountCents)
}

func TestStripeVerifyRejectsTamperedBody(t *testing.T) {
	p := NewStripe(StripeConfig{WebhookSecret: secret}, nil)
	body := []byte(`{"type":"checkout.session.completed"}`)
	sig := signStripe(body, time.Now())

	_, err := p.VerifyWebhook([]byte(`{"type":"checkout.session.expired"}`), sig)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestStripeVerifyRejectsStaleTimestamp(t *testing.T) {
	p := NewStripe(StripeConfig{WebhookSecret: secret}, nil)
	body := []byte(`{"type":"checkout.session.completed"}`)
	old := time.Now().Add(-time.Hour)

	_, err := p.VerifyWebhook(body, signStripe(body, old))
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestStripeVerifyRejectsGarbageHeader(t *testing.T) {
	p := NewStripe(StripeConfig{WebhookSecret: secret}, nil)
	for _, sig := range []string{"", "t=abc,v1=00", "v1=deadbeef", "t=123"} {
		_, err := p.VerifyWebhook([]byte(`{}`), sig)
		assert.ErrorIs(t, err, ErrBadSignature, "sig %q", sig)
	}
}

func TestConektaVerifyWebhook(t *testing.T) {
	p := NewConekta(ConektaConfig{WebhookSecret: secret}, nil)
	body := []byte(`{"type":"order.paid","data":{"object":{"id":"ord_x","amount":18000,"metadata":{"order_id":"ord-9"},"checkout":{"id":"chk_3"}}}}`)

	event, err := p.VerifyWebhook(body, signConekta(body))
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, event.Status)
	assert.Equal(t, "chk_3", event.ExternalID, "checkout id wins over order id")
	assert.Equal(t, "ord-9", event.OrderID)
}

func TestConektaVerifyRejectsWrongSecret(t *testing.T) {
	p := NewConekta(ConektaConfig{WebhookSecret: "other"}, nil)
	body := []byte(`{"type":"order.paid"}`)

	_, err := p.VerifyWebhook(body, signConekta(body))
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestConektaDeclinedEvent(t *testing.T) {
	p := NewConekta(ConektaConfig{WebhookSecret: secret}, nil)
	body := []byte(`{"type":"order.declined","data":{"object":{"id":"ord_y","amount":5000,"metadata":{}}}}`)

	event, err := p.VerifyWebhook(body, signConekta(body))
	require.NoError(t, err)
	assert.Equal(t, StatusDeclined, event.Status)
	assert.Equal(t, "ord_y", event.ExternalID)
}

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry(
		NewStripe(StripeConfig{WebhookSecret: secret}, nil),
		NewConekta(ConektaConfig{WebhookSecret: secret}, nil),
	)

	p, err := reg.Get("conekta")
	require.NoError(t, err)
	assert.Equal(t, "conekta", p.Name())

	_, err = reg.Get("paypal")
	assert.True(t, errors.Is(err, ErrUnknownProvider))
	assert.ElementsMatch(t, []string{"stripe", "conekta"}, reg.Names())
}
