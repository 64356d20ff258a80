package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kisslabs/platform/internal/cases"
	"github.com/kisslabs/platform/internal/dedup"
	"github.com/kisslabs/platform/internal/kv"
	"github.com/kisslabs/platform/internal/locks"
	"github.com/kisslabs/platform/internal/payments"
	"github.com/kisslabs/platform/internal/queue"
	"github.com/kisslabs/platform/internal/store"
	"github.com/kisslabs/platform/internal/telemetry"
)

const (
	adminToken    = "t0ps3cret"
	webhookSecret = "whsec_test"
)

type fixture struct {
	server *Server
	router http.Handler
	queue  *queue.Queue
	mem    *store.Memory
	cases  *cases.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kvs := kv.NewMemoryStore()
	t.Cleanup(func() { kvs.Close() })
	tel := telemetry.Nop()

	q := queue.New("messages", kvs, tel, queue.Options{})
	t.Cleanup(q.Close)
	mem := store.NewMemory()
	lm := locks.NewManager(kvs, tel)
	t.Cleanup(lm.Close)
	caseSvc := cases.NewService(mem, lm, tel)

	srv := NewServer(Deps{
		KV:       kvs,
		Dedup:    dedup.New(kvs, tel),
		Messages: q,
		Store:    mem,
		Cases:    caseSvc,
		Payments: payments.NewRegistry(
			payments.NewConekta(payments.ConektaConfig{WebhookSecret: webhookSecret}, nil),
		),
		Telemetry: tel,
	}, Options{AdminToken: adminToken, ChannelVerifyToken: "verify-me"})
	return &fixture{server: srv, router: srv.Router(), queue: q, mem: mem, cases: caseSvc}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if admin {
		req.Header.Set("X-Admin-Token", adminToken)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func crmEvent(msgID int64) map[string]interface{} {
	return map[string]interface{}{
		"event":        "message_created",
		"id":           msgID,
		"content":      "quiero dos tacos de pastor",
		"message_type": "incoming",
		"conversation": map[string]interface{}{"id": 42},
		"account":      map[string]interface{}{"id": 1},
		"sender": map[string]interface{}{
			"identifier": "+5215511112222", "name": "Ana",
		},
	}
}

func TestMessagingWebhookEnqueuesOnce(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/webhook/messaging", crmEvent(1001), false)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["ok"])
	assert.NotEmpty(t, body["job_id"])

	// Redelivery of the same message id is acknowledged without a second job.
	rec = f.do(t, http.MethodPost, "/webhook/messaging", crmEvent(1001), false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["deduped"])

	stats, err := f.queue.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Waiting)
}

func TestMessagingWebhookIgnoresNonIncoming(t *testing.T) {
	f := newFixture(t)
	event := crmEvent(2)
	event["message_type"] = "outgoing"

	rec := f.do(t, http.MethodPost, "/webhook/messaging", event, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["ignored"])
}

func TestMessagingWebhookRejectsGarbage(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/webhook/messaging", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "BAD_PAYLOAD", decode(t, rec)["error"])
}

func TestChannelVerifyHandshake(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet,
		"/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "12345", rec.Body.String())

	req = httptest.NewRequest(http.MethodGet,
		"/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil)
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdminRequiresToken(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/admin/stats", nil, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/admin/stats", nil, true)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminRejectsWhenNoTokenConfigured(t *testing.T) {
	f := newFixture(t)
	f.server.opts.AdminToken = ""

	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	req.Header.Set("X-Admin-Token", "")
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestQueuePauseResume(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/admin/queue/pause", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.queue.Paused())

	rec = f.do(t, http.MethodPost, "/admin/queue/resume", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, f.queue.Paused())
}

func TestDLQClearNeedsConfirmation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodDelete, "/admin/dlq", nil, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "CONFIRMATION_REQUIRED", decode(t, rec)["error"])

	rec = f.do(t, http.MethodDelete, "/admin/dlq?confirm="+f.queue.ClearConfirmation(), nil, true)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDLQListReturnsDeadLetters(t *testing.T) {
	kvs := kv.NewMemoryStore()
	t.Cleanup(func() { kvs.Close() })
	tel := telemetry.Nop()
	q := queue.New("messages", kvs, tel, queue.Options{MaxAttempts: 1, BackoffBase: time.Millisecond})
	t.Cleanup(q.Close)

	_, err := q.Add(context.Background(), "message.process", []byte(`{}`), queue.AddOptions{})
	require.NoError(t, err)
	consumer := q.Consume(func(ctx context.Context, job *queue.Job) error {
		return errors.New("boom")
	}, queue.ConsumerOptions{Concurrency: 1, PollInterval: 5 * time.Millisecond})
	require.Eventually(t, func() bool {
		stats, err := q.Stats(context.Background())
		return err == nil && stats.Failed == 1
	}, 5*time.Second, 10*time.Millisecond, "job never reached the DLQ")
	require.NoError(t, consumer.Stop(context.Background()))

	srv := NewServer(Deps{Messages: q, Dedup: dedup.New(kvs, tel), Telemetry: tel},
		Options{AdminToken: adminToken})
	req := httptest.NewRequest(http.MethodGet, "/admin/dlq?limit=10", nil)
	req.Header.Set("X-Admin-Token", adminToken)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.EqualValues(t, 1, body["count"])
}

func TestCaseTransitionEndpoint(t *testing.T) {
	f := newFixture(t)
	c, err := f.cases.Open(context.Background(), cases.OpenParams{
		Type: "sales_drop", Severity: store.SeverityHigh, Title: "Sales down at centro",
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/cases/"+c.ID+"/transition", map[string]interface{}{
		"event": "START_INVESTIGATION", "actor": "oncall",
	}, true)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	got := body["case"].(map[string]interface{})
	assert.Equal(t, "INVESTIGATING", got["state"])
}

func TestCaseTransitionRejectsUnknownFields(t *testing.T) {
	f := newFixture(t)
	c, err := f.cases.Open(context.Background(), cases.OpenParams{Type: "waste_spike", Severity: store.SeverityMedium, Title: "x"})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/cases/"+c.ID+"/transition", map[string]interface{}{
		"event": "START_INVESTIGATION", "actor": "oncall", "surprise": true,
	}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCaseTransitionInvalidEventListsLegalOnes(t *testing.T) {
	f := newFixture(t)
	c, err := f.cases.Open(context.Background(), cases.OpenParams{Type: "waste_spike", Severity: store.SeverityMedium, Title: "x"})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/cases/"+c.ID+"/transition", map[string]interface{}{
		"event": "EXECUTE_ACTION", "actor": "oncall",
	}, true)
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "INVALID_TRANSITION", body["error"])
	assert.NotEmpty(t, body["legal_events"])
}

func TestPaymentWebhookUpdatesLinkAndNotifies(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mem.UpsertPaymentLink(context.Background(), &store.PaymentLink{
		OrderID: "ord-7", Provider: "conekta", ExternalID: "chk_3",
		Status: "pending", AmountCents: 18000,
		AccountID: "1", ConversationID: "42",
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}))

	raw := []byte(`{"type":"order.paid","data":{"object":{"id":"ord_x","amount":18000,"metadata":{"order_id":"ord-7"},"checkout":{"id":"chk_3"}}}}`)
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write(raw)

	req := httptest.NewRequest(http.MethodPost, "/payments/webhook/conekta", bytes.NewReader(raw))
	req.Header.Set("Digest", hex.EncodeToString(mac.Sum(nil)))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	link, err := f.mem.GetPaymentByExternalID(context.Background(), "conekta", "chk_3")
	require.NoError(t, err)
	assert.Equal(t, "paid", link.Status)

	stats, err := f.queue.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Waiting, "notify job enqueued")
}

func TestPaymentWebhookRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	raw := []byte(`{"type":"order.paid"}`)

	req := httptest.NewRequest(http.MethodPost, "/payments/webhook/conekta", bytes.NewReader(raw))
	req.Header.Set("Digest", "deadbeef")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/payments/webhook/paypal", bytes.NewReader(raw)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "ok", body["kv"])
}

