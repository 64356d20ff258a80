package core

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kisslabs/platform/internal/actions"
	"github.com/kisslabs/platform/internal/config"
	"github.com/kisslabs/platform/internal/detector"
	"github.com/kisslabs/platform/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Server.AdminToken = "test-token"
	return cfg
}

// crmStub mimics the CRM REST surface the gateway talks to.
type crmStub struct {
	mu   sync.Mutex
	sent []string
	srv  *httptest.Server
}

func newCRMStub(t *testing.T) *crmStub {
	t.Helper()
	s := &crmStub{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.Contains(r.URL.Path, "toggle_typing"):
			w.Write([]byte(`{}`))
		case strings.HasSuffix(r.URL.Path, "/messages") && r.Method == http.MethodPost:
			var body struct {
				Content string `json:"content"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			s.mu.Lock()
			s.sent = append(s.sent, body.Content)
			s.mu.Unlock()
			json.NewEncoder(w).Encode(map[string]interface{}{
				"id": 900, "content": body.Content,
				"message_type": "outgoing", "created_at": time.Now().Unix(),
			})
		case strings.HasSuffix(r.URL.Path, "/messages"):
			w.Write([]byte(`{"payload":[]}`))
		default:
			// conversation lookup: open, unassigned, bot allowed
			json.NewEncoder(w).Encode(map[string]interface{}{
				"id": 42, "status": "open",
				"custom_attributes": map[string]interface{}{},
				"last_activity_at":  time.Now().Unix(),
			})
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *crmStub) outgoing() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func TestMessagingTierEndToEnd(t *testing.T) {
	crm := newCRMStub(t)
	cfg := testConfig(t)
	cfg.CRM.BaseURL = crm.srv.URL

	ctx := context.Background()
	p, err := NewMessaging(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		assert.NoError(t, p.Stop(stopCtx))
	})

	router := p.Server.Router()
	event := map[string]interface{}{
		"event":        "message_created",
		"id":           7001,
		"content":      "hola",
		"message_type": "incoming",
		"conversation": map[string]interface{}{"id": 42},
		"account":      map[string]interface{}{"id": 1},
		"sender":       map[string]interface{}{"identifier": "+5215511112222", "name": "Ana"},
	}
	raw, err := json.Marshal(event)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook/messaging", bytes.NewReader(raw)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// The consumer picks the job up and the greeting lands in the CRM.
	require.Eventually(t, func() bool {
		for _, msg := range crm.outgoing() {
			if strings.Contains(msg, "Hola") {
				return true
			}
		}
		return false
	}, 10*time.Second, 50*time.Millisecond, "no greeting reached the CRM")

	// Redelivery of the same webhook is absorbed by the dedup window.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook/messaging", bytes.NewReader(raw)))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["deduped"])
}

func TestStopReleasesRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.KV.URL = "redis://" + mr.Addr()

	p, err := NewMessaging(context.Background(), cfg)
	require.NoError(t, err)

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(stopCtx))

	_, _, err = p.KV.Get(context.Background(), "anything")
	assert.Error(t, err, "redis client must be released on shutdown")
}

func TestIntelligenceTierActionFlow(t *testing.T) {
	var slackHits int
	var slackMu sync.Mutex
	var slackBodies []string
	slackSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := new(bytes.Buffer)
		body.ReadFrom(r.Body)
		slackMu.Lock()
		slackHits++
		slackBodies = append(slackBodies, body.String())
		slackMu.Unlock()
		w.Write([]byte("ok"))
	}))
	t.Cleanup(slackSrv.Close)

	cfg := testConfig(t)
	cfg.Slack.WebhookURL = slackSrv.URL
	cfg.Slack.Username = "luca"

	ctx := context.Background()
	p, err := NewIntelligence(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		assert.NoError(t, p.Stop(stopCtx))
	})

	p.Actions.SetTypes(map[string]actions.TypeConfig{
		"notify": {Autonomy: store.AutonomyAuto, Handler: "notify"},
	})

	router := p.Server.Router()
	propose := func(t *testing.T) map[string]interface{} {
		raw, err := json.Marshal(map[string]interface{}{
			"type":         "notify",
			"requested_by": "detector:sales-drop",
			"payload": map[string]interface{}{
				"recipient": "#ops",
				"channel":   "slack",
				"body":      "Ventas 40% abajo en sucursal centro.",
			},
		})
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/api/actions/propose", bytes.NewReader(raw))
		req.Header.Set("X-Admin-Token", "test-token")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var resp map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		return resp
	}

	resp := propose(t)
	assert.Equal(t, true, resp["executed"])
	action := resp["action"].(map[string]interface{})
	assert.Equal(t, "EXECUTED", action["state"])

	slackMu.Lock()
	hits := slackHits
	bodies := append([]string(nil), slackBodies...)
	slackMu.Unlock()
	require.EqualValues(t, 1, hits)
	assert.Contains(t, bodies[0], "Ventas 40%")

	// The same content is one action: re-proposing reuses it without a
	// second delivery.
	resp = propose(t)
	assert.Equal(t, true, resp["reused"])
	slackMu.Lock()
	hits = slackHits
	slackMu.Unlock()
	assert.EqualValues(t, 1, hits)
}

func TestIntelligenceTierRunsDetectorOnTrigger(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	p, err := NewIntelligence(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		assert.NoError(t, p.Stop(stopCtx))
	})

	p.Runner.Register(detector.NewSalesDrop(detector.Spec{
		ID:                "sales-drop",
		Category:          "revenue",
		InputDataProducts: []string{"daily_sales"},
		Thresholds:        map[string]float64{"drop_pct": 30},
		OutputType:        detector.OutputCase,
		Active:            true,
	}))

	// The empty warehouse yields zero input rows; the run still records.
	run, err := p.Runner.Execute(ctx, "sales-drop", store.Scope{Branch: "centro"})
	require.NoError(t, err)
	assert.Equal(t, "sales-drop", run.DetectorID)

	got, err := p.Store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
}
