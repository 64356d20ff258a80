// Package httpapi is the HTTP surface of both binaries: public webhook
// intake, health and metrics, the token-guarded admin API, and the
// operator API of the intelligence tier. Which routes exist depends on
// which collaborators are handed in; a nil dep leaves its routes off
// the router.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kisslabs/platform/internal/actions"
	"github.com/kisslabs/platform/internal/blocklist"
	"github.com/kisslabs/platform/internal/cases"
	"github.com/kisslabs/platform/internal/circuitbreaker"
	"github.com/kisslabs/platform/internal/dedup"
	"github.com/kisslabs/platform/internal/detector"
	"github.com/kisslabs/platform/internal/flowstate"
	"github.com/kisslabs/platform/internal/history"
	"github.com/kisslabs/platform/internal/kv"
	"github.com/kisslabs/platform/internal/payments"
	"github.com/kisslabs/platform/internal/queue"
	"github.com/kisslabs/platform/internal/ratelimit"
	"github.com/kisslabs/platform/internal/scheduler"
	"github.com/kisslabs/platform/internal/store"
	"github.com/kisslabs/platform/internal/telemetry"
	"github.com/kisslabs/platform/internal/worker"
)

// messageJobName is the queue job type inbound messages ride on.
const messageJobName = worker.JobName

// Deps are the collaborators the server exposes. Nil members disable
// their routes.
type Deps struct {
	KV        kv.Store
	Dedup     *dedup.Deduplicator
	Messages  *queue.Queue
	Blocklist *blocklist.Service
	History   *history.Cache
	Flows     *flowstate.Service
	Limiter   *ratelimit.Limiter
	Store     store.Store
	Payments  *payments.Registry
	Cases     *cases.Service
	Actions   *actions.Bus
	Scheduler *scheduler.Scheduler
	Detectors *detector.Runner
	Breakers  []*circuitbreaker.Breaker
	Streamer  *telemetry.AuditStreamer
	Telemetry *telemetry.Telemetry
}

// Options tune the server.
type Options struct {
	// AdminToken guards /admin and /api. Empty means every guarded
	// request is rejected.
	AdminToken string
	// ChannelVerifyToken answers the GET challenge handshake on
	// /webhooks/{channel}.
	ChannelVerifyToken string
	// DedupeTTL is the idempotency window for inbound messages.
	// Default 24h.
	DedupeTTL time.Duration
	// MaxBodyBytes caps inbound request bodies. Default 1 MiB.
	MaxBodyBytes int64
}

func (o Options) withDefaults() Options {
	if o.DedupeTTL <= 0 {
		o.DedupeTTL = 24 * time.Hour
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 1 << 20
	}
	return o
}

// Server owns the router.
type Server struct {
	deps Deps
	opts Options
	tel  *telemetry.Telemetry
}

func NewServer(deps Deps, opts Options) *Server {
	tel := deps.Telemetry
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &Server{deps: deps, opts: opts.withDefaults(), tel: tel}
}

// Router builds the mux. Safe to call once at startup.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.tel.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(
			s.tel.Metrics.Registry(), promhttp.HandlerOpts{}))
	}

	if s.deps.Messages != nil && s.deps.Dedup != nil {
		r.HandleFunc("/webhook/messaging", s.handleMessagingWebhook).Methods(http.MethodPost)
		r.HandleFunc("/webhooks/{channel}", s.handleChannelVerify).Methods(http.MethodGet)
		r.HandleFunc("/webhooks/{channel}", s.handleChannelWebhook).Methods(http.MethodPost)
	}
	if s.deps.Payments != nil && s.deps.Store != nil {
		r.HandleFunc("/payments/webhook/{provider}", s.handlePaymentWebhook).Methods(http.MethodPost)
	}

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(s.requireAdminToken)
	admin.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	if s.deps.Blocklist != nil {
		admin.HandleFunc("/blocklist/add", s.handleBlocklistAdd).Methods(http.MethodPost)
		admin.HandleFunc("/blocklist/remove", s.handleBlocklistRemove).Methods(http.MethodPost)
		admin.HandleFunc("/blocklist/check", s.handleBlocklistCheck).Methods(http.MethodPost)
	}
	if s.deps.History != nil {
		admin.HandleFunc("/cache/clear", s.handleCacheClear).Methods(http.MethodPost)
	}
	if s.deps.Messages != nil {
		admin.HandleFunc("/queue/pause", s.handleQueuePause).Methods(http.MethodPost)
		admin.HandleFunc("/queue/resume", s.handleQueueResume).Methods(http.MethodPost)
		admin.HandleFunc("/dlq", s.handleDLQList).Methods(http.MethodGet)
		admin.HandleFunc("/dlq/retry-all", s.handleDLQRetryAll).Methods(http.MethodPost)
		admin.HandleFunc("/dlq/retry/{id}", s.handleDLQRetry).Methods(http.MethodPost)
		admin.HandleFunc("/dlq/{id}", s.handleDLQDiscard).Methods(http.MethodDelete)
		admin.HandleFunc("/dlq", s.handleDLQClear).Methods(http.MethodDelete)
	}
	if s.deps.Streamer != nil {
		admin.HandleFunc("/audit/stream", s.deps.Streamer.HandleWebSocket).Methods(http.MethodGet)
	}

	if s.deps.Cases != nil || s.deps.Scheduler != nil {
		api := r.PathPrefix("/api").Subrouter()
		api.Use(s.requireAdminToken)
		s.mountIntelligence(api)
	}
	return r
}

// requireAdminToken compares in constant time and rejects everything
// when no token is configured. The response never says which.
func (s *Server) requireAdminToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-Admin-Token")
		if got == "" {
			got = bearerToken(r)
		}
		if s.opts.AdminToken == "" ||
			subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.AdminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}
	if s.deps.KV != nil {
		kvStatus := "ok"
		if !s.deps.KV.Available() {
			kvStatus = "fallback"
			health["status"] = "degraded"
		}
		health["kv"] = kvStatus
	}
	if s.deps.Store != nil {
		storeStatus := "ok"
		if err := s.deps.Store.Ping(r.Context()); err != nil {
			storeStatus = "down"
			health["status"] = "degraded"
		}
		health["store"] = storeStatus
	}
	breakers := map[string]string{}
	for _, b := range s.deps.Breakers {
		breakers[b.Name()] = b.State().String()
		if b.State() == circuitbreaker.StateOpen {
			health["status"] = "degraded"
		}
	}
	if len(breakers) > 0 {
		health["breakers"] = breakers
	}
	writeJSON(w, http.StatusOK, health)
}

// ---- response helpers ----

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, fields map[string]interface{}) {
	body := map[string]interface{}{"ok": true}
	for k, v := range fields {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"ok": false, "error": code, "message": message,
	})
}
