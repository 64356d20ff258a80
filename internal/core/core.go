// Package core assembles the platform. Each binary calls one of the
// tier constructors, which build every collaborator in dependency
// order and hand back a Platform that runs the HTTP surface and the
// queue consumers. Nothing here is global; two Platforms in one
// process (the e2e tests do this) never share state.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/kisslabs/platform/internal/actions"
	"github.com/kisslabs/platform/internal/blocklist"
	"github.com/kisslabs/platform/internal/cases"
	"github.com/kisslabs/platform/internal/circuitbreaker"
	"github.com/kisslabs/platform/internal/config"
	"github.com/kisslabs/platform/internal/crm"
	"github.com/kisslabs/platform/internal/dedup"
	"github.com/kisslabs/platform/internal/detector"
	"github.com/kisslabs/platform/internal/flowstate"
	"github.com/kisslabs/platform/internal/history"
	"github.com/kisslabs/platform/internal/httpapi"
	"github.com/kisslabs/platform/internal/kv"
	"github.com/kisslabs/platform/internal/locks"
	"github.com/kisslabs/platform/internal/outbound"
	"github.com/kisslabs/platform/internal/payments"
	"github.com/kisslabs/platform/internal/queue"
	"github.com/kisslabs/platform/internal/ratelimit"
	"github.com/kisslabs/platform/internal/registry"
	"github.com/kisslabs/platform/internal/scheduler"
	"github.com/kisslabs/platform/internal/store"
	"github.com/kisslabs/platform/internal/telemetry"
	"github.com/kisslabs/platform/internal/worker"
)

// Platform is one assembled tier.
type Platform struct {
	Config    *config.Config
	Telemetry *telemetry.Telemetry
	KV        kv.Store
	Store     store.Store
	Queue     *queue.Queue
	Registry  *registry.Registry
	Outbound  *outbound.Gateway
	Cases     *cases.Service
	Actions   *actions.Bus
	Runner    *detector.Runner
	Scheduler *scheduler.Scheduler
	Server    *httpapi.Server

	locks     *locks.Manager
	limiter   *ratelimit.Limiter
	dedup     *dedup.Deduplicator
	flows     *flowstate.Service
	history   *history.Cache
	blocklist *blocklist.Service
	worker    *worker.Worker
	payments  *payments.Registry
	crmClient crm.Client
	streamer  *telemetry.AuditStreamer
	auditSink *store.AuditSink
	pubsub    *telemetry.PubSubExporter

	outQueue    *queue.Queue
	consumers   []*queue.Consumer
	httpServer  *http.Server
	stopExpiry  chan struct{}
	expiryOnce  sync.Once
	expiryDone  chan struct{}
	registryRun bool
}

// base wires the collaborators both tiers share.
func base(ctx context.Context, cfg *config.Config, service string) (*Platform, error) {
	tel := telemetry.New(service)

	var kvs kv.Store
	if cfg.KV.URL != "" {
		rs, err := kv.NewRedisStore(kv.RedisConfig{URL: cfg.KV.URL}, tel.Logger)
		if err != nil {
			// The platform is built to degrade: every KV consumer has an
			// in-process fallback.
			tel.Logger.Warn("redis unavailable at startup, running on local fallback", "error", err)
			kvs = kv.NewMemoryStore()
		} else {
			kvs = rs
		}
	} else {
		kvs = kv.NewMemoryStore()
	}

	var st store.Store
	if cfg.Database.DSN != "" {
		pg, err := store.OpenPostgres(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("core: open store: %w", err)
		}
		st = pg
	} else {
		tel.Logger.Warn("no database configured, state is in-memory only")
		st = store.NewMemory()
	}

	p := &Platform{
		Config:     cfg,
		Telemetry:  tel,
		KV:         kvs,
		Store:      st,
		locks:      locks.NewManager(kvs, tel),
		limiter:    ratelimit.New(kvs, tel),
		dedup:      dedup.New(kvs, tel),
		streamer:   telemetry.NewAuditStreamer(tel.Audit, tel.Logger, 50),
		stopExpiry: make(chan struct{}),
		expiryDone: make(chan struct{}),
	}

	p.auditSink = store.NewAuditSink(st, tel.Logger)
	tel.Audit.AddSink(p.auditSink)

	if cfg.PubSub.ProjectID != "" && cfg.PubSub.Topic != "" {
		exporter, err := telemetry.NewPubSubExporter(ctx, cfg.PubSub.ProjectID, cfg.PubSub.Topic, service, tel.Logger)
		if err != nil {
			tel.Logger.Warn("pubsub export disabled", "error", err)
		} else {
			p.pubsub = exporter
			tel.Audit.AddSink(exporter)
		}
	}

	p.Registry = registry.New(cfg.Registry.Path, tel)
	if err := p.Registry.Start(cfg.Registry.RefreshEvery); err != nil {
		return nil, fmt.Errorf("core: registry: %w", err)
	}
	p.registryRun = true
	return p, nil
}

// NewMessaging builds the conversational gateway tier.
func NewMessaging(ctx context.Context, cfg *config.Config) (*Platform, error) {
	p, err := base(ctx, cfg, "kiss-api")
	if err != nil {
		return nil, err
	}
	tel := p.Telemetry

	p.Queue = queue.New(cfg.Queue.Name, p.KV, tel, queue.Options{
		MaxAttempts: cfg.Queue.MaxAttempts,
		BackoffBase: cfg.Queue.BackoffBase,
		LeaseTTL:    cfg.Queue.StallLease,
	})

	crmBreaker := circuitbreaker.New(circuitbreaker.Settings{Name: "crm", Logger: tel.Logger})
	p.crmClient = crm.WithBreaker(crm.NewHTTPClient(crm.Config{
		BaseURL: cfg.CRM.BaseURL, APIToken: cfg.CRM.APIToken,
	}), crmBreaker)

	p.history, err = history.New(p.crmClient, history.Options{})
	if err != nil {
		return nil, fmt.Errorf("core: history cache: %w", err)
	}
	p.flows = flowstate.NewService(p.KV, tel, 24*time.Hour)
	p.blocklist = blocklist.New(p.KV, tel, p.Registry.Current().Blocklist, cfg.Blocklist.Contacts)

	p.Outbound = outbound.New(p.KV, p.limiter, p.Queue, p.Store, tel, outbound.Options{
		QuietStart:      cfg.Outbound.QuietHoursStart,
		QuietEnd:        cfg.Outbound.QuietHoursEnd,
		DefaultTimezone: cfg.Location(),
	})
	p.Outbound.Register(&outbound.CRMText{Client: p.crmClient})
	if cfg.Push.BaseURL != "" {
		p.Outbound.Register(outbound.NewPush(cfg.Push.BaseURL, cfg.Push.Token))
	}
	if cfg.Slack.WebhookURL != "" {
		p.Outbound.Register(&outbound.Slack{WebhookURL: cfg.Slack.WebhookURL, Username: cfg.Slack.Username})
	}

	p.payments = paymentRegistry(cfg, tel)

	p.worker = worker.New(worker.Deps{
		Locks:     p.locks,
		Flows:     p.flows,
		History:   p.history,
		Blocklist: p.blocklist,
		Policies:  p.Registry,
		Outbound:  p.Outbound,
		CRM:       p.crmClient,
		Telemetry: tel,
	}, worker.Options{
		LockTTL:   cfg.Locks.TTL,
		LockWait:  cfg.Locks.Wait,
		QueueName: cfg.Queue.Name,
	})

	p.consumers = append(p.consumers, p.Queue.Consume(p.handleMessagingJob, queue.ConsumerOptions{
		Concurrency: cfg.Queue.Concurrency,
	}))

	p.Server = httpapi.NewServer(httpapi.Deps{
		KV:        p.KV,
		Dedup:     p.dedup,
		Messages:  p.Queue,
		Blocklist: p.blocklist,
		History:   p.history,
		Flows:     p.flows,
		Limiter:   p.limiter,
		Store:     p.Store,
		Payments:  p.payments,
		Breakers:  []*circuitbreaker.Breaker{crmBreaker},
		Streamer:  p.streamer,
		Telemetry: tel,
	}, httpapi.Options{
		AdminToken:         cfg.Server.AdminToken,
		ChannelVerifyToken: cfg.Server.ChannelVerifyToken,
	})
	close(p.expiryDone) // no expiry sweeper on this tier
	return p, nil
}

// NewIntelligence builds the operational intelligence tier.
func NewIntelligence(ctx context.Context, cfg *config.Config) (*Platform, error) {
	p, err := base(ctx, cfg, "luca-api")
	if err != nil {
		return nil, err
	}
	tel := p.Telemetry
	snap := p.Registry.Current()

	p.Cases = cases.NewService(p.Store, p.locks, tel)

	twoFA := actions.NewTwoFactor()
	for actor, hash := range cfg.Actions.TwoFactorHashes {
		twoFA.EnrollHash(actor, []byte(hash))
	}
	p.Actions = actions.New(p.Store, p.limiter, twoFA, tel, actions.Options{
		Types: snap.ActionTypes,
	})

	// The outbound gateway serves action handlers and alerting; its
	// deferred sends ride a dedicated queue.
	p.outQueue = queue.New("outbound", p.KV, tel, queue.Options{
		MaxAttempts: cfg.Queue.MaxAttempts,
		BackoffBase: cfg.Queue.BackoffBase,
	})
	p.Outbound = outbound.New(p.KV, p.limiter, p.outQueue, p.Store, tel, outbound.Options{
		QuietStart:      cfg.Outbound.QuietHoursStart,
		QuietEnd:        cfg.Outbound.QuietHoursEnd,
		DefaultTimezone: cfg.Location(),
	})
	if cfg.Slack.WebhookURL != "" {
		p.Outbound.Register(&outbound.Slack{WebhookURL: cfg.Slack.WebhookURL, Username: cfg.Slack.Username})
	}
	if cfg.Push.BaseURL != "" {
		p.Outbound.Register(outbound.NewPush(cfg.Push.BaseURL, cfg.Push.Token))
	}
	p.consumers = append(p.consumers, p.outQueue.Consume(p.handleOutboundJob, queue.ConsumerOptions{
		Concurrency: 2,
	}))

	p.payments = paymentRegistry(cfg, tel)
	p.Actions.RegisterHandler("notify", &NotifyHandler{Outbound: p.Outbound})
	p.Actions.RegisterHandler("payment_link", &PaymentLinkHandler{Providers: p.payments, Store: p.Store})

	loader := newWarehouseLoader(cfg.Warehouse)
	p.Runner = detector.NewRunner(p.Store, loader, p.Cases, p.limiter, tel)
	registerDetectors(p.Runner, snap.Detectors, tel)

	dq := queue.New("detectors", p.KV, tel, queue.Options{
		MaxAttempts: cfg.Queue.MaxAttempts,
		BackoffBase: cfg.Queue.BackoffBase,
	})
	p.Queue = dq
	p.Scheduler = scheduler.New(dq, p.Runner, p.limiter, tel, scheduler.Options{
		Location:        cfg.Location(),
		Concurrency:     cfg.Scheduler.Concurrency,
		StartsPerMinute: int64(cfg.Scheduler.StartsPerMinute),
	})
	if err := p.Scheduler.Start(snap.Detectors); err != nil {
		return nil, fmt.Errorf("core: scheduler: %w", err)
	}

	go p.expiryLoop()

	p.Server = httpapi.NewServer(httpapi.Deps{
		KV:        p.KV,
		Limiter:   p.limiter,
		Store:     p.Store,
		Cases:     p.Cases,
		Actions:   p.Actions,
		Scheduler: p.Scheduler,
		Detectors: p.Runner,
		Streamer:  p.streamer,
		Telemetry: tel,
	}, httpapi.Options{AdminToken: cfg.Server.AdminToken})
	return p, nil
}

func paymentRegistry(cfg *config.Config, tel *telemetry.Telemetry) *payments.Registry {
	var providers []payments.Provider
	if cfg.Payments.Stripe.APIKey != "" || cfg.Payments.Stripe.WebhookSecret != "" {
		b := circuitbreaker.New(circuitbreaker.Settings{Name: "stripe", Logger: tel.Logger})
		providers = append(providers, payments.NewStripe(payments.StripeConfig{
			APIKey:        cfg.Payments.Stripe.APIKey,
			WebhookSecret: cfg.Payments.Stripe.WebhookSecret,
			SuccessURL:    cfg.Payments.Stripe.SuccessURL,
		}, b))
	}
	if cfg.Payments.Conekta.APIKey != "" || cfg.Payments.Conekta.WebhookSecret != "" {
		b := circuitbreaker.New(circuitbreaker.Settings{Name: "conekta", Logger: tel.Logger})
		providers = append(providers, payments.NewConekta(payments.ConektaConfig{
			APIKey:        cfg.Payments.Conekta.APIKey,
			WebhookSecret: cfg.Payments.Conekta.WebhookSecret,
		}, b))
	}
	return payments.NewRegistry(providers...)
}

// registerDetectors instantiates the known detector implementations
// for each registry spec. Specs naming an implementation this build
// does not ship are logged and skipped, not fatal: the registry file
// may be newer than the binary.
func registerDetectors(r *detector.Runner, specs []detector.Spec, tel *telemetry.Telemetry) {
	for _, spec := range specs {
		switch spec.ID {
		case "sales-drop":
			r.Register(detector.NewSalesDrop(spec))
		case "waste-spike":
			r.Register(detector.NewWasteSpike(spec))
		default:
			tel.Logger.Warn("no implementation for configured detector", "detector", spec.ID)
		}
	}
}

// handleMessagingJob is the single consumer entry point of the
// messages queue: inbound turns, deferred sends, payment notices.
func (p *Platform) handleMessagingJob(ctx context.Context, job *queue.Job) error {
	switch job.Name {
	case worker.JobName:
		return p.worker.HandleJob(ctx, job)
	case outbound.RescheduleJob:
		return p.handleOutboundJob(ctx, job)
	case httpapi.PaymentNotifyJob:
		return p.handlePaymentNotice(ctx, job)
	default:
		return fmt.Errorf("core: unknown job type %q", job.Name)
	}
}

func (p *Platform) handleOutboundJob(ctx context.Context, job *queue.Job) error {
	if job.Name != outbound.RescheduleJob {
		return fmt.Errorf("core: unknown job type %q", job.Name)
	}
	var msg outbound.Message
	if err := json.Unmarshal(job.Data, &msg); err != nil {
		return fmt.Errorf("core: decode deferred send: %w", err)
	}
	_, err := p.Outbound.Send(ctx, msg)
	return err
}

// handlePaymentNotice tells the conversation its payment settled (or
// did not).
func (p *Platform) handlePaymentNotice(ctx context.Context, job *queue.Job) error {
	var notice httpapi.PaymentNotice
	if err := json.Unmarshal(job.Data, &notice); err != nil {
		return fmt.Errorf("core: decode payment notice: %w", err)
	}

	var body string
	switch notice.Status {
	case string(payments.StatusPaid):
		body = fmt.Sprintf("¡Listo! Recibimos tu pago de $%.2f. Tu pedido %s está confirmado.",
			float64(notice.AmountCents)/100, notice.OrderID)
	case string(payments.StatusExpired):
		body = fmt.Sprintf("Tu enlace de pago del pedido %s expiró. Avísanos si quieres uno nuevo.", notice.OrderID)
	case string(payments.StatusDeclined):
		body = fmt.Sprintf("Tu pago del pedido %s fue rechazado. ¿Intentamos con otro método?", notice.OrderID)
	default:
		return nil // pending and friends need no message
	}

	_, err := p.Outbound.Send(ctx, outbound.Message{
		Recipient:      notice.ConversationID,
		Channel:        "crm",
		Category:       outbound.CategoryNotification,
		Body:           body,
		AccountID:      notice.AccountID,
		ConversationID: notice.ConversationID,
	})
	return err
}

// expiryLoop reaps PENDING actions whose approval window lapsed.
func (p *Platform) expiryLoop() {
	defer close(p.expiryDone)
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopExpiry:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if n, err := p.Actions.ProcessExpired(ctx); err != nil {
				p.Telemetry.Logger.Warn("action expiry sweep failed", "error", err)
			} else if n > 0 {
				p.Telemetry.Logger.Info("expired pending actions", "count", n)
			}
			cancel()
		}
	}
}

// Run serves HTTP until ctx is cancelled, then shuts down in reverse
// dependency order.
func (p *Platform) Run(ctx context.Context) error {
	p.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", p.Config.Server.Port),
		Handler:           p.Server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		p.Telemetry.Logger.Info("http listening", "addr", p.httpServer.Addr)
		if err := p.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return p.Stop(shutdownCtx)
}

// Stop tears the platform down: stop intake first, drain workers, then
// close the stores.
func (p *Platform) Stop(ctx context.Context) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if p.httpServer != nil {
		keep(p.httpServer.Shutdown(ctx))
	}
	if p.Scheduler != nil {
		keep(p.Scheduler.Stop(ctx))
	}
	for _, c := range p.consumers {
		keep(c.Stop(ctx))
	}
	p.expiryOnce.Do(func() { close(p.stopExpiry) })
	<-p.expiryDone

	if p.Queue != nil {
		p.Queue.Close()
	}
	if p.outQueue != nil {
		p.outQueue.Close()
	}
	if p.registryRun {
		p.Registry.Stop()
	}
	p.locks.Close()
	p.limiter.Close()
	p.auditSink.Close()
	if p.pubsub != nil {
		keep(p.pubsub.Close())
	}
	keep(p.Store.Close())
	if err := p.KV.Close(); err != nil {
		p.Telemetry.Logger.Warn("kv close", "error", err)
	}
	p.Telemetry.Logger.Info("platform stopped")
	return firstErr
}
