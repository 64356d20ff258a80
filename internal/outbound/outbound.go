// Package outbound is the single door every proactive or reply message
// leaves through. Send runs the governance pipeline (opt-outs, quiet
// hours, daily caps, cooldowns) before any channel emits a byte, so no
// caller can accidentally page a customer at 3am or spam a recipient
// past their cap.
package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kisslabs/platform/internal/kv"
	"github.com/kisslabs/platform/internal/queue"
	"github.com/kisslabs/platform/internal/ratelimit"
	"github.com/kisslabs/platform/internal/telemetry"
)

// RescheduleJob is the queue job name for sends deferred past quiet
// hours. The worker registers a handler that decodes Message and calls
// Send again.
const RescheduleJob = "outbound.send"

// Category drives how strictly a message is governed.
type Category string

const (
	// CategoryReply answers something the user just said. Exempt from
	// quiet hours: a 2am question gets a 2am answer.
	CategoryReply Category = "reply"
	// CategoryNotification is solicited but asynchronous (payment
	// confirmations, order updates). Respects quiet hours.
	CategoryNotification Category = "notification"
	// CategoryAlert goes to operators, not customers.
	CategoryAlert Category = "alert"
	// CategoryMarketing is unsolicited and governed hardest.
	CategoryMarketing Category = "marketing"
)

// Message is one outbound send request.
type Message struct {
	Recipient      string            `json:"recipient"`
	Channel        string            `json:"channel"`
	Category       Category          `json:"category"`
	Body           string            `json:"body"`
	AccountID      string            `json:"account_id,omitempty"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Timezone       string            `json:"timezone,omitempty"`
	Meta           map[string]string `json:"meta,omitempty"`
}

// Result reports what happened to a send. Reason is set whenever Sent is
// false: opted_out, daily_cap, cooldown, quiet_hours, channel_error.
type Result struct {
	Sent   bool   `json:"sent"`
	Reason string `json:"reason,omitempty"`
}

// Channel delivers messages over one transport.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, msg Message) error
}

// OptOuts answers whether a recipient declined a message category.
// Implemented by the persistent store.
type OptOuts interface {
	IsOptedOut(ctx context.Context, contact string, category string) (bool, error)
}

// Policy is the governance applied to one category.
type Policy struct {
	QuietHours bool
	DailyCap   int64
	Cooldown   time.Duration
}

// Options configure the gateway.
type Options struct {
	// QuietStart/QuietEnd bound the do-not-disturb window in local hours.
	// Start > End means overnight. Zero values default to 22 and 8; set
	// both to the same non-zero hour to disable the window.
	QuietStart int
	QuietEnd   int
	// DefaultTimezone applies when the message carries none.
	DefaultTimezone *time.Location
	// Policies override the per-category defaults.
	Policies map[Category]Policy
}

func (o Options) withDefaults() Options {
	if o.QuietStart == 0 && o.QuietEnd == 0 {
		o.QuietStart, o.QuietEnd = 22, 8
	}
	if o.DefaultTimezone == nil {
		o.DefaultTimezone = time.UTC
	}
	if o.Policies == nil {
		o.Policies = map[Category]Policy{
			CategoryReply:        {DailyCap: 200},
			CategoryNotification: {QuietHours: true, DailyCap: 25},
			CategoryAlert:        {Cooldown: 15 * time.Minute},
			CategoryMarketing:    {QuietHours: true, DailyCap: 3, Cooldown: 24 * time.Hour},
		}
	}
	return o
}

// Gateway fans messages out to registered channels after governance.
type Gateway struct {
	store   kv.Store
	limiter *ratelimit.Limiter
	optOuts OptOuts
	delayed *queue.Queue
	tel     *telemetry.Telemetry
	opts    Options

	mu       sync.RWMutex
	channels map[string]Channel
	locs     map[string]*time.Location
}

// New creates the gateway. optOuts may be nil (no registry wired, e.g.
// in the messaging tier without the relational store); delayed is the
// queue used for quiet-hours deferral.
func New(store kv.Store, limiter *ratelimit.Limiter, delayed *queue.Queue, optOuts OptOuts, tel *telemetry.Telemetry, opts Options) *Gateway {
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &Gateway{
		store:    store,
		limiter:  limiter,
		optOuts:  optOuts,
		delayed:  delayed,
		tel:      tel,
		opts:     opts.withDefaults(),
		channels: make(map[string]Channel),
		locs:     make(map[string]*time.Location),
	}
}

// Register adds a channel. Later registrations with the same name win,
// which lets tests swap transports.
func (g *Gateway) Register(ch Channel) {
	g.mu.Lock()
	g.channels[ch.Name()] = ch
	g.mu.Unlock()
}

// Send runs the governance pipeline and delivers. A false Result with a
// nil error is a governed non-send (dropped or deferred); an error means
// delivery itself failed and the caller may retry.
func (g *Gateway) Send(ctx context.Context, msg Message) (Result, error) {
	g.mu.RLock()
	ch, ok := g.channels[msg.Channel]
	g.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("outbound: unknown channel %q", msg.Channel)
	}
	if msg.Recipient == "" {
		return Result{}, errors.New("outbound: recipient required")
	}
	pol := g.policy(msg.Category)

	if dropped, err := g.optedOut(ctx, msg); err == nil && dropped {
		return g.drop(ctx, msg, "opted_out"), nil
	}

	now := time.Now().In(g.location(msg.Timezone))
	if pol.QuietHours {
		if delay := g.quietDelay(now); delay > 0 {
			return g.reschedule(ctx, msg, delay)
		}
	}

	if pol.DailyCap > 0 {
		key := fmt.Sprintf("out:%s:%s", msg.Recipient, now.Format("2006-01-02"))
		allowed, err := g.limiter.Allow(ctx, "outbound", key, pol.DailyCap, 36*time.Hour)
		if err != nil {
			return Result{}, fmt.Errorf("outbound: daily cap check: %w", err)
		}
		if !allowed {
			return g.drop(ctx, msg, "daily_cap"), nil
		}
	}

	if pol.Cooldown > 0 {
		key := fmt.Sprintf("cooldown:out:%s:%s", msg.Category, msg.Recipient)
		created, err := g.store.SetIfAbsent(ctx, key, now.UTC().Format(time.RFC3339), pol.Cooldown)
		if err != nil && !errors.Is(err, kv.ErrUnavailable) {
			return Result{}, fmt.Errorf("outbound: cooldown check: %w", err)
		}
		if err == nil && !created {
			return g.drop(ctx, msg, "cooldown"), nil
		}
	}

	if err := ch.Deliver(ctx, msg); err != nil {
		g.tel.Metrics.OutboundDropped.WithLabelValues(msg.Channel, "channel_error").Inc()
		return Result{Reason: "channel_error"}, fmt.Errorf("outbound: deliver via %s: %w", msg.Channel, err)
	}

	g.tel.Metrics.OutboundSent.WithLabelValues(msg.Channel).Inc()
	if msg.Category != CategoryReply {
		g.tel.Audit.Record(ctx, telemetry.AuditEntry{
			Actor:      "outbound",
			Action:     "outbound.sent",
			TargetType: "recipient",
			TargetID:   msg.Recipient,
			Payload:    map[string]any{"channel": msg.Channel, "category": string(msg.Category)},
		})
	}
	return Result{Sent: true}, nil
}

func (g *Gateway) policy(cat Category) Policy {
	if pol, ok := g.opts.Policies[cat]; ok {
		return pol
	}
	// Unknown categories get notification-grade governance.
	return Policy{QuietHours: true, DailyCap: 25}
}

// optedOut checks the registry. Registry errors fail open: a store
// outage must not mute conversational traffic, and the drop-side risk is
// bounded by caps and cooldowns.
func (g *Gateway) optedOut(ctx context.Context, msg Message) (bool, error) {
	if g.optOuts == nil {
		return false, nil
	}
	out, err := g.optOuts.IsOptedOut(ctx, msg.Recipient, string(msg.Category))
	if err != nil {
		g.tel.Logger.Warn("opt-out registry unreachable, sending anyway",
			"recipient", msg.Recipient, "error", err)
		return false, err
	}
	return out, nil
}

func (g *Gateway) drop(ctx context.Context, msg Message, reason string) Result {
	g.tel.Metrics.OutboundDropped.WithLabelValues(msg.Channel, reason).Inc()
	g.tel.Audit.Record(ctx, telemetry.AuditEntry{
		Actor:      "outbound",
		Action:     "outbound.dropped",
		TargetType: "recipient",
		TargetID:   msg.Recipient,
		Payload:    map[string]any{"channel": msg.Channel, "category": string(msg.Category), "reason": reason},
	})
	return Result{Reason: reason}
}

// reschedule defers the message to the end of the quiet window via a
// delayed job. Deferred, never dropped.
func (g *Gateway) reschedule(ctx context.Context, msg Message, delay time.Duration) (Result, error) {
	if g.delayed == nil {
		return Result{}, errors.New("outbound: quiet hours hit but no delay queue wired")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return Result{}, fmt.Errorf("outbound: marshal deferred message: %w", err)
	}
	if _, err := g.delayed.Add(ctx, RescheduleJob, data, queue.AddOptions{Delay: delay}); err != nil {
		return Result{}, fmt.Errorf("outbound: defer past quiet hours: %w", err)
	}

	g.tel.Metrics.OutboundRescheduled.WithLabelValues(msg.Channel).Inc()
	g.tel.Audit.Record(ctx, telemetry.AuditEntry{
		Actor:      "outbound",
		Action:     "outbound.rescheduled",
		TargetType: "recipient",
		TargetID:   msg.Recipient,
		Payload:    map[string]any{"channel": msg.Channel, "delay_ms": delay.Milliseconds()},
	})
	return Result{Reason: "quiet_hours"}, nil
}

// quietDelay returns how long until the quiet window ends, or 0 when now
// is outside the window.
func (g *Gateway) quietDelay(now time.Time) time.Duration {
	start, end := g.opts.QuietStart, g.opts.QuietEnd
	if start == end {
		return 0
	}
	h := now.Hour()
	var inside bool
	if start > end { // overnight window, e.g. 22..8
		inside = h >= start || h < end
	} else {
		inside = h >= start && h < end
	}
	if !inside {
		return 0
	}

	windowEnd := time.Date(now.Year(), now.Month(), now.Day(), end, 0, 0, 0, now.Location())
	if !windowEnd.After(now) {
		windowEnd = windowEnd.Add(24 * time.Hour)
	}
	return windowEnd.Sub(now)
}

func (g *Gateway) location(tz string) *time.Location {
	if tz == "" {
		return g.opts.DefaultTimezone
	}
	g.mu.RLock()
	loc, ok := g.locs[tz]
	g.mu.RUnlock()
	if ok {
		return loc
	}

	loc, err := time.LoadLocation(tz)
	if err != nil {
		g.tel.Logger.Warn("unknown recipient timezone", "tz", tz)
		return g.opts.DefaultTimezone
	}
	g.mu.Lock()
	g.locs[tz] = loc
	g.mu.Unlock()
	return loc
}
