package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/kisslabs/platform/internal/dispatch"
	"github.com/kisslabs/platform/internal/payments"
	"github.com/kisslabs/platform/internal/queue"
	"github.com/kisslabs/platform/internal/store"
	"github.com/kisslabs/platform/internal/telemetry"
)

// PaymentNotifyJob is enqueued after a verified payment webhook so the
// conversation hears about the payment without blocking the response.
const PaymentNotifyJob = "payment.notify"

// PaymentNotice is the PaymentNotifyJob payload.
type PaymentNotice struct {
	Provider       string `json:"provider"`
	ExternalID     string `json:"external_id"`
	OrderID        string `json:"order_id"`
	Status         string `json:"status"`
	AmountCents    int64  `json:"amount_cents"`
	AccountID      string `json:"account_id"`
	ConversationID string `json:"conversation_id"`
}

// crmWebhook is the CRM's message_created event shape. Anything else
// (status changes, outgoing echoes) is acknowledged and dropped.
type crmWebhook struct {
	Event       string `json:"event"`
	ID          int64  `json:"id"`
	Content     string `json:"content"`
	MessageType string `json:"message_type"`
	CreatedAt   string `json:"created_at"`
	Conversation struct {
		ID json.Number `json:"id"`
	} `json:"conversation"`
	Account struct {
		ID json.Number `json:"id"`
	} `json:"account"`
	Sender struct {
		Identifier  string `json:"identifier"`
		PhoneNumber string `json:"phone_number"`
		Email       string `json:"email"`
		Name        string `json:"name"`
	} `json:"sender"`
}

func (s *Server) handleMessagingWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body := http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)

	var hook crmWebhook
	if err := json.NewDecoder(body).Decode(&hook); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_PAYLOAD", "body is not a CRM event")
		return
	}
	if hook.Event != "message_created" || hook.MessageType != "incoming" {
		writeOK(w, map[string]interface{}{"ignored": true, "event": hook.Event})
		return
	}
	if hook.Conversation.ID.String() == "" || hook.ID == 0 {
		writeError(w, http.StatusBadRequest, "BAD_PAYLOAD", "missing conversation or message id")
		return
	}

	contact := hook.Sender.Identifier
	if contact == "" {
		contact = hook.Sender.PhoneNumber
	}
	if contact == "" {
		contact = hook.Sender.Email
	}

	tc := telemetry.NewTrace()
	ctx = telemetry.WithTrace(ctx, tc)
	event := dispatch.Event{
		Source:         "crm",
		AccountID:      hook.Account.ID.String(),
		ConversationID: hook.Conversation.ID.String(),
		MessageID:      fmt.Sprintf("%d", hook.ID),
		Contact:        contact,
		ContactName:    hook.Sender.Name,
		Content:        hook.Content,
		ReceivedAt:     time.Now().UTC(),
	}

	seen, _, err := s.deps.Dedup.Seen(ctx, event.DedupeKey(), s.opts.DedupeTTL)
	if err != nil {
		s.tel.Logger.Warn("dedupe check failed, enqueueing anyway",
			"key", event.DedupeKey(), "error", err)
	}
	if seen {
		s.tel.Logger.Info("duplicate webhook acknowledged",
			"conversation", event.ConversationID, "message", event.MessageID)
		s.tel.Metrics.WebhooksDeduped.WithLabelValues("messaging").Inc()
		writeOK(w, map[string]interface{}{"deduped": true})
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "event marshal failed")
		return
	}
	jobID, err := s.deps.Messages.Add(ctx, messageJobName, data, queue.AddOptions{
		JobID: event.DedupeKey(),
	})
	if err != nil {
		s.tel.Logger.Error("webhook enqueue failed",
			"conversation", event.ConversationID, "error", err)
		writeError(w, http.StatusInternalServerError, "ENQUEUE_FAILED", "could not enqueue message")
		return
	}

	s.tel.Metrics.WebhooksReceived.WithLabelValues("messaging").Inc()
	writeOK(w, map[string]interface{}{"job_id": jobID, "trace_id": tc.TraceID})
}

// handleChannelVerify answers the GET challenge handshake messaging
// channels perform before delivering webhooks.
func (s *Server) handleChannelVerify(w http.ResponseWriter, r *http.Request) {
	channel := mux.Vars(r)["channel"]
	q := r.URL.Query()

	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")
	if mode == "subscribe" && token != "" && token == s.opts.ChannelVerifyToken && challenge != "" {
		s.tel.Logger.Info("channel verification handshake accepted", "channel", channel)
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, challenge)
		return
	}
	writeError(w, http.StatusForbidden, "VERIFY_FAILED", "verification rejected")
}

// handleChannelWebhook accepts channel-native payloads; they ride the
// same dedupe and queue path via the normalized shape.
func (s *Server) handleChannelWebhook(w http.ResponseWriter, r *http.Request) {
	channel := mux.Vars(r)["channel"]
	ctx := r.Context()
	body := http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)

	var event dispatch.Event
	if err := json.NewDecoder(body).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_PAYLOAD", "body is not an event")
		return
	}
	if event.ConversationID == "" || event.MessageID == "" {
		writeError(w, http.StatusBadRequest, "BAD_PAYLOAD", "missing conversation or message id")
		return
	}
	event.Source = channel
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now().UTC()
	}

	seen, _, err := s.deps.Dedup.Seen(ctx, event.DedupeKey(), s.opts.DedupeTTL)
	if err == nil && seen {
		s.tel.Metrics.WebhooksDeduped.WithLabelValues(channel).Inc()
		writeOK(w, map[string]interface{}{"deduped": true})
		return
	}

	data, _ := json.Marshal(event)
	jobID, err := s.deps.Messages.Add(ctx, messageJobName, data, queue.AddOptions{
		JobID: event.DedupeKey(),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ENQUEUE_FAILED", "could not enqueue message")
		return
	}
	s.tel.Metrics.WebhooksReceived.WithLabelValues(channel).Inc()
	writeOK(w, map[string]interface{}{"job_id": jobID})
}

// handlePaymentWebhook verifies against the raw body. Nothing between
// the socket and the verifier may re-serialize it.
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	providerName := mux.Vars(r)["provider"]

	provider, err := s.deps.Payments.Get(providerName)
	if err != nil {
		writeError(w, http.StatusNotFound, "UNKNOWN_PROVIDER", "no such payment provider")
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_PAYLOAD", "could not read body")
		return
	}

	event, err := provider.VerifyWebhook(raw, r.Header.Get(provider.SignatureHeader()))
	if err != nil {
		if errors.Is(err, payments.ErrBadSignature) {
			s.tel.Logger.Warn("payment webhook signature rejected", "provider", providerName)
			writeError(w, http.StatusUnauthorized, "BAD_SIGNATURE", "signature verification failed")
			return
		}
		writeError(w, http.StatusBadRequest, "BAD_PAYLOAD", "could not parse event")
		return
	}

	link, err := s.deps.Store.GetPaymentByExternalID(ctx, providerName, event.ExternalID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// A webhook for a link this instance never issued. Acknowledge so
		// the provider stops retrying, but keep a record.
		s.tel.Logger.Warn("payment webhook for unknown link",
			"provider", providerName, "external_id", event.ExternalID)
		writeOK(w, map[string]interface{}{"unknown_link": true})
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", "payment lookup failed")
		return
	}

	link.Status = string(event.Status)
	link.UpdatedAt = time.Now().UTC()
	if err := s.deps.Store.UpsertPaymentLink(ctx, link); err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", "payment update failed")
		return
	}

	s.tel.Audit.Record(ctx, telemetry.AuditEntry{
		Actor:      "payments:" + providerName,
		Action:     "payment_webhook",
		TargetType: "payment",
		TargetID:   event.ExternalID,
		Payload: map[string]interface{}{
			"status": string(event.Status), "order_id": link.OrderID,
		},
	})

	// Tell the conversation, off the webhook's critical path.
	if s.deps.Messages != nil && link.ConversationID != "" {
		notice, _ := json.Marshal(PaymentNotice{
			Provider:       providerName,
			ExternalID:     event.ExternalID,
			OrderID:        link.OrderID,
			Status:         string(event.Status),
			AmountCents:    event.AmountCents,
			AccountID:      link.AccountID,
			ConversationID: link.ConversationID,
		})
		if _, err := s.deps.Messages.Add(ctx, PaymentNotifyJob, notice, queue.AddOptions{
			JobID: "paynotify:" + providerName + ":" + event.ExternalID + ":" + string(event.Status),
		}); err != nil {
			s.tel.Logger.Error("payment notify enqueue failed",
				"external_id", event.ExternalID, "error", err)
		}
	}

	s.tel.Metrics.WebhooksReceived.WithLabelValues("payments_" + providerName).Inc()
	writeOK(w, map[string]interface{}{"status": string(event.Status)})
}
