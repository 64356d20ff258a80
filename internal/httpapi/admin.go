package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/kisslabs/platform/internal/queue"
	"github.com/kisslabs/platform/internal/telemetry"
)

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stats := map[string]interface{}{}

	if s.deps.Messages != nil {
		qs, err := s.deps.Messages.Stats(ctx)
		if err != nil {
			s.tel.Logger.Warn("queue stats unavailable", "error", err)
		} else {
			stats["queue"] = qs
		}
	}
	if s.deps.Blocklist != nil {
		stats["blocklist"] = s.deps.Blocklist.Size(ctx)
	}
	if s.deps.History != nil {
		stats["history_conversations"] = s.deps.History.Len()
	}
	if s.deps.Flows != nil {
		stats["active_flows"] = s.deps.Flows.Len()
	}
	if s.deps.Limiter != nil {
		stats["rate_limit_buckets"] = s.deps.Limiter.ActiveBuckets()
	}
	if s.deps.Streamer != nil {
		stats["audit_stream_clients"] = s.deps.Streamer.ClientCount()
	}
	if len(s.deps.Breakers) > 0 {
		breakers := map[string]interface{}{}
		for _, b := range s.deps.Breakers {
			counts := b.Counts()
			breakers[b.Name()] = map[string]interface{}{
				"state":    b.State().String(),
				"requests": counts.Requests,
				"failures": counts.TotalFailures,
			}
		}
		stats["breakers"] = breakers
	}
	writeOK(w, map[string]interface{}{"stats": stats})
}

type contactRequest struct {
	Contact string `json:"contact"`
	Reason  string `json:"reason,omitempty"`
}

func decodeBody(r *http.Request, out interface{}) error {
	dec := json.NewDecoder(r.Body)
	return dec.Decode(out)
}

func (s *Server) handleBlocklistAdd(w http.ResponseWriter, r *http.Request) {
	var req contactRequest
	if err := decodeBody(r, &req); err != nil || req.Contact == "" {
		writeError(w, http.StatusBadRequest, "BAD_PAYLOAD", "contact required")
		return
	}
	if err := s.deps.Blocklist.Add(r.Context(), req.Contact, req.Reason, 0); err != nil {
		writeError(w, http.StatusInternalServerError, "BLOCKLIST_ERROR", err.Error())
		return
	}
	s.adminAudit(r, "blocklist_add", "contact", req.Contact, map[string]interface{}{"reason": req.Reason})
	writeOK(w, nil)
}

func (s *Server) handleBlocklistRemove(w http.ResponseWriter, r *http.Request) {
	var req contactRequest
	if err := decodeBody(r, &req); err != nil || req.Contact == "" {
		writeError(w, http.StatusBadRequest, "BAD_PAYLOAD", "contact required")
		return
	}
	if err := s.deps.Blocklist.Remove(r.Context(), req.Contact); err != nil {
		writeError(w, http.StatusInternalServerError, "BLOCKLIST_ERROR", err.Error())
		return
	}
	s.adminAudit(r, "blocklist_remove", "contact", req.Contact, nil)
	writeOK(w, nil)
}

func (s *Server) handleBlocklistCheck(w http.ResponseWriter, r *http.Request) {
	var req contactRequest
	if err := decodeBody(r, &req); err != nil || req.Contact == "" {
		writeError(w, http.StatusBadRequest, "BAD_PAYLOAD", "contact required")
		return
	}
	blocked, source, err := s.deps.Blocklist.Check(r.Context(), req.Contact)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "BLOCKLIST_ERROR", err.Error())
		return
	}
	writeOK(w, map[string]interface{}{"blocked": blocked, "source": string(source)})
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	s.deps.History.Purge()
	s.adminAudit(r, "cache_clear", "cache", "history", nil)
	writeOK(w, nil)
}

func (s *Server) handleQueuePause(w http.ResponseWriter, r *http.Request) {
	s.deps.Messages.Pause()
	s.adminAudit(r, "queue_pause", "queue", s.deps.Messages.Name(), nil)
	writeOK(w, map[string]interface{}{"paused": true})
}

func (s *Server) handleQueueResume(w http.ResponseWriter, r *http.Request) {
	s.deps.Messages.Resume()
	s.adminAudit(r, "queue_resume", "queue", s.deps.Messages.Name(), nil)
	writeOK(w, map[string]interface{}{"paused": false})
}

func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := s.deps.Messages.ListDLQ(r.Context(), queue.ListOptions{Limit: int64(limit)})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "DLQ_ERROR", err.Error())
		return
	}
	writeOK(w, map[string]interface{}{"entries": entries, "count": len(entries)})
}

func (s *Server) handleDLQRetry(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	jobID, err := s.deps.Messages.RetryDLQ(r.Context(), id)
	if err != nil {
		if errors.Is(err, queue.ErrNotInDLQ) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "no such dead letter")
			return
		}
		writeError(w, http.StatusInternalServerError, "DLQ_ERROR", err.Error())
		return
	}
	s.adminAudit(r, "dlq_retry", "dlq", id, map[string]interface{}{"job_id": jobID})
	writeOK(w, map[string]interface{}{"job_id": jobID})
}

func (s *Server) handleDLQRetryAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Messages.RetryAllDLQ(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "DLQ_ERROR", err.Error())
		return
	}
	s.adminAudit(r, "dlq_retry_all", "dlq", s.deps.Messages.Name(), map[string]interface{}{"retried": n})
	writeOK(w, map[string]interface{}{"retried": n})
}

func (s *Server) handleDLQDiscard(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.deps.Messages.DiscardDLQ(r.Context(), id); err != nil {
		if errors.Is(err, queue.ErrNotInDLQ) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "no such dead letter")
			return
		}
		writeError(w, http.StatusInternalServerError, "DLQ_ERROR", err.Error())
		return
	}
	s.adminAudit(r, "dlq_discard", "dlq", id, nil)
	writeOK(w, nil)
}

// handleDLQClear wipes the whole DLQ. The caller proves intent by
// echoing the queue's confirmation token.
func (s *Server) handleDLQClear(w http.ResponseWriter, r *http.Request) {
	confirmation := r.URL.Query().Get("confirm")
	if confirmation == "" {
		confirmation = r.Header.Get("X-Confirm")
	}
	n, err := s.deps.Messages.ClearDLQ(r.Context(), confirmation)
	if err != nil {
		if errors.Is(err, queue.ErrConfirmation) {
			writeError(w, http.StatusBadRequest, "CONFIRMATION_REQUIRED",
				"pass the confirmation token to clear the DLQ")
			return
		}
		writeError(w, http.StatusInternalServerError, "DLQ_ERROR", err.Error())
		return
	}
	s.adminAudit(r, "dlq_clear", "dlq", s.deps.Messages.Name(), map[string]interface{}{"cleared": n})
	writeOK(w, map[string]interface{}{"cleared": n})
}

func (s *Server) adminAudit(r *http.Request, action, targetType, targetID string, payload map[string]interface{}) {
	s.tel.Audit.Record(r.Context(), telemetry.AuditEntry{
		Actor:      "admin",
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Payload:    payload,
	})
}
