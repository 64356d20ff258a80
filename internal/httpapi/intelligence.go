package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/kisslabs/platform/internal/actions"
	"github.com/kisslabs/platform/internal/cases"
	"github.com/kisslabs/platform/internal/store"
)

func (s *Server) mountIntelligence(api *mux.Router) {
	if s.deps.Cases != nil {
		api.HandleFunc("/cases", s.handleCaseList).Methods(http.MethodGet)
		api.HandleFunc("/cases/{id}", s.handleCaseGet).Methods(http.MethodGet)
		api.HandleFunc("/cases/{id}/history", s.handleCaseHistory).Methods(http.MethodGet)
		api.HandleFunc("/cases/{id}/transition", s.handleCaseTransition).Methods(http.MethodPost)
	}
	if s.deps.Actions != nil {
		api.HandleFunc("/actions/propose", s.handleActionPropose).Methods(http.MethodPost)
		api.HandleFunc("/actions/dry-run", s.handleActionDryRun).Methods(http.MethodPost)
		api.HandleFunc("/actions/{id}", s.handleActionGet).Methods(http.MethodGet)
		api.HandleFunc("/actions/{id}/confirm", s.handleActionConfirm).Methods(http.MethodPost)
		api.HandleFunc("/actions/{id}/approve", s.handleActionApprove).Methods(http.MethodPost)
		api.HandleFunc("/actions/{id}/reject", s.handleActionReject).Methods(http.MethodPost)
	}
	if s.deps.Scheduler != nil {
		api.HandleFunc("/detectors", s.handleDetectorList).Methods(http.MethodGet)
		api.HandleFunc("/detectors/{id}/trigger", s.handleDetectorTrigger).Methods(http.MethodPost)
	}
	if s.deps.Store != nil {
		api.HandleFunc("/alerts", s.handleAlertList).Methods(http.MethodGet)
		api.HandleFunc("/runs/{id}", s.handleRunGet).Methods(http.MethodGet)
	}
}

func limitParam(r *http.Request, fallback int) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func (s *Server) handleCaseList(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Store.ListCases(r.Context(), r.URL.Query().Get("state"), limitParam(r, 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeOK(w, map[string]interface{}{"cases": list, "count": len(list)})
}

func (s *Server) handleCaseGet(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Store.GetCase(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "no such case")
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeOK(w, map[string]interface{}{"case": c})
}

func (s *Server) handleCaseHistory(w http.ResponseWriter, r *http.Request) {
	log, err := s.deps.Cases.History(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeOK(w, map[string]interface{}{"transitions": log})
}

// transitionRequest is strict: unknown fields are rejected so a typo in
// an operator payload fails loudly instead of dropping context.
type transitionRequest struct {
	Event      string          `json:"event"`
	Actor      string          `json:"actor"`
	Note       string          `json:"note,omitempty"`
	Evidence   json.RawMessage `json:"evidence,omitempty"`
	Hypothesis string          `json:"hypothesis,omitempty"`
	Diagnosis  string          `json:"diagnosis,omitempty"`
}

func (s *Server) handleCaseTransition(w http.ResponseWriter, r *http.Request) {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	var req transitionRequest
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_PAYLOAD", err.Error())
		return
	}
	if req.Event == "" || req.Actor == "" {
		writeError(w, http.StatusBadRequest, "BAD_PAYLOAD", "event and actor required")
		return
	}

	c, err := s.deps.Cases.Transition(r.Context(), mux.Vars(r)["id"], cases.Event(req.Event), req.Actor, cases.Context{
		Note:       req.Note,
		Evidence:   req.Evidence,
		Hypothesis: req.Hypothesis,
		Diagnosis:  req.Diagnosis,
	})
	if err != nil {
		var invalid *cases.InvalidTransitionError
		switch {
		case errors.As(err, &invalid):
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"ok": false, "error": "INVALID_TRANSITION", "message": invalid.Error(),
				"legal_events": invalid.LegalEvents,
			})
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "NOT_FOUND", "no such case")
		default:
			writeError(w, http.StatusInternalServerError, "TRANSITION_FAILED", err.Error())
		}
		return
	}
	writeOK(w, map[string]interface{}{"case": c})
}

type proposeRequest struct {
	CaseID         string          `json:"case_id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	RequestedBy    string          `json:"requested_by"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

func (r proposeRequest) proposal() actions.Proposal {
	return actions.Proposal{
		CaseID:         r.CaseID,
		Type:           r.Type,
		Payload:        r.Payload,
		RequestedBy:    r.RequestedBy,
		IdempotencyKey: r.IdempotencyKey,
	}
}

func (s *Server) handleActionPropose(w http.ResponseWriter, r *http.Request) {
	var req proposeRequest
	if err := decodeBody(r, &req); err != nil || req.Type == "" || req.RequestedBy == "" {
		writeError(w, http.StatusBadRequest, "BAD_PAYLOAD", "type and requested_by required")
		return
	}
	decision, err := s.deps.Actions.Propose(r.Context(), req.proposal())
	if err != nil {
		if errors.Is(err, actions.ErrUnknownType) {
			writeError(w, http.StatusBadRequest, "UNKNOWN_ACTION_TYPE", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "PROPOSE_FAILED", err.Error())
		return
	}
	writeOK(w, map[string]interface{}{
		"action": decision.Action, "reused": decision.Reused, "executed": decision.Executed,
	})
}

func (s *Server) handleActionDryRun(w http.ResponseWriter, r *http.Request) {
	var req proposeRequest
	if err := decodeBody(r, &req); err != nil || req.Type == "" {
		writeError(w, http.StatusBadRequest, "BAD_PAYLOAD", "type required")
		return
	}
	plan, err := s.deps.Actions.DryRun(r.Context(), req.proposal())
	if err != nil {
		writeError(w, http.StatusBadRequest, "DRY_RUN_FAILED", err.Error())
		return
	}
	writeOK(w, map[string]interface{}{"plan": plan})
}

func (s *Server) handleActionGet(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Actions.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "no such action")
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeOK(w, map[string]interface{}{"action": a})
}

type approveRequest struct {
	Actor  string `json:"actor"`
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleActionConfirm(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := decodeBody(r, &req); err != nil || req.Actor == "" {
		writeError(w, http.StatusBadRequest, "BAD_PAYLOAD", "actor required")
		return
	}
	a, err := s.deps.Actions.Confirm(r.Context(), mux.Vars(r)["id"], req.Actor)
	s.writeActionResult(w, a, err)
}

// handleActionApprove routes on the code field: with a code it is the
// 2FA path, without it the plain approval (which the bus refuses for
// CRITICAL actions).
func (s *Server) handleActionApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := decodeBody(r, &req); err != nil || req.Actor == "" {
		writeError(w, http.StatusBadRequest, "BAD_PAYLOAD", "actor required")
		return
	}
	id := mux.Vars(r)["id"]
	var (
		a   *store.Action
		err error
	)
	if req.Code != "" {
		a, err = s.deps.Actions.Verify2FAAndApprove(r.Context(), id, req.Actor, req.Code)
	} else {
		a, err = s.deps.Actions.Approve(r.Context(), id, req.Actor)
	}
	s.writeActionResult(w, a, err)
}

func (s *Server) handleActionReject(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := decodeBody(r, &req); err != nil || req.Actor == "" {
		writeError(w, http.StatusBadRequest, "BAD_PAYLOAD", "actor required")
		return
	}
	a, err := s.deps.Actions.Reject(r.Context(), mux.Vars(r)["id"], req.Actor, req.Reason)
	s.writeActionResult(w, a, err)
}

func (s *Server) writeActionResult(w http.ResponseWriter, a *store.Action, err error) {
	switch {
	case err == nil:
		writeOK(w, map[string]interface{}{"action": a})
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such action")
	case errors.Is(err, actions.ErrNeeds2FA):
		writeError(w, http.StatusForbidden, "NEEDS_2FA", "critical action requires a verification code")
	case errors.Is(err, actions.ErrBadCode):
		writeError(w, http.StatusUnauthorized, "BAD_CODE", "verification failed")
	case errors.Is(err, actions.ErrNotApprover):
		writeError(w, http.StatusForbidden, "NOT_APPROVER", "requester cannot approve their own action")
	case errors.Is(err, actions.ErrTerminal):
		writeError(w, http.StatusConflict, "TERMINAL", "action already settled")
	case errors.Is(err, actions.ErrInFlight):
		writeError(w, http.StatusConflict, "IN_FLIGHT", "execution already in progress")
	default:
		writeError(w, http.StatusInternalServerError, "ACTION_FAILED", err.Error())
	}
}

func (s *Server) handleDetectorList(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]interface{}{"detectors": s.deps.Detectors.IDs()})
}

type triggerRequest struct {
	Scope store.Scope `json:"scope"`
}

func (s *Server) handleDetectorTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_PAYLOAD", err.Error())
			return
		}
	}
	id := mux.Vars(r)["id"]
	jobID, err := s.deps.Scheduler.Trigger(r.Context(), id, req.Scope)
	if err != nil {
		writeError(w, http.StatusNotFound, "UNKNOWN_DETECTOR", err.Error())
		return
	}
	s.adminAudit(r, "detector_trigger", "detector", id, map[string]interface{}{"job_id": jobID})
	writeOK(w, map[string]interface{}{"job_id": jobID})
}

func (s *Server) handleAlertList(w http.ResponseWriter, r *http.Request) {
	state := store.AlertState(r.URL.Query().Get("state"))
	if state == "" {
		state = store.AlertActive
	}
	alerts, err := s.deps.Store.ListAlerts(r.Context(), state, limitParam(r, 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeOK(w, map[string]interface{}{"alerts": alerts, "count": len(alerts)})
}

func (s *Server) handleRunGet(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Store.GetRun(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "no such run")
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeOK(w, map[string]interface{}{"run": run})
}
