package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/welcomecrm/cadence/core/cadence"
	"github.com/welcomecrm/cadence/core/infra/logging"
)

type startRequest struct {
	CardID     string `json:"card_id"`
	TemplateID string `json:"template_id"`
	Source     string `json:"source,omitempty"`
}

type startResponse struct {
	InstanceID string                 `json:"instance_id"`
	Status     cadence.InstanceStatus `json:"status"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type errorResponse struct {
	Error      string `json:"error"`
	InstanceID string `json:"instance_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeEngineError maps engine errors onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, cadence.ErrAlreadyRunning):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), InstanceID: cadence.RunningInstanceID(err)})
	case errors.Is(err, cadence.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, cadence.ErrInvalidTransition), errors.Is(err, cadence.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case cadence.IsPermanent(err):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		logging.Error(component, "request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeBody decodes a JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid json body: %w", err)
	}
	return nil
}

func parseLimit(r *http.Request, def int64) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(s.checks))
	healthy := true
	for name, check := range s.checks {
		if err := check(r.Context()); err != nil {
			checks[name] = err.Error()
			healthy = false
			continue
		}
		checks[name] = "ok"
	}
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy":        healthy,
		"checks":         checks,
		"stream_clients": s.hub.Clients(),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"time":           time.Now().UTC(),
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.CardID = strings.TrimSpace(req.CardID)
	req.TemplateID = strings.TrimSpace(req.TemplateID)
	if req.CardID == "" || req.TemplateID == "" {
		writeError(w, http.StatusBadRequest, "card_id and template_id are required")
		return
	}
	source := req.Source
	if source == "" {
		source = cadence.SourceOperator
	}
	inst, err := s.mgr.Start(r.Context(), req.CardID, req.TemplateID, source)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, startResponse{InstanceID: inst.ID, Status: inst.Status})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "cancelled by operator"
	}
	inst, err := s.mgr.Cancel(r.Context(), r.PathValue("id"), reason, cadence.SourceOperator)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	inst, err := s.mgr.Pause(r.Context(), r.PathValue("id"), cadence.SourceOperator)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	inst, err := s.mgr.Resume(r.Context(), r.PathValue("id"), cadence.SourceOperator)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	inst, err := s.mgr.RetryFailed(r.Context(), r.PathValue("id"), cadence.SourceOperator)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	filter := cadence.InstanceFilter{
		TemplateID: strings.TrimSpace(q.Get("template_id")),
		CardID:     strings.TrimSpace(q.Get("card_id")),
		Status:     cadence.InstanceStatus(strings.TrimSpace(q.Get("status"))),
		Limit:      limit,
	}
	if filter.Status != "" && !validInstanceStatus(filter.Status) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", filter.Status))
		return
	}
	out, err := s.mgr.Store().ListInstances(r.Context(), filter)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if out == nil {
		out = []*cadence.Instance{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.mgr.Store().GetInstance(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleInstanceEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultEventsLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := r.PathValue("id")
	if _, err := s.mgr.Store().GetInstance(r.Context(), id); err != nil {
		writeEngineError(w, err)
		return
	}
	events, err := s.mgr.Store().ListEvents(r.Context(), id, limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if events == nil {
		events = []*cadence.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleInstanceQueue(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.mgr.Store().GetInstance(r.Context(), id); err != nil {
		writeEngineError(w, err)
		return
	}
	items, err := s.mgr.Store().ItemsForInstance(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if items == nil {
		items = []*cadence.QueueItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status := cadence.ItemStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	if status == "" {
		status = cadence.ItemPending
	}
	switch status {
	case cadence.ItemPending, cadence.ItemProcessing, cadence.ItemCompleted, cadence.ItemCancelled, cadence.ItemFailed:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown queue status %q", status))
		return
	}
	items, err := s.mgr.Store().ListItems(r.Context(), cadence.ItemFilter{Status: status, Limit: limit})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if items == nil {
		items = []*cadence.QueueItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultEventsLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	events, err := s.mgr.Store().RecentEvents(r.Context(), limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if events == nil {
		events = []*cadence.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	tpls, err := s.mgr.Templates().List(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if tpls == nil {
		tpls = []*cadence.Template{}
	}
	writeJSON(w, http.StatusOK, tpls)
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var (
		tpl *cadence.Template
		err error
	)
	if raw := strings.TrimSpace(r.URL.Query().Get("version")); raw != "" {
		version, convErr := strconv.Atoi(raw)
		if convErr != nil || version < 1 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid version %q", raw))
			return
		}
		tpl, err = s.mgr.Templates().GetVersion(r.Context(), id, version)
	} else {
		tpl, err = s.mgr.Templates().Get(r.Context(), id)
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	dls, err := s.mgr.Store().ListDeadLetters(r.Context(), limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if dls == nil {
		dls = []*cadence.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, dls)
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	if s.correlator == nil {
		writeError(w, http.StatusServiceUnavailable, "correlator unavailable")
		return
	}
	var sig cadence.Signal
	if err := decodeBody(r, &sig); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if sig.ID == "" {
		sig.ID = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}
	res, err := s.correlator.Handle(r.Context(), &sig)
	if err != nil {
		if cadence.IsPermanent(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		logging.Warn(component, "signal failed", "signal", sig.Type, "card_id", sig.CardID, "error", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func validInstanceStatus(st cadence.InstanceStatus) bool {
	switch st {
	case cadence.StatusActive, cadence.StatusWaitingTask, cadence.StatusWaitingEvent, cadence.StatusPaused,
		cadence.StatusCompleted, cadence.StatusCancelled, cadence.StatusFailed:
		return true
	}
	return false
}
