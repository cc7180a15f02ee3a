package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pesio-ai/be-sterilization-trace/internal/app"
	"github.com/pesio-ai/be-sterilization-trace/internal/errors"
	"github.com/pesio-ai/be-sterilization-trace/internal/logger"
	"github.com/pesio-ai/be-sterilization-trace/internal/repository"
	"github.com/pesio-ai/be-sterilization-trace/internal/service"
)

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	svc *app.Services
	log *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(svc *app.Services, log *logger.Logger) *HTTPHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &HTTPHandler{svc: svc, log: log}
}

// Routes mounts the API under /api/v1 plus /health.
func (h *HTTPHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/instruments", h.RegisterInstrument)
		r.Get("/instruments/{id}/history", h.InstrumentHistory)
		r.Post("/instruments/{id}/backfill", h.BackfillInstrument)
		r.Get("/instruments/{id}/reconcile", h.DiffInstrument)
		r.Post("/instruments/{id}/reconcile", h.ApplyReconcile)
		r.Get("/instruments/{id}/reprocess", h.ReprocessStatus)

		r.Post("/cycles", h.CreateCycle)
		r.Get("/cycles/{id}", h.GetCycle)
		r.Patch("/cycles/{id}/stage", h.UpdateStage)
		r.Get("/cycles/{id}/readiness", h.Readiness)
		r.Post("/cycles/{id}/backfill", h.BackfillCycle)

		r.Post("/batches/{id}/cycles", h.CreateBatchCycles)
		r.Post("/batches/{id}/backfill", h.BackfillBatch)
		r.Get("/batches/{id}/reconcile", h.DiffBatch)

		r.Put("/stage-events/{id}/meta/{kind}", h.AttachMeta)
		r.Get("/stage-events/{id}/meta", h.GetMeta)

		r.Get("/alerts", h.ListAlerts)
		r.Get("/alerts/counts", h.AlertCounts)
		r.Get("/alerts/stats", h.AlertStats)
		r.Post("/alerts/sweep", h.Sweep)
		r.Post("/alerts/{id}/ack", h.AckAlert)
		r.Post("/alerts/{id}/resolve", h.ResolveAlert)
		r.Get("/alerts/{id}/comments", h.ListComments)
		r.Post("/alerts/{id}/comments", h.AddComment)

		r.Get("/events", h.Events)
	})
	return r
}

// Health handles health check HTTP requests
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Store.Ping(r.Context()); err != nil {
		h.writeError(w, errors.Wrap(err, errors.ErrCodeUnavailable, "local store unreachable"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ── Instruments and cycles ─────────────────────────────────────────────────

// RegisterInstrument handles register instrument HTTP requests
func (h *HTTPHandler) RegisterInstrument(w http.ResponseWriter, r *http.Request) {
	var inst repository.Instrument
	if err := decodeJSON(r, &inst); err != nil {
		h.writeError(w, err)
		return
	}
	saved, err := h.svc.Cycles.RegisterInstrument(r.Context(), &inst)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

// CreateCycle handles create cycle HTTP requests
func (h *HTTPHandler) CreateCycle(w http.ResponseWriter, r *http.Request) {
	var req service.CreateCycleRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	res, err := h.svc.Cycles.CreateCycle(r.Context(), &req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, transitionStatus(res, http.StatusCreated), res)
}

// GetCycle handles get cycle HTTP requests
func (h *HTTPHandler) GetCycle(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.Cycles.GetCycle(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// UpdateStage handles advance stage HTTP requests
func (h *HTTPHandler) UpdateStage(w http.ResponseWriter, r *http.Request) {
	var req service.UpdateStageRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	req.CycleID = chi.URLParam(r, "id")
	res, err := h.svc.Cycles.UpdateStage(r.Context(), &req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, transitionStatus(res, http.StatusOK), res)
}

type readinessResponse struct {
	CycleID string   `json:"cycleId"`
	Target  string   `json:"target"`
	Ready   bool     `json:"ready"`
	Reasons []string `json:"reasons"`
}

// Readiness handles readiness check HTTP requests. A blocked transition is a
// normal answer, not an error.
func (h *HTTPHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	cycleID := chi.URLParam(r, "id")
	target := r.URL.Query().Get("target")
	if target == "" {
		h.writeError(w, errors.InvalidInput("target", "target stage is required"))
		return
	}

	resp := readinessResponse{CycleID: cycleID, Target: strings.ToUpper(target), Ready: true, Reasons: []string{}}
	err := h.svc.Cycles.CheckReadyTo(r.Context(), cycleID, target)

	var violation *service.ReadinessViolation
	var blocked *service.AlertBlockError
	switch {
	case err == nil:
	case errors.As(err, &violation):
		resp.Ready, resp.Reasons = false, violation.Reasons
	case errors.As(err, &blocked):
		resp.Ready, resp.Reasons = false, []string{blocked.Error()}
	default:
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateBatchCycles handles create cycles for batch HTTP requests
func (h *HTTPHandler) CreateBatchCycles(w http.ResponseWriter, r *http.Request) {
	var req service.BatchCyclesRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	req.BatchID = chi.URLParam(r, "id")
	results, err := h.svc.Cycles.CreateCyclesForBatch(r.Context(), &req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"batchId": req.BatchID, "results": results})
}

// transitionStatus reports degraded recordings with 202 so clients can tell
// them apart from ledger commits.
func transitionStatus(res *service.TransitionResult, ok int) int {
	if res.Source == repository.SourceLocalFallback {
		return http.StatusAccepted
	}
	return ok
}

// ── Stage metadata ─────────────────────────────────────────────────────────

// AttachMeta handles attach stage metadata HTTP requests
func (h *HTTPHandler) AttachMeta(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	kind := strings.ToLower(chi.URLParam(r, "kind"))
	override, _ := strconv.ParseBool(r.URL.Query().Get("override"))

	var (
		saved interface{}
		err   error
	)
	switch kind {
	case service.MetaWash:
		var in service.WashInput
		if err = decodeJSON(r, &in); err == nil {
			saved, err = h.svc.Meta.AttachWash(ctx, id, &in)
		}
	case service.MetaDisinfection:
		var in service.DisinfectionInput
		if err = decodeJSON(r, &in); err == nil {
			saved, err = h.svc.Meta.AttachDisinfection(ctx, id, &in, override)
		}
	case service.MetaSterilization:
		var in service.SterilizationInput
		if err = decodeJSON(r, &in); err == nil {
			saved, err = h.svc.Meta.AttachSterilization(ctx, id, &in)
		}
	case service.MetaStorage:
		var in service.StorageInput
		if err = decodeJSON(r, &in); err == nil {
			saved, err = h.svc.Meta.AttachStorage(ctx, id, &in)
		}
	default:
		err = errors.InvalidInput("kind", "unknown metadata kind "+kind)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// GetMeta handles get stage metadata HTTP requests
func (h *HTTPHandler) GetMeta(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Meta.GetMeta(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ── Helpers ────────────────────────────────────────────────────────────────

type errorBody struct {
	Code    errors.Code            `json:"code"`
	Message string                 `json:"message"`
	Field   string                 `json:"field,omitempty"`
	Reasons []string               `json:"reasons,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	status := errors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Int("status", status).Msg("request failed")
	} else {
		h.log.Warn().Err(err).Int("status", status).Msg("request failed")
	}

	body := errorBody{Code: errors.CodeOf(err), Message: err.Error()}
	var appErr *errors.Error
	if errors.As(err, &appErr) {
		body.Message, body.Field, body.Details = appErr.Message, appErr.Field, appErr.Details
	}
	var violation *service.ReadinessViolation
	if errors.As(err, &violation) {
		body.Reasons = violation.Reasons
	}
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		body.Message = "internal error"
	}
	writeJSON(w, status, map[string]errorBody{"error": body})
}

// decodeJSON decodes an optional request body. An empty body leaves v as is.
func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && err != io.EOF {
		return errors.InvalidInput("body", "invalid request body")
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil {
		return v
	}
	return def
}
