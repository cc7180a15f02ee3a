package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pesio-ai/be-sterilization-trace/internal/errors"
	"github.com/pesio-ai/be-sterilization-trace/internal/repository"
	"github.com/pesio-ai/be-sterilization-trace/internal/service"
)

// ListAlerts handles list alerts HTTP requests
func (h *HTTPHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := h.svc.Alerts.List(r.Context(), repository.AlertFilter{
		Status:   repository.AlertStatus(strings.ToUpper(q.Get("status"))),
		Severity: repository.AlertSeverity(strings.ToUpper(q.Get("severity"))),
		Query:    q.Get("q"),
		Page:     queryInt(r, "page", 1),
		PerPage:  queryInt(r, "perPage", 20),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// AlertCounts handles alert counter HTTP requests
func (h *HTTPHandler) AlertCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.svc.Alerts.Counts(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// AlertStats handles alert statistics HTTP requests. from and to accept an
// RFC 3339 instant or a plain date.
func (h *HTTPHandler) AlertStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := service.StatsQuery{TZ: q.Get("tz")}
	var err error
	if query.From, err = parseInstant("from", q.Get("from")); err != nil {
		h.writeError(w, err)
		return
	}
	if query.To, err = parseInstant("to", q.Get("to")); err != nil {
		h.writeError(w, err)
		return
	}

	stats, err := h.svc.Alerts.Stats(r.Context(), query)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type ackRequest struct {
	UserID *string `json:"userId,omitempty"`
}

// AckAlert handles acknowledge alert HTTP requests
func (h *HTTPHandler) AckAlert(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if req.UserID == nil {
		if u := r.Header.Get("X-User-ID"); u != "" {
			req.UserID = &u
		}
	}
	alert, err := h.svc.Alerts.Ack(r.Context(), chi.URLParam(r, "id"), req.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// ResolveAlert handles resolve alert HTTP requests
func (h *HTTPHandler) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.svc.Alerts.Resolve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// Sweep handles manual storage sweep HTTP requests
func (h *HTTPHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Sweeper.RunOnce(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type commentRequest struct {
	Text   string  `json:"text"`
	Author *string `json:"author,omitempty"`
}

// AddComment handles add alert comment HTTP requests
func (h *HTTPHandler) AddComment(w http.ResponseWriter, r *http.Request) {
	var req commentRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	c, err := h.svc.Alerts.AddComment(r.Context(), chi.URLParam(r, "id"), req.Text, req.Author)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// ListComments handles list alert comments HTTP requests
func (h *HTTPHandler) ListComments(w http.ResponseWriter, r *http.Request) {
	page, err := h.svc.Alerts.ListComments(r.Context(), chi.URLParam(r, "id"), queryInt(r, "page", 1), queryInt(r, "perPage", 50))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func parseInstant(field, v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return &t, nil
		}
	}
	return nil, errors.InvalidInput(field, "expected an RFC 3339 timestamp or YYYY-MM-DD date")
}
