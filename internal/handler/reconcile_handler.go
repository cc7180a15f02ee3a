package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// InstrumentHistory handles instrument history HTTP requests. An instrument
// without local events is backfilled from the ledger first.
func (h *HTTPHandler) InstrumentHistory(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Reconcile.HistoryForInstrument(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// BackfillInstrument handles backfill instrument HTTP requests
func (h *HTTPHandler) BackfillInstrument(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Reconcile.BackfillInstrument(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// BackfillCycle handles backfill cycle HTTP requests
func (h *HTTPHandler) BackfillCycle(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Reconcile.BackfillCycle(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// BackfillBatch handles backfill batch HTTP requests
func (h *HTTPHandler) BackfillBatch(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Reconcile.BackfillBatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// DiffInstrument handles instrument drift report HTTP requests
func (h *HTTPHandler) DiffInstrument(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Reconcile.Diff(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ApplyReconcile handles apply reconcile HTTP requests
func (h *HTTPHandler) ApplyReconcile(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Reconcile.ApplyReconcile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// DiffBatch handles batch drift report HTTP requests
func (h *HTTPHandler) DiffBatch(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Reconcile.DiffBatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ReprocessStatus handles reprocess status HTTP requests
func (h *HTTPHandler) ReprocessStatus(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Reconcile.ReprocessStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
