package handler

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"keel/model"
)

// maxPlanSize bounds plan documents read from a request body.
const maxPlanSize = 1 << 20

func (h *Handler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxPlanSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	p, err := h.pipe.CreatePlan(r.Context(), requestContext(r), raw)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeStatus(w, http.StatusCreated, p.Redacted())
}

func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.pipe.ListPlans(r.Context(), requestContext(r).ProjectID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]model.Plan, 0, len(plans))
	for _, p := range plans {
		out = append(out, p.Redacted())
	}
	writeJSON(w, out)
}

func (h *Handler) GetPlan(w http.ResponseWriter, r *http.Request) {
	p, err := h.pipe.GetPlan(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, p.Redacted())
}

func (h *Handler) DeletePlan(w http.ResponseWriter, r *http.Request) {
	if err := h.pipe.DeletePlan(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListPlanAssemblies(w http.ResponseWriter, r *http.Request) {
	assemblies, err := h.pipe.ListAssemblies(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if assemblies == nil {
		assemblies = []model.Assembly{}
	}
	writeJSON(w, assemblies)
}
