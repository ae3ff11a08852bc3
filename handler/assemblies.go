package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"

	"keel/model"
	"keel/saga"
)

type createAssemblyRequest struct {
	PlanUUID string `json:"planUuid"`
	Name     string `json:"name"`
}

// assemblyResponse carries dispatch failures next to the assembly that
// was created anyway.
type assemblyResponse struct {
	*model.Assembly
	DispatchError string `json:"dispatchError,omitempty"`
}

func (h *Handler) CreateAssembly(w http.ResponseWriter, r *http.Request) {
	var req createAssemblyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PlanUUID == "" {
		writeError(w, http.StatusBadRequest, "planUuid is required")
		return
	}
	a, err := h.pipe.CreateAssembly(r.Context(), requestContext(r), req.PlanUUID, req.Name)
	if a == nil {
		h.fail(w, r, err)
		return
	}
	resp := assemblyResponse{Assembly: a}
	if err != nil {
		resp.DispatchError = err.Error()
	}
	writeStatus(w, http.StatusCreated, resp)
}

func (h *Handler) GetAssembly(w http.ResponseWriter, r *http.Request) {
	a, err := h.pipe.GetAssembly(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, a)
}

func (h *Handler) DeleteAssembly(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.pipe.DeleteAssembly(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	writeStatus(w, http.StatusAccepted, map[string]string{"uuid": id, "status": string(model.AssemblyDeleting)})
}

func (h *Handler) ListImages(w http.ResponseWriter, r *http.Request) {
	images, err := h.pipe.ListImages(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if images == nil {
		images = []model.Image{}
	}
	writeJSON(w, images)
}

func (h *Handler) ListEndpoints(w http.ResponseWriter, r *http.Request) {
	endpoints, err := h.pipe.ListEndpoints(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if endpoints == nil {
		endpoints = []model.Endpoint{}
	}
	writeJSON(w, endpoints)
}

// AssemblyEvents lists the newest events first as JSON. With
// ?format=text they are rendered as plain lines, oldest first.
func (h *Handler) AssemblyEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	events, err := h.pipe.Events(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if textFormat(r) {
		slices.Reverse(events)
	}
	writeEvents(w, r, events)
}

func (h *Handler) ImageEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.pipe.ImageEvents(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeEvents(w, r, events)
}

func writeEvents(w http.ResponseWriter, r *http.Request, events []saga.Event) {
	if textFormat(r) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, saga.PlainFormatter{}.Format(events))
		return
	}
	if events == nil {
		events = []saga.Event{}
	}
	writeJSON(w, events)
}

func textFormat(r *http.Request) bool {
	return r.URL.Query().Get("format") == "text"
}
