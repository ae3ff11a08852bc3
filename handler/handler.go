// Package handler serves the API role over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"keel/apperr"
	"keel/config"
	"keel/model"
	"keel/pipeline"
	"keel/store"
)

// DefaultProject is used when a request names no project.
const DefaultProject = "default"

// Check is an optional dependency reported by /health.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

type Handler struct {
	pipe   *pipeline.Dispatcher
	reg    store.Registry
	cfg    *config.Config
	checks []Check
	logger *slog.Logger
}

func New(p *pipeline.Dispatcher, reg store.Registry, cfg *config.Config, logger *slog.Logger, checks ...Check) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		pipe:   p,
		reg:    reg,
		cfg:    cfg,
		checks: checks,
		logger: logger.With("component", "api"),
	}
}

// requestContext reads the caller's tenant and user. Authentication
// happens in front of the handler; these headers are trusted.
func requestContext(r *http.Request) model.RequestContext {
	rc := model.RequestContext{
		ProjectID: r.Header.Get("X-Project-Id"),
		UserID:    r.Header.Get("X-User-Id"),
		Username:  r.Header.Get("X-User-Name"),
	}
	if rc.ProjectID == "" {
		rc.ProjectID = DefaultProject
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		rc.AuthToken = auth[7:]
	}
	return rc
}

func writeJSON(w http.ResponseWriter, v any) {
	writeStatus(w, http.StatusOK, v)
}

func writeStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeStatus(w, code, map[string]string{"error": msg})
}

// fail maps err onto its HTTP status. Internal errors are logged and
// not echoed to the caller.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.HTTPStatus(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeStatus(w, code, map[string]string{"error": "internal error", "code": string(apperr.CodeOf(err))})
		return
	}
	writeStatus(w, code, map[string]string{"error": err.Error(), "code": string(apperr.CodeOf(err))})
}
