package handler

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Router mounts the v1 API. ws serves the live event stream when set.
func (h *Handler) Router(ws http.HandlerFunc, version string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	var origins []string
	token := ""
	if h.cfg != nil {
		origins = h.cfg.Origins()
		token = h.cfg.APIToken
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Project-Id", "X-User-Id", "X-User-Name"},
		AllowCredentials: true,
	}))
	if token != "" {
		r.Use(bearerAuth(token))
		h.logger.Info("API token auth enabled")
	}

	r.Get("/health", h.Health)
	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"version": version})
	})
	if ws != nil {
		r.Get("/ws", ws)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/triggers/{triggerId}", h.Trigger)

		r.Post("/plans", h.CreatePlan)
		r.Get("/plans", h.ListPlans)
		r.Get("/plans/{id}", h.GetPlan)
		r.Delete("/plans/{id}", h.DeletePlan)
		r.Get("/plans/{id}/assemblies", h.ListPlanAssemblies)

		r.Post("/assemblies", h.CreateAssembly)
		r.Get("/assemblies/{id}", h.GetAssembly)
		r.Delete("/assemblies/{id}", h.DeleteAssembly)
		r.Get("/assemblies/{id}/images", h.ListImages)
		r.Get("/assemblies/{id}/endpoints", h.ListEndpoints)
		r.Get("/assemblies/{id}/events", h.AssemblyEvents)

		r.Get("/images/{id}/events", h.ImageEvents)
	})
	return r
}

// bearerAuth guards everything except health, the websocket and
// triggers, which carry their own credentials.
func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/ws" || r.URL.Path == "/health" || r.URL.Path == "/version" || strings.HasPrefix(r.URL.Path, "/v1/triggers/") {
				next.ServeHTTP(w, r)
				return
			}
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if subtle.ConstantTimeCompare([]byte(auth[7:]), []byte(token)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
