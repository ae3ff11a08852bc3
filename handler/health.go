package handler

import (
	"net/http"
)

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	services := map[string]string{}

	if err := h.reg.Healthy(r.Context()); err != nil {
		services["registry"] = "down"
	} else {
		services["registry"] = "up"
	}

	for _, c := range h.checks {
		if err := c.Ping(r.Context()); err != nil {
			h.logger.Warn("health check failed", "service", c.Name, "error", err)
			services[c.Name] = "down"
		} else {
			services[c.Name] = "up"
		}
	}

	status := "ok"
	for _, v := range services {
		if v == "down" {
			status = "degraded"
			break
		}
	}

	writeJSON(w, map[string]any{
		"status":   status,
		"services": services,
	})
}
