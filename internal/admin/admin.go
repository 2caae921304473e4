// Package admin provides admin API endpoints for runtime inspection of
// policy state and manual breaker control. All endpoints are protected by
// IP allowlist.
package admin

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/dskow/resilience-core/internal/config"
	"github.com/dskow/resilience-core/internal/resilience"
)

// Handler provides admin API endpoints.
type Handler struct {
	provider    ConfigProvider
	registry    *resilience.Registry
	allowedNets []*net.IPNet
	logger      *slog.Logger
}

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
}

// New creates a new admin Handler. The allowlist CIDRs must be
// pre-validated (config validation ensures this).
func New(provider ConfigProvider, registry *resilience.Registry, allowlist []string, logger *slog.Logger) *Handler {
	nets := make([]*net.IPNet, 0, len(allowlist))
	for _, cidr := range allowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // already validated by config
		}
		nets = append(nets, ipNet)
	}
	return &Handler{
		provider:    provider,
		registry:    registry,
		allowedNets: nets,
		logger:      logger,
	}
}

// RegisterRoutes adds admin routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/policies", h.guard(http.MethodGet, h.policiesHandler))
	mux.HandleFunc("/admin/config", h.guard(http.MethodGet, h.configHandler))
	mux.HandleFunc("/admin/policies/reset", h.guard(http.MethodPost, h.resetHandler))
}

// guard wraps a handler with method and IP allowlist checking.
func (h *Handler) guard(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{
				"error": "Method Not Allowed",
			})
			return
		}

		ip := extractIP(r.RemoteAddr)
		if !h.isAllowed(ip) {
			h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
			writeJSON(w, http.StatusForbidden, map[string]string{
				"error": "Forbidden",
			})
			return
		}

		next(w, r)
	}
}

// policiesHandler returns the live status of every active policy.
func (h *Handler) policiesHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"policies": h.registry.Snapshot(),
	})
}

// configHandler returns the currently active configuration.
func (h *Handler) configHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.provider.Current())
}

// resetHandler forces the named circuit breaker back to closed.
// POST /admin/policies/reset?name=<policy>
func (h *Handler) resetHandler(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "missing required query parameter: name",
		})
		return
	}

	if !h.registry.ResetBreaker(name) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "no active circuit breaker for policy " + name,
		})
		return
	}

	h.logger.Info("circuit breaker manually reset", "name", name)
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "reset",
		"name":   name,
	})
}

func (h *Handler) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, cidr := range h.allowedNets {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return strings.TrimSpace(remoteAddr)
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
