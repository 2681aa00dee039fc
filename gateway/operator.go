package gateway

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/showfloor/showfloor/gateway/access"
	"github.com/showfloor/showfloor/gateway/audit"
	"github.com/showfloor/showfloor/gateway/workers"
	"github.com/showfloor/showfloor/httputils"
)

type statusResponse struct {
	Status        string           `json:"status"`
	Listen        string           `json:"listen"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Index         string           `json:"index"`
	Routes        []string         `json:"routes"`
	Mounts        []string         `json:"mounts"`
	Workers       []workers.Status `json:"workers"`
}

// handleOperator serves the gateway's own /internal API. Everything under it
// requires a bearer token; the worker-side /internal/status is never exposed
// through here.
func (g *Gateway) handleOperator(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	if reason := g.authorize(r); reason != "" {
		g.logger.Warn("operator request rejected", "path", r.URL.Path, "remote", r.RemoteAddr, "reason", reason)
		if g.cfg.Audit != nil {
			if err := g.cfg.Audit.LogAccessDenied(r.URL.Path, r.RemoteAddr, reason); err != nil {
				g.logger.Error("audit write failed", "error", err)
			}
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	switch r.URL.Path {
	case "/internal/status":
		g.handleStatus(w, r)
	case "/internal/audit":
		g.handleAudit(w, r)
	default:
		http.NotFound(w, r)
	}
}

// authorize checks the bearer token and returns "" when the request may
// proceed, or a short denial reason otherwise.
func (g *Gateway) authorize(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "missing bearer token"
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header || token == "" {
		return "malformed authorization header"
	}
	if g.cfg.OperatorSecret != "" && token == g.cfg.OperatorSecret {
		return ""
	}
	if len(g.cfg.OperatorKey) > 0 {
		if err := access.ValidateToken(g.cfg.OperatorKey, token); err == nil {
			return ""
		}
	}
	return "token rejected"
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	snapshot := g.pool.Snapshot()
	ready := 0
	for _, s := range snapshot {
		if s.State == workers.StateReady.String() {
			ready++
		}
	}
	status := "ok"
	switch {
	case ready == 0:
		status = "down"
	case ready < len(snapshot):
		status = "degraded"
	}

	resp := statusResponse{
		Status:        status,
		Listen:        g.cfg.Listen,
		UptimeSeconds: int64(time.Since(g.startedAt).Seconds()),
		Index:         g.reg.Index(),
		Routes:        g.reg.Routes(),
		Mounts:        g.mounts.Prefixes(),
		Workers:       snapshot,
	}
	httputils.HandleAPIResponse(w, r, resp, nil, http.StatusOK)
}

func (g *Gateway) handleAudit(w http.ResponseWriter, r *http.Request) {
	if g.cfg.Audit == nil {
		http.Error(w, "audit log not enabled", http.StatusNotFound)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			http.Error(w, "limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		limit = n
	}

	var events []audit.Event
	var err error
	if eventType := r.URL.Query().Get("type"); eventType != "" {
		events, err = g.cfg.Audit.GetEventsByType(audit.EventType(eventType), limit)
	} else {
		events, err = g.cfg.Audit.GetRecentEvents(limit)
	}
	if events == nil && err == nil {
		events = []audit.Event{}
	}
	httputils.HandleAPIResponse(w, r, events, err, http.StatusOK)
}
