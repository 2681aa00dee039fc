// Package appserver is the HTTP surface of one worker process. It routes the
// root path to the bound index application, single-segment paths to
// applications or static mounts, and keeps /internal for the health endpoint.
package appserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/showfloor/showfloor/assets"
	"github.com/showfloor/showfloor/httputils"
	"github.com/showfloor/showfloor/registry"
)

// Router serves one worker's request traffic. Renders run under the router's
// base context, not the request context: a client that hangs up discards the
// response without interrupting the script or module it started. Only worker
// shutdown cancels in-flight renders.
type Router struct {
	baseCtx   context.Context
	reg       *registry.Registry
	mounts    *assets.MountSet
	logger    *slog.Logger
	startedAt time.Time
}

func NewRouter(ctx context.Context, reg *registry.Registry, mounts *assets.MountSet, logger *slog.Logger) *Router {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		baseCtx:   ctx,
		reg:       reg,
		mounts:    mounts,
		logger:    logger,
		startedAt: time.Now(),
	}
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Path
	if p == "" || p == "/" {
		rt.renderApp(w, r, rt.reg.Index())
		return
	}

	first, rest, _ := strings.Cut(strings.TrimPrefix(p, "/"), "/")
	switch {
	case first == registry.Reserved:
		if p == "/internal/status" {
			rt.handleStatus(w, r)
			return
		}
		http.NotFound(w, r)
	case rt.mounts.Has(first):
		rt.serveStatic(w, r)
	case rest == "":
		// A bare "/name" or "/name/" addresses an application. Anything
		// deeper is not an application path.
		rt.renderApp(w, r, first)
	default:
		http.NotFound(w, r)
	}
}

func (rt *Router) renderApp(w http.ResponseWriter, r *http.Request, route string) {
	if route == "" {
		http.NotFound(w, r)
		return
	}
	req := registry.Request{
		Route:      route,
		Path:       r.URL.Path,
		Query:      r.URL.RawQuery,
		RemoteAddr: r.RemoteAddr,
		TraceID:    r.Header.Get("X-Trace-ID"),
	}
	doc, err := rt.reg.Render(rt.baseCtx, route, req)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		// The application is at fault, not the gallery. Serve a 500 and
		// keep going.
		rt.logger.Error("application render failed", "route", route, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", doc.ContentType)
	w.Write(doc.Body)
}

func (rt *Router) serveStatic(w http.ResponseWriter, r *http.Request) {
	err := rt.mounts.Serve(w, r)
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, assets.ErrForbidden):
		rt.logger.Warn("blocked static path traversal", "path", r.URL.Path, "remote", r.RemoteAddr)
		http.Error(w, "Forbidden", http.StatusForbidden)
	case errors.Is(err, assets.ErrNotFound):
		// Missing files are routine and never error-logged.
		http.NotFound(w, r)
	default:
		rt.logger.Error("static file error", "path", r.URL.Path, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

type workerStatus struct {
	Status        string   `json:"status"`
	PID           int      `json:"pid"`
	Index         string   `json:"index"`
	Routes        []string `json:"routes"`
	Mounts        []string `json:"mounts"`
	UptimeSeconds int64    `json:"uptime_seconds"`
}

func (rt *Router) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := workerStatus{
		Status:        "ok",
		PID:           os.Getpid(),
		Index:         rt.reg.Index(),
		Routes:        rt.reg.Routes(),
		Mounts:        rt.mounts.Prefixes(),
		UptimeSeconds: int64(time.Since(rt.startedAt).Seconds()),
	}
	httputils.HandleAPIResponse(w, r, resp, nil, http.StatusOK)
}
