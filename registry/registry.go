package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
)

// ErrNotFound is returned when no application is registered under a route.
var ErrNotFound = errors.New("application not found")

// Reserved is the path segment kept for the operator and health surface.
// No application route or static mount may claim it.
const Reserved = "internal"

// Kind selects the loader used to render an application.
type Kind string

const (
	KindScript   Kind = "script"
	KindNotebook Kind = "notebook"
	KindModule   Kind = "module"
)

// Entry is one discovered application.
type Entry struct {
	Route string `json:"route"`
	Path  string `json:"path"`
	Kind  Kind   `json:"kind"`
}

// Options configure the loaders a registry renders with.
type Options struct {
	// ScriptCommand is the interpreter line for script applications, for
	// example "python3" or "deno run". The first whitespace-separated token
	// is the executable, the rest become leading arguments.
	ScriptCommand string
	Logger        *slog.Logger
}

// Registry holds the application set served by one process. It is built once
// at startup, either by Discover or FromManifest, and is read-only afterwards,
// so lookups need no locking.
type Registry struct {
	entries  map[string]Entry
	routes   []string
	index    string
	script   *ScriptLoader
	notebook *NotebookLoader
	module   *ModuleLoader
}

func newRegistry(opts Options, entries map[string]Entry) (*Registry, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		entries:  entries,
		script:   &ScriptLoader{Command: opts.ScriptCommand, Logger: logger},
		notebook: &NotebookLoader{},
	}
	for route := range entries {
		r.routes = append(r.routes, route)
	}
	sort.Strings(r.routes)

	// Modules are compiled up front so a broken artifact fails startup
	// instead of the first request that hits it.
	for _, route := range r.routes {
		e := entries[route]
		switch e.Kind {
		case KindScript, KindNotebook:
			continue
		case KindModule:
			if r.module == nil {
				r.module = NewModuleLoader()
			}
			if err := r.module.Compile(context.Background(), e.Path); err != nil {
				r.module.Close(context.Background())
				return nil, &DiscoveryError{Route: route, Paths: []string{e.Path}, Msg: "module failed to compile", Err: err}
			}
		default:
			return nil, &DiscoveryError{Route: route, Paths: []string{e.Path}, Msg: fmt.Sprintf("unknown loader kind %q", e.Kind)}
		}
	}
	return r, nil
}

// Routes returns the registered route names in sorted order.
func (r *Registry) Routes() []string {
	routes := make([]string, len(r.routes))
	copy(routes, r.routes)
	return routes
}

// Has reports whether a route is registered.
func (r *Registry) Has(route string) bool {
	_, ok := r.entries[route]
	return ok
}

// Resolve returns the entry registered under route.
func (r *Registry) Resolve(route string) (*Entry, error) {
	e, ok := r.entries[route]
	if !ok {
		return nil, fmt.Errorf("route %q: %w", route, ErrNotFound)
	}
	entry := e
	return &entry, nil
}

// Render loads the application under route and produces its document for one
// request. Rendering always re-invokes the loader, so callers see the current
// contents of the application file on every request.
func (r *Registry) Render(ctx context.Context, route string, req Request) (*Document, error) {
	e, ok := r.entries[route]
	if !ok {
		return nil, fmt.Errorf("route %q: %w", route, ErrNotFound)
	}
	switch e.Kind {
	case KindScript:
		return r.script.Load(ctx, e, req)
	case KindNotebook:
		return r.notebook.Load(ctx, e, req)
	case KindModule:
		return r.module.Load(ctx, e, req)
	default:
		return nil, fmt.Errorf("route %q has unknown loader kind %q", route, e.Kind)
	}
}

// BindIndex designates the application served for the root path. It must be
// called before serving begins; a missing route is a startup error, and after
// a successful bind the index can always be rendered.
func (r *Registry) BindIndex(route string) error {
	if _, ok := r.entries[route]; !ok {
		return fmt.Errorf("index route %q: %w", route, ErrNotFound)
	}
	r.index = route
	return nil
}

// Index returns the route bound by BindIndex, or "" when none is bound.
func (r *Registry) Index() string {
	return r.index
}

// Close releases loader resources. It must not be called while renders are
// still in flight.
func (r *Registry) Close(ctx context.Context) error {
	if r.module != nil {
		return r.module.Close(ctx)
	}
	return nil
}
