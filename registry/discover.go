package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DiscoveryError reports an application set that cannot be served. It is a
// startup error; the gateway refuses to bind its listen address when
// discovery fails.
type DiscoveryError struct {
	Route string   // derived route name involved, when applicable
	Paths []string // files involved, when applicable
	Msg   string
	Err   error
}

func (e *DiscoveryError) Error() string {
	msg := "discovery: " + e.Msg
	if e.Route != "" {
		msg += fmt.Sprintf(" (route %q)", e.Route)
	}
	if len(e.Paths) > 0 {
		msg += ": " + strings.Join(e.Paths, ", ")
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// Discover expands the glob patterns into the application set and builds a
// registry over it.
//
// Individual patterns may match nothing, but if the whole set comes up empty
// the deployment is misconfigured and Discover fails. Files reached through
// more than one pattern count once. Two files deriving the same route name is
// an error rather than a silent pick, since which file would win depends on
// glob order and nothing else.
func Discover(opts Options, patterns ...string) (*Registry, error) {
	if len(patterns) == 0 {
		return nil, &DiscoveryError{Msg: "no application patterns configured"}
	}

	seen := make(map[string]bool)
	var files []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, &DiscoveryError{Msg: fmt.Sprintf("invalid pattern %q", pattern), Err: err}
		}
		for _, match := range matches {
			abs, err := filepath.Abs(match)
			if err != nil {
				return nil, &DiscoveryError{Msg: fmt.Sprintf("resolving %q", match), Err: err}
			}
			info, err := os.Stat(abs)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			if seen[abs] {
				continue
			}
			seen[abs] = true
			files = append(files, abs)
		}
	}
	if len(files) == 0 {
		return nil, &DiscoveryError{Msg: "no applications matched " + strings.Join(patterns, ", ")}
	}
	sort.Strings(files)

	entries := make(map[string]Entry, len(files))
	for _, file := range files {
		route := routeName(file)
		if route == "" || route == "." || route == ".." {
			return nil, &DiscoveryError{Paths: []string{file}, Msg: fmt.Sprintf("file %q derives an unusable route name", filepath.Base(file))}
		}
		if route == Reserved {
			return nil, &DiscoveryError{Route: route, Paths: []string{file}, Msg: "route name is reserved"}
		}
		if prev, ok := entries[route]; ok {
			return nil, &DiscoveryError{Route: route, Paths: []string{prev.Path, file}, Msg: "route name collision"}
		}
		entries[route] = Entry{Route: route, Path: file, Kind: kindOf(file)}
	}
	return newRegistry(opts, entries)
}

// routeName strips the directory and extension from a discovered file.
func routeName(file string) string {
	base := filepath.Base(file)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// kindOf tags a file with the loader that renders it. Anything that is not a
// notebook or a compiled module is treated as a script for the configured
// interpreter.
func kindOf(file string) Kind {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".ipynb":
		return KindNotebook
	case ".wasm":
		return KindModule
	default:
		return KindScript
	}
}
