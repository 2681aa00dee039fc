// Package assets serves fixed directory trees of static files under
// single-segment URL prefixes.
package assets

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	// ErrNotFound means the request path maps to no file under any mount.
	ErrNotFound = errors.New("asset not found")
	// ErrForbidden means the request path tried to escape its mount root.
	ErrForbidden = errors.New("asset path forbidden")
)

const defaultCacheControl = "public, max-age=300"

// MountSpec declares one static tree: a single-segment URL prefix and the
// directory it serves.
type MountSpec struct {
	Prefix string `json:"prefix"`
	Dir    string `json:"dir"`
}

// MountError reports an invalid mount configuration. It is a startup error;
// the gateway refuses to bind its listen address when a mount is unusable.
type MountError struct {
	Prefix string
	Dir    string
	Msg    string
	Err    error
}

func (e *MountError) Error() string {
	msg := fmt.Sprintf("static mount %q", e.Prefix)
	if e.Dir != "" {
		msg += " (" + e.Dir + ")"
	}
	msg += ": " + e.Msg
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MountError) Unwrap() error { return e.Err }

// MountSet serves a fixed collection of static trees keyed by URL prefix.
// It is built once at startup and read-only afterwards.
type MountSet struct {
	roots map[string]string // prefix -> absolute directory
}

// NewMountSet validates the specs and binds their directories. Every prefix
// must be a single, unique path segment, and every directory must already
// exist when the set is built.
func NewMountSet(specs ...MountSpec) (*MountSet, error) {
	ms := &MountSet{roots: make(map[string]string, len(specs))}
	for _, spec := range specs {
		if spec.Prefix == "" || spec.Prefix == "." || spec.Prefix == ".." || strings.Contains(spec.Prefix, "/") {
			return nil, &MountError{Prefix: spec.Prefix, Dir: spec.Dir, Msg: "prefix must be a single path segment"}
		}
		if _, ok := ms.roots[spec.Prefix]; ok {
			return nil, &MountError{Prefix: spec.Prefix, Dir: spec.Dir, Msg: "prefix already mounted"}
		}
		abs, err := filepath.Abs(spec.Dir)
		if err != nil {
			return nil, &MountError{Prefix: spec.Prefix, Dir: spec.Dir, Msg: "resolving directory", Err: err}
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, &MountError{Prefix: spec.Prefix, Dir: spec.Dir, Msg: "directory does not exist", Err: err}
		}
		if !info.IsDir() {
			return nil, &MountError{Prefix: spec.Prefix, Dir: spec.Dir, Msg: "not a directory"}
		}
		ms.roots[spec.Prefix] = abs
	}
	return ms, nil
}

// Has reports whether prefix is mounted.
func (ms *MountSet) Has(prefix string) bool {
	_, ok := ms.roots[prefix]
	return ok
}

// Prefixes returns the mounted prefixes in sorted order.
func (ms *MountSet) Prefixes() []string {
	prefixes := make([]string, 0, len(ms.roots))
	for prefix := range ms.roots {
		prefixes = append(prefixes, prefix)
	}
	sort.Strings(prefixes)
	return prefixes
}

// Resolve maps a request path like /prefix/css/site.css to a file under the
// mount's root. Paths containing a ".." segment, and any resolution that
// would land outside the root, yield ErrForbidden. The server decodes
// percent escapes before the path gets here, so encoded dots are caught too.
func (ms *MountSet) Resolve(urlPath string) (string, error) {
	trimmed := strings.TrimPrefix(urlPath, "/")
	prefix, rest, _ := strings.Cut(trimmed, "/")
	root, ok := ms.roots[prefix]
	if !ok {
		return "", fmt.Errorf("%s: %w", urlPath, ErrNotFound)
	}
	for _, segment := range strings.Split(rest, "/") {
		if segment == ".." {
			return "", fmt.Errorf("%s: %w", urlPath, ErrForbidden)
		}
	}
	full := filepath.Join(root, filepath.FromSlash(rest))
	if full != root && !strings.HasPrefix(full, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("%s: %w", urlPath, ErrForbidden)
	}
	return full, nil
}

// Serve resolves the request path and writes the file with a Cache-Control
// header. Nothing is written when an error comes back, so the caller decides
// the failure response.
func (ms *MountSet) Serve(w http.ResponseWriter, r *http.Request) error {
	full, err := ms.Resolve(r.URL.Path)
	if err != nil {
		return err
	}
	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", r.URL.Path, ErrNotFound)
		}
		if os.IsPermission(err) {
			return fmt.Errorf("%s: %w", r.URL.Path, ErrForbidden)
		}
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		// Directory listings are never served.
		return fmt.Errorf("%s: %w", r.URL.Path, ErrNotFound)
	}
	w.Header().Set("Cache-Control", defaultCacheControl)
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
	return nil
}
