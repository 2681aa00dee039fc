package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
	return path
}

func TestDiscoverRoutes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "home.sh"), "echo home\n")
	writeFile(t, filepath.Join(dir, "intro.sh"), "echo intro\n")
	writeFile(t, filepath.Join(dir, "notes.ipynb"), `{"cells":[]}`)
	writeFile(t, filepath.Join(dir, "README.md"), "not matched\n")

	reg, err := Discover(Options{ScriptCommand: "/bin/sh"},
		filepath.Join(dir, "*.sh"), filepath.Join(dir, "*.ipynb"))
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}

	want := []string{"home", "intro", "notes"}
	if got := reg.Routes(); !reflect.DeepEqual(got, want) {
		t.Errorf("Routes() = %v, want %v", got, want)
	}
	if !reg.Has("home") || reg.Has("README") {
		t.Errorf("Has() misreported the route set")
	}

	entry, err := reg.Resolve("notes")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if entry.Kind != KindNotebook {
		t.Errorf("notes kind = %q, want %q", entry.Kind, KindNotebook)
	}
	if entry.Path != filepath.Join(dir, "notes.ipynb") {
		t.Errorf("notes path = %q", entry.Path)
	}
}

func TestRouteNameDerivation(t *testing.T) {
	tests := []struct {
		file string
		want string
	}{
		{"/srv/apps/home.sh", "home"},
		{"/srv/apps/stocks.ipynb", "stocks"},
		{"report.final.ipynb", "report.final"},
		{"archive.tar.gz", "archive.tar"},
		{"noext", "noext"},
		{".env", ""},
	}
	for _, tc := range tests {
		t.Run(tc.file, func(t *testing.T) {
			if got := routeName(tc.file); got != tc.want {
				t.Errorf("routeName(%q) = %q, want %q", tc.file, got, tc.want)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		file string
		want Kind
	}{
		{"app.sh", KindScript},
		{"app.py", KindScript},
		{"app.txt", KindScript},
		{"noext", KindScript},
		{"report.ipynb", KindNotebook},
		{"report.IPYNB", KindNotebook},
		{"mod.wasm", KindModule},
	}
	for _, tc := range tests {
		if got := kindOf(tc.file); got != tc.want {
			t.Errorf("kindOf(%q) = %q, want %q", tc.file, got, tc.want)
		}
	}
}

func TestDiscoverRouteCollision(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a", "home.sh"), "echo a\n")
	writeFile(t, filepath.Join(dir, "b", "home.ipynb"), `{"cells":[]}`)

	_, err := Discover(Options{},
		filepath.Join(dir, "a", "*.sh"), filepath.Join(dir, "b", "*.ipynb"))
	if err == nil {
		t.Fatal("Discover accepted two files deriving the same route")
	}
	var de *DiscoveryError
	if !errors.As(err, &de) {
		t.Fatalf("error type = %T, want *DiscoveryError", err)
	}
	if de.Route != "home" {
		t.Errorf("collision route = %q, want %q", de.Route, "home")
	}
	if len(de.Paths) != 2 {
		t.Errorf("collision paths = %v, want both files", de.Paths)
	}
}

func TestDiscoverNoMatches(t *testing.T) {
	dir := t.TempDir()
	_, err := Discover(Options{}, filepath.Join(dir, "*.sh"))
	if err == nil {
		t.Fatal("Discover accepted an empty application set")
	}
	var de *DiscoveryError
	if !errors.As(err, &de) {
		t.Fatalf("error type = %T, want *DiscoveryError", err)
	}
}

func TestDiscoverNoPatterns(t *testing.T) {
	if _, err := Discover(Options{}); err == nil {
		t.Fatal("Discover accepted an empty pattern list")
	}
}

func TestDiscoverSomePatternsMayBeEmpty(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "home.sh"), "echo home\n")

	reg, err := Discover(Options{},
		filepath.Join(dir, "*.sh"), filepath.Join(dir, "*.ipynb"))
	if err != nil {
		t.Fatalf("Discover failed on a partially empty pattern set: %v", err)
	}
	if got := reg.Routes(); len(got) != 1 || got[0] != "home" {
		t.Errorf("Routes() = %v, want [home]", got)
	}
}

func TestDiscoverDeduplicatesOverlappingPatterns(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "home.sh"), "echo home\n")

	// Both patterns reach the same file; that must not look like a
	// collision.
	reg, err := Discover(Options{},
		filepath.Join(dir, "*.sh"), filepath.Join(dir, "home.*"))
	if err != nil {
		t.Fatalf("Discover failed on overlapping patterns: %v", err)
	}
	if got := reg.Routes(); len(got) != 1 {
		t.Errorf("Routes() = %v, want a single deduplicated route", got)
	}
}

func TestDiscoverSkipsDirectories(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "home.sh"), "echo home\n")
	if err := os.MkdirAll(filepath.Join(dir, "ignored.sh"), 0o755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}

	reg, err := Discover(Options{}, filepath.Join(dir, "*.sh"))
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if got := reg.Routes(); len(got) != 1 || got[0] != "home" {
		t.Errorf("Routes() = %v, want [home]", got)
	}
}

func TestDiscoverReservedRoute(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "internal.sh"), "echo nope\n")

	_, err := Discover(Options{}, filepath.Join(dir, "*.sh"))
	if err == nil {
		t.Fatal("Discover accepted a route shadowing the internal prefix")
	}
	var de *DiscoveryError
	if !errors.As(err, &de) || de.Route != Reserved {
		t.Errorf("error = %v, want reserved-route DiscoveryError", err)
	}
}

func TestDiscoverEmptyRouteName(t *testing.T) {
	dir := t.TempDir()
	// A bare ".sh" derives an empty route once the extension is stripped.
	writeFile(t, filepath.Join(dir, ".sh"), "echo nope\n")

	_, err := Discover(Options{}, filepath.Join(dir, "*.sh"))
	if err == nil {
		t.Fatal("Discover accepted a file deriving an empty route name")
	}
}

func TestResolveReturnsCopy(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "home.sh"), "echo home\n")
	reg, err := Discover(Options{}, filepath.Join(dir, "*.sh"))
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}

	entry, err := reg.Resolve("home")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	entry.Path = "tampered"

	again, err := reg.Resolve("home")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if again.Path == "tampered" {
		t.Error("Resolve exposed internal state to mutation")
	}
}

func TestResolveUnknownRoute(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "home.sh"), "echo home\n")
	reg, err := Discover(Options{}, filepath.Join(dir, "*.sh"))
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}

	if _, err := reg.Resolve("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Resolve error = %v, want ErrNotFound", err)
	}
	if _, err := reg.Render(context.Background(), "missing", Request{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Render error = %v, want ErrNotFound", err)
	}
}

func TestBindIndex(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "home.sh"), "echo home\n")
	reg, err := Discover(Options{}, filepath.Join(dir, "*.sh"))
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}

	if err := reg.BindIndex("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("BindIndex error = %v, want ErrNotFound", err)
	}
	if reg.Index() != "" {
		t.Errorf("Index() = %q after failed bind, want empty", reg.Index())
	}
	if err := reg.BindIndex("home"); err != nil {
		t.Fatalf("BindIndex failed: %v", err)
	}
	if reg.Index() != "home" {
		t.Errorf("Index() = %q, want %q", reg.Index(), "home")
	}
}

func TestDiscoverRejectsBrokenModule(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "widget.wasm"), "this is not a wasm binary")

	_, err := Discover(Options{}, filepath.Join(dir, "*.wasm"))
	if err == nil {
		t.Fatal("Discover accepted a module that cannot compile")
	}
	var de *DiscoveryError
	if !errors.As(err, &de) {
		t.Fatalf("error type = %T, want *DiscoveryError", err)
	}
	if de.Route != "widget" {
		t.Errorf("broken module route = %q, want %q", de.Route, "widget")
	}
}
