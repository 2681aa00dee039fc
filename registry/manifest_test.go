package registry

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/showfloor/showfloor/assets"
)

func TestManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "home.sh"), "echo home\n")
	writeFile(t, filepath.Join(dir, "stocks.ipynb"), `{"cells":[]}`)

	reg, err := Discover(Options{ScriptCommand: "/bin/sh"},
		filepath.Join(dir, "*.sh"), filepath.Join(dir, "*.ipynb"))
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if err := reg.BindIndex("home"); err != nil {
		t.Fatalf("BindIndex failed: %v", err)
	}

	m := reg.Manifest()
	m.Mounts = []assets.MountSpec{{Prefix: "apps", Dir: dir}}
	path := filepath.Join(t.TempDir(), "manifest.json")
	if err := m.WriteFile(path); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	loaded, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest failed: %v", err)
	}
	if loaded.Index != "home" {
		t.Errorf("Index = %q, want %q", loaded.Index, "home")
	}
	if loaded.ScriptCommand != "/bin/sh" {
		t.Errorf("ScriptCommand = %q, want %q", loaded.ScriptCommand, "/bin/sh")
	}
	if len(loaded.Mounts) != 1 || loaded.Mounts[0].Prefix != "apps" {
		t.Errorf("Mounts = %v, want the attached mount", loaded.Mounts)
	}

	rebuilt, err := FromManifest(Options{}, loaded)
	if err != nil {
		t.Fatalf("FromManifest failed: %v", err)
	}
	if !reflect.DeepEqual(rebuilt.Routes(), reg.Routes()) {
		t.Errorf("rebuilt routes = %v, want %v", rebuilt.Routes(), reg.Routes())
	}
	if rebuilt.Index() != "home" {
		t.Errorf("rebuilt index = %q, want %q", rebuilt.Index(), "home")
	}
	// The script command travels through the manifest so workers run
	// scripts exactly like the gateway validated them.
	if rebuilt.Manifest().ScriptCommand != "/bin/sh" {
		t.Errorf("rebuilt script command = %q", rebuilt.Manifest().ScriptCommand)
	}
}

func TestFromManifestRejectsUnknownKind(t *testing.T) {
	m := Manifest{
		Apps: []Entry{{Route: "x", Path: "/srv/apps/x.sh", Kind: "mystery"}},
	}
	_, err := FromManifest(Options{}, m)
	if err == nil {
		t.Fatal("FromManifest accepted an unknown loader kind")
	}
	var de *DiscoveryError
	if !errors.As(err, &de) {
		t.Fatalf("error type = %T, want *DiscoveryError", err)
	}
}

func TestFromManifestRejectsCollision(t *testing.T) {
	m := Manifest{
		Apps: []Entry{
			{Route: "x", Path: "/srv/a/x.sh", Kind: KindScript},
			{Route: "x", Path: "/srv/b/x.sh", Kind: KindScript},
		},
	}
	if _, err := FromManifest(Options{}, m); err == nil {
		t.Fatal("FromManifest accepted a duplicate route")
	}
}

func TestFromManifestRejectsEmptySet(t *testing.T) {
	if _, err := FromManifest(Options{}, Manifest{}); err == nil {
		t.Fatal("FromManifest accepted an empty application set")
	}
}

func TestFromManifestRejectsIncompleteEntry(t *testing.T) {
	m := Manifest{Apps: []Entry{{Route: "x", Kind: KindScript}}}
	if _, err := FromManifest(Options{}, m); err == nil {
		t.Fatal("FromManifest accepted an entry without a path")
	}
}

func TestFromManifestRejectsMissingIndex(t *testing.T) {
	m := Manifest{
		Apps:  []Entry{{Route: "x", Path: "/srv/apps/x.sh", Kind: KindScript}},
		Index: "nope",
	}
	_, err := FromManifest(Options{}, m)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound for the index route", err)
	}
}

func TestLoadManifestMissingFile(t *testing.T) {
	if _, err := LoadManifest(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("LoadManifest read a file that does not exist")
	}
}
