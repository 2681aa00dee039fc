package registry

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/showfloor/showfloor/assets"
)

// Manifest is the validated deployment snapshot the gateway hands to each
// worker process. Workers build their registry from it and never glob the
// filesystem themselves, so every replica serves the same route set no matter
// what changed on disk after startup.
type Manifest struct {
	Apps          []Entry            `json:"apps"`
	Mounts        []assets.MountSpec `json:"mounts"`
	Index         string             `json:"index"`
	ScriptCommand string             `json:"script_command"`
}

// Manifest snapshots the registry as a worker handoff document. Static mounts
// are attached by the caller; the registry does not know about them.
func (r *Registry) Manifest() Manifest {
	m := Manifest{Index: r.index, ScriptCommand: r.script.Command}
	for _, route := range r.routes {
		m.Apps = append(m.Apps, r.entries[route])
	}
	return m
}

// WriteFile writes the manifest as JSON at path.
func (m Manifest) WriteFile(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// LoadManifest reads a manifest written by WriteFile.
func LoadManifest(path string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("read manifest: %w", err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("parse manifest: %w", err)
	}
	return m, nil
}

// FromManifest rebuilds a registry from a gateway snapshot and binds its
// index. The manifest's script command is used unless the options name one.
func FromManifest(opts Options, m Manifest) (*Registry, error) {
	if opts.ScriptCommand == "" {
		opts.ScriptCommand = m.ScriptCommand
	}
	entries := make(map[string]Entry, len(m.Apps))
	for _, e := range m.Apps {
		if e.Route == "" || e.Path == "" {
			return nil, &DiscoveryError{Msg: "manifest entry missing route or path"}
		}
		if prev, ok := entries[e.Route]; ok {
			return nil, &DiscoveryError{Route: e.Route, Paths: []string{prev.Path, e.Path}, Msg: "route name collision"}
		}
		entries[e.Route] = e
	}
	if len(entries) == 0 {
		return nil, &DiscoveryError{Msg: "manifest contains no applications"}
	}
	r, err := newRegistry(opts, entries)
	if err != nil {
		return nil, err
	}
	if m.Index != "" {
		if err := r.BindIndex(m.Index); err != nil {
			return nil, err
		}
	}
	return r, nil
}
