package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// ModuleLoader renders prebuilt WASI command modules. Each module is compiled
// once at startup and instantiated freshly per request; the instance writes
// its document to stdout and exits. Modules see the request metadata through
// the same SHOWFLOOR_* environment variables scripts get.
type ModuleLoader struct {
	runtime wazero.Runtime

	mu       sync.Mutex
	compiled map[string]wazero.CompiledModule
}

func NewModuleLoader() *ModuleLoader {
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)
	return &ModuleLoader{
		runtime:  r,
		compiled: make(map[string]wazero.CompiledModule),
	}
}

// Compile reads and compiles the module at path, keeping the result for later
// instantiation.
func (l *ModuleLoader) Compile(ctx context.Context, path string) error {
	binary, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read module %s: %w", path, err)
	}
	compiled, err := l.runtime.CompileModule(ctx, binary)
	if err != nil {
		return fmt.Errorf("compile module %s: %w", path, err)
	}
	l.mu.Lock()
	l.compiled[path] = compiled
	l.mu.Unlock()
	return nil
}

func (l *ModuleLoader) Load(ctx context.Context, entry Entry, req Request) (*Document, error) {
	l.mu.Lock()
	compiled, ok := l.compiled[entry.Path]
	l.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("module %s was never compiled", entry.Route)
	}

	var stdout, stderr bytes.Buffer
	// An anonymous module name lets concurrent requests instantiate the same
	// compiled module without colliding in the runtime's namespace.
	config := wazero.NewModuleConfig().
		WithName("").
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithArgs(entry.Route).
		WithEnv("SHOWFLOOR_ROUTE", req.Route).
		WithEnv("SHOWFLOOR_REQUEST_PATH", req.Path).
		WithEnv("SHOWFLOOR_QUERY", req.Query).
		WithEnv("SHOWFLOOR_REMOTE_ADDR", req.RemoteAddr).
		WithEnv("SHOWFLOOR_TRACE_ID", req.TraceID)

	mod, err := l.runtime.InstantiateModule(ctx, compiled, config)
	if mod != nil {
		defer mod.Close(ctx)
	}
	if err != nil {
		// A WASI command signals completion through proc_exit, which
		// surfaces as an ExitError. Code zero is a normal finish.
		var exitErr *sys.ExitError
		if !errors.As(err, &exitErr) || exitErr.ExitCode() != 0 {
			detail := strings.TrimSpace(stderr.String())
			if len(detail) > 512 {
				detail = detail[:512]
			}
			if detail != "" {
				return nil, fmt.Errorf("module %s: %w: %s", entry.Route, err, detail)
			}
			return nil, fmt.Errorf("module %s: %w", entry.Route, err)
		}
	}
	return &Document{ContentType: htmlContentType, Body: stdout.Bytes()}, nil
}

// Close releases the runtime and every compiled module.
func (l *ModuleLoader) Close(ctx context.Context) error {
	return l.runtime.Close(ctx)
}
