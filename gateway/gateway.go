// Package gateway is the public front of the gallery. It validates the whole
// deployment before binding its listen address, supervises the worker pool,
// and dispatches request traffic to ready workers.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/showfloor/showfloor/assets"
	"github.com/showfloor/showfloor/gateway/audit"
	"github.com/showfloor/showfloor/gateway/workers"
	"github.com/showfloor/showfloor/registry"
)

const manifestFileName = "manifest.json"

// Config is the validated deployment the gateway serves.
type Config struct {
	// Listen is the public address, for example "0.0.0.0:80".
	Listen string

	// Patterns are the application globs handed to discovery.
	Patterns []string
	// Index is the route served for "/". It must exist in the discovered
	// set.
	Index string
	// Static maps URL prefixes to asset directories.
	Static []assets.MountSpec
	// ScriptCommand is the interpreter line for script applications.
	ScriptCommand string

	// Workers is the pool size. WorkerExe is the apphost binary each
	// worker runs.
	Workers   int
	WorkerExe string

	// DataDir holds the manifest, the audit database and the operator key.
	DataDir string

	PortMin int
	PortMax int

	// GracePeriod bounds worker shutdown; StartupTimeout bounds the wait
	// for the first ready worker.
	GracePeriod    time.Duration
	StartupTimeout time.Duration

	// AuditRetention is how long audit events are kept. Zero means the
	// default of thirty days.
	AuditRetention time.Duration

	Logger *slog.Logger
	Audit  *audit.Logger

	// OperatorKey verifies signed operator tokens. OperatorSecret, when
	// set, is accepted as a static bearer token alongside them.
	OperatorKey    []byte
	OperatorSecret string
}

// Gateway ties discovery, the worker pool and the HTTP front end together.
type Gateway struct {
	cfg        Config
	logger     *slog.Logger
	reg        *registry.Registry
	mounts     *assets.MountSet
	pool       *workers.Pool
	dispatcher *Dispatcher
	server     *http.Server
	startedAt  time.Time
}

// New validates the whole deployment and prepares the gateway. Nothing is
// bound and no worker is launched yet; any configuration or discovery error
// surfaces here so a broken deployment never starts serving.
func New(cfg Config) (*Gateway, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gateway")

	if cfg.Listen == "" {
		return nil, fmt.Errorf("listen address not configured")
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("worker count must be positive, got %d", cfg.Workers)
	}
	if cfg.WorkerExe == "" {
		return nil, fmt.Errorf("worker executable not configured")
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 60 * time.Second
	}
	if cfg.AuditRetention <= 0 {
		cfg.AuditRetention = 30 * 24 * time.Hour
	}

	// 1. Discover the application set. An operator typo must fail startup,
	// not come up as an empty gallery.
	reg, err := registry.Discover(registry.Options{ScriptCommand: cfg.ScriptCommand, Logger: logger}, cfg.Patterns...)
	if err != nil {
		return nil, err
	}

	// 2. Bind the static mounts and check they do not shadow anything.
	mounts, err := assets.NewMountSet(cfg.Static...)
	if err != nil {
		return nil, err
	}
	for _, spec := range cfg.Static {
		if spec.Prefix == registry.Reserved {
			return nil, &assets.MountError{Prefix: spec.Prefix, Dir: spec.Dir, Msg: "prefix is reserved"}
		}
		if reg.Has(spec.Prefix) {
			return nil, &assets.MountError{Prefix: spec.Prefix, Dir: spec.Dir, Msg: "prefix collides with an application route"}
		}
	}

	// 3. Bind the index route.
	if err := reg.BindIndex(cfg.Index); err != nil {
		return nil, err
	}

	// 4. Snapshot the deployment for the workers.
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	manifest := reg.Manifest()
	manifest.Mounts = cfg.Static
	manifestPath := filepath.Join(cfg.DataDir, manifestFileName)
	if err := manifest.WriteFile(manifestPath); err != nil {
		return nil, err
	}

	// 5. Prepare the pool. Workers are launched in Start.
	var recorder workers.EventRecorder
	if cfg.Audit != nil {
		recorder = &poolAuditor{log: cfg.Audit, logger: logger}
	}
	pool, err := workers.NewPool(workers.Config{
		Exe:          cfg.WorkerExe,
		ManifestPath: manifestPath,
		Count:        cfg.Workers,
		PortMin:      cfg.PortMin,
		PortMax:      cfg.PortMax,
		GracePeriod:  cfg.GracePeriod,
		Logger:       logger,
		Recorder:     recorder,
	})
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		cfg:    cfg,
		logger: logger,
		reg:    reg,
		mounts: mounts,
		pool:   pool,
	}
	g.dispatcher = NewDispatcher(pool)
	return g, nil
}

// Start launches the workers, binds the listen address and serves until the
// server is shut down. It blocks; a nil return means a clean shutdown.
func (g *Gateway) Start(ctx context.Context) error {
	g.startedAt = time.Now()
	g.pool.Start(ctx)

	ln, err := net.Listen("tcp", g.cfg.Listen)
	if err != nil {
		g.pool.Stop()
		return fmt.Errorf("bind %s: %w", g.cfg.Listen, err)
	}
	g.logger.Info("gateway listening", "addr", ln.Addr().String(),
		"routes", len(g.reg.Routes()), "index", g.reg.Index(), "workers", g.cfg.Workers)

	if g.cfg.Audit != nil {
		if err := g.cfg.Audit.LogGatewayStarted(g.cfg.Listen); err != nil {
			g.logger.Error("audit write failed", "error", err)
		}
		go g.cfg.Audit.PurgeLoop(ctx, time.Hour, g.cfg.AuditRetention, g.logger)
	}

	waitCtx, cancel := context.WithTimeout(ctx, g.cfg.StartupTimeout)
	err = g.pool.WaitFirstReady(waitCtx)
	cancel()
	if err != nil {
		ln.Close()
		g.pool.Stop()
		return fmt.Errorf("no worker became ready: %w", err)
	}

	g.server = &http.Server{
		Handler:      http.HandlerFunc(g.handleRequest),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests, stops the workers and releases loader
// resources. The context bounds the HTTP drain.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("gateway shutting down")
	var err error
	if g.server != nil {
		err = g.server.Shutdown(ctx)
	}
	g.pool.Stop()
	if g.cfg.Audit != nil {
		if auditErr := g.cfg.Audit.LogGatewayStopped(); auditErr != nil {
			g.logger.Error("audit write failed", "error", auditErr)
		}
	}
	if closeErr := g.reg.Close(context.Background()); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// handleRequest keeps /internal for the operator API and hands everything
// else to the dispatcher.
func (g *Gateway) handleRequest(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/"+registry.Reserved || strings.HasPrefix(r.URL.Path, "/"+registry.Reserved+"/") {
		g.handleOperator(w, r)
		return
	}
	g.dispatcher.ServeHTTP(w, r)
}

// poolAuditor bridges worker lifecycle events into the audit trail. Failures
// are logged and swallowed; auditing never gates supervision.
type poolAuditor struct {
	log    *audit.Logger
	logger *slog.Logger
}

func (a *poolAuditor) RecordWorkerEvent(event workers.Event, workerID, pid int, detail string) {
	if err := a.log.LogWorkerEvent(audit.EventType(event), workerID, pid, detail); err != nil {
		a.logger.Error("audit write failed", "event", string(event), "error", err)
	}
}
