package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/showfloor/showfloor/config"
	"github.com/showfloor/showfloor/gateway"
	"github.com/showfloor/showfloor/gateway/access"
	"github.com/showfloor/showfloor/gateway/audit"
)

func main() {
	// 1. Resolve configuration from flags, environment and dotenv.
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// 2. Initialize logging.
	logLevel := slog.LevelInfo
	if cfg.Debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// 3. The data directory holds the manifest, audit log and operator key.
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("Failed to create data directory", "dir", cfg.DataDir, "error", err)
		os.Exit(1)
	}
	key, err := access.LoadKey(filepath.Join(cfg.DataDir, "operator.key"))
	if err != nil {
		logger.Error("Failed to load operator key", "error", err)
		os.Exit(1)
	}

	if cfg.PrintAdminToken {
		token, err := access.MintToken(key, "admin", 24*time.Hour)
		if err != nil {
			logger.Error("Failed to mint operator token", "error", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	// 4. Open the audit trail.
	auditDB, err := sqlx.Connect("sqlite3", filepath.Join(cfg.DataDir, "audit.db"))
	if err != nil {
		logger.Error("Failed to open audit database", "error", err)
		os.Exit(1)
	}
	defer auditDB.Close()
	auditLog, err := audit.NewLogger(auditDB)
	if err != nil {
		logger.Error("Failed to initialize audit log", "error", err)
		os.Exit(1)
	}

	// 5. Workers run the apphost binary, by default the one shipped next
	// to this executable.
	workerExe := cfg.WorkerExe
	if workerExe == "" {
		self, err := os.Executable()
		if err != nil {
			logger.Error("Failed to locate own executable", "error", err)
			os.Exit(1)
		}
		workerExe = filepath.Join(filepath.Dir(self), "apphost")
	}

	// 6. Validate the whole deployment. Discovery and mount errors land
	// here, before anything is bound.
	gw, err := gateway.New(gateway.Config{
		Listen:         cfg.Listen,
		Patterns:       cfg.Patterns,
		Index:          cfg.Index,
		Static:         cfg.Static,
		ScriptCommand:  cfg.Runner,
		Workers:        cfg.Workers,
		WorkerExe:      workerExe,
		DataDir:        cfg.DataDir,
		GracePeriod:    cfg.Grace,
		Logger:         logger,
		Audit:          auditLog,
		OperatorKey:    key,
		OperatorSecret: cfg.OperatorSecret,
	})
	if err != nil {
		logger.Error("Startup validation failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 7. Shut down cleanly on SIGINT and SIGTERM.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Received signal, shutting down", "signal", sig.String())
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Grace)
		defer shutdownCancel()
		if err := gw.Shutdown(shutdownCtx); err != nil {
			logger.Error("Shutdown error", "error", err)
		}
		cancel()
	}()

	logger.Info("Starting showfloor gateway", "listen", cfg.Listen, "workers", cfg.Workers)
	if err := gw.Start(ctx); err != nil {
		logger.Error("Gateway failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Showfloor gateway stopped")
}
