package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/showfloor/showfloor/appserver"
	"github.com/showfloor/showfloor/assets"
	"github.com/showfloor/showfloor/registry"
)

// apphost is one worker of the showfloor gateway. It serves a registry built
// from the manifest it is handed and never discovers applications itself, so
// every worker of a deployment answers with the same route set.
func main() {
	manifestPath := flag.String("manifest", "", "path to the manifest written by the gateway")
	port := flag.Int("port", 0, "loopback port to serve on")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	if *manifestPath == "" {
		logger.Error("Missing required -manifest flag")
		os.Exit(1)
	}
	if *port <= 0 {
		logger.Error("Missing required -port flag")
		os.Exit(1)
	}

	// 1. Rebuild the registry from the gateway's snapshot.
	m, err := registry.LoadManifest(*manifestPath)
	if err != nil {
		logger.Error("Failed to load manifest", "path", *manifestPath, "error", err)
		os.Exit(1)
	}
	reg, err := registry.FromManifest(registry.Options{Logger: logger}, m)
	if err != nil {
		logger.Error("Failed to build registry", "error", err)
		os.Exit(1)
	}
	mounts, err := assets.NewMountSet(m.Mounts...)
	if err != nil {
		logger.Error("Failed to bind static mounts", "error", err)
		os.Exit(1)
	}

	// 2. Serve on loopback only; the gateway is the public face. Renders
	// outlive their client connections and end only with the worker itself.
	baseCtx, baseCancel := context.WithCancel(context.Background())
	router := appserver.NewRouter(baseCtx, reg, mounts, logger)
	server := &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", *port),
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// 3. Drain and exit on SIGTERM from the gateway. In-flight renders get
	// the drain window; whatever is still running afterwards is cancelled.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Received signal, draining", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Shutdown error", "error", err)
		}
		baseCancel()
	}()

	logger.Info("Worker serving", "addr", server.Addr, "routes", len(reg.Routes()), "index", reg.Index())
	err = server.ListenAndServe()
	baseCancel()
	reg.Close(context.Background())
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Worker server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Worker stopped")
}
