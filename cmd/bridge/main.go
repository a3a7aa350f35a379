// Command bridge runs the Lighthouse coordination hub: event log, session
// plane, speed-layer validation, expert bus, and the HTTP/WebSocket surface.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/lighthouse/bridge/internal/bridge"
	"github.com/lighthouse/bridge/internal/config"
	"github.com/lighthouse/bridge/internal/core"
)

// Exit codes follow sysexits conventions so supervisors can distinguish
// configuration mistakes from transient failures.
const (
	exitOK        = 0
	exitUsage     = 64
	exitService   = 69
	exitTemporary = 75
	exitNoPerm    = 77
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	// Optional: a local .env for development. Real deployments inject
	// environment directly.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("could not load .env", "error", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("invalid configuration", "path", *configPath, "error", err)
		return exitUsage
	}

	logLevel := slog.LevelInfo
	if !cfg.Production() {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	b, err := bridge.New(cfg)
	if err != nil {
		slog.Error("bridge startup failed", "error", err)
		return startupExitCode(err)
	}
	defer b.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := bridge.NewServer(b)
	if err := srv.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server failed", "error", err)
		return exitTemporary
	}

	slog.Info("bridge stopped")
	return exitOK
}

func startupExitCode(err error) int {
	var e *core.Error
	if !errors.As(err, &e) {
		return exitService
	}
	switch {
	case e.Kind == core.KindValidation:
		return exitUsage
	case e.Code == core.CodeSecretUnavailable:
		return exitNoPerm
	case e.Kind == core.KindStorage && os.IsPermission(e.Err):
		return exitNoPerm
	case e.Kind == core.KindStorage:
		return exitService
	default:
		return exitTemporary
	}
}
