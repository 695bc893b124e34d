package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/codexclaw/internal/bus"
	"github.com/nextlevelbuilder/codexclaw/internal/channels"
	"github.com/nextlevelbuilder/codexclaw/internal/channels/feishu"
	"github.com/nextlevelbuilder/codexclaw/internal/codex"
	"github.com/nextlevelbuilder/codexclaw/internal/config"
	"github.com/nextlevelbuilder/codexclaw/internal/router"
	"github.com/nextlevelbuilder/codexclaw/internal/status"
	"github.com/nextlevelbuilder/codexclaw/internal/tracing"
	"github.com/nextlevelbuilder/codexclaw/pkg/protocol"
)

// setupLogging installs the process logger; records are also copied into logs.
func setupLogging(logs *status.LogBuffer) {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	inner := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(status.NewTeeHandler(inner, logs)))
}

func runBridge() {
	logs := status.NewLogBuffer(status.DefaultLogCapacity)
	setupLogging(logs)

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("otel exporter unavailable", "error", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			slog.Warn("otel shutdown failed", "error", err)
		}
	}()

	// Durable chat → thread bindings
	bindingStore, closeStore, err := openBindingStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open session store", "backend", cfg.Sessions.Backend, "error", err)
		os.Exit(1)
	}
	defer closeStore()
	bindings := loadBindings(ctx, bindingStore)
	slog.Info("sessions loaded", "count", len(bindings), "store", bindingStore.Describe())

	// Codex backend
	codexClient, err := codex.NewClient(codexConfig(cfg))
	if err != nil {
		slog.Error("failed to create codex client", "error", err)
		os.Exit(1)
	}
	if path, err := codexClient.LookPath(); err != nil {
		slog.Warn("codex binary not found; turns will fail until it is installed", "binary", cfg.Codex.Binary, "error", err)
	} else {
		slog.Info("codex backend ready", "binary", path, "home", codexClient.Home())
	}

	msgBus := bus.New()

	feishuCh, err := feishu.New(cfg.Channels.Feishu, msgBus)
	if err != nil {
		slog.Error("failed to create feishu channel", "error", err)
		os.Exit(1)
	}
	channelMgr := channels.NewManager()
	channelMgr.RegisterChannel(feishuCh)

	rt := router.New(router.Config{
		Backend:       codexClient,
		Store:         bindingStore,
		Replier:       feishuCh,
		Events:        msgBus,
		Bindings:      bindings,
		ThreadOptions: cfg.Codex.ThreadOptions(),
		FallbackText:  cfg.Router.FallbackText,
		ErrorPrefix:   cfg.Router.ErrorPrefix,
	})

	var statusSrv *status.Server
	if cfg.Status.IsEnabled() {
		statusSrv = status.NewServer(status.Options{
			Addr:   cfg.Status.Addr(),
			Source: rt,
			Logs:   logs,
			Events: msgBus,
		})
	}

	g, gctx := errgroup.WithContext(ctx)

	if err := channelMgr.StartAll(gctx); err != nil {
		slog.Error("failed to start channels", "error", err)
		os.Exit(1)
	}

	g.Go(func() error {
		return consumeInboundMessages(gctx, msgBus, rt)
	})
	g.Go(func() error {
		select {
		case err := <-feishuCh.Err():
			return fmt.Errorf("feishu channel: %w", err)
		case <-gctx.Done():
			return nil
		}
	})
	if statusSrv != nil {
		g.Go(func() error {
			return statusSrv.Start(gctx)
		})
	}

	slog.Info("codexclaw bridge starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"channels", channelMgr.GetStatus(),
		"sandbox", cfg.Codex.SandboxMode,
		"status", cfg.Status.IsEnabled(),
	)

	select {
	case sig := <-sigCh:
		slog.Info("graceful shutdown initiated", "signal", sig)
	case <-gctx.Done():
		slog.Warn("bridge component stopped, shutting down")
	}

	msgBus.Broadcast(bus.Event{Name: protocol.EventShutdown})

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	channelMgr.StopAll(stopCtx)
	stopCancel()

	cancel()
	if err := g.Wait(); err != nil {
		slog.Error("bridge stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("codexclaw bridge stopped")
}

// codexConfig maps the codex section onto the CLI client settings.
// CODEX_CONFIG_DIR is passed as an absolute path so turns run from any working directory.
func codexConfig(cfg *config.Config) codex.Config {
	var env []string
	if dir := config.ExpandHome(cfg.Codex.ConfigDir); dir != "" {
		if abs, err := filepath.Abs(dir); err == nil {
			dir = abs
		}
		env = append(env, "CODEX_CONFIG_DIR="+dir)
	}
	return codex.Config{
		Binary:       cfg.Codex.Binary,
		Home:         config.ExpandHome(cfg.Codex.Home),
		Env:          env,
		TurnTimeout:  cfg.Codex.TurnTimeoutDuration(),
		VerifyResume: cfg.Codex.ShouldVerifyResume(),
	}
}
