// Package bootstrap assembles the execution core from configuration and
// manages its lifecycle.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"exec_agent/internal/alert"
	"exec_agent/internal/broker"
	"exec_agent/internal/config"
	"exec_agent/internal/core"
	"exec_agent/internal/engine"
	"exec_agent/internal/infrastructure/health"
	"exec_agent/internal/infrastructure/metrics"
	"exec_agent/internal/infrastructure/server"
	"exec_agent/internal/ledger"
	"exec_agent/internal/safety"
	"exec_agent/internal/tracker"
	"exec_agent/pkg/liveserver"
	"exec_agent/pkg/logging"
	"exec_agent/pkg/telemetry"

	"golang.org/x/sync/errgroup"
)

const shutdownGrace = 10 * time.Second

// App holds the wired execution core. Construction is all-or-nothing: a
// partially built App is never returned.
type App struct {
	Cfg      *config.Config
	Logger   core.ILogger
	Broker   core.IBroker
	Gate     core.ISafetyGate
	Tracker  *tracker.Tracker
	Recovery *tracker.Recovery
	Engine   *engine.Engine
	Hub      *liveserver.Hub

	telemetry *telemetry.Telemetry
	store     *tracker.SQLiteStore
	ledger    *ledger.SQLiteLedger
	admin     *server.AdminServer
	metrics   *metrics.Server
	health    *health.HealthManager
	alerts    *alert.AlertManager
}

// NewApp wires every component from the validated configuration.
func NewApp(cfg *config.Config) (*App, error) {
	zapLogger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	logging.SetGlobalLogger(zapLogger)
	logger := core.ILogger(zapLogger)

	tel, err := telemetry.Setup("exec_agent")
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}

	brk, err := broker.New(cfg.Broker, logger)
	if err != nil {
		return nil, err
	}

	users := safety.NewStaticUserPolicy(cfg.Users)
	gate := safety.NewController(cfg.Gate, cfg.Broker, users, logger)

	store, err := tracker.NewSQLiteStore(cfg.Storage.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	led, err := ledger.NewSQLiteLedger(cfg.Storage.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	hub := liveserver.NewHub(logger)
	events := liveserver.NewHubPublisher(hub)

	tr := tracker.NewTracker(store, led, events, logger)
	recovery := tracker.NewRecovery(tr, brk, cfg.Recovery, events, logger)
	router := engine.NewRouter(cfg.Routing, brk, logger)
	eng := engine.NewEngine(brk, gate, tr, router, events, logger)

	hm := health.NewHealthManager(logger)
	hm.Register("broker", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return brk.CheckHealth(ctx)
	})

	app := &App{
		Cfg:       cfg,
		Logger:    logger,
		Broker:    brk,
		Gate:      gate,
		Tracker:   tr,
		Recovery:  recovery,
		Engine:    eng,
		Hub:       hub,
		telemetry: tel,
		store:     store,
		ledger:    led,
		admin:     server.NewAdminServer(cfg.Server, gate, recovery, hm, hub, logger),
		health:    hm,
		alerts:    buildAlerts(cfg.Alerts, logger),
	}
	if cfg.Telemetry.EnableMetrics {
		app.metrics = metrics.NewServer(cfg.Telemetry.MetricsPort, logger)
	}
	return app, nil
}

func buildAlerts(cfg config.AlertConfig, logger core.ILogger) *alert.AlertManager {
	if !cfg.Enabled {
		return nil
	}
	am := alert.NewAlertManager(logger)
	if cfg.SlackWebhookURL != "" {
		am.AddChannel(alert.NewSlackChannel(string(cfg.SlackWebhookURL)))
	}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		am.AddChannel(alert.NewTelegramChannel(string(cfg.TelegramToken), cfg.TelegramChatID))
	}
	return am
}

// Run starts the servers and the recovery loop, then blocks until a
// termination signal or a component failure.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Hub.Run(ctx)
		return nil
	})

	a.admin.Start()
	if a.metrics != nil {
		a.metrics.Start()
	}
	if err := a.Recovery.Start(ctx); err != nil {
		return fmt.Errorf("failed to start recovery loop: %w", err)
	}

	snapshot := a.Gate.Snapshot()
	a.Logger.Info("Execution core started",
		"mode", string(snapshot.Mode),
		"broker", a.Broker.Name(),
		"halted", snapshot.ExecutionHalted,
		"admin_port", a.Cfg.Server.Port)

	if a.alerts != nil && snapshot.Mode == core.ModeLive {
		a.alerts.Alert(ctx, "Execution core online", "Live trading process started", alert.Warning,
			map[string]string{"broker": a.Broker.Name()})
	}

	<-ctx.Done()
	a.Logger.Info("Shutdown signal received")

	if err := g.Wait(); err != nil && err != context.Canceled {
		a.Logger.Error("Component failed", "error", err.Error())
	}
	return a.shutdown()
}

// shutdown stops components in reverse dependency order.
func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := a.admin.Stop(ctx); err != nil {
		a.Logger.Error("Admin server shutdown failed", "error", err.Error())
	}
	if a.metrics != nil {
		if err := a.metrics.Stop(ctx); err != nil {
			a.Logger.Error("Metrics server shutdown failed", "error", err.Error())
		}
	}
	if err := a.Recovery.Stop(); err != nil {
		a.Logger.Error("Recovery shutdown failed", "error", err.Error())
	}
	if err := a.ledger.Close(); err != nil {
		a.Logger.Error("Ledger close failed", "error", err.Error())
	}
	if err := a.store.Close(); err != nil {
		a.Logger.Error("Tracker store close failed", "error", err.Error())
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.Logger.Error("Telemetry shutdown failed", "error", err.Error())
	}

	a.Logger.Info("Execution core stopped")
	return nil
}
