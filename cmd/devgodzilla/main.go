// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// devgodzilla wires the Store, Bus, Orchestrator, quality gate Registry
// and the Reconciliation engine into a long-running process. It owns no
// HTTP route: the protocol/step/webhook/SSE surfaces are façade-agnostic
// libraries meant to be called from an external API layer, out of scope
// here (see SPEC_FULL.md §Out of scope).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devgodzilla/core/internal/bus"
	"github.com/devgodzilla/core/internal/config"
	"github.com/devgodzilla/core/internal/gate"
	"github.com/devgodzilla/core/internal/log"
	"github.com/devgodzilla/core/internal/metrics"
	"github.com/devgodzilla/core/internal/orchestrator"
	"github.com/devgodzilla/core/internal/quality"
	"github.com/devgodzilla/core/internal/reconciliation"
	"github.com/devgodzilla/core/internal/store"
	"github.com/devgodzilla/core/internal/store/postgres"
	"github.com/devgodzilla/core/internal/store/sqlite"
	"github.com/devgodzilla/core/internal/tracing"
	"github.com/devgodzilla/core/internal/windmill"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Version information, injected via ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath        = flag.String("config", "", "Path to YAML config file")
		dbURL             = flag.String("db-url", "", "PostgreSQL connection URL (overrides config)")
		dbPath            = flag.String("db-path", "", "SQLite database file path (overrides config)")
		reconcileInterval = flag.Duration("reconcile-interval", 30*time.Second, "Interval between reconciliation passes")
		showVersion       = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("devgodzilla %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	if *dbURL != "" {
		cfg.DB.URL = *dbURL
	}
	if *dbPath != "" {
		cfg.DB.Path = *dbPath
	}

	st, err := openStore(cfg)
	if err != nil {
		logger.Error("failed to open store", slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close()

	if cfg.OTel.Enabled {
		var providerOpts []sdktrace.TracerProviderOption
		if cfg.OTel.ExporterOTLP != "" {
			exporter, err := tracing.NewOTLPExporter(context.Background(), tracing.OTLPConfig{
				Endpoint: cfg.OTel.ExporterOTLP,
				Insecure: true,
			})
			if err != nil {
				logger.Error("failed to create OTLP exporter", slog.Any("error", err))
				os.Exit(1)
			}
			providerOpts = append(providerOpts, sdktrace.WithBatcher(exporter))
		}
		tp, err := tracing.NewProvider(cfg.OTel.ServiceName, version, cfg.OTel.TracesSampleFraction, providerOpts...)
		if err != nil {
			logger.Error("failed to start tracing provider", slog.Any("error", err))
			os.Exit(1)
		}
		defer tp.Shutdown(context.Background())
	}

	app := newApp(st, cfg, logger)
	defer app.bus.Close()

	logger.Info("devgodzilla starting",
		slog.String("version", version),
		slog.Bool("windmill_enabled", cfg.Windmill.Enabled),
		slog.Duration("reconcile_interval", *reconcileInterval),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go runReconciliationLoop(ctx, app.reconciler, *reconcileInterval, logger, done)

	sig := <-sigCh
	logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
	cancel()
	<-done
}

// app bundles the components an external API layer would otherwise wire
// one at a time: Orchestrator and quality Service are exposed here for
// that layer to call into directly; this process itself only drives the
// reconciliation loop and the bus's metrics subscription.
type app struct {
	bus          *bus.Bus
	orchestrator *orchestrator.Orchestrator
	quality      *quality.Service
	reconciler   *reconciliation.Engine
}

func newApp(st store.Store, cfg *config.Config, logger *slog.Logger) *app {
	eventBus := bus.New(st, logger)
	eventBus.Subscribe("", func(_ context.Context, e *store.Event) {
		metrics.RecordEventPublished(e.EventType)
	})

	registry := registerDefaultGates(logger)
	executor := newExecutor(cfg, logger)

	return &app{
		bus:          eventBus,
		orchestrator: orchestrator.New(st, eventBus, logger),
		quality:      quality.New(registry, st, eventBus, quality.DefaultFeedbackRouter, logger),
		reconciler:   reconciliation.New(st, executor, eventBus, logger),
	}
}

// openStore selects the sqlite or postgres backend based on which DB
// field the resolved config populated; URL takes precedence over Path,
// matching config.Config.DB's doc comment.
func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.DB.URL != "" {
		return postgres.New(postgres.Config{
			ConnectionString: cfg.DB.URL,
			MaxOpenConns:     cfg.DB.PoolSize,
		})
	}
	return sqlite.New(sqlite.Config{Path: cfg.DB.Path, WAL: true})
}

// newExecutor returns the external job-execution client: an HTTP-backed
// client against a real Windmill instance when configured, otherwise an
// in-memory fake suitable for local runs and demos.
func newExecutor(cfg *config.Config, logger *slog.Logger) windmill.Client {
	if !cfg.Windmill.Enabled {
		logger.Info("windmill disabled, using in-memory executor")
		return windmill.NewMemoryExecutor()
	}
	return windmill.NewHTTPClient(cfg.Windmill.URL, cfg.Windmill.Token, cfg.Windmill.Workspace, nil)
}

// registerDefaultGates builds a Registry carrying the four constitution
// "article" gates, which need no external tooling to run.
func registerDefaultGates(logger *slog.Logger) *gate.Registry {
	registry := gate.NewRegistry(logger)
	for _, g := range []gate.Gate{
		gate.NewLibraryFirstGate(),
		gate.NewSimplicityGate(80, 400, 4),
		gate.NewAntiAbstractionGate(),
		gate.NewTestFirstGate(),
	} {
		if err := registry.Register(g, "article"); err != nil {
			logger.Warn("failed to register gate", slog.String("gate_id", g.ID()), slog.Any("error", err))
		}
	}
	return registry
}

// runReconciliationLoop ticks ReconcileRuns across every non-terminal
// protocol until ctx is cancelled, logging each pass's summary.
func runReconciliationLoop(ctx context.Context, engine *reconciliation.Engine, interval time.Duration, logger *slog.Logger, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := engine.ReconcileRuns(ctx, 0, false)
			if err != nil {
				logger.Error("reconciliation pass failed", slog.Any("error", err))
				continue
			}
			logger.Info("reconciliation pass complete",
				slog.Int("protocols_checked", report.ProtocolsChecked),
				slog.Int("total_checked", report.TotalChecked),
				slog.Int("mismatches_found", report.MismatchesFound),
				slog.Int("auto_fixed", report.AutoFixed),
				slog.Int("requires_manual", report.RequiresManual),
				slog.Duration("duration", report.Duration),
			)
		}
	}
}
