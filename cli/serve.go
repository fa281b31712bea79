package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/pulse/bus"
	"github.com/petal-labs/pulse/config"
	"github.com/petal-labs/pulse/fanout"
	"github.com/petal-labs/pulse/gateway"
	"github.com/petal-labs/pulse/jobs"
	"github.com/petal-labs/pulse/metrics"
	pulseotel "github.com/petal-labs/pulse/otel"
	"github.com/petal-labs/pulse/server"
	"github.com/petal-labs/pulse/sse"
	"github.com/petal-labs/pulse/ws"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the broker HTTP server",
		RunE:  runServe,
	}

	cmd.Flags().String("config", "", "Path to pulse.yaml (default: ./pulse.yaml, then ~/.pulse/config.yaml)")
	cmd.Flags().String("listen", "", "Listen address (overrides config)")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read header timeout")
	cmd.Flags().Duration("shutdown-timeout", 30*time.Second, "Graceful shutdown timeout")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	listenFlag, _ := cmd.Flags().GetString("listen")
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	shutdownTimeout, _ := cmd.Flags().GetDuration("shutdown-timeout")

	cfg, err := config.Load(configPath)
	if err != nil {
		return exitError(exitConfig, "loading config: %v", err)
	}
	if listenFlag != "" {
		cfg.Server.ListenAddr = listenFlag
	}

	logger := newLogger(cmd, cfg.LogLevel)
	slog.SetDefault(logger)

	// --- Event bus and durable stores ---
	busCfg := bus.MemBusConfig{
		SubscriberBufferSize: cfg.Bus.SubscriberBuffer,
		RingCapacity:         cfg.Bus.RingCapacity,
	}

	var eventStore *bus.SQLiteEventStore
	if cfg.Storage.EventDBPath != "" {
		es, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{
			DSN:            cfg.Storage.EventDBPath,
			RetentionAge:   cfg.Storage.RetentionAge.Std(),
			RetentionCount: cfg.Storage.RetentionCount,
		})
		if err != nil {
			return exitError(exitRuntime, "opening sqlite event store: %v", err)
		}
		defer func() {
			_ = es.Close()
		}()
		eventStore = es

		// Sequences continue from the durable log across restarts so
		// appends never collide with previously stored rows.
		busCfg.SeqSource = func(topic string) uint64 {
			seq, err := es.LatestSeq(context.Background(), topic)
			if err != nil {
				logger.Error("seeding topic sequence failed", "topic", topic, "error", err)
				return 0
			}
			return seq
		}
	}

	eb := bus.NewMemBus(busCfg)
	defer eb.Close()

	if eventStore != nil {
		storeSub := bus.NewStoreSubscriber(eventStore, logger)
		defer storeSub.Close()
		eb.OnPublish(storeSub.Handle)
	}

	var jobStore jobs.Store = jobs.NewMemStore()
	if cfg.Storage.JobDBPath != "" {
		sqlStore, err := jobs.NewSQLiteStore(jobs.SQLiteStoreConfig{DSN: cfg.Storage.JobDBPath})
		if err != nil {
			return exitError(exitRuntime, "opening sqlite job store: %v", err)
		}
		defer func() {
			_ = sqlStore.Close()
		}()
		jobStore = sqlStore
	}

	// --- Job registry ---
	registry := jobs.NewRegistry(jobs.RegistryConfig{
		Store:     jobStore,
		Publisher: eb,
		Logger:    logger,
	})

	// --- Live fan-out ---
	manager := fanout.NewManager(fanout.Config{
		BufferSize:       cfg.Fanout.BufferSize,
		HeartbeatTimeout: cfg.Fanout.HeartbeatTimeout.Std(),
		DrainGrace:       cfg.Fanout.DrainGrace.Std(),
		Replayer:         eb,
		Logger:           logger,
	})
	defer manager.Close()
	eb.OnPublish(manager.Deliver)

	// --- Metrics ---
	registryMetrics := metrics.NewRegistry(manager.Total, manager.Dropped)
	eb.OnPublish(registryMetrics.EventHandler())

	// --- Tracing ---
	if cfg.Tracing.Enabled {
		tracer, cleanup, err := pulseotel.NewProvider(pulseotel.ProviderConfig{
			ServiceName: cfg.Tracing.ServiceName,
			Endpoint:    cfg.Tracing.Endpoint,
			SampleRate:  cfg.Tracing.SampleRate,
		})
		if err != nil {
			return exitError(exitRuntime, "initializing tracing: %v", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := cleanup(shutdownCtx); err != nil {
				logger.Warn("trace shutdown failed", "error", err)
			}
		}()
		eb.OnPublish(pulseotel.NewTracingHandler(tracer).Handle)
	}

	// --- Ingest gateway (progress events coalesced before fan-out) ---
	throttled := bus.NewThrottledPublisher(eb, bus.ThrottleConfig{})
	defer throttled.Close()

	gw := gateway.New(gateway.Config{
		Publisher:       throttled,
		Registry:        registry,
		MaxPayloadBytes: cfg.Ingest.MaxPayloadBytes,
		EventsPerSecond: cfg.Ingest.EventsPerSecond,
		Burst:           cfg.Ingest.Burst,
		Logger:          logger,
	})
	defer gw.Close()

	// --- Scheduled topic ticks ---
	if len(cfg.Schedules) > 0 {
		schedules := make([]server.Schedule, 0, len(cfg.Schedules))
		for _, s := range cfg.Schedules {
			schedules = append(schedules, server.Schedule{Topic: s.Topic, Cron: s.Cron})
		}
		scheduler, err := server.NewScheduler(eb, schedules, logger)
		if err != nil {
			return exitError(exitConfig, "configuring schedules: %v", err)
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	// --- HTTP server ---
	api := server.NewServer(server.ServerConfig{
		Bus:       eb,
		Gateway:   gw,
		Registry:  registry,
		Fanout:    manager,
		Stream:    sse.NewHandler(eb),
		Subscribe: ws.NewHandler(manager, logger),
		Metrics:   registryMetrics,
		AuthToken: cfg.Server.AuthToken,
		MaxBody:   cfg.Server.MaxBodyBytes,
		Logger:    logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: readTimeout,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("pulse broker listening", "addr", cfg.Server.ListenAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}

// newLogger builds the process logger. The --verbose persistent flag wins
// over the configured level.
func newLogger(cmd *cobra.Command, level string) *slog.Logger {
	lvl := parseLevel(level)
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		lvl = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
