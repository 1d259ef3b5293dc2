package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/polravi/mapmyactivities/internal/ai"
	"github.com/polravi/mapmyactivities/internal/api"
	"github.com/polravi/mapmyactivities/internal/db"
	"github.com/polravi/mapmyactivities/internal/delta"
	"github.com/polravi/mapmyactivities/internal/notify"
	"github.com/polravi/mapmyactivities/internal/observability"
	"github.com/polravi/mapmyactivities/internal/ratelimit"
	"github.com/polravi/mapmyactivities/internal/recurrence"
	"github.com/polravi/mapmyactivities/internal/seed"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "server",
	Short:   "Run the sync server",
	Long: `Run the sync API, the change notification socket and the daily jobs.

Serves:
  POST /v1/sync/pull, /v1/sync/push     delta sync
  POST /v1/tasks/:id/restore            restore a discarded task
  POST /v1/ai/suggest-quadrant          quadrant suggestion (needs ai.api_key)
  POST /v1/account/init                 seed a new account
  GET  /v1/notify                       websocket change notifications
  GET  /health, /metrics

Daily at server.recurrence_at and server.expiry_at (offsets from UTC
midnight) it creates recurring task instances and expires past goals.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServer(ctx)
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (default :8080)")
	_ = v.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
}

func openServerStore(ctx context.Context) (*db.DB, error) {
	store, err := db.OpenConfig(db.Config{Driver: cfg.Server.DBDriver, DSN: cfg.Server.DBDSN})
	if err != nil {
		return nil, err
	}
	if err := store.InitSchemaContext(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func runServer(ctx context.Context) error {
	shutdownTracing, err := observability.SetupTracing(cfg.Telemetry.Tracing, "mma-server", os.Stderr)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	store, err := openServerStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewSyncMetrics(reg)

	hubCfg := notify.DefaultConfig()
	hubCfg.OriginPatterns = cfg.Server.OriginPatterns
	hubCfg.Logger = logger
	hubCfg.Metrics = metrics
	hub := notify.NewHub(hubCfg)
	defer hub.Close()

	svc := delta.New(store,
		delta.WithNotifier(hub),
		delta.WithMetrics(metrics),
		delta.WithLogger(logger),
		delta.WithMaxPushAttempts(cfg.Server.MaxPushAttempts),
	)

	gen := recurrence.NewGenerator(store,
		recurrence.WithNotifier(hub),
		recurrence.WithMetrics(metrics),
		recurrence.WithLogger(logger),
	)
	sched := recurrence.NewScheduler(logger, recurrence.DailyJobs(gen, cfg.Server.RecurrenceAt, cfg.Server.ExpiryAt)...)
	sched.Start(ctx)
	defer sched.Wait()

	limiter := ratelimit.New(store,
		ratelimit.WithTiers(tierFunc(cfg.Server.Tiers(), cfg.Server.DefaultTier)),
		ratelimit.WithMetrics(metrics),
		ratelimit.WithLogger(logger),
	)

	welcome, err := loadSeed(cfg.Server.SeedFile)
	if err != nil {
		return err
	}

	deps := api.Deps{
		Sync:     svc,
		Identity: api.StaticIdentity(cfg.Server.Tokens()),
		DB:       store,
		Seeder:   store,
		Seed:     welcome,
		Hub:      hub,
		Limiter:  limiter,
		Gatherer: reg,
		Logger:   logger,
	}
	if cfg.AI.APIKey != "" {
		var opts []option.RequestOption
		if cfg.AI.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(cfg.AI.BaseURL))
		}
		deps.Suggester = ai.NewAnthropicSuggester(cfg.AI.APIKey, cfg.AI.Model, opts...)
	} else {
		logger.Info("ai.api_key not set, quadrant suggestions disabled")
	}
	if len(cfg.Server.Users) == 0 {
		logger.Warn("no users configured, every request will be rejected")
	}

	return api.New(deps).ListenAndServe(ctx, cfg.Server.Addr)
}

func tierFunc(tiers map[string]string, def string) ratelimit.TierFunc {
	m := make(map[string]ratelimit.Tier, len(tiers))
	for user, t := range tiers {
		m[user] = ratelimit.Tier(t)
	}
	return ratelimit.StaticTiers(m, ratelimit.Tier(def))
}

func loadSeed(path string) (*seed.File, error) {
	if path == "" {
		return seed.Load(nil)
	}
	// #nosec G304 - path comes from the server config
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return seed.Load(data)
}
