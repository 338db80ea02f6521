package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tallyhq/tally/internal/api"
	"github.com/tallyhq/tally/internal/billing"
	"github.com/tallyhq/tally/internal/cache"
	"github.com/tallyhq/tally/internal/config"
	"github.com/tallyhq/tally/internal/ledger"
	"github.com/tallyhq/tally/internal/logging"
	"github.com/tallyhq/tally/internal/reconcile"
	"github.com/tallyhq/tally/internal/registry"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "tallyd",
	Short:   "Tally - credit ledger and billing reconciliation service",
	Long:    `Tally meters AI-feature credits per tenant, renews quotas against the external billing cycle, ingests billing webhooks, and reconciles drift against the billing provider.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "tallyd",
	})

	log.Info().
		Str("version", Version).
		Str("build_time", BuildTime).
		Str("git_commit", GitCommit).
		Msg("Starting tallyd")

	store, err := registry.Open(cfg.StoreDir())
	if err != nil {
		return fmt.Errorf("open tenant store: %w", err)
	}
	defer func() { _ = store.Close() }()

	tenantCache := cache.New(cfg.TenantCacheTTL)

	led := ledger.New(store)
	led.SetTenantCache(tenantCache)

	ingestor := billing.NewIngestor(store, tenantCache)
	webhookHandler := billing.NewWebhookHandler(cfg.StripeWebhookSecret, ingestor)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var reporter *billing.UsageReporter
	if cfg.StripeAPIKey != "" {
		provider := billing.NewStripeProvider(cfg.StripeAPIKey)
		guard := billing.NewItemGuard(store, tenantCache)
		reporter = billing.NewUsageReporter(store, guard, provider)

		job := reconcile.New(store, provider, tenantCache)
		if err := job.Start(ctx, cfg.ReconcileSchedule); err != nil {
			return fmt.Errorf("start reconciliation job: %w", err)
		}
	} else {
		log.Warn().Msg("Stripe API key not configured, reconciliation and usage reporting disabled")
	}

	router := api.NewRouter(store, led, reporter, webhookHandler)
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.MetricsPort),
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("api server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", metricsSrv.Addr).Msg("metrics server listening")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = metricsSrv.Shutdown(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	log.Info().Msg("tallyd stopped")
	return nil
}
