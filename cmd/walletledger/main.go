package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"WalletLedger/internal/cache"
	"WalletLedger/internal/config"
	"WalletLedger/internal/core"
	"WalletLedger/internal/ingestion"
	"WalletLedger/internal/observability"
	"WalletLedger/internal/payout"
	"WalletLedger/internal/persistence"
	"WalletLedger/internal/query"
	"WalletLedger/internal/reservation"
	"WalletLedger/internal/rollover"
	"WalletLedger/internal/server"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Number of recent entries loaded into the idempotency LRU at startup
const warmEntries = 100_000

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger("walletledger", cfg.LogLevel)
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("walletledger stopped")
	}
	logger.Info().Msg("walletledger shutdown complete")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	named := func(component string) zerolog.Logger {
		return observability.NewLogger(component, cfg.LogLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("Postgres connected")

	if err := persistence.NewMigrator(db, cfg.MigrationsDir, logger).Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	store := persistence.NewPostgresStore(db)
	if err := store.EnsureReferenceIndex(ctx); err != nil {
		return fmt.Errorf("reference index: %w", err)
	}

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	health := observability.NewHealthChecker()
	health.AddCheck("postgres", store.Ping)

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, logger)
	if err != nil {
		return err
	}
	defer nc.Close()
	logger.Info().Str("url", cfg.NATSURL).Msg("NATS connected")
	health.AddCheck("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return errors.New("nats disconnected")
		}
		return nil
	})

	if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
		return err
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, logger); err != nil {
		return err
	}

	// --- Balance Change Processor ---
	outbound := ingestion.NewOutboundPublisher(js, cfg.PublishBufSize, metrics, named("publisher"))
	opts := []core.Option{
		core.WithMetrics(metrics),
		core.WithLogger(named("processor")),
		core.WithLRUCapacity(cfg.IdempotencyLRUCapacity),
		core.WithListener(outbound),
	}

	queryOpts := []query.Option{query.WithMetrics(metrics), query.WithLogger(logger)}
	if cfg.CacheEnabled() {
		rdb := cache.NewClient(cfg.RedisAddrs, cfg.RedisPassword)
		defer rdb.Close()
		snapshots := cache.NewSnapshotCache(rdb, cfg.CacheTTL, named("cache"))
		health.AddCheck("redis", snapshots.Ping)
		opts = append(opts, core.WithListener(snapshots.Invalidator()))
		queryOpts = append(queryOpts, query.WithCache(snapshots))
		logger.Info().Strs("addrs", cfg.RedisAddrs).Msg("snapshot cache enabled")
	}

	processor := core.NewProcessor(store, opts...)

	recent, err := store.RecentEntries(ctx, warmEntries)
	if err != nil {
		return fmt.Errorf("load recent entries: %w", err)
	}
	processor.WarmIdempotency(recent)
	logger.Info().Int("entries", len(recent)).Msg("idempotency LRU warmed")

	// --- Reservation saga and rollover subledger ---
	resCfg := reservation.Config{
		Auto: reservation.AutoConfig{
			Enabled: cfg.AutoWithdrawEnabled,
			Ceiling: cfg.AutoWithdrawCeiling,
		},
		Metrics: metrics,
		Logger:  named("reservation"),
	}
	if cfg.PayoutEnabled() {
		resCfg.Disburser = payout.NewClient(payout.Config{
			BaseURL:      cfg.PayoutURL,
			ClientID:     cfg.PayoutClientID,
			ClientSecret: cfg.PayoutClientSecret,
			Currency:     cfg.DefaultCurrency,
			Logger:       named("payout"),
		})
	} else {
		logger.Warn().Msg("no payment gateway configured, PAID requests are not disbursed")
	}
	protocol := reservation.NewProtocol(processor, persistence.NewReservationRepository(db), persistence.NewAccountSettings(db), resCfg)

	subledger := rollover.NewSubledger(processor, rollover.Config{
		Metrics: metrics,
		Logger:  named("rollover"),
	})

	// --- Ingestion ---
	dispatcher := ingestion.NewDispatcher(processor, subledger, protocol, ingestion.DispatcherConfig{
		DefaultCurrency: cfg.DefaultCurrency,
		Metrics:         metrics,
		Logger:          named("dispatcher"),
	})

	rawChan := make(chan ingestion.RawEvent, cfg.RawChanSize)
	subscriber := ingestion.NewNATSSubscriber(js, rawChan, named("subscriber"))
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	// --- Query API ---
	queryService := query.NewQueryService(store, queryOpts...)
	srv, err := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		QueryService:  queryService,
		Rollover:      subledger,
		Reservations:  protocol,
		AdminIngest:   ingestion.NewAdminIngestService(dispatcher),
		HealthChecker: health,
		Metrics:       metrics,
		Logger:        named("server"),
		StartTime:     time.Now(),
	})
	if err != nil {
		subscriber.Stop()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return dispatcher.Run(gctx, rawChan, cfg.IngestWorkers) })
	g.Go(func() error { return ignoreCanceled(outbound.Run(gctx)) })
	g.Go(func() error { return srv.StartGRPC(gctx) })
	g.Go(func() error { return srv.StartHTTPGateway(gctx) })
	g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr, logger) })

	g.Go(func() error {
		return every(gctx, cfg.ExpiryInterval, func(ctx context.Context) {
			n, err := subledger.ExpireDue(ctx, time.Now(), cfg.ExpiryBatch)
			if err != nil {
				logger.Warn().Err(err).Msg("grant expiry sweep failed")
				return
			}
			if n > 0 {
				logger.Info().Int("expired", n).Msg("grant expiry sweep")
			}
		})
	})
	g.Go(func() error {
		return every(gctx, cfg.ReconcileInterval, func(ctx context.Context) {
			mismatches, err := protocol.Reconcile(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("reservation reconciliation failed")
				return
			}
			for _, m := range mismatches {
				logger.Error().
					Str("owner", m.Wallet.Path()).
					Int64("locked", m.Locked).
					Int64("open", m.Open).
					Msg("locked balance does not match open requests")
			}
		})
	})
	g.Go(func() error {
		return every(gctx, cfg.InvariantInterval, func(ctx context.Context) {
			report, err := queryService.CheckInvariants(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("invariant check failed")
				return
			}
			if !report.IsHealthy {
				logger.Error().Int("violations", len(report.Violations)).Msg("balance invariant violated")
			}
		})
	})

	health.SetReady(true)
	srv.SetServing(true)
	logger.Info().
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("walletledger ready")

	<-gctx.Done()
	health.SetReady(false)
	srv.SetServing(false)
	logger.Info().Msg("shutting down")

	// Stop deliveries before the dispatcher drains
	subscriber.Stop()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsServer.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// every runs fn on a ticker until ctx ends
func every(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
