package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/example/trip-dispatch/internal/config"
	"github.com/example/trip-dispatch/internal/dispatch"
	"github.com/example/trip-dispatch/internal/engine"
	"github.com/example/trip-dispatch/internal/geo"
	httpapi "github.com/example/trip-dispatch/internal/http"
	"github.com/example/trip-dispatch/internal/ingest"
	"github.com/example/trip-dispatch/internal/jobs"
	"github.com/example/trip-dispatch/internal/logging"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/payments"
	"github.com/example/trip-dispatch/internal/pricing"
	"github.com/example/trip-dispatch/internal/storage"
	"github.com/example/trip-dispatch/internal/tracking"
	"github.com/example/trip-dispatch/internal/trip"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel).With("service", "trip-dispatch")
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

// backends holds the optional external stores. Nil fields are not configured.
type backends struct {
	pg     *storage.PostgresStore
	redis  *geo.RedisDirectory
	closer []io.Closer
}

func (b *backends) Close() error {
	var errs []error
	for i := len(b.closer) - 1; i >= 0; i-- {
		errs = append(errs, b.closer[i].Close())
	}
	return errors.Join(errs...)
}

func openBackends(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (*backends, []ingest.Sink, error) {
	b := &backends{}
	var sinks []ingest.Sink

	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, nil, err
		}
		b.pg = pg
		b.closer = append(b.closer, pg)
		if cfg.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				_ = b.Close()
				return nil, nil, err
			}
			logger.Info("migrations applied")
		}
		sinks = append(sinks, pg)
	}
	if cfg.RedisAddr != "" {
		client, err := geo.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			_ = b.Close()
			return nil, nil, err
		}
		b.redis = geo.NewRedisDirectory(client, cfg.RedisGeoKey)
		b.closer = append(b.closer, client)
	}
	if len(cfg.KafkaBrokers) > 0 {
		k := ingest.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaStatusTopic)
		b.closer = append(b.closer, k)
		sinks = append(sinks, k)
	}
	if cfg.AMQPURL != "" {
		a, err := ingest.NewAMQPSink(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			_ = b.Close()
			return nil, nil, err
		}
		b.closer = append(b.closer, a)
		sinks = append(sinks, a)
	}
	return b, sinks, nil
}

func tariffs(currency string) map[models.VehicleClass]pricing.Tariff {
	t := pricing.DefaultTariffs()
	if currency == "" {
		return t
	}
	for class, tariff := range t {
		tariff.Currency = currency
		t[class] = tariff
	}
	return t
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, sinks, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open backends: %w", err)
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Warn("close backends", "error", err)
		}
	}()

	var sink ingest.Sink = ingest.Discard{}
	if len(sinks) > 0 {
		sink = ingest.Multi(sinks)
	}
	async := ingest.NewAsync("events", sink, cfg.SinkQueueSize, logger)

	memory := storage.NewMemoryStore()
	var moverStore engine.MoverStore = memory
	var seed dispatch.Source = memory
	switch {
	case b.redis != nil:
		moverStore, seed = b.redis, b.redis
	case b.pg != nil:
		moverStore, seed = b.pg, b.pg
	}

	deps := engine.Deps{
		Sink:       async,
		MoverStore: moverStore,
		Tariffs:    tariffs(cfg.PaymentCurrency),
		Logger:     logger,
	}
	if cfg.StripeAPIKey != "" {
		deps.Payments = payments.NewStripeClient(cfg.StripeAPIKey)
	}
	svc := engine.New(engine.Config{
		Trip: trip.Config{
			ArrivingRadiusKm: cfg.ArrivingRadiusKm,
			ArrivedRadiusKm:  cfg.ArrivedRadiusKm,
		},
		Tracking: tracking.Config{
			HistoryCapacity: cfg.HistoryCapacity,
			AssumedSpeedKmh: cfg.AssumedSpeedKmh,
			Retention:       cfg.FinishedRetention,
		},
		Dispatch:      dispatch.Config{RadiusKm: cfg.SearchRadiusKm, Limit: cfg.SearchLimit},
		SurgeWindow:   cfg.SurgeWindow,
		AreaPrecision: uint(cfg.SurgeAreaPrecision),
		Shards:        cfg.DirectoryShards,
	}, deps)

	n, err := svc.Dispatcher().Seed(ctx, seed)
	if err != nil {
		logger.Warn("seed mover directory", "error", err)
	} else {
		logger.Info("mover directory seeded", "movers", n)
	}

	job := jobs.NewHousekeepingJob(svc.Ledger(), svc.Registry(), func() int {
		return svc.Dispatcher().Directory().CountAvailable("")
	}, cfg.HousekeepingSchedule, logger)
	if err := job.Start(); err != nil {
		return fmt.Errorf("start housekeeping: %w", err)
	}
	defer job.Stop()

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.NewServer(svc, httpapi.Options{
			QueueSize:    cfg.FanoutQueueSize,
			PingInterval: cfg.WSPingInterval,
			PongWait:     cfg.WSPongWait,
			WriteWait:    cfg.WSWriteWait,
		}, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("trip-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		var errs []error
		errs = append(errs, srv.Shutdown(shutdownCtx))
		logger.Info("closing websocket connections", "connections", svc.Hub().CloseAll())
		errs = append(errs, svc.Close(shutdownCtx))
		errs = append(errs, async.Close(shutdownCtx))
		return errors.Join(errs...)
	})
	return g.Wait()
}
