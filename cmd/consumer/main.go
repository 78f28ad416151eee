package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"github.com/example/trip-dispatch/internal/config"
	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/logging"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total trip event messages consumed",
	}, []string{"topic"})
	msgsInvalid = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	}, []string{"topic"})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis position updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
	storeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_store_errors_total",
		Help: "Total event store errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors, storeErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel).With("service", "trip-consumer")
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("consumer exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ConsumerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rc.Close()

	c := &consumer{
		redis:    &redisAdapter{c: rc},
		geoKey:   cfg.RedisGeoKey,
		attempts: 3,
		delay:    200 * time.Millisecond,
		logger:   logger,
	}
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		if cfg.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				return err
			}
		}
		c.store = pg
	}

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: healthMux(rc), ReadHeaderTimeout: 5 * time.Second}

	locations := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaLocationTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6,
	})
	statuses := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaStatusTopic, GroupID: cfg.KafkaGroup, MinBytes: 1, MaxBytes: 10e6,
	})
	defer func() {
		_ = locations.Close()
		_ = statuses.Close()
	}()

	logger.Info("consumer listening", "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup,
		"location_topic", cfg.KafkaLocationTopic, "status_topic", cfg.KafkaStatusTopic)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consume(gctx, locations, c.handleLocation, logger) })
	g.Go(func() error { return consume(gctx, statuses, c.handleStatus, logger) })
	g.Go(func() error {
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metrics.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func healthMux(rc *redis.Client) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// consume feeds every message of r to handle until ctx is done. Read errors
// back off exponentially; handler errors are counted and skipped.
func consume(ctx context.Context, r messageReader, handle func(context.Context, []byte) error, logger *slog.Logger) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down reader")
				return nil
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second

		msgsConsumed.WithLabelValues(m.Topic).Inc()
		if err := handle(ctx, m.Value); err != nil {
			if errors.Is(err, errInvalidMessage) {
				msgsInvalid.WithLabelValues(m.Topic).Inc()
			}
			logger.Warn("message dropped", "topic", m.Topic, "partition", m.Partition, "offset", m.Offset, "error", err)
		}
	}
}

var errInvalidMessage = errors.New("invalid message")

// EventStore is the durable event log.
type EventStore interface {
	AppendLocationEvent(ctx context.Context, ev models.LocationEvent) error
	AppendStatusEvent(ctx context.Context, ev models.StatusEvent) error
	UpdateMoverPosition(ctx context.Context, moverID string, c models.Coord, at time.Time) error
}

type consumer struct {
	redis    RedisUpdater
	store    EventStore
	geoKey   string
	attempts int
	delay    time.Duration
	logger   *slog.Logger
}

func (c *consumer) handleLocation(ctx context.Context, value []byte) error {
	var ev models.LocationEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return fmt.Errorf("%w: %v", errInvalidMessage, err)
	}
	if ev.TripID == "" || !geo.IsValidCoordinate(ev.Lat, ev.Lon) {
		return fmt.Errorf("%w: location event for trip %q", errInvalidMessage, ev.TripID)
	}

	var errs []error
	if c.store != nil {
		if err := c.store.AppendLocationEvent(ctx, ev); err != nil {
			storeErrors.Inc()
			errs = append(errs, err)
		}
	}
	if ev.MoverID == "" {
		return errors.Join(errs...)
	}
	if c.store != nil {
		if err := c.store.UpdateMoverPosition(ctx, ev.MoverID, models.Coord{Lat: ev.Lat, Lon: ev.Lon}, ev.Sample().Timestamp); err != nil {
			storeErrors.Inc()
			errs = append(errs, err)
		}
	}
	if c.redis != nil {
		if err := updateRedisWithRetry(ctx, c.redis, c.geoKey, ev, c.attempts, c.delay); err != nil {
			redisErrors.Inc()
			errs = append(errs, fmt.Errorf("redis update for mover %s: %w", ev.MoverID, err))
		} else {
			redisUpdates.Inc()
		}
	}
	return errors.Join(errs...)
}

func (c *consumer) handleStatus(ctx context.Context, value []byte) error {
	var ev models.StatusEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return fmt.Errorf("%w: %v", errInvalidMessage, err)
	}
	if ev.TripID == "" || !ev.Status.Valid() {
		return fmt.Errorf("%w: status event %q for trip %q", errInvalidMessage, ev.Status, ev.TripID)
	}
	c.logger.Debug("trip status", "trip_id", ev.TripID, "status", ev.Status)
	if c.store == nil {
		return nil
	}
	if err := c.store.AppendStatusEvent(ctx, ev); err != nil {
		storeErrors.Inc()
		return err
	}
	return nil
}

// RedisUpdater is the subset of redis operations the position mirror needs.
type RedisUpdater interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	_, err := r.c.GeoAdd(ctx, key, loc).Result()
	return err
}

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	_, err := r.c.HSet(ctx, key, values).Result()
	return err
}

// updateRedisWithRetry moves the mover's GEO member and stamps its metadata,
// retrying each step with doubling delay.
func updateRedisWithRetry(ctx context.Context, rc RedisUpdater, key string, ev models.LocationEvent, attempts int, delay time.Duration) error {
	meta := map[string]interface{}{
		"updated":   ev.Sample().Timestamp.UTC().Format(time.RFC3339),
		"last_trip": ev.TripID,
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = rc.GeoAdd(ctx, key, &redis.GeoLocation{Longitude: ev.Lon, Latitude: ev.Lat, Name: ev.MoverID}); err == nil {
			if err = rc.HSet(ctx, geo.MetaKey(ev.MoverID), meta); err == nil {
				return nil
			}
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
