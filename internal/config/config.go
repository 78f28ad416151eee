package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaStatusTopic   string

	AMQPURL      string
	AMQPExchange string

	PGDSN string

	StripeAPIKey    string
	PaymentCurrency string

	HistoryCapacity   int
	AssumedSpeedKmh   float64
	ArrivingRadiusKm  float64
	ArrivedRadiusKm   float64
	FinishedRetention time.Duration

	SearchRadiusKm  float64
	SearchLimit     int
	DirectoryShards int

	SurgeWindow        time.Duration
	SurgeAreaPrecision int

	FanoutQueueSize int
	WSPingInterval  time.Duration
	WSPongWait      time.Duration
	WSWriteWait     time.Duration

	SinkQueueSize        int
	HousekeepingSchedule string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:             ":8080",
		ReadTimeout:          5 * time.Second,
		WriteTimeout:         10 * time.Second,
		IdleTimeout:          120 * time.Second,
		ShutdownTimeout:      15 * time.Second,
		RedisGeoKey:          "movers_geo",
		KafkaLocationTopic:   "trip-locations",
		KafkaStatusTopic:     "trip-status",
		AMQPExchange:         "trip_events",
		HistoryCapacity:      200,
		AssumedSpeedKmh:      30,
		ArrivingRadiusKm:     0.5,
		ArrivedRadiusKm:      0.1,
		FinishedRetention:    15 * time.Minute,
		SearchRadiusKm:       5,
		SearchLimit:          10,
		DirectoryShards:      32,
		SurgeWindow:          30 * time.Minute,
		SurgeAreaPrecision:   5,
		FanoutQueueSize:      64,
		WSPingInterval:       25 * time.Second,
		WSPongWait:           60 * time.Second,
		WSWriteWait:          10 * time.Second,
		SinkQueueSize:        1024,
		HousekeepingSchedule: "@every 1m",
		LogLevel:             "info",
	}
}

// LoadDotEnv loads .env from the working directory when present.
func LoadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error
	if err := LoadDotEnv(); err != nil {
		errs = append(errs, err)
	}

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaStatusTopic, "KAFKA_STATUS_TOPIC")

	cfg.AMQPURL = strings.TrimSpace(os.Getenv("AMQP_URL"))
	setStringFromEnv(&cfg.AMQPExchange, "AMQP_EXCHANGE")

	cfg.PGDSN = os.Getenv("PG_DSN")

	cfg.StripeAPIKey = strings.TrimSpace(os.Getenv("STRIPE_API_KEY"))
	setStringFromEnv(&cfg.PaymentCurrency, "PAYMENT_CURRENCY")

	setIntFromEnv(&cfg.HistoryCapacity, "TRACKING_HISTORY_CAPACITY", &errs)
	setFloatFromEnv(&cfg.AssumedSpeedKmh, "TRIP_ASSUMED_SPEED_KMH", &errs)
	setFloatFromEnv(&cfg.ArrivingRadiusKm, "TRIP_ARRIVING_RADIUS_KM", &errs)
	setFloatFromEnv(&cfg.ArrivedRadiusKm, "TRIP_ARRIVED_RADIUS_KM", &errs)
	setDurationFromEnv(&cfg.FinishedRetention, "FINISHED_TRIP_RETENTION", &errs)

	setFloatFromEnv(&cfg.SearchRadiusKm, "DISPATCH_SEARCH_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.SearchLimit, "DISPATCH_SEARCH_LIMIT", &errs)
	setIntFromEnv(&cfg.DirectoryShards, "DISPATCH_SHARDS", &errs)

	setDurationFromEnv(&cfg.SurgeWindow, "SURGE_WINDOW", &errs)
	setIntFromEnv(&cfg.SurgeAreaPrecision, "SURGE_AREA_PRECISION", &errs)

	setIntFromEnv(&cfg.FanoutQueueSize, "FANOUT_QUEUE_SIZE", &errs)
	setDurationFromEnv(&cfg.WSPingInterval, "WS_PING_INTERVAL", &errs)
	setDurationFromEnv(&cfg.WSPongWait, "WS_PONG_WAIT", &errs)
	setDurationFromEnv(&cfg.WSWriteWait, "WS_WRITE_WAIT", &errs)

	setIntFromEnv(&cfg.SinkQueueSize, "SINK_QUEUE_SIZE", &errs)
	setStringFromEnv(&cfg.HousekeepingSchedule, "HOUSEKEEPING_SCHEDULE")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	if c.HistoryCapacity <= 0 {
		errs = append(errs, fmt.Errorf("TRACKING_HISTORY_CAPACITY must be > 0"))
	}
	if c.AssumedSpeedKmh <= 0 {
		errs = append(errs, fmt.Errorf("TRIP_ASSUMED_SPEED_KMH must be > 0"))
	}
	if c.ArrivedRadiusKm <= 0 || c.ArrivingRadiusKm < c.ArrivedRadiusKm {
		errs = append(errs, fmt.Errorf("need 0 < TRIP_ARRIVED_RADIUS_KM <= TRIP_ARRIVING_RADIUS_KM"))
	}
	if c.SearchRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_SEARCH_RADIUS_KM must be > 0"))
	}
	if c.SearchLimit <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_SEARCH_LIMIT must be > 0"))
	}
	if c.DirectoryShards <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_SHARDS must be > 0"))
	}
	if c.SurgeAreaPrecision < 1 || c.SurgeAreaPrecision > 12 {
		errs = append(errs, fmt.Errorf("SURGE_AREA_PRECISION must be between 1 and 12"))
	}
	if c.FanoutQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("FANOUT_QUEUE_SIZE must be > 0"))
	}
	if c.WSPingInterval >= c.WSPongWait {
		errs = append(errs, fmt.Errorf("WS_PING_INTERVAL must be shorter than WS_PONG_WAIT"))
	}
	if c.SinkQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("SINK_QUEUE_SIZE must be > 0"))
	}
	return errs
}

// ConsumerConfig drives the event log consumer.
type ConsumerConfig struct {
	MetricsAddr string

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaStatusTopic   string
	KafkaGroup         string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	PGDSN         string
	RunMigrations bool

	LogLevel string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:        ":2112",
		KafkaBrokers:       []string{"localhost:9092"},
		KafkaLocationTopic: "trip-locations",
		KafkaStatusTopic:   "trip-status",
		KafkaGroup:         "trip-dispatch-consumer",
		RedisAddr:          "localhost:6379",
		RedisGeoKey:        "movers_geo",
		LogLevel:           "info",
	}
	var errs []error
	if err := LoadDotEnv(); err != nil {
		errs = append(errs, err)
	}

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaStatusTopic, "KAFKA_STATUS_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must not be empty"))
	}
	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
