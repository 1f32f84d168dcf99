package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

// Ingestion transports.
const (
	TransportKafka = "kafka"
	TransportMQTT  = "mqtt"
)

// Store drivers.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	KafkaBrokers         []string
	KafkaSourceTopic     string
	KafkaAssessmentTopic string
	KafkaAlertTopic      string
	KafkaGroupID         string
	HTTPAddr             string
	LogLevel             string
	LogFormat            string
	ShutdownTimeout      time.Duration

	BatchSize          int
	BatchFlushInterval time.Duration

	// Ingestion transport selection.
	IngestTransport string
	MQTTBroker      string
	MQTTTopic       string
	MQTTClientID    string

	// Persistence.
	StoreDriver string
	SQLitePath  string

	// Engine tuning. TuningFile holds the hot-reloadable weights and thresholds.
	TuningFile         string
	ScorerTimeout      time.Duration
	ClusterCellDeg     float64
	WindowSpan         time.Duration
	BaselineSpan       time.Duration
	MaxFutureSkew      time.Duration
	VerificationMaxAge time.Duration
	DedupRadiusM       float64
	DedupWindow        time.Duration
	ClusterConcurrency int

	CORSOrigins []string

	// Mapbox geocoding configuration.
	MapboxToken     string
	MapboxEnabled   bool
	MapboxTimeout   time.Duration
	MapboxCacheSize int

	// Text generation. Disabled when OpenAIAPIKey is empty.
	OpenAIAPIKey      string
	OpenAIModel       string
	OpenAIBaseURL     string
	GenerationTimeout time.Duration

	// ForecastURL points at an external forecasting service; empty uses the built-in model.
	ForecastURL string

	// Tracing. Disabled when OTLPEndpoint is empty.
	ServiceName      string
	OTLPEndpoint     string
	TraceSampleRatio float64

	// Reading archive. Disabled when InfluxURL is empty.
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	batchSize, err := sharedcfg.ParseBatchSize()
	if err != nil {
		return nil, err
	}

	flushInterval, err := sharedcfg.ParseBatchFlushInterval()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		KafkaBrokers:         sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaSourceTopic:     sharedcfg.EnvOrDefault("KAFKA_SOURCE_TOPIC", "sensor-readings"),
		KafkaAssessmentTopic: sharedcfg.EnvOrDefault("KAFKA_ASSESSMENT_TOPIC", "risk-assessments"),
		KafkaAlertTopic:      sharedcfg.EnvOrDefault("KAFKA_ALERT_TOPIC", "alert-events"),
		KafkaGroupID:         sharedcfg.EnvOrDefault("KAFKA_GROUP_ID", "hazard-risk-engine"),
		HTTPAddr:             sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:             sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:            sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout:      shutdownTimeout,
		BatchSize:            batchSize,
		BatchFlushInterval:   flushInterval,

		IngestTransport: strings.ToLower(sharedcfg.EnvOrDefault("INGEST_TRANSPORT", TransportKafka)),
		MQTTBroker:      sharedcfg.EnvOrDefault("MQTT_BROKER", "tcp://localhost:1883"),
		MQTTTopic:       sharedcfg.EnvOrDefault("MQTT_TOPIC", "sensors/+/readings"),
		MQTTClientID:    sharedcfg.EnvOrDefault("MQTT_CLIENT_ID", "hazard-risk-engine"),

		StoreDriver: strings.ToLower(sharedcfg.EnvOrDefault("STORE_DRIVER", StoreMemory)),
		SQLitePath:  sharedcfg.EnvOrDefault("SQLITE_PATH", "risk-engine.db"),
		TuningFile:  os.Getenv("TUNING_FILE"),

		CORSOrigins: splitList(sharedcfg.EnvOrDefault("CORS_ORIGINS", "*")),

		MapboxToken:     os.Getenv("MAPBOX_TOKEN"),
		MapboxCacheSize: positiveIntOrDefault("MAPBOX_CACHE_SIZE", 1000),

		OpenAIAPIKey:  os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:   sharedcfg.EnvOrDefault("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL: os.Getenv("OPENAI_BASE_URL"),

		ForecastURL: os.Getenv("FORECAST_URL"),

		ServiceName:  sharedcfg.EnvOrDefault("OTEL_SERVICE_NAME", "hazard-risk-engine"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		InfluxURL:    os.Getenv("INFLUX_URL"),
		InfluxToken:  os.Getenv("INFLUX_TOKEN"),
		InfluxOrg:    sharedcfg.EnvOrDefault("INFLUX_ORG", "hazard"),
		InfluxBucket: sharedcfg.EnvOrDefault("INFLUX_BUCKET", "sensor-readings"),
	}

	durations := []struct {
		name, def string
		dst       *time.Duration
	}{
		{"MAPBOX_TIMEOUT", "5s", &cfg.MapboxTimeout},
		{"SCORER_TIMEOUT", "2s", &cfg.ScorerTimeout},
		{"WINDOW_SPAN", "1h", &cfg.WindowSpan},
		{"BASELINE_SPAN", "24h", &cfg.BaselineSpan},
		{"MAX_FUTURE_SKEW", "5m", &cfg.MaxFutureSkew},
		{"VERIFICATION_MAX_AGE", "30m", &cfg.VerificationMaxAge},
		{"DEDUP_WINDOW", "2h", &cfg.DedupWindow},
		{"GENERATION_TIMEOUT", "20s", &cfg.GenerationTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = parsePositiveDuration(d.name, d.def); err != nil {
			return nil, err
		}
	}

	if cfg.ClusterCellDeg, err = parsePositiveFloat("CLUSTER_CELL_DEG", 0.01); err != nil {
		return nil, err
	}
	if cfg.DedupRadiusM, err = parsePositiveFloat("DEDUP_RADIUS_M", 500); err != nil {
		return nil, err
	}
	if cfg.ClusterConcurrency, err = parsePositiveInt("CLUSTER_CONCURRENCY", 8); err != nil {
		return nil, err
	}
	if cfg.TraceSampleRatio, err = parsePositiveFloat("OTEL_TRACES_SAMPLE_RATIO", 1); err != nil {
		return nil, err
	}
	if cfg.TraceSampleRatio > 1 {
		return nil, fmt.Errorf("invalid OTEL_TRACES_SAMPLE_RATIO: %g", cfg.TraceSampleRatio)
	}

	cfg.MapboxEnabled = cfg.MapboxToken != ""
	if v := os.Getenv("MAPBOX_ENABLED"); v != "" {
		cfg.MapboxEnabled = v == "true"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.IngestTransport {
	case TransportKafka:
		if c.KafkaSourceTopic == "" {
			return errors.New("KAFKA_SOURCE_TOPIC is required")
		}
	case TransportMQTT:
		if c.MQTTBroker == "" {
			return errors.New("MQTT_BROKER is required")
		}
		if c.MQTTTopic == "" {
			return errors.New("MQTT_TOPIC is required")
		}
	default:
		return fmt.Errorf("INGEST_TRANSPORT must be %q or %q, got %q", TransportKafka, TransportMQTT, c.IngestTransport)
	}
	// Assessments and alert events are always published to Kafka.
	if len(c.KafkaBrokers) == 0 {
		return errors.New("KAFKA_BROKERS is required")
	}
	if c.KafkaAssessmentTopic == "" {
		return errors.New("KAFKA_ASSESSMENT_TOPIC is required")
	}
	if c.KafkaAlertTopic == "" {
		return errors.New("KAFKA_ALERT_TOPIC is required")
	}
	switch c.StoreDriver {
	case StoreMemory:
	case StoreSQLite:
		if c.SQLitePath == "" {
			return errors.New("SQLITE_PATH is required")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreMemory, StoreSQLite, c.StoreDriver)
	}
	if c.MapboxEnabled && c.MapboxToken == "" {
		return errors.New("MAPBOX_ENABLED is true but MAPBOX_TOKEN is not set")
	}
	if c.InfluxURL != "" && c.InfluxToken == "" {
		return errors.New("INFLUX_TOKEN is required when INFLUX_URL is set")
	}
	return nil
}

func parsePositiveDuration(name, def string) (time.Duration, error) {
	s := sharedcfg.EnvOrDefault(name, def)
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", name, s)
	}
	return d, nil
}

func parsePositiveFloat(name string, def float64) (float64, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", name, s)
	}
	return v, nil
}

func parsePositiveInt(name string, def int) (int, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", name, s)
	}
	return n, nil
}

func positiveIntOrDefault(name string, def int) int {
	if n, err := parsePositiveInt(name, def); err == nil {
		return n
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
