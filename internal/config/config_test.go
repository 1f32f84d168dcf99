package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	defaultBroker   = "localhost:9092"
	testMapboxToken = "pk.test-token"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{defaultBroker}, cfg.KafkaBrokers)
	assert.Equal(t, "sensor-readings", cfg.KafkaSourceTopic)
	assert.Equal(t, "risk-assessments", cfg.KafkaAssessmentTopic)
	assert.Equal(t, "alert-events", cfg.KafkaAlertTopic)
	assert.Equal(t, "hazard-risk-engine", cfg.KafkaGroupID)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 500*time.Millisecond, cfg.BatchFlushInterval)

	assert.Equal(t, TransportKafka, cfg.IngestTransport)
	assert.Equal(t, StoreMemory, cfg.StoreDriver)
	assert.Empty(t, cfg.TuningFile)
	assert.Equal(t, 2*time.Second, cfg.ScorerTimeout)
	assert.InDelta(t, 0.01, cfg.ClusterCellDeg, 1e-12)
	assert.Equal(t, time.Hour, cfg.WindowSpan)
	assert.Equal(t, 24*time.Hour, cfg.BaselineSpan)
	assert.Equal(t, 5*time.Minute, cfg.MaxFutureSkew)
	assert.Equal(t, 30*time.Minute, cfg.VerificationMaxAge)
	assert.InDelta(t, 500.0, cfg.DedupRadiusM, 1e-12)
	assert.Equal(t, 2*time.Hour, cfg.DedupWindow)
	assert.Equal(t, 8, cfg.ClusterConcurrency)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)

	assert.False(t, cfg.MapboxEnabled)
	assert.Empty(t, cfg.MapboxToken)
	assert.Equal(t, 5*time.Second, cfg.MapboxTimeout)
	assert.Equal(t, 1000, cfg.MapboxCacheSize)

	assert.Empty(t, cfg.OpenAIAPIKey)
	assert.Equal(t, 20*time.Second, cfg.GenerationTimeout)
	assert.Empty(t, cfg.ForecastURL)
	assert.Empty(t, cfg.InfluxURL)
	assert.Equal(t, "hazard-risk-engine", cfg.ServiceName)
	assert.Empty(t, cfg.OTLPEndpoint)
	assert.InDelta(t, 1.0, cfg.TraceSampleRatio, 1e-12)
}

func TestLoad_CustomEnv(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "broker1:9092,broker2:9092")
	t.Setenv("KAFKA_SOURCE_TOPIC", "custom-source")
	t.Setenv("KAFKA_ASSESSMENT_TOPIC", "custom-assessments")
	t.Setenv("KAFKA_ALERT_TOPIC", "custom-alerts")
	t.Setenv("KAFKA_GROUP_ID", "custom-group")
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "text")
	t.Setenv("SHUTDOWN_TIMEOUT", "30s")
	t.Setenv("BATCH_SIZE", "100")
	t.Setenv("BATCH_FLUSH_INTERVAL", "1s")
	t.Setenv("INGEST_TRANSPORT", "MQTT")
	t.Setenv("MQTT_BROKER", "tcp://mosquitto:1883")
	t.Setenv("MQTT_TOPIC", "city/+/sensors")
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", "/data/risk.db")
	t.Setenv("TUNING_FILE", "/etc/risk/tuning.yaml")
	t.Setenv("SCORER_TIMEOUT", "500ms")
	t.Setenv("CLUSTER_CELL_DEG", "0.05")
	t.Setenv("DEDUP_RADIUS_M", "750")
	t.Setenv("CLUSTER_CONCURRENCY", "16")
	t.Setenv("CORS_ORIGINS", "https://ops.example.com, https://map.example.com")
	t.Setenv("MAPBOX_TOKEN", testMapboxToken)
	t.Setenv("MAPBOX_TIMEOUT", "10s")
	t.Setenv("MAPBOX_CACHE_SIZE", "500")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("OPENAI_MODEL", "gpt-4o")
	t.Setenv("INFLUX_URL", "http://influx:8086")
	t.Setenv("INFLUX_TOKEN", "token")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"broker1:9092", "broker2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "custom-source", cfg.KafkaSourceTopic)
	assert.Equal(t, "custom-assessments", cfg.KafkaAssessmentTopic)
	assert.Equal(t, "custom-alerts", cfg.KafkaAlertTopic)
	assert.Equal(t, "custom-group", cfg.KafkaGroupID)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 1*time.Second, cfg.BatchFlushInterval)
	assert.Equal(t, TransportMQTT, cfg.IngestTransport)
	assert.Equal(t, "tcp://mosquitto:1883", cfg.MQTTBroker)
	assert.Equal(t, "city/+/sensors", cfg.MQTTTopic)
	assert.Equal(t, StoreSQLite, cfg.StoreDriver)
	assert.Equal(t, "/data/risk.db", cfg.SQLitePath)
	assert.Equal(t, "/etc/risk/tuning.yaml", cfg.TuningFile)
	assert.Equal(t, 500*time.Millisecond, cfg.ScorerTimeout)
	assert.InDelta(t, 0.05, cfg.ClusterCellDeg, 1e-12)
	assert.InDelta(t, 750.0, cfg.DedupRadiusM, 1e-12)
	assert.Equal(t, 16, cfg.ClusterConcurrency)
	assert.Equal(t, []string{"https://ops.example.com", "https://map.example.com"}, cfg.CORSOrigins)
	assert.True(t, cfg.MapboxEnabled)
	assert.Equal(t, testMapboxToken, cfg.MapboxToken)
	assert.Equal(t, 10*time.Second, cfg.MapboxTimeout)
	assert.Equal(t, 500, cfg.MapboxCacheSize)
	assert.Equal(t, "sk-test", cfg.OpenAIAPIKey)
	assert.Equal(t, "gpt-4o", cfg.OpenAIModel)
	assert.Equal(t, "http://influx:8086", cfg.InfluxURL)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		env, value string
	}{
		{"SHUTDOWN_TIMEOUT", "not-a-duration"},
		{"SHUTDOWN_TIMEOUT", "-1s"},
		{"BATCH_SIZE", "0"},
		{"BATCH_SIZE", "9999"},
		{"BATCH_FLUSH_INTERVAL", "not-a-duration"},
		{"MAPBOX_TIMEOUT", "bad"},
		{"SCORER_TIMEOUT", "0s"},
		{"WINDOW_SPAN", "forever"},
		{"CLUSTER_CELL_DEG", "-0.01"},
		{"DEDUP_RADIUS_M", "wide"},
		{"CLUSTER_CONCURRENCY", "0"},
		{"INGEST_TRANSPORT", "amqp"},
		{"STORE_DRIVER", "postgres"},
		{"OTEL_TRACES_SAMPLE_RATIO", "1.5"},
		{"OTEL_TRACES_SAMPLE_RATIO", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.env+"="+tt.value, func(t *testing.T) {
			t.Setenv(tt.env, tt.value)
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.env)
		})
	}
}

func TestLoad_MapboxEnabledWithoutToken(t *testing.T) {
	t.Setenv("MAPBOX_ENABLED", "true")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAPBOX_TOKEN")
}

func TestLoad_MapboxTokenImpliesEnabled(t *testing.T) {
	t.Setenv("MAPBOX_TOKEN", testMapboxToken)
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.MapboxEnabled)
}

func TestLoad_MapboxExplicitlyDisabled(t *testing.T) {
	t.Setenv("MAPBOX_TOKEN", testMapboxToken)
	t.Setenv("MAPBOX_ENABLED", "false")
	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.MapboxEnabled)
}

func TestLoad_InfluxRequiresToken(t *testing.T) {
	t.Setenv("INFLUX_URL", "http://influx:8086")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INFLUX_TOKEN")
}
