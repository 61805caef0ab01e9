package telemetry

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// EnvTelemetryEnabled toggles telemetry emission.
	EnvTelemetryEnabled = "ENSIM_TELEMETRY_ENABLED"
	// EnvTelemetryQueueCapacity sets in-memory queue capacity.
	EnvTelemetryQueueCapacity = "ENSIM_TELEMETRY_QUEUE_CAPACITY"
	// EnvTelemetryDropSampleRate sets deterministic debug-log sample rate.
	EnvTelemetryDropSampleRate = "ENSIM_TELEMETRY_DROP_SAMPLE_RATE"
	// EnvTelemetryExportTimeoutMS sets export timeout in milliseconds.
	EnvTelemetryExportTimeoutMS = "ENSIM_TELEMETRY_EXPORT_TIMEOUT_MS"
	// EnvLogLevel sets the minimum severity written by the slog sink.
	EnvLogLevel = "ENSIM_LOG_LEVEL"
	// EnvMetrics enables the Prometheus sink.
	EnvMetrics = "ENSIM_METRICS"
)

// RuntimeConfig captures env-configured telemetry settings.
type RuntimeConfig struct {
	Enabled         bool
	QueueCapacity   int
	LogSampleRate   int
	ExportTimeoutMS int
	LogLevel        string
	Metrics         bool
}

// RuntimeConfigFromEnv parses telemetry config from environment.
func RuntimeConfigFromEnv() (RuntimeConfig, error) {
	cfg := RuntimeConfig{
		Enabled:         true,
		QueueCapacity:   256,
		LogSampleRate:   1,
		ExportTimeoutMS: 200,
		LogLevel:        SeverityInfo,
	}

	var err error
	if cfg.Enabled, err = boolEnv(EnvTelemetryEnabled, cfg.Enabled); err != nil {
		return RuntimeConfig{}, err
	}
	if cfg.Metrics, err = boolEnv(EnvMetrics, cfg.Metrics); err != nil {
		return RuntimeConfig{}, err
	}
	if cfg.QueueCapacity, err = positiveIntEnv(EnvTelemetryQueueCapacity, cfg.QueueCapacity); err != nil {
		return RuntimeConfig{}, err
	}
	if cfg.LogSampleRate, err = positiveIntEnv(EnvTelemetryDropSampleRate, cfg.LogSampleRate); err != nil {
		return RuntimeConfig{}, err
	}
	if cfg.ExportTimeoutMS, err = positiveIntEnv(EnvTelemetryExportTimeoutMS, cfg.ExportTimeoutMS); err != nil {
		return RuntimeConfig{}, err
	}
	if raw := strings.ToLower(strings.TrimSpace(os.Getenv(EnvLogLevel))); raw != "" {
		switch raw {
		case SeverityDebug, SeverityInfo, SeverityWarn, SeverityError:
			cfg.LogLevel = raw
		default:
			return RuntimeConfig{}, fmt.Errorf("%s must be one of debug, info, warn, error", EnvLogLevel)
		}
	}
	return cfg, nil
}

func boolEnv(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s parse error: %w", key, err)
	}
	return v, nil
}

func positiveIntEnv(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("%s must be integer >=1", key)
	}
	return v, nil
}

// NewPipelineFromEnv builds a pipeline that writes JSON logs to out and, when
// ENSIM_METRICS is set, feeds Prometheus collectors registered on reg.
// It returns nil when telemetry is disabled.
func NewPipelineFromEnv(out io.Writer, reg prometheus.Registerer) (*Pipeline, error) {
	cfg, err := RuntimeConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, nil
	}
	if out == nil {
		out = os.Stderr
	}

	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: ParseLevel(cfg.LogLevel)}))
	sinks := Fanout{NewSlogSink(logger, false)}
	if cfg.Metrics {
		sinks = append(sinks, NewPrometheusSink(reg))
	}

	return NewPipeline(sinks, Config{
		QueueCapacity: cfg.QueueCapacity,
		LogSampleRate: cfg.LogSampleRate,
		ExportTimeout: time.Duration(cfg.ExportTimeoutMS) * time.Millisecond,
	}), nil
}
