package telemetry

import "time"

// Config holds the telemetry configuration for logging, metrics, and tracing.
type Config struct {
	// Logging configures the structured logger.
	Logging LoggingConfig `yaml:"logging"`

	// Metrics configures the Prometheus metrics collector.
	Metrics MetricsConfig `yaml:"metrics"`

	// Tracing configures the OpenTelemetry tracer.
	Tracing TracingConfig `yaml:"tracing"`
}

// LoggingConfig configures the zerolog-based logger.
type LoggingConfig struct {
	// Level is the minimum log level (trace, debug, info, warn, error, fatal).
	Level string `yaml:"level"`

	// Format is the output format ("json" or "console").
	Format string `yaml:"format"`

	// Output is the output destination ("stdout", "stderr", or a file path).
	Output string `yaml:"output"`

	// TimeFormat is the timestamp format (rfc3339, unix, unixms, unixmicro).
	TimeFormat string `yaml:"time_format"`

	// EnableCaller adds the calling file and line to each entry.
	EnableCaller bool `yaml:"enable_caller"`
}

// MetricsConfig configures the Prometheus metrics collector.
type MetricsConfig struct {
	// Enabled turns metric collection on or off.
	Enabled bool `yaml:"enabled"`

	// Namespace is the metric namespace prefix.
	Namespace string `yaml:"namespace"`

	// ListenAddr is the address the metrics HTTP endpoint binds to.
	ListenAddr string `yaml:"listen_addr"`

	// Path is the HTTP path serving the metrics.
	Path string `yaml:"path"`

	// DefaultHistogramBuckets overrides the default duration buckets.
	DefaultHistogramBuckets []float64 `yaml:"default_histogram_buckets"`
}

// TracingConfig configures the OpenTelemetry tracer.
type TracingConfig struct {
	// Enabled turns tracing on or off.
	Enabled bool `yaml:"enabled"`

	// Exporter selects the span exporter ("otlp", "stdout", or "none").
	Exporter string `yaml:"exporter"`

	// Endpoint is the OTLP collector endpoint (host:port).
	Endpoint string `yaml:"endpoint"`

	// Insecure disables TLS for the OTLP exporter.
	Insecure bool `yaml:"insecure"`

	// Headers are additional headers sent to the OTLP collector.
	Headers map[string]string `yaml:"headers"`

	// SamplingRate is the trace sampling ratio in [0, 1].
	SamplingRate float64 `yaml:"sampling_rate"`

	// MaxExportBatchSize is the maximum batch size for span export.
	MaxExportBatchSize int `yaml:"max_export_batch_size"`

	// ExportTimeout bounds a single export attempt.
	ExportTimeout time.Duration `yaml:"export_timeout"`
}

// DefaultConfig returns the default telemetry configuration.
func DefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			TimeFormat: "rfc3339",
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Namespace: "steward",
			Path:      "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:            false,
			Exporter:           "stdout",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
		},
	}
}
