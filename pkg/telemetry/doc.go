// Package telemetry provides structured logging, Prometheus metrics, and
// OpenTelemetry tracing for the steward task engine.
//
// The three concerns are configured together through Config and constructed
// independently:
//
//	logger, _ := telemetry.NewLogger(cfg.Logging)
//	metrics, _ := telemetry.NewMetrics(cfg.Metrics)
//	tracer, _ := telemetry.NewTracer(cfg.Tracing, "steward", version)
//
// Loggers are immutable; helpers like WithTask and WithTarget return child
// loggers carrying the extra fields. Metrics and tracer are safe for
// concurrent use and degrade to no-ops when disabled.
package telemetry
