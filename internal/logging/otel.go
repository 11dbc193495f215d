// internal/logging/otel.go
package logging

import (
	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap/zapcore"
)

// newCore writes to sink and, when otelProvider is set, tees every entry
// into OTEL logs.
func newCore(cfg *Config, sink zapcore.WriteSyncer, otelProvider log.LoggerProvider) zapcore.Core {
	core := zapcore.NewCore(newEncoder(cfg.Format), sink, cfg.Level)
	if otelProvider == nil {
		return core
	}
	return zapcore.NewTee(core, otelzap.NewCore("sqlrecall", otelzap.WithLoggerProvider(otelProvider)))
}
