// Package logging builds the process logger and the collaborator log helpers
// shared by the routing, census and tile clients.
package logging

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production logger at the given level. Unknown levels fall back
// to info.
func New(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	lvl := zapcore.InfoLevel
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// LogRequest logs an outbound collaborator request.
func LogRequest(l *zap.Logger, service, method, url string, fields ...zap.Field) {
	l.Debug("request",
		append([]zap.Field{zap.String("service", service), zap.String("method", method), zap.String("url", url)}, fields...)...)
}

// LogResponse logs a collaborator response.
func LogResponse(l *zap.Logger, service string, status int, d time.Duration, results int) {
	l.Debug("response",
		zap.String("service", service),
		zap.Int("status", status),
		zap.Int64("duration_ms", d.Milliseconds()),
		zap.Int("results", results))
}

// LogError logs a failed collaborator operation.
func LogError(l *zap.Logger, service, operation string, err error, fields ...zap.Field) {
	l.Error(operation+" failed",
		append([]zap.Field{zap.String("service", service), zap.Error(err)}, fields...)...)
}

// LogUpsert logs a bulk write.
func LogUpsert(l *zap.Logger, table string, count int, d time.Duration) {
	l.Info("upserted",
		zap.String("table", table),
		zap.Int("count", count),
		zap.Int64("duration_ms", d.Milliseconds()))
}
