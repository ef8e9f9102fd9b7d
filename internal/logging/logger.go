package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// StandardLogger wraps a zap logger with the field conventions used across the service.
type StandardLogger struct {
	logger *zap.Logger
}

// NewStandardLogger builds a JSON logger, or a console logger in development.
func NewStandardLogger(level, environment string) *StandardLogger {
	var cfg zap.Config
	if strings.EqualFold(environment, "development") {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "time"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(getZapLevel(level))

	logger, err := cfg.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		logger = zap.NewExample()
	}
	return &StandardLogger{logger: logger}
}

// NewFromZap wraps an existing zap logger; nil yields a no-op logger.
func NewFromZap(logger *zap.Logger) *StandardLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StandardLogger{logger: logger}
}

func getZapLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Logger exposes the underlying zap logger for components that take *zap.Logger.
func (l *StandardLogger) Logger() *zap.Logger {
	return l.logger
}

func (l *StandardLogger) with(fields ...zap.Field) *StandardLogger {
	return &StandardLogger{logger: l.logger.With(fields...)}
}

func (l *StandardLogger) WithService(service string) *StandardLogger {
	return l.with(zap.String("service", service))
}

func (l *StandardLogger) WithComponent(component string) *StandardLogger {
	return l.with(zap.String("component", component))
}

func (l *StandardLogger) WithOperation(operation string) *StandardLogger {
	return l.with(zap.String("operation", operation))
}

func (l *StandardLogger) WithTicker(ticker string) *StandardLogger {
	return l.with(zap.String("ticker", ticker))
}

func (l *StandardLogger) WithCycle(cycleID string) *StandardLogger {
	return l.with(zap.String("cycle_id", cycleID))
}

func (l *StandardLogger) WithError(err error) *StandardLogger {
	return l.with(zap.Error(err))
}

func (l *StandardLogger) WithFields(fields map[string]interface{}) *StandardLogger {
	zf := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zf = append(zf, zap.Any(k, v))
	}
	return l.with(zf...)
}

func (l *StandardLogger) Debug(msg string, fields ...zap.Field) { l.logger.Debug(msg, fields...) }
func (l *StandardLogger) Info(msg string, fields ...zap.Field)  { l.logger.Info(msg, fields...) }
func (l *StandardLogger) Warn(msg string, fields ...zap.Field)  { l.logger.Warn(msg, fields...) }
func (l *StandardLogger) Error(msg string, fields ...zap.Field) { l.logger.Error(msg, fields...) }

func (l *StandardLogger) LogStartup(service, version string, port int) {
	l.logger.Info("Service starting",
		zap.String("event", "startup"),
		zap.String("service", service),
		zap.String("version", version),
		zap.Int("port", port),
	)
}

func (l *StandardLogger) LogShutdown(service, reason string) {
	l.logger.Info("Service shutting down",
		zap.String("event", "shutdown"),
		zap.String("service", service),
		zap.String("reason", reason),
	)
}

// LogBusinessEvent records a domain event such as a position open or a cycle completion.
func (l *StandardLogger) LogBusinessEvent(eventType string, details map[string]interface{}) {
	fields := []zap.Field{
		zap.String("event", "business_event"),
		zap.String("type", eventType),
	}
	for k, v := range details {
		fields = append(fields, zap.Any(k, v))
	}
	l.logger.Info("Business event", fields...)
}

// Sync flushes buffered entries.
func (l *StandardLogger) Sync() error {
	return l.logger.Sync()
}
