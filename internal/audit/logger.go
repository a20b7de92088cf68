package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kubilitics/kubilitics-explain/internal/models"
)

// Logger defines the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *Event) error

	// Explanation lifecycle events
	LogExplanationRequested(ctx context.Context, eventID, source string) error
	LogExplanationCompleted(ctx context.Context, eventID, fingerprint string, confidence float64, duration time.Duration) error
	LogExplanationFailed(ctx context.Context, eventID string, err error) error
	LogExplanationEvicted(ctx context.Context, fingerprint string) error

	// System events
	LogConfigLoaded(ctx context.Context, path string) error
	LogServerStarted(ctx context.Context, addr string) error
	LogServerShutdown(ctx context.Context) error

	// Sync flushes buffered log entries
	Sync() error

	// Close closes the audit logger
	Close() error
}

// Config represents audit logger configuration
type Config struct {
	// LogPath is the path to the audit log file
	LogPath string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool
}

// DefaultConfig returns default audit logger configuration
func DefaultConfig() *Config {
	return &Config{
		LogPath:    "logs/explain-audit.log",
		MaxSize:    100, // megabytes
		MaxBackups: 10,
		MaxAge:     30, // days
		Compress:   true,
	}
}

const flushThreshold = 100

// auditLogger implements the Logger interface
type auditLogger struct {
	appLogger   *zap.Logger
	auditLogger *zap.Logger
	config      *Config
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
	closeOnce   sync.Once
}

// NewLogger creates a new audit logger. appLogger receives marshal failures;
// it may be nil.
func NewLogger(config *Config, appLogger *zap.Logger) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.LogPath == "" {
		return nil, fmt.Errorf("audit log path is required")
	}
	if appLogger == nil {
		appLogger = zap.NewNop()
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "message",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
	}

	// Audit log is append-only and always INFO level
	auditRotator := &lumberjack.Logger{
		Filename:   config.LogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	auditCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(auditRotator),
		zapcore.InfoLevel,
	)

	logger := &auditLogger{
		appLogger:   appLogger,
		auditLogger: zap.New(auditCore),
		config:      config,
		buffer:      make([]*Event, 0, flushThreshold),
		flushTicker: time.NewTicker(1 * time.Second),
		stopCh:      make(chan struct{}),
	}

	go logger.autoFlush()

	return logger, nil
}

// Log logs an audit event
func (l *auditLogger) Log(ctx context.Context, event *Event) error {
	if event.CorrelationID == "" {
		event.CorrelationID = CorrelationIDFrom(ctx)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.buffer = append(l.buffer, event)

	if len(l.buffer) >= flushThreshold {
		return l.flushLocked()
	}

	return nil
}

// flushLocked flushes the buffer (caller must hold lock)
func (l *auditLogger) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}

	for _, event := range l.buffer {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			l.appLogger.Error("failed to marshal audit event",
				zap.Error(err),
				zap.String("event_type", string(event.EventType)),
			)
			continue
		}

		l.auditLogger.Info(string(eventJSON),
			zap.String("correlation_id", event.CorrelationID),
			zap.String("event_type", string(event.EventType)),
			zap.String("result", string(event.Result)),
		)
	}

	l.buffer = l.buffer[:0]

	return nil
}

// autoFlush periodically flushes the buffer
func (l *auditLogger) autoFlush() {
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// LogExplanationRequested logs receipt of an adaptation event
func (l *auditLogger) LogExplanationRequested(ctx context.Context, eventID, source string) error {
	event := NewEvent(EventExplanationRequested).
		WithAdaptationEvent(eventID).
		WithSource(source).
		WithDescription(fmt.Sprintf("Explanation requested for event %s", eventID))

	return l.Log(ctx, event)
}

// LogExplanationCompleted logs a produced explanation
func (l *auditLogger) LogExplanationCompleted(ctx context.Context, eventID, fingerprint string, confidence float64, duration time.Duration) error {
	event := NewEvent(EventExplanationCompleted).
		WithAdaptationEvent(eventID).
		WithFingerprint(fingerprint).
		WithResult(ResultSuccess).
		WithConfidence(confidence).
		WithDuration(duration).
		WithDescription(fmt.Sprintf("Explanation for event %s completed", eventID))

	return l.Log(ctx, event)
}

// LogExplanationFailed logs a failed explanation with its error kind
func (l *auditLogger) LogExplanationFailed(ctx context.Context, eventID string, err error) error {
	event := NewEvent(EventExplanationFailed).
		WithAdaptationEvent(eventID).
		WithError(err, string(models.KindOf(err))).
		WithDescription(fmt.Sprintf("Explanation for event %s failed", eventID))

	return l.Log(ctx, event)
}

// LogExplanationEvicted logs an operator-requested cache eviction
func (l *auditLogger) LogExplanationEvicted(ctx context.Context, fingerprint string) error {
	event := NewEvent(EventExplanationEvicted).
		WithFingerprint(fingerprint).
		WithResult(ResultSuccess).
		WithDescription(fmt.Sprintf("Explanation %s evicted", fingerprint))

	return l.Log(ctx, event)
}

// LogConfigLoaded logs the configuration file the process started with
func (l *auditLogger) LogConfigLoaded(ctx context.Context, path string) error {
	event := NewEvent(EventConfigLoaded).
		WithResult(ResultSuccess).
		WithMetadata("path", path).
		WithDescription("Configuration loaded")

	return l.Log(ctx, event)
}

// LogServerStarted logs server startup
func (l *auditLogger) LogServerStarted(ctx context.Context, addr string) error {
	event := NewEvent(EventServerStarted).
		WithResult(ResultSuccess).
		WithMetadata("addr", addr).
		WithDescription(fmt.Sprintf("Server listening on %s", addr))

	return l.Log(ctx, event)
}

// LogServerShutdown logs server shutdown
func (l *auditLogger) LogServerShutdown(ctx context.Context) error {
	event := NewEvent(EventServerShutdown).
		WithResult(ResultSuccess).
		WithDescription("Server shut down")

	return l.Log(ctx, event)
}

// Sync flushes buffered log entries
func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}

	return l.auditLogger.Sync()
}

// Close closes the audit logger
func (l *auditLogger) Close() error {
	l.closeOnce.Do(func() {
		close(l.stopCh)
		l.flushTicker.Stop()
	})

	return l.Sync()
}

type correlationKey struct{}

// CorrelationIDFrom extracts the correlation ID from ctx, generating a new
// one when none is set.
func CorrelationIDFrom(ctx context.Context) string {
	if ctx != nil {
		if id, ok := ctx.Value(correlationKey{}).(string); ok && id != "" {
			return id
		}
	}
	return GenerateCorrelationID()
}

// WithCorrelationID adds correlation ID to context
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// GenerateCorrelationID generates a new correlation ID
func GenerateCorrelationID() string {
	return uuid.NewString()
}

// nopLogger discards all events.
type nopLogger struct{}

// NewNopLogger returns a Logger that records nothing.
func NewNopLogger() Logger { return nopLogger{} }

func (nopLogger) Log(context.Context, *Event) error                      { return nil }
func (nopLogger) LogExplanationRequested(context.Context, string, string) error { return nil }
func (nopLogger) LogExplanationCompleted(context.Context, string, string, float64, time.Duration) error {
	return nil
}
func (nopLogger) LogExplanationFailed(context.Context, string, error) error { return nil }
func (nopLogger) LogExplanationEvicted(context.Context, string) error       { return nil }
func (nopLogger) LogConfigLoaded(context.Context, string) error             { return nil }
func (nopLogger) LogServerStarted(context.Context, string) error            { return nil }
func (nopLogger) LogServerShutdown(context.Context) error                   { return nil }
func (nopLogger) Sync() error                                               { return nil }
func (nopLogger) Close() error                                              { return nil }
