package logging

import (
	"context"
	"time"

	"github.com/openclass/nexusai-gateway/internal/errs"
)

// LogField provides a structured way to add fields to logs
type LogField struct {
	Key   string
	Value interface{}
}

// EnhancedLogger wraps the base Logger with operation-timing and
// error-kind-aware helpers.
type EnhancedLogger struct {
	Logger
	component string
}

// NewEnhancedLogger creates an enhanced logger for a component
func NewEnhancedLogger(component string) *EnhancedLogger {
	baseLogger := NewLogger(INFO)
	return &EnhancedLogger{
		Logger:    baseLogger.WithComponent(component),
		component: component,
	}
}

// WithContext creates a logger carrying the request's trace id
func (l *EnhancedLogger) WithContext(ctx context.Context) *EnhancedLogger {
	traceID := getTraceIDFromContext(ctx)
	newLogger := l.Logger.WithTraceID(traceID)

	return &EnhancedLogger{
		Logger:    newLogger,
		component: l.component,
	}
}

// WithError logs an error, surfacing its kind when it is one of the
// gateway's closed error kinds.
func (l *EnhancedLogger) WithError(err error) *EnhancedLogger {
	if err == nil {
		return l
	}

	if kindErr, ok := err.(*errs.Error); ok {
		l.Error("error occurred",
			"error", err.Error(),
			"kind", string(kindErr.Kind),
		)
	} else {
		l.Error("error occurred", "error", err.Error())
	}

	return l
}

// LogOperation logs the start and completion of an operation
func (l *EnhancedLogger) LogOperation(operation string, fn func() error) error {
	startTime := time.Now()
	l.Info("starting operation", "operation", operation)

	err := fn()
	duration := time.Since(startTime)

	if err != nil {
		l.Error("operation failed",
			"operation", operation,
			"duration_ms", duration.Milliseconds(),
			"error", err.Error(),
		)
		return err
	}

	l.Info("operation completed",
		"operation", operation,
		"duration_ms", duration.Milliseconds(),
	)
	return nil
}

// LogSlowOperation logs operations that exceed expected duration
func (l *EnhancedLogger) LogSlowOperation(operation string, duration, expected time.Duration) {
	l.Warn("slow operation detected",
		"operation", operation,
		"duration_ms", duration.Milliseconds(),
		"expected_ms", expected.Milliseconds(),
		"slowdown_factor", float64(duration)/float64(expected),
	)
}

func getTraceIDFromContext(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// Global logger instances for the gateway's components
var (
	DispatcherLogger   = NewEnhancedLogger("dispatcher")
	OrchestratorLogger = NewEnhancedLogger("orchestrator")
	VectorLogger       = NewEnhancedLogger("vector_store")
	MetadataLogger     = NewEnhancedLogger("metadata_store")
	VKPLogger          = NewEnhancedLogger("vkp_manager")
	TelemetryLogger    = NewEnhancedLogger("telemetry")
	AuthLogger         = NewEnhancedLogger("auth")
	ServerLogger       = NewEnhancedLogger("server")
)

// GetComponentLogger returns an enhanced logger for a specific component
func GetComponentLogger(component string) *EnhancedLogger {
	return NewEnhancedLogger(component)
}
