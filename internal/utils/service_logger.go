package utils

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/SAP-F-2025/grading-service/internal/errors"
)

// ServiceLogger provides one structured record per pipeline operation
type ServiceLogger struct {
	logger *slog.Logger
	config LogConfig
}

type LogConfig struct {
	Service     string
	Component   string
	EnableDebug bool
}

func NewServiceLogger(logger Logger, config LogConfig) *ServiceLogger {
	return &ServiceLogger{
		logger: ToSlogLogger(logger).With("service", config.Service, "component", config.Component),
		config: config,
	}
}

// LogOperation records the outcome of an operation on a resource (a job, a batch, a chunk).
func (l *ServiceLogger) LogOperation(ctx context.Context, operation, resourceID, resourceType string, duration time.Duration, err error) {
	level := slog.LevelInfo
	status := "success"

	if err != nil {
		level = slog.LevelError
		status = "error"

		switch {
		case apperrors.IsValidation(err):
			level = slog.LevelWarn
			status = "validation_error"
		case apperrors.IsNotFound(err):
			status = "not_found"
		case apperrors.IsConflict(err):
			level = slog.LevelWarn
			status = "conflict"
		case apperrors.IsEngineFailure(err):
			level = slog.LevelWarn
			status = "engine_failure"
		}
	}

	attrs := []slog.Attr{
		slog.String("operation", operation),
		slog.String("resource_id", resourceID),
		slog.String("resource_type", resourceType),
		slog.String("status", status),
		slog.Duration("duration", duration),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		if ve, ok := err.(apperrors.ValidationErrors); ok {
			attrs = append(attrs, slog.Int("validation_errors_count", len(ve)))
		}
	}

	l.logger.LogAttrs(ctx, level, fmt.Sprintf("%s operation %s", operation, status), attrs...)
}

// LogFallback records a fallback substitution with its correlation id.
func (l *ServiceLogger) LogFallback(ctx context.Context, engine string, questionIDs []string, correlationID string, cause error) {
	attrs := []slog.Attr{
		slog.String("engine", engine),
		slog.Int("question_count", len(questionIDs)),
		slog.String("correlation_id", correlationID),
	}
	if cause != nil {
		attrs = append(attrs, slog.String("error", cause.Error()))
	}
	if l.config.EnableDebug {
		attrs = append(attrs, slog.Any("question_ids", questionIDs))
	}
	l.logger.LogAttrs(ctx, slog.LevelWarn, "Fallback results substituted", attrs...)
}

// LogRecovery records a recovered panic.
func (l *ServiceLogger) LogRecovery(ctx context.Context, operation string, recovered interface{}, stack []byte) {
	l.logger.LogAttrs(ctx, slog.LevelError, "Panic recovered",
		slog.String("operation", operation),
		slog.Any("panic_value", recovered),
		slog.String("stack_trace", string(stack)),
	)
}

// ContextualLogger times one operation and logs its result
type ContextualLogger struct {
	logger    *ServiceLogger
	operation string
	startTime time.Time
	ctx       context.Context
}

func (l *ServiceLogger) WithOperation(ctx context.Context, operation string) *ContextualLogger {
	return &ContextualLogger{
		logger:    l,
		operation: operation,
		startTime: time.Now(),
		ctx:       ctx,
	}
}

func (cl *ContextualLogger) LogResult(resourceID, resourceType string, err error) {
	cl.logger.LogOperation(cl.ctx, cl.operation, resourceID, resourceType, time.Since(cl.startTime), err)
}
