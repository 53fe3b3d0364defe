package utils

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	apperrors "github.com/SAP-F-2025/grading-service/internal/errors"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestServiceLogger_LogOperation(t *testing.T) {
	var buf bytes.Buffer
	base := NewSlogLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	sl := NewServiceLogger(base, LogConfig{Service: "grading-service", Component: "queue"})

	t.Run("success", func(t *testing.T) {
		buf.Reset()
		sl.WithOperation(context.Background(), "complete_job").LogResult("job-1", "job", nil)
		assert.Contains(t, buf.String(), "level=INFO")
		assert.Contains(t, buf.String(), "status=success")
		assert.Contains(t, buf.String(), "component=queue")
	})

	t.Run("conflict is a warning", func(t *testing.T) {
		buf.Reset()
		sl.LogOperation(context.Background(), "cancel_job", "job-1", "job", 0, apperrors.NewTransitionError("job-1", "completed", "cancel"))
		assert.Contains(t, buf.String(), "level=WARN")
		assert.Contains(t, buf.String(), "status=conflict")
	})

	t.Run("unknown error is an error", func(t *testing.T) {
		buf.Reset()
		sl.LogOperation(context.Background(), "claim_job", "", "job", 0, errors.New("db down"))
		assert.Contains(t, buf.String(), "level=ERROR")
	})

	t.Run("fallback carries correlation id", func(t *testing.T) {
		buf.Reset()
		sl.LogFallback(context.Background(), "remote", []string{"q1"}, "corr-123", errors.New("timeout"))
		assert.Contains(t, buf.String(), "correlation_id=corr-123")
	})
}
