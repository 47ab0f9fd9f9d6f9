package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"gorm.io/gorm/logger"
)

func traceQuery(l *GormLogger, elapsed time.Duration) {
	l.Trace(context.Background(), time.Now().Add(-elapsed), func() (string, int64) {
		return "SELECT 1", 1
	}, nil)
}

func TestGormLoggerSlowQueryThreshold(t *testing.T) {
	var buf bytes.Buffer
	l := NewGormLogger(slog.New(slog.NewTextHandler(&buf, nil)), logger.Warn, 100*time.Millisecond)

	traceQuery(l, 20*time.Millisecond)
	if strings.Contains(buf.String(), "slow query") {
		t.Fatalf("fast query flagged as slow: %q", buf.String())
	}

	traceQuery(l, 300*time.Millisecond)
	if !strings.Contains(buf.String(), "slow query") {
		t.Fatalf("expected slow query warning, got %q", buf.String())
	}
}

func TestGormLoggerZeroThresholdDisablesSlowLog(t *testing.T) {
	var buf bytes.Buffer
	l := NewGormLogger(slog.New(slog.NewTextHandler(&buf, nil)), logger.Warn, 0)

	traceQuery(l, time.Second)
	if buf.Len() != 0 {
		t.Fatalf("expected no output with threshold disabled, got %q", buf.String())
	}
}

func TestGormLoggerSilentDropsEverything(t *testing.T) {
	var buf bytes.Buffer
	l := NewGormLogger(slog.New(slog.NewTextHandler(&buf, nil)), logger.Silent, time.Millisecond)

	traceQuery(l, time.Second)
	l.Info(context.Background(), "hello")
	if buf.Len() != 0 {
		t.Fatalf("expected silence, got %q", buf.String())
	}
}
