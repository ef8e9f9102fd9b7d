// Package observability wraps Sentry error reporting and tracing.
package observability

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/irfndi/tickerpulse/internal/config"
)

const (
	SpanOpCycle      = "cycle.run"
	SpanOpPhase      = "cycle.phase"
	SpanOpDBQuery    = "db.query"
	SpanOpMarketData = "marketdata.fetch"
	SpanOpHTTP       = "http.server"
)

var enabled atomic.Bool

// InitSentry configures the global Sentry client. An empty DSN leaves reporting disabled.
func InitSentry(cfg config.SentryConfig, release, environment string) error {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil
	}
	env := cfg.Environment
	if env == "" {
		env = environment
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      env,
		Release:          release,
		EnableTracing:    cfg.TracesSampleRate > 0,
		TracesSampleRate: cfg.TracesSampleRate,
		AttachStacktrace: true,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize sentry: %w", err)
	}
	enabled.Store(true)
	return nil
}

// Enabled reports whether InitSentry configured a client.
func Enabled() bool {
	return enabled.Load()
}

// Flush waits for buffered events, bounded by ctx or two seconds.
func Flush(ctx context.Context) {
	if !Enabled() {
		return
	}
	timeout := 2 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	sentry.Flush(timeout)
}

func hubFromContext(ctx context.Context) *sentry.Hub {
	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		return hub
	}
	return sentry.CurrentHub()
}

// StartSpan starts a child span (or a transaction when ctx carries none).
func StartSpan(ctx context.Context, op, description string) (context.Context, *sentry.Span) {
	span := sentry.StartSpan(ctx, op, sentry.WithDescription(description))
	return span.Context(), span
}

func StartSpanWithTags(ctx context.Context, op, description string, tags map[string]string) (context.Context, *sentry.Span) {
	spanCtx, span := StartSpan(ctx, op, description)
	for k, v := range tags {
		span.SetTag(k, v)
	}
	return spanCtx, span
}

// FinishSpan sets the span status from err and finishes it.
func FinishSpan(span *sentry.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		span.SetData("error", err.Error())
	} else {
		span.Status = sentry.SpanStatusOK
	}
	span.Finish()
}

func CaptureException(ctx context.Context, err error) {
	if err == nil || !Enabled() {
		return
	}
	hubFromContext(ctx).CaptureException(err)
}

// CaptureWithTags reports err with extra tags on a cloned scope.
func CaptureWithTags(ctx context.Context, err error, tags map[string]string) {
	if err == nil || !Enabled() {
		return
	}
	hub := hubFromContext(ctx).Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
	})
	hub.CaptureException(err)
}

func AddBreadcrumb(ctx context.Context, category, message string, level sentry.Level) {
	if !Enabled() {
		return
	}
	hubFromContext(ctx).AddBreadcrumb(&sentry.Breadcrumb{
		Category:  category,
		Message:   message,
		Level:     level,
		Timestamp: time.Now(),
	}, nil)
}
