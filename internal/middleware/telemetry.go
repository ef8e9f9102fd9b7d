// Package middleware holds the gin middleware shared by the API routes.
package middleware

import (
	"fmt"

	"github.com/getsentry/sentry-go"
	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-gonic/gin"
)

// Telemetry attaches a Sentry hub to every request and reports handler panics.
func Telemetry() gin.HandlerFunc {
	return sentrygin.New(sentrygin.Options{
		Repanic: true,
	})
}

// HealthCheckTelemetry tags health probes so they can be filtered out of traces.
func HealthCheckTelemetry() gin.HandlerFunc {
	return func(c *gin.Context) {
		if hub := sentrygin.GetHubFromContext(c); hub != nil {
			hub.Scope().SetTag("transaction_type", "health_check")
		}
		c.Next()
	}
}

// RecordError reports err on the request's hub and marks the transaction failed.
func RecordError(c *gin.Context, err error, operation string) {
	hub := sentrygin.GetHubFromContext(c)
	if hub == nil {
		return
	}
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("operation", operation)
		hub.CaptureException(err)
	})
	if span := sentry.TransactionFromContext(c.Request.Context()); span != nil {
		span.Status = sentry.SpanStatusInternalError
	}
}

// Tag sets a scope tag on the request's hub.
func Tag(c *gin.Context, key string, value any) {
	if hub := sentrygin.GetHubFromContext(c); hub != nil {
		hub.Scope().SetTag(key, fmt.Sprint(value))
	}
}
