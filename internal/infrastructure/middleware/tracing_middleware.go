package middleware

import (
	"net/http"
	"strings"
	"time"

	rlog "eterlink/pkg/logger"
	"eterlink/pkg/tracing"
	"eterlink/pkg/utils"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// TracingMiddleware opens a span per relay request, assigns a request id and
// puts the trace and peer ids on the request context for ContextLogger.
func TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := tracing.TraceHTTPRequest(c.Request.Context(), c.Request.Method, route)
		defer span.End()

		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = utils.GenerateRequestID()
		}
		c.Header(requestIDHeader, requestID)

		upgrade := strings.EqualFold(c.GetHeader("Upgrade"), "websocket")
		span.SetAttributes(
			attribute.String("http.request_id", requestID),
			attribute.String("http.remote_addr", c.ClientIP()),
			attribute.Bool("relay.websocket", upgrade),
		)

		if sc := span.SpanContext(); sc.HasTraceID() {
			ctx = rlog.WithTraceID(ctx, sc.TraceID().String())
		}
		if peer := peerParam(c); peer != "" {
			span.SetAttributes(tracing.PeerIDKey.String(peer))
			ctx = rlog.WithPeerID(ctx, peer)
		}
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(
			attribute.Int("http.status_code", status),
			attribute.Int64("http.duration_ms", time.Since(start).Milliseconds()),
		)
		if len(c.Errors) > 0 {
			appErr := toAppError(c, c.Errors.Last().Err)
			span.SetAttributes(attribute.String("relay.error_code", string(appErr.Code)))
			span.RecordError(c.Errors.Last().Err)
		}
		// Client mistakes leave the span unset; only server faults are errors.
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, c.Errors.String())
		}
	}
}
