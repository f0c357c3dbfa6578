package tracing

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/clinicpay/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// GinMiddleware instruments inbound HTTP requests.
func GinMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer("clinicpay/http")
	return func(c *gin.Context) {
		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))

		ctx, span := tracer.Start(ctx, "HTTP "+strings.ToUpper(c.Request.Method), trace.WithSpanKind(trace.SpanKindServer))

		requestID := obscontext.RequestIDFromContext(ctx)
		if requestID != "" {
			member, err := baggage.NewMember("request_id", requestID)
			if err == nil {
				bag, bagErr := baggage.New(member)
				if bagErr == nil {
					ctx = baggage.ContextWithBaggage(ctx, bag)
				}
			}
			span.SetAttributes(attribute.String("request_id", requestID))
		}

		c.Request = c.Request.WithContext(ctx)
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		span.SetName("HTTP " + strings.ToUpper(c.Request.Method) + " " + route)
		attrs := []attribute.KeyValue{
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", c.Writer.Status()),
			attribute.Int64("http.server_duration_ms", time.Since(start).Milliseconds()),
		}
		if key := resourceKey(route); key != "" {
			attrs = append(attrs, attribute.String(key, c.Param("id")))
		}

		status := c.Writer.Status()
		lastErr := c.Errors.Last()
		if lastErr != nil && status >= http.StatusBadRequest && status < http.StatusInternalServerError {
			// Domain rejections are sentinel codes such as allocation_exceeds_pending.
			attrs = append(attrs, attribute.String("clinicpay.error_code", errorCode(lastErr.Err)))
		}
		span.SetAttributes(SafeAttributes(attrs...)...)

		if status >= http.StatusInternalServerError {
			if lastErr != nil {
				if safeErr := SafeError(lastErr.Err); safeErr != nil {
					span.RecordError(safeErr)
				}
			}
			span.SetStatus(codes.Error, "request error")
		}
		span.End()
	}
}

// resourceKey names the entity addressed by a route's :id segment.
func resourceKey(route string) string {
	switch {
	case strings.Contains(route, "/payments/:id"):
		return "clinicpay.payment_id"
	case strings.Contains(route, "/patients/:id"):
		return "clinicpay.patient_id"
	case strings.Contains(route, "/batches/:id"):
		return "clinicpay.batch_id"
	case strings.Contains(route, "/transactions/:id"):
		return "clinicpay.transaction_id"
	default:
		return ""
	}
}

func errorCode(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			break
		}
		err = next
	}
	if err == nil {
		return ""
	}
	code := err.Error()
	if len(code) > 64 || strings.ContainsAny(code, " :") {
		return "other"
	}
	return code
}
