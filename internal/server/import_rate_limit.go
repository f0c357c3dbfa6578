package server

import (
	"context"
	"math"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/clinicpay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/clinicpay/internal/observability/metrics"
	"go.uber.org/zap"
)

// ImportUploadRateLimit throttles statement uploads per client address. It
// is a no-op when no Redis is configured.
func (s *Server) ImportUploadRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.importLimiter == nil || !s.importLimiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		endpoint := normalizeRateLimitEndpoint(c)

		result, err := s.importLimiter.AllowUpload(ctx, c.ClientIP())
		if err != nil {
			logger.FromContext(ctx).Warn("import upload rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		if !result.Allowed {
			logger.FromContext(ctx).Warn("import upload rate limit exceeded", zap.String("endpoint", endpoint))
			recordRateLimit(ctx, endpoint, false, s.obsMetrics)

			retry := int(math.Ceil(result.RetryAfter.Seconds()))
			if retry < 1 {
				retry = 1
			}
			c.Header("Retry-After", strconv.Itoa(retry))
			AbortWithError(c, ErrTooManyRequests)
			return
		}

		recordRateLimit(ctx, endpoint, true, s.obsMetrics)
		c.Next()
	}
}

func recordRateLimit(ctx context.Context, endpoint string, allowed bool, metrics *obsmetrics.Metrics) {
	if metrics == nil {
		return
	}
	metrics.RecordRateLimit(ctx, endpoint, allowed)
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
