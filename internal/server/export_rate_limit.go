package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/conversa/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/conversa/internal/observability/metrics"
	"go.uber.org/zap"
)

const rateLimitReasonStartRate = "export-start-rate"

type exportStartRateLimitKey struct {
	LocationID string `json:"location_id"`
}

// ExportStartRateLimit throttles export creation per location. The
// location is peeked from the request body so the handler can still
// bind it afterwards.
func (s *Server) ExportStartRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.exportLimiter == nil || !s.exportLimiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		endpoint := normalizeRateLimitEndpoint(c)

		locationID, err := readExportStartKey(c)
		if err != nil {
			logger.FromContext(ctx).Warn("export start rate limit read body failed", zap.Error(err))
			AbortWithError(c, invalidRequestError())
			return
		}
		if locationID == "" {
			c.Next()
			return
		}

		allowed, err := s.exportLimiter.AllowStart(ctx, locationID)
		if err != nil {
			logger.FromContext(ctx).Warn("export start rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !allowed {
			denyExportStart(c, endpoint, locationID, s.obsMetrics)
			return
		}

		recordRateLimitAllowed(ctx, endpoint, locationID, s.obsMetrics)
		c.Next()
	}
}

func denyExportStart(c *gin.Context, endpoint, locationID string, metrics *obsmetrics.Metrics) {
	ctx := c.Request.Context()
	logger.FromContext(ctx).Warn("export start rate limit exceeded",
		zap.String("endpoint", endpoint),
		zap.String("location_id", locationID),
	)
	recordRateLimitDenied(ctx, endpoint, locationID, rateLimitReasonStartRate, metrics)

	c.Header("Retry-After", "1")
	c.Header("X-Rate-Limited-Reason", rateLimitReasonStartRate)
	AbortWithError(c, ErrRateLimited)
}

func recordRateLimitAllowed(ctx context.Context, endpoint, locationID string, metrics *obsmetrics.Metrics) {
	if metrics == nil {
		return
	}
	metrics.RecordRateLimitAllowed(ctx, locationID, endpoint)
}

func recordRateLimitDenied(ctx context.Context, endpoint, locationID, reason string, metrics *obsmetrics.Metrics) {
	if metrics == nil {
		return
	}
	metrics.RecordRateLimitDenied(ctx, locationID, endpoint, reason)
}

func readExportStartKey(c *gin.Context) (string, error) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return "", err
	}
	c.Request.Body = io.NopCloser(bytes.NewBuffer(body))
	if len(body) == 0 {
		return "", nil
	}

	var payload exportStartRateLimitKey
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", nil
	}

	return strings.TrimSpace(payload.LocationID), nil
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
