// Package ratelimit implements the two admission gates: a per-IP limit on
// WebSocket upgrades and a per-user token bucket on message sends.
package ratelimit

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"github.com/parlorhq/parlor/internal/v1/logging"
	"github.com/parlorhq/parlor/internal/v1/metrics"
)

// ConnLimiter gates WebSocket upgrade attempts by client IP. It runs before
// authentication so credential-stuffing traffic is shed cheaply.
type ConnLimiter struct {
	wsIP *limiter.Limiter
}

// NewConnLimiter parses a rate in limiter's formatted notation, e.g.
// "100-M" for 100 connections per IP per minute.
func NewConnLimiter(formatted string) (*ConnLimiter, error) {
	rate, err := limiter.NewRateFromFormatted(formatted)
	if err != nil {
		return nil, err
	}
	return &ConnLimiter{
		wsIP: limiter.New(memory.NewStore(), rate),
	}, nil
}

// CheckWebSocket reports whether the upgrade may proceed. On rejection it
// writes the 429 response itself. Store errors fail open.
func (cl *ConnLimiter) CheckWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()

	ip := c.ClientIP()
	ipContext, err := cl.wsIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "WS rate limiter store failed", zap.Error(err))
		return true // Fail open
	}

	if ipContext.Reached {
		metrics.ConnectionRejections.Inc()
		c.Header("X-RateLimit-Retry-After", strconv.FormatInt(ipContext.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many connections from this IP"})
		return false
	}

	return true
}
