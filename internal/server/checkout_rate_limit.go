package server

import (
	"math"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/pixwatch/pkg/log/ctxlogger"
	"go.uber.org/zap"
)

const rateLimitReasonClientRate = "client-rate"

// CheckoutRateLimit throttles checkout submissions per client address.
func (s *Server) CheckoutRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.guard == nil || !s.guard.CheckoutLimited() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		result, err := s.guard.AllowCheckout(ctx, c.ClientIP())
		if err != nil {
			ctxlogger.FromContext(ctx).Warn("checkout rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if result == nil || result.Allowed {
			c.Next()
			return
		}

		ctxlogger.FromContext(ctx).Warn("checkout rate limit exceeded",
			zap.String("reason", rateLimitReasonClientRate),
			zap.String("client_ip", c.ClientIP()),
		)
		c.Header("Retry-After", retryAfterSeconds(result.RetryAfter.Seconds()))
		c.Header("X-Rate-Limited-Reason", rateLimitReasonClientRate)
		AbortWithError(c, ErrRateLimited)
	}
}

func retryAfterSeconds(seconds float64) string {
	secs := int(math.Ceil(seconds))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
