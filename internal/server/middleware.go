package server

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/reelshelf/internal/auth"
	"github.com/MarcoPoloResearchLab/reelshelf/internal/favorites"
)

const maxRequestIDLength = 128

// tagRequest assigns a request id and writes one access log line per request.
func (h *httpHandler) tagRequest(c *gin.Context) {
	requestID := strings.TrimSpace(c.GetHeader(requestIDHeader))
	if requestID == "" || len(requestID) > maxRequestIDLength {
		requestID = uuid.NewString()
	}
	c.Set(requestIDContextKey, requestID)
	c.Header(requestIDHeader, requestID)

	started := time.Now()
	c.Next()

	fields := []zap.Field{
		zap.String("method", c.Request.Method),
		zap.String("route", c.FullPath()),
		zap.Int("status", c.Writer.Status()),
		zap.Duration("latency", time.Since(started)),
		zap.String("request_id", requestID),
	}
	if ownerID, ok := ownerFromContext(c); ok {
		fields = append(fields, zap.String("owner_id", ownerID.String()))
	}
	h.logger.Info("http request", fields...)
}

func (h *httpHandler) requireClaims(c *gin.Context) {
	claims, err := h.claims.ReadRequest(c.Request)
	if err != nil {
		h.logger.Warn("request claims rejected", zap.Error(err), zap.String("request_id", c.GetString(requestIDContextKey)))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	ownerID, err := favorites.NewOwnerID(claims.Subject)
	if err != nil {
		h.logger.Warn("request subject rejected", zap.Error(err), zap.String("request_id", c.GetString(requestIDContextKey)))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(claimsContextKey, &claims)
	c.Set(ownerIDContextKey, ownerID)
	c.Next()
}

// requireScopes rejects the request unless the claims carry every scope in required.
func requireScopes(logger *zap.Logger, required ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var claims *auth.Claims
		if value, ok := c.Get(claimsContextKey); ok {
			claims, _ = value.(*auth.Claims)
		}
		decision := auth.Authorize(claims, required...)
		if !decision.Allowed {
			logger.Warn("scope check denied",
				zap.Strings("missing", decision.Missing),
				zap.String("request_id", c.GetString(requestIDContextKey)))
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden", "details": decision.Missing})
			return
		}
		c.Next()
	}
}

func (h *httpHandler) limitWrites(c *gin.Context) {
	if h.writeLimiter == nil {
		c.Next()
		return
	}
	ownerID, ok := ownerFromContext(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	allowed, retryAfter := h.writeLimiter.Reserve(ownerID.String())
	if !allowed {
		seconds := int(math.Ceil(retryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		c.Header("Retry-After", strconv.Itoa(seconds))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
		return
	}
	c.Next()
}

func ownerFromContext(c *gin.Context) (favorites.OwnerID, bool) {
	value, ok := c.Get(ownerIDContextKey)
	if !ok {
		return "", false
	}
	ownerID, ok := value.(favorites.OwnerID)
	return ownerID, ok && ownerID != ""
}
