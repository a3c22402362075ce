package server

import (
	"bytes"
	"encoding/json"
	"io"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	obslogger "github.com/smallbiznis/meterledger/internal/observability/logger"
	"go.uber.org/zap"
)

const (
	// HeaderActor carries the caller identity set by the gateway in front of
	// the API ("system", "admin:<name>" or "user:<id>").
	HeaderActor          = "X-Actor"
	HeaderIdempotencyKey = "Idempotency-Key"
	contextActorKey      = "actor"
)

// ownerFunc extracts the ledger user a request acts on.
type ownerFunc func(c *gin.Context) string

func noOwner(*gin.Context) string { return "" }

func ownerFromPath(c *gin.Context) string { return strings.TrimSpace(c.Param("user_id")) }

func (s *Server) ActorContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := strings.TrimSpace(c.GetHeader(HeaderActor))
		if actor == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Set(contextActorKey, actor)
		c.Request = c.Request.WithContext(obslogger.WithActor(c.Request.Context(), actor))
		c.Next()
	}
}

func actorFrom(c *gin.Context) string {
	return c.GetString(contextActorKey)
}

func (s *Server) Authorize(object, action string, owner ownerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.authorize(c, object, action, owner(c)); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

func (s *Server) authorize(c *gin.Context, object, action, owner string) error {
	return s.authzSvc.Authorize(c.Request.Context(), actorFrom(c), owner, object, action)
}

type usageRateLimitKey struct {
	SubscriberID string `json:"subscriber_id"`
	ResourceID   string `json:"resource_id"`
}

// UsageRateLimit throttles usage recording per (subscriber, resource). The
// body is read ahead and restored for the handler.
func (s *Server) UsageRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.usageLimiter.Enabled() {
			c.Next()
			return
		}
		ctx := c.Request.Context()

		key, err := readUsageRateLimitKey(c)
		if err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
		if key.SubscriberID == "" || key.ResourceID == "" {
			// Let the handler report the validation error.
			c.Next()
			return
		}

		res, err := s.usageLimiter.Allow(ctx, key.SubscriberID, key.ResourceID)
		if err != nil {
			obslogger.WithContext(ctx, s.log).Warn("usage rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		if !res.Allowed {
			if seconds := int(res.RetryAfter.Seconds()); seconds > 0 {
				c.Header("Retry-After", strconv.Itoa(seconds))
			}
			obslogger.WithContext(ctx, s.log).Info("usage rate limited",
				zap.String("subscriber_id", key.SubscriberID),
				zap.String("resource_id", key.ResourceID),
			)
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}

func readUsageRateLimitKey(c *gin.Context) (usageRateLimitKey, error) {
	var key usageRateLimitKey
	if c.Request.Body == nil {
		return key, nil
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return key, err
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	if len(bytes.TrimSpace(body)) == 0 {
		return key, nil
	}
	if err := json.Unmarshal(body, &key); err != nil {
		return key, err
	}
	key.SubscriberID = strings.TrimSpace(key.SubscriberID)
	key.ResourceID = strings.TrimSpace(key.ResourceID)
	return key, nil
}
