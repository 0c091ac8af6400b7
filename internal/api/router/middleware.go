package router

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cuongbtq/recipe-be/internal/api/handler"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

// LoggerMiddleware logs HTTP requests with slog
func LoggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		// Process request
		c.Next()

		// Calculate latency
		latency := time.Since(start)

		// Log request details
		logger.Info("HTTP Request",
			slog.Int("status", c.Writer.Status()),
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.String("ip", c.ClientIP()),
			slog.String("user_agent", c.Request.UserAgent()),
			slog.Duration("latency", latency),
			slog.Int("body_size", c.Writer.Size()),
		)

		// Log errors if any
		if len(c.Errors) > 0 {
			for _, e := range c.Errors {
				logger.Error("Request error",
					slog.String("error", e.Error()),
					slog.Uint64("type", uint64(e.Type)),
				)
			}
		}
	}
}

// CORSMiddleware handles Cross-Origin Resource Sharing. Only origins on the
// allow-list are echoed back; everyone else sees the default origin.
func CORSMiddleware(origins *handler.OriginPolicy) gin.HandlerFunc {
	return func(c *gin.Context) {
		if origin := origins.AllowedOrigin(c.GetHeader("Origin")); origin != "" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Add("Vary", "Origin")
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// ShutdownMiddleware turns away new requests once shutdown has begun
func ShutdownMiddleware(state handler.StateReporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if state != nil && state.IsShuttingDown() {
			c.Header("Connection", "close")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "server is shutting down",
			})
			return
		}
		c.Next()
	}
}

// AuthMiddleware verifies an HS256 bearer token and stores its subject as the
// user id
func AuthMiddleware(settings handler.AuthSettings, logger *slog.Logger) gin.HandlerFunc {
	return tokenAuth(settings, logger, bearerToken)
}

// StreamAuthMiddleware authenticates event streams. EventSource cannot set
// headers, so the token may also come in the access_token query parameter.
// The token subject must match the :userId path parameter.
func StreamAuthMiddleware(settings handler.AuthSettings, logger *slog.Logger) gin.HandlerFunc {
	authenticate := tokenAuth(settings, logger, func(c *gin.Context) string {
		if token := c.Query("access_token"); token != "" {
			return token
		}
		return bearerToken(c)
	})

	return func(c *gin.Context) {
		authenticate(c)
		if c.IsAborted() {
			return
		}
		if c.GetString(handler.ContextKeyUserID) != c.Param("userId") {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "token does not match the requested user",
			})
		}
	}
}

func bearerToken(c *gin.Context) string {
	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	return token
}

// tokenAuth validates the HS256 token returned by extract and stores its
// subject under handler.ContextKeyUserID. It does not call c.Next.
func tokenAuth(settings handler.AuthSettings, logger *slog.Logger, extract func(*gin.Context) string) gin.HandlerFunc {
	secret := []byte(settings.JWTSecret)

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if settings.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(settings.Issuer))
	}
	parser := jwt.NewParser(opts...)

	return func(c *gin.Context) {
		tokenString := extract(c)
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing bearer token",
			})
			return
		}

		claims := &jwt.RegisteredClaims{}
		_, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
			return secret, nil
		})
		if err != nil {
			logger.Warn("Rejected bearer token",
				slog.String("ip", c.ClientIP()),
				slog.Bool("expired", errors.Is(err, jwt.ErrTokenExpired)),
				slog.String("error", err.Error()),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid token",
			})
			return
		}

		if claims.Subject == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "token has no subject",
			})
			return
		}

		c.Set(handler.ContextKeyUserID, claims.Subject)
	}
}

// userLimiters hands out one token bucket per user and forgets users idle for
// longer than ttl
type userLimiters struct {
	mu        sync.Mutex
	limiters  map[string]*userLimiter
	limit     rate.Limit
	burst     int
	ttl       time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newUserLimiters(settings handler.RateLimitSettings) *userLimiters {
	burst := settings.Burst
	if burst <= 0 {
		burst = 1
	}
	ttl := settings.IdleTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	return &userLimiters{
		limiters: make(map[string]*userLimiter),
		limit:    rate.Limit(float64(settings.RequestsPerMinute) / 60),
		burst:    burst,
		ttl:      ttl,
		now:      time.Now,
	}
}

func (l *userLimiters) allow(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > l.ttl {
		for id, ul := range l.limiters {
			if now.Sub(ul.lastSeen) > l.ttl {
				delete(l.limiters, id)
			}
		}
		l.lastSweep = now
	}

	ul, ok := l.limiters[userID]
	if !ok {
		ul = &userLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[userID] = ul
	}
	ul.lastSeen = now

	return ul.limiter.AllowN(now, 1)
}

func (l *userLimiters) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// RateLimitMiddleware bounds requests per authenticated user. It must run
// after AuthMiddleware.
func RateLimitMiddleware(settings handler.RateLimitSettings) gin.HandlerFunc {
	return rateLimit(newUserLimiters(settings))
}

func rateLimit(limiters *userLimiters) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(handler.ContextKeyUserID)
		if userID == "" {
			userID = c.ClientIP()
		}

		if !limiters.allow(userID) {
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "too many requests",
			})
			return
		}
		c.Next()
	}
}
