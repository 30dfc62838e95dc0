package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/lifeline/dispatch/internal/platform/auth"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL drops limiters for keys that have not been seen for this long.
	IdleTTL time.Duration
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 50,
		BurstSize:         100,
		IdleTTL:           10 * time.Minute,
	}
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type limiterStore struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	cfg     RateLimitConfig
	sweptAt time.Time
}

func newLimiterStore(cfg RateLimitConfig) *limiterStore {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	return &limiterStore{entries: make(map[string]*limiterEntry), cfg: cfg, sweptAt: time.Now()}
}

func (s *limiterStore) get(key string, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.sweptAt) > s.cfg.IdleTTL {
		for k, e := range s.entries {
			if now.Sub(e.lastSeen) > s.cfg.IdleTTL {
				delete(s.entries, k)
			}
		}
		s.sweptAt = now
	}

	e, ok := s.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(s.cfg.RequestsPerSecond), s.cfg.BurstSize)}
		s.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter
}

func (s *limiterStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// RateLimit limits requests per authenticated user, or per client IP for
// anonymous requests.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	store := newLimiterStore(cfg)
	limitHeader := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', 0, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := "ip:" + c.RealIP()
			if uid := auth.UserIDFromContext(c.Request().Context()); uid != "" {
				key = "user:" + uid
			}

			now := time.Now()
			limiter := store.get(key, now)
			c.Response().Header().Set("X-RateLimit-Limit", limitHeader)

			r := limiter.ReserveN(now, 1)
			if !r.OK() {
				c.Response().Header().Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			if delay := r.DelayFrom(now); delay > 0 {
				r.CancelAt(now)
				c.Response().Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
				c.Response().Header().Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}

			c.Response().Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(limiter.TokensAt(now))))
			return next(c)
		}
	}
}
