package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"eterlink/pkg/cache"
	"eterlink/pkg/config"
	apperrors "eterlink/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// limiterIdleTTL is how long a client's limiter survives without requests.
const limiterIdleTTL = 10 * time.Minute

// clientLimiters keeps one token bucket per client address. Entries expire
// once a client goes quiet.
type clientLimiters struct {
	mu       sync.Mutex
	limiters *cache.Cache[string, *rate.Limiter]
	limit    rate.Limit
	burst    int
	sinceGC  int
}

func newClientLimiters(limit rate.Limit, burst int) *clientLimiters {
	return &clientLimiters{
		limiters: cache.New[string, *rate.Limiter](limiterIdleTTL),
		limit:    limit,
		burst:    burst,
	}
}

func (s *clientLimiters) get(addr string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sinceGC++; s.sinceGC >= 1024 {
		s.sinceGC = 0
		s.limiters.Prune()
	}
	l, ok := s.limiters.Get(addr)
	if !ok {
		l = rate.NewLimiter(s.limit, s.burst)
	}
	s.limiters.Set(addr, l)
	return l
}

// clientIP prefers the first X-Forwarded-For hop and falls back to the
// connection's remote address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// NewHTTPRateLimitMiddleware limits requests per client address and caps the
// number served at once. Rejections carry Retry-After.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) { c.Next() }
	}

	limiters := newClientLimiters(rate.Limit(cfg.RateLimiting.HTTP.RequestsPerSecond), cfg.RateLimiting.HTTP.Burst)

	var inFlight chan struct{}
	if n := cfg.RateLimiting.HTTP.MaxConcurrent; n > 0 {
		inFlight = make(chan struct{}, n)
	}

	return func(c *gin.Context) {
		if inFlight != nil {
			select {
			case inFlight <- struct{}{}:
				defer func() { <-inFlight }()
			default:
				c.Header("Retry-After", "1")
				abortWithError(c, apperrors.NewServiceUnavailableError("too many concurrent requests"))
				return
			}
		}

		r := limiters.get(clientIP(c.Request)).Reserve()
		if !r.OK() || r.Delay() > 0 {
			wait := 1
			if r.OK() {
				wait = int(math.Ceil(r.Delay().Seconds()))
				r.Cancel()
			}
			c.Header("Retry-After", strconv.Itoa(wait))
			abortWithError(c, apperrors.NewRateLimitError())
			return
		}
		c.Next()
	}
}
