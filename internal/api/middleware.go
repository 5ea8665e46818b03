package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/open-edge-platform/os-package-manager/internal/utils/logger"
	"github.com/open-edge-platform/os-package-manager/internal/utils/metrics"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

// RequestID reuses the caller's request ID or assigns a new one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// RequestLogger logs every request at debug level and failures at warn.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log := logger.Logger()
		status := c.Writer.Status()
		args := []interface{}{
			"request_id", c.GetString("request_id"),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration", time.Since(start),
			"client", c.ClientIP(),
		}
		if status >= http.StatusInternalServerError {
			log.Warnw("request failed", args...)
			return
		}
		log.Debugw("request served", args...)
	}
}

// RequestMetrics records request counts and latencies by route.
func RequestMetrics(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.RequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.RequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// limiterIdleTTL is how long a client may stay silent before its limiter is
// evicted.
const limiterIdleTTL = 10 * time.Minute

// RateLimit limits each client IP to rps requests per second with the given
// burst. A non-positive rps disables limiting.
func RateLimit(rps float64, burst int) gin.HandlerFunc {
	if rps <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	clients := newClientLimiters(rate.Limit(rps), burst, limiterIdleTTL, time.Now)

	return func(c *gin.Context) {
		if !clients.get(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiters hands out one limiter per client and sweeps clients idle
// for longer than ttl, at most once per ttl.
type clientLimiters struct {
	mu        sync.Mutex
	clients   map[string]*client
	limit     rate.Limit
	burst     int
	ttl       time.Duration
	now       func() time.Time
	lastSweep time.Time
}

func newClientLimiters(limit rate.Limit, burst int, ttl time.Duration, now func() time.Time) *clientLimiters {
	if burst < 1 {
		burst = 1
	}
	return &clientLimiters{
		clients:   make(map[string]*client),
		limit:     limit,
		burst:     burst,
		ttl:       ttl,
		now:       now,
		lastSweep: now(),
	}
}

func (l *clientLimiters) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) >= l.ttl {
		l.sweepLocked(now)
	}

	cl, ok := l.clients[ip]
	if !ok {
		cl = &client{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[ip] = cl
	}
	cl.lastSeen = now
	return cl.limiter
}

func (l *clientLimiters) sweepLocked(now time.Time) {
	for ip, cl := range l.clients {
		if now.Sub(cl.lastSeen) >= l.ttl {
			delete(l.clients, ip)
		}
	}
	l.lastSweep = now
}

func (l *clientLimiters) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// InFlight bounds the number of requests handled at once. Excess requests
// wait for a slot until their context ends.
func InFlight(limit int) gin.HandlerFunc {
	if limit < 1 {
		limit = 1
	}
	slots := semaphore.NewWeighted(int64(limit))

	return func(c *gin.Context) {
		if err := slots.Acquire(c.Request.Context(), 1); err != nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "server busy",
			})
			return
		}
		defer slots.Release(1)
		c.Next()
	}
}
