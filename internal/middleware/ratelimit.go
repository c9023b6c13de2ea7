package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// IPLimiter hands out one token bucket per client IP.
type IPLimiter struct {
	mu       sync.Mutex
	qps      rate.Limit
	burst    int
	idleTTL  time.Duration
	limiters map[string]*ipEntry
	lastGC   time.Time
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewIPLimiter(qps float64, burst int) *IPLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &IPLimiter{
		qps:      rate.Limit(qps),
		burst:    burst,
		idleTTL:  10 * time.Minute,
		limiters: make(map[string]*ipEntry),
		lastGC:   time.Now(),
	}
}

func (l *IPLimiter) Allow(ip string) bool {
	l.mu.Lock()
	now := time.Now()
	e, ok := l.limiters[ip]
	if !ok {
		e = &ipEntry{limiter: rate.NewLimiter(l.qps, l.burst)}
		l.limiters[ip] = e
	}
	e.lastSeen = now
	if now.Sub(l.lastGC) > l.idleTTL {
		// 清理长时间不活跃的 IP，防止 map 无限增长
		for k, v := range l.limiters {
			if now.Sub(v.lastSeen) > l.idleTTL {
				delete(l.limiters, k)
			}
		}
		l.lastGC = now
	}
	l.mu.Unlock()
	return e.limiter.Allow()
}

// RateLimitMiddleware rejects a client that exceeds its bucket. A nil limiter
// or non-positive qps disables limiting.
func RateLimitMiddleware(l *IPLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if l == nil || l.qps <= 0 {
			c.Next()
			return
		}
		if !l.Allow(c.ClientIP()) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"code":        "RATE_LIMITED",
				"message":     "rate limit exceeded",
				"retry_after": "1s",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
