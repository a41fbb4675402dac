package middleware

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// bucket is the token state of one client
type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// RateLimiter is a per-client token bucket refilled at rate tokens per minute.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*bucket
	rate    float64 // tokens per second
	burst   float64
	idle    time.Duration
	now     func() time.Time
}

// NewRateLimiter creates a limiter allowing perMinute requests per minute with bursts
// of up to burst. Idle clients are forgotten until ctx is done.
func NewRateLimiter(ctx context.Context, perMinute, burst int) *RateLimiter {
	rl := &RateLimiter{
		clients: make(map[string]*bucket),
		rate:    float64(perMinute) / 60,
		burst:   float64(burst),
		idle:    time.Hour,
		now:     time.Now,
	}
	go rl.cleanup(ctx, 10*time.Minute)
	return rl
}

// Allow takes one token for clientID and reports whether one was available. When it
// was not, wait is the time until the next token.
func (rl *RateLimiter) Allow(clientID string) (ok bool, wait time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, exists := rl.clients[clientID]
	if !exists {
		b = &bucket{tokens: rl.burst, lastSeen: now}
		rl.clients[clientID] = b
	}
	b.tokens = math.Min(b.tokens+now.Sub(b.lastSeen).Seconds()*rl.rate, rl.burst)
	b.lastSeen = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	return false, time.Duration((1 - b.tokens) / rl.rate * float64(time.Second))
}

func (rl *RateLimiter) cleanup(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.evictIdle()
		}
	}
}

func (rl *RateLimiter) evictIdle() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	n := 0
	for id, b := range rl.clients {
		if now.Sub(b.lastSeen) > rl.idle {
			delete(rl.clients, id)
			n++
		}
	}
	return n
}

// RateLimitMiddleware rejects clients (by IP) that exceed the limiter.
func RateLimitMiddleware(limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, wait := limiter.Allow(c.ClientIP())
		if !ok {
			rateLimited.Inc()
			retry := int(math.Ceil(wait.Seconds()))
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": strconv.Itoa(retry) + "s",
			})
			return
		}
		c.Next()
	}
}
