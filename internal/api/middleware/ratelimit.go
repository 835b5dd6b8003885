package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/kmaus/dispatchq/internal/logger"
)

// bucket is a token bucket refilled continuously at rps tokens/second.
type bucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time
	lastSeen   time.Time
	mu         sync.Mutex
}

func newBucket(rps int) *bucket {
	return &bucket{
		tokens:     float64(rps),
		maxTokens:  float64(rps),
		refillRate: float64(rps),
		lastRefill: time.Now(),
		lastSeen:   time.Now(),
	}
}

func (b *bucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.tokens += now.Sub(b.lastRefill).Seconds() * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastRefill = now
	b.lastSeen = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// ClientRateLimit enforces a per-client request budget keyed by
// X-Forwarded-For or the remote address. Idle buckets are evicted.
func ClientRateLimit(rps int) func(next http.Handler) http.Handler {
	if rps <= 0 {
		rps = 100
	}

	var mu sync.Mutex
	buckets := make(map[string]*bucket)

	go func() {
		for range time.Tick(5 * time.Minute) {
			cutoff := time.Now().Add(-10 * time.Minute)
			mu.Lock()
			for id, b := range buckets {
				if b.lastSeen.Before(cutoff) {
					delete(buckets, id)
				}
			}
			mu.Unlock()
		}
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := r.Header.Get("X-Forwarded-For")
			if clientID == "" {
				clientID = r.RemoteAddr
			}

			mu.Lock()
			b, ok := buckets[clientID]
			if !ok {
				b = newBucket(rps)
				buckets[clientID] = b
			}
			mu.Unlock()

			if !b.allow() {
				logger.Warn().
					Str("client", clientID).
					Str("path", r.URL.Path).
					Msg("rate limit exceeded")

				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"Too Many Requests","message":"rate limit exceeded"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
