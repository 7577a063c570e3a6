package exposition

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// RateLimiterMiddleware applies per-client rate limiting to the scrape
// endpoint, protecting the aggregator from misconfigured scrapers.
type RateLimiterMiddleware struct {
	logger  zerolog.Logger
	clients map[string]*rateLimiterEntry
	mu      sync.Mutex
	rate    rate.Limit
	burst   int
	enabled bool
	done    chan struct{}
}

// rateLimiterEntry tracks a rate limiter and its last access time
type rateLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewRateLimiter creates a new rate limiting middleware.
func NewRateLimiter(logger zerolog.Logger, enabled bool, r float64, b int) *RateLimiterMiddleware {
	rl := &RateLimiterMiddleware{
		logger:  logger,
		clients: make(map[string]*rateLimiterEntry),
		rate:    rate.Limit(r),
		burst:   b,
		enabled: enabled,
		done:    make(chan struct{}),
	}
	if enabled {
		go rl.cleanupStaleClients()
	}
	return rl
}

// Stop terminates the background cleanup goroutine.
func (rl *RateLimiterMiddleware) Stop() {
	if rl.enabled {
		close(rl.done)
	}
}

// getClientLimiter retrieves or creates a rate limiter for a given IP address.
func (rl *RateLimiterMiddleware) getClientLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, exists := rl.clients[ip]
	if !exists {
		entry = &rateLimiterEntry{
			limiter:    rate.NewLimiter(rl.rate, rl.burst),
			lastAccess: time.Now(),
		}
		rl.clients[ip] = entry
	} else {
		entry.lastAccess = time.Now()
	}
	return entry.limiter
}

// cleanupStaleClients drops limiters for clients that stopped scraping so
// the table does not grow without bound.
func (rl *RateLimiterMiddleware) cleanupStaleClients() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
		}
		rl.mu.Lock()
		now := time.Now()
		staleThreshold := 30 * time.Minute
		removed := 0

		for ip, entry := range rl.clients {
			if now.Sub(entry.lastAccess) > staleThreshold {
				delete(rl.clients, ip)
				removed++
			}
		}

		if removed > 0 {
			rl.logger.Debug().Int("removed", removed).Int("remaining", len(rl.clients)).Msg("Cleaned up stale rate limiters")
		}
		rl.mu.Unlock()
	}
}

// Middleware is the actual middleware handler.
func (rl *RateLimiterMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.enabled {
			next.ServeHTTP(w, r)
			return
		}

		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}

		limiter := rl.getClientLimiter(ip)
		if !limiter.Allow() {
			rl.logger.Warn().Str("ip", ip).Msg("Scrape rate limit exceeded")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}
