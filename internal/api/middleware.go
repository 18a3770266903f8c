package api

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerSecond float64
	Burst             int
}

const (
	defaultRequestsPerSecond = 10.0
	defaultBurst             = 20
	visitorIdleTimeout       = 10 * time.Minute
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitMiddleware limits requests per client IP. Scrapers hitting
// /metrics stay well under the defaults.
type RateLimitMiddleware struct {
	enabled  bool
	limit    rate.Limit
	burst    int
	mu       sync.Mutex
	visitors map[string]*visitor
	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimitMiddleware creates the middleware; when enabled it starts a
// goroutine that forgets idle clients until Stop is called.
func NewRateLimitMiddleware(config RateLimitConfig) *RateLimitMiddleware {
	rl := &RateLimitMiddleware{enabled: config.Enabled}
	if !rl.enabled {
		return rl
	}

	rl.limit = rate.Limit(config.RequestsPerSecond)
	if config.RequestsPerSecond <= 0 {
		rl.limit = defaultRequestsPerSecond
	}
	rl.burst = config.Burst
	if rl.burst <= 0 {
		rl.burst = defaultBurst
	}
	rl.visitors = make(map[string]*visitor)
	rl.stop = make(chan struct{})

	go rl.evictIdle(visitorIdleTimeout)
	return rl
}

// Stop ends the eviction goroutine
func (rl *RateLimitMiddleware) Stop() {
	if !rl.enabled {
		return
	}
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RateLimitMiddleware) evictIdle(idle time.Duration) {
	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case now := <-ticker.C:
			rl.mu.Lock()
			for ip, v := range rl.visitors {
				if now.Sub(v.lastSeen) > idle {
					delete(rl.visitors, ip)
				}
			}
			rl.mu.Unlock()
		}
	}
}

func (rl *RateLimitMiddleware) allow(ip string) bool {
	rl.mu.Lock()
	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	rl.mu.Unlock()

	return v.limiter.Allow()
}

// Limit rejects requests over the client's budget with 429
func (rl *RateLimitMiddleware) Limit(next http.Handler) http.Handler {
	if !rl.enabled {
		return next
	}
	retryAfter := strconv.Itoa(int(1/float64(rl.limit)) + 1)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !rl.allow(ip) {
			w.Header().Set("Retry-After", retryAfter)
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LoggingMiddleware logs each request at debug level
func (s *Server) LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
			"status", rec.status,
			"duration", time.Since(start))
	})
}

// statusRecorder remembers the status code written by a handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}
