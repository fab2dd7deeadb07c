package shield

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimit is the rule for one endpoint.
type RateLimit struct {
	MaxRequests int
	Window      time.Duration
}

// DefaultLimits throttles the mutating routes only.
func DefaultLimits() map[string]RateLimit {
	return map[string]RateLimit{
		"PUT /api/settings":  {MaxRequests: 30, Window: time.Minute},
		"POST /api/refresh":  {MaxRequests: 30, Window: time.Minute},
		"POST /api/settings": {MaxRequests: 30, Window: time.Minute},
	}
}

type bucket struct {
	count   int
	resetAt time.Time
}

// RateLimiter is a per-IP, per-endpoint fixed-window limiter. Endpoints
// without a rule pass through.
type RateLimiter struct {
	rules  map[string]RateLimit
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
	lastGC  time.Time
}

// NewRateLimiter creates a limiter for rules keyed "METHOD /path".
func NewRateLimiter(rules map[string]RateLimit, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		rules:   rules,
		logger:  logger,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

func (rl *RateLimiter) allow(ip, endpoint string) (bool, time.Duration) {
	cfg, ok := rl.rules[endpoint]
	if !ok || cfg.MaxRequests <= 0 || cfg.Window <= 0 {
		return true, 0
	}
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if now.Sub(rl.lastGC) > 5*time.Minute {
		rl.gcLocked(now)
	}

	key := ip + ":" + endpoint
	b, ok := rl.buckets[key]
	if !ok || now.After(b.resetAt) {
		rl.buckets[key] = &bucket{count: 1, resetAt: now.Add(cfg.Window)}
		return true, 0
	}
	b.count++
	if b.count <= cfg.MaxRequests {
		return true, 0
	}
	return false, b.resetAt.Sub(now)
}

func (rl *RateLimiter) gcLocked(now time.Time) {
	for k, b := range rl.buckets {
		if now.After(b.resetAt) {
			delete(rl.buckets, k)
		}
	}
	rl.lastGC = now
}

// Middleware answers 429 with a JSON error once a client exceeds a rule.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.Method + " " + r.URL.Path
		ip := ExtractIP(r)

		ok, wait := rl.allow(ip, endpoint)
		if ok {
			next.ServeHTTP(w, r)
			return
		}

		rl.logger.Warn("shield: rate limit exceeded", "ip", ip, "endpoint", endpoint)
		secs := int(wait.Seconds() + 0.999)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "rate limit exceeded",
		})
	})
}

// ExtractIP returns the client IP from X-Forwarded-For or RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
