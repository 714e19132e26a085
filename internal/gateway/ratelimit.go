package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/taskboard/internal/auth"
	"github.com/basket/taskboard/internal/config"
	"github.com/basket/taskboard/internal/metrics"
	otelPkg "github.com/basket/taskboard/internal/otel"
)

// Limiter classes. Credential endpoints get their own, tighter budget so a
// password guesser cannot spend the API allowance and vice versa.
const (
	classAPI  = "api"
	classAuth = "auth"
)

// bucket is a token bucket. Tokens refill continuously at rate per second
// up to max.
type bucket struct {
	mu       sync.Mutex
	tokens   float64
	max      float64
	rate     float64
	refilled time.Time
	touched  time.Time
}

func newBucket(perMinute, burst int, now time.Time) *bucket {
	return &bucket{
		tokens:   float64(burst),
		max:      float64(burst),
		rate:     float64(perMinute) / 60,
		refilled: now,
		touched:  now,
	}
}

// take consumes a token. When none is available it reports how long until
// one will be.
func (b *bucket) take(now time.Time) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if elapsed := now.Sub(b.refilled).Seconds(); elapsed > 0 {
		b.tokens = math.Min(b.max, b.tokens+elapsed*b.rate)
	}
	b.refilled = now
	b.touched = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	if b.rate <= 0 {
		return false, time.Minute
	}
	return false, time.Duration((1 - b.tokens) / b.rate * float64(time.Second))
}

func (b *bucket) idleSince() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.touched
}

type limit struct {
	perMinute int
	burst     int
}

// RateLimiter throttles gateway requests per caller. Callers are keyed by
// bearer token when one is presented and by client address otherwise.
type RateLimiter struct {
	enabled bool
	limits  map[string]limit
	rejects metric.Int64Counter
	now     func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewRateLimiter builds a limiter from cfg. m is optional.
func NewRateLimiter(cfg config.RateLimitConfig, m *otelPkg.Metrics) *RateLimiter {
	api := limit{perMinute: cfg.RequestsPerMinute, burst: cfg.BurstSize}
	if api.perMinute <= 0 {
		api.perMinute = 60
	}
	if api.burst <= 0 {
		api.burst = 10
	}
	authLimit := limit{perMinute: cfg.AuthRequestsPerMinute}
	if authLimit.perMinute <= 0 {
		authLimit.perMinute = 10
	}
	authLimit.burst = min(authLimit.perMinute, api.burst)

	rl := &RateLimiter{
		enabled: cfg.Enabled,
		limits:  map[string]limit{classAPI: api, classAuth: authLimit},
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
	if m != nil {
		rl.rejects = m.RateLimitRejects
	}
	return rl
}

// StartEviction drops buckets idle for longer than maxAge every interval
// until ctx is done.
func (rl *RateLimiter) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.EvictStale(maxAge)
			}
		}
	}()
}

// EvictStale drops buckets idle for longer than maxAge and returns how many
// were dropped.
func (rl *RateLimiter) EvictStale(maxAge time.Duration) int {
	cutoff := rl.now().Add(-maxAge)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	evicted := 0
	for key, b := range rl.buckets {
		if b.idleSince().Before(cutoff) {
			delete(rl.buckets, key)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("rate limiter eviction", "evicted", evicted, "remaining", len(rl.buckets))
	}
	return evicted
}

// BucketCount returns the number of tracked callers across classes.
func (rl *RateLimiter) BucketCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// Allow charges one request for caller in class.
func (rl *RateLimiter) Allow(class, caller string) (bool, time.Duration) {
	lim, ok := rl.limits[class]
	if !ok {
		lim = rl.limits[classAPI]
	}
	key := class + "|" + caller
	now := rl.now()

	rl.mu.Lock()
	b, ok := rl.buckets[key]
	if !ok {
		b = newBucket(lim.perMinute, lim.burst, now)
		rl.buckets[key] = b
	}
	rl.mu.Unlock()

	return b.take(now)
}

func (rl *RateLimiter) Wrap(next http.Handler) http.Handler {
	if !rl.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isProbePath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		class := limiterClass(r.URL.Path)
		ok, wait := rl.Allow(class, callerKey(r))
		if !ok {
			metrics.RateLimited.WithLabelValues(class).Inc()
			if rl.rejects != nil {
				rl.rejects.Add(r.Context(), 1, metric.WithAttributes(attribute.String("class", class)))
			}
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func limiterClass(path string) string {
	switch path {
	case "/auth/login", "/auth/setup", "/auth/refresh":
		return classAuth
	}
	return classAPI
}

// callerKey identifies the caller. Tokens are hashed so the limiter never
// holds a usable credential.
func callerKey(r *http.Request) string {
	if tok := auth.BearerToken(r.Header.Get("Authorization")); tok != "" {
		sum := sha256.Sum256([]byte(tok))
		return "token:" + hex.EncodeToString(sum[:8])
	}
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return "addr:" + strings.ToLower(host)
}

// isProbePath reports whether path is a health or scrape endpoint that
// bypasses authentication and rate limiting.
func isProbePath(path string) bool {
	switch path {
	case "/healthz", "/health", "/metrics":
		return true
	}
	return false
}
