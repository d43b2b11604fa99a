// Package middleware holds the HTTP middleware shared by cycled routes.
package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"cycleswap/services/cycled/auth"
)

// RateLimit is a token bucket expressed per minute.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LimitedFunc renders a rejected request.
type LimitedFunc func(w http.ResponseWriter, r *http.Request)

// RateLimiter throttles each client per route group. Clients are keyed by the
// authenticated subject when present and by remote address otherwise.
type RateLimiter struct {
	logger    *slog.Logger
	limits    map[string]RateLimit
	onLimited LimitedFunc
	idleTTL   time.Duration

	mu       sync.Mutex
	visitors map[string]*visitor
	lastGC   time.Time
	clockNow func() time.Time
}

// NewRateLimiter constructs a limiter for the named route groups.
func NewRateLimiter(limits map[string]RateLimit, logger *slog.Logger, onLimited LimitedFunc) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if onLimited == nil {
		onLimited = func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}
	}
	return &RateLimiter{
		logger:    logger,
		limits:    limits,
		onLimited: onLimited,
		idleTTL:   5 * time.Minute,
		visitors:  make(map[string]*visitor),
		clockNow:  time.Now,
	}
}

// Middleware limits requests of the route group key. Unknown groups pass.
func (l *RateLimiter) Middleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limit, ok := l.limits[key]
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			client := clientID(r)
			if !l.limiter(key+"|"+client, limit).Allow() {
				l.logger.Warn("rate limited",
					slog.String("route", key),
					slog.String("correlation_id", CorrelationID(r.Context())))
				l.onLimited(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (l *RateLimiter) limiter(id string, cfg RateLimit) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clockNow()
	if now.Sub(l.lastGC) > l.idleTTL {
		for k, v := range l.visitors {
			if now.Sub(v.lastSeen) > l.idleTTL {
				delete(l.visitors, k)
			}
		}
		l.lastGC = now
	}
	if v, ok := l.visitors[id]; ok {
		v.lastSeen = now
		return v.limiter
	}
	perSecond := cfg.RequestsPerMinute / 60.0
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	v := &visitor{limiter: rate.NewLimiter(rate.Limit(perSecond), burst), lastSeen: now}
	l.visitors[id] = v
	return v.limiter
}

func (l *RateLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

func clientID(r *http.Request) string {
	if p, ok := auth.FromContext(r.Context()); ok && p.Subject != "" {
		return "sub:" + p.Subject
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
