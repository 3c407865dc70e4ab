package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Returns {count, pttl} for the caller's current window.
var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {count, ttl}
`)

// RateLimiter caps uploads per actor in fixed windows shared through Redis,
// so every server instance enforces the same budget.
type RateLimiter struct {
	Client redis.UniversalClient
	Limit  int
	Window time.Duration
	Prefix string
	Now    func() time.Time
}

type RateDecision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

func (l *RateLimiter) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Allow counts one request for key against the current window.
func (l *RateLimiter) Allow(ctx context.Context, key string) (RateDecision, error) {
	if l.Client == nil {
		return RateDecision{}, fmt.Errorf("redis client is nil")
	}
	window := l.Window
	if window <= 0 {
		window = time.Minute
	}
	if l.Limit <= 0 {
		return RateDecision{Allowed: true}, nil
	}
	if key == "" {
		key = "anonymous"
	}
	prefix := l.Prefix
	if prefix == "" {
		prefix = "sitesync:rl"
	}
	slot := l.now().UnixMilli() / window.Milliseconds()
	storeKey := fmt.Sprintf("%s:%s:%d", prefix, key, slot)

	raw, err := fixedWindowScript.Run(ctx, l.Client, []string{storeKey}, window.Milliseconds()).Result()
	if err != nil {
		return RateDecision{}, err
	}
	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return RateDecision{}, fmt.Errorf("unexpected redis script response %T", raw)
	}
	count, ok1 := values[0].(int64)
	ttl, ok2 := values[1].(int64)
	if !ok1 || !ok2 {
		return RateDecision{}, fmt.Errorf("unexpected redis script values %v", values)
	}
	if ttl <= 0 {
		ttl = window.Milliseconds()
	}
	d := RateDecision{
		Allowed:    count <= int64(l.Limit),
		Remaining:  max(l.Limit-int(count), 0),
		RetryAfter: time.Duration(ttl) * time.Millisecond,
	}
	return d, nil
}

// newRateLimitMiddleware limits upload routes per authenticated actor. Redis
// failures let the request through.
func newRateLimitMiddleware(basePath string, l *RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	limited := []string{path.Join(basePath, "sync") + "/", path.Join(basePath, "attendance") + "/"}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.Method != http.MethodPost || !hasAnyPrefix(req.URL.Path, limited) {
				next.ServeHTTP(w, req)
				return
			}
			p, _ := principalFromContext(req.Context())
			d, err := l.Allow(req.Context(), p.ActorID)
			if err != nil {
				logger.Warn("rate limiter unavailable", "err", err)
				next.ServeHTTP(w, req)
				return
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				secs := int((d.RetryAfter + time.Second - 1) / time.Second)
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				respondStatusError(w, newAPIError(http.StatusTooManyRequests, "rate_limited", "too many uploads, retry later",
					map[string]any{"retry_after_seconds": secs}))
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
