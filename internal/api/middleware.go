package api

import (
    "bufio"
    "fmt"
    "log/slog"
    "net"
    "net/http"
    "strconv"
    "strings"
    "sync"
    "time"

    "golang.org/x/time/rate"

    "lastmile/internal/metrics"
)

const limiterIdle = 10 * time.Minute

// rateLimiter keeps one token bucket per client address. rps <= 0 disables limiting.
type rateLimiter struct {
    mu      sync.Mutex
    rps     rate.Limit
    burst   int
    clients map[string]*client
    now     func() time.Time
}

type client struct {
    lim  *rate.Limiter
    seen time.Time
}

func newRateLimiter(rps float64, burst int) *rateLimiter {
    if burst <= 0 {
        burst = 1
    }
    return &rateLimiter{rps: rate.Limit(rps), burst: burst, clients: map[string]*client{}, now: time.Now}
}

func (l *rateLimiter) allow(key string) bool {
    l.mu.Lock()
    defer l.mu.Unlock()
    now := l.now()
    c, ok := l.clients[key]
    if !ok {
        c = &client{lim: rate.NewLimiter(l.rps, l.burst)}
        l.clients[key] = c
    }
    c.seen = now
    if len(l.clients) > 1024 {
        for k, v := range l.clients {
            if now.Sub(v.seen) > limiterIdle {
                delete(l.clients, k)
            }
        }
    }
    return c.lim.AllowN(now, 1)
}

func (l *rateLimiter) middleware(next http.Handler) http.Handler {
    if l.rps <= 0 {
        return next
    }
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        switch r.URL.Path {
        case "/healthz", "/readyz", "/metrics":
            next.ServeHTTP(w, r)
            return
        }
        if !l.allow(clientKey(r)) {
            w.Header().Set("Retry-After", strconv.Itoa(int(max(1, 1/float64(l.rps)))))
            writeProblem(w, http.StatusTooManyRequests, "Too Many Requests", "rate limit exceeded", r.URL.Path)
            return
        }
        next.ServeHTTP(w, r)
    })
}

func clientKey(r *http.Request) string {
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

type statusRecorder struct {
    http.ResponseWriter
    status int
}

func (s *statusRecorder) WriteHeader(code int) {
    s.status = code
    s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// Hijack is needed by the websocket upgrader.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
    h, ok := s.ResponseWriter.(http.Hijacker)
    if !ok {
        return nil, nil, fmt.Errorf("response writer does not support hijacking")
    }
    s.status = http.StatusSwitchingProtocols
    return h.Hijack()
}

// instrument records request counts and latency by route pattern and writes the access log.
func instrument(log *slog.Logger, next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        start := time.Now()
        rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
        next.ServeHTTP(rec, r)
        path := r.Pattern
        if path == "" {
            path = "unmatched"
        }
        status := strconv.Itoa(rec.status)
        metrics.HTTPRequests.WithLabelValues(r.Method, path, status).Inc()
        dur := time.Since(start)
        metrics.HTTPDuration.WithLabelValues(r.Method, path, status).Observe(dur.Seconds())
        log.Info("http request", slog.String("remote", r.RemoteAddr), slog.String("method", r.Method),
            slog.String("path", r.URL.Path), slog.Int("status", rec.status), slog.Duration("duration", dur))
    })
}
