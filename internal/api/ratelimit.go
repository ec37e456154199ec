package api

import (
    "fmt"
    "net"
    "net/http"
    "os"
    "sync"
    "time"

    "golang.org/x/time/rate"
)

// Per-client token bucket limiter keyed by remote IP. Tuned via RATE_RPS and
// RATE_BURST; RATE_RPS=0 disables limiting.
type rateLimiter struct {
    mu      sync.Mutex
    clients map[string]*clientLimiter
    rps     rate.Limit
    burst   int
}

type clientLimiter struct {
    lim  *rate.Limiter
    seen time.Time
}

func newRateLimiter() *rateLimiter {
    rps := 50.0
    if v := os.Getenv("RATE_RPS"); v != "" { fmt.Sscanf(v, "%f", &rps) }
    burst := 100
    if v := os.Getenv("RATE_BURST"); v != "" { fmt.Sscanf(v, "%d", &burst) }
    rl := &rateLimiter{clients: map[string]*clientLimiter{}, rps: rate.Limit(rps), burst: burst}
    go rl.sweep()
    return rl
}

func (rl *rateLimiter) sweep() {
    for range time.Tick(time.Minute) {
        rl.mu.Lock()
        for k, c := range rl.clients {
            if time.Since(c.seen) > 3*time.Minute { delete(rl.clients, k) }
        }
        rl.mu.Unlock()
    }
}

func (rl *rateLimiter) allow(remoteAddr string) bool {
    host, _, err := net.SplitHostPort(remoteAddr)
    if err != nil { host = remoteAddr }
    rl.mu.Lock()
    defer rl.mu.Unlock()
    c, ok := rl.clients[host]
    if !ok {
        c = &clientLimiter{lim: rate.NewLimiter(rl.rps, rl.burst)}
        rl.clients[host] = c
    }
    c.seen = time.Now()
    return c.lim.Allow()
}

// RateLimitMiddleware rejects clients that exceed the per-IP budget.
func RateLimitMiddleware(next http.Handler) http.Handler {
    rl := newRateLimiter()
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        if rl.rps > 0 && !rl.allow(r.RemoteAddr) {
            writeProblem(w, http.StatusTooManyRequests, "Too Many Requests", "rate limit exceeded", r.URL.Path)
            return
        }
        next.ServeHTTP(w, r)
    })
}
