package httpsurface

import (
	"sync"

	"golang.org/x/time/rate"
)

// ipRateLimiters holds one token-bucket limiter per client IP (spec §6.2
// "a request rate limit is applied per IP per window").
type ipRateLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	burst    int
}

func newIPRateLimiters(r rate.Limit, burst int) *ipRateLimiters {
	return &ipRateLimiters{limiters: make(map[string]*rate.Limiter), r: r, burst: burst}
}

func (l *ipRateLimiters) allow(ip string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(l.r, l.burst)
		l.limiters[ip] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
