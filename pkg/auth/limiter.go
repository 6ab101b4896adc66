package auth

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterPool keyes token-bucket limiters by caller identity (bearer token if
// present, remote IP otherwise). Entries idle past the TTL are evicted by a
// background sweep.
type limiterPool struct {
	mu    sync.Mutex
	items map[string]*poolEntry
	rps   rate.Limit
	burst int
	ttl   time.Duration
}

type poolEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

func newLimiterPool(rps float64, burst int, ttl time.Duration) *limiterPool {
	p := &limiterPool{
		items: map[string]*poolEntry{},
		rps:   rate.Limit(rps),
		burst: burst,
		ttl:   ttl,
	}
	go p.sweep()
	return p
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.items[key]
	if !ok {
		e = &poolEntry{lim: rate.NewLimiter(p.rps, p.burst)}
		p.items[key] = e
	}
	e.seen = time.Now()
	return e.lim
}

func (p *limiterPool) sweep() {
	t := time.NewTicker(p.ttl)
	defer t.Stop()
	for range t.C {
		cutoff := time.Now().Add(-p.ttl)
		p.mu.Lock()
		for k, e := range p.items {
			if e.seen.Before(cutoff) {
				delete(p.items, k)
			}
		}
		p.mu.Unlock()
	}
}

// callerKey identifies the caller for rate limiting purposes.
func callerKey(r *http.Request) string {
	if tok := bearerToken(r); tok != "" {
		return "tok:" + tok
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}
