package store

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// minLimiterIdle is the shortest time a client's bucket is kept unused.
const minLimiterIdle = time.Minute

// limiterPool hands out one token bucket per client key. Buckets left idle
// long enough to have refilled are dropped; a new one starts full, so a
// returning client sees no difference.
type limiterPool struct {
	mu        sync.Mutex
	m         map[string]*clientLimiter
	rps       float64
	burst     int
	idle      time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type clientLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	idle := time.Duration(float64(burst) / rps * float64(time.Second))
	if idle < minLimiterIdle {
		idle = minLimiterIdle
	}
	return &limiterPool{
		m:     make(map[string]*clientLimiter),
		rps:   rps,
		burst: burst,
		idle:  idle,
		now:   time.Now,
	}
}

// Allow takes one token from key's bucket.
func (p *limiterPool) Allow(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if now.Sub(p.lastSweep) >= p.idle {
		p.sweep(now)
	}
	cl, ok := p.m[key]
	if !ok {
		cl = &clientLimiter{lim: rate.NewLimiter(rate.Limit(p.rps), p.burst)}
		p.m[key] = cl
	}
	cl.lastSeen = now
	return cl.lim.AllowN(now, 1)
}

// sweep drops buckets unused for the idle period. Callers hold mu.
func (p *limiterPool) sweep(now time.Time) {
	for key, cl := range p.m {
		if now.Sub(cl.lastSeen) >= p.idle {
			delete(p.m, key)
		}
	}
	p.lastSweep = now
}

func (p *limiterPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}
