package httpapi

import (
	"sync"

	"golang.org/x/time/rate"
)

// limiterPool keeps one token bucket per caller for the chat endpoint.
type limiterPool struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	perMinute int
}

func newLimiterPool(perMinute int) *limiterPool {
	if perMinute <= 0 {
		perMinute = 20
	}
	return &limiterPool{
		limiters:  make(map[string]*rate.Limiter),
		perMinute: perMinute,
	}
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if limiter, ok := p.limiters[key]; ok {
		return limiter
	}
	limiter := rate.NewLimiter(rate.Limit(float64(p.perMinute)/60.0), p.perMinute)
	p.limiters[key] = limiter
	return limiter
}

func (p *limiterPool) Allow(key string) bool {
	return p.get(key).Allow()
}
