package webhook

import (
	"sync"
	"time"
)

// RateLimiter implements per-IP rate limiting with a sliding window
type RateLimiter struct {
	limits      map[string][]time.Time
	max         int
	window      time.Duration
	mu          sync.Mutex
	stopCleanup chan struct{}
	stopOnce    sync.Once
	now         func() time.Time
}

// NewRateLimiter allows max requests per IP per minute
func NewRateLimiter(max int) *RateLimiter {
	rl := &RateLimiter{
		limits:      make(map[string][]time.Time),
		max:         max,
		window:      time.Minute,
		stopCleanup: make(chan struct{}),
		now:         time.Now,
	}
	go rl.cleanupLoop(5 * time.Minute)
	return rl
}

// CheckLimit records a request from ip and reports whether it is allowed
func (rl *RateLimiter) CheckLimit(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	recent := rl.prune(rl.limits[ip], now)
	if len(recent) >= rl.max {
		rl.limits[ip] = recent
		return false
	}
	rl.limits[ip] = append(recent, now)
	return true
}

// GetRetryAfter returns the seconds until ip may send again
func (rl *RateLimiter) GetRetryAfter(ip string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	reqs := rl.limits[ip]
	if len(reqs) == 0 {
		return 0
	}
	wait := rl.window - rl.now().Sub(reqs[0])
	if wait <= 0 {
		return 0
	}
	return int((wait + time.Second - 1) / time.Second)
}

func (rl *RateLimiter) prune(reqs []time.Time, now time.Time) []time.Time {
	kept := reqs[:0]
	for _, t := range reqs {
		if now.Sub(t) < rl.window {
			kept = append(kept, t)
		}
	}
	return kept
}

func (rl *RateLimiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

// cleanup drops IPs without recent requests
func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for ip, reqs := range rl.limits {
		if recent := rl.prune(reqs, now); len(recent) == 0 {
			delete(rl.limits, ip)
		} else {
			rl.limits[ip] = recent
		}
	}
}

// Stop stops the cleanup goroutine
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}
