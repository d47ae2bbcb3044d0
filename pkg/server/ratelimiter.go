package server

import (
	"sync"
	"time"
)

// RateLimiter implements per-IP rate limiting with a sliding window
type RateLimiter struct {
	limits          map[string][]time.Time
	maxRequests     int
	window          time.Duration
	mu              sync.Mutex
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	now             func() time.Time
}

// NewRateLimiter allows maxRequests per window for each IP. A
// non-positive maxRequests disables limiting.
func NewRateLimiter(maxRequests int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	rl := &RateLimiter{
		limits:          make(map[string][]time.Time),
		maxRequests:     maxRequests,
		window:          window,
		cleanupInterval: 5 * time.Minute,
		stopCleanup:     make(chan struct{}),
		now:             time.Now,
	}

	go rl.startCleanup()

	return rl
}

// Allow records a request from ip and reports whether it is within the limit.
func (rl *RateLimiter) Allow(ip string) bool {
	if rl.maxRequests <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	requests := rl.prune(rl.limits[ip], now)
	if len(requests) >= rl.maxRequests {
		rl.limits[ip] = requests
		return false
	}
	rl.limits[ip] = append(requests, now)
	return true
}

// RetryAfter returns the seconds until ip may send again.
func (rl *RateLimiter) RetryAfter(ip string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	requests := rl.limits[ip]
	if len(requests) == 0 {
		return 0
	}

	wait := rl.window - rl.now().Sub(requests[0])
	if wait <= 0 {
		return 0
	}
	// Round up to whole seconds.
	return int((wait + time.Second - 1) / time.Second)
}

func (rl *RateLimiter) prune(requests []time.Time, now time.Time) []time.Time {
	valid := requests[:0]
	for _, at := range requests {
		if now.Sub(at) < rl.window {
			valid = append(valid, at)
		}
	}
	return valid
}

// startCleanup periodically removes idle IPs
func (rl *RateLimiter) startCleanup() {
	ticker := time.NewTicker(rl.cleanupInterval)
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

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for ip, requests := range rl.limits {
		if valid := rl.prune(requests, now); len(valid) == 0 {
			delete(rl.limits, ip)
		} else {
			rl.limits[ip] = valid
		}
	}
}

// Stop stops the cleanup goroutine
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}
