package ratelimit

import (
	"sync"
	"time"
)

// IPLimiter limits concurrent streams and stream opens per second per IP
type IPLimiter struct {
	mu            sync.Mutex
	maxConnsPerIP int
	rateLimit     int // stream opens per second per IP
	ipConns       map[string]int64        // IP -> current stream count
	ipRates       map[string]*rateTracker // IP -> rate tracker
	lastCleanup   time.Time
	now           func() time.Time
}

type rateTracker struct {
	opens []time.Time // timestamps of recent opens
}

// NewIPLimiter creates a new IP-based limiter; a zero limit disables that check
func NewIPLimiter(maxConnsPerIP, rateLimit int) *IPLimiter {
	return &IPLimiter{
		maxConnsPerIP: maxConnsPerIP,
		rateLimit:     rateLimit,
		ipConns:       make(map[string]int64),
		ipRates:       make(map[string]*rateTracker),
		lastCleanup:   time.Now(),
		now:           time.Now,
	}
}

// Reason names the limit that rejected a stream
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonIPStreams Reason = "ip_streams"
	ReasonIPRate    Reason = "ip_rate"
)

// Allow checks if a stream from ip is allowed and reserves a slot when it is
func (l *IPLimiter) Allow(ip string) (bool, Reason) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	// Cleanup old entries periodically (every 5 minutes)
	if now.Sub(l.lastCleanup) > 5*time.Minute {
		l.cleanup(now)
		l.lastCleanup = now
	}

	if l.maxConnsPerIP > 0 && l.ipConns[ip] >= int64(l.maxConnsPerIP) {
		return false, ReasonIPStreams
	}

	if l.rateLimit > 0 {
		rate := l.getOrCreateRateTracker(ip)
		rate.prune(now)
		if len(rate.opens) >= l.rateLimit {
			return false, ReasonIPRate
		}
		rate.opens = append(rate.opens, now)
	}

	l.ipConns[ip]++
	return true, ReasonNone
}

// Release releases a stream slot for an IP
func (l *IPLimiter) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if count, ok := l.ipConns[ip]; ok && count > 0 {
		l.ipConns[ip] = count - 1
		if l.ipConns[ip] == 0 {
			delete(l.ipConns, ip)
		}
	}
}

// SetLimits changes both limits; existing streams are kept
func (l *IPLimiter) SetLimits(maxConnsPerIP, rateLimit int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxConnsPerIP = maxConnsPerIP
	l.rateLimit = rateLimit
}

func (r *rateTracker) prune(now time.Time) {
	cutoff := now.Add(-time.Second)
	valid := 0
	for _, ts := range r.opens {
		if ts.After(cutoff) {
			r.opens[valid] = ts
			valid++
		}
	}
	r.opens = r.opens[:valid]
}

// getOrCreateRateTracker gets or creates a rate tracker for an IP
func (l *IPLimiter) getOrCreateRateTracker(ip string) *rateTracker {
	rate, ok := l.ipRates[ip]
	if !ok {
		rate = &rateTracker{opens: make([]time.Time, 0, l.rateLimit)}
		l.ipRates[ip] = rate
	}
	return rate
}

// cleanup removes IPs with no open streams and no recent opens
func (l *IPLimiter) cleanup(now time.Time) {
	for ip, rate := range l.ipRates {
		rate.prune(now)
		if len(rate.opens) == 0 && l.ipConns[ip] == 0 {
			delete(l.ipRates, ip)
		}
	}
}

// GetStats returns statistics for an IP
func (l *IPLimiter) GetStats(ip string) (connCount int64, rateCount int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	connCount = l.ipConns[ip]
	if rate, ok := l.ipRates[ip]; ok {
		rateCount = len(rate.opens)
	}
	return
}
