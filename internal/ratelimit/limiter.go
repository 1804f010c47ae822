package ratelimit

import (
	"sync/atomic"
)

// Limiter limits the number of concurrent proxy streams
type Limiter struct {
	maxStreams atomic.Int64
	current    atomic.Int64
}

// NewLimiter creates a new stream limiter; max <= 0 disables the limit
func NewLimiter(max int64) *Limiter {
	l := &Limiter{}
	l.maxStreams.Store(max)
	return l
}

// Allow reserves a stream slot when one is free
func (l *Limiter) Allow() bool {
	for {
		max := l.maxStreams.Load()
		cur := l.current.Load()
		if max > 0 && cur >= max {
			return false
		}
		if l.current.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Release releases a stream slot
func (l *Limiter) Release() {
	l.current.Add(-1)
}

// Current returns the current number of streams
func (l *Limiter) Current() int64 {
	return l.current.Load()
}

// Max returns the maximum allowed streams
func (l *Limiter) Max() int64 {
	return l.maxStreams.Load()
}

// SetMax changes the limit. Streams above a lowered limit are not closed;
// new streams are rejected until the count drops below it.
func (l *Limiter) SetMax(max int64) {
	l.maxStreams.Store(max)
}
