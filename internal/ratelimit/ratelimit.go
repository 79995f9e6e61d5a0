package ratelimit

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultIdleTTL is how long a route's window may sit unused before cleanup
// drops it.
const DefaultIdleTTL = time.Minute

// window is a fixed one-second counter. The high 32 bits hold the unix
// second the count belongs to, the low 32 bits the count.
type window struct {
	state atomic.Uint64
}

func pack(sec uint32, count uint32) uint64 {
	return uint64(sec)<<32 | uint64(count)
}

func unpack(v uint64) (sec uint32, count uint32) {
	return uint32(v >> 32), uint32(v)
}

// acquire admits one request against quota in the window for sec.
func (w *window) acquire(sec uint32, quota uint32) bool {
	for {
		old := w.state.Load()
		wsec, count := unpack(old)
		if wsec != sec {
			// A later second resets the count before incrementing.
			count = 0
		}
		if count >= quota {
			return false
		}
		if w.state.CompareAndSwap(old, pack(sec, count+1)) {
			return true
		}
	}
}

// Limiter enforces a per-route requests-per-second quota with fixed
// one-second windows.
type Limiter struct {
	windows *shardedMap[*window]
	now     func() time.Time
	idleTTL time.Duration

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

// Config for creating a new Limiter
type Config struct {
	// CleanupInterval enables periodic removal of idle windows when positive.
	CleanupInterval time.Duration
	// IdleTTL defaults to DefaultIdleTTL.
	IdleTTL time.Duration
	// Now is overridable for tests.
	Now func() time.Time
}

// New creates a new Limiter
func New(cfg Config) *Limiter {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}

	l := &Limiter{
		windows:     newShardedMap[*window](),
		now:         cfg.Now,
		idleTTL:     cfg.IdleTTL,
		stopCleanup: make(chan struct{}),
	}

	if cfg.CleanupInterval > 0 {
		l.cleanupTicker = time.NewTicker(cfg.CleanupInterval)
		go l.cleanup()
	}

	return l
}

// TryAcquire reports whether a request for key fits within qps for the
// current second. A non-positive qps means unlimited; quotas beyond the
// window counter's range are clamped to it.
func (l *Limiter) TryAcquire(key string, qps int) bool {
	if qps <= 0 {
		return true
	}
	sec := uint32(l.now().Unix())
	quota := uint32(math.MaxUint32)
	if uint64(qps) < math.MaxUint32 {
		quota = uint32(qps)
	}
	return l.windows.with(key, newWindow, func(w *window) bool {
		return w.acquire(sec, quota)
	})
}

func newWindow() *window { return &window{} }

// Count returns the admitted count for key in the current second.
func (l *Limiter) Count(key string) int {
	w, ok := l.windows.get(key)
	if !ok {
		return 0
	}
	sec, count := unpack(w.state.Load())
	if sec != uint32(l.now().Unix()) {
		return 0
	}
	return int(count)
}

// Len returns the number of tracked windows.
func (l *Limiter) Len() int {
	return l.windows.len()
}

// Prune drops windows whose last second is older than the idle TTL and
// returns how many were removed.
func (l *Limiter) Prune() int {
	cutoff := l.now().Add(-l.idleTTL).Unix()
	return l.windows.deleteFunc(func(_ string, w *window) bool {
		sec, _ := unpack(w.state.Load())
		return int64(sec) < cutoff
	})
}

func (l *Limiter) cleanup() {
	for {
		select {
		case <-l.cleanupTicker.C:
			l.Prune()
		case <-l.stopCleanup:
			return
		}
	}
}

// Stop stops the cleanup goroutine
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		if l.cleanupTicker != nil {
			l.cleanupTicker.Stop()
		}
		close(l.stopCleanup)
	})
}
