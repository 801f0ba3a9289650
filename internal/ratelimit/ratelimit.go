// Package ratelimit provides per-type admission gates for the dispatcher.
// A gate never rejects a submission; it returns the delay the caller must
// wait out before the message may enter the queue.
//
// Two interchangeable algorithms are provided: a token bucket with burst
// capacity and a sliding-window admission counter. Both book the admission
// slot at reservation time, so concurrent callers receive staggered waits
// instead of stampeding when the computed delay elapses.
package ratelimit

import (
	"sync"
	"time"
)

// Stats holds queryable per-type gate counters.
type Stats struct {
	Admitted uint64  `json:"admitted"`
	Deferred uint64  `json:"deferred"`
	Tokens   float64 `json:"tokens,omitempty"`
	InWindow int     `json:"in_window,omitempty"`
}

// Gate is the admission interface consumed by the dispatcher.
// Reserve returns 0 when the message may proceed immediately, or the
// duration the caller must wait. Types without configured limits pass
// freely.
type Gate interface {
	Reserve(msgType string) time.Duration
	Stats(msgType string) Stats
}

// BucketConfig configures one token bucket.
type BucketConfig struct {
	// Rate is the steady refill rate in tokens per second.
	Rate float64
	// Burst is the bucket capacity. Buckets start full so the burst is
	// available immediately, not after a warm-up period.
	Burst int
}

type bucket struct {
	tokens float64
	last   time.Time
	stats  Stats
}

// TokenBucket is a per-type token bucket gate with lazy elapsed-time refill.
type TokenBucket struct {
	mu      sync.Mutex
	configs map[string]BucketConfig
	buckets map[string]*bucket
	now     func() time.Time
}

// NewTokenBucket creates a gate from per-type bucket configs.
func NewTokenBucket(configs map[string]BucketConfig) *TokenBucket {
	return &TokenBucket{
		configs: configs,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Reserve debits one token for msgType. The bucket may go negative; the
// returned wait is the time until the debited token exists, which keeps
// back-to-back reservations spaced at the steady rate.
func (t *TokenBucket) Reserve(msgType string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	cfg, ok := t.configs[msgType]
	if !ok || cfg.Rate <= 0 {
		b := t.bucket(msgType, cfg)
		b.stats.Admitted++
		admittedTotal.WithLabelValues(msgType, algoTokenBucket).Inc()
		return 0
	}

	b := t.bucket(msgType, cfg)
	now := t.now()

	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens = min(float64(cfg.Burst), b.tokens+elapsed*cfg.Rate)
		b.last = now
	}

	b.tokens--
	tokensGauge.WithLabelValues(msgType).Set(b.tokens)

	if b.tokens >= 0 {
		b.stats.Admitted++
		admittedTotal.WithLabelValues(msgType, algoTokenBucket).Inc()
		return 0
	}

	wait := time.Duration(-b.tokens / cfg.Rate * float64(time.Second))
	b.stats.Deferred++
	deferredTotal.WithLabelValues(msgType, algoTokenBucket).Inc()
	return wait
}

// Stats returns the counters for msgType.
func (t *TokenBucket) Stats(msgType string) Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.buckets[msgType]
	if !ok {
		cfg := t.configs[msgType]
		return Stats{Tokens: float64(cfg.Burst)}
	}
	s := b.stats
	s.Tokens = b.tokens
	return s
}

// bucket returns the state for msgType, creating a full bucket on first use.
func (t *TokenBucket) bucket(msgType string, cfg BucketConfig) *bucket {
	b, ok := t.buckets[msgType]
	if !ok {
		b = &bucket{tokens: float64(cfg.Burst), last: t.now()}
		t.buckets[msgType] = b
	}
	return b
}

// WindowConfig configures one sliding window.
type WindowConfig struct {
	// Limit is the maximum number of admissions inside any trailing window.
	Limit int
	// Window is the trailing interval length.
	Window time.Duration
}

type window struct {
	admissions []time.Time
	stats      Stats
}

// SlidingWindow is a per-type sliding-window gate backed by an ordered log
// of admission timestamps.
type SlidingWindow struct {
	mu      sync.Mutex
	configs map[string]WindowConfig
	windows map[string]*window
	now     func() time.Time
}

// NewSlidingWindow creates a gate from per-type window configs.
func NewSlidingWindow(configs map[string]WindowConfig) *SlidingWindow {
	return &SlidingWindow{
		configs: configs,
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Reserve admits msgType if fewer than the limit of admissions fall within
// the trailing window, evicting expired entries first. A deferred
// reservation books its future slot, so the wait it returns stays valid
// under concurrency.
func (s *SlidingWindow) Reserve(msgType string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, ok := s.configs[msgType]
	if !ok || cfg.Limit <= 0 {
		w := s.window(msgType)
		w.stats.Admitted++
		admittedTotal.WithLabelValues(msgType, algoSlidingWindow).Inc()
		return 0
	}

	w := s.window(msgType)
	now := s.now()

	// Evict entries that fell out of the trailing window.
	cut := 0
	for cut < len(w.admissions) && now.Sub(w.admissions[cut]) >= cfg.Window {
		cut++
	}
	w.admissions = w.admissions[cut:]

	if len(w.admissions) < cfg.Limit {
		w.admissions = append(w.admissions, now)
		w.stats.Admitted++
		admittedTotal.WithLabelValues(msgType, algoSlidingWindow).Inc()
		return 0
	}

	// Full: this reservation runs when the oldest blocking admission
	// expires. Book the slot at that instant.
	at := w.admissions[len(w.admissions)-cfg.Limit].Add(cfg.Window)
	w.admissions = append(w.admissions, at)
	w.stats.Deferred++
	deferredTotal.WithLabelValues(msgType, algoSlidingWindow).Inc()
	return at.Sub(now)
}

// Stats returns the counters for msgType.
func (s *SlidingWindow) Stats(msgType string) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[msgType]
	if !ok {
		return Stats{}
	}
	st := w.stats
	st.InWindow = len(w.admissions)
	return st
}

func (s *SlidingWindow) window(msgType string) *window {
	w, ok := s.windows[msgType]
	if !ok {
		w = &window{}
		s.windows[msgType] = w
	}
	return w
}
