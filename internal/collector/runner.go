// Package collector implements the pull-based data sources. Every
// source sits behind a Runner that adds TTL caching, circuit gating,
// bounded retry, and stale-cache fallback around the raw fetch.
package collector

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/meshforge/maps/internal/circuit"
	"github.com/meshforge/maps/internal/model"
)

// Fetcher produces one fresh FeatureCollection from a source.
type Fetcher interface {
	Source() string
	Fetch(ctx context.Context) (*model.FeatureCollection, error)
}

// HealthInfo is the per-source health snapshot for /api/status.
type HealthInfo struct {
	Source                string   `json:"source"`
	TotalCollections      uint64   `json:"total_collections"`
	TotalErrors           uint64   `json:"total_errors"`
	HasCache              bool     `json:"has_cache"`
	CircuitState          string   `json:"circuit_state,omitempty"`
	LastSuccessTime       *float64 `json:"last_success_time,omitempty"`
	LastSuccessAgeSeconds *int64   `json:"last_success_age_seconds,omitempty"`
	LastError             string   `json:"last_error,omitempty"`
	LastErrorAgeSeconds   *int64   `json:"last_error_age_seconds,omitempty"`
}

// Runner wraps a Fetcher with the shared collection policy.
type Runner struct {
	fetcher    Fetcher
	breaker    *circuit.Breaker
	cacheTTL   time.Duration
	maxRetries int

	sleep func(time.Duration)

	mu          sync.Mutex
	cached      *model.FeatureCollection
	cacheTime   time.Time
	lastError   string
	lastErrTime time.Time
	lastOKTime  time.Time
	collections uint64
	errors      uint64
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithCacheTTL overrides the default 15 minute cache TTL.
func WithCacheTTL(ttl time.Duration) RunnerOption {
	return func(r *Runner) { r.cacheTTL = ttl }
}

// WithRetries sets how many retries follow the first failed attempt.
func WithRetries(n int) RunnerOption {
	return func(r *Runner) { r.maxRetries = n }
}

// WithBreaker gates fetches behind a circuit breaker.
func WithBreaker(b *circuit.Breaker) RunnerOption {
	return func(r *Runner) { r.breaker = b }
}

// WithSleep overrides the retry sleep. Test helper.
func WithSleep(fn func(time.Duration)) RunnerOption {
	return func(r *Runner) { r.sleep = fn }
}

// NewRunner wraps a fetcher with defaults: 15 minute TTL, 2 retries.
func NewRunner(f Fetcher, opts ...RunnerOption) *Runner {
	r := &Runner{
		fetcher:    f,
		cacheTTL:   15 * time.Minute,
		maxRetries: 2,
		sleep:      time.Sleep,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Source returns the wrapped fetcher's source name.
func (r *Runner) Source() string { return r.fetcher.Source() }

// Collect returns source data, preferring the fresh cache, then a
// fresh fetch with bounded backoff, then the stale cache, and finally
// an empty collection. Never returns nil.
func (r *Runner) Collect(ctx context.Context) *model.FeatureCollection {
	r.mu.Lock()
	if r.cached != nil && time.Since(r.cacheTime) < r.cacheTTL {
		fc := r.cached
		r.mu.Unlock()
		return fc
	}
	r.mu.Unlock()

	if r.breaker != nil && !r.breaker.CanExecute() {
		r.recordError("circuit open")
		return r.fallback()
	}

	var lastErr error
	backoff := newBackoff()
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		fc, err := r.fetcher.Fetch(ctx)
		if err == nil && fc != nil {
			r.mu.Lock()
			r.cached = fc
			r.cacheTime = time.Now()
			r.lastOKTime = time.Now()
			r.collections++
			r.mu.Unlock()
			if r.breaker != nil {
				r.breaker.RecordSuccess()
			}
			if attempt > 0 {
				log.Printf("[collector] %s: collected %d nodes (after %d retries)",
					r.Source(), len(fc.Features), attempt)
			} else {
				log.Printf("[collector] %s: collected %d nodes", r.Source(), len(fc.Features))
			}
			return fc
		}
		lastErr = err
		if attempt < r.maxRetries {
			delay := backoff.next()
			log.Printf("[collector] %s: attempt %d failed (%v), retrying in %s",
				r.Source(), attempt+1, err, delay)
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = r.maxRetries
			default:
				r.sleep(delay)
			}
		}
	}

	msg := "unknown error"
	if lastErr != nil {
		msg = lastErr.Error()
	}
	r.recordError(msg)
	if r.breaker != nil {
		r.breaker.RecordFailure()
	}
	log.Printf("[collector] %s: collection failed: %s", r.Source(), msg)
	return r.fallback()
}

// fallback returns the stale cache if present, else an empty collection.
func (r *Runner) fallback() *model.FeatureCollection {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cached != nil {
		log.Printf("[collector] %s: returning stale cache", r.Source())
		return r.cached
	}
	return model.NewFeatureCollection(nil, r.Source())
}

func (r *Runner) recordError(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastError = msg
	r.lastErrTime = time.Now()
	r.errors++
}

// ClearCache drops the cached collection.
func (r *Runner) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cached = nil
	r.cacheTime = time.Time{}
}

// CacheAge returns how long ago the cache was filled, or false if empty.
func (r *Runner) CacheAge() (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cached == nil {
		return 0, false
	}
	return time.Since(r.cacheTime), true
}

// Health returns the health snapshot for status reporting.
func (r *Runner) Health() HealthInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	info := HealthInfo{
		Source:           r.Source(),
		TotalCollections: r.collections,
		TotalErrors:      r.errors,
		HasCache:         r.cached != nil,
	}
	if r.breaker != nil {
		info.CircuitState = string(r.breaker.State())
	}
	if !r.lastOKTime.IsZero() {
		ts := float64(r.lastOKTime.UnixNano()) / 1e9
		info.LastSuccessTime = &ts
		age := int64(time.Since(r.lastOKTime).Seconds())
		info.LastSuccessAgeSeconds = &age
	}
	if r.lastError != "" {
		info.LastError = r.lastError
		age := int64(time.Since(r.lastErrTime).Seconds())
		info.LastErrorAgeSeconds = &age
	}
	return info
}
