package circuit

import (
	"log"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// MaxCircuits bounds the registry; creating a breaker past this limit
// evicts the CLOSED breaker with the oldest state change.
const MaxCircuits = 1000

// Registry holds the named breakers for every data source. Lookups are
// lock-free; creation serializes through a mutex so the capacity check
// and eviction stay atomic.
type Registry struct {
	breakers *xsync.Map[string, *Breaker]
	createMu sync.Mutex

	defaultFailureThreshold int
	defaultRecoveryTimeout  time.Duration
}

// NewRegistry creates a registry with per-breaker defaults.
func NewRegistry(defaultFailureThreshold int, defaultRecoveryTimeout time.Duration) *Registry {
	return &Registry{
		breakers:                xsync.NewMap[string, *Breaker](),
		defaultFailureThreshold: defaultFailureThreshold,
		defaultRecoveryTimeout:  defaultRecoveryTimeout,
	}
}

// Get returns the breaker for name, creating it with the registry
// defaults if absent.
func (r *Registry) Get(name string) *Breaker {
	return r.GetWith(name, r.defaultFailureThreshold, r.defaultRecoveryTimeout)
}

// GetWith returns the breaker for name, creating it with explicit
// parameters if absent. Parameters of an existing breaker are not
// changed.
func (r *Registry) GetWith(name string, failureThreshold int, recoveryTimeout time.Duration) *Breaker {
	if b, ok := r.breakers.Load(name); ok {
		return b
	}

	r.createMu.Lock()
	defer r.createMu.Unlock()

	if b, ok := r.breakers.Load(name); ok {
		return b
	}
	if r.breakers.Size() >= MaxCircuits {
		r.evictOldestClosed()
	}
	b := NewBreaker(name, failureThreshold, recoveryTimeout)
	r.breakers.Store(name, b)
	return b
}

// AllStats returns stats for every registered breaker, keyed by name.
func (r *Registry) AllStats() map[string]Stats {
	out := make(map[string]Stats)
	r.breakers.Range(func(name string, b *Breaker) bool {
		out[name] = b.Stats()
		return true
	})
	return out
}

// OpenCircuits returns stats for breakers currently OPEN or HALF_OPEN.
func (r *Registry) OpenCircuits() map[string]Stats {
	out := make(map[string]Stats)
	r.breakers.Range(func(name string, b *Breaker) bool {
		if s := b.State(); s == StateOpen || s == StateHalfOpen {
			out[name] = b.Stats()
		}
		return true
	})
	return out
}

// Reset resets a named breaker. Returns false if it does not exist.
func (r *Registry) Reset(name string) bool {
	b, ok := r.breakers.Load(name)
	if !ok {
		return false
	}
	b.Reset()
	return true
}

// ResetAll closes every tripped breaker and returns how many changed.
func (r *Registry) ResetAll() int {
	n := 0
	r.breakers.Range(func(_ string, b *Breaker) bool {
		if b.State() != StateClosed {
			b.Reset()
			n++
		}
		return true
	})
	return n
}

// evictOldestClosed removes the CLOSED breaker with the oldest state
// change. Caller holds createMu. Nothing is evicted when every breaker
// is tripped; the map then grows past the cap rather than dropping a
// live failure record.
func (r *Registry) evictOldestClosed() {
	var oldestName string
	var oldest *Breaker
	r.breakers.Range(func(name string, b *Breaker) bool {
		if b.State() != StateClosed {
			return true
		}
		if oldest == nil || b.lastStateChangeLocked().Before(oldest.lastStateChangeLocked()) {
			oldestName, oldest = name, b
		}
		return true
	})
	if oldest != nil {
		r.breakers.Delete(oldestName)
		log.Printf("[circuit] evicted breaker %s (capacity limit)", oldestName)
	}
}

func (b *Breaker) lastStateChangeLocked() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastStateChange
}
