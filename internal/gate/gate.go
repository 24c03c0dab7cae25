// Package gate serializes access to single-client daemon sockets.
// meshtasticd accepts one TCP client at a time; every component that
// wants the socket must hold the gate for its host:port first.
package gate

import (
	"log"
	"strconv"
	"sync"
	"time"
)

var (
	instancesMu sync.Mutex
	instances   = make(map[string]*Gate)
)

// Gate is a cooperative exclusive lock for one host:port endpoint.
type Gate struct {
	host string
	port int
	sem  chan struct{}

	mu                sync.Mutex
	holder            string
	acquiredAt        time.Time
	totalAcquisitions uint64
	totalTimeouts     uint64
	totalReleases     uint64
}

// Stats is a diagnostic snapshot of a gate.
type Stats struct {
	Host              string   `json:"host"`
	Port              int      `json:"port"`
	IsLocked          bool     `json:"is_locked"`
	Holder            string   `json:"holder,omitempty"`
	HeldSeconds       *float64 `json:"held_seconds"`
	TotalAcquisitions uint64   `json:"total_acquisitions"`
	TotalTimeouts     uint64   `json:"total_timeouts"`
	TotalReleases     uint64   `json:"total_releases"`
}

// For returns the process-wide gate for host:port, creating it on
// first use.
func For(host string, port int) *Gate {
	key := keyOf(host, port)
	instancesMu.Lock()
	defer instancesMu.Unlock()
	g, ok := instances[key]
	if !ok {
		g = &Gate{host: host, port: port, sem: make(chan struct{}, 1)}
		instances[key] = g
	}
	return g
}

// ResetAll drops every registered gate. Test helper.
func ResetAll() {
	instancesMu.Lock()
	defer instancesMu.Unlock()
	instances = make(map[string]*Gate)
}

func keyOf(host string, port int) string {
	return host + ":" + strconv.Itoa(port)
}

// Lease is a held gate. Release is idempotent.
type Lease struct {
	g    *Gate
	once sync.Once
}

// Acquire attempts to take the gate within timeout. A zero timeout is a
// non-blocking try. Returns (nil, false) on timeout.
func (g *Gate) Acquire(timeout time.Duration, holder string) (*Lease, bool) {
	if holder == "" {
		holder = "unknown"
	}

	acquired := false
	if timeout <= 0 {
		select {
		case g.sem <- struct{}{}:
			acquired = true
		default:
		}
	} else {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case g.sem <- struct{}{}:
			acquired = true
		case <-timer.C:
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if !acquired {
		g.totalTimeouts++
		log.Printf("[gate] %s:%d acquire timed out for %q (held by %q)", g.host, g.port, holder, g.holder)
		return nil, false
	}
	g.holder = holder
	g.acquiredAt = time.Now()
	g.totalAcquisitions++
	return &Lease{g: g}, true
}

// Release returns the gate. Safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		g := l.g
		g.mu.Lock()
		g.holder = ""
		g.acquiredAt = time.Time{}
		g.totalReleases++
		g.mu.Unlock()
		<-g.sem
	})
}

// IsLocked reports whether the gate is currently held.
func (g *Gate) IsLocked() bool {
	return len(g.sem) > 0
}

// Holder returns the current holder name, or "".
func (g *Gate) Holder() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holder
}

// Stats returns a diagnostic snapshot.
func (g *Gate) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := Stats{
		Host:              g.host,
		Port:              g.port,
		IsLocked:          len(g.sem) > 0,
		Holder:            g.holder,
		TotalAcquisitions: g.totalAcquisitions,
		TotalTimeouts:     g.totalTimeouts,
		TotalReleases:     g.totalReleases,
	}
	if !g.acquiredAt.IsZero() {
		held := time.Since(g.acquiredAt).Seconds()
		st.HeldSeconds = &held
	}
	return st
}
