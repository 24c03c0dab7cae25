// Package drift detects node configuration changes over time. Each
// node's last-known identity and radio parameters are kept as a
// snapshot; subsequent observations are compared field by field and
// any change is recorded as a drift event with a severity. A node
// changing role or region mid-flight usually means it was re-flashed
// or reconfigured, which operators want to know about.
package drift

import (
	"fmt"
	"log"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/xxh3"
)

// Severity classifies how disruptive a config change is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	// MaxDriftHistory bounds per-node drift records.
	MaxDriftHistory = 50

	// MaxTrackedNodes bounds snapshot memory.
	MaxTrackedNodes = 10000
)

// trackedFields maps comparable config fields to the severity of a
// change. Untracked fields are ignored entirely.
var trackedFields = map[string]Severity{
	"role":             SeverityWarning,
	"hardware":         SeverityWarning,
	"name":             SeverityInfo,
	"short_name":       SeverityInfo,
	"region":           SeverityCritical,
	"modem_preset":     SeverityCritical,
	"hop_limit":        SeverityWarning,
	"tx_power":         SeverityWarning,
	"tx_enabled":       SeverityWarning,
	"channel_name":     SeverityCritical,
	"uplink_enabled":   SeverityInfo,
	"downlink_enabled": SeverityInfo,
}

// Drift is one recorded configuration change.
type Drift struct {
	NodeID    string   `json:"node_id"`
	Field     string   `json:"field"`
	OldValue  any      `json:"old_value"`
	NewValue  any      `json:"new_value"`
	Severity  Severity `json:"severity"`
	Timestamp float64  `json:"timestamp"`
}

// Summary is an aggregate view of detector state.
type Summary struct {
	TrackedNodes   int     `json:"tracked_nodes"`
	NodesWithDrift int     `json:"nodes_with_drift"`
	TotalDrifts    int     `json:"total_drifts"`
	RecentDrifts   []Drift `json:"recent_drifts"`
}

type snapshot struct {
	fields      map[string]any
	fingerprint uint64
	firstSeen   float64
	lastSeen    float64
}

// DriftFunc receives the drifts from one check, outside the detector
// lock.
type DriftFunc func(nodeID string, drifts []Drift)

// Detector compares node config observations against per-node
// snapshots. Safe for concurrent use.
type Detector struct {
	maxHistory int
	maxNodes   int
	onDrift    DriftFunc
	now        func() time.Time

	mu          sync.Mutex
	snapshots   map[string]*snapshot
	history     map[string][]Drift
	totalDrifts int
}

// Option configures a Detector.
type Option func(*Detector)

// WithDriftFunc registers the drift callback.
func WithDriftFunc(fn DriftFunc) Option {
	return func(d *Detector) { d.onDrift = fn }
}

// WithLimits overrides the history and node caps.
func WithLimits(maxHistory, maxNodes int) Option {
	return func(d *Detector) {
		d.maxHistory = maxHistory
		d.maxNodes = maxNodes
	}
}

// WithClock injects a clock. Test helper.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// New builds a Detector with defaults.
func New(opts ...Option) *Detector {
	d := &Detector{
		maxHistory: MaxDriftHistory,
		maxNodes:   MaxTrackedNodes,
		now:        time.Now,
		snapshots:  make(map[string]*snapshot),
		history:    make(map[string][]Drift),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// CheckNode compares a node's current fields against its last-known
// snapshot and returns the drifts detected. Only tracked fields are
// compared; nil values are ignored. The first observation of a node
// records its snapshot and returns no drifts.
func (d *Detector) CheckNode(nodeID string, fields map[string]any) []Drift {
	current := make(map[string]any)
	for k, v := range fields {
		if v == nil {
			continue
		}
		if _, ok := trackedFields[k]; !ok {
			continue
		}
		current[k] = normalize(v)
	}
	if len(current) == 0 {
		return nil
	}

	nowSec := float64(d.now().UnixNano()) / 1e9
	fp := fingerprint(current)

	var drifts []Drift

	d.mu.Lock()
	prev, ok := d.snapshots[nodeID]
	if !ok {
		if len(d.snapshots) >= d.maxNodes {
			d.evictOldestLocked()
		}
		d.snapshots[nodeID] = &snapshot{
			fields:      current,
			fingerprint: fp,
			firstSeen:   nowSec,
			lastSeen:    nowSec,
		}
		d.mu.Unlock()
		return nil
	}

	// Unchanged payloads hash to the last fingerprint and skip the
	// field-by-field compare.
	if fp == prev.fingerprint {
		prev.lastSeen = nowSec
		d.mu.Unlock()
		return nil
	}

	for field, newValue := range current {
		oldValue, seen := prev.fields[field]
		if seen && canonical(oldValue) == canonical(newValue) {
			continue
		}
		dr := Drift{
			NodeID:    nodeID,
			Field:     field,
			OldValue:  oldValue,
			NewValue:  newValue,
			Severity:  trackedFields[field],
			Timestamp: nowSec,
		}
		drifts = append(drifts, dr)
		d.totalDrifts++

		hist := append(d.history[nodeID], dr)
		if len(hist) > d.maxHistory {
			hist = hist[len(hist)-d.maxHistory:]
		}
		d.history[nodeID] = hist

		log.Printf("[drift] %s %s: %v -> %v on %s", dr.Severity, field, oldValue, newValue, nodeID)
	}

	for field, v := range current {
		prev.fields[field] = v
	}
	prev.fingerprint = fp
	prev.lastSeen = nowSec
	d.mu.Unlock()

	if len(drifts) > 0 && d.onDrift != nil {
		d.fire(nodeID, drifts)
	}
	return drifts
}

// fire invokes the callback with panic isolation.
func (d *Detector) fire(nodeID string, drifts []Drift) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[drift] callback panic for %s: %v", nodeID, r)
		}
	}()
	d.onDrift(nodeID, drifts)
}

// NodeSnapshot returns a copy of a node's current config snapshot, or
// nil if the node is untracked.
func (d *Detector) NodeSnapshot(nodeID string) map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	snap, ok := d.snapshots[nodeID]
	if !ok {
		return nil
	}
	out := make(map[string]any, len(snap.fields)+2)
	for k, v := range snap.fields {
		out[k] = v
	}
	out["_first_seen"] = snap.firstSeen
	out["_last_seen"] = snap.lastSeen
	return out
}

// NodeHistory returns the recorded drifts for one node, oldest first.
func (d *Detector) NodeHistory(nodeID string) []Drift {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Drift(nil), d.history[nodeID]...)
}

// AllDrifts returns every recorded drift, newest first, optionally
// filtered by time and severity.
func (d *Detector) AllDrifts(since *float64, severity Severity) []Drift {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Drift
	for _, hist := range d.history {
		for _, dr := range hist {
			if since != nil && dr.Timestamp < *since {
				continue
			}
			if severity != "" && dr.Severity != severity {
				continue
			}
			out = append(out, dr)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp > out[j].Timestamp
	})
	return out
}

// Summary aggregates detector state, including the ten most recent
// drifts.
func (d *Detector) Summary() Summary {
	d.mu.Lock()
	defer d.mu.Unlock()

	nodesWithDrift := 0
	var recent []Drift
	for _, hist := range d.history {
		if len(hist) == 0 {
			continue
		}
		nodesWithDrift++
		tail := hist
		if len(tail) > 3 {
			tail = tail[len(tail)-3:]
		}
		recent = append(recent, tail...)
	}
	sort.SliceStable(recent, func(i, j int) bool {
		return recent[i].Timestamp > recent[j].Timestamp
	})
	if len(recent) > 10 {
		recent = recent[:10]
	}

	return Summary{
		TrackedNodes:   len(d.snapshots),
		NodesWithDrift: nodesWithDrift,
		TotalDrifts:    d.totalDrifts,
		RecentDrifts:   recent,
	}
}

// TrackedCount returns the number of snapshotted nodes.
func (d *Detector) TrackedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.snapshots)
}

// TotalDrifts returns the lifetime drift count.
func (d *Detector) TotalDrifts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalDrifts
}

// Remove drops all tracking data for a node.
func (d *Detector) Remove(nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.snapshots, nodeID)
	delete(d.history, nodeID)
}

func (d *Detector) evictOldestLocked() {
	var oldestID string
	oldest := math.Inf(1)
	for nodeID, snap := range d.snapshots {
		if snap.lastSeen < oldest {
			oldest = snap.lastSeen
			oldestID = nodeID
		}
	}
	if oldestID != "" {
		delete(d.snapshots, oldestID)
		delete(d.history, oldestID)
	}
}

// normalize collapses integral floats to ints so a field decoded as
// 3.0 from one source and 3 from another compares equal.
func normalize(v any) any {
	if f, ok := v.(float64); ok && f == math.Trunc(f) && !math.IsInf(f, 0) {
		return int64(f)
	}
	return v
}

// canonical renders a value for comparison.
func canonical(v any) string {
	switch n := v.(type) {
	case string:
		return n
	case bool:
		return strconv.FormatBool(n)
	case int64:
		return strconv.FormatInt(n, 10)
	case int:
		return strconv.Itoa(n)
	case float64:
		return strconv.FormatFloat(n, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// fingerprint hashes the normalized tracked fields in a stable order.
func fingerprint(fields map[string]any) uint64 {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(canonical(fields[k]))
		b.WriteByte('\n')
	}
	return xxh3.HashString(b.String())
}
