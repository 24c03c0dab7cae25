// Package conntrack classifies node connectivity from heartbeat
// regularity. Each observed node moves between four states: new,
// stable, intermittent, and offline.
package conntrack

import (
	"log"
	"sync"
	"time"
)

// State is a node's connectivity classification.
type State string

const (
	StateNew          State = "new"
	StateStable       State = "stable"
	StateIntermittent State = "intermittent"
	StateOffline      State = "offline"
)

const (
	// MaxHeartbeatWindow bounds the sliding window per node.
	MaxHeartbeatWindow = 20

	// MaxTrackedNodes bounds total tracked nodes.
	MaxTrackedNodes = 10000

	// DefaultExpectedInterval is the typical Meshtastic position
	// broadcast period.
	DefaultExpectedInterval = 300 * time.Second

	// DefaultOfflineThreshold is how long without a heartbeat marks a
	// node offline.
	DefaultOfflineThreshold = 3600 * time.Second

	// DefaultIntermittentRatio is the gap fraction at which a node is
	// classified intermittent.
	DefaultIntermittentRatio = 0.5
)

// NodeInfo is the exported per-node state snapshot.
type NodeInfo struct {
	NodeID          string   `json:"node_id"`
	State           State    `json:"state"`
	HeartbeatCount  int      `json:"heartbeat_count"`
	FirstSeen       float64  `json:"first_seen"`
	LastSeen        float64  `json:"last_seen"`
	AverageInterval *float64 `json:"average_interval"`
	TransitionCount int      `json:"transition_count"`
}

// Summary aggregates the tracker's population.
type Summary struct {
	TrackedNodes     int           `json:"tracked_nodes"`
	States           map[State]int `json:"states"`
	TotalTransitions int           `json:"total_transitions"`
}

type entry struct {
	state           State
	heartbeats      []float64
	firstSeen       float64
	lastSeen        float64
	transitionCount int
	lastTransition  float64
}

func (e *entry) addHeartbeat(ts float64, window int) {
	e.heartbeats = append(e.heartbeats, ts)
	if len(e.heartbeats) > window {
		e.heartbeats = e.heartbeats[len(e.heartbeats)-window:]
	}
	e.lastSeen = ts
}

func (e *entry) averageInterval() *float64 {
	if len(e.heartbeats) < 2 {
		return nil
	}
	total := e.heartbeats[len(e.heartbeats)-1] - e.heartbeats[0]
	avg := total / float64(len(e.heartbeats)-1)
	return &avg
}

// gapRatio is the fraction of intervals exceeding twice the expected
// interval.
func (e *entry) gapRatio(expectedInterval float64) float64 {
	if len(e.heartbeats) < 2 {
		return 0
	}
	gapThreshold := expectedInterval * 2
	gaps := 0
	for i := 1; i < len(e.heartbeats); i++ {
		if e.heartbeats[i]-e.heartbeats[i-1] > gapThreshold {
			gaps++
		}
	}
	return float64(gaps) / float64(len(e.heartbeats)-1)
}

// TransitionFunc is called after a state change, outside the tracker
// lock.
type TransitionFunc func(nodeID string, from, to State)

// Tracker classifies node connectivity. Safe for concurrent use.
type Tracker struct {
	expectedInterval  float64
	offlineThreshold  float64
	intermittentRatio float64
	window            int
	maxNodes          int
	onTransition      TransitionFunc
	now               func() time.Time

	mu               sync.Mutex
	nodes            map[string]*entry
	totalTransitions int
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithIntervals overrides the expected heartbeat interval and the
// offline threshold.
func WithIntervals(expected, offline time.Duration) Option {
	return func(t *Tracker) {
		t.expectedInterval = expected.Seconds()
		t.offlineThreshold = offline.Seconds()
	}
}

// WithLimits overrides the heartbeat window and tracked-node cap.
func WithLimits(window, maxNodes int) Option {
	return func(t *Tracker) {
		t.window = window
		t.maxNodes = maxNodes
	}
}

// WithTransitionFunc registers the transition callback.
func WithTransitionFunc(fn TransitionFunc) Option {
	return func(t *Tracker) { t.onTransition = fn }
}

// WithClock injects a clock. Test helper.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New builds a Tracker with defaults.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		expectedInterval:  DefaultExpectedInterval.Seconds(),
		offlineThreshold:  DefaultOfflineThreshold.Seconds(),
		intermittentRatio: DefaultIntermittentRatio,
		window:            MaxHeartbeatWindow,
		maxNodes:          MaxTrackedNodes,
		now:               time.Now,
		nodes:             make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordHeartbeat records one observation of a node and recomputes its
// state. Returns the state before and after; equal values mean no
// transition.
func (t *Tracker) RecordHeartbeat(nodeID string, at time.Time) (State, State) {
	if at.IsZero() {
		at = t.now()
	}
	ts := float64(at.UnixNano()) / 1e9

	var fired bool
	var from, to State

	t.mu.Lock()
	e, ok := t.nodes[nodeID]
	if !ok {
		if len(t.nodes) >= t.maxNodes {
			t.evictOldestLocked()
		}
		t.nodes[nodeID] = &entry{
			state:          StateNew,
			heartbeats:     []float64{ts},
			firstSeen:      ts,
			lastSeen:       ts,
			lastTransition: ts,
		}
		t.mu.Unlock()
		return StateNew, StateNew
	}

	from = e.state
	e.addHeartbeat(ts, t.window)
	to = t.classify(e)
	if to != from {
		e.state = to
		e.transitionCount++
		e.lastTransition = ts
		t.totalTransitions++
		fired = true
	}
	t.mu.Unlock()

	if fired && t.onTransition != nil {
		t.fire(nodeID, from, to)
	}
	if !fired {
		return from, from
	}
	return from, to
}

// CheckOffline transitions every node unseen past the offline
// threshold to OFFLINE and returns their ids. Call periodically.
func (t *Tracker) CheckOffline(now time.Time) []string {
	if now.IsZero() {
		now = t.now()
	}
	nowSec := float64(now.UnixNano()) / 1e9

	var transitioned []string
	type change struct {
		nodeID string
		from   State
	}
	var changes []change

	t.mu.Lock()
	for nodeID, e := range t.nodes {
		if e.state == StateOffline {
			continue
		}
		if nowSec-e.lastSeen > t.offlineThreshold {
			changes = append(changes, change{nodeID, e.state})
			e.state = StateOffline
			e.transitionCount++
			e.lastTransition = nowSec
			t.totalTransitions++
			transitioned = append(transitioned, nodeID)
		}
	}
	t.mu.Unlock()

	if t.onTransition != nil {
		for _, c := range changes {
			t.fire(c.nodeID, c.from, StateOffline)
		}
	}
	return transitioned
}

// fire invokes the callback with panic isolation; one bad handler must
// not break the heartbeat path.
func (t *Tracker) fire(nodeID string, from, to State) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[conntrack] transition callback panic for %s: %v", nodeID, r)
		}
	}()
	t.onTransition(nodeID, from, to)
}

// NodeState returns a node's current state and whether it is tracked.
func (t *Tracker) NodeState(nodeID string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.nodes[nodeID]
	if !ok {
		return "", false
	}
	return e.state, true
}

// NodeInfo returns the full state snapshot for one node.
func (t *Tracker) NodeInfo(nodeID string) *NodeInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.nodes[nodeID]
	if !ok {
		return nil
	}
	return t.infoLocked(nodeID, e)
}

func (t *Tracker) infoLocked(nodeID string, e *entry) *NodeInfo {
	return &NodeInfo{
		NodeID:          nodeID,
		State:           e.state,
		HeartbeatCount:  len(e.heartbeats),
		FirstSeen:       e.firstSeen,
		LastSeen:        e.lastSeen,
		AverageInterval: e.averageInterval(),
		TransitionCount: e.transitionCount,
	}
}

// AllStates returns the state of every tracked node.
func (t *Tracker) AllStates() map[string]State {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]State, len(t.nodes))
	for nodeID, e := range t.nodes {
		out[nodeID] = e.state
	}
	return out
}

// NodesByState returns snapshots of every node in one state.
func (t *Tracker) NodesByState(state State) []*NodeInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*NodeInfo
	for nodeID, e := range t.nodes {
		if e.state == state {
			out = append(out, t.infoLocked(nodeID, e))
		}
	}
	return out
}

// Summary aggregates current state counts.
func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	counts := map[State]int{
		StateNew: 0, StateStable: 0, StateIntermittent: 0, StateOffline: 0,
	}
	for _, e := range t.nodes {
		counts[e.state]++
	}
	return Summary{
		TrackedNodes:     len(t.nodes),
		States:           counts,
		TotalTransitions: t.totalTransitions,
	}
}

// Remove drops all tracking data for a node.
func (t *Tracker) Remove(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.nodes, nodeID)
}

// TrackedCount returns the number of tracked nodes.
func (t *Tracker) TrackedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.nodes)
}

func (t *Tracker) classify(e *entry) State {
	if len(e.heartbeats) < 3 {
		return StateNew
	}
	if e.gapRatio(t.expectedInterval) >= t.intermittentRatio {
		return StateIntermittent
	}
	return StateStable
}

func (t *Tracker) evictOldestLocked() {
	var oldestID string
	oldest := -1.0
	for nodeID, e := range t.nodes {
		if oldest < 0 || e.lastSeen < oldest {
			oldest = e.lastSeen
			oldestID = nodeID
		}
	}
	if oldestID != "" {
		delete(t.nodes, oldestID)
	}
}
