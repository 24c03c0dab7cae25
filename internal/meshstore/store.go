// Package meshstore holds the live node state fed by the MQTT
// subscriber: positions, identity, telemetry, and neighbor links.
// All reads return deep copies; callers never see store internals.
package meshstore

import (
	"log"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultStaleSeconds marks a node offline after an hour of silence.
	DefaultStaleSeconds = 3600
	// DefaultRemoveSeconds drops a node entirely after 72 hours.
	DefaultRemoveSeconds = 259200
	// DefaultMaxNodes caps the store; inserts past the cap evict the
	// node with the oldest last_seen.
	DefaultMaxNodes = 10000
)

// Node is the live record for one mesh node. Pointer fields are absent
// until the corresponding packet type has been seen. Extra carries
// source-specific telemetry (air quality, health sensors) verbatim.
type Node struct {
	ID        string   `json:"id"`
	Name      string   `json:"name,omitempty"`
	ShortName string   `json:"short_name,omitempty"`
	Hardware  string   `json:"hardware,omitempty"`
	Role      string   `json:"role,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Altitude  *int     `json:"altitude,omitempty"`

	Battery     *int     `json:"battery,omitempty"`
	Voltage     *float64 `json:"voltage,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Humidity    *float64 `json:"humidity,omitempty"`
	Pressure    *float64 `json:"pressure,omitempty"`
	ChannelUtil *float64 `json:"channel_util,omitempty"`
	AirUtilTX   *float64 `json:"air_util_tx,omitempty"`
	IAQ         *int     `json:"iaq,omitempty"`

	LastSeen int64          `json:"last_seen"`
	IsOnline bool           `json:"is_online"`
	Extra    map[string]any `json:"extra,omitempty"`
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	c := *n
	c.Latitude = clonePtr(n.Latitude)
	c.Longitude = clonePtr(n.Longitude)
	c.Altitude = clonePtr(n.Altitude)
	c.Battery = clonePtr(n.Battery)
	c.Voltage = clonePtr(n.Voltage)
	c.Temperature = clonePtr(n.Temperature)
	c.Humidity = clonePtr(n.Humidity)
	c.Pressure = clonePtr(n.Pressure)
	c.ChannelUtil = clonePtr(n.ChannelUtil)
	c.AirUtilTX = clonePtr(n.AirUtilTX)
	c.IAQ = clonePtr(n.IAQ)
	if n.Extra != nil {
		c.Extra = make(map[string]any, len(n.Extra))
		for k, v := range n.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Telemetry is one telemetry update. Nil fields leave the stored value
// untouched; Extra entries are merged in.
type Telemetry struct {
	Battery     *int
	Voltage     *float64
	Temperature *float64
	Humidity    *float64
	Pressure    *float64
	ChannelUtil *float64
	AirUtilTX   *float64
	IAQ         *int
	Extra       map[string]any
}

// Neighbor is one reported radio neighbor.
type Neighbor struct {
	NodeID string   `json:"node_id"`
	SNR    *float64 `json:"snr,omitempty"`
}

// Store is the thread-safe node store. The optional OnRemoved hook is
// invoked outside the lock for every evicted or cleaned-up node.
type Store struct {
	mu        sync.Mutex
	nodes     map[string]*Node
	neighbors map[string][]Neighbor

	staleSeconds  int64
	removeSeconds int64
	maxNodes      int
	onRemoved     func(nodeID string)

	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLimits overrides the stale/remove thresholds and node cap.
func WithLimits(staleSeconds, removeSeconds int64, maxNodes int) Option {
	return func(s *Store) {
		s.staleSeconds = staleSeconds
		s.removeSeconds = removeSeconds
		s.maxNodes = maxNodes
	}
}

// WithOnRemoved registers the removal hook.
func WithOnRemoved(fn func(nodeID string)) Option {
	return func(s *Store) { s.onRemoved = fn }
}

// WithClock overrides the time source. Test helper.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store with the default limits.
func New(opts ...Option) *Store {
	s := &Store{
		nodes:         make(map[string]*Node),
		neighbors:     make(map[string][]Neighbor),
		staleSeconds:  DefaultStaleSeconds,
		removeSeconds: DefaultRemoveSeconds,
		maxNodes:      DefaultMaxNodes,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// UpdatePosition records a position fix and marks the node online.
// A zero timestamp means "now". Inserting a new node at capacity
// evicts the oldest node first.
func (s *Store) UpdatePosition(nodeID string, lat, lon float64, altitude *int, timestamp int64) {
	if timestamp == 0 {
		timestamp = s.now().Unix()
	}

	var evicted string
	s.mu.Lock()
	evicted = s.evictIfFullLocked(nodeID)
	n := s.getOrCreateLocked(nodeID)
	n.Latitude = &lat
	n.Longitude = &lon
	if altitude != nil {
		n.Altitude = clonePtr(altitude)
	}
	n.LastSeen = timestamp
	n.IsOnline = true
	s.mu.Unlock()

	s.notifyRemoved(evicted)
}

// UpdateNodeInfo records node identity. Empty fields leave the stored
// value untouched.
func (s *Store) UpdateNodeInfo(nodeID, longName, shortName, hwModel, role string) {
	s.mu.Lock()
	evicted := s.evictIfFullLocked(nodeID)
	n := s.getOrCreateLocked(nodeID)
	if longName != "" {
		n.Name = longName
	}
	if shortName != "" {
		n.ShortName = shortName
	}
	if hwModel != "" {
		n.Hardware = hwModel
	}
	if role != "" {
		n.Role = role
	}
	n.LastSeen = s.now().Unix()
	s.mu.Unlock()

	s.notifyRemoved(evicted)
}

// UpdateTelemetry merges a telemetry reading into the node.
func (s *Store) UpdateTelemetry(nodeID string, t Telemetry) {
	s.mu.Lock()
	evicted := s.evictIfFullLocked(nodeID)
	n := s.getOrCreateLocked(nodeID)
	if t.Battery != nil {
		n.Battery = clonePtr(t.Battery)
	}
	if t.Voltage != nil {
		n.Voltage = clonePtr(t.Voltage)
	}
	if t.Temperature != nil {
		n.Temperature = clonePtr(t.Temperature)
	}
	if t.Humidity != nil {
		n.Humidity = clonePtr(t.Humidity)
	}
	if t.Pressure != nil {
		n.Pressure = clonePtr(t.Pressure)
	}
	if t.ChannelUtil != nil {
		n.ChannelUtil = clonePtr(t.ChannelUtil)
	}
	if t.AirUtilTX != nil {
		n.AirUtilTX = clonePtr(t.AirUtilTX)
	}
	if t.IAQ != nil {
		n.IAQ = clonePtr(t.IAQ)
	}
	for k, v := range t.Extra {
		if v == nil {
			continue
		}
		if n.Extra == nil {
			n.Extra = make(map[string]any)
		}
		n.Extra[k] = v
	}
	n.LastSeen = s.now().Unix()
	s.mu.Unlock()

	s.notifyRemoved(evicted)
}

// UpdateNeighbors replaces the neighbor list for a node.
func (s *Store) UpdateNeighbors(nodeID string, neighbors []Neighbor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.neighbors[nodeID] = append([]Neighbor(nil), neighbors...)
}

// GetNode returns a copy of one node, trying the alternate '!' prefix
// form if the exact id is absent. Returns nil if not found.
func (s *Store) GetNode(nodeID string) *Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		alt := "!" + nodeID
		if strings.HasPrefix(nodeID, "!") {
			alt = strings.TrimPrefix(nodeID, "!")
		}
		n, ok = s.nodes[alt]
	}
	if !ok {
		return nil
	}
	return n.Clone()
}

// AllNodes returns copies of every node with valid coordinates. Nodes
// past the stale threshold are reported offline in the copy; the store
// itself is not mutated.
func (s *Store) AllNodes() []*Node {
	now := s.now().Unix()
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		if !n.hasValidCoordinates() {
			continue
		}
		c := n.Clone()
		if now-c.LastSeen > s.staleSeconds {
			c.IsOnline = false
		}
		result = append(result, c)
	}
	return result
}

// NodeCount returns the number of stored nodes.
func (s *Store) NodeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes)
}

// CleanupStale removes nodes silent past the remove threshold and
// returns how many were dropped. Removal hooks fire outside the lock.
func (s *Store) CleanupStale() int {
	now := s.now().Unix()
	var removed []string

	s.mu.Lock()
	for id, n := range s.nodes {
		if now-n.LastSeen > s.removeSeconds {
			delete(s.nodes, id)
			delete(s.neighbors, id)
			removed = append(removed, id)
		}
	}
	s.mu.Unlock()

	for _, id := range removed {
		s.notifyRemoved(id)
	}
	if len(removed) > 0 {
		log.Printf("[meshstore] cleaned up %d stale nodes", len(removed))
	}
	return len(removed)
}

func (s *Store) getOrCreateLocked(nodeID string) *Node {
	n, ok := s.nodes[nodeID]
	if !ok {
		n = &Node{ID: nodeID}
		s.nodes[nodeID] = n
	}
	return n
}

// evictIfFullLocked makes room before inserting a new node id. Caller
// holds s.mu. Returns the evicted id, or "".
func (s *Store) evictIfFullLocked(nodeID string) string {
	if _, ok := s.nodes[nodeID]; !ok && len(s.nodes) >= s.maxNodes {
		return s.evictOldestLocked()
	}
	return ""
}

// evictOldestLocked drops the node with the oldest last_seen. Caller
// holds s.mu. Returns the evicted id, or "".
func (s *Store) evictOldestLocked() string {
	var oldestID string
	var oldestSeen int64
	for id, n := range s.nodes {
		if oldestID == "" || n.LastSeen < oldestSeen {
			oldestID, oldestSeen = id, n.LastSeen
		}
	}
	if oldestID != "" {
		delete(s.nodes, oldestID)
		delete(s.neighbors, oldestID)
	}
	return oldestID
}

func (s *Store) notifyRemoved(nodeID string) {
	if nodeID == "" || s.onRemoved == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[meshstore] removal hook panicked for %s: %v", nodeID, r)
		}
	}()
	s.onRemoved(nodeID)
}
