package meshstore

import (
	"fmt"
	"testing"
	"time"
)

func fptr(v float64) *float64 { return &v }
func iptr(v int) *int         { return &v }

func TestUpdateAndGetNode(t *testing.T) {
	s := New()
	s.UpdatePosition("!a1b2c3d4", 45.5, -122.6, iptr(120), 0)
	s.UpdateNodeInfo("!a1b2c3d4", "Base Camp", "BC", "TBEAM", "ROUTER")
	s.UpdateTelemetry("!a1b2c3d4", Telemetry{
		Battery: iptr(85),
		Voltage: fptr(3.9),
		Extra:   map[string]any{"co2": 420, "bogus": nil},
	})

	n := s.GetNode("!a1b2c3d4")
	if n == nil {
		t.Fatal("node not found")
	}
	if n.Name != "Base Camp" || n.Hardware != "TBEAM" || n.Role != "ROUTER" {
		t.Fatalf("identity = %q/%q/%q", n.Name, n.Hardware, n.Role)
	}
	if *n.Battery != 85 || *n.Voltage != 3.9 || *n.Altitude != 120 {
		t.Fatal("telemetry fields not stored")
	}
	if n.Extra["co2"] != 420 {
		t.Fatalf("extra co2 = %v, want 420", n.Extra["co2"])
	}
	if _, ok := n.Extra["bogus"]; ok {
		t.Fatal("nil extra values must be dropped")
	}
	if !n.IsOnline {
		t.Fatal("node with fresh position should be online")
	}

	// Lookup by alternate id form.
	if s.GetNode("a1b2c3d4") == nil {
		t.Fatal("lookup without '!' prefix should find the node")
	}

	// Reads are copies; mutating the copy must not leak into the store.
	*n.Battery = 1
	if got := s.GetNode("!a1b2c3d4"); *got.Battery != 85 {
		t.Fatalf("store mutated through a read copy: battery = %d", *got.Battery)
	}
}

func TestUpdateNodeInfoKeepsExistingFields(t *testing.T) {
	s := New()
	s.UpdateNodeInfo("!aa", "Long Name", "LN", "HELTEC", "CLIENT")
	s.UpdateNodeInfo("!aa", "", "L2", "", "")
	n := s.GetNode("!aa")
	if n.Name != "Long Name" || n.ShortName != "L2" || n.Hardware != "HELTEC" {
		t.Fatalf("empty update fields must not clear values: %+v", n)
	}
}

func TestAllNodesStaleMarking(t *testing.T) {
	now := time.Now()
	s := New(WithClock(func() time.Time { return now }))

	s.UpdatePosition("!fresh", 10, 10, nil, now.Unix())
	s.UpdatePosition("!stale", 20, 20, nil, now.Unix()-DefaultStaleSeconds-1)
	s.UpdateNodeInfo("!nopos", "No Position", "", "", "")

	nodes := s.AllNodes()
	if len(nodes) != 2 {
		t.Fatalf("AllNodes = %d nodes, want 2 (unpositioned node excluded)", len(nodes))
	}
	for _, n := range nodes {
		switch n.ID {
		case "!fresh":
			if !n.IsOnline {
				t.Fatal("fresh node should be online")
			}
		case "!stale":
			if n.IsOnline {
				t.Fatal("stale node should be reported offline")
			}
		}
	}

	// Stale marking is on the copy only.
	s.mu.Lock()
	if !s.nodes["!stale"].IsOnline {
		t.Fatal("stale marking must not mutate the stored node")
	}
	s.mu.Unlock()
}

func TestEvictionAtCapacity(t *testing.T) {
	var removed []string
	s := New(
		WithLimits(DefaultStaleSeconds, DefaultRemoveSeconds, 3),
		WithOnRemoved(func(id string) { removed = append(removed, id) }),
	)

	base := time.Now().Unix()
	for i := 0; i < 3; i++ {
		s.UpdatePosition(fmt.Sprintf("!n%d", i), 10, 10, nil, base+int64(i))
	}
	s.UpdatePosition("!new", 10, 10, nil, base+10)

	if s.NodeCount() != 3 {
		t.Fatalf("node count = %d, want 3", s.NodeCount())
	}
	if s.GetNode("!n0") != nil {
		t.Fatal("oldest node should have been evicted")
	}
	if len(removed) != 1 || removed[0] != "!n0" {
		t.Fatalf("removal hook got %v, want [!n0]", removed)
	}
}

func TestEvictionOnAllCreatePaths(t *testing.T) {
	var removed []string
	s := New(
		WithLimits(DefaultStaleSeconds, DefaultRemoveSeconds, 2),
		WithOnRemoved(func(id string) { removed = append(removed, id) }),
	)

	base := time.Now().Unix()
	s.UpdatePosition("!n0", 10, 10, nil, base)
	s.UpdatePosition("!n1", 10, 10, nil, base+1)

	s.UpdateNodeInfo("!n2", "Info Node", "", "", "")
	if s.NodeCount() != 2 {
		t.Fatalf("node count = %d after nodeinfo insert, want 2", s.NodeCount())
	}
	if len(removed) != 1 || removed[0] != "!n0" {
		t.Fatalf("removal hook got %v, want [!n0]", removed)
	}

	s.UpdateTelemetry("!n3", Telemetry{Battery: iptr(50)})
	if s.NodeCount() != 2 {
		t.Fatalf("node count = %d after telemetry insert, want 2", s.NodeCount())
	}
	if len(removed) != 2 {
		t.Fatalf("removal hook got %v, want two evictions", removed)
	}
}

func TestCleanupStale(t *testing.T) {
	now := time.Now()
	var removed []string
	s := New(
		WithClock(func() time.Time { return now }),
		WithOnRemoved(func(id string) { removed = append(removed, id) }),
	)

	s.UpdatePosition("!old", 10, 10, nil, now.Unix()-DefaultRemoveSeconds-1)
	s.UpdateNeighbors("!old", []Neighbor{{NodeID: "!keep"}})
	s.UpdatePosition("!keep", 20, 20, nil, now.Unix())

	if got := s.CleanupStale(); got != 1 {
		t.Fatalf("CleanupStale = %d, want 1", got)
	}
	if s.GetNode("!old") != nil {
		t.Fatal("removed node still present")
	}
	if len(removed) != 1 || removed[0] != "!old" {
		t.Fatalf("removal hook got %v", removed)
	}
	if links := s.TopologyLinks(); len(links) != 0 {
		t.Fatalf("neighbor list should be dropped with the node, got %d links", len(links))
	}
}

func TestTopologyGeoJSON(t *testing.T) {
	s := New()
	s.UpdatePosition("!src", 45.0, -122.0, nil, 0)
	s.UpdatePosition("!dst", 45.1, -122.1, nil, 0)
	s.UpdateNodeInfo("!nowhere", "Hidden", "", "", "")
	s.UpdateNeighbors("!src", []Neighbor{
		{NodeID: "!dst", SNR: fptr(6.5)},
		{NodeID: "!nowhere", SNR: fptr(2.0)},
		{NodeID: "!missing"},
	})

	fc := s.TopologyGeoJSON()
	if len(fc.Features) != 1 {
		t.Fatalf("features = %d, want 1 (unpositioned endpoints dropped)", len(fc.Features))
	}
	f := fc.Features[0]
	if f.Geometry.Type != "LineString" {
		t.Fatalf("geometry type = %s, want LineString", f.Geometry.Type)
	}
	coords := f.Geometry.Coordinates.([][]float64)
	if coords[0][0] != -122.0 || coords[0][1] != 45.0 {
		t.Fatalf("source coordinate = %v, want [lon lat]", coords[0])
	}
	if f.Properties["quality"] != "good" || f.Properties["color"] != "#8bc34a" {
		t.Fatalf("snr 6.5 should classify good: %v", f.Properties)
	}
	if f.Properties["network"] != "meshtastic" {
		t.Fatalf("network = %v, want meshtastic", f.Properties["network"])
	}
	if fc.Properties["link_count"] != 1 {
		t.Fatalf("link_count = %v, want 1", fc.Properties["link_count"])
	}
}

func TestTopologyUnknownSNR(t *testing.T) {
	s := New()
	s.UpdatePosition("!a", 10, 10, nil, 0)
	s.UpdatePosition("!b", 11, 11, nil, 0)
	s.UpdateNeighbors("!a", []Neighbor{{NodeID: "!b"}})

	fc := s.TopologyGeoJSON()
	if len(fc.Features) != 1 {
		t.Fatalf("features = %d, want 1", len(fc.Features))
	}
	props := fc.Features[0].Properties
	if props["quality"] != "unknown" || props["color"] != "#9e9e9e" {
		t.Fatalf("missing snr should classify unknown: %v", props)
	}
}
