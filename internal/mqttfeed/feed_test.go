package mqttfeed

import (
	"bytes"
	"testing"

	"github.com/meshforge/maps/internal/bus"
	"github.com/meshforge/maps/internal/meshstore"
)

func newTestFeed() (*Feed, *bus.Bus) {
	b := bus.New()
	return New(Config{}, meshstore.New(), b), b
}

func TestHandlePositionEnvelope(t *testing.T) {
	f, b := newTestFeed()
	var events []bus.Event
	b.Subscribe(bus.Wildcard, func(ev bus.Event) { events = append(events, ev) })

	f.HandlePayload([]byte(`{
		"from": 2712345678,
		"sender": "!a1b2c3d4",
		"timestamp": 1700000000,
		"type": "position",
		"payload": {"latitude_i": 455000000, "longitude_i": -1226000000, "altitude": 120}
	}`))

	n := f.Store().GetNode("!a1b2c3d4")
	if n == nil {
		t.Fatal("node not stored")
	}
	if *n.Latitude != 45.5 || *n.Longitude != -122.6 {
		t.Fatalf("coordinates = %v, %v, want 45.5, -122.6", *n.Latitude, *n.Longitude)
	}
	if *n.Altitude != 120 || n.LastSeen != 1700000000 {
		t.Fatalf("altitude/last_seen = %v/%v", *n.Altitude, n.LastSeen)
	}

	if len(events) != 1 || events[0].Type != bus.EventNodePosition {
		t.Fatalf("events = %v, want one node.position", events)
	}
	if events[0].Data["lat"] != 45.5 {
		t.Fatalf("event lat = %v", events[0].Data["lat"])
	}
}

func TestHandleNumericSender(t *testing.T) {
	f, _ := newTestFeed()
	f.HandlePayload([]byte(`{
		"sender": 2712847316,
		"type": "nodeinfo",
		"payload": {"long_name": "Ridge Repeater", "short_name": "RR", "hw_model": "RAK4631", "role": "ROUTER"}
	}`))

	n := f.Store().GetNode("!a1b2c3d4")
	if n == nil {
		t.Fatal("numeric sender 2712847316 should canonicalize to !a1b2c3d4")
	}
	if n.Name != "Ridge Repeater" || n.Role != "ROUTER" {
		t.Fatalf("nodeinfo = %+v", n)
	}
}

func TestHandleTelemetryClamps(t *testing.T) {
	f, _ := newTestFeed()
	f.HandlePayload([]byte(`{
		"sender": "!0000aaaa",
		"type": "telemetry",
		"payload": {
			"battery_level": 101,
			"voltage": 3.8,
			"channel_utilization": 12.5,
			"co2": 420,
			"heart_bpm": 500
		}
	}`))

	n := f.Store().GetNode("!0000aaaa")
	if n == nil {
		t.Fatal("node not stored")
	}
	if n.Battery != nil {
		t.Fatal("out-of-range battery should be dropped")
	}
	if *n.Voltage != 3.8 || *n.ChannelUtil != 12.5 {
		t.Fatalf("telemetry = %+v", n)
	}
	if n.Extra["co2"] != 420 {
		t.Fatalf("extra co2 = %v", n.Extra["co2"])
	}
	if _, ok := n.Extra["heart_bpm"]; ok {
		t.Fatal("out-of-range heart_bpm should be dropped")
	}
}

func TestHandleNeighborInfo(t *testing.T) {
	f, b := newTestFeed()
	var topoEvents int
	b.Subscribe(bus.EventNodeTopology, func(bus.Event) { topoEvents++ })

	f.HandlePayload([]byte(`{
		"sender": "!a1b2c3d4",
		"type": "neighborinfo",
		"payload": {"neighbors": [{"node_id": 305419896, "snr": 6.5}, {"node_id": 2}]}
	}`))

	// Position both endpoints so the link materializes.
	f.Store().UpdatePosition("!a1b2c3d4", 45, -122, nil, 0)
	f.Store().UpdatePosition("!12345678", 45.1, -122.1, nil, 0)

	links := f.Store().TopologyLinks()
	if len(links) != 1 {
		t.Fatalf("links = %d, want 1", len(links))
	}
	if links[0].Target != "!12345678" || *links[0].SNR != 6.5 {
		t.Fatalf("link = %+v", links[0])
	}
	if topoEvents != 1 {
		t.Fatalf("topology events = %d, want 1", topoEvents)
	}
}

func TestRejectsGarbageAndOversized(t *testing.T) {
	f, _ := newTestFeed()

	f.HandlePayload([]byte{0x08, 0x96, 0x01}) // binary protobuf, not JSON
	if got := f.Stats().ParseErrors; got != 1 {
		t.Fatalf("parse errors = %d, want 1", got)
	}

	f.HandlePayload(bytes.Repeat([]byte("x"), MaxPayloadSize+1))
	st := f.Stats()
	if st.MessagesReceived != 1 {
		t.Fatalf("oversized payload should be rejected before counting, got %d", st.MessagesReceived)
	}
}

func TestPositionNullIslandDropped(t *testing.T) {
	f, _ := newTestFeed()
	f.HandlePayload([]byte(`{
		"sender": "!0000bbbb",
		"type": "position",
		"payload": {"latitude_i": 0, "longitude_i": 0}
	}`))
	if f.Store().GetNode("!0000bbbb") != nil {
		t.Fatal("zero coordinates must not create a node")
	}
}
