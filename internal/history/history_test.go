package history

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s := Open(filepath.Join(t.TempDir(), "history.db"), opts...)
	if !s.Available() {
		t.Fatalf("history store failed to initialize")
	}
	t.Cleanup(s.Close)
	return s
}

func i64(v int64) *int64 { return &v }

func TestRecordThrottling(t *testing.T) {
	s := openTestStore(t, WithThrottle(60*time.Second))

	if !s.RecordObservation(Observation{NodeID: "!aa", Timestamp: 1000, Latitude: 45.5, Longitude: -122.6}) {
		t.Fatalf("first observation rejected")
	}
	if s.RecordObservation(Observation{NodeID: "!aa", Timestamp: 1030, Latitude: 45.6, Longitude: -122.6}) {
		t.Fatalf("observation within throttle window accepted")
	}
	if !s.RecordObservation(Observation{NodeID: "!aa", Timestamp: 1060, Latitude: 45.6, Longitude: -122.6}) {
		t.Fatalf("observation past throttle window rejected")
	}
	// Other nodes throttle independently.
	if !s.RecordObservation(Observation{NodeID: "!bb", Timestamp: 1030, Latitude: 45.0, Longitude: -122.0}) {
		t.Fatalf("unrelated node throttled")
	}
	if s.ObservationCount() != 3 {
		t.Fatalf("ObservationCount = %d, want 3", s.ObservationCount())
	}
	if s.NodeCount() != 2 {
		t.Fatalf("NodeCount = %d, want 2", s.NodeCount())
	}
}

func TestTrajectoryShapes(t *testing.T) {
	s := openTestStore(t, WithThrottle(time.Second))

	fc := s.Trajectory("!aa", nil, nil, 0)
	if len(fc.Features) != 0 {
		t.Fatalf("empty trajectory has %d features", len(fc.Features))
	}

	alt := 120.0
	s.RecordObservation(Observation{NodeID: "!aa", Timestamp: 1000, Latitude: 45.5, Longitude: -122.6, Altitude: &alt})
	fc = s.Trajectory("!aa", nil, nil, 0)
	if len(fc.Features) != 1 || fc.Features[0].Geometry.Type != "Point" {
		t.Fatalf("single observation should yield a Point feature: %+v", fc.Features)
	}

	s.RecordObservation(Observation{NodeID: "!aa", Timestamp: 1100, Latitude: 45.6, Longitude: -122.7})
	s.RecordObservation(Observation{NodeID: "!aa", Timestamp: 1200, Latitude: 45.7, Longitude: -122.8})
	fc = s.Trajectory("!aa", nil, nil, 0)
	f := fc.Features[0]
	if f.Geometry.Type != "LineString" {
		t.Fatalf("geometry = %s, want LineString", f.Geometry.Type)
	}
	coords := f.Geometry.Coordinates.([][]float64)
	if len(coords) != 3 {
		t.Fatalf("coords = %d, want 3", len(coords))
	}
	// Points are time-ordered; the first carries the recorded altitude.
	if coords[0][1] != 45.5 || len(coords[0]) != 3 || coords[0][2] != 120.0 {
		t.Fatalf("first coord = %v", coords[0])
	}
	if f.Properties["time_span_seconds"] != int64(200) {
		t.Fatalf("time_span_seconds = %v", f.Properties["time_span_seconds"])
	}

	// Window filters apply.
	fc = s.Trajectory("!aa", i64(1050), i64(1150), 0)
	windowed := fc.Features[0].Geometry.Coordinates.([]float64)
	if windowed[1] != 45.6 {
		t.Fatalf("windowed coord = %v", windowed)
	}
}

func TestSnapshotLatestPerNode(t *testing.T) {
	s := openTestStore(t, WithThrottle(time.Second))

	s.RecordObservation(Observation{NodeID: "!aa", Timestamp: 1000, Latitude: 45.5, Longitude: -122.6, Network: "meshtastic", Name: "Base"})
	s.RecordObservation(Observation{NodeID: "!aa", Timestamp: 1100, Latitude: 45.6, Longitude: -122.7, Network: "meshtastic", Name: "Base"})
	s.RecordObservation(Observation{NodeID: "!bb", Timestamp: 1050, Latitude: 44.0, Longitude: -121.0})
	s.RecordObservation(Observation{NodeID: "!aa", Timestamp: 1500, Latitude: 45.9, Longitude: -122.9, Network: "meshtastic", Name: "Base"})

	fc := s.Snapshot(1200)
	if len(fc.Features) != 2 {
		t.Fatalf("snapshot features = %d, want 2", len(fc.Features))
	}
	if fc.Properties["node_count"] != 2 {
		t.Fatalf("node_count = %v", fc.Properties["node_count"])
	}
	for _, f := range fc.Features {
		if f.ID() != "!aa" {
			continue
		}
		if f.Properties["last_seen"] != int64(1100) {
			t.Fatalf("snapshot used wrong observation: last_seen = %v", f.Properties["last_seen"])
		}
		coords := f.Geometry.Coordinates.([]float64)
		if coords[1] != 45.6 {
			t.Fatalf("snapshot coords = %v", coords)
		}
	}
	// The id-less name falls back and the network defaults.
	for _, f := range fc.Features {
		if f.ID() == "!bb" {
			if f.Properties["name"] != "!bb" || f.Properties["network"] != "unknown" {
				t.Fatalf("fallback props = %v", f.Properties)
			}
		}
	}
}

func TestPruneAndTrackedNodes(t *testing.T) {
	s := openTestStore(t, WithThrottle(time.Second))

	s.RecordObservation(Observation{NodeID: "!aa", Timestamp: 1000, Latitude: 45.5, Longitude: -122.6})
	s.RecordObservation(Observation{NodeID: "!aa", Timestamp: 2000, Latitude: 45.6, Longitude: -122.7})
	s.RecordObservation(Observation{NodeID: "!bb", Timestamp: 1500, Latitude: 44.0, Longitude: -121.0})

	tracked := s.TrackedNodes()
	if len(tracked) != 2 {
		t.Fatalf("tracked = %d, want 2", len(tracked))
	}
	if tracked[0].NodeID != "!aa" || tracked[0].ObservationCount != 2 {
		t.Fatalf("tracked[0] = %+v, want !aa with 2 observations", tracked[0])
	}

	if n := s.Prune(i64(1500)); n != 1 {
		t.Fatalf("pruned = %d, want 1", n)
	}
	if s.ObservationCount() != 2 {
		t.Fatalf("ObservationCount after prune = %d, want 2", s.ObservationCount())
	}
}

func TestDensityPoints(t *testing.T) {
	s := openTestStore(t, WithThrottle(time.Millisecond))

	// Three observations in one cell at precision 2, one in another.
	for i, ts := range []int64{1000, 2000, 3000} {
		s.RecordObservation(Observation{NodeID: "!aa", Timestamp: ts, Latitude: 45.5201 + float64(i)*0.0001, Longitude: -122.6802, Network: "meshtastic"})
	}
	s.RecordObservation(Observation{NodeID: "!bb", Timestamp: 1000, Latitude: 44.0000, Longitude: -121.0000, Network: "aredn"})

	cells := s.DensityPoints(nil, nil, 2, "")
	if len(cells) != 2 {
		t.Fatalf("cells = %d, want 2", len(cells))
	}
	if cells[0].Count != 3 {
		t.Fatalf("densest cell count = %d, want 3", cells[0].Count)
	}

	meshOnly := s.DensityPoints(nil, nil, 2, "meshtastic")
	if len(meshOnly) != 1 || meshOnly[0].Count != 3 {
		t.Fatalf("network-filtered cells = %+v", meshOnly)
	}
}

func TestDegradedStoreIsNoop(t *testing.T) {
	// A path whose parent cannot be created forces degraded mode.
	s := Open(filepath.Join("/dev/null", "impossible", "history.db"))
	if s.Available() {
		t.Fatalf("store claims to be available")
	}
	if s.RecordObservation(Observation{NodeID: "!aa", Latitude: 1, Longitude: 1}) {
		t.Fatalf("degraded store accepted a write")
	}
	if fc := s.Trajectory("!aa", nil, nil, 0); len(fc.Features) != 0 {
		t.Fatalf("degraded trajectory non-empty")
	}
	if s.ObservationCount() != 0 || len(s.TrackedNodes()) != 0 {
		t.Fatalf("degraded reads non-empty")
	}
	s.Close()
}
