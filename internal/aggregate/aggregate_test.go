package aggregate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/meshforge/maps/internal/bus"
	"github.com/meshforge/maps/internal/circuit"
	"github.com/meshforge/maps/internal/collector"
	"github.com/meshforge/maps/internal/meshstore"
	"github.com/meshforge/maps/internal/model"
)

type stubFetcher struct {
	source string
	fn     func() (*model.FeatureCollection, error)
}

func (s *stubFetcher) Source() string { return s.source }

func (s *stubFetcher) Fetch(ctx context.Context) (*model.FeatureCollection, error) {
	return s.fn()
}

func testAggregator() *Aggregator {
	return &Aggregator{
		events:         bus.New(),
		registry:       circuit.NewRegistry(5, time.Minute),
		runners:        make(map[string]*collector.Runner),
		lastCounts:     make(map[string]int),
		arednPositions: make(map[string][2]float64),
	}
}

func featureList(network string, ids ...string) []*model.Feature {
	out := make([]*model.Feature, 0, len(ids))
	for i, id := range ids {
		out = append(out, model.MakeFeature(id, 45.0+float64(i)*0.1, -122.0, network, "", network+"_node", nil))
	}
	return out
}

func TestCollectAllDeduplicatesAcrossSources(t *testing.T) {
	a := testAggregator()
	a.addRunner("alpha", &stubFetcher{source: "alpha", fn: func() (*model.FeatureCollection, error) {
		return model.NewFeatureCollection(featureList("meshtastic", "!aa", "!bb"), "alpha"), nil
	}}, time.Minute)
	a.addRunner("beta", &stubFetcher{source: "beta", fn: func() (*model.FeatureCollection, error) {
		return model.NewFeatureCollection(featureList("meshtastic", "!bb", "!cc"), "beta"), nil
	}}, time.Minute)

	fc := a.CollectAll(context.Background())
	if len(fc.Features) != 3 {
		t.Fatalf("features = %d, want 3", len(fc.Features))
	}
	if fc.Features[1].ID() != "!bb" {
		t.Fatalf("second feature = %q, want first-source !bb", fc.Features[1].ID())
	}

	counts := fc.Properties["sources"].(map[string]int)
	if counts["alpha"] != 2 || counts["beta"] != 2 {
		t.Fatalf("counts = %v", counts)
	}
	if fc.Properties["total_nodes"] != 3 {
		t.Fatalf("total_nodes = %v", fc.Properties["total_nodes"])
	}
}

func TestCollectAllIsolatesFailingSource(t *testing.T) {
	a := testAggregator()
	a.addRunner("bad", &stubFetcher{source: "bad", fn: func() (*model.FeatureCollection, error) {
		return nil, errors.New("unreachable")
	}}, time.Minute)
	a.addRunner("good", &stubFetcher{source: "good", fn: func() (*model.FeatureCollection, error) {
		return model.NewFeatureCollection(featureList("meshtastic", "!aa"), "good"), nil
	}}, time.Minute)
	a.runners["bad"] = collector.NewRunner(
		&stubFetcher{source: "bad", fn: func() (*model.FeatureCollection, error) {
			return nil, errors.New("unreachable")
		}},
		collector.WithRetries(0),
		collector.WithSleep(func(time.Duration) {}))

	fc := a.CollectAll(context.Background())
	if len(fc.Features) != 1 {
		t.Fatalf("features = %d, want 1 from surviving source", len(fc.Features))
	}
	counts := fc.Properties["sources"].(map[string]int)
	if counts["bad"] != 0 {
		t.Fatalf("failing source count = %d, want 0", counts["bad"])
	}
}

func TestCollectAllCachesOverlay(t *testing.T) {
	a := testAggregator()
	a.addRunner("hamclock", &stubFetcher{source: "hamclock", fn: func() (*model.FeatureCollection, error) {
		fc := model.NewFeatureCollection(nil, "hamclock")
		fc.Properties["space_weather"] = map[string]any{"kp_index": 3.0}
		fc.Properties["solar_terminator"] = map[string]any{"subsolar_lat": 10.0}
		return fc, nil
	}}, time.Minute)

	a.CollectAll(context.Background())

	overlay := a.CachedOverlay(context.Background())
	if _, ok := overlay["space_weather"]; !ok {
		t.Fatalf("overlay missing space_weather: %v", overlay)
	}
	if _, ok := overlay["solar_terminator"]; !ok {
		t.Fatalf("overlay missing solar_terminator: %v", overlay)
	}
	if a.LastCollectAgeSeconds() == nil {
		t.Fatalf("LastCollectAgeSeconds nil after a cycle")
	}
}

func TestCachedOverlayFallsBackToHamClockOnly(t *testing.T) {
	calls := 0
	a := testAggregator()
	a.addRunner("meshtastic", &stubFetcher{source: "meshtastic", fn: func() (*model.FeatureCollection, error) {
		t.Fatalf("full collection triggered by overlay request")
		return nil, nil
	}}, time.Minute)
	a.addRunner("hamclock", &stubFetcher{source: "hamclock", fn: func() (*model.FeatureCollection, error) {
		calls++
		fc := model.NewFeatureCollection(nil, "hamclock")
		fc.Properties["space_weather"] = map[string]any{"band_conditions": "good"}
		return fc, nil
	}}, time.Minute)

	overlay := a.CachedOverlay(context.Background())
	if calls != 1 {
		t.Fatalf("hamclock collections = %d, want 1", calls)
	}
	if _, ok := overlay["space_weather"]; !ok {
		t.Fatalf("overlay missing space_weather")
	}

	// Second call must hit the cached overlay.
	a.CachedOverlay(context.Background())
	if calls != 1 {
		t.Fatalf("hamclock collections = %d after cached read, want 1", calls)
	}
}

func TestCollectAllSkipsOverlayOnlySources(t *testing.T) {
	a := testAggregator()
	a.addRunner("noaa_alerts", &stubFetcher{source: "noaa_alerts", fn: func() (*model.FeatureCollection, error) {
		t.Fatalf("overlay-only source collected in full cycle")
		return nil, nil
	}}, time.Minute)
	a.addRunner("meshtastic", &stubFetcher{source: "meshtastic", fn: func() (*model.FeatureCollection, error) {
		return model.NewFeatureCollection(featureList("meshtastic", "!aa"), "meshtastic"), nil
	}}, time.Minute)

	fc := a.CollectAll(context.Background())
	if len(fc.Features) != 1 {
		t.Fatalf("features = %d, want 1", len(fc.Features))
	}
	if a.CollectSource(context.Background(), "unknown").Properties["source"] != "unknown" {
		t.Fatalf("CollectSource for unknown name should return empty named collection")
	}
}

func TestNodeRemovedFanout(t *testing.T) {
	a := testAggregator()
	var removed []string
	a.OnNodeRemoved(func(id string) { removed = append(removed, id) })
	a.OnNodeRemoved(func(id string) { removed = append(removed, id+"-second") })

	a.store = meshstore.New(meshstore.WithOnRemoved(a.notifyNodeRemoved), meshstore.WithLimits(60, 120, 1))
	a.store.UpdatePosition("!aa000001", 45.0, -122.0, nil, 0)
	a.store.UpdatePosition("!aa000002", 45.1, -122.1, nil, 0)

	if len(removed) != 2 || removed[0] != "!aa000001" || removed[1] != "!aa000001-second" {
		t.Fatalf("removed = %v", removed)
	}
}
