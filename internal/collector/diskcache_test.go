package collector

import (
	"path/filepath"
	"testing"

	"github.com/meshforge/maps/internal/model"
)

func TestDiskCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, UnifiedCacheFile)

	fc := model.NewFeatureCollection([]*model.Feature{
		model.MakeFeature("!aabbccdd", 45.5, -122.6, "meshtastic", "Base", "meshtastic_node", nil),
		model.MakeFeature("KF7ABC-hilltop", 45.52, -122.68, "aredn", "", "aredn_node", nil),
	}, "aggregate")

	if err := WriteCachedFeatures(path, fc); err != nil {
		t.Fatalf("WriteCachedFeatures: %v", err)
	}

	all := ReadCachedFeatures(path, "")
	if len(all) != 2 {
		t.Fatalf("unfiltered features = %d, want 2", len(all))
	}

	aredn := ReadCachedFeatures(path, "aredn")
	if len(aredn) != 1 {
		t.Fatalf("aredn features = %d, want 1", len(aredn))
	}
	if aredn[0].ID() != "KF7ABC-hilltop" {
		t.Fatalf("id = %q", aredn[0].ID())
	}
}

func TestDiskCacheMissingAndGarbage(t *testing.T) {
	dir := t.TempDir()

	if got := ReadCachedFeatures(filepath.Join(dir, "absent.json"), ""); got != nil {
		t.Fatalf("missing file returned %d features", len(got))
	}

	garbage := filepath.Join(dir, "garbage.json")
	if err := WriteCachedFeatures(garbage, model.NewFeatureCollection(nil, "x")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if got := ReadCachedFeatures(garbage, ""); len(got) != 0 {
		t.Fatalf("empty collection returned %d features", len(got))
	}
}
