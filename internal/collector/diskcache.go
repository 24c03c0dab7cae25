package collector

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/meshforge/maps/internal/model"
)

// Cache file names under the data directory, shared with the wider
// toolchain so collectors can warm-start from a previous run.
const (
	UnifiedCacheFile = "node_cache.json"
	MQTTCacheFile    = "mqtt_nodes.json"
	ArednCacheFile   = "aredn_nodes.json"
	RNSCacheFile     = "rns_nodes.json"
)

// ReadCachedFeatures loads a GeoJSON cache file and returns its
// features, optionally filtered to one network. A missing or
// unparseable file yields no features; disk caches are best-effort.
func ReadCachedFeatures(path, network string) []*model.Feature {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var fc model.FeatureCollection
	if err := json.Unmarshal(raw, &fc); err != nil || fc.Type != "FeatureCollection" {
		return nil
	}

	features := make([]*model.Feature, 0, len(fc.Features))
	for _, f := range fc.Features {
		if f == nil {
			continue
		}
		if network != "" {
			if net, _ := f.Properties["network"].(string); net != network {
				continue
			}
		}
		features = append(features, f)
	}
	return features
}

// WriteCachedFeatures atomically persists a FeatureCollection cache
// file next to the other data-dir caches.
func WriteCachedFeatures(path string, fc *model.FeatureCollection) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	data, err := json.Marshal(fc)
	if err != nil {
		return fmt.Errorf("marshal cache: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cache: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace cache: %w", err)
	}
	return nil
}
