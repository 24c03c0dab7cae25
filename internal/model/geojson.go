// Package model holds the shared data model for the map service:
// GeoJSON features, coordinate validation, and the quality/severity
// palettes used by every collector.
package model

import (
	"math"
	"time"
)

// Feature is a GeoJSON Feature. Properties is a free-form map because
// collectors attach source-specific fields on top of the canonical set.
type Feature struct {
	Type       string         `json:"type"`
	Geometry   Geometry       `json:"geometry"`
	Properties map[string]any `json:"properties"`
}

// Geometry is a GeoJSON geometry. Coordinates is [lon, lat] for Point
// and [][lon, lat] for LineString.
type Geometry struct {
	Type        string `json:"type"`
	Coordinates any    `json:"coordinates"`
}

// FeatureCollection is a GeoJSON FeatureCollection with collection-level
// metadata in Properties (source, collected_at, node_count).
type FeatureCollection struct {
	Type       string         `json:"type"`
	Features   []*Feature     `json:"features"`
	Properties map[string]any `json:"properties,omitempty"`
}

// NewPoint builds a Point geometry. GeoJSON order is [lon, lat].
func NewPoint(lat, lon float64) Geometry {
	return Geometry{Type: "Point", Coordinates: []float64{lon, lat}}
}

// NewLineString builds a LineString geometry from [lon, lat] pairs.
func NewLineString(coords [][]float64) Geometry {
	return Geometry{Type: "LineString", Coordinates: coords}
}

// PointLatLon extracts the lat/lon of a Point geometry. Coordinates
// built in-process are []float64; coordinates decoded from cached JSON
// are []any. Both shapes are accepted.
func (g Geometry) PointLatLon() (lat, lon float64, ok bool) {
	if g.Type != "Point" {
		return 0, 0, false
	}
	switch c := g.Coordinates.(type) {
	case []float64:
		if len(c) >= 2 {
			return c[1], c[0], true
		}
	case []any:
		if len(c) >= 2 {
			lonV, okLon := c[0].(float64)
			latV, okLat := c[1].(float64)
			if okLon && okLat {
				return latV, lonV, true
			}
		}
	}
	return 0, 0, false
}

// ValidateCoordinates checks a lat/lon pair for NaN, Infinity, range,
// and the Null Island artifact. When convertInt is true, values with
// magnitudes beyond the valid degree range are treated as integer-scaled
// (degrees * 1e7) and divided down first.
//
// Returns the normalized pair and false if the pair is unusable.
func ValidateCoordinates(lat, lon float64, convertInt bool) (float64, float64, bool) {
	if convertInt {
		if math.Abs(lat) > 900 {
			lat /= 1e7
		}
		if math.Abs(lon) > 1800 {
			lon /= 1e7
		}
	}

	if math.IsNaN(lat) || math.IsNaN(lon) {
		return 0, 0, false
	}
	if math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return 0, 0, false
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return 0, 0, false
	}

	// (0,0) is almost always uninitialized GPS data, not a real fix.
	if math.Abs(lat) < 0.01 && math.Abs(lon) < 0.01 {
		return 0, 0, false
	}

	return lat, lon, true
}

// MakeFeature builds a standardized node Feature. The canonical property
// set is filled from extra where present; nil-valued entries are
// stripped so absent fields stay absent in the JSON output.
//
// Returns nil if the coordinates are invalid.
func MakeFeature(nodeID string, lat, lon float64, network, name, nodeType string, extra map[string]any) *Feature {
	lat, lon, ok := ValidateCoordinates(lat, lon, false)
	if !ok {
		return nil
	}
	if name == "" {
		name = nodeID
	}

	props := map[string]any{
		"id":        nodeID,
		"name":      name,
		"network":   network,
		"node_type": nodeType,
	}
	for k, v := range extra {
		if v == nil {
			continue
		}
		props[k] = v
	}

	return &Feature{
		Type:       "Feature",
		Geometry:   NewPoint(lat, lon),
		Properties: props,
	}
}

// ID returns the feature's properties.id, or "" if absent.
func (f *Feature) ID() string {
	if f == nil || f.Properties == nil {
		return ""
	}
	id, _ := f.Properties["id"].(string)
	return id
}

// NewFeatureCollection wraps features with standard collection metadata.
func NewFeatureCollection(features []*Feature, source string) *FeatureCollection {
	if features == nil {
		features = []*Feature{}
	}
	return &FeatureCollection{
		Type:     "FeatureCollection",
		Features: features,
		Properties: map[string]any{
			"source":       source,
			"collected_at": time.Now().UTC().Format(time.RFC3339),
			"node_count":   len(features),
		},
	}
}

// DeduplicateFeatures merges feature lists, keeping the first occurrence
// of each properties.id. Features without an id pass through untouched;
// nil features are dropped.
func DeduplicateFeatures(lists ...[]*Feature) []*Feature {
	result := make([]*Feature, 0)
	seen := make(map[string]struct{})
	for _, features := range lists {
		for _, f := range features {
			if f == nil {
				continue
			}
			id := f.ID()
			if id == "" {
				result = append(result, f)
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			result = append(result, f)
		}
	}
	return result
}
