package model

import (
	"encoding/json"
	"math"
	"testing"
)

func TestValidateCoordinates(t *testing.T) {
	cases := []struct {
		name     string
		lat, lon float64
		convert  bool
		wantLat  float64
		wantLon  float64
		ok       bool
	}{
		{"valid", 45.5, -122.6, false, 45.5, -122.6, true},
		{"lat out of range", 91, 0.5, false, 0, 0, false},
		{"lon out of range", 10, 181, false, 0, 0, false},
		{"nan", math.NaN(), 10, false, 0, 0, false},
		{"inf", 10, math.Inf(1), false, 0, 0, false},
		{"null island", 0.001, -0.005, false, 0, 0, false},
		{"near null island edge", 0.01, 0.5, false, 0.01, 0.5, true},
		{"int scaled", 455000000, -1226000000, true, 45.5, -122.6, true},
		{"int scaled lat only", 455000000, -122.6, true, 45.5, -122.6, true},
		{"boundary", -90, 180, false, -90, 180, true},
	}
	for _, tc := range cases {
		lat, lon, ok := ValidateCoordinates(tc.lat, tc.lon, tc.convert)
		if ok != tc.ok {
			t.Fatalf("%s: ok = %v, want %v", tc.name, ok, tc.ok)
		}
		if !ok {
			continue
		}
		if lat != tc.wantLat || lon != tc.wantLon {
			t.Fatalf("%s: got (%v, %v), want (%v, %v)", tc.name, lat, lon, tc.wantLat, tc.wantLon)
		}
	}
}

func TestMakeFeature(t *testing.T) {
	f := MakeFeature("!abcd1234", 45.5, -122.6, "meshtastic", "", "node", map[string]any{
		"battery": 85,
		"snr":     nil,
	})
	if f == nil {
		t.Fatal("expected feature, got nil")
	}
	coords, ok := f.Geometry.Coordinates.([]float64)
	if !ok || coords[0] != -122.6 || coords[1] != 45.5 {
		t.Fatalf("geometry coordinates = %v, want [lon lat]", f.Geometry.Coordinates)
	}
	if f.Properties["name"] != "!abcd1234" {
		t.Fatalf("empty name should fall back to id, got %v", f.Properties["name"])
	}
	if _, present := f.Properties["snr"]; present {
		t.Fatal("nil-valued property should be stripped")
	}
	if f.Properties["battery"] != 85 {
		t.Fatalf("battery = %v, want 85", f.Properties["battery"])
	}

	if got := MakeFeature("x", 0, 0, "meshtastic", "", "", nil); got != nil {
		t.Fatalf("null island feature should be nil, got %v", got)
	}
}

func TestDeduplicateFeatures(t *testing.T) {
	a := MakeFeature("!aa", 10, 10, "meshtastic", "first", "", nil)
	b := MakeFeature("!aa", 20, 20, "aredn", "second", "", nil)
	c := MakeFeature("!bb", 30, 30, "reticulum", "", "", nil)
	noID := &Feature{Type: "Feature", Geometry: NewPoint(5, 5), Properties: map[string]any{}}

	merged := DeduplicateFeatures([]*Feature{a, nil}, []*Feature{b, c, noID})
	if len(merged) != 3 {
		t.Fatalf("merged length = %d, want 3", len(merged))
	}
	if merged[0].Properties["name"] != "first" {
		t.Fatalf("first occurrence should win, got %v", merged[0].Properties["name"])
	}
}

func TestClassifySNR(t *testing.T) {
	ptr := func(v float64) *float64 { return &v }
	cases := []struct {
		snr  *float64
		want string
	}{
		{ptr(9), QualityExcellent},
		{ptr(8), QualityGood},
		{ptr(5.5), QualityGood},
		{ptr(0.1), QualityMarginal},
		{ptr(0), QualityPoor},
		{ptr(-9.9), QualityPoor},
		{ptr(-10), QualityBad},
		{nil, QualityUnknown},
	}
	for _, tc := range cases {
		if got := ClassifySNR(tc.snr); got != tc.want {
			t.Fatalf("ClassifySNR(%v) = %s, want %s", tc.snr, got, tc.want)
		}
	}
	if QualityColor(QualityExcellent) != "#4caf50" {
		t.Fatalf("unexpected excellent color %s", QualityColor(QualityExcellent))
	}
	if QualityColor("bogus") != "#9e9e9e" {
		t.Fatal("unknown tier should map to the unknown color")
	}
}

func TestSeverityOrdering(t *testing.T) {
	if SeverityRank("Extreme") >= SeverityRank("Severe") {
		t.Fatal("Extreme must rank before Severe")
	}
	if SeverityRank("made-up") != SeverityRank("Unknown") {
		t.Fatal("unrecognized severity should rank as Unknown")
	}
	if SeverityColor("Moderate") != "#ff9800" {
		t.Fatalf("unexpected Moderate color %s", SeverityColor("Moderate"))
	}
}

func TestPointLatLonAcceptsBothCoordinateShapes(t *testing.T) {
	built := NewPoint(45.5, -122.6)
	lat, lon, ok := built.PointLatLon()
	if !ok || lat != 45.5 || lon != -122.6 {
		t.Fatalf("built point = %v,%v,%v", lat, lon, ok)
	}

	var decoded Feature
	if err := json.Unmarshal([]byte(`{"type":"Feature","geometry":{"type":"Point","coordinates":[-122.6,45.5]},"properties":{"id":"!aa"}}`), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	lat, lon, ok = decoded.Geometry.PointLatLon()
	if !ok || lat != 45.5 || lon != -122.6 {
		t.Fatalf("decoded point = %v,%v,%v", lat, lon, ok)
	}

	line := NewLineString([][]float64{{0, 0}, {1, 1}})
	if _, _, ok := line.PointLatLon(); ok {
		t.Fatal("LineString accepted as Point")
	}
}
