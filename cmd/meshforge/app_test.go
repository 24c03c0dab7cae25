package main

import (
	"testing"

	"github.com/meshforge/maps/internal/config"
	"github.com/meshforge/maps/internal/meshstore"
)

func fptr(v float64) *float64 { return &v }
func iptr(v int) *int         { return &v }

func TestDriftFieldsProjection(t *testing.T) {
	n := &meshstore.Node{
		ID:        "!aabbccdd",
		Name:      "relay-1",
		ShortName: "RLY1",
		Hardware:  "TBEAM",
		Role:      "ROUTER",
		Extra: map[string]any{
			"region":    "US",
			"tx_power":  20,
			"elevation": 1655, // untracked, must not leak through
		},
	}
	fields := driftFields(n)
	for _, key := range []string{"name", "short_name", "hardware", "role", "region", "tx_power"} {
		if _, ok := fields[key]; !ok {
			t.Fatalf("missing field %q in %v", key, fields)
		}
	}
	if _, ok := fields["elevation"]; ok {
		t.Fatalf("elevation leaked into drift fields: %v", fields)
	}
	if fields["role"] != "ROUTER" {
		t.Fatalf("role = %v", fields["role"])
	}
}

func TestDriftFieldsSkipsEmpty(t *testing.T) {
	fields := driftFields(&meshstore.Node{ID: "!aa"})
	if len(fields) != 0 {
		t.Fatalf("fields = %v, want empty", fields)
	}
}

func TestNodePropsProjection(t *testing.T) {
	n := &meshstore.Node{
		ID:          "!aabbccdd",
		Battery:     iptr(17),
		Voltage:     fptr(3.6),
		ChannelUtil: fptr(81.5),
		LastSeen:    1700000000,
		IsOnline:    true,
		Extra:       map[string]any{"co2": 420},
	}
	props := nodeProps(n)
	if props["battery"] != float64(17) {
		t.Fatalf("battery = %v", props["battery"])
	}
	if props["channel_util"] != 81.5 {
		t.Fatalf("channel_util = %v", props["channel_util"])
	}
	if props["network"] != "meshtastic" {
		t.Fatalf("network = %v", props["network"])
	}
	if props["co2"] != 420 {
		t.Fatalf("extra passthrough = %v", props["co2"])
	}
	if _, ok := props["snr"]; ok {
		t.Fatal("snr present without a source value")
	}
}

func TestApplyOverrides(t *testing.T) {
	cfg := config.Defaults()
	applyOverrides(cfg, "0.0.0.0", 9000, "/var/lib/meshforge")
	if cfg.ListenHost != "0.0.0.0" || cfg.HTTPPort != 9000 || cfg.DataDir != "/var/lib/meshforge" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}

	cfg = config.Defaults()
	applyOverrides(cfg, "", 0, "")
	defaults := config.Defaults()
	if cfg.ListenHost != defaults.ListenHost || cfg.HTTPPort != defaults.HTTPPort || cfg.DataDir != defaults.DataDir {
		t.Fatalf("zero values changed settings: %+v", cfg)
	}
}
