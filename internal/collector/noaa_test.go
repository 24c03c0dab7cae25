package collector

import (
	"strings"
	"testing"
	"time"

	"github.com/meshforge/maps/internal/model"
)

func testAlert(id, severity, expires string, withGeometry bool) nwsAlert {
	a := nwsAlert{ID: id}
	a.Properties.Event = "Test Warning"
	a.Properties.Severity = severity
	a.Properties.Expires = expires
	if withGeometry {
		a.Geometry = &model.Geometry{
			Type:        "Polygon",
			Coordinates: [][][]float64{{{-122.7, 45.4}, {-122.5, 45.4}, {-122.5, 45.6}, {-122.7, 45.4}}},
		}
	}
	return a
}

func TestNOAAAlertFiltering(t *testing.T) {
	f := NewNOAAAlertFetcher("", nil)
	f.now = func() time.Time { return time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC) }

	alerts := []nwsAlert{
		testAlert("alert-1", "Severe", "2026-06-01T18:00:00Z", true),
		testAlert("alert-1", "Severe", "2026-06-01T18:00:00Z", true),
		testAlert("alert-2", "Extreme", "2026-06-01T18:00:00Z", false),
		testAlert("alert-3", "Minor", "2026-06-01T06:00:00Z", true),
		testAlert("alert-4", "Moderate", "not-a-timestamp", true),
	}

	got := f.parseAlerts(alerts)
	if len(got) != 2 {
		t.Fatalf("alerts = %d, want 2 (duplicate, geometryless, expired dropped)", len(got))
	}
	if got[0].Properties["id"] != "alert-1" {
		t.Fatalf("first alert = %v, want the severe one first", got[0].Properties["id"])
	}
	if got[1].Properties["id"] != "alert-4" {
		t.Fatalf("second alert = %v, want the unparseable-expiry alert kept", got[1].Properties["id"])
	}
}

func TestNOAAAlertEnrichment(t *testing.T) {
	f := NewNOAAAlertFetcher("", nil)

	a := testAlert("alert-9", "Extreme", "", true)
	a.Properties.Headline = "Tornado Warning for Washington County"
	a.Properties.Certainty = "Observed"
	a.Properties.Urgency = "Immediate"
	a.Properties.AreaDesc = "Washington County"
	a.Properties.SenderName = "NWS Portland"

	got := f.parseAlerts([]nwsAlert{a})
	if len(got) != 1 {
		t.Fatalf("alerts = %d, want 1", len(got))
	}
	props := got[0].Properties
	if props["network"] != "noaa_alerts" {
		t.Fatalf("network = %v", props["network"])
	}
	if props["color"] != "#d32f2f" {
		t.Fatalf("color = %v, want extreme red", props["color"])
	}
	if props["severity_order"] != 0 {
		t.Fatalf("severity_order = %v, want 0", props["severity_order"])
	}
	if props["sender_name"] != "NWS Portland" {
		t.Fatalf("sender_name = %v", props["sender_name"])
	}
}

func TestNOAAAlertSeveritySort(t *testing.T) {
	f := NewNOAAAlertFetcher("", nil)

	got := f.parseAlerts([]nwsAlert{
		testAlert("a-minor", "Minor", "", true),
		testAlert("a-unknown", "", "", true),
		testAlert("a-extreme", "Extreme", "", true),
		testAlert("a-moderate", "Moderate", "", true),
	})

	want := []string{"a-extreme", "a-moderate", "a-minor", "a-unknown"}
	for i, id := range want {
		if got[i].Properties["id"] != id {
			t.Fatalf("position %d = %v, want %s", i, got[i].Properties["id"], id)
		}
	}
	if got[3].Properties["severity"] != "Unknown" {
		t.Fatalf("blank severity = %v, want Unknown", got[3].Properties["severity"])
	}
}

func TestNOAAAlertURL(t *testing.T) {
	base := NewNOAAAlertFetcher("", nil).buildURL()
	if !strings.Contains(base, "status=actual") || !strings.Contains(base, "message_type=alert%2Cupdate") {
		t.Fatalf("base url missing filters: %s", base)
	}
	if strings.Contains(base, "area=") {
		t.Fatalf("base url should not filter by area: %s", base)
	}

	scoped := NewNOAAAlertFetcher("OR", []string{"Severe", "Extreme"}).buildURL()
	if !strings.Contains(scoped, "area=OR") {
		t.Fatalf("scoped url missing area: %s", scoped)
	}
	if !strings.Contains(scoped, "severity=Severe%2CExtreme") {
		t.Fatalf("scoped url missing severity: %s", scoped)
	}
}
