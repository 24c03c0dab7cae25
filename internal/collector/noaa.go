package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/meshforge/maps/internal/model"
)

const nwsAlertsURL = "https://api.weather.gov/alerts/active"

// NOAAAlertFetcher pulls active weather alerts from the NWS API.
// Alerts are short-lived, so callers should run this fetcher with a
// tighter cache TTL than the node collectors.
type NOAAAlertFetcher struct {
	area       string
	severities []string
	client     *http.Client
	now        func() time.Time
}

// NewNOAAAlertFetcher builds the fetcher. area is a state or marine
// zone code ("" for nationwide); severities filters server-side when
// non-empty.
func NewNOAAAlertFetcher(area string, severities []string) *NOAAAlertFetcher {
	return &NOAAAlertFetcher{
		area:       area,
		severities: severities,
		client:     &http.Client{Timeout: 15 * time.Second},
		now:        time.Now,
	}
}

func (n *NOAAAlertFetcher) Source() string { return "noaa_alerts" }

func (n *NOAAAlertFetcher) Fetch(ctx context.Context) (*model.FeatureCollection, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.buildURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("build alerts request: %w", err)
	}
	req.Header.Set("Accept", "application/geo+json")
	req.Header.Set("User-Agent", "MeshForge-Maps/1.0 (mesh network mapping tool)")

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch alerts: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("alerts api status %d", resp.StatusCode)
	}

	var payload struct {
		Features []nwsAlert `json:"features"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode alerts: %w", err)
	}

	features := n.parseAlerts(payload.Features)
	fc := model.NewFeatureCollection(features, n.Source())
	fc.Properties["alert_count"] = len(features)
	return fc, nil
}

func (n *NOAAAlertFetcher) buildURL() string {
	q := url.Values{}
	q.Set("status", "actual")
	q.Set("message_type", "alert,update")
	if n.area != "" {
		q.Set("area", n.area)
	}
	if len(n.severities) > 0 {
		q.Set("severity", strings.Join(n.severities, ","))
	}
	return nwsAlertsURL + "?" + q.Encode()
}

type nwsAlert struct {
	ID         string          `json:"id"`
	Geometry   *model.Geometry `json:"geometry"`
	Properties struct {
		ID          string `json:"id"`
		Event       string `json:"event"`
		Headline    string `json:"headline"`
		Description string `json:"description"`
		Severity    string `json:"severity"`
		Certainty   string `json:"certainty"`
		Urgency     string `json:"urgency"`
		AreaDesc    string `json:"areaDesc"`
		Onset       string `json:"onset"`
		Expires     string `json:"expires"`
		SenderName  string `json:"senderName"`
	} `json:"properties"`
}

// parseAlerts filters to mappable, live alerts and enriches them for
// rendering. Alerts without geometry cover zones we cannot draw;
// expired ones are dropped, but an unparseable expiry keeps the alert
// rather than hiding a possibly active warning.
func (n *NOAAAlertFetcher) parseAlerts(alerts []nwsAlert) []*model.Feature {
	now := n.now()
	seen := make(map[string]bool, len(alerts))
	features := make([]*model.Feature, 0, len(alerts))

	for _, a := range alerts {
		if a.Geometry == nil {
			continue
		}
		id := a.ID
		if id == "" {
			id = a.Properties.ID
		}
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		if a.Properties.Expires != "" {
			if exp, err := time.Parse(time.RFC3339, a.Properties.Expires); err == nil && exp.Before(now) {
				continue
			}
		}

		severity := a.Properties.Severity
		if severity == "" {
			severity = "Unknown"
		}
		features = append(features, &model.Feature{
			Type:     "Feature",
			Geometry: *a.Geometry,
			Properties: map[string]any{
				"id":             id,
				"network":        "noaa_alerts",
				"event":          a.Properties.Event,
				"headline":       a.Properties.Headline,
				"description":    a.Properties.Description,
				"severity":       severity,
				"certainty":      a.Properties.Certainty,
				"urgency":        a.Properties.Urgency,
				"area_desc":      a.Properties.AreaDesc,
				"onset":          a.Properties.Onset,
				"expires":        a.Properties.Expires,
				"sender_name":    a.Properties.SenderName,
				"color":          model.SeverityColor(severity),
				"severity_order": model.SeverityRank(severity),
			},
		})
	}

	// Most severe first so the map layers extreme alerts on top.
	sort.SliceStable(features, func(i, j int) bool {
		ri, _ := features[i].Properties["severity_order"].(int)
		rj, _ := features[j].Properties["severity_order"].(int)
		return ri < rj
	})
	return features
}
