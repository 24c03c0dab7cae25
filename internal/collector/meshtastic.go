package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/meshforge/maps/internal/gate"
	"github.com/meshforge/maps/internal/meshstore"
	"github.com/meshforge/maps/internal/model"
)

// Meshtastic source modes. auto merges every source; mqtt_only skips
// the local daemon; local_only skips the MQTT-derived sources (live
// store and disk cache).
const (
	SourceModeAuto      = "auto"
	SourceModeMQTTOnly  = "mqtt_only"
	SourceModeLocalOnly = "local_only"
)

// MeshtasticFetcher merges Meshtastic nodes from three sources in
// priority order: the local meshtasticd HTTP API, the live MQTT store,
// and the on-disk MQTT cache. First occurrence of a node id wins.
// The mode selects which of the three participate.
type MeshtasticFetcher struct {
	host    string
	port    int
	store   *meshstore.Store
	dataDir string
	mode    string
	client  *http.Client
}

// NewMeshtasticFetcher builds the fetcher. store may be nil when the
// live MQTT feed is disabled. An empty mode means auto.
func NewMeshtasticFetcher(host string, port int, store *meshstore.Store, dataDir, mode string) *MeshtasticFetcher {
	if mode == "" {
		mode = SourceModeAuto
	}
	return &MeshtasticFetcher{
		host:    host,
		port:    port,
		store:   store,
		dataDir: dataDir,
		mode:    mode,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (m *MeshtasticFetcher) Source() string { return "meshtastic" }

// Fetch never fails outright: each source degrades independently and
// an empty collection is a valid result.
func (m *MeshtasticFetcher) Fetch(ctx context.Context) (*model.FeatureCollection, error) {
	var daemon, live, cached []*model.Feature
	if m.mode != SourceModeMQTTOnly {
		daemon = m.fromDaemon(ctx)
	}
	if m.mode != SourceModeLocalOnly {
		live = m.fromLiveStore()
		cached = m.fromDiskCache()
	}
	merged := model.DeduplicateFeatures(daemon, live, cached)
	return model.NewFeatureCollection(merged, m.Source()), nil
}

// fromDaemon queries the local meshtasticd HTTP API. The daemon only
// tolerates one client, so the fetch runs under the connection gate;
// when another component holds it, this source is skipped.
func (m *MeshtasticFetcher) fromDaemon(ctx context.Context) []*model.Feature {
	lease, ok := gate.For(m.host, m.port).Acquire(0, "meshtastic-collector")
	if !ok {
		return nil
	}
	defer lease.Release()

	url := fmt.Sprintf("http://%s:%d/api/v1/nodes", m.host, m.port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil
	}

	// The daemon returns either a bare array or {"nodes": [...]}.
	var nodes []daemonNode
	if err := json.Unmarshal(raw, &nodes); err != nil {
		var payload struct {
			Nodes []daemonNode `json:"nodes"`
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil
		}
		nodes = payload.Nodes
	}

	features := make([]*model.Feature, 0, len(nodes))
	for _, n := range nodes {
		if f := m.parseDaemonNode(n); f != nil {
			features = append(features, f)
		}
	}
	return features
}

type daemonNode struct {
	Num      uint32   `json:"num"`
	SNR      *float64 `json:"snr"`
	Position struct {
		Latitude   *float64 `json:"latitude"`
		LatitudeI  *int64   `json:"latitudeI"`
		Longitude  *float64 `json:"longitude"`
		LongitudeI *int64   `json:"longitudeI"`
		Altitude   *int     `json:"altitude"`
	} `json:"position"`
	User struct {
		ID        string `json:"id"`
		LongName  string `json:"longName"`
		ShortName string `json:"shortName"`
		HWModel   string `json:"hwModel"`
		Role      string `json:"role"`
	} `json:"user"`
	DeviceMetrics struct {
		BatteryLevel *int `json:"batteryLevel"`
	} `json:"deviceMetrics"`
	LastHeard int64 `json:"lastHeard"`
}

func (m *MeshtasticFetcher) parseDaemonNode(n daemonNode) *model.Feature {
	var lat, lon float64
	switch {
	case n.Position.Latitude != nil && n.Position.Longitude != nil:
		lat, lon = *n.Position.Latitude, *n.Position.Longitude
	case n.Position.LatitudeI != nil && n.Position.LongitudeI != nil:
		var ok bool
		lat, lon, ok = model.ValidateCoordinates(float64(*n.Position.LatitudeI), float64(*n.Position.LongitudeI), true)
		if !ok {
			return nil
		}
	default:
		return nil
	}

	nodeID := n.User.ID
	if nodeID == "" {
		nodeID = fmt.Sprintf("!%08x", n.Num)
	}
	name := n.User.LongName
	if name == "" {
		name = n.User.ShortName
	}

	extra := map[string]any{
		"hardware": emptyToNil(n.User.HWModel),
		"role":     emptyToNil(n.User.Role),
	}
	if n.DeviceMetrics.BatteryLevel != nil {
		extra["battery"] = *n.DeviceMetrics.BatteryLevel
	}
	if n.SNR != nil {
		extra["snr"] = *n.SNR
	}
	if n.Position.Altitude != nil {
		extra["altitude"] = *n.Position.Altitude
	}
	if n.LastHeard > 0 {
		extra["last_seen"] = n.LastHeard
		extra["is_online"] = time.Since(time.Unix(n.LastHeard, 0)) < 15*time.Minute
	}

	return model.MakeFeature(nodeID, lat, lon, "meshtastic", name, "meshtastic_node", extra)
}

// fromLiveStore converts the live MQTT store into features.
func (m *MeshtasticFetcher) fromLiveStore() []*model.Feature {
	if m.store == nil {
		return nil
	}
	nodes := m.store.AllNodes()
	features := make([]*model.Feature, 0, len(nodes))
	for _, n := range nodes {
		extra := map[string]any{
			"is_online": n.IsOnline,
			"last_seen": n.LastSeen,
			"hardware":  emptyToNil(n.Hardware),
			"role":      emptyToNil(n.Role),
		}
		if n.Battery != nil {
			extra["battery"] = *n.Battery
		}
		if n.Voltage != nil {
			extra["voltage"] = *n.Voltage
		}
		if n.ChannelUtil != nil {
			extra["channel_util"] = *n.ChannelUtil
		}
		if n.AirUtilTX != nil {
			extra["air_util_tx"] = *n.AirUtilTX
		}
		if n.Altitude != nil {
			extra["altitude"] = *n.Altitude
		}
		for k, v := range n.Extra {
			extra[k] = v
		}
		if f := model.MakeFeature(n.ID, *n.Latitude, *n.Longitude, "meshtastic", n.Name, "meshtastic_node", extra); f != nil {
			features = append(features, f)
		}
	}
	return features
}

// fromDiskCache reads the persisted MQTT node cache.
func (m *MeshtasticFetcher) fromDiskCache() []*model.Feature {
	if m.dataDir == "" {
		return nil
	}
	return ReadCachedFeatures(filepath.Join(m.dataDir, MQTTCacheFile), "meshtastic")
}

func emptyToNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}
