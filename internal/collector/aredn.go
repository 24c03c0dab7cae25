package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/meshforge/maps/internal/model"
)

// ArednLink is a link-quality record parsed from a node's LQM table.
// Quality is clamped to [0, 100]; blocked links never appear.
type ArednLink struct {
	Source  string   `json:"source"`
	Target  string   `json:"target"`
	SNR     *float64 `json:"snr,omitempty"`
	Quality int      `json:"quality"`
}

// ArednFetcher queries AREDN nodes directly over their sysinfo API and
// falls back to the on-disk caches. Every configured target is polled;
// unreachable nodes are skipped rather than failing the collection.
type ArednFetcher struct {
	targets []string
	dataDir string
	client  *http.Client

	mu    sync.Mutex
	links []ArednLink
}

// NewArednFetcher builds the fetcher. targets is typically empty until
// the operator configures mesh-reachable hostnames.
func NewArednFetcher(targets []string, dataDir string) *ArednFetcher {
	return &ArednFetcher{
		targets: targets,
		dataDir: dataDir,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (a *ArednFetcher) Source() string { return "aredn" }

func (a *ArednFetcher) Fetch(ctx context.Context) (*model.FeatureCollection, error) {
	var direct []*model.Feature
	var links []ArednLink
	for _, target := range a.targets {
		fs, ls := a.fromNode(ctx, target)
		direct = append(direct, fs...)
		links = append(links, ls...)
	}

	merged := model.DeduplicateFeatures(
		direct,
		a.readCache(ArednCacheFile),
		a.readCache(UnifiedCacheFile),
	)
	a.mu.Lock()
	a.links = links
	a.mu.Unlock()

	fc := model.NewFeatureCollection(merged, a.Source())
	if len(links) > 0 {
		fc.Properties["links"] = links
	}
	return fc, nil
}

// Links returns a copy of the LQM links from the most recent fetch.
func (a *ArednFetcher) Links() []ArednLink {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ArednLink(nil), a.links...)
}

// fromNode queries one node's sysinfo API with LQM data. The response
// must carry at least one AREDN marker field; anything else on the
// same port is ignored.
func (a *ArednFetcher) fromNode(ctx context.Context, target string) ([]*model.Feature, []ArednLink) {
	url := fmt.Sprintf("http://%s/a/sysinfo?lqm=1", ensurePort(target))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "MeshForge/1.0")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil
	}

	var info sysinfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, nil
	}
	if info.Node == "" && info.Sysinfo == nil && info.MeshRF == nil {
		return nil, nil
	}

	var features []*model.Feature
	if f := a.parseSysinfo(&info, target); f != nil {
		features = append(features, f)
	}

	var links []ArednLink
	for _, n := range info.LQM {
		if n.Blocked || n.Hostname == "" {
			continue
		}
		q := n.Quality
		if q < 0 {
			q = 0
		} else if q > 100 {
			q = 100
		}
		links = append(links, ArednLink{
			Source:  info.Node,
			Target:  n.Hostname,
			SNR:     n.SNR,
			Quality: q,
		})
	}
	return features, links
}

type sysinfo struct {
	Node       string          `json:"node"`
	Lat        *jsonFloat      `json:"lat"`
	Lon        *jsonFloat      `json:"lon"`
	Model      string          `json:"model"`
	Firmware   string          `json:"firmware_version"`
	APIVersion string          `json:"api_version"`
	GridSquare string          `json:"grid_square"`
	Sysinfo    *sysinfoSystem  `json:"sysinfo"`
	MeshRF     json.RawMessage `json:"meshrf"`
	LQM        []lqmNeighbor   `json:"lqm"`
}

type sysinfoSystem struct {
	Uptime string    `json:"uptime"`
	Loads  []float64 `json:"loads"`
}

type lqmNeighbor struct {
	Hostname string   `json:"hostname"`
	SNR      *float64 `json:"snr"`
	Quality  int      `json:"quality"`
	Blocked  bool     `json:"blocked"`
}

func (a *ArednFetcher) parseSysinfo(info *sysinfo, target string) *model.Feature {
	if info.Lat == nil || info.Lon == nil {
		return nil
	}
	name := info.Node
	if name == "" {
		name = target
	}

	extra := map[string]any{
		"hardware":    emptyToNil(info.Model),
		"firmware":    emptyToNil(info.Firmware),
		"api_version": emptyToNil(info.APIVersion),
		"grid_square": emptyToNil(info.GridSquare),
		"is_online":   true,
		"description": fmt.Sprintf("AREDN %s - %s", info.Model, info.Firmware),
	}
	if info.Sysinfo != nil {
		extra["uptime"] = emptyToNil(info.Sysinfo.Uptime)
		if len(info.Sysinfo.Loads) > 0 {
			extra["load_avg"] = info.Sysinfo.Loads[0]
		}
	}
	return model.MakeFeature(name, float64(*info.Lat), float64(*info.Lon), "aredn", name, "aredn_node", extra)
}

func (a *ArednFetcher) readCache(file string) []*model.Feature {
	if a.dataDir == "" {
		return nil
	}
	return ReadCachedFeatures(filepath.Join(a.dataDir, file), "aredn")
}

// ensurePort appends the AREDN admin port when the target has none.
// Bracketed IPv6 literals and host:port forms pass through untouched.
func ensurePort(target string) string {
	if strings.Contains(target, ":") || strings.HasPrefix(target, "[") {
		return target
	}
	return target + ":8080"
}

// jsonFloat tolerates AREDN firmware emitting coordinates as either
// numbers or strings.
type jsonFloat float64

func (f *jsonFloat) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" || s == "" {
		return fmt.Errorf("empty coordinate")
	}
	var v float64
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return err
	}
	*f = jsonFloat(v)
	return nil
}
