package collector

import (
	"context"
	"encoding/json"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/meshforge/maps/internal/model"
)

// rnsNodeTypes maps rnstatus interface types to display names.
var rnsNodeTypes = map[string]string{
	"rnode":      "RNode (LoRa)",
	"nomadnet":   "NomadNet",
	"rnsd":       "RNSD",
	"tcp":        "TCP Transport",
	"i2p":        "I2P",
	"tnc":        "TNC KiSS",
	"retibbs":    "RetiBBS",
	"lxmf_group": "LXMF Group",
	"lxmf_peer":  "LXMF Peer",
	"multi":      "Multi-Interface",
	"yggdrasil":  "Yggdrasil",
}

// ReticulumFetcher collects Reticulum nodes from the local rnstatus
// tool and the on-disk caches. Node identity is the destination hash.
type ReticulumFetcher struct {
	dataDir string
	// runCmd is swapped in tests; production runs rnstatus.
	runCmd func(ctx context.Context) ([]byte, error)
}

// NewReticulumFetcher builds the fetcher.
func NewReticulumFetcher(dataDir string) *ReticulumFetcher {
	return &ReticulumFetcher{
		dataDir: dataDir,
		runCmd:  runRnstatus,
	}
}

func (r *ReticulumFetcher) Source() string { return "reticulum" }

func (r *ReticulumFetcher) Fetch(ctx context.Context) (*model.FeatureCollection, error) {
	merged := model.DeduplicateFeatures(
		r.fromRnstatus(ctx),
		r.readCache(RNSCacheFile),
		r.readCache(UnifiedCacheFile),
	)
	return model.NewFeatureCollection(merged, r.Source()), nil
}

func runRnstatus(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, "rnstatus", "-d", "--json").Output()
}

func (r *ReticulumFetcher) fromRnstatus(ctx context.Context) []*model.Feature {
	out, err := r.runCmd(ctx)
	if err != nil {
		// rnstatus missing or no local Reticulum instance; not an error.
		return nil
	}

	var payload struct {
		Interfaces []rnsInterface `json:"interfaces"`
	}
	if err := json.Unmarshal(out, &payload); err != nil {
		return nil
	}

	features := make([]*model.Feature, 0, len(payload.Interfaces))
	for _, iface := range payload.Interfaces {
		if f := parseRNSInterface(iface); f != nil {
			features = append(features, f)
		}
	}
	return features
}

type rnsInterface struct {
	Hash        string   `json:"hash"`
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Status      string   `json:"status"`
	Description string   `json:"description"`
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
	Height      *float64 `json:"height"`
}

func parseRNSInterface(iface rnsInterface) *model.Feature {
	if iface.Latitude == nil || iface.Longitude == nil {
		return nil
	}
	name := iface.Name
	if name == "" {
		name = "Unknown"
	}
	ifaceType := strings.ToLower(iface.Type)
	if ifaceType == "" {
		ifaceType = "unknown"
	}
	nodeType, ok := rnsNodeTypes[ifaceType]
	if !ok {
		nodeType = ifaceType
	}

	nodeID := iface.Hash
	if nodeID == "" {
		nodeID = name
	}

	extra := map[string]any{
		"rns_interface_type": ifaceType,
		"is_online":          iface.Status == "up",
		"description":        emptyToNil(iface.Description),
	}
	if iface.Height != nil {
		extra["altitude"] = *iface.Height
	}
	return model.MakeFeature(nodeID, *iface.Latitude, *iface.Longitude, "reticulum", name, nodeType, extra)
}

func (r *ReticulumFetcher) readCache(file string) []*model.Feature {
	if r.dataDir == "" {
		return nil
	}
	return ReadCachedFeatures(filepath.Join(r.dataDir, file), "reticulum")
}
