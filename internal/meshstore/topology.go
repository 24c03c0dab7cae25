package meshstore

import (
	"github.com/meshforge/maps/internal/model"
)

// Link is a directed radio link between two positioned nodes.
type Link struct {
	Source    string   `json:"source"`
	Target    string   `json:"target"`
	SourceLat float64  `json:"source_lat"`
	SourceLon float64  `json:"source_lon"`
	TargetLat float64  `json:"target_lat"`
	TargetLon float64  `json:"target_lon"`
	SNR       *float64 `json:"snr"`
}

// TopologyLinks returns the neighbor links where both endpoints have
// valid coordinates. Links with an unpositioned endpoint are dropped.
func (s *Store) TopologyLinks() []Link {
	s.mu.Lock()
	defer s.mu.Unlock()

	links := make([]Link, 0)
	for nodeID, neighbors := range s.neighbors {
		src, ok := s.nodes[nodeID]
		if !ok || !src.hasValidCoordinates() {
			continue
		}
		for _, nb := range neighbors {
			tgt, ok := s.nodes[nb.NodeID]
			if !ok || !tgt.hasValidCoordinates() {
				continue
			}
			links = append(links, Link{
				Source:    nodeID,
				Target:    nb.NodeID,
				SourceLat: *src.Latitude,
				SourceLon: *src.Longitude,
				TargetLat: *tgt.Latitude,
				TargetLon: *tgt.Longitude,
				SNR:       clonePtr(nb.SNR),
			})
		}
	}
	return links
}

// TopologyGeoJSON renders the links as LineString features colored by
// SNR quality tier.
func (s *Store) TopologyGeoJSON() *model.FeatureCollection {
	links := s.TopologyLinks()
	features := make([]*model.Feature, 0, len(links))
	for _, l := range links {
		quality := model.ClassifySNR(l.SNR)
		features = append(features, &model.Feature{
			Type: "Feature",
			Geometry: model.NewLineString([][]float64{
				{l.SourceLon, l.SourceLat},
				{l.TargetLon, l.TargetLat},
			}),
			Properties: map[string]any{
				"source":  l.Source,
				"target":  l.Target,
				"snr":     l.SNR,
				"quality": quality,
				"color":   model.QualityColor(quality),
				"network": "meshtastic",
			},
		})
	}
	return &model.FeatureCollection{
		Type:     "FeatureCollection",
		Features: features,
		Properties: map[string]any{
			"link_count": len(features),
		},
	}
}

func (n *Node) hasValidCoordinates() bool {
	if n.Latitude == nil || n.Longitude == nil {
		return false
	}
	_, _, ok := model.ValidateCoordinates(*n.Latitude, *n.Longitude, false)
	return ok
}
