package aggregate

import (
	"github.com/meshforge/maps/internal/model"
)

// TopologyGeoJSON unions the live MQTT topology with AREDN LQM links.
// AREDN link endpoints are hostnames; they resolve against the node
// positions seen in the last full cycle, and links with an unresolved
// endpoint are dropped.
func (a *Aggregator) TopologyGeoJSON() *model.FeatureCollection {
	var result *model.FeatureCollection
	if a.store != nil {
		result = a.store.TopologyGeoJSON()
	} else {
		result = &model.FeatureCollection{
			Type:       "FeatureCollection",
			Features:   []*model.Feature{},
			Properties: map[string]any{},
		}
	}

	if a.aredn != nil {
		a.mu.Lock()
		positions := a.arednPositions
		a.mu.Unlock()

		for _, link := range a.aredn.Links() {
			src, okSrc := positions[link.Source]
			tgt, okTgt := positions[link.Target]
			if !okSrc || !okTgt {
				continue
			}
			quality := model.ClassifySNR(link.SNR)
			result.Features = append(result.Features, &model.Feature{
				Type: "Feature",
				Geometry: model.NewLineString([][]float64{
					{src[1], src[0]},
					{tgt[1], tgt[0]},
				}),
				Properties: map[string]any{
					"source":        link.Source,
					"target":        link.Target,
					"snr":           link.SNR,
					"quality":       quality,
					"color":         model.QualityColor(quality),
					"network":       "aredn",
					"aredn_quality": link.Quality,
				},
			})
		}
	}

	result.Properties["link_count"] = len(result.Features)
	return result
}
