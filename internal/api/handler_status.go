package api

import (
	"net/http"
	"time"

	"github.com/meshforge/maps/internal/config"
	"github.com/meshforge/maps/internal/model"
)

// HandleStatus returns a handler for GET /api/status: uptime, source
// counts and health, MQTT state, data age, circuit breakers, bus and
// WebSocket stats.
func HandleStatus(ctx *Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]any{
			"status":    "ok",
			"extension": "meshforge-maps",
			"version":   ctx.Version,
		}
		if !ctx.StartTime.IsZero() {
			status["uptime_seconds"] = int(time.Since(ctx.StartTime).Seconds())
		}
		if ctx.Config != nil {
			status["sources"] = ctx.Config.EnabledSources()
		}

		mqttStatus := "unavailable"
		mqttNodes := 0
		if ctx.Aggregator != nil {
			if feed := ctx.Aggregator.Feed(); feed != nil {
				stats := feed.Stats()
				if stats.Running {
					mqttStatus = "connected"
				} else {
					mqttStatus = "stopped"
				}
				mqttNodes = stats.NodeCount
			}

			// Data older than twice the cache TTL is considered stale.
			var dataAge any
			dataStale := false
			if age := ctx.Aggregator.LastCollectAgeSeconds(); age != nil {
				ageInt := int(*age)
				dataAge = ageInt
				cacheTTL := config.Defaults().CacheTTLMinutes * 60
				if ctx.Config != nil {
					cacheTTL = ctx.Config.CacheTTLMinutes * 60
				}
				dataStale = ageInt > cacheTTL*2
			}
			status["data_age_seconds"] = dataAge
			status["data_stale"] = dataStale
			status["source_counts"] = ctx.Aggregator.LastCollectCounts()
			status["source_health"] = ctx.Aggregator.SourceHealth()
			status["circuit_breakers"] = ctx.Aggregator.Breakers().AllStats()
			status["event_bus"] = ctx.Aggregator.Bus().Stats()
		}
		status["mqtt_live"] = mqttStatus
		status["mqtt_node_count"] = mqttNodes

		if ctx.WSStats != nil {
			status["websocket"] = ctx.WSStats()
		}
		WriteJSON(w, http.StatusOK, status)
	}
}

// HandleServerHealth returns a handler for GET /api/health: a
// composite 0-100 server health score. Freshness contributes 40
// points (full under one cache TTL, zero at three), source
// availability 30, and closed circuit breakers 30.
func HandleServerHealth(ctx *Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ctx.Aggregator == nil {
			WriteJSON(w, http.StatusOK, map[string]any{
				"score":      0,
				"status":     "offline",
				"components": map[string]any{},
			})
			return
		}

		cacheTTL := float64(config.Defaults().CacheTTLMinutes * 60)
		if ctx.Config != nil {
			cacheTTL = float64(ctx.Config.CacheTTLMinutes * 60)
		}

		freshness := 0.0
		var dataAge any
		if age := ctx.Aggregator.LastCollectAgeSeconds(); age != nil {
			dataAge = int(*age)
			switch {
			case *age <= cacheTTL:
				freshness = 40
			case *age <= cacheTTL*3:
				freshness = 40 * (1 - (*age-cacheTTL)/(cacheTTL*2))
			}
		}

		sourceScore := 0.0
		counts := ctx.Aggregator.LastCollectCounts()
		if enabled := len(ctx.Aggregator.EnabledSources()); enabled > 0 {
			reporting := 0
			for _, c := range counts {
				if c > 0 {
					reporting++
				}
			}
			sourceScore = 30 * float64(reporting) / float64(enabled)
		}

		breakerScore := 0.0
		if states := ctx.Aggregator.Breakers().AllStats(); len(states) > 0 {
			closed := 0
			for _, s := range states {
				if s.State == "closed" {
					closed++
				}
			}
			breakerScore = 30 * float64(closed) / float64(len(states))
		}

		total := int(freshness + sourceScore + breakerScore)
		if total < 0 {
			total = 0
		} else if total > 100 {
			total = 100
		}
		var label string
		switch {
		case total >= 80:
			label = "healthy"
		case total >= 60:
			label = "fair"
		case total >= 30:
			label = "degraded"
		default:
			label = "critical"
		}

		WriteJSON(w, http.StatusOK, map[string]any{
			"score":  total,
			"status": label,
			"components": map[string]any{
				"freshness":        map[string]any{"score": round1(freshness), "max": 40},
				"sources":          map[string]any{"score": round1(sourceScore), "max": 30},
				"circuit_breakers": map[string]any{"score": round1(breakerScore), "max": 30},
			},
			"data_age_seconds":  dataAge,
			"sources_reporting": counts,
		})
	}
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}

// HandleConfig returns a handler for GET /api/config: the
// non-sensitive runtime configuration plus the palette and WS port
// the frontend needs.
func HandleConfig(ctx *Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ctx.Config == nil {
			WriteJSON(w, http.StatusOK, map[string]any{})
			return
		}
		cfg := ctx.Config.Public()
		cfg["network_colors"] = model.NetworkColors
		if ctx.WSPort > 0 {
			cfg["ws_port"] = ctx.WSPort
		}
		WriteJSON(w, http.StatusOK, cfg)
	}
}

// HandleTileProviders returns a handler for GET /api/tile-providers.
func HandleTileProviders(ctx *Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, config.TileProviders)
	}
}

// HandleSources returns a handler for GET /api/sources.
func HandleSources(ctx *Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ctx.Config == nil {
			WriteJSON(w, http.StatusOK, map[string]any{"sources": []string{}})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"sources":        ctx.Config.EnabledSources(),
			"network_colors": model.NetworkColors,
		})
	}
}

// HandleMQTTStats returns a handler for GET /api/mqtt/stats.
func HandleMQTTStats(ctx *Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ctx.Aggregator == nil || ctx.Aggregator.Feed() == nil {
			WriteJSON(w, http.StatusOK, map[string]any{"available": false, "status": "not_configured"})
			return
		}
		WriteJSON(w, http.StatusOK, ctx.Aggregator.Feed().Stats())
	}
}

// HandleOverlay returns a handler for GET /api/overlay. Serves the
// overlay cached by the last full collection instead of triggering a
// fresh aggregation.
func HandleOverlay(ctx *Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ctx.Aggregator == nil {
			WriteJSON(w, http.StatusOK, map[string]any{})
			return
		}
		WriteJSON(w, http.StatusOK, ctx.Aggregator.CachedOverlay(r.Context()))
	}
}

// HandleHamClock returns a handler for GET /api/hamclock: the
// HamClock slice of the overlay (probe result plus space weather).
func HandleHamClock(ctx *Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ctx.Aggregator == nil {
			WriteError(w, http.StatusServiceUnavailable, "Aggregator not initialized")
			return
		}
		overlay := ctx.Aggregator.CachedOverlay(r.Context())
		if len(overlay) == 0 {
			WriteError(w, http.StatusNotFound, "HamClock source not enabled")
			return
		}
		WriteJSON(w, http.StatusOK, overlay)
	}
}

// HandleTopology returns a handler for GET /api/topology: the link
// list shape used by the force-graph view.
func HandleTopology(ctx *Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ctx.Aggregator == nil || ctx.Aggregator.Store() == nil {
			WriteJSON(w, http.StatusOK, map[string]any{"links": []any{}, "link_count": 0})
			return
		}
		links := ctx.Aggregator.Store().TopologyLinks()
		WriteJSON(w, http.StatusOK, map[string]any{"links": links, "link_count": len(links)})
	}
}

// HandleTopologyGeoJSON returns a handler for GET /api/topology/geojson:
// the unioned MQTT and AREDN link FeatureCollection with SNR-tier
// colors baked into properties.
func HandleTopologyGeoJSON(ctx *Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ctx.Aggregator == nil {
			WriteJSON(w, http.StatusOK, &model.FeatureCollection{
				Type: "FeatureCollection", Features: []*model.Feature{},
			})
			return
		}
		WriteJSON(w, http.StatusOK, ctx.Aggregator.TopologyGeoJSON())
	}
}
