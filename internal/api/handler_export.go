package api

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"

	"github.com/meshforge/maps/internal/model"
)

// HandleExportNodes returns a handler for GET /api/export/nodes.csv:
// the current aggregated node set as CSV.
func HandleExportNodes(ctx *Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ctx.Aggregator == nil {
			WriteError(w, http.StatusServiceUnavailable, "Aggregator not initialized")
			return
		}
		data := ctx.Aggregator.CollectAll(r.Context())

		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="nodes.csv"`)
		cw := csv.NewWriter(w)
		cw.Write([]string{"id", "name", "network", "node_type", "latitude", "longitude", "battery", "snr", "last_seen"})
		for _, f := range data.Features {
			lat, lon, ok := pointCoords(f)
			if !ok {
				continue
			}
			cw.Write([]string{
				f.ID(),
				propString(f, "name"),
				propString(f, "network"),
				propString(f, "node_type"),
				strconv.FormatFloat(lat, 'f', -1, 64),
				strconv.FormatFloat(lon, 'f', -1, 64),
				propString(f, "battery"),
				propString(f, "snr"),
				propString(f, "last_seen"),
			})
		}
		cw.Flush()
	}
}

// HandleExportHistory returns a handler for GET /api/export/history.csv:
// recorded observations as CSV, newest first. Optional since and limit
// query parameters.
func HandleExportHistory(ctx *Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ctx.History == nil {
			WriteError(w, http.StatusServiceUnavailable, "Node history not available")
			return
		}
		since, ok := ParseInt64Query(r, "since")
		if !ok {
			WriteError(w, http.StatusBadRequest, "Invalid since parameter")
			return
		}
		limit, ok := ParseIntQuery(r, "limit", 10000, 1, 100000)
		if !ok {
			WriteError(w, http.StatusBadRequest, "Invalid limit parameter")
			return
		}

		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="history.csv"`)
		cw := csv.NewWriter(w)
		cw.Write([]string{"node_id", "timestamp", "latitude", "longitude", "altitude", "network", "snr", "battery", "name"})
		for _, o := range ctx.History.AllObservations(since, limit) {
			alt, snr, battery := "", "", ""
			if o.Altitude != nil {
				alt = strconv.FormatFloat(*o.Altitude, 'f', -1, 64)
			}
			if o.SNR != nil {
				snr = strconv.FormatFloat(*o.SNR, 'f', -1, 64)
			}
			if o.Battery != nil {
				battery = strconv.Itoa(*o.Battery)
			}
			cw.Write([]string{
				o.NodeID,
				strconv.FormatInt(o.Timestamp, 10),
				strconv.FormatFloat(o.Latitude, 'f', -1, 64),
				strconv.FormatFloat(o.Longitude, 'f', -1, 64),
				alt,
				o.Network,
				snr,
				battery,
				o.Name,
			})
		}
		cw.Flush()
	}
}

// HandleExportNodesJSON returns a handler for GET /api/export/nodes.json:
// the current aggregated node set as a GeoJSON download.
func HandleExportNodesJSON(ctx *Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ctx.Aggregator == nil {
			WriteError(w, http.StatusServiceUnavailable, "Aggregator not initialized")
			return
		}
		w.Header().Set("Content-Disposition", `attachment; filename="nodes.json"`)
		WriteJSON(w, http.StatusOK, ctx.Aggregator.CollectAll(r.Context()))
	}
}

// HandleExportHistoryJSON returns a handler for GET /api/export/history.json:
// recorded observations as a JSON download, newest first.
func HandleExportHistoryJSON(ctx *Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ctx.History == nil {
			WriteError(w, http.StatusServiceUnavailable, "Node history not available")
			return
		}
		since, ok := ParseInt64Query(r, "since")
		if !ok {
			WriteError(w, http.StatusBadRequest, "Invalid since parameter")
			return
		}
		limit, ok := ParseIntQuery(r, "limit", 10000, 1, 100000)
		if !ok {
			WriteError(w, http.StatusBadRequest, "Invalid limit parameter")
			return
		}
		obs := ctx.History.AllObservations(since, limit)
		w.Header().Set("Content-Disposition", `attachment; filename="history.json"`)
		WriteJSON(w, http.StatusOK, map[string]any{
			"observations": obs,
			"count":        len(obs),
		})
	}
}

// pointCoords extracts [lat, lon] from a Point feature.
func pointCoords(f *model.Feature) (float64, float64, bool) {
	if f == nil {
		return 0, 0, false
	}
	return f.Geometry.PointLatLon()
}

// propString renders a feature property for CSV, empty when absent.
func propString(f *model.Feature, key string) string {
	v, ok := f.Properties[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
