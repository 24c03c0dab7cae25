package api

import (
	"net/http"
	"strconv"

	"github.com/meshforge/maps/internal/history"
)

// HandleSnapshot returns a handler for GET /api/snapshot/{ts}: the
// network as a FeatureCollection reconstructed at a past instant.
func HandleSnapshot(ctx *Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ctx.History == nil {
			WriteError(w, http.StatusServiceUnavailable, "Node history not available")
			return
		}
		ts, err := strconv.ParseInt(r.PathValue("ts"), 10, 64)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "Invalid timestamp")
			return
		}
		WriteJSON(w, http.StatusOK, ctx.History.Snapshot(ts))
	}
}

// HandleHistoryNodes returns a handler for GET /api/history/nodes:
// every node the history store has seen plus totals.
func HandleHistoryNodes(ctx *Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ctx.History == nil {
			WriteError(w, http.StatusServiceUnavailable, "Node history not available")
			return
		}
		nodes := ctx.History.TrackedNodes()
		if nodes == nil {
			nodes = []history.TrackedNode{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"nodes":              nodes,
			"total_nodes":        ctx.History.NodeCount(),
			"total_observations": ctx.History.ObservationCount(),
		})
	}
}

// HandleHistoryDensity returns a handler for GET /api/history/density:
// observation counts bucketed into a geographic grid for heatmap
// rendering.
func HandleHistoryDensity(ctx *Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ctx.History == nil {
			WriteError(w, http.StatusServiceUnavailable, "Node history not available")
			return
		}
		since, ok := ParseInt64Query(r, "since")
		if !ok {
			WriteError(w, http.StatusBadRequest, "Invalid since/until parameter")
			return
		}
		until, ok := ParseInt64Query(r, "until")
		if !ok {
			WriteError(w, http.StatusBadRequest, "Invalid since/until parameter")
			return
		}
		precision, ok := ParseIntQuery(r, "precision", 2, 0, 4)
		if !ok {
			WriteError(w, http.StatusBadRequest, "Invalid precision parameter")
			return
		}
		network := r.URL.Query().Get("network")

		cells := ctx.History.DensityPoints(since, until, precision, network)
		if cells == nil {
			cells = []history.DensityCell{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"cells":     cells,
			"count":     len(cells),
			"precision": precision,
		})
	}
}
