package api

import (
	"net/http"
	"time"

	"github.com/meshforge/maps/internal/history"
	"github.com/meshforge/maps/internal/model"
)

// HandleNodesGeoJSON returns a handler for GET /api/nodes/geojson.
// Serves the aggregated FeatureCollection from all enabled sources.
func HandleNodesGeoJSON(ctx *Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ctx.Aggregator == nil {
			WriteError(w, http.StatusServiceUnavailable, "Aggregator not initialized")
			return
		}
		WriteJSON(w, http.StatusOK, ctx.Aggregator.CollectAll(r.Context()))
	}
}

// HandleSourceGeoJSON returns a handler for GET /api/nodes/{source}.
func HandleSourceGeoJSON(ctx *Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ctx.Aggregator == nil {
			WriteError(w, http.StatusServiceUnavailable, "Aggregator not initialized")
			return
		}
		source := r.PathValue("source")
		WriteJSON(w, http.StatusOK, ctx.Aggregator.CollectSource(r.Context(), source))
	}
}

// HandleTrajectory returns a handler for GET /api/nodes/{node}/trajectory.
func HandleTrajectory(ctx *Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nodeID := r.PathValue("node")
		if !ValidNodeID(nodeID) {
			WriteError(w, http.StatusBadRequest, "Invalid node ID format")
			return
		}
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
		WriteJSON(w, http.StatusOK, ctx.History.Trajectory(nodeID, since, until, 0))
	}
}

// HandleNodeHistory returns a handler for GET /api/nodes/{node}/history.
func HandleNodeHistory(ctx *Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nodeID := r.PathValue("node")
		if !ValidNodeID(nodeID) {
			WriteError(w, http.StatusBadRequest, "Invalid node ID format")
			return
		}
		if ctx.History == nil {
			WriteError(w, http.StatusServiceUnavailable, "Node history not available")
			return
		}
		since, ok := ParseInt64Query(r, "since")
		if !ok {
			WriteError(w, http.StatusBadRequest, "Invalid since parameter")
			return
		}
		limit, ok := ParseIntQuery(r, "limit", 100, 1, 10000)
		if !ok {
			WriteError(w, http.StatusBadRequest, "Invalid limit parameter")
			return
		}

		observations := ctx.History.NodeHistory(nodeID, since, limit)
		if observations == nil {
			observations = []history.Observation{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"node_id":      nodeID,
			"observations": observations,
			"count":        len(observations),
		})
	}
}

// HandleNodeHealth returns a handler for GET /api/nodes/{node}/health.
// Serves the cached score when present, otherwise scores on demand
// from the current aggregated data.
func HandleNodeHealth(ctx *Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nodeID := r.PathValue("node")
		if !ValidNodeID(nodeID) {
			WriteError(w, http.StatusBadRequest, "Invalid node ID format")
			return
		}
		if ctx.Scorer == nil {
			WriteError(w, http.StatusServiceUnavailable, "Health scoring not available")
			return
		}
		if cached := ctx.Scorer.NodeScore(nodeID); cached != nil {
			WriteJSON(w, http.StatusOK, cached)
			return
		}
		if ctx.Aggregator == nil {
			WriteError(w, http.StatusServiceUnavailable, "No data available")
			return
		}

		data := ctx.Aggregator.CollectAll(r.Context())
		for _, f := range data.Features {
			if f.ID() != nodeID {
				continue
			}
			WriteJSON(w, http.StatusOK, scoreFeature(ctx, f, time.Now()))
			return
		}
		WriteError(w, http.StatusNotFound, "Node not found")
	}
}

// scoreFeature computes a health score for one feature, feeding in the
// node's connectivity state when tracked.
func scoreFeature(ctx *Context, f *model.Feature, now time.Time) any {
	connState := ""
	if ctx.Tracker != nil {
		if state, ok := ctx.Tracker.NodeState(f.ID()); ok {
			connState = string(state)
		}
	}
	return ctx.Scorer.ScoreNode(f.ID(), f.Properties, connState, now)
}
