package api

import (
	"net/http"
	"time"

	"github.com/meshforge/maps/internal/alert"
	"github.com/meshforge/maps/internal/drift"
)

// HandleConfigDrift returns a handler for GET /api/config-drift: the
// recorded configuration drift events, newest first. Optional since
// (epoch seconds) and severity query filters.
func HandleConfigDrift(ctx *Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ctx.Drift == nil {
			WriteError(w, http.StatusServiceUnavailable, "Drift detection not available")
			return
		}
		since, ok := ParseInt64Query(r, "since")
		if !ok {
			WriteError(w, http.StatusBadRequest, "Invalid since parameter")
			return
		}
		var sinceSec *float64
		if since != nil {
			f := float64(*since)
			sinceSec = &f
		}
		severity := drift.Severity(r.URL.Query().Get("severity"))

		drifts := ctx.Drift.AllDrifts(sinceSec, severity)
		if drifts == nil {
			drifts = []drift.Drift{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"drifts": drifts,
			"count":  len(drifts),
		})
	}
}

// HandleConfigDriftSummary returns a handler for GET /api/config-drift/summary.
func HandleConfigDriftSummary(ctx *Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ctx.Drift == nil {
			WriteError(w, http.StatusServiceUnavailable, "Drift detection not available")
			return
		}
		WriteJSON(w, http.StatusOK, ctx.Drift.Summary())
	}
}

// HandleNodeStates returns a handler for GET /api/node-states: the
// connectivity state of every tracked node plus the summary counts.
func HandleNodeStates(ctx *Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ctx.Tracker == nil {
			WriteError(w, http.StatusServiceUnavailable, "Connectivity tracking not available")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"states":  ctx.Tracker.AllStates(),
			"summary": ctx.Tracker.Summary(),
		})
	}
}

// HandleNodeStatesSummary returns a handler for GET /api/node-states/summary.
func HandleNodeStatesSummary(ctx *Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ctx.Tracker == nil {
			WriteError(w, http.StatusServiceUnavailable, "Connectivity tracking not available")
			return
		}
		WriteJSON(w, http.StatusOK, ctx.Tracker.Summary())
	}
}

// HandleNodeHealthAll returns a handler for GET /api/node-health:
// health scores for every node in the current aggregated data.
func HandleNodeHealthAll(ctx *Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ctx.Scorer == nil {
			WriteError(w, http.StatusServiceUnavailable, "Health scoring not available")
			return
		}
		if ctx.Aggregator == nil {
			WriteError(w, http.StatusServiceUnavailable, "Aggregator not initialized")
			return
		}
		now := time.Now()
		data := ctx.Aggregator.CollectAll(r.Context())
		nodes := make([]any, 0, len(data.Features))
		for _, f := range data.Features {
			nodes = append(nodes, scoreFeature(ctx, f, now))
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"nodes": nodes,
			"count": len(nodes),
		})
	}
}

// HandleNodeHealthSummary returns a handler for GET /api/node-health/summary.
func HandleNodeHealthSummary(ctx *Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ctx.Scorer == nil {
			WriteError(w, http.StatusServiceUnavailable, "Health scoring not available")
			return
		}
		WriteJSON(w, http.StatusOK, ctx.Scorer.Summary())
	}
}

// HandleAlerts returns a handler for GET /api/alerts: alert history,
// newest first, with optional severity, node, and limit filters.
func HandleAlerts(ctx *Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ctx.Alerts == nil {
			WriteError(w, http.StatusServiceUnavailable, "Alerting not available")
			return
		}
		limit, ok := ParseIntQuery(r, "limit", 100, 1, alert.MaxAlertHistory)
		if !ok {
			WriteError(w, http.StatusBadRequest, "Invalid limit parameter")
			return
		}
		severity := alert.Severity(r.URL.Query().Get("severity"))
		nodeID := r.URL.Query().Get("node")

		alerts := ctx.Alerts.History(limit, severity, nodeID)
		if alerts == nil {
			alerts = []alert.Alert{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"alerts": alerts,
			"count":  len(alerts),
		})
	}
}

// HandleAlertsActive returns a handler for GET /api/alerts/active.
func HandleAlertsActive(ctx *Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ctx.Alerts == nil {
			WriteError(w, http.StatusServiceUnavailable, "Alerting not available")
			return
		}
		active := ctx.Alerts.ActiveAlerts()
		if active == nil {
			active = []alert.Alert{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"alerts": active,
			"count":  len(active),
		})
	}
}

// HandleAlertsSummary returns a handler for GET /api/alerts/summary.
func HandleAlertsSummary(ctx *Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ctx.Alerts == nil {
			WriteError(w, http.StatusServiceUnavailable, "Alerting not available")
			return
		}
		WriteJSON(w, http.StatusOK, ctx.Alerts.Summary())
	}
}

// HandleAlertRules returns a handler for GET /api/alerts/rules.
func HandleAlertRules(ctx *Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ctx.Alerts == nil {
			WriteError(w, http.StatusServiceUnavailable, "Alerting not available")
			return
		}
		rules := ctx.Alerts.ListRules()
		if rules == nil {
			rules = []alert.Rule{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"rules": rules,
			"count": len(rules),
		})
	}
}

// HandleAlertAcknowledge returns a handler for POST /api/alerts/{id}/acknowledge.
func HandleAlertAcknowledge(ctx *Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ctx.Alerts == nil {
			WriteError(w, http.StatusServiceUnavailable, "Alerting not available")
			return
		}
		id := r.PathValue("id")
		if !ctx.Alerts.Acknowledge(id) {
			WriteError(w, http.StatusNotFound, "Alert not found")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"acknowledged": id})
	}
}

// HandleAnalyticsGrowth returns a handler for GET /api/analytics/growth.
func HandleAnalyticsGrowth(ctx *Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ctx.Analytics == nil {
			WriteError(w, http.StatusServiceUnavailable, "Analytics not available")
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
		bucket, ok := ParseInt64QueryDefault(r, "bucket", 0)
		if !ok {
			WriteError(w, http.StatusBadRequest, "Invalid bucket parameter")
			return
		}
		WriteJSON(w, http.StatusOK, ctx.Analytics.NetworkGrowth(since, until, bucket))
	}
}

// HandleAnalyticsHeatmap returns a handler for GET /api/analytics/heatmap.
func HandleAnalyticsHeatmap(ctx *Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ctx.Analytics == nil {
			WriteError(w, http.StatusServiceUnavailable, "Analytics not available")
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
		WriteJSON(w, http.StatusOK, ctx.Analytics.ActivityHeatmap(since, until))
	}
}

// HandleAnalyticsRanking returns a handler for GET /api/analytics/ranking.
func HandleAnalyticsRanking(ctx *Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ctx.Analytics == nil {
			WriteError(w, http.StatusServiceUnavailable, "Analytics not available")
			return
		}
		since, ok := ParseInt64Query(r, "since")
		if !ok {
			WriteError(w, http.StatusBadRequest, "Invalid since parameter")
			return
		}
		limit, ok := ParseIntQuery(r, "limit", 0, 0, 1000)
		if !ok {
			WriteError(w, http.StatusBadRequest, "Invalid limit parameter")
			return
		}
		WriteJSON(w, http.StatusOK, ctx.Analytics.NodeRanking(since, limit))
	}
}

// HandleAnalyticsSummary returns a handler for GET /api/analytics/summary.
func HandleAnalyticsSummary(ctx *Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ctx.Analytics == nil {
			WriteError(w, http.StatusServiceUnavailable, "Analytics not available")
			return
		}
		since, ok := ParseInt64Query(r, "since")
		if !ok {
			WriteError(w, http.StatusBadRequest, "Invalid since parameter")
			return
		}
		WriteJSON(w, http.StatusOK, ctx.Analytics.NetworkSummary(since))
	}
}

// HandleAnalyticsAlertTrends returns a handler for GET /api/analytics/alert-trends.
func HandleAnalyticsAlertTrends(ctx *Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ctx.Analytics == nil {
			WriteError(w, http.StatusServiceUnavailable, "Analytics not available")
			return
		}
		bucket, ok := ParseInt64QueryDefault(r, "bucket", 0)
		if !ok {
			WriteError(w, http.StatusBadRequest, "Invalid bucket parameter")
			return
		}
		limit, ok := ParseIntQuery(r, "limit", 0, 0, 1000)
		if !ok {
			WriteError(w, http.StatusBadRequest, "Invalid limit parameter")
			return
		}
		WriteJSON(w, http.StatusOK, ctx.Analytics.AlertTrends(bucket, limit))
	}
}
