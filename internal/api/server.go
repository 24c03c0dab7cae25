package api

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
)

// portFallbackAttempts is how many consecutive ports are tried when
// the preferred one is taken.
const portFallbackAttempts = 4

// Server wraps the HTTP server and mux for the map API.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	host       string
	basePort   int
	listener   net.Listener

	// Port is the port actually bound, set by Start.
	Port int
}

// NewServer creates the API server wired with all routes. The server
// does not listen until Start is called.
func NewServer(host string, port int, ctx *Context) *Server {
	mux := http.NewServeMux()

	// Node data.
	mux.Handle("GET /api/nodes/geojson", HandleNodesGeoJSON(ctx))
	mux.Handle("GET /api/nodes/all", HandleNodesGeoJSON(ctx))
	mux.Handle("GET /api/nodes/{source}", HandleSourceGeoJSON(ctx))
	mux.Handle("GET /api/nodes/{node}/trajectory", HandleTrajectory(ctx))
	mux.Handle("GET /api/nodes/{node}/history", HandleNodeHistory(ctx))
	mux.Handle("GET /api/nodes/{node}/health", HandleNodeHealth(ctx))

	// Overlay and topology.
	mux.Handle("GET /api/overlay", HandleOverlay(ctx))
	mux.Handle("GET /api/hamclock", HandleHamClock(ctx))
	mux.Handle("GET /api/topology", HandleTopology(ctx))
	mux.Handle("GET /api/topology/geojson", HandleTopologyGeoJSON(ctx))

	// Service state.
	mux.Handle("GET /api/status", HandleStatus(ctx))
	mux.Handle("GET /api/health", HandleServerHealth(ctx))
	mux.Handle("GET /api/config", HandleConfig(ctx))
	mux.Handle("GET /api/tile-providers", HandleTileProviders(ctx))
	mux.Handle("GET /api/sources", HandleSources(ctx))
	mux.Handle("GET /api/mqtt/stats", HandleMQTTStats(ctx))

	// History.
	mux.Handle("GET /api/snapshot/{ts}", HandleSnapshot(ctx))
	mux.Handle("GET /api/history/nodes", HandleHistoryNodes(ctx))
	mux.Handle("GET /api/history/density", HandleHistoryDensity(ctx))

	// Drift, connectivity, and health insights.
	mux.Handle("GET /api/config-drift", HandleConfigDrift(ctx))
	mux.Handle("GET /api/config-drift/summary", HandleConfigDriftSummary(ctx))
	mux.Handle("GET /api/node-states", HandleNodeStates(ctx))
	mux.Handle("GET /api/node-states/summary", HandleNodeStatesSummary(ctx))
	mux.Handle("GET /api/node-health", HandleNodeHealthAll(ctx))
	mux.Handle("GET /api/node-health/summary", HandleNodeHealthSummary(ctx))

	// Alerts.
	mux.Handle("GET /api/alerts", HandleAlerts(ctx))
	mux.Handle("GET /api/alerts/active", HandleAlertsActive(ctx))
	mux.Handle("GET /api/alerts/summary", HandleAlertsSummary(ctx))
	mux.Handle("GET /api/alerts/rules", HandleAlertRules(ctx))
	mux.Handle("POST /api/alerts/{id}/acknowledge", HandleAlertAcknowledge(ctx))

	// Analytics.
	mux.Handle("GET /api/analytics/growth", HandleAnalyticsGrowth(ctx))
	mux.Handle("GET /api/analytics/heatmap", HandleAnalyticsHeatmap(ctx))
	mux.Handle("GET /api/analytics/ranking", HandleAnalyticsRanking(ctx))
	mux.Handle("GET /api/analytics/summary", HandleAnalyticsSummary(ctx))
	mux.Handle("GET /api/analytics/alert-trends", HandleAnalyticsAlertTrends(ctx))

	// Exports.
	mux.Handle("GET /api/export/nodes.csv", HandleExportNodes(ctx))
	mux.Handle("GET /api/export/history.csv", HandleExportHistory(ctx))
	mux.Handle("GET /api/export/nodes.json", HandleExportNodesJSON(ctx))
	mux.Handle("GET /api/export/history.json", HandleExportHistoryJSON(ctx))

	if ctx.Monitor != nil {
		mux.Handle("GET /metrics", ctx.Monitor.Handler())
	}

	registerEmbeddedWebUI(mux)

	handler := ResponseHeadersMiddleware(mux)
	return &Server{
		httpServer: &http.Server{Handler: handler},
		handler:    handler,
		host:       host,
		basePort:   port,
	}
}

// Start binds and begins serving in a background goroutine. When the
// preferred port is taken the next few consecutive ports are tried
// before giving up. Returns the bound port.
func (s *Server) Start() (int, error) {
	var lastErr error
	for i := 0; i <= portFallbackAttempts; i++ {
		port := s.basePort + i
		ln, err := net.Listen("tcp", net.JoinHostPort(s.host, strconv.Itoa(port)))
		if err != nil {
			lastErr = err
			log.Printf("[api] port %d unavailable: %v", port, err)
			continue
		}
		if i > 0 {
			log.Printf("[api] preferred port %d taken, using %d", s.basePort, port)
		}
		s.listener = ln
		s.Port = port
		go func() {
			if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
				log.Printf("[api] server stopped: %v", err)
			}
		}()
		return port, nil
	}
	return 0, fmt.Errorf("no available port in %d-%d: %w", s.basePort, s.basePort+portFallbackAttempts, lastErr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.handler
}
