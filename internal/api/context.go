package api

import (
	"time"

	"github.com/meshforge/maps/internal/aggregate"
	"github.com/meshforge/maps/internal/alert"
	"github.com/meshforge/maps/internal/analytics"
	"github.com/meshforge/maps/internal/config"
	"github.com/meshforge/maps/internal/conntrack"
	"github.com/meshforge/maps/internal/drift"
	"github.com/meshforge/maps/internal/health"
	"github.com/meshforge/maps/internal/history"
	"github.com/meshforge/maps/internal/metrics"
)

// Context carries the subsystems handlers read from. Any field may be
// nil; handlers answer 503 (or an empty result, matching the frozen
// response shapes) when a required subsystem is missing.
type Context struct {
	Aggregator *aggregate.Aggregator
	Config     *config.Settings
	History    *history.Store
	Tracker    *conntrack.Tracker
	Scorer     *health.Scorer
	Drift      *drift.Detector
	Alerts     *alert.Engine
	Analytics  *analytics.Analytics
	Monitor    *metrics.Monitor

	// WSStats reports the WebSocket server's stats for /api/status.
	// A func field rather than a direct reference keeps the api and ws
	// packages decoupled.
	WSStats func() map[string]any

	// WSPort is the bound WebSocket port advertised in /api/config.
	WSPort int

	StartTime time.Time
	Version   string
}
