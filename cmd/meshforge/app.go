package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/meshforge/maps/internal/aggregate"
	"github.com/meshforge/maps/internal/alert"
	"github.com/meshforge/maps/internal/analytics"
	"github.com/meshforge/maps/internal/api"
	"github.com/meshforge/maps/internal/buildinfo"
	"github.com/meshforge/maps/internal/bus"
	"github.com/meshforge/maps/internal/config"
	"github.com/meshforge/maps/internal/conntrack"
	"github.com/meshforge/maps/internal/drift"
	"github.com/meshforge/maps/internal/health"
	"github.com/meshforge/maps/internal/history"
	"github.com/meshforge/maps/internal/meshstore"
	"github.com/meshforge/maps/internal/metrics"
	"github.com/meshforge/maps/internal/scanloop"
	"github.com/meshforge/maps/internal/ws"
)

const shutdownTimeout = 5 * time.Second

type mapsApp struct {
	cfg     *config.Settings
	events  *bus.Bus
	monitor *metrics.Monitor

	aggregator *aggregate.Aggregator
	hist       *history.Store
	tracker    *conntrack.Tracker
	scorer     *health.Scorer
	drift      *drift.Detector
	alerts     *alert.Engine
	analytics  *analytics.Analytics

	apiSrv *api.Server
	wsSrv  *ws.Server
	jobs   *cron.Cron
	stopCh chan struct{}

	shutdownOnce sync.Once
}

func run(args []string) error {
	fs := flag.NewFlagSet("meshforge", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	host := fs.String("host", "", "listen host override")
	port := fs.Int("port", 0, "HTTP port override")
	dataDir := fs.String("data-dir", "", "data directory override")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	applyOverrides(cfg, *host, *port, *dataDir)

	app := newMapsApp(cfg)
	if err := app.startServers(); err != nil {
		app.shutdown()
		return err
	}
	app.startBackgroundJobs()

	waitForShutdown()
	app.shutdown()
	return nil
}

// applyOverrides layers CLI flags over the loaded settings. Zero
// values leave the setting untouched.
func applyOverrides(cfg *config.Settings, host string, port int, dataDir string) {
	if host != "" {
		cfg.ListenHost = host
	}
	if port != 0 {
		cfg.HTTPPort = port
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
}

func newMapsApp(cfg *config.Settings) *mapsApp {
	app := &mapsApp{
		cfg:     cfg,
		events:  bus.New(),
		monitor: metrics.NewMonitor(),
		stopCh:  make(chan struct{}),
	}

	app.aggregator = aggregate.New(cfg, app.events, app.monitor)

	historyPath := filepath.Join(cfg.DataDir, "node_history.db")
	app.hist = history.Open(historyPath,
		history.WithThrottle(time.Duration(cfg.HistoryThrottleSeconds)*time.Second),
		history.WithRetention(time.Duration(cfg.HistoryRetentionDays)*24*time.Hour))

	app.tracker = conntrack.New(
		conntrack.WithIntervals(
			time.Duration(cfg.ExpectedIntervalSeconds)*time.Second,
			conntrack.DefaultOfflineThreshold))
	app.scorer = health.NewScorer()
	app.drift = drift.New(drift.WithDriftFunc(func(nodeID string, drifts []drift.Drift) {
		for _, d := range drifts {
			log.Printf("[drift] %s %s: %v -> %v (%s)", nodeID, d.Field, d.OldValue, d.NewValue, d.Severity)
		}
	}))
	app.alerts = alert.New(alert.WithBus(app.events))
	if cfg.AlertCooldownSeconds > 0 {
		for _, r := range app.alerts.ListRules() {
			r.Cooldown = float64(cfg.AlertCooldownSeconds)
			app.alerts.AddRule(r)
		}
	}
	app.analytics = analytics.New(app.hist, app.alerts)

	app.wireBus()
	app.aggregator.OnNodeRemoved(func(nodeID string) {
		app.tracker.Remove(nodeID)
		app.drift.Remove(nodeID)
		app.scorer.Remove(nodeID)
	})
	return app
}

// wireBus feeds the analytics pipeline from live MQTT events: every
// node event is a connectivity heartbeat; position events are
// persisted; info and telemetry events drive drift detection, health
// scoring, and alert evaluation.
func (a *mapsApp) wireBus() {
	store := a.aggregator.Store()

	a.events.Subscribe(bus.EventNodePosition, func(ev bus.Event) {
		nodeID, _ := ev.Data["node_id"].(string)
		if nodeID == "" {
			return
		}
		a.tracker.RecordHeartbeat(nodeID, ev.Timestamp)
		if store == nil {
			return
		}
		if n := store.GetNode(nodeID); n != nil && n.Latitude != nil && n.Longitude != nil {
			obs := history.Observation{
				NodeID:    nodeID,
				Timestamp: n.LastSeen,
				Latitude:  *n.Latitude,
				Longitude: *n.Longitude,
				Network:   "meshtastic",
				Battery:   n.Battery,
				Name:      n.Name,
			}
			if n.Altitude != nil {
				alt := float64(*n.Altitude)
				obs.Altitude = &alt
			}
			a.hist.RecordObservation(obs)
		}
	})

	a.events.Subscribe(bus.EventNodeInfo, func(ev bus.Event) {
		nodeID, _ := ev.Data["node_id"].(string)
		if nodeID == "" {
			return
		}
		a.tracker.RecordHeartbeat(nodeID, ev.Timestamp)
		if store == nil {
			return
		}
		if n := store.GetNode(nodeID); n != nil {
			a.drift.CheckNode(nodeID, driftFields(n))
		}
	})

	a.events.Subscribe(bus.EventNodeTelemetry, func(ev bus.Event) {
		nodeID, _ := ev.Data["node_id"].(string)
		if nodeID == "" {
			return
		}
		a.tracker.RecordHeartbeat(nodeID, ev.Timestamp)
		if store == nil {
			return
		}
		n := store.GetNode(nodeID)
		if n == nil {
			return
		}
		props := nodeProps(n)
		connState := ""
		if state, ok := a.tracker.NodeState(nodeID); ok {
			connState = string(state)
		}
		score := a.scorer.ScoreNode(nodeID, props, connState, ev.Timestamp)
		a.alerts.EvaluateNode(nodeID, props, &score.Score, ev.Timestamp)
	})
}

// driftFields projects a store node onto the drift detector's tracked
// config fields.
func driftFields(n *meshstore.Node) map[string]any {
	fields := map[string]any{}
	if n.Role != "" {
		fields["role"] = n.Role
	}
	if n.Hardware != "" {
		fields["hardware"] = n.Hardware
	}
	if n.Name != "" {
		fields["name"] = n.Name
	}
	if n.ShortName != "" {
		fields["short_name"] = n.ShortName
	}
	for _, key := range []string{"hop_limit", "tx_power", "tx_enabled", "region", "modem_preset", "channel_name"} {
		if v, ok := n.Extra[key]; ok {
			fields[key] = v
		}
	}
	return fields
}

// nodeProps builds the property map health scoring and alert rules
// read from.
func nodeProps(n *meshstore.Node) map[string]any {
	props := map[string]any{
		"id":        n.ID,
		"network":   "meshtastic",
		"last_seen": n.LastSeen,
		"is_online": n.IsOnline,
	}
	if n.Battery != nil {
		props["battery"] = float64(*n.Battery)
	}
	if n.Voltage != nil {
		props["voltage"] = *n.Voltage
	}
	if n.ChannelUtil != nil {
		props["channel_util"] = *n.ChannelUtil
	}
	if n.AirUtilTX != nil {
		props["air_util_tx"] = *n.AirUtilTX
	}
	for k, v := range n.Extra {
		props[k] = v
	}
	return props
}

func (a *mapsApp) startServers() error {
	apiCtx := &api.Context{
		Aggregator: a.aggregator,
		Config:     a.cfg,
		History:    a.hist,
		Tracker:    a.tracker,
		Scorer:     a.scorer,
		Drift:      a.drift,
		Alerts:     a.alerts,
		Analytics:  a.analytics,
		Monitor:    a.monitor,
		StartTime:  time.Now().UTC(),
		Version:    buildinfo.Version,
	}

	a.apiSrv = api.NewServer(a.cfg.ListenHost, a.cfg.HTTPPort, apiCtx)
	httpPort, err := a.apiSrv.Start()
	if err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	log.Printf("[meshforge] http server listening on %s:%d", a.cfg.ListenHost, httpPort)

	a.wsSrv = ws.NewServer(a.cfg.ListenHost, httpPort+1, ws.WithMonitor(a.monitor))
	wsPort, err := a.wsSrv.Start()
	if err != nil {
		// The map works without live streaming; degrade rather than die.
		log.Printf("[meshforge] websocket server unavailable: %v", err)
		a.wsSrv = nil
	} else {
		log.Printf("[meshforge] websocket server listening on %s:%d", a.cfg.ListenHost, wsPort)
		apiCtx.WSPort = wsPort
		apiCtx.WSStats = a.wsSrv.Stats
		if _, err := a.wsSrv.BridgeTo(a.events); err != nil {
			log.Printf("[meshforge] bus bridge failed: %v", err)
		}
	}
	return nil
}

func (a *mapsApp) startBackgroundJobs() {
	a.jobs = cron.New()

	a.jobs.AddFunc("@every 5m", func() {
		if store := a.aggregator.Store(); store != nil {
			if removed := store.CleanupStale(); removed > 0 {
				log.Printf("[meshforge] cleaned up %d stale nodes", removed)
			}
		}
	})

	a.jobs.AddFunc("@every 1m", func() {
		now := time.Now()
		for _, nodeID := range a.tracker.CheckOffline(now) {
			info := a.tracker.NodeInfo(nodeID)
			if info == nil {
				continue
			}
			a.alerts.EvaluateOffline(nodeID, info.LastSeen,
				conntrack.DefaultOfflineThreshold.Seconds(), now)
		}
	})

	a.jobs.AddFunc("@daily", func() {
		if pruned := a.hist.Prune(nil); pruned > 0 {
			log.Printf("[meshforge] pruned %d history observations", pruned)
		}
	})

	a.jobs.AddFunc("@hourly", func() {
		a.alerts.CleanupCooldowns(time.Now())
	})

	a.jobs.Start()

	// Jittered sync of bus and store gauges into Prometheus.
	go scanloop.Run(a.stopCh, scanloop.DefaultMinInterval, scanloop.DefaultJitterRange, func() {
		stats := a.events.Stats()
		a.monitor.SyncBusStats(stats.TotalPublished, stats.TotalDelivered, stats.TotalErrors)
		if store := a.aggregator.Store(); store != nil {
			a.monitor.SetStoreNodes(store.NodeCount())
		}
	})
}

func waitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)
	sig := <-quit
	log.Printf("[meshforge] received signal %s, shutting down", sig)
}

// shutdown stops everything in dependency order. Safe to call more
// than once.
func (a *mapsApp) shutdown() {
	a.shutdownOnce.Do(func() {
		close(a.stopCh)
		if a.jobs != nil {
			a.jobs.Stop()
		}

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if a.wsSrv != nil {
			if err := a.wsSrv.Shutdown(ctx); err != nil {
				log.Printf("[meshforge] websocket shutdown: %v", err)
			}
		}
		if a.apiSrv != nil {
			if err := a.apiSrv.Shutdown(ctx); err != nil {
				log.Printf("[meshforge] http shutdown: %v", err)
			}
		}

		a.aggregator.Shutdown()
		a.analytics.Close()
		a.hist.Close()
		log.Printf("[meshforge] stopped")
	})
}
