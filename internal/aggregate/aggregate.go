// Package aggregate merges the per-source collectors into one unified
// GeoJSON view. The Aggregator owns the collector runners, the event
// bus wiring for the MQTT feed, the circuit-breaker registry, and the
// cached overlay from the last full cycle.
package aggregate

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/meshforge/maps/internal/bus"
	"github.com/meshforge/maps/internal/circuit"
	"github.com/meshforge/maps/internal/collector"
	"github.com/meshforge/maps/internal/config"
	"github.com/meshforge/maps/internal/meshstore"
	"github.com/meshforge/maps/internal/metrics"
	"github.com/meshforge/maps/internal/model"
	"github.com/meshforge/maps/internal/mqttfeed"
)

// overlayKeys are the collection properties lifted into the overlay
// cache during a full cycle.
var overlayKeys = [...]string{"space_weather", "solar_terminator", "hamclock"}

// overlayOnly names sources whose features are polygons rather than
// mesh node points; they are served separately and skipped by
// CollectAll.
var overlayOnly = map[string]bool{"noaa_alerts": true}

// Aggregator owns the collection pipeline.
type Aggregator struct {
	events   *bus.Bus
	registry *circuit.Registry
	monitor  *metrics.Monitor
	store    *meshstore.Store
	feed     *mqttfeed.Feed
	aredn    *collector.ArednFetcher

	order   []string
	runners map[string]*collector.Runner

	mu             sync.Mutex
	cachedOverlay  map[string]any
	lastCollect    time.Time
	lastCounts     map[string]int
	arednPositions map[string][2]float64

	removedMu       sync.Mutex
	removedHandlers []func(nodeID string)
}

// New wires the aggregator from settings. The MQTT feed is started
// here when Meshtastic is enabled; everything else is pull-based.
func New(cfg *config.Settings, events *bus.Bus, monitor *metrics.Monitor) *Aggregator {
	a := &Aggregator{
		events:         events,
		registry:       circuit.NewRegistry(5, 60*time.Second),
		monitor:        monitor,
		runners:        make(map[string]*collector.Runner),
		lastCounts:     make(map[string]int),
		arednPositions: make(map[string][2]float64),
	}

	cacheTTL := time.Duration(cfg.CacheTTLMinutes) * time.Minute

	if cfg.EnableMeshtastic {
		a.store = meshstore.New(meshstore.WithOnRemoved(a.notifyNodeRemoved))
		a.feed = mqttfeed.New(mqttfeed.Config{
			Broker:   cfg.MQTTBroker,
			Port:     cfg.MQTTPort,
			Topic:    cfg.MQTTTopic,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
			TLS:      cfg.MQTTTLS,
		}, a.store, events)
		if err := a.feed.Start(); err != nil {
			log.Printf("[aggregator] mqtt feed unavailable: %v", err)
			a.feed = nil
		}

		a.addRunner("meshtastic",
			collector.NewMeshtasticFetcher(cfg.MeshtasticHost, cfg.MeshtasticPort, a.store, cfg.DataDir, cfg.MeshtasticSource),
			cacheTTL)
	}

	if cfg.EnableReticulum {
		a.addRunner("reticulum", collector.NewReticulumFetcher(cfg.DataDir), cacheTTL)
	}

	if cfg.EnableHamClock {
		a.addRunner("hamclock",
			collector.NewHamClockFetcher(cfg.HamClockHost, cfg.HamClockPort, cfg.OpenHamClockPort),
			cacheTTL)
	}

	if cfg.EnableAredn {
		a.aredn = collector.NewArednFetcher(cfg.ArednTargets, cfg.DataDir)
		a.addRunner("aredn", a.aredn, cacheTTL)
	}

	if cfg.EnableNOAAAlerts {
		alertTTL := cacheTTL
		if alertTTL > 5*time.Minute {
			alertTTL = 5 * time.Minute
		}
		a.addRunner("noaa_alerts",
			collector.NewNOAAAlertFetcher(cfg.NOAAAlertsArea, cfg.NOAAAlertsSeverity),
			alertTTL)
	}

	return a
}

func (a *Aggregator) addRunner(name string, f collector.Fetcher, ttl time.Duration) {
	a.order = append(a.order, name)
	a.runners[name] = collector.NewRunner(f,
		collector.WithCacheTTL(ttl),
		collector.WithBreaker(a.registry.Get(name)))
}

// CollectAll runs every node-producing collector, deduplicates across
// sources by feature id, and caches the overlay data. One failing
// source never affects the others; it simply contributes zero nodes.
func (a *Aggregator) CollectAll(ctx context.Context) *model.FeatureCollection {
	cycleStart := time.Now()
	counts := make(map[string]int, len(a.order))
	overlay := make(map[string]any)
	var perSource [][]*model.Feature

	for _, name := range a.order {
		if overlayOnly[name] {
			continue
		}
		start := time.Now()
		fc := a.runners[name].Collect(ctx)
		counts[name] = len(fc.Features)
		perSource = append(perSource, fc.Features)
		if a.monitor != nil {
			a.monitor.ObserveCollection(name, time.Since(start), len(fc.Features), false)
		}

		for _, key := range overlayKeys {
			if v, ok := fc.Properties[key]; ok {
				overlay[key] = v
			}
		}
	}

	merged := dedupeByID(perSource)

	a.mu.Lock()
	a.cachedOverlay = overlay
	a.lastCollect = time.Now()
	a.lastCounts = counts
	a.arednPositions = indexPositions(merged, "aredn")
	a.mu.Unlock()

	if a.monitor != nil {
		a.monitor.ObserveCycle(time.Since(cycleStart))
		if a.store != nil {
			a.monitor.SetStoreNodes(a.store.NodeCount())
		}
	}

	result := model.NewFeatureCollection(merged, "aggregated")
	result.Properties["sources"] = counts
	result.Properties["total_nodes"] = len(merged)
	result.Properties["enabled_sources"] = append([]string(nil), a.order...)
	result.Properties["overlay_data"] = overlay

	a.events.Publish(bus.EventDataRefreshed, "aggregator", map[string]any{
		"total_nodes": len(merged),
		"sources":     counts,
	})

	log.Printf("[aggregator] aggregated %d nodes from %d sources: %v",
		len(merged), len(a.order), counts)
	return result
}

// CollectSource collects from one named source, or returns an empty
// collection for an unknown name.
func (a *Aggregator) CollectSource(ctx context.Context, name string) *model.FeatureCollection {
	r, ok := a.runners[name]
	if !ok {
		return model.NewFeatureCollection(nil, name)
	}
	return r.Collect(ctx)
}

// dedupeByID merges source feature lists keeping the first occurrence
// of each id. Features without an id are dropped; by the time sources
// reach the aggregator, an id-less feature cannot be cross-referenced
// by any downstream consumer.
func dedupeByID(perSource [][]*model.Feature) []*model.Feature {
	seen := make(map[string]bool)
	var out []*model.Feature
	for _, features := range perSource {
		for _, f := range features {
			id := f.ID()
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, f)
		}
	}
	return out
}

// indexPositions maps feature id to [lat, lon] for one network.
func indexPositions(features []*model.Feature, network string) map[string][2]float64 {
	idx := make(map[string][2]float64)
	for _, f := range features {
		if net, _ := f.Properties["network"].(string); net != network {
			continue
		}
		lat, lon, ok := f.Geometry.PointLatLon()
		if !ok {
			continue
		}
		idx[f.ID()] = [2]float64{lat, lon}
	}
	return idx
}

// CachedOverlay returns the overlay from the last full cycle. With no
// cycle yet, it falls back to a HamClock-only fetch instead of a full
// aggregation.
func (a *Aggregator) CachedOverlay(ctx context.Context) map[string]any {
	a.mu.Lock()
	if len(a.cachedOverlay) > 0 {
		out := make(map[string]any, len(a.cachedOverlay))
		for k, v := range a.cachedOverlay {
			out[k] = v
		}
		a.mu.Unlock()
		return out
	}
	a.mu.Unlock()

	r, ok := a.runners["hamclock"]
	if !ok {
		return map[string]any{}
	}
	fc := r.Collect(ctx)
	overlay := make(map[string]any)
	for _, key := range overlayKeys {
		if v, ok := fc.Properties[key]; ok {
			overlay[key] = v
		}
	}
	a.mu.Lock()
	a.cachedOverlay = overlay
	a.mu.Unlock()
	return overlay
}

// LastCollectAgeSeconds returns seconds since the last full cycle, or
// nil if none has completed.
func (a *Aggregator) LastCollectAgeSeconds() *float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastCollect.IsZero() {
		return nil
	}
	age := time.Since(a.lastCollect).Seconds()
	return &age
}

// LastCollectCounts returns the per-source node counts of the last cycle.
func (a *Aggregator) LastCollectCounts() map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]int, len(a.lastCounts))
	for k, v := range a.lastCounts {
		out[k] = v
	}
	return out
}

// SourceHealth returns per-source health snapshots.
func (a *Aggregator) SourceHealth() map[string]collector.HealthInfo {
	out := make(map[string]collector.HealthInfo, len(a.runners))
	for name, r := range a.runners {
		out[name] = r.Health()
	}
	return out
}

// EnabledSources lists enabled source names in collection order.
func (a *Aggregator) EnabledSources() []string {
	return append([]string(nil), a.order...)
}

// Runner returns the named collector runner, or nil.
func (a *Aggregator) Runner(name string) *collector.Runner { return a.runners[name] }

// Store returns the live MQTT node store, or nil when Meshtastic is
// disabled.
func (a *Aggregator) Store() *meshstore.Store { return a.store }

// Feed returns the MQTT feed, or nil when disabled or unavailable.
func (a *Aggregator) Feed() *mqttfeed.Feed { return a.feed }

// Bus returns the event bus.
func (a *Aggregator) Bus() *bus.Bus { return a.events }

// Breakers returns the circuit-breaker registry.
func (a *Aggregator) Breakers() *circuit.Registry { return a.registry }

// OnNodeRemoved registers a callback fired when the live store evicts
// or expires a node.
func (a *Aggregator) OnNodeRemoved(fn func(nodeID string)) {
	a.removedMu.Lock()
	defer a.removedMu.Unlock()
	a.removedHandlers = append(a.removedHandlers, fn)
}

func (a *Aggregator) notifyNodeRemoved(nodeID string) {
	a.removedMu.Lock()
	handlers := append(([]func(string))(nil), a.removedHandlers...)
	a.removedMu.Unlock()
	for _, fn := range handlers {
		fn(nodeID)
	}
}

// ClearAllCaches drops every runner cache and the overlay cache.
func (a *Aggregator) ClearAllCaches() {
	for _, r := range a.runners {
		r.ClearCache()
	}
	a.mu.Lock()
	a.cachedOverlay = nil
	a.mu.Unlock()
}

// Shutdown stops the MQTT feed. Idempotent.
func (a *Aggregator) Shutdown() {
	if a.feed != nil {
		a.feed.Stop()
		a.feed = nil
	}
	log.Printf("[aggregator] shut down")
}
