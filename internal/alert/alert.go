// Package alert evaluates threshold rules against node telemetry and
// health data. Triggered alerts respect a per-node-per-rule cooldown
// to avoid alert storms, are kept in a bounded history, and are
// published on the event bus for WebSocket delivery.
package alert

import (
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/meshforge/maps/internal/bus"
)

// Severity levels for alerts.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Built-in alert types.
const (
	TypeNodeOffline     = "node_offline"
	TypeBatteryLow      = "battery_low"
	TypeBatteryCritical = "battery_critical"
	TypeHealthDegraded  = "health_degraded"
	TypeCongestionHigh  = "congestion_high"
	TypeSignalPoor      = "signal_poor"
)

const (
	// MaxAlertHistory bounds retained alerts.
	MaxAlertHistory = 500

	// DefaultCooldown spaces repeat alerts for the same node and rule.
	DefaultCooldown = 600.0

	cooldownMaxAge          = 86400.0
	cooldownCleanupInterval = 3600.0
)

// Rule is a threshold rule. Operator is one of lt, gt, eq, lte, gte.
type Rule struct {
	RuleID        string   `json:"rule_id"`
	AlertType     string   `json:"alert_type"`
	Severity      Severity `json:"severity"`
	Metric        string   `json:"metric"`
	Operator      string   `json:"operator"`
	Threshold     float64  `json:"threshold"`
	Cooldown      float64  `json:"cooldown"`
	Enabled       bool     `json:"enabled"`
	NetworkFilter string   `json:"network_filter,omitempty"`
	Description   string   `json:"description"`
}

func (r Rule) evaluate(v float64) bool {
	switch r.Operator {
	case "lt":
		return v < r.Threshold
	case "gt":
		return v > r.Threshold
	case "eq":
		return v == r.Threshold
	case "lte":
		return v <= r.Threshold
	case "gte":
		return v >= r.Threshold
	default:
		return false
	}
}

// Alert is one fired alert instance.
type Alert struct {
	AlertID      string   `json:"alert_id"`
	RuleID       string   `json:"rule_id"`
	AlertType    string   `json:"alert_type"`
	Severity     Severity `json:"severity"`
	NodeID       string   `json:"node_id"`
	Metric       string   `json:"metric"`
	Value        float64  `json:"value"`
	Threshold    float64  `json:"threshold"`
	Message      string   `json:"message"`
	Timestamp    float64  `json:"timestamp"`
	Acknowledged bool     `json:"acknowledged"`
}

func (a *Alert) asMap() map[string]any {
	return map[string]any{
		"alert_id":     a.AlertID,
		"rule_id":      a.RuleID,
		"alert_type":   a.AlertType,
		"severity":     string(a.Severity),
		"node_id":      a.NodeID,
		"metric":       a.Metric,
		"value":        a.Value,
		"threshold":    a.Threshold,
		"message":      a.Message,
		"timestamp":    a.Timestamp,
		"acknowledged": a.Acknowledged,
	}
}

// Summary is aggregate engine state.
type Summary struct {
	TotalRules       int            `json:"total_rules"`
	EnabledRules     int            `json:"enabled_rules"`
	TotalAlertsFired int            `json:"total_alerts_fired"`
	ActiveAlerts     int            `json:"active_alerts"`
	HistorySize      int            `json:"history_size"`
	BySeverity       map[string]int `json:"by_severity"`
	ByType           map[string]int `json:"by_type"`
}

// DefaultRules covers the common failure modes of battery-powered
// mesh nodes.
func DefaultRules() []Rule {
	return []Rule{
		{
			RuleID:      "battery_low",
			AlertType:   TypeBatteryLow,
			Severity:    SeverityWarning,
			Metric:      "battery",
			Operator:    "lte",
			Threshold:   20,
			Cooldown:    DefaultCooldown,
			Enabled:     true,
			Description: "Battery level is low (<=20%)",
		},
		{
			RuleID:      "battery_critical",
			AlertType:   TypeBatteryCritical,
			Severity:    SeverityCritical,
			Metric:      "battery",
			Operator:    "lte",
			Threshold:   5,
			Cooldown:    DefaultCooldown,
			Enabled:     true,
			Description: "Battery level is critical (<=5%)",
		},
		{
			RuleID:      "signal_poor",
			AlertType:   TypeSignalPoor,
			Severity:    SeverityWarning,
			Metric:      "snr",
			Operator:    "lte",
			Threshold:   -10,
			Cooldown:    DefaultCooldown,
			Enabled:     true,
			Description: "Signal quality is poor (SNR <= -10 dB)",
		},
		{
			RuleID:      "congestion_high",
			AlertType:   TypeCongestionHigh,
			Severity:    SeverityWarning,
			Metric:      "channel_util",
			Operator:    "gte",
			Threshold:   75,
			Cooldown:    DefaultCooldown,
			Enabled:     true,
			Description: "Channel utilization is high (>=75%)",
		},
		{
			RuleID:      "health_degraded",
			AlertType:   TypeHealthDegraded,
			Severity:    SeverityWarning,
			Metric:      "health_score",
			Operator:    "lte",
			Threshold:   20,
			Cooldown:    DefaultCooldown,
			Enabled:     true,
			Description: "Node health score is critical (<=20)",
		},
	}
}

// Engine evaluates rules and records fired alerts. Safe for concurrent
// use.
type Engine struct {
	maxHistory int
	events     *bus.Bus

	mu                  sync.Mutex
	rules               map[string]*Rule
	history             []*Alert
	cooldowns           map[string]float64
	counter             int
	totalFired          int
	lastCooldownCleanup float64
}

// Option configures an Engine.
type Option func(*Engine)

// WithRules replaces the default rule set.
func WithRules(rules []Rule) Option {
	return func(e *Engine) {
		e.rules = make(map[string]*Rule, len(rules))
		for i := range rules {
			r := rules[i]
			e.rules[r.RuleID] = &r
		}
	}
}

// WithBus publishes every fired alert as an alert.fired event.
func WithBus(b *bus.Bus) Option {
	return func(e *Engine) { e.events = b }
}

// WithMaxHistory overrides the history bound.
func WithMaxHistory(n int) Option {
	return func(e *Engine) { e.maxHistory = n }
}

// New builds an Engine with the default rule set.
func New(opts ...Option) *Engine {
	e := &Engine{
		maxHistory: MaxAlertHistory,
		cooldowns:  make(map[string]float64),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.rules == nil {
		WithRules(DefaultRules())(e)
	}
	return e
}

// AddRule adds or replaces a rule.
func (e *Engine) AddRule(r Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[r.RuleID] = &r
}

// RemoveRule removes a rule. Reports whether it existed.
func (e *Engine) RemoveRule(ruleID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[ruleID]; !ok {
		return false
	}
	delete(e.rules, ruleID)
	return true
}

// GetRule returns a rule by id.
func (e *Engine) GetRule(ruleID string) (Rule, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[ruleID]
	if !ok {
		return Rule{}, false
	}
	return *r, true
}

// ListRules returns all configured rules.
func (e *Engine) ListRules() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, *r)
	}
	return out
}

// EnableRule enables a rule. Reports whether it was found.
func (e *Engine) EnableRule(ruleID string) bool { return e.setEnabled(ruleID, true) }

// DisableRule disables a rule. Reports whether it was found.
func (e *Engine) DisableRule(ruleID string) bool { return e.setEnabled(ruleID, false) }

func (e *Engine) setEnabled(ruleID string, enabled bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[ruleID]
	if !ok {
		return false
	}
	r.Enabled = enabled
	return true
}

// EvaluateNode runs every enabled rule against a node's properties,
// with the health score merged in as health_score when provided.
// Returns the alerts fired this call.
func (e *Engine) EvaluateNode(nodeID string, props map[string]any, healthScore *int, now time.Time) []*Alert {
	if now.IsZero() {
		now = time.Now()
	}
	nowSec := float64(now.UnixNano()) / 1e9

	context := make(map[string]any, len(props)+1)
	for k, v := range props {
		context[k] = v
	}
	if healthScore != nil {
		context["health_score"] = *healthScore
	}
	network, _ := context["network"].(string)

	e.mu.Lock()
	if nowSec-e.lastCooldownCleanup > cooldownCleanupInterval {
		e.cleanupCooldownsLocked(nowSec)
	}
	rules := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		rules = append(rules, *r)
	}
	e.mu.Unlock()

	var fired []*Alert
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if rule.NetworkFilter != "" && network != rule.NetworkFilter {
			continue
		}
		value, ok := toFloat(context[rule.Metric])
		if !ok || !rule.evaluate(value) {
			continue
		}

		msg := fmt.Sprintf("%s: node %s %s=%g", rule.Description, nodeID, rule.Metric, value)
		if a := e.fire(nodeID, rule.RuleID, rule.AlertType, rule.Severity, rule.Metric,
			value, rule.Threshold, rule.Cooldown, msg, nowSec); a != nil {
			fired = append(fired, a)
		}
	}

	e.publish(fired)
	return fired
}

// EvaluateOffline mints a node_offline alert when a node has not been
// seen past the threshold. Separate from EvaluateNode because offline
// detection comes from absence rather than properties.
func (e *Engine) EvaluateOffline(nodeID string, lastSeen, offlineThreshold float64, now time.Time) *Alert {
	if now.IsZero() {
		now = time.Now()
	}
	nowSec := float64(now.UnixNano()) / 1e9

	age := nowSec - lastSeen
	if age <= offlineThreshold {
		return nil
	}

	msg := fmt.Sprintf("Node %s offline, last seen %ds ago", nodeID, int(age))
	a := e.fire(nodeID, "node_offline", TypeNodeOffline, SeverityCritical,
		"seconds_since_seen", age, offlineThreshold, DefaultCooldown, msg, nowSec)
	if a != nil {
		e.publish([]*Alert{a})
	}
	return a
}

// fire mints and records one alert unless its cooldown is active.
func (e *Engine) fire(nodeID, ruleID, alertType string, severity Severity,
	metric string, value, threshold, cooldown float64, msg string, nowSec float64) *Alert {

	key := nodeID + ":" + ruleID

	e.mu.Lock()
	defer e.mu.Unlock()
	if nowSec-e.cooldowns[key] < cooldown {
		return nil
	}

	e.counter++
	a := &Alert{
		AlertID:   fmt.Sprintf("alert-%d", e.counter),
		RuleID:    ruleID,
		AlertType: alertType,
		Severity:  severity,
		NodeID:    nodeID,
		Metric:    metric,
		Value:     value,
		Threshold: threshold,
		Message:   msg,
		Timestamp: nowSec,
	}
	e.cooldowns[key] = nowSec
	e.history = append(e.history, a)
	e.totalFired++
	if len(e.history) > e.maxHistory {
		e.history = e.history[len(e.history)-e.maxHistory:]
	}
	log.Printf("[alert] %s fired for %s: %s", a.AlertID, nodeID, msg)
	return a
}

func (e *Engine) publish(alerts []*Alert) {
	if e.events == nil {
		return
	}
	for _, a := range alerts {
		if err := e.events.Publish(bus.EventAlertFired, "alert_engine", a.asMap()); err != nil {
			log.Printf("[alert] publish failed: %v", err)
		}
	}
}

func (e *Engine) cleanupCooldownsLocked(nowSec float64) {
	for key, fired := range e.cooldowns {
		if nowSec-fired > cooldownMaxAge {
			delete(e.cooldowns, key)
		}
	}
	e.lastCooldownCleanup = nowSec
}

// CleanupCooldowns drops cooldown entries older than 24 hours.
func (e *Engine) CleanupCooldowns(now time.Time) {
	if now.IsZero() {
		now = time.Now()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cleanupCooldownsLocked(float64(now.UnixNano()) / 1e9)
}

// Acknowledge marks an alert acknowledged. Reports whether it was
// found.
func (e *Engine) Acknowledge(alertID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, a := range e.history {
		if a.AlertID == alertID {
			a.Acknowledged = true
			return true
		}
	}
	return false
}

// ActiveAlerts returns all unacknowledged alerts, oldest first.
func (e *Engine) ActiveAlerts() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Alert
	for _, a := range e.history {
		if !a.Acknowledged {
			out = append(out, *a)
		}
	}
	return out
}

// History returns recent alerts, newest first, optionally filtered by
// severity and node.
func (e *Engine) History(limit int, severity Severity, nodeID string) []Alert {
	if limit <= 0 {
		limit = 50
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Alert
	for i := len(e.history) - 1; i >= 0 && len(out) < limit; i-- {
		a := e.history[i]
		if severity != "" && a.Severity != severity {
			continue
		}
		if nodeID != "" && a.NodeID != nodeID {
			continue
		}
		out = append(out, *a)
	}
	return out
}

// Summary returns aggregate alert statistics.
func (e *Engine) Summary() Summary {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Summary{
		TotalRules:       len(e.rules),
		TotalAlertsFired: e.totalFired,
		HistorySize:      len(e.history),
		BySeverity:       make(map[string]int),
		ByType:           make(map[string]int),
	}
	for _, r := range e.rules {
		if r.Enabled {
			s.EnabledRules++
		}
	}
	for _, a := range e.history {
		if a.Acknowledged {
			continue
		}
		s.ActiveAlerts++
		s.BySeverity[string(a.Severity)]++
		s.ByType[a.AlertType]++
	}
	return s
}

// ClearCooldowns resets all cooldown timers.
func (e *Engine) ClearCooldowns() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cooldowns = make(map[string]float64)
}

// toFloat coerces the numeric types JSON decoding can produce,
// rejecting NaN and infinities.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	default:
		return 0, false
	}
}
