// Package health computes composite 0-100 node health scores from
// GeoJSON properties. Five weighted components contribute: battery,
// signal, freshness, reliability, congestion. Components a node does
// not report are excluded and the score renormalizes over the weights
// that remain.
package health

import (
	"math"
	"sync"
	"time"
)

// Component weights (max points).
const (
	WeightBattery     = 25.0
	WeightSignal      = 25.0
	WeightFreshness   = 20.0
	WeightReliability = 15.0
	WeightCongestion  = 15.0
)

const (
	batteryFull    = 80.0
	batteryLow     = 20.0
	voltageMin     = 3.0
	voltageHealthy = 3.7

	snrExcellent = 8.0
	snrPoor      = -10.0

	maxHopsScored = 7.0

	// FreshThreshold is the age at which freshness still scores full
	// points; StaleThreshold is where it reaches zero.
	FreshThreshold = 300.0
	StaleThreshold = 3600.0

	channelUtilLow  = 25.0
	channelUtilHigh = 75.0

	// MaxScoredNodes bounds the score cache.
	MaxScoredNodes = 10000
)

// Component is one scored sub-metric.
type Component struct {
	Score  float64        `json:"score"`
	Max    float64        `json:"max"`
	Detail map[string]any `json:"detail,omitempty"`
}

// Score is a computed node health score.
type Score struct {
	NodeID          string               `json:"node_id"`
	Score           int                  `json:"score"`
	Status          string               `json:"status"`
	Components      map[string]Component `json:"components"`
	AvailableWeight float64              `json:"available_weight"`
	Timestamp       float64              `json:"timestamp"`
}

// Summary aggregates all cached scores.
type Summary struct {
	ScoredNodes       int                `json:"scored_nodes"`
	AverageScore      float64            `json:"average_score"`
	MinScore          int                `json:"min_score,omitempty"`
	MaxScore          int                `json:"max_score,omitempty"`
	StatusCounts      map[string]int     `json:"status_counts"`
	ComponentAverages map[string]float64 `json:"component_averages"`
}

// Scorer computes and caches node health scores. Safe for concurrent
// use.
type Scorer struct {
	maxNodes       int
	freshnessFresh float64
	freshnessStale float64

	mu     sync.Mutex
	scores map[string]*Score
}

// NewScorer builds a Scorer with defaults.
func NewScorer() *Scorer {
	return &Scorer{
		maxNodes:       MaxScoredNodes,
		freshnessFresh: FreshThreshold,
		freshnessStale: StaleThreshold,
		scores:         make(map[string]*Score),
	}
}

// ScoreNode computes the composite score for one node from its GeoJSON
// properties and its connectivity state ("" when untracked). The score
// is cached for later reads.
func (s *Scorer) ScoreNode(nodeID string, props map[string]any, connectivityState string, now time.Time) *Score {
	if now.IsZero() {
		now = time.Now()
	}
	nowSec := float64(now.UnixNano()) / 1e9

	components := make(map[string]Component)
	earned := 0.0
	available := 0.0

	add := func(name string, c *Component) {
		if c == nil {
			return
		}
		c.Score = round1(c.Score)
		components[name] = *c
		earned += c.Score
		available += c.Max
	}

	add("battery", scoreBattery(props))
	add("signal", scoreSignal(props))
	add("freshness", s.scoreFreshness(props, nowSec))
	add("reliability", scoreReliability(connectivityState))
	add("congestion", scoreCongestion(props))

	normalized := 0
	if available > 0 {
		normalized = int(math.Round(earned / available * 100))
	}
	if normalized < 0 {
		normalized = 0
	} else if normalized > 100 {
		normalized = 100
	}

	result := &Score{
		NodeID:          nodeID,
		Score:           normalized,
		Status:          StatusLabel(normalized),
		Components:      components,
		AvailableWeight: available,
		Timestamp:       nowSec,
	}

	s.mu.Lock()
	if _, exists := s.scores[nodeID]; !exists && len(s.scores) >= s.maxNodes {
		s.evictOldestLocked()
	}
	s.scores[nodeID] = result
	s.mu.Unlock()

	return result
}

// StatusLabel maps a 0-100 score to its status band.
func StatusLabel(score int) string {
	switch {
	case score >= 80:
		return "excellent"
	case score >= 60:
		return "good"
	case score >= 40:
		return "fair"
	case score >= 20:
		return "poor"
	case score >= 0:
		return "critical"
	default:
		return "unknown"
	}
}

// NodeScore returns the cached score for a node, or nil.
func (s *Scorer) NodeScore(nodeID string) *Score {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scores[nodeID]
}

// AllScores returns node id to numeric score for every cached node.
func (s *Scorer) AllScores() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.scores))
	for nodeID, sc := range s.scores {
		out[nodeID] = sc.Score
	}
	return out
}

// Remove drops the cached score for a node.
func (s *Scorer) Remove(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scores, nodeID)
}

// ScoredCount returns the number of cached scores.
func (s *Scorer) ScoredCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scores)
}

// Summary aggregates cached scores.
func (s *Scorer) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Summary{
		StatusCounts:      make(map[string]int),
		ComponentAverages: make(map[string]float64),
	}
	if len(s.scores) == 0 {
		return out
	}

	total := 0
	minScore, maxScore := 101, -1
	compTotals := make(map[string]float64)
	compCounts := make(map[string]int)
	for _, sc := range s.scores {
		total += sc.Score
		if sc.Score < minScore {
			minScore = sc.Score
		}
		if sc.Score > maxScore {
			maxScore = sc.Score
		}
		out.StatusCounts[sc.Status]++
		for name, c := range sc.Components {
			compTotals[name] += c.Score
			compCounts[name]++
		}
	}

	out.ScoredNodes = len(s.scores)
	out.AverageScore = round1(float64(total) / float64(len(s.scores)))
	out.MinScore = minScore
	out.MaxScore = maxScore
	for name, sum := range compTotals {
		out.ComponentAverages[name] = round1(sum / float64(compCounts[name]))
	}
	return out
}

func (s *Scorer) evictOldestLocked() {
	var oldestID string
	oldest := math.Inf(1)
	for nodeID, sc := range s.scores {
		if sc.Timestamp < oldest {
			oldest = sc.Timestamp
			oldestID = nodeID
		}
	}
	if oldestID != "" {
		delete(s.scores, oldestID)
	}
}

// scoreBattery blends battery level and voltage 60/40 when both are
// present.
func scoreBattery(props map[string]any) *Component {
	battery, hasBattery := toFloat(props["battery"])
	voltage, hasVoltage := toFloat(props["voltage"])
	if !hasBattery && !hasVoltage {
		return nil
	}

	detail := make(map[string]any)
	var points float64
	switch {
	case hasBattery && hasVoltage:
		battery = clamp(battery, 0, 100)
		points = linearScore(battery, batteryLow, batteryFull, WeightBattery*0.6) +
			linearScore(voltage, voltageMin, voltageHealthy, WeightBattery*0.4)
		detail["battery_level"] = battery
		detail["voltage"] = voltage
	case hasBattery:
		battery = clamp(battery, 0, 100)
		points = linearScore(battery, batteryLow, batteryFull, WeightBattery)
		detail["battery_level"] = battery
	default:
		points = linearScore(voltage, voltageMin, voltageHealthy, WeightBattery)
		detail["voltage"] = voltage
	}
	return &Component{Score: points, Max: WeightBattery, Detail: detail}
}

// scoreSignal blends SNR and hop distance 70/30 when both are present.
func scoreSignal(props map[string]any) *Component {
	snr, hasSNR := toFloat(props["snr"])
	hops, hasHops := toFloat(props["hops_away"])
	if !hasSNR && !hasHops {
		return nil
	}
	if hasHops && hops < 0 {
		hops = 0
	}

	detail := make(map[string]any)
	var points float64
	switch {
	case hasSNR && hasHops:
		points = linearScore(snr, snrPoor, snrExcellent, WeightSignal*0.7) +
			linearScore(maxHopsScored-hops, 0, maxHopsScored, WeightSignal*0.3)
		detail["snr"] = snr
		detail["hops_away"] = int(hops)
	case hasSNR:
		points = linearScore(snr, snrPoor, snrExcellent, WeightSignal)
		detail["snr"] = snr
	default:
		points = linearScore(maxHopsScored-hops, 0, maxHopsScored, WeightSignal)
		detail["hops_away"] = int(hops)
	}
	return &Component{Score: points, Max: WeightSignal, Detail: detail}
}

func (s *Scorer) scoreFreshness(props map[string]any, nowSec float64) *Component {
	lastSeen, ok := toFloat(props["last_seen"])
	if !ok {
		return nil
	}
	age := nowSec - lastSeen
	if age < 0 {
		age = 0
	}
	points := linearScore(s.freshnessStale-age, 0, s.freshnessStale-s.freshnessFresh, WeightFreshness)
	return &Component{
		Score:  points,
		Max:    WeightFreshness,
		Detail: map[string]any{"age_seconds": int(age)},
	}
}

func scoreReliability(state string) *Component {
	if state == "" {
		return nil
	}
	var points float64
	switch state {
	case "stable":
		points = WeightReliability
	case "new":
		points = WeightReliability * 0.7
	case "intermittent":
		points = WeightReliability * 0.3
	case "offline":
		points = 0
	default:
		points = WeightReliability * 0.5
	}
	return &Component{
		Score:  points,
		Max:    WeightReliability,
		Detail: map[string]any{"connectivity_state": state},
	}
}

// scoreCongestion inverts utilization: quiet channels score full
// points.
func scoreCongestion(props map[string]any) *Component {
	channelUtil, hasChannel := toFloat(props["channel_util"])
	airUtil, hasAir := toFloat(props["air_util_tx"])
	if !hasChannel && !hasAir {
		return nil
	}

	detail := make(map[string]any)
	var util float64
	switch {
	case hasChannel && hasAir:
		channelUtil = clamp(channelUtil, 0, 100)
		airUtil = clamp(airUtil, 0, 100)
		util = (channelUtil + airUtil) / 2
		detail["channel_util"] = channelUtil
		detail["air_util_tx"] = airUtil
	case hasChannel:
		util = clamp(channelUtil, 0, 100)
		detail["channel_util"] = util
	default:
		util = clamp(airUtil, 0, 100)
		detail["air_util_tx"] = util
	}
	points := linearScore(channelUtilHigh-util, 0, channelUtilHigh-channelUtilLow, WeightCongestion)
	return &Component{Score: points, Max: WeightCongestion, Detail: detail}
}

// linearScore interpolates between bad (0 points) and good (full
// points), clamped.
func linearScore(value, bad, good, maxPoints float64) float64 {
	if good == bad {
		if value >= good {
			return maxPoints
		}
		return 0
	}
	return clamp((value-bad)/(good-bad), 0, 1) * maxPoints
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// toFloat coerces the numeric types JSON decoding can produce.
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
