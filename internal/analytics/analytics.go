// Package analytics computes time-series aggregations over the node
// history database and the alert engine: network growth, hour-of-day
// activity, per-node rankings, and alert trends. All queries are
// read-only; recent results are cached to keep repeated dashboard
// polls off SQLite.
package analytics

import (
	"fmt"
	"sort"
	"time"

	"github.com/maypok86/otter"

	"github.com/meshforge/maps/internal/alert"
	"github.com/meshforge/maps/internal/history"
)

const (
	// DefaultBucketSeconds is one hour.
	DefaultBucketSeconds = 3600

	// MaxBuckets bounds one response (30 days at 1-hour buckets).
	MaxBuckets = 720

	minBucketSeconds = 60
	maxBucketSeconds = 86400

	cacheCapacity = 256
	cacheTTL      = 30 * time.Second
)

// Analytics serves aggregate queries over history and alert data.
type Analytics struct {
	history *history.Store
	alerts  *alert.Engine
	now     func() time.Time
	cache   otter.Cache[string, map[string]any]
}

// Option configures Analytics.
type Option func(*Analytics)

// WithClock injects a clock. Test helper.
func WithClock(now func() time.Time) Option {
	return func(a *Analytics) { a.now = now }
}

// New builds an Analytics engine. Either backend may be nil; queries
// against a missing backend return an error field instead of data.
func New(hist *history.Store, alerts *alert.Engine, opts ...Option) *Analytics {
	cache, err := otter.MustBuilder[string, map[string]any](cacheCapacity).
		Cost(func(_ string, _ map[string]any) uint32 { return 1 }).
		WithTTL(cacheTTL).
		Build()
	if err != nil {
		panic("analytics: failed to create query cache: " + err.Error())
	}
	a := &Analytics{
		history: hist,
		alerts:  alerts,
		now:     time.Now,
		cache:   cache,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Close releases the query cache.
func (a *Analytics) Close() {
	a.cache.Close()
}

func (a *Analytics) historyReady() bool {
	return a.history != nil && a.history.Available()
}

func clampBucket(bucketSeconds int64) int64 {
	if bucketSeconds < minBucketSeconds {
		return minBucketSeconds
	}
	if bucketSeconds > maxBucketSeconds {
		return maxBucketSeconds
	}
	return bucketSeconds
}

// NetworkGrowth counts distinct nodes per time bucket. The window
// defaults to the last 24 hours.
func (a *Analytics) NetworkGrowth(since, until *int64, bucketSeconds int64) map[string]any {
	if !a.historyReady() {
		return map[string]any{"buckets": []history.GrowthBucket{}, "error": "node history not available"}
	}

	end := a.now().Unix()
	if until != nil {
		end = *until
	}
	start := end - 24*3600
	if since != nil {
		start = *since
	}
	if bucketSeconds <= 0 {
		bucketSeconds = DefaultBucketSeconds
	}
	bucketSeconds = clampBucket(bucketSeconds)

	maxBuckets := (end-start)/bucketSeconds + 1
	if maxBuckets > MaxBuckets {
		maxBuckets = MaxBuckets
	}

	key := fmt.Sprintf("growth:%d:%d:%d", start, end, bucketSeconds)
	if cached, ok := a.cache.Get(key); ok {
		return cached
	}

	buckets := a.history.GrowthBuckets(start, end, bucketSeconds, int(maxBuckets))
	if buckets == nil {
		buckets = []history.GrowthBucket{}
	}
	result := map[string]any{
		"buckets":        buckets,
		"bucket_seconds": bucketSeconds,
		"since":          start,
		"until":          end,
		"total_buckets":  len(buckets),
	}
	a.cache.Set(key, result)
	return result
}

// ActivityHeatmap counts observations per UTC hour of day. The window
// defaults to the last 7 days.
func (a *Analytics) ActivityHeatmap(since, until *int64) map[string]any {
	if !a.historyReady() {
		return map[string]any{"hours": make([]int, 24), "error": "node history not available"}
	}

	end := a.now().Unix()
	if until != nil {
		end = *until
	}
	start := end - 7*24*3600
	if since != nil {
		start = *since
	}

	key := fmt.Sprintf("heatmap:%d:%d", start, end)
	if cached, ok := a.cache.Get(key); ok {
		return cached
	}

	hourCounts := a.history.HourlyActivity(start, end)
	hours := hourCounts[:]

	total := 0
	peak := -1
	peakCount := 0
	for hour, count := range hours {
		total += count
		if count > peakCount {
			peakCount = count
			peak = hour
		}
	}
	var peakHour any
	if peak >= 0 {
		peakHour = peak
	}

	result := map[string]any{
		"hours":              hours,
		"since":              start,
		"until":              end,
		"peak_hour":          peakHour,
		"total_observations": total,
	}
	a.cache.Set(key, result)
	return result
}

// NodeRanking ranks nodes by observation count. The window defaults to
// the last 24 hours, the limit to 50.
func (a *Analytics) NodeRanking(since *int64, limit int) map[string]any {
	if !a.historyReady() {
		return map[string]any{"nodes": []history.NodeActivity{}, "error": "node history not available"}
	}

	start := a.now().Unix() - 24*3600
	if since != nil {
		start = *since
	}
	if limit <= 0 {
		limit = 50
	}

	key := fmt.Sprintf("ranking:%d:%d", start, limit)
	if cached, ok := a.cache.Get(key); ok {
		return cached
	}

	nodes := a.history.ActivityRanking(start, limit)
	if nodes == nil {
		nodes = []history.NodeActivity{}
	}
	result := map[string]any{
		"nodes": nodes,
		"since": start,
		"count": len(nodes),
	}
	a.cache.Set(key, result)
	return result
}

// NetworkSummary computes high-level statistics over a window
// defaulting to the last 24 hours.
func (a *Analytics) NetworkSummary(since *int64) map[string]any {
	if !a.historyReady() {
		return map[string]any{"error": "node history not available"}
	}

	now := a.now().Unix()
	start := now - 24*3600
	if since != nil {
		start = *since
	}

	key := fmt.Sprintf("summary:%d", start)
	if cached, ok := a.cache.Get(key); ok {
		return cached
	}

	uniqueNodes, totalObs, networks := a.history.NetworkTotals(start)
	avg := 0.0
	if uniqueNodes > 0 {
		avg = float64(totalObs) / float64(uniqueNodes)
		avg = float64(int(avg*10+0.5)) / 10
	}
	result := map[string]any{
		"unique_nodes":              uniqueNodes,
		"total_observations":        totalObs,
		"avg_observations_per_node": avg,
		"networks":                  networks,
		"since":                     start,
		"until":                     now,
	}
	a.cache.Set(key, result)
	return result
}

// trendBucket is one alert-trend time bucket.
type trendBucket struct {
	Timestamp int64 `json:"timestamp"`
	Critical  int   `json:"critical"`
	Warning   int   `json:"warning"`
	Info      int   `json:"info"`
	Total     int   `json:"total"`
}

// AlertTrends groups recent alert history into time buckets by
// severity. Reads the in-memory alert history, so results are not
// cached.
func (a *Analytics) AlertTrends(bucketSeconds int64, limit int) map[string]any {
	if a.alerts == nil {
		return map[string]any{"buckets": []trendBucket{}, "error": "alert engine not available"}
	}
	if bucketSeconds <= 0 {
		bucketSeconds = DefaultBucketSeconds
	}
	bucketSeconds = clampBucket(bucketSeconds)
	if limit <= 0 {
		limit = 200
	}

	alerts := a.alerts.History(alert.MaxAlertHistory, "", "")
	if len(alerts) == 0 {
		return map[string]any{"buckets": []trendBucket{}, "total_alerts": 0}
	}

	byBucket := make(map[int64]*trendBucket)
	for _, al := range alerts {
		bucketStart := int64(al.Timestamp) / bucketSeconds * bucketSeconds
		b, ok := byBucket[bucketStart]
		if !ok {
			b = &trendBucket{Timestamp: bucketStart}
			byBucket[bucketStart] = b
		}
		switch al.Severity {
		case alert.SeverityCritical:
			b.Critical++
		case alert.SeverityWarning:
			b.Warning++
		default:
			b.Info++
		}
		b.Total++
	}

	keys := make([]int64, 0, len(byBucket))
	for k := range byBucket {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	if len(keys) > limit {
		keys = keys[len(keys)-limit:]
	}

	buckets := make([]trendBucket, 0, len(keys))
	for _, k := range keys {
		buckets = append(buckets, *byBucket[k])
	}
	return map[string]any{
		"buckets":        buckets,
		"bucket_seconds": bucketSeconds,
		"total_alerts":   len(alerts),
		"total_buckets":  len(buckets),
	}
}
