// Package history persists node position observations to SQLite and
// serves trajectory, snapshot, and density queries over them.
package history

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/meshforge/maps/internal/model"
)

const (
	// DefaultThrottle is the minimum interval between stored
	// observations for one node.
	DefaultThrottle = 60 * time.Second

	// DefaultRetention is how long observations are kept.
	DefaultRetention = 30 * 24 * time.Hour

	// MaxTrajectoryPoints caps one trajectory query.
	MaxTrajectoryPoints = 1000
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Observation is one recorded node position sample.
type Observation struct {
	NodeID    string   `json:"node_id"`
	Timestamp int64    `json:"timestamp"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Altitude  *float64 `json:"altitude"`
	Network   string   `json:"network"`
	SNR       *float64 `json:"snr"`
	Battery   *int     `json:"battery"`
	Name      string   `json:"name"`
}

// TrackedNode summarizes one node's recorded history.
type TrackedNode struct {
	NodeID           string `json:"node_id"`
	ObservationCount int    `json:"observation_count"`
	FirstSeen        int64  `json:"first_seen"`
	LastSeen         int64  `json:"last_seen"`
}

// DensityCell is one heatmap grid cell.
type DensityCell struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	Count     int     `json:"count"`
}

// Store is the SQLite-backed observation store. One connection shared
// under the store's mutex; if initialization fails the store degrades
// to a no-op that returns empty results.
type Store struct {
	mu           sync.Mutex
	db           *sql.DB
	throttle     time.Duration
	retention    time.Duration
	lastRecorded map[string]int64
	now          func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithThrottle overrides the per-node insert throttle.
func WithThrottle(d time.Duration) Option {
	return func(s *Store) { s.throttle = d }
}

// WithRetention overrides the prune retention window.
func WithRetention(d time.Duration) Option {
	return func(s *Store) { s.retention = d }
}

// WithClock injects a clock. Test helper.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (or creates) the history database. Open never fails:
// on any initialization error it logs and returns a degraded store
// whose reads are empty and whose writes are dropped.
func Open(path string, opts ...Option) *Store {
	s := &Store{
		throttle:     DefaultThrottle,
		retention:    DefaultRetention,
		lastRecorded: make(map[string]int64),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := openDB(path)
	if err != nil {
		log.Printf("[history] init failed, running without history: %v", err)
		return s
	}
	if err := migrateDB(db); err != nil {
		log.Printf("[history] migration failed, running without history: %v", err)
		db.Close()
		return s
	}
	s.db = db
	log.Printf("[history] database ready at %s", path)
	return s
}

// Available reports whether the backing database is usable.
func (s *Store) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db != nil
}

// openDB opens a SQLite database with WAL journal mode,
// synchronous=NORMAL, foreign_keys=ON, busy_timeout=5000.
func openDB(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}

	// Single-writer: only one connection needed.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q on %s: %w", p, path, err)
		}
	}
	return db, nil
}

func migrateDB(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("init migration source: %w", err)
	}
	dbDriver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("init migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("init migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// RecordObservation stores one sample unless the node was recorded
// within the throttle window. The throttle check runs under the lock
// so concurrent callers cannot both pass it.
func (s *Store) RecordObservation(o Observation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return false
	}

	ts := o.Timestamp
	if ts == 0 {
		ts = s.now().Unix()
	}
	if last, ok := s.lastRecorded[o.NodeID]; ok && ts-last < int64(s.throttle.Seconds()) {
		return false
	}

	_, err := s.db.Exec(
		`INSERT INTO observations
		   (node_id, timestamp, latitude, longitude, altitude, network, snr, battery, name)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.NodeID, ts, o.Latitude, o.Longitude, o.Altitude, o.Network, o.SNR, o.Battery, o.Name)
	if err != nil {
		log.Printf("[history] record %s failed: %v", o.NodeID, err)
		return false
	}
	s.lastRecorded[o.NodeID] = ts
	return true
}

// Trajectory returns one node's path as a GeoJSON FeatureCollection
// holding a single LineString feature (a Point when only one
// observation exists, nothing when there are none).
func (s *Store) Trajectory(nodeID string, since, until *int64, limit int) *model.FeatureCollection {
	empty := &model.FeatureCollection{Type: "FeatureCollection", Features: []*model.Feature{}}
	if limit <= 0 || limit > MaxTrajectoryPoints {
		limit = MaxTrajectoryPoints
	}

	query := "SELECT timestamp, latitude, longitude, altitude FROM observations WHERE node_id = ?"
	args := []any{nodeID}
	if since != nil {
		query += " AND timestamp >= ?"
		args = append(args, *since)
	}
	if until != nil {
		query += " AND timestamp <= ?"
		args = append(args, *until)
	}
	query += " ORDER BY timestamp ASC LIMIT ?"
	args = append(args, limit)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return empty
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		log.Printf("[history] trajectory query for %s failed: %v", nodeID, err)
		return empty
	}
	defer rows.Close()

	var coords [][]float64
	var timestamps []int64
	for rows.Next() {
		var ts int64
		var lat, lon float64
		var alt sql.NullFloat64
		if err := rows.Scan(&ts, &lat, &lon, &alt); err != nil {
			log.Printf("[history] trajectory scan failed: %v", err)
			return empty
		}
		coord := []float64{lon, lat}
		if alt.Valid {
			coord = append(coord, alt.Float64)
		}
		coords = append(coords, coord)
		timestamps = append(timestamps, ts)
	}
	if len(coords) == 0 {
		return empty
	}

	var geom model.Geometry
	if len(coords) == 1 {
		geom = model.Geometry{Type: "Point", Coordinates: coords[0]}
	} else {
		geom = model.Geometry{Type: "LineString", Coordinates: coords}
	}

	span := int64(0)
	if len(timestamps) > 1 {
		span = timestamps[len(timestamps)-1] - timestamps[0]
	}
	feature := &model.Feature{
		Type:     "Feature",
		Geometry: geom,
		Properties: map[string]any{
			"node_id":           nodeID,
			"point_count":       len(coords),
			"first_seen":        timestamps[0],
			"last_seen":         timestamps[len(timestamps)-1],
			"time_span_seconds": span,
		},
	}
	return &model.FeatureCollection{Type: "FeatureCollection", Features: []*model.Feature{feature}}
}

// NodeHistory returns raw observations for one node, newest first.
func (s *Store) NodeHistory(nodeID string, since *int64, limit int) []Observation {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT timestamp, latitude, longitude, altitude, network, snr, battery, name
	          FROM observations WHERE node_id = ?`
	args := []any{nodeID}
	if since != nil {
		query += " AND timestamp >= ?"
		args = append(args, *since)
	}
	query += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		log.Printf("[history] history query for %s failed: %v", nodeID, err)
		return nil
	}
	defer rows.Close()

	var out []Observation
	for rows.Next() {
		o := Observation{NodeID: nodeID}
		var alt, snr sql.NullFloat64
		var battery sql.NullInt64
		var network, name sql.NullString
		if err := rows.Scan(&o.Timestamp, &o.Latitude, &o.Longitude, &alt, &network, &snr, &battery, &name); err != nil {
			log.Printf("[history] history scan failed: %v", err)
			return out
		}
		if alt.Valid {
			v := alt.Float64
			o.Altitude = &v
		}
		if snr.Valid {
			v := snr.Float64
			o.SNR = &v
		}
		if battery.Valid {
			v := int(battery.Int64)
			o.Battery = &v
		}
		o.Network = network.String
		o.Name = name.String
		out = append(out, o)
	}
	return out
}

// AllObservations returns observations across all nodes, newest first,
// for bulk export.
func (s *Store) AllObservations(since *int64, limit int) []Observation {
	if limit <= 0 {
		limit = 10000
	}
	query := `SELECT node_id, timestamp, latitude, longitude, altitude, network, snr, battery, name
	          FROM observations`
	var args []any
	if since != nil {
		query += " WHERE timestamp >= ?"
		args = append(args, *since)
	}
	query += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		log.Printf("[history] export query failed: %v", err)
		return nil
	}
	defer rows.Close()

	var out []Observation
	for rows.Next() {
		var o Observation
		var alt, snr sql.NullFloat64
		var battery sql.NullInt64
		var network, name sql.NullString
		if err := rows.Scan(&o.NodeID, &o.Timestamp, &o.Latitude, &o.Longitude, &alt, &network, &snr, &battery, &name); err != nil {
			log.Printf("[history] export scan failed: %v", err)
			return out
		}
		if alt.Valid {
			v := alt.Float64
			o.Altitude = &v
		}
		if snr.Valid {
			v := snr.Float64
			o.SNR = &v
		}
		if battery.Valid {
			v := int(battery.Int64)
			o.Battery = &v
		}
		o.Network = network.String
		o.Name = name.String
		out = append(out, o)
	}
	return out
}

// Snapshot reconstructs the network state at a point in time: the most
// recent observation per node at or before ts. MAX(id) breaks ties
// when a node has several observations at the same second.
func (s *Store) Snapshot(ts int64) *model.FeatureCollection {
	empty := model.NewFeatureCollection(nil, "history")
	empty.Properties["snapshot_time"] = ts

	query := `
		SELECT o.node_id, o.timestamp, o.latitude, o.longitude,
		       o.altitude, o.network, o.snr, o.battery, o.name
		FROM observations o
		INNER JOIN (
			SELECT MAX(id) AS max_id
			FROM observations
			WHERE timestamp <= ?
			GROUP BY node_id
		) latest ON o.id = latest.max_id`

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return empty
	}
	rows, err := s.db.Query(query, ts)
	if err != nil {
		log.Printf("[history] snapshot query failed: %v", err)
		return empty
	}
	defer rows.Close()

	var features []*model.Feature
	for rows.Next() {
		var nodeID string
		var obsTS int64
		var lat, lon float64
		var alt, snr sql.NullFloat64
		var battery sql.NullInt64
		var network, name sql.NullString
		if err := rows.Scan(&nodeID, &obsTS, &lat, &lon, &alt, &network, &snr, &battery, &name); err != nil {
			log.Printf("[history] snapshot scan failed: %v", err)
			return empty
		}

		displayName := name.String
		if displayName == "" {
			displayName = nodeID
		}
		net := network.String
		if net == "" {
			net = "unknown"
		}
		props := map[string]any{
			"id":        nodeID,
			"name":      displayName,
			"network":   net,
			"last_seen": obsTS,
		}
		if snr.Valid {
			props["snr"] = snr.Float64
		}
		if battery.Valid {
			props["battery"] = int(battery.Int64)
		}
		coord := []float64{lon, lat}
		if alt.Valid {
			props["altitude"] = alt.Float64
			coord = append(coord, alt.Float64)
		}
		features = append(features, &model.Feature{
			Type:       "Feature",
			Geometry:   model.Geometry{Type: "Point", Coordinates: coord},
			Properties: props,
		})
	}

	return &model.FeatureCollection{
		Type:     "FeatureCollection",
		Features: features,
		Properties: map[string]any{
			"snapshot_time": ts,
			"node_count":    len(features),
		},
	}
}

// TrackedNodes lists all recorded nodes, most recently seen first.
func (s *Store) TrackedNodes() []TrackedNode {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	rows, err := s.db.Query(`
		SELECT node_id, COUNT(*), MIN(timestamp), MAX(timestamp)
		FROM observations
		GROUP BY node_id
		ORDER BY MAX(timestamp) DESC`)
	if err != nil {
		log.Printf("[history] tracked nodes query failed: %v", err)
		return nil
	}
	defer rows.Close()

	var out []TrackedNode
	for rows.Next() {
		var n TrackedNode
		if err := rows.Scan(&n.NodeID, &n.ObservationCount, &n.FirstSeen, &n.LastSeen); err != nil {
			log.Printf("[history] tracked nodes scan failed: %v", err)
			return out
		}
		out = append(out, n)
	}
	return out
}

// DensityPoints groups observations into rounded-coordinate grid
// cells for heatmap rendering, densest first. precision is decimal
// places of rounding (4 is roughly 11 meter cells).
func (s *Store) DensityPoints(since, until *int64, precision int, network string) []DensityCell {
	var where []string
	args := []any{precision, precision}
	if since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *since)
	}
	if until != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, *until)
	}
	if network != "" {
		where = append(where, "network = ?")
		args = append(args, network)
	}
	query := "SELECT ROUND(latitude, ?) AS lat, ROUND(longitude, ?) AS lon, COUNT(*) AS cnt FROM observations"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " GROUP BY lat, lon ORDER BY cnt DESC"

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		log.Printf("[history] density query failed: %v", err)
		return nil
	}
	defer rows.Close()

	var out []DensityCell
	for rows.Next() {
		var c DensityCell
		if err := rows.Scan(&c.Latitude, &c.Longitude, &c.Count); err != nil {
			log.Printf("[history] density scan failed: %v", err)
			return out
		}
		out = append(out, c)
	}
	return out
}

// Prune deletes observations older than the retention window (or an
// explicit cutoff) and returns the number removed.
func (s *Store) Prune(before *int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return 0
	}

	cutoff := s.now().Add(-s.retention).Unix()
	if before != nil {
		cutoff = *before
	}
	res, err := s.db.Exec("DELETE FROM observations WHERE timestamp < ?", cutoff)
	if err != nil {
		log.Printf("[history] prune failed: %v", err)
		return 0
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Printf("[history] pruned %d old observations", n)
	}
	return int(n)
}

// ObservationCount returns the total stored observation count.
func (s *Store) ObservationCount() int {
	return s.countQuery("SELECT COUNT(*) FROM observations")
}

// NodeCount returns the number of distinct recorded nodes.
func (s *Store) NodeCount() int {
	return s.countQuery("SELECT COUNT(DISTINCT node_id) FROM observations")
}

func (s *Store) countQuery(query string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return 0
	}
	var n int
	if err := s.db.QueryRow(query).Scan(&n); err != nil {
		return 0
	}
	return n
}

// Close closes the backing database. Idempotent.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		s.db.Close()
		s.db = nil
	}
}
