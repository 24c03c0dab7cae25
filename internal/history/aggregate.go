package history

import (
	"database/sql"
	"log"
)

// GrowthBucket is one time bucket of network growth.
type GrowthBucket struct {
	Timestamp    int64 `json:"timestamp"`
	UniqueNodes  int   `json:"unique_nodes"`
	Observations int   `json:"observations"`
}

// NodeActivity ranks one node by observation count.
type NodeActivity struct {
	NodeID           string `json:"node_id"`
	ObservationCount int    `json:"observation_count"`
	FirstSeen        int64  `json:"first_seen"`
	LastSeen         int64  `json:"last_seen"`
	Network          string `json:"network"`
	ActiveSeconds    int64  `json:"active_seconds"`
}

// NetworkBreakdown counts nodes and observations for one network.
type NetworkBreakdown struct {
	NodeCount        int `json:"node_count"`
	ObservationCount int `json:"observation_count"`
}

// GrowthBuckets counts distinct nodes and observations per time
// bucket, oldest first, capped at maxBuckets rows.
func (s *Store) GrowthBuckets(since, until, bucketSeconds int64, maxBuckets int) []GrowthBucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	rows, err := s.db.Query(`
		SELECT (timestamp / ?) * ? AS bucket_start,
		       COUNT(DISTINCT node_id),
		       COUNT(*)
		FROM observations
		WHERE timestamp >= ? AND timestamp <= ?
		GROUP BY bucket_start
		ORDER BY bucket_start ASC
		LIMIT ?`,
		bucketSeconds, bucketSeconds, since, until, maxBuckets)
	if err != nil {
		log.Printf("[history] growth query failed: %v", err)
		return nil
	}
	defer rows.Close()

	var out []GrowthBucket
	for rows.Next() {
		var b GrowthBucket
		if err := rows.Scan(&b.Timestamp, &b.UniqueNodes, &b.Observations); err != nil {
			log.Printf("[history] growth scan failed: %v", err)
			return out
		}
		out = append(out, b)
	}
	return out
}

// HourlyActivity counts observations by UTC hour of day.
func (s *Store) HourlyActivity(since, until int64) [24]int {
	var hours [24]int

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return hours
	}
	rows, err := s.db.Query(`
		SELECT CAST(strftime('%H', timestamp, 'unixepoch') AS INTEGER) AS hour,
		       COUNT(*)
		FROM observations
		WHERE timestamp >= ? AND timestamp <= ?
		GROUP BY hour
		ORDER BY hour ASC`, since, until)
	if err != nil {
		log.Printf("[history] heatmap query failed: %v", err)
		return hours
	}
	defer rows.Close()

	for rows.Next() {
		var hour, count int
		if err := rows.Scan(&hour, &count); err != nil {
			log.Printf("[history] heatmap scan failed: %v", err)
			return hours
		}
		if hour >= 0 && hour < 24 {
			hours[hour] = count
		}
	}
	return hours
}

// ActivityRanking ranks nodes by observation count since a cutoff,
// busiest first.
func (s *Store) ActivityRanking(since int64, limit int) []NodeActivity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	rows, err := s.db.Query(`
		SELECT node_id, COUNT(*), MIN(timestamp), MAX(timestamp), network
		FROM observations
		WHERE timestamp >= ?
		GROUP BY node_id
		ORDER BY COUNT(*) DESC
		LIMIT ?`, since, limit)
	if err != nil {
		log.Printf("[history] ranking query failed: %v", err)
		return nil
	}
	defer rows.Close()

	var out []NodeActivity
	for rows.Next() {
		var n NodeActivity
		var network sql.NullString
		if err := rows.Scan(&n.NodeID, &n.ObservationCount, &n.FirstSeen, &n.LastSeen, &network); err != nil {
			log.Printf("[history] ranking scan failed: %v", err)
			return out
		}
		n.Network = network.String
		n.ActiveSeconds = n.LastSeen - n.FirstSeen
		out = append(out, n)
	}
	return out
}

// NetworkTotals returns the distinct node count, observation count,
// and per-network breakdown since a cutoff.
func (s *Store) NetworkTotals(since int64) (uniqueNodes, totalObservations int, networks map[string]NetworkBreakdown) {
	networks = make(map[string]NetworkBreakdown)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return 0, 0, networks
	}

	err := s.db.QueryRow(`
		SELECT COUNT(DISTINCT node_id), COUNT(*)
		FROM observations
		WHERE timestamp >= ?`, since).Scan(&uniqueNodes, &totalObservations)
	if err != nil {
		log.Printf("[history] totals query failed: %v", err)
		return 0, 0, networks
	}

	rows, err := s.db.Query(`
		SELECT COALESCE(NULLIF(network, ''), 'unknown') AS net,
		       COUNT(DISTINCT node_id),
		       COUNT(*)
		FROM observations
		WHERE timestamp >= ?
		GROUP BY net
		ORDER BY COUNT(DISTINCT node_id) DESC`, since)
	if err != nil {
		log.Printf("[history] network breakdown query failed: %v", err)
		return uniqueNodes, totalObservations, networks
	}
	defer rows.Close()

	for rows.Next() {
		var net string
		var b NetworkBreakdown
		if err := rows.Scan(&net, &b.NodeCount, &b.ObservationCount); err != nil {
			log.Printf("[history] network breakdown scan failed: %v", err)
			return uniqueNodes, totalObservations, networks
		}
		networks[net] = b
	}
	return uniqueNodes, totalObservations, networks
}
