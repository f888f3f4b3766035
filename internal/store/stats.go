package store

import "fmt"

// Batched scan-pass queries. The derive pass needs per-labeler history
// aggregates for every tracked labeler; a handful of grouped queries
// keeps the pass at O(queries) instead of O(labelers x queries).

// EventStats aggregates one labeler's event counts across the standard
// derivation windows.
type EventStats struct {
	Count24h    int
	Count7d     int
	Count30d    int
	CountTotal  int
	LastEventTS string
}

// EventStatsAll returns per-labeler event counts for the 24h/7d/30d
// windows plus total count and last event timestamp, in one query.
func (q queries) EventStatsAll(ts24h, ts7d, ts30d string) (map[string]EventStats, error) {
	rows, err := q.q.Query(
		`SELECT labeler_did,
		        SUM(CASE WHEN ts >= ? THEN 1 ELSE 0 END),
		        SUM(CASE WHEN ts >= ? THEN 1 ELSE 0 END),
		        SUM(CASE WHEN ts >= ? THEN 1 ELSE 0 END),
		        COUNT(*),
		        MAX(ts)
		 FROM label_events
		 GROUP BY labeler_did`,
		ts24h, ts7d, ts30d,
	)
	if err != nil {
		return nil, fmt.Errorf("query event stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]EventStats)
	for rows.Next() {
		var did string
		var s EventStats
		if err := rows.Scan(&did, &s.Count24h, &s.Count7d, &s.Count30d, &s.CountTotal, &s.LastEventTS); err != nil {
			return nil, fmt.Errorf("scan event stats: %w", err)
		}
		stats[did] = s
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event stats: %w", err)
	}
	return stats, nil
}

// HourlyCountsAll returns per-labeler event counts bucketed by hour
// since the cutoff, keyed by "YYYY-MM-DD HH".
func (q queries) HourlyCountsAll(since string) (map[string]map[string]int, error) {
	rows, err := q.q.Query(
		`SELECT labeler_did, strftime('%Y-%m-%d %H', ts), COUNT(*)
		 FROM label_events
		 WHERE ts >= ?
		 GROUP BY labeler_did, strftime('%Y-%m-%d %H', ts)`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("query hourly counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]map[string]int)
	for rows.Next() {
		var did, hour string
		var c int
		if err := rows.Scan(&did, &hour, &c); err != nil {
			return nil, fmt.Errorf("scan hourly count: %w", err)
		}
		if counts[did] == nil {
			counts[did] = make(map[string]int)
		}
		counts[did][hour] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hourly counts: %w", err)
	}
	return counts, nil
}

// EventTimestampsAll returns per-labeler ordered event timestamps since
// the cutoff, for cadence analysis.
func (q queries) EventTimestampsAll(since string) (map[string][]string, error) {
	rows, err := q.q.Query(
		`SELECT labeler_did, ts FROM label_events WHERE ts >= ? ORDER BY labeler_did, ts`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("query event timestamps: %w", err)
	}
	defer rows.Close()

	timestamps := make(map[string][]string)
	for rows.Next() {
		var did, ts string
		if err := rows.Scan(&did, &ts); err != nil {
			return nil, fmt.Errorf("scan event timestamp: %w", err)
		}
		timestamps[did] = append(timestamps[did], ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event timestamps: %w", err)
	}
	return timestamps, nil
}

// ProbeStats aggregates one labeler's probe history over the 30-day
// window, with the 7-day status tail split out.
type ProbeStats struct {
	Count30d         int
	SuccessRatio30d  float64
	TransitionCount  int
	RecentFailStreak int
	Statuses7d       []string
}

// ProbeStatsAll returns per-labeler probe aggregates. One ordered query
// over the 30-day window; ratios, transitions, and fail streaks are
// folded in memory.
func (q queries) ProbeStatsAll(ts7d, ts30d string) (map[string]ProbeStats, error) {
	rows, err := q.q.Query(
		`SELECT labeler_did, ts, normalized_status
		 FROM labeler_probe_history
		 WHERE ts >= ?
		 ORDER BY labeler_did, ts, id`,
		ts30d,
	)
	if err != nil {
		return nil, fmt.Errorf("query probe stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]ProbeStats)
	var current string
	var statuses30d, statuses7d []string

	flush := func() {
		if current == "" {
			return
		}
		s := ProbeStats{Count30d: len(statuses30d), Statuses7d: statuses7d}
		successes := 0
		for i, st := range statuses30d {
			if st == "accessible" {
				successes++
			}
			if i > 0 && st != statuses30d[i-1] {
				s.TransitionCount++
			}
		}
		if s.Count30d > 0 {
			s.SuccessRatio30d = float64(successes) / float64(s.Count30d)
		}
		for i := len(statuses30d) - 1; i >= 0; i-- {
			if statuses30d[i] == "accessible" {
				break
			}
			s.RecentFailStreak++
		}
		stats[current] = s
	}

	for rows.Next() {
		var did, ts, status string
		if err := rows.Scan(&did, &ts, &status); err != nil {
			return nil, fmt.Errorf("scan probe row: %w", err)
		}
		if did != current {
			flush()
			current = did
			statuses30d = nil
			statuses7d = nil
		}
		statuses30d = append(statuses30d, status)
		if ts >= ts7d {
			statuses7d = append(statuses7d, status)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate probe rows: %w", err)
	}
	flush()
	return stats, nil
}

// ReceiptCountsAll returns per-labeler derived-receipt counts by type
// since the cutoff.
func (q queries) ReceiptCountsAll(since string) (map[string]map[string]int, error) {
	rows, err := q.q.Query(
		`SELECT labeler_did, receipt_type, COUNT(*)
		 FROM derived_receipts
		 WHERE ts >= ?
		 GROUP BY labeler_did, receipt_type`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("query receipt counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]map[string]int)
	for rows.Next() {
		var did, typ string
		var c int
		if err := rows.Scan(&did, &typ, &c); err != nil {
			return nil, fmt.Errorf("scan receipt count: %w", err)
		}
		if counts[did] == nil {
			counts[did] = make(map[string]int)
		}
		counts[did][typ] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate receipt counts: %w", err)
	}
	return counts, nil
}

// LastRegimeChangeAll returns the timestamp of each labeler's most
// recent regime receipt.
func (q queries) LastRegimeChangeAll() (map[string]string, error) {
	rows, err := q.q.Query(
		`SELECT labeler_did, MAX(ts) FROM derived_receipts
		 WHERE receipt_type='regime' GROUP BY labeler_did`,
	)
	if err != nil {
		return nil, fmt.Errorf("query last regime change: %w", err)
	}
	defer rows.Close()

	changes := make(map[string]string)
	for rows.Next() {
		var did, ts string
		if err := rows.Scan(&did, &ts); err != nil {
			return nil, fmt.Errorf("scan last regime change: %w", err)
		}
		changes[did] = ts
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate last regime changes: %w", err)
	}
	return changes, nil
}
