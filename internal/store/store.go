// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package store persists impact, shot, and correlation records to SQLite.
// Writes flow through a bounded queue and a single writer goroutine so the
// detection hot path never waits on disk; a full queue drops the write and
// counts the drop instead of blocking.
package store

import (
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/relabs-tech/impact_correlator/internal/correlate"
	"github.com/relabs-tech/impact_correlator/internal/detect"
	"github.com/relabs-tech/impact_correlator/internal/timer"
)

// DefaultQueueSize bounds the async write queue.
const DefaultQueueSize = 1024

const schema = `
CREATE TABLE IF NOT EXISTS impacts (
	id          TEXT PRIMARY KEY,
	sensor_id   TEXT NOT NULL,
	onset_ts    INTEGER NOT NULL,
	peak_ts     INTEGER NOT NULL,
	onset_mag   REAL NOT NULL,
	peak_mag    REAL NOT NULL,
	duration_ms REAL NOT NULL,
	confidence  REAL NOT NULL
);
CREATE TABLE IF NOT EXISTS shots (
	id             TEXT PRIMARY KEY,
	device_id      TEXT NOT NULL,
	ts             INTEGER NOT NULL,
	shot_number    INTEGER NOT NULL,
	string_number  INTEGER NOT NULL,
	split_s        REAL NOT NULL,
	device_split_s REAL NOT NULL
);
CREATE TABLE IF NOT EXISTS correlations (
	id        TEXT PRIMARY KEY,
	shot_id   TEXT,
	impact_id TEXT,
	delay_s   REAL,
	quality   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_impacts_onset ON impacts(onset_ts);
CREATE INDEX IF NOT EXISTS idx_shots_ts ON shots(ts);
`

type writeOp struct {
	query string
	args  []any
}

// Store is the SQLite-backed event sink.
type Store struct {
	db    *sql.DB
	queue chan writeOp

	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
	dropped atomic.Uint64
}

// Open opens (creating if needed) the database at path and starts the
// writer goroutine.
func Open(path string, queueSize int) (*Store, error) {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create store schema: %w", err)
	}

	s := &Store{
		db:    db,
		queue: make(chan writeOp, queueSize),
	}
	s.wg.Add(1)
	go s.writer()
	return s, nil
}

// writer drains the queue until it is closed. Individual write failures are
// counted as drops; a sink error must never stop the pipeline.
func (s *Store) writer() {
	defer s.wg.Done()
	for op := range s.queue {
		if _, err := s.db.Exec(op.query, op.args...); err != nil {
			s.dropped.Add(1)
		}
	}
}

// enqueue hands a write to the writer goroutine without blocking.
func (s *Store) enqueue(op writeOp) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.dropped.Add(1)
		return false
	}
	select {
	case s.queue <- op:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// SaveImpact queues an impact record and returns its assigned ID. The empty
// string means the record was dropped.
func (s *Store) SaveImpact(ev detect.ImpactEvent) string {
	id := uuid.NewString()
	ok := s.enqueue(writeOp{
		query: `INSERT INTO impacts (id, sensor_id, onset_ts, peak_ts, onset_mag, peak_mag, duration_ms, confidence)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		args: []any{
			id, ev.SensorID,
			ev.OnsetTime.UnixNano(), ev.PeakTime.UnixNano(),
			ev.OnsetMagnitude, ev.PeakMagnitude,
			ev.DurationMillis, ev.Confidence,
		},
	})
	if !ok {
		return ""
	}
	return id
}

// SaveShot queues a shot record and returns its assigned ID.
func (s *Store) SaveShot(ev timer.Event) string {
	id := uuid.NewString()
	ok := s.enqueue(writeOp{
		query: `INSERT INTO shots (id, device_id, ts, shot_number, string_number, split_s, device_split_s)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
		args: []any{
			id, ev.DeviceID, ev.Timestamp.UnixNano(),
			ev.ShotNumber, ev.StringNumber,
			ev.SplitSeconds, ev.DeviceSplitSeconds,
		},
	})
	if !ok {
		return ""
	}
	return id
}

// SaveCorrelation queues one correlation row. Either ID may be empty for a
// missed shot or orphaned impact.
func (s *Store) SaveCorrelation(shotID, impactID string, ev correlate.CorrelatedEvent) string {
	id := uuid.NewString()
	ok := s.enqueue(writeOp{
		query: `INSERT INTO correlations (id, shot_id, impact_id, delay_s, quality)
			VALUES (?, ?, ?, ?, ?)`,
		args: []any{id, nullable(shotID), nullable(impactID), ev.DelaySeconds, string(ev.Quality)},
	})
	if !ok {
		return ""
	}
	return id
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Dropped returns how many writes were lost to a full queue or write error.
func (s *Store) Dropped() uint64 {
	return s.dropped.Load()
}

// QueueDepth returns the number of writes waiting for the writer.
func (s *Store) QueueDepth() int {
	return len(s.queue)
}

// Close stops accepting writes, drains the queue, and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	s.wg.Wait()
	return s.db.Close()
}

// ListImpacts returns impacts with onset inside [from, to] in onset order.
func (s *Store) ListImpacts(from, to time.Time) ([]detect.ImpactEvent, error) {
	rows, err := s.db.Query(
		`SELECT sensor_id, onset_ts, peak_ts, onset_mag, peak_mag, duration_ms, confidence
		 FROM impacts WHERE onset_ts BETWEEN ? AND ? ORDER BY onset_ts`,
		from.UnixNano(), to.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to query impacts: %w", err)
	}
	defer rows.Close()

	var out []detect.ImpactEvent
	for rows.Next() {
		var ev detect.ImpactEvent
		var onsetNS, peakNS int64
		if err := rows.Scan(&ev.SensorID, &onsetNS, &peakNS,
			&ev.OnsetMagnitude, &ev.PeakMagnitude, &ev.DurationMillis, &ev.Confidence); err != nil {
			return nil, fmt.Errorf("failed to scan impact: %w", err)
		}
		ev.OnsetTime = time.Unix(0, onsetNS)
		ev.PeakTime = time.Unix(0, peakNS)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ListShots returns shots with timestamps inside [from, to] in time order.
func (s *Store) ListShots(from, to time.Time) ([]timer.Event, error) {
	rows, err := s.db.Query(
		`SELECT device_id, ts, shot_number, string_number, split_s, device_split_s
		 FROM shots WHERE ts BETWEEN ? AND ? ORDER BY ts`,
		from.UnixNano(), to.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to query shots: %w", err)
	}
	defer rows.Close()

	var out []timer.Event
	for rows.Next() {
		ev := timer.Event{Kind: timer.KindShot}
		var tsNS int64
		if err := rows.Scan(&ev.DeviceID, &tsNS, &ev.ShotNumber, &ev.StringNumber,
			&ev.SplitSeconds, &ev.DeviceSplitSeconds); err != nil {
			return nil, fmt.Errorf("failed to scan shot: %w", err)
		}
		ev.Timestamp = time.Unix(0, tsNS)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// QualityCounts returns the number of stored correlations per quality.
func (s *Store) QualityCounts() (map[correlate.Quality]int, error) {
	rows, err := s.db.Query(`SELECT quality, COUNT(*) FROM correlations GROUP BY quality`)
	if err != nil {
		return nil, fmt.Errorf("failed to query correlations: %w", err)
	}
	defer rows.Close()

	counts := make(map[correlate.Quality]int)
	for rows.Next() {
		var q string
		var n int
		if err := rows.Scan(&q, &n); err != nil {
			return nil, fmt.Errorf("failed to scan correlation count: %w", err)
		}
		counts[correlate.Quality(q)] = n
	}
	return counts, rows.Err()
}
