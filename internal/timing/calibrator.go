// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package timing learns the latency between a shot and its sensor-reported
// impact and derives the adaptive correlation window from it. Learned state
// survives restarts through a small JSON file.
package timing

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/relabs-tech/impact_correlator/internal/correlate"
)

const (
	// PriorDelayMillis and PriorUncertaintyMillis seed the estimate before
	// enough live pairs have been observed.
	PriorDelayMillis       = 83.0
	PriorUncertaintyMillis = 94.0

	// MinPairsForEstimate is how many confirmed pairs are required before
	// the live estimate replaces the prior.
	MinPairsForEstimate = 5

	// windowSigmaFactor and windowFloor bound the derived window half-width.
	windowSigmaFactor = 3.0
	windowFloor       = 250 * time.Millisecond

	// pendingTTL is how long unmatched shots and impacts stay queued.
	pendingTTL = 10 * time.Second
)

// ErrNoState is returned by Load when no state file exists yet.
var ErrNoState = errors.New("timing: no saved state")

// Status describes the calibration phase.
type Status string

const (
	StatusLearning   Status = "learning"
	StatusCalibrated Status = "calibrated"
)

// Stats is a read-only snapshot of the calibrator.
type Stats struct {
	TotalPairs          int     `json:"total_pairs"`
	TotalShots          int     `json:"total_shots"`
	TotalImpacts        int     `json:"total_impacts"`
	SuccessRate         float64 `json:"success_rate"`
	AvgDelayMillis      float64 `json:"avg_delay_ms"`
	ExpectedDelayMillis float64 `json:"expected_delay_ms"`
	UncertaintyMillis   float64 `json:"uncertainty_ms"`
	Status              Status  `json:"calibration_status"`
}

type pendingShot struct {
	ts       time.Time
	shotNo   int
	stringNo int
}

type pendingImpact struct {
	ts        time.Time
	magnitude float64
}

// Calibrator tracks pending shots and impacts per device and maintains a
// running estimate of the shot-to-impact delay. Safe for concurrent use; a
// single instance serves every sensor pipeline.
type Calibrator struct {
	mu sync.Mutex

	pendingShots   map[string][]pendingShot
	pendingImpacts map[string][]pendingImpact

	// Welford accumulators over confirmed pair delays in milliseconds.
	pairCount int
	mean      float64
	m2        float64

	totalShots   int
	totalImpacts int
}

// NewCalibrator creates an empty Calibrator seeded with the prior.
func NewCalibrator() *Calibrator {
	return &Calibrator{
		pendingShots:   make(map[string][]pendingShot),
		pendingImpacts: make(map[string][]pendingImpact),
	}
}

// RecordShot queues a shot and tries to confirm it against a pending impact
// from the same device.
func (c *Calibrator) RecordShot(deviceID string, ts time.Time, shotNo, stringNo int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalShots++
	c.expireLocked(deviceID, ts)

	window := c.windowLocked()
	impacts := c.pendingImpacts[deviceID]
	for i, imp := range impacts {
		delay := imp.ts.Sub(ts)
		if delay >= window.MinDelay && delay <= window.MaxDelay {
			c.confirmLocked(delay)
			c.pendingImpacts[deviceID] = append(impacts[:i:i], impacts[i+1:]...)
			return
		}
	}

	c.pendingShots[deviceID] = append(c.pendingShots[deviceID], pendingShot{
		ts: ts, shotNo: shotNo, stringNo: stringNo,
	})
}

// RecordImpact queues an impact and tries to confirm it against the oldest
// pending shot from the same device that fits the current window.
func (c *Calibrator) RecordImpact(deviceID string, ts time.Time, magnitude float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalImpacts++
	c.expireLocked(deviceID, ts)

	window := c.windowLocked()
	shots := c.pendingShots[deviceID]
	for i, shot := range shots {
		delay := ts.Sub(shot.ts)
		if delay >= window.MinDelay && delay <= window.MaxDelay {
			c.confirmLocked(delay)
			c.pendingShots[deviceID] = append(shots[:i:i], shots[i+1:]...)
			return
		}
	}

	c.pendingImpacts[deviceID] = append(c.pendingImpacts[deviceID], pendingImpact{
		ts: ts, magnitude: magnitude,
	})
}

// Window derives the correlation window from the current delay estimate.
func (c *Calibrator) Window() correlate.Window {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.windowLocked()
}

func (c *Calibrator) windowLocked() correlate.Window {
	expected, uncertainty := c.estimateLocked()

	center := time.Duration(expected * float64(time.Millisecond))
	spread := time.Duration(windowSigmaFactor * uncertainty * float64(time.Millisecond))
	if spread < windowFloor {
		spread = windowFloor
	}

	w := correlate.Window{MinDelay: center - spread, MaxDelay: center + spread}
	if min := -500 * time.Millisecond; w.MinDelay < min {
		w.MinDelay = min
	}
	return w
}

// Stats returns the current calibration snapshot.
func (c *Calibrator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	expected, uncertainty := c.estimateLocked()
	s := Stats{
		TotalPairs:          c.pairCount,
		TotalShots:          c.totalShots,
		TotalImpacts:        c.totalImpacts,
		ExpectedDelayMillis: expected,
		UncertaintyMillis:   uncertainty,
		Status:              StatusLearning,
	}
	if c.pairCount > 0 {
		s.AvgDelayMillis = c.mean
	}
	if c.totalShots > 0 {
		s.SuccessRate = float64(c.pairCount) / float64(c.totalShots)
	}
	if c.pairCount >= MinPairsForEstimate {
		s.Status = StatusCalibrated
	}
	return s
}

// estimateLocked returns (expected delay ms, uncertainty ms), falling back
// to the prior until enough pairs accumulated.
func (c *Calibrator) estimateLocked() (float64, float64) {
	if c.pairCount < MinPairsForEstimate {
		return PriorDelayMillis, PriorUncertaintyMillis
	}
	variance := c.m2 / float64(c.pairCount)
	return c.mean, math.Sqrt(variance)
}

// confirmLocked folds one confirmed delay into the Welford accumulators.
func (c *Calibrator) confirmLocked(delay time.Duration) {
	ms := float64(delay) / float64(time.Millisecond)
	c.pairCount++
	d := ms - c.mean
	c.mean += d / float64(c.pairCount)
	c.m2 += d * (ms - c.mean)
}

// expireLocked drops pending entries older than the TTL so a missed shot or
// spurious impact cannot pair with an event minutes later.
func (c *Calibrator) expireLocked(deviceID string, now time.Time) {
	cutoff := now.Add(-pendingTTL)

	shots := c.pendingShots[deviceID]
	for len(shots) > 0 && shots[0].ts.Before(cutoff) {
		shots = shots[1:]
	}
	c.pendingShots[deviceID] = shots

	impacts := c.pendingImpacts[deviceID]
	for len(impacts) > 0 && impacts[0].ts.Before(cutoff) {
		impacts = impacts[1:]
	}
	c.pendingImpacts[deviceID] = impacts
}

// state is the persisted form of the calibrator.
type state struct {
	Version             int     `json:"version"`
	PairCount           int     `json:"pair_count"`
	Mean                float64 `json:"mean_delay_ms"`
	M2                  float64 `json:"m2"`
	TotalShots          int     `json:"total_shots"`
	TotalImpacts        int     `json:"total_impacts"`
	ExpectedDelayMillis float64 `json:"expected_delay_ms"`
	UncertaintyMillis   float64 `json:"uncertainty_ms"`
}

// Save writes the learned state. Pending queues are deliberately not
// persisted; they only make sense within a live session.
func (c *Calibrator) Save(path string) error {
	c.mu.Lock()
	expected, uncertainty := c.estimateLocked()
	st := state{
		Version:             1,
		PairCount:           c.pairCount,
		Mean:                c.mean,
		M2:                  c.m2,
		TotalShots:          c.totalShots,
		TotalImpacts:        c.totalImpacts,
		ExpectedDelayMillis: expected,
		UncertaintyMillis:   uncertainty,
	}
	c.mu.Unlock()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal timing state: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write timing state: %w", err)
	}
	return nil
}

// Load restores previously learned state. A missing file returns ErrNoState
// so callers can start from the prior.
func (c *Calibrator) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNoState
		}
		return fmt.Errorf("failed to read timing state: %w", err)
	}
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("failed to parse timing state: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.pairCount = st.PairCount
	c.mean = st.Mean
	c.m2 = st.M2
	c.totalShots = st.TotalShots
	c.totalImpacts = st.TotalImpacts
	return nil
}
