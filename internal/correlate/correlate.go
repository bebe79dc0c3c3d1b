// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package correlate pairs shot-timer events with detected impacts inside an
// allowed delay window and grades each pairing.
package correlate

import (
	"sort"
	"time"

	"github.com/relabs-tech/impact_correlator/internal/detect"
	"github.com/relabs-tech/impact_correlator/internal/timer"
)

// Quality grades how plausible a shot-impact pairing is.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
	QualityNone      Quality = "none"     // shot without an impact
	QualityOrphaned  Quality = "orphaned" // impact without a shot
)

// Window bounds the delay between a shot and the impact it caused. MinDelay
// may be slightly negative to tolerate timestamp jitter between devices.
type Window struct {
	MinDelay time.Duration `json:"min_delay"`
	MaxDelay time.Duration `json:"max_delay"`
}

// DefaultWindow allows impacts up to 3 s after a shot and 500 ms of clock
// skew before it.
func DefaultWindow() Window {
	return Window{MinDelay: -500 * time.Millisecond, MaxDelay: 3 * time.Second}
}

// Buckets holds the inclusive upper bounds of the quality grades. Anything
// beyond Fair is poor.
type Buckets struct {
	Excellent time.Duration `json:"excellent"`
	Good      time.Duration `json:"good"`
	Fair      time.Duration `json:"fair"`
}

// DefaultBuckets reflects the expected sensor-to-timer propagation delay.
func DefaultBuckets() Buckets {
	return Buckets{
		Excellent: 200 * time.Millisecond,
		Good:      500 * time.Millisecond,
		Fair:      1 * time.Second,
	}
}

// Grade maps an absolute shot-impact delay onto a quality bucket.
func (b Buckets) Grade(delay time.Duration) Quality {
	if delay < 0 {
		delay = -delay
	}
	switch {
	case delay <= b.Excellent:
		return QualityExcellent
	case delay <= b.Good:
		return QualityGood
	case delay <= b.Fair:
		return QualityFair
	default:
		return QualityPoor
	}
}

// CorrelatedEvent is one row of a correlation pass. Exactly one of Shot and
// Impact may be nil: a missed shot or an orphaned impact.
type CorrelatedEvent struct {
	Shot   *timer.Event        `json:"shot,omitempty"`
	Impact *detect.ImpactEvent `json:"impact,omitempty"`

	DelaySeconds float64 `json:"delay_s,omitempty"` // valid when both sides present
	Quality      Quality `json:"quality"`
}

// Correlate matches each shot with the closest unconsumed impact whose delay
// lies inside the window. Shots are processed in chronological order and
// each impact is consumed at most once; ties resolve to the smaller absolute
// delay, then the earlier impact. The function has no hidden state: the same
// inputs always produce the same output.
func Correlate(shots []timer.Event, impacts []detect.ImpactEvent, window Window, buckets Buckets) []CorrelatedEvent {
	sortedShots := make([]timer.Event, len(shots))
	copy(sortedShots, shots)
	sort.SliceStable(sortedShots, func(i, j int) bool {
		return sortedShots[i].Timestamp.Before(sortedShots[j].Timestamp)
	})

	sortedImpacts := make([]detect.ImpactEvent, len(impacts))
	copy(sortedImpacts, impacts)
	sort.SliceStable(sortedImpacts, func(i, j int) bool {
		return sortedImpacts[i].OnsetTime.Before(sortedImpacts[j].OnsetTime)
	})

	consumed := make([]bool, len(sortedImpacts))
	results := make([]CorrelatedEvent, 0, len(sortedShots)+len(sortedImpacts))

	for si := range sortedShots {
		shot := sortedShots[si]

		best := -1
		var bestAbs time.Duration
		for ii := range sortedImpacts {
			if consumed[ii] {
				continue
			}
			delay := sortedImpacts[ii].OnsetTime.Sub(shot.Timestamp)
			if delay < window.MinDelay {
				continue
			}
			if delay > window.MaxDelay {
				break // impacts are sorted; everything later is further out
			}
			abs := delay
			if abs < 0 {
				abs = -abs
			}
			if best == -1 || abs < bestAbs {
				best = ii
				bestAbs = abs
			}
		}

		if best == -1 {
			results = append(results, CorrelatedEvent{Shot: &sortedShots[si], Quality: QualityNone})
			continue
		}

		consumed[best] = true
		delay := sortedImpacts[best].OnsetTime.Sub(shot.Timestamp)
		results = append(results, CorrelatedEvent{
			Shot:         &sortedShots[si],
			Impact:       &sortedImpacts[best],
			DelaySeconds: delay.Seconds(),
			Quality:      buckets.Grade(delay),
		})
	}

	for ii := range sortedImpacts {
		if !consumed[ii] {
			results = append(results, CorrelatedEvent{Impact: &sortedImpacts[ii], Quality: QualityOrphaned})
		}
	}

	return results
}
