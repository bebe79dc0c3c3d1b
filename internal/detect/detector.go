// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package detect turns a stream of baseline-corrected acceleration
// magnitudes into discrete impact events with onset and peak timing.
package detect

import (
	"fmt"
	"math"
	"time"
)

const (
	// DefaultPeakThreshold is the primary trigger in raw counts.
	DefaultPeakThreshold = 150.0

	// DefaultOnsetThreshold marks where an impact first rises out of noise.
	DefaultOnsetThreshold = 30.0

	// DefaultLookbackSamples bounds the backward onset scan from a peak.
	DefaultLookbackSamples = 10

	// DefaultBufferMargin is extra buffer capacity beyond the lookback.
	DefaultBufferMargin = 20

	// DefaultKeepAfterEmit is how many trailing samples survive the
	// post-emission buffer clear.
	DefaultKeepAfterEmit = 3

	// DefaultDebounceSamples suppresses re-triggering on the ring-down of
	// the impact just emitted.
	DefaultDebounceSamples = 8
)

// ImpactEvent is a single detected impact. Immutable once emitted.
type ImpactEvent struct {
	SensorID string `json:"sensor_id"`

	OnsetTime time.Time `json:"onset_time"`
	PeakTime  time.Time `json:"peak_time"`

	OnsetMagnitude float64 `json:"onset_magnitude"`
	PeakMagnitude  float64 `json:"peak_magnitude"`

	DurationSamples int     `json:"duration_samples"`
	DurationMillis  float64 `json:"duration_ms"`

	// Confidence in [0,1], low when the onset had to be defaulted to the
	// start of the lookback window.
	Confidence float64 `json:"confidence"`
}

type sample struct {
	ts  time.Time
	mag float64
}

// Detector maintains the rolling lookback buffer for one sensor. It is not
// safe for concurrent use; each sensor pipeline owns exactly one Detector.
type Detector struct {
	sensorID       string
	peakThreshold  float64
	onsetThreshold float64
	lookback       int
	margin         int
	keepAfterEmit  int
	debounceLen    int
	sampleInterval time.Duration

	buf      []sample
	debounce int
	dropped  uint64
}

// Option configures a Detector.
type Option func(*Detector)

// WithThresholds overrides both detection thresholds.
func WithThresholds(onset, peak float64) Option {
	return func(d *Detector) {
		d.onsetThreshold = onset
		d.peakThreshold = peak
	}
}

// WithLookback overrides the onset lookback window length.
func WithLookback(n int) Option {
	return func(d *Detector) {
		if n > 0 {
			d.lookback = n
		}
	}
}

// WithDebounce overrides the post-emission suppression length.
func WithDebounce(n int) Option {
	return func(d *Detector) {
		if n >= 0 {
			d.debounceLen = n
		}
	}
}

// WithSampleInterval sets the sampling period used to convert durations from
// sample counts to milliseconds.
func WithSampleInterval(interval time.Duration) Option {
	return func(d *Detector) {
		if interval > 0 {
			d.sampleInterval = interval
		}
	}
}

// NewDetector creates a Detector. The onset threshold must be strictly below
// the peak threshold.
func NewDetector(sensorID string, opts ...Option) (*Detector, error) {
	d := &Detector{
		sensorID:       sensorID,
		peakThreshold:  DefaultPeakThreshold,
		onsetThreshold: DefaultOnsetThreshold,
		lookback:       DefaultLookbackSamples,
		margin:         DefaultBufferMargin,
		keepAfterEmit:  DefaultKeepAfterEmit,
		debounceLen:    DefaultDebounceSamples,
		sampleInterval: 10 * time.Millisecond, // 100 Hz
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.onsetThreshold >= d.peakThreshold {
		return nil, fmt.Errorf("detect: onset threshold %.1f must be below peak threshold %.1f",
			d.onsetThreshold, d.peakThreshold)
	}
	d.buf = make([]sample, 0, d.lookback+d.margin)
	return d, nil
}

// Process pushes one baseline-corrected magnitude into the rolling buffer
// and reports whether it completed an impact. Bad samples are dropped, never
// propagated; the stream must survive individual bad readings.
func (d *Detector) Process(magnitude float64, ts time.Time) (ImpactEvent, bool) {
	if math.IsNaN(magnitude) || math.IsInf(magnitude, 0) || magnitude < 0 {
		d.dropped++
		return ImpactEvent{}, false
	}
	// Out-of-order samples would corrupt the onset scan; drop them.
	if n := len(d.buf); n > 0 && ts.Before(d.buf[n-1].ts) {
		d.dropped++
		return ImpactEvent{}, false
	}

	d.buf = append(d.buf, sample{ts: ts, mag: magnitude})
	if max := d.lookback + d.margin; len(d.buf) > max {
		d.buf = d.buf[len(d.buf)-max:]
	}

	if d.debounce > 0 {
		d.debounce--
		return ImpactEvent{}, false
	}
	if magnitude < d.peakThreshold {
		return ImpactEvent{}, false
	}

	peakIdx := len(d.buf) - 1
	start := peakIdx - d.lookback
	if start < 0 {
		start = 0
	}

	// Walk back from the peak to the most recent crossing below the onset
	// threshold; the onset is the sample just after it. No crossing inside
	// the window means the whole window was already elevated, so the onset
	// defaults to the window start rather than failing the detection.
	onsetIdx := start
	defaulted := true
	for j := peakIdx - 1; j >= start; j-- {
		if d.buf[j].mag < d.onsetThreshold {
			onsetIdx = j + 1
			defaulted = false
			break
		}
	}
	if onsetIdx > peakIdx {
		onsetIdx = peakIdx
	}
	// A buffered remnant of a previous event can sit above the current
	// peak; collapse the onset onto the peak rather than emit an event
	// whose onset outranks its peak.
	if d.buf[onsetIdx].mag > d.buf[peakIdx].mag {
		onsetIdx = peakIdx
		defaulted = true
	}

	onset := d.buf[onsetIdx]
	peak := d.buf[peakIdx]
	durationSamples := peakIdx - onsetIdx

	ev := ImpactEvent{
		SensorID:        d.sensorID,
		OnsetTime:       onset.ts,
		PeakTime:        peak.ts,
		OnsetMagnitude:  onset.mag,
		PeakMagnitude:   peak.mag,
		DurationSamples: durationSamples,
		DurationMillis:  float64(durationSamples) * float64(d.sampleInterval) / float64(time.Millisecond),
		Confidence:      confidence(onset.mag, peak.mag, defaulted),
	}

	// Clear most of the buffer and hold off re-triggering so the decay tail
	// of this impact cannot produce a second event.
	if keep := d.keepAfterEmit; len(d.buf) > keep {
		d.buf = d.buf[len(d.buf)-keep:]
	}
	d.debounce = d.debounceLen

	return ev, true
}

// Dropped returns the number of samples skipped as malformed or out of order.
func (d *Detector) Dropped() uint64 {
	return d.dropped
}

// confidence scores how cleanly the onset separates from the peak. A sharp
// rise from near-noise onset to a strong peak scores close to 1; a defaulted
// onset caps the score at 0.5.
func confidence(onsetMag, peakMag float64, defaulted bool) float64 {
	if peakMag <= 0 {
		return 0
	}
	c := 1.0 - onsetMag/peakMag
	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	if defaulted && c > 0.5 {
		c = 0.5
	}
	return c
}
