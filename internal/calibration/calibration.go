// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package calibration establishes a per-sensor resting baseline from a batch
// of stationary samples. The baseline is subtracted from every subsequent
// reading before magnitude thresholds are applied, so a detector must not
// run until its sensor has a complete Profile.
package calibration

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"time"
)

const (
	// DefaultTargetSamples is the number of stationary samples collected
	// before the baseline is computed.
	DefaultTargetSamples = 100

	// DefaultFilterFloor is the minimum number of samples that must survive
	// outlier filtering. Below this the filter falls back to the full set.
	DefaultFilterFloor = 50

	// DefaultDeadline bounds how long sample collection may take.
	DefaultDeadline = 30 * time.Second

	iqrFenceFactor = 1.5
)

var (
	// ErrInsufficientSamples is returned by Finalize when the collector has
	// not reached its target sample count before its deadline.
	ErrInsufficientSamples = errors.New("calibration: insufficient samples")

	// ErrAlreadyComplete is returned when samples arrive after Finalize.
	ErrAlreadyComplete = errors.New("calibration: profile already complete")
)

// Profile holds the frozen calibration result for one sensor.
type Profile struct {
	Version   int       `json:"version"`
	SensorID  string    `json:"sensor_id"`
	Timestamp time.Time `json:"timestamp"`

	BaselineX float64 `json:"baseline_x"`
	BaselineY float64 `json:"baseline_y"`
	BaselineZ float64 `json:"baseline_z"`

	NoiseX float64 `json:"noise_x"`
	NoiseY float64 `json:"noise_y"`
	NoiseZ float64 `json:"noise_z"`

	SampleCount int  `json:"sample_count"`
	Complete    bool `json:"complete"`
}

// Correct subtracts the baseline from a raw reading.
func (p *Profile) Correct(vx, vy, vz int16) (float64, float64, float64) {
	return float64(vx) - p.BaselineX,
		float64(vy) - p.BaselineY,
		float64(vz) - p.BaselineZ
}

// Magnitude returns the Euclidean norm of a baseline-corrected reading.
func (p *Profile) Magnitude(vx, vy, vz int16) float64 {
	x, y, z := p.Correct(vx, vy, vz)
	return math.Sqrt(x*x + y*y + z*z)
}

// Collector accumulates stationary samples for one sensor until the target
// count is reached, then freezes them into a Profile.
type Collector struct {
	sensorID string
	target   int
	floor    int
	deadline time.Time

	samples  [][3]float64
	complete bool
}

// Option configures a Collector.
type Option func(*Collector)

// WithTarget overrides the target sample count.
func WithTarget(n int) Option {
	return func(c *Collector) {
		if n > 0 {
			c.target = n
		}
	}
}

// WithFilterFloor overrides the minimum post-filter sample count.
func WithFilterFloor(n int) Option {
	return func(c *Collector) {
		if n > 0 {
			c.floor = n
		}
	}
}

// WithDeadline overrides the collection deadline.
func WithDeadline(d time.Time) Option {
	return func(c *Collector) { c.deadline = d }
}

// NewCollector creates a Collector for the given sensor.
func NewCollector(sensorID string, opts ...Option) *Collector {
	c := &Collector{
		sensorID: sensorID,
		target:   DefaultTargetSamples,
		floor:    DefaultFilterFloor,
		deadline: time.Now().Add(DefaultDeadline),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.samples = make([][3]float64, 0, c.target)
	return c
}

// AddSample records one raw reading. It returns true once the target count
// has been reached; further samples are ignored.
func (c *Collector) AddSample(vx, vy, vz int16) bool {
	if c.complete || len(c.samples) >= c.target {
		return true
	}
	c.samples = append(c.samples, [3]float64{float64(vx), float64(vy), float64(vz)})
	return len(c.samples) >= c.target
}

// Count returns the number of samples collected so far.
func (c *Collector) Count() int {
	return len(c.samples)
}

// Target returns the configured target sample count.
func (c *Collector) Target() int {
	return c.target
}

// Expired reports whether the collection deadline has passed.
func (c *Collector) Expired(now time.Time) bool {
	return now.After(c.deadline)
}

// Finalize computes the Profile from the collected samples. It fails with
// ErrInsufficientSamples when the target count was not reached; the caller
// must not start detection for this sensor in that case.
func (c *Collector) Finalize() (Profile, error) {
	if c.complete {
		return Profile{}, ErrAlreadyComplete
	}
	if len(c.samples) < c.target {
		return Profile{}, fmt.Errorf("%w: got %d of %d", ErrInsufficientSamples, len(c.samples), c.target)
	}
	c.complete = true

	p := Profile{
		Version:     1,
		SensorID:    c.sensorID,
		Timestamp:   time.Now(),
		SampleCount: len(c.samples),
		Complete:    true,
	}

	for axis := 0; axis < 3; axis++ {
		filtered := filterOutliers(c.samples, axis, c.floor)
		base := median(filtered)
		noise := stddev(filtered)
		switch axis {
		case 0:
			p.BaselineX, p.NoiseX = base, noise
		case 1:
			p.BaselineY, p.NoiseY = base, noise
		case 2:
			p.BaselineZ, p.NoiseZ = base, noise
		}
	}
	return p, nil
}

// filterOutliers discards values outside the 1.5*IQR fences for one axis.
// When filtering would leave fewer than floor values, the full set is used
// instead; a sensor resting on an unstable surface should still calibrate.
func filterOutliers(samples [][3]float64, axis, floor int) []float64 {
	values := make([]float64, len(samples))
	for i, s := range samples {
		values[i] = s[axis]
	}

	q1, q3 := quartiles(values)
	iqr := q3 - q1
	lo := q1 - iqrFenceFactor*iqr
	hi := q3 + iqrFenceFactor*iqr

	filtered := make([]float64, 0, len(values))
	for _, v := range values {
		if v >= lo && v <= hi {
			filtered = append(filtered, v)
		}
	}
	if len(filtered) < floor {
		return values
	}
	return filtered
}

// quartiles returns the first and third quartiles by linear interpolation.
func quartiles(values []float64) (float64, float64) {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	return percentile(sorted, 0.25), percentile(sorted, 0.75)
}

// percentile expects a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := p * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2.0
	}
	return sorted[mid]
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stddev returns the population standard deviation, 0 for identical values.
func stddev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	variance := 0.0
	for _, v := range values {
		diff := v - m
		variance += diff * diff
	}
	variance /= float64(len(values))
	return math.Sqrt(variance)
}

// SaveProfile writes the profile as indented JSON, the same layout the
// interactive calibration tool produces.
func SaveProfile(p Profile, path string) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal calibration profile: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write calibration profile: %w", err)
	}
	return nil
}

// LoadProfile reads a previously saved profile.
func LoadProfile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("failed to read calibration profile: %w", err)
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("failed to parse calibration profile: %w", err)
	}
	if !p.Complete {
		return Profile{}, fmt.Errorf("calibration profile %s is not complete", path)
	}
	return p, nil
}
