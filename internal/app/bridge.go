// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	serial "github.com/jacobsa/go-serial/serial"

	"github.com/relabs-tech/impact_correlator/internal/calibration"
	"github.com/relabs-tech/impact_correlator/internal/config"
	"github.com/relabs-tech/impact_correlator/internal/correlate"
	"github.com/relabs-tech/impact_correlator/internal/detect"
	"github.com/relabs-tech/impact_correlator/internal/store"
	"github.com/relabs-tech/impact_correlator/internal/telemetry"
	"github.com/relabs-tech/impact_correlator/internal/timer"
	"github.com/relabs-tech/impact_correlator/internal/timing"
	"github.com/relabs-tech/impact_correlator/pkg/metrics"
)

const sampleChannelSize = 256

// bridge wires sample ingest, timer ingest, detection, correlation, and the
// event sinks together for one process.
type bridge struct {
	cfg        *config.Config
	client     mqtt.Client
	st         *store.Store
	cal        *timing.Calibrator
	normalizer *timer.Normalizer
	buckets    correlate.Buckets

	// Session logs for the in-progress string. Guarded by mu; impacts
	// arrive from per-sensor goroutines, shots from the serial reader.
	mu        sync.Mutex
	shots     []timer.Event
	shotIDs   map[int]string // index in shots -> store ID
	impacts   []detect.ImpactEvent
	impactIDs map[int]string

	// pipelinesClosed gates sends into the pipeline channels; paho can keep
	// dispatching queued messages after the unsubscribe, and a send on a
	// closed channel panics.
	pipelines       map[string]chan telemetry.RawSample
	pipelinesClosed bool
	pipelinesMu     sync.Mutex

	timerMu   sync.Mutex
	timerPort io.Closer

	wg   sync.WaitGroup
	quit chan struct{}
}

// RunBridge runs the full pipeline until SIGINT/SIGTERM: MQTT samples in,
// timer frames in over serial, events out over MQTT and SQLite.
func RunBridge(cfg *config.Config) error {
	log.Println("bridge: starting impact correlator pipeline")

	cal := timing.NewCalibrator()
	if err := cal.Load(cfg.TimingStatePath); err != nil {
		if err == timing.ErrNoState {
			log.Printf("bridge: no timing state at %s, starting from prior (%.1fms ± %.1fms)",
				cfg.TimingStatePath, timing.PriorDelayMillis, timing.PriorUncertaintyMillis)
		} else {
			return fmt.Errorf("bridge: %w", err)
		}
	} else {
		stats := cal.Stats()
		log.Printf("bridge: loaded timing state: %d pairs, expected delay %.1fms ± %.1fms",
			stats.TotalPairs, stats.ExpectedDelayMillis, stats.UncertaintyMillis)
	}

	st, err := store.Open(cfg.StorePath, cfg.StoreQueueSize)
	if err != nil {
		return fmt.Errorf("bridge: %w", err)
	}
	defer st.Close()

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientIDBridge)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("bridge: MQTT connect: %w", token.Error())
	}
	defer client.Disconnect(250)
	log.Printf("bridge: connected to MQTT broker at %s", cfg.MQTTBroker)

	b := &bridge{
		cfg:        cfg,
		client:     client,
		st:         st,
		cal:        cal,
		normalizer: timer.NewNormalizer(cfg.TimerDeviceID),
		buckets: correlate.Buckets{
			Excellent: time.Duration(cfg.QualityExcellentMillis) * time.Millisecond,
			Good:      time.Duration(cfg.QualityGoodMillis) * time.Millisecond,
			Fair:      time.Duration(cfg.QualityFairMillis) * time.Millisecond,
		},
		shotIDs:   make(map[int]string),
		impactIDs: make(map[int]string),
		pipelines: make(map[string]chan telemetry.RawSample),
		quit:      make(chan struct{}),
	}

	// Sample ingest: one topic per sensor under the prefix.
	sampleTopic := cfg.TopicSamplePrefix + "/#"
	token := client.Subscribe(sampleTopic, 0, b.handleSampleMessage)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("bridge: subscribe %s: %w", sampleTopic, token.Error())
	}
	log.Printf("bridge: subscribed to %s", sampleTopic)

	// Timer ingest over serial.
	b.wg.Add(1)
	go b.runTimerReader()

	// Periodic gauge refresh.
	b.wg.Add(1)
	go b.runMetricsTicker()

	// Wait for Ctrl+C.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Println("bridge: shutting down")
	close(b.quit)

	if token := client.Unsubscribe(sampleTopic); token.Wait() && token.Error() != nil {
		log.Printf("bridge: MQTT unsubscribe error: %v", token.Error())
	}
	b.closePipelines()
	b.closeTimerPort()
	b.wg.Wait()

	// Flush the open string and persist what the calibrator learned.
	b.correlateSession("shutdown")
	if err := cal.Save(cfg.TimingStatePath); err != nil {
		log.Printf("bridge: failed to save timing state: %v", err)
	} else {
		log.Printf("bridge: timing state saved to %s", cfg.TimingStatePath)
	}
	return nil
}

// handleSampleMessage routes one raw sample to its sensor's pipeline,
// creating the pipeline on first sight of the sensor.
func (b *bridge) handleSampleMessage(_ mqtt.Client, msg mqtt.Message) {
	var s telemetry.RawSample
	if err := json.Unmarshal(msg.Payload(), &s); err != nil {
		log.Printf("bridge: sample unmarshal error: %v", err)
		return
	}
	if s.SensorID == "" {
		s.SensorID = strings.TrimPrefix(msg.Topic(), b.cfg.TopicSamplePrefix+"/")
	}
	if s.SensorID == "" {
		log.Printf("bridge: sample without sensor id on topic %s", msg.Topic())
		return
	}

	// The send stays under the lock so closePipelines cannot close the
	// channel between the lookup and the send.
	b.pipelinesMu.Lock()
	defer b.pipelinesMu.Unlock()
	if b.pipelinesClosed {
		return
	}

	ch, ok := b.pipelines[s.SensorID]
	if !ok {
		ch = make(chan telemetry.RawSample, sampleChannelSize)
		b.pipelines[s.SensorID] = ch
		b.wg.Add(1)
		go b.runSensorPipeline(s.SensorID, ch)
		log.Printf("bridge: new sensor %s, starting calibration", s.SensorID)
	}

	select {
	case ch <- s:
	default:
		// The pipeline goroutine is behind; dropping is better than
		// blocking the MQTT callback.
		metrics.RecordDroppedSample(s.SensorID)
	}
}

// closePipelines stops sample routing and closes every pipeline channel so
// the per-sensor goroutines drain and exit.
func (b *bridge) closePipelines() {
	b.pipelinesMu.Lock()
	defer b.pipelinesMu.Unlock()
	b.pipelinesClosed = true
	for _, ch := range b.pipelines {
		close(ch)
	}
}

// runSensorPipeline owns all mutable state for one sensor: calibration
// first, then detection. No other goroutine touches this state.
func (b *bridge) runSensorPipeline(sensorID string, in <-chan telemetry.RawSample) {
	defer b.wg.Done()

	profile, ok := b.calibrateSensor(sensorID, in)
	if !ok {
		// Calibration failure is fatal for this sensor: magnitudes are
		// meaningless without a baseline. Drain and discard.
		for range in {
		}
		return
	}
	log.Printf("bridge: sensor %s calibrated: baseline=(%.1f, %.1f, %.1f) noise=(%.2f, %.2f, %.2f)",
		sensorID, profile.BaselineX, profile.BaselineY, profile.BaselineZ,
		profile.NoiseX, profile.NoiseY, profile.NoiseZ)

	det, err := detect.NewDetector(sensorID,
		detect.WithThresholds(b.cfg.OnsetThreshold, b.cfg.PeakThreshold),
		detect.WithLookback(b.cfg.LookbackSamples),
		detect.WithDebounce(b.cfg.DebounceSamples),
		detect.WithSampleInterval(time.Duration(b.cfg.SampleIntervalMillis)*time.Millisecond),
	)
	if err != nil {
		log.Printf("bridge: sensor %s: %v", sensorID, err)
		for range in {
		}
		return
	}

	var lastDropped uint64
	for s := range in {
		mag := profile.Magnitude(s.Vx, s.Vy, s.Vz)
		ts := time.Unix(0, s.TimestampNS)

		ev, hit := det.Process(mag, ts)
		metrics.RecordSample(sensorID)
		if d := det.Dropped(); d != lastDropped {
			metrics.RecordDroppedSamples(sensorID, d-lastDropped)
			lastDropped = d
		}
		if hit {
			b.recordImpact(ev)
		}
	}
}

// calibrateSensor collects baseline samples until the target count or the
// deadline, whichever comes first.
func (b *bridge) calibrateSensor(sensorID string, in <-chan telemetry.RawSample) (calibration.Profile, bool) {
	timeout := time.Duration(b.cfg.CalibrationTimeoutSeconds) * time.Second
	collector := calibration.NewCollector(sensorID,
		calibration.WithTarget(b.cfg.CalibrationTargetSamples),
		calibration.WithFilterFloor(b.cfg.CalibrationFilterFloor),
		calibration.WithDeadline(time.Now().Add(timeout)),
	)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case s, ok := <-in:
			if !ok {
				return calibration.Profile{}, false
			}
			done := collector.AddSample(s.Vx, s.Vy, s.Vz)
			metrics.UpdateCalibrationProgress(sensorID,
				float64(collector.Count())/float64(collector.Target()))
			if !done {
				continue
			}
			profile, err := collector.Finalize()
			if err != nil {
				log.Printf("bridge: sensor %s calibration failed: %v", sensorID, err)
				return calibration.Profile{}, false
			}
			path := filepath.Join(b.cfg.CalibrationDir, sensorID+"_baseline.json")
			if err := calibration.SaveProfile(profile, path); err != nil {
				log.Printf("bridge: sensor %s: %v", sensorID, err)
			}
			return profile, true

		case <-deadline.C:
			// Surfaced to the operator, never silently defaulted to a
			// zero baseline.
			log.Printf("bridge: ERROR: sensor %s calibration timed out with %d of %d samples; detection disabled for this sensor",
				sensorID, collector.Count(), collector.Target())
			return calibration.Profile{}, false
		}
	}
}

// recordImpact fans a detected impact out to the session log, the timing
// calibrator, the store, and the broadcast topic.
func (b *bridge) recordImpact(ev detect.ImpactEvent) {
	id := b.st.SaveImpact(ev)

	b.mu.Lock()
	b.impacts = append(b.impacts, ev)
	if id != "" {
		b.impactIDs[len(b.impacts)-1] = id
	}
	b.mu.Unlock()

	b.cal.RecordImpact(ev.SensorID, ev.OnsetTime, ev.PeakMagnitude)
	metrics.RecordImpact(ev.SensorID, ev.PeakMagnitude)

	b.publish(b.cfg.TopicImpacts, ev)
	log.Printf("bridge: impact on %s: peak=%.1f onset=%.1f duration=%.0fms confidence=%.2f",
		ev.SensorID, ev.PeakMagnitude, ev.OnsetMagnitude, ev.DurationMillis, ev.Confidence)
}

// runTimerReader frames bytes off the serial port and feeds the normalizer.
func (b *bridge) runTimerReader() {
	defer b.wg.Done()

	decoder, err := timer.NewRegistry().Decoder(b.cfg.TimerVendor)
	if err != nil {
		log.Printf("bridge: %v; timer ingest disabled", err)
		return
	}

	serialOpts := serial.OpenOptions{
		PortName:        b.cfg.TimerSerialPort,
		BaudRate:        uint(b.cfg.TimerBaudRate),
		DataBits:        8,
		StopBits:        1,
		MinimumReadSize: 1,
		ParityMode:      serial.PARITY_NONE,
	}
	port, err := serial.Open(serialOpts)
	if err != nil {
		log.Printf("bridge: timer serial open error: %v; timer ingest disabled", err)
		return
	}
	log.Printf("bridge: timer serial port opened on %s at %d baud",
		serialOpts.PortName, serialOpts.BaudRate)

	// Register the port so the shutdown path can close it; ReadFull blocks
	// indefinitely on a quiet timer and only a close unblocks it.
	b.timerMu.Lock()
	b.timerPort = port
	b.timerMu.Unlock()
	defer b.closeTimerPort()

	select {
	case <-b.quit:
		return
	default:
	}
	b.readFrames(port, decoder)
}

// readFrames decodes fixed-size frames off the port until a read error.
func (b *bridge) readFrames(port io.Reader, decoder timer.Decoder) {
	buf := make([]byte, decoder.FrameLen())
	for {
		if _, err := io.ReadFull(port, buf); err != nil {
			select {
			case <-b.quit:
				// Shutdown closed the port under us.
			default:
				log.Printf("bridge: timer read error: %v", err)
			}
			return
		}

		frame, err := decoder.Decode(buf)
		if err != nil {
			// Truncated frame; skip and resync on the next one.
			log.Printf("bridge: timer decode error: %v", err)
			continue
		}
		b.handleTimerFrame(frame)
	}
}

// closeTimerPort closes the serial port, unblocking the reader's pending
// ReadFull. Safe to call more than once.
func (b *bridge) closeTimerPort() {
	b.timerMu.Lock()
	defer b.timerMu.Unlock()
	if b.timerPort != nil {
		b.timerPort.Close()
		b.timerPort = nil
	}
}

// handleTimerFrame normalizes one frame and routes the resulting event.
func (b *bridge) handleTimerFrame(frame timer.Frame) {
	ev, ok := b.normalizer.Feed(frame, time.Now())
	if !ok {
		return
	}
	metrics.RecordTimerFrame(string(ev.Kind))

	switch ev.Kind {
	case timer.KindStart:
		log.Printf("bridge: string %d started", ev.StringNumber)
		b.publish(b.cfg.TopicShots, ev)

	case timer.KindShot:
		id := b.st.SaveShot(ev)
		b.mu.Lock()
		b.shots = append(b.shots, ev)
		if id != "" {
			b.shotIDs[len(b.shots)-1] = id
		}
		b.mu.Unlock()

		b.cal.RecordShot(ev.DeviceID, ev.Timestamp, ev.ShotNumber, ev.StringNumber)
		b.publish(b.cfg.TopicShots, ev)
		log.Printf("bridge: shot %d (string %d) split=%.2fs device_split=%.2fs",
			ev.ShotNumber, ev.StringNumber, ev.SplitSeconds, ev.DeviceSplitSeconds)

	case timer.KindStop:
		b.publish(b.cfg.TopicShots, ev)
		log.Printf("bridge: string %d stopped after %d shots", ev.StringNumber, ev.ShotNumber)
		b.correlateSession(fmt.Sprintf("string %d", ev.StringNumber))

	case timer.KindUnknown:
		// Valuable for reverse-engineering newer firmware; keep the bytes.
		b.publish(b.cfg.TopicTimerRaw, ev)
		log.Printf("bridge: unknown timer frame: % X", ev.Raw)
	}
}

// correlateSession runs one correlation pass over the session logs with the
// calibrator's adaptive window, then clears them.
func (b *bridge) correlateSession(reason string) {
	b.mu.Lock()
	shots := b.shots
	shotIDs := b.shotIDs
	impacts := b.impacts
	impactIDs := b.impactIDs
	b.shots = nil
	b.shotIDs = make(map[int]string)
	b.impacts = nil
	b.impactIDs = make(map[int]string)
	b.mu.Unlock()

	if len(shots) == 0 && len(impacts) == 0 {
		return
	}

	window := b.cal.Window()
	results := correlate.Correlate(shots, impacts, window, b.buckets)
	log.Printf("bridge: correlation pass (%s): %d shots, %d impacts, window [%s, %s]",
		reason, len(shots), len(impacts), window.MinDelay, window.MaxDelay)

	for i := range results {
		r := results[i]
		metrics.RecordCorrelation(string(r.Quality))

		var shotID, impactID string
		if r.Shot != nil {
			shotID = findID(shots, shotIDs, func(e timer.Event) bool {
				return e.Timestamp.Equal(r.Shot.Timestamp) && e.ShotNumber == r.Shot.ShotNumber
			})
		}
		if r.Impact != nil {
			impactID = findImpactID(impacts, impactIDs, r.Impact)
		}
		b.st.SaveCorrelation(shotID, impactID, r)
		b.publish(b.cfg.TopicCorrelated, r)
	}
}

// findID maps a correlated shot back to its store row.
func findID(events []timer.Event, ids map[int]string, match func(timer.Event) bool) string {
	for i := range events {
		if match(events[i]) {
			return ids[i]
		}
	}
	return ""
}

// findImpactID maps a correlated impact back to its store row.
func findImpactID(events []detect.ImpactEvent, ids map[int]string, target *detect.ImpactEvent) string {
	for i := range events {
		if events[i].SensorID == target.SensorID && events[i].OnsetTime.Equal(target.OnsetTime) {
			return ids[i]
		}
	}
	return ""
}

// runMetricsTicker refreshes gauges that have no natural event to hang off.
func (b *bridge) runMetricsTicker() {
	defer b.wg.Done()

	ticker := time.NewTicker(time.Duration(b.cfg.CorrelateIntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-b.quit:
			return
		case <-ticker.C:
			stats := b.cal.Stats()
			metrics.UpdateDelayEstimate(stats.ExpectedDelayMillis, stats.UncertaintyMillis)
			metrics.UpdateStoreQueue(b.st.QueueDepth(), b.st.Dropped())
		}
	}
}

// publish marshals an event and publishes it best-effort. Broadcast failure
// must never block detection.
func (b *bridge) publish(topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Printf("bridge: json marshal error (%s): %v", topic, err)
		return
	}
	token := b.client.Publish(topic, 0, false, payload)
	// QoS 0 fire-and-forget: a stalled broker connection must not hold up
	// the pipeline goroutine that called us.
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			log.Printf("bridge: MQTT publish error (%s): %v", topic, err)
		}
	}()
}
