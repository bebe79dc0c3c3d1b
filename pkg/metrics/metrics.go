// Package metrics provides Prometheus metrics for the impact correlator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Custom registry to avoid the default Go collectors.
var registry = prometheus.NewRegistry()

var (
	samplesProcessed = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "impact",
		Name:      "samples_processed_total",
		Help:      "Accelerometer samples pushed through detection, per sensor.",
	}, []string{"sensor"})

	samplesDropped = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "impact",
		Name:      "samples_dropped_total",
		Help:      "Samples skipped as malformed or out of order, per sensor.",
	}, []string{"sensor"})

	impactsDetected = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "impact",
		Name:      "impacts_detected_total",
		Help:      "Impact events emitted by the detector, per sensor.",
	}, []string{"sensor"})

	timerFrames = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "impact",
		Name:      "timer_frames_total",
		Help:      "Decoded timer frames by kind (start, shot, stop, unknown).",
	}, []string{"kind"})

	correlations = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "impact",
		Name:      "correlations_total",
		Help:      "Correlated events by quality bucket.",
	}, []string{"quality"})

	peakMagnitude = promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: "impact",
		Name:      "peak_magnitude",
		Help:      "Peak magnitudes of detected impacts, in raw counts.",
		Buckets:   prometheus.ExponentialBuckets(50, 2, 8),
	})

	calibrationProgress = promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "impact",
		Name:      "calibration_progress",
		Help:      "Fraction of calibration samples collected, per sensor.",
	}, []string{"sensor"})

	expectedDelayMS = promauto.With(registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "impact",
		Name:      "expected_delay_ms",
		Help:      "Current expected shot-to-impact delay estimate.",
	})

	delayUncertaintyMS = promauto.With(registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "impact",
		Name:      "delay_uncertainty_ms",
		Help:      "Uncertainty band of the delay estimate.",
	})

	storeQueueDepth = promauto.With(registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "impact",
		Name:      "store_queue_depth",
		Help:      "Writes waiting for the store writer goroutine.",
	})

	storeDropped = promauto.With(registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "impact",
		Name:      "store_writes_dropped_total",
		Help:      "Writes lost to a full queue or a write error.",
	})
)

// RecordSample counts one processed sample.
func RecordSample(sensor string) { samplesProcessed.WithLabelValues(sensor).Inc() }

// RecordDroppedSample counts one skipped sample.
func RecordDroppedSample(sensor string) { samplesDropped.WithLabelValues(sensor).Inc() }

// RecordDroppedSamples counts a batch of skipped samples at once.
func RecordDroppedSamples(sensor string, n uint64) {
	samplesDropped.WithLabelValues(sensor).Add(float64(n))
}

// RecordImpact counts one detected impact and observes its peak magnitude.
func RecordImpact(sensor string, peak float64) {
	impactsDetected.WithLabelValues(sensor).Inc()
	peakMagnitude.Observe(peak)
}

// RecordTimerFrame counts one decoded timer frame.
func RecordTimerFrame(kind string) { timerFrames.WithLabelValues(kind).Inc() }

// RecordCorrelation counts one correlation result.
func RecordCorrelation(quality string) { correlations.WithLabelValues(quality).Inc() }

// UpdateCalibrationProgress reports calibration progress in [0,1].
func UpdateCalibrationProgress(sensor string, fraction float64) {
	calibrationProgress.WithLabelValues(sensor).Set(fraction)
}

// UpdateDelayEstimate reports the current timing calibration estimate.
func UpdateDelayEstimate(expectedMS, uncertaintyMS float64) {
	expectedDelayMS.Set(expectedMS)
	delayUncertaintyMS.Set(uncertaintyMS)
}

// UpdateStoreQueue reports store writer backlog and drop count.
func UpdateStoreQueue(depth int, dropped uint64) {
	storeQueueDepth.Set(float64(depth))
	storeDropped.Set(float64(dropped))
}

// Handler exposes the registry for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
