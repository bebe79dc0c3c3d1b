// Package config holds all application configuration values, loaded by
// layering defaults, an optional YAML file, and environment variables.
package config

import (
	"fmt"
)

// Config holds all application configuration values.
type Config struct {
	// MQTT
	MQTTBroker           string `koanf:"mqtt_broker"`
	MQTTClientIDBridge   string `koanf:"mqtt_client_id_bridge"`
	MQTTClientIDProducer string `koanf:"mqtt_client_id_producer"`
	MQTTClientIDConsole  string `koanf:"mqtt_client_id_console"`
	MQTTClientIDWeb      string `koanf:"mqtt_client_id_web"`

	// Topics
	TopicSamplePrefix string `koanf:"topic_sample_prefix"` // per-sensor suffix appended
	TopicImpacts      string `koanf:"topic_impacts"`
	TopicShots        string `koanf:"topic_shots"`
	TopicCorrelated   string `koanf:"topic_correlated"`
	TopicTimerRaw     string `koanf:"topic_timer_raw"` // unknown frames, for offline analysis

	// Timer transport
	TimerSerialPort string `koanf:"timer_serial_port"`
	TimerBaudRate   int    `koanf:"timer_baud_rate"`
	TimerVendor     string `koanf:"timer_vendor"`
	TimerDeviceID   string `koanf:"timer_device_id"`

	// Calibration
	CalibrationTargetSamples  int    `koanf:"calibration_target_samples"`
	CalibrationFilterFloor    int    `koanf:"calibration_filter_floor"`
	CalibrationTimeoutSeconds int    `koanf:"calibration_timeout_seconds"`
	CalibrationDir            string `koanf:"calibration_dir"`

	// Detection
	PeakThreshold        float64 `koanf:"peak_threshold"` // raw counts
	OnsetThreshold       float64 `koanf:"onset_threshold"`
	LookbackSamples      int     `koanf:"lookback_samples"`
	DebounceSamples      int     `koanf:"debounce_samples"`
	SampleIntervalMillis int     `koanf:"sample_interval_ms"`

	// Correlation quality buckets, inclusive upper bounds.
	QualityExcellentMillis int `koanf:"quality_excellent_ms"`
	QualityGoodMillis      int `koanf:"quality_good_ms"`
	QualityFairMillis      int `koanf:"quality_fair_ms"`

	// CorrelateIntervalSeconds is how often the session correlation pass runs.
	CorrelateIntervalSeconds int `koanf:"correlate_interval_seconds"`

	// Timing calibration state
	TimingStatePath string `koanf:"timing_state_path"`

	// Store
	StorePath      string `koanf:"store_path"`
	StoreQueueSize int    `koanf:"store_queue_size"`

	// Web server
	WebAddr string `koanf:"web_addr"`
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		MQTTBroker:           "tcp://localhost:1883",
		MQTTClientIDBridge:   "impact-bridge",
		MQTTClientIDProducer: "impact-sensor-producer",
		MQTTClientIDConsole:  "impact-console-subscriber",
		MQTTClientIDWeb:      "impact-web-subscriber",

		TopicSamplePrefix: "impact/samples",
		TopicImpacts:      "impact/events/impact",
		TopicShots:        "impact/events/shot",
		TopicCorrelated:   "impact/events/correlated",
		TopicTimerRaw:     "impact/events/timer_raw",

		TimerSerialPort: "/dev/ttyUSB0",
		TimerBaudRate:   115200,
		TimerVendor:     "amg",
		TimerDeviceID:   "amg-commander",

		CalibrationTargetSamples:  100,
		CalibrationFilterFloor:    50,
		CalibrationTimeoutSeconds: 30,
		CalibrationDir:            ".",

		PeakThreshold:        150,
		OnsetThreshold:       30,
		LookbackSamples:      10,
		DebounceSamples:      8,
		SampleIntervalMillis: 10,

		QualityExcellentMillis: 200,
		QualityGoodMillis:      500,
		QualityFairMillis:      1000,

		CorrelateIntervalSeconds: 10,

		TimingStatePath: "timing_state.json",

		StorePath:      "impact_events.db",
		StoreQueueSize: 1024,

		WebAddr: ":8080",
	}
}

// Validate checks that all required fields are set and consistent.
func (c *Config) Validate() error {
	if c.MQTTBroker == "" {
		return fmt.Errorf("mqtt_broker is required")
	}
	if c.TimerSerialPort == "" {
		return fmt.Errorf("timer_serial_port is required")
	}
	if c.TimerBaudRate == 0 {
		return fmt.Errorf("timer_baud_rate is required")
	}
	if c.CalibrationTargetSamples <= 0 {
		return fmt.Errorf("calibration_target_samples must be positive, got %d", c.CalibrationTargetSamples)
	}
	if c.OnsetThreshold >= c.PeakThreshold {
		return fmt.Errorf("onset_threshold (%.1f) must be below peak_threshold (%.1f)",
			c.OnsetThreshold, c.PeakThreshold)
	}
	if c.SampleIntervalMillis <= 0 {
		return fmt.Errorf("sample_interval_ms must be positive, got %d", c.SampleIntervalMillis)
	}
	if !(c.QualityExcellentMillis <= c.QualityGoodMillis && c.QualityGoodMillis <= c.QualityFairMillis) {
		return fmt.Errorf("quality bucket bounds must be non-decreasing: %d, %d, %d",
			c.QualityExcellentMillis, c.QualityGoodMillis, c.QualityFairMillis)
	}
	if c.StorePath == "" {
		return fmt.Errorf("store_path is required")
	}
	return nil
}
