package telemetry

// RawSample represents a single raw accelerometer sample as published by a
// sensor producer.
type RawSample struct {
	SensorID string `json:"sensor_id"` // e.g. "bt50-left"

	TimestampNS int64 `json:"ts_ns"` // monotonic nanoseconds

	Vx int16 `json:"vx"` // raw counts
	Vy int16 `json:"vy"`
	Vz int16 `json:"vz"`
}
