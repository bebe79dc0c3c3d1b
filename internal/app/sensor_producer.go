package app

import (
	"encoding/json"
	"log"
	"math/rand"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/impact_correlator/internal/config"
	"github.com/relabs-tech/impact_correlator/internal/telemetry"
)

// Synthetic sensor characteristics: a resting baseline in raw counts with
// gaussian noise, plus an occasional impact burst shaped like the real
// sensor's ring-down.
const (
	mockBaselineX = 2048.0
	mockBaselineY = 2052.0
	mockBaselineZ = 1997.0
	mockNoise     = 3.0

	mockImpactPeriod = 5 * time.Second
	mockBurstLen     = 8
)

// RunSensorProducer publishes a synthetic sample stream for one sensor so
// the pipeline can be exercised end-to-end without hardware.
func RunSensorProducer(cfg *config.Config, sensorID string) error {
	log.Printf("producer: starting synthetic sensor %s", sensorID)

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientIDProducer + "-" + sensorID)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	defer client.Disconnect(250)
	log.Printf("producer: connected to MQTT broker at %s", cfg.MQTTBroker)

	topic := cfg.TopicSamplePrefix + "/" + sensorID
	interval := time.Duration(cfg.SampleIntervalMillis) * time.Millisecond

	// Burst envelope in units of the peak threshold: sharp attack, ringing
	// decay that stays above the onset threshold for a few samples.
	envelope := [mockBurstLen]float64{0.3, 1.4, 0.9, 0.6, 0.4, 0.3, 0.2, 0.1}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastBurst := time.Now()
	burstIdx := mockBurstLen // not in a burst

	for t := range ticker.C {
		if burstIdx >= mockBurstLen && t.Sub(lastBurst) >= mockImpactPeriod {
			burstIdx = 0
			lastBurst = t
		}

		var excursion float64
		if burstIdx < mockBurstLen {
			excursion = envelope[burstIdx] * cfg.PeakThreshold
			burstIdx++
		}

		s := telemetry.RawSample{
			SensorID:    sensorID,
			TimestampNS: t.UnixNano(),
			Vx:          int16(mockBaselineX + rand.NormFloat64()*mockNoise + excursion*0.58),
			Vy:          int16(mockBaselineY + rand.NormFloat64()*mockNoise + excursion*0.58),
			Vz:          int16(mockBaselineZ + rand.NormFloat64()*mockNoise + excursion*0.58),
		}

		payload, err := json.Marshal(s)
		if err != nil {
			log.Printf("producer: json marshal error: %v", err)
			continue
		}
		if token := client.Publish(topic, 0, false, payload); token.Wait() && token.Error() != nil {
			log.Printf("producer: MQTT publish error: %v", token.Error())
		}
	}
	return nil
}
