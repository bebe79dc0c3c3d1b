package app

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/impact_correlator/internal/config"
	"github.com/relabs-tech/impact_correlator/internal/correlate"
	"github.com/relabs-tech/impact_correlator/internal/detect"
	"github.com/relabs-tech/impact_correlator/internal/timer"
)

// RunConsole subscribes to the event topics and prints a live feed.
func RunConsole(cfg *config.Config) error {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientIDConsole)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	log.Printf("console: connected to MQTT broker at %s", cfg.MQTTBroker)

	impactToken := client.Subscribe(cfg.TopicImpacts, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var ev detect.ImpactEvent
		if err := json.Unmarshal(msg.Payload(), &ev); err != nil {
			log.Printf("console: impact unmarshal error: %v", err)
			return
		}
		fmt.Printf("[IMPACT] %s  peak=%7.1f onset=%6.1f dur=%5.0fms conf=%.2f  %s\n",
			ev.SensorID, ev.PeakMagnitude, ev.OnsetMagnitude, ev.DurationMillis,
			ev.Confidence, ev.OnsetTime.Format("15:04:05.000"))
	})
	impactToken.Wait()
	if impactToken.Error() != nil {
		return impactToken.Error()
	}
	log.Printf("console: subscribed to %s", cfg.TopicImpacts)

	shotToken := client.Subscribe(cfg.TopicShots, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var ev timer.Event
		if err := json.Unmarshal(msg.Payload(), &ev); err != nil {
			log.Printf("console: shot unmarshal error: %v", err)
			return
		}
		switch ev.Kind {
		case timer.KindStart:
			fmt.Printf("[TIMER ] string %d START\n", ev.StringNumber)
		case timer.KindShot:
			fmt.Printf("[SHOT  ] #%-3d string %d  split=%5.2fs (device %5.2fs)  %s\n",
				ev.ShotNumber, ev.StringNumber, ev.SplitSeconds, ev.DeviceSplitSeconds,
				ev.Timestamp.Format("15:04:05.000"))
		case timer.KindStop:
			fmt.Printf("[TIMER ] string %d STOP after %d shots\n", ev.StringNumber, ev.ShotNumber)
		}
	})
	shotToken.Wait()
	if shotToken.Error() != nil {
		return shotToken.Error()
	}
	log.Printf("console: subscribed to %s", cfg.TopicShots)

	corrToken := client.Subscribe(cfg.TopicCorrelated, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var ev correlate.CorrelatedEvent
		if err := json.Unmarshal(msg.Payload(), &ev); err != nil {
			log.Printf("console: correlation unmarshal error: %v", err)
			return
		}
		switch {
		case ev.Shot != nil && ev.Impact != nil:
			fmt.Printf("[MATCH ] shot #%d -> %s  delay=%6.3fs  quality=%s\n",
				ev.Shot.ShotNumber, ev.Impact.SensorID, ev.DelaySeconds, ev.Quality)
		case ev.Shot != nil:
			fmt.Printf("[MISS  ] shot #%d had no impact\n", ev.Shot.ShotNumber)
		case ev.Impact != nil:
			fmt.Printf("[ORPHAN] impact on %s at %s matched no shot\n",
				ev.Impact.SensorID, ev.Impact.OnsetTime.Format("15:04:05.000"))
		}
	})
	corrToken.Wait()
	if corrToken.Error() != nil {
		return corrToken.Error()
	}
	log.Printf("console: subscribed to %s", cfg.TopicCorrelated)

	// Wait for Ctrl+C.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Println("console: shutting down")
	client.Disconnect(250)
	return nil
}
