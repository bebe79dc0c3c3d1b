package main

import (
	"flag"
	"log"

	"github.com/relabs-tech/impact_correlator/internal/app"
	"github.com/relabs-tech/impact_correlator/internal/config"
)

func main() {
	sensorID := flag.String("sensor", "bt50-mock", "sensor id to publish as")
	flag.Parse()

	log.Println("starting impact-correlator synthetic sensor producer")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if err := app.RunSensorProducer(cfg, *sensorID); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
