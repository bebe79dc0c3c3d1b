package main

import (
	"flag"
	"log"
	"time"

	"github.com/relabs-tech/impact_correlator/internal/app"
	"github.com/relabs-tech/impact_correlator/internal/config"
)

func main() {
	hours := flag.Float64("hours", 24, "how far back to report")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	to := time.Now()
	from := to.Add(-time.Duration(*hours * float64(time.Hour)))

	if err := app.RunReport(cfg, from, to); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
