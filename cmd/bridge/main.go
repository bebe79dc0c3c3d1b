// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"log"

	"github.com/relabs-tech/impact_correlator/internal/app"
	"github.com/relabs-tech/impact_correlator/internal/config"
)

func main() {
	log.Println("starting impact-correlator bridge")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if err := app.RunBridge(cfg); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
