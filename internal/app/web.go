// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"

	"github.com/relabs-tech/impact_correlator/internal/config"
	"github.com/relabs-tech/impact_correlator/internal/correlate"
	"github.com/relabs-tech/impact_correlator/internal/detect"
	"github.com/relabs-tech/impact_correlator/pkg/metrics"
)

const recentEventLimit = 100

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// wsEvent is the envelope pushed to WebSocket clients.
type wsEvent struct {
	Type    string          `json:"type"` // impact, shot, correlated
	Payload json.RawMessage `json:"payload"`
}

// webState caches recent events for the JSON API and fans live events out to
// WebSocket clients.
type webState struct {
	mu            sync.RWMutex
	recentImpacts []detect.ImpactEvent
	qualityCounts map[correlate.Quality]int

	clientsMu sync.Mutex
	clients   map[*websocket.Conn]struct{}
}

// RunWeb subscribes to the event topics and serves the dashboard API.
func RunWeb(cfg *config.Config) error {
	state := &webState{
		qualityCounts: make(map[correlate.Quality]int),
		clients:       make(map[*websocket.Conn]struct{}),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientIDWeb)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	log.Printf("web: connected to MQTT broker at %s", cfg.MQTTBroker)

	subscriptions := map[string]string{
		cfg.TopicImpacts:    "impact",
		cfg.TopicShots:      "shot",
		cfg.TopicCorrelated: "correlated",
	}
	for topic, kind := range subscriptions {
		kind := kind
		token := client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
			state.handleEvent(kind, msg.Payload())
		})
		token.Wait()
		if token.Error() != nil {
			return token.Error()
		}
		log.Printf("web: subscribed to %s", topic)
	}

	http.HandleFunc("/api/impacts", func(w http.ResponseWriter, r *http.Request) {
		state.mu.RLock()
		defer state.mu.RUnlock()

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(state.recentImpacts); err != nil {
			log.Printf("web: json encode error: %v", err)
		}
	})

	http.HandleFunc("/api/stats", func(w http.ResponseWriter, r *http.Request) {
		state.mu.RLock()
		counts := make(map[string]int, len(state.qualityCounts))
		total := 0
		for q, n := range state.qualityCounts {
			counts[string(q)] = n
			total += n
		}
		impacts := len(state.recentImpacts)
		state.mu.RUnlock()

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]any{
			"recent_impacts": impacts,
			"correlations":   total,
			"by_quality":     counts,
		}); err != nil {
			log.Printf("web: json encode error: %v", err)
		}
	})

	http.HandleFunc("/ws", state.handleWS)
	http.Handle("/metrics", metrics.Handler())

	// Static files from ./web as the root
	fs := http.FileServer(http.Dir("web"))
	http.Handle("/", fs)

	log.Printf("web server listening on %s", cfg.WebAddr)
	return http.ListenAndServe(cfg.WebAddr, nil)
}

// handleEvent caches the event and pushes it to connected clients.
func (s *webState) handleEvent(kind string, payload []byte) {
	switch kind {
	case "impact":
		var ev detect.ImpactEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			log.Printf("web: impact unmarshal error: %v", err)
			return
		}
		s.mu.Lock()
		s.recentImpacts = append(s.recentImpacts, ev)
		if len(s.recentImpacts) > recentEventLimit {
			s.recentImpacts = s.recentImpacts[len(s.recentImpacts)-recentEventLimit:]
		}
		s.mu.Unlock()

	case "correlated":
		var ev correlate.CorrelatedEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			log.Printf("web: correlation unmarshal error: %v", err)
			return
		}
		s.mu.Lock()
		s.qualityCounts[ev.Quality]++
		s.mu.Unlock()
	}

	s.broadcast(wsEvent{Type: kind, Payload: json.RawMessage(payload)})
}

// handleWS registers a WebSocket client for the live event feed.
func (s *webState) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("web: websocket upgrade error: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = struct{}{}
	s.clientsMu.Unlock()
	log.Printf("web: websocket client connected (%s)", r.RemoteAddr)

	// Reader loop exists only to notice the client going away.
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, conn)
			s.clientsMu.Unlock()
			conn.Close()
			log.Printf("web: websocket client disconnected (%s)", r.RemoteAddr)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// broadcast sends one event to every connected client, dropping clients
// whose writes fail.
func (s *webState) broadcast(ev wsEvent) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()

	for conn := range s.clients {
		if err := conn.WriteJSON(ev); err != nil {
			conn.Close()
			delete(s.clients, conn)
		}
	}
}
