// Package main provides a deliberately unreliable downstream for exercising
// circuit breakers. /work fails with a configurable probability and delay,
// and /health can be flipped at runtime via /toggle.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync/atomic"
	"time"
)

func main() {
	port := flag.Int("port", 3001, "port to listen on")
	name := flag.String("name", "flaky", "service name")
	failRate := flag.Float64("fail-rate", 0.5, "probability that /work returns 500")
	delay := flag.Duration("delay", 0, "artificial latency added to /work")
	flag.Parse()

	if p := os.Getenv("PORT"); p != "" {
		fmt.Sscanf(p, "%d", port)
	}

	var healthy atomic.Bool
	healthy.Store(true)

	http.HandleFunc("/work", func(w http.ResponseWriter, r *http.Request) {
		if *delay > 0 {
			time.Sleep(*delay)
		}

		w.Header().Set("Content-Type", "application/json")
		if rand.Float64() < *failRate {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"service": *name,
				"error":   "simulated failure",
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"service":   *name,
			"result":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	// /health follows the toggleable flag so breaker recovery probes can be
	// driven by hand: curl -X POST host:3001/toggle
	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	http.HandleFunc("/toggle", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "use POST", http.StatusMethodNotAllowed)
			return
		}
		now := !healthy.Load()
		healthy.Store(now)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{"healthy": now})
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("%s listening on %s (fail-rate=%.2f delay=%s)", *name, addr, *failRate, *delay)
	log.Fatal(http.ListenAndServe(addr, nil))
}
