package main

import (
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// sim bundles the behaviour every simulated backend shares: canned text,
// canned vectors, artificial latency, and a dialed-in failure rate.
type sim struct {
	cfg Config
}

// lexicon feeds the canned replies. Load tests hammer the gateway with these
// so no real credits are ever spent upstream.
var lexicon = strings.Fields(
	"the gateway answers with canned tokens so end to end and load tests " +
		"can exercise streaming relay usage accounting and failover paths " +
		"against a provider that never bills anyone")

// reply builds a response of cfg.StreamWords lexicon words.
func (s sim) reply() string {
	words := make([]string, s.cfg.StreamWords)
	for i := range words {
		words[i] = lexicon[rand.IntN(len(lexicon))]
	}
	return strings.Join(words, " ") + "."
}

// vector fakes an embedding of the given dimension.
func (s sim) vector(dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = rand.Float32()*2 - 1
	}
	return v
}

// wait applies the configured artificial latency.
func (s sim) wait() {
	if s.cfg.LatencyMS > 0 {
		time.Sleep(time.Duration(s.cfg.LatencyMS) * time.Millisecond)
	}
}

// failNow rolls the configured error rate.
func (s sim) failNow() bool {
	return s.cfg.ErrorRate > 0 && rand.Float64() < s.cfg.ErrorRate
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// sseWriter prepares w for an SSE response and returns a flush-per-event
// emitter.
func sseWriter(w http.ResponseWriter) func(event string, payload any) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	return func(event string, payload any) {
		data, _ := json.Marshal(payload)
		if event != "" {
			w.Write([]byte("event: " + event + "\n")) //nolint:errcheck
		}
		w.Write([]byte("data: "))  //nolint:errcheck
		w.Write(data)              //nolint:errcheck
		w.Write([]byte("\n\n"))    //nolint:errcheck
		if flusher != nil {
			flusher.Flush()
		}
	}
}
