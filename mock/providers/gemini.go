package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
)

// Gemini wire shapes for the endpoints the genai SDK hits:
//
//	POST {base}/models/{model}:generateContent
//	POST {base}/models/{model}:streamGenerateContent
//	POST {base}/models/{model}:embedContent
//	POST {base}/models/{model}:batchEmbedContents
//	GET  {base}/models
type (
	gemPart struct {
		Text string `json:"text"`
	}
	gemCandidate struct {
		Content struct {
			Role  string    `json:"role"`
			Parts []gemPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
		Index        int    `json:"index"`
	}
	gemResponse struct {
		Candidates    []gemCandidate `json:"candidates"`
		UsageMetadata map[string]int `json:"usageMetadata"`
		ResponseID    string         `json:"responseId"`
		ModelVersion  string         `json:"modelVersion"`
	}
	gemVector struct {
		Values []float32 `json:"values"`
	}
)

func gemError(w http.ResponseWriter, status int, msg string) {
	respond(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": msg,
			"status":  "INTERNAL",
		},
	})
}

// newGeminiHandler serves a simulated Gemini API.
func newGeminiHandler(cfg Config) http.Handler {
	s := sim{cfg}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1beta/models/{action}", s.gemDispatch)
	mux.HandleFunc("GET /v1beta/models", s.gemModels)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		gemError(w, http.StatusNotFound, "unknown path "+r.URL.Path)
	})
	return mux
}

// gemDispatch splits "{model}:{verb}" and routes to the matching endpoint.
func (s sim) gemDispatch(w http.ResponseWriter, r *http.Request) {
	model, verb, ok := strings.Cut(r.PathValue("action"), ":")
	if !ok {
		gemError(w, http.StatusNotFound, "unknown path "+r.URL.Path)
		return
	}

	s.wait()
	switch verb {
	case "generateContent", "streamGenerateContent":
		if s.failNow() {
			gemError(w, http.StatusInternalServerError, "simulated upstream failure")
			return
		}
		s.gemGenerate(w, model, verb == "streamGenerateContent")
	case "embedContent":
		respond(w, http.StatusOK, map[string]gemVector{"embedding": {Values: s.vector(768)}})
	case "batchEmbedContents":
		s.gemBatchEmbed(w, r)
	default:
		gemError(w, http.StatusNotFound, "unknown verb "+verb)
	}
}

func (s sim) gemGenerate(w http.ResponseWriter, model string, stream bool) {
	var cand gemCandidate
	cand.Content.Role = "model"
	cand.Content.Parts = []gemPart{{Text: s.reply()}}
	cand.FinishReason = "STOP"

	resp := gemResponse{
		Candidates: []gemCandidate{cand},
		UsageMetadata: map[string]int{
			"promptTokenCount":     10,
			"candidatesTokenCount": s.cfg.StreamWords,
			"totalTokenCount":      10 + s.cfg.StreamWords,
		},
		ResponseID:   fmt.Sprintf("gem-sim%x", rand.Int64()),
		ModelVersion: model,
	}

	if stream {
		// The genai SDK consumes a JSON array of responses for streaming.
		respond(w, http.StatusOK, []gemResponse{resp})
		return
	}
	respond(w, http.StatusOK, resp)
}

func (s sim) gemBatchEmbed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Requests []json.RawMessage `json:"requests"`
	}
	json.NewDecoder(r.Body).Decode(&req) //nolint:errcheck

	n := max(len(req.Requests), 1)
	out := make([]map[string]gemVector, n)
	for i := range out {
		out[i] = map[string]gemVector{"embedding": {Values: s.vector(768)}}
	}
	respond(w, http.StatusOK, map[string]any{"embeddings": out})
}

func (s sim) gemModels(w http.ResponseWriter, _ *http.Request) {
	type entry struct {
		Name        string `json:"name"`
		DisplayName string `json:"displayName"`
	}
	respond(w, http.StatusOK, map[string][]entry{
		"models": {
			{Name: "models/gemini-1.5-pro", DisplayName: "Gemini 1.5 Pro"},
			{Name: "models/gemini-2.0-flash", DisplayName: "Gemini 2.0 Flash"},
		},
	})
}
