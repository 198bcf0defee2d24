package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// OpenAI wire shapes. The compatible vendors (groq, xai, deepseek, together)
// speak the same dialect, so this one server covers all of them.
type (
	oaMessage struct {
		Role    string `json:"role,omitempty"`
		Content string `json:"content,omitempty"`
	}
	oaChoice struct {
		Index        int        `json:"index"`
		Message      *oaMessage `json:"message,omitempty"`
		Delta        *oaMessage `json:"delta,omitempty"`
		FinishReason *string    `json:"finish_reason"`
	}
	oaUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}
	oaCompletion struct {
		ID      string     `json:"id"`
		Object  string     `json:"object"`
		Created int64      `json:"created"`
		Model   string     `json:"model"`
		Choices []oaChoice `json:"choices"`
		Usage   *oaUsage   `json:"usage,omitempty"`
	}
	oaEmbedding struct {
		Object    string    `json:"object"`
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}
	oaModel struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}
)

// oaCatalog mirrors the models the gateway's pricing table knows about.
var oaCatalog = []string{
	"gpt-4o", "gpt-4o-mini", "gpt-4-turbo", "gpt-3.5-turbo",
	"text-embedding-3-small", "text-embedding-3-large", "text-embedding-ada-002",
}

func oaError(w http.ResponseWriter, status int, msg, typ string) {
	respond(w, status, map[string]map[string]string{"error": {
		"message": msg,
		"type":    typ,
		"code":    typ,
	}})
}

// newOpenAIHandler serves a simulated OpenAI API.
func newOpenAIHandler(cfg Config) http.Handler {
	s := sim{cfg}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", s.oaChat)
	mux.HandleFunc("POST /v1/embeddings", s.oaEmbed)
	mux.HandleFunc("GET /v1/models", s.oaModels)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		oaError(w, http.StatusNotFound, "unknown path "+r.URL.Path, "not_found")
	})
	return mux
}

func (s sim) oaChat(w http.ResponseWriter, r *http.Request) {
	s.wait()
	if s.failNow() {
		oaError(w, http.StatusInternalServerError, "simulated upstream failure", "server_error")
		return
	}

	var req struct {
		Model  string `json:"model"`
		Stream bool   `json:"stream"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		oaError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
		return
	}
	if req.Model == "" {
		req.Model = "gpt-4o"
	}

	id := fmt.Sprintf("chatcmpl-sim%x", rand.Int64())
	text := s.reply()
	usage := &oaUsage{
		PromptTokens:     10,
		CompletionTokens: s.cfg.StreamWords,
		TotalTokens:      10 + s.cfg.StreamWords,
	}

	if req.Stream {
		s.oaStream(w, id, req.Model, text)
		return
	}

	stop := "stop"
	respond(w, http.StatusOK, oaCompletion{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []oaChoice{{
			Message:      &oaMessage{Role: "assistant", Content: text},
			FinishReason: &stop,
		}},
		Usage: usage,
	})
}

// oaStream emits one delta chunk per word, a finish chunk, and the [DONE]
// sentinel.
func (s sim) oaStream(w http.ResponseWriter, id, model, text string) {
	send := sseWriter(w)
	created := time.Now().Unix()

	chunk := func(delta *oaMessage, finish *string) oaCompletion {
		return oaCompletion{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []oaChoice{{Delta: delta, FinishReason: finish}},
		}
	}

	for _, word := range strings.Fields(text) {
		send("", chunk(&oaMessage{Content: word + " "}, nil))
	}
	stop := "stop"
	send("", chunk(&oaMessage{}, &stop))

	w.Write([]byte("data: [DONE]\n\n")) //nolint:errcheck
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (s sim) oaEmbed(w http.ResponseWriter, r *http.Request) {
	s.wait()
	if s.failNow() {
		oaError(w, http.StatusInternalServerError, "simulated upstream failure", "server_error")
		return
	}

	var req struct {
		Model string          `json:"model"`
		Input json.RawMessage `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		oaError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
		return
	}
	if req.Model == "" {
		req.Model = "text-embedding-3-small"
	}

	// input is a string or a list of strings
	n := 1
	var list []string
	if err := json.Unmarshal(req.Input, &list); err == nil && len(list) > 0 {
		n = len(list)
	}

	data := make([]oaEmbedding, n)
	for i := range data {
		data[i] = oaEmbedding{Object: "embedding", Index: i, Embedding: s.vector(1536)}
	}
	respond(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   data,
		"model":  req.Model,
		"usage":  oaUsage{PromptTokens: n * 5, TotalTokens: n * 5},
	})
}

func (s sim) oaModels(w http.ResponseWriter, _ *http.Request) {
	data := make([]oaModel, len(oaCatalog))
	for i, id := range oaCatalog {
		data[i] = oaModel{ID: id, Object: "model", Created: 1710000000, OwnedBy: "openai"}
	}
	respond(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}
