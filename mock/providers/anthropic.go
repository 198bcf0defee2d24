package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// Anthropic wire shapes.
type (
	anthContent struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	anthUsage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	}
	anthMessage struct {
		ID         string        `json:"id"`
		Type       string        `json:"type"`
		Role       string        `json:"role"`
		Model      string        `json:"model"`
		Content    []anthContent `json:"content"`
		StopReason *string       `json:"stop_reason"`
		Usage      anthUsage     `json:"usage"`
	}
)

func anthError(w http.ResponseWriter, status int, msg, typ string) {
	respond(w, status, map[string]any{
		"type": "error",
		"error": map[string]string{
			"type":    typ,
			"message": msg,
		},
	})
}

// newAnthropicHandler serves a simulated Anthropic messages API.
func newAnthropicHandler(cfg Config) http.Handler {
	s := sim{cfg}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", s.anthMessages)
	mux.HandleFunc("GET /v1/models", s.anthModels)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		anthError(w, http.StatusNotFound, "unknown path "+r.URL.Path, "not_found_error")
	})
	return mux
}

func (s sim) anthMessages(w http.ResponseWriter, r *http.Request) {
	s.wait()
	if s.failNow() {
		anthError(w, http.StatusInternalServerError, "simulated overload", "overloaded_error")
		return
	}

	var req struct {
		Model  string `json:"model"`
		Stream bool   `json:"stream"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		anthError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
		return
	}
	if req.Model == "" {
		req.Model = "claude-3-5-sonnet-20241022"
	}

	id := fmt.Sprintf("msg_sim%x", rand.Int64())
	text := s.reply()
	usage := anthUsage{InputTokens: 15, OutputTokens: s.cfg.StreamWords}

	if req.Stream {
		s.anthStream(w, id, req.Model, text, usage)
		return
	}

	endTurn := "end_turn"
	respond(w, http.StatusOK, anthMessage{
		ID:         id,
		Type:       "message",
		Role:       "assistant",
		Model:      req.Model,
		Content:    []anthContent{{Type: "text", Text: text}},
		StopReason: &endTurn,
		Usage:      usage,
	})
}

// anthStream replays the documented event sequence: message_start, a content
// block with one text_delta per word, message_delta with the stop reason,
// then message_stop.
func (s sim) anthStream(w http.ResponseWriter, id, model, text string, usage anthUsage) {
	send := sseWriter(w)

	send("message_start", map[string]any{
		"type": "message_start",
		"message": anthMessage{
			ID:      id,
			Type:    "message",
			Role:    "assistant",
			Model:   model,
			Content: []anthContent{},
			Usage:   anthUsage{InputTokens: usage.InputTokens},
		},
	})
	send("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         0,
		"content_block": anthContent{Type: "text"},
	})
	send("ping", map[string]string{"type": "ping"})

	for _, word := range strings.Fields(text) {
		send("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]string{"type": "text_delta", "text": word + " "},
		})
	}

	send("content_block_stop", map[string]any{"type": "content_block_stop", "index": 0})
	send("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]string{"stop_reason": "end_turn"},
		"usage": map[string]int{"output_tokens": usage.OutputTokens},
	})
	send("message_stop", map[string]string{"type": "message_stop"})
}

func (s sim) anthModels(w http.ResponseWriter, _ *http.Request) {
	type entry struct {
		ID          string `json:"id"`
		DisplayName string `json:"display_name"`
		CreatedAt   int64  `json:"created_at"`
	}
	now := time.Now().Unix()
	data := []entry{
		{ID: "claude-3-5-sonnet-20241022", DisplayName: "Claude 3.5 Sonnet", CreatedAt: now},
		{ID: "claude-3-5-haiku-20241022", DisplayName: "Claude 3.5 Haiku", CreatedAt: now},
	}
	respond(w, http.StatusOK, map[string]any{
		"data":     data,
		"has_more": false,
		"first_id": data[0].ID,
		"last_id":  data[len(data)-1].ID,
	})
}
