// Package mock implements an in-process provider used when no upstream API
// key is configured. Responses are deterministic, making the gateway usable
// for integration tests and local development without credentials.
package mock

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/jmanhype/runestone/internal/providers"
)

const providerName = "mock"

// EmbeddingDimensions is the vector size of mock embeddings, matching
// text-embedding-3-small.
const EmbeddingDimensions = 1536

type Provider struct{}

func New() *Provider { return &Provider{} }

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(context.Context) error { return nil }

func (p *Provider) Request(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	content := p.reply(req)
	usage := providers.Usage{
		InputTokens:  estimateTokens(promptText(req.Messages)),
		OutputTokens: estimateTokens(content),
	}

	if !req.Stream {
		return &providers.ProxyResponse{
			ID:      "mock-" + uuid.New().String(),
			Model:   req.Model,
			Content: content,
			Usage:   usage,
		}, nil
	}

	ch := make(chan providers.StreamChunk, 8)
	go func() {
		defer close(ch)
		for _, word := range splitChunks(content) {
			select {
			case <-ctx.Done():
				return
			case ch <- providers.StreamChunk{Content: word}:
			}
		}
		u := usage
		ch <- providers.StreamChunk{Done: true, FinishReason: "stop", Usage: &u}
	}()
	return &providers.ProxyResponse{Stream: ch}, nil
}

// Embed implements providers.EmbeddingProvider with deterministic vectors.
// usage.prompt_tokens is ceil(len(input)/4), the documented mock-mode contract.
func (p *Provider) Embed(_ context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	data := make([]providers.EmbeddingData, len(req.Input))
	tokens := 0
	for i, text := range req.Input {
		data[i] = providers.EmbeddingData{
			Index:     i,
			Embedding: vectorFor(text),
		}
		tokens += estimateTokens(text)
	}
	return &providers.EmbeddingResponse{
		Model: req.Model,
		Data:  data,
		Usage: providers.Usage{InputTokens: tokens},
	}, nil
}

func (p *Provider) reply(req *providers.ProxyRequest) string {
	last := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			last = req.Messages[i].Content
			break
		}
	}
	if last == "" {
		return "Mock response from the gateway."
	}
	return fmt.Sprintf("Mock response to: %s", last)
}

// vectorFor produces a unit-ish vector derived from the text so identical
// inputs embed identically.
func vectorFor(text string) []float32 {
	v := make([]float32, EmbeddingDimensions)
	seed := uint64(1469598103934665603)
	for _, b := range []byte(text) {
		seed = (seed ^ uint64(b)) * 1099511628211
	}
	for i := range v {
		seed = seed*6364136223846793005 + 1442695040888963407
		v[i] = float32(seed%2000)/1000 - 1
	}
	return v
}

func estimateTokens(text string) int {
	return int(math.Ceil(float64(len(text)) / 4))
}

func promptText(msgs []providers.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(m.Content)
	}
	return b.String()
}

func splitChunks(content string) []string {
	words := strings.SplitAfter(content, " ")
	out := make([]string, 0, len(words))
	for _, w := range words {
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}
