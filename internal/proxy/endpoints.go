package proxy

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/jmanhype/runestone/internal/cost"
	"github.com/jmanhype/runestone/internal/providers"
	"github.com/jmanhype/runestone/pkg/apierr"
)

// completionsRequest is the legacy /v1/completions body. Prompt accepts a
// string or an array of strings.
type completionsRequest struct {
	Model       string          `json:"model"`
	Provider    string          `json:"provider,omitempty"`
	Prompt      json.RawMessage `json:"prompt"`
	Stream      bool            `json:"stream,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

type completionChoice struct {
	Text         string `json:"text"`
	Index        int    `json:"index"`
	FinishReason string `json:"finish_reason"`
}

type completionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
	Usage   UsageReport        `json:"usage"`
}

// dispatchCompletions adapts the legacy completions API onto the chat path:
// the prompt becomes a single user message and the answer comes back in the
// text_completion shape.
func (g *Gateway) dispatchCompletions(fctx *fasthttp.RequestCtx) {
	start := time.Now()

	var req completionsRequest
	if err := json.Unmarshal(fctx.PostBody(), &req); err != nil {
		apierr.Write(fctx, fasthttp.StatusBadRequest,
			"invalid JSON body", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	prompt, ok := decodePrompt(req.Prompt)
	if !ok || prompt == "" {
		apierr.Write(fctx, fasthttp.StatusBadRequest,
			"prompt must be a non-empty string or array of strings",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	requestID := requestIDFrom(fctx)
	identity := g.identity(fctx)
	provider, model := g.resolveAlias(req.Provider, req.Model)

	chatReq := chatRequest{
		Model:       model,
		Provider:    provider,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Stream:      req.Stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if blocked := g.checkRateLimit(fctx, identity, provider, model, &chatReq); blocked {
		return
	}

	decision := g.router.Route(RouteRequest{
		Provider:  provider,
		Model:     model,
		RequestID: requestID,
	})
	preq := &providers.ProxyRequest{
		Model:       decision.Model,
		Messages:    toProviderMessages(chatReq.Messages),
		Stream:      req.Stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		APIKey:      g.clientKeyFor(fctx),
		APIKeyName:  keyNameFrom(fctx),
		RequestID:   requestID,
	}

	if req.Stream {
		g.serveStream(fctx, decision, preq, identity, start)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.providerTimeout)
	defer cancel()

	resp, usedProvider, err := g.execute(ctx, decision, preq)
	if err != nil {
		g.writeDispatchError(fctx, err)
		g.observe(fctx, usedProvider, preq.Model, fctx.Response.StatusCode(), start, UsageReport{})
		return
	}

	acc := NewUsageAccumulator(usedProvider, preq.Model, preq.Messages)
	acc.AddDelta(resp.Content)
	acc.SetReported(resp.Usage)
	report := acc.Finalize(g.costs)

	writeJSON(fctx, completionResponse{
		ID:      "cmpl-" + uuid.NewString(),
		Object:  "text_completion",
		Created: time.Now().Unix(),
		Model:   preq.Model,
		Choices: []completionChoice{{Text: resp.Content, FinishReason: "stop"}},
		Usage:   report,
	})
	g.observe(fctx, usedProvider, preq.Model, fasthttp.StatusOK, start, report)
}

// embeddingsRequest accepts input as a string or an array of strings.
type embeddingsRequest struct {
	Model    string          `json:"model"`
	Provider string          `json:"provider,omitempty"`
	Input    json.RawMessage `json:"input"`
}

type embeddingsResponse struct {
	Object string                     `json:"object"`
	Data   []providers.EmbeddingData  `json:"data"`
	Model  string                     `json:"model"`
	Usage  map[string]int             `json:"usage"`
}

// dispatchEmbeddings handles POST /v1/embeddings. Routing is simpler than
// chat: the requested (or default) provider must implement embeddings, with
// the mock provider covering environments without one.
func (g *Gateway) dispatchEmbeddings(fctx *fasthttp.RequestCtx) {
	start := time.Now()

	var req embeddingsRequest
	if err := json.Unmarshal(fctx.PostBody(), &req); err != nil {
		apierr.Write(fctx, fasthttp.StatusBadRequest,
			"invalid JSON body", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	input, ok := decodeInput(req.Input)
	if !ok || len(input) == 0 {
		apierr.Write(fctx, fasthttp.StatusBadRequest,
			"input must be a non-empty string or array of strings",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	identity := g.identity(fctx)
	if g.limiter != nil {
		d, err := g.limiter.Check(context.Background(), identity, g.policyFor(fctx))
		if err == nil {
			setRateLimitHeaders(fctx, d)
			if !d.Allowed {
				fctx.Response.Header.Set("Retry-After", "60")
				apierr.Write(fctx, fasthttp.StatusTooManyRequests,
					d.Reason, apierr.TypeRateLimitError, apierr.CodeRateLimitExceeded)
				return
			}
		}
	}

	// Known embedding models route to their owning provider; the model name
	// itself goes upstream unchanged.
	model := req.Model
	targetProvider := req.Provider
	if targetProvider == "" {
		if owner, okA := providers.EmbeddingModelAliases[model]; okA {
			targetProvider = owner
		}
	}

	ereq := &providers.EmbeddingRequest{
		Input:     input,
		Model:     model,
		APIKey:    g.clientKeyFor(fctx),
		RequestID: requestIDFrom(fctx),
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.providerTimeout)
	defer cancel()

	name, ep := g.embeddingProvider(targetProvider)
	resp, err := ep.Embed(ctx, ereq)
	if err != nil {
		g.writeDispatchError(fctx, err)
		g.observe(fctx, name, model, fctx.Response.StatusCode(), start, UsageReport{})
		return
	}

	writeJSON(fctx, embeddingsResponse{
		Object: "list",
		Data:   resp.Data,
		Model:  resp.Model,
		Usage: map[string]int{
			"prompt_tokens": resp.Usage.InputTokens,
			"total_tokens":  resp.Usage.InputTokens,
		},
	})
	g.observe(fctx, name, model, fasthttp.StatusOK, start, UsageReport{
		PromptTokens: resp.Usage.InputTokens,
		TotalTokens:  resp.Usage.InputTokens,
	})
}

// embeddingProvider picks the embedding backend: the named provider when it
// implements embeddings, otherwise the first registered one, otherwise mock.
func (g *Gateway) embeddingProvider(requested string) (string, providers.EmbeddingProvider) {
	if requested != "" {
		if e, ok := g.registry.Get(requested); ok {
			if ep, okE := e.Provider.(providers.EmbeddingProvider); okE {
				return e.Name, ep
			}
		}
	}
	for _, e := range g.registry.Entries() {
		if ep, ok := e.Provider.(providers.EmbeddingProvider); ok {
			return e.Name, ep
		}
	}
	return "mock", g.mock
}

// modelObject is one /v1/models entry: the OpenAI list shape plus the
// capability and context-size fields the pricing table knows about.
type modelObject struct {
	ID           string   `json:"id"`
	Object       string   `json:"object"`
	Created      int64    `json:"created"`
	OwnedBy      string   `json:"owned_by"`
	Capabilities []string `json:"capabilities,omitempty"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
}

func toModelObject(c cost.ModelCost) modelObject {
	return modelObject{
		ID:           c.Model,
		Object:       "model",
		OwnedBy:      c.Provider,
		Capabilities: c.Capabilities,
		MaxTokens:    c.MaxTokens,
	}
}

// handleListModels serves GET /v1/models from the pricing table.
func (g *Gateway) handleListModels(fctx *fasthttp.RequestCtx) {
	entries := g.costs.Models()
	data := make([]modelObject, 0, len(entries))
	for _, c := range entries {
		data = append(data, toModelObject(c))
	}
	writeJSON(fctx, map[string]any{"object": "list", "data": data})
}

// handleGetModel serves GET /v1/models/{id}.
func (g *Gateway) handleGetModel(fctx *fasthttp.RequestCtx) {
	id, _ := fctx.UserValue("id").(string)
	for _, c := range g.costs.Models() {
		if c.Model == id {
			writeJSON(fctx, toModelObject(c))
			return
		}
	}
	apierr.Write(fctx, fasthttp.StatusNotFound,
		"model not found", apierr.TypeNotFoundError, apierr.CodeModelNotFound)
}

// handleListAliases serves GET /v1/aliases: the live alias snapshot.
func (g *Gateway) handleListAliases(fctx *fasthttp.RequestCtx) {
	if g.aliases == nil {
		writeJSON(fctx, map[string]string{})
		return
	}
	writeJSON(fctx, g.aliases.List())
}

func decodePrompt(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		out := ""
		for i, p := range list {
			if i > 0 {
				out += "\n"
			}
			out += p
		}
		return out, true
	}
	return "", false
}

func decodeInput(raw json.RawMessage) ([]string, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, true
		}
		return []string{s}, true
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, true
	}
	return nil, false
}
