// Package providers defines the common interfaces and types used by all LLM
// provider implementations (OpenAI, Anthropic, Gemini, and OpenAI-compatible
// vendors), plus the registry the router selects providers from.
//
// Each provider lives in its own sub-package and implements the Provider
// interface. Providers that support vector embeddings additionally implement
// EmbeddingProvider.
package providers

import (
	"context"
	"sort"
	"sync"
	"time"
)

type (
	// ToolCall is a streamed tool invocation fragment.
	ToolCall struct {
		ID   string
		Name string
		Args string
	}

	// StreamChunk is a single event delivered during a streaming response.
	// Exactly one of the variant fields is meaningful per chunk:
	//
	//	Content != ""      — text delta
	//	ToolCall != nil    — tool call fragment
	//	Raw != nil         — provider-native payload; the relay normalizes it
	//	Done               — terminal meta chunk (FinishReason/Usage may be set)
	//	Err != nil         — stream failed; no further chunks follow
	StreamChunk struct {
		Content      string
		ToolCall     *ToolCall
		FinishReason string
		Usage        *Usage
		Done         bool
		Err          error

		// Raw carries an untranslated provider event for backends that
		// stream wire-format payloads instead of decoded deltas. RawFormat
		// names the dialect: "openai", "anthropic", or "" for the generic
		// text shapes.
		Raw       []byte
		RawFormat string
	}

	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string
		Content string
	}

	// Usage — token usage stats.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// ProxyRequest — normalized client request.
	ProxyRequest struct {
		Model       string
		Messages    []Message
		Stream      bool
		Temperature float64
		MaxTokens   int
		APIKey      string
		APIKeyName  string
		RequestID   string
	}

	// ProxyResponse — normalized provider response.
	ProxyResponse struct {
		ID      string
		Model   string
		Content string
		Usage   Usage
		Stream  <-chan StreamChunk // nil if it's not a stream.
	}

	// EmbeddingRequest — normalized embedding request.
	EmbeddingRequest struct {
		// Input is the list of texts to embed. Always at least one element.
		Input []string
		// Model is the provider-native model name (e.g. "text-embedding-3-small").
		Model     string
		APIKey    string
		RequestID string
	}

	// EmbeddingData — a single embedding vector.
	EmbeddingData struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}

	// EmbeddingResponse — normalized embedding response.
	EmbeddingResponse struct {
		Model string
		Data  []EmbeddingData
		Usage Usage
	}
)

// Provider — LLM provider interface.
type Provider interface {
	Name() string
	Request(ctx context.Context, req *ProxyRequest) (*ProxyResponse, error)
	HealthCheck(ctx context.Context) error
}

// EmbeddingProvider is an optional interface implemented by providers that
// support the embeddings API. Check with a type assertion before calling.
type EmbeddingProvider interface {
	Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)
}

// Config carries the per-provider settings the registry stores next to the
// implementation.
type Config struct {
	APIKey          string
	BaseURL         string
	Timeout         time.Duration
	RetryAttempts   int
	CircuitBreaker  bool
	Telemetry       bool
	Priority        int
	DefaultModel    string
	SupportedModels []string
	CostPer1KInput  float64
	CostPer1KOutput float64
}

// Entry pairs a provider implementation with its configuration.
type Entry struct {
	Name     string
	Provider Provider
	Config   Config
}

// SupportsModel reports whether the entry declares support for model.
// An empty SupportedModels list means "accepts anything".
func (e *Entry) SupportsModel(model string) bool {
	if len(e.Config.SupportedModels) == 0 {
		return true
	}
	for _, m := range e.Config.SupportedModels {
		if m == model {
			return true
		}
	}
	return false
}

// Registry holds the registered providers. Registration happens at startup;
// reads afterwards are lock-free in practice but guarded anyway.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	def     string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register adds a provider under its name. The first registered provider
// becomes the default unless SetDefault overrides it.
func (r *Registry) Register(p Provider, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := p.Name()
	r.entries[name] = &Entry{Name: name, Provider: p, Config: cfg}
	if r.def == "" {
		r.def = name
	}
}

// SetDefault marks name as the default provider for requests that specify
// neither provider nor model.
func (r *Registry) SetDefault(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; ok {
		r.def = name
	}
}

// Get returns the entry for name.
func (r *Registry) Get(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// Default returns the default entry, or nil when nothing is registered.
func (r *Registry) Default() *Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[r.def]
}

// Len reports the number of registered providers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Entries returns all entries ordered by priority ascending, name as the
// tie-break. The slice is fresh; callers may reorder it.
func (r *Registry) Entries() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Config.Priority != out[j].Config.Priority {
			return out[i].Config.Priority < out[j].Config.Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// FirstSupporting returns the first provider (by priority) that declares
// support for model, preferring entries with an explicit model list over
// accept-anything entries.
func (r *Registry) FirstSupporting(model string) (*Entry, bool) {
	entries := r.Entries()
	for _, e := range entries {
		if len(e.Config.SupportedModels) > 0 && e.SupportsModel(model) {
			return e, true
		}
	}
	for _, e := range entries {
		if e.SupportsModel(model) {
			return e, true
		}
	}
	return nil, false
}

// ModelAliases maps well-known model names to provider names, used when a
// request names a model but no registered provider declares it.
var ModelAliases = map[string]string{
	// OpenAI
	"gpt-4":         "openai",
	"gpt-4o":        "openai",
	"gpt-4o-mini":   "openai",
	"gpt-4-turbo":   "openai",
	"gpt-3.5-turbo": "openai",
	"o1":            "openai",
	"o1-mini":       "openai",
	"o3-mini":       "openai",
	"gpt-4.1":       "openai",
	"gpt-4.1-mini":  "openai",

	// Anthropic
	"claude-3-5-sonnet":          "anthropic",
	"claude-3-5-sonnet-20241022": "anthropic",
	"claude-3-5-haiku":           "anthropic",
	"claude-3-5-haiku-20241022":  "anthropic",
	"claude-3-opus":              "anthropic",
	"claude-3-opus-20240229":     "anthropic",

	// Google AI Studio
	"gemini-1.5-pro":   "gemini",
	"gemini-1.5-flash": "gemini",
	"gemini-2.0-flash": "gemini",
	"gemini-2.5-pro":   "gemini",
	"gemini-2.5-flash": "gemini",

	// Groq
	"llama-3.3-70b-versatile": "groq",
	"llama-3.1-8b-instant":    "groq",
	"llama3-70b-8192":         "groq",
	"llama3-8b-8192":          "groq",

	// xAI
	"grok-3":      "xai",
	"grok-3-mini": "xai",
	"grok-2":      "xai",

	// DeepSeek
	"deepseek-chat":     "deepseek",
	"deepseek-reasoner": "deepseek",

	// Together AI
	"meta-llama/Llama-3.3-70B-Instruct-Turbo":      "together",
	"meta-llama/Meta-Llama-3.1-8B-Instruct-Turbo":  "together",
	"meta-llama/Meta-Llama-3.1-70B-Instruct-Turbo": "together",
}

// EmbeddingModelAliases maps embedding model names to provider names.
// Used by the proxy to route POST /v1/embeddings requests.
var EmbeddingModelAliases = map[string]string{
	"text-embedding-3-small": "openai",
	"text-embedding-3-large": "openai",
	"text-embedding-ada-002": "openai",
	"text-embedding-004":     "gemini",
	"embedding-001":          "gemini",
}

// DefaultFallbackOrder is the default provider failover sequence. When the
// primary provider fails, the gateway tries each provider in this order
// until one succeeds or the attempt budget is exhausted.
var DefaultFallbackOrder = []string{
	"openai",
	"anthropic",
	"gemini",
	"groq",
	"xai",
	"deepseek",
	"together",
}

// Default provider call constants.
const (
	MaxRetries      = 3
	ProviderTimeout = 30 * time.Second
)

// StatusCoder is implemented by provider errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}
