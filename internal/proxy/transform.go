package proxy

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jmanhype/runestone/internal/providers"
)

// UnifiedChunk is the OpenAI-compatible streaming frame every provider's
// output is translated into before it reaches the client.
type UnifiedChunk struct {
	ID      string          `json:"id"`
	Object  string          `json:"object"`
	Created int64           `json:"created"`
	Model   string          `json:"model"`
	Choices []UnifiedChoice `json:"choices"`
	Usage   *UsageReport    `json:"usage,omitempty"`
}

// UnifiedChoice is one choice entry in a UnifiedChunk.
type UnifiedChoice struct {
	Index        int         `json:"index"`
	Delta        Delta       `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

// Delta carries the incremental content of a choice.
type Delta struct {
	Role      string          `json:"role,omitempty"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []DeltaToolCall `json:"tool_calls,omitempty"`
}

// DeltaToolCall is a streamed tool-call fragment in OpenAI shape.
type DeltaToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

const chunkObject = "chat.completion.chunk"

// ChunkMeta carries the per-stream constants stamped onto every frame.
type ChunkMeta struct {
	ID      string
	Model   string
	Created int64
}

// NewChunkMeta allocates the stream identity used for all frames of one
// response.
func NewChunkMeta(model string) ChunkMeta {
	return ChunkMeta{
		ID:      "chatcmpl-" + uuid.New().String(),
		Model:   model,
		Created: time.Now().Unix(),
	}
}

// MapFinishReason translates a provider-native finish reason into the
// unified vocabulary. OpenAI reasons pass through; everything unrecognized
// collapses to "stop". An empty source means the stream is still going and
// stays empty.
func MapFinishReason(source string) string {
	switch source {
	case "":
		return ""
	// OpenAI — identity.
	case "stop", "length", "tool_calls", "function_call", "content_filter":
		return source
	// Anthropic.
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	// Cohere.
	case "COMPLETE", "ERROR":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	// Google.
	case "STOP":
		return "stop"
	case "SAFETY", "RECITATION":
		return "content_filter"
	default:
		return "stop"
	}
}

// FromStreamChunk converts a provider-normalized chunk into a unified frame.
func FromStreamChunk(c providers.StreamChunk, meta ChunkMeta) UnifiedChunk {
	choice := UnifiedChoice{Index: 0}
	if c.Content != "" {
		choice.Delta.Content = c.Content
	}
	if c.ToolCall != nil {
		tc := DeltaToolCall{ID: c.ToolCall.ID, Type: "function"}
		tc.Function.Name = c.ToolCall.Name
		tc.Function.Arguments = c.ToolCall.Args
		choice.Delta.ToolCalls = []DeltaToolCall{tc}
	}
	if reason := MapFinishReason(c.FinishReason); reason != "" {
		choice.FinishReason = &reason
	}
	return UnifiedChunk{
		ID:      meta.ID,
		Object:  chunkObject,
		Created: meta.Created,
		Model:   meta.Model,
		Choices: []UnifiedChoice{choice},
	}
}

// RoleChunk is the opening frame announcing the assistant role.
func RoleChunk(meta ChunkMeta) UnifiedChunk {
	return UnifiedChunk{
		ID:      meta.ID,
		Object:  chunkObject,
		Created: meta.Created,
		Model:   meta.Model,
		Choices: []UnifiedChoice{{Index: 0, Delta: Delta{Role: "assistant", Content: ""}}},
	}
}

// FinalChunk is the closing frame with the mapped finish reason and, when
// available, accumulated usage.
func FinalChunk(meta ChunkMeta, finishReason string, usage *UsageReport) UnifiedChunk {
	reason := MapFinishReason(finishReason)
	if reason == "" {
		reason = "stop"
	}
	return UnifiedChunk{
		ID:      meta.ID,
		Object:  chunkObject,
		Created: meta.Created,
		Model:   meta.Model,
		Choices: []UnifiedChoice{{Index: 0, Delta: Delta{}, FinishReason: &reason}},
		Usage:   usage,
	}
}

// RepairOpenAIChunk parses a raw OpenAI-shaped chunk and fills any missing
// required fields (id, object, created, model, choices) with defaults from
// meta. Delta content passes through unchanged. Malformed JSON is an error.
func RepairOpenAIChunk(raw []byte, meta ChunkMeta) (UnifiedChunk, error) {
	var chunk UnifiedChunk
	if err := json.Unmarshal(raw, &chunk); err != nil {
		return UnifiedChunk{}, fmt.Errorf("transform: bad chunk: %w", err)
	}
	if chunk.ID == "" {
		chunk.ID = meta.ID
	}
	if chunk.Object == "" {
		chunk.Object = chunkObject
	}
	if chunk.Created == 0 {
		chunk.Created = meta.Created
	}
	if chunk.Model == "" {
		chunk.Model = meta.Model
	}
	if chunk.Choices == nil {
		chunk.Choices = []UnifiedChoice{{Index: 0}}
	}
	for i := range chunk.Choices {
		if chunk.Choices[i].FinishReason != nil {
			mapped := MapFinishReason(*chunk.Choices[i].FinishReason)
			chunk.Choices[i].FinishReason = &mapped
		}
	}
	return chunk, nil
}

// anthropicEvent is the subset of Anthropic SSE event payloads the
// transformer consumes.
type anthropicEvent struct {
	Type       string `json:"type"`
	StopReason string `json:"stop_reason"`
	Delta      struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Message struct {
		StopReason string `json:"stop_reason"`
	} `json:"message"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// TransformAnthropicEvent maps one Anthropic-shaped SSE event to unified
// frames. Events the relay has no use for (ping, content_block_start)
// produce an empty slice. An error event returns the envelope as err; the
// relay emits it and terminates the stream.
func TransformAnthropicEvent(raw []byte, meta ChunkMeta) ([]UnifiedChunk, error) {
	var ev anthropicEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("transform: bad anthropic event: %w", err)
	}

	switch ev.Type {
	case "message_start":
		return []UnifiedChunk{RoleChunk(meta)}, nil

	case "content_block_delta":
		if ev.Delta.Text == "" {
			return nil, nil
		}
		return []UnifiedChunk{FromStreamChunk(providers.StreamChunk{Content: ev.Delta.Text}, meta)}, nil

	case "message_delta":
		// Carries the stop_reason ahead of message_stop; remember it via
		// the returned chunk only when a reason is present.
		if ev.Delta.StopReason == "" {
			return nil, nil
		}
		return []UnifiedChunk{FinalChunk(meta, ev.Delta.StopReason, nil)}, nil

	case "message_stop":
		reason := ev.StopReason
		if reason == "" {
			reason = ev.Message.StopReason
		}
		if reason == "" {
			reason = "end_turn"
		}
		return []UnifiedChunk{FinalChunk(meta, reason, nil)}, nil

	case "error":
		return nil, fmt.Errorf("transform: provider error %s: %s", ev.Error.Type, ev.Error.Message)

	default:
		// ping, content_block_start, content_block_stop — nothing to emit.
		return nil, nil
	}
}

// ExtractText pulls a text delta out of the documented generic shapes:
// {choices[].delta.content} | {content[].text} | {text} | {content}.
// Returns ok=false when none match.
func ExtractText(raw []byte) (string, bool) {
	var shape struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
		Content json.RawMessage `json:"content"`
		Text    string          `json:"text"`
	}
	if err := json.Unmarshal(raw, &shape); err != nil {
		return "", false
	}

	if len(shape.Choices) > 0 && shape.Choices[0].Delta.Content != "" {
		return shape.Choices[0].Delta.Content, true
	}

	if len(shape.Content) > 0 {
		// content may be a block list [{text}] or a plain string.
		var blocks []struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(shape.Content, &blocks); err == nil && len(blocks) > 0 && blocks[0].Text != "" {
			return blocks[0].Text, true
		}
		var s string
		if err := json.Unmarshal(shape.Content, &s); err == nil && s != "" {
			return s, true
		}
	}

	if shape.Text != "" {
		return shape.Text, true
	}
	return "", false
}

// Raw payload dialects a provider may declare on StreamChunk.RawFormat.
const (
	RawFormatOpenAI    = "openai"
	RawFormatAnthropic = "anthropic"
)

// NormalizeRaw translates one provider-native payload into unified frames.
// OpenAI-shaped chunks are repaired, Anthropic events mapped, and anything
// else goes through the generic text extraction. An unrecognized generic
// payload is a transform error: silently dropping it would desync usage
// accounting from what the client saw.
func NormalizeRaw(format string, raw []byte, meta ChunkMeta) ([]UnifiedChunk, error) {
	switch format {
	case RawFormatOpenAI:
		chunk, err := RepairOpenAIChunk(raw, meta)
		if err != nil {
			return nil, err
		}
		return []UnifiedChunk{chunk}, nil
	case RawFormatAnthropic:
		return TransformAnthropicEvent(raw, meta)
	default:
		text, ok := ExtractText(raw)
		if !ok {
			return nil, fmt.Errorf("transform: no text in %q payload", format)
		}
		return []UnifiedChunk{FromStreamChunk(providers.StreamChunk{Content: text}, meta)}, nil
	}
}

// familyRatio returns the chars-per-token approximation for a model family.
func familyRatio(model string) float64 {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "gpt-4"):
		return 3.5
	case strings.HasPrefix(m, "gpt-3.5"):
		return 4.0
	case strings.Contains(m, "claude"):
		return 3.8
	default:
		return 4.0
	}
}
