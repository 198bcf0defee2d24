package mock

import (
	"context"
	"strings"
	"testing"

	"github.com/jmanhype/runestone/internal/providers"
)

func TestRequest_NonStreaming(t *testing.T) {
	p := New()
	resp, err := p.Request(context.Background(), &providers.ProxyRequest{
		Model:    "gpt-4o",
		Messages: []providers.Message{{Role: "user", Content: "hi there"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(resp.Content, "hi there") {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Model != "gpt-4o" || resp.ID == "" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Usage.InputTokens <= 0 || resp.Usage.OutputTokens <= 0 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestRequest_StreamingEndsWithDone(t *testing.T) {
	p := New()
	resp, err := p.Request(context.Background(), &providers.ProxyRequest{
		Model:    "gpt-4o",
		Stream:   true,
		Messages: []providers.Message{{Role: "user", Content: "stream please"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	var text strings.Builder
	var final providers.StreamChunk
	for c := range resp.Stream {
		if c.Done {
			final = c
			continue
		}
		text.WriteString(c.Content)
	}

	if !final.Done || final.FinishReason != "stop" {
		t.Errorf("final chunk = %+v", final)
	}
	if final.Usage == nil {
		t.Error("final chunk should carry usage")
	}
	if !strings.Contains(text.String(), "stream please") {
		t.Errorf("streamed text = %q", text.String())
	}
}

func TestEmbed(t *testing.T) {
	p := New()
	resp, err := p.Embed(context.Background(), &providers.EmbeddingRequest{
		Model: "text-embedding-3-small",
		Input: []string{"hello"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Data) != 1 {
		t.Fatalf("data len = %d", len(resp.Data))
	}
	if len(resp.Data[0].Embedding) != EmbeddingDimensions {
		t.Errorf("dimensions = %d", len(resp.Data[0].Embedding))
	}
	// ceil(len("hello")/4) = 2
	if resp.Usage.InputTokens != 2 {
		t.Errorf("prompt tokens = %d, want 2", resp.Usage.InputTokens)
	}
}

func TestEmbed_Deterministic(t *testing.T) {
	p := New()
	a, _ := p.Embed(context.Background(), &providers.EmbeddingRequest{Input: []string{"same"}})
	b, _ := p.Embed(context.Background(), &providers.EmbeddingRequest{Input: []string{"same"}})
	for i := range a.Data[0].Embedding {
		if a.Data[0].Embedding[i] != b.Data[0].Embedding[i] {
			t.Fatal("identical inputs must embed identically")
		}
	}
}
