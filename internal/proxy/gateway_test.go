package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/jmanhype/runestone/internal/alias"
	"github.com/jmanhype/runestone/internal/auth"
	"github.com/jmanhype/runestone/internal/providers"
	"github.com/jmanhype/runestone/internal/queue"
	"github.com/jmanhype/runestone/internal/ratelimit"
)

// --- helpers ----------------------------------------------------------------

func okRegistry() *providers.Registry {
	reg := providers.NewRegistry()
	reg.Register(okProvider("openai"), providers.Config{
		Priority: 1, DefaultModel: "gpt-4o",
		SupportedModels: []string{"gpt-4o", "gpt-4o-mini"},
	})
	return reg
}

// serveGateway starts a fasthttp server on an in-memory listener with the
// gateway's full middleware pipeline. Returns an HTTP client that routes to
// it, and a cleanup function.
func serveGateway(t *testing.T, gw *Gateway) (*http.Client, func()) {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	go func() {
		_ = fasthttp.Serve(ln, gw.Handler(nil))
	}()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
	return client, func() { ln.Close() }
}

func doPost(t *testing.T, client *http.Client, path string, body []byte, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest("POST", "http://test"+path, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func doGet(t *testing.T, client *http.Client, path string) *http.Response {
	t.Helper()
	resp, err := client.Get("http://test" + path)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func chatBody(model string) []byte {
	return []byte(`{"model":"` + model + `","messages":[{"role":"user","content":"hello"}]}`)
}

// --- dispatchChat -----------------------------------------------------------

func TestDispatchChat_InvalidJSON(t *testing.T) {
	gw := NewGateway(GatewayOptions{Registry: okRegistry()})
	client, done := serveGateway(t, gw)
	defer done()

	resp := doPost(t, client, "/v1/chat/completions", []byte(`{not json`), nil)
	if resp.StatusCode != 400 {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	body := readBody(t, resp)
	if !strings.Contains(string(body), "invalid_request") {
		t.Errorf("body = %s", body)
	}
}

func TestDispatchChat_EmptyMessages(t *testing.T) {
	gw := NewGateway(GatewayOptions{Registry: okRegistry()})
	client, done := serveGateway(t, gw)
	defer done()

	resp := doPost(t, client, "/v1/chat/completions",
		[]byte(`{"model":"gpt-4o","messages":[]}`), nil)
	if resp.StatusCode != 400 {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	readBody(t, resp)
}

func TestDispatchChat_Success(t *testing.T) {
	gw := NewGateway(GatewayOptions{Registry: okRegistry()})
	client, done := serveGateway(t, gw)
	defer done()

	resp := doPost(t, client, "/v1/chat/completions", chatBody("gpt-4o"), nil)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var out chatResponse
	if err := json.Unmarshal(readBody(t, resp), &out); err != nil {
		t.Fatal(err)
	}
	if out.Object != "chat.completion" {
		t.Errorf("object = %s", out.Object)
	}
	if out.Provider != "openai" {
		t.Errorf("provider = %s", out.Provider)
	}
	if len(out.Choices) != 1 || out.Choices[0].Message.Content != "hello from openai" {
		t.Errorf("choices = %+v", out.Choices)
	}
	// Provider-reported usage wins over estimates.
	if out.Usage.PromptTokens != 10 || out.Usage.CompletionTokens != 5 || out.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", out.Usage)
	}
}

func TestDispatchChat_MockModeWhenNoProviders(t *testing.T) {
	gw := NewGateway(GatewayOptions{Registry: providers.NewRegistry()})
	client, done := serveGateway(t, gw)
	defer done()

	resp := doPost(t, client, "/v1/chat/completions", chatBody("gpt-4o"), nil)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out chatResponse
	json.Unmarshal(readBody(t, resp), &out) //nolint:errcheck
	if out.Provider != "mock" {
		t.Errorf("provider = %s, want mock", out.Provider)
	}
	if out.Choices[0].Message.Content == "" {
		t.Error("mock content must not be empty")
	}
}

func TestDispatchChat_AliasResolution(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aliases.yaml")
	os.WriteFile(path, []byte("aliases:\n  fast: \"openai:gpt-4o-mini\"\n"), 0o644) //nolint:errcheck

	store := alias.NewStore(path, nil)
	if err := store.Reload(); err != nil {
		t.Fatal(err)
	}

	var gotModel string
	prov := &funcProvider{
		name: "openai",
		requestFn: func(_ context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			gotModel = req.Model
			return &providers.ProxyResponse{Content: "ok", Model: req.Model}, nil
		},
	}
	reg := providers.NewRegistry()
	reg.Register(prov, providers.Config{
		Priority: 1, DefaultModel: "gpt-4o",
		SupportedModels: []string{"gpt-4o", "gpt-4o-mini"},
	})

	gw := NewGateway(GatewayOptions{Registry: reg, Aliases: store})
	client, done := serveGateway(t, gw)
	defer done()

	resp := doPost(t, client, "/v1/chat/completions", chatBody("fast"), nil)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	readBody(t, resp)
	if gotModel != "gpt-4o-mini" {
		t.Errorf("provider saw model %q, want gpt-4o-mini", gotModel)
	}
}

func TestDispatchChat_FailoverToSecondary(t *testing.T) {
	bad := &funcProvider{
		name: "openai",
		requestFn: func(_ context.Context, _ *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			return nil, statusErr(429)
		},
	}
	good := okProvider("anthropic")

	reg := providers.NewRegistry()
	reg.Register(bad, providers.Config{Priority: 1, DefaultModel: "gpt-4o"})
	reg.Register(good, providers.Config{Priority: 2, DefaultModel: "claude-3-5-sonnet-20241022"})

	gw := NewGateway(GatewayOptions{Registry: reg})
	client, done := serveGateway(t, gw)
	defer done()

	resp := doPost(t, client, "/v1/chat/completions", chatBody("gpt-4o"), nil)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out chatResponse
	json.Unmarshal(readBody(t, resp), &out) //nolint:errcheck
	if out.Provider != "anthropic" {
		t.Errorf("provider = %s, want anthropic", out.Provider)
	}
}

func TestDispatchChat_ClientErrorSurfaces(t *testing.T) {
	bad := &funcProvider{
		name: "openai",
		requestFn: func(_ context.Context, _ *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			return nil, statusErr(400)
		},
	}
	reg := providers.NewRegistry()
	reg.Register(bad, providers.Config{Priority: 1, DefaultModel: "gpt-4o"})
	reg.Register(okProvider("anthropic"), providers.Config{Priority: 2, DefaultModel: "claude-3-5-sonnet-20241022"})

	gw := NewGateway(GatewayOptions{Registry: reg})
	client, done := serveGateway(t, gw)
	defer done()

	resp := doPost(t, client, "/v1/chat/completions", chatBody("gpt-4o"), nil)
	if resp.StatusCode != 400 {
		t.Errorf("status = %d, want 400 (no failover on client errors)", resp.StatusCode)
	}
	readBody(t, resp)
}

// --- rate limiting ----------------------------------------------------------

func TestDispatchChat_RateLimited(t *testing.T) {
	gw := NewGateway(GatewayOptions{
		Registry:  okRegistry(),
		Limiter:   ratelimit.NewLocal(),
		RateLimit: ratelimit.Policy{RPM: 1},
	})
	client, done := serveGateway(t, gw)
	defer done()

	first := doPost(t, client, "/v1/chat/completions", chatBody("gpt-4o"), nil)
	readBody(t, first)
	if first.StatusCode != 200 {
		t.Fatalf("first status = %d", first.StatusCode)
	}
	if first.Header.Get("X-RateLimit-Limit-Minute") != "1" {
		t.Errorf("limit header = %q", first.Header.Get("X-RateLimit-Limit-Minute"))
	}

	second := doPost(t, client, "/v1/chat/completions", chatBody("gpt-4o"), nil)
	body := readBody(t, second)
	if second.StatusCode != 429 {
		t.Fatalf("second status = %d, want 429", second.StatusCode)
	}
	if second.Header.Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
	if !strings.Contains(string(body), ratelimit.ReasonMinuteLimit) {
		t.Errorf("body = %s", body)
	}
}

func TestDispatchChat_RateLimitOverflowEnqueue(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	q := queue.New(rdb, queue.Opts{})

	gw := NewGateway(GatewayOptions{
		Registry:  okRegistry(),
		Limiter:   ratelimit.NewLocal(),
		RateLimit: ratelimit.Policy{RPM: 1},
		Overflow:  q,
	})
	client, done := serveGateway(t, gw)
	defer done()

	readBody(t, doPost(t, client, "/v1/chat/completions", chatBody("gpt-4o"), nil))
	resp := doPost(t, client, "/v1/chat/completions", chatBody("gpt-4o"), nil)
	readBody(t, resp)

	if resp.StatusCode != 429 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Overflow-Job") == "" {
		t.Error("X-Overflow-Job header missing")
	}
	if n, _ := q.Len(context.Background()); n != 1 {
		t.Errorf("queue len = %d, want 1", n)
	}
}

// --- auth -------------------------------------------------------------------

func TestGateway_AuthRequired(t *testing.T) {
	keys, _ := auth.NewStore([]string{"sk-test-key-0001:alpha:120"})
	gw := NewGateway(GatewayOptions{Registry: okRegistry(), Keys: keys})
	client, done := serveGateway(t, gw)
	defer done()

	resp := doPost(t, client, "/v1/chat/completions", chatBody("gpt-4o"), nil)
	readBody(t, resp)
	if resp.StatusCode != 401 {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}

	ok := doPost(t, client, "/v1/chat/completions", chatBody("gpt-4o"),
		map[string]string{"Authorization": "Bearer sk-test-key-0001"})
	readBody(t, ok)
	if ok.StatusCode != 200 {
		t.Errorf("status with key = %d, want 200", ok.StatusCode)
	}

	// Probes bypass auth.
	health := doGet(t, client, "/health")
	readBody(t, health)
	if health.StatusCode != 200 {
		t.Errorf("health status = %d", health.StatusCode)
	}
}

// Gateway keys are tenant credentials; by default they must never reach the
// upstream provider as its API-key override.
func TestDispatchChat_ClientKeyStaysInsideGateway(t *testing.T) {
	const key = "sk-tenant-key-0001"
	gotKey := "unset"
	prov := &funcProvider{
		name: "openai",
		requestFn: func(_ context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			gotKey = req.APIKey
			return &providers.ProxyResponse{Content: "ok", Model: req.Model}, nil
		},
	}
	reg := providers.NewRegistry()
	reg.Register(prov, providers.Config{Priority: 1, DefaultModel: "gpt-4o"})

	keys, _ := auth.NewStore([]string{key + ":alpha"})
	gw := NewGateway(GatewayOptions{Registry: reg, Keys: keys})
	client, done := serveGateway(t, gw)
	defer done()

	resp := doPost(t, client, "/v1/chat/completions", chatBody("gpt-4o"),
		map[string]string{"Authorization": "Bearer " + key})
	readBody(t, resp)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if gotKey != "" {
		t.Errorf("gateway key %q reached the provider as the upstream key override", gotKey)
	}
}

func TestDispatchChat_ClientKeyPassthroughOptIn(t *testing.T) {
	const key = "sk-tenant-key-0002"
	var gotKey string
	prov := &funcProvider{
		name: "openai",
		requestFn: func(_ context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			gotKey = req.APIKey
			return &providers.ProxyResponse{Content: "ok", Model: req.Model}, nil
		},
	}
	reg := providers.NewRegistry()
	reg.Register(prov, providers.Config{Priority: 1, DefaultModel: "gpt-4o"})

	keys, _ := auth.NewStore([]string{key + ":beta"})
	gw := NewGateway(GatewayOptions{Registry: reg, Keys: keys, AllowClientAPIKeys: true})
	client, done := serveGateway(t, gw)
	defer done()

	resp := doPost(t, client, "/v1/chat/completions", chatBody("gpt-4o"),
		map[string]string{"Authorization": "Bearer " + key})
	readBody(t, resp)
	if gotKey != key {
		t.Errorf("passthrough enabled but provider saw %q", gotKey)
	}
}

// --- streaming --------------------------------------------------------------

func TestDispatchChat_StreamingResponse(t *testing.T) {
	stream := make(chan providers.StreamChunk, 4)
	stream <- providers.StreamChunk{Content: "Hel"}
	stream <- providers.StreamChunk{Content: "lo"}
	stream <- providers.StreamChunk{Done: true, FinishReason: "end_turn",
		Usage: &providers.Usage{InputTokens: 4, OutputTokens: 2}}
	close(stream)

	prov := &funcProvider{
		name: "openai",
		requestFn: func(_ context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			return &providers.ProxyResponse{Model: req.Model, Stream: stream}, nil
		},
	}
	reg := providers.NewRegistry()
	reg.Register(prov, providers.Config{Priority: 1, DefaultModel: "gpt-4o"})

	gw := NewGateway(GatewayOptions{Registry: reg})
	client, done := serveGateway(t, gw)
	defer done()

	resp := doPost(t, client, "/v1/chat/completions",
		[]byte(`{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`), nil)
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("content-type = %s", ct)
	}

	var frames []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			frames = append(frames, strings.TrimPrefix(line, "data: "))
		}
	}

	if len(frames) < 3 {
		t.Fatalf("frames = %v", frames)
	}
	if frames[len(frames)-1] != "[DONE]" {
		t.Errorf("last frame = %s", frames[len(frames)-1])
	}

	var first UnifiedChunk
	if err := json.Unmarshal([]byte(frames[0]), &first); err != nil {
		t.Fatal(err)
	}
	if first.Object != chunkObject || first.Choices[0].Delta.Content != "Hel" {
		t.Errorf("first chunk = %+v", first)
	}

	var final UnifiedChunk
	if err := json.Unmarshal([]byte(frames[len(frames)-2]), &final); err != nil {
		t.Fatal(err)
	}
	if fr := final.Choices[0].FinishReason; fr == nil || *fr != "stop" {
		t.Errorf("finish_reason = %v, want stop (mapped from end_turn)", fr)
	}
	if final.Usage == nil || final.Usage.PromptTokens != 4 || final.Usage.CompletionTokens != 2 {
		t.Errorf("usage = %+v", final.Usage)
	}
}

// A backend that streams wire-format payloads gets them normalized by the
// relay: Anthropic events come out as unified frames with mapped reasons.
func TestDispatchChat_StreamingNormalizesRawEvents(t *testing.T) {
	stream := make(chan providers.StreamChunk, 8)
	stream <- providers.StreamChunk{RawFormat: RawFormatAnthropic,
		Raw: []byte(`{"type":"message_start","message":{}}`)}
	stream <- providers.StreamChunk{RawFormat: RawFormatAnthropic,
		Raw: []byte(`{"type":"ping"}`)}
	stream <- providers.StreamChunk{RawFormat: RawFormatAnthropic,
		Raw: []byte(`{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hello"}}`)}
	stream <- providers.StreamChunk{RawFormat: RawFormatAnthropic,
		Raw: []byte(`{"type":"message_stop","stop_reason":"end_turn"}`)}
	close(stream)

	prov := &funcProvider{
		name: "anthropic",
		requestFn: func(_ context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			return &providers.ProxyResponse{Model: req.Model, Stream: stream}, nil
		},
	}
	reg := providers.NewRegistry()
	reg.Register(prov, providers.Config{Priority: 1, DefaultModel: "claude-3-5-sonnet-20241022"})

	gw := NewGateway(GatewayOptions{Registry: reg})
	client, done := serveGateway(t, gw)
	defer done()

	resp := doPost(t, client, "/v1/chat/completions",
		[]byte(`{"model":"claude-3-5-sonnet-20241022","stream":true,"messages":[{"role":"user","content":"hi"}]}`), nil)
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var frames []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			frames = append(frames, strings.TrimPrefix(line, "data: "))
		}
	}
	// role frame, text delta, final frame, [DONE]; the ping emits nothing.
	if len(frames) != 4 || frames[len(frames)-1] != "[DONE]" {
		t.Fatalf("frames = %v", frames)
	}

	var role, delta, final UnifiedChunk
	for i, dst := range []*UnifiedChunk{&role, &delta, &final} {
		if err := json.Unmarshal([]byte(frames[i]), dst); err != nil {
			t.Fatal(err)
		}
	}
	if role.Choices[0].Delta.Role != "assistant" {
		t.Errorf("opening frame = %+v", role)
	}
	if delta.Choices[0].Delta.Content != "Hello" {
		t.Errorf("delta frame = %+v", delta)
	}
	if fr := final.Choices[0].FinishReason; fr == nil || *fr != "stop" {
		t.Errorf("finish_reason = %v, want stop", fr)
	}
	if final.Usage == nil || final.Usage.CompletionTokens == 0 {
		t.Errorf("final usage = %+v, want estimated completion tokens", final.Usage)
	}
}

func TestDispatchChat_StreamReleasesSlot(t *testing.T) {
	stream := make(chan providers.StreamChunk, 1)
	stream <- providers.StreamChunk{Done: true, FinishReason: "stop"}
	close(stream)

	prov := &funcProvider{
		name: "openai",
		requestFn: func(_ context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			return &providers.ProxyResponse{Model: req.Model, Stream: stream}, nil
		},
	}
	reg := providers.NewRegistry()
	reg.Register(prov, providers.Config{Priority: 1, DefaultModel: "gpt-4o"})

	const key = "sk-stream-key-01"
	keys, _ := auth.NewStore([]string{key + ":stream"})
	limiter := ratelimit.NewLocal()
	gw := NewGateway(GatewayOptions{Registry: reg, Limiter: limiter, Keys: keys})
	client, done := serveGateway(t, gw)
	defer done()

	resp := doPost(t, client, "/v1/chat/completions",
		[]byte(`{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`),
		map[string]string{"Authorization": "Bearer " + key})
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	resp.Body.Close()

	// The slot must be free once the stream fully drains.
	deadline := time.Now().Add(2 * time.Second)
	for {
		st, _ := limiter.Status(context.Background(), key, ratelimit.PolicyFromRPM(60))
		if st.Concurrent.Used == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("concurrent slot not released: %+v", st.Concurrent)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// A client that walks away mid-stream must take the upstream stream down
// with it: the relay cancels the per-stream context and the producer exits
// instead of running to upstream completion against a dead connection.
func TestDispatchChat_DisconnectCancelsUpstream(t *testing.T) {
	producerDone := make(chan struct{})
	prov := &funcProvider{
		name: "openai",
		requestFn: func(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			ch := make(chan providers.StreamChunk)
			go func() {
				defer close(producerDone)
				defer close(ch)
				for {
					select {
					case ch <- providers.StreamChunk{Content: "tok "}:
					case <-ctx.Done():
						return
					}
				}
			}()
			return &providers.ProxyResponse{Model: req.Model, Stream: ch}, nil
		},
	}
	reg := providers.NewRegistry()
	reg.Register(prov, providers.Config{Priority: 1, DefaultModel: "gpt-4o"})

	gw := NewGateway(GatewayOptions{Registry: reg})
	client, done := serveGateway(t, gw)
	defer done()

	resp := doPost(t, client, "/v1/chat/completions",
		[]byte(`{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`), nil)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	// Read a little to prove the stream is live, then hang up.
	buf := make([]byte, 64)
	if _, err := io.ReadFull(resp.Body, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	resp.Body.Close()

	select {
	case <-producerDone:
	case <-time.After(3 * time.Second):
		t.Fatal("upstream stream still running 3s after client disconnect")
	}
}

// --- legacy completions -----------------------------------------------------

func TestDispatchCompletions_PromptConversion(t *testing.T) {
	var gotMessages []providers.Message
	prov := &funcProvider{
		name: "openai",
		requestFn: func(_ context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			gotMessages = req.Messages
			return &providers.ProxyResponse{Content: "answer", Model: req.Model}, nil
		},
	}
	reg := providers.NewRegistry()
	reg.Register(prov, providers.Config{Priority: 1, DefaultModel: "gpt-4o"})

	gw := NewGateway(GatewayOptions{Registry: reg})
	client, done := serveGateway(t, gw)
	defer done()

	resp := doPost(t, client, "/v1/completions",
		[]byte(`{"model":"gpt-4o","prompt":"say hi"}`), nil)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var out completionResponse
	json.Unmarshal(readBody(t, resp), &out) //nolint:errcheck
	if out.Object != "text_completion" {
		t.Errorf("object = %s", out.Object)
	}
	if len(out.Choices) != 1 || out.Choices[0].Text != "answer" {
		t.Errorf("choices = %+v", out.Choices)
	}
	if len(gotMessages) != 1 || gotMessages[0].Role != "user" || gotMessages[0].Content != "say hi" {
		t.Errorf("messages = %+v", gotMessages)
	}
}

func TestDispatchCompletions_ArrayPrompt(t *testing.T) {
	gw := NewGateway(GatewayOptions{Registry: okRegistry()})
	client, done := serveGateway(t, gw)
	defer done()

	resp := doPost(t, client, "/v1/completions",
		[]byte(`{"model":"gpt-4o","prompt":["a","b"]}`), nil)
	readBody(t, resp)
	if resp.StatusCode != 200 {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

// --- embeddings -------------------------------------------------------------

func TestDispatchEmbeddings_MockFallback(t *testing.T) {
	gw := NewGateway(GatewayOptions{Registry: providers.NewRegistry()})
	client, done := serveGateway(t, gw)
	defer done()

	resp := doPost(t, client, "/v1/embeddings",
		[]byte(`{"model":"text-embedding-3-small","input":"hello"}`), nil)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var out embeddingsResponse
	if err := json.Unmarshal(readBody(t, resp), &out); err != nil {
		t.Fatal(err)
	}
	if out.Object != "list" || len(out.Data) != 1 {
		t.Fatalf("out = %+v", out)
	}
	if len(out.Data[0].Embedding) != 1536 {
		t.Errorf("dimensions = %d, want 1536", len(out.Data[0].Embedding))
	}
	// "hello" is 5 chars → ceil(5/4) = 2 tokens.
	if out.Usage["prompt_tokens"] != 2 {
		t.Errorf("prompt_tokens = %d, want 2", out.Usage["prompt_tokens"])
	}
}

type embedFuncProvider struct {
	*funcProvider
	embedFn func(context.Context, *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error)
}

func (e *embedFuncProvider) Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	return e.embedFn(ctx, req)
}

// A known embedding model routes to its owning provider while the model name
// itself goes upstream untouched.
func TestDispatchEmbeddings_KnownModelKeepsModelName(t *testing.T) {
	var gotModel string
	prov := &embedFuncProvider{
		funcProvider: okProvider("openai"),
		embedFn: func(_ context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
			gotModel = req.Model
			return &providers.EmbeddingResponse{
				Model: req.Model,
				Data:  []providers.EmbeddingData{{Index: 0, Embedding: []float32{0.1, 0.2}}},
				Usage: providers.Usage{InputTokens: 2},
			}, nil
		},
	}
	reg := providers.NewRegistry()
	reg.Register(prov, providers.Config{Priority: 1, DefaultModel: "gpt-4o"})

	gw := NewGateway(GatewayOptions{Registry: reg})
	client, done := serveGateway(t, gw)
	defer done()

	resp := doPost(t, client, "/v1/embeddings",
		[]byte(`{"model":"text-embedding-3-small","input":"hello"}`), nil)
	readBody(t, resp)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if gotModel != "text-embedding-3-small" {
		t.Errorf("provider received model %q, want text-embedding-3-small", gotModel)
	}
}

func TestDispatchEmbeddings_EmptyInput(t *testing.T) {
	gw := NewGateway(GatewayOptions{Registry: providers.NewRegistry()})
	client, done := serveGateway(t, gw)
	defer done()

	resp := doPost(t, client, "/v1/embeddings",
		[]byte(`{"model":"text-embedding-3-small","input":[]}`), nil)
	readBody(t, resp)
	if resp.StatusCode != 400 {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

// --- models -----------------------------------------------------------------

func TestHandleListModels(t *testing.T) {
	gw := NewGateway(GatewayOptions{Registry: okRegistry()})
	client, done := serveGateway(t, gw)
	defer done()

	resp := doGet(t, client, "/v1/models")
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Object string        `json:"object"`
		Data   []modelObject `json:"data"`
	}
	if err := json.Unmarshal(readBody(t, resp), &out); err != nil {
		t.Fatal(err)
	}
	if out.Object != "list" || len(out.Data) == 0 {
		t.Fatalf("out = %+v", out)
	}
	found := false
	for _, m := range out.Data {
		if m.ID == "gpt-4o" && m.OwnedBy == "openai" {
			found = true
			if m.MaxTokens != 128000 {
				t.Errorf("gpt-4o max_tokens = %d, want 128000", m.MaxTokens)
			}
			hasVision := false
			for _, c := range m.Capabilities {
				if c == "vision" {
					hasVision = true
				}
			}
			if !hasVision {
				t.Errorf("gpt-4o capabilities = %v, want vision included", m.Capabilities)
			}
		}
	}
	if !found {
		t.Error("gpt-4o missing from model list")
	}
}

func TestHandleGetModel_NotFound(t *testing.T) {
	gw := NewGateway(GatewayOptions{Registry: okRegistry()})
	client, done := serveGateway(t, gw)
	defer done()

	resp := doGet(t, client, "/v1/models/no-such-model")
	readBody(t, resp)
	if resp.StatusCode != 404 {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

// --- overflow replay --------------------------------------------------------

func TestReplayJob_RunsThroughStack(t *testing.T) {
	var gotModel string
	prov := &funcProvider{
		name: "openai",
		requestFn: func(_ context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			gotModel = req.Model
			return &providers.ProxyResponse{Content: "replayed", Model: req.Model}, nil
		},
	}
	reg := providers.NewRegistry()
	reg.Register(prov, providers.Config{Priority: 1, DefaultModel: "gpt-4o"})

	gw := NewGateway(GatewayOptions{Registry: reg})
	err := gw.ReplayJob(context.Background(), &queue.Job{
		ID:    "job-1",
		Model: "gpt-4o",
		Messages: []queue.JobMessage{
			{Role: "user", Content: "hello again"},
		},
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if gotModel != "gpt-4o" {
		t.Errorf("model = %s", gotModel)
	}
}
