package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/valyala/fasthttp"

	"github.com/jmanhype/runestone/internal/cost"
	"github.com/jmanhype/runestone/internal/providers"
	"github.com/jmanhype/runestone/internal/telemetry"
	"github.com/jmanhype/runestone/pkg/apierr"
)

// sseTerminator closes every stream, success or failure, so OpenAI SDK
// clients stop reading.
const sseTerminator = "data: [DONE]\n\n"

// StreamRelay drives one streaming response: it converts provider chunks to
// unified frames, keeps usage accounting, and guarantees the concurrent
// rate-limit slot is released exactly once on any exit path.
type StreamRelay struct {
	Meta    ChunkMeta
	Usage   *UsageAccumulator
	Costs   *cost.Table
	Bus     *telemetry.Bus
	Release func()

	// Cancel aborts the upstream provider stream. The relay calls it on every
	// exit path so a vanished client cannot strand the producer goroutine.
	Cancel func()

	releaseOnce sync.Once
}

// release runs the slot release exactly once.
func (r *StreamRelay) release() {
	r.releaseOnce.Do(func() {
		if r.Release != nil {
			r.Release()
		}
	})
}

// Serve writes the SSE response. Headers go out immediately so clients see
// liveness before the first token. onDone receives the final usage report
// and a terminal status ("ok" | "error") once the stream drains.
func (r *StreamRelay) Serve(ctx *fasthttp.RequestCtx, stream <-chan providers.StreamChunk, onDone func(report UsageReport, status string)) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")
	ctx.SetStatusCode(fasthttp.StatusOK)

	r.Bus.Emit(telemetry.EventStreamStart, nil, map[string]string{
		"stream_id": r.Meta.ID,
		"model":     r.Meta.Model,
	})

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // never crash the connection goroutine
		defer r.release()
		defer r.shutdown(stream)

		status := "ok"
		finishReason := ""
		sentFinal := false

		// Chunks are relayed strictly in arrival order; a write failure
		// means the client went away and iteration halts.
		for chunk := range stream {
			if chunk.Err != nil {
				status = "error"
				r.writeError(w, chunk.Err)
				break
			}
			if chunk.Usage != nil {
				r.Usage.SetReported(*chunk.Usage)
			}

			if len(chunk.Raw) > 0 {
				done, ok := r.relayRaw(w, chunk)
				if !ok {
					status = "error"
					break
				}
				if done {
					sentFinal = true
					break
				}
				continue
			}

			if chunk.Done {
				finishReason = chunk.FinishReason
				report := r.Usage.Finalize(r.Costs)
				if !r.writeChunk(w, FinalChunk(r.Meta, finishReason, &report)) {
					status = "error"
				}
				sentFinal = true
				break
			}

			r.Usage.AddDelta(chunk.Content)
			if !r.writeChunk(w, FromStreamChunk(chunk, r.Meta)) {
				status = "error"
				break
			}
		}

		if !sentFinal && status == "ok" {
			// Upstream closed without a terminal chunk; synthesize one.
			report := r.Usage.Finalize(r.Costs)
			r.writeChunk(w, FinalChunk(r.Meta, "stop", &report))
		}

		fmt.Fprint(w, sseTerminator)
		w.Flush() //nolint:errcheck

		report := r.Usage.Finalize(r.Costs)
		event := telemetry.EventStreamStop
		if status == "error" {
			event = telemetry.EventStreamError
		}
		r.Bus.Emit(event,
			map[string]int64{
				"prompt_tokens":     int64(report.PromptTokens),
				"completion_tokens": int64(report.CompletionTokens),
			},
			map[string]string{
				"stream_id": r.Meta.ID,
				"model":     r.Meta.Model,
				"status":    status,
			},
		)
		if onDone != nil {
			onDone(report, status)
		}
	})
}

// relayRaw normalizes a provider-native payload and writes the resulting
// frames. Returns done=true when a frame carried a finish reason (the usage
// report is attached to it) and ok=false on a transform or write failure.
func (r *StreamRelay) relayRaw(w *bufio.Writer, chunk providers.StreamChunk) (done, ok bool) {
	frames, err := NormalizeRaw(chunk.RawFormat, chunk.Raw, r.Meta)
	if err != nil {
		r.writeError(w, err)
		return false, false
	}
	for _, f := range frames {
		for _, c := range f.Choices {
			r.Usage.AddDelta(c.Delta.Content)
		}
		if terminalFrame(f) {
			report := r.Usage.Finalize(r.Costs)
			f.Usage = &report
			done = true
		}
		if !r.writeChunk(w, f) {
			return false, false
		}
		if done {
			break
		}
	}
	return done, true
}

// terminalFrame reports whether any choice carries a finish reason.
func terminalFrame(f UnifiedChunk) bool {
	for _, c := range f.Choices {
		if c.FinishReason != nil && *c.FinishReason != "" {
			return true
		}
	}
	return false
}

// shutdown cancels the upstream stream and runs the producer down to channel
// close. A client disconnect would otherwise leave the provider goroutine
// parked on a full channel until the upstream finished on its own.
func (r *StreamRelay) shutdown(stream <-chan providers.StreamChunk) {
	if r.Cancel != nil {
		r.Cancel()
	}
	for range stream { //nolint:revive // drain
	}
}

// writeChunk emits one SSE frame. Returns false when the client is gone.
func (r *StreamRelay) writeChunk(w *bufio.Writer, chunk UnifiedChunk) bool {
	data, err := json.Marshal(chunk)
	if err != nil {
		return false
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return false
	}
	return w.Flush() == nil
}

// writeError emits a normalized error envelope as an SSE frame, followed by
// the terminator in Serve.
func (r *StreamRelay) writeError(w *bufio.Writer, err error) {
	_, env := apierr.NormalizeErr(err)
	data, _ := json.Marshal(env)
	fmt.Fprintf(w, "data: %s\n\n", data)
	w.Flush() //nolint:errcheck
}

// DrainStream consumes a provider stream without an HTTP client attached,
// accumulating usage. The overflow queue drainer replays requests through
// this path. Returns the final report and the upstream error, if any.
func DrainStream(ctx context.Context, stream <-chan providers.StreamChunk, usage *UsageAccumulator, costs *cost.Table) (UsageReport, error) {
	for {
		select {
		case <-ctx.Done():
			return usage.Finalize(costs), ctx.Err()
		case chunk, ok := <-stream:
			if !ok {
				return usage.Finalize(costs), nil
			}
			if chunk.Err != nil {
				return usage.Finalize(costs), chunk.Err
			}
			if chunk.Usage != nil {
				usage.SetReported(*chunk.Usage)
			}
			if chunk.Done {
				return usage.Finalize(costs), nil
			}
			usage.AddDelta(chunk.Content)
		}
	}
}
