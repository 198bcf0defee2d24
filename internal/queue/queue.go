// Package queue implements the Redis-backed overflow queue. Requests
// rejected by the rate limiter can be parked here and replayed later by the
// drainer instead of being dropped on the floor.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jmanhype/runestone/internal/telemetry"
)

const (
	// defaultListKey is the Redis list holding pending jobs.
	defaultListKey = "runestone:overflow"

	// dedupTTL bounds how long a request hash blocks duplicate enqueues.
	dedupTTL = 5 * time.Minute

	// maxPromptChars caps stored message content; longer prompts are
	// truncated before hitting Redis so the queue never becomes a payload
	// dump.
	maxPromptChars = 2000
)

// ErrDuplicate reports that an identical request was enqueued within the
// dedup window.
var ErrDuplicate = errors.New("queue: duplicate request within dedup window")

// Job is one parked request. Tool payloads are dropped on enqueue; only the
// fields needed to replay a chat completion survive. Credentials never enter
// the queue: the key name identifies the owner, replay runs on configured
// provider keys.
type Job struct {
	ID         string       `json:"id"`
	APIKeyName string       `json:"api_key_name"`
	Provider   string       `json:"provider,omitempty"`
	Model      string       `json:"model"`
	Messages   []JobMessage `json:"messages"`
	MaxTokens  int          `json:"max_tokens,omitempty"`
	EnqueuedAt time.Time    `json:"enqueued_at"`
	Attempts   int          `json:"attempts"`
}

// JobMessage is a redacted conversation turn.
type JobMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Queue wraps the Redis list plus the dedup keyspace.
type Queue struct {
	rdb     redis.UniversalClient
	listKey string
	bus     *telemetry.Bus
	log     *slog.Logger
}

// Opts configures a Queue.
type Opts struct {
	ListKey string
	Bus     *telemetry.Bus
	Log     *slog.Logger
}

// New creates a Queue on rdb.
func New(rdb redis.UniversalClient, opts Opts) *Queue {
	if opts.ListKey == "" {
		opts.ListKey = defaultListKey
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Queue{rdb: rdb, listKey: opts.ListKey, bus: opts.Bus, log: opts.Log}
}

// Redact trims message content to the storage cap. Applied to every message
// before serialization.
func Redact(content string) string {
	if len(content) > maxPromptChars {
		return content[:maxPromptChars]
	}
	return content
}

// Enqueue parks a job. Identical (key, model, messages) tuples within the
// dedup window are rejected with ErrDuplicate so client retry storms do not
// multiply in the queue.
func (q *Queue) Enqueue(ctx context.Context, job Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.EnqueuedAt = time.Now().UTC()
	for i := range job.Messages {
		job.Messages[i].Content = Redact(job.Messages[i].Content)
	}

	dedupKey := q.dedupKey(job)
	ok, err := q.rdb.SetNX(ctx, dedupKey, job.ID, dedupTTL).Result()
	if err != nil {
		return "", fmt.Errorf("queue: dedup check: %w", err)
	}
	if !ok {
		return "", ErrDuplicate
	}

	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("queue: marshal job: %w", err)
	}
	if err := q.rdb.RPush(ctx, q.listKey, data).Err(); err != nil {
		return "", fmt.Errorf("queue: push: %w", err)
	}

	q.bus.Emit(telemetry.EventQueueEnqueued, nil, map[string]string{
		"job_id": job.ID,
		"model":  job.Model,
		"key":    job.APIKeyName,
	})
	return job.ID, nil
}

// Pop blocks up to timeout for the next job. Returns (nil, nil) on timeout.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (*Job, error) {
	res, err := q.rdb.BLPop(ctx, timeout, q.listKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: pop: %w", err)
	}
	// BLPOP returns [key, value].
	if len(res) != 2 {
		return nil, nil
	}

	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		q.log.Warn("queue_bad_payload", slog.String("error", err.Error()))
		return nil, nil
	}
	return &job, nil
}

// Len returns the number of pending jobs.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.listKey).Result()
}

// Requeue puts a failed job back at the tail with its attempt count bumped.
func (q *Queue) Requeue(ctx context.Context, job *Job) error {
	job.Attempts++
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job: %w", err)
	}
	return q.rdb.RPush(ctx, q.listKey, data).Err()
}

// dedupKey hashes the replay-relevant fields. Two requests that would replay
// identically share a key.
func (q *Queue) dedupKey(job Job) string {
	h := uuid.NewSHA1(uuid.NameSpaceOID, q.dedupSeed(job))
	return q.listKey + ":dedup:" + h.String()
}

func (q *Queue) dedupSeed(job Job) []byte {
	seed, _ := json.Marshal(struct {
		Key      string       `json:"key"`
		Model    string       `json:"model"`
		Messages []JobMessage `json:"messages"`
	}{job.APIKeyName, job.Model, job.Messages})
	return seed
}
