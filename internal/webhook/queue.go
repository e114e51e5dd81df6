package webhook

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/whatsgate/gateway/internal/gatewayerr"
	"github.com/whatsgate/gateway/internal/wabuffer"
)

const (
	keyQueue      = "webhook:queue"
	keyProcessing = "webhook:processing"
	keyFailed     = "webhook:failed"
)

// queue wraps the three named Redis lists with the atomic
// move-between-lists primitives so that crash recovery never silently
// drops a job.
type queue struct {
	client *redis.Client
}

func newQueue(client *redis.Client) *queue {
	return &queue{client: client}
}

func encodeJob(j *Job) (string, error) {
	encoded := wabuffer.Encode(toAny(j))
	raw, err := json.Marshal(encoded)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	return string(raw), nil
}

func decodeJob(raw string) (*Job, error) {
	var tagged any
	if err := json.Unmarshal([]byte(raw), &tagged); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	decoded := wabuffer.Decode(tagged)
	b, err := json.Marshal(decoded)
	if err != nil {
		return nil, fmt.Errorf("re-marshal decoded job: %w", err)
	}
	var job Job
	if err := json.Unmarshal(b, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &job, nil
}

// toAny round-trips j through JSON so wabuffer.Encode sees a plain
// map[string]any tree rather than a typed struct.
func toAny(j *Job) any {
	raw, _ := json.Marshal(j)
	var v any
	_ = json.Unmarshal(raw, &v)
	return v
}

// push adds a job to the head of queue. The worker dequeues from the
// tail, so jobs leave the queue oldest first.
func (q *queue) push(ctx context.Context, j *Job) error {
	raw, err := encodeJob(j)
	if err != nil {
		return gatewayerr.Store("enqueue", err)
	}
	if err := q.client.LPush(ctx, keyQueue, raw).Err(); err != nil {
		return gatewayerr.Store("enqueue", err)
	}
	return nil
}

// inFlight pairs a decoded job with the exact encoded form it was
// dequeued as, so later removal/requeue operations target the same
// list element rather than a freshly re-encoded (and possibly
// byte-different) copy.
type inFlight struct {
	Raw string
	Job *Job
}

// dequeueBatch moves up to n jobs, one atomic LMOVE each, from the
// tail of queue to the head of processing, oldest first.
func (q *queue) dequeueBatch(ctx context.Context, n int) ([]inFlight, error) {
	jobs := make([]inFlight, 0, n)
	for i := 0; i < n; i++ {
		raw, err := q.client.LMove(ctx, keyQueue, keyProcessing, "RIGHT", "LEFT").Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return jobs, gatewayerr.Store("dequeue", err)
		}
		job, err := decodeJob(raw)
		if err != nil {
			continue
		}
		jobs = append(jobs, inFlight{Raw: raw, Job: job})
	}
	return jobs, nil
}

// removeFromProcessing deletes one occurrence of rawJob from the
// processing list after a successful delivery.
func (q *queue) removeFromProcessing(ctx context.Context, rawJob string) error {
	if err := q.client.LRem(ctx, keyProcessing, 1, rawJob).Err(); err != nil {
		return gatewayerr.Store("remove_processing", err)
	}
	return nil
}

// moveToFailedFrom removes the job (identified by its pre-update
// encoded form, oldRaw) from processing and pushes the updated job to
// the dead-letter list.
func (q *queue) moveToFailedFrom(ctx context.Context, oldRaw string, updated *Job) error {
	raw, err := encodeJob(updated)
	if err != nil {
		return gatewayerr.Store("move_failed", err)
	}
	pipe := q.client.Pipeline()
	pipe.LRem(ctx, keyProcessing, 1, oldRaw)
	pipe.LPush(ctx, keyFailed, raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return gatewayerr.Store("move_failed", err)
	}
	return nil
}

// requeueFrom removes the job (by its pre-update encoded form, oldRaw)
// from processing and pushes the updated job back to the head of
// queue for a later retry attempt.
func (q *queue) requeueFrom(ctx context.Context, oldRaw string, updated *Job) error {
	raw, err := encodeJob(updated)
	if err != nil {
		return gatewayerr.Store("requeue", err)
	}
	pipe := q.client.Pipeline()
	pipe.LRem(ctx, keyProcessing, 1, oldRaw)
	pipe.LPush(ctx, keyQueue, raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return gatewayerr.Store("requeue", err)
	}
	return nil
}

func (q *queue) stats(ctx context.Context) (pending, processing, failed int64, err error) {
	pipe := q.client.Pipeline()
	pendingCmd := pipe.LLen(ctx, keyQueue)
	processingCmd := pipe.LLen(ctx, keyProcessing)
	failedCmd := pipe.LLen(ctx, keyFailed)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, 0, gatewayerr.Store("stats", err)
	}
	return pendingCmd.Val(), processingCmd.Val(), failedCmd.Val(), nil
}

// retryFailed moves up to n jobs from the tail of failed back to the
// head of queue, resetting attempts and errors.
func (q *queue) retryFailed(ctx context.Context, n int) (int, error) {
	moved := 0
	for i := 0; i < n; i++ {
		raw, err := q.client.RPop(ctx, keyFailed).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return moved, gatewayerr.Store("retry_failed", err)
		}
		job, err := decodeJob(raw)
		if err != nil {
			continue
		}
		job.Attempts = 0
		job.Errors = nil
		fresh, err := encodeJob(job)
		if err != nil {
			continue
		}
		if err := q.client.LPush(ctx, keyQueue, fresh).Err(); err != nil {
			return moved, gatewayerr.Store("retry_failed", err)
		}
		moved++
	}
	return moved, nil
}
