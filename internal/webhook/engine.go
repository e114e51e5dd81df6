// Package webhook implements the delivery engine: a Redis-list-backed
// queue, a single worker loop that dispatches batches of pending jobs
// concurrently, and the retry ladder that either re-queues a failed
// job or moves it to the dead-letter list.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/whatsgate/gateway/internal/backoff"
	"github.com/whatsgate/gateway/internal/config"
	"github.com/whatsgate/gateway/internal/net/ssrf"
)

const (
	batchSize      = 10
	maxRetries     = 3
	idleSleep      = 1 * time.Second
	requestTimeout = 10 * time.Second
)

var deliveryRetryPolicy = backoff.BackoffPolicy{InitialMs: 5000, MaxMs: 20000, Factor: 2, Jitter: 0}

// Engine is the single-per-process webhook worker.
type Engine struct {
	queue  *queue
	client *http.Client
	cfg    config.WebhookConfig
	logger *slog.Logger

	processing atomic.Bool
	stopCh     chan struct{}
	stopOnce   atomic.Bool

	sinkBlocked bool
}

// New constructs an Engine against an existing Redis client, reusing
// the connection the auth store was built with. When cfg.ValidateSinkHost
// is set, a sink resolving to a private or internal address is rejected
// once here rather than on every delivery.
func New(redisClient *redis.Client, cfg config.WebhookConfig, logger *slog.Logger) *Engine {
	e := &Engine{
		queue:  newQueue(redisClient),
		client: &http.Client{Timeout: requestTimeout},
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}
	if cfg.URL != "" && cfg.ValidateSinkHost {
		if err := validateSinkURL(cfg.URL); err != nil {
			logger.Warn("webhook: sink url failed SSRF validation, disabling delivery", "url", cfg.URL, "err", err)
			e.sinkBlocked = true
		}
	}
	return e
}

func validateSinkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse sink url: %w", err)
	}
	return ssrf.ValidatePublicHostname(u.Hostname())
}

// Enqueue adds a job for delivery. It returns OK:false with reason
// "no-sink" or "sink-blocked" when there is no usable sink, and an
// error only when the queue write fails; delivery failures never
// surface to the producer.
func (e *Engine) Enqueue(ctx context.Context, sessionID, event string, payload any) (EnqueueResult, error) {
	if e.cfg.URL == "" {
		return EnqueueResult{OK: false, Reason: "no-sink"}, nil
	}
	if e.sinkBlocked {
		return EnqueueResult{OK: false, Reason: "sink-blocked"}, nil
	}
	job := &Job{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Event:     event,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := e.queue.push(ctx, job); err != nil {
		return EnqueueResult{}, err
	}
	return EnqueueResult{OK: true, ID: job.ID}, nil
}

// Stats reports queue depths and whether the worker loop is active.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	pending, processing, failed, err := e.queue.stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Pending:      pending,
		Processing:   processing,
		Failed:       failed,
		IsProcessing: e.processing.Load(),
	}, nil
}

// RetryFailed moves up to n jobs from failed back to queue.
func (e *Engine) RetryFailed(ctx context.Context, n int) (int, error) {
	return e.queue.retryFailed(ctx, n)
}

// StopProcessing signals the worker loop to exit after its current tick.
func (e *Engine) StopProcessing() {
	if e.stopOnce.CompareAndSwap(false, true) {
		close(e.stopCh)
	}
}

// Run drives the worker loop until ctx is cancelled or StopProcessing
// is called. It is meant to run in its own goroutine for the lifetime
// of the process.
func (e *Engine) Run(ctx context.Context) {
	e.processing.Store(true)
	defer e.processing.Store(false)

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		default:
		}

		batch, err := e.queue.dequeueBatch(ctx, batchSize)
		if err != nil {
			e.logger.Warn("webhook: dequeue failed", "err", err)
			e.sleepOrStop(ctx, idleSleep)
			continue
		}
		if len(batch) == 0 {
			e.sleepOrStop(ctx, idleSleep)
			continue
		}

		e.dispatchBatch(ctx, batch)
	}
}

func (e *Engine) sleepOrStop(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-e.stopCh:
	case <-time.After(d):
	}
}

// dispatchBatch issues all of the batch's POSTs concurrently and
// applies the retry handler to every non-2xx or failed result.
func (e *Engine) dispatchBatch(ctx context.Context, batch []inFlight) {
	g, gctx := errgroup.WithContext(context.Background())
	for _, item := range batch {
		item := item
		g.Go(func() error {
			err := e.deliver(gctx, item.Job)
			if err != nil {
				e.handleFailure(ctx, item, err)
				return nil
			}
			if err := e.queue.removeFromProcessing(ctx, item.Raw); err != nil {
				e.logger.Warn("webhook: remove from processing failed", "job", item.Job.ID, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) deliver(ctx context.Context, job *Job) error {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	raw, err := json.Marshal(job.body())
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, e.cfg.URL, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	applyAuth(req, e.cfg)

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sink returned %s", resp.Status)
	}
	return nil
}

// handleFailure implements the retry handler: remove from processing,
// increment attempts, append to the bounded error trail, then either
// schedule a re-push to queue or move the job to the dead-letter list.
func (e *Engine) handleFailure(ctx context.Context, item inFlight, deliveryErr error) {
	job := item.Job
	job.Attempts++
	job.LastAttempt = time.Now().UnixMilli()
	job.Errors = append(job.Errors, JobError{Timestamp: job.LastAttempt, Error: deliveryErr.Error()})

	if job.Attempts < maxRetries {
		delay := backoff.ComputeBackoff(deliveryRetryPolicy, job.Attempts)
		e.logger.Warn("webhook: delivery failed, scheduling retry", "job", job.ID, "attempts", job.Attempts, "delay", delay, "err", deliveryErr)
		go e.scheduleRequeue(item.Raw, job, delay)
		return
	}

	e.logger.Error("webhook: delivery exhausted retries, moving to dead-letter", "job", job.ID, "attempts", job.Attempts, "err", deliveryErr)
	if err := e.queue.moveToFailedFrom(ctx, item.Raw, job); err != nil {
		e.logger.Error("webhook: failed to move job to dead-letter", "job", job.ID, "err", err)
	}
}

func (e *Engine) scheduleRequeue(oldRaw string, job *Job, delay time.Duration) {
	select {
	case <-e.stopCh:
		return
	case <-time.After(delay):
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := e.queue.requeueFrom(ctx, oldRaw, job); err != nil {
		e.logger.Error("webhook: requeue failed", "job", job.ID, "err", err)
	}
}
