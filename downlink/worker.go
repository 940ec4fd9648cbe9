package downlink

import (
	"context"
	"log/slog"
	"time"

	"github.com/cpaumelle/smart-parking-platform-sub000/errors"
)

// Worker drains the queue into the external sender, consulting the rate
// limiter per command. Multiple workers may share one queue; the
// blocking pop serializes handoff.
type Worker struct {
	queue       *Queue
	limiter     *RateLimiter
	sender      Sender
	logger      *slog.Logger
	pollTimeout time.Duration
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithPollTimeout overrides the dequeue poll timeout.
func WithPollTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.pollTimeout = d
		}
	}
}

// NewWorker creates a queue consumer.
func NewWorker(queue *Queue, limiter *RateLimiter, sender Sender, logger *slog.Logger, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue:       queue,
		limiter:     limiter,
		sender:      sender,
		logger:      logger.With("component", "downlink-worker"),
		pollTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run consumes the queue until ctx is cancelled. Individual command
// failures are logged and never terminate the loop. A command dequeued
// when cancellation lands is still processed to completion; the queue is
// durable, so anything not yet dequeued survives restart.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("downlink worker started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("downlink worker stopped")
			return ctx.Err()
		default:
		}

		cmd, err := w.queue.Dequeue(ctx, w.pollTimeout)
		if err != nil {
			w.logger.Error("dequeue failed", "error", err)
			continue
		}
		if cmd == nil {
			continue
		}

		w.process(ctx, cmd)
	}
}

// process delivers one command. Every outcome is absorbed into queue
// bookkeeping; nothing propagates.
func (w *Worker) process(ctx context.Context, cmd *Command) {
	if cmd.GatewayID != "" {
		decision, err := w.limiter.CheckGateway(ctx, cmd.GatewayID)
		if err != nil {
			w.failCommand(ctx, cmd, err, true)
			return
		}
		if !decision.Allowed {
			w.reschedule(ctx, cmd, decision.RetryAfter, "gateway")
			return
		}
	}

	decision, err := w.limiter.CheckTenant(ctx, cmd.TenantID)
	if err != nil {
		w.failCommand(ctx, cmd, err, true)
		return
	}
	if !decision.Allowed {
		w.reschedule(ctx, cmd, decision.RetryAfter, "tenant")
		return
	}

	payload, err := cmd.PayloadBytes()
	if err != nil {
		// Corrupt payload can never succeed; straight to dead-letter
		w.failCommand(ctx, cmd, errors.WrapInvalid(err, "DownlinkWorker", "process", "decode payload"), false)
		return
	}

	downlinkID, err := w.sender.Send(ctx, cmd.DeviceEUI, payload, cmd.FPort, cmd.Confirmed)
	if err != nil {
		w.failCommand(ctx, cmd, err, true)
		return
	}

	w.logger.Debug("downlink sent", "id", cmd.ID, "device_eui", cmd.DeviceEUI, "downlink_id", downlinkID)
	if err := w.queue.MarkSuccess(ctx, cmd); err != nil {
		w.logger.Error("mark success failed", "id", cmd.ID, "error", err)
	}
}

func (w *Worker) reschedule(ctx context.Context, cmd *Command, after time.Duration, scope string) {
	w.logger.Debug("rate limited", "id", cmd.ID, "scope", scope, "retry_after", after)
	if err := w.queue.Reschedule(ctx, cmd, after); err != nil {
		w.logger.Error("reschedule failed", "id", cmd.ID, "error", err)
	}
}

func (w *Worker) failCommand(ctx context.Context, cmd *Command, cause error, requeue bool) {
	if err := w.queue.MarkFailure(ctx, cmd, cause, requeue); err != nil {
		w.logger.Error("mark failure failed", "id", cmd.ID, "error", err)
	}
}

// Promoter periodically moves due retries back onto the pending queue.
type Promoter struct {
	queue    *Queue
	logger   *slog.Logger
	interval time.Duration
	batch    int64
}

// NewPromoter creates a retry promoter.
func NewPromoter(queue *Queue, logger *slog.Logger) *Promoter {
	return &Promoter{
		queue:    queue,
		logger:   logger.With("component", "downlink-promoter"),
		interval: time.Second,
		batch:    100,
	}
}

// Run promotes due retries until ctx is cancelled.
func (p *Promoter) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("retry promoter started")
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("retry promoter stopped")
			return ctx.Err()
		case <-ticker.C:
			n, err := p.queue.PromoteDue(ctx, p.batch)
			if err != nil {
				p.logger.Error("promote failed", "error", err)
				continue
			}
			if n > 0 {
				p.logger.Debug("promoted due retries", "count", n)
			}
		}
	}
}
