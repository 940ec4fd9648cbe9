package downlink

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/cpaumelle/smart-parking-platform-sub000/errors"
	"github.com/cpaumelle/smart-parking-platform-sub000/kv"
	"github.com/cpaumelle/smart-parking-platform-sub000/pkg/retry"
)

// DefaultMaxAttempts is the delivery attempt ceiling before a command is
// dead-lettered.
const DefaultMaxAttempts = 5

// Queue is the durable downlink command queue. Only the newest command
// per device is ever pending: Class-C displays gain nothing from
// replaying stale intermediate states, so a newer command replaces an
// older unsent one (coalescing), and a command identical to the last
// successfully sent one is dropped (dedup).
type Queue struct {
	store       kv.Store
	logger      *slog.Logger
	maxAttempts int
	backoff     retry.Backoff
	now         func() time.Time
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithMaxAttempts overrides the delivery attempt ceiling.
func WithMaxAttempts(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithBackoff overrides the retry backoff policy.
func WithBackoff(b retry.Backoff) QueueOption {
	return func(q *Queue) { q.backoff = b }
}

// WithClock overrides the queue's time source. Test hook.
func WithClock(now func() time.Time) QueueOption {
	return func(q *Queue) { q.now = now }
}

// NewQueue creates a queue over the shared KV store.
func NewQueue(store kv.Store, logger *slog.Logger, opts ...QueueOption) *Queue {
	q := &Queue{
		store:       store,
		logger:      logger.With("component", "downlink-queue"),
		maxAttempts: DefaultMaxAttempts,
		backoff:     retry.DownlinkBackoff,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// EnqueueRequest describes a command to enqueue.
type EnqueueRequest struct {
	DeviceEUI     string
	TenantID      string
	GatewayID     string
	Payload       string // hex-encoded
	FPort         int
	Confirmed     bool
	SpaceID       string
	TriggerSource string
}

// Enqueue submits a command for delivery. Returns (nil, nil) when the
// command was deduplicated against the device's last successful send.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*Command, error) {
	hash := ContentHash(req.DeviceEUI, req.Payload, req.FPort)

	// Dedup: identical to what the device already shows
	lastHash, err := q.store.Get(ctx, lastHashKey(req.DeviceEUI))
	if err != nil && !stderrors.Is(err, kv.ErrNotFound) {
		return nil, errors.WrapTransient(err, "DownlinkQueue", "Enqueue", "read last hash")
	}
	if err == nil && lastHash == hash {
		q.incr(ctx, "deduplicated")
		q.logger.Debug("downlink deduplicated", "device_eui", req.DeviceEUI, "content_hash", hash)
		return nil, nil
	}

	// Coalesce: replace a still-pending command for the device
	if oldID, err := q.store.Get(ctx, coalesceKey(req.DeviceEUI)); err == nil && oldID != "" {
		if err := q.removeCommand(ctx, oldID); err != nil {
			return nil, errors.WrapTransient(err, "DownlinkQueue", "Enqueue", "coalesce old command")
		}
		q.incr(ctx, "coalesced")
		q.logger.Debug("downlink coalesced", "device_eui", req.DeviceEUI, "replaced_id", oldID)
	}

	cmd := &Command{
		ID:            uuid.NewString(),
		DeviceEUI:     req.DeviceEUI,
		TenantID:      req.TenantID,
		GatewayID:     req.GatewayID,
		Payload:       req.Payload,
		FPort:         req.FPort,
		Confirmed:     req.Confirmed,
		ContentHash:   hash,
		CreatedAt:     q.now().UTC(),
		SpaceID:       req.SpaceID,
		TriggerSource: req.TriggerSource,
	}

	if err := q.store.HSet(ctx, cmdKey(cmd.ID), cmd.toFields(), cmdTTL); err != nil {
		return nil, errors.WrapTransient(err, "DownlinkQueue", "Enqueue", "persist command")
	}
	if err := q.store.Set(ctx, coalesceKey(req.DeviceEUI), cmd.ID, coalesceTTL); err != nil {
		return nil, errors.WrapTransient(err, "DownlinkQueue", "Enqueue", "set coalesce pointer")
	}
	if err := q.store.RPush(ctx, keyPending, cmd.ID); err != nil {
		return nil, errors.WrapTransient(err, "DownlinkQueue", "Enqueue", "append to queue")
	}

	q.incr(ctx, "enqueued")
	q.logger.Info("downlink enqueued",
		"id", cmd.ID, "device_eui", cmd.DeviceEUI, "space_id", cmd.SpaceID,
		"fport", cmd.FPort, "trigger", cmd.TriggerSource)
	return cmd, nil
}

// removeCommand drops a command from active storage and the pending and
// retry queues.
func (q *Queue) removeCommand(ctx context.Context, id string) error {
	if _, err := q.store.LRem(ctx, keyPending, id); err != nil {
		return err
	}
	if err := q.store.ZRem(ctx, keyRetry, id); err != nil {
		return err
	}
	return q.store.Del(ctx, cmdKey(id))
}

// Dequeue pops the next pending command, blocking up to timeout.
// Returns (nil, nil) on timeout or when the popped id referred to a
// command that has since been coalesced away or expired.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Command, error) {
	id, err := q.store.BLPop(ctx, timeout, keyPending)
	if stderrors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "DownlinkQueue", "Dequeue", "pop")
	}

	fields, err := q.store.HGetAll(ctx, cmdKey(id))
	if err != nil {
		return nil, errors.WrapTransient(err, "DownlinkQueue", "Dequeue", "load command")
	}
	if len(fields) == 0 {
		// Stale id: the command expired or was replaced after its id
		// was queued
		q.logger.Debug("skipping stale queue entry", "id", id)
		return nil, nil
	}

	cmd, err := commandFromFields(fields)
	if err != nil {
		q.logger.Warn("dropping undecodable command", "id", id, "error", err)
		_ = q.store.Del(ctx, cmdKey(id))
		return nil, nil
	}
	return cmd, nil
}

// MarkSuccess records a completed delivery: remembers the content hash
// for dedup, removes the command, and samples delivery latency.
func (q *Queue) MarkSuccess(ctx context.Context, cmd *Command) error {
	if err := q.store.Set(ctx, lastHashKey(cmd.DeviceEUI), cmd.ContentHash, lastHashTTL); err != nil {
		return errors.WrapTransient(err, "DownlinkQueue", "MarkSuccess", "record last hash")
	}
	if _, err := q.store.CompareAndDelete(ctx, coalesceKey(cmd.DeviceEUI), cmd.ID); err != nil {
		return errors.WrapTransient(err, "DownlinkQueue", "MarkSuccess", "clear coalesce pointer")
	}
	if err := q.store.Del(ctx, cmdKey(cmd.ID)); err != nil {
		return errors.WrapTransient(err, "DownlinkQueue", "MarkSuccess", "delete command")
	}

	q.incr(ctx, "succeeded")
	latencyMs := q.now().UTC().Sub(cmd.CreatedAt).Milliseconds()
	if err := q.store.LPushCapped(ctx, metricsKey("latency"), strconv.FormatInt(latencyMs, 10), latencySampleCap); err != nil {
		q.logger.Warn("latency sample write failed", "error", err)
	}

	q.logger.Info("downlink delivered",
		"id", cmd.ID, "device_eui", cmd.DeviceEUI, "attempts", cmd.Attempts+1, "latency_ms", latencyMs)
	return nil
}

// deadLetterEnvelope is the JSON record appended to the dead-letter list.
type deadLetterEnvelope struct {
	Command        *Command  `json:"command"`
	Error          string    `json:"error"`
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
}

// MarkFailure records a failed delivery attempt. Below the attempt
// ceiling and with requeue, the command is scheduled into the delayed
// retry set at now+backoff(attempts) rather than re-appended
// immediately, so a failing device cannot starve the queue head.
// Otherwise the command moves to the dead-letter list.
func (q *Queue) MarkFailure(ctx context.Context, cmd *Command, sendErr error, requeue bool) error {
	cmd.Attempts++
	cmd.LastError = sendErr.Error()
	cmd.LastAttemptAt = q.now().UTC()

	if !requeue || cmd.Attempts >= q.maxAttempts {
		return q.deadLetter(ctx, cmd)
	}

	if err := q.store.HSet(ctx, cmdKey(cmd.ID), cmd.toFields(), cmdTTL); err != nil {
		return errors.WrapTransient(err, "DownlinkQueue", "MarkFailure", "update command")
	}

	delay := q.backoff.Delay(cmd.Attempts)
	due := q.now().Add(delay)
	if err := q.store.ZAdd(ctx, keyRetry, cmd.ID, float64(due.UnixMilli())); err != nil {
		return errors.WrapTransient(err, "DownlinkQueue", "MarkFailure", "schedule retry")
	}

	q.incr(ctx, "retried")
	q.logger.Warn("downlink retry scheduled",
		"id", cmd.ID, "device_eui", cmd.DeviceEUI, "attempts", cmd.Attempts,
		"delay", delay, "error", sendErr)
	return nil
}

// Reschedule puts a rate-limited command back without counting an
// attempt; denial is flow control, not a delivery failure.
func (q *Queue) Reschedule(ctx context.Context, cmd *Command, after time.Duration) error {
	due := q.now().Add(after)
	if err := q.store.ZAdd(ctx, keyRetry, cmd.ID, float64(due.UnixMilli())); err != nil {
		return errors.WrapTransient(err, "DownlinkQueue", "Reschedule", "schedule retry")
	}
	q.incr(ctx, "rate_limited")
	q.logger.Debug("downlink rescheduled after rate limit",
		"id", cmd.ID, "device_eui", cmd.DeviceEUI, "after", after)
	return nil
}

// deadLetter moves the command into the dead-letter list and out of
// active storage.
func (q *Queue) deadLetter(ctx context.Context, cmd *Command) error {
	envelope, err := json.Marshal(deadLetterEnvelope{
		Command:        cmd,
		Error:          cmd.LastError,
		DeadLetteredAt: q.now().UTC(),
	})
	if err != nil {
		return errors.WrapInvalid(err, "DownlinkQueue", "deadLetter", "encode envelope")
	}

	if err := q.store.RPush(ctx, keyDead, string(envelope)); err != nil {
		return errors.WrapTransient(err, "DownlinkQueue", "deadLetter", "append envelope")
	}
	if _, err := q.store.CompareAndDelete(ctx, coalesceKey(cmd.DeviceEUI), cmd.ID); err != nil {
		return errors.WrapTransient(err, "DownlinkQueue", "deadLetter", "clear coalesce pointer")
	}
	if err := q.removeCommand(ctx, cmd.ID); err != nil {
		return errors.WrapTransient(err, "DownlinkQueue", "deadLetter", "remove command")
	}

	q.incr(ctx, "dead_lettered")
	q.logger.Error("downlink dead-lettered",
		"id", cmd.ID, "device_eui", cmd.DeviceEUI, "attempts", cmd.Attempts, "error", cmd.LastError)
	return nil
}

// PromoteDue moves commands whose retry time has arrived from the retry
// set back onto the pending queue. Returns the number promoted.
func (q *Queue) PromoteDue(ctx context.Context, limit int64) (int, error) {
	due, err := q.store.ZPopByScore(ctx, keyRetry, float64(q.now().UnixMilli()), limit)
	if err != nil {
		return 0, errors.WrapTransient(err, "DownlinkQueue", "PromoteDue", "pop due")
	}
	for _, id := range due {
		if err := q.store.RPush(ctx, keyPending, id); err != nil {
			return 0, errors.WrapTransient(err, "DownlinkQueue", "PromoteDue", "requeue")
		}
	}
	return len(due), nil
}

// DeadLetters returns up to limit dead-letter envelopes, oldest first.
func (q *Queue) DeadLetters(ctx context.Context, limit int64) ([]*Command, []string, error) {
	if limit <= 0 {
		limit = 100
	}
	raw, err := q.store.LRange(ctx, keyDead, 0, limit-1)
	if err != nil {
		return nil, nil, errors.WrapTransient(err, "DownlinkQueue", "DeadLetters", "read list")
	}

	cmds := make([]*Command, 0, len(raw))
	errs := make([]string, 0, len(raw))
	for _, entry := range raw {
		var env deadLetterEnvelope
		if err := json.Unmarshal([]byte(entry), &env); err != nil {
			q.logger.Warn("undecodable dead-letter entry", "error", err)
			continue
		}
		cmds = append(cmds, env.Command)
		errs = append(errs, env.Error)
	}
	return cmds, errs, nil
}

// Stats is the queue's observability surface.
type Stats struct {
	Pending      int64   `json:"pending"`
	DeadLettered int64   `json:"dead_lettered"`
	Enqueued     int64   `json:"total_enqueued"`
	Succeeded    int64   `json:"total_succeeded"`
	Retried      int64   `json:"total_retried"`
	Dead         int64   `json:"total_dead_lettered"`
	Deduplicated int64   `json:"total_deduplicated"`
	Coalesced    int64   `json:"total_coalesced"`
	RateLimited  int64   `json:"total_rate_limited"`
	LatencyP50Ms float64 `json:"latency_p50_ms"`
	LatencyP99Ms float64 `json:"latency_p99_ms"`
}

// Stats reads the queue depth gauges, cumulative counters, and latency
// percentiles from the rolling sample.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{}

	var err error
	if st.Pending, err = q.store.LLen(ctx, keyPending); err != nil {
		return nil, errors.WrapTransient(err, "DownlinkQueue", "Stats", "pending depth")
	}
	if st.DeadLettered, err = q.store.LLen(ctx, keyDead); err != nil {
		return nil, errors.WrapTransient(err, "DownlinkQueue", "Stats", "dead depth")
	}

	st.Enqueued = q.counter(ctx, "enqueued")
	st.Succeeded = q.counter(ctx, "succeeded")
	st.Retried = q.counter(ctx, "retried")
	st.Dead = q.counter(ctx, "dead_lettered")
	st.Deduplicated = q.counter(ctx, "deduplicated")
	st.Coalesced = q.counter(ctx, "coalesced")
	st.RateLimited = q.counter(ctx, "rate_limited")

	samples, err := q.store.LRange(ctx, metricsKey("latency"), 0, latencySampleCap-1)
	if err == nil && len(samples) > 0 {
		values := make([]float64, 0, len(samples))
		for _, s := range samples {
			if v, err := strconv.ParseFloat(s, 64); err == nil {
				values = append(values, v)
			}
		}
		sort.Float64s(values)
		if len(values) > 0 {
			st.LatencyP50Ms = values[len(values)/2]
			st.LatencyP99Ms = values[(len(values)*99)/100]
		}
	}
	return st, nil
}

func (q *Queue) incr(ctx context.Context, name string) {
	if _, err := q.store.IncrBy(ctx, metricsKey(name), 1); err != nil {
		q.logger.Warn("counter update failed", "counter", name, "error", err)
	}
}

func (q *Queue) counter(ctx context.Context, name string) int64 {
	v, err := q.store.Get(ctx, metricsKey(name))
	if err != nil {
		return 0
	}
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}
