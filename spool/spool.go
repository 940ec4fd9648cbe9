// Package spool provides a disk-backed buffer for sensor uplinks that
// could not be written to the primary store. Envelopes are spooled to a
// pending directory and replayed by a background drainer once the store
// recovers, so no uplink is silently lost during an outage. Redelivery
// is at-least-once; downstream dedup absorbs the duplicates.
package spool

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/cpaumelle/smart-parking-platform-sub000/errors"
	"github.com/cpaumelle/smart-parking-platform-sub000/metric"
	"github.com/cpaumelle/smart-parking-platform-sub000/pkg/retry"
)

const (
	dirPending    = "pending"
	dirProcessing = "processing"
	dirDeadLetter = "dead-letter"

	defaultDrainInterval = 5 * time.Second
	defaultMaxAttempts   = 5
	defaultReplayRate    = rate.Limit(50)
)

// Envelope is the JSON document written to disk for each spooled uplink.
type Envelope struct {
	ID          string            `json:"id"`
	DeviceEUI   string            `json:"device_eui"`
	RequestID   string            `json:"request_id,omitempty"`
	EnqueuedAt  time.Time         `json:"enqueued_at"`
	RetryCount  int               `json:"retry_count"`
	NextRetryAt time.Time         `json:"next_retry_at"`
	Payload     json.RawMessage   `json:"payload"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ReplayFunc reprocesses a spooled envelope. A nil error deletes the
// envelope; an error sends it back to pending with backoff, or to the
// dead-letter directory once the attempt ceiling is reached.
type ReplayFunc func(ctx context.Context, env *Envelope) error

// Spool buffers envelopes on disk under root/{pending,processing,dead-letter}.
type Spool struct {
	root     string
	replay   ReplayFunc
	logger   *slog.Logger
	metrics  *metric.Metrics
	limiter  *rate.Limiter
	backoff  retry.Backoff
	interval time.Duration
	maxTries int
	now      func() time.Time
}

// Option configures a Spool.
type Option func(*Spool)

// WithMetrics exports pending and dead-letter depths.
func WithMetrics(m *metric.Metrics) Option {
	return func(s *Spool) { s.metrics = m }
}

// WithReplayRate caps replay throughput in envelopes per second.
func WithReplayRate(perSecond float64) Option {
	return func(s *Spool) { s.limiter = rate.NewLimiter(rate.Limit(perSecond), 1) }
}

// WithDrainInterval overrides the pending-directory scan interval.
func WithDrainInterval(d time.Duration) Option {
	return func(s *Spool) { s.interval = d }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Spool) { s.now = now }
}

// New creates the spool directories under root and returns a Spool that
// replays envelopes through fn.
func New(root string, fn ReplayFunc, logger *slog.Logger, opts ...Option) (*Spool, error) {
	if fn == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "spool", "new", "replay function is required")
	}

	s := &Spool{
		root:     root,
		replay:   fn,
		logger:   logger.With("component", "spool"),
		limiter:  rate.NewLimiter(defaultReplayRate, 1),
		backoff:  retry.SpoolBackoff,
		interval: defaultDrainInterval,
		maxTries: defaultMaxAttempts,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, dir := range []string{dirPending, dirProcessing, dirDeadLetter} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, errors.WrapFatal(err, "spool", "new", "creating spool directory failed")
		}
	}

	// Envelopes stranded in processing by a crash go back to pending.
	if err := s.recoverProcessing(); err != nil {
		return nil, err
	}

	return s, nil
}

// Enqueue writes an envelope into the pending directory. The write is
// atomic: the file appears under its final name or not at all.
func (s *Spool) Enqueue(ctx context.Context, deviceEUI, requestID string, payload json.RawMessage, metadata map[string]string) (*Envelope, error) {
	now := s.now()
	env := &Envelope{
		ID:          uuid.NewString(),
		DeviceEUI:   deviceEUI,
		RequestID:   requestID,
		EnqueuedAt:  now,
		NextRetryAt: now,
		Payload:     payload,
		Metadata:    metadata,
	}

	if err := s.writeEnvelope(dirPending, env); err != nil {
		return nil, err
	}

	s.logger.WarnContext(ctx, "uplink spooled to disk",
		"envelope_id", env.ID,
		"device_eui", deviceEUI)
	s.updateGauges()
	return env, nil
}

// Run drains the spool on a fixed interval until ctx is cancelled.
func (s *Spool) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Drain(ctx); err != nil && !stderrors.Is(err, context.Canceled) {
				s.logger.ErrorContext(ctx, "spool drain failed", "error", err)
			}
		}
	}
}

// Drain replays every due envelope in the pending directory once.
func (s *Spool) Drain(ctx context.Context) error {
	due, err := s.dueEnvelopes()
	if err != nil {
		return err
	}

	for _, name := range due {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		s.replayOne(ctx, name)
	}

	s.updateGauges()
	return nil
}

// PendingCount reports the number of envelopes awaiting replay.
func (s *Spool) PendingCount() int {
	return s.countDir(dirPending)
}

// DeadLetterCount reports the number of envelopes past the attempt ceiling.
func (s *Spool) DeadLetterCount() int {
	return s.countDir(dirDeadLetter)
}

// replayOne moves a pending envelope to processing, runs the replay
// callback, and routes the file by outcome.
func (s *Spool) replayOne(ctx context.Context, name string) {
	src := filepath.Join(s.root, dirPending, name)
	dst := filepath.Join(s.root, dirProcessing, name)
	if err := os.Rename(src, dst); err != nil {
		// Another drainer got there first.
		if stderrors.Is(err, fs.ErrNotExist) {
			return
		}
		s.logger.ErrorContext(ctx, "claiming spooled envelope failed", "file", name, "error", err)
		return
	}

	env, err := s.readEnvelope(dst)
	if err != nil {
		s.logger.ErrorContext(ctx, "spooled envelope is unreadable, dead-lettering",
			"file", name, "error", err)
		s.moveTo(dirDeadLetter, name)
		return
	}

	if err := s.replay(ctx, env); err != nil {
		s.handleFailure(ctx, name, env, err)
		return
	}

	if err := os.Remove(dst); err != nil {
		s.logger.ErrorContext(ctx, "removing replayed envelope failed", "file", name, "error", err)
	}
	s.logger.InfoContext(ctx, "spooled envelope replayed",
		"envelope_id", env.ID,
		"device_eui", env.DeviceEUI,
		"attempts", env.RetryCount+1)
}

func (s *Spool) handleFailure(ctx context.Context, name string, env *Envelope, replayErr error) {
	env.RetryCount++
	if env.RetryCount >= s.maxTries {
		s.logger.ErrorContext(ctx, "spooled envelope exhausted retries, dead-lettering",
			"envelope_id", env.ID,
			"device_eui", env.DeviceEUI,
			"attempts", env.RetryCount,
			"error", replayErr)
		if err := s.writeEnvelope(dirDeadLetter, env); err != nil {
			s.logger.ErrorContext(ctx, "writing dead-letter envelope failed", "error", err)
			return
		}
		_ = os.Remove(filepath.Join(s.root, dirProcessing, name))
		return
	}

	env.NextRetryAt = s.now().Add(s.backoff.Delay(env.RetryCount))
	if err := s.writeEnvelope(dirPending, env); err != nil {
		s.logger.ErrorContext(ctx, "requeueing spooled envelope failed", "error", err)
		// Leave it in processing; crash recovery will reclaim it.
		return
	}
	_ = os.Remove(filepath.Join(s.root, dirProcessing, name))

	s.logger.WarnContext(ctx, "spooled envelope replay failed, retrying later",
		"envelope_id", env.ID,
		"retry_count", env.RetryCount,
		"next_retry_at", env.NextRetryAt,
		"error", replayErr)
}

// dueEnvelopes lists pending files whose next_retry_at has passed.
func (s *Spool) dueEnvelopes() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, dirPending))
	if err != nil {
		return nil, errors.WrapTransient(err, "spool", "drain", "reading pending directory failed")
	}

	now := s.now()
	var due []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		env, err := s.readEnvelope(filepath.Join(s.root, dirPending, entry.Name()))
		if err != nil {
			continue
		}
		if !env.NextRetryAt.After(now) {
			due = append(due, entry.Name())
		}
	}
	return due, nil
}

func (s *Spool) writeEnvelope(dir string, env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return errors.WrapInvalid(err, "spool", "write", "encoding envelope failed")
	}

	final := filepath.Join(s.root, dir, env.ID+".json")
	tmp, err := os.CreateTemp(filepath.Join(s.root, dir), ".tmp-*")
	if err != nil {
		return errors.WrapTransient(err, "spool", "write", "creating envelope file failed")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return errors.WrapTransient(err, "spool", "write", "writing envelope failed")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errors.WrapTransient(err, "spool", "write", "closing envelope file failed")
	}
	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return errors.WrapTransient(err, "spool", "write", "publishing envelope failed")
	}
	return nil
}

func (s *Spool) readEnvelope(path string) (*Envelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("spool.read: reading envelope failed: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("spool.read: decoding envelope failed: %w", err)
	}
	return &env, nil
}

func (s *Spool) moveTo(dir, name string) {
	src := filepath.Join(s.root, dirProcessing, name)
	dst := filepath.Join(s.root, dir, name)
	if err := os.Rename(src, dst); err != nil {
		s.logger.Error("moving spooled envelope failed", "file", name, "dir", dir, "error", err)
	}
}

func (s *Spool) recoverProcessing() error {
	dir := filepath.Join(s.root, dirProcessing)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.WrapFatal(err, "spool", "recover", "reading processing directory failed")
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		src := filepath.Join(dir, entry.Name())
		dst := filepath.Join(s.root, dirPending, entry.Name())
		if err := os.Rename(src, dst); err != nil {
			return errors.WrapFatal(err, "spool", "recover", "reclaiming stranded envelope failed")
		}
		s.logger.Warn("reclaimed stranded envelope", "file", entry.Name())
	}
	return nil
}

func (s *Spool) countDir(dir string) int {
	entries, err := os.ReadDir(filepath.Join(s.root, dir))
	if err != nil {
		return 0
	}
	n := 0
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
			n++
		}
	}
	return n
}

func (s *Spool) updateGauges() {
	if s.metrics == nil {
		return
	}
	s.metrics.SpoolPending.Set(float64(s.PendingCount()))
	s.metrics.SpoolDeadLetter.Set(float64(s.DeadLetterCount()))
}
