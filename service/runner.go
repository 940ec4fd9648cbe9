// Package service supervises the parking platform's long-running
// loops: downlink workers, the retry promoter, the spool drainer, the
// gateway monitor, the reservation-expiry sweep and the display
// reconciliation loop. A crashed loop is logged, marked degraded and
// restarted; it never takes the process down silently.
package service

import (
	"context"
	stderrors "errors"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cpaumelle/smart-parking-platform-sub000/display"
	"github.com/cpaumelle/smart-parking-platform-sub000/downlink"
	"github.com/cpaumelle/smart-parking-platform-sub000/gwmon"
	"github.com/cpaumelle/smart-parking-platform-sub000/health"
	"github.com/cpaumelle/smart-parking-platform-sub000/spool"
	"github.com/cpaumelle/smart-parking-platform-sub000/statemgr"
	"github.com/cpaumelle/smart-parking-platform-sub000/storage"
)

const (
	restartDelay             = 5 * time.Second
	defaultSweepInterval     = 30 * time.Second
	defaultReconcileInterval = 5 * time.Minute
)

// Runner owns the background loops of the parking service.
type Runner struct {
	store     storage.Store
	machine   *display.StateMachine
	manager   *statemgr.Manager
	workers   []*downlink.Worker
	promoter  *downlink.Promoter
	spool     *spool.Spool
	gateways  *gwmon.Monitor
	healthMon *health.Monitor
	logger    *slog.Logger

	sweepInterval     time.Duration
	reconcileInterval time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithSweepInterval overrides the reservation-expiry sweep interval.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Runner) { r.sweepInterval = d }
}

// WithReconcileInterval overrides the display reconciliation interval.
func WithReconcileInterval(d time.Duration) Option {
	return func(r *Runner) { r.reconcileInterval = d }
}

// WithSpool adds the disk spool drainer to the supervised set.
func WithSpool(s *spool.Spool) Option {
	return func(r *Runner) { r.spool = s }
}

// WithGatewayMonitor adds the gateway monitor loop to the supervised set.
func WithGatewayMonitor(m *gwmon.Monitor) Option {
	return func(r *Runner) { r.gateways = m }
}

// NewRunner assembles the supervised loop set.
func NewRunner(store storage.Store, machine *display.StateMachine, manager *statemgr.Manager, workers []*downlink.Worker, promoter *downlink.Promoter, healthMon *health.Monitor, logger *slog.Logger, opts ...Option) *Runner {
	r := &Runner{
		store:             store,
		machine:           machine,
		manager:           manager,
		workers:           workers,
		promoter:          promoter,
		healthMon:         healthMon,
		logger:            logger.With("component", "service"),
		sweepInterval:     defaultSweepInterval,
		reconcileInterval: defaultReconcileInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts every loop and blocks until ctx is cancelled. Individual
// loop crashes are contained and restarted; Run itself only returns on
// shutdown.
func (r *Runner) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	for i, w := range r.workers {
		name := workerName(i)
		worker := w
		group.Go(func() error {
			return r.supervise(ctx, name, worker.Run)
		})
	}
	group.Go(func() error {
		return r.supervise(ctx, "downlink-promoter", r.promoter.Run)
	})
	group.Go(func() error {
		return r.supervise(ctx, "reservation-sweep", r.sweepLoop)
	})
	group.Go(func() error {
		return r.supervise(ctx, "display-reconcile", r.reconcileLoop)
	})
	if r.spool != nil {
		group.Go(func() error {
			return r.supervise(ctx, "spool-drainer", r.spool.Run)
		})
	}
	if r.gateways != nil {
		group.Go(func() error {
			return r.supervise(ctx, "gateway-monitor", r.gateways.Run)
		})
	}

	r.logger.Info("service loops started",
		"downlink_workers", len(r.workers),
		"spool", r.spool != nil,
		"gateway_monitor", r.gateways != nil)

	return group.Wait()
}

// supervise runs fn until ctx is cancelled, restarting it after a delay
// whenever it returns. Each restart degrades the loop's health status
// until it comes back up.
func (r *Runner) supervise(ctx context.Context, name string, fn func(context.Context) error) error {
	r.healthMon.UpdateHealthy(name, "running")

	for {
		err := fn(ctx)
		if ctx.Err() != nil {
			r.healthMon.UpdateHealthy(name, "stopped")
			return nil
		}
		if err == nil {
			err = stderrors.New("loop exited unexpectedly")
		}

		r.logger.Error("loop crashed, restarting",
			"loop", name,
			"restart_in", restartDelay,
			"error", err)
		r.healthMon.UpdateDegraded(name, "restarting after crash")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(restartDelay):
		}
		r.healthMon.UpdateHealthy(name, "running")
	}
}

// sweepLoop frees reserved spaces whose reservation has ended.
func (r *Runner) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			released, err := r.manager.ReleaseExpiredReservations(ctx)
			if err != nil {
				r.logger.ErrorContext(ctx, "reservation sweep failed", "error", err)
				continue
			}
			if released > 0 {
				r.logger.InfoContext(ctx, "released expired reservations", "count", released)
			}
		}
	}
}

// reconcileLoop re-issues display commands that have drifted from what
// the policy says the display should show. It closes the gap left by
// lost downlinks and policy changes.
func (r *Runner) reconcileLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.ReconcileDisplays(ctx); err != nil {
				r.logger.ErrorContext(ctx, "display reconciliation failed", "error", err)
			}
		}
	}
}

// ReconcileDisplays walks every space with a display, recomputes the
// desired command and re-actuates where the last issued command
// differs. Returns the first listing error; per-space failures are
// logged and skipped.
func (r *Runner) ReconcileDisplays(ctx context.Context) error {
	spaces, err := r.store.ListAllSpaces(ctx)
	if err != nil {
		return err
	}

	reissued := 0
	for _, space := range spaces {
		if space.DisplayEUI == "" {
			continue
		}

		desired, err := r.machine.ComputeDisplayCommand(ctx, space.ID, space.TenantID)
		if err != nil {
			r.logger.WarnContext(ctx, "reconcile compute failed", "space_id", space.ID, "error", err)
			continue
		}

		rec, err := r.store.GetDebounce(ctx, space.ID)
		if err != nil {
			r.logger.WarnContext(ctx, "reconcile debounce load failed", "space_id", space.ID, "error", err)
			continue
		}
		if rec != nil &&
			rec.LastCommandState == desired.State &&
			rec.LastCommandColor == desired.Color &&
			rec.LastCommandBlink == desired.Blink {
			continue
		}

		err = r.manager.ActuateDisplay(ctx, space, desired.State, space.State, space.State, "reconciliation")
		if err != nil {
			r.logger.WarnContext(ctx, "reconcile actuation failed",
				"space_id", space.ID,
				"desired_state", desired.State,
				"error", err)
			continue
		}
		if err := r.machine.RecordIssuedCommand(ctx, space.ID, desired); err != nil {
			r.logger.WarnContext(ctx, "reconcile cache update failed", "space_id", space.ID, "error", err)
		}
		reissued++
	}

	if reissued > 0 {
		r.logger.InfoContext(ctx, "reconciled drifted displays", "count", reissued)
	}
	return nil
}

func workerName(i int) string {
	return "downlink-worker-" + strconv.Itoa(i)
}
