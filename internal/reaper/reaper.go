// Package reaper fails messages left in processing by a run that never
// finished, for example after a crash.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/kalambet/quadsearch/internal/metrics"
	"github.com/kalambet/quadsearch/internal/storage"
)

const (
	DefaultSchedule   = "@every 1m"
	DefaultStaleAfter = 10 * time.Minute
	sweepTimeout      = time.Minute
)

// ErrTimedOut is the failure reason stored on reaped messages.
var ErrTimedOut = errors.New("processing timed out")

// Store lists messages stuck in a status.
type Store interface {
	ListMessagesByStatus(ctx context.Context, status storage.MessageStatus, before time.Time) ([]storage.Message, error)
}

// Failer moves a processing message to failed.
type Failer interface {
	Fail(ctx context.Context, id string, reason error) error
}

type Reaper struct {
	store      Store
	failer     Failer
	schedule   string
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu   sync.Mutex
	cron *rcron.Cron
}

func New(store Store, failer Failer, schedule string, staleAfter time.Duration, logger *slog.Logger) *Reaper {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		store:      store,
		failer:     failer,
		schedule:   schedule,
		staleAfter: staleAfter,
		logger:     logger.With("component", "reaper"),
		now:        time.Now,
	}
}

// Start schedules the sweep and stops it when ctx is cancelled.
func (r *Reaper) Start(ctx context.Context) error {
	c := rcron.New()
	if _, err := c.AddFunc(r.schedule, func() {
		sweepCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
		defer cancel()
		if _, err := r.Sweep(sweepCtx); err != nil {
			r.logger.Error("stale message sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid reaper schedule %q: %w", r.schedule, err)
	}

	r.mu.Lock()
	r.cron = c
	r.mu.Unlock()
	c.Start()
	r.logger.Info("reaper started", "schedule", r.schedule, "stale_after", r.staleAfter)

	go func() {
		<-ctx.Done()
		r.Stop()
	}()
	return nil
}

// Stop halts the schedule and waits briefly for a running sweep.
func (r *Reaper) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-time.After(5 * time.Second):
		r.logger.Warn("reaper stop timed out waiting for sweep")
	}
}

// Sweep fails every message that has been processing for longer than the
// stale threshold and returns how many it failed. A run that finishes
// between the listing and the update keeps its result.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	stale, err := r.store.ListMessagesByStatus(ctx, storage.StatusProcessing, r.now().Add(-r.staleAfter))
	if err != nil {
		return 0, fmt.Errorf("listing stale messages: %w", err)
	}
	reaped := 0
	for _, m := range stale {
		if err := r.failer.Fail(ctx, m.ID, ErrTimedOut); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				continue
			}
			r.logger.Warn("reaping message", "message_id", m.ID, "error", err)
			continue
		}
		reaped++
		metrics.StaleReaped.Inc()
		r.logger.Info("reaped stale message", "message_id", m.ID, "processing_since", m.UpdatedAt)
	}
	return reaped, nil
}
