// Package worker runs queued jobs from the datastore's job table.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kalambet/quadsearch/internal/metrics"
	"github.com/kalambet/quadsearch/internal/storage"
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
}

// Handler processes one claimed job. A returned error fails the job, which
// is retried with backoff until it runs out of attempts.
type Handler func(ctx context.Context, job *storage.Job) error

// Pool claims jobs of the registered types and runs them on a fixed number
// of goroutines.
type Pool struct {
	store       JobStore
	handlers    map[string]Handler
	types       []string
	poll        time.Duration
	concurrency int
	logger      *slog.Logger
}

// NewPool creates a Pool. If pollInterval is <= 0 it defaults to 500ms; if
// concurrency is <= 0 it defaults to 4.
func NewPool(store JobStore, pollInterval time.Duration, concurrency int, logger *slog.Logger) *Pool {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		store:       store,
		handlers:    make(map[string]Handler),
		poll:        pollInterval,
		concurrency: concurrency,
		logger:      logger.With("component", "worker"),
	}
}

// Handle registers h for jobType. It must be called before Run.
func (p *Pool) Handle(jobType string, h Handler) {
	if _, ok := p.handlers[jobType]; !ok {
		p.types = append(p.types, jobType)
		sort.Strings(p.types)
	}
	p.handlers[jobType] = h
}

// Run polls for jobs on every worker goroutine until ctx is cancelled, then
// waits for in-flight jobs to finish.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.loop(ctx, n)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) loop(ctx context.Context, n int) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := p.RunOnce(ctx)
		if err != nil {
			p.logger.Error("worker iteration failed", "worker", n, "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.poll):
		}
	}
}

// RunOnce claims and processes a single job.
// Returns true if a job was processed (regardless of success/failure).
func (p *Pool) RunOnce(ctx context.Context) (bool, error) {
	job, err := p.store.ClaimNextJob(ctx, p.types)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	// Jobs finish even when the pool is shutting down.
	jobCtx := context.WithoutCancel(ctx)
	if err := p.process(jobCtx, job); err != nil {
		metrics.JobsProcessed.WithLabelValues(job.Type, "failed").Inc()
		p.logger.Warn("job failed", "job_id", job.ID, "type", job.Type, "error", err)
		if failErr := p.store.FailJob(jobCtx, job.ID, err.Error()); failErr != nil {
			p.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	metrics.JobsProcessed.WithLabelValues(job.Type, "completed").Inc()
	if err := p.store.CompleteJob(jobCtx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (p *Pool) process(ctx context.Context, job *storage.Job) (err error) {
	h, ok := p.handlers[job.Type]
	if !ok {
		return fmt.Errorf("no handler for job type %q", job.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.ID, r)
		}
	}()
	return h(ctx, job)
}
