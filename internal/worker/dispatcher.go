// ============================================================================
// OCR Gateway Dispatcher - ordered batch execution
// ============================================================================
//
// Package: internal/worker
// File: dispatcher.go
// Purpose: Run a batch of jobs on a bounded Pool and return exactly one
//          result per job, in input order.
//
// Flow:
//   jobs[0..n) ──Submit(Task{Index:i})──> Pool(concurrency) ──> resultCh
//                                                                 │
//   results[i] <── index + id cross-check <── ReceiveResult() ────┘
//
// Guarantees:
//   - len(output) == len(input) and output[i].ID == input[i].ID
//   - a failed or panicking job becomes {items: [], path_audio: ""} and never
//     affects its siblings
//   - any slot that received no result is filled with a degraded result
//
// ============================================================================

package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/ocr-gateway/internal/metrics"
	"github.com/ChuLiYu/ocr-gateway/internal/provider"
	"github.com/ChuLiYu/ocr-gateway/pkg/types"
)

// DefaultConcurrency is used when the caller passes a non-positive limit.
const DefaultConcurrency = 4

// Outcome labels for completed jobs.
const (
	OutcomeOK       = "ok"
	OutcomeDegraded = "degraded"
	OutcomePanic    = "panic"
)

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	JobTimeout time.Duration // per-job deadline, 0 disables
	Logger     zerolog.Logger
	Metrics    *metrics.Collector
}

// Dispatcher runs batches of jobs through a Processor.
type Dispatcher struct {
	processor  Processor
	jobTimeout time.Duration
	logger     zerolog.Logger
	metrics    *metrics.Collector
}

// NewDispatcher creates a dispatcher around processor.
func NewDispatcher(processor Processor, opts DispatcherOptions) *Dispatcher {
	return &Dispatcher{
		processor:  processor,
		jobTimeout: opts.JobTimeout,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
	}
}

// Run processes jobs with at most concurrency running at once and returns
// their results in input order.
func (d *Dispatcher) Run(ctx context.Context, jobs []types.Job, concurrency int) []types.JobResult {
	results := make([]types.JobResult, len(jobs))
	if len(jobs) == 0 {
		return results
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if concurrency > len(jobs) {
		concurrency = len(jobs)
	}

	start := time.Now()
	pool := NewPool(len(jobs), ProcessorFunc(d.instrumented))
	if err := pool.Start(ctx, concurrency); err != nil {
		d.logger.Error().Err(err).Msg("failed to start worker pool")
	}
	d.metrics.RecordSubmitted(len(jobs))

	for i, job := range jobs {
		if err := pool.Submit(Task{Index: i, Job: job, Timeout: d.jobTimeout}); err != nil {
			d.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to submit job")
		}
	}
	// All results fit in the buffer, so Stop returns once every task ran.
	pool.Stop()

	filled := make([]bool, len(jobs))
	degraded := 0
	for {
		res, err := pool.ReceiveResult()
		if err != nil {
			break
		}
		d.record(res)
		if res.Index < 0 || res.Index >= len(jobs) || jobs[res.Index].ID != res.JobID {
			d.logger.Error().
				Int("index", res.Index).
				Str("job_id", res.JobID).
				Msg("result does not match any submitted job, dropping")
			continue
		}
		results[res.Index] = res.Result
		filled[res.Index] = true
		if res.Result.IsDegraded() {
			degraded++
		}
	}

	for i, ok := range filled {
		if ok {
			continue
		}
		d.logger.Warn().Str("job_id", jobs[i].ID).Int("index", i).Msg("no result produced, filling degraded")
		results[i] = types.Degraded(jobs[i].ID)
		degraded++
	}

	d.logger.Info().
		Int("jobs", len(jobs)).
		Int("concurrency", concurrency).
		Int("degraded", degraded).
		Dur("duration", time.Since(start)).
		Msg("batch finished")
	return results
}

func (d *Dispatcher) instrumented(ctx context.Context, job types.Job) (types.JobResult, error) {
	start := time.Now()
	d.metrics.RecordStarted()
	defer func() { d.metrics.RecordFinished(time.Since(start).Seconds()) }()
	return d.processor.Process(ctx, job)
}

func (d *Dispatcher) record(res Result) {
	outcome := OutcomeOK
	switch {
	case res.Panicked:
		outcome = OutcomePanic
		d.logger.Error().Str("job_id", res.JobID).Err(res.Err).Msg("job panicked")
	case res.Err != nil:
		outcome = OutcomeDegraded
		d.logger.Warn().
			Str("job_id", res.JobID).
			Str("kind", provider.KindOf(res.Err).String()).
			Err(res.Err).
			Msg("job degraded")
	}
	d.metrics.RecordCompleted(outcome)
}
