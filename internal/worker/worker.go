// ============================================================================
// OCR Gateway Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that runs jobs through the Processor, each Worker runs
//           in an independent goroutine
//
// How it works:
//   Each Worker is an independent goroutine that continuously executes the following loop:
//   1. Receive task from taskCh (blocking wait)
//   2. Run the processor (with timeout control and panic recovery)
//   3. Send result to resultCh
//   4. Repeat above process until taskCh is closed
//
// Execution Model:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ for task := range taskCh     │   │
//   │  │   ├─ Context with timeout    │   │
//   │  │   ├─ execute(task)           │   │
//   │  │   └─ send result to resultCh │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// Isolation:
//   - Each task has an independent Context derived from the pool's base context
//   - A panic inside the processor is recovered and reported as a failed Result
//   - A failed task always yields a degraded JobResult for its job id
//
// Result delivery:
//   Results are sent with a blocking send. The pool sizes resultCh so that a
//   full batch fits, and the dispatcher drains it, so a result is never dropped.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/ChuLiYu/ocr-gateway/pkg/types"
)

// Worker represents a work execution unit
type Worker struct {
	id        int             // Worker unique identifier, used for logging and debugging
	ctx       context.Context // base context of the pool
	processor Processor       // job pipeline
	taskCh    <-chan Task     // Task channel (read-only)
	resultCh  chan<- Result   // Result channel (write-only)
}

// newWorker creates a new Worker instance
func newWorker(ctx context.Context, id int, processor Processor, taskCh <-chan Task, resultCh chan<- Result) *Worker {
	return &Worker{
		id:        id,
		ctx:       ctx,
		processor: processor,
		taskCh:    taskCh,
		resultCh:  resultCh,
	}
}

// Run is the main loop of Worker
func (w *Worker) Run() {
	for task := range w.taskCh {
		start := time.Now()

		ctx, cancel := w.taskContext(task.Timeout)
		res, panicked, err := w.execute(ctx, task.Job)
		cancel() // Release resources

		if err != nil {
			res = types.Degraded(task.Job.ID)
		}
		if res.Fragments == nil {
			res.Fragments = []types.Fragment{}
		}
		res.ID = task.Job.ID

		w.resultCh <- Result{
			Index:    task.Index,
			JobID:    task.Job.ID,
			Result:   res,
			Err:      err,
			Panicked: panicked,
			Duration: time.Since(start),
		}
	}
}

func (w *Worker) taskContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(w.ctx, timeout)
	}
	return context.WithCancel(w.ctx)
}

// execute runs the processor and converts a panic into an error
func (w *Worker) execute(ctx context.Context, job types.Job) (res types.JobResult, panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = types.JobResult{}
			err = fmt.Errorf("worker %d: job %s panicked: %v", w.id, job.ID, r)
			panicked = true
		}
	}()

	res, err = w.processor.Process(ctx, job)
	return res, false, err
}
