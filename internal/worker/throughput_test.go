package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/ocr-gateway/pkg/types"
)

// flakyProcessor fails every tenth job and otherwise behaves like sleepyProcessor
func flakyProcessor(maxDelay time.Duration) Processor {
	inner := sleepyProcessor(maxDelay)
	return ProcessorFunc(func(ctx context.Context, job types.Job) (types.JobResult, error) {
		var n int
		fmt.Sscanf(job.ID, "job-%d", &n)
		if n%10 == 9 {
			return types.JobResult{}, fmt.Errorf("simulated provider failure for %s", job.ID)
		}
		return inner.Process(ctx, job)
	})
}

// TestDispatcherThroughput runs a 500-job batch with 10% failures on 8 workers.
//
// Flow:
//  1. Run the batch and time it
//  2. Verify every slot is filled, in order
//  3. Verify exactly the failing jobs came back degraded
//  4. Check throughput against a loose floor
func TestDispatcherThroughput(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping throughput test in short mode")
	}

	totalJobs := 500
	jobs := makeJobs(totalJobs)
	d := NewDispatcher(flakyProcessor(5*time.Millisecond), DispatcherOptions{Logger: zerolog.Nop()})

	start := time.Now()
	results := d.Run(context.Background(), jobs, 8)
	elapsed := time.Since(start)

	require.Len(t, results, totalJobs)
	degraded := 0
	for i, res := range results {
		require.Equal(t, jobs[i].ID, res.ID)
		if res.IsDegraded() {
			degraded++
			assert.Equal(t, 9, i%10, "only simulated failures should degrade")
		}
	}
	assert.Equal(t, totalJobs/10, degraded)

	throughput := float64(totalJobs) / elapsed.Seconds()
	t.Logf("=== Dispatcher Throughput ===")
	t.Logf("Jobs: %d, degraded: %d, elapsed: %v", totalJobs, degraded, elapsed)
	t.Logf("Throughput: %.2f jobs/second", throughput)

	// 8 workers, mean delay 2.5ms: theoretical ~3200 jobs/s; the floor leaves room for slow CI
	assert.Greater(t, throughput, 200.0)
}

func BenchmarkDispatcherThroughput(b *testing.B) {
	jobs := makeJobs(1000)
	d := NewDispatcher(ProcessorFunc(func(_ context.Context, job types.Job) (types.JobResult, error) {
		return types.JobResult{ID: job.ID, Fragments: []types.Fragment{{Text: job.ID}}}, nil
	}), DispatcherOptions{Logger: zerolog.Nop()})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		results := d.Run(context.Background(), jobs, 8)
		require.Len(b, results, len(jobs))
	}
	b.StopTimer()
}
