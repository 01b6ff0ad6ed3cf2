package server

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/ocr-gateway/internal/worker"
	"github.com/ChuLiYu/ocr-gateway/pkg/types"
)

// echoProcessor 以 job id 產生一個片段；id 為 "bad" 時回傳錯誤
func echoProcessor(_ context.Context, job types.Job) (types.JobResult, error) {
	if job.ID == "bad" {
		return types.JobResult{}, assert.AnError
	}
	if job.ID == "slow" {
		time.Sleep(30 * time.Millisecond)
	}
	return types.JobResult{
		ID: job.ID,
		Fragments: []types.Fragment{{
			Box:      types.BoundingBox{MinY: 1, MinX: 2, MaxY: 3, MaxX: 4},
			Text:     "text of " + job.ID,
			RegionID: "1",
			Category: types.CategoryNarration,
		}},
		HasRecognizedRegion: job.Options.UseAI,
	}, nil
}

type recordingRunner struct {
	mu   sync.Mutex
	jobs []types.Job
	d    *worker.Dispatcher
}

func (r *recordingRunner) Run(ctx context.Context, jobs []types.Job, concurrency int) []types.JobResult {
	r.mu.Lock()
	r.jobs = append(r.jobs, jobs...)
	r.mu.Unlock()
	return r.d.Run(ctx, jobs, concurrency)
}

func startServer(t *testing.T) (*Client, *recordingRunner) {
	t.Helper()

	runner := &recordingRunner{
		d: worker.NewDispatcher(worker.ProcessorFunc(echoProcessor), worker.DispatcherOptions{Logger: zerolog.Nop()}),
	}
	lis := bufconn.Listen(1 << 20)
	grpcServer := NewGRPCServer(NewServer(runner, 2, zerolog.Nop()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, grpcServer, lis) }()

	client, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
		cancel()
		assert.NoError(t, <-done)
	})
	return client, runner
}

func TestRunBatchPreservesOrder(t *testing.T) {
	client, runner := startServer(t)

	jobs := []types.Job{
		{ID: "slow", Source: "http://img/1.jpg"},
		{ID: "bad", Source: "http://img/2.jpg"},
		{ID: "fast", Source: "http://img/3.jpg", Options: types.JobOptions{UseAI: true}},
	}
	results, err := client.RunBatch(context.Background(), jobs)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "slow", results[0].ID)
	assert.Equal(t, "bad", results[1].ID)
	assert.Equal(t, "fast", results[2].ID)

	assert.Equal(t, "text of slow", results[0].Fragments[0].Text)
	assert.Equal(t, types.CategoryNarration, results[0].Fragments[0].Category)
	assert.Equal(t, 4, results[0].Fragments[0].Box.MaxX)
	assert.True(t, results[1].IsDegraded())
	assert.NotNil(t, results[1].Fragments)
	assert.True(t, results[2].HasRecognizedRegion)

	require.Len(t, runner.jobs, 3)
	assert.True(t, runner.jobs[2].Options.UseAI)
	assert.Equal(t, "http://img/2.jpg", runner.jobs[1].Source)
}

func TestRunBatchGeneratesMissingIDs(t *testing.T) {
	client, _ := startServer(t)

	results, err := client.RunBatch(context.Background(), []types.Job{{Source: "page.png"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.NotEmpty(t, results[0].ID)
}

func TestRunBatchRejectsEmptyBatch(t *testing.T) {
	client, _ := startServer(t)

	_, err := client.RunBatch(context.Background(), []types.Job{})
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestRunBatchRejectsMissingImageURL(t *testing.T) {
	client, _ := startServer(t)

	_, err := client.RunBatch(context.Background(), []types.Job{{ID: "x"}})
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestHealthService(t *testing.T) {
	client, _ := startServer(t)

	ok, err := client.Healthy(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunBatchDirect(t *testing.T) {
	runner := &recordingRunner{
		d: worker.NewDispatcher(worker.ProcessorFunc(echoProcessor), worker.DispatcherOptions{Logger: zerolog.Nop()}),
	}
	srv := NewServer(runner, 0, zerolog.Nop())

	_, err := srv.RunBatch(context.Background(), nil)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	req, err := structpb.NewStruct(map[string]any{
		"images": []any{map[string]any{"id": "a", "image_url": "file:///tmp/a.png"}},
	})
	require.NoError(t, err)
	resp, err := srv.RunBatch(context.Background(), req)
	require.NoError(t, err)

	results, err := decodeResults(resp)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ID)
}
