package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/ocr-gateway/pkg/types"
)

// Processor runs one job end to end.
type Processor interface {
	Process(ctx context.Context, job types.Job) (types.JobResult, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, job types.Job) (types.JobResult, error)

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, job types.Job) (types.JobResult, error) {
	return f(ctx, job)
}

// Task 代表要執行的任務
type Task struct {
	Index   int           // 任務在批次中的位置
	Job     types.Job     // 任務內容
	Timeout time.Duration // 執行超時時間，0 表示不限
}

// Result 代表任務執行結果
type Result struct {
	Index    int             // 任務在批次中的位置
	JobID    string          // 任務 ID
	Result   types.JobResult // 處理結果（失敗時為降級結果）
	Err      error           // 錯誤訊息（如果有）
	Panicked bool            // 處理過程是否 panic
	Duration time.Duration   // 實際執行時間
}

// Success reports whether the task finished without error.
func (r Result) Success() bool {
	return r.Err == nil
}
