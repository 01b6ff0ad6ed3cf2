// ============================================================================
// OCR Gateway Worker Pool - 並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine 的生命週期和任務分發
//
// 設計模式:
//   採用 Worker Pool 模式（工作池模式）：
//   1. 固定數量的 Worker goroutine 持續運行（即批次的並發上限）
//   2. 通過共享的任務 channel 分發任務
//   3. 通過結果 channel 收集執行結果
//
// 架構組件:
//   ┌─────────────┐
//   │ Dispatcher  │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//   ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool() - 創建 Pool，初始化 channels
//   2. Start(ctx, n) - 啟動 n 個 Worker goroutines
//   3. Submit(task) - 提交任務到 taskCh
//   4. ReceiveResult() - 從 resultCh 讀取結果
//   5. Stop() - 關閉 taskCh，等待所有 Worker 完成
//
// 並發控制:
//   - taskCh / resultCh: 帶緩衝 channel，大小為批次長度
//   - WaitGroup: 追蹤所有 Worker，確保優雅關閉
//   - Mutex: 保護 started/stopped 狀態
//
// 注意:
//   Submit 與 Stop 不可由不同 goroutine 同時呼叫（向已關閉的 taskCh 發送會 panic）。
//   Dispatcher 在同一個 goroutine 中先提交全部任務再呼叫 Stop。
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted 表示 Pool 已啟動
	ErrPoolStarted = errors.New("pool already started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	processor Processor      // 每個任務執行的處理流程
	workers   []*Worker      // Worker 列表
	taskCh    chan Task      // 任務通道
	resultCh  chan Result    // 結果通道
	stopCh    chan struct{}  // 停止訊號
	wg        sync.WaitGroup // 等待所有 Worker 完成
	started   bool           // Pool 是否已啟動
	stopped   bool           // Pool 是否已停止
	mu        sync.Mutex     // 保護 started 和 stopped 狀態
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
// 參數：
//   - bufferSize: 任務和結果通道的緩衝大小
//   - processor: 任務處理流程
func NewPool(bufferSize int, processor Processor) *Pool {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &Pool{
		processor: processor,
		workers:   make([]*Worker, 0),
		taskCh:    make(chan Task, bufferSize),
		resultCh:  make(chan Result, bufferSize),
		stopCh:    make(chan struct{}),
	}
}

// Start 啟動指定數量的 Worker
// 參數：
//   - ctx: 所有任務 Context 的父 Context
//   - workerCount: 要啟動的 Worker 數量
func (p *Pool) Start(ctx context.Context, workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}

	for i := 0; i < workerCount; i++ {
		worker := newWorker(ctx, i, p.processor, p.taskCh, p.resultCh)
		p.workers = append(p.workers, worker)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(worker)
	}

	p.started = true
	return nil
}

// Submit 提交任務到 Worker Pool
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	taskCh := p.taskCh
	stopCh := p.stopCh
	p.mu.Unlock()

	select {
	case taskCh <- task:
		return nil
	case <-stopCh:
		return ErrPoolClosed
	}
}

// ReceiveResult 從結果通道接收執行結果
// 結果通道關閉且已讀完時返回 ErrPoolClosed
func (p *Pool) ReceiveResult() (Result, error) {
	result, ok := <-p.resultCh
	if !ok {
		return Result{}, ErrPoolClosed
	}
	return result, nil
}

// Stop 優雅地關閉 Worker Pool
// 關閉流程：
//  1. 設定 stopped 標誌
//  2. 關閉 stopCh 與 taskCh，Worker 處理完已排隊任務後退出
//  3. 等待所有 Worker 完成
//  4. 關閉 resultCh（已產生的結果仍可讀取）
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	close(p.taskCh)

	p.wg.Wait()

	close(p.resultCh)
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
