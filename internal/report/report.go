package report

// ============================================================================
// 職責說明：
// 1. 將一次批次執行的結果序列化為 JSON 報告檔
// 2. 使用原子性寫入（temp file + rename）防止半寫入的報告
// 3. 載入時驗證 schema 版本相容性
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/ocr-gateway/pkg/types"
)

// SchemaVersion 目前報告格式版本
const SchemaVersion = 1

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedReport     = errors.New("report file is corrupted")
	ErrIncompatibleVersion = errors.New("report schema version is incompatible")
	ErrReportNotFound      = errors.New("report file not found")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// BatchReport 一次批次執行的完整輸出
type BatchReport struct {
	SchemaVer  int               `json:"schema_ver"`
	RunID      string            `json:"run_id"`
	StartedAt  time.Time         `json:"started_at"`
	DurationMs int64             `json:"duration_ms"`
	Results    []types.JobResult `json:"results"`
}

// Summary 報告統計
type Summary struct {
	Total     int
	Succeeded int
	Degraded  int
	WithAudio int
}

// New 建立報告，run id 由 uuid 產生，耗時以 startedAt 至今計算
func New(startedAt time.Time, results []types.JobResult) BatchReport {
	if results == nil {
		results = []types.JobResult{}
	}
	return BatchReport{
		SchemaVer:  SchemaVersion,
		RunID:      uuid.NewString(),
		StartedAt:  startedAt.UTC(),
		DurationMs: time.Since(startedAt).Milliseconds(),
		Results:    results,
	}
}

// Summarize 計算成功、降級與含音訊的數量
func (r BatchReport) Summarize() Summary {
	s := Summary{Total: len(r.Results)}
	for _, res := range r.Results {
		if res.IsDegraded() {
			s.Degraded++
		} else {
			s.Succeeded++
		}
		if res.AudioPath != "" {
			s.WithAudio++
		}
	}
	return s
}

// Manager 報告檔管理器
type Manager struct {
	path string     // 報告檔案路徑
	mu   sync.Mutex // 保護檔案操作
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewManager 建立報告管理器實例
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
	}
}

// Write 原子性寫入報告
//
// 流程：
// 1. 寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
func (m *Manager) Write(report BatchReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.write(report)
}

// WriteWithBackup 寫入報告並將既有報告改名保留（加上時間戳記後綴）
func (m *Manager) WriteWithBackup(report BatchReport) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var backupPath string
	if _, err := os.Stat(m.path); err == nil {
		backupPath = fmt.Sprintf("%s.%s", m.path, time.Now().Format("20060102_150405.000"))
		if err := os.Rename(m.path, backupPath); err != nil {
			return "", fmt.Errorf("failed to back up previous report: %w", err)
		}
	}
	return backupPath, m.write(report)
}

func (m *Manager) write(report BatchReport) error {
	report.SchemaVer = SchemaVersion
	if report.Results == nil {
		report.Results = []types.JobResult{}
	}

	// 帶縮排，方便人工閱讀
	jsonBytes, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write temp report: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename report: %w", err)
	}
	return nil
}

// Load 載入報告並驗證版本
func (m *Manager) Load() (BatchReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var report BatchReport
	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return report, fmt.Errorf("%w: %s", ErrReportNotFound, m.path)
		}
		return report, fmt.Errorf("failed to read report: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &report); err != nil {
		return report, fmt.Errorf("%w: %v", ErrCorruptedReport, err)
	}
	if report.SchemaVer != SchemaVersion {
		return report, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, report.SchemaVer, SchemaVersion)
	}
	if report.Results == nil {
		report.Results = []types.JobResult{}
	}
	return report, nil
}

// Exists 檢查報告檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得報告檔案路徑
func (m *Manager) GetPath() string {
	return m.path
}
