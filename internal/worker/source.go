// ============================================================================
// OCR Gateway Job Source
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: Defines where the jobs of a batch come from.
//
//   - FileSource:   a JSON batch file (CLI `run`)
//   - StaticSource: jobs already in memory (gRPC RunBatch, tests)
//
// Accepted JSON shapes:
//   [{"id": "1", "image_url": "...", "use_ai": true}, ...]
//   {"images": [{"id": "1", "image_url": "..."}, ...]}
//
// Jobs without an id get a generated UUID so results can still be joined.
//
// ============================================================================

package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/ChuLiYu/ocr-gateway/pkg/types"
)

var (
	// ErrEmptyBatch 表示批次中沒有任何任務
	ErrEmptyBatch = errors.New("batch contains no jobs")
)

// Source supplies the jobs of one batch.
type Source interface {
	Jobs(ctx context.Context) ([]types.Job, error)
}

// StaticSource is a fixed list of jobs.
type StaticSource []types.Job

// Jobs returns a normalized copy of the list.
func (s StaticSource) Jobs(_ context.Context) ([]types.Job, error) {
	return normalizeJobs(append([]types.Job(nil), s...))
}

// FileSource reads a batch from a JSON file.
type FileSource struct {
	Path string
}

// Jobs reads and decodes the file.
func (s FileSource) Jobs(_ context.Context) ([]types.Job, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("open batch file: %w", err)
	}
	defer f.Close()
	return ReadJobs(f)
}

// ReadJobs decodes a batch in either accepted shape.
func ReadJobs(r io.Reader) ([]types.Job, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read batch: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, ErrEmptyBatch
	}

	var jobs []types.Job
	if data[0] == '[' {
		err = json.Unmarshal(data, &jobs)
	} else {
		var wrapper struct {
			Images []types.Job `json:"images"`
		}
		err = json.Unmarshal(data, &wrapper)
		jobs = wrapper.Images
	}
	if err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	return normalizeJobs(jobs)
}

func normalizeJobs(jobs []types.Job) ([]types.Job, error) {
	if len(jobs) == 0 {
		return nil, ErrEmptyBatch
	}
	for i := range jobs {
		if jobs[i].Source == "" {
			return nil, fmt.Errorf("job %d: image_url is required", i)
		}
		if jobs[i].ID == "" {
			jobs[i].ID = uuid.NewString()
		}
	}
	return jobs, nil
}
