// ============================================================================
// Job Pipeline - one image from locator to JobResult
// ============================================================================
//
// Package: internal/pipeline
// File: pipeline.go
// Purpose: The Processor run by each dispatcher worker.
//
// Stages:
//   1. cache lookup (hit: restamp the id, skip to narration)
//   2. fetch + probe the image
//   3. pick a recognition backend from height and byte size
//   4. recognize (no text / exhausted keys -> empty fragments)
//   5. optional semantic grouping (malformed response fails the job)
//   6. aggregate: has_bubble from the validity filter
//   7. cache store of non-degraded results, before any audio exists
//   8. optional narration (failure clears the audio path only)
//
// The cache holds recognition output only. Audio is always synthesized under
// the current job id, so a failed synthesis is retried on the next request.
//
// ============================================================================

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/ocr-gateway/internal/cache"
	"github.com/ChuLiYu/ocr-gateway/internal/imagesrc"
	"github.com/ChuLiYu/ocr-gateway/internal/narration"
	"github.com/ChuLiYu/ocr-gateway/internal/provider"
	"github.com/ChuLiYu/ocr-gateway/internal/rotator"
	"github.com/ChuLiYu/ocr-gateway/internal/selector"
	"github.com/ChuLiYu/ocr-gateway/pkg/types"
)

// Fetcher loads and probes an image locator.
type Fetcher interface {
	Fetch(ctx context.Context, locator string) (imagesrc.Image, error)
}

// Recognizer runs the named OCR backend.
type Recognizer interface {
	Recognize(ctx context.Context, img imagesrc.Image, backend string) ([]types.Fragment, error)
}

// Grouper merges raw recognizer boxes into bubble-level fragments.
type Grouper interface {
	Group(ctx context.Context, img imagesrc.Image, fragments []types.Fragment) ([]types.Fragment, error)
}

// Synthesizer renders narration text to an audio file and returns its path.
type Synthesizer interface {
	Synthesize(ctx context.Context, jobID, text string) (string, error)
}

// Pipeline processes a single job. Grouper, Synthesizer and Cache are optional.
type Pipeline struct {
	Fetcher     Fetcher
	Recognizer  Recognizer
	Grouper     Grouper
	Synthesizer Synthesizer
	Cache       cache.Store
	CacheTTL    time.Duration
	Logger      zerolog.Logger
}

// Process implements worker.Processor.
func (p *Pipeline) Process(ctx context.Context, job types.Job) (types.JobResult, error) {
	log := p.Logger.With().Str("job_id", job.ID).Logger()

	key := cache.Key(job)
	if cached, ok := p.lookup(ctx, key, log); ok {
		cached.ID = job.ID
		cached.AudioPath = ""
		if cached.Fragments == nil {
			cached.Fragments = []types.Fragment{}
		}
		p.narrate(ctx, job, &cached, log)
		return cached, nil
	}

	img, err := p.Fetcher.Fetch(ctx, job.Source)
	if err != nil {
		return types.JobResult{}, fmt.Errorf("fetch %s: %w", job.Source, err)
	}

	backend := selector.Select(img.Height, img.SizeBytes)
	log.Debug().
		Str("backend", backend).
		Int("height", img.Height).
		Int64("size_bytes", img.SizeBytes).
		Msg("Backend selected")

	fragments, err := p.Recognizer.Recognize(ctx, img, backend)
	switch {
	case err == nil:
	case errors.Is(err, provider.ErrNoText), errors.Is(err, rotator.ErrExhausted):
		log.Warn().Str("backend", backend).Str("kind", provider.KindOf(err).String()).Err(err).Msg("Recognition returned nothing")
		fragments = nil
	default:
		return types.JobResult{}, fmt.Errorf("recognize with %s: %w", backend, err)
	}

	if job.Options.UseAI && p.Grouper != nil && len(fragments) > 0 {
		grouped, err := p.Grouper.Group(ctx, img, fragments)
		switch {
		case err == nil:
			for i := range grouped {
				grouped[i].BackendUsed = backend
			}
			fragments = grouped
		case errors.Is(err, rotator.ErrExhausted):
			log.Warn().Err(err).Msg("Grouping keys exhausted")
			fragments = nil
		default:
			return types.JobResult{}, fmt.Errorf("group fragments: %w", err)
		}
	}

	result := types.JobResult{ID: job.ID, Fragments: fragments}
	if result.Fragments == nil {
		result.Fragments = []types.Fragment{}
	}
	result.HasRecognizedRegion = narration.HasNarratableText(result.Fragments)

	if !result.IsDegraded() {
		p.store(ctx, key, result, log)
	}
	p.narrate(ctx, job, &result, log)
	return result, nil
}

// narrate fills AudioPath when the result carries narratable text. A failed
// synthesis leaves the path empty and keeps the fragments.
func (p *Pipeline) narrate(ctx context.Context, job types.Job, result *types.JobResult, log zerolog.Logger) {
	if !result.HasRecognizedRegion || job.Options.SkipNarration || p.Synthesizer == nil {
		return
	}
	text := narration.ComposeText(narration.OrderForNarration(result.Fragments))
	path, err := p.Synthesizer.Synthesize(ctx, job.ID, text)
	if err != nil {
		log.Warn().Str("kind", provider.KindOf(err).String()).Err(err).Msg("Narration synthesis failed")
		return
	}
	result.AudioPath = path
}

func (p *Pipeline) lookup(ctx context.Context, key string, log zerolog.Logger) (types.JobResult, bool) {
	if p.Cache == nil {
		return types.JobResult{}, false
	}
	res, ok, err := p.Cache.Get(ctx, key)
	if err != nil {
		log.Warn().Err(err).Msg("Cache lookup failed")
		return types.JobResult{}, false
	}
	if ok {
		log.Debug().Msg("Cache hit")
	}
	return res, ok
}

func (p *Pipeline) store(ctx context.Context, key string, result types.JobResult, log zerolog.Logger) {
	if p.Cache == nil {
		return
	}
	ttl := p.CacheTTL
	if ttl <= 0 {
		ttl = cache.DefaultTTL
	}
	if err := p.Cache.Put(ctx, key, result, ttl); err != nil {
		log.Warn().Err(err).Msg("Cache store failed")
	}
}
