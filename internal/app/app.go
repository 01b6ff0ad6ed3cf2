// ============================================================================
// OCR Gateway Application Wiring
// ============================================================================
//
// Package: internal/app
// File: app.go
// Purpose: Build every long-lived service object once at startup and hand
//          them to the CLI commands.
//
// Object graph:
//
//   Config ─┬─ Limiter (per-resource minute window)
//           ├─ Rotator "gemini"   ── genai.Client ─┬─ Grouper
//           │                                      └─ Speaker
//           ├─ Rotator "ocrspace" ── ocrspace.Client ┐
//           ├─ tesseract fast / accurate ────────────┴─ ocr.Registry
//           ├─ imagesrc.Fetcher
//           ├─ cache (redis, memory fallback)
//           └─ Pipeline ── Dispatcher ── gRPC BatchService
//
// No globals: the limiter and rotators are shared by reference through this
// struct only.
//
// ============================================================================

package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/ocr-gateway/internal/cache"
	"github.com/ChuLiYu/ocr-gateway/internal/config"
	"github.com/ChuLiYu/ocr-gateway/internal/genai"
	"github.com/ChuLiYu/ocr-gateway/internal/imagesrc"
	"github.com/ChuLiYu/ocr-gateway/internal/logging"
	"github.com/ChuLiYu/ocr-gateway/internal/metrics"
	"github.com/ChuLiYu/ocr-gateway/internal/ocr"
	"github.com/ChuLiYu/ocr-gateway/internal/ocr/ocrspace"
	"github.com/ChuLiYu/ocr-gateway/internal/ocr/tesseract"
	"github.com/ChuLiYu/ocr-gateway/internal/pipeline"
	"github.com/ChuLiYu/ocr-gateway/internal/ratelimit"
	"github.com/ChuLiYu/ocr-gateway/internal/rotator"
	"github.com/ChuLiYu/ocr-gateway/internal/server"
	"github.com/ChuLiYu/ocr-gateway/internal/worker"
	"github.com/ChuLiYu/ocr-gateway/pkg/types"
)

const redisConnectTimeout = 5 * time.Second

// App holds the wired gateway.
type App struct {
	Config     *config.Config
	Logger     zerolog.Logger
	Metrics    *metrics.Collector
	Limiter    *ratelimit.Limiter
	Rotators   []*rotator.Rotator
	Registry   *ocr.Registry
	Pipeline   *pipeline.Pipeline
	Dispatcher *worker.Dispatcher

	closers []func() error
}

// New builds the application from cfg.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	a := &App{Config: cfg, Logger: logger}

	if cfg.Metrics.Enabled {
		a.Metrics = metrics.NewCollector()
	}

	a.Limiter = ratelimit.New(cfg.RateLimits,
		ratelimit.WithLogger(logger),
		ratelimit.WithMetrics(a.Metrics),
	)

	geminiRot := a.newRotator(genai.ProviderName, cfg.Gemini.Keys, cfg.Gemini.RetryDelay)
	ocrspaceRot := a.newRotator(ocrspace.Resource, cfg.OCRSpace.Keys, cfg.OCRSpace.RetryDelay)

	hosted := ocrspace.New(a.Limiter, ocrspaceRot, ocrspace.Options{
		BaseURL:          cfg.OCRSpace.BaseURL,
		Language:         cfg.OCRSpace.Language,
		Engine:           cfg.OCRSpace.Engine,
		MaxRetriesPerKey: cfg.OCRSpace.MaxRetriesPerKey,
		HTTPClient:       &http.Client{Timeout: cfg.OCRSpace.Timeout},
	})
	a.Registry = ocr.NewRegistry(
		tesseract.New(tesseract.ModeFast, cfg.Tesseract.Languages),
		tesseract.New(tesseract.ModeAccurate, cfg.Tesseract.Languages),
		hosted,
	)

	gemini := genai.NewClient(a.Limiter, geminiRot, genai.Options{
		BaseURL:          cfg.Gemini.BaseURL,
		HTTPClient:       &http.Client{Timeout: cfg.Gemini.Timeout},
		MaxRetriesPerKey: cfg.Gemini.MaxRetriesPerKey,
	})

	store, err := a.newCache(ctx)
	if err != nil {
		return nil, err
	}

	a.Pipeline = &pipeline.Pipeline{
		Fetcher: imagesrc.NewFetcher(imagesrc.Options{
			Client:            &http.Client{Timeout: cfg.Fetch.Timeout},
			RequestsPerSecond: cfg.Fetch.RequestsPerSecond,
			Burst:             cfg.Fetch.Burst,
			MaxBytes:          cfg.Fetch.MaxBytes,
		}),
		Recognizer: a.Registry,
		Grouper:    genai.NewGrouper(gemini, cfg.Gemini.GroupingModel, logger),
		Synthesizer: genai.NewSpeaker(gemini, genai.SpeakerOptions{
			Model:  cfg.Gemini.SpeechModel,
			Voice:  cfg.Gemini.Voice,
			Dir:    cfg.Audio.Dir,
			Logger: logger,
		}),
		CacheTTL: cfg.Cache.TTL,
		Logger:   logger,
	}
	if store != nil {
		a.Pipeline.Cache = store
	}

	a.Dispatcher = worker.NewDispatcher(a.Pipeline, worker.DispatcherOptions{
		JobTimeout: cfg.Dispatcher.JobTimeout,
		Logger:     logger,
		Metrics:    a.Metrics,
	})

	logger.Info().
		Strs("backends", a.Registry.Names()).
		Int("concurrency", cfg.Dispatcher.Concurrency).
		Dur("job_timeout", cfg.Dispatcher.JobTimeout).
		Msg("gateway initialized")
	return a, nil
}

func (a *App) newRotator(name string, keys []string, delay time.Duration) *rotator.Rotator {
	if len(keys) == 0 {
		a.Logger.Warn().Str("provider", name).Msg("no API keys configured, calls will fail fast")
	}
	rot := rotator.New(name, keys, rotator.Options{
		RetryDelay: delay,
		Logger:     a.Logger,
		Metrics:    a.Metrics,
	})
	a.Rotators = append(a.Rotators, rot)
	return rot
}

// newCache returns nil when caching is disabled. An unreachable Redis falls
// back to the in-process store.
func (a *App) newCache(ctx context.Context) (cache.Store, error) {
	cfg := a.Config.Cache
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.RedisURL == "" {
		return cache.NewMemory(), nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, redisConnectTimeout)
	defer cancel()
	client, err := cache.Connect(connectCtx, cfg.RedisURL)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		a.Logger.Warn().Err(err).Msg("redis unavailable, using in-process cache")
		return cache.NewMemory(), nil
	}
	store := cache.NewRedis(client)
	a.closers = append(a.closers, store.Close)
	return store, nil
}

// RunBatch runs jobs with the configured concurrency.
func (a *App) RunBatch(ctx context.Context, jobs []types.Job) []types.JobResult {
	return a.Dispatcher.Run(ctx, jobs, a.Config.Dispatcher.Concurrency)
}

// StartMetrics serves /metrics and /healthz in the background when enabled.
func (a *App) StartMetrics() {
	if !a.Config.Metrics.Enabled {
		return
	}
	port := a.Config.Metrics.Port
	go func() {
		a.Logger.Info().Int("port", port).Msg("metrics server listening")
		if err := metrics.StartServer(port, logging.Middleware(a.Logger)); err != nil {
			a.Logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()
}

// Serve runs the gRPC batch service on port until ctx is cancelled.
func (a *App) Serve(ctx context.Context, port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
	grpcServer := server.NewGRPCServer(server.NewServer(a.Dispatcher, a.Config.Dispatcher.Concurrency, a.Logger))
	a.Logger.Info().Int("port", port).Msg("gRPC server listening")
	return server.Serve(ctx, grpcServer, lis)
}

// Close releases external connections.
func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
