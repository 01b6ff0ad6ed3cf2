// ============================================================================
// OCR Gateway CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides the command line interface based on Cobra framework
//
// Command Structure:
//   ocr-gateway                    # Root command
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   ├── run                        # Process one batch file and write a report
//   │   ├── --file, -f             # Batch JSON file
//   │   ├── --out, -o              # Report path
//   │   ├── --workers              # Override dispatcher.concurrency
//   │   ├── --addr                 # Submit to a running server instead of processing locally
//   │   └── --keep-previous        # Rename an existing report instead of replacing it
//   ├── serve                      # Run the gRPC BatchService
//   │   └── --port                 # Override grpc.port
//   ├── status                     # Show configuration, quotas and key counts
//   │   ├── --addr                 # Also probe a running server's health service
//   │   └── --report               # Also summarize a report file
//   ├── --version
//   └── --help
//
// Batch file format:
//   [{"id": "1", "image_url": "https://...", "use_ai": true}]
//   or {"images": [...]}
//
//   Examples:
//     ./ocr-gateway run -f jobs.json -o out/report.json
//     ./ocr-gateway serve --port 50051
//     ./ocr-gateway status --addr localhost:50051
//
// Signal Handling:
//   run and serve stop on SIGINT / SIGTERM. In-flight jobs see a cancelled
//   context and come back degraded; the report is still written.
//
// API keys are never printed, only how many are configured.
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/ocr-gateway/internal/app"
	"github.com/ChuLiYu/ocr-gateway/internal/config"
	"github.com/ChuLiYu/ocr-gateway/internal/logging"
	"github.com/ChuLiYu/ocr-gateway/internal/ratelimit"
	"github.com/ChuLiYu/ocr-gateway/internal/report"
	"github.com/ChuLiYu/ocr-gateway/internal/server"
	"github.com/ChuLiYu/ocr-gateway/internal/worker"
	"github.com/ChuLiYu/ocr-gateway/pkg/types"
)

var configFile string

// BuildCLI builds the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ocr-gateway",
		Short: "OCR Gateway: batch comic OCR with optional narration",
		Long: `OCR Gateway processes batches of comic page images:
- backend selection by page size (local Tesseract or OCR.space)
- optional Gemini semantic grouping of speech bubbles
- optional Gemini narration audio
- per-model rate limits and API key rotation`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	var (
		jobFile      string
		outPath      string
		workers      int
		keepPrevious bool
		addr         string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one batch file and write a report",
		Long:  "Read jobs from a JSON batch file, process them and write the ordered results as a JSON report",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobFile == "" {
				return fmt.Errorf("job file is required (use --file or -f)")
			}
			if addr != "" {
				return submitBatchFile(cmd.Context(), addr, jobFile, outPath, keepPrevious, cmd.OutOrStdout())
			}
			return runBatchFile(cmd.Context(), jobFile, outPath, workers, keepPrevious, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON file containing the batch")
	cmd.Flags().StringVarP(&outPath, "out", "o", "report.json", "report output path")
	cmd.Flags().IntVar(&workers, "workers", 0, "concurrent jobs (0 = dispatcher.concurrency)")
	cmd.Flags().BoolVar(&keepPrevious, "keep-previous", false, "keep an existing report as a timestamped backup")
	cmd.Flags().StringVar(&addr, "addr", "", "server address (e.g. localhost:50051) for remote processing")
	cmd.MarkFlagRequired("file")

	return cmd
}

func runBatchFile(parent context.Context, jobFile, outPath string, workers int, keepPrevious bool, w io.Writer) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := logging.New(cfg.AppEnv)

	ctx, stop := signalContext(parent)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build gateway: %w", err)
	}
	defer a.Close()

	if workers <= 0 {
		workers = cfg.Dispatcher.Concurrency
	}
	runner := localRunner{dispatcher: a.Dispatcher, concurrency: workers}
	_, err = executeBatch(ctx, runner, worker.FileSource{Path: jobFile}, outPath, keepPrevious, w)
	return err
}

func submitBatchFile(parent context.Context, addr, jobFile, outPath string, keepPrevious bool, w io.Writer) error {
	ctx, stop := signalContext(parent)
	defer stop()

	client, err := server.Dial(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	_, err = executeBatch(ctx, client, worker.FileSource{Path: jobFile}, outPath, keepPrevious, w)
	return err
}

// batchRunner is satisfied by *server.Client and localRunner.
type batchRunner interface {
	RunBatch(ctx context.Context, jobs []types.Job) ([]types.JobResult, error)
}

type localRunner struct {
	dispatcher  *worker.Dispatcher
	concurrency int
}

func (r localRunner) RunBatch(ctx context.Context, jobs []types.Job) ([]types.JobResult, error) {
	return r.dispatcher.Run(ctx, jobs, r.concurrency), nil
}

// executeBatch reads the batch, runs it and writes the report.
func executeBatch(ctx context.Context, runner batchRunner, src worker.Source, outPath string, keepPrevious bool, w io.Writer) (report.Summary, error) {
	jobs, err := src.Jobs(ctx)
	if err != nil {
		return report.Summary{}, fmt.Errorf("failed to read batch: %w", err)
	}

	started := time.Now()
	results, err := runner.RunBatch(ctx, jobs)
	if err != nil {
		return report.Summary{}, fmt.Errorf("failed to run batch: %w", err)
	}
	rep := report.New(started, results)

	manager := report.NewManager(outPath)
	if keepPrevious {
		backup, err := manager.WriteWithBackup(rep)
		if err != nil {
			return report.Summary{}, fmt.Errorf("failed to write report: %w", err)
		}
		if backup != "" {
			fmt.Fprintf(w, "Previous report kept at %s\n", backup)
		}
	} else if err := manager.Write(rep); err != nil {
		return report.Summary{}, fmt.Errorf("failed to write report: %w", err)
	}

	summary := rep.Summarize()
	fmt.Fprintf(w, "Run %s: %d jobs, %d ok, %d degraded, %d with audio in %dms\n",
		rep.RunID, summary.Total, summary.Succeeded, summary.Degraded, summary.WithAudio, rep.DurationMs)
	fmt.Fprintf(w, "Report written to %s\n", outPath)
	return summary, nil
}

func buildServeCommand() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the gRPC BatchService",
		Long:  "Start the gRPC BatchService with the health service, plus the metrics endpoint if enabled",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger := logging.New(cfg.AppEnv)

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to build gateway: %w", err)
			}
			defer a.Close()

			if port <= 0 {
				port = cfg.GRPC.Port
			}
			a.StartMetrics()
			err = a.Serve(ctx, port)
			logger.Info().Msg("server stopped")
			return err
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "gRPC port (0 = grpc.port)")
	return cmd
}

func buildStatusCommand() *cobra.Command {
	var (
		addr       string
		reportPath string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show gateway status",
		Long:  "Display configuration, rate limit ceilings and configured key counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return showStatus(cmd.Context(), cfg, addr, reportPath, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "address of a running server to health-check (e.g. localhost:50051)")
	cmd.Flags().StringVar(&reportPath, "report", "", "report file to summarize")
	return cmd
}

func showStatus(ctx context.Context, cfg *config.Config, addr, reportPath string, w io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	fmt.Fprintln(w, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           OCR Gateway Status                              ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📋 Configuration:")
	fmt.Fprintf(w, "  ├─ Config File:     %s\n", configFile)
	fmt.Fprintf(w, "  ├─ Environment:     %s\n", cfg.AppEnv)
	fmt.Fprintf(w, "  ├─ Concurrency:     %d\n", cfg.Dispatcher.Concurrency)
	fmt.Fprintf(w, "  ├─ Job Timeout:     %s\n", cfg.Dispatcher.JobTimeout)
	fmt.Fprintf(w, "  └─ Audio Directory: %s\n", cfg.Audio.Dir)
	fmt.Fprintln(w)

	limiter := ratelimit.New(cfg.RateLimits)
	resources := limiter.Resources()
	sort.Strings(resources)
	fmt.Fprintf(w, "⏱  Rate Limits (ceiling per %s window):\n", limiter.Window())
	for i, res := range resources {
		branch := "├─"
		if i == len(resources)-1 {
			branch = "└─"
		}
		fmt.Fprintf(w, "  %s %-30s %5d calls\n", branch, res, limiter.Limit(res))
	}
	if len(resources) == 0 {
		fmt.Fprintln(w, "  └─ none configured")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "🔑 API Keys:")
	fmt.Fprintf(w, "  ├─ gemini:   %s\n", keyStatus(len(cfg.Gemini.Keys)))
	fmt.Fprintf(w, "  └─ ocrspace: %s\n", keyStatus(len(cfg.OCRSpace.Keys)))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "💾 Cache:")
	switch {
	case !cfg.Cache.Enabled:
		fmt.Fprintln(w, "  └─ Status: ⚠️  Disabled")
	case cfg.Cache.RedisURL != "":
		fmt.Fprintf(w, "  └─ Status: ✅ Redis, ttl %s\n", cfg.Cache.TTL)
	default:
		fmt.Fprintf(w, "  └─ Status: ✅ In-process, ttl %s\n", cfg.Cache.TTL)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📡 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(w, "  └─ Status: ✅ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(w, "  └─ Status: ⚠️  Disabled")
	}
	fmt.Fprintln(w)

	if addr != "" {
		fmt.Fprintln(w, "🩺 Server:")
		fmt.Fprintf(w, "  └─ %s: %s\n", addr, probeServer(ctx, addr))
		fmt.Fprintln(w)
	}

	if reportPath != "" {
		fmt.Fprintln(w, "📊 Last Report:")
		rep, err := report.NewManager(reportPath).Load()
		if err != nil {
			fmt.Fprintf(w, "  └─ ❌ %v\n", err)
		} else {
			s := rep.Summarize()
			fmt.Fprintf(w, "  ├─ Run ID:     %s\n", rep.RunID)
			fmt.Fprintf(w, "  ├─ Started:    %s (%dms)\n", rep.StartedAt.Format(time.RFC3339), rep.DurationMs)
			fmt.Fprintf(w, "  ├─ ✅ OK:       %d\n", s.Succeeded)
			fmt.Fprintf(w, "  ├─ ❌ Degraded: %d\n", s.Degraded)
			fmt.Fprintf(w, "  └─ 🔊 Audio:    %d\n", s.WithAudio)
			if s.Total > 0 {
				fmt.Fprintf(w, "\n📈 Success Rate: %.1f%%\n", float64(s.Succeeded)/float64(s.Total)*100)
			}
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
	return nil
}

func keyStatus(n int) string {
	if n == 0 {
		return "⚠️  none configured (calls fail fast)"
	}
	return fmt.Sprintf("%d configured", n)
}

func probeServer(ctx context.Context, addr string) string {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	client, err := server.Dial(addr)
	if err != nil {
		return "❌ " + err.Error()
	}
	defer client.Close()

	ok, err := client.Healthy(ctx)
	switch {
	case err != nil:
		return "❌ " + err.Error()
	case ok:
		return "✅ SERVING"
	default:
		return "⚠️  NOT SERVING"
	}
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
