package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"vodforge/internal/media"
	"vodforge/internal/models"
	"vodforge/internal/objectstore"
	"vodforge/internal/observability/logging"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/pipeline"
	"vodforge/internal/publish"
	"vodforge/internal/serverutil"
	"vodforge/internal/storage"
)

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, args []string, stdout io.Writer) error
}

var commands = []command{
	{name: "worker", summary: "consume the job queue and transcode videos", run: runWorker},
	{name: "enqueue", summary: "mark a video PENDING and publish a transcode job", run: runEnqueue},
	{name: "transcode", summary: "transcode one video in the foreground", run: runTranscode},
	{name: "preview", summary: "print three preview thumbnails for a source file as JSON", run: runPreview},
	{name: "select", summary: "store full size thumbnails and record the selected one", run: runSelect},
}

var errUsage = errors.New("usage")

func main() {
	loadDotEnv()
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, errUsage) || errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		printUsage(stderr)
		return errUsage
	}
	name := args[0]
	for _, cmd := range commands {
		if cmd.name == name {
			return cmd.run(ctx, args[1:], stdout)
		}
	}
	if name == "help" || name == "-h" || name == "--help" {
		printUsage(stdout)
		return nil
	}
	printUsage(stderr)
	return fmt.Errorf("%w: unknown command %q", errUsage, name)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: vodforge <command> [flags]")
	fmt.Fprintln(w)
	for _, cmd := range commands {
		fmt.Fprintf(w, "  %-10s %s\n", cmd.name, cmd.summary)
	}
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

// toolchain bundles the ffmpeg backed collaborators shared by the commands.
type toolchain struct {
	runner      *media.ExecRunner
	prober      *media.Prober
	encoder     *media.Encoder
	thumbnailer *media.Thumbnailer
}

func newToolchain(s *settings, logger *slog.Logger) toolchain {
	runner := media.NewExecRunner(logging.WithComponent(logger, "ffmpeg"))
	prober := media.NewProber(runner, s.ffprobeBinary())
	return toolchain{
		runner:      runner,
		prober:      prober,
		encoder:     media.NewEncoder(runner, s.ffmpegBinary(), logging.WithComponent(logger, "encoder")),
		thumbnailer: media.NewThumbnailer(runner, prober, s.ffmpegBinary()),
	}
}

// sourceProber returns the prober used before encoding. Transcodes skip it
// unless probing is enabled explicitly.
func (s *settings) sourceProber(tools toolchain) media.DurationProber {
	if !resolveBool(s.probeSource, "VODFORGE_PROBE_SOURCE") || tools.prober == nil {
		return nil
	}
	return tools.prober
}

func newOrchestrator(s *settings, repo storage.Repository, store storage.MediaStore, tools toolchain, recorder *metrics.Recorder, logger *slog.Logger) (*pipeline.Orchestrator, error) {
	ladder, err := s.ladder()
	if err != nil {
		return nil, fmt.Errorf("load ladder: %w", err)
	}
	uploader, err := objectstore.New(s.objectConfig())
	if err != nil {
		return nil, fmt.Errorf("configure object storage: %w", err)
	}
	publisher := publish.New(publish.Config{
		Uploader: uploader,
		Metrics:  recorder,
		Logger:   logging.WithComponent(logger, "publish"),
	})
	return pipeline.NewOrchestrator(pipeline.OrchestratorConfig{
		Repository: repo,
		MediaStore: store,
		Encoder:    tools.encoder,
		Publisher:  publisher,
		Prober:     s.sourceProber(tools),
		Ladder:     ladder,
		Metrics:    recorder,
		Logger:     logging.WithComponent(logger, "orchestrator"),
	})
}

func runWorker(ctx context.Context, args []string, _ io.Writer) error {
	var s settings
	fs := newFlagSet("worker")
	s.register(fs)
	workers := fs.Int("workers", 0, "number of concurrent transcode jobs")
	opsAddr := fs.String("ops-addr", "", "listen address for /healthz and /metrics (empty disables)")
	opsTLSCert := fs.String("ops-tls-cert", "", "TLS certificate for the ops listener")
	opsTLSKey := fs.String("ops-tls-key", "", "TLS key for the ops listener")
	sweepSchedule := fs.String("sweep-schedule", "", "cron schedule for republishing PENDING videos")
	sweepBatch := fs.Int("sweep-batch", 0, "maximum PENDING videos republished per sweep")
	sweepStaleAfter := fs.Duration("sweep-stale-after", 0, "how long a video must stay PENDING without updates before it is republished")
	shutdownTimeout := fs.Duration("shutdown-timeout", 0, "time allowed for running jobs to finish on shutdown")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := s.logger()
	recorder := metrics.Default()

	repo, err := s.openRepository()
	if err != nil {
		return fmt.Errorf("open datastore: %w", err)
	}
	defer repo.Close()
	store, err := s.openMediaStore()
	if err != nil {
		return fmt.Errorf("open media store: %w", err)
	}
	q, err := s.openQueue(logger, recorder)
	if err != nil {
		return fmt.Errorf("configure queue: %w", err)
	}
	orchestrator, err := newOrchestrator(&s, repo, store, newToolchain(&s, logger), recorder, logger)
	if err != nil {
		return err
	}

	processor, err := pipeline.NewProcessor(pipeline.ProcessorConfig{
		Runner:     orchestrator,
		Repository: repo,
		Queue:      q,
		Workers:    resolveInt(*workers, "VODFORGE_WORKERS"),
		Metrics:    recorder,
		Logger:     logging.WithComponent(logger, "processor"),
	})
	if err != nil {
		return err
	}
	sweeper, err := pipeline.NewSweeper(pipeline.SweeperConfig{
		Repository: repo,
		Queue:      q,
		Schedule:   firstNonEmpty(*sweepSchedule, os.Getenv("VODFORGE_SWEEP_SCHEDULE")),
		BatchSize:  resolveInt(*sweepBatch, "VODFORGE_SWEEP_BATCH"),
		StaleAfter: resolveDuration(*sweepStaleAfter, "VODFORGE_SWEEP_STALE_AFTER", 0),
		Metrics:    recorder,
		Logger:     logging.WithComponent(logger, "sweeper"),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	processor.Start()
	sweeper.Start()

	opsErr := make(chan error, 1)
	if addr := firstNonEmpty(*opsAddr, os.Getenv("VODFORGE_OPS_ADDR")); addr != "" {
		handler := serverutil.NewOpsHandler(serverutil.OpsConfig{
			Metrics: recorder,
			Checks: map[string]serverutil.HealthCheck{
				"datastore": func(ctx context.Context) error {
					_, err := repo.ListVideosByStatus(ctx, models.VideoStatusPending, 1)
					return err
				},
			},
			Logger: logging.WithComponent(logger, "ops"),
		})
		go func() {
			opsErr <- serverutil.Run(ctx, serverutil.Config{
				Server: &http.Server{
					Addr:              addr,
					Handler:           handler,
					ReadHeaderTimeout: 5 * time.Second,
				},
				TLS: serverutil.TLSConfig{
					CertFile: firstNonEmpty(*opsTLSCert, os.Getenv("VODFORGE_OPS_TLS_CERT")),
					KeyFile:  firstNonEmpty(*opsTLSKey, os.Getenv("VODFORGE_OPS_TLS_KEY")),
				},
				OnListen: func(addr net.Addr) {
					logger.Info("ops listener started", "addr", addr.String())
				},
			})
		}()
	}

	logger.Info("worker started")
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-opsErr:
		if err != nil {
			runErr = fmt.Errorf("ops listener: %w", err)
		}
	}
	stop()

	timeout := resolveDuration(*shutdownTimeout, "VODFORGE_SHUTDOWN_TIMEOUT", 30*time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := sweeper.Stop(shutdownCtx); err != nil {
		logger.Error("sweeper shutdown", "error", err)
	}
	if err := processor.Shutdown(shutdownCtx); err != nil {
		logger.Error("processor shutdown", "error", err)
	}
	logger.Info("worker stopped")
	return runErr
}

func runEnqueue(ctx context.Context, args []string, stdout io.Writer) error {
	var s settings
	fs := newFlagSet("enqueue")
	s.register(fs)
	watchID := fs.String("watch-id", "", "watch ID of the video to transcode")
	channelID := fs.String("channel-id", "", "channel owning the video (registers a new video with --source)")
	source := fs.String("source", "", "local upload path (registers a new video)")
	name := fs.String("name", "", "original upload filename (defaults to the base of --source)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*watchID) == "" {
		return fmt.Errorf("%w: --watch-id is required", errUsage)
	}

	logger := s.logger()
	recorder := metrics.Default()
	repo, err := s.openRepository()
	if err != nil {
		return fmt.Errorf("open datastore: %w", err)
	}
	defer repo.Close()

	if path := strings.TrimSpace(*source); path != "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		if _, err := os.Stat(abs); err != nil {
			return fmt.Errorf("source: %w", err)
		}
		video, err := repo.CreateVideo(ctx, models.Video{
			WatchID:          *watchID,
			ChannelID:        *channelID,
			UploadedFilePath: abs,
			UploadedFileName: firstNonEmpty(*name, filepath.Base(abs)),
		})
		if err != nil {
			return err
		}
		logger.Info("video registered", "watch_id", video.WatchID, "channel_id", video.ChannelID)
	}

	q, err := s.openQueue(logger, recorder)
	if err != nil {
		return fmt.Errorf("configure queue: %w", err)
	}
	job, err := pipeline.Enqueue(ctx, repo, q, *watchID)
	if err != nil {
		return err
	}
	logger.Info("job enqueued", "watch_id", job.WatchID, "job_id", job.ID)
	return writeJSON(stdout, job)
}

func runTranscode(ctx context.Context, args []string, _ io.Writer) error {
	var s settings
	fs := newFlagSet("transcode")
	s.register(fs)
	watchID := fs.String("watch-id", "", "watch ID of the video to transcode")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*watchID) == "" {
		return fmt.Errorf("%w: --watch-id is required", errUsage)
	}

	logger := s.logger()
	repo, err := s.openRepository()
	if err != nil {
		return fmt.Errorf("open datastore: %w", err)
	}
	defer repo.Close()
	store, err := s.openMediaStore()
	if err != nil {
		return fmt.Errorf("open media store: %w", err)
	}
	orchestrator, err := newOrchestrator(&s, repo, store, newToolchain(&s, logger), metrics.Default(), logger)
	if err != nil {
		return err
	}
	ctx = logging.ContextWithWatchID(ctx, *watchID)
	return orchestrator.Run(ctx, *watchID)
}

func runPreview(ctx context.Context, args []string, stdout io.Writer) error {
	var s settings
	fs := newFlagSet("preview")
	s.register(fs)
	source := fs.String("source", "", "source video file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*source) == "" {
		return fmt.Errorf("%w: --source is required", errUsage)
	}
	logger := s.logger()
	tools := newToolchain(&s, logger)
	candidates, err := tools.thumbnailer.GeneratePreviewSet(ctx, *source)
	if err != nil {
		return err
	}
	metrics.Default().ObserveThumbnails("preview", len(candidates))
	return writeJSON(stdout, candidates)
}

type selectResult struct {
	Video      models.Video `json:"video"`
	Thumbnails []string     `json:"thumbnails"`
}

func runSelect(ctx context.Context, args []string, stdout io.Writer) error {
	var s settings
	fs := newFlagSet("select")
	s.register(fs)
	watchID := fs.String("watch-id", "", "watch ID of the video")
	rawTimestamps := fs.String("timestamps", "", "comma separated timestamps (seconds) that were previewed")
	selected := fs.String("selected", "", "timestamp chosen as the thumbnail")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*watchID) == "" {
		return fmt.Errorf("%w: --watch-id is required", errUsage)
	}
	timestamps, err := parseTimestamps(*rawTimestamps)
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	logger := s.logger()
	repo, err := s.openRepository()
	if err != nil {
		return fmt.Errorf("open datastore: %w", err)
	}
	defer repo.Close()
	store, err := s.openMediaStore()
	if err != nil {
		return fmt.Errorf("open media store: %w", err)
	}
	video, err := repo.GetVideo(ctx, *watchID)
	if err != nil {
		return err
	}
	tools := newToolchain(&s, logger)
	selector := pipeline.NewThumbnailSelector(repo, store, tools.thumbnailer, metrics.Default(), logging.WithComponent(logger, "thumbnails"))
	updated, paths, err := selector.MaterializeSelected(ctx, video, timestamps, strings.TrimSpace(*selected))
	if err != nil {
		return err
	}
	return writeJSON(stdout, selectResult{Video: updated, Thumbnails: paths})
}

func parseTimestamps(raw string) ([]int, error) {
	parts := splitAndTrim(raw)
	if len(parts) != media.CandidateCount {
		return nil, fmt.Errorf("expected %d timestamps, got %d", media.CandidateCount, len(parts))
	}
	out := make([]int, 0, len(parts))
	for _, part := range parts {
		value, err := strconv.Atoi(part)
		if err != nil || value < 0 {
			return nil, fmt.Errorf("invalid timestamp %q", part)
		}
		out = append(out, value)
	}
	return out, nil
}

func writeJSON(w io.Writer, value any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}
