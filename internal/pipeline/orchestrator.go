// Package pipeline runs transcode jobs: encode, publish and the status
// transitions recorded for each video.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"vodforge/internal/media"
	"vodforge/internal/models"
	"vodforge/internal/observability/logging"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/storage"
)

// Job stages reported in errors and failure metrics.
const (
	StageLoad     = "load"
	StageProbe    = "probe"
	StageEncode   = "encode"
	StagePlaylist = "playlist"
	StagePublish  = "publish"
	StagePersist  = "persist"
)

// RenditionEncoder produces the HLS renditions of a source file.
type RenditionEncoder interface {
	Encode(ctx context.Context, source, outputDir string, ladder []media.RenditionSpec) (media.Output, error)
}

// Publisher ships an encode's output and the original upload.
type Publisher interface {
	Publish(ctx context.Context, video models.Video, out media.Output) error
}

// JobError records the stage at which a transcode job failed.
type JobError struct {
	WatchID string
	Stage   string
	Err     error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("transcode %s: %s: %v", e.WatchID, e.Stage, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

type OrchestratorConfig struct {
	Repository storage.Repository
	MediaStore storage.MediaStore
	Encoder    RenditionEncoder
	Publisher  Publisher
	// Prober is optional. When set the source is probed before encoding so
	// unreadable uploads fail fast.
	Prober  media.DurationProber
	Ladder  []media.RenditionSpec
	Metrics *metrics.Recorder
	Logger  *slog.Logger
}

// Orchestrator drives one video from PENDING to DONE or ERROR.
type Orchestrator struct {
	repo      storage.Repository
	media     storage.MediaStore
	encoder   RenditionEncoder
	publisher Publisher
	prober    media.DurationProber
	ladder    []media.RenditionSpec
	metrics   *metrics.Recorder
	logger    *slog.Logger
}

func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Repository == nil {
		return nil, errors.New("repository is required")
	}
	if cfg.MediaStore == nil {
		return nil, errors.New("media store is required")
	}
	if cfg.Encoder == nil {
		return nil, errors.New("encoder is required")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("publisher is required")
	}
	ladder := cfg.Ladder
	if len(ladder) == 0 {
		ladder = media.DefaultLadder()
	}
	if err := media.ValidateLadder(ladder); err != nil {
		return nil, err
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		repo:      cfg.Repository,
		media:     cfg.MediaStore,
		encoder:   cfg.Encoder,
		publisher: cfg.Publisher,
		prober:    cfg.Prober,
		ladder:    append([]media.RenditionSpec(nil), ladder...),
		metrics:   recorder,
		logger:    logger,
	}, nil
}

// Run transcodes and publishes one video. Any failure after the record has
// been loaded is persisted as ERROR before the error is returned; DONE is
// written only once every upload has succeeded. The encoder is not
// cancelled by ctx once started.
func (o *Orchestrator) Run(ctx context.Context, watchID string) error {
	ctx = logging.ContextWithWatchID(ctx, watchID)
	logger := logging.WithContext(ctx, o.logger)
	start := time.Now()
	o.metrics.JobStarted()

	video, err := o.repo.GetVideo(ctx, watchID)
	if err != nil {
		o.metrics.JobFailed(StageLoad)
		logger.Error("failed to load video", "error", err)
		return &JobError{WatchID: watchID, Stage: StageLoad, Err: err}
	}
	logger.Info("transcode started", "channel_id", video.ChannelID, "source", video.UploadedFilePath)

	if stage, err := o.process(ctx, logger, video); err != nil {
		return o.fail(ctx, logger, watchID, stage, err)
	}
	if err := o.setStatus(ctx, watchID, models.VideoStatusDone); err != nil {
		return o.fail(ctx, logger, watchID, StagePersist, err)
	}
	elapsed := time.Since(start)
	o.metrics.JobCompleted(elapsed)
	logger.Info("transcode completed", "duration_ms", elapsed.Milliseconds())
	return nil
}

func (o *Orchestrator) process(ctx context.Context, logger *slog.Logger, video models.Video) (string, error) {
	if o.prober != nil {
		duration, err := o.prober.Duration(ctx, video.UploadedFilePath)
		if err != nil {
			return StageProbe, err
		}
		logger.Debug("probed source", "duration_seconds", duration)
	}

	outDir := o.media.Dir(video.ChannelID, video.WatchID)
	encodeStart := time.Now()
	out, err := o.encoder.Encode(context.WithoutCancel(ctx), video.UploadedFilePath, outDir, o.ladder)
	if err != nil {
		return StageEncode, err
	}
	o.metrics.ObserveEncode(time.Since(encodeStart))

	master, err := media.WriteMasterPlaylist(outDir, o.ladder)
	if err != nil {
		return StagePlaylist, err
	}
	out.Master = master

	if err := o.publisher.Publish(ctx, video, out); err != nil {
		return StagePublish, err
	}
	return "", nil
}

func (o *Orchestrator) fail(ctx context.Context, logger *slog.Logger, watchID, stage string, cause error) error {
	o.metrics.JobFailed(stage)
	jobErr := &JobError{WatchID: watchID, Stage: stage, Err: cause}
	if err := o.setStatus(context.WithoutCancel(ctx), watchID, models.VideoStatusError); err != nil {
		logger.Error("failed to record job failure", "stage", stage, "error", err, "failure", cause)
		return errors.Join(jobErr, err)
	}
	logger.Error("transcode failed", "stage", stage, "error", cause)
	return jobErr
}

// setStatus reloads the record right before writing so concurrent edits to
// other fields are not overwritten.
func (o *Orchestrator) setStatus(ctx context.Context, watchID string, status models.VideoStatus) error {
	current, err := o.repo.GetVideo(ctx, watchID)
	if err != nil {
		return err
	}
	if current.Status == status {
		return nil
	}
	_, err = o.repo.UpdateVideo(ctx, watchID, storage.StatusUpdate(status))
	return err
}
