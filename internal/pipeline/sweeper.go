package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	cron "github.com/robfig/cron/v3"

	"vodforge/internal/models"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/queue"
	"vodforge/internal/storage"
)

const (
	defaultSweepSchedule = "@every 5m"
	defaultSweepBatch    = 100
	defaultStaleAfter    = 2 * time.Hour
	sweepTimeout         = time.Minute
)

type SweeperConfig struct {
	Repository storage.Repository
	Queue      queue.Queue
	// Schedule is a cron expression (five or six fields) or a descriptor
	// such as "@every 5m".
	Schedule  string
	BatchSize int
	// StaleAfter is how long a video must stay PENDING without any update
	// before it is republished. It must exceed the longest expected encode,
	// since a running job leaves its video PENDING.
	StaleAfter time.Duration
	// Now overrides the clock compared against UpdatedAt.
	Now     func() time.Time
	Metrics *metrics.Recorder
	Logger  *slog.Logger
}

// Sweeper periodically republishes videos left PENDING, for example after a
// worker restart dropped its queue. Only stale rows are republished, and each
// one is re-stamped first so no other sweep picks it up for another window.
type Sweeper struct {
	repo       storage.Repository
	queue      queue.Queue
	schedule   string
	batch      int
	staleAfter time.Duration
	now        func() time.Time
	metrics    *metrics.Recorder
	logger     *slog.Logger

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Repository == nil {
		return nil, errors.New("repository is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("queue is required")
	}
	schedule := normalizeSchedule(cfg.Schedule)
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultSweepBatch
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sweeper{
		repo:       cfg.Repository,
		queue:      cfg.Queue,
		schedule:   schedule,
		batch:      batch,
		staleAfter: staleAfter,
		now:        now,
		metrics:    recorder,
		logger:     logger,
		cron:       cron.New(cron.WithSeconds()),
		ctx:        ctx,
		cancel:     cancel,
	}
	if _, err := s.cron.AddFunc(schedule, s.sweepJob); err != nil {
		cancel()
		return nil, fmt.Errorf("schedule sweep %q: %w", schedule, err)
	}
	return s, nil
}

// Start runs one sweep immediately and then follows the schedule.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("sweeper started", "schedule", s.schedule)
	go s.sweepJob()
}

// Stop halts the schedule and waits for a running sweep until ctx expires.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.cancel()
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) sweepJob() {
	ctx, cancel := context.WithTimeout(s.ctx, sweepTimeout)
	defer cancel()
	start := time.Now()
	count, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Error("sweep failed", "error", err, "requeued", count)
		return
	}
	s.logger.Info("sweep completed", "requeued", count, "duration_ms", time.Since(start).Milliseconds())
}

// Sweep publishes a job for up to BatchSize stale PENDING videos, oldest
// first, and returns how many were published.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	videos, err := s.repo.ListVideosByStatus(ctx, models.VideoStatusPending, 0)
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-s.staleAfter)
	count := 0
	for _, video := range videos {
		if count >= s.batch {
			break
		}
		if err := ctx.Err(); err != nil {
			return count, err
		}
		if video.UpdatedAt.After(cutoff) {
			continue
		}
		claimed, err := s.claim(ctx, video)
		if err != nil {
			return count, err
		}
		if !claimed {
			continue
		}
		if _, err := s.queue.Publish(ctx, video.WatchID); err != nil {
			return count, err
		}
		s.metrics.ObserveQueue("recovered")
		count++
	}
	return count, nil
}

// claim re-stamps a listed video when it is unchanged since the listing.
// The fresh UpdatedAt keeps later sweeps, here or in another process, from
// republishing it while the recovered job runs.
func (s *Sweeper) claim(ctx context.Context, listed models.Video) (bool, error) {
	current, err := s.repo.GetVideo(ctx, listed.WatchID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if current.Status != models.VideoStatusPending || !current.UpdatedAt.Equal(listed.UpdatedAt) {
		return false, nil
	}
	if _, err := s.repo.UpdateVideo(ctx, listed.WatchID, storage.StatusUpdate(models.VideoStatusPending)); err != nil {
		return false, err
	}
	return true, nil
}

// normalizeSchedule makes five-field expressions compatible with
// cron.WithSeconds.
func normalizeSchedule(expr string) string {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return defaultSweepSchedule
	}
	if len(strings.Fields(expr)) == 5 {
		return "0 " + expr
	}
	return expr
}
