package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"vodforge/internal/models"
	"vodforge/internal/observability/logging"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/queue"
	"vodforge/internal/storage"
)

// JobRunner executes one transcode job to completion.
type JobRunner interface {
	Run(ctx context.Context, watchID string) error
}

type ProcessorConfig struct {
	Runner     JobRunner
	Repository storage.Repository
	Queue      queue.Queue
	Workers    int
	Metrics    *metrics.Recorder
	Logger     *slog.Logger
}

// Processor consumes the job queue and runs at most Workers jobs at once.
// A watch ID already running in this process is skipped when it is
// delivered again.
type Processor struct {
	runner  JobRunner
	repo    storage.Repository
	queue   queue.Queue
	workers int64
	metrics *metrics.Recorder
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	sem    *semaphore.Weighted
	sub    queue.Subscription
	wg     sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}
	started  bool
}

const defaultWorkers = 2

func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if cfg.Runner == nil {
		return nil, errors.New("job runner is required")
	}
	if cfg.Repository == nil {
		return nil, errors.New("repository is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("queue is required")
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		runner:   cfg.Runner,
		repo:     cfg.Repository,
		queue:    cfg.Queue,
		workers:  int64(workers),
		metrics:  recorder,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		sem:      semaphore.NewWeighted(int64(workers)),
		inFlight: make(map[string]struct{}),
	}, nil
}

// Start subscribes to the queue and begins dispatching jobs. Calling Start
// more than once has no effect.
func (p *Processor) Start() {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.sub = p.queue.Subscribe()
	p.mu.Unlock()

	p.wg.Add(1)
	go p.dispatch()
	p.logger.Info("processor started", "workers", p.workers)
}

// Shutdown stops taking jobs and waits for running ones until ctx expires.
// Running jobs are not interrupted.
func (p *Processor) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.cancel()
	p.mu.Lock()
	if p.sub != nil {
		p.sub.Close()
	}
	p.mu.Unlock()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue marks the video PENDING and publishes a job for it.
func (p *Processor) Enqueue(ctx context.Context, watchID string) (queue.Job, error) {
	return Enqueue(ctx, p.repo, p.queue, watchID)
}

// Enqueue marks the video PENDING, reloading it first, and publishes a job
// for it on q.
func Enqueue(ctx context.Context, repo storage.Repository, q queue.Queue, watchID string) (queue.Job, error) {
	watchID = strings.TrimSpace(watchID)
	if watchID == "" {
		return queue.Job{}, queue.ErrWatchIDRequired
	}
	video, err := repo.GetVideo(ctx, watchID)
	if err != nil {
		return queue.Job{}, err
	}
	if video.Status != models.VideoStatusPending {
		if _, err := repo.UpdateVideo(ctx, watchID, storage.StatusUpdate(models.VideoStatusPending)); err != nil {
			return queue.Job{}, err
		}
	}
	job, err := q.Publish(ctx, watchID)
	if err != nil {
		return queue.Job{}, fmt.Errorf("enqueue %s: %w", watchID, err)
	}
	return job, nil
}

func (p *Processor) dispatch() {
	defer p.wg.Done()
	for {
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			return
		}
		var job queue.Job
		select {
		case <-p.ctx.Done():
			p.sem.Release(1)
			return
		case next, ok := <-p.sub.Jobs():
			if !ok {
				p.sem.Release(1)
				return
			}
			job = next
		}
		if !p.beginWork(job.WatchID) {
			p.metrics.ObserveQueue("duplicate")
			p.logger.Debug("job already running", "watch_id", job.WatchID, "job_id", job.ID)
			p.sem.Release(1)
			continue
		}
		p.wg.Add(1)
		go func(job queue.Job) {
			defer p.wg.Done()
			defer p.sem.Release(1)
			defer p.finishWork(job.WatchID)
			p.process(job)
		}(job)
	}
}

func (p *Processor) beginWork(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.inFlight[id]; exists {
		return false
	}
	p.inFlight[id] = struct{}{}
	return true
}

func (p *Processor) finishWork(id string) {
	p.mu.Lock()
	delete(p.inFlight, id)
	p.mu.Unlock()
}

func (p *Processor) process(job queue.Job) {
	ctx := logging.ContextWithJobID(context.WithoutCancel(p.ctx), job.ID)
	ctx = logging.ContextWithWatchID(ctx, job.WatchID)
	logger := logging.WithContext(ctx, p.logger)

	video, err := p.repo.GetVideo(ctx, job.WatchID)
	if err != nil {
		logger.Error("failed to load queued video", "error", err)
		return
	}
	if video.Status.Terminal() {
		p.metrics.ObserveQueue("skipped")
		logger.Info("skipping job for finished video", "status", video.Status)
		return
	}
	if err := p.runner.Run(ctx, job.WatchID); err != nil {
		logger.Warn("job finished with error", "error", err)
	}
}
