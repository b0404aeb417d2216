package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"vodforge/internal/media"
	"vodforge/internal/models"
	"vodforge/internal/observability/logging"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/queue"
	"vodforge/internal/storage"
)

type fakeExtractor struct {
	dir  string
	err  error
	seen []int
}

func (e *fakeExtractor) ExtractFrame(_ context.Context, _ string, timestamp int, size media.FrameSize, _ string) (string, error) {
	if e.err != nil {
		return "", e.err
	}
	e.seen = append(e.seen, timestamp)
	path := filepath.Join(e.dir, fmt.Sprintf("frame-%d-%d.png", timestamp, len(e.seen)))
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%s@%d", size, timestamp)), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func TestMaterializeSelectedStoresAllFramesAndPicksMatch(t *testing.T) {
	f := newFixture(t)
	extractor := &fakeExtractor{dir: t.TempDir()}
	selector := NewThumbnailSelector(f.repo, f.store, extractor, metrics.New(), logging.Discard())

	updated, paths, err := selector.MaterializeSelected(context.Background(), f.video, []int{5, 10, 15}, "10")
	if err != nil {
		t.Fatalf("MaterializeSelected: %v", err)
	}
	if len(paths) != 3 {
		t.Fatalf("expected 3 stored thumbnails, got %d", len(paths))
	}
	for i, path := range paths {
		if filepath.Base(path) != fmt.Sprintf("thumbnail_%d.png", i) {
			t.Fatalf("unexpected thumbnail name %s", path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read thumbnail: %v", err)
		}
		want := fmt.Sprintf("1280x720@%d", []int{5, 10, 15}[i])
		if string(data) != want {
			t.Fatalf("thumbnail %d = %q, want %q", i, data, want)
		}
	}
	if updated.ThumbnailPath == nil || *updated.ThumbnailPath != paths[1] {
		t.Fatalf("expected thumbnail %s, got %v", paths[1], updated.ThumbnailPath)
	}
	stored, _ := f.repo.GetVideo(context.Background(), f.video.WatchID)
	if stored.ThumbnailPath == nil || *stored.ThumbnailPath != paths[1] {
		t.Fatalf("thumbnail not persisted: %v", stored.ThumbnailPath)
	}
	if stored.Status != models.VideoStatusPending {
		t.Fatalf("status must not change, got %s", stored.Status)
	}
	entries, _ := os.ReadDir(extractor.dir)
	if len(entries) != 0 {
		t.Fatalf("expected temporary frames to be removed, found %d", len(entries))
	}
}

func TestMaterializeSelectedIgnoresSurroundingWhitespace(t *testing.T) {
	f := newFixture(t)
	selector := NewThumbnailSelector(f.repo, f.store, &fakeExtractor{dir: t.TempDir()}, metrics.New(), logging.Discard())

	updated, paths, err := selector.MaterializeSelected(context.Background(), f.video, []int{5, 10, 15}, " 15\n")
	if err != nil {
		t.Fatalf("MaterializeSelected: %v", err)
	}
	if updated.ThumbnailPath == nil || *updated.ThumbnailPath != paths[2] {
		t.Fatalf("expected thumbnail %s, got %v", paths[2], updated.ThumbnailPath)
	}
}

func TestMaterializeSelectedWithoutMatchLeavesThumbnail(t *testing.T) {
	f := newFixture(t)
	selector := NewThumbnailSelector(f.repo, f.store, &fakeExtractor{dir: t.TempDir()}, metrics.New(), logging.Discard())

	updated, paths, err := selector.MaterializeSelected(context.Background(), f.video, []int{5, 10, 15}, "7")
	if err != nil {
		t.Fatalf("MaterializeSelected: %v", err)
	}
	if len(paths) != 3 {
		t.Fatalf("expected all frames stored, got %d", len(paths))
	}
	if updated.ThumbnailPath != nil {
		t.Fatalf("expected no thumbnail, got %q", *updated.ThumbnailPath)
	}
	stored, _ := f.repo.GetVideo(context.Background(), f.video.WatchID)
	if stored.ThumbnailPath != nil {
		t.Fatalf("thumbnail must stay unset, got %q", *stored.ThumbnailPath)
	}
}

func TestMaterializeSelectedValidatesInput(t *testing.T) {
	f := newFixture(t)
	selector := NewThumbnailSelector(f.repo, f.store, &fakeExtractor{dir: t.TempDir()}, metrics.New(), logging.Discard())
	if _, _, err := selector.MaterializeSelected(context.Background(), f.video, []int{5, 10}, "5"); err == nil {
		t.Fatal("expected error for two timestamps")
	}

	frameErr := &media.EncodeError{Op: "frame", Path: f.source, ExitCode: 1}
	failing := NewThumbnailSelector(f.repo, f.store, &fakeExtractor{err: frameErr}, metrics.New(), logging.Discard())
	if _, _, err := failing.MaterializeSelected(context.Background(), f.video, []int{5, 10, 15}, "5"); !errors.As(err, new(*media.EncodeError)) {
		t.Fatalf("expected EncodeError, got %v", err)
	}
}

// blockingRunner blocks each Run until release is closed.
type blockingRunner struct {
	mu      sync.Mutex
	calls   map[string]int
	started chan string
	release chan struct{}
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{
		calls:   make(map[string]int),
		started: make(chan string, 16),
		release: make(chan struct{}),
	}
}

func (r *blockingRunner) Run(_ context.Context, watchID string) error {
	r.mu.Lock()
	r.calls[watchID]++
	r.mu.Unlock()
	r.started <- watchID
	<-r.release
	return nil
}

func (r *blockingRunner) count(watchID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[watchID]
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func queueEvents(recorder *metrics.Recorder) string {
	var buf bytes.Buffer
	recorder.Write(&buf)
	return buf.String()
}

func seedVideos(t *testing.T, repo storage.Repository, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if _, err := repo.CreateVideo(context.Background(), models.Video{
			WatchID:          id,
			ChannelID:        "chan",
			UploadedFilePath: "/uploads/" + id + ".mp4",
			UploadedFileName: id + ".mp4",
		}); err != nil {
			t.Fatalf("CreateVideo %s: %v", id, err)
		}
	}
}

func TestProcessorSkipsDuplicateInFlightJobs(t *testing.T) {
	repo := storage.NewMemoryRepository()
	seedVideos(t, repo, "a")
	recorder := metrics.New()
	q := queue.NewMemoryQueue(8, recorder)
	runner := newBlockingRunner()
	processor, err := NewProcessor(ProcessorConfig{
		Runner:     runner,
		Repository: repo,
		Queue:      q,
		Workers:    2,
		Metrics:    recorder,
		Logger:     logging.Discard(),
	})
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	processor.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = processor.Shutdown(ctx)
	})

	ctx := context.Background()
	if _, err := processor.Enqueue(ctx, "a"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	select {
	case <-runner.started:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not start")
	}
	if _, err := processor.Enqueue(ctx, "a"); err != nil {
		t.Fatalf("Enqueue duplicate: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return strings.Contains(queueEvents(recorder), `vodforge_queue_events_total{event="duplicate"} 1`)
	}, "duplicate job was not skipped")
	close(runner.release)

	if got := runner.count("a"); got != 1 {
		t.Fatalf("expected one run, got %d", got)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := processor.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestProcessorRunsDistinctJobsConcurrently(t *testing.T) {
	repo := storage.NewMemoryRepository()
	seedVideos(t, repo, "a", "b", "c")
	recorder := metrics.New()
	q := queue.NewMemoryQueue(8, recorder)
	runner := newBlockingRunner()
	processor, err := NewProcessor(ProcessorConfig{Runner: runner, Repository: repo, Queue: q, Workers: 2, Metrics: recorder, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	processor.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = processor.Shutdown(ctx)
	}()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := processor.Enqueue(context.Background(), id); err != nil {
			t.Fatalf("Enqueue %s: %v", id, err)
		}
	}
	started := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-runner.started:
			started[id] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d jobs started", i)
		}
	}
	select {
	case id := <-runner.started:
		t.Fatalf("job %s started beyond the worker limit", id)
	case <-time.After(100 * time.Millisecond):
	}
	close(runner.release)
	select {
	case id := <-runner.started:
		started[id] = true
	case <-time.After(2 * time.Second):
		t.Fatal("third job did not start after release")
	}
	if len(started) != 3 {
		t.Fatalf("expected three distinct jobs, got %v", started)
	}
}

func TestProcessorSkipsFinishedVideos(t *testing.T) {
	repo := storage.NewMemoryRepository()
	seedVideos(t, repo, "done")
	if _, err := repo.UpdateVideo(context.Background(), "done", storage.StatusUpdate(models.VideoStatusDone)); err != nil {
		t.Fatalf("UpdateVideo: %v", err)
	}
	recorder := metrics.New()
	q := queue.NewMemoryQueue(8, recorder)
	runner := newBlockingRunner()
	close(runner.release)
	processor, err := NewProcessor(ProcessorConfig{Runner: runner, Repository: repo, Queue: q, Metrics: recorder, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	processor.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = processor.Shutdown(ctx)
	}()

	if _, err := q.Publish(context.Background(), "done"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return strings.Contains(queueEvents(recorder), `vodforge_queue_events_total{event="skipped"} 1`)
	}, "finished video was not skipped")
	if runner.count("done") != 0 {
		t.Fatalf("finished video must not be transcoded again")
	}
}

func TestEnqueueResetsStatusToPending(t *testing.T) {
	repo := storage.NewMemoryRepository()
	seedVideos(t, repo, "retry")
	if _, err := repo.UpdateVideo(context.Background(), "retry", storage.StatusUpdate(models.VideoStatusError)); err != nil {
		t.Fatalf("UpdateVideo: %v", err)
	}
	q := queue.NewMemoryQueue(1, metrics.New())
	job, err := Enqueue(context.Background(), repo, q, "retry")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if job.WatchID != "retry" || job.ID == "" {
		t.Fatalf("unexpected job %+v", job)
	}
	video, _ := repo.GetVideo(context.Background(), "retry")
	if video.Status != models.VideoStatusPending {
		t.Fatalf("expected PENDING, got %s", video.Status)
	}
	if _, err := Enqueue(context.Background(), repo, q, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestSweepRepublishesStalePendingVideos(t *testing.T) {
	clock := newManualClock()
	repo := storage.NewMemoryRepository(storage.WithClock(clock.Now))
	seedVideos(t, repo, "p1", "p2", "finished")
	if _, err := repo.UpdateVideo(context.Background(), "finished", storage.StatusUpdate(models.VideoStatusDone)); err != nil {
		t.Fatalf("UpdateVideo: %v", err)
	}
	q := queue.NewMemoryQueue(8, metrics.New())
	sweeper, err := NewSweeper(SweeperConfig{
		Repository: repo,
		Queue:      q,
		Schedule:   "*/5 * * * *",
		StaleAfter: time.Hour,
		Now:        clock.Now,
		Metrics:    metrics.New(),
		Logger:     logging.Discard(),
	})
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}

	if count, err := sweeper.Sweep(context.Background()); err != nil || count != 0 {
		t.Fatalf("fresh videos must not be republished, got %d (%v)", count, err)
	}

	clock.Advance(2 * time.Hour)
	count, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 recovered jobs, got %d", count)
	}
	stored, _ := repo.GetVideo(context.Background(), "p1")
	if !stored.UpdatedAt.Equal(clock.Now()) || stored.Status != models.VideoStatusPending {
		t.Fatalf("recovered video not re-stamped: %+v", stored)
	}

	sub := q.Subscribe()
	defer sub.Close()
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case job := <-sub.Jobs():
			seen[job.WatchID] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for recovered job")
		}
	}
	if !seen["p1"] || !seen["p2"] {
		t.Fatalf("unexpected recovered jobs %v", seen)
	}

	if count, err := sweeper.Sweep(context.Background()); err != nil || count != 0 {
		t.Fatalf("recovered videos must wait another window, got %d (%v)", count, err)
	}
	clock.Advance(2 * time.Hour)
	if count, err := sweeper.Sweep(context.Background()); err != nil || count != 2 {
		t.Fatalf("expected videos still PENDING to be recovered again, got %d (%v)", count, err)
	}
}

func TestSweepRespectsBatchSize(t *testing.T) {
	clock := newManualClock()
	repo := storage.NewMemoryRepository(storage.WithClock(clock.Now))
	seedVideos(t, repo, "p1", "p2", "p3")
	clock.Advance(3 * time.Hour)
	sweeper, err := NewSweeper(SweeperConfig{
		Repository: repo,
		Queue:      queue.NewMemoryQueue(8, metrics.New()),
		BatchSize:  2,
		StaleAfter: time.Hour,
		Now:        clock.Now,
		Logger:     logging.Discard(),
	})
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	if count, err := sweeper.Sweep(context.Background()); err != nil || count != 2 {
		t.Fatalf("expected batch of 2, got %d (%v)", count, err)
	}
	if count, err := sweeper.Sweep(context.Background()); err != nil || count != 1 {
		t.Fatalf("expected remaining video, got %d (%v)", count, err)
	}
}

func TestSweepDoesNotDuplicateRunningJob(t *testing.T) {
	clock := newManualClock()
	repo := storage.NewMemoryRepository(storage.WithClock(clock.Now))
	seedVideos(t, repo, "a")
	recorder := metrics.New()
	q := queue.NewMemoryQueue(8, recorder)
	runner := newBlockingRunner()

	// Two processors model two worker processes sharing one queue.
	for i := 0; i < 2; i++ {
		processor, err := NewProcessor(ProcessorConfig{Runner: runner, Repository: repo, Queue: q, Workers: 1, Metrics: recorder, Logger: logging.Discard()})
		if err != nil {
			t.Fatalf("NewProcessor: %v", err)
		}
		processor.Start()
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = processor.Shutdown(ctx)
		})
	}
	t.Cleanup(func() { close(runner.release) })

	if _, err := Enqueue(context.Background(), repo, q, "a"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	select {
	case <-runner.started:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not start")
	}

	sweeper, err := NewSweeper(SweeperConfig{Repository: repo, Queue: q, StaleAfter: time.Hour, Now: clock.Now, Metrics: recorder, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	clock.Advance(10 * time.Minute)
	for i := 0; i < 2; i++ {
		count, err := sweeper.Sweep(context.Background())
		if err != nil {
			t.Fatalf("Sweep: %v", err)
		}
		if count != 0 {
			t.Fatalf("sweep republished %d jobs while the video was transcoding", count)
		}
		clock.Advance(5 * time.Minute)
	}
	select {
	case id := <-runner.started:
		t.Fatalf("video %s started twice", id)
	case <-time.After(100 * time.Millisecond):
	}
	if got := runner.count("a"); got != 1 {
		t.Fatalf("expected one run, got %d", got)
	}
}

func TestSweeperSchedule(t *testing.T) {
	if got := normalizeSchedule("*/5 * * * *"); got != "0 */5 * * * *" {
		t.Fatalf("unexpected schedule %q", got)
	}
	if got := normalizeSchedule(""); got != defaultSweepSchedule {
		t.Fatalf("unexpected default %q", got)
	}
	repo := storage.NewMemoryRepository()
	if _, err := NewSweeper(SweeperConfig{Repository: repo, Queue: queue.NewMemoryQueue(1, metrics.New()), Schedule: "not a schedule"}); err == nil {
		t.Fatal("expected invalid schedule to be rejected")
	}
}

func TestSweeperStartStop(t *testing.T) {
	clock := newManualClock()
	repo := storage.NewMemoryRepository(storage.WithClock(clock.Now))
	seedVideos(t, repo, "p1")
	clock.Advance(3 * time.Hour)
	recorder := metrics.New()
	q := queue.NewMemoryQueue(8, recorder)
	sweeper, err := NewSweeper(SweeperConfig{Repository: repo, Queue: q, Schedule: "@every 1h", StaleAfter: time.Hour, Now: clock.Now, Metrics: recorder, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	sweeper.Start()
	waitFor(t, 2*time.Second, func() bool {
		return strings.Contains(queueEvents(recorder), `vodforge_queue_events_total{event="recovered"} 1`)
	}, "initial sweep did not run")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sweeper.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
