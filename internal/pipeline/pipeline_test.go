package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"vodforge/internal/media"
	"vodforge/internal/models"
	"vodforge/internal/objectstore"
	"vodforge/internal/observability/logging"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/publish"
	"vodforge/internal/storage"
)

// fakeEncoder writes one segment and one playlist per rendition, or fails.
type fakeEncoder struct {
	mu     sync.Mutex
	calls  int
	err    error
	ctx    context.Context
	before func()
}

func (e *fakeEncoder) Encode(ctx context.Context, source, outputDir string, ladder []media.RenditionSpec) (media.Output, error) {
	e.mu.Lock()
	e.calls++
	e.ctx = ctx
	e.mu.Unlock()
	if e.before != nil {
		e.before()
	}
	if e.err != nil {
		return media.Output{}, e.err
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return media.Output{}, err
	}
	out := media.Output{Dir: outputDir}
	for _, spec := range ladder {
		segment := filepath.Join(outputDir, fmt.Sprintf("%s_000.ts", spec.Label))
		playlist := filepath.Join(outputDir, spec.PlaylistName())
		if err := os.WriteFile(segment, []byte("ts"), 0o644); err != nil {
			return media.Output{}, err
		}
		if err := os.WriteFile(playlist, []byte("#EXTM3U\n"), 0o644); err != nil {
			return media.Output{}, err
		}
		out.Renditions = append(out.Renditions, media.RenditionOutput{Spec: spec, Playlist: playlist, Segments: []string{segment}})
	}
	return out, nil
}

func (e *fakeEncoder) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type countingPublisher struct {
	calls int
	err   error
}

func (p *countingPublisher) Publish(context.Context, models.Video, media.Output) error {
	p.calls++
	return p.err
}

type failingProber struct{}

func (failingProber) Duration(_ context.Context, path string) (int, error) {
	return 0, &media.ProbeError{Path: path, ExitCode: 1, Err: errors.New("invalid data")}
}

type pipelineFixture struct {
	repo       storage.Repository
	store      storage.MediaStore
	remoteRoot string
	source     string
	video      models.Video
}

func newFixture(t *testing.T) pipelineFixture {
	t.Helper()
	root := t.TempDir()
	store, err := storage.NewFilesystemMediaStore(filepath.Join(root, "media"))
	if err != nil {
		t.Fatalf("NewFilesystemMediaStore: %v", err)
	}
	source := filepath.Join(root, "uploads", "Holiday Clip.mp4")
	if err := os.MkdirAll(filepath.Dir(source), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(source, []byte("source"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	repo := storage.NewMemoryRepository()
	video, err := repo.CreateVideo(context.Background(), models.Video{
		WatchID:          "watch-1",
		ChannelID:        "chan-1",
		UploadedFilePath: source,
		UploadedFileName: "Holiday Clip.mp4",
	})
	if err != nil {
		t.Fatalf("CreateVideo: %v", err)
	}
	return pipelineFixture{
		repo:       repo,
		store:      store,
		remoteRoot: filepath.Join(root, "remote"),
		source:     source,
		video:      video,
	}
}

func (f pipelineFixture) filesystemPublisher(t *testing.T) *publish.Publisher {
	t.Helper()
	uploader, err := objectstore.New(objectstore.Config{Driver: objectstore.DriverFilesystem, Root: f.remoteRoot})
	if err != nil {
		t.Fatalf("objectstore.New: %v", err)
	}
	return publish.New(publish.Config{Uploader: uploader, Metrics: metrics.New(), Logger: logging.Discard()})
}

func (f pipelineFixture) orchestrator(t *testing.T, encoder RenditionEncoder, publisher Publisher, prober media.DurationProber) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(OrchestratorConfig{
		Repository: f.repo,
		MediaStore: f.store,
		Encoder:    encoder,
		Publisher:  publisher,
		Prober:     prober,
		Metrics:    metrics.New(),
		Logger:     logging.Discard(),
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	return o
}

func (f pipelineFixture) status(t *testing.T) models.VideoStatus {
	t.Helper()
	video, err := f.repo.GetVideo(context.Background(), f.video.WatchID)
	if err != nil {
		t.Fatalf("GetVideo: %v", err)
	}
	return video.Status
}

func TestOrchestratorPublishesAndMarksDone(t *testing.T) {
	f := newFixture(t)
	encoder := &fakeEncoder{}
	o := f.orchestrator(t, encoder, f.filesystemPublisher(t), nil)

	if err := o.Run(context.Background(), "watch-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status := f.status(t); status != models.VideoStatusDone {
		t.Fatalf("expected DONE, got %s", status)
	}

	outDir := f.store.Dir("chan-1", "watch-1")
	entries, err := os.ReadDir(outDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected published files to be removed, found %d", len(entries))
	}

	remoteDir := filepath.Join(f.remoteRoot, "chan-1", "watch-1")
	for _, name := range []string{"360p_000.ts", "360p.m3u8", "480p.m3u8", "720p_000.ts", "playlist.m3u8", "Holiday Clip.mp4"} {
		if _, err := os.Stat(filepath.Join(remoteDir, name)); err != nil {
			t.Fatalf("expected remote %s: %v", name, err)
		}
	}
	master, err := os.ReadFile(filepath.Join(remoteDir, "playlist.m3u8"))
	if err != nil {
		t.Fatalf("read master: %v", err)
	}
	if string(master) != media.BuildMasterPlaylist(media.DefaultLadder()) {
		t.Fatalf("unexpected master playlist:\n%s", master)
	}
	if _, err := os.Stat(f.source); err != nil {
		t.Fatalf("source must stay in place: %v", err)
	}
}

func TestOrchestratorEncoderFailureMarksErrorWithoutUpload(t *testing.T) {
	f := newFixture(t)
	encodeErr := &media.EncodeError{Op: "renditions", Path: f.source, ExitCode: 1, Err: errors.New("exit status 1")}
	encoder := &fakeEncoder{err: encodeErr}
	publisher := &countingPublisher{}
	o := f.orchestrator(t, encoder, publisher, nil)

	err := o.Run(context.Background(), "watch-1")
	var jobErr *JobError
	if !errors.As(err, &jobErr) || jobErr.Stage != StageEncode {
		t.Fatalf("expected encode JobError, got %v", err)
	}
	var target *media.EncodeError
	if !errors.As(err, &target) {
		t.Fatalf("expected EncodeError in chain, got %v", err)
	}
	if publisher.calls != 0 {
		t.Fatalf("expected no upload, got %d publish calls", publisher.calls)
	}
	if status := f.status(t); status != models.VideoStatusError {
		t.Fatalf("expected ERROR, got %s", status)
	}
}

func TestOrchestratorPublishFailureMarksError(t *testing.T) {
	f := newFixture(t)
	uploadErr := &publish.UploadError{Path: "x", Key: "y", Err: errors.New("503")}
	o := f.orchestrator(t, &fakeEncoder{}, &countingPublisher{err: uploadErr}, nil)

	err := o.Run(context.Background(), "watch-1")
	var target *publish.UploadError
	if !errors.As(err, &target) {
		t.Fatalf("expected UploadError, got %v", err)
	}
	if status := f.status(t); status != models.VideoStatusError {
		t.Fatalf("expected ERROR after upload failure, got %s", status)
	}
}

func TestOrchestratorProbeFailureMarksErrorBeforeEncoding(t *testing.T) {
	f := newFixture(t)
	encoder := &fakeEncoder{}
	o := f.orchestrator(t, encoder, &countingPublisher{}, failingProber{})

	err := o.Run(context.Background(), "watch-1")
	var target *media.ProbeError
	if !errors.As(err, &target) {
		t.Fatalf("expected ProbeError, got %v", err)
	}
	if encoder.callCount() != 0 {
		t.Fatalf("encoder must not run after probe failure")
	}
	if status := f.status(t); status != models.VideoStatusError {
		t.Fatalf("expected ERROR after probe failure, got %s", status)
	}
}

func TestOrchestratorReloadsBeforeWritingStatus(t *testing.T) {
	f := newFixture(t)
	encoder := &fakeEncoder{before: func() {
		if _, err := f.repo.UpdateVideo(context.Background(), "watch-1", storage.ThumbnailUpdate("/thumbs/edited.png")); err != nil {
			t.Errorf("concurrent edit: %v", err)
		}
	}}
	o := f.orchestrator(t, encoder, &countingPublisher{}, nil)
	if err := o.Run(context.Background(), "watch-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	video, err := f.repo.GetVideo(context.Background(), "watch-1")
	if err != nil {
		t.Fatalf("GetVideo: %v", err)
	}
	if video.Status != models.VideoStatusDone {
		t.Fatalf("expected DONE, got %s", video.Status)
	}
	if video.ThumbnailPath == nil || *video.ThumbnailPath != "/thumbs/edited.png" {
		t.Fatalf("concurrent thumbnail edit lost: %v", video.ThumbnailPath)
	}
}

func TestOrchestratorEncoderIgnoresCancellation(t *testing.T) {
	f := newFixture(t)
	encoder := &fakeEncoder{}
	o := f.orchestrator(t, encoder, &countingPublisher{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := o.Run(ctx, "watch-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if encoder.ctx == nil || encoder.ctx.Done() != nil {
		t.Fatalf("encoder context must not be cancellable")
	}
}

func TestOrchestratorMissingVideo(t *testing.T) {
	f := newFixture(t)
	encoder := &fakeEncoder{}
	o := f.orchestrator(t, encoder, &countingPublisher{}, nil)
	err := o.Run(context.Background(), "nope")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var jobErr *JobError
	if !errors.As(err, &jobErr) || jobErr.Stage != StageLoad {
		t.Fatalf("expected load stage, got %v", err)
	}
	if encoder.callCount() != 0 {
		t.Fatalf("encoder must not run for a missing video")
	}
}

func TestNewOrchestratorRejectsBadLadder(t *testing.T) {
	f := newFixture(t)
	ladder := media.DefaultLadder()
	ladder[0], ladder[2] = ladder[2], ladder[0]
	_, err := NewOrchestrator(OrchestratorConfig{
		Repository: f.repo,
		MediaStore: f.store,
		Encoder:    &fakeEncoder{},
		Publisher:  &countingPublisher{},
		Ladder:     ladder,
	})
	if err == nil {
		t.Fatal("expected descending ladder to be rejected")
	}
	if _, err := NewOrchestrator(OrchestratorConfig{}); err == nil {
		t.Fatal("expected missing collaborators to be rejected")
	}
}
