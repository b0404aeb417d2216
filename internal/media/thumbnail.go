package media

import (
	"context"
	"encoding/base64"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"

	"vodforge/internal/models"
)

// FrameSize is the pixel size of an extracted frame.
type FrameSize struct {
	Width  int
	Height int
}

func (s FrameSize) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

var (
	// PreviewSize is used for the inline candidates offered to the uploader.
	PreviewSize = FrameSize{Width: 256, Height: 144}
	// FullSize is used for persisted thumbnails.
	FullSize = FrameSize{Width: 1280, Height: 720}
)

const (
	// CandidateCount is the number of thumbnail candidates in a preview set.
	CandidateCount = 3
	// TimestampOffset keeps candidate frames away from the very first frame.
	TimestampOffset = 1

	dataURIPrefix = "data:image/png;base64,"
)

// RandomTimestamp returns a uniformly distributed integer in
// [offset, max(duration, offset)].
func RandomTimestamp(duration, offset int) int {
	return randomTimestamp(duration, offset, rand.Intn)
}

func randomTimestamp(duration, offset int, intn func(int) int) int {
	if duration < offset {
		return offset
	}
	return offset + intn(duration-offset+1)
}

// Thumbnailer extracts still frames with ffmpeg.
type Thumbnailer struct {
	runner  Runner
	prober  DurationProber
	binary  string
	tempDir string
	intn    func(int) int
}

// ThumbnailerOption customises a Thumbnailer.
type ThumbnailerOption func(*Thumbnailer)

// WithTempDir places preview frames under dir instead of os.TempDir.
func WithTempDir(dir string) ThumbnailerOption {
	return func(t *Thumbnailer) {
		t.tempDir = strings.TrimSpace(dir)
	}
}

// WithRandom replaces the source of randomness used for preview timestamps.
func WithRandom(intn func(int) int) ThumbnailerOption {
	return func(t *Thumbnailer) {
		if intn != nil {
			t.intn = intn
		}
	}
}

// NewThumbnailer builds a Thumbnailer. An empty binary defaults to "ffmpeg".
func NewThumbnailer(runner Runner, prober DurationProber, binary string, opts ...ThumbnailerOption) *Thumbnailer {
	if strings.TrimSpace(binary) == "" {
		binary = "ffmpeg"
	}
	t := &Thumbnailer{runner: runner, prober: prober, binary: binary, intn: rand.Intn}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// FrameArgs returns the ffmpeg arguments that grab a single frame at
// timestamp seconds.
func FrameArgs(source string, timestamp int, size FrameSize, output string) []string {
	return []string{
		"-ss", strconv.Itoa(timestamp),
		"-i", source,
		"-vframes", "1",
		"-s", size.String(),
		"-y", output,
	}
}

// ExtractFrame writes one frame of source at timestamp to output and returns
// the path written. When output is empty a fresh temporary .png file is used.
func (t *Thumbnailer) ExtractFrame(ctx context.Context, source string, timestamp int, size FrameSize, output string) (string, error) {
	if output == "" {
		file, err := os.CreateTemp(t.tempDir, "frame-*.png")
		if err != nil {
			return "", fmt.Errorf("create frame file: %w", err)
		}
		output = file.Name()
		if err := file.Close(); err != nil {
			return "", fmt.Errorf("close frame file: %w", err)
		}
	}
	result := t.runner.Run(ctx, Command{Name: t.binary, Args: FrameArgs(source, timestamp, size, output)})
	if !result.Success() {
		return "", newEncodeError("frame", source, result)
	}
	return output, nil
}

// GeneratePreviewSet probes source and returns CandidateCount small frames
// taken at random timestamps, each inlined as a PNG data URI. Timestamps may
// repeat.
func (t *Thumbnailer) GeneratePreviewSet(ctx context.Context, source string) ([]models.ThumbnailCandidate, error) {
	duration, err := t.prober.Duration(ctx, source)
	if err != nil {
		return nil, err
	}
	candidates := make([]models.ThumbnailCandidate, 0, CandidateCount)
	for i := 0; i < CandidateCount; i++ {
		timestamp := randomTimestamp(duration, TimestampOffset, t.intn)
		path, err := t.ExtractFrame(ctx, source, timestamp, PreviewSize, "")
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		_ = os.Remove(path)
		if err != nil {
			return nil, fmt.Errorf("read preview frame: %w", err)
		}
		candidates = append(candidates, models.ThumbnailCandidate{
			TimestampSeconds: timestamp,
			Data:             dataURIPrefix + base64.StdEncoding.EncodeToString(data),
		})
	}
	return candidates, nil
}
