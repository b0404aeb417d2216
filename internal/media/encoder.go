package media

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// RenditionOutput lists the files produced for one rendition.
type RenditionOutput struct {
	Spec     RenditionSpec
	Playlist string
	Segments []string
}

// Output is the manifest of files produced by an encode. Master is empty
// until the master playlist has been written.
type Output struct {
	Dir        string
	Renditions []RenditionOutput
	Master     string
}

// Files returns every produced file in publish order: each rendition's
// segments followed by its playlist, then the master playlist last.
func (o Output) Files() []string {
	var files []string
	for _, r := range o.Renditions {
		files = append(files, r.Segments...)
		files = append(files, r.Playlist)
	}
	if o.Master != "" {
		files = append(files, o.Master)
	}
	return files
}

// Encoder produces HLS renditions with a single ffmpeg invocation.
type Encoder struct {
	runner Runner
	binary string
	logger *slog.Logger
}

// NewEncoder builds an Encoder. An empty binary defaults to "ffmpeg".
func NewEncoder(runner Runner, binary string, logger *slog.Logger) *Encoder {
	if strings.TrimSpace(binary) == "" {
		binary = "ffmpeg"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Encoder{runner: runner, binary: binary, logger: logger}
}

// BuildEncodeArgs returns the ffmpeg arguments producing one HLS output group
// per rendition in ladder. Scaling never upscales and keeps dimensions even.
func BuildEncodeArgs(source, outputDir string, ladder []RenditionSpec) []string {
	args := []string{"-hide_banner", "-y", "-i", source}
	for _, r := range ladder {
		args = append(args,
			"-vf", fmt.Sprintf("scale=w='min(%d,iw)':h='min(%d,ih)':force_original_aspect_ratio=decrease:force_divisible_by=2", r.Width, r.Height),
			"-c:a", "aac",
			"-ar", "48000",
			"-c:v", "h264",
			"-profile:v", "main",
			"-pix_fmt", "yuv420p",
			"-crf", "20",
			"-sc_threshold", "0",
			"-g", "48",
			"-keyint_min", "48",
			"-hls_time", "4",
			"-hls_playlist_type", "vod",
			"-b:v", fmt.Sprintf("%dk", r.VideoBitrateKbps),
			"-maxrate", fmt.Sprintf("%dk", r.MaxrateKbps),
			"-bufsize", fmt.Sprintf("%dk", r.BufsizeKbps),
			"-b:a", fmt.Sprintf("%dk", r.AudioBitrateKbps),
			"-hls_segment_filename", filepath.Join(outputDir, r.SegmentPattern()),
			filepath.Join(outputDir, r.PlaylistName()),
		)
	}
	return args
}

// Encode renders source into outputDir following ladder and returns the
// manifest of produced files, read back from each rendition playlist.
func (e *Encoder) Encode(ctx context.Context, source, outputDir string, ladder []RenditionSpec) (Output, error) {
	if strings.TrimSpace(source) == "" {
		return Output{}, fmt.Errorf("source path is required")
	}
	if strings.TrimSpace(outputDir) == "" {
		return Output{}, fmt.Errorf("output directory is required")
	}
	if err := ValidateLadder(ladder); err != nil {
		return Output{}, err
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return Output{}, fmt.Errorf("create output directory: %w", err)
	}

	result := e.runner.Run(ctx, Command{Name: e.binary, Args: BuildEncodeArgs(source, outputDir, ladder)})
	if !result.Success() {
		return Output{}, newEncodeError("renditions", source, result)
	}
	e.logger.Info("renditions encoded",
		"source", source,
		"renditions", len(ladder),
		"duration_ms", result.Duration.Milliseconds(),
	)

	out := Output{Dir: outputDir, Renditions: make([]RenditionOutput, 0, len(ladder))}
	for _, r := range ladder {
		playlist := filepath.Join(outputDir, r.PlaylistName())
		segments, err := ReadSegments(playlist)
		if err != nil {
			return Output{}, &EncodeError{Op: "renditions", Path: source, Err: fmt.Errorf("rendition %s: %w", r.Label, err)}
		}
		out.Renditions = append(out.Renditions, RenditionOutput{Spec: r, Playlist: playlist, Segments: segments})
	}
	return out, nil
}
