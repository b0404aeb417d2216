package media

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// RenditionSpec describes one HLS quality level.
type RenditionSpec struct {
	Label            string `yaml:"label"`
	Width            int    `yaml:"width"`
	Height           int    `yaml:"height"`
	VideoBitrateKbps int    `yaml:"video_bitrate_kbps"`
	MaxrateKbps      int    `yaml:"maxrate_kbps"`
	BufsizeKbps      int    `yaml:"bufsize_kbps"`
	AudioBitrateKbps int    `yaml:"audio_bitrate_kbps"`
}

// PlaylistName is the file name of the rendition's media playlist.
func (r RenditionSpec) PlaylistName() string {
	return r.Label + ".m3u8"
}

// SegmentPattern is the ffmpeg segment filename template for the rendition.
func (r RenditionSpec) SegmentPattern() string {
	return r.Label + "_%03d.ts"
}

// Bandwidth is the advertised peak bandwidth in bits per second.
func (r RenditionSpec) Bandwidth() int {
	return r.VideoBitrateKbps * 1000
}

// Resolution renders WIDTHxHEIGHT.
func (r RenditionSpec) Resolution() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// DefaultLadder returns the built-in 360p/480p/720p ladder.
func DefaultLadder() []RenditionSpec {
	return []RenditionSpec{
		{Label: "360p", Width: 640, Height: 360, VideoBitrateKbps: 800, MaxrateKbps: 856, BufsizeKbps: 1200, AudioBitrateKbps: 96},
		{Label: "480p", Width: 842, Height: 480, VideoBitrateKbps: 1400, MaxrateKbps: 1498, BufsizeKbps: 2100, AudioBitrateKbps: 128},
		{Label: "720p", Width: 1280, Height: 720, VideoBitrateKbps: 2800, MaxrateKbps: 2996, BufsizeKbps: 4200, AudioBitrateKbps: 128},
	}
}

var labelPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// ValidateLadder checks that labels are unique file-safe names, that every
// rate is positive and that video bitrates strictly ascend.
func ValidateLadder(ladder []RenditionSpec) error {
	if len(ladder) == 0 {
		return errors.New("ladder has no renditions")
	}
	seen := make(map[string]struct{}, len(ladder))
	for i, r := range ladder {
		if !labelPattern.MatchString(r.Label) {
			return fmt.Errorf("rendition %d: invalid label %q", i, r.Label)
		}
		if _, dup := seen[r.Label]; dup {
			return fmt.Errorf("rendition %d: duplicate label %q", i, r.Label)
		}
		seen[r.Label] = struct{}{}
		if r.Width <= 0 || r.Height <= 0 {
			return fmt.Errorf("rendition %s: dimensions must be positive", r.Label)
		}
		if r.VideoBitrateKbps <= 0 || r.MaxrateKbps <= 0 || r.BufsizeKbps <= 0 || r.AudioBitrateKbps <= 0 {
			return fmt.Errorf("rendition %s: bitrates must be positive", r.Label)
		}
		if i > 0 && r.VideoBitrateKbps <= ladder[i-1].VideoBitrateKbps {
			return fmt.Errorf("rendition %s: video bitrate must exceed %s", r.Label, ladder[i-1].Label)
		}
	}
	return nil
}

type ladderFile struct {
	Renditions []RenditionSpec `yaml:"renditions"`
}

// LoadLadder reads a YAML ladder definition. An empty path returns
// DefaultLadder.
func LoadLadder(path string) ([]RenditionSpec, error) {
	if path == "" {
		return DefaultLadder(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ladder: %w", err)
	}
	return ParseLadder(data)
}

// ParseLadder decodes and validates a YAML ladder document.
func ParseLadder(data []byte) ([]RenditionSpec, error) {
	var file ladderFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode ladder: %w", err)
	}
	if err := ValidateLadder(file.Renditions); err != nil {
		return nil, err
	}
	return file.Renditions, nil
}
