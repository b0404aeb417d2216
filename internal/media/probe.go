package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DurationProber reports the playable duration of a media file in whole
// seconds.
type DurationProber interface {
	Duration(ctx context.Context, path string) (int, error)
}

// Prober shells out to ffprobe for container-level metadata.
type Prober struct {
	runner Runner
	binary string
}

// NewProber returns a Prober. An empty binary defaults to "ffprobe".
func NewProber(runner Runner, binary string) *Prober {
	if strings.TrimSpace(binary) == "" {
		binary = "ffprobe"
	}
	return &Prober{runner: runner, binary: binary}
}

type probeOutput struct {
	Format *struct {
		Duration json.RawMessage `json:"duration"`
	} `json:"format"`
}

// Duration returns the total duration of path truncated to whole seconds.
func (p *Prober) Duration(ctx context.Context, path string) (int, error) {
	result := p.runner.Run(ctx, Command{
		Name: p.binary,
		Args: []string{"-i", path, "-v", "quiet", "-print_format", "json", "-show_format"},
	})
	if !result.Success() {
		return 0, &ProbeError{
			Path:     path,
			ExitCode: result.ExitCode,
			Stderr:   result.StderrTail(diagnosticLines),
			Err:      result.Err,
		}
	}
	seconds, err := parseDuration(result.Stdout)
	if err != nil {
		return 0, &ProbeError{Path: path, Err: err}
	}
	return seconds, nil
}

func parseDuration(output []byte) (int, error) {
	var payload probeOutput
	if err := json.Unmarshal(output, &payload); err != nil {
		return 0, fmt.Errorf("decode probe output: %w", err)
	}
	if payload.Format == nil {
		return 0, errors.New("probe output has no format section")
	}
	raw := bytes.TrimSpace(payload.Format.Duration)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, errors.New("probe output has no duration")
	}
	text := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, fmt.Errorf("decode duration: %w", err)
		}
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", text, err)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) || value < 0 {
		return 0, fmt.Errorf("invalid duration %q", text)
	}
	return int(math.Trunc(value)), nil
}
