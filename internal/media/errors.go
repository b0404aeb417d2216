package media

import "fmt"

const diagnosticLines = 5

// ProbeError reports that the duration of a source could not be determined.
type ProbeError struct {
	Path     string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProbeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("probe %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("probe %s: exit status %d: %s", e.Path, e.ExitCode, e.Stderr)
}

func (e *ProbeError) Unwrap() error {
	return e.Err
}

// EncodeError reports a failed encoder invocation. Op is "frame" for
// thumbnail extraction and "renditions" for HLS encoding.
type EncodeError struct {
	Op       string
	Path     string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *EncodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("encode %s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("encode %s %s: exit status %d: %s", e.Op, e.Path, e.ExitCode, e.Stderr)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}

func newEncodeError(op, path string, result Result) *EncodeError {
	return &EncodeError{
		Op:       op,
		Path:     path,
		ExitCode: result.ExitCode,
		Stderr:   result.StderrTail(diagnosticLines),
		Err:      result.Err,
	}
}
