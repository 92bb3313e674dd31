package runner

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dontdude/goenact/internal/domain"
)

// Decode turns the captured streams of a finished run into a result.
// A non-zero exit is an *domain.ExecutionError and stdout is not looked at.
// Otherwise stdout, trimmed of surrounding whitespace, must hold exactly one
// JSON value; anything else is an *domain.OutputDecodeError carrying the raw
// text. Numbers decode as float64. Callers that cap stdout must check for
// truncation first; see TruncatedOutputError.
func Decode(stdout, stderr string, exitCode int, duration time.Duration) (*domain.ExecutionResult, error) {
	if exitCode != 0 {
		return nil, &domain.ExecutionError{ExitCode: exitCode, Stderr: stderr}
	}

	var value any
	if err := json.Unmarshal([]byte(strings.TrimSpace(stdout)), &value); err != nil {
		return nil, &domain.OutputDecodeError{Raw: stdout, Err: err}
	}

	return &domain.ExecutionResult{
		Value:    value,
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: 0,
		Duration: duration,
	}, nil
}

// TruncatedOutputError reports a successful run whose stdout hit the
// capture limit. The captured prefix is never decoded: it may be valid JSON
// that is not the value the script printed.
func TruncatedOutputError(raw string, limit int) error {
	return &domain.OutputDecodeError{Raw: raw, Err: fmt.Errorf("%w: exceeded %d bytes", ErrOutputTruncated, limit)}
}

// ErrOutputTruncated marks stdout that was cut at the capture limit.
var ErrOutputTruncated = errors.New("output truncated")

// CapWriter returns a writer that passes at most limit bytes to w and
// discards the rest.
func CapWriter(w io.Writer, limit int) *LimitedWriter {
	return &LimitedWriter{w: w, remaining: limit}
}

// LimitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is discarded and reported as written.
type LimitedWriter struct {
	w         io.Writer
	remaining int
	truncated bool
}

// Truncated reports whether any data was discarded.
func (lw *LimitedWriter) Truncated() bool { return lw.truncated }

func (lw *LimitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		lw.truncated = lw.truncated || len(p) > 0
		return len(p), nil
	}
	n := len(p)
	if n > lw.remaining {
		p = p[:lw.remaining]
		lw.truncated = true
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}
