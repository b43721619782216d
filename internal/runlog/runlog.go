// Package runlog writes the human-readable debris of a run: per-attempt
// code/output/error files, debate transcripts, and the structured process
// log. These files exist for the operator digging into a failed migration;
// the durable machine-readable record lives in runstore.
package runlog

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// NewLogger builds the process logger. Development mode trades JSON output
// for console readability.
func NewLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// AttemptKind names the artifact files written for one attempt.
type AttemptKind string

const (
	AttemptCode   AttemptKind = "code"
	AttemptOutput AttemptKind = "output"
	AttemptError  AttemptKind = "error"
)

// AttemptLogger writes one file per artifact under
// <dir>/<unit>/attempt_<n>/<kind>.txt.
type AttemptLogger struct {
	Dir string
}

func (l AttemptLogger) Log(unitID string, attempt int, kind AttemptKind, content string) error {
	if l.Dir == "" {
		return nil
	}
	dir := filepath.Join(l.Dir, unitID, fmt.Sprintf("attempt_%d", attempt))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, string(kind)+".txt"), []byte(content), 0o644)
}

// WriteText drops a standalone file under the log dir, creating parents.
func (l AttemptLogger) WriteText(relPath, content string) error {
	if l.Dir == "" {
		return nil
	}
	path := filepath.Join(l.Dir, relPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
