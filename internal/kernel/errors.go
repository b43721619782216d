package kernel

import (
	"fmt"
	"strings"
	"time"
)

// ExecutionError reports that submitted code raised instead of completing.
// Output holds whatever the script printed before failing; repair prompts
// need both.
type ExecutionError struct {
	Name      string
	Value     string
	Traceback []string
	Output    string
}

func (e *ExecutionError) Error() string {
	if len(e.Traceback) > 0 {
		return strings.Join(e.Traceback, "\n")
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Value)
}

// ResponseTimeout reports that a submission produced no completion signal
// within the execution deadline. The interpreter is restarted afterwards; a
// hung submission would otherwise wedge every later one. Stderr carries the
// tail of whatever the interpreter wrote before going silent.
type ResponseTimeout struct {
	After  time.Duration
	Output string
	Stderr string
}

func (e *ResponseTimeout) Error() string {
	msg := fmt.Sprintf("no response from interpreter after %s", e.After)
	if tail := tailLines(e.Stderr, stderrTailBytes); tail != "" {
		msg += "\nstderr:\n" + tail
	}
	return msg
}

// StartupTimeout reports that the interpreter never signalled readiness.
// Unlike execution failures this one is fatal to the run: nothing can be
// executed without a live interpreter. Stderr usually names the real cause
// (missing binary, import error) and is part of the message.
type StartupTimeout struct {
	After  time.Duration
	Stderr string
}

func (e *StartupTimeout) Error() string {
	msg := fmt.Sprintf("interpreter not ready after %s", e.After)
	if tail := tailLines(e.Stderr, stderrTailBytes); tail != "" {
		msg += "\nstderr:\n" + tail
	}
	return msg
}

// stderrTailBytes caps how much interpreter stderr gets folded into error
// messages that end up in repair prompts.
const stderrTailBytes = 2000

func tailLines(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
