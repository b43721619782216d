// Package kernel runs generated scripts inside a persistent interpreter
// subprocess. The interpreter keeps one namespace alive across submissions,
// so database connections opened by one script are usable by the next. The
// wire protocol is line-delimited JSON over stdin/stdout: submissions carry
// an id, and every stream chunk, error, and completion signal echoes the id
// it belongs to, so stale output from an earlier submission can be discarded.
package kernel

import (
	"bufio"
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

//go:embed runner.py
var runnerScript []byte

type State string

const (
	StateUnstarted State = "unstarted"
	StateStarting  State = "starting"
	StateReady     State = "ready"
	StateExecuting State = "executing"
	StateStopped   State = "stopped"
)

type Config struct {
	// Interpreter is the command prefix the runner script is appended to.
	Interpreter []string

	StartTimeout time.Duration
	ExecTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if len(c.Interpreter) == 0 {
		c.Interpreter = []string{"python3", "-u"}
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = 30 * time.Second
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = 10 * time.Minute
	}
	return c
}

// wireMsg is one line of interpreter output.
type wireMsg struct {
	Type      string   `json:"type"`
	ID        string   `json:"id"`
	Text      string   `json:"text"`
	Ename     string   `json:"ename"`
	Evalue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
	State     string   `json:"state"`
}

// Session owns one interpreter subprocess. All methods are safe for
// concurrent use; submissions are serialized.
type Session struct {
	cfg Config

	mu         sync.Mutex
	state      State
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	lines      chan wireMsg
	stderr     *lockedBuffer
	scriptPath string
}

// lockedBuffer guards the interpreter's stderr: exec's copier goroutine
// writes it while timeout paths read it.
type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) String() string {
	if l == nil {
		return ""
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

func NewSession(cfg Config) *Session {
	return &Session{cfg: cfg.withDefaults(), state: StateUnstarted}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start launches the interpreter and waits for its ready signal. Calling
// Start on a running session is a no-op.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(ctx)
}

func (s *Session) startLocked(ctx context.Context) error {
	switch s.state {
	case StateReady, StateExecuting, StateStarting:
		return nil
	}
	s.state = StateStarting

	dir, err := os.MkdirTemp("", "caravan-kernel-*")
	if err != nil {
		s.state = StateStopped
		return err
	}
	script := filepath.Join(dir, "runner.py")
	if err := os.WriteFile(script, runnerScript, 0o644); err != nil {
		_ = os.RemoveAll(dir)
		s.state = StateStopped
		return err
	}

	args := append(append([]string{}, s.cfg.Interpreter[1:]...), script)
	cmd := exec.Command(s.cfg.Interpreter[0], args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		_ = os.RemoveAll(dir)
		s.state = StateStopped
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = os.RemoveAll(dir)
		s.state = StateStopped
		return err
	}
	stderr := &lockedBuffer{}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		_ = os.RemoveAll(dir)
		s.state = StateStopped
		return err
	}

	lines := make(chan wireMsg, 64)
	go readLines(stdout, lines)

	s.cmd = cmd
	s.stdin = stdin
	s.lines = lines
	s.stderr = stderr
	s.scriptPath = dir

	timer := time.NewTimer(s.cfg.StartTimeout)
	defer timer.Stop()
	for {
		select {
		case msg, ok := <-lines:
			if !ok {
				s.teardownLocked()
				return &StartupTimeout{After: s.cfg.StartTimeout, Stderr: s.stderr.String()}
			}
			if msg.Type == "status" && msg.State == "ready" {
				s.state = StateReady
				return nil
			}
		case <-timer.C:
			s.teardownLocked()
			return &StartupTimeout{After: s.cfg.StartTimeout, Stderr: s.stderr.String()}
		case <-ctx.Done():
			s.teardownLocked()
			return ctx.Err()
		}
	}
}

func readLines(r io.Reader, out chan<- wireMsg) {
	defer close(out)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var msg wireMsg
		if err := json.Unmarshal(sc.Bytes(), &msg); err != nil {
			// Non-protocol noise on stdout is folded into the transcript
			// as an untagged stream chunk.
			msg = wireMsg{Type: "stream", Text: sc.Text() + "\n"}
		}
		out <- msg
	}
}

// Execute submits code and collects its output until the interpreter
// signals completion. A raised exception returns *ExecutionError with the
// partial output attached. A silent interpreter returns *ResponseTimeout
// and the subprocess is replaced, since its state can no longer be trusted.
func (s *Session) Execute(ctx context.Context, code string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateUnstarted || s.state == StateStopped {
		if err := s.startLocked(ctx); err != nil {
			return "", err
		}
	}

	id := ulid.Make().String()
	req, err := json.Marshal(map[string]string{"id": id, "code": code})
	if err != nil {
		return "", err
	}
	s.state = StateExecuting
	defer func() {
		if s.state == StateExecuting {
			s.state = StateReady
		}
	}()

	if _, err := s.stdin.Write(append(req, '\n')); err != nil {
		s.teardownLocked()
		return "", err
	}

	var out strings.Builder
	var execErr *ExecutionError
	timer := time.NewTimer(s.cfg.ExecTimeout)
	defer timer.Stop()
	for {
		select {
		case msg, ok := <-s.lines:
			if !ok {
				s.teardownLocked()
				if execErr != nil {
					execErr.Output = out.String()
					return out.String(), execErr
				}
				return out.String(), &ResponseTimeout{After: s.cfg.ExecTimeout, Output: out.String(), Stderr: s.stderr.String()}
			}
			if msg.ID != "" && msg.ID != id {
				continue
			}
			switch msg.Type {
			case "stream":
				out.WriteString(msg.Text)
			case "error":
				execErr = &ExecutionError{Name: msg.Ename, Value: msg.Evalue, Traceback: msg.Traceback}
			case "status":
				if msg.State == "idle" && msg.ID == id {
					if execErr != nil {
						execErr.Output = out.String()
						return out.String(), execErr
					}
					return out.String(), nil
				}
			}
		case <-timer.C:
			s.teardownLocked()
			return out.String(), &ResponseTimeout{After: s.cfg.ExecTimeout, Output: out.String(), Stderr: s.stderr.String()}
		case <-ctx.Done():
			s.teardownLocked()
			return out.String(), ctx.Err()
		}
	}
}

// Shutdown stops the interpreter. It is idempotent and never fails; a
// shutdown error leaves nothing for the caller to do.
func (s *Session) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked()
}

func (s *Session) teardownLocked() {
	if s.stdin != nil {
		_ = s.stdin.Close()
		s.stdin = nil
	}
	if s.cmd != nil && s.cmd.Process != nil {
		done := make(chan struct{})
		cmd := s.cmd
		go func() {
			// cmd.Wait also joins the stderr copier, so the buffer is
			// complete once this returns.
			_ = cmd.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			_ = cmd.Process.Kill()
		}
		s.cmd = nil
	}
	if s.scriptPath != "" {
		_ = os.RemoveAll(s.scriptPath)
		s.scriptPath = ""
	}
	s.lines = nil
	s.state = StateStopped
}
