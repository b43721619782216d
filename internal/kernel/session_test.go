package kernel

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func requirePython(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
}

func newTestSession(t *testing.T) *Session {
	t.Helper()
	s := NewSession(Config{StartTimeout: 20 * time.Second, ExecTimeout: 20 * time.Second})
	t.Cleanup(s.Shutdown)
	return s
}

func TestSession_StartAndExecute(t *testing.T) {
	requirePython(t)
	s := newTestSession(t)
	if got := s.State(); got != StateUnstarted {
		t.Fatalf("initial state: %s", got)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := s.State(); got != StateReady {
		t.Fatalf("state after start: %s", got)
	}
	out, err := s.Execute(context.Background(), `print("hello")`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if strings.TrimSpace(out) != "hello" {
		t.Fatalf("output: %q", out)
	}
	if got := s.State(); got != StateReady {
		t.Fatalf("state after execute: %s", got)
	}
}

func TestSession_StartIsIdempotent(t *testing.T) {
	requirePython(t)
	s := newTestSession(t)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
}

func TestSession_NamespacePersistsAcrossSubmissions(t *testing.T) {
	requirePython(t)
	s := newTestSession(t)
	if _, err := s.Execute(context.Background(), "x = 21"); err != nil {
		t.Fatalf("first submission: %v", err)
	}
	out, err := s.Execute(context.Background(), "print(x * 2)")
	if err != nil {
		t.Fatalf("second submission: %v", err)
	}
	if strings.TrimSpace(out) != "42" {
		t.Fatalf("output: %q", out)
	}
}

func TestSession_ExecutionError(t *testing.T) {
	requirePython(t)
	s := newTestSession(t)
	out, err := s.Execute(context.Background(), `print("before")`+"\n"+`raise ValueError("boom")`)
	var ee *ExecutionError
	if !errors.As(err, &ee) {
		t.Fatalf("want ExecutionError, got %v", err)
	}
	if ee.Name != "ValueError" || ee.Value != "boom" {
		t.Fatalf("classification: %s / %s", ee.Name, ee.Value)
	}
	if !strings.Contains(out, "before") || !strings.Contains(ee.Output, "before") {
		t.Fatalf("partial output lost: %q", out)
	}
	// The session recovers and keeps serving.
	out, err = s.Execute(context.Background(), `print("after")`)
	if err != nil {
		t.Fatalf("post-error submission: %v", err)
	}
	if strings.TrimSpace(out) != "after" {
		t.Fatalf("output: %q", out)
	}
}

func TestSession_ResponseTimeout(t *testing.T) {
	requirePython(t)
	s := NewSession(Config{StartTimeout: 20 * time.Second, ExecTimeout: 500 * time.Millisecond})
	t.Cleanup(s.Shutdown)
	_, err := s.Execute(context.Background(), "import time\ntime.sleep(30)")
	var rt *ResponseTimeout
	if !errors.As(err, &rt) {
		t.Fatalf("want ResponseTimeout, got %v", err)
	}
	if s.State() != StateStopped {
		t.Fatalf("state after timeout: %s", s.State())
	}
	// A fresh interpreter is spawned on the next submission.
	out, err := s.Execute(context.Background(), `print("fresh")`)
	if err != nil {
		t.Fatalf("post-timeout submission: %v", err)
	}
	if strings.TrimSpace(out) != "fresh" {
		t.Fatalf("output: %q", out)
	}
}

func TestSession_StartupFailure(t *testing.T) {
	s := NewSession(Config{Interpreter: []string{"true"}, StartTimeout: 5 * time.Second})
	t.Cleanup(s.Shutdown)
	err := s.Start(context.Background())
	var st *StartupTimeout
	if !errors.As(err, &st) {
		t.Fatalf("want StartupTimeout, got %v", err)
	}
	if s.State() != StateStopped {
		t.Fatalf("state: %s", s.State())
	}
}

func TestSession_StartupFailureCarriesStderr(t *testing.T) {
	s := NewSession(Config{
		Interpreter:  []string{"sh", "-c", "echo 'ModuleNotFoundError: no module named json' >&2; exit 1"},
		StartTimeout: 5 * time.Second,
	})
	t.Cleanup(s.Shutdown)
	err := s.Start(context.Background())
	var st *StartupTimeout
	if !errors.As(err, &st) {
		t.Fatalf("want StartupTimeout, got %v", err)
	}
	if !strings.Contains(st.Error(), "ModuleNotFoundError") {
		t.Fatalf("stderr not folded into the error: %v", st)
	}
}

func TestSession_ShutdownIsIdempotent(t *testing.T) {
	requirePython(t)
	s := newTestSession(t)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Shutdown()
	s.Shutdown()
	if s.State() != StateStopped {
		t.Fatalf("state: %s", s.State())
	}
}
