package config

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var runIDUnsafe = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// SanitizeRunID maps an arbitrary label to something safe to use as a
// directory name: unsafe runs of characters collapse to a single dash and
// the result is capped at 64 characters.
func SanitizeRunID(raw string) string {
	s := runIDUnsafe.ReplaceAllString(strings.TrimSpace(raw), "-")
	s = strings.Trim(s, "-")
	if s == "" {
		s = "run"
	}
	if len(s) > 64 {
		s = s[:64]
	}
	return s
}

// RunPaths is the on-disk layout of one run: a root folder with one
// subdirectory per phase.
type RunPaths struct {
	Root      string
	Discovery string
	Planner   string
	Worker    string
}

// NewRunPaths creates the per-run directory tree under outputDir.
func NewRunPaths(outputDir, runID string) (RunPaths, error) {
	root := filepath.Join(outputDir, SanitizeRunID(runID))
	p := RunPaths{
		Root:      root,
		Discovery: filepath.Join(root, "discovery"),
		Planner:   filepath.Join(root, "planner"),
		Worker:    filepath.Join(root, "worker"),
	}
	for _, dir := range []string{p.Root, p.Discovery, p.Planner, p.Worker} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return RunPaths{}, err
		}
	}
	return p, nil
}
