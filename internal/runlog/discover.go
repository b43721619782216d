package runlog

import (
	"io/fs"
	"os"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// Glob patterns for the run folder layout.
const (
	reportPattern   = "**/execution_report.json"
	catalogPattern  = "**/schema_catalog_*.json"
	analysisPattern = "**/schema_analysis_*.md"
	failurePattern  = "worker/*/attempt_*/error.txt"
)

func globSorted(fsys fs.FS, pattern string) ([]string, error) {
	matches, err := doublestar.Glob(fsys, pattern)
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// FindReports returns execution reports under root, relative paths sorted.
func FindReports(root string) ([]string, error) {
	return globSorted(os.DirFS(root), reportPattern)
}

// FindCatalogs returns the timestamped catalog documents under root.
func FindCatalogs(root string) ([]string, error) {
	return globSorted(os.DirFS(root), catalogPattern)
}

// FindAnalysisReports returns the markdown discovery reports under root.
func FindAnalysisReports(root string) ([]string, error) {
	return globSorted(os.DirFS(root), analysisPattern)
}

// FindFailures returns the error files of every failed attempt in one run
// folder, which is the first thing an operator wants after a partial run.
func FindFailures(runRoot string) ([]string, error) {
	return globSorted(os.DirFS(runRoot), failurePattern)
}
