package runlog

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAttemptLogger_Layout(t *testing.T) {
	dir := t.TempDir()
	l := AttemptLogger{Dir: dir}
	if err := l.Log("2_extract_and_load_all_data", 3, AttemptError, "boom"); err != nil {
		t.Fatalf("Log: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "2_extract_and_load_all_data", "attempt_3", "error.txt"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(b) != "boom" {
		t.Fatalf("content: %q", b)
	}
}

func TestAttemptLogger_NoDirIsNoop(t *testing.T) {
	var l AttemptLogger
	if err := l.Log("u", 1, AttemptCode, "x"); err != nil {
		t.Fatalf("noop logger errored: %v", err)
	}
}

func TestAttemptLogger_WriteTextCreatesParents(t *testing.T) {
	dir := t.TempDir()
	l := AttemptLogger{Dir: dir}
	if err := l.WriteText(filepath.Join("iteration_2", "kernel_output.log"), "42 tables"); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "iteration_2", "kernel_output.log"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(b) != "42 tables" {
		t.Fatalf("content: %q", b)
	}

	var unset AttemptLogger
	if err := unset.WriteText("x.txt", "y"); err != nil {
		t.Fatalf("noop logger errored: %v", err)
	}
}

func TestFindFailuresAndReports(t *testing.T) {
	root := t.TempDir()
	write := func(rel string) {
		t.Helper()
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	write("worker/1_setup_and_create_tables/attempt_1/error.txt")
	write("worker/1_setup_and_create_tables/attempt_1/code.txt")
	write("worker/3_add_foreign_keys/attempt_2/error.txt")
	write("worker/execution_report.json")
	write("discovery/schema_catalog_20260831_120000.json")

	failures, err := FindFailures(root)
	if err != nil {
		t.Fatalf("FindFailures: %v", err)
	}
	if len(failures) != 2 {
		t.Fatalf("failures: %v", failures)
	}
	if failures[0] != "worker/1_setup_and_create_tables/attempt_1/error.txt" {
		t.Fatalf("sort order: %v", failures)
	}

	reports, err := FindReports(root)
	if err != nil {
		t.Fatalf("FindReports: %v", err)
	}
	if len(reports) != 1 || reports[0] != "worker/execution_report.json" {
		t.Fatalf("reports: %v", reports)
	}

	catalogs, err := FindCatalogs(root)
	if err != nil {
		t.Fatalf("FindCatalogs: %v", err)
	}
	if len(catalogs) != 1 {
		t.Fatalf("catalogs: %v", catalogs)
	}
}
