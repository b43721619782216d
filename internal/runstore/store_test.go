package runstore

import (
	"os"
	"testing"
)

func TestStore_AppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i, typ := range []string{"run_started", "phase_started", "phase_complete"} {
		seq, err := s.Append(typ, map[string]any{"i": i})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if seq != uint64(i) {
			t.Fatalf("seq: got %d want %d", seq, i)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	events, err := ReadEvents(dir)
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events: %d", len(events))
	}
	if events[1].Type != "phase_started" || events[1].Seq != 1 {
		t.Fatalf("frame 1: %+v", events[1])
	}
}

func TestStore_SequenceContinuesAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Append("a", nil); err != nil {
		t.Fatalf("Append: %v", err)
	}
	_ = s.Close()

	s, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = s.Close() }()
	seq, err := s.Append("b", nil)
	if err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if seq != 1 {
		t.Fatalf("seq after reopen: got %d want 1", seq)
	}
}

func TestStore_ArtifactDedupAndVerify(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = s.Close() }()

	content := []byte(`{"tables": []}`)
	a1, err := s.PutArtifact("schema_catalog.json", content)
	if err != nil {
		t.Fatalf("PutArtifact: %v", err)
	}
	a2, err := s.PutArtifact("catalog_copy.json", content)
	if err != nil {
		t.Fatalf("PutArtifact copy: %v", err)
	}
	if a1.ContentHash != a2.ContentHash {
		t.Fatalf("same content, different hashes: %s %s", a1.ContentHash, a2.ContentHash)
	}
	if a1.Mime != "application/json" {
		t.Fatalf("mime: %s", a1.Mime)
	}

	got, err := s.ReadArtifact(a1.ContentHash)
	if err != nil {
		t.Fatalf("ReadArtifact: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("round trip: %q", got)
	}

	// Corrupt the blob on disk and expect a digest failure.
	if err := os.WriteFile(s.ArtifactPath(a1.ContentHash), []byte("tampered"), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if _, err := s.ReadArtifact(a1.ContentHash); err == nil {
		t.Fatalf("corrupt artifact accepted")
	}

	// Both puts were journaled.
	_ = s.Close()
	events, err := ReadEvents(dir)
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	artifacts := 0
	for _, ev := range events {
		if ev.Type == "artifact" {
			artifacts++
		}
	}
	if artifacts != 2 {
		t.Fatalf("artifact events: %d", artifacts)
	}
}

func TestVerifyArtifactsFlagsTamperedBlob(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	good, err := s.PutArtifact("plan.json", []byte(`{"rounds": 2}`))
	if err != nil {
		t.Fatalf("PutArtifact: %v", err)
	}
	bad, err := s.PutArtifact("report.json", []byte(`{"success": false}`))
	if err != nil {
		t.Fatalf("PutArtifact: %v", err)
	}
	if err := os.WriteFile(s.ArtifactPath(bad.ContentHash), []byte("tampered"), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	_ = s.Close()

	checks, err := VerifyArtifacts(dir)
	if err != nil {
		t.Fatalf("VerifyArtifacts: %v", err)
	}
	if len(checks) != 2 {
		t.Fatalf("checks: %+v", checks)
	}
	byName := map[string]ArtifactCheck{}
	for _, c := range checks {
		byName[c.Name] = c
	}
	if c := byName["plan.json"]; c.Err != nil || c.BytesLen == 0 || c.ContentHash != good.ContentHash {
		t.Fatalf("intact artifact flagged: %+v", c)
	}
	if c := byName["report.json"]; c.Err == nil {
		t.Fatalf("tampered artifact passed: %+v", c)
	}
}

func TestReadEvents_MissingJournal(t *testing.T) {
	events, err := ReadEvents(t.TempDir())
	if err != nil || events != nil {
		t.Fatalf("got %v, %v", events, err)
	}
}
