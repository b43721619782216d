package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/enmapper/caravan/internal/llm"
)

func newDebateAgent(name string, replies []string) *Agent {
	client := llm.NewClient()
	client.Register(&scriptAdapter{replies: replies})
	return &Agent{
		Name:            name,
		Client:          client,
		Model:           "test-model",
		System:          "system",
		Window:          8,
		MaxEmptyRetries: 1,
	}
}

func TestDebateRunsFixedRounds(t *testing.T) {
	alpha := newDebateAgent("Planner Alpha", []string{"plan v1", "plan v2", "plan v3"})
	beta := newDebateAgent("Planner Beta", []string{"critique 1", "critique 2"})

	dir := t.TempDir()
	d := &Debate{Alpha: alpha, Beta: beta, Rounds: 2, OutputDir: dir}

	plan, err := d.Run(context.Background(), testCatalog())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if plan.FinalPlan != "plan v3" {
		t.Fatalf("final plan = %q, want the last revision", plan.FinalPlan)
	}
	if plan.FinalCritique != "critique 2" {
		t.Fatalf("final critique = %q", plan.FinalCritique)
	}
	if plan.RunRounds != 2 {
		t.Fatalf("run rounds = %d", plan.RunRounds)
	}

	wantSpeakers := []string{"Planner Alpha", "Planner Beta", "Planner Alpha", "Planner Beta", "Planner Alpha"}
	if len(plan.Conversation) != len(wantSpeakers) {
		t.Fatalf("transcript has %d turns, want %d", len(plan.Conversation), len(wantSpeakers))
	}
	for i, want := range wantSpeakers {
		if plan.Conversation[i].Speaker != want {
			t.Fatalf("turn %d speaker = %q, want %q", i, plan.Conversation[i].Speaker, want)
		}
	}

	if plan.Schema != "app" || plan.DatabaseType != "postgresql" {
		t.Fatalf("plan header = %q/%q", plan.Schema, plan.DatabaseType)
	}
	if !strings.Contains(plan.CatalogSummary, "TABLE: users") {
		t.Fatalf("catalog summary missing table section:\n%s", plan.CatalogSummary)
	}

	for _, rel := range []string{
		"round_0/alpha_initial_prompt.txt",
		"round_1/beta_critique_response.txt",
		"round_2/alpha_revision_response.txt",
	} {
		if _, err := os.Stat(filepath.Join(dir, rel)); err != nil {
			t.Fatalf("missing debate log %s: %v", rel, err)
		}
	}
	jsonFiles, _ := filepath.Glob(filepath.Join(dir, "migration_plan_*.json"))
	mdFiles, _ := filepath.Glob(filepath.Join(dir, "migration_plan_*.md"))
	if len(jsonFiles) != 1 || len(mdFiles) != 1 {
		t.Fatalf("plan files = %v %v", jsonFiles, mdFiles)
	}

	// Each planner's rolling history lands next to the round logs.
	alphaTx, err := os.ReadFile(filepath.Join(dir, "planner_alpha_transcript.md"))
	if err != nil {
		t.Fatalf("alpha transcript: %v", err)
	}
	if !strings.Contains(string(alphaTx), "plan v3") {
		t.Fatalf("alpha transcript missing final revision:\n%s", alphaTx)
	}
	betaTx, err := os.ReadFile(filepath.Join(dir, "planner_beta_transcript.md"))
	if err != nil {
		t.Fatalf("beta transcript: %v", err)
	}
	if !strings.Contains(string(betaTx), "critique 2") {
		t.Fatalf("beta transcript missing final critique:\n%s", betaTx)
	}
}

func TestSummarizeCatalogIncludesForeignKeys(t *testing.T) {
	summary := SummarizeCatalog(testCatalog())
	if !strings.Contains(summary, "user_id -> users(id) ON DELETE NO ACTION") {
		t.Fatalf("summary missing FK line:\n%s", summary)
	}
	if !strings.Contains(summary, "Row Count: 20") {
		t.Fatalf("summary missing row count:\n%s", summary)
	}
	if !strings.Contains(summary, "Database Type: postgresql") {
		t.Fatalf("summary missing header:\n%s", summary)
	}
}
