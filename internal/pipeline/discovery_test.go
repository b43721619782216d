package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/enmapper/caravan/internal/config"
	"github.com/enmapper/caravan/internal/envelope"
	"github.com/enmapper/caravan/internal/llm"
)

const inspectionCode = `import json
import psycopg2
conn = psycopg2.connect(host="localhost")
print("SCHEMA_ANALYSIS_RESULT_START")
print(json.dumps(payload))
print("SCHEMA_ANALYSIS_RESULT_END")`

func analysisOutput(tablesJSON string) string {
	return fmt.Sprintf("%s\n{\"schema\": \"app\", \"database\": \"appdb\", \"host\": \"localhost\", \"tables\": %s, \"relationships\": []}\n%s",
		envelope.AnalysisMarkers.Start, tablesJSON, envelope.AnalysisMarkers.End)
}

const usersTable = `[{"table_name": "users", "row_count": 10, "columns": [{"name": "id", "type": "integer", "nullable": false}], "primary_key": ["id"]}]`
const ordersTable = `[{"table_name": "orders", "row_count": 5, "columns": [{"name": "id", "type": "integer", "nullable": false}]}]`

func newTestDiscovery(t *testing.T, adapter llm.ProviderAdapter, runner Runner, maxIterations int) *Discovery {
	t.Helper()
	client := llm.NewClient()
	client.Register(adapter)
	return &Discovery{
		Client: client,
		LLM:    config.LLMConfig{Deployment: "test-model", MaxEmptyRetries: 1},
		Loop: config.DiscoveryConfig{
			MaxIterations:        maxIterations,
			StableRoundsRequired: 2,
			ContextWindow:        8,
		},
		Source:    config.DatabaseConfig{Type: "postgresql", Host: "localhost", Port: 5432, Database: "appdb", Schema: "app"},
		OutputDir: t.TempDir(),
		Runner:    runner,
	}
}

func TestDiscoveryConvergesOnStableFingerprint(t *testing.T) {
	adapter := &scriptAdapter{replies: []string{inspectionCode}}
	runner := &scriptRunner{outputs: []string{
		analysisOutput(usersTable),
		analysisOutput(usersTable),
	}}
	d := newTestDiscovery(t, adapter, runner, 10)

	cat, res, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if cat == nil || !res.Success {
		t.Fatal("expected a catalog")
	}
	if !res.Satisfied || res.Iterations != 2 {
		t.Fatalf("satisfied=%v iterations=%d, want convergence on round 2", res.Satisfied, res.Iterations)
	}
	if len(cat.Tables) != 1 || cat.Tables[0].TableName != "users" {
		t.Fatalf("catalog tables = %+v", cat.Tables)
	}
	if cat.Schema != "app" || cat.DatabaseType != "postgresql" {
		t.Fatalf("catalog header = %q/%q", cat.Schema, cat.DatabaseType)
	}

	for _, pattern := range []string{"schema_catalog_*.json", "schema_analysis_*.md", "iteration_1/kernel_inspection.py", "iteration_2/kernel_output.log"} {
		matches, gerr := filepath.Glob(filepath.Join(d.OutputDir, pattern))
		if gerr != nil || len(matches) == 0 {
			t.Fatalf("missing output %s (err=%v)", pattern, gerr)
		}
	}
	if res.CatalogFile == "" || res.AnalysisFile == "" {
		t.Fatalf("result missing file names: %+v", res)
	}
}

func TestDiscoveryStabilityCounterResetsOnChange(t *testing.T) {
	adapter := &scriptAdapter{replies: []string{inspectionCode}}
	runner := &scriptRunner{outputs: []string{
		analysisOutput(usersTable),
		analysisOutput(ordersTable),
		analysisOutput(ordersTable),
	}}
	d := newTestDiscovery(t, adapter, runner, 10)

	cat, res, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Satisfied || res.Iterations != 3 {
		t.Fatalf("satisfied=%v iterations=%d, want reset after the round-2 change", res.Satisfied, res.Iterations)
	}
	if cat.Tables[0].TableName != "orders" {
		t.Fatalf("catalog kept the stale snapshot: %+v", cat.Tables)
	}
}

func TestDiscoveryEmptyPayloadIsRecoverable(t *testing.T) {
	adapter := &scriptAdapter{replies: []string{inspectionCode}}
	runner := &scriptRunner{outputs: []string{
		analysisOutput("[]"),
		analysisOutput(usersTable),
		analysisOutput(usersTable),
	}}
	d := newTestDiscovery(t, adapter, runner, 10)

	_, res, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Satisfied || res.Iterations != 3 {
		t.Fatalf("satisfied=%v iterations=%d, want recovery after the empty round", res.Satisfied, res.Iterations)
	}
}

func TestDiscoveryInsufficientCodeSkipsExecution(t *testing.T) {
	adapter := &scriptAdapter{replies: []string{"no code here", inspectionCode}}
	runner := &scriptRunner{outputs: []string{
		analysisOutput(usersTable),
		analysisOutput(usersTable),
	}}
	d := newTestDiscovery(t, adapter, runner, 10)

	_, res, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Iterations != 3 {
		t.Fatalf("iterations = %d, want 3 (one consumed without execution)", res.Iterations)
	}
	if runner.calls != 2 {
		t.Fatalf("runner calls = %d, want 2", runner.calls)
	}
}

func TestDiscoveryExhaustsIterationsUnsatisfied(t *testing.T) {
	adapter := &scriptAdapter{replies: []string{inspectionCode}}
	runner := &scriptRunner{outputs: []string{
		analysisOutput(usersTable),
		analysisOutput(ordersTable),
		analysisOutput(usersTable),
	}}
	d := newTestDiscovery(t, adapter, runner, 3)

	cat, res, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Satisfied {
		t.Fatal("expected unsatisfied exit at the iteration cap")
	}
	if !res.Success || cat == nil {
		t.Fatal("best-effort catalog should still be returned")
	}
	if cat.Satisfied {
		t.Fatal("catalog must record that convergence was not reached")
	}
	if res.Iterations != 3 {
		t.Fatalf("iterations = %d, want 3", res.Iterations)
	}
}

func TestDiscoveryRejectsMalformedPayloadShape(t *testing.T) {
	zeroColumns := `[{"table_name": "empty", "row_count": 0, "columns": []}]`
	adapter := &scriptAdapter{replies: []string{inspectionCode}}
	runner := &scriptRunner{outputs: []string{
		analysisOutput(zeroColumns),
		analysisOutput(usersTable),
		analysisOutput(usersTable),
	}}
	d := newTestDiscovery(t, adapter, runner, 10)

	cat, res, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Satisfied || res.Iterations != 3 {
		t.Fatalf("satisfied=%v iterations=%d, want recovery after the rejected round", res.Satisfied, res.Iterations)
	}
	if len(cat.Tables) != 1 || cat.Tables[0].TableName != "users" {
		t.Fatalf("rejected payload leaked into the catalog: %+v", cat.Tables)
	}
}

func TestDiscoveryMissingMarkersFedBack(t *testing.T) {
	adapter := &scriptAdapter{replies: []string{inspectionCode}}
	runner := &scriptRunner{outputs: []string{
		"connected, 12 tables found but no markers printed",
		analysisOutput(usersTable),
		analysisOutput(usersTable),
	}}
	d := newTestDiscovery(t, adapter, runner, 10)

	_, res, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Satisfied || res.Iterations != 3 {
		t.Fatalf("satisfied=%v iterations=%d, want recovery after the marker failure", res.Satisfied, res.Iterations)
	}
}

func TestExtractSourceConfigFillsBlankFields(t *testing.T) {
	reply := fmt.Sprintf("%s\n{\"type\": \"postgresql\", \"host\": \"db.internal\", \"port\": 5433, \"database\": \"crm\", \"schema\": \"sales\", \"user\": \"migrator\"}\n%s",
		envelope.ConfigMarkers.Start, envelope.ConfigMarkers.End)
	adapter := &scriptAdapter{replies: []string{reply}}
	d := newTestDiscovery(t, adapter, &scriptRunner{}, 1)
	d.Instructions = "Migrate the CRM data living on db.internal:5433, schema sales, login migrator."
	d.Source = config.DatabaseConfig{Type: "postgresql", Host: "explicit-host"}

	if err := d.extractSourceConfig(context.Background()); err != nil {
		t.Fatalf("extractSourceConfig: %v", err)
	}
	if d.Source.Host != "explicit-host" {
		t.Fatalf("declared host overridden: %q", d.Source.Host)
	}
	if d.Source.Port != 5433 || d.Source.Database != "crm" || d.Source.Schema != "sales" || d.Source.User != "migrator" {
		t.Fatalf("blank fields not filled: %+v", d.Source)
	}

	matches, err := filepath.Glob(filepath.Join(d.OutputDir, "source_config.json"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("source_config.json not written (err=%v)", err)
	}
}
