package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/enmapper/caravan/internal/catalog"
	"github.com/enmapper/caravan/internal/runlog"
	"github.com/enmapper/caravan/internal/runstore"
)

// System prompts for the two planner roles.
const (
	alphaSystemPrompt = `You are Planner Alpha, an expert database migration architect.
Your role is to create detailed, safe, and efficient migration plans for moving databases to Snowflake.
Focus on correctness, data integrity, and providing complete DDL statements.`

	betaSystemPrompt = `You are Planner Beta, a critical reviewer of database migration plans.
Your role is to find issues, suggest improvements, and ensure the migration plan is robust.
Focus on edge cases, performance concerns, and rollback strategies.`
)

// PlanTurn is one speaker's contribution to the debate transcript.
type PlanTurn struct {
	Speaker string `json:"speaker"`
	Message string `json:"message"`
}

// Plan is the debate's final output: the last revision from the proposer,
// the last critique from the reviewer, and the full transcript.
type Plan struct {
	Timestamp      time.Time  `json:"timestamp"`
	Schema         string     `json:"schema"`
	DatabaseType   string     `json:"database_type"`
	CatalogSummary string     `json:"catalog_summary"`
	FinalPlan      string     `json:"final_plan"`
	FinalCritique  string     `json:"final_critique"`
	Conversation   []PlanTurn `json:"conversation"`
	RunRounds      int        `json:"run_rounds"`
}

// Debate coordinates the two planner agents: the proposer drafts a plan, the
// reviewer critiques it, and the proposer revises, for a fixed number of
// rounds. The last revision wins; there is no voting.
type Debate struct {
	Alpha  *Agent
	Beta   *Agent
	Rounds int

	OutputDir string
	Store     *runstore.Store
	Log       *zap.Logger
}

// Run executes the debate against the discovered catalog and persists the
// plan as both JSON and a readable markdown outline.
func (d *Debate) Run(ctx context.Context, cat *catalog.Catalog) (*Plan, error) {
	summary := SummarizeCatalog(cat)
	var conversation []PlanTurn

	alphaInitial := fmt.Sprintf(`You are tasked with creating a migration plan for moving this database schema to Snowflake.

Here is the source schema catalog:

%s

Please provide a detailed migration plan that includes:

1. **Schema Creation Order**: List the tables in the order they should be created in Snowflake (considering foreign key dependencies)

2. **DDL Statements**: Provide the Snowflake CREATE TABLE statements for each table, including:
   - Column definitions with appropriate Snowflake data types
   - Primary key constraints
   - Foreign key constraints (if applicable)

3. **Data Type Mappings**: Document any data type conversions needed from the source database to Snowflake

4. **Data Loading Strategy**: Describe how data should be loaded:
   - Recommended load order (respecting FK constraints)
   - Batch sizes if applicable
   - Any transformations needed during load

5. **Validation Checks**: List specific validation queries to run after migration:
   - Row count comparisons
   - Data integrity checks
   - Referential integrity validation

Please be thorough and provide actual code/SQL where appropriate.`, summary)

	if d.Log != nil {
		d.Log.Info("debate starting",
			zap.String("schema", cat.Schema),
			zap.Int("tables", len(cat.Tables)),
			zap.Int("rounds", d.Rounds))
	}

	alphaResponse, err := d.Alpha.SendInstruction(ctx, alphaInitial)
	if err != nil {
		return nil, err
	}
	conversation = append(conversation, PlanTurn{Speaker: d.Alpha.Name, Message: alphaResponse})
	d.logRound(0, "alpha_initial", alphaInitial, alphaResponse)

	var betaResponse string
	for round := 1; round <= d.Rounds; round++ {
		betaPrompt := fmt.Sprintf(`Please review the following migration plan from Planner Alpha:

%s

Provide a detailed critique focusing on:

1. **Completeness**: Are all tables and relationships covered? Any missing DDL?

2. **Safety**: Are there any risky operations? What could go wrong?

3. **Data Integrity**: Are the validation checks sufficient? What additional checks would you recommend?

4. **Performance**: Any concerns about the load strategy? Suggestions for optimization?

5. **Rollback Strategy**: What happens if something fails? How do we recover?

6. **Missing Elements**: What important aspects were not addressed?

Be specific and provide concrete suggestions for improvement.`, alphaResponse)

		betaResponse, err = d.Beta.SendInstruction(ctx, betaPrompt)
		if err != nil {
			return nil, err
		}
		conversation = append(conversation, PlanTurn{Speaker: d.Beta.Name, Message: betaResponse})
		d.logRound(round, "beta_critique", betaPrompt, betaResponse)
		d.journal("debate_turn", map[string]any{"round": round, "speaker": d.Beta.Name})

		revisionPrompt := fmt.Sprintf(`Planner Beta has provided the following critique of your migration plan:

%s

Please revise your migration plan to address these concerns. Specifically:

1. Address each critique point raised
2. Add any missing elements
3. Improve safety and validation where suggested
4. Clearly mark what changes you made

Provide the updated, complete migration plan.`, betaResponse)

		alphaResponse, err = d.Alpha.SendInstruction(ctx, revisionPrompt)
		if err != nil {
			return nil, err
		}
		conversation = append(conversation, PlanTurn{Speaker: d.Alpha.Name, Message: alphaResponse})
		d.logRound(round, "alpha_revision", revisionPrompt, alphaResponse)
		d.journal("debate_turn", map[string]any{"round": round, "speaker": d.Alpha.Name})
	}

	plan := &Plan{
		Timestamp:      time.Now().UTC(),
		Schema:         cat.Schema,
		DatabaseType:   cat.DatabaseType,
		CatalogSummary: summary,
		FinalPlan:      alphaResponse,
		FinalCritique:  betaResponse,
		Conversation:   conversation,
		RunRounds:      d.Rounds,
	}
	d.writeTranscripts()
	if err := d.writePlan(plan); err != nil {
		return plan, err
	}
	return plan, nil
}

func (d *Debate) writePlan(plan *Plan) error {
	stamp := plan.Timestamp.Format(timestampLayout)
	jsonName := fmt.Sprintf("migration_plan_%s.json", stamp)
	mdName := fmt.Sprintf("migration_plan_%s.md", stamp)

	jsonData, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return err
	}
	mdData := []byte(planMarkdown(plan))

	if d.Store != nil {
		if _, err := d.Store.PutArtifact(jsonName, jsonData); err != nil && d.Log != nil {
			d.Log.Warn("plan artifact store failed", zap.Error(err))
		}
		if _, err := d.Store.PutArtifact(mdName, mdData); err != nil && d.Log != nil {
			d.Log.Warn("plan artifact store failed", zap.Error(err))
		}
	}
	if d.OutputDir == "" {
		return nil
	}
	if err := os.WriteFile(filepath.Join(d.OutputDir, jsonName), jsonData, 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(d.OutputDir, mdName), mdData, 0o644)
}

func planMarkdown(plan *Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Migration Plan for %s\n\n", plan.Schema)
	fmt.Fprintf(&b, "- **Database Type**: %s\n", plan.DatabaseType)
	fmt.Fprintf(&b, "- **Generated**: %s\n", plan.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&b, "- **Debate Rounds**: %d\n\n", plan.RunRounds)
	b.WriteString("---\n\n## Final Migration Plan (Planner Alpha)\n\n")
	b.WriteString(plan.FinalPlan)
	b.WriteString("\n\n---\n\n## Final Critique (Planner Beta)\n\n")
	b.WriteString(plan.FinalCritique)
	b.WriteString("\n\n---\n\n## Full Debate Conversation\n\n")
	for i, turn := range plan.Conversation {
		fmt.Fprintf(&b, "### Turn %d: %s\n\n%s\n\n---\n\n", i+1, turn.Speaker, turn.Message)
	}
	return b.String()
}

func (d *Debate) logRound(round int, step, prompt, response string) {
	files := runlog.AttemptLogger{Dir: d.OutputDir}
	dir := fmt.Sprintf("round_%d", round)
	for rel, content := range map[string]string{
		filepath.Join(dir, step+"_prompt.txt"):   prompt,
		filepath.Join(dir, step+"_response.txt"): response,
	} {
		if err := files.WriteText(rel, content); err != nil && d.Log != nil {
			d.Log.Warn("debate log failed", zap.String("file", rel), zap.Error(err))
		}
	}
}

// writeTranscripts dumps each planner's rolling conversation history as a
// standalone markdown file next to the per-round logs.
func (d *Debate) writeTranscripts() {
	files := runlog.AttemptLogger{Dir: d.OutputDir}
	for _, a := range []*Agent{d.Alpha, d.Beta} {
		name := strings.ToLower(strings.ReplaceAll(a.Name, " ", "_")) + "_transcript.md"
		if err := files.WriteText(name, agentTranscript(a)); err != nil && d.Log != nil {
			d.Log.Warn("transcript write failed", zap.String("file", name), zap.Error(err))
		}
	}
}

func agentTranscript(a *Agent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s Conversation History\n\n", a.Name)
	for i, m := range a.History() {
		fmt.Fprintf(&b, "## Turn %d (%s)\n\n%s\n\n", i+1, m.Role, m.Content)
	}
	return b.String()
}

func (d *Debate) journal(typ string, data map[string]any) {
	if d.Store == nil {
		return
	}
	if _, err := d.Store.Append(typ, data); err != nil && d.Log != nil {
		d.Log.Warn("journal append failed", zap.Error(err))
	}
}

// SummarizeCatalog renders the catalog as the plain-text digest the planner
// prompts embed. Sample values are capped at the first five columns to keep
// the prompt within budget.
func SummarizeCatalog(cat *catalog.Catalog) string {
	var lines []string
	lines = append(lines,
		fmt.Sprintf("Database Type: %s", cat.DatabaseType),
		fmt.Sprintf("Schema: %s", cat.Schema),
		fmt.Sprintf("Host: %s", cat.Host),
		fmt.Sprintf("Database: %s", cat.Database),
		fmt.Sprintf("Generated at: %s", cat.GeneratedAt.Format(time.RFC3339)),
		"",
		strings.Repeat("=", 60),
		"TABLES",
		strings.Repeat("=", 60),
	)

	for _, t := range cat.Tables {
		pk := "None"
		if len(t.PrimaryKey) > 0 {
			pk = strings.Join(t.PrimaryKey, ", ")
		}
		lines = append(lines, "",
			fmt.Sprintf("TABLE: %s", t.TableName),
			fmt.Sprintf("  Row Count: %d", t.RowCount),
			fmt.Sprintf("  Primary Key: %s", pk),
			"  Columns:")
		for _, col := range t.Columns {
			nullable := "NULL"
			if !col.Nullable {
				nullable = "NOT NULL"
			}
			def := ""
			if col.Default != nil {
				def = fmt.Sprintf(" DEFAULT %v", col.Default)
			}
			lines = append(lines, fmt.Sprintf("    - %s: %s %s%s", col.Name, col.Type, nullable, def))
		}

		if len(t.ColumnSamples) > 0 {
			lines = append(lines, "  Sample Values:")
			samples := t.ColumnSamples
			if len(samples) > 5 {
				samples = samples[:5]
			}
			for _, s := range samples {
				if len(s.Samples) == 0 {
					continue
				}
				vals := s.Samples
				if len(vals) > 2 {
					vals = vals[:2]
				}
				parts := make([]string, 0, len(vals))
				for _, v := range vals {
					parts = append(parts, formatSample(v))
				}
				lines = append(lines, fmt.Sprintf("    - %s: [%s]", s.Column, strings.Join(parts, ", ")))
			}
		}

		if len(t.ForeignKeys) > 0 {
			lines = append(lines, "  Foreign Keys:")
			for _, fk := range t.ForeignKeys {
				onDelete := fk.OnDelete
				if onDelete == "" {
					onDelete = "NO ACTION"
				}
				lines = append(lines, fmt.Sprintf("    - %s -> %s(%s) ON DELETE %s",
					strings.Join(fk.ConstrainedColumns, ","), fk.ReferredTable,
					strings.Join(fk.ReferredColumns, ","), onDelete))
			}
		}
	}

	if len(cat.Relationships) > 0 {
		lines = append(lines, "",
			strings.Repeat("=", 60),
			"RELATIONSHIPS",
			strings.Repeat("=", 60))
		for _, rel := range cat.Relationships {
			onDelete := rel.OnDelete
			if onDelete == "" {
				onDelete = "NO ACTION"
			}
			lines = append(lines, fmt.Sprintf("  %s.%s -> %s.%s (ON DELETE %s)",
				rel.SourceTable, strings.Join(rel.SourceColumns, ","),
				rel.TargetTable, strings.Join(rel.TargetColumns, ","), onDelete))
		}
	}

	return strings.Join(lines, "\n")
}
