package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/enmapper/caravan/internal/catalog"
	"github.com/enmapper/caravan/internal/config"
	"github.com/enmapper/caravan/internal/envelope"
	"github.com/enmapper/caravan/internal/extract"
	"github.com/enmapper/caravan/internal/kernel"
	"github.com/enmapper/caravan/internal/llm"
	"github.com/enmapper/caravan/internal/runlog"
	"github.com/enmapper/caravan/internal/runstore"
)

const minInspectionCodeLen = 50

// timestampLayout names the discovery output files.
const timestampLayout = "20060102_150405"

// Discovery drives the schema inspection loop: the model writes inspection
// code, the kernel runs it, and the loop repeats until two consecutive rounds
// report a structurally identical schema.
type Discovery struct {
	Client *llm.Client
	LLM    config.LLMConfig
	Loop   config.DiscoveryConfig
	Kernel config.KernelConfig

	Source config.DatabaseConfig

	// Instructions is free-form prose about the source system. When set,
	// connection details mentioned in it fill any fields the declared Source
	// config leaves empty, before the loop starts.
	Instructions string

	OutputDir string
	Store     *runstore.Store
	Log       *zap.Logger

	// Runner overrides the interpreter session when set. Production runs
	// leave it nil and get a kernel session scoped to the phase.
	Runner Runner
}

// DiscoveryResult reports what the loop produced. Success means at least one
// round yielded entities; Satisfied means the fingerprint held stable for the
// required number of rounds before the iteration cap.
type DiscoveryResult struct {
	Success      bool   `json:"success"`
	Iterations   int    `json:"iterations"`
	Satisfied    bool   `json:"satisfied"`
	CatalogFile  string `json:"schema_file,omitempty"`
	AnalysisFile string `json:"analysis_file,omitempty"`
}

// analysisPayload is what the inspection code prints between the markers.
type analysisPayload struct {
	Schema        string                 `json:"schema"`
	Database      string                 `json:"database"`
	Host          string                 `json:"host"`
	Tables        []catalog.Entity       `json:"tables"`
	Relationships []catalog.Relationship `json:"relationships"`
}

// Run executes the discovery loop and returns the converged catalog. The
// catalog is nil when no round produced entities; the result still describes
// what happened so callers can report it.
func (d *Discovery) Run(ctx context.Context) (*catalog.Catalog, DiscoveryResult, error) {
	runner := d.Runner
	if runner == nil {
		session := kernel.NewSession(kernel.Config{
			Interpreter:  d.Kernel.Interpreter,
			StartTimeout: time.Duration(d.Kernel.StartTimeoutMS) * time.Millisecond,
			ExecTimeout:  time.Duration(d.Kernel.ExecTimeoutMS) * time.Millisecond,
		})
		defer session.Shutdown()
		if err := session.Start(ctx); err != nil {
			return nil, DiscoveryResult{}, err
		}
		runner = session
	}

	if d.Instructions != "" {
		if err := d.extractSourceConfig(ctx); err != nil && d.Log != nil {
			// The declared config still stands; the extraction is a
			// convenience, not a gate.
			d.Log.Warn("source config extraction failed", zap.Error(err))
		}
	}

	var (
		entities      []catalog.Entity
		relationships []catalog.Relationship
		conversation  []llm.Message
		lastError     string
		prevPrint     string
		stableRounds  int
		satisfied     bool
		iteration     int
	)

	for iteration < d.Loop.MaxIterations {
		iteration++
		if d.Log != nil {
			d.Log.Info("inspection round", zap.Int("iteration", iteration))
		}

		code, err := d.generateCode(ctx, iteration, lastError, conversation)
		if err != nil {
			return nil, DiscoveryResult{Iterations: iteration}, err
		}
		if len(strings.TrimSpace(code)) < minInspectionCodeLen {
			lastError = "LLM returned empty or insufficient code. Please generate complete Python code."
			conversation = append(conversation, llm.User(lastError))
			continue
		}

		output, execErr := runner.Execute(ctx, code)
		if execErr != nil {
			if ctx.Err() != nil {
				return nil, DiscoveryResult{Iterations: iteration}, execErr
			}
			var ke *kernel.ExecutionError
			var to *kernel.ResponseTimeout
			if !errors.As(execErr, &ke) && !errors.As(execErr, &to) {
				return nil, DiscoveryResult{Iterations: iteration}, execErr
			}
			lastError = execErr.Error()
			d.logRound(iteration, code, "ERROR: "+lastError)
			conversation = append(conversation,
				llm.Assistant(fmt.Sprintf("I generated this code:\n```python\n%s\n```", code)),
				llm.User(fmt.Sprintf("The code failed with this error:\n%s\n\nPlease analyze the error and generate fixed code.", lastError)),
			)
			continue
		}
		d.logRound(iteration, code, output)

		raw, perr := envelope.ParseStrict(output, envelope.AnalysisMarkers)
		if perr != nil {
			lastError = perr.Error()
			conversation = append(conversation,
				llm.Assistant(fmt.Sprintf("I generated this code:\n```python\n%s\n```", code)),
				llm.User(fmt.Sprintf("The code failed with this error:\n%s\n\nPlease analyze the error and generate fixed code.", lastError)),
			)
			continue
		}
		if verr := catalog.ValidatePayload(raw); verr != nil {
			lastError = verr.Error()
			conversation = append(conversation,
				llm.Assistant(fmt.Sprintf("I generated this code:\n```python\n%s\n```", code)),
				llm.User(fmt.Sprintf("The printed JSON does not match the required structure:\n%s\n\nPlease fix the code so the payload matches the format exactly.", lastError)),
			)
			continue
		}
		var payload analysisPayload
		if uerr := json.Unmarshal(raw, &payload); uerr != nil {
			lastError = fmt.Sprintf("failed to parse JSON from kernel output: %v", uerr)
			conversation = append(conversation,
				llm.Assistant(fmt.Sprintf("I generated this code:\n```python\n%s\n```", code)),
				llm.User(fmt.Sprintf("The code failed with this error:\n%s\n\nPlease analyze the error and generate fixed code.", lastError)),
			)
			continue
		}
		lastError = ""

		if len(payload.Tables) == 0 {
			lastError = "Code executed but returned no tables in the payload."
			conversation = append(conversation,
				llm.Assistant(fmt.Sprintf("I generated this code:\n```python\n%s\n```", code)),
				llm.User(fmt.Sprintf("The code ran successfully but the payload contained no tables. Output was:\n%s\n\nPlease investigate and fix the code.", truncate(output, 1000))),
			)
			continue
		}
		entities = payload.Tables
		relationships = payload.Relationships

		fp := catalog.Fingerprint(entities)
		satisfied, stableRounds = catalog.Stability(fp, prevPrint, stableRounds, d.Loop.StableRoundsRequired)
		prevPrint = fp

		if d.Log != nil {
			d.Log.Info("round complete",
				zap.Int("iteration", iteration),
				zap.Int("tables", len(entities)),
				zap.Int("stable_rounds", stableRounds),
				zap.Bool("satisfied", satisfied))
		}
		d.journal("discovery_round", map[string]any{
			"iteration": iteration, "tables": len(entities),
			"stable_rounds": stableRounds, "satisfied": satisfied,
		})

		status := "Please regenerate to verify stability."
		if satisfied {
			status = "Analysis complete!"
		}
		conversation = append(conversation,
			llm.Assistant(fmt.Sprintf("I generated this code:\n```python\n%s\n```", code)),
			llm.User(fmt.Sprintf("Code executed successfully! Found %d tables with %d relationships. Stable rounds: %d/%d. %s",
				len(entities), len(relationships), stableRounds, d.Loop.StableRoundsRequired, status)),
		)

		if satisfied {
			break
		}
	}

	result := DiscoveryResult{
		Success:    len(entities) > 0,
		Iterations: iteration,
		Satisfied:  satisfied,
	}
	if len(entities) == 0 {
		return nil, result, nil
	}

	now := time.Now().UTC()
	cat := &catalog.Catalog{
		DatabaseType:  d.Source.Type,
		Schema:        d.Source.Schema,
		Database:      d.Source.Database,
		Host:          d.Source.Host,
		Tables:        entities,
		Relationships: relationships,
		GeneratedAt:   now,
		Iterations:    iteration,
		Satisfied:     satisfied,
	}

	stamp := now.Format(timestampLayout)
	catalogName := fmt.Sprintf("schema_catalog_%s.json", stamp)
	analysisName := fmt.Sprintf("schema_analysis_%s.md", stamp)
	if err := d.writeCatalog(cat, catalogName); err != nil {
		return cat, result, err
	}
	if err := d.writeMarkdown(cat, conversation, analysisName); err != nil {
		return cat, result, err
	}
	result.CatalogFile = catalogName
	result.AnalysisFile = analysisName
	return cat, result, nil
}

func (d *Discovery) generateCode(ctx context.Context, iteration int, lastError string, conversation []llm.Message) (string, error) {
	messages := []llm.Message{llm.System(d.systemPrompt())}
	if iteration == 1 {
		messages = append(messages, llm.User(fmt.Sprintf(
			"Generate Python code to analyze the %s database schema. Remember to print the JSON result between the markers %s and %s.",
			d.Source.Type, envelope.AnalysisMarkers.Start, envelope.AnalysisMarkers.End)))
	} else {
		messages = append(messages, llm.TailWindow(conversation, d.Loop.ContextWindow)...)
		if lastError != "" {
			messages = append(messages, llm.User(fmt.Sprintf(
				"The previous code failed. Please fix it and generate new code.\n\nError: %s", lastError)))
		} else {
			messages = append(messages, llm.User(
				"Please regenerate the inspection code to verify the schema analysis is stable and complete."))
		}
	}

	resp, err := d.Client.CompleteNonEmpty(ctx, llm.Request{
		Provider:        d.LLM.Provider,
		Model:           d.LLM.Deployment,
		Messages:        messages,
		MaxTokens:       d.LLM.MaxTokens,
		ReasoningEffort: d.LLM.ReasoningEffort,
	}, d.LLM.MaxEmptyRetries)
	if err != nil {
		if isEmptyGeneration(err) {
			return "", nil
		}
		return "", err
	}
	return extract.Code(resp.Content, "python"), nil
}

func (d *Discovery) systemPrompt() string {
	db := d.Source
	extra := map[string]string{}
	if db.Account != "" {
		extra["account"] = db.Account
	}
	if db.Warehouse != "" {
		extra["warehouse"] = db.Warehouse
	}
	if db.Role != "" {
		extra["role"] = db.Role
	}
	extraJSON, _ := json.Marshal(extra)

	return fmt.Sprintf(`You are an expert database schema analyzer agent. Your task is to write Python code that will be executed in a Jupyter kernel to analyze a database schema.

DATABASE CONNECTION DETAILS:
- Type: %s
- Host: %s
- Port: %d
- Database: %s
- Schema/Namespace: %s
- Username: %s
- Password: %s
- Additional Config: %s

YOUR TASK:
1. Write Python code that connects to this %s database
2. Discover ALL tables/collections in the specified schema/namespace
3. For each table/collection, extract:
   - Table/collection name
   - All columns/fields with their data types
   - Primary key(s)
   - Foreign key relationships (if applicable)
   - Row/document count
   - 2 sample values per column/field (handle NULL, special types like Decimal, datetime, bytes, ObjectId, etc.)
4. Build a relationships list showing how tables/collections reference each other

OUTPUT REQUIREMENTS:
Your code MUST print the results in this EXACT format:
1. First print the marker: %s
2. Then print a JSON object with this structure:
   {
     "schema": "<schema_name>",
     "database": "<database_name>",
     "host": "<host>",
     "tables": [
       {
         "table_name": "<name>",
         "columns": [
           {"name": "<col>", "type": "<type>", "nullable": true/false, "default": <value_or_null>}
         ],
         "primary_key": ["<col1>", ...],
         "foreign_keys": [
           {"constrained_columns": [...], "referred_table": "...", "referred_columns": [...]}
         ],
         "row_count": <number>,
         "column_samples": [
           {"column": "<col>", "samples": [<val1>, <val2>]}
         ]
       }
     ],
     "relationships": [
       {"source_table": "...", "source_columns": [...], "target_table": "...", "target_columns": [...], "on_delete": "..."}
     ]
   }
3. Finally print the marker: %s

IMPORTANT GUIDELINES:

=== PACKAGE INSTALLATION (DO THIS FIRST!) ===
%s

=== DATABASE-SPECIFIC GUIDANCE ===
- PostgreSQL: use psycopg2-binary or SQLAlchemy, set search_path, use sslmode
- MySQL: use pymysql or mysql-connector-python
- MongoDB: use pymongo, handle ObjectId conversion
- SQL Server: use pyodbc with appropriate ODBC driver
- Teradata/ClearScape: use teradatasql with SIMPLE connection params ONLY:
  teradatasql.connect(host=HOST, user=USER, password=PASSWORD, connect_timeout=30)
  DO NOT use encryptdata, logmech, or other advanced params for ClearScape environments.
  To list tables, query: SELECT TableName FROM DBC.Tables WHERE TableKind = 'T' AND DatabaseName = USER
  The schema name in ClearScape is often the username, not a separate database name.
- Oracle: use cx_Oracle or oracledb
- Other databases: figure out the best approach - YOU CAN INSTALL ANY PACKAGE

=== OTHER GUIDELINES ===
- Handle connection errors gracefully
- Convert non-JSON-serializable types (Decimal, datetime, bytes, ObjectId, etc.) to JSON-compatible formats
- Use proper escaping for schema/table names with special characters

Generate ONLY executable Python code. No explanations, no markdown formatting around the code itself.
The code will be executed directly in a Jupyter kernel.`,
		db.Type, db.Host, db.Port, db.Database, db.Schema, db.User, db.Password(), extraJSON,
		db.Type,
		envelope.AnalysisMarkers.Start, envelope.AnalysisMarkers.End,
		installHelper)
}

func (d *Discovery) logRound(iteration int, code, output string) {
	files := runlog.AttemptLogger{Dir: d.OutputDir}
	dir := fmt.Sprintf("iteration_%d", iteration)
	for rel, content := range map[string]string{
		filepath.Join(dir, "kernel_inspection.py"): code,
		filepath.Join(dir, "kernel_output.log"):    output,
	} {
		if err := files.WriteText(rel, content); err != nil && d.Log != nil {
			d.Log.Warn("round log failed", zap.String("file", rel), zap.Error(err))
		}
	}
}

func (d *Discovery) writeCatalog(cat *catalog.Catalog, name string) error {
	b, err := json.MarshalIndent(cat, "", "  ")
	if err != nil {
		return err
	}
	if d.Store != nil {
		if _, err := d.Store.PutArtifact(name, b); err != nil && d.Log != nil {
			d.Log.Warn("catalog artifact store failed", zap.Error(err))
		}
	}
	if d.OutputDir == "" {
		return nil
	}
	return os.WriteFile(filepath.Join(d.OutputDir, name), b, 0o644)
}

func (d *Discovery) writeMarkdown(cat *catalog.Catalog, conversation []llm.Message, name string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# Schema Analysis - %s\n\n", cat.Schema)
	fmt.Fprintf(&b, "- Database Type: %s\n", cat.DatabaseType)
	fmt.Fprintf(&b, "- Host: %s:%d\n", d.Source.Host, d.Source.Port)
	fmt.Fprintf(&b, "- Database: %s\n", cat.Database)
	fmt.Fprintf(&b, "- Schema/Namespace: %s\n", cat.Schema)
	fmt.Fprintf(&b, "- Tables/Collections Detected: %d\n", len(cat.Tables))
	fmt.Fprintf(&b, "- LLM Iterations: %d\n", cat.Iterations)
	fmt.Fprintf(&b, "- Converged (satisfied): %v\n", cat.Satisfied)
	fmt.Fprintf(&b, "- Model: %s\n", d.LLM.Deployment)
	fmt.Fprintf(&b, "- Reasoning Effort: %s\n", d.LLM.ReasoningEffort)
	fmt.Fprintf(&b, "- Generated at UTC: %s\n\n", cat.GeneratedAt.Format(time.RFC3339))
	b.WriteString("## Tables/Collections\n")

	for _, t := range cat.Tables {
		fmt.Fprintf(&b, "### %s\n", t.TableName)
		fmt.Fprintf(&b, "- Row/Document count: %d\n", t.RowCount)
		pk := "None"
		if len(t.PrimaryKey) > 0 {
			pk = strings.Join(t.PrimaryKey, ", ")
		}
		fmt.Fprintf(&b, "- Primary key: %s\n", pk)
		b.WriteString("- Columns/Fields:\n")
		samples := map[string][]any{}
		for _, cs := range t.ColumnSamples {
			samples[cs.Column] = cs.Samples
		}
		for _, col := range t.Columns {
			fmt.Fprintf(&b, "  - `%s` (%s)", col.Name, col.Type)
			if !col.Nullable {
				b.WriteString(" [NOT NULL]")
			}
			if col.Default != nil {
				fmt.Fprintf(&b, " default %v", col.Default)
			}
			b.WriteString("\n")
			if vals := samples[col.Name]; len(vals) > 0 {
				if len(vals) > 2 {
					vals = vals[:2]
				}
				parts := make([]string, 0, len(vals))
				for _, v := range vals {
					parts = append(parts, formatSample(v))
				}
				fmt.Fprintf(&b, "    - Samples: %s\n", strings.Join(parts, ", "))
			}
		}
		b.WriteString("\n")
	}

	if len(cat.Relationships) > 0 {
		b.WriteString("## Relationships\n")
		for _, rel := range cat.Relationships {
			onDelete := rel.OnDelete
			if onDelete == "" {
				onDelete = "default"
			}
			fmt.Fprintf(&b, "- `%s`.%s -> `%s`.%s (ON DELETE %s)\n",
				rel.SourceTable, strings.Join(rel.SourceColumns, ","),
				rel.TargetTable, strings.Join(rel.TargetColumns, ","), onDelete)
		}
		b.WriteString("\n")
	}

	b.WriteString("## LLM Conversation Log\n\n")
	for i, msg := range conversation {
		content := msg.Content
		if len(content) > 1000 {
			content = content[:1000] + "\n... (truncated)"
		}
		fmt.Fprintf(&b, "### Turn %d (%s)\n```\n%s\n```\n\n", i+1, strings.ToUpper(string(msg.Role)), content)
	}

	b.WriteString("## Notes\n")
	fmt.Fprintf(&b, "This schema analysis was performed dynamically by %s with %s reasoning effort. "+
		"The LLM generated ALL inspection code from scratch based on the database type and connection details. "+
		"No predefined templates were used.\n", d.LLM.Deployment, d.LLM.ReasoningEffort)

	data := []byte(b.String())
	if d.Store != nil {
		if _, err := d.Store.PutArtifact(name, data); err != nil && d.Log != nil {
			d.Log.Warn("analysis artifact store failed", zap.Error(err))
		}
	}
	if d.OutputDir == "" {
		return nil
	}
	return os.WriteFile(filepath.Join(d.OutputDir, name), data, 0o644)
}

func formatSample(v any) string {
	if s, ok := v.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	return fmt.Sprintf("%v", v)
}

// extractSourceConfig asks the model to pull connection details out of the
// free-form instructions. Extracted values only fill fields the declared
// config left blank; they never override it. The raw extraction is kept as
// source_config.json for audit.
func (d *Discovery) extractSourceConfig(ctx context.Context) error {
	prompt := fmt.Sprintf(`Extract database connection details from the following instructions.

Instructions:
%s

Respond with ONLY a JSON object between the markers, like:
%s
{"type": "postgresql", "host": "...", "port": 5432, "database": "...", "schema": "...", "user": "..."}
%s

Use null for anything the instructions do not mention.`,
		d.Instructions, envelope.ConfigMarkers.Start, envelope.ConfigMarkers.End)

	reply, err := d.Client.CompleteNonEmpty(ctx, llm.Request{
		Model:           d.LLM.Deployment,
		Messages:        []llm.Message{llm.User(prompt)},
		MaxTokens:       d.LLM.MaxTokens,
		ReasoningEffort: d.LLM.ReasoningEffort,
	}, d.LLM.MaxEmptyRetries)
	if err != nil {
		return err
	}

	payload, err := envelope.ParseStrict(reply.Content, envelope.ConfigMarkers)
	if err != nil {
		return err
	}
	var extracted struct {
		Type     string `json:"type"`
		Host     string `json:"host"`
		Port     int    `json:"port"`
		Database string `json:"database"`
		Schema   string `json:"schema"`
		User     string `json:"user"`
	}
	if err := json.Unmarshal(payload, &extracted); err != nil {
		return err
	}

	if d.Source.Host == "" {
		d.Source.Host = extracted.Host
	}
	if d.Source.Port == 0 {
		d.Source.Port = extracted.Port
	}
	if d.Source.Database == "" {
		d.Source.Database = extracted.Database
	}
	if d.Source.Schema == "" {
		d.Source.Schema = extracted.Schema
	}
	if d.Source.User == "" {
		d.Source.User = extracted.User
	}

	if d.Store != nil {
		if _, err := d.Store.PutArtifact("source_config.json", payload); err != nil && d.Log != nil {
			d.Log.Warn("source config artifact store failed", zap.Error(err))
		}
	}
	d.journal("source_config_extracted", map[string]any{"host": d.Source.Host, "database": d.Source.Database})
	if d.OutputDir == "" {
		return nil
	}
	return os.WriteFile(filepath.Join(d.OutputDir, "source_config.json"), payload, 0o644)
}

func (d *Discovery) journal(typ string, data map[string]any) {
	if d.Store == nil {
		return
	}
	if _, err := d.Store.Append(typ, data); err != nil && d.Log != nil {
		d.Log.Warn("journal append failed", zap.Error(err))
	}
}
