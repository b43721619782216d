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
	"github.com/enmapper/caravan/internal/config"
	"github.com/enmapper/caravan/internal/kernel"
	"github.com/enmapper/caravan/internal/llm"
	"github.com/enmapper/caravan/internal/runlog"
	"github.com/enmapper/caravan/internal/runstore"
)

// ReportName is the execution report file written into the worker dir.
const ReportName = "execution_report.json"

// LogEntry records one unit's outcome in the execution report.
type LogEntry struct {
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

// Report summarizes the execution phase. A run with any failed unit has
// Success false even though later units still ran.
type Report struct {
	Success         bool       `json:"success"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         time.Time  `json:"end_time"`
	DurationSeconds float64    `json:"duration_seconds"`
	TotalTasks      int        `json:"total_tasks"`
	CompletedTasks  int        `json:"completed_tasks"`
	FailedTasks     int        `json:"failed_tasks"`
	CompletedIDs    []string   `json:"completed_task_ids"`
	FailedIDs       []string   `json:"failed_task_ids"`
	ExecutionLog    []LogEntry `json:"execution_log"`
}

// Executor owns the execution phase: it consolidates the catalog into a
// small fixed set of units and runs them in order on one interpreter.
type Executor struct {
	Client *llm.Client
	LLM    config.LLMConfig
	Worker config.WorkerConfig
	Kernel config.KernelConfig

	Source config.DatabaseConfig
	Target config.DatabaseConfig

	OutputDir string
	Store     *runstore.Store
	Log       *zap.Logger

	// Runner overrides the interpreter session when set. Production runs
	// leave it nil and get a kernel session scoped to the phase.
	Runner Runner
}

// BuildUnits consolidates the catalog into the four migration units:
// table creation, bulk load, foreign keys, validation. Per-table units were
// tried first and cost one generation round-trip per table; four wide units
// migrate the same schema in a fraction of the calls.
func BuildUnits(cat *catalog.Catalog, source, target config.DatabaseConfig) []Unit {
	ordered, cycle := catalog.LoadOrderInfo(cat.Tables)
	orderDisplay := fmt.Sprintf("%v", ordered)
	if cycle {
		orderDisplay += "\n(NOTE: the foreign keys contain a reference cycle; this order is best-effort)"
	}
	targetSchema := strings.ToUpper(target.Schema)

	type colInfo struct {
		Name     string `json:"name"`
		Type     string `json:"type"`
		Nullable bool   `json:"nullable"`
	}
	type tableInfo struct {
		Name        string               `json:"name"`
		Columns     []colInfo            `json:"columns"`
		PrimaryKey  []string             `json:"primary_key"`
		ForeignKeys []catalog.ForeignKey `json:"foreign_keys"`
		RowCount    int64                `json:"row_count"`
	}
	infos := make([]tableInfo, 0, len(cat.Tables))
	rowCounts := map[string]int64{}
	for _, t := range cat.Tables {
		cols := make([]colInfo, 0, len(t.Columns))
		for _, c := range t.Columns {
			cols = append(cols, colInfo{Name: c.Name, Type: c.Type, Nullable: c.Nullable})
		}
		infos = append(infos, tableInfo{
			Name:        t.TableName,
			Columns:     cols,
			PrimaryKey:  t.PrimaryKey,
			ForeignKeys: t.ForeignKeys,
			RowCount:    t.RowCount,
		})
		rowCounts[t.TableName] = t.RowCount
	}
	tableInfoJSON, _ := json.MarshalIndent(infos, "", "  ")
	rowCountJSON, _ := json.MarshalIndent(rowCounts, "", "  ")

	type fkTable struct {
		Table       string `json:"table"`
		ForeignKeys []struct {
			Columns    []string `json:"columns"`
			References string   `json:"references"`
		} `json:"foreign_keys"`
	}
	var fkTables []fkTable
	for _, t := range cat.Tables {
		if len(t.ForeignKeys) == 0 {
			continue
		}
		ft := fkTable{Table: strings.ToUpper(t.TableName)}
		for _, fk := range t.ForeignKeys {
			ft.ForeignKeys = append(ft.ForeignKeys, struct {
				Columns    []string `json:"columns"`
				References string   `json:"references"`
			}{
				Columns:    fk.ConstrainedColumns,
				References: fmt.Sprintf("%s(%s)", strings.ToUpper(fk.ReferredTable), strings.Join(fk.ReferredColumns, ", ")),
			})
		}
		fkTables = append(fkTables, ft)
	}
	fkJSON, _ := json.MarshalIndent(fkTables, "", "  ")

	return []Unit{
		{
			ID: "1_setup_and_create_tables",
			Description: fmt.Sprintf(`MEGA-TASK 1: Setup Snowflake and Create All Tables

Create the schema and ALL tables in Snowflake in the correct order.

TARGET SCHEMA: %s (use UPPERCASE, no quotes)
TARGET DATABASE: %s

TABLE CREATION ORDER (respecting foreign key dependencies):
%v

TABLE DEFINITIONS:
%s

STEPS:
1. Connect to Snowflake
2. Create schema %s if not exists
3. Create each table with appropriate column types:
   - INTEGER/SERIAL -> NUMBER(38,0)
   - VARCHAR(n) -> VARCHAR(n)
   - NUMERIC(p,s) -> NUMBER(p,s)
   - TIMESTAMP -> TIMESTAMP_NTZ
   - TEXT -> VARCHAR(16777216)
   - DATE -> DATE
   - BOOLEAN -> BOOLEAN
4. Add PRIMARY KEY constraints
5. Verify all tables exist

DO NOT add foreign key constraints yet - that comes later.
Use UPPERCASE for all Snowflake identifiers (schema, table, column names).`,
				targetSchema, target.Database, orderDisplay, tableInfoJSON, targetSchema),
		},
		{
			ID: "2_extract_and_load_all_data",
			Description: fmt.Sprintf(`MEGA-TASK 2: Extract ALL Data from the Source and Load into Snowflake

Extract data from ALL tables in the source database and load into Snowflake.

SOURCE: %s schema '%s'
TARGET: Snowflake schema %s

TABLES TO MIGRATE (in this order to respect FK dependencies):
%v

TABLE ROW COUNTS:
%s

STEPS:
1. Connect to the source database (use schema '%s')
2. Connect to Snowflake
3. For each table in order:
   a. SELECT * FROM %s.<table_name>
   b. TRUNCATE the Snowflake table first (in case of re-run)
   c. INSERT all rows into Snowflake %s.<TABLE_NAME>
   d. Print progress: "Loaded X rows into <TABLE_NAME>"
4. Verify row counts match

IMPORTANT:
- Source tables are in schema '%s', NOT 'public'
- Use UPPERCASE for Snowflake table names
- Handle datetime/timestamp conversions properly
- Batch inserts for performance (executemany)`,
				source.Type, source.Schema, targetSchema, orderDisplay, rowCountJSON,
				source.Schema, source.Schema, targetSchema, source.Schema),
		},
		{
			ID: "3_add_foreign_keys",
			Description: fmt.Sprintf(`MEGA-TASK 3: Add Foreign Key Constraints in Snowflake

Add all foreign key constraints to the tables.

TARGET SCHEMA: %s

FOREIGN KEY RELATIONSHIPS:
%s

STEPS:
1. Connect to Snowflake
2. For each table with foreign keys:
   ALTER TABLE %s.<TABLE> ADD CONSTRAINT fk_<name>
   FOREIGN KEY (<columns>) REFERENCES %s.<ref_table>(<ref_columns>)
3. Note: Snowflake FKs are not enforced but serve as documentation

Use UPPERCASE for all identifiers.`,
				targetSchema, fkJSON, targetSchema, targetSchema),
		},
		{
			ID: "4_validate_migration",
			Description: fmt.Sprintf(`MEGA-TASK 4: Validate the Migration

Verify that all data was migrated correctly.

SOURCE SCHEMA: %s (%s)
TARGET SCHEMA: %s (Snowflake)

EXPECTED ROW COUNTS:
%s

VALIDATION STEPS:
1. Connect to both the source database and Snowflake
2. For each table:
   a. Get row count from source %s.<table>
   b. Get row count from Snowflake %s.<TABLE>
   c. Compare and report any mismatches
3. Report overall validation status

Print a summary table showing:
- Table name
- Source rows
- Target rows
- Status (OK/MISMATCH)

The task succeeds if ALL row counts match.`,
				source.Schema, source.Type, targetSchema, rowCountJSON, source.Schema, targetSchema),
		},
	}
}

// Run executes the migration units in order. A failed unit does not stop
// the phase; later units may still do useful work and the report records
// everything. The returned error covers infrastructure failures only.
func (e *Executor) Run(ctx context.Context, cat *catalog.Catalog) (*Report, error) {
	units := BuildUnits(cat, e.Source, e.Target)
	start := time.Now().UTC()

	runner := e.Runner
	if runner == nil {
		session := kernel.NewSession(kernel.Config{
			Interpreter:  e.Kernel.Interpreter,
			StartTimeout: time.Duration(e.Kernel.StartTimeoutMS) * time.Millisecond,
			ExecTimeout:  time.Duration(e.Kernel.ExecTimeoutMS) * time.Millisecond,
		})
		defer session.Shutdown()
		if err := session.Start(ctx); err != nil {
			return nil, err
		}
		runner = session
	}

	tableNames := make([]string, 0, len(cat.Tables))
	for _, t := range cat.Tables {
		tableNames = append(tableNames, t.TableName)
	}
	worker := &Worker{
		Client:          e.Client,
		Model:           e.LLM.Deployment,
		MaxTokens:       e.LLM.MaxTokens,
		ReasoningEffort: e.LLM.ReasoningEffort,
		MaxEmptyRetries: e.LLM.MaxEmptyRetries,
		MaxAttempts:     e.Worker.MaxAttempts,
		Window:          e.Worker.ContextWindow,
		Session:         runner,
		Attempts:        runlog.AttemptLogger{Dir: e.OutputDir},
		Log:             e.Log,
		SourceInfo:      SourceConnectionInfo(e.Source),
		TargetInfo:      TargetConnectionInfo(e.Target),
		SourceType:      strings.ToLower(e.Source.Type),
		SourceSchema:    e.Source.Schema,
		TableNames:      tableNames,
	}

	report := &Report{StartTime: start, TotalTasks: len(units)}
	for i, unit := range units {
		if e.Log != nil {
			e.Log.Info("unit starting",
				zap.String("unit", unit.ID),
				zap.Int("index", i+1),
				zap.Int("total", len(units)))
		}
		e.journal("unit_started", map[string]any{"task_id": unit.ID})

		res, err := worker.ExecuteUnit(ctx, unit)
		if err != nil {
			// Infrastructure failure: record what we have and surface it.
			report.FailedIDs = append(report.FailedIDs, unit.ID)
			report.FailedTasks++
			report.ExecutionLog = append(report.ExecutionLog, LogEntry{
				TaskID: unit.ID, Status: "failed", Attempts: res.Attempts, Error: err.Error(),
			})
			e.finishReport(report, start)
			_ = e.writeReport(report)
			return report, err
		}

		entry := LogEntry{TaskID: unit.ID, Attempts: res.Attempts}
		if res.Success {
			entry.Status = "success"
			report.CompletedIDs = append(report.CompletedIDs, unit.ID)
			report.CompletedTasks++
		} else {
			entry.Status = "failed"
			entry.Error = res.LastError
			report.FailedIDs = append(report.FailedIDs, unit.ID)
			report.FailedTasks++
			if e.Log != nil {
				e.Log.Warn("unit failed",
					zap.String("unit", unit.ID),
					zap.Int("attempts", res.Attempts),
					zap.String("error", truncate(res.LastError, 300)))
			}
			// Keep going; later units may still succeed.
		}
		report.ExecutionLog = append(report.ExecutionLog, entry)
		e.journal("unit_finished", map[string]any{
			"task_id": unit.ID, "status": entry.Status, "attempts": entry.Attempts,
		})
	}

	e.finishReport(report, start)
	if err := e.writeReport(report); err != nil {
		return report, err
	}
	return report, nil
}

func (e *Executor) finishReport(report *Report, start time.Time) {
	report.EndTime = time.Now().UTC()
	report.DurationSeconds = report.EndTime.Sub(start).Seconds()
	report.Success = report.FailedTasks == 0
}

func (e *Executor) writeReport(report *Report) error {
	b, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	if e.Store != nil {
		if _, err := e.Store.PutArtifact(ReportName, b); err != nil && e.Log != nil {
			e.Log.Warn("report artifact store failed", zap.Error(err))
		}
	}
	if e.OutputDir == "" {
		return nil
	}
	return os.WriteFile(filepath.Join(e.OutputDir, ReportName), b, 0o644)
}

func (e *Executor) journal(typ string, data map[string]any) {
	if e.Store == nil {
		return
	}
	if _, err := e.Store.Append(typ, data); err != nil && e.Log != nil {
		e.Log.Warn("journal append failed", zap.Error(err))
	}
}
