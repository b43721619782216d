package pipeline

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/enmapper/caravan/internal/catalog"
	"github.com/enmapper/caravan/internal/config"
	"github.com/enmapper/caravan/internal/llm"
	"github.com/enmapper/caravan/internal/runstore"
)

// Phase lifecycle states.
const (
	PhasePending  = "pending"
	PhaseRunning  = "running"
	PhaseComplete = "complete"
	PhaseFailed   = "failed"
)

// PhaseStatus is the externally visible state of one phase.
type PhaseStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`

	// Discovery
	Tables        int `json:"tables,omitempty"`
	Relationships int `json:"relationships,omitempty"`

	// Planning
	Rounds int `json:"rounds,omitempty"`

	// Execution
	Completed int     `json:"completed,omitempty"`
	Total     int     `json:"total,omitempty"`
	Duration  float64 `json:"duration,omitempty"`
}

// Status is a point-in-time snapshot of the whole run.
type Status struct {
	Complete  bool        `json:"complete"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Discovery PhaseStatus `json:"phase1"`
	Planning  PhaseStatus `json:"phase2"`
	Execution PhaseStatus `json:"phase3"`
}

// Orchestrator sequences the three phases for one run. A failed phase stops
// the run; the statuses of later phases stay pending.
type Orchestrator struct {
	Client *llm.Client
	Cfg    *config.RunConfigFile
	Paths  config.RunPaths
	Store  *runstore.Store
	Log    *zap.Logger

	// OnLog receives progress messages for live consumers. Nil is fine.
	OnLog func(message, kind string)

	// Runner overrides the interpreter for both kernel-backed phases.
	Runner Runner

	mu     sync.Mutex
	status Status
}

// Snapshot returns a copy of the current run status.
func (o *Orchestrator) Snapshot() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Run drives discovery, planning, and execution in order. The returned error
// is also recorded in the final status snapshot.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.setStatus(func(s *Status) {
		s.Discovery.Status = PhasePending
		s.Planning.Status = PhasePending
		s.Execution.Status = PhasePending
	})

	cat, err := o.runDiscovery(ctx)
	if err != nil {
		o.fail(err)
		return err
	}

	if err := o.runPlanning(ctx, cat); err != nil {
		o.fail(err)
		return err
	}

	report, err := o.runExecution(ctx, cat)
	if err != nil {
		o.fail(err)
		return err
	}

	o.setStatus(func(s *Status) {
		s.Complete = true
		s.Success = report.Success
	})
	if report.Success {
		o.log("Migration completed successfully!", "success")
	} else {
		o.log(fmt.Sprintf("Migration finished with %d failed tasks", report.FailedTasks), "error")
	}
	o.journal("run_finished", map[string]any{"success": report.Success})
	return nil
}

func (o *Orchestrator) runDiscovery(ctx context.Context) (*catalog.Catalog, error) {
	o.log("Starting Phase 1: Schema Analysis", "phase1")
	o.setStatus(func(s *Status) { s.Discovery.Status = PhaseRunning })
	o.journal("phase_started", map[string]any{"phase": "discovery"})

	disc := &Discovery{
		Client:       o.Client,
		LLM:          o.Cfg.LLM,
		Loop:         o.Cfg.Discovery,
		Kernel:       o.Cfg.Kernel,
		Source:       o.Cfg.Source,
		Instructions: o.Cfg.Instructions,
		OutputDir:    o.Paths.Discovery,
		Store:        o.Store,
		Log:          o.Log,
		Runner:       o.Runner,
	}
	cat, res, err := disc.Run(ctx)
	if err == nil && cat == nil {
		err = fmt.Errorf("schema discovery produced no entities after %d iterations", res.Iterations)
	}
	if err != nil {
		o.setStatus(func(s *Status) {
			s.Discovery.Status = PhaseFailed
			s.Discovery.Error = err.Error()
		})
		o.log(fmt.Sprintf("Phase 1 failed: %v", err), "error")
		return nil, err
	}

	o.setStatus(func(s *Status) {
		s.Discovery.Status = PhaseComplete
		s.Discovery.Tables = len(cat.Tables)
		s.Discovery.Relationships = len(cat.Relationships)
	})
	o.log(fmt.Sprintf("Phase 1 complete: %d tables found", len(cat.Tables)), "success")
	o.journal("phase_finished", map[string]any{
		"phase": "discovery", "tables": len(cat.Tables), "satisfied": res.Satisfied,
	})
	return cat, nil
}

func (o *Orchestrator) runPlanning(ctx context.Context, cat *catalog.Catalog) error {
	o.log("Starting Phase 2: Migration Planning", "phase2")
	o.setStatus(func(s *Status) { s.Planning.Status = PhaseRunning })
	o.journal("phase_started", map[string]any{"phase": "planning"})

	llmCfg := o.Cfg.LLM
	plannerCfg := o.Cfg.Planner
	debate := &Debate{
		Alpha: &Agent{
			Name:            "Planner Alpha",
			Client:          o.Client,
			Model:           llmCfg.Deployment,
			System:          alphaSystemPrompt,
			MaxTokens:       llmCfg.MaxTokens,
			ReasoningEffort: llmCfg.ReasoningEffort,
			Window:          plannerCfg.ContextWindow,
			MaxEmptyRetries: llmCfg.MaxEmptyRetries,
			Log:             o.Log,
		},
		Beta: &Agent{
			Name:            "Planner Beta",
			Client:          o.Client,
			Model:           llmCfg.Deployment,
			System:          betaSystemPrompt,
			MaxTokens:       llmCfg.MaxTokens,
			ReasoningEffort: llmCfg.ReasoningEffort,
			Window:          plannerCfg.ContextWindow,
			MaxEmptyRetries: llmCfg.MaxEmptyRetries,
			Log:             o.Log,
		},
		Rounds:    plannerCfg.DebateRounds,
		OutputDir: o.Paths.Planner,
		Store:     o.Store,
		Log:       o.Log,
	}
	if _, err := debate.Run(ctx, cat); err != nil {
		o.setStatus(func(s *Status) {
			s.Planning.Status = PhaseFailed
			s.Planning.Error = err.Error()
		})
		o.log(fmt.Sprintf("Phase 2 failed: %v", err), "error")
		return err
	}

	o.setStatus(func(s *Status) {
		s.Planning.Status = PhaseComplete
		s.Planning.Rounds = plannerCfg.DebateRounds
	})
	o.log("Phase 2 complete: Migration plan ready", "success")
	o.journal("phase_finished", map[string]any{"phase": "planning", "rounds": plannerCfg.DebateRounds})
	return nil
}

func (o *Orchestrator) runExecution(ctx context.Context, cat *catalog.Catalog) (*Report, error) {
	o.log("Starting Phase 3: Migration Execution", "phase3")
	o.setStatus(func(s *Status) { s.Execution.Status = PhaseRunning })
	o.journal("phase_started", map[string]any{"phase": "execution"})

	exec := &Executor{
		Client:    o.Client,
		LLM:       o.Cfg.LLM,
		Worker:    o.Cfg.Worker,
		Kernel:    o.Cfg.Kernel,
		Source:    o.Cfg.Source,
		Target:    o.Cfg.Target,
		OutputDir: o.Paths.Worker,
		Store:     o.Store,
		Log:       o.Log,
		Runner:    o.Runner,
	}
	report, err := exec.Run(ctx, cat)
	if err != nil {
		o.setStatus(func(s *Status) {
			s.Execution.Status = PhaseFailed
			s.Execution.Error = err.Error()
			if report != nil {
				s.Execution.Completed = report.CompletedTasks
				s.Execution.Total = report.TotalTasks
			}
		})
		o.log(fmt.Sprintf("Phase 3 failed: %v", err), "error")
		return nil, err
	}

	o.setStatus(func(s *Status) {
		s.Execution.Status = PhaseComplete
		s.Execution.Completed = report.CompletedTasks
		s.Execution.Total = report.TotalTasks
		s.Execution.Duration = round1(report.DurationSeconds)
	})
	o.log(fmt.Sprintf("Phase 3 complete: %d/%d tasks", report.CompletedTasks, report.TotalTasks), "success")
	o.journal("phase_finished", map[string]any{
		"phase": "execution", "completed": report.CompletedTasks, "total": report.TotalTasks,
	})
	return report, nil
}

func (o *Orchestrator) setStatus(fn func(*Status)) {
	o.mu.Lock()
	fn(&o.status)
	o.mu.Unlock()
}

func (o *Orchestrator) fail(err error) {
	o.setStatus(func(s *Status) {
		s.Complete = true
		s.Success = false
		s.Error = err.Error()
	})
	o.journal("run_finished", map[string]any{"success": false, "error": err.Error()})
}

func (o *Orchestrator) log(message, kind string) {
	if o.OnLog != nil {
		o.OnLog(message, kind)
	}
	if o.Log != nil {
		o.Log.Info(message, zap.String("kind", kind))
	}
}

func (o *Orchestrator) journal(typ string, data map[string]any) {
	if o.Store == nil {
		return
	}
	if _, err := o.Store.Append(typ, data); err != nil && o.Log != nil {
		o.Log.Warn("journal append failed", zap.Error(err))
	}
}

func round1(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}
