package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/enmapper/caravan/internal/pipeline"
)

// MigrationState tracks one running or completed migration.
type MigrationState struct {
	ID          string
	RunID       string
	RunFolder   string
	RunRoot     string
	StartedAt   time.Time
	Broadcaster *Broadcaster
	Cancel      context.CancelCauseFunc

	mu   sync.Mutex
	orch *pipeline.Orchestrator
	logs []RunLogEntry
	err  error
	done bool
}

// SetOrchestrator stores a reference to the live orchestrator for status
// snapshots.
func (ms *MigrationState) SetOrchestrator(o *pipeline.Orchestrator) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.orch = o
}

// SetResult records the terminal outcome of the run.
func (ms *MigrationState) SetResult(err error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.err = err
	ms.done = true
}

// AppendLog queues a progress message for the next status poll.
func (ms *MigrationState) AppendLog(message, kind string) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.logs = append(ms.logs, RunLogEntry{Message: message, Type: kind, Time: time.Now().UTC()})
}

// Status returns the current migration status and drains the pending log
// queue. Each log entry reaches exactly one caller.
func (ms *MigrationState) Status() MigrationStatus {
	ms.mu.Lock()
	orch := ms.orch
	done := ms.done
	err := ms.err
	logs := ms.logs
	ms.logs = nil
	ms.mu.Unlock()

	status := MigrationStatus{
		ID:        ms.ID,
		RunID:     ms.RunID,
		RunFolder: ms.RunFolder,
		StartedAt: ms.StartedAt,
		Logs:      logs,
	}
	if status.Logs == nil {
		status.Logs = []RunLogEntry{}
	}
	if orch != nil {
		status.Status = orch.Snapshot()
	}
	if done && err != nil && status.Error == "" {
		status.Error = err.Error()
		status.Complete = true
	}
	return status
}

// Summary returns the list-view row for this migration.
func (ms *MigrationState) Summary() MigrationSummary {
	ms.mu.Lock()
	orch := ms.orch
	ms.mu.Unlock()

	s := MigrationSummary{ID: ms.ID, RunID: ms.RunID, StartedAt: ms.StartedAt}
	if orch != nil {
		snap := orch.Snapshot()
		s.Complete = snap.Complete
		s.Success = snap.Success
	}
	return s
}

// MigrationRegistry tracks all migrations managed by this server instance.
type MigrationRegistry struct {
	mu         sync.RWMutex
	migrations map[string]*MigrationState
	order      []string
}

// NewMigrationRegistry creates a new empty registry.
func NewMigrationRegistry() *MigrationRegistry {
	return &MigrationRegistry{migrations: make(map[string]*MigrationState)}
}

// Register adds a migration. Returns an error if the id already exists.
func (r *MigrationRegistry) Register(id string, ms *MigrationState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.migrations[id]; exists {
		return fmt.Errorf("migration %s already exists", id)
	}
	r.migrations[id] = ms
	r.order = append(r.order, id)
	return nil
}

// Get returns a migration by id.
func (r *MigrationRegistry) Get(id string) (*MigrationState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ms, ok := r.migrations[id]
	return ms, ok
}

// List returns all migrations in registration order.
func (r *MigrationRegistry) List() []*MigrationState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*MigrationState, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.migrations[id])
	}
	return out
}

// CancelAll cancels every running migration with the given reason.
func (r *MigrationRegistry) CancelAll(reason string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ms := range r.migrations {
		if ms.Cancel != nil {
			ms.Cancel(fmt.Errorf("%s", reason))
		}
	}
}
