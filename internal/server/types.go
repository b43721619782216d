package server

import (
	"time"

	"github.com/enmapper/caravan/internal/pipeline"
)

// SubmitMigrationRequest is the POST /migrations request body.
type SubmitMigrationRequest struct {
	// ConfigPath is a filesystem path to the run config (YAML or JSON).
	// Required.
	ConfigPath string `json:"config_path"`

	// RunID labels the run folder. If empty, a generated id is used.
	RunID string `json:"run_id,omitempty"`
}

// RunLogEntry is one progress message. Status reads drain pending entries,
// so each entry is delivered to exactly one poller.
type RunLogEntry struct {
	Message string    `json:"message"`
	Type    string    `json:"type"`
	Time    time.Time `json:"time"`
}

// MigrationStatus is returned by GET /migrations/{id}.
type MigrationStatus struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	RunFolder string    `json:"run_folder"`
	StartedAt time.Time `json:"started_at"`

	pipeline.Status

	Logs []RunLogEntry `json:"logs"`
}

// MigrationSummary is one row of GET /migrations.
type MigrationSummary struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
	Complete  bool      `json:"complete"`
	Success   bool      `json:"success"`
}

// FailedAttempt is one row of GET /migrations/{id}/failures: the error file
// of a failed execution attempt, identified by its path under the run root.
type FailedAttempt struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// ErrorResponse is a standard error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
