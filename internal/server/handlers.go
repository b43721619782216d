package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/enmapper/caravan/internal/catalog"
	"github.com/enmapper/caravan/internal/config"
	"github.com/enmapper/caravan/internal/pipeline"
	"github.com/enmapper/caravan/internal/runlog"
	"github.com/enmapper/caravan/internal/runstore"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"migrations": len(s.registry.List()),
	})
}

func (s *Server) handleSubmitMigration(w http.ResponseWriter, r *http.Request) {
	var req SubmitMigrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.ConfigPath == "" {
		writeError(w, http.StatusBadRequest, "config_path is required")
		return
	}

	cfg, err := config.LoadRunConfigFile(req.ConfigPath)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid config: %v", err))
		return
	}

	runID := config.SanitizeRunID(req.RunID)
	migrationID := uuid.NewString()[:8]

	started := time.Now().UTC()
	folderName := fmt.Sprintf("%s_%s", runID, started.Format("20060102_150405"))
	paths, err := config.NewRunPaths(cfg.OutputDir, folderName)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("create run folder: %v", err))
		return
	}

	store, err := runstore.Open(paths.Root)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("open run store: %v", err))
		return
	}

	broadcaster := NewBroadcaster()
	ctx, cancel := context.WithCancelCause(s.baseCtx)

	ms := &MigrationState{
		ID:          migrationID,
		RunID:       runID,
		RunFolder:   filepath.Base(paths.Root),
		RunRoot:     paths.Root,
		StartedAt:   started,
		Broadcaster: broadcaster,
		Cancel:      cancel,
	}
	if err := s.registry.Register(migrationID, ms); err != nil {
		cancel(nil)
		store.Close()
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	orch := &pipeline.Orchestrator{
		Client: s.client,
		Cfg:    cfg,
		Paths:  paths,
		Store:  store,
		Log:    s.logger.With(zap.String("migration_id", migrationID)),
		OnLog: func(message, kind string) {
			ms.AppendLog(message, kind)
			broadcaster.Send(Event{
				"message": message,
				"type":    kind,
				"ts":      time.Now().UTC().Format(time.RFC3339Nano),
			})
		},
	}
	ms.SetOrchestrator(orch)

	go func() {
		defer broadcaster.Close()
		defer store.Close()
		runErr := orch.Run(ctx)
		ms.SetResult(runErr)
		if runErr != nil {
			s.logger.Warn("migration failed",
				zap.String("migration_id", migrationID), zap.Error(runErr))
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"migration_id": migrationID,
		"run_folder":   ms.RunFolder,
		"status":       "started",
	})
}

func (s *Server) handleListMigrations(w http.ResponseWriter, r *http.Request) {
	states := s.registry.List()
	out := make([]MigrationSummary, 0, len(states))
	for _, ms := range states {
		out = append(out, ms.Summary())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetMigration(w http.ResponseWriter, r *http.Request) {
	ms, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ms.Status())
}

func (s *Server) handleMigrationEvents(w http.ResponseWriter, r *http.Request) {
	ms, ok := s.lookup(w, r)
	if !ok {
		return
	}
	WriteSSE(w, r, ms.Broadcaster)
}

// handleGetReport serves the execution report written at the end of phase 3.
func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	s.serveRunFile(w, r, runlog.FindReports, "execution report", "application/json", nil)
}

// handleGetCatalog serves the newest schema catalog from the discovery
// phase; timestamped names make the lexically last match the newest. The
// document is decoded before serving so a corrupt or empty catalog is
// reported instead of handed to a client.
func (s *Server) handleGetCatalog(w http.ResponseWriter, r *http.Request) {
	s.serveRunFile(w, r, runlog.FindCatalogs, "schema catalog", "application/json", func(b []byte) error {
		_, err := catalog.Decode(b)
		return err
	})
}

// handleGetAnalysis serves the newest markdown discovery report.
func (s *Server) handleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	s.serveRunFile(w, r, runlog.FindAnalysisReports, "analysis report", "text/markdown; charset=utf-8", nil)
}

// handleListFailures returns the error file of every failed attempt in the
// run folder, newest-sorted by unit and attempt.
func (s *Server) handleListFailures(w http.ResponseWriter, r *http.Request) {
	ms, ok := s.lookup(w, r)
	if !ok {
		return
	}
	matches, err := runlog.FindFailures(ms.RunRoot)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("scan run folder: %v", err))
		return
	}
	out := make([]FailedAttempt, 0, len(matches))
	for _, rel := range matches {
		b, err := os.ReadFile(filepath.Join(ms.RunRoot, rel))
		if err != nil {
			continue
		}
		out = append(out, FailedAttempt{Path: rel, Error: string(b)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) serveRunFile(w http.ResponseWriter, r *http.Request, find func(string) ([]string, error), what, mime string, check func([]byte) error) {
	ms, ok := s.lookup(w, r)
	if !ok {
		return
	}
	matches, err := find(ms.RunRoot)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("scan run folder: %v", err))
		return
	}
	if len(matches) == 0 {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no %s available yet", what))
		return
	}
	b, err := os.ReadFile(filepath.Join(ms.RunRoot, matches[len(matches)-1]))
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("read %s: %v", what, err))
		return
	}
	if check != nil {
		if err := check(b); err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("%s unreadable: %v", what, err))
			return
		}
	}
	w.Header().Set("Content-Type", mime)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

func (s *Server) handleCancelMigration(w http.ResponseWriter, r *http.Request) {
	ms, ok := s.lookup(w, r)
	if !ok {
		return
	}
	ms.Cancel(fmt.Errorf("canceled via HTTP API"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceling"})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*MigrationState, bool) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "migration id is required")
		return nil, false
	}
	ms, ok := s.registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("migration %s not found", id))
		return nil, false
	}
	return ms, true
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
