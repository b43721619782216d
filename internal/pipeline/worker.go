package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/enmapper/caravan/internal/envelope"
	"github.com/enmapper/caravan/internal/extract"
	"github.com/enmapper/caravan/internal/kernel"
	"github.com/enmapper/caravan/internal/llm"
	"github.com/enmapper/caravan/internal/runlog"
)

// minGeneratedCodeLen rejects replies that cannot possibly be a working
// script. A rejected artifact consumes an attempt without touching the
// interpreter.
const minGeneratedCodeLen = 50

// Truncation caps for repair prompts. The full artifacts are on disk; the
// conversation only needs enough to steer the next attempt.
const (
	repairCodeTruncate   = 2000
	repairErrTruncate    = 1500
	repairOutputTruncate = 800
	repairRecentOutput   = 500
)

// Runner executes one script and returns its merged output. The production
// implementation is *kernel.Session.
type Runner interface {
	Execute(ctx context.Context, code string) (string, error)
}

// Unit is one work unit of the execution phase.
type Unit struct {
	ID          string `json:"task_id"`
	Description string `json:"description"`
}

// UnitResult is the outcome of one unit after the retry loop finishes.
type UnitResult struct {
	UnitID    string          `json:"task_id"`
	Success   bool            `json:"success"`
	Attempts  int             `json:"attempts"`
	Result    envelope.Result `json:"result"`
	LastError string          `json:"last_error,omitempty"`
}

// Worker generates, executes, and repairs scripts for one unit at a time.
type Worker struct {
	Client          *llm.Client
	Model           string
	MaxTokens       int
	ReasoningEffort string
	MaxEmptyRetries int
	MaxAttempts     int
	Window          int
	Session         Runner
	Attempts        runlog.AttemptLogger
	Log             *zap.Logger

	// Prompt context.
	SourceInfo   string
	TargetInfo   string
	SourceType   string
	SourceSchema string
	TableNames   []string
}

// ExecuteUnit runs the bounded generate-execute-judge loop for one unit.
// The returned error is non-nil only for failures that make further
// attempts pointless: upstream provider errors and context cancellation.
// Everything else, including exhaustion, lands in the UnitResult.
func (w *Worker) ExecuteUnit(ctx context.Context, unit Unit) (UnitResult, error) {
	res := UnitResult{UnitID: unit.ID}
	var conversation []llm.Message
	var lastError, lastOutput string

	for attempt := 1; attempt <= w.MaxAttempts; attempt++ {
		res.Attempts = attempt
		if w.Log != nil {
			w.Log.Info("unit attempt",
				zap.String("unit", unit.ID),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", w.MaxAttempts))
		}

		code, err := w.generateCode(ctx, unit, attempt, lastError, lastOutput, conversation)
		if err != nil {
			if isEmptyGeneration(err) {
				code = ""
			} else {
				return res, err
			}
		}

		if len(code) < minGeneratedCodeLen {
			lastError = "generated code was empty or insufficient"
			res.LastError = lastError
			conversation = append(conversation, llm.User(fmt.Sprintf(
				"Attempt %d: %s. Please provide complete Python code.", attempt, lastError)))
			continue
		}

		w.logAttempt(unit.ID, attempt, runlog.AttemptCode, code)

		rawOutput, execErr := w.Session.Execute(ctx, code)
		switch {
		case execErr == nil:
			lastOutput = rawOutput
			w.logAttempt(unit.ID, attempt, runlog.AttemptOutput, rawOutput)
			result := envelope.Parse(rawOutput, envelope.TaskMarkers)
			if result.Heuristic && w.Log != nil {
				// Format drift: the script ran but skipped the result
				// protocol. Worth watching even when classified a success.
				w.Log.Warn("result classified heuristically",
					zap.String("unit", unit.ID),
					zap.Int("attempt", attempt),
					zap.Bool("success", result.Success))
			}
			if result.Success {
				res.Success = true
				res.Result = result
				res.LastError = ""
				return res, nil
			}
			lastError = result.Error
			if lastError == "" {
				lastError = result.Message
			}
			if lastError == "" {
				lastError = "unit reported failure"
			}
			res.Result = result
		case ctx.Err() != nil:
			return res, execErr
		default:
			var ee *kernel.ExecutionError
			var rt *kernel.ResponseTimeout
			if !errors.As(execErr, &ee) && !errors.As(execErr, &rt) {
				// Interpreter infrastructure failure, not a code failure.
				return res, execErr
			}
			lastError = execErr.Error()
			lastOutput = ""
			w.logAttempt(unit.ID, attempt, runlog.AttemptError, lastError)
		}
		res.LastError = lastError

		conversation = append(conversation,
			llm.Assistant(fmt.Sprintf("Generated code:\n```python\n%s...\n```", truncate(code, repairCodeTruncate))),
			llm.User(fmt.Sprintf("Attempt %d failed.\nError: %s\nOutput: %s\n\nPlease fix and try again.",
				attempt, lastError, truncate(lastOutput, repairRecentOutput))),
		)
	}
	return res, nil
}

// logAttempt routes one attempt artifact to the audit sink. Sink failures
// never stop the retry loop; they are only worth a warning.
func (w *Worker) logAttempt(unitID string, attempt int, kind runlog.AttemptKind, content string) {
	if err := w.Attempts.Log(unitID, attempt, kind, content); err != nil && w.Log != nil {
		w.Log.Warn("attempt log failed",
			zap.String("unit", unitID),
			zap.Int("attempt", attempt),
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
}

func (w *Worker) generateCode(ctx context.Context, unit Unit, attempt int, lastError, lastOutput string, conversation []llm.Message) (string, error) {
	msgs := []llm.Message{llm.System(w.workerSystemPrompt(unit))}
	if attempt == 1 {
		msgs = append(msgs, llm.User(fmt.Sprintf(
			"Execute this task:\n\n%s\n\nRemember:\n- Source schema is '%s' (NOT 'public')\n- Use UPPERCASE for all Snowflake identifiers\n- Print result between %s and %s",
			unit.Description, w.SourceSchema, envelope.TaskMarkers.Start, envelope.TaskMarkers.End)))
	} else {
		msgs = append(msgs, llm.TailWindow(conversation, w.Window)...)
		if lastError != "" {
			errorContext := fmt.Sprintf("Previous attempt failed:\nError: %s", truncate(lastError, repairErrTruncate))
			if lastOutput != "" {
				errorContext += fmt.Sprintf("\n\nOutput:\n%s", truncate(lastOutput, repairOutputTruncate))
			}
			msgs = append(msgs, llm.User(fmt.Sprintf(
				"%s\n\nFix the code. Remember: source schema is '%s', use UPPERCASE for Snowflake.",
				errorContext, w.SourceSchema)))
		}
	}

	reply, err := w.Client.CompleteNonEmpty(ctx, llm.Request{
		Model:           w.Model,
		Messages:        msgs,
		MaxTokens:       w.MaxTokens,
		ReasoningEffort: w.ReasoningEffort,
	}, w.MaxEmptyRetries)
	if err != nil {
		return "", err
	}
	return extract.Code(reply.Content, "python"), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
