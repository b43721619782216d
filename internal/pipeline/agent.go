// Package pipeline drives the three migration phases: schema discovery,
// plan debate, and execution. Each phase follows the same shape: ask the
// generation service for an artifact, run or review it, and feed the outcome
// back until the phase converges or its budget runs out.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/enmapper/caravan/internal/llm"
)

// Agent is one named conversational role. Every request is rebuilt fresh
// from the system prompt, a bounded window of history, and the new
// instruction, so context stays capped no matter how long the phase runs.
type Agent struct {
	Name            string
	Client          *llm.Client
	Model           string
	System          string
	MaxTokens       int
	ReasoningEffort string
	Window          int
	MaxEmptyRetries int
	Log             *zap.Logger

	history []llm.Message
}

// SendInstruction asks the agent's role for a reply and records the exchange
// in history. A provider that keeps returning blank content degrades to a
// placeholder reply rather than sinking the phase; upstream failures are
// returned as-is.
func (a *Agent) SendInstruction(ctx context.Context, instruction string) (string, error) {
	msgs := make([]llm.Message, 0, a.Window+2)
	msgs = append(msgs, llm.System(a.System))
	msgs = append(msgs, llm.TailWindow(a.history, a.Window)...)
	msgs = append(msgs, llm.User(instruction))

	if a.Log != nil {
		a.Log.Debug("sending instruction",
			zap.String("agent", a.Name),
			zap.Int("messages", len(msgs)))
	}

	reply, err := a.Client.CompleteNonEmpty(ctx, llm.Request{
		Model:           a.Model,
		Messages:        msgs,
		MaxTokens:       a.MaxTokens,
		ReasoningEffort: a.ReasoningEffort,
	}, a.MaxEmptyRetries)

	var content string
	switch {
	case err == nil:
		content = reply.Content
	case isEmptyGeneration(err):
		content = fmt.Sprintf("[%s returned empty response after %d attempts]", a.Name, a.MaxEmptyRetries)
		if a.Log != nil {
			a.Log.Warn("all retries returned empty content", zap.String("agent", a.Name))
		}
	default:
		return "", err
	}

	a.history = append(a.history, llm.User(instruction), llm.Assistant(content))
	return content, nil
}

// History returns the accumulated conversation, for transcripts.
func (a *Agent) History() []llm.Message {
	out := make([]llm.Message, len(a.history))
	copy(out, a.history)
	return out
}

func isEmptyGeneration(err error) bool {
	var ee *llm.EmptyGenerationError
	return errors.As(err, &ee)
}
