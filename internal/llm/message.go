package llm

import (
	"fmt"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a conversation with the generation service.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

func System(content string) Message    { return Message{Role: RoleSystem, Content: content} }
func User(content string) Message      { return Message{Role: RoleUser, Content: content} }
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }

// Request is a single completion request.
type Request struct {
	Provider string
	Model    string
	Messages []Message

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int

	// ReasoningEffort is passed through when non-empty (low|medium|high).
	ReasoningEffort string

	Temperature *float64
}

func (r Request) Validate() error {
	if len(r.Messages) == 0 {
		return &ConfigurationError{Message: "request has no messages"}
	}
	for i, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			return &ConfigurationError{Message: fmt.Sprintf("message %d has invalid role %q", i, m.Role)}
		}
	}
	if r.MaxTokens < 0 {
		return &ConfigurationError{Message: "max_tokens must be >= 0"}
	}
	return nil
}

// Usage is token accounting reported by the provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u Usage) Add(other Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + other.PromptTokens,
		CompletionTokens: u.CompletionTokens + other.CompletionTokens,
		TotalTokens:      u.TotalTokens + other.TotalTokens,
	}
}

// Response is the provider reply for one Request.
type Response struct {
	Provider string
	Model    string
	Content  string
	Usage    Usage
}

func (r Response) Empty() bool { return strings.TrimSpace(r.Content) == "" }

// TailWindow returns at most k of the most recent messages. The conversation
// context sent upstream must stay bounded; callers prepend their own system
// message after windowing.
func TailWindow(msgs []Message, k int) []Message {
	if k <= 0 || len(msgs) == 0 {
		return nil
	}
	if len(msgs) <= k {
		out := make([]Message, len(msgs))
		copy(out, msgs)
		return out
	}
	out := make([]Message, k)
	copy(out, msgs[len(msgs)-k:])
	return out
}
