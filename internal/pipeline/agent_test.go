package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/enmapper/caravan/internal/llm"
)

type blankAdapter struct{ calls int }

func (a *blankAdapter) Name() string { return "fake" }

func (a *blankAdapter) Complete(_ context.Context, _ llm.Request) (llm.Response, error) {
	a.calls++
	return llm.Response{Provider: "fake", Content: "  "}, nil
}

func TestAgentKeepsHistoryAcrossInstructions(t *testing.T) {
	adapter := &scriptAdapter{replies: []string{"first reply", "second reply"}}
	client := llm.NewClient()
	client.Register(adapter)
	a := &Agent{Name: "Planner Alpha", Client: client, Model: "m", System: "sys", Window: 8, MaxEmptyRetries: 1}

	if _, err := a.SendInstruction(context.Background(), "one"); err != nil {
		t.Fatalf("SendInstruction: %v", err)
	}
	if _, err := a.SendInstruction(context.Background(), "two"); err != nil {
		t.Fatalf("SendInstruction: %v", err)
	}

	second := adapter.seen[1]
	if second[0].Role != llm.RoleSystem || second[0].Content != "sys" {
		t.Fatalf("system message missing: %+v", second[0])
	}
	var sawPriorReply bool
	for _, m := range second {
		if m.Role == llm.RoleAssistant && m.Content == "first reply" {
			sawPriorReply = true
		}
	}
	if !sawPriorReply {
		t.Fatalf("second request does not carry prior exchange: %+v", second)
	}

	hist := a.History()
	if len(hist) != 4 {
		t.Fatalf("history has %d messages, want 4", len(hist))
	}
}

func TestAgentWindowBoundsHistory(t *testing.T) {
	adapter := &scriptAdapter{replies: []string{"r"}}
	client := llm.NewClient()
	client.Register(adapter)
	a := &Agent{Name: "Planner Beta", Client: client, Model: "m", System: "sys", Window: 2, MaxEmptyRetries: 1}

	for _, in := range []string{"one", "two", "three"} {
		if _, err := a.SendInstruction(context.Background(), in); err != nil {
			t.Fatalf("SendInstruction(%s): %v", in, err)
		}
	}
	// system + windowed history (2) + new instruction
	last := adapter.seen[len(adapter.seen)-1]
	if len(last) != 4 {
		t.Fatalf("request has %d messages, want 4", len(last))
	}
}

func TestAgentDegradesToPlaceholderOnBlankReplies(t *testing.T) {
	adapter := &blankAdapter{}
	client := llm.NewClient()
	client.Register(adapter)
	a := &Agent{Name: "Planner Alpha", Client: client, Model: "m", System: "sys", Window: 8, MaxEmptyRetries: 2}

	reply, err := a.SendInstruction(context.Background(), "plan it")
	if err != nil {
		t.Fatalf("SendInstruction: %v", err)
	}
	if !strings.Contains(reply, "Planner Alpha returned empty response after 2 attempts") {
		t.Fatalf("reply = %q", reply)
	}
	if len(a.History()) != 2 {
		t.Fatalf("placeholder exchange should still be recorded, history = %d", len(a.History()))
	}
}
