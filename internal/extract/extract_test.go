package extract

import "testing"

func TestCode_TaggedFence(t *testing.T) {
	reply := "Here is the script:\n```python\nimport os\nprint('hi')\n```\nLet me know."
	got := Code(reply, "python")
	want := "import os\nprint('hi')"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestCode_TaggedFencePreferredOverEarlierBareFence(t *testing.T) {
	reply := "```\nnot this\n```\n```python\nx = 1\n```"
	if got := Code(reply, "python"); got != "x = 1" {
		t.Fatalf("got %q", got)
	}
}

func TestCode_BareFenceSkipsLanguageTag(t *testing.T) {
	reply := "```sql\nSELECT 1;\n```"
	if got := Code(reply, "python"); got != "SELECT 1;" {
		t.Fatalf("got %q", got)
	}
}

func TestCode_BareFenceNoTag(t *testing.T) {
	reply := "intro\n```\nimport sys\n```"
	if got := Code(reply, "python"); got != "import sys" {
		t.Fatalf("got %q", got)
	}
}

func TestCode_LongFirstFenceLineIsCode(t *testing.T) {
	// A first line at or past the tag-length cutoff is code, not a tag.
	reply := "```\nconnection_string_value_here = 12\nprint(x)\n```"
	got := Code(reply, "python")
	want := "connection_string_value_here = 12\nprint(x)"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestCode_HeuristicScanDropsLeadingProse(t *testing.T) {
	reply := "Sure, I can help with that.\nimport json\ndata = json.loads(s)"
	got := Code(reply, "python")
	want := "import json\ndata = json.loads(s)"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestCode_AssignmentStartsCapture(t *testing.T) {
	reply := "Explanation first.\nresult = compute()\nprint(result)"
	got := Code(reply, "python")
	want := "result = compute()\nprint(result)"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestCode_ProseAssignmentDoesNotStartCapture(t *testing.T) {
	reply := "Note: x = y holds here.\nstill prose"
	if got := Code(reply, "python"); got != reply {
		t.Fatalf("got %q want whole reply", got)
	}
}

func TestCode_NoStructureReturnsWholeReply(t *testing.T) {
	reply := "I could not produce a script this time."
	if got := Code(reply, "python"); got != reply {
		t.Fatalf("got %q", got)
	}
}

func TestCode_Empty(t *testing.T) {
	if got := Code("", "python"); got != "" {
		t.Fatalf("got %q", got)
	}
}
