package core_test

import (
	"strings"
	"testing"

	"github.com/mizunashi/bakabot/core"
)

func TestStringify_PlainUserMessage(t *testing.T) {
	msg := core.Message{Role: core.RoleUser, Content: "hello there"}
	if got := msg.Stringify(); got != "hello there" {
		t.Errorf("Stringify() = %q", got)
	}
}

func TestStringify_AssistantToolCalls(t *testing.T) {
	msg := core.Message{
		Role:    core.RoleAssistant,
		Content: "Checking the file.",
		ToolCalls: []core.ToolCall{
			{Name: "read_file", Arguments: `{"path":"/tmp/a"}`},
		},
	}
	got := msg.Stringify()
	if !strings.Contains(got, "Checking the file.") {
		t.Errorf("content missing from %q", got)
	}
	if !strings.Contains(got, `Tool Call: read_file({"path":"/tmp/a"})`) {
		t.Errorf("tool call missing from %q", got)
	}
}

func TestStringify_ToolResultPrefix(t *testing.T) {
	msg := core.Message{Role: core.RoleToolResult, ToolName: "read_file", Content: "file body"}
	if got := msg.Stringify(); got != "Tool Result (read_file): file body" {
		t.Errorf("Stringify() = %q", got)
	}
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	wrapped := core.WrapWithContext("[user] earlier talk", "what did we say?")

	if !strings.HasPrefix(wrapped, core.HistoricalContextStart) {
		t.Errorf("wrapped content missing start marker: %q", wrapped)
	}
	if got := core.UnwrapContent(wrapped); got != "what did we say?" {
		t.Errorf("UnwrapContent() = %q", got)
	}
}

func TestUnwrapContent_PassthroughWithoutMarker(t *testing.T) {
	if got := core.UnwrapContent("plain message"); got != "plain message" {
		t.Errorf("UnwrapContent() = %q", got)
	}
}
