package core

import (
	"fmt"
	"strings"
	"time"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "toolResult"
)

// ToolCall records a tool invocation made inside an assistant message.
type ToolCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one entry in a session's context window. Messages are
// immutable once appended; prompt-time augmentation (historical context
// injection) happens on a copy, never on the stored message.
type Message struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
	// ToolName is set on toolResult messages.
	ToolName  string `json:"toolName,omitempty"`
	Timestamp int64  `json:"timestamp"` // Unix milliseconds
}

// NewUserMessage creates a user message stamped with the current time.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content, Timestamp: NowMillis()}
}

// NewAssistantMessage creates an assistant message stamped with the current time.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content, Timestamp: NowMillis()}
}

// NowMillis returns the current wall clock in Unix milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Stringify converts a message to its searchable text representation.
// Assistant tool calls are serialized into the text, tool results are
// prefixed with the tool name. Used both for embedding and for rerank
// documents.
func (m Message) Stringify() string {
	content := m.Content

	if m.Role == RoleAssistant && len(m.ToolCalls) > 0 {
		var calls []string
		for _, tc := range m.ToolCalls {
			calls = append(calls, fmt.Sprintf("Tool Call: %s(%s)", tc.Name, tc.Arguments))
		}
		content = strings.TrimSpace(content + "\n" + strings.Join(calls, "\n"))
	}

	if m.Role == RoleToolResult {
		content = fmt.Sprintf("Tool Result (%s): %s", m.ToolName, content)
	}

	return content
}

// Markers delimiting an injected historical-context block in an outbound
// prompt. Content carrying the end marker must be unwrapped before it is
// embedded into long-term memory.
const (
	HistoricalContextStart = "[Historical Context]"
	HistoricalContextEnd   = "[End Context]"
)

// WrapWithContext prepends a historical-context block to text. The block
// is terminated by HistoricalContextEnd so it can be stripped again.
func WrapWithContext(contextBlock, text string) string {
	return HistoricalContextStart + "\n" + contextBlock + "\n" + HistoricalContextEnd + "\n\n" + text
}

// UnwrapContent strips an injected historical-context prefix, returning
// only the true conversational content. Content without the end marker is
// returned unchanged.
func UnwrapContent(content string) string {
	idx := strings.Index(content, HistoricalContextEnd)
	if idx == -1 {
		return content
	}
	return strings.TrimLeft(content[idx+len(HistoricalContextEnd):], "\n")
}
