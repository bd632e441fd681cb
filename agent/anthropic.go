package agent

import (
	"context"
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/mizunashi/bakabot/core"
)

// ClaudeCompleter executes turns against the Anthropic Messages streaming
// API.
type ClaudeCompleter struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
}

// NewClaudeCompleter creates a streaming completer for the given model.
func NewClaudeCompleter(client *anthropic.Client, model string, maxTokens int64) *ClaudeCompleter {
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	if maxTokens == 0 {
		maxTokens = 4096
	}
	return &ClaudeCompleter{
		client:    client,
		model:     model,
		maxTokens: maxTokens,
	}
}

// Stream runs one completion, emitting message-start and text-delta events
// as they arrive, and returns the accumulated assistant message.
func (c *ClaudeCompleter) Stream(ctx context.Context, req Request, emit func(core.Event)) (core.Message, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages:  toAPIMessages(req.Messages),
		System: []anthropic.TextBlockParam{
			{Text: req.SystemPrompt},
		},
	}

	stream := c.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	// Accumulate the full message from events while forwarding deltas.
	message := anthropic.Message{}

	for stream.Next() {
		event := stream.Current()

		if err := message.Accumulate(event); err != nil {
			// Accumulation errors are non-fatal; deltas still stream.
			continue
		}

		switch evt := event.AsAny().(type) {
		case anthropic.MessageStartEvent:
			emit(core.Event{Type: core.EventMessageStart})
		case anthropic.ContentBlockDeltaEvent:
			switch delta := evt.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				emit(core.Event{Type: core.EventTextDelta, TextDelta: delta.Text})
			}
		case anthropic.MessageStopEvent:
			// Stream complete.
		}
	}

	if err := stream.Err(); err != nil {
		return core.Message{}, err
	}

	return fromAPIMessage(&message), nil
}

// toAPIMessages converts the context window to API message params. Tool
// results keep their stringified provenance as user-visible text since the
// tool surface itself lives outside this core.
func toAPIMessages(msgs []core.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, msg := range msgs {
		text := msg.Stringify()
		if text == "" {
			continue
		}
		switch msg.Role {
		case core.RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(text)))
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
		}
	}
	return out
}

// fromAPIMessage flattens an accumulated API message into a core message:
// text blocks concatenated, tool_use blocks serialized as tool calls.
func fromAPIMessage(resp *anthropic.Message) core.Message {
	msg := core.NewAssistantMessage("")
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			msg.Content += block.Text
		case "tool_use":
			inputBytes, _ := json.Marshal(block.Input)
			msg.ToolCalls = append(msg.ToolCalls, core.ToolCall{
				Name:      block.Name,
				Arguments: string(inputBytes),
			})
		}
	}
	return msg
}
