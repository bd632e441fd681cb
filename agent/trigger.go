package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/mizunashi/bakabot/core"
)

const triggerQuestion = `You are in a group chat and your history may contain messages unrelated to you. Does the following message need a reply from you? Answer with exactly one word: yes or no.
Message:
%s`

// ShouldReply asks the session's model whether a group message that does
// not address the assistant directly still needs a reply. The question is
// evaluated against the current context window without entering it.
func (a *Agent) ShouldReply(ctx context.Context, text string) (bool, error) {
	a.mu.Lock()
	msgs := make([]core.Message, len(a.messages))
	copy(msgs, a.messages)
	a.mu.Unlock()

	question := core.NewUserMessage(fmt.Sprintf(triggerQuestion, text))
	req := Request{
		SystemPrompt: a.cfg.SystemPrompt,
		Messages:     append(msgs, question),
	}

	answer, err := a.completer.Stream(ctx, req, func(core.Event) {})
	if err != nil {
		return false, err
	}

	reply := strings.ToLower(strings.TrimSpace(answer.Content))
	return strings.Contains(reply, "yes") || strings.Contains(reply, "是"), nil
}
