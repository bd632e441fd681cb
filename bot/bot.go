// Package bot maps external conversation identities to live agents and
// serializes access to them. Inbound events for an identity whose agent is
// still being constructed are queued, not dropped; events arriving while a
// turn is in flight are steered (private chats) or deferred to a follow-up
// queue drained one at a time after each turn (group chats).
package bot

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"

	"github.com/mizunashi/bakabot/agent"
	"github.com/mizunashi/bakabot/core"
)

// Kind distinguishes group from private conversations.
type Kind string

const (
	KindGroup   Kind = "group"
	KindPrivate Kind = "private"
)

// Event is one inbound chat-platform message, normalized by the transport.
type Event struct {
	// Identity keys the session: "g<group id>" or "<user id>".
	Identity string
	Kind     Kind

	// Text is the rendered message content handed to the agent.
	Text string
	// Raw is the unrendered message, checked for slash commands.
	Raw string

	SenderID int64
	SelfID   int64
	// AtMe is set when the message mentions the assistant directly.
	AtMe      bool
	Timestamp int64
}

// AgentBuilder constructs the agent for a new session identity. It may
// call external collaborators for profile or group metadata.
type AgentBuilder func(ctx context.Context, ev Event) (*agent.Agent, error)

// Notifier delivers a user-visible failure notice to a counterpart.
// Failures of the notifier itself are only logged.
type Notifier interface {
	Deliver(ctx context.Context, identity, text string) error
}

// failureNotice is deliberately generic; internal diagnostics stay in the
// logs.
const failureNotice = "Something went wrong while processing your message, please try again later."

// Bot is the process-wide session registry.
type Bot struct {
	build      AgentBuilder
	notifier   Notifier
	useTrigger bool

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	identity string

	mu           sync.Mutex
	agent        *agent.Agent
	constructing bool
	pending      []Event
	followUps    []Event
}

// Option configures a Bot.
type Option func(*Bot)

// WithNotifier sets the outbound channel for user-visible failure notices.
func WithNotifier(n Notifier) Option {
	return func(b *Bot) {
		b.notifier = n
	}
}

// WithReplyTrigger enables the LLM heuristic that decides whether a group
// message that does not mention the assistant still needs a reply.
// Without it, only direct mentions start turns in group chats.
func WithReplyTrigger() Option {
	return func(b *Bot) {
		b.useTrigger = true
	}
}

// New creates a bot dispatching to agents produced by build.
func New(build AgentBuilder, opts ...Option) *Bot {
	b := &Bot{
		build:    build,
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// OnEvent routes one inbound event. Safe for concurrent use across
// identities; events for a single identity are processed in arrival order.
func (b *Bot) OnEvent(ctx context.Context, ev Event) error {
	log.Printf("[BOT] Received message in %s: %s", ev.Identity, truncate(ev.Raw, 80))

	sess, isNew := b.getOrCreate(ev.Identity)

	if isNew {
		if err := b.construct(ctx, sess, ev, false); err != nil {
			return err
		}
	} else {
		sess.mu.Lock()
		if sess.constructing {
			// Agent is still being built; queue and return.
			sess.pending = append(sess.pending, ev)
			sess.mu.Unlock()
			log.Printf("[BOT] Pending message for %s", ev.Identity)
			return nil
		}
		if sess.agent == nil {
			// A previous construction failed; retry with this event. The
			// earlier queued events stay in place and drain first.
			sess.constructing = true
			sess.mu.Unlock()
			if err := b.construct(ctx, sess, ev, true); err != nil {
				return err
			}
			return b.drain(ctx, sess)
		}
		sess.pending = append(sess.pending, ev)
		sess.mu.Unlock()
	}

	return b.drain(ctx, sess)
}

// getOrCreate returns the session for identity, inserting a placeholder
// record when unseen. The placeholder makes check-then-create atomic: a
// concurrent event for the same identity sees the record and queues
// instead of racing a duplicate construction.
func (b *Bot) getOrCreate(identity string) (*session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sess, ok := b.sessions[identity]; ok {
		return sess, false
	}
	sess := &session{identity: identity, constructing: true}
	b.sessions[identity] = sess
	return sess, true
}

// construct builds the agent for a session and queues the triggering
// event. On initial construction the trigger arrived before anything now
// queued, so it goes to the front; on a retry the queued backlog predates
// the trigger, so it goes to the back. Either way the drain order is
// arrival order.
func (b *Bot) construct(ctx context.Context, sess *session, ev Event, retry bool) error {
	a, err := b.build(ctx, ev)

	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.constructing = false
	if err != nil {
		// The session stays unready; queued events remain queued and the
		// next inbound event retries construction.
		log.Printf("[BOT] Agent construction failed for %s: %v", sess.identity, err)
		return err
	}
	sess.agent = a
	if retry {
		sess.pending = append(sess.pending, ev)
	} else {
		sess.pending = append([]Event{ev}, sess.pending...)
	}
	log.Printf("[BOT] Agent created for %s", sess.identity)
	return nil
}

// drain processes queued events in FIFO order through the dispatch
// pipeline.
func (b *Bot) drain(ctx context.Context, sess *session) error {
	for {
		sess.mu.Lock()
		if len(sess.pending) == 0 || sess.agent == nil {
			sess.mu.Unlock()
			return nil
		}
		ev := sess.pending[0]
		sess.pending = sess.pending[1:]
		a := sess.agent
		sess.mu.Unlock()

		if err := b.dispatch(ctx, sess, ev, a); err != nil {
			return err
		}
	}
}

// dispatch runs the per-event pipeline: slash commands first-match-wins,
// then the conversational handler.
func (b *Bot) dispatch(ctx context.Context, sess *session, ev Event, a *agent.Agent) error {
	switch strings.TrimSpace(ev.Raw) {
	case "/clear":
		a.ClearMessages()
		log.Printf("[BOT] Cleared history for %s", sess.identity)
		return nil
	case "/stop":
		a.Abort()
		log.Printf("[BOT] Aborted in-flight turn for %s", sess.identity)
		return nil
	}

	if ev.Kind == KindGroup {
		return b.replyGroup(ctx, sess, ev, a)
	}
	return b.replyPrivate(ctx, sess, ev, a)
}

func (b *Bot) replyPrivate(ctx context.Context, sess *session, ev Event, a *agent.Agent) error {
	msg := userMessage(ev)

	// Busy contention is never surfaced: keep alternating between starting
	// a turn and steering into the in-flight one until either wins. Each
	// attempt can lose its race (the turn ends between the busy signal and
	// the steer, or another goroutine starts a turn before the retry), so
	// a single retry is not enough.
	for {
		err := a.Prompt(ctx, msg)
		if !errors.Is(err, agent.ErrBusy) {
			return b.finishTurn(ctx, sess, a, err)
		}
		log.Printf("[BOT] Agent busy, steering message into current turn for %s", sess.identity)
		if a.Steer(msg) {
			return nil
		}
	}
}

func (b *Bot) replyGroup(ctx context.Context, sess *session, ev Event, a *agent.Agent) error {
	if ev.SenderID == ev.SelfID {
		return nil
	}

	msg := userMessage(ev)

	if !ev.AtMe && !b.triggered(ctx, ev, a) {
		// Passive listening: the message lands in the context window but
		// does not start a turn.
		a.Append(msg)
		return nil
	}

	log.Printf("[BOT] Calling agent for %s", sess.identity)
	err := a.Prompt(ctx, msg)
	if errors.Is(err, agent.ErrBusy) {
		sess.mu.Lock()
		sess.followUps = append(sess.followUps, ev)
		sess.mu.Unlock()
		log.Printf("[BOT] Agent busy, queued group follow-up for %s", sess.identity)
		return nil
	}
	return b.finishTurn(ctx, sess, a, err)
}

// finishTurn handles a completed Prompt: on success it drains exactly one
// queued follow-up into a new turn, recursively, until the queue empties
// or a turn ends with nothing queued. Turn failures produce a generic
// user-visible notice; queued follow-ups survive failures and aborts.
func (b *Bot) finishTurn(ctx context.Context, sess *session, a *agent.Agent, err error) error {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		log.Printf("[BOT] Turn failed for %s: %v", sess.identity, err)
		b.notify(ctx, sess.identity)
		return err
	}

	for {
		sess.mu.Lock()
		if len(sess.followUps) == 0 {
			sess.mu.Unlock()
			return nil
		}
		next := sess.followUps[0]
		sess.followUps = sess.followUps[1:]
		sess.mu.Unlock()

		log.Printf("[BOT] Replaying follow-up for %s", sess.identity)
		err := a.Prompt(ctx, userMessage(next))
		if errors.Is(err, agent.ErrBusy) {
			// Another goroutine started a turn first; requeue at the front
			// so ordering is preserved for the next drain.
			sess.mu.Lock()
			sess.followUps = append([]Event{next}, sess.followUps...)
			sess.mu.Unlock()
			return nil
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			log.Printf("[BOT] Follow-up turn failed for %s: %v", sess.identity, err)
			b.notify(ctx, sess.identity)
			return err
		}
	}
}

func (b *Bot) triggered(ctx context.Context, ev Event, a *agent.Agent) bool {
	if !b.useTrigger {
		return false
	}
	ok, err := a.ShouldReply(ctx, ev.Text)
	if err != nil {
		log.Printf("[BOT] Reply trigger failed for %s, treating as not triggered: %v", ev.Identity, err)
		return false
	}
	return ok
}

func (b *Bot) notify(ctx context.Context, identity string) {
	if b.notifier == nil {
		return
	}
	if err := b.notifier.Deliver(ctx, identity, failureNotice); err != nil {
		log.Printf("[BOT] Failed to deliver failure notice to %s: %v", identity, err)
	}
}

// Shutdown flushes every session's unsaved context window into its memory
// store, best effort within the context deadline.
func (b *Bot) Shutdown(ctx context.Context) {
	b.mu.Lock()
	sessions := make([]*session, 0, len(b.sessions))
	for _, sess := range b.sessions {
		sessions = append(sessions, sess)
	}
	b.mu.Unlock()

	for _, sess := range sessions {
		sess.mu.Lock()
		a := sess.agent
		sess.mu.Unlock()
		if a == nil {
			continue
		}
		if ctx.Err() != nil {
			log.Printf("[BOT] Shutdown deadline reached, skipping remaining flushes")
			return
		}
		a.FlushMemory(ctx)
	}
}

// Session returns the agent for an identity, or nil. Intended for
// inspection and tests.
func (b *Bot) Session(identity string) *agent.Agent {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess, ok := b.sessions[identity]
	if !ok {
		return nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.agent
}

func userMessage(ev Event) core.Message {
	msg := core.NewUserMessage(ev.Text)
	if ev.Timestamp != 0 {
		msg.Timestamp = ev.Timestamp
	}
	return msg
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
