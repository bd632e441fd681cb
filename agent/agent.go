// Package agent implements a single conversation session: the active
// context window, single-flight turn execution against a streaming
// completer, prompt-time retrieval injection from long-term memory, and
// the turn-end pruning that indexes messages before they leave the window.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mizunashi/bakabot/core"
	"github.com/mizunashi/bakabot/memory"
	"github.com/mizunashi/bakabot/stream"
)

// ErrBusy signals that a prompt arrived while a turn is already in flight.
// Callers redirect into the steer/follow-up path on this error only; any
// other failure propagates unchanged.
var ErrBusy = errors.New("agent is already processing a prompt")

// Request is the input to one completion call: the system prompt plus the
// outbound copy of the context window.
type Request struct {
	TurnID       string
	SystemPrompt string
	Messages     []core.Message
}

// Completer executes one completion over a context window, emitting
// lifecycle events (message start, text deltas) as they stream in and
// returning the final assistant message.
type Completer interface {
	Stream(ctx context.Context, req Request, emit func(core.Event)) (core.Message, error)
}

// Config holds per-session agent settings.
type Config struct {
	// SessionID identifies the conversation this agent owns.
	SessionID string

	// SystemPrompt is sent with every completion.
	SystemPrompt string

	// TriggerSize is the soft bound on the context window. Pruning runs at
	// turn end once the window exceeds it. Default: 20.
	TriggerSize int

	// IncludeToolResults embeds tool-result messages into long-term memory
	// when they are pruned. Default: false (tool output is usually noise).
	IncludeToolResults bool

	// SearchThreshold is the minimum rerank relevance for recalled
	// memories. Default: 0.4.
	SearchThreshold float64

	// RecallLimit caps first-stage recall candidates. Default: 3.
	RecallLimit int

	// SearchContextWindow is the number of neighboring memory items
	// included around each match. Default: 2.
	SearchContextWindow int
}

func (c *Config) applyDefaults() {
	if c.TriggerSize == 0 {
		c.TriggerSize = 20
	}
	if c.SearchThreshold == 0 {
		c.SearchThreshold = 0.4
	}
	if c.RecallLimit == 0 {
		c.RecallLimit = 3
	}
	if c.SearchContextWindow == 0 {
		c.SearchContextWindow = 2
	}
}

// Agent owns one session's context window and executes at most one turn at
// a time. Turn execution, pruning, and memory indexing all run on the
// prompting goroutine; concurrent prompts are rejected with ErrBusy.
type Agent struct {
	cfg       Config
	completer Completer
	store     *memory.Store

	onSegment    func(segment string) error
	onSegmentErr func(err error)

	mu         sync.Mutex
	messages   []core.Message
	processing bool
	steered    []core.Message
	cancelTurn context.CancelFunc
	handlers   []core.EventHandler
}

// Option configures an Agent.
type Option func(*Agent)

// WithMemory attaches a long-term memory store. Without one the agent
// neither injects historical context nor indexes pruned messages.
func WithMemory(store *memory.Store) Option {
	return func(a *Agent) {
		a.store = store
	}
}

// WithSegmentHandler sets the callback receiving completed output segments
// and the handler for segment delivery failures.
func WithSegmentHandler(onSegment func(string) error, onErr func(error)) Option {
	return func(a *Agent) {
		a.onSegment = onSegment
		a.onSegmentErr = onErr
	}
}

// New creates an agent for one session.
func New(cfg Config, completer Completer, opts ...Option) *Agent {
	cfg.applyDefaults()
	a := &Agent{
		cfg:       cfg,
		completer: completer,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SessionID returns the identity of the conversation this agent owns.
func (a *Agent) SessionID() string {
	return a.cfg.SessionID
}

// Store returns the attached memory store, or nil.
func (a *Agent) Store() *memory.Store {
	return a.store
}

// Subscribe registers a turn lifecycle handler. Handlers run synchronously
// in registration order for every event.
func (a *Agent) Subscribe(h core.EventHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers = append(a.handlers, h)
}

func (a *Agent) emit(ev core.Event) {
	a.mu.Lock()
	handlers := make([]core.EventHandler, len(a.handlers))
	copy(handlers, a.handlers)
	a.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

// Append adds a message to the context window without starting a turn
// (passive listening in group conversations).
func (a *Agent) Append(msg core.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(a.messages, msg)
}

// Messages returns a snapshot of the context window.
func (a *Agent) Messages() []core.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]core.Message, len(a.messages))
	copy(out, a.messages)
	return out
}

// ClearMessages empties the context window.
func (a *Agent) ClearMessages() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = nil
}

// Steer merges a message into the turn currently in flight. It reports
// false when the agent is idle, in which case the caller should Prompt
// instead.
func (a *Agent) Steer(msg core.Message) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.processing {
		return false
	}
	a.steered = append(a.steered, msg)
	return true
}

// Abort cancels the turn currently in flight, if any. Queued follow-ups
// are unaffected; any partial output segment is discarded.
func (a *Agent) Abort() {
	a.mu.Lock()
	cancel := a.cancelTurn
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Prompt appends msg to the context window and runs one full turn:
// retrieval injection, streamed completion (with steered content merged in
// between completions), segment emission, and the turn-end prune+index
// cycle. Returns ErrBusy immediately when a turn is already in flight.
func (a *Agent) Prompt(ctx context.Context, msg core.Message) error {
	a.mu.Lock()
	if a.processing {
		a.mu.Unlock()
		return ErrBusy
	}
	a.processing = true
	turnCtx, cancel := context.WithCancel(ctx)
	a.cancelTurn = cancel
	a.messages = append(a.messages, msg)
	a.mu.Unlock()

	defer func() {
		cancel()
		a.mu.Lock()
		a.processing = false
		a.cancelTurn = nil
		// A steer that lands after the completion loop's final check but
		// before this teardown (a window that spans the prune+index phase)
		// is kept in the window like a passive append: it is answered by
		// the next prompted turn, never dropped. Teardown does not start a
		// new turn for it; that mirrors how unaddressed group chatter waits
		// for the next trigger.
		a.messages = append(a.messages, a.steered...)
		a.steered = nil
		a.mu.Unlock()
	}()

	err := a.runTurn(turnCtx, msg)

	// Transition back to Idle: index everything leaving the window before
	// it disappears. This runs even when the turn itself failed.
	a.pruneAndIndex(context.WithoutCancel(ctx))

	return err
}

func (a *Agent) runTurn(ctx context.Context, prompting core.Message) error {
	turnID := uuid.New().String()
	a.emit(core.Event{Type: core.EventTurnStart, TurnID: turnID})
	defer a.emit(core.Event{Type: core.EventTurnEnd, TurnID: turnID})

	seg := stream.New(a.segmentSink(), a.onSegmentErr)

	// Historical context is injected into the outbound prompt copy only;
	// the stored window message stays untouched.
	injected := a.injectContext(ctx, prompting)

	for {
		req := Request{
			TurnID:       turnID,
			SystemPrompt: a.cfg.SystemPrompt,
			Messages:     a.outboundMessages(prompting, injected),
		}

		assistant, err := a.completer.Stream(ctx, req, func(ev core.Event) {
			ev.TurnID = turnID
			if ev.Type == core.EventTextDelta {
				seg.Append(ev.TextDelta)
			}
			a.emit(ev)
		})
		if err != nil {
			if ctx.Err() != nil {
				// Aborted: completed paragraphs were already delivered,
				// the partial tail is dropped.
				seg.Reset()
				log.Printf("[AGENT] Turn aborted for %s", a.cfg.SessionID)
				return ctx.Err()
			}
			seg.Flush()
			return fmt.Errorf("turn execution: %w", err)
		}

		a.mu.Lock()
		a.messages = append(a.messages, assistant)
		steered := a.steered
		a.steered = nil
		a.messages = append(a.messages, steered...)
		a.mu.Unlock()

		a.emit(core.Event{Type: core.EventMessageEnd, TurnID: turnID, Message: assistant})

		// Steered content arrived mid-turn: continue the same turn with
		// another completion instead of starting a new one.
		if len(steered) == 0 {
			break
		}
		log.Printf("[AGENT] Continuing turn with %d steered message(s) for %s", len(steered), a.cfg.SessionID)
	}

	seg.Flush()
	return nil
}

func (a *Agent) segmentSink() func(string) error {
	if a.onSegment != nil {
		return a.onSegment
	}
	return func(string) error { return nil }
}

// outboundMessages builds the prompt copy of the window. When the
// prompting user message got historical context injected, the copy carries
// the wrapped content in its place.
func (a *Agent) outboundMessages(prompting core.Message, injected string) []core.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]core.Message, len(a.messages))
	copy(out, a.messages)
	if injected == "" {
		return out
	}
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Role == core.RoleUser && out[i].Timestamp == prompting.Timestamp && out[i].Content == prompting.Content {
			out[i].Content = injected
			break
		}
	}
	return out
}

// injectContext queries long-term memory for the prompting user message
// and renders the results as a historical-context block. Search failures
// are logged and the turn proceeds without injected context.
func (a *Agent) injectContext(ctx context.Context, msg core.Message) string {
	if a.store == nil || msg.Role != core.RoleUser || strings.TrimSpace(msg.Content) == "" {
		return ""
	}

	items, err := a.store.Search(ctx, msg.Content, a.cfg.SearchThreshold, a.cfg.RecallLimit, a.cfg.SearchContextWindow)
	if err != nil {
		log.Printf("[AGENT] Memory search failed for %s, continuing without context: %v", a.cfg.SessionID, err)
		return ""
	}
	if len(items) == 0 {
		return ""
	}

	var lines []string
	for _, it := range items {
		lines = append(lines, fmt.Sprintf("[%s] %s", it.Role, it.Message().Stringify()))
	}
	log.Printf("[AGENT] Injecting %d historical items for %s", len(items), a.cfg.SessionID)
	return core.WrapWithContext(strings.Join(lines, "\n"), msg.Content)
}

// pruneAndIndex enforces the context window's soft bound. Messages in the
// removal prefix are unwrapped and embedded into long-term memory before
// the window is shrunk. The removal boundary never splits an assistant
// turn from its tool results: starting at the overflow index, it advances
// to the next user message, degrading to the full window when none exists.
func (a *Agent) pruneAndIndex(ctx context.Context) {
	a.mu.Lock()
	overflow := len(a.messages) - a.cfg.TriggerSize
	if overflow <= 0 {
		a.mu.Unlock()
		return
	}
	boundary := overflow
	for boundary < len(a.messages) && a.messages[boundary].Role != core.RoleUser {
		boundary++
	}
	forgotten := make([]core.Message, boundary)
	copy(forgotten, a.messages[:boundary])
	a.mu.Unlock()

	if a.store != nil {
		a.indexForgotten(ctx, forgotten)
	}

	a.mu.Lock()
	if len(a.messages) >= boundary {
		a.messages = append([]core.Message(nil), a.messages[boundary:]...)
	}
	a.mu.Unlock()

	log.Printf("[AGENT] Pruned %d message(s) from window for %s", boundary, a.cfg.SessionID)
}

// indexForgotten embeds the removal prefix into the memory store. Item ids
// are independent, so the adds run in parallel. An indexing failure is
// logged loudly but does not keep the message in the window: losing one
// piece of long-term memory beats unbounded window growth.
func (a *Agent) indexForgotten(ctx context.Context, forgotten []core.Message) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, msg := range forgotten {
		if msg.Role == core.RoleToolResult && !a.cfg.IncludeToolResults {
			continue
		}
		msg := msg
		msg.Content = core.UnwrapContent(msg.Content)
		g.Go(func() error {
			if err := a.store.Add(ctx, msg); err != nil {
				log.Printf("[AGENT] MEMORY LOSS: failed to index pruned message (ts=%d role=%s) for %s: %v",
					msg.Timestamp, msg.Role, a.cfg.SessionID, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// FlushMemory indexes the entire context window into long-term memory.
// Called at process shutdown so unsaved window content survives restarts.
func (a *Agent) FlushMemory(ctx context.Context) {
	if a.store == nil {
		return
	}
	a.mu.Lock()
	window := make([]core.Message, len(a.messages))
	copy(window, a.messages)
	a.mu.Unlock()

	a.indexForgotten(ctx, window)
	log.Printf("[AGENT] Flushed %d window message(s) to memory for %s", len(window), a.cfg.SessionID)
}
