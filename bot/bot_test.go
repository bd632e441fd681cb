package bot_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mizunashi/bakabot/agent"
	"github.com/mizunashi/bakabot/bot"
	"github.com/mizunashi/bakabot/core"
)

// fakeCompleter scripts completion calls; the stream func receives the
// 1-based call number.
type fakeCompleter struct {
	mu       sync.Mutex
	requests []agent.Request
	stream   func(ctx context.Context, call int, emit func(core.Event)) (core.Message, error)
}

func (f *fakeCompleter) Stream(ctx context.Context, req agent.Request, emit func(core.Event)) (core.Message, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	call := len(f.requests)
	f.mu.Unlock()
	return f.stream(ctx, call, emit)
}

func (f *fakeCompleter) recorded() []agent.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]agent.Request, len(f.requests))
	copy(out, f.requests)
	return out
}

func instantReplies() *fakeCompleter {
	return &fakeCompleter{stream: func(_ context.Context, call int, _ func(core.Event)) (core.Message, error) {
		return core.NewAssistantMessage(fmt.Sprintf("reply %d", call)), nil
	}}
}

// blockFirstCall blocks the first completion until release closes; later
// calls return immediately.
func blockFirstCall(started chan<- struct{}, release <-chan struct{}) *fakeCompleter {
	return &fakeCompleter{stream: func(ctx context.Context, call int, _ func(core.Event)) (core.Message, error) {
		if call == 1 {
			started <- struct{}{}
			select {
			case <-release:
			case <-ctx.Done():
				return core.Message{}, ctx.Err()
			}
		}
		return core.NewAssistantMessage(fmt.Sprintf("reply %d", call)), nil
	}}
}

func simpleBuilder(completer agent.Completer) bot.AgentBuilder {
	return func(_ context.Context, ev bot.Event) (*agent.Agent, error) {
		return agent.New(agent.Config{SessionID: ev.Identity}, completer), nil
	}
}

func privateEvent(identity, text string) bot.Event {
	return bot.Event{Identity: identity, Kind: bot.KindPrivate, Text: text, Raw: text, SenderID: 1, SelfID: 99, Timestamp: core.NowMillis()}
}

func groupEvent(identity, text string, atMe bool) bot.Event {
	return bot.Event{Identity: identity, Kind: bot.KindGroup, Text: text, Raw: text, SenderID: 1, SelfID: 99, AtMe: atMe, Timestamp: core.NowMillis()}
}

// lastUserContent extracts the content of the final user message from a
// request window.
func lastUserContent(req agent.Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == core.RoleUser {
			return req.Messages[i].Content
		}
	}
	return ""
}

func TestOnEvent_QueuesDuringConstructionFIFO(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	completer := instantReplies()

	b := bot.New(func(_ context.Context, ev bot.Event) (*agent.Agent, error) {
		close(entered)
		<-release
		return agent.New(agent.Config{SessionID: ev.Identity}, completer), nil
	})

	done := make(chan error, 1)
	go func() {
		done <- b.OnEvent(context.Background(), privateEvent("u1", "m1"))
	}()
	<-entered

	// These arrive while the builder is still running; they queue and
	// return immediately.
	if err := b.OnEvent(context.Background(), privateEvent("u1", "m2")); err != nil {
		t.Fatalf("queued event returned %v", err)
	}
	if err := b.OnEvent(context.Background(), privateEvent("u1", "m3")); err != nil {
		t.Fatalf("queued event returned %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("OnEvent failed: %v", err)
	}

	reqs := completer.recorded()
	if len(reqs) != 3 {
		t.Fatalf("got %d turns, want 3", len(reqs))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if got := lastUserContent(reqs[i]); got != want {
			t.Errorf("turn %d prompted with %q, want %q (arrival order)", i, got, want)
		}
	}
}

func TestOnEvent_ConstructionFailureRetriesOnNextEvent(t *testing.T) {
	completer := instantReplies()
	attempts := 0
	b := bot.New(func(_ context.Context, ev bot.Event) (*agent.Agent, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("profile lookup failed")
		}
		return agent.New(agent.Config{SessionID: ev.Identity}, completer), nil
	})

	if err := b.OnEvent(context.Background(), privateEvent("u1", "m1")); err == nil {
		t.Fatal("first event should surface the construction error")
	}
	if b.Session("u1") != nil {
		t.Fatal("failed construction must leave the session unready")
	}

	if err := b.OnEvent(context.Background(), privateEvent("u1", "m2")); err != nil {
		t.Fatalf("retry event failed: %v", err)
	}
	if attempts != 2 {
		t.Errorf("builder ran %d times, want 2", attempts)
	}
	if b.Session("u1") == nil {
		t.Fatal("retry should have produced an agent")
	}

	reqs := completer.recorded()
	if len(reqs) != 1 || lastUserContent(reqs[0]) != "m2" {
		t.Errorf("retry should process the retrying event, got %+v", reqs)
	}
}

func TestOnEvent_RetryDrainsBacklogBeforeRetryEvent(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	completer := instantReplies()

	var mu sync.Mutex
	attempts := 0
	b := bot.New(func(_ context.Context, ev bot.Event) (*agent.Agent, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			close(entered)
			<-release
			return nil, errors.New("profile lookup failed")
		}
		return agent.New(agent.Config{SessionID: ev.Identity}, completer), nil
	})

	done := make(chan error, 1)
	go func() {
		done <- b.OnEvent(context.Background(), privateEvent("u1", "m1"))
	}()
	<-entered

	// These queue while the doomed construction is still running.
	if err := b.OnEvent(context.Background(), privateEvent("u1", "m2")); err != nil {
		t.Fatalf("queued event returned %v", err)
	}
	if err := b.OnEvent(context.Background(), privateEvent("u1", "m3")); err != nil {
		t.Fatalf("queued event returned %v", err)
	}

	close(release)
	if err := <-done; err == nil {
		t.Fatal("failed construction should surface its error")
	}

	// The retry event arrived after the backlog; it must drain last.
	if err := b.OnEvent(context.Background(), privateEvent("u1", "m4")); err != nil {
		t.Fatalf("retry event failed: %v", err)
	}

	reqs := completer.recorded()
	if len(reqs) != 3 {
		t.Fatalf("got %d turns, want 3", len(reqs))
	}
	for i, want := range []string{"m2", "m3", "m4"} {
		if got := lastUserContent(reqs[i]); got != want {
			t.Errorf("turn %d prompted with %q, want %q (arrival order)", i, got, want)
		}
	}
}

func TestPrivate_ContentionNeverSurfacesOrDropsMessages(t *testing.T) {
	completer := instantReplies()
	notifier := &fakeNotifier{}
	b := bot.New(func(_ context.Context, ev bot.Event) (*agent.Agent, error) {
		return agent.New(agent.Config{SessionID: ev.Identity, TriggerSize: 200}, completer), nil
	}, bot.WithNotifier(notifier))

	const n = 16
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			errs <- b.OnEvent(context.Background(), privateEvent("u1", fmt.Sprintf("m%02d", i)))
		}(i)
	}
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("contended event surfaced %v", err)
		}
	}

	// Every message was either prompted or steered; none were dropped.
	window := b.Session("u1").Messages()
	seen := make(map[string]bool)
	for _, m := range window {
		if m.Role == core.RoleUser {
			seen[m.Content] = true
		}
	}
	for i := 0; i < n; i++ {
		if content := fmt.Sprintf("m%02d", i); !seen[content] {
			t.Errorf("message %s lost under contention", content)
		}
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.notices) != 0 {
		t.Errorf("busy contention produced %d user-visible notices, want 0", len(notifier.notices))
	}
}

func TestGroup_FollowUpsDrainOnePerTurnInOrder(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	completer := blockFirstCall(started, release)

	b := bot.New(simpleBuilder(completer))

	done := make(chan error, 1)
	go func() {
		done <- b.OnEvent(context.Background(), groupEvent("g1", "m1", true))
	}()
	<-started

	// The agent is busy: these become follow-ups instead of steering.
	if err := b.OnEvent(context.Background(), groupEvent("g1", "m2", true)); err != nil {
		t.Fatalf("busy group event returned %v", err)
	}
	if err := b.OnEvent(context.Background(), groupEvent("g1", "m3", true)); err != nil {
		t.Fatalf("busy group event returned %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("OnEvent failed: %v", err)
	}

	// Each follow-up got its own full turn, in arrival order.
	reqs := completer.recorded()
	if len(reqs) != 3 {
		t.Fatalf("got %d turns, want 3", len(reqs))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if got := lastUserContent(reqs[i]); got != want {
			t.Errorf("turn %d prompted with %q, want %q", i, got, want)
		}
	}
}

func TestPrivate_BusySteersIntoCurrentTurn(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	completer := blockFirstCall(started, release)

	b := bot.New(simpleBuilder(completer))

	done := make(chan error, 1)
	go func() {
		done <- b.OnEvent(context.Background(), privateEvent("u1", "m1"))
	}()
	<-started

	if err := b.OnEvent(context.Background(), privateEvent("u1", "m2")); err != nil {
		t.Fatalf("steered event returned %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("OnEvent failed: %v", err)
	}

	// The steered message continues the same turn: two completions, the
	// second including m2, no third turn.
	reqs := completer.recorded()
	if len(reqs) != 2 {
		t.Fatalf("got %d completions, want 2", len(reqs))
	}
	if got := lastUserContent(reqs[1]); got != "m2" {
		t.Errorf("continuation prompted with %q, want m2", got)
	}
}

func TestDispatch_ClearCommand(t *testing.T) {
	completer := instantReplies()
	b := bot.New(simpleBuilder(completer))

	if err := b.OnEvent(context.Background(), privateEvent("u1", "hello")); err != nil {
		t.Fatalf("OnEvent failed: %v", err)
	}
	a := b.Session("u1")
	if len(a.Messages()) == 0 {
		t.Fatal("window should hold the first exchange")
	}

	if err := b.OnEvent(context.Background(), privateEvent("u1", "/clear")); err != nil {
		t.Fatalf("/clear failed: %v", err)
	}
	if got := a.Messages(); len(got) != 0 {
		t.Errorf("/clear left %d messages in the window", len(got))
	}
	if len(completer.recorded()) != 1 {
		t.Error("/clear must not start a turn")
	}
}

func TestDispatch_StopAbortsInFlightTurn(t *testing.T) {
	started := make(chan struct{}, 1)
	completer := &fakeCompleter{stream: func(ctx context.Context, _ int, _ func(core.Event)) (core.Message, error) {
		started <- struct{}{}
		<-ctx.Done()
		return core.Message{}, ctx.Err()
	}}

	b := bot.New(simpleBuilder(completer))

	done := make(chan error, 1)
	go func() {
		done <- b.OnEvent(context.Background(), privateEvent("u1", "m1"))
	}()
	<-started

	if err := b.OnEvent(context.Background(), privateEvent("u1", "/stop")); err != nil {
		t.Fatalf("/stop failed: %v", err)
	}

	// An aborted turn is not a failure; the original event resolves clean.
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("aborted turn surfaced %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not stop after /stop")
	}
}

func TestGroup_PassiveListeningWithoutMention(t *testing.T) {
	completer := instantReplies()
	b := bot.New(simpleBuilder(completer))

	if err := b.OnEvent(context.Background(), groupEvent("g1", "idle chatter", false)); err != nil {
		t.Fatalf("OnEvent failed: %v", err)
	}

	if len(completer.recorded()) != 0 {
		t.Error("unmentioned group message must not start a turn")
	}
	a := b.Session("g1")
	window := a.Messages()
	if len(window) != 1 || window[0].Content != "idle chatter" {
		t.Errorf("message should land in the window passively, got %+v", window)
	}
}

func TestGroup_OwnMessagesIgnored(t *testing.T) {
	completer := instantReplies()
	b := bot.New(simpleBuilder(completer))

	ev := groupEvent("g1", "echo", true)
	ev.SenderID = ev.SelfID
	if err := b.OnEvent(context.Background(), ev); err != nil {
		t.Fatalf("OnEvent failed: %v", err)
	}

	if len(completer.recorded()) != 0 {
		t.Error("self-message must not start a turn")
	}
	if got := b.Session("g1").Messages(); len(got) != 0 {
		t.Errorf("self-message must not enter the window, got %+v", got)
	}
}

func TestGroup_AbortKeepsFollowUpsQueued(t *testing.T) {
	started := make(chan struct{}, 1)
	completer := &fakeCompleter{stream: func(ctx context.Context, call int, _ func(core.Event)) (core.Message, error) {
		if call == 1 {
			started <- struct{}{}
			<-ctx.Done()
			return core.Message{}, ctx.Err()
		}
		return core.NewAssistantMessage(fmt.Sprintf("reply %d", call)), nil
	}}

	b := bot.New(simpleBuilder(completer))

	done := make(chan error, 1)
	go func() {
		done <- b.OnEvent(context.Background(), groupEvent("g1", "m1", true))
	}()
	<-started

	if err := b.OnEvent(context.Background(), groupEvent("g1", "m2", true)); err != nil {
		t.Fatalf("busy group event returned %v", err)
	}
	if err := b.OnEvent(context.Background(), groupEvent("g1", "/stop", false)); err != nil {
		t.Fatalf("/stop failed: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("aborted turn surfaced %v, want nil", err)
	}

	// m2 survived the abort; the next turn drains it after its own prompt.
	if err := b.OnEvent(context.Background(), groupEvent("g1", "m3", true)); err != nil {
		t.Fatalf("OnEvent failed: %v", err)
	}

	reqs := completer.recorded()
	if len(reqs) != 3 {
		t.Fatalf("got %d completions, want 3 (aborted m1, then m3, then drained m2)", len(reqs))
	}
	if got := lastUserContent(reqs[1]); got != "m3" {
		t.Errorf("turn 2 prompted with %q, want m3", got)
	}
	if got := lastUserContent(reqs[2]); got != "m2" {
		t.Errorf("drained follow-up prompted with %q, want m2", got)
	}
}

type fakeNotifier struct {
	mu      sync.Mutex
	notices []string
}

func (f *fakeNotifier) Deliver(_ context.Context, identity, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, identity+": "+text)
	return nil
}

func TestTurnFailure_NotifiesCounterpart(t *testing.T) {
	completer := &fakeCompleter{stream: func(context.Context, int, func(core.Event)) (core.Message, error) {
		return core.Message{}, errors.New("upstream 500")
	}}
	notifier := &fakeNotifier{}
	b := bot.New(simpleBuilder(completer), bot.WithNotifier(notifier))

	if err := b.OnEvent(context.Background(), privateEvent("u1", "m1")); err == nil {
		t.Fatal("turn failure should propagate")
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.notices) != 1 {
		t.Fatalf("got %d notices, want 1", len(notifier.notices))
	}
}
