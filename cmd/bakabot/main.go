// Command bakabot runs the chat assistant: it connects to a NapCat
// endpoint, routes inbound messages through the session registry, and
// flushes every session's context window into long-term memory on
// shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/mizunashi/bakabot/agent"
	"github.com/mizunashi/bakabot/bot"
	"github.com/mizunashi/bakabot/config"
	"github.com/mizunashi/bakabot/memory"
	"github.com/mizunashi/bakabot/memory/embedder/siliconflow"
	"github.com/mizunashi/bakabot/platform/napcat"
)

const defaultSystemPrompt = "You are a cheerful, concise chat assistant. Reply in short paragraphs."

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatalf("[MAIN] %v", err)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	systemPrompt := defaultSystemPrompt
	if cfg.Agent.SystemPromptPath != "" {
		data, err := os.ReadFile(cfg.Agent.SystemPromptPath)
		if err != nil {
			return fmt.Errorf("read system prompt: %w", err)
		}
		systemPrompt = string(data)
	}

	client := anthropic.NewClient(option.WithAPIKey(cfg.Anthropic.APIKey))
	completer := agent.NewClaudeCompleter(&client, cfg.Anthropic.Model, cfg.Anthropic.MaxTokens)

	embedClient, err := siliconflow.New(siliconflow.Config{
		APIKey:         cfg.Embedding.APIKey,
		BaseURL:        cfg.Embedding.BaseURL,
		EmbeddingModel: cfg.Embedding.EmbeddingModel,
		RerankModel:    cfg.Embedding.RerankModel,
		Dimensions:     cfg.Embedding.Dimensions,
	})
	if err != nil {
		return err
	}

	nc := napcat.New(napcat.Config{
		URL:               cfg.Napcat.URL,
		AccessToken:       cfg.Napcat.AccessToken,
		ReconnectAttempts: cfg.Napcat.ReconnectAttempts,
		ReconnectDelay:    cfg.Napcat.ReconnectDelay,
	})

	builder := func(ctx context.Context, ev bot.Event) (*agent.Agent, error) {
		store := memory.NewStore(ev.Identity,
			filepath.Join(cfg.Agent.DataDir, ev.Identity, "memory"),
			embedClient, embedClient)
		if err := store.Init(ctx); err != nil {
			return nil, err
		}

		a := agent.New(agent.Config{
			SessionID:           ev.Identity,
			SystemPrompt:        systemPrompt + counterpartContext(ctx, nc, ev),
			TriggerSize:         cfg.Agent.TriggerSize,
			IncludeToolResults:  cfg.Agent.IncludeToolResults,
			SearchThreshold:     cfg.Agent.SearchThreshold,
			RecallLimit:         cfg.Agent.RecallLimit,
			SearchContextWindow: cfg.Agent.SearchContextWindow,
		}, completer,
			agent.WithMemory(store),
			agent.WithSegmentHandler(
				func(segment string) error {
					return nc.Deliver(context.Background(), ev.Identity, segment)
				},
				func(err error) {
					log.Printf("[MAIN] Segment delivery failed for %s: %v", ev.Identity, err)
				},
			),
		)
		return a, nil
	}

	opts := []bot.Option{bot.WithNotifier(nc)}
	if cfg.Agent.ReplyTrigger {
		opts = append(opts, bot.WithReplyTrigger())
	}
	b := bot.New(builder, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	nc.OnMessage(func(ev bot.Event) {
		go func() {
			if err := b.OnEvent(ctx, ev); err != nil {
				log.Printf("[MAIN] Event handling failed for %s: %v", ev.Identity, err)
			}
		}()
	})

	err = nc.Run(ctx)

	// Best-effort flush of all unsaved window content before exit.
	flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	b.Shutdown(flushCtx)

	if ctx.Err() != nil {
		log.Printf("[MAIN] Shutting down")
		return nil
	}
	return err
}

// counterpartContext fetches profile or group metadata for a new session
// and renders it as extra system prompt context. Lookup failure degrades
// to no extra context.
func counterpartContext(ctx context.Context, nc *napcat.Client, ev bot.Event) string {
	switch ev.Kind {
	case bot.KindGroup:
		groupID, err := strconv.ParseInt(strings.TrimPrefix(ev.Identity, "g"), 10, 64)
		if err != nil {
			return ""
		}
		info, err := nc.GetGroupInfo(ctx, groupID)
		if err != nil {
			log.Printf("[MAIN] Group info lookup failed for %s: %v", ev.Identity, err)
			return ""
		}
		return fmt.Sprintf("\n\nYou are chatting in the group %q (%d members).", info.GroupName, info.MemberCount)
	case bot.KindPrivate:
		info, err := nc.GetStrangerInfo(ctx, ev.SenderID)
		if err != nil {
			log.Printf("[MAIN] Profile lookup failed for %s: %v", ev.Identity, err)
			return ""
		}
		return fmt.Sprintf("\n\nYou are chatting privately with %q.", info.Nickname)
	}
	return ""
}
