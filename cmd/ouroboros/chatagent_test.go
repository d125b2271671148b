package main

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ouroboros-agent/ouroboros/internal/bus"
	"github.com/ouroboros-agent/ouroboros/internal/config"
	"github.com/ouroboros-agent/ouroboros/internal/llm"
	"github.com/ouroboros-agent/ouroboros/internal/router"
	"github.com/ouroboros-agent/ouroboros/internal/state"
)

func newTestChatDeps(t *testing.T) (chatAgentDeps, *bus.Bus) {
	t.Helper()
	store, err := state.Open(t.TempDir())
	require.NoError(t, err)
	b := bus.New(slog.New(slog.DiscardHandler))
	r := router.New(store)
	return chatAgentDeps{
		cfg:    config.Config{TotalBudgetUSD: 50.0},
		store:  store,
		bus:    b,
		router: r,
		logger: slog.New(slog.DiscardHandler),
		inbox:  make(chan router.InboundMessage, 8),
	}, b
}

func TestRunChatAgentLoopPublishesOwnerNotifyOnReply(t *testing.T) {
	deps, b := newTestChatDeps(t)
	client := stubLLMClient{resp: llm.Response{Text: "hello owner", Usage: llm.Usage{Model: "claude-sonnet-4-5-20250929"}}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runChatAgentLoop(ctx, deps, client)

	deps.inbox <- router.InboundMessage{ChatID: 1, Text: "hi"}

	var notify *bus.OwnerNotifyPayload
	deadline := time.After(2 * time.Second)
	for notify == nil {
		select {
		case ev := <-b.Events():
			if ev.Type == bus.TypeOwnerNotify {
				p := ev.Payload.(bus.OwnerNotifyPayload)
				notify = &p
			}
		case <-deadline:
			t.Fatal("timed out waiting for owner_notify")
		}
	}
	require.Equal(t, "hello owner", notify.Text)
}

func TestRunChatAgentLoopExitsOnContextCancel(t *testing.T) {
	deps, _ := newTestChatDeps(t)
	client := stubLLMClient{resp: llm.Response{Text: "unused"}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runChatAgentLoop(ctx, deps, client)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runChatAgentLoop did not exit after context cancel")
	}
}

func TestRunChatAgentLoopRefusesCallWhenBudgetExhausted(t *testing.T) {
	deps, b := newTestChatDeps(t)
	_, err := deps.store.Mutate(func(st *state.State) error {
		st.SpentUSD = deps.cfg.TotalBudgetUSD
		return nil
	})
	require.NoError(t, err)
	client := stubLLMClient{resp: llm.Response{Text: "should never be sent"}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runChatAgentLoop(ctx, deps, client)

	deps.inbox <- router.InboundMessage{ChatID: 1, Text: "hi"}

	var notify *bus.OwnerNotifyPayload
	deadline := time.After(2 * time.Second)
	for notify == nil {
		select {
		case ev := <-b.Events():
			if ev.Type == bus.TypeOwnerNotify {
				p := ev.Payload.(bus.OwnerNotifyPayload)
				notify = &p
			}
		case <-deadline:
			t.Fatal("timed out waiting for owner_notify")
		}
	}
	require.Contains(t, notify.Text, "budget exhausted")
}
