package main

import (
	"context"
	"log/slog"

	"github.com/ouroboros-agent/ouroboros/internal/budget"
	"github.com/ouroboros-agent/ouroboros/internal/bus"
	"github.com/ouroboros-agent/ouroboros/internal/config"
	"github.com/ouroboros-agent/ouroboros/internal/llm"
	"github.com/ouroboros-agent/ouroboros/internal/pricing"
	"github.com/ouroboros-agent/ouroboros/internal/router"
	"github.com/ouroboros-agent/ouroboros/internal/state"
)

// chatAgentDeps bundles what the dedicated chat-agent goroutine needs.
// Unlike a task worker, the chat agent is not a subprocess (spec §2.2.1:
// "the chat agent runs on a dedicated thread inside the supervisor
// process") — it calls internal/llm directly. Replies go out as
// bus.TypeOwnerNotify events; the supervisor's drainEvents forwards them
// to the UIAdapter, so the chat agent itself holds no UI reference.
type chatAgentDeps struct {
	cfg    config.Config
	store  *state.Store
	bus    *bus.Bus
	router *router.Router
	logger *slog.Logger
	inbox  chan router.InboundMessage
}

// startChatAgent launches the goroutine and returns a stop function. A
// failure to build an LLM client (no credentialed provider) disables the
// chat agent entirely rather than crashing the daemon; owner chat stops
// working but task workers and cron still run.
func startChatAgent(ctx context.Context, deps chatAgentDeps) func() {
	client, err := llm.New(deps.cfg, deps.logger)
	if err != nil {
		deps.logger.Error("chat agent disabled: no usable LLM provider", "error", err)
		return func() {}
	}

	go runChatAgentLoop(ctx, deps, client)
	return func() {}
}

const chatAgentSystemPrompt = "You are the owner-facing chat agent of a long-running autonomous coding supervisor. Be concise."

func runChatAgentLoop(ctx context.Context, deps chatAgentDeps, client llm.Client) {
	for {
		deps.router.SetAgentBusy(false)
		dispatch, err := deps.router.RouteBatch(ctx, deps.inbox)
		if err != nil {
			return // ctx cancelled
		}
		if dispatch == nil {
			continue // every message in the batch was a terminal command
		}

		if exhausted, err := deps.budgetExhausted(); err != nil {
			deps.logger.Warn("budget_check_failed", "error", err)
		} else if exhausted {
			deps.notifyOwner(ctx, "budget exhausted: refusing further LLM calls until the owner resets spend")
			continue
		}

		deps.router.SetAgentBusy(true)
		busyDone := make(chan struct{})
		go drainBusyInjections(ctx, deps, busyDone)

		resp, usage, err := callChat(ctx, client, dispatch)
		close(busyDone)

		if err != nil {
			deps.logger.Error("chat_agent_call_failed", "error", err)
			deps.notifyOwner(ctx, "chat agent error: "+err.Error())
			continue
		}
		if usage.Model != "" {
			_ = deps.bus.Publish(ctx, bus.Event{
				Type: bus.TypeLLMUsage,
				Payload: bus.LLMUsagePayload{
					Model:            usage.Model,
					PromptTokens:     usage.PromptTokens,
					CompletionTokens: usage.CompletionTokens,
					CostUSD:          pricing.EstimateCost(usage.Model, usage.PromptTokens, usage.CompletionTokens),
					APIKeyKind:       "owner",
					ModelCategory:    "chat",
				},
			})
		}
		deps.notifyOwner(ctx, resp)
	}
}

// drainBusyInjections keeps reading the shared inbox while the chat agent
// is mid-call (RouteBatch is not consuming it) so owner messages arriving
// during busy processing get the busy-path reply instead of piling up
// unread until the next free-path batch.
func drainBusyInjections(ctx context.Context, deps chatAgentDeps, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case msg := <-deps.inbox:
			notice, err := deps.router.RouteBusy(ctx, msg)
			if err != nil {
				deps.logger.Warn("route_busy_failed", "error", err)
				continue
			}
			if notice != "" {
				deps.notifyOwner(ctx, notice)
			}
		}
	}
}

func callChat(ctx context.Context, client llm.Client, dispatch *router.Dispatch) (string, llm.Usage, error) {
	msg := llm.Message{Role: llm.RoleUser, Text: dispatch.Prompt, ImagePath: dispatch.Image}
	resp, err := client.Chat(ctx, chatAgentSystemPrompt, []llm.Message{msg})
	if err != nil {
		return "", llm.Usage{}, err
	}
	return resp.Text, resp.Usage, nil
}

// budgetExhausted reports whether spend has reached the configured total
// budget (spec §7/§8: a call that would cross the limit is refused before
// dispatch, never after — the ledger only grows from a call that actually
// happened).
func (d chatAgentDeps) budgetExhausted() (bool, error) {
	st, err := d.store.Load()
	if err != nil {
		return false, err
	}
	return budget.Exhausted(st, d.cfg.TotalBudgetUSD), nil
}

func (d chatAgentDeps) notifyOwner(ctx context.Context, text string) {
	st, err := d.store.Load()
	if err != nil {
		d.logger.Error("notify_owner: load state", "error", err)
		return
	}
	_ = d.bus.Publish(ctx, bus.Event{
		Type: bus.TypeOwnerNotify,
		Payload: bus.OwnerNotifyPayload{
			ChatID: st.OwnerChatID,
			Text:   text,
		},
	})
}
