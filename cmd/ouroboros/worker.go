package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ouroboros-agent/ouroboros/internal/budget"
	"github.com/ouroboros-agent/ouroboros/internal/bus"
	"github.com/ouroboros-agent/ouroboros/internal/config"
	"github.com/ouroboros-agent/ouroboros/internal/llm"
	"github.com/ouroboros-agent/ouroboros/internal/pricing"
	"github.com/ouroboros-agent/ouroboros/internal/safety"
	"github.com/ouroboros-agent/ouroboros/internal/state"
	"github.com/ouroboros-agent/ouroboros/internal/toolregistry"
	"github.com/ouroboros-agent/ouroboros/internal/workerpool"
)

const workerSystemPrompt = "You are a task worker inside an autonomous coding supervisor. Do the work described in the prompt and report back concisely."

// runWorker is the entry point for a worker subprocess (spec §4.5, C5):
// it reads one workerpool.DispatchMessage JSON line per assignment from
// stdin and writes workerpool.WorkerEvent JSON lines to stdout. Never
// returns until stdin closes (the pool kills the process directly rather
// than signaling end of work over the pipe).
func runWorker(id string) int {
	logger := newWorkerLogger().With("worker_id", id)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("load config", "error", err)
		return 1
	}
	client, err := llm.New(cfg, logger)
	if err != nil {
		logger.Error("no usable LLM provider", "error", err)
		return 1
	}
	store, err := state.Open(cfg.HomeDir)
	if err != nil {
		logger.Error("open state store", "error", err)
		return 1
	}
	leaks := safety.NewLeakDetector()
	tools, err := newToolRegistry()
	if err != nil {
		logger.Error("build tool registry", "error", err)
		return 1
	}

	ctx := context.Background()
	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var msg workerpool.DispatchMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			logger.Warn("bad dispatch line", "error", err)
			continue
		}
		handleDispatch(ctx, client, leaks, tools, store, cfg.TotalBudgetUSD, logger, out, msg)
	}
	return 0
}

func handleDispatch(ctx context.Context, client llm.Client, leaks *safety.LeakDetector, tools *toolregistry.Registry, store *state.Store, totalBudgetUSD float64, logger *slog.Logger, out *bufio.Writer, msg workerpool.DispatchMessage) {
	if store != nil {
		st, err := store.Load()
		if err != nil {
			logger.Warn("budget_check_failed", "error", err)
		} else if budget.Exhausted(st, totalBudgetUSD) {
			emitEvent(out, logger, bus.TypeTaskFailed, msg.TaskID, bus.TaskFailedPayload{Error: "budget exhausted: LLM call refused"})
			return
		}
	}

	if tools != nil {
		if raw, ok := msg.Payload.Options["tool_calls"]; ok {
			if err := validateToolCalls(tools, raw); err != nil {
				emitEvent(out, logger, bus.TypeTaskFailed, msg.TaskID, bus.TaskFailedPayload{Error: "tool call rejected: " + err.Error()})
				return
			}
		}
	}

	emitEvent(out, logger, bus.TypeTaskStarted, msg.TaskID, nil)

	resp, err := client.Chat(ctx, workerSystemPrompt, []llm.Message{
		{Role: llm.RoleUser, Text: msg.Payload.Prompt, ImagePath: msg.Payload.Image},
	})
	if err != nil {
		emitEvent(out, logger, bus.TypeTaskFailed, msg.TaskID, bus.TaskFailedPayload{Error: err.Error()})
		return
	}

	if resp.Usage.Model != "" {
		emitEvent(out, logger, bus.TypeLLMUsage, msg.TaskID, bus.LLMUsagePayload{
			Model:            resp.Usage.Model,
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			CostUSD:          pricing.EstimateCost(resp.Usage.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
			APIKeyKind:       "owner",
			ModelCategory:    string(msg.Kind),
			TaskCategory:     string(msg.Kind),
		})
	}

	result := resp.Text
	if warnings := leaks.Scan(result); len(warnings) > 0 {
		samples := make([]string, len(warnings))
		for i, w := range warnings {
			samples[i] = fmt.Sprintf("%s:%s", w.Pattern, w.Sample)
		}
		logger.Warn("task result redacted: suspected secret leak", "task_id", msg.TaskID, "warnings", strings.Join(samples, ", "))
		result = "[result withheld: suspected secret leak in output]"
	}

	emitEvent(out, logger, bus.TypeTaskDone, msg.TaskID, bus.TaskDonePayload{Result: result})
}

func emitEvent(out *bufio.Writer, logger *slog.Logger, typ, taskID string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		logger.Error("marshal event payload", "error", err)
		return
	}
	ev := workerpool.WorkerEvent{Type: typ, TaskID: taskID, Payload: raw}
	line, err := json.Marshal(ev)
	if err != nil {
		logger.Error("marshal worker event", "error", err)
		return
	}
	if _, err := out.Write(append(line, '\n')); err != nil {
		logger.Error("write worker event", "error", err)
		return
	}
	if err := out.Flush(); err != nil {
		logger.Error("flush worker event", "error", err)
	}
}
