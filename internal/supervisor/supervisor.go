// Package supervisor implements the single-threaded tick loop that
// coordinates every other component (spec §4.7, C7).
//
// Grounded on the control-flow shape of the teacher's deleted DAG
// executor (internal/coordinator/executor.go: a loop stepping through
// ordered phases, tolerating partial failure per-phase) and the process-
// supervision loop in
// other_examples/8da8d27c_misty-step-bitterblossom__internal-agent-supervisor.go.go
// (injectable clock/signal channel, a RunResult carrying an exit state
// that maps onto a process exit code) — generalized here from "one
// subprocess, restart on crash" to "ten ordered steps per tick, adaptive
// sleep, three-way exit code."
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ouroboros-agent/ouroboros/internal/budget"
	"github.com/ouroboros-agent/ouroboros/internal/bus"
	"github.com/ouroboros-agent/ouroboros/internal/gitops"
	"github.com/ouroboros-agent/ouroboros/internal/metrics"
	"github.com/ouroboros-agent/ouroboros/internal/queue"
	"github.com/ouroboros-agent/ouroboros/internal/router"
	"github.com/ouroboros-agent/ouroboros/internal/state"
	"github.com/ouroboros-agent/ouroboros/internal/workerpool"
)

// ExitCode is the supervisor process's terminal exit status (spec §4.7).
type ExitCode int

const (
	ExitNormal  ExitCode = 0
	ExitRestart ExitCode = 42
	ExitPanic   ExitCode = 99
)

// UIAdapter is the thin owner-facing collaborator (spec §5: "runs as an
// asynchronous collaborator; its thread drives the UI adapter but never
// mutates queue or state directly"). The Telegram channel implements
// this.
type UIAdapter interface {
	PollInbound(ctx context.Context, timeout time.Duration) ([]router.InboundMessage, error)
	Notify(ctx context.Context, chatID int64, text string) error
}

// Config bundles the tick loop's tunables, sourced from internal/config.
type Config struct {
	ChatLogRotateBytes int64
	Deadlines          queue.Deadlines
	Evolution          queue.EvolutionParams
	MaxTaskAttempts    int

	DiagHeartbeat  time.Duration
	DiagSlowCycle  time.Duration
	ActiveSleep    time.Duration
	IdleSleep      time.Duration
	ActiveWindow   time.Duration // how long after the last owner message "active" polling applies
	ActivePollWait time.Duration
	IdlePollWait   time.Duration

	// CrashBackoffBase is the sleep before the first retry after a tick
	// panics, doubling each consecutive crash. Defaults to one second.
	CrashBackoffBase time.Duration
	// MaxConsecutiveCrashes is how many ticks in a row may panic before
	// Run gives up and exits for the launcher to restart fresh (spec
	// §4.7's supervisor-loop exception policy). Defaults to 3.
	MaxConsecutiveCrashes int

	// StableBranch names the known-good branch rolled back to when the
	// tick loop crashes MaxConsecutiveCrashes times in a row (spec §4.3's
	// rollback_to, on the assumption the last dev commit caused the
	// crash).
	StableBranch string
}

// Supervisor is the tick loop owning every other component.
type Supervisor struct {
	store    *state.Store
	bus      *bus.Bus
	queue    *queue.Queue
	pool     *workerpool.Pool
	git      *gitops.Manager
	router   *router.Router
	ledger   *budget.Ledger
	counters *metrics.Counters
	ui       UIAdapter
	chatLog  *state.JSONLLog
	logger   *slog.Logger
	now      func() time.Time

	cfg Config

	lastOwnerMessageAt time.Time

	// chatInbound is the channel the dedicated chat-agent goroutine
	// consumes via router.RouteBatch/RouteBusy, set by SetChatInbound.
	// Nil means no chat agent is attached (e.g. a unit test driving Tick
	// directly).
	chatInbound chan<- router.InboundMessage
}

// New wires a Supervisor from its already-constructed components.
func New(
	store *state.Store,
	b *bus.Bus,
	q *queue.Queue,
	pool *workerpool.Pool,
	git *gitops.Manager,
	r *router.Router,
	ledger *budget.Ledger,
	counters *metrics.Counters,
	ui UIAdapter,
	logger *slog.Logger,
	cfg Config,
) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CrashBackoffBase <= 0 {
		cfg.CrashBackoffBase = time.Second
	}
	if cfg.MaxConsecutiveCrashes <= 0 {
		cfg.MaxConsecutiveCrashes = 3
	}
	return &Supervisor{
		store:    store,
		bus:      b,
		queue:    q,
		pool:     pool,
		git:      git,
		router:   r,
		ledger:   ledger,
		counters: counters,
		ui:       ui,
		chatLog:  store.OpenJSONLLog("logs/chat.jsonl"),
		logger:   logger,
		now:      time.Now,
		cfg:      cfg,
	}
}

// Tick runs one full pass of spec §4.7's ten steps. The returned restart
// signal, when non-nil, tells Run to exit with ExitRestart.
func (s *Supervisor) Tick(ctx context.Context) (restart *RestartSignal, err error) {
	start := s.now()
	defer func() {
		s.counters.RecordCycle(s.now().Sub(start), s.cfg.DiagSlowCycle)
	}()

	// 1. Rotate the chat log if oversized.
	if err := s.chatLog.RotateIfNeeded(s.cfg.ChatLogRotateBytes); err != nil {
		s.logger.Warn("chat_log_rotate_failed", slog.String("error", err.Error()))
	}

	// 2-3. Drain the event bus and react to each event.
	restart = s.drainEvents(ctx)
	if restart != nil {
		return restart, nil
	}

	// 4. Enforce task timeouts.
	report := s.queue.EnforceTimeouts()
	for _, t := range report.SoftWarned {
		s.logger.Warn("task_soft_deadline_exceeded", slog.String("task_id", t.ID))
	}
	for _, t := range report.HardTimedOut {
		s.counters.TaskTimedOut()
		s.logger.Error("task_hard_deadline_exceeded", slog.String("task_id", t.ID), slog.String("worker_id", t.WorkerID))
	}

	// 5. Enqueue the evolution task if due.
	st, loadErr := s.store.Load()
	if loadErr != nil {
		s.logger.Error("state_load_failed", slog.String("error", loadErr.Error()))
	} else {
		evoParams := s.cfg.Evolution
		evoParams.Enabled = st.EvolutionModeEnabled
		evoParams.LastEvolutionAt = st.LastEvolutionAt
		evoParams.SpentSinceLastUSD = st.SpentSinceLastEvolutionUSD
		if enqueued, err := s.queue.EnqueueEvolutionIfNeeded(evoParams); err != nil {
			s.logger.Error("evolution_enqueue_failed", slog.String("error", err.Error()))
		} else if enqueued {
			s.logger.Info("evolution_task_enqueued")
		}
	}

	// 6. Assign pending tasks to idle workers. A stuck/crashed slot is
	// reaped first so its task (already removed from running by the
	// hard-timeout path above, or never assigned if it crashed outright)
	// doesn't wait behind a slot that will never answer.
	killed := s.pool.EnsureWorkersHealthy(ctx)
	for _, id := range killed {
		s.counters.WorkerRespawned()
		s.logger.Warn("worker_killed_unresponsive", slog.String("worker_id", id))
	}
	if len(killed) > 0 {
		if err := s.pool.SpawnWorkers(ctx, len(killed)); err != nil {
			s.logger.Error("worker_respawn_failed", slog.String("error", err.Error()))
		}
	}
	s.pool.AssignTasks()

	// 7. Persist the queue snapshot.
	snap, err := s.queue.Snapshot()
	if err != nil {
		s.logger.Error("queue_snapshot_marshal_failed", slog.String("error", err.Error()))
	} else if err := s.store.SaveQueueSnapshot(snap); err != nil {
		s.logger.Error("queue_snapshot_save_failed", slog.String("error", err.Error()))
	}

	// 8. Poll the UI adapter for inbound owner messages (adaptive timeout).
	if s.ui != nil {
		if err := s.pollOwnerMessages(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("ui_poll_failed", slog.String("error", err.Error()))
		}
	}

	// 9. Diagnostic heartbeat.
	s.counters.Heartbeat()

	return nil, nil
}

// safeTick runs one Tick, recovering a panic into an error rather than
// letting it crash the process (spec §4.7: a supervisor-loop crash is
// caught and retried with backoff, not a raw process death).
func (s *Supervisor) safeTick(ctx context.Context) (restart *RestartSignal, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panicked: %v", r)
		}
	}()
	return s.Tick(ctx)
}

// RestartSignal carries the reason and policy a restart_request event
// requested (spec §4.7 step 3).
type RestartSignal struct {
	Reason string
	Policy gitops.UnsyncedPolicy
}

func (s *Supervisor) drainEvents(ctx context.Context) *RestartSignal {
	var restart *RestartSignal
	s.bus.Drain(func(ev bus.Event) {
		switch ev.Type {
		case bus.TypeLLMUsage:
			p, ok := ev.Payload.(bus.LLMUsagePayload)
			if !ok {
				return
			}
			if err := s.ledger.RecordUsage(s.now(), p); err != nil {
				s.logger.Error("budget_ledger_record_failed", slog.String("error", err.Error()))
			}
			s.counters.LLMCall(p.CostUSD)
		case bus.TypeTaskDone:
			p, _ := ev.Payload.(bus.TaskDonePayload)
			if _, err := s.queue.Complete(ev.WorkerID, queue.StatusDone, p.Result); err != nil {
				s.logger.Warn("task_done_apply_failed", slog.String("task_id", ev.TaskID), slog.String("error", err.Error()))
			} else {
				s.commitTaskResult(ctx, ev.TaskID, "done")
			}
			s.counters.TaskDone()
		case bus.TypeTaskFailed:
			p, _ := ev.Payload.(bus.TaskFailedPayload)
			if _, err := s.queue.Complete(ev.WorkerID, queue.StatusFailed, p.Error); err != nil {
				s.logger.Warn("task_failed_apply_failed", slog.String("task_id", ev.TaskID), slog.String("error", err.Error()))
			} else {
				s.commitTaskResult(ctx, ev.TaskID, "failed")
			}
			s.counters.TaskFailed()
		case bus.TypeTaskStarted:
			s.counters.TaskStarted()
		case bus.TypeOwnerNotify:
			p, ok := ev.Payload.(bus.OwnerNotifyPayload)
			if ok && s.ui != nil {
				if err := s.ui.Notify(ctx, p.ChatID, p.Text); err != nil {
					s.logger.Warn("owner_notify_failed", slog.String("error", err.Error()))
				}
			}
		case bus.TypeRestartRequest:
			p, ok := ev.Payload.(bus.RestartRequestPayload)
			if !ok {
				return
			}
			restart = &RestartSignal{Reason: p.Reason, Policy: gitops.UnsyncedPolicy(p.UnsyncedPolicy)}
		}
	})
	return restart
}

// commitTaskResult lands whatever a finished task's worker left in the
// working tree onto dev (spec §4.3: task completions are part of the git
// ops commit cycle, not just owner-triggered pushes). A clean tree (a task
// that only produced a text result, no file edits) is not an error and
// is committed only if the pre-commit test gate allows it.
func (s *Supervisor) commitTaskResult(ctx context.Context, taskID, outcome string) {
	dirty, err := s.git.Repo().HasChanges()
	if err != nil {
		s.logger.Warn("task_commit_dirty_check_failed", slog.String("task_id", taskID), slog.String("error", err.Error()))
		return
	}
	if !dirty {
		return
	}
	committed, testsPassed, err := s.git.Commit(ctx, gitops.CommitScope{All: true}, fmt.Sprintf("task %s: %s", taskID, outcome))
	if err != nil {
		s.logger.Error("task_commit_failed", slog.String("task_id", taskID), slog.String("error", err.Error()))
		return
	}
	if !committed {
		return
	}
	if !testsPassed {
		s.logger.Warn("task_commit_tests_failed", slog.String("task_id", taskID))
	}
}

func (s *Supervisor) pollOwnerMessages(ctx context.Context) error {
	timeout := s.cfg.IdlePollWait
	if s.now().Sub(s.lastOwnerMessageAt) < s.cfg.ActiveWindow {
		timeout = s.cfg.ActivePollWait
	}
	msgs, err := s.ui.PollInbound(ctx, timeout)
	if err != nil {
		return err
	}
	if len(msgs) > 0 {
		s.lastOwnerMessageAt = s.now()
	}
	for _, msg := range msgs {
		if msg.TaskID != "" {
			if err := s.router.RouteToMailbox(msg); err != nil {
				s.logger.Warn("mailbox_route_failed", slog.String("task_id", msg.TaskID), slog.String("error", err.Error()))
			}
			continue
		}
		// Chat-agent routing (free/busy path) is driven by the caller's
		// dedicated chat-agent goroutine, which owns RouteBatch/RouteBusy;
		// the tick loop's job is limited to getting messages off the wire
		// and into the router's hands in arrival order.
		if err := s.routeToChatAgent(ctx, msg); err != nil {
			s.logger.Warn("chat_route_failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

func (s *Supervisor) routeToChatAgent(ctx context.Context, msg router.InboundMessage) error {
	if s.chatInbound == nil {
		return nil
	}
	select {
	case s.chatInbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetChatInbound wires the channel the chat-agent goroutine consumes via
// router.RouteBatch. Must be called before Run.
func (s *Supervisor) SetChatInbound(ch chan<- router.InboundMessage) {
	s.chatInbound = ch
}

// RunResult is returned by Run when the tick loop exits.
type RunResult struct {
	Exit ExitCode
	Err  error
}

// Run loops Tick until ctx is cancelled or a restart/panic is requested,
// sleeping adaptively between ticks (spec §4.7 step 10).
func (s *Supervisor) Run(ctx context.Context) RunResult {
	consecutiveCrashes := 0
	for {
		select {
		case <-ctx.Done():
			return RunResult{Exit: ExitNormal, Err: ctx.Err()}
		default:
		}

		restart, err := s.safeTick(ctx)
		if err != nil {
			consecutiveCrashes++
			s.logger.Error("tick_crashed",
				slog.Int("consecutive_crashes", consecutiveCrashes),
				slog.String("error", err.Error()))
			if consecutiveCrashes >= s.cfg.MaxConsecutiveCrashes {
				s.logger.Error("tick_crash_limit_exceeded, restarting")
				if s.cfg.StableBranch != "" {
					if rbErr := s.git.RollbackTo(s.cfg.StableBranch); rbErr != nil {
						s.logger.Error("rollback_after_crash_limit_failed", slog.String("error", rbErr.Error()))
					} else {
						s.logger.Warn("rolled_back_to_stable_after_repeated_crashes", slog.String("branch", s.cfg.StableBranch))
					}
				}
				return RunResult{Exit: ExitRestart, Err: err}
			}
			backoff := s.cfg.CrashBackoffBase << uint(consecutiveCrashes-1)
			select {
			case <-ctx.Done():
				return RunResult{Exit: ExitNormal, Err: ctx.Err()}
			case <-time.After(backoff):
			}
			continue
		}
		consecutiveCrashes = 0
		if restart != nil {
			ok, message, err := s.git.SafeRestart(restart.Reason, restart.Policy, func() int64 { return s.now().Unix() })
			if err != nil {
				s.logger.Error("safe_restart_failed", slog.String("error", err.Error()))
				return RunResult{Exit: ExitPanic, Err: err}
			}
			s.logger.Info("safe_restart", slog.Bool("ok", ok), slog.String("message", message))
			return RunResult{Exit: ExitRestart}
		}

		sleep := s.cfg.IdleSleep
		if s.now().Sub(s.lastOwnerMessageAt) < s.cfg.ActiveWindow {
			sleep = s.cfg.ActiveSleep
		}
		select {
		case <-ctx.Done():
			return RunResult{Exit: ExitNormal, Err: ctx.Err()}
		case <-time.After(sleep):
		}
	}
}
