package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/ouroboros-agent/ouroboros/internal/audit"
	"github.com/ouroboros-agent/ouroboros/internal/budget"
	"github.com/ouroboros-agent/ouroboros/internal/bus"
	"github.com/ouroboros-agent/ouroboros/internal/channels"
	"github.com/ouroboros-agent/ouroboros/internal/config"
	"github.com/ouroboros-agent/ouroboros/internal/cron"
	"github.com/ouroboros-agent/ouroboros/internal/gitops"
	"github.com/ouroboros-agent/ouroboros/internal/metrics"
	"github.com/ouroboros-agent/ouroboros/internal/queue"
	"github.com/ouroboros-agent/ouroboros/internal/router"
	"github.com/ouroboros-agent/ouroboros/internal/safety"
	"github.com/ouroboros-agent/ouroboros/internal/state"
	"github.com/ouroboros-agent/ouroboros/internal/supervisor"
	"github.com/ouroboros-agent/ouroboros/internal/workerpool"
)

// runDaemon wires every component and runs the tick loop until ctx is
// cancelled or the supervisor requests a restart or hits a panic exit
// (spec §4.7, §9's self-exec redesign note).
func runDaemon(ctx context.Context) supervisor.RunResult {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("load config", "error", err)
		return supervisor.RunResult{Exit: supervisor.ExitPanic, Err: err}
	}
	if cfg.NeedsGenesis {
		logger.Warn("no config.yaml found, running with defaults; see `ouroboros doctor`")
	}

	store, err := state.Open(cfg.HomeDir)
	if err != nil {
		logger.Error("open state store", "error", err)
		return supervisor.RunResult{Exit: supervisor.ExitPanic, Err: err}
	}

	lock, err := state.AcquireInstanceLock(cfg.HomeDir + "/locks/instance.lock")
	if err != nil {
		logger.Error("acquire instance lock", "error", err)
		return supervisor.RunResult{Exit: supervisor.ExitPanic, Err: err}
	}
	defer lock.Release()

	if _, err := store.Mutate(func(st *state.State) error {
		st.HostProfile = state.CaptureHostProfile()
		return nil
	}); err != nil {
		logger.Error("capture host profile", "error", err)
	}

	b := bus.New(logger)
	q := queue.New(time.Now)

	snap, err := store.LoadQueueSnapshot()
	if err != nil {
		logger.Error("load queue snapshot", "error", err)
	} else if err := q.Restore(snap); err != nil {
		logger.Error("restore queue snapshot", "error", err)
	}
	lostRunning, err := queue.RestoredRunning(snap)
	if err != nil {
		logger.Error("parse restored running tasks", "error", err)
	}

	auditLog := audit.New(store)

	git := gitops.NewManager(
		cfg.Git.RepoDir, cfg.Git.RemoteName, cfg.Git.DevBranch, cfg.Git.StableBranch,
		cfg.Git.BundleDir, cfg.Git.ProtectedFiles, cfg.HomeDir, cfg.TestFailureOverrideThreshold,
		gitops.WithLogger(logger), gitops.WithAuditLogger(auditLog),
	)

	if cfg.Git.RepoDir != "" {
		if err := git.EnsureRepoPresent(cfg.Git.RemoteURL); err != nil {
			logger.Error("ensure repo present", "error", err)
			return supervisor.RunResult{Exit: supervisor.ExitPanic, Err: err}
		}
		if err := git.CheckoutAndReset(cfg.Git.DevBranch); err != nil {
			logger.Error("checkout dev branch", "error", err)
			return supervisor.RunResult{Exit: supervisor.ExitPanic, Err: err}
		}
		if _, err := git.SyncProtectedFiles(ctx); err != nil {
			logger.Error("sync protected files on launch", "error", err)
			return supervisor.RunResult{Exit: supervisor.ExitPanic, Err: err}
		}
	}

	watcher := config.NewWatcher(cfg.HomeDir, cfg.Git.RepoDir, cfg.Git.ProtectedFiles, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Error("start config watcher", "error", err)
	} else {
		go func() {
			for ev := range watcher.Events() {
				logger.Info("protected_file_drift_detected", "path", ev.Path)
				if _, err := git.SyncProtectedFiles(ctx); err != nil {
					logger.Error("resync protected files after drift", "error", err)
				}
			}
		}()
	}

	pool := workerpool.New(q, b, cfg.SoftTimeout(), 10*time.Second,
		workerpool.WithLogger(logger),
		workerpool.WithLauncher(selfExecWorkerLauncher(cfg)),
	)

	ledger := budget.New(store)
	counters := metrics.New(logger)

	r := buildRouter(store, auditLog, logger, git, q, b, pool, cfg)

	var ui supervisor.UIAdapter
	if cfg.Channels.Telegram.Enabled {
		st, err := store.Load()
		if err != nil {
			logger.Error("load state for telegram offset", "error", err)
		}
		tg, err := channels.NewTelegramChannel(cfg.Channels.Telegram.Token, cfg.Channels.Telegram.AllowedIDs, st.TGOffset, logger)
		if err != nil {
			logger.Error("init telegram channel", "error", err)
		} else {
			ui = tg
		}
	}

	sched := cron.NewScheduler(cron.Config{
		Queue:          q,
		Logger:         logger,
		ReviewCronExpr: cfg.ReviewCronExpr,
		ReviewPriority: 50,
		BGWakeupMin:    cfg.BGWakeupMin(),
		BGWakeupMax:    cfg.BGWakeupMax(),
		BGEnabled: func() bool {
			st, err := store.Load()
			return err == nil && st.BGConsciousnessEnabled
		},
		Deadlines: queue.Deadlines{Soft: cfg.SoftTimeout(), Hard: cfg.HardTimeout()},
	})
	sched.Start(ctx)
	defer sched.Stop()

	sup := supervisor.New(store, b, q, pool, git, r, ledger, counters, ui, logger, supervisor.Config{
		ChatLogRotateBytes: 10 << 20, // 10MiB
		Deadlines:          queue.Deadlines{Soft: cfg.SoftTimeout(), Hard: cfg.HardTimeout()},
		MaxTaskAttempts:    cfg.MaxTaskAttempts,
		StableBranch:       cfg.Git.StableBranch,
		Evolution: queue.EvolutionParams{
			Period:        time.Duration(cfg.EvolutionPeriodSec) * time.Second,
			CostThreshold: cfg.EvolutionCostThresholdUSD,
			Priority:      80,
			Deadlines:     queue.Deadlines{Soft: cfg.SoftTimeout(), Hard: cfg.HardTimeout()},
		},
		DiagHeartbeat:  time.Duration(cfg.DiagHeartbeatSec) * time.Second,
		DiagSlowCycle:  time.Duration(cfg.DiagSlowCycleSec) * time.Second,
		ActiveSleep:    2 * time.Second,
		IdleSleep:      10 * time.Second,
		ActiveWindow:   5 * time.Minute,
		ActivePollWait: 3 * time.Second,
		IdlePollWait:   20 * time.Second,
	})

	chatInbound := make(chan router.InboundMessage, 8)
	sup.SetChatInbound(chatInbound)
	stopChatAgent := startChatAgent(ctx, chatAgentDeps{
		cfg:    cfg,
		store:  store,
		bus:    b,
		router: r,
		logger: logger,
		inbox:  chatInbound,
	})
	defer stopChatAgent()

	if resumed, abandoned := pool.AutoResumeAfterRestart(lostRunning, cfg.MaxTaskAttempts); len(resumed) > 0 || len(abandoned) > 0 {
		logger.Info("auto_resume_after_restart", "resumed", resumed, "abandoned", abandoned)
	}
	if err := pool.SpawnWorkers(ctx, cfg.MaxWorkers); err != nil {
		logger.Error("spawn workers", "error", err)
	}

	srv, port, err := startHealthServer(store, ledger, pool, logger)
	if err != nil {
		logger.Error("start health server", "error", err)
		return supervisor.RunResult{Exit: supervisor.ExitPanic, Err: err}
	}
	defer srv.Close()
	if err := store.WritePortFile(port); err != nil {
		logger.Error("write port file", "error", err)
	}

	return sup.Run(ctx)
}

// startHealthServer binds an ephemeral localhost port exposing /healthz
// and /status, matching the client in status.go.
func startHealthServer(store *state.Store, ledger *budget.Ledger, pool *workerpool.Pool, logger *slog.Logger) (*http.Server, int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, 0, fmt.Errorf("listen: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		st, err := store.Load()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		breakdown, err := ledger.Breakdown()
		if err != nil {
			logger.Error("status: cost breakdown", "error", err)
		}
		resp := map[string]any{
			"state":     st,
			"breakdown": breakdown,
			"workers":   pool.SlotStates(),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})

	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("health server", "error", err)
		}
	}()
	return srv, ln.Addr().(*net.TCPAddr).Port, nil
}

// selfExecWorkerLauncher builds a workerpool.Launcher that re-execs the
// current binary in -worker <id> mode, piping its stdin/stdout (spec
// §4.5: "a worker is an OS subprocess, launched once per slot").
func selfExecWorkerLauncher(cfg config.Config) workerpool.Launcher {
	return func(ctx context.Context, workerID string) (*exec.Cmd, io.WriteCloser, io.ReadCloser, error) {
		self, err := os.Executable()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("resolve executable path: %w", err)
		}
		cmd := exec.CommandContext(ctx, self, "-worker", workerID)
		cmd.Stderr = os.Stderr
		cmd.Env = append(os.Environ(), "OUROBOROS_HOME="+cfg.HomeDir)

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("worker stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("worker stdout pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, nil, nil, fmt.Errorf("start worker %s: %w", workerID, err)
		}
		return cmd, stdin, stdout, nil
	}
}

// buildRouter wires all six owner command handlers (spec §4.6) onto a
// fresh Router.
func buildRouter(store *state.Store, auditLog *audit.Logger, logger *slog.Logger, git *gitops.Manager, q *queue.Queue, b *bus.Bus, pool *workerpool.Pool, cfg config.Config) *router.Router {
	r := router.New(store,
		router.WithSanitizer(safety.NewSanitizer()),
		router.WithAuditLogger(auditLog),
		router.WithLogger(logger),
		router.WithCommandHandler(router.CmdPanic, func(ctx context.Context, cmd router.ParsedCommand) (string, error) {
			logger.Warn("owner requested /panic: full teardown, no auto-restart")
			pool.KillWorkers(true)
			go func() { time.Sleep(200 * time.Millisecond); os.Exit(99) }()
			return "panicking, no auto-restart", nil
		}),
		router.WithCommandHandler(router.CmdRestart, func(ctx context.Context, cmd router.ParsedCommand) (string, error) {
			_, err := store.Mutate(func(st *state.State) error {
				st.RestartRequestedAt = time.Now()
				return nil
			})
			if err != nil {
				return "", err
			}
			policy := gitops.PolicyRescueAndReset
			if cmd.Arg == "refuse" {
				policy = gitops.PolicyRefuse
			}
			return "soft restart", b.Publish(ctx, bus.Event{
				Type: bus.TypeRestartRequest,
				Payload: bus.RestartRequestPayload{
					Reason:         "owner requested /restart",
					UnsyncedPolicy: string(policy),
				},
			})
		}),
		router.WithCommandHandler(router.CmdStatus, func(ctx context.Context, cmd router.ParsedCommand) (string, error) {
			st, err := store.Load()
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("branch=%s sha=%s spent=$%.2f calls=%d workers=%v",
				st.CurrentBranch, st.CurrentSHA, st.SpentUSD, st.SpentCalls, pool.SlotStates()), nil
		}),
		router.WithCommandHandler(router.CmdReview, func(ctx context.Context, cmd router.ParsedCommand) (string, error) {
			t := queue.NewTask(queue.KindReview, 50, queue.Payload{Prompt: "owner-requested review"}, "", time.Now(),
				queue.Deadlines{Soft: cfg.SoftTimeout(), Hard: cfg.HardTimeout()})
			if err := q.Enqueue(t); err != nil {
				return "", err
			}
			return "review enqueued", nil
		}),
		router.WithCommandHandler(router.CmdEvolve, func(ctx context.Context, cmd router.ParsedCommand) (string, error) {
			enable := cmd.Arg != "off" && cmd.Arg != "stop" && cmd.Arg != "0"
			_, err := store.Mutate(func(st *state.State) error {
				st.EvolutionModeEnabled = enable
				return nil
			})
			if err != nil {
				return "", err
			}
			if enable {
				return "evolution mode on", nil
			}
			return "evolution mode off", nil
		}),
		router.WithCommandHandler(router.CmdBG, func(ctx context.Context, cmd router.ParsedCommand) (string, error) {
			switch cmd.Arg {
			case "status":
				st, err := store.Load()
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("bg_consciousness=%v", st.BGConsciousnessEnabled), nil
			default:
				enable := cmd.Arg != "off" && cmd.Arg != "stop" && cmd.Arg != "0"
				_, err := store.Mutate(func(st *state.State) error {
					st.BGConsciousnessEnabled = enable
					return nil
				})
				if err != nil {
					return "", err
				}
				if enable {
					return "bg_consciousness on", nil
				}
				return "bg_consciousness off", nil
			}
		}),
	)
	return r
}
