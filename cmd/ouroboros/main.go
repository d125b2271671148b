// Command ouroboros is the supervisor's entry point (spec §9's self-exec
// redesign note): a launcher process that re-execs itself in daemon mode
// and restarts that daemon whenever it exits with code 42, plus a set of
// one-shot diagnostic subcommands (doctor, status) that talk to an
// already-running daemon or inspect its persisted state directly.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ouroboros-agent/ouroboros/internal/supervisor"
)

// Version is stamped at build time via -ldflags, mirroring the teacher's
// own Version var.
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `ouroboros %s — a long-running autonomous coding agent supervisor

Usage:
  ouroboros -launcher       run the launcher loop (re-execs -daemon, restarts it on exit code 42)
  ouroboros -daemon         run the supervisor daemon directly, once, no re-exec
  ouroboros -worker <id>    run one worker subprocess (launched internally by -daemon; not for interactive use)
  ouroboros doctor [-json]  run startup diagnostics
  ouroboros status          query a running daemon's health endpoint
  ouroboros help            show this message

Environment:
  OUROBOROS_HOME        overrides the data root (default ~/.ouroboros)
  ANTHROPIC_API_KEY     credential for the anthropic LLM provider
  OPENAI_API_KEY        credential for the openai LLM provider
  TELEGRAM_BOT_TOKEN    credential for the telegram UI adapter
`, Version)
}

func main() {
	loadDotEnv(".env")
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch {
	case args[0] == "-launcher":
		return runLauncher(args[1:])
	case args[0] == "-daemon":
		return runDaemonSubcommand(args[1:])
	case args[0] == "-worker":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: ouroboros -worker <id>")
			return 2
		}
		return runWorker(args[1])
	case args[0] == "doctor":
		return runDoctorCommand(context.Background(), args[1:])
	case args[0] == "status":
		return runStatusCommand(context.Background(), args[1:])
	case args[0] == "help", args[0] == "-h", args[0] == "--help":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		printUsage()
		return 2
	}
}

// daemonSubcommandMode is the result of parsing the arguments following
// `-daemon` (the daemon entry point accepts no arguments beyond an
// optional --help, mirroring the teacher's daemon-subcommand help
// convention).
type daemonSubcommandMode int

const (
	daemonSubcommandRun daemonSubcommandMode = iota
	daemonSubcommandHelp
)

func parseDaemonSubcommandArgs(args []string) (daemonSubcommandMode, error) {
	switch len(args) {
	case 0:
		return daemonSubcommandRun, nil
	case 1:
		if isHelpArg(args[0]) {
			return daemonSubcommandHelp, nil
		}
		return daemonSubcommandRun, fmt.Errorf("unexpected argument %q", args[0])
	default:
		return daemonSubcommandRun, fmt.Errorf("too many arguments: %v", args)
	}
}

func isHelpArg(arg string) bool {
	return arg == "--help" || arg == "-h" || arg == "help"
}

func printDaemonSubcommandUsage(w *strings.Builder) {
	w.WriteString("usage: ouroboros -daemon [--help]\n")
	w.WriteString("  run the supervisor daemon directly, once, without the launcher's re-exec loop\n")
}

func runDaemonSubcommand(args []string) int {
	mode, err := parseDaemonSubcommandArgs(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		var sb strings.Builder
		printDaemonSubcommandUsage(&sb)
		fmt.Fprint(os.Stderr, sb.String())
		return 2
	}
	if mode == daemonSubcommandHelp {
		var sb strings.Builder
		printDaemonSubcommandUsage(&sb)
		fmt.Print(sb.String())
		return 0
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	result := runDaemon(ctx)
	if result.Err != nil && result.Exit != supervisor.ExitNormal {
		fmt.Fprintf(os.Stderr, "ouroboros daemon exiting: %v\n", result.Err)
	}
	return int(result.Exit)
}

// runLauncher implements the trivial re-exec loop: it re-execs the
// current binary in -daemon mode and, whenever that process exits with
// code 42 (supervisor.ExitRestart), launches a fresh one. Any other exit
// code (0 normal shutdown, 99 panic/teardown) propagates and ends the
// loop.
func runLauncher(extraArgs []string) int {
	self, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "launcher: resolve executable path: %v\n", err)
		return int(supervisor.ExitPanic)
	}

	for {
		args := append([]string{"-daemon"}, extraArgs...)
		code, err := execDaemon(self, args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "launcher: run daemon: %v\n", err)
			return int(supervisor.ExitPanic)
		}
		if code != int(supervisor.ExitRestart) {
			return code
		}
		fmt.Fprintln(os.Stderr, "launcher: daemon requested restart, relaunching")
	}
}
