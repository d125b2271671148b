package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// newLogger builds the process logger: a colorized tint handler when
// stdout is an interactive terminal (the launcher's own relaunch
// messages, run by a developer at a shell), plain JSON otherwise (the
// daemon, normally supervised headlessly) — carried forward from the
// teacher's own isatty-gated logger setup.
func newLogger() *slog.Logger {
	if isatty.IsTerminal(os.Stdout.Fd()) {
		return slog.New(tint.NewHandler(colorable.NewColorableStdout(), &tint.Options{
			Level: slog.LevelInfo,
		}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// newWorkerLogger writes worker diagnostics to stderr, since stdout is
// reserved for the JSONL WorkerEvent stream the pool scans.
func newWorkerLogger() *slog.Logger {
	var w io.Writer = os.Stderr
	if isatty.IsTerminal(os.Stderr.Fd()) {
		return slog.New(tint.NewHandler(colorable.NewColorableStderr(), &tint.Options{Level: slog.LevelInfo}))
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo}))
}
