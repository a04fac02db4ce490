package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

func main() {
	// Minimal logger until the configured one is built.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Stdout, os.Stderr, os.Args[1:])
	stop()
	if err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

const usage = `
labflow - laboratory workflow engine.

Usage:
  labflow <command> [options] [arguments]

Commands:
  serve      Start the HTTP API
  run        Execute a workflow file
  compile    Print the execution plan of a workflow file
  order      Print the execution order of a workflow file
  validate   Check a workflow file for problems
  draft      Draft a workflow from a description with the assistant

Run 'labflow <command> -h' for the options of a command.
`

// run dispatches to a command. Command output goes to outW and logs to logW.
func run(ctx context.Context, outW, logW io.Writer, args []string) error {
	if len(args) == 0 {
		fmt.Fprint(outW, usage)
		return nil
	}
	cmd, ok := commands[args[0]]
	if !ok {
		if args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
			fmt.Fprint(outW, usage)
			return nil
		}
		return &ExitError{Code: 2, Message: fmt.Sprintf("unknown command %q", args[0])}
	}
	return cmd(ctx, &env{out: outW, log: logW}, args[1:])
}
