// qlaib captures photon timestamps from a quTAG, a recorded file or a
// synthetic source, counts coincidences and computes visibility, QBER and
// CHSH metrics. The live command serves a dashboard, a gRPC feed and a
// terminal UI over a continuously running acquisition loop.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
)

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, args []string, stdout io.Writer) error
}

var commands = []command{
	{"count", "capture once and print singles", runCount},
	{"coincide", "capture once, calibrate and print coincidences and metrics", runCoincide},
	{"live", "run the acquisition loop with dashboard, feed and terminal UI", runLive},
	{"replay", "run a recorded file through the pipeline", runReplay},
	{"record", "record raw device timestamps or live batches to disk", runRecord},
	{"migrate", "manage the telemetry database schema", runMigrate},
	{"status", "query a running live dashboard", runStatus},
	{"version", "print version information", runVersion},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage(stdout)
		return nil
	}
	if args[0] == "--version" {
		return runVersion(ctx, nil, stdout)
	}
	for _, c := range commands {
		if c.name == args[0] {
			return c.run(ctx, args[1:], stdout)
		}
	}
	printUsage(os.Stderr)
	return fmt.Errorf("unknown command %q", args[0])
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "qlaib - photon coincidence counting and entanglement metrics\n\nUsage:\n  qlaib <command> [flags]\n\nCommands:\n")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-9s %s\n", c.name, c.summary)
	}
	fmt.Fprintf(w, "\nRun 'qlaib <command> --help' for the flags of a command.\n")
}
