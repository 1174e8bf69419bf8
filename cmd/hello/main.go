// hello attaches a tracepoint program for a fixed time. The program
// reports through bpf_printk, so its output is read from trace_pipe.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/alecthomas/kong"
	"golang.org/x/sys/unix"

	"github.com/mrzor/bpf-pipeline/internal/bpfloader"
	"github.com/mrzor/bpf-pipeline/internal/logging"
	"github.com/mrzor/bpf-pipeline/internal/pipeline"
)

const tracePipe = "/sys/kernel/debug/tracing/trace_pipe"

// CLI flags.
type CLI struct {
	Object    string        `name:"object" short:"o" help:"Compiled eBPF object." default:"build/hello.bpf.o" type:"path"`
	Duration  time.Duration `name:"duration" short:"d" help:"How long to stay attached." default:"60s"`
	LogLevel  string        `name:"log-level" help:"Log level: trace, debug, info, warn or error." default:"info"`
	LogFormat string        `name:"log-format" help:"Log format: text or json." default:"text"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cli CLI
	kong.Parse(&cli,
		kong.Name("hello"),
		kong.Description("Attach a tracepoint program and leave it running for a while."),
		kong.UsageOnError(),
	)

	logger, err := logging.Parse(cli.LogLevel, cli.LogFormat, os.Stderr)
	if err != nil {
		return err
	}
	pipeline.WarnIfUnprivileged(logger)

	// Installed before anything attaches.
	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cli.Duration)
	defer cancel()

	obj := pipeline.Object{Source: bpfloader.FromFile(cli.Object)}
	if err := trace(ctx, obj, cli.Duration, os.Stdout, pipeline.Options{Logger: logger}); err != nil {
		return err
	}

	fmt.Println("Done tracing!")
	return nil
}

// trace attaches obj, keeps it attached until ctx is done and detaches it
// on every return path.
func trace(ctx context.Context, obj pipeline.Object, d time.Duration, out io.Writer, opts pipeline.Options) error {
	p, err := pipeline.Start([]pipeline.Object{obj}, nil, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			opts.Logger.Error("teardown", "error", err)
		}
	}()

	fmt.Fprintf(out, "Tracing for %s...\n", d)
	fmt.Fprintf(out, "Check output with: sudo cat %s\n", tracePipe)

	return p.Run(ctx, time.Second)
}
