// file-monitor loads a compiled eBPF object, attaches its hooks and prints
// every record its ring buffers carry until interrupted.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/mrzor/bpf-pipeline/internal/attributes"
	"github.com/mrzor/bpf-pipeline/internal/bpf"
	"github.com/mrzor/bpf-pipeline/internal/bpfloader"
	"github.com/mrzor/bpf-pipeline/internal/config"
	"github.com/mrzor/bpf-pipeline/internal/eventprocessor"
	"github.com/mrzor/bpf-pipeline/internal/logging"
	"github.com/mrzor/bpf-pipeline/internal/metrics"
	"github.com/mrzor/bpf-pipeline/internal/otel"
	"github.com/mrzor/bpf-pipeline/internal/output"
	"github.com/mrzor/bpf-pipeline/internal/pipeline"
	"github.com/mrzor/bpf-pipeline/internal/procmeta"
)

// Version information injected at build time.
var (
	version = "dev"
	commit  = "unknown"
)

// CLI flags. Flags left at their zero value keep the configured value.
type CLI struct {
	Config         string        `name:"config" help:"Config file path." default:"${default_config_path}"`
	Object         []string      `name:"object" short:"o" help:"Compiled eBPF object. Repeat to run several." placeholder:"PATH"`
	Buffer         []string      `name:"buffer" short:"b" help:"Ring buffer or perf event array map to read. Repeatable."`
	PollInterval   time.Duration `name:"poll-interval" help:"Poll interval."`
	BatchSize      int           `name:"batch-size" help:"Records read per buffer per poll."`
	PerfPages      int           `name:"perf-pages" help:"Per-CPU pages for perf event array buffers."`
	Duration       time.Duration `name:"duration" short:"d" help:"Stop after this long instead of waiting for a signal."`
	Output         string        `name:"output" help:"Output format: text, json or otel."`
	Attribute      []string      `name:"attribute" short:"a" sep:"none" help:"Custom attribute NAME=EXPR. Repeatable." placeholder:"NAME=EXPR"`
	TraceID        string        `name:"trace-id" help:"Trace ID expression or literal (otel output)."`
	ParentID       string        `name:"parent-id" help:"Parent span ID expression or literal (otel output)."`
	LogLevel       string        `name:"log-level" help:"Log level: trace, debug, info, warn or error."`
	LogFormat      string        `name:"log-format" help:"Log format: text or json."`
	MetricsAddress string        `name:"metrics-address" help:"Serve Prometheus metrics on this address."`

	Version kong.VersionFlag `name:"version" help:"Print version and exit."`
}

// apply overlays the flags that were set onto cfg.
func (c *CLI) apply(cfg *config.Config) {
	if len(c.Object) > 0 {
		cfg.Object.Path = c.Object[0]
	}
	if len(c.Buffer) > 0 {
		cfg.Object.Buffers = c.Buffer
	}
	if c.PollInterval != 0 {
		cfg.Stream.PollInterval = c.PollInterval
	}
	if c.BatchSize != 0 {
		cfg.Stream.BatchSize = c.BatchSize
	}
	if c.PerfPages != 0 {
		cfg.Object.PerfPages = c.PerfPages
	}
	if c.Duration != 0 {
		cfg.Stream.Duration = c.Duration
	}
	if c.Output != "" {
		cfg.Output.Format = c.Output
	}
	cfg.Output.Attributes = append(cfg.Output.Attributes, c.Attribute...)
	if c.TraceID != "" {
		cfg.Output.TraceID = c.TraceID
	}
	if c.ParentID != "" {
		cfg.Output.ParentID = c.ParentID
	}
	if c.LogLevel != "" {
		cfg.Logging.Level = c.LogLevel
	}
	if c.LogFormat != "" {
		cfg.Logging.Format = c.LogFormat
	}
	if c.MetricsAddress != "" {
		cfg.Metrics.Address = c.MetricsAddress
	}
}

// objects returns the objects to run: every --object, or the configured path.
func (c *CLI) objects(cfg *config.Config) []pipeline.Object {
	paths := c.Object
	if len(paths) == 0 {
		paths = []string{cfg.Object.Path}
	}
	objs := make([]pipeline.Object, len(paths))
	for i, p := range paths {
		objs[i] = pipeline.Object{Source: bpfloader.FromFile(p), Buffers: cfg.Object.Buffers}
	}
	return objs
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// selfSubject describes this process, for trace and parent ID expressions
// evaluated once at startup.
func selfSubject() attributes.Subject {
	pid := uint32(os.Getpid()) //nolint:gosec // pids fit in uint32
	s := attributes.Subject{Event: bpf.Event{Pid: pid, Comm: "file-monitor"}}
	if md, err := procmeta.Read(procmeta.DefaultProcRoot, pid); err == nil {
		s.Process = md
	}
	return s
}

// setupOTEL initializes the OTEL provider and returns the span formatter
// and a cleanup function flushing it.
func setupOTEL(ctx context.Context, cfg *config.Config, runID string, logger *slog.Logger) (output.Formatter, func(), error) {
	otelCfg, err := config.ParseOTELConfig(nil)
	if err != nil {
		return nil, nil, err
	}

	self := selfSubject()

	traceEval, err := attributes.NewTraceIDEvaluator(cfg.Output.TraceID)
	if err != nil {
		return nil, nil, err
	}
	traceID, warnings, err := traceEval.EvaluateAndValidate(self)
	if err != nil {
		return nil, nil, err
	}

	parentEval, err := attributes.NewParentIDEvaluator(cfg.Output.ParentID)
	if err != nil {
		return nil, nil, err
	}
	parentID, parentWarnings, err := parentEval.EvaluateAndValidate(self)
	if err != nil {
		return nil, nil, err
	}
	warnings = append(warnings, parentWarnings...)
	for _, w := range warnings {
		logger.Warn("trace context", string(w.Key), w.Value.Emit())
	}

	tp, err := otel.InitProvider(ctx, otelCfg, otel.ProviderOptions{
		Version: fmt.Sprintf("%s (%s)", version, commit),
		TraceID: traceID,
		Logger:  logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize OTEL provider: %w", err)
	}

	formatter := output.NewOTELFormatter(tp.Tracer("bpf-pipeline"), output.OTELOptions{
		TraceID:    traceID,
		ParentID:   parentID,
		RunID:      runID,
		Attributes: warnings,
	})
	logger.Info("exporting spans", "trace_id", formatter.SpanContext().TraceID().String())

	cleanup := func() {
		if err := formatter.Close(); err != nil {
			logger.Error("closing span formatter", "error", err)
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otel.ShutdownProvider(shutdownCtx, tp); err != nil {
			logger.Error("shutting down OTEL provider", "error", err)
		}
	}
	return formatter, cleanup, nil
}

// setupOutput returns the sink for cfg.Output.Format.
func setupOutput(ctx context.Context, cfg *config.Config, runID string, logger *slog.Logger) (output.Formatter, func(), error) {
	if strings.EqualFold(cfg.Output.Format, config.OutputOTEL) {
		return setupOTEL(ctx, cfg, runID, logger)
	}

	formatter, err := output.NewFormatter(cfg.Output.Format, os.Stdout)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := formatter.Close(); err != nil {
			logger.Error("closing formatter", "error", err)
		}
	}
	return formatter, cleanup, nil
}

func logStats(logger *slog.Logger, p *pipeline.Pipeline, proc *eventprocessor.Processor, funnel *output.Funnel) {
	for object, buffers := range p.Stats() {
		for buffer, st := range buffers {
			logger.Info("buffer totals",
				"object", object,
				"buffer", buffer,
				"dispatched", st.Dispatched,
				"decode_errors", st.DecodeErrors,
				"lost", st.Lost,
			)
		}
	}
	if n := proc.SinkErrors(); n > 0 {
		logger.Warn("events the sink failed to write", "failed", n)
	}
	if funnel != nil {
		if n := funnel.Dropped(); n > 0 {
			logger.Warn("events dropped by a slow sink", "dropped", n)
		}
	}
}

func run() error {
	var cli CLI
	kong.Parse(&cli,
		kong.Name("file-monitor"),
		kong.Description("Stream events from an eBPF object's ring buffers."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
		kong.Vars{
			"default_config_path": config.DefaultConfigPath,
			"version":             fmt.Sprintf("%s (%s)", version, commit),
		},
	)

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	cli.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.Parse(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	if err != nil {
		return err
	}
	runID := uuid.New().String()
	logger = logger.With("run_id", runID)
	logger.Info("starting file-monitor", "version", version, "commit", commit)
	pipeline.WarnIfUnprivileged(logger)

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()
	if cfg.Stream.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Stream.Duration)
		defer cancel()
	}

	m := metrics.New()
	if cfg.Metrics.Address != "" {
		if _, err := m.Serve(ctx, cfg.Metrics.Address, logger); err != nil {
			return err
		}
	}

	customAttrs, err := cfg.CustomAttributes()
	if err != nil {
		return err
	}
	evaluator, err := attributes.NewEvaluator(customAttrs, logger)
	if err != nil {
		return err
	}

	sink, cleanupOutput, err := setupOutput(ctx, &cfg, runID, logger)
	if err != nil {
		return err
	}
	defer cleanupOutput()

	// One object has one stream, which writes to the sink itself. Several
	// objects run concurrently and share the sink through a funnel.
	objects := cli.objects(&cfg)
	var (
		handler output.EventHandler = sink
		funnel  *output.Funnel
	)
	if len(objects) > 1 {
		funnel = output.NewFunnel(output.DefaultFunnelSize, logger, m.RecordSinkDrop)
		handler = funnel
	}
	processor := eventprocessor.NewProcessor(handler, evaluator, procmeta.NewManager("", 0), logger)

	p, err := pipeline.Start(objects, processor.Decode, pipeline.Options{
		Logger:     logger,
		Observer:   m,
		PerfPages:  cfg.Object.PerfPages,
		BatchSize:  cfg.Stream.BatchSize,
		RecordSize: bpf.RecordSize,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			logger.Error("teardown", "error", err)
		}
	}()

	stopSink := func() {}
	if funnel != nil {
		sinkCtx, cancelSink := context.WithCancel(context.Background())
		sinkDone := make(chan struct{})
		go func() {
			defer close(sinkDone)
			funnel.Run(sinkCtx, sink)
		}()
		stopSink = func() {
			cancelSink()
			<-sinkDone
		}
	}

	fmt.Fprintln(os.Stderr, "Monitoring... Press Ctrl+C to exit")
	runErr := p.Run(ctx, cfg.Stream.PollInterval)

	stopSink()
	logStats(logger, p, processor, funnel)
	return runErr
}
