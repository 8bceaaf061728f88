// stagegraphd hosts a declaratively-configured set of pipelines: it
// runs their schedules, checkpoints each scheduled run's final context, exposes a
// worker-transport gRPC listener for distributed stage execution, and
// serves Prometheus metrics and a health endpoint over HTTP.
//
// Usage:
//
//	stagegraphd serve -config deploy.yaml           # host the full server
//	stagegraphd run -config deploy.yaml -pipeline p # run one pipeline once, stdin->stdout JSON
//	go build -o stagegraphd ./cmd/stagegraphd && ./stagegraphd serve -config deploy.yaml
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stagegraph/flowengine/engine"
	"github.com/stagegraph/flowengine/engine/cache"
	"github.com/stagegraph/flowengine/engine/checkpoint"
	engineconfig "github.com/stagegraph/flowengine/engine/config"
	"github.com/stagegraph/flowengine/engine/dispatch"
	"github.com/stagegraph/flowengine/engine/middleware"
	"github.com/stagegraph/flowengine/engine/observability"
	"github.com/stagegraph/flowengine/engine/pipeline"
	"github.com/stagegraph/flowengine/engine/schedule"
	transportgrpc "github.com/stagegraph/flowengine/engine/transport/grpc"
)

// stdLogger implements engine.Logger over the standard library log
// package, the same adapter shape as cmd/main.go's stdLogger for
// coreengine/grpc.Logger.
type stdLogger struct {
	prefix []any
}

func (l *stdLogger) log(level, msg string, kv ...any) {
	all := append(append([]any{}, l.prefix...), kv...)
	log.Printf("[%s] %s %v", level, msg, all)
}

func (l *stdLogger) Debug(msg string, kv ...any) { l.log("DEBUG", msg, kv...) }
func (l *stdLogger) Info(msg string, kv ...any)  { l.log("INFO", msg, kv...) }
func (l *stdLogger) Warn(msg string, kv ...any)  { l.log("WARN", msg, kv...) }
func (l *stdLogger) Error(msg string, kv ...any) { l.log("ERROR", msg, kv...) }
func (l *stdLogger) Bind(kv ...any) engine.Logger {
	return &stdLogger{prefix: append(append([]any{}, l.prefix...), kv...)}
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "run":
		runOnce(os.Args[2:])
	case "version":
		fmt.Println("stagegraphd 1.0.0")
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: stagegraphd <command> [flags]

Commands:
  serve    Host the scheduler, worker-transport gRPC server, and
           metrics/health endpoints for every pipeline in -config.
  run      Execute one pipeline from -config once, reading JSON input
           from stdin and writing the PipelineResult to stdout.
  version  Print version information.`)
}

// buildPipelines constructs every configured pipeline, wiring the
// shared result cache, event bus, and logger the same way across all
// of them.
func buildPipelines(cfg *Config, bus *engine.EventBus, resultCache *cache.Cache, logger engine.Logger) (map[string]*pipeline.Pipeline, error) {
	pipelines := make(map[string]*pipeline.Pipeline, len(cfg.Pipelines))
	for name, pc := range cfg.Pipelines {
		opts := pc.Options
		if opts == nil {
			opts = engineconfig.DefaultPipelineOptions(name)
		} else if opts.Name == "" {
			opts.Name = name
		}

		builder := pipeline.NewBuilder(opts.Name).
			WithOptions(opts).
			WithEventBus(bus).
			WithLogger(logger.Bind("pipeline", name)).
			WithCache(resultCache).
			Use(middleware.Logging(logger)).
			Use(middleware.Metrics(opts.Name))

		for _, sc := range pc.Stages {
			stage, err := buildStage(sc)
			if err != nil {
				return nil, fmt.Errorf("stagegraphd: pipeline %q: %w", name, err)
			}
			builder = builder.AddStage(stage)
		}

		built, err := builder.Build()
		if err != nil {
			return nil, fmt.Errorf("stagegraphd: pipeline %q: %w", name, err)
		}
		pipelines[name] = built
	}
	return pipelines, nil
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "stagegraphd.yaml", "path to the deployment YAML file")
	addrOverride := fs.String("addr", "", "override server.address from the config file")
	_ = fs.Parse(args)

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("stagegraphd: %v", err)
	}
	if *addrOverride != "" {
		cfg.Server.Address = *addrOverride
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":50061"
	}

	logger := &stdLogger{}
	logger.Info("stagegraphd_starting", "address", cfg.Server.Address)

	bus := engine.NewEventBus()
	resultCache := cache.New(cache.NewL1(1024))

	pipelines, err := buildPipelines(cfg, bus, resultCache, logger)
	if err != nil {
		log.Fatalf("stagegraphd: %v", err)
	}
	logger.Info("pipelines_loaded", "count", len(pipelines))

	checkpoints := checkpoint.NewCheckpointManager(checkpoint.NewMemoryStorage(), 20)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Server.OTLPTarget != "" {
		shutdownTracer, err := observability.InitTracer("stagegraphd", cfg.Server.OTLPTarget)
		if err != nil {
			logger.Warn("tracer_init_failed", "error", err.Error())
		} else {
			defer func() { _ = shutdownTracer(context.Background()) }()
		}
	}

	executor := func(ctx context.Context, entry *schedule.ScheduleEntry) error {
		p, ok := pipelines[entry.Pipeline]
		if !ok {
			return fmt.Errorf("stagegraphd: schedule %q references unknown pipeline %q", entry.ID, entry.Pipeline)
		}
		result := p.Execute(ctx, entry.Input, nil)
		if _, err := checkpoints.Create(ctx, result.Context.ExecutionID, p.Name(), result.Context, result.Context.Metadata.CompletedStages(), result.Context.Metadata.CurrentStage()); err != nil {
			logger.Warn("checkpoint_failed", "schedule_id", entry.ID, "error", err.Error())
		}
		if !result.Success {
			return fmt.Errorf("pipeline %q failed", entry.Pipeline)
		}
		return nil
	}

	scheduler := schedule.NewPipelineScheduler(schedule.DefaultSchedulerConfig(), executor, bus)
	for _, sc := range cfg.Schedules {
		entry, err := toScheduleEntry(sc)
		if err != nil {
			log.Fatalf("stagegraphd: schedule %q: %v", sc.ID, err)
		}
		if err := scheduler.Register(entry); err != nil {
			log.Fatalf("stagegraphd: register schedule %q: %v", sc.ID, err)
		}
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()
	logger.Info("scheduler_started", "entries", len(cfg.Schedules))

	health := observability.NewHealthChecker()
	health.Register("scheduler", func(context.Context) error { return nil })

	queue := dispatch.NewMessageQueue()
	transportServer := transportgrpc.NewWorkerTransportServer(logger.Bind("component", "grpc"), queue)
	gracefulServer := transportgrpc.NewGracefulServer(transportServer, cfg.Server.Address, logger.Bind("component", "grpc"))

	if cfg.Server.HTTPAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			report := health.Check(r.Context())
			w.Header().Set("Content-Type", "application/json")
			if report.Status != observability.HealthStatusHealthy {
				w.WriteHeader(http.StatusServiceUnavailable)
			}
			_ = json.NewEncoder(w).Encode(report)
		})
		go func() {
			logger.Info("http_server_started", "address", cfg.Server.HTTPAddr)
			if err := http.ListenAndServe(cfg.Server.HTTPAddr, mux); err != nil && err != http.ErrServerClosed {
				logger.Error("http_server_error", "error", err.Error())
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() { serveErr <- gracefulServer.Start(ctx) }()

	select {
	case sig := <-sigCh:
		logger.Info("shutdown_signal_received", "signal", sig.String())
		cancel()
		gracefulServer.ShutdownWithTimeout(10 * time.Second)
	case err := <-serveErr:
		if err != nil && err != context.Canceled {
			logger.Error("grpc_server_error", "error", err.Error())
		}
	}
	logger.Info("stagegraphd_stopped")
}

func toScheduleEntry(sc ScheduleConfig) (*schedule.ScheduleEntry, error) {
	var trigger schedule.Trigger
	switch sc.Trigger {
	case "cron":
		trigger = schedule.Trigger{Kind: schedule.TriggerCron, Cron: sc.Cron}
	case "interval":
		trigger = schedule.Trigger{Kind: schedule.TriggerInterval, Interval: sc.Interval}
	case "delay":
		trigger = schedule.Trigger{Kind: schedule.TriggerDelay, Delay: sc.Delay}
	default:
		return nil, fmt.Errorf("unknown trigger kind %q", sc.Trigger)
	}

	var retry *schedule.RetryPolicy
	if sc.MaxRetries > 0 {
		retry = &schedule.RetryPolicy{MaxRetries: sc.MaxRetries}
	}

	return &schedule.ScheduleEntry{
		ID:          sc.ID,
		Pipeline:    sc.Pipeline,
		Trigger:     trigger,
		Enabled:     true,
		DependsOn:   sc.DependsOn,
		RetryPolicy: retry,
		Timeout:     sc.Timeout,
	}, nil
}

// runOnce executes one configured pipeline synchronously against
// stdin's JSON input and writes the PipelineResult to stdout, the
// subprocess-interop shape cmd/envelope/main.go uses for its own
// stdin/stdout commands.
func runOnce(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "stagegraphd.yaml", "path to the deployment YAML file")
	pipelineName := fs.String("pipeline", "", "name of the pipeline to run")
	_ = fs.Parse(args)

	if *pipelineName == "" {
		fmt.Fprintln(os.Stderr, "stagegraphd: -pipeline is required")
		os.Exit(1)
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stagegraphd: %v\n", err)
		os.Exit(1)
	}

	logger := &stdLogger{}
	bus := engine.NewEventBus()
	resultCache := cache.New(cache.NewL1(64))
	pipelines, err := buildPipelines(cfg, bus, resultCache, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stagegraphd: %v\n", err)
		os.Exit(1)
	}

	p, ok := pipelines[*pipelineName]
	if !ok {
		fmt.Fprintf(os.Stderr, "stagegraphd: unknown pipeline %q\n", *pipelineName)
		os.Exit(1)
	}

	raw, err := io.ReadAll(bufio.NewReader(os.Stdin))
	if err != nil {
		fmt.Fprintf(os.Stderr, "stagegraphd: read stdin: %v\n", err)
		os.Exit(1)
	}
	var input any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &input); err != nil {
			fmt.Fprintf(os.Stderr, "stagegraphd: parse stdin: %v\n", err)
			os.Exit(1)
		}
	}

	result := p.Execute(context.Background(), input, nil)
	out := map[string]any{
		"success":          result.Success,
		"execution_id":     result.Context.ExecutionID,
		"completed_stages": result.Context.Metadata.CompletedStages(),
		"failed_stages":    result.Context.Metadata.FailedStages(),
		"output":           result.Output,
	}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "stagegraphd: encode result: %v\n", err)
		os.Exit(1)
	}
	if !result.Success {
		os.Exit(1)
	}
}
