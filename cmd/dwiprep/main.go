package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dwiprep/dwiprep/internal/application/graph"
	"github.com/dwiprep/dwiprep/internal/application/registry"
	"github.com/dwiprep/dwiprep/internal/application/scheduler"
	"github.com/dwiprep/dwiprep/internal/config"
	"github.com/dwiprep/dwiprep/internal/domain"
	"github.com/dwiprep/dwiprep/internal/ports"
	memorybus "github.com/dwiprep/dwiprep/pkg/adapters/events/memory"
	redisbus "github.com/dwiprep/dwiprep/pkg/adapters/events/redis"
	"github.com/dwiprep/dwiprep/pkg/adapters/executors"
	"github.com/dwiprep/dwiprep/pkg/adapters/index/fsindex"
	"github.com/dwiprep/dwiprep/pkg/adapters/metrics/prometheus"
	"github.com/dwiprep/dwiprep/pkg/adapters/runstore/sqlite"
	"github.com/dwiprep/dwiprep/pkg/api/http"
)

var (
	// Version is set by build flags
	Version   = "dev"
	BuildTime = "unknown"
)

// Exit codes: 0 every participant completed, 1 run failed, 2 partial
// success.
const (
	exitOK      = 0
	exitFailed  = 1
	exitPartial = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		datasetDir       = flag.String("dataset", "", "dataset root directory (required)")
		outputDir        = flag.String("output", "", "output directory (required)")
		workDir          = flag.String("work", "", "working directory for intermediates")
		configFile       = flag.String("config", "", "YAML configuration file")
		participants     = flag.String("participant", "", "comma-separated participant labels (default: all)")
		anatOnly         = flag.Bool("anat-only", false, "run the anatomical workflow only")
		stopOnFirstCrash = flag.Bool("stop-on-first-crash", false, "abort the whole run on the first stage failure")
		nprocs           = flag.Int("nprocs", 0, "maximum concurrent stage processes")
		ompThreads       = flag.Int("omp-nthreads", 0, "threads granted to each stage process")
		showVersion      = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("dwiprep %s (built %s)\n", Version, BuildTime)
		return exitOK
	}

	ov := config.Overrides{
		DatasetDir:     *datasetDir,
		OutputDir:      *outputDir,
		WorkDir:        *workDir,
		ProcSlots:      *nprocs,
		ThreadsPerProc: *ompThreads,
	}
	if *participants != "" {
		ov.ParticipantLabels = strings.Split(*participants, ",")
	}
	if flagSet("anat-only") {
		ov.AnatOnly = anatOnly
	}
	if flagSet("stop-on-first-crash") {
		ov.StopOnFirstCrash = stopOnFirstCrash
	}

	cfg, err := config.Load(*configFile, ov)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dwiprep: %v\n", err)
		return exitFailed
	}
	if err := cfg.EnsureDirs(); err != nil {
		fmt.Fprintf(os.Stderr, "dwiprep: %v\n", err)
		return exitFailed
	}

	logger := initLogger(cfg.Execution.LogLevel)
	defer logger.Sync()

	logger.Info("starting dwiprep",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("run_id", cfg.Execution.RunID))

	if err := cfg.WriteEffective(); err != nil {
		logger.Warn("could not write effective configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Warn("received signal, draining in-flight stages", zap.String("signal", sig.String()))
		cancel()
	}()

	status, err := execute(ctx, cfg, logger)
	if err != nil {
		logger.Error("run did not finish", zap.Error(err))
		return exitFailed
	}
	switch status {
	case domain.RunCompleted:
		return exitOK
	case domain.RunPartialSuccess:
		return exitPartial
	default:
		return exitFailed
	}
}

// execute wires the adapters and drives the run to its terminal status.
func execute(ctx context.Context, cfg *config.Config, logger *zap.Logger) (domain.RunStatus, error) {
	idx, err := fsindex.New(cfg.Execution.DatasetDir, logger)
	if err != nil {
		return domain.RunFailed, err
	}
	selected, err := selectParticipants(idx, cfg.Execution.ParticipantLabels)
	if err != nil {
		return domain.RunFailed, err
	}
	logger.Info("participants selected", zap.Int("count", len(selected)))

	reg, err := registry.New(cfg)
	if err != nil {
		return domain.RunFailed, err
	}
	builder := graph.NewBuilder(cfg, idx, reg)

	dags := make([]*domain.DAG, 0, len(selected))
	for _, p := range selected {
		dag, err := builder.Build(p)
		if err != nil {
			return domain.RunFailed, err
		}
		dags = append(dags, dag)
	}

	store, err := sqlite.New(filepath.Join(cfg.Execution.WorkDir, "dwiprep.db"), logger)
	if err != nil {
		return domain.RunFailed, err
	}
	defer store.Close()

	bus, closeBus, err := newEventBus(ctx, cfg, logger)
	if err != nil {
		return domain.RunFailed, err
	}
	defer closeBus()

	collector := prometheus.NewCollector()
	sched := scheduler.New(cfg, store, executors.NewSet(logger), bus, collector, logger)

	var monitor *http.Server
	if cfg.Execution.MonitorPort > 0 {
		monitor = http.NewServer(cfg.Execution.MonitorPort, sched, logger)
		if err := bus.Subscribe(ctx, scheduler.EventTopic, monitor.EventHandler()); err != nil {
			logger.Warn("could not subscribe monitor to event stream", zap.Error(err))
		}
		go func() {
			if err := monitor.Start(); err != nil {
				logger.Error("monitoring server failed", zap.Error(err))
			}
		}()
	}

	rec, err := sched.Run(ctx, dags)

	if monitor != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := monitor.Shutdown(shutdownCtx); err != nil {
			logger.Error("monitoring server shutdown error", zap.Error(err))
		}
	}

	if err != nil {
		return domain.RunFailed, err
	}
	return rec.Status, nil
}

// selectParticipants resolves the configured labels against the dataset, or
// returns every discovered participant when no labels are given. A label
// absent from the dataset is a configuration error.
func selectParticipants(idx ports.DatasetIndex, labels []string) ([]domain.ParticipantID, error) {
	discovered, err := idx.ListParticipants()
	if err != nil {
		return nil, err
	}
	if len(discovered) == 0 {
		return nil, domain.NewConfigurationError("execution.dataset_dir", "dataset contains no participants")
	}
	if len(labels) == 0 {
		return discovered, nil
	}

	present := make(map[domain.ParticipantID]bool, len(discovered))
	for _, p := range discovered {
		present[p] = true
	}
	selected := make([]domain.ParticipantID, 0, len(labels))
	for _, label := range labels {
		p := domain.ParticipantID(strings.TrimSpace(strings.TrimPrefix(label, "sub-")))
		if !present[p] {
			return nil, domain.NewConfigurationError("execution.participant_labels",
				"participant %s not found in dataset", label)
		}
		selected = append(selected, p)
	}
	return selected, nil
}

// newEventBus picks Redis Streams when an address is configured, otherwise
// the in-process bus.
func newEventBus(ctx context.Context, cfg *config.Config, logger *zap.Logger) (ports.EventBus, func(), error) {
	if cfg.Execution.RedisAddr == "" {
		bus := memorybus.New()
		return bus, func() { bus.Close() }, nil
	}

	client := goredis.NewClient(&goredis.Options{Addr: cfg.Execution.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.Execution.RedisAddr, err)
	}
	logger.Info("connected to redis", zap.String("addr", cfg.Execution.RedisAddr))

	bus := redisbus.New(client, "dwiprep-monitors", fmt.Sprintf("dwiprep-%d", os.Getpid()), logger)
	return bus, func() {
		bus.Close()
		client.Close()
	}, nil
}

func flagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

// initLogger initializes the logger based on log level.
func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	return logger
}
