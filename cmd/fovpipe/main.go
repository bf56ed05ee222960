package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"fovpipe/internal/artifact"
	"fovpipe/internal/cli"
	"fovpipe/internal/config"
	"fovpipe/internal/fsutil"
	"fovpipe/internal/logging"
	"fovpipe/internal/pipeline"
	"fovpipe/internal/storage"
	"fovpipe/internal/tasks"
	"fovpipe/internal/volume"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run() error {
	// A .env in the working directory may set FOVPIPE_CONFIG and AWS credentials.
	if fsutil.Exists(".env") {
		if err := godotenv.Load(); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := logging.Setup(cfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := pipeline.NewMetrics(reg)

	var (
		store *storage.Store
		pipe  *pipeline.Pipeline
	)
	defer func() {
		if pipe != nil {
			pipe.Stop()
		}
		store.Close()
		volume.Shutdown()
	}()

	// wire runs once flags have been applied to cfg.
	wire := func(ctx context.Context, cfg *config.Config) (cli.Options, error) {
		var err error
		store, err = storage.New(cfg.Paths.DatabasePath)
		if err != nil {
			return cli.Options{}, fmt.Errorf("open run ledger: %w", err)
		}
		artifacts, err := artifact.Open(ctx, cfg.Blob, cfg.Paths.ResultsDir)
		if err != nil {
			return cli.Options{}, fmt.Errorf("open artifact store: %w", err)
		}
		order, err := volume.ParseLabels(cfg.Stats.ChannelOrder)
		if err != nil {
			return cli.Options{}, err
		}
		task := &tasks.StatsTask{
			Store:       artifacts,
			Reader:      volume.NewAutoReader(cfg.Image.Channels, cfg.Image.PageOrder, cfg.Image.Scale),
			Order:       order,
			Percentiles: cfg.Stats.Percentiles,
			Log:         log,
		}
		pipe = pipeline.New(ctx, cfg.Processing.ParallelJobs, log, store, pipeline.NewRouter(log, task), metrics)
		return cli.Options{
			Store:     store,
			Artifacts: artifacts,
			Executor:  pipe,
			Pipeline:  pipe,
		}, nil
	}

	root := cli.NewRoot(cli.Options{
		Config:   cfg,
		Log:      log,
		Metrics:  metrics,
		Gatherer: reg,
		Wire:     wire,
	})
	return cli.NewRootCmd(root).ExecuteContext(ctx)
}
