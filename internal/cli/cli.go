package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"fovpipe/internal/artifact"
	"fovpipe/internal/config"
	"fovpipe/internal/pipeline"
	"fovpipe/internal/server"
	"fovpipe/internal/split"
	"fovpipe/internal/storage"
	"fovpipe/internal/table"
	"fovpipe/internal/tasks"
)

// Version is stamped at build time with -ldflags "-X fovpipe/internal/cli.Version=...".
var Version = "0.1.0-dev"

// Options wires the CLI to the rest of the program. Store, Pipeline,
// Metrics and Gatherer may be nil.
type Options struct {
	Config    *config.Config
	Log       *slog.Logger
	Store     *storage.Store
	Artifacts artifact.Store
	Executor  pipeline.Executor
	Pipeline  server.Subscriber
	Metrics   *pipeline.Metrics
	Gatherer  prometheus.Gatherer

	// Wire, when set, builds the components once flags have been applied to
	// Config. Non-nil fields of the returned Options replace the ones above.
	Wire func(ctx context.Context, cfg *config.Config) (Options, error)
}

// skipWire marks commands that only touch configuration.
const skipWire = "skip-wire"

type serverFunc func(ctx context.Context, opts server.Options) error

func defaultServe(ctx context.Context, opts server.Options) error {
	return server.NewServer(opts).Start(ctx)
}

// Root holds the state shared by every command.
type Root struct {
	cfg       *config.Config
	log       *slog.Logger
	store     *storage.Store
	artifacts artifact.Store
	exec      pipeline.Executor
	pipe      server.Subscriber
	metrics   *pipeline.Metrics
	gatherer  prometheus.Gatherer
	serveFn   serverFunc
	wire      func(ctx context.Context, cfg *config.Config) (Options, error)

	// runMu serialises runs; they share the results directory.
	runMu sync.Mutex
}

// NewRoot constructs the CLI root.
func NewRoot(opts Options) *Root {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	return &Root{
		cfg:       cfg,
		log:       log,
		store:     opts.Store,
		artifacts: opts.Artifacts,
		exec:      opts.Executor,
		pipe:      opts.Pipeline,
		metrics:   opts.Metrics,
		gatherer:  opts.Gatherer,
		serveFn:   defaultServe,
		wire:      opts.Wire,
	}
}

func (r *Root) applyWire(ctx context.Context) error {
	if r.wire == nil {
		return nil
	}
	c, err := r.wire(ctx, r.cfg)
	if err != nil {
		return err
	}
	if c.Store != nil {
		r.store = c.Store
	}
	if c.Artifacts != nil {
		r.artifacts = c.Artifacts
	}
	if c.Executor != nil {
		r.exec = c.Executor
	}
	if c.Pipeline != nil {
		r.pipe = c.Pipeline
	}
	if c.Metrics != nil {
		r.metrics = c.Metrics
	}
	if c.Gatherer != nil {
		r.gatherer = c.Gatherer
	}
	return nil
}

func (r *Root) runner() *pipeline.Runner {
	return pipeline.NewRunner(r.cfg, r.exec, r.artifacts, r.store, r.log, r.metrics)
}

func (r *Root) catalogArg(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if r.cfg.Paths.Catalog != "" {
		return r.cfg.Paths.Catalog, nil
	}
	return "", errors.New("no catalog given and paths.catalog is not configured")
}

// runCatalog executes a full run, waiting for any run already in progress.
func (r *Root) runCatalog(ctx context.Context, runID, catalog string) (pipeline.RunReport, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	return r.runner().Run(ctx, runID, catalog)
}

func (r *Root) readTable(name string) (table.Table, error) {
	path := filepath.Join(r.runner().QCDir(), name)
	t, err := table.ReadFile(path)
	if err != nil {
		return table.Table{}, fmt.Errorf("read %s (run the earlier stages first): %w", path, err)
	}
	return t, nil
}

// resplit recomputes the split assignment of the QC table without writing
// files. Splitting is deterministic so this matches the files on disk.
func (r *Root) resplit(kept table.Table) (*split.Result, error) {
	s, err := split.New(pipeline.SplitConfig(r.cfg.Splits))
	if err != nil {
		return nil, err
	}
	res, err := s.Split(kept)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// watch re-runs the pipeline for every catalog written into dirs until ctx
// is cancelled.
func (r *Root) watch(ctx context.Context, dirs []string) error {
	w, err := tasks.NewFileSystemWatcher(dirs, r.log)
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Start(); err != nil {
		w.Stop()
		return fmt.Errorf("start watcher: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return w.Stop()
	})
	g.Go(func() error {
		for ev := range w.Events {
			r.log.Info("catalog changed", "path", ev.Path, "operation", ev.Operation)
			runID := pipeline.NewRunID()
			if _, err := r.runCatalog(ctx, runID, ev.Path); err != nil {
				r.log.Error("run failed", "run_id", runID, "catalog", ev.Path, "error", err)
			}
		}
		if ctx.Err() == nil {
			return errors.New("catalog watcher stopped unexpectedly")
		}
		return nil
	})
	return g.Wait()
}

func printReport(w io.Writer, rep pipeline.RunReport) {
	fmt.Fprintf(w, "Run %s\n", rep.RunID)
	fmt.Fprintf(w, "  Catalog:       %s (%d FOVs)\n", rep.Catalog, rep.FOVs)
	fmt.Fprintf(w, "  Statistics:    %d computed, %d skipped, %d failed\n", rep.Aggregate.Computed, rep.Aggregate.Skipped, rep.Aggregate.Failed)
	fmt.Fprintf(w, "  Consolidated:  %d rows, %d missing\n", rep.Stats, len(rep.Missing))
	fmt.Fprintf(w, "  QC:            %d passed, %d failed, target depth %d\n", rep.QCPass, rep.QCFail, rep.TargetDepth)
	if rep.Splits != nil {
		counts := map[string]int{}
		for _, a := range rep.Splits.Assignments() {
			counts[a.Split]++
		}
		for _, name := range rep.Splits.Names {
			fmt.Fprintf(w, "  Split %-8s %d\n", name+":", counts[name])
		}
	}
	if rep.SummaryCSV != "" {
		fmt.Fprintf(w, "  Summary:       %s\n", rep.SummaryCSV)
	}
	fmt.Fprintf(w, "  Duration:      %s\n", rep.Duration.Round(time.Millisecond))
}
