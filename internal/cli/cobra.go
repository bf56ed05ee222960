package cli

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"fovpipe/internal/pipeline"
	"fovpipe/internal/report"
	"fovpipe/internal/server"
	"fovpipe/internal/table"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(root *Root) *cobra.Command {
	var (
		resultsDir        string
		overwrite         bool
		useCurrentResults bool
		proteins          []string
		nFOVs             int
		workers           int
	)

	rootCmd := &cobra.Command{
		Use:   "fovpipe",
		Short: "fovpipe computes per-FOV z-stack statistics, QC and data splits",
		Long: `fovpipe reads a catalog of microscopy fields of view, computes per-channel
statistics for every z-stack, filters out stacks that fail quality control,
conforms the survivors to one depth and partitions them into per-protein
train/validate/test splits.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if flags.Changed("results") {
				root.cfg.Paths.ResultsDir = resultsDir
			}
			if flags.Changed("overwrite") {
				root.cfg.Processing.Overwrite = overwrite
			}
			if flags.Changed("use-current-results") {
				root.cfg.Processing.UseCurrentResults = useCurrentResults
			}
			if flags.Changed("protein") {
				root.cfg.Catalog.Proteins = proteins
			}
			if flags.Changed("n-fovs") {
				root.cfg.Catalog.NFOVs = nFOVs
			}
			if flags.Changed("workers") {
				root.cfg.Processing.ParallelJobs = workers
			}
			for c := cmd; c != nil; c = c.Parent() {
				if c.Annotations[skipWire] != "" {
					return nil
				}
			}
			return root.applyWire(cmd.Context())
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&resultsDir, "results", "", "results directory (overrides paths.results_dir)")
	pf.BoolVar(&overwrite, "overwrite", false, "recompute statistics artifacts that already exist")
	pf.BoolVar(&useCurrentResults, "use-current-results", false, "reuse fov_stats.csv and fov_stats_qc.csv when present")
	pf.StringSliceVar(&proteins, "protein", nil, "only process these proteins (repeatable)")
	pf.IntVar(&nFOVs, "n-fovs", 0, "keep at most this many FOVs per cell line (0 keeps all)")
	pf.IntVarP(&workers, "workers", "j", 0, "parallel statistics workers (overrides processing.parallel_jobs)")

	rootCmd.AddCommand(newProcessCmd(root))
	rootCmd.AddCommand(newStatsCmd(root))
	rootCmd.AddCommand(newConsolidateCmd(root))
	rootCmd.AddCommand(newQCCmd(root))
	rootCmd.AddCommand(newSplitCmd(root))
	rootCmd.AddCommand(newSummaryCmd(root))
	rootCmd.AddCommand(newRunsCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newProcessCmd(root *Root) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "process [catalog]",
		Short: "Run every stage for a catalog",
		Long: `Compute statistics for every FOV in the catalog, consolidate them, apply
QC, write the data splits and the per-protein summary.

Examples:
  fovpipe process fovs.csv
  fovpipe process fovs.xlsx --protein LMNB1 --n-fovs 50 --results ./out`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := root.catalogArg(args)
			if err != nil {
				return err
			}
			runID := pipeline.NewRunID()
			rep, err := root.runCatalog(cmd.Context(), runID, catalog)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
			printReport(cmd.OutOrStdout(), rep)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the run report as JSON")
	return cmd
}

func newStatsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "stats [catalog]",
		Short: "Compute per-FOV statistics artifacts only",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := root.catalogArg(args)
			if err != nil {
				return err
			}
			r := root.runner()
			rows, err := r.LoadCatalog(catalog)
			if err != nil {
				return err
			}
			rep, err := r.Aggregate(cmd.Context(), pipeline.NewRunID(), rows)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d FOVs: %d computed, %d skipped, %d failed\n",
				rep.Submitted, rep.Computed, rep.Skipped, rep.Failed)
			for _, f := range rep.Failures {
				fmt.Fprintf(cmd.OutOrStdout(), "  FOV %d: %s\n", f.FOVId, f.Error)
			}
			return nil
		},
	}
}

func newConsolidateCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "consolidate [catalog]",
		Short: "Collect statistics artifacts into fov_stats.csv",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := root.catalogArg(args)
			if err != nil {
				return err
			}
			r := root.runner()
			rows, err := r.LoadCatalog(catalog)
			if err != nil {
				return err
			}
			t, missing, err := r.Consolidate(cmd.Context(), rows)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rows, %d missing\n",
				filepath.Join(r.QCDir(), pipeline.StatsFile), t.Len(), len(missing))
			return nil
		},
	}
}

func newQCCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "qc",
		Short: "Apply z-order and z-size QC to fov_stats.csv",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := root.readTable(pipeline.StatsFile)
			if err != nil {
				return err
			}
			res, err := root.runner().QC(pipeline.NewRunID(), stats)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d of %d FOVs passed, target depth %d\n",
				res.Kept.Len(), stats.Len(), res.TargetDepth)
			return nil
		},
	}
}

func newSplitCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "split",
		Short: "Partition fov_stats_qc.csv into per-protein splits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kept, err := root.readTable(pipeline.QCFile)
			if err != nil {
				return err
			}
			res, err := root.runner().Split(pipeline.NewRunID(), kept)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, g := range res.Groups {
				counts := res.Counts(g)
				fmt.Fprintf(out, "%s:", g)
				for _, name := range res.Names {
					fmt.Fprintf(out, " %s=%d", name, counts[name])
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
}

func newSummaryCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "summary [catalog]",
		Short: "Write the per-protein summary from existing tables",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := root.catalogArg(args)
			if err != nil {
				return err
			}
			r := root.runner()
			rows, err := r.LoadCatalog(catalog)
			if err != nil {
				return err
			}
			stats, err := root.readTable(pipeline.StatsFile)
			if err != nil {
				return err
			}
			kept, err := root.readTable(pipeline.QCFile)
			if err != nil {
				return err
			}
			// A missing audit table leaves the QC columns at zero.
			audit, err := root.readTable(pipeline.QCAuditFile)
			if err != nil {
				audit = table.Table{}
			}
			splits, err := root.resplit(kept)
			if err != nil {
				return err
			}
			csvPath, xlsxPath, err := r.Summarize(report.Inputs{Rows: rows, Stats: stats, Audit: audit, Splits: splits})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s and %s\n", csvPath, xlsxPath)
			return nil
		},
	}
}

func newRunsCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect the run ledger",
	}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return errors.New("run ledger is not available")
			}
			runs, err := root.store.RecentRuns(limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, run := range runs {
				fmt.Fprintf(out, "%s  %-9s  fovs=%d stats=%d missing=%d qc=%d/%d  %s\n",
					run.ID, run.Status, run.FOVCount, run.StatsCount, run.MissingCount,
					run.QCPass, run.QCPass+run.QCFail, run.Catalog)
			}
			return nil
		},
	}
	listCmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")

	showCmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run with its jobs as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return errors.New("run ledger is not available")
			}
			run, err := root.store.GetRun(args[0])
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("run %s not found", args[0])
			}
			if err != nil {
				return err
			}
			jobs, err := root.store.RunJobs(args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{"run": run, "jobs": jobs})
		},
	}

	cmd.AddCommand(listCmd, showCmd)
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr       string
		watchPaths []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP status API",
		Long: `Start an HTTP server exposing the run ledger, live job events and metrics.
Runs can be started with POST /runs. With --watch, catalogs written into the
given directories trigger a run as well.

Examples:
  fovpipe serve --addr :8080
  fovpipe serve --addr :8080 --watch /data/catalogs`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = root.cfg.Server.Addr
			}
			opts := server.Options{
				Addr:           addr,
				Store:          root.store,
				Pipeline:       root.pipe,
				DefaultCatalog: root.cfg.Paths.Catalog,
				Gatherer:       root.gatherer,
				Log:            root.log,
				Run: func(ctx context.Context, runID, catalog string) error {
					_, err := root.runCatalog(ctx, runID, catalog)
					return err
				},
			}

			root.log.Info("server ready",
				"addr", addr,
				"watch_paths", watchPaths,
				"endpoints", []string{"/healthz", "/jobs", "/runs", "/stream", "/ws", "/metrics"},
			)

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error { return root.serveFn(ctx, opts) })
			if len(watchPaths) > 0 {
				g.Go(func() error { return root.watch(ctx, watchPaths) })
			}
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "server address (host:port), defaults to server.addr")
	cmd.Flags().StringSliceVar(&watchPaths, "watch", nil, "directories to monitor for new catalogs")

	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <dir>...",
		Short: "Run the pipeline whenever a catalog is written into a directory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.watch(cmd.Context(), args)
		},
	}
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Show version information",
		Annotations: map[string]string{skipWire: "true"},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("fovpipe %s\n", Version)
		},
	}
}
