package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"fovpipe/internal/artifact"
	"fovpipe/internal/config"
	"fovpipe/internal/fov"
	"fovpipe/internal/fsutil"
	"fovpipe/internal/logging"
	"fovpipe/internal/qc"
	"fovpipe/internal/report"
	"fovpipe/internal/split"
	"fovpipe/internal/storage"
	"fovpipe/internal/table"
	"fovpipe/internal/tasks"
)

// Result tables under <results>/qc.
const (
	StatsFile   = "fov_stats.csv"
	QCFile      = "fov_stats_qc.csv"
	QCAuditFile = "fov_stats_qc_audit.csv"
)

// NewRunID returns a sortable unique run identifier.
func NewRunID() string {
	return fmt.Sprintf("run-%s-%s", time.Now().UTC().Format("20060102T150405"), uuid.NewString()[:8])
}

// SplitConfig converts the configured split scheme.
func SplitConfig(c config.Splits) split.Config {
	d := split.DefaultConfig()
	if len(c.Names) > 0 || len(c.Amounts) > 0 {
		d.Names = append([]string(nil), c.Names...)
		d.Amounts = append([]float64(nil), c.Amounts...)
	}
	if c.GroupColumn != "" {
		d.GroupColumn = c.GroupColumn
	}
	if c.SplitColumn != "" {
		d.SplitColumn = c.SplitColumn
	}
	if c.IDColumn != "" {
		d.IDColumn = c.IDColumn
	}
	return d
}

// Runner drives the two phases of a run: per-FOV aggregation fanned out on
// an Executor, then consolidation, QC, splitting and the summary on the
// calling goroutine.
type Runner struct {
	cfg       *config.Config
	exec      Executor
	artifacts artifact.Store
	ledger    *storage.Store
	log       *slog.Logger
	metrics   *Metrics
}

// NewRunner wires a runner. ledger and metrics may be nil.
func NewRunner(cfg *config.Config, exec Executor, artifacts artifact.Store, ledger *storage.Store, log *slog.Logger, metrics *Metrics) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{cfg: cfg, exec: exec, artifacts: artifacts, ledger: ledger, log: log, metrics: metrics}
}

// QCDir is the directory holding tables, splits and the summary.
func (r *Runner) QCDir() string {
	return filepath.Join(r.cfg.Paths.ResultsDir, artifact.QCDir)
}

// LoadCatalog reads the catalog and applies de-duplication and trimming.
func (r *Runner) LoadCatalog(path string) ([]fov.Row, error) {
	rows, err := fov.LoadCatalog(path)
	if err != nil {
		return nil, err
	}
	if r.cfg.Catalog.Unique {
		rows = fov.Unique(rows)
	}
	return fov.Trim(rows, fov.TrimOptions{
		Proteins:     r.cfg.Catalog.Proteins,
		MaxPerCohort: r.cfg.Catalog.NFOVs,
	}, r.log), nil
}

// JobFailure identifies a FOV whose statistics could not be computed.
type JobFailure struct {
	FOVId int64  `json:"fov_id"`
	Error string `json:"error"`
}

// AggregateReport tallies the fan-out phase.
type AggregateReport struct {
	Submitted int          `json:"submitted"`
	Computed  int          `json:"computed"`
	Skipped   int          `json:"skipped"`
	Failed    int          `json:"failed"`
	Failures  []JobFailure `json:"failures,omitempty"`
}

// Aggregate computes the statistics artifact of every row. Per-FOV failures
// are tallied, not returned; they surface later as missing artifacts.
func (r *Runner) Aggregate(ctx context.Context, runID string, rows []fov.Row) (AggregateReport, error) {
	jobs := make([]Job, len(rows))
	for i, row := range rows {
		jobs[i] = Job{
			ID:        fmt.Sprintf("%s-fov-%d", runID, row.FOVId),
			RunID:     runID,
			Type:      JobFOVStats,
			InputPath: row.SourceReadPath,
			Output:    artifact.StatsKey(row.PlateID, row.FOVId),
			Row:       row,
			Options:   map[string]any{"overwrite": r.cfg.Processing.Overwrite},
		}
	}

	results := r.exec.Execute(ctx, jobs)
	rep := AggregateReport{Submitted: len(results)}
	for _, res := range results {
		switch jobStatus(res) {
		case "failed":
			rep.Failed++
			rep.Failures = append(rep.Failures, JobFailure{FOVId: res.Job.Row.FOVId, Error: res.Error.Error()})
		case "skipped":
			rep.Skipped++
		default:
			rep.Computed++
		}
	}
	if err := ctx.Err(); err != nil {
		return rep, err
	}
	return rep, nil
}

// Consolidate builds the statistics table and writes fov_stats.csv. With
// use_current_results an existing table is reused as is.
func (r *Runner) Consolidate(ctx context.Context, rows []fov.Row) (table.Table, []tasks.Missing, error) {
	path := filepath.Join(r.QCDir(), StatsFile)
	if r.cfg.Processing.UseCurrentResults && fsutil.Exists(path) {
		r.log.Info("reusing statistics table", "path", path)
		t, err := table.ReadFile(path)
		return t, nil, err
	}

	t, missing, err := tasks.Consolidate(ctx, r.artifacts, rows, r.log)
	if err != nil {
		return table.Table{}, nil, err
	}
	r.metrics.observeMissing(len(missing))
	if err := t.WriteFile(path); err != nil {
		return table.Table{}, nil, fmt.Errorf("write %s: %w", path, err)
	}
	return t, missing, nil
}

// QC filters the table and writes fov_stats_qc.csv plus the audit table.
// With use_current_results an existing QC table is reused and the audit is
// left empty.
func (r *Runner) QC(runID string, t table.Table) (qc.Result, error) {
	path := filepath.Join(r.QCDir(), QCFile)
	if r.cfg.Processing.UseCurrentResults && fsutil.Exists(path) {
		r.log.Info("reusing QC table", "path", path)
		kept, err := table.ReadFile(path)
		if err != nil {
			return qc.Result{}, err
		}
		res := qc.Result{Kept: kept}
		if kept.Len() > 0 {
			res.TargetDepth = kept.Records[0].Features.Depth()
		}
		return res, nil
	}

	res, err := qc.Apply(t)
	if err != nil {
		return qc.Result{}, err
	}
	if err := res.Kept.WriteFile(path); err != nil {
		return qc.Result{}, fmt.Errorf("write %s: %w", path, err)
	}
	auditPath := filepath.Join(r.QCDir(), QCAuditFile)
	if err := res.Audit.WriteFile(auditPath); err != nil {
		return qc.Result{}, fmt.Errorf("write %s: %w", auditPath, err)
	}

	verdicts := make([]storage.Verdict, 0, res.Audit.Len())
	pass := 0
	for _, rec := range res.Audit.Records {
		verdicts = append(verdicts, storage.Verdict{FOVId: rec.FOVId, Protein: rec.ProteinDisplayName, Passed: rec.Passed()})
		if rec.Passed() {
			pass++
		}
	}
	if err := r.ledger.RecordVerdicts(runID, verdicts); err != nil {
		r.log.Warn("failed to record QC verdicts", "run_id", runID, "error", err)
	}
	r.metrics.observeQC(pass, len(verdicts)-pass)
	return res, nil
}

// Split partitions t and writes one CSV per (group, split).
func (r *Runner) Split(runID string, t table.Table) (split.Result, error) {
	s, err := split.New(SplitConfig(r.cfg.Splits))
	if err != nil {
		return split.Result{}, err
	}
	res, err := s.Split(t)
	if err != nil {
		return split.Result{}, err
	}
	if err := split.WriteCSV(filepath.Join(r.QCDir(), split.DirName), &res); err != nil {
		return split.Result{}, err
	}

	var assignments []storage.SplitAssignment
	for _, a := range res.Assignments() {
		assignments = append(assignments, storage.SplitAssignment{FOVId: a.FOVId, Group: a.Group, Split: a.Split})
	}
	if err := r.ledger.RecordSplits(runID, assignments); err != nil {
		r.log.Warn("failed to record split assignments", "run_id", runID, "error", err)
	}
	return res, nil
}

// Summarize writes summary.csv and summary.xlsx.
func (r *Runner) Summarize(in report.Inputs) (csvPath, xlsxPath string, err error) {
	s, err := report.Build(in)
	if err != nil {
		return "", "", err
	}
	return report.Write(r.QCDir(), s)
}

// RunReport is the outcome of a full run.
type RunReport struct {
	RunID       string          `json:"run_id"`
	Catalog     string          `json:"catalog"`
	FOVs        int             `json:"fovs"`
	Aggregate   AggregateReport `json:"aggregate"`
	Missing     []tasks.Missing `json:"missing,omitempty"`
	Stats       int             `json:"stats"`
	QCPass      int             `json:"qc_pass"`
	QCFail      int             `json:"qc_fail"`
	TargetDepth int             `json:"target_depth"`
	Splits      *split.Result   `json:"-"`
	SummaryCSV  string          `json:"summary_csv,omitempty"`
	SummaryXLSX string          `json:"summary_xlsx,omitempty"`
	Duration    time.Duration   `json:"duration"`
}

func (rep RunReport) counts() storage.RunCounts {
	return storage.RunCounts{
		FOVs:        rep.FOVs,
		Stats:       rep.Stats,
		Missing:     len(rep.Missing),
		QCPass:      rep.QCPass,
		QCFail:      rep.QCFail,
		TargetDepth: rep.TargetDepth,
	}
}

// Run executes every stage for the catalog at path.
func (r *Runner) Run(ctx context.Context, runID, catalog string) (rep RunReport, err error) {
	start := time.Now()
	rep = RunReport{RunID: runID, Catalog: catalog}

	cfgJSON, _ := json.Marshal(r.cfg)
	if lerr := r.ledger.StartRun(storage.RunRecord{ID: runID, Catalog: catalog, ResultsDir: r.cfg.Paths.ResultsDir, ConfigJSON: string(cfgJSON)}); lerr != nil {
		r.log.Warn("failed to record run start", "run_id", runID, "error", lerr)
	}
	defer func() {
		rep.Duration = time.Since(start)
		status := storage.RunCompleted
		if err != nil {
			status = storage.RunFailed
		}
		if lerr := r.ledger.FinishRun(runID, rep.counts(), errString(err)); lerr != nil {
			r.log.Warn("failed to record run result", "run_id", runID, "error", lerr)
		}
		r.metrics.observeRun(status)
	}()

	step := func(name string, fn func() (map[string]any, error)) error {
		logging.LogProcessingStep(r.log, runID, name, "started", nil)
		details, err := fn()
		if err != nil {
			logging.LogProcessingStep(r.log, runID, name, "failed", map[string]any{"error": err.Error()})
			return fmt.Errorf("%s: %w", name, err)
		}
		logging.LogProcessingStep(r.log, runID, name, "completed", details)
		return nil
	}

	var rows []fov.Row
	if err = step("catalog", func() (map[string]any, error) {
		var err error
		rows, err = r.LoadCatalog(catalog)
		return map[string]any{"fovs": len(rows)}, err
	}); err != nil {
		return rep, err
	}
	rep.FOVs = len(rows)

	if err = step("aggregate", func() (map[string]any, error) {
		var err error
		rep.Aggregate, err = r.Aggregate(ctx, runID, rows)
		return map[string]any{
			"computed": rep.Aggregate.Computed,
			"skipped":  rep.Aggregate.Skipped,
			"failed":   rep.Aggregate.Failed,
		}, err
	}); err != nil {
		return rep, err
	}

	var stats table.Table
	if err = step("consolidate", func() (map[string]any, error) {
		var err error
		stats, rep.Missing, err = r.Consolidate(ctx, rows)
		return map[string]any{"rows": stats.Len(), "missing": len(rep.Missing)}, err
	}); err != nil {
		return rep, err
	}
	rep.Stats = stats.Len()

	var checked qc.Result
	if err = step("qc", func() (map[string]any, error) {
		var err error
		checked, err = r.QC(runID, stats)
		return map[string]any{"kept": checked.Kept.Len(), "target_depth": checked.TargetDepth}, err
	}); err != nil {
		return rep, err
	}
	rep.QCPass = checked.Kept.Len()
	rep.QCFail = checked.Audit.Len() - checked.Audit.Filter(table.Record.Passed).Len()
	rep.TargetDepth = checked.TargetDepth

	if err = step("split", func() (map[string]any, error) {
		res, err := r.Split(runID, checked.Kept)
		rep.Splits = &res
		return map[string]any{"groups": len(res.Groups)}, err
	}); err != nil {
		return rep, err
	}

	if err = step("summary", func() (map[string]any, error) {
		var err error
		rep.SummaryCSV, rep.SummaryXLSX, err = r.Summarize(report.Inputs{Rows: rows, Stats: stats, Audit: checked.Audit, Splits: rep.Splits})
		return map[string]any{"path": rep.SummaryCSV}, err
	}); err != nil {
		return rep, err
	}
	return rep, nil
}
