package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"fovpipe/internal/fov"
	"fovpipe/internal/tasks"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log   *slog.Logger
	stats statsProcessor
}

type statsProcessor interface {
	Process(ctx context.Context, row fov.Row, overwrite bool) (tasks.StatsResult, error)
}

// NewRouter returns the Processor used by the worker pool.
func NewRouter(logger *slog.Logger, stats statsProcessor) Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &router{log: logger, stats: stats}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobFOVStats:
		return r.handleStats(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handleStats(ctx context.Context, job Job) Result {
	overwrite := getBoolOption(job.Options, "overwrite")
	res, err := r.stats.Process(ctx, job.Row, overwrite)
	meta := map[string]any{
		"fov_id":      job.Row.FOVId,
		"protein":     job.Row.ProteinDisplayName,
		"key":         res.Key,
		"outcome":     string(res.Outcome),
		"duration_ms": res.Duration.Milliseconds(),
	}
	if res.Depth > 0 {
		meta["depth"] = res.Depth
	}
	if err != nil {
		return Result{Job: job, Error: fmt.Errorf("fov %d: %w", job.Row.FOVId, err), Meta: meta}
	}
	if res.Outcome == tasks.OutcomeSkipped {
		r.log.Debug("stats already present", "fov_id", job.Row.FOVId, "key", res.Key)
	}
	return Result{Job: job, Meta: meta}
}

func getBoolOption(options map[string]any, key string) bool {
	if options == nil {
		return false
	}
	switch v := options[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1"
	default:
		return false
	}
}
