package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fovpipe/internal/artifact"
	"fovpipe/internal/fov"
	"fovpipe/internal/stats"
	"fovpipe/internal/volume"
)

// Outcome describes what happened to one FOV during aggregation.
type Outcome string

const (
	OutcomeComputed Outcome = "computed"
	OutcomeSkipped  Outcome = "skipped"
)

// StatsResult summarises one aggregation.
type StatsResult struct {
	FOVId    int64         `json:"fov_id"`
	Key      string        `json:"key"`
	Outcome  Outcome       `json:"outcome"`
	Depth    int           `json:"depth,omitempty"`
	Duration time.Duration `json:"duration"`
}

// StatsTask computes and persists the statistics artifact for one FOV.
type StatsTask struct {
	Store       artifact.Store
	Reader      volume.Reader
	Order       []volume.Label
	Percentiles []float64
	Log         *slog.Logger
	Now         func() time.Time
}

// Process is idempotent: an existing artifact is left untouched unless
// overwrite is set, in which case it is recomputed and replaced. A failed
// recompute keeps the previous artifact.
func (t *StatsTask) Process(ctx context.Context, row fov.Row, overwrite bool) (StatsResult, error) {
	start := time.Now()
	key := artifact.StatsKey(row.PlateID, row.FOVId)
	res := StatsResult{FOVId: row.FOVId, Key: key}

	exists, err := artifact.Exists(ctx, t.Store, key)
	if err != nil {
		return res, fmt.Errorf("check %s: %w", key, err)
	}
	if exists && !overwrite {
		res.Outcome = OutcomeSkipped
		res.Duration = time.Since(start)
		t.logger().Debug("stats artifact present, skipping", "fov", row.Label(), "key", key)
		return res, nil
	}

	if err := ctx.Err(); err != nil {
		return res, err
	}
	raw, err := t.Reader.Read(ctx, row.SourceReadPath)
	if err != nil {
		return res, fmt.Errorf("read %s: %w", row.SourceReadPath, err)
	}
	vol, err := volume.Extract(raw, volume.MapFor(row.Channels), t.Order)
	if err != nil {
		return res, fmt.Errorf("%s: %w", row.Label(), err)
	}
	features, err := stats.Compute(vol, stats.Options{Percentiles: t.Percentiles})
	if err != nil {
		return res, fmt.Errorf("%s: %w", row.Label(), err)
	}

	// The previous artifact is only replaced once the new one is ready, and
	// is restored if the replacement cannot be stored.
	var previous *artifact.StatsRecord
	if exists {
		old, err := artifact.GetStats(ctx, t.Store, key)
		if err == nil {
			previous = &old
		}
		if _, err := t.Store.Delete(ctx, key); err != nil {
			return res, fmt.Errorf("remove %s: %w", key, err)
		}
	}
	rec := artifact.StatsRecord{FOVId: row.FOVId, ComputedAt: t.now(), Features: features}
	if _, err := artifact.PutStats(ctx, t.Store, key, rec); err != nil {
		if previous != nil && !errors.Is(err, artifact.ErrExists) {
			if _, rerr := artifact.PutStats(ctx, t.Store, key, *previous); rerr != nil {
				t.logger().Error("restore previous stats artifact", "key", key, "error", rerr)
			}
		}
		if errors.Is(err, artifact.ErrExists) {
			// Another worker raced us to the same FOV.
			res.Outcome = OutcomeSkipped
			res.Duration = time.Since(start)
			return res, nil
		}
		return res, fmt.Errorf("store %s: %w", key, err)
	}

	res.Outcome = OutcomeComputed
	res.Depth = features.Depth()
	res.Duration = time.Since(start)
	return res, nil
}

func (t *StatsTask) logger() *slog.Logger {
	if t.Log != nil {
		return t.Log
	}
	return slog.Default()
}

func (t *StatsTask) now() time.Time {
	if t.Now != nil {
		return t.Now().UTC()
	}
	return time.Now().UTC()
}
