package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"fovpipe/internal/fov"
	"fovpipe/internal/tasks"
)

type stubStats struct {
	lastRow       fov.Row
	lastOverwrite bool
	callCount     int
	outcome       tasks.Outcome
	err           error
}

func (s *stubStats) Process(ctx context.Context, row fov.Row, overwrite bool) (tasks.StatsResult, error) {
	s.callCount++
	s.lastRow = row
	s.lastOverwrite = overwrite
	outcome := s.outcome
	if outcome == "" {
		outcome = tasks.OutcomeComputed
	}
	return tasks.StatsResult{FOVId: row.FOVId, Key: "qc/stats_1.json", Outcome: outcome, Depth: 5}, s.err
}

func TestRouterStatsPassesOverwrite(t *testing.T) {
	stub := &stubStats{}
	r := &router{log: slog.Default(), stats: stub}

	job := Job{
		ID:      "run-1-fov-1",
		Type:    JobFOVStats,
		Row:     fov.Row{FOVId: 1, ProteinDisplayName: "LMNB1"},
		Options: map[string]any{"overwrite": true},
	}
	res := r.Process(context.Background(), job)
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if !stub.lastOverwrite || stub.lastRow.FOVId != 1 {
		t.Fatalf("expected overwrite for FOV 1, got %+v overwrite=%v", stub.lastRow, stub.lastOverwrite)
	}
	if res.Meta["outcome"] != "computed" || res.Meta["depth"] != 5 {
		t.Fatalf("unexpected meta %v", res.Meta)
	}
	if stub.callCount != 1 {
		t.Fatalf("expected one Process call, got %d", stub.callCount)
	}
}

func TestRouterStatsReportsSkip(t *testing.T) {
	stub := &stubStats{outcome: tasks.OutcomeSkipped}
	r := &router{log: slog.Default(), stats: stub}
	res := r.Process(context.Background(), Job{Type: JobFOVStats, Row: fov.Row{FOVId: 2}})
	if res.Error != nil || jobStatus(res) != "skipped" {
		t.Fatalf("expected skipped status, got %v / %s", res.Error, jobStatus(res))
	}
	if stub.lastOverwrite {
		t.Fatalf("overwrite should default to false")
	}
}

func TestRouterStatsWrapsErrors(t *testing.T) {
	boom := errors.New("unreadable stack")
	r := &router{log: slog.Default(), stats: &stubStats{err: boom}}
	res := r.Process(context.Background(), Job{Type: JobFOVStats, Row: fov.Row{FOVId: 3}})
	if !errors.Is(res.Error, boom) {
		t.Fatalf("expected wrapped error, got %v", res.Error)
	}
	if jobStatus(res) != "failed" {
		t.Fatalf("expected failed status")
	}
}

func TestRouterRejectsUnknownJob(t *testing.T) {
	r := &router{log: slog.Default(), stats: &stubStats{}}
	if res := r.Process(context.Background(), Job{Type: "timelapse"}); res.Error == nil {
		t.Fatalf("expected unknown job type error")
	}
}

func TestGetBoolOption(t *testing.T) {
	opts := map[string]any{"a": true, "b": "true", "c": 1}
	if !getBoolOption(opts, "a") || !getBoolOption(opts, "b") || getBoolOption(opts, "c") || getBoolOption(nil, "a") {
		t.Fatalf("unexpected option parsing")
	}
}
