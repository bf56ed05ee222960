package storage

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestJobLifecycle(t *testing.T) {
	s := openTestStore(t)
	rec := JobRecord{ID: "fov-1", RunID: "run-a", FOVId: 1, JobType: "fov_stats", Status: "queued", InputPath: "/data/1.tiff"}
	if err := s.RecordJobQueued(rec); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := s.RecordJobStart("fov-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.RecordJobResult("fov-1", "completed", map[string]any{"outcome": "computed"}, ""); err != nil {
		t.Fatalf("result: %v", err)
	}

	jobs, err := s.RunJobs("run-a")
	if err != nil {
		t.Fatalf("run jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Status != "completed" || jobs[0].FOVId != 1 || jobs[0].StartedAt == nil {
		t.Fatalf("unexpected jobs %+v", jobs)
	}
	meta, err := s.JobMeta("fov-1")
	if err != nil {
		t.Fatalf("meta: %v", err)
	}
	if meta["outcome"] != "computed" {
		t.Fatalf("unexpected meta %v", meta)
	}

	recent, err := s.RecentJobs(10)
	if err != nil || len(recent) != 1 {
		t.Fatalf("recent jobs: %v %+v", err, recent)
	}
}

func TestRunLifecycle(t *testing.T) {
	s := openTestStore(t)
	if err := s.StartRun(RunRecord{ID: "run-a", Catalog: "fovs.csv", ResultsDir: "results"}); err != nil {
		t.Fatalf("start run: %v", err)
	}
	run, err := s.GetRun("run-a")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != RunRunning || run.CompletedAt != nil {
		t.Fatalf("unexpected run %+v", run)
	}

	counts := RunCounts{FOVs: 5, Stats: 3, Missing: 2, QCPass: 2, QCFail: 1, TargetDepth: 10}
	if err := s.FinishRun("run-a", counts, ""); err != nil {
		t.Fatalf("finish: %v", err)
	}
	run, _ = s.GetRun("run-a")
	if run.Status != RunCompleted || run.MissingCount != 2 || run.TargetDepth != 10 || run.CompletedAt == nil {
		t.Fatalf("unexpected finished run %+v", run)
	}

	if err := s.StartRun(RunRecord{ID: "run-b"}); err != nil {
		t.Fatalf("start run b: %v", err)
	}
	if err := s.FinishRun("run-b", RunCounts{}, "split: invalid split amounts"); err != nil {
		t.Fatalf("finish b: %v", err)
	}
	runs, err := s.RecentRuns(10)
	if err != nil {
		t.Fatalf("recent runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-b" || runs[0].Status != RunFailed {
		t.Fatalf("unexpected runs %+v", runs)
	}

	if _, err := s.GetRun("nope"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected no rows, got %v", err)
	}
}

func TestVerdictsAndSplitsReplace(t *testing.T) {
	s := openTestStore(t)
	if err := s.RecordVerdicts("run-a", []Verdict{{FOVId: 2, Protein: "LMNB1", Passed: true}, {FOVId: 1, Protein: "LMNB1"}}); err != nil {
		t.Fatalf("verdicts: %v", err)
	}
	if err := s.RecordVerdicts("run-a", []Verdict{{FOVId: 3, Protein: "TOMM20", Passed: true}}); err != nil {
		t.Fatalf("verdicts replace: %v", err)
	}
	v, err := s.Verdicts("run-a")
	if err != nil {
		t.Fatalf("read verdicts: %v", err)
	}
	if len(v) != 1 || v[0].FOVId != 3 || !v[0].Passed {
		t.Fatalf("unexpected verdicts %+v", v)
	}

	assign := []SplitAssignment{{FOVId: 4, Group: "TOMM20", Split: "test"}, {FOVId: 1, Group: "LMNB1", Split: "train"}}
	if err := s.RecordSplits("run-a", assign); err != nil {
		t.Fatalf("splits: %v", err)
	}
	got, err := s.Splits("run-a")
	if err != nil {
		t.Fatalf("read splits: %v", err)
	}
	if len(got) != 2 || got[0].Group != "LMNB1" || got[1].Split != "test" {
		t.Fatalf("unexpected splits %+v", got)
	}
}

func TestNilStoreIsNoop(t *testing.T) {
	var s *Store
	if err := s.RecordJobQueued(JobRecord{ID: "x"}); err != nil {
		t.Fatalf("nil queue: %v", err)
	}
	if err := s.FinishRun("x", RunCounts{}, ""); err != nil {
		t.Fatalf("nil finish: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
	if _, err := s.RecentRuns(1); err == nil {
		t.Fatalf("reads on nil store should fail")
	}
}
