package storage

import (
	"database/sql"
	"errors"
	"time"
)

// Run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// RunRecord is one pipeline invocation.
type RunRecord struct {
	ID           string     `json:"id"`
	Catalog      string     `json:"catalog"`
	ResultsDir   string     `json:"results_dir"`
	Status       string     `json:"status"`
	ConfigJSON   string     `json:"config_json,omitempty"`
	FOVCount     int        `json:"fov_count"`
	StatsCount   int        `json:"stats_count"`
	MissingCount int        `json:"missing_count"`
	QCPass       int        `json:"qc_pass"`
	QCFail       int        `json:"qc_fail"`
	TargetDepth  int        `json:"target_depth"`
	Error        string     `json:"error,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// RunCounts are the totals recorded when a run finishes.
type RunCounts struct {
	FOVs        int
	Stats       int
	Missing     int
	QCPass      int
	QCFail      int
	TargetDepth int
}

// Verdict is the QC outcome for one FOV.
type Verdict struct {
	FOVId   int64  `json:"fov_id"`
	Protein string `json:"protein"`
	Passed  bool   `json:"passed"`
}

// SplitAssignment records the split one FOV landed in.
type SplitAssignment struct {
	FOVId int64  `json:"fov_id"`
	Group string `json:"group"`
	Split string `json:"split"`
}

// StartRun inserts a running run.
func (s *Store) StartRun(rec RunRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO runs (id, catalog, results_dir, status, config_json) VALUES (?, ?, ?, ?, ?);`,
		rec.ID, rec.Catalog, rec.ResultsDir, RunRunning, rec.ConfigJSON)
	return err
}

// FinishRun records final counts. A non-empty errMsg marks the run failed.
func (s *Store) FinishRun(id string, counts RunCounts, errMsg string) error {
	if s == nil {
		return nil
	}
	status := RunCompleted
	if errMsg != "" {
		status = RunFailed
	}
	_, err := s.DB.Exec(`UPDATE runs SET status=?, fov_count=?, stats_count=?, missing_count=?, qc_pass=?, qc_fail=?, target_depth=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`,
		status, counts.FOVs, counts.Stats, counts.Missing, counts.QCPass, counts.QCFail, counts.TargetDepth, errMsg, id)
	return err
}

const runColumns = `id, catalog, results_dir, status, config_json, fov_count, stats_count, missing_count, qc_pass, qc_fail, target_depth, started_at, completed_at, error_message`

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetRun fetches one run. Missing runs return sql.ErrNoRows.
func (s *Store) GetRun(id string) (RunRecord, error) {
	if s == nil {
		return RunRecord{}, errors.New("store not initialized")
	}
	return scanRun(s.DB.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id=?;`, id))
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunRecord, error) {
	var rec RunRecord
	var catalog, results, cfg, errorMsg sql.NullString
	var completed sql.NullTime
	if err := row.Scan(&rec.ID, &catalog, &results, &rec.Status, &cfg, &rec.FOVCount, &rec.StatsCount, &rec.MissingCount,
		&rec.QCPass, &rec.QCFail, &rec.TargetDepth, &rec.StartedAt, &completed, &errorMsg); err != nil {
		return RunRecord{}, err
	}
	rec.Catalog = catalog.String
	rec.ResultsDir = results.String
	rec.ConfigJSON = cfg.String
	rec.Error = errorMsg.String
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	return rec, nil
}

// RecordVerdicts replaces the QC verdicts of a run.
func (s *Store) RecordVerdicts(runID string, verdicts []Verdict) error {
	if s == nil {
		return nil
	}
	return s.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM qc_verdicts WHERE run_id=?;`, runID); err != nil {
			return err
		}
		stmt, err := tx.Prepare(`INSERT INTO qc_verdicts (run_id, fov_id, protein, passed) VALUES (?, ?, ?, ?);`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, v := range verdicts {
			if _, err := stmt.Exec(runID, v.FOVId, v.Protein, v.Passed); err != nil {
				return err
			}
		}
		return nil
	})
}

// Verdicts returns the QC verdicts of a run ordered by FOVId.
func (s *Store) Verdicts(runID string) ([]Verdict, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT fov_id, protein, passed FROM qc_verdicts WHERE run_id=? ORDER BY fov_id;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Verdict
	for rows.Next() {
		var v Verdict
		var protein sql.NullString
		if err := rows.Scan(&v.FOVId, &protein, &v.Passed); err != nil {
			return nil, err
		}
		v.Protein = protein.String
		out = append(out, v)
	}
	return out, rows.Err()
}

// RecordSplits replaces the split assignments of a run.
func (s *Store) RecordSplits(runID string, assignments []SplitAssignment) error {
	if s == nil {
		return nil
	}
	return s.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM split_assignments WHERE run_id=?;`, runID); err != nil {
			return err
		}
		stmt, err := tx.Prepare(`INSERT INTO split_assignments (run_id, fov_id, group_name, split_name) VALUES (?, ?, ?, ?);`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, a := range assignments {
			if _, err := stmt.Exec(runID, a.FOVId, a.Group, a.Split); err != nil {
				return err
			}
		}
		return nil
	})
}

// Splits returns the split assignments of a run ordered by group and FOVId.
func (s *Store) Splits(runID string) ([]SplitAssignment, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT fov_id, group_name, split_name FROM split_assignments WHERE run_id=? ORDER BY group_name, fov_id;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SplitAssignment
	for rows.Next() {
		var a SplitAssignment
		if err := rows.Scan(&a.FOVId, &a.Group, &a.Split); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) inTx(fn func(*sql.Tx) error) error {
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
