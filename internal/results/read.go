package results

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gamp-dev/gamp/internal/scenario"
)

// RunSummary is one row of the runs table without its detail records.
type RunSummary struct {
	RunID     string
	Name      string
	Seed      uint64
	CreatedAt time.Time
}

// AlgoRun summarizes one algorithm's execution within a run.
type AlgoRun struct {
	Algo      string
	State     string
	NIter     int
	Objective float64
}

// VariableMetric is one scored variable. MSE and Overlap are nil when the
// algorithm produced no point estimate to score.
type VariableMetric struct {
	Algo       string
	VariableID string
	V          float64
	MSE        *float64
	Overlap    *float64
}

// RunRecord is a fully loaded run.
type RunRecord struct {
	RunSummary
	Spec    scenario.Spec
	Algos   []AlgoRun
	Metrics []VariableMetric
}

// ReadRun retrieves a single run with its algorithm summaries and metrics.
// Returns sql.ErrNoRows if not found.
func (s *Store) ReadRun(ctx context.Context, runID string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, name, seed, spec, created_at
		FROM runs
		WHERE run_id = ?
	`, runID)

	var rec RunRecord
	var seed int64
	var specJSON, createdAt string
	if err := row.Scan(&rec.RunID, &rec.Name, &seed, &specJSON, &createdAt); err != nil {
		return nil, fmt.Errorf("read run %s: %w", runID, err)
	}
	rec.Seed = uint64(seed)

	var err error
	rec.CreatedAt, err = parseTimestamp(createdAt)
	if err != nil {
		return nil, fmt.Errorf("read run %s: %w", runID, err)
	}
	if err := json.Unmarshal([]byte(specJSON), &rec.Spec); err != nil {
		return nil, fmt.Errorf("read run %s: unmarshal spec: %w", runID, err)
	}

	if rec.Algos, err = s.readAlgoRuns(ctx, runID); err != nil {
		return nil, err
	}
	if rec.Metrics, err = s.readMetrics(ctx, runID); err != nil {
		return nil, err
	}

	return &rec, nil
}

// ListRuns returns run summaries, newest first. An empty name matches all
// runs; ties on timestamp are broken by run id for deterministic output.
func (s *Store) ListRuns(ctx context.Context, name string) ([]RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, name, seed, created_at
		FROM runs
		WHERE ? = '' OR name = ?
		ORDER BY created_at DESC, run_id COLLATE BINARY ASC
	`, name, name)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var summaries []RunSummary
	for rows.Next() {
		var sum RunSummary
		var seed int64
		var createdAt string
		if err := rows.Scan(&sum.RunID, &sum.Name, &seed, &createdAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		sum.Seed = uint64(seed)
		if sum.CreatedAt, err = parseTimestamp(createdAt); err != nil {
			return nil, fmt.Errorf("scan run %s: %w", sum.RunID, err)
		}
		summaries = append(summaries, sum)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}

	// Return empty slice instead of nil
	if summaries == nil {
		summaries = []RunSummary{}
	}

	return summaries, nil
}

// readAlgoRuns returns the algorithm summaries for a run in a fixed order.
func (s *Store) readAlgoRuns(ctx context.Context, runID string) ([]AlgoRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT algo, state, n_iter, objective
		FROM algo_runs
		WHERE run_id = ?
		ORDER BY algo ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query algo runs: %w", err)
	}
	defer rows.Close()

	var algos []AlgoRun
	for rows.Next() {
		var ar AlgoRun
		if err := rows.Scan(&ar.Algo, &ar.State, &ar.NIter, &ar.Objective); err != nil {
			return nil, fmt.Errorf("scan algo run: %w", err)
		}
		algos = append(algos, ar)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate algo runs: %w", err)
	}

	if algos == nil {
		algos = []AlgoRun{}
	}

	return algos, nil
}

// readMetrics returns the per-variable metrics for a run in a fixed order.
func (s *Store) readMetrics(ctx context.Context, runID string) ([]VariableMetric, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT algo, variable_id, v, mse, overlap
		FROM variable_metrics
		WHERE run_id = ?
		ORDER BY algo ASC, variable_id COLLATE BINARY ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var metrics []VariableMetric
	for rows.Next() {
		var m VariableMetric
		if err := rows.Scan(&m.Algo, &m.VariableID, &m.V, &m.MSE, &m.Overlap); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		metrics = append(metrics, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate metrics: %w", err)
	}

	if metrics == nil {
		metrics = []VariableMetric{}
	}

	return metrics, nil
}

// parseTimestamp parses the TEXT timestamps SQLite stores for created_at.
func parseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
