package results

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/gamp-dev/gamp/internal/scenario"
)

// marshalSpec converts a spec to JSON TEXT for storage.
// Uses json.Encoder with HTML escaping disabled so the stored text matches
// what the compiler produced.
func marshalSpec(spec scenario.Spec) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(spec); err != nil {
		return "", fmt.Errorf("marshal spec: %w", err)
	}
	// Encoder adds a trailing newline, remove it
	return strings.TrimSpace(buf.String()), nil
}

// WriteResult inserts one completed run with its algorithm summaries and
// per-variable metrics in a single transaction.
//
// Uses ON CONFLICT(run_id) DO NOTHING for idempotency - writing the same
// run twice is silently ignored, and the algorithm and metric rows are only
// written alongside a new run row.
func (s *Store) WriteResult(ctx context.Context, spec scenario.Spec, res *scenario.Result) error {
	specJSON, err := marshalSpec(spec)
	if err != nil {
		return fmt.Errorf("write result: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write result: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	result, err := tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, name, seed, spec)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id) DO NOTHING
	`, res.RunID, res.Name, int64(res.Seed), specJSON)
	if err != nil {
		return fmt.Errorf("write result: insert run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("write result: rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// Run already recorded, nothing more to do.
		return tx.Commit()
	}

	if spec.HasAlgo(scenario.AlgoEP) {
		if err := writeAlgo(ctx, tx, res.RunID, scenario.AlgoEP, res.EP, res.MSE, res.Overlap); err != nil {
			return fmt.Errorf("write result: %w", err)
		}
	}
	if spec.HasAlgo(scenario.AlgoSE) {
		if err := writeAlgo(ctx, tx, res.RunID, scenario.AlgoSE, res.SE, nil, nil); err != nil {
			return fmt.Errorf("write result: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write result: commit: %w", err)
	}

	return nil
}

// writeAlgo inserts one algorithm summary and its metric rows. mse and
// overlap may be nil; missing entries are stored as NULL.
func writeAlgo(ctx context.Context, tx *sql.Tx, runID, algo string, ar scenario.AlgoResult, mse, overlap map[string]float64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO algo_runs (run_id, algo, state, n_iter, objective)
		VALUES (?, ?, ?, ?, ?)
	`, runID, algo, string(ar.State), ar.NIter, ar.Objective)
	if err != nil {
		return fmt.Errorf("insert algo %s: %w", algo, err)
	}

	for _, id := range sortedKeys(ar.V) {
		var mseVal, overlapVal any
		if v, ok := mse[id]; ok {
			mseVal = v
		}
		if v, ok := overlap[id]; ok {
			overlapVal = v
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO variable_metrics (run_id, algo, variable_id, v, mse, overlap)
			VALUES (?, ?, ?, ?, ?, ?)
		`, runID, algo, id, ar.V[id], mseVal, overlapVal)
		if err != nil {
			return fmt.Errorf("insert metric %s/%s: %w", algo, id, err)
		}
	}

	return nil
}

// sortedKeys returns the map keys in lexical order for deterministic
// insertion.
func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
