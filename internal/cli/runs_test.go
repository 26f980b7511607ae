package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunsEmptyDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "results.db")

	buf := &bytes.Buffer{}
	cmd := NewRunsCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", dbPath})

	err := cmd.Execute()
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "no runs recorded")
}

func TestRunsListsRecordedRun(t *testing.T) {
	dir := t.TempDir()
	specPath := filepath.Join(dir, "denoise.cue")
	require.NoError(t, os.WriteFile(specPath, []byte(denoiseCUE), 0o644))
	dbPath := filepath.Join(dir, "results.db")

	runCmd := NewRunCommand(&RootOptions{Format: "text"})
	runCmd.SetOut(&bytes.Buffer{})
	runCmd.SetErr(&bytes.Buffer{})
	runCmd.SetArgs([]string{specPath, "--db", dbPath})
	require.NoError(t, runCmd.Execute())

	buf := &bytes.Buffer{}
	cmd := NewRunsCommand(&RootOptions{Format: "json"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", dbPath})

	err := cmd.Execute()
	require.NoError(t, err)

	var resp struct {
		Status string         `json:"status"`
		Data   []RunListEntry `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "denoise", resp.Data[0].Name)
	assert.Equal(t, uint64(1), resp.Data[0].Seed)
	assert.NotEmpty(t, resp.Data[0].RunID)
	assert.NotEmpty(t, resp.Data[0].CreatedAt)
}

func TestRunsNameFilter(t *testing.T) {
	dir := t.TempDir()
	specPath := filepath.Join(dir, "denoise.cue")
	require.NoError(t, os.WriteFile(specPath, []byte(denoiseCUE), 0o644))
	dbPath := filepath.Join(dir, "results.db")

	runCmd := NewRunCommand(&RootOptions{Format: "text"})
	runCmd.SetOut(&bytes.Buffer{})
	runCmd.SetErr(&bytes.Buffer{})
	runCmd.SetArgs([]string{specPath, "--db", dbPath})
	require.NoError(t, runCmd.Execute())

	buf := &bytes.Buffer{}
	cmd := NewRunsCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", dbPath, "--name", "other"})

	err := cmd.Execute()
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "no runs recorded")
}
