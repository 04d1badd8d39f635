package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMigrations(t *testing.T) {
	all, err := loadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, all)

	assert.Equal(t, "001_job_runs", all[0].version)
	assert.Contains(t, all[0].sql, "CREATE TABLE IF NOT EXISTS job_runs")
	assert.Contains(t, all[0].sql, "CREATE TABLE IF NOT EXISTS job_run_events")
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].version, all[i].version)
	}
}

func TestPendingSkipsAppliedVersions(t *testing.T) {
	all := []migration{{version: "001_a"}, {version: "002_b"}, {version: "003_c"}}

	got := pending(all, map[string]bool{"001_a": true, "003_c": true})
	require.Len(t, got, 1)
	assert.Equal(t, "002_b", got[0].version)

	assert.Len(t, pending(all, nil), 3)
	assert.Empty(t, pending(all, map[string]bool{"001_a": true, "002_b": true, "003_c": true}))
}
