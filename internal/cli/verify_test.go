package cli

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerify_Deterministic(t *testing.T) {
	db := seedOrder(t)
	// Seed a snapshot so the warm run starts from it.
	mustRun(t, db, "snapshot", "take", "--aggregate", "order-42")

	out := mustRun(t, db, "verify", "--aggregate", "order-42")
	assert.Contains(t, out, "✓ Replay is deterministic")

	out = mustRun(t, db, "--format", "json", "verify")
	var res VerifyResult
	decode(t, out, &res)
	assert.True(t, res.Deterministic)
	require.Len(t, res.Runs, 2)
	assert.True(t, res.Runs[0].Snapshots)
	assert.False(t, res.Runs[1].Snapshots)
	assert.Equal(t, res.Runs[0].StateHash, res.Runs[1].StateHash)
	assert.Equal(t, 3, res.Runs[1].Events)
}

func TestVerify_Errors(t *testing.T) {
	_, err := runDB(t, filepath.Join(t.TempDir(), "missing.db"), "verify")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	db := seedOrder(t)
	mustRun(t, db, "append", "--type", "ORDER.GIFT_WRAPPED", "--aggregate", "order-42")
	_, err = runDB(t, db, "verify", "--aggregate", "order-42")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}
