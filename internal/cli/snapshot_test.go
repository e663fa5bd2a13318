package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot_TakeListPrune(t *testing.T) {
	db := seedOrder(t)

	out := mustRun(t, db, "snapshot", "take", "--aggregate", "order-42")
	assert.Equal(t, "✓ Snapshot of order-42 at v3\n", out)

	out = mustRun(t, db, "snapshot", "list", "--aggregate", "order-42")
	assert.Contains(t, out, "order-42 v3  seq 3  ")

	out = mustRun(t, db, "--format", "json", "snapshot", "list", "--aggregate", "order-42")
	var infos []SnapshotInfo
	decode(t, out, &infos)
	require.NotEmpty(t, infos)
	assert.Equal(t, int64(3), infos[len(infos)-1].Version)
	assert.Equal(t, len(order42State), infos[len(infos)-1].Bytes)

	out = mustRun(t, db, "--format", "json", "snapshot", "prune", "--aggregate", "order-42", "--keep", "0")
	var pruned PruneResult
	decode(t, out, &pruned)
	assert.Equal(t, int64(len(infos)), pruned.Deleted)
	assert.Zero(t, pruned.Kept)

	out = mustRun(t, db, "snapshot", "list", "--aggregate", "order-42")
	assert.Equal(t, "No snapshots found.\n", out)
}

func TestSnapshot_PruneUsesConfiguredKeep(t *testing.T) {
	db := seedOrder(t)
	mustRun(t, db, "snapshot", "take", "--aggregate", "order-42")

	out := mustRun(t, db, "snapshot", "prune", "--aggregate", "order-42")
	assert.Contains(t, out, "(keeping 1)")

	out = mustRun(t, db, "--format", "json", "snapshot", "list", "--aggregate", "order-42")
	var infos []SnapshotInfo
	decode(t, out, &infos)
	require.Len(t, infos, 1)
	assert.Equal(t, int64(3), infos[0].Version)
}

func TestSnapshot_Errors(t *testing.T) {
	db := seedOrder(t)

	_, err := runDB(t, db, "snapshot", "take", "--aggregate", "order-7")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = runDB(t, db, "snapshot", "prune", "--aggregate", "order-42", "--keep", "-1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
