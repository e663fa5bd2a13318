package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Golden files are regenerated with:
//
//	go test ./internal/harness -run TestGolden -update
func TestGolden_Order42(t *testing.T) {
	result, err := RunWithGolden(t, loadScenario(t, "order_42"))
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestGolden_WhatIfQuantity(t *testing.T) {
	result, err := RunWithGolden(t, loadScenario(t, "whatif_quantity"))
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestGolden_RunsAreIdentical(t *testing.T) {
	s := loadScenario(t, "order_42")
	first, err := Run(s)
	require.NoError(t, err)
	second, err := Run(s)
	require.NoError(t, err)

	assert.Equal(t, first.Trace, second.Trace)
	require.Len(t, second.Replays, len(first.Replays))
	for i := range first.Replays {
		assert.Equal(t, first.Replays[i].StateHash, second.Replays[i].StateHash)
	}
}
