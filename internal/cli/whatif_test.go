package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWhatIf_Text(t *testing.T) {
	db := seedOrder(t)
	out := mustRun(t, db, "whatif", "--aggregate", "order-42", "--version", "2", "--set", "quantity=5")

	assert.Contains(t, out, "Diverged at step 2 (ORDER.ITEM_ADDED order-42 v2)")
	assert.Contains(t, out, "order-42 items.0.quantity: 2 → 5")
	assert.Contains(t, out, "order-42 total: 100 → 250")
	assert.Contains(t, out, "Magnitude: 2 path(s), numeric delta 153, 2 step(s) diverged")

	// The stored event is unchanged.
	out = mustRun(t, db, "-v", "query", "--type", "ORDER.ITEM_ADDED")
	assert.Contains(t, out, `"quantity":2`)
}

func TestWhatIf_JSON(t *testing.T) {
	db := seedOrder(t)
	out := mustRun(t, db, "--format", "json", "whatif", "--aggregate", "order-42", "--version", "3", "--remove", "note")

	var res struct {
		Applied    []string `json:"applied"`
		Comparison struct {
			Diverged bool `json:"diverged"`
		} `json:"comparison"`
	}
	decode(t, out, &res)
	assert.Len(t, res.Applied, 1)
	assert.False(t, res.Comparison.Diverged)
}

func TestWhatIf_InvalidModification(t *testing.T) {
	db := seedOrder(t)
	tests := [][]string{
		{"--version", "2"},
		{"--version", "2", "--set", "quantity"},
		{"--version", "2", "--set", "price=1.5"},
		{"--set", "quantity=5"},
	}
	for _, args := range tests {
		_, err := runDB(t, db, append([]string{"whatif", "--aggregate", "order-42"}, args...)...)
		require.Error(t, err, args)
		assert.Equal(t, ExitCommandError, GetExitCode(err), args)
	}
}
