package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// run executes the root command with args and returns stdout and stderr.
func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

// runDB is run against db with the test config.
func runDB(t *testing.T, db string, args ...string) (string, error) {
	t.Helper()
	base := []string{"--db", db, "--config", filepath.Join("testdata", "rewind.yaml")}
	stdout, _, err := run(t, append(base, args...)...)
	return stdout, err
}

func mustRun(t *testing.T, db string, args ...string) string {
	t.Helper()
	out, err := runDB(t, db, args...)
	require.NoError(t, err, out)
	return out
}

// seedOrder appends order-42: created by ada, two of A-1 at 50, shipped.
func seedOrder(t *testing.T) string {
	t.Helper()
	db := filepath.Join(t.TempDir(), "test.db")
	mustRun(t, db, "append", "--type", "ORDER.CREATED", "--aggregate", "order-42",
		"--expected-version", "0", "--payload", `{"customer":"ada"}`, "--correlation", "req-1")
	mustRun(t, db, "append", "--type", "ORDER.ITEM_ADDED", "--aggregate", "order-42",
		"--expected-version", "1", "--payload", `{"sku":"A-1","quantity":2,"price":50}`, "--tag", "region=eu")
	mustRun(t, db, "append", "--type", "ORDER.SHIPPED", "--aggregate", "order-42",
		"--expected-version", "2")
	return db
}

// decode parses a JSON CLI response, decoding its data into data.
func decode(t *testing.T, out string, data any) CLIResponse {
	t.Helper()
	var raw struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
		Error  *CLIError       `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &raw), out)
	if data != nil && len(raw.Data) > 0 {
		require.NoError(t, json.Unmarshal(raw.Data, data), out)
	}
	return CLIResponse{Status: raw.Status, Error: raw.Error}
}
