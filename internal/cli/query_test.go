package cli

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rewind/internal/store"
)

func TestQuery_All(t *testing.T) {
	db := seedOrder(t)
	out := mustRun(t, db, "query")

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "ORDER.CREATED")
	assert.Contains(t, lines[1], "ORDER.ITEM_ADDED")
	assert.Contains(t, lines[2], "ORDER.SHIPPED")
	assert.Contains(t, lines[2], "order-42 v3")
}

func TestQuery_Filters(t *testing.T) {
	db := seedOrder(t)
	tests := []struct {
		name string
		args []string
		want []string
	}{
		{"event type", []string{"--type", "ORDER.SHIPPED"}, []string{"ORDER.SHIPPED"}},
		{"any of event types", []string{"--type", "ORDER.SHIPPED", "--type", "ORDER.CREATED"}, []string{"ORDER.CREATED", "ORDER.SHIPPED"}},
		{"tag", []string{"--tag", "region=eu"}, []string{"ORDER.ITEM_ADDED"}},
		{"correlation", []string{"--correlation", "req-1"}, []string{"ORDER.CREATED"}},
		{"versions", []string{"--aggregate", "order-42", "--from-version", "2", "--to-version", "3"}, []string{"ORDER.ITEM_ADDED", "ORDER.SHIPPED"}},
		{"other aggregate", []string{"--aggregate", "order-7"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := mustRun(t, db, append([]string{"--format", "json", "query"}, tt.args...)...)
			var page store.EventPage
			decode(t, out, &page)
			var types []string
			for _, ev := range page.Events {
				types = append(types, ev.Type)
			}
			assert.Equal(t, tt.want, types)
		})
	}
}

func TestQuery_Pagination(t *testing.T) {
	db := seedOrder(t)

	out := mustRun(t, db, "query", "--limit", "1")
	assert.Contains(t, out, "ORDER.CREATED")
	assert.Contains(t, out, "More events available: --after 1")

	out = mustRun(t, db, "query", "--limit", "1", "--after", "2")
	assert.Contains(t, out, "ORDER.SHIPPED")
	assert.NotContains(t, out, "More events available")

	out = mustRun(t, db, "--format", "json", "query", "--limit", "1", "--all")
	var page store.EventPage
	decode(t, out, &page)
	assert.Len(t, page.Events, 3)
	assert.False(t, page.HasMore)
	assert.Equal(t, int64(3), page.NextCursor)
}

func TestQuery_Verbose(t *testing.T) {
	db := seedOrder(t)
	out := mustRun(t, db, "-v", "query", "--type", "ORDER.ITEM_ADDED")
	assert.Contains(t, out, `payload={"price":50,"quantity":2,"sku":"A-1"}`)
}

func TestQuery_Errors(t *testing.T) {
	db := seedOrder(t)

	_, err := runDB(t, filepath.Join(t.TempDir(), "missing.db"), "query")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "database not found")

	_, err = runDB(t, db, "query", "--from", "yesterday")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = runDB(t, db, "query", "--from-version", "2")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
