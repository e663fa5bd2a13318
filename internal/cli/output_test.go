package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rewind/internal/fault"
	"github.com/roach88/rewind/internal/store"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Success(map[string]string{"result": "success"}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.NotNil(t, resp.Data)
	assert.Nil(t, resp.Error)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Error("E001", "append failed", map[string]string{"aggregate": "order-42"}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E001", resp.Error.Code)
	assert.Equal(t, "append failed", resp.Error.Message)
	assert.NotNil(t, resp.Error.Details)
}

func TestOutputFormatter_Text(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf, Verbose: true}

	require.NoError(t, formatter.Success("3 events"))
	require.NoError(t, formatter.Error("E005", "database not found", "rewind.db"))
	assert.Equal(t, "3 events\nError [E005]: database not found\nDetails: rewind.db\n", buf.String())
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	out, diag := &bytes.Buffer{}, &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: out, ErrWriter: diag, Verbose: true}
	formatter.VerboseLog("Session: %s", "s-1")
	assert.Empty(t, out.String())
	assert.Equal(t, "Session: s-1\n", diag.String())

	quiet := &OutputFormatter{Format: "text", Writer: out}
	quiet.VerboseLog("ignored")
	assert.Empty(t, out.String())
	assert.Equal(t, out, quiet.GetErrWriter())
}

func TestOutputFormatter_Fail(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	conflict := &store.ConflictError{AggregateID: "order-42", Expected: 1, Actual: 2}
	err := formatter.Fail("append failed", fmt.Errorf("append: %w", conflict))
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.ErrorIs(t, err, store.ErrConcurrencyConflict)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, string(fault.ConcurrencyConflict), resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "append failed: ")
}

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&store.ConflictError{}, ExitFailure},
		{&fault.Error{Code: fault.Replay, Message: "fold failed"}, ExitFailure},
		{&fault.Error{Code: fault.UnknownEventType, Message: "ORDER.GIFT_WRAPPED"}, ExitFailure},
		{&fault.Error{Code: fault.ResourceLimitExceeded, Message: "memory"}, ExitFailure},
		{fault.Invalidf("bad payload"), ExitCommandError},
		{fault.NotFoundf("event"), ExitCommandError},
		{errors.New("disk on fire"), ExitCommandError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, exitCodeFor(tt.err))
		})
	}
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad flag")))
	assert.Equal(t, ExitFailure, GetExitCode(fmt.Errorf("wrapped: %w", WrapExitError(ExitFailure, "replay failed", errors.New("boom")))))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))

	err := WrapExitError(ExitFailure, "replay failed", errors.New("boom"))
	assert.Equal(t, "replay failed: boom", err.Error())
	assert.Equal(t, "boom", errors.Unwrap(err).Error())
}
