package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rewind/internal/fault"
)

func TestRetry_RetriesStorageErrors(t *testing.T) {
	calls := 0
	got, err := Retry(context.Background(), 3, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, &IOError{Op: "query", Err: errors.New("disk busy")}
		}
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, got)
	assert.Equal(t, 3, calls)
}

func TestRetry_StopsOnPermanentErrors(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), 5, func() (int, error) {
		calls++
		return 0, fault.Invalidf("bad filter")
	})
	assert.True(t, fault.IsInvalid(err))
	assert.Equal(t, 1, calls)
}

func TestRetry_GivesUpAfterTries(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), 2, func() (int, error) {
		calls++
		return 0, &IOError{Op: "query", Err: errors.New("disk busy")}
	})
	assert.True(t, IsStorageIO(err))
	assert.Equal(t, 2, calls)
}
