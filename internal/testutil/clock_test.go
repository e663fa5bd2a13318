package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeterministicClockAdvances(t *testing.T) {
	c := NewDeterministicClock()

	assert.Equal(t, Epoch, c.Now())
	assert.Equal(t, Epoch.Add(time.Second), c.Now())
	assert.Equal(t, c.At(2), c.Now())
}

func TestDeterministicClockReset(t *testing.T) {
	c := NewDeterministicClock()
	c.Now()
	c.Now()
	c.Reset()

	assert.Equal(t, Epoch, c.Now())
}

func TestDeterministicClockConcurrent(t *testing.T) {
	c := NewDeterministicClock()
	seen := sync.Map{}

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, dup := seen.LoadOrStore(c.Now(), true)
			assert.False(t, dup)
		}()
	}
	wg.Wait()
}
