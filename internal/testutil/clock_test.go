package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClock_AdvancesByStep(t *testing.T) {
	clock := NewFakeClock(epoch, time.Second)

	assert.Equal(t, epoch, clock.Now())
	assert.Equal(t, epoch.Add(time.Second), clock.Now())
	assert.Equal(t, epoch.Add(2*time.Second), clock.Peek())
	assert.Equal(t, epoch.Add(2*time.Second), clock.Now())
}

func TestFakeClock_ThreadSafe(t *testing.T) {
	clock := NewFakeClock(epoch, time.Millisecond)
	const goroutines = 50
	const calls = 20

	var mu sync.Mutex
	seen := map[time.Time]bool{}
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < calls; j++ {
				now := clock.Now()
				mu.Lock()
				require.False(t, seen[now], "duplicate reading %s", now)
				seen[now] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, goroutines*calls)
}
