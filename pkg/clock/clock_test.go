package clock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNowIsStrictlyMonotonic(t *testing.T) {
	c := New()
	prev := c.Now()
	for i := 0; i < 10_000; i++ {
		now := c.Now()
		assert.Greater(t, now, prev)
		prev = now
	}
}

func TestAdvanceRaisesFloor(t *testing.T) {
	c := New()
	far := c.Now() + 1_000_000
	c.Advance(far)
	assert.Greater(t, c.Now(), far)

	// Advancing backwards is a no-op.
	c.Advance(far - 500)
	assert.Greater(t, c.Now(), far)
}

func TestNowUnderConcurrency(t *testing.T) {
	c := New()
	const workers, perWorker = 8, 2000

	seen := make([][]int64, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				seen[w] = append(seen[w], c.Now())
			}
		}()
	}
	wg.Wait()

	unique := make(map[int64]bool, workers*perWorker)
	for _, timestamps := range seen {
		for _, ts := range timestamps {
			assert.False(t, unique[ts], "timestamp %d issued twice", ts)
			unique[ts] = true
		}
	}
}
