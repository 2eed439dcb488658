package release

import (
	"sync"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestWaitBlocksUntilPost(t *testing.T) {
	c := New()
	done := make(chan struct{})

	go func() {
		c.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Wait returned without a release")
	case <-time.After(20 * time.Millisecond):
	}

	c.Post()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Post")
	}
	assert.Equal(t, c.Posted(), uint64(1))
	assert.Equal(t, c.Consumed(), uint64(1))
	assert.Equal(t, c.Pending(), uint64(0))
}

// TestPostsAreCounted verifies releases posted while the waiter is busy
// are queued, not collapsed.
func TestPostsAreCounted(t *testing.T) {
	c := New()
	for i := 0; i < 3; i++ {
		c.Post()
	}
	assert.Equal(t, c.Pending(), uint64(3))

	for i := 0; i < 3; i++ {
		c.Wait()
	}
	assert.Equal(t, c.Pending(), uint64(0))
	assert.Assert(t, !c.TryWait())
}

func TestTryWait(t *testing.T) {
	c := New()
	assert.Assert(t, !c.TryWait())
	c.Post()
	assert.Assert(t, c.TryWait())
	assert.Equal(t, c.Consumed(), uint64(1))
}

// TestConcurrentPosters checks no release is lost under contention.
func TestConcurrentPosters(t *testing.T) {
	const posters, each = 8, 500
	c := New()

	var wg sync.WaitGroup
	for i := 0; i < posters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < each; j++ {
				c.Post()
			}
		}()
	}

	received := make(chan int)
	go func() {
		n := 0
		for n < posters*each {
			c.Wait()
			n++
		}
		received <- n
	}()

	wg.Wait()
	select {
	case n := <-received:
		assert.Equal(t, n, posters*each)
	case <-time.After(5 * time.Second):
		t.Fatalf("waiter stuck: consumed %d of %d", c.Consumed(), posters*each)
	}
	assert.Equal(t, c.Posted(), uint64(posters*each))
}
