package gateway

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestCorrelatorIDs(t *testing.T) {
	c := NewCorrelator()

	t.Run("monotonic", func(t *testing.T) {
		a := c.NextID()
		b := c.NextID()
		if b <= a {
			t.Errorf("expected increasing ids, got %d then %d", a, b)
		}
	})

	t.Run("concurrent allocation is unique", func(t *testing.T) {
		const n = 200
		var wg sync.WaitGroup
		ids := make(chan int64, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ids <- c.NextID()
			}()
		}
		wg.Wait()
		close(ids)

		seen := make(map[int64]bool, n)
		for id := range ids {
			if seen[id] {
				t.Fatalf("id %d allocated twice", id)
			}
			seen[id] = true
		}
	})

	t.Run("seed never moves backwards", func(t *testing.T) {
		c.Seed(1_000_000)
		if got := c.NextID(); got < 1_000_000 {
			t.Errorf("expected id >= 1000000 after seed, got %d", got)
		}
		c.Seed(5)
		if got := c.NextID(); got < 1_000_000 {
			t.Errorf("seed moved counter backwards to %d", got)
		}
	})
}

func TestCorrelatorAwait(t *testing.T) {
	t.Run("accumulate then complete delivers results", func(t *testing.T) {
		c := NewCorrelator()
		id := c.NextID()
		c.Register(id, "historicalData")

		go func() {
			c.Accumulate(id, "bar1")
			c.Accumulate(id, "bar2")
			c.Complete(id)
		}()

		results, err := c.Await(id, time.Second)
		if err != nil {
			t.Fatalf("Await: %v", err)
		}
		if len(results) != 2 {
			t.Fatalf("expected 2 results, got %d", len(results))
		}
		if c.Outstanding() != 0 {
			t.Errorf("pending entry leaked after successful Await")
		}
	})

	t.Run("timeout removes pending entry", func(t *testing.T) {
		c := NewCorrelator()
		id := c.NextID()
		c.Register(id, "historicalData")

		_, err := c.Await(id, 20*time.Millisecond)
		if !errors.Is(err, ErrRequestTimeout) {
			t.Fatalf("expected ErrRequestTimeout, got %v", err)
		}
		if c.Outstanding() != 0 {
			t.Errorf("pending entry leaked after timeout")
		}

		// Late callbacks for the abandoned id must be dropped, not panic.
		c.Accumulate(id, "late")
		c.Complete(id)
	})

	t.Run("duplicate completion is ignored", func(t *testing.T) {
		c := NewCorrelator()
		id := c.NextID()
		c.Register(id, "accountSummary")
		c.Complete(id)
		c.Complete(id)
		c.Fail(id, errors.New("too late"))

		results, err := c.Await(id, time.Second)
		if err != nil {
			t.Fatalf("first terminal event should win, got err %v", err)
		}
		if len(results) != 0 {
			t.Fatalf("expected no results, got %d", len(results))
		}
	})

	t.Run("fail delivers the error", func(t *testing.T) {
		c := NewCorrelator()
		id := c.NextID()
		c.Register(id, "historicalData")
		wantErr := errors.New("gateway refused")
		c.Fail(id, wantErr)

		_, err := c.Await(id, time.Second)
		if !errors.Is(err, wantErr) {
			t.Fatalf("expected %v, got %v", wantErr, err)
		}
		if c.Outstanding() != 0 {
			t.Errorf("pending entry leaked after failure")
		}
	})

	t.Run("accumulate after complete is dropped", func(t *testing.T) {
		c := NewCorrelator()
		id := c.NextID()
		c.Register(id, "historicalData")
		c.Accumulate(id, "kept")
		c.Complete(id)
		c.Accumulate(id, "dropped")

		results, err := c.Await(id, time.Second)
		if err != nil {
			t.Fatalf("Await: %v", err)
		}
		if len(results) != 1 {
			t.Fatalf("expected 1 result, got %d", len(results))
		}
	})
}
