package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ejunz/internal/database"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func TestClaimOrder(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for _, item := range []struct {
		name     string
		priority int
	}{{"low-1", 1}, {"high-1", 10}, {"low-2", 1}, {"high-2", 10}} {
		_, err := q.Enqueue(ctx, "echo", item.priority, map[string]string{"name": item.name})
		require.NoError(t, err)
	}

	var order []string
	for {
		task, err := q.Claim(ctx)
		require.NoError(t, err)
		if task == nil {
			break
		}
		var p map[string]string
		require.NoError(t, task.Decode(&p))
		order = append(order, p["name"])
	}
	assert.Equal(t, []string{"high-1", "high-2", "low-1", "low-2"}, order)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEnqueueValidation(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Enqueue(context.Background(), " ", 0, nil)
	assert.Error(t, err)
	_, err = q.Enqueue(context.Background(), "bad", 0, func() {})
	assert.Error(t, err)
}

func TestConcurrentClaimsAreExclusive(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	const total = 30
	for i := 0; i < total; i++ {
		_, err := q.Enqueue(ctx, "n", 0, i)
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := q.Claim(ctx)
				if err != nil || task == nil {
					return
				}
				mu.Lock()
				seen[task.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	for id, n := range seen {
		assert.Equal(t, 1, n, "task %s claimed more than once", id)
	}
	remaining, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, total, len(seen)+remaining)
}

func TestConsumerDispatchesByType(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu        sync.Mutex
		got       []int
		processed []error
	)
	c := NewConsumer(q, ConsumerConfig{
		PollInterval: 10 * time.Millisecond,
		Workers:      2,
		OnProcessed: func(_ Task, err error) {
			mu.Lock()
			processed = append(processed, err)
			mu.Unlock()
		},
	}, nil)
	c.Handle("add", func(_ context.Context, task Task) error {
		var n int
		if err := task.Decode(&n); err != nil {
			return err
		}
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
		return nil
	})
	c.Handle("fail", func(context.Context, Task) error { return errors.New("nope") })
	c.Handle("panic", func(context.Context, Task) error { panic("boom") })

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, "add", 0, i)
		require.NoError(t, err)
	}
	for _, typ := range []string{"fail", "panic", "unknown"} {
		_, err := q.Enqueue(ctx, typ, 0, nil)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		n, err := q.Len(ctx)
		mu.Lock()
		defer mu.Unlock()
		return err == nil && n == 0 && len(processed) == 5
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []int{0, 1, 2}, got)
	var failures int
	for _, err := range processed {
		if err != nil {
			failures++
		}
	}
	assert.Equal(t, 2, failures, fmt.Sprint(processed))
}
