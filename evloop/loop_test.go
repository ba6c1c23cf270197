package evloop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoop_RunsTasksInOrder(t *testing.T) {
	l := New()
	var got []int
	for i := 0; i < 5; i++ {
		i := i
		require.True(t, l.Post(func() { got = append(got, i) }))
	}

	assert.Equal(t, 5, l.Pending())
	assert.Equal(t, 5, l.RunOnce(10*time.Millisecond))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
	assert.Equal(t, 0, l.Pending())
}

func TestLoop_RunOnceTimeout(t *testing.T) {
	l := New()
	start := time.Now()
	assert.Equal(t, 0, l.RunOnce(20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestLoop_PostFromOtherGoroutines(t *testing.T) {
	l := New()
	count := 0

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Post(func() { count++ })
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.RunUntil(ctx, func() bool { return count == 10 }))
	wg.Wait()
}

func TestLoop_RunUntilDeadline(t *testing.T) {
	l := New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.RunUntil(ctx, func() bool { return false })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLoop_StopRejectsPosts(t *testing.T) {
	l := New()
	done := make(chan error, 1)
	go func() {
		done <- l.Run(context.Background())
	}()

	l.Stop()
	l.Stop()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
	assert.False(t, l.Post(func() {}))
}

func TestLoop_PanicDoesNotKillLoop(t *testing.T) {
	l := New()
	ran := false
	l.Post(func() { panic("boom") })
	l.Post(func() { ran = true })

	l.RunOnce(10 * time.Millisecond)
	assert.True(t, ran)
}
