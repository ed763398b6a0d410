package workqueue

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestQueueFIFOAndClose(t *testing.T) {
	q := NewQueue[int]()
	for i := range 3 {
		require.NoError(t, q.Put(i))
	}
	q.Close()
	assert.ErrorIs(t, q.Put(99), ErrClosed)

	var got []int
	for {
		v, ok := q.Get()
		if !ok {
			break
		}
		got = append(got, v)
		q.Done()
	}
	assert.Equal(t, []int{0, 1, 2}, got)
	assert.Zero(t, q.Pending())
}

func TestJoinWaitsForDoneNotEmpty(t *testing.T) {
	q := NewQueue[string]()
	require.NoError(t, q.Put("a"))
	_, ok := q.Get()
	require.True(t, ok)
	assert.Zero(t, q.Len())

	joined := make(chan struct{})
	go func() {
		q.Join()
		close(joined)
	}()

	select {
	case <-joined:
		t.Fatal("Join returned while an item was still in flight")
	case <-time.After(50 * time.Millisecond):
	}
	q.Done()
	select {
	case <-joined:
	case <-time.After(time.Second):
		t.Fatal("Join did not return after Done")
	}
}

func TestDoneWithoutPutPanics(t *testing.T) {
	q := NewQueue[int]()
	assert.Panics(t, q.Done)
}

func TestPoolRunsExactlySizeWorkers(t *testing.T) {
	const size = 4
	var (
		active, peak atomic.Int32
		handled      atomic.Int32
		workers      sync.Map
		release      = make(chan struct{})
	)
	p := NewPool[int](size, func(ctx context.Context, id int, item int) {
		n := active.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		workers.Store(id, true)
		<-release
		active.Add(-1)
		handled.Add(1)
	}, discardLogger())

	p.Start(context.Background())
	for i := range 20 {
		require.NoError(t, p.Submit(i))
	}
	require.Eventually(t, func() bool { return active.Load() == size }, time.Second, time.Millisecond)
	close(release)
	p.Wait()

	assert.EqualValues(t, 20, handled.Load())
	assert.EqualValues(t, size, peak.Load())
	ids := 0
	workers.Range(func(_, _ any) bool { ids++; return true })
	assert.Equal(t, size, ids)
	assert.ErrorIs(t, p.Submit(1), ErrClosed)
}

func TestPoolSurvivesPanics(t *testing.T) {
	var recovered []int
	var mu sync.Mutex
	var handled atomic.Int32
	p := NewPool[int](2, func(ctx context.Context, id int, item int) {
		if item%2 == 0 {
			panic("bad item")
		}
		handled.Add(1)
	}, discardLogger())
	p.Recover = func(item int, r any) {
		mu.Lock()
		recovered = append(recovered, item)
		mu.Unlock()
	}
	p.Start(context.Background())
	for i := range 6 {
		require.NoError(t, p.Submit(i))
	}
	p.Wait()

	assert.EqualValues(t, 3, handled.Load())
	assert.ElementsMatch(t, []int{0, 2, 4}, recovered)
}

func TestPoolShutdownDrainsQueued(t *testing.T) {
	var handled atomic.Int32
	p := NewPool[int](1, func(ctx context.Context, id int, item int) {
		handled.Add(1)
	}, discardLogger())
	for i := range 5 {
		require.NoError(t, p.Submit(i))
	}
	p.Shutdown()
	assert.ErrorIs(t, p.Submit(5), ErrClosed)
	p.Start(context.Background())
	p.Wait()
	assert.EqualValues(t, 5, handled.Load())
}

func TestNewPoolClampsSize(t *testing.T) {
	assert.Equal(t, 1, NewPool[int](0, func(context.Context, int, int) {}, discardLogger()).Size())
}
