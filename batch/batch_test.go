package batch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/slaclab/ebcore/pulse"
)

// This package's FetchWait/Pop paths block on condition variables and
// channels, exactly the kind of code goleak is meant to catch a wakeup
// bug in: a goroutine left parked past the end of its test.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestManager(t *testing.T, maxBatches int) *Manager {
	t.Helper()
	m, err := NewManager(Config{Log2Entries: 2, BatchCount: 2, MaxInput: 16, MaxBatches: maxBatches})
	require.NoError(t, err)
	return m
}

func TestBatchAllocateFillsAndReportsFull(t *testing.T) {
	m := newTestManager(t, 2)
	b, err := m.FetchWait(context.Background(), pulse.ID(0))
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := b.Allocate()
		require.NoError(t, err)
	}
	_, err = b.Allocate()
	assert.ErrorIs(t, err, ErrBatchFull)
	assert.Equal(t, 4, b.EntryCount())
}

func TestBatchExpiredDetectsWindowCrossing(t *testing.T) {
	m := newTestManager(t, 2)
	assert.False(t, m.Expired(pulse.ID(1), pulse.ID(0)), "ids 0 and 1 share a window of size 4")
	assert.True(t, m.Expired(pulse.ID(4), pulse.ID(0)), "id 4 starts the next window")
}

func TestFetchWaitBlocksUntilRelease(t *testing.T) {
	m := newTestManager(t, 2)
	b, err := m.FetchWait(context.Background(), pulse.ID(0))
	require.NoError(t, err)
	m.MarkPosted(b)

	done := make(chan struct{})
	var refetched *Batch
	go func() {
		refetched, _ = m.FetchWait(context.Background(), pulse.ID(0))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("FetchWait returned before Release was called")
	case <-time.After(20 * time.Millisecond):
	}

	m.Release(pulse.ID(0))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("FetchWait did not wake after Release")
	}
	assert.Equal(t, b.Index, refetched.Index)
}

func TestFetchWaitBoundedBySemaphore(t *testing.T) {
	m := newTestManager(t, 1)

	b0, err := m.FetchWait(context.Background(), pulse.ID(0))
	require.NoError(t, err)
	m.MarkPosted(b0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	// A distinct pulse id (different window) would normally fetch a
	// different slot immediately, but MaxBatches=1 bounds total
	// outstanding batches regardless of slot.
	_, err = m.FetchWait(ctx, pulse.ID(4))
	assert.Error(t, err, "semaphore should not admit a second outstanding batch")
}

func TestShutdownWakesBlockedFetchers(t *testing.T) {
	m := newTestManager(t, 2)
	b, err := m.FetchWait(context.Background(), pulse.ID(0))
	require.NoError(t, err)
	m.MarkPosted(b)

	var wg sync.WaitGroup
	wg.Add(1)
	var gotErr error
	go func() {
		defer wg.Done()
		_, gotErr = m.FetchWait(context.Background(), pulse.ID(0))
	}()

	time.Sleep(10 * time.Millisecond)
	m.Shutdown()
	wg.Wait()
	assert.ErrorIs(t, gotErr, ErrTornDown)
}

func TestStoreRetrieve(t *testing.T) {
	m := newTestManager(t, 2)
	b, err := m.FetchWait(context.Background(), pulse.ID(0))
	require.NoError(t, err)
	_, err = b.Allocate()
	require.NoError(t, err)
	m.Store(pulse.ID(0), "token-0")

	v, ok := m.Retrieve(b.Index, 0)
	require.True(t, ok)
	assert.Equal(t, "token-0", v)
}

func TestPendingPushOverflowIsFatal(t *testing.T) {
	p := NewPending(1)
	require.NoError(t, p.Push(Posted{StartPulse: 1}))
	err := p.Push(Posted{StartPulse: 2})
	assert.ErrorIs(t, err, ErrPendingOverflow)
}

func TestPendingPopBlocksUntilPush(t *testing.T) {
	p := NewPending(4)
	done := make(chan Posted, 1)
	go func() {
		v, ok := p.Pop()
		if ok {
			done <- v
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, p.Push(Posted{StartPulse: 7}))

	select {
	case v := <-done:
		assert.EqualValues(t, 7, v.StartPulse)
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake after Push")
	}
}

func TestPendingCloseUnblocksPop(t *testing.T) {
	p := NewPending(4)
	done := make(chan bool, 1)
	go func() {
		_, ok := p.Pop()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	p.Close()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake after Close")
	}
}
