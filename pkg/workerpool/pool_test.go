package workerpool

import (
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fkchat/fkchat/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

func TestPostAndExecute(t *testing.T) {
	p := New(Config{Workers: 2, ChannelCapacity: 16})
	defer p.Stop()

	var ran atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		ok := p.Post(func() {
			ran.Add(1)
			wg.Done()
		}, PriorityNormal)
		require.True(t, ok)
	}
	wg.Wait()
	assert.Equal(t, int32(50), ran.Load())
}

func TestAllPriorities(t *testing.T) {
	p := New(Config{Workers: 1, ChannelCapacity: 8})
	defer p.Stop()

	var ran atomic.Int32
	var wg sync.WaitGroup
	for _, prio := range []Priority{PriorityHigh, PriorityNormal, PriorityLow} {
		wg.Add(1)
		require.True(t, p.Post(func() {
			ran.Add(1)
			wg.Done()
		}, prio))
	}
	wg.Wait()
	assert.Equal(t, int32(3), ran.Load())
}

func TestPostInvalidArguments(t *testing.T) {
	p := New(Config{Workers: 1})
	defer p.Stop()

	assert.False(t, p.Post(nil, PriorityNormal))
	assert.False(t, p.Post(func() {}, Priority(7)))
	assert.False(t, p.Post(func() {}, Priority(-1)))
}

func TestWaitForCompletion(t *testing.T) {
	p := New(Config{Workers: 2, ChannelCapacity: 8})
	defer p.Stop()

	for i := 0; i < 10; i++ {
		require.True(t, p.Post(func() {
			time.Sleep(5 * time.Millisecond)
		}, PriorityNormal))
	}

	assert.True(t, p.WaitForCompletion(5*time.Second))
	assert.Equal(t, 0, p.CurrentLoad())
}

func TestWaitForCompletionTimeout(t *testing.T) {
	p := New(Config{Workers: 1, ChannelCapacity: 8})
	defer p.Stop()

	release := make(chan struct{})
	require.True(t, p.Post(func() { <-release }, PriorityNormal))

	assert.False(t, p.WaitForCompletion(50*time.Millisecond))
	close(release)
	assert.True(t, p.WaitForCompletion(5*time.Second))
}

// TestWaitForCompletionRacesLastTask hammers the window between a
// waiter's pending check and its condition wait. A drop to zero landing
// in that window must still wake the waiter.
func TestWaitForCompletionRacesLastTask(t *testing.T) {
	p := New(Config{Workers: 2, ChannelCapacity: 8})
	defer p.Stop()

	for i := 0; i < 500; i++ {
		require.True(t, p.Post(func() {}, PriorityNormal))
		require.True(t, p.WaitForCompletion(5*time.Second), "iteration %d", i)
	}
}

func TestContextSerialisesTasks(t *testing.T) {
	p := New(Config{Workers: 4, ChannelCapacity: 64})
	defer p.Stop()

	ctx := p.NextContext()
	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		i := i
		wg.Add(1)
		require.True(t, ctx.Post(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		}))
	}
	wg.Wait()

	// One worker drains a context, so direct posts run in FIFO order.
	require.Len(t, order, 100)
	for i := 0; i < 100; i++ {
		assert.Equal(t, i, order[i])
	}
}

func TestNextContextRoundRobin(t *testing.T) {
	p := New(Config{Workers: 3, ChannelCapacity: 8})
	defer p.Stop()

	seen := map[int]bool{}
	for i := 0; i < 3; i++ {
		seen[p.NextContext().Index()] = true
	}
	assert.Len(t, seen, 3)
	assert.Equal(t, p.ContextAt(1).Index(), 1)
}

func TestTaskPanicIsContained(t *testing.T) {
	p := New(Config{Workers: 1, ChannelCapacity: 8})
	defer p.Stop()

	require.True(t, p.Post(func() { panic("boom") }, PriorityHigh))

	// The worker must survive and run subsequent tasks.
	done := make(chan struct{})
	require.True(t, p.Post(func() { close(done) }, PriorityHigh))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not survive task panic")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	p := New(Config{Workers: 2, ChannelCapacity: 8})
	p.Stop()
	p.Stop()

	assert.False(t, p.Post(func() {}, PriorityNormal))
	assert.False(t, p.NextContext().Post(func() {}))
}

func TestStopWakesWaiters(t *testing.T) {
	p := New(Config{Workers: 1, ChannelCapacity: 8})

	release := make(chan struct{})
	require.True(t, p.Post(func() { <-release }, PriorityNormal))

	waited := make(chan struct{})
	go func() {
		p.WaitForCompletion(0)
		close(waited)
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)
	p.Stop()

	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("WaitForCompletion did not return after Stop")
	}
}

func TestCurrentLoadClamped(t *testing.T) {
	p := New(Config{Workers: 1, ChannelCapacity: 4})
	defer p.Stop()

	assert.Equal(t, 0, p.CurrentLoad())

	release := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Post(func() { <-release }, PriorityNormal)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	load := p.CurrentLoad()
	assert.GreaterOrEqual(t, load, 0)
	assert.LessOrEqual(t, load, 100)
	close(release)
	wg.Wait()
}

func TestDefaults(t *testing.T) {
	p := New(Config{})
	defer p.Stop()
	assert.GreaterOrEqual(t, p.Workers(), 1)
}
