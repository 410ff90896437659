package workerpool

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/fkchat/fkchat/pkg/log"
)

// Priority ranks task admission. Higher priorities are drained by their own
// dispatcher; ordering between priorities is not guaranteed.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow

	numPriorities = 3
)

// Task is a unit of work executed on a pool context.
type Task func()

// Config holds worker pool construction parameters.
type Config struct {
	// Workers is the number of execution contexts. 0 means half the
	// hardware threads, minimum 1.
	Workers int
	// ChannelCapacity is the per-priority admission channel capacity.
	// 0 means 1024.
	ChannelCapacity int
}

// Pool is a fixed set of execution contexts fed by priority-ranked bounded
// channels. One dispatcher goroutine per priority moves tasks onto a
// round-robin-chosen context; each context is drained by a single worker
// goroutine, so tasks bound to one context never run concurrently with
// each other.
type Pool struct {
	contexts []*Context
	queues   [numPriorities]chan Task

	rrPost    atomic.Uint32
	rrContext atomic.Uint32

	pending atomic.Int64
	doneMu  sync.Mutex
	doneCv  *sync.Cond

	stopped atomic.Bool
	stopCh  chan struct{}

	dispatchers sync.WaitGroup
	workers     sync.WaitGroup

	channelCap int
	logger     zerolog.Logger
}

// New constructs and starts a worker pool.
func New(cfg Config) *Pool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU() / 2
		if workers < 1 {
			workers = 1
		}
	}
	capacity := cfg.ChannelCapacity
	if capacity <= 0 {
		capacity = 1024
	}

	p := &Pool{
		stopCh:     make(chan struct{}),
		channelCap: capacity,
		logger:     log.WithComponent("workerpool"),
	}
	p.doneCv = sync.NewCond(&p.doneMu)

	for i := 0; i < numPriorities; i++ {
		p.queues[i] = make(chan Task, capacity)
	}
	p.contexts = make([]*Context, workers)
	for i := 0; i < workers; i++ {
		p.contexts[i] = newContext(p, i, capacity)
	}

	for i := 0; i < workers; i++ {
		p.workers.Add(1)
		go p.workerLoop(p.contexts[i])
	}
	for i := 0; i < numPriorities; i++ {
		p.dispatchers.Add(1)
		go p.dispatchLoop(p.queues[i])
	}

	return p
}

// Post enqueues a task at the given priority. It returns false when the
// pool is stopped. The call blocks only on bounded channel back-pressure.
func (p *Pool) Post(task Task, priority Priority) bool {
	if task == nil || priority < PriorityHigh || priority > PriorityLow {
		return false
	}
	if p.stopped.Load() {
		return false
	}
	p.pending.Add(1)
	select {
	case p.queues[priority] <- task:
		return true
	case <-p.stopCh:
		p.taskDone()
		return false
	}
}

// NextContext returns a context chosen round-robin. Callers use it to bind
// related work to a single serial execution context.
func (p *Pool) NextContext() *Context {
	idx := p.rrContext.Add(1)
	return p.contexts[int(idx)%len(p.contexts)]
}

// ContextAt returns the i-th context.
func (p *Pool) ContextAt(i int) *Context {
	return p.contexts[i%len(p.contexts)]
}

// Workers reports the number of execution contexts.
func (p *Pool) Workers() int {
	return len(p.contexts)
}

// CurrentLoad reports pending tasks as a percentage of total channel
// capacity, clamped to [0, 100].
func (p *Pool) CurrentLoad() int {
	capacity := int64(len(p.contexts)) * int64(p.channelCap)
	if capacity == 0 {
		return 0
	}
	load := p.pending.Load() * 100 / capacity
	if load < 0 {
		return 0
	}
	if load > 100 {
		return 100
	}
	return int(load)
}

// WaitForCompletion blocks until the pending-task count reaches zero or
// the timeout elapses. A zero timeout waits forever. It reports whether
// the pool drained.
func (p *Pool) WaitForCompletion(timeout time.Duration) bool {
	var timedOut atomic.Bool
	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			timedOut.Store(true)
			p.doneMu.Lock()
			p.doneCv.Broadcast()
			p.doneMu.Unlock()
		})
		defer timer.Stop()
	}

	p.doneMu.Lock()
	defer p.doneMu.Unlock()
	for p.pending.Load() > 0 && !timedOut.Load() && !p.stopped.Load() {
		p.doneCv.Wait()
	}
	return p.pending.Load() == 0
}

// Stop shuts the pool down: dispatchers exit, context channels are closed,
// workers drain and join, and completion waiters are woken. Idempotent.
func (p *Pool) Stop() {
	if !p.stopped.CompareAndSwap(false, true) {
		return
	}
	close(p.stopCh)
	p.dispatchers.Wait()

	// Drop tasks still parked in the admission channels.
	for i := 0; i < numPriorities; i++ {
	drain:
		for {
			select {
			case <-p.queues[i]:
				p.taskDone()
			default:
				break drain
			}
		}
	}

	for _, c := range p.contexts {
		c.close()
	}
	p.workers.Wait()
	p.doneMu.Lock()
	p.doneCv.Broadcast()
	p.doneMu.Unlock()
}

// dispatchLoop receives from one priority channel and forwards each task to
// a round-robin-chosen context. A closed stop channel is the normal
// shutdown path, not an error.
func (p *Pool) dispatchLoop(queue <-chan Task) {
	defer p.dispatchers.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case task := <-queue:
			idx := p.rrPost.Add(1)
			ctx := p.contexts[int(idx)%len(p.contexts)]
			select {
			case ctx.tasks <- task:
			case <-p.stopCh:
				p.taskDone()
				return
			}
		}
	}
}

// workerLoop drains one context until its channel closes. Task panics are
// recovered and logged; they never tear the worker down.
func (p *Pool) workerLoop(c *Context) {
	defer p.workers.Done()
	for task := range c.tasks {
		p.runTask(task)
	}
}

func (p *Pool) runTask(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Interface("panic", r).
				Msg("task panicked")
		}
		p.taskDone()
	}()
	task()
}

// taskDone decrements the pending count. The broadcast happens under
// doneMu so it cannot land between a waiter's pending check and its
// Wait, which would strand the waiter forever.
func (p *Pool) taskDone() {
	if p.pending.Add(-1) == 0 {
		p.doneMu.Lock()
		p.doneCv.Broadcast()
		p.doneMu.Unlock()
	}
}
