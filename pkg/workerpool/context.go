package workerpool

import "sync"

// Context is a serial execution context inside a Pool. All tasks posted to
// one context run on the same worker goroutine in FIFO order, so work bound
// to a context never races with itself.
type Context struct {
	pool  *Pool
	index int
	tasks chan Task

	closeOnce sync.Once
}

func newContext(p *Pool, index, capacity int) *Context {
	return &Context{
		pool:  p,
		index: index,
		tasks: make(chan Task, capacity),
	}
}

// Index returns the context's position within the pool.
func (c *Context) Index() int {
	return c.index
}

// Post enqueues a task directly onto this context, bypassing the priority
// channels. Returns false when the pool is stopped.
func (c *Context) Post(task Task) bool {
	if task == nil || c.pool.stopped.Load() {
		return false
	}
	c.pool.pending.Add(1)
	select {
	case c.tasks <- task:
		return true
	case <-c.pool.stopCh:
		c.pool.taskDone()
		return false
	}
}

// Pending reports the number of tasks queued on this context.
func (c *Context) Pending() int {
	return len(c.tasks)
}

func (c *Context) close() {
	c.closeOnce.Do(func() { close(c.tasks) })
}
