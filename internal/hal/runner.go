package hal

import (
	"sync"
	"sync/atomic"
)

// GoRunner runs each task on its own goroutine. Suspension is
// cooperative: Suspend flips a gate that the task blocks on at its
// next Yield call.
type GoRunner struct{}

// NewGoRunner creates a goroutine-backed runner.
func NewGoRunner() *GoRunner {
	return &GoRunner{}
}

// Spawn starts entry on a new goroutine. Goroutines cannot fail to
// start, so the error is always nil.
func (r *GoRunner) Spawn(name string, entry func(Task)) (Task, error) {
	t := &goTask{name: name}
	t.cond = sync.NewCond(&t.mu)
	go func() {
		defer t.done.Store(true)
		entry(t)
	}()
	return t, nil
}

type goTask struct {
	name string

	mu        sync.Mutex
	cond      *sync.Cond
	suspended bool

	killed atomic.Bool
	done   atomic.Bool
}

func (t *goTask) Yield() bool {
	t.mu.Lock()
	for t.suspended && !t.killed.Load() {
		t.cond.Wait()
	}
	t.mu.Unlock()
	return !t.killed.Load()
}

func (t *goTask) Suspend() {
	t.mu.Lock()
	t.suspended = true
	t.mu.Unlock()
}

func (t *goTask) Resume() {
	t.mu.Lock()
	t.suspended = false
	t.mu.Unlock()
	t.cond.Broadcast()
}

// Kill holds the gate mutex so the store cannot land between a
// waiter's predicate check and its cond.Wait, which would strand a
// suspended task.
func (t *goTask) Kill() {
	t.mu.Lock()
	t.killed.Store(true)
	t.mu.Unlock()
	t.cond.Broadcast()
}

func (t *goTask) Done() bool {
	return t.done.Load()
}
