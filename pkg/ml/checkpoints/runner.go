package checkpoints

import (
	"sync"

	"github.com/gomlx/distckpt/pkg/support/xsync"
	"github.com/gomlx/exceptions"
)

// taskKind names the runner's two slots.
type taskKind int

const (
	saveTask taskKind = iota
	removeTask
)

func (k taskKind) String() string {
	if k == saveTask {
		return "save"
	}
	return "removal"
}

// runner executes checkpoint I/O on a single background goroutine, one task at a time, with at
// most one save and one removal outstanding. The lifecycle protocol drains a slot before
// submitting to it again; a submit to an occupied slot is a protocol violation and panics.
type runner struct {
	mu       sync.Mutex
	tasks    chan runnerTask
	pending  [2]bool
	stopped  bool
	finished chan struct{}
}

type runnerTask struct {
	kind taskKind
	fn   func() error
	done *xsync.LatchWithValue[error]
}

func newRunner() *runner {
	r := &runner{
		tasks:    make(chan runnerTask, 2), // one per slot, so submit never blocks
		finished: make(chan struct{}),
	}
	go r.work()
	return r
}

func (r *runner) work() {
	defer close(r.finished)
	for task := range r.tasks {
		err := task.fn()
		r.mu.Lock()
		r.pending[task.kind] = false
		r.mu.Unlock()
		task.done.Trigger(err)
	}
}

// submit queues fn and returns a latch that triggers with fn's error when it finishes.
func (r *runner) submit(kind taskKind, fn func() error) *xsync.LatchWithValue[error] {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		exceptions.Panicf("checkpoints: %s submitted after the background runner was closed", kind)
	}
	if r.pending[kind] {
		r.mu.Unlock()
		exceptions.Panicf("checkpoints: a background %s is already outstanding, it must be drained first", kind)
	}
	r.pending[kind] = true
	r.mu.Unlock()

	task := runnerTask{kind: kind, fn: fn, done: xsync.NewLatchWithValue[error]()}
	r.tasks <- task
	return task.done
}

// Close drains queued tasks and stops the worker. Idempotent.
func (r *runner) Close() {
	r.mu.Lock()
	alreadyStopped := r.stopped
	r.stopped = true
	r.mu.Unlock()
	if alreadyStopped {
		return
	}
	close(r.tasks)
	<-r.finished
}
