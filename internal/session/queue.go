package session

import "sync"

// taskQueue is an unbounded FIFO of callbacks drained by the session loop.
// Pushing never blocks, so transport goroutines cannot stall on a busy loop.
type taskQueue struct {
	mu     sync.Mutex
	tasks  []func()
	notify chan struct{}
}

func newTaskQueue() *taskQueue {
	return &taskQueue{notify: make(chan struct{}, 1)}
}

func (q *taskQueue) push(f func()) {
	q.mu.Lock()
	q.tasks = append(q.tasks, f)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *taskQueue) drain() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	tasks := q.tasks
	q.tasks = nil
	return tasks
}
