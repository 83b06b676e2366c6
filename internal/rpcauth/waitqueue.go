package rpcauth

import "sync"

// WaitQueue parks RPC tasks until an event wakes them. A task may register a
// completion callback; the callback runs in the woken task's own goroutine,
// never in the waker's, so a waker holding a lock cannot deadlock against a
// callback that takes the same lock.
type WaitQueue struct {
	name string

	mu      sync.Mutex
	waiters []*waiter
}

type waiter struct {
	task     *Task
	callback func(*Task)
}

// NewWaitQueue creates a wait queue. The name appears in logs only.
func NewWaitQueue(name string) *WaitQueue {
	return &WaitQueue{name: name}
}

// SleepOn parks task on the queue. If callback is non-nil it runs when the
// task is woken, before the task becomes runnable again.
func (q *WaitQueue) SleepOn(t *Task, callback func(*Task)) {
	t.prepareSleep()
	q.mu.Lock()
	q.waiters = append(q.waiters, &waiter{task: t, callback: callback})
	q.mu.Unlock()
}

// WakeUp wakes every parked task with a nil status.
func (q *WaitQueue) WakeUp() {
	q.WakeUpStatus(nil)
}

// WakeUpStatus wakes every parked task, setting status as the task's
// completion status before any callback runs.
func (q *WaitQueue) WakeUpStatus(status error) {
	q.mu.Lock()
	waiters := q.waiters
	q.waiters = nil
	q.mu.Unlock()

	for _, w := range waiters {
		w.task.wake(status, w.callback)
	}
}

// Len returns the number of parked tasks.
func (q *WaitQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}
