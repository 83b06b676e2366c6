package rpcauth

import (
	"context"
	"sync"
	"sync/atomic"
)

var taskIDs atomic.Uint32

// Task is one in-flight RPC request as seen by the auth layer. The transport
// owns scheduling; the auth layer only parks tasks on wait queues during
// refresh and records per-request state (bound credential, sequence number).
type Task struct {
	// ID identifies the task in logs.
	ID uint32

	// Cred is the credential bound to this request. Refresh may rebind it
	// when the original credential went stale.
	Cred Cred

	// SeqNo is the RPCSEC_GSS sequence number Marshal allocated for this
	// request. Validate and UnwrapResp check the reply against it.
	SeqNo uint32

	// VerfSize is the byte footprint of the reply verifier, recorded by
	// Validate for slack accounting.
	VerfSize int

	// ReplySlack is the total auth overhead observed in the reply,
	// recorded by UnwrapResp.
	ReplySlack int

	mu       sync.Mutex
	status   error
	sleeping bool
	woken    chan struct{}
}

// NewTask creates a task bound to cred.
func NewTask(cred Cred) *Task {
	return &Task{
		ID:   taskIDs.Add(1),
		Cred: cred,
	}
}

// Status returns the completion status set by the last wake.
func (t *Task) Status() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// SetStatus records the task's completion status.
func (t *Task) SetStatus(err error) {
	t.mu.Lock()
	t.status = err
	t.mu.Unlock()
}

// Sleeping reports whether the task is parked on a wait queue.
func (t *Task) Sleeping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sleeping
}

// Wait blocks until the task is woken or ctx is cancelled, returning the
// task's status. Calling Wait on a task that is not sleeping returns the
// current status immediately.
func (t *Task) Wait(ctx context.Context) error {
	t.mu.Lock()
	if !t.sleeping {
		status := t.status
		t.mu.Unlock()
		return status
	}
	ch := t.woken
	t.mu.Unlock()

	select {
	case <-ch:
		return t.Status()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Task) prepareSleep() {
	t.mu.Lock()
	t.sleeping = true
	t.woken = make(chan struct{})
	t.mu.Unlock()
}

// wake makes the task runnable. The callback, if any, runs in its own
// goroutine before the task is marked awake, mirroring a scheduler that runs
// completion callbacks in task context rather than in the waker.
func (t *Task) wake(status error, callback func(*Task)) {
	t.mu.Lock()
	if !t.sleeping {
		t.mu.Unlock()
		return
	}
	t.status = status
	ch := t.woken
	t.mu.Unlock()

	finish := func() {
		t.mu.Lock()
		t.sleeping = false
		t.mu.Unlock()
		close(ch)
	}

	if callback == nil {
		finish()
		return
	}
	go func() {
		callback(t)
		finish()
	}()
}
