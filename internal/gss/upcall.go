package gss

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/drpc/internal/logger"
	"github.com/marmos91/drpc/internal/rpcauth"
)

// upcallBufLen caps the encoded upcall request (the v1 line format).
const upcallBufLen = 128

// downcallMaxSize caps a single daemon downcall message.
const downcallMaxSize = 1024

// daemonWaitTimeout is how long a synchronous caller waits for any daemon
// to attach before giving up with EACCES.
const daemonWaitTimeout = 15 * time.Second

// daemonRetryTimeout replaces daemonWaitTimeout once we have learned the
// daemon is not running, so repeated cold lookups fail fast.
const daemonRetryTimeout = 250 * time.Millisecond

// upcallMsg is one in-flight request to the daemon. All upcalls for the
// same uid on the same pipe share a single message; both synchronous
// waiters and parked RPC tasks subscribe to its completion.
//
// Result fields (ctx, err) are written before the message is unhashed and
// read by waiters only after the completion wake, with the pipe lock
// ordering the two.
type upcallMsg struct {
	refs atomic.Int32

	uid  uint32
	pipe *Pipe
	auth *Auth
	data []byte // encoded request, v0 binary or v1 text

	// rpcWaitQueue parks asynchronous RPC tasks until completion.
	rpcWaitQueue *rpcauth.WaitQueue

	// done is closed exactly once when the message completes or fails;
	// synchronous waiters block on it and re-check the predicate under
	// the pipe lock.
	done     chan struct{}
	doneOnce sync.Once

	mu  sync.Mutex
	ctx *Context
	err error

	hashed bool // on the pipe's pending list; guarded by pipe.mu
}

func (m *upcallMsg) get() *upcallMsg {
	m.refs.Add(1)
	return m
}

// release drops one reference. The last holder returns the pipe-version
// user count and the context reference the message may still hold.
func (m *upcallMsg) release() {
	if m.refs.Add(-1) != 0 {
		return
	}
	m.auth.net.putVersion()
	if ctx := m.result(); ctx != nil {
		ctx.put()
	}
}

func (m *upcallMsg) setErr(err error) {
	m.mu.Lock()
	if m.err == nil {
		m.err = err
	}
	m.mu.Unlock()
}

func (m *upcallMsg) errOrNil() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *upcallMsg) setResult(ctx *Context) {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()
}

func (m *upcallMsg) result() *Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx
}

// completed is the waiter predicate: a context arrived or the upcall
// failed.
func (m *upcallMsg) completed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx != nil || m.err != nil
}

func (m *upcallMsg) complete() {
	m.doneOnce.Do(func() { close(m.done) })
}

// encodeV0 is the legacy binary upcall: the uid in native byte order.
func encodeV0(uid uint32) []byte {
	buf := make([]byte, 4)
	binary.NativeEndian.PutUint32(buf, uid)
	return buf
}

// encodeV1 is the text upcall consumed by modern daemons:
//
//	mech=<name> uid=<n> [target=<principal>] [service=<name>] [enctypes=<list>] \n
func encodeV1(mech *Mechanism, uid uint32, target, serviceName string) []byte {
	line := fmt.Sprintf("mech=%s uid=%d ", mech.Name, uid)
	if target != "" {
		line += fmt.Sprintf("target=%s ", target)
	}
	if serviceName != "" {
		line += fmt.Sprintf("service=%s ", serviceName)
	}
	if mech.UpcallEnctypes != "" {
		line += fmt.Sprintf("enctypes=%s ", mech.UpcallEnctypes)
	}
	line += "\n"
	return []byte(line)
}

// allocMsg builds an upcall message for uid, taking a pipe-version user
// reference that release() returns. Fails with ErrAgain when no daemon is
// attached.
func (a *Auth) allocMsg(uid uint32, serviceName string) (*upcallMsg, error) {
	vers, err := a.net.getVersion()
	if err != nil {
		return nil, err
	}
	msg := &upcallMsg{
		uid:          uid,
		pipe:         a.pipes[vers],
		auth:         a,
		rpcWaitQueue: rpcauth.NewWaitQueue("RPCSEC_GSS upcall waitq"),
		done:         make(chan struct{}),
	}
	msg.refs.Add(1)
	if vers == 0 {
		msg.data = encodeV0(uid)
	} else {
		msg.data = encodeV1(a.mech, uid, a.target, serviceName)
	}
	if len(msg.data) > upcallBufLen {
		msg.release()
		return nil, ErrInval
	}
	return msg, nil
}

// setupUpcall returns the in-flight upcall for cred's uid, creating and
// queueing a new one when none exists. The caller owns a reference on the
// returned message.
func (a *Auth) setupUpcall(cred *gssCred) (*upcallMsg, error) {
	fresh, err := a.allocMsg(cred.uid, cred.serviceName())
	if err != nil {
		return nil, err
	}
	msg := fresh.pipe.addMsg(fresh)
	if msg == fresh {
		a.metrics.RecordUpcallStart()
		if err := fresh.pipe.queueUpcall(fresh); err != nil {
			fresh.pipe.unhashMsg(fresh)
			fresh.release()
			return nil, err
		}
	} else {
		// Someone else's upcall for this uid is already in flight;
		// ride on it and discard ours.
		fresh.release()
	}
	return msg, nil
}

// createUpcall is the synchronous cold path: block until the daemon
// answers, the wait is cancelled, or no daemon shows up in time.
func (a *Auth) createUpcall(ctx context.Context, cred *gssCred) error {
	for {
		// Default absence timeout is 15s unless we already know the
		// daemon is down, in which case fail fast.
		timeout := a.daemonWait
		if !a.net.GssdRunning() {
			timeout = a.daemonRetry
		}

		msg, err := a.setupUpcall(cred)
		if err == ErrAgain {
			select {
			case <-a.net.arrivedChan():
				continue
			case <-ctx.Done():
				return ErrRestartSys
			case <-time.After(timeout):
				// A daemon may have attached at the very last
				// moment; re-check before giving up.
				if a.net.Version() >= 0 {
					continue
				}
				a.net.setGssdRunning(false)
				a.net.warnGssd()
				return ErrAccess
			}
		}
		if err != nil {
			return err
		}

		err = a.waitUpcall(ctx, cred, msg)
		msg.release()
		return err
	}
}

// waitUpcall blocks on msg's completion and consumes its result directly.
func (a *Auth) waitUpcall(ctx context.Context, cred *gssCred, msg *upcallMsg) error {
	pipe := msg.pipe
	for {
		pipe.mu.Lock()
		if msg.completed() {
			break
		}
		pipe.mu.Unlock()

		select {
		case <-msg.done:
		case <-ctx.Done():
			// The upcall continues in the background; its result is
			// absorbed by whoever else is waiting, or dropped.
			return ErrRestartSys
		}
	}
	var err error
	if gctx := msg.result(); gctx != nil {
		cred.setCtx(gctx)
	} else {
		err = msg.errOrNil()
	}
	pipe.mu.Unlock()
	return err
}

// refreshUpcall is the asynchronous path: the RPC task parks on the upcall
// and is re-driven by the completion callback. Never blocks the caller.
func (a *Auth) refreshUpcall(task *rpcauth.Task, cred *gssCred) error {
	msg, err := a.setupUpcall(cred)
	if err == ErrAgain {
		// No daemon; park the task on the global version queue. We
		// should not normally get here on a refresh, hence the warning.
		a.net.warnGssd()
		a.net.VersionWaitQueue.SleepOn(task, nil)
		return ErrAgain
	}
	if err != nil {
		return err
	}

	pipe := msg.pipe
	pipe.mu.Lock()
	switch {
	case cred.upcall != nil:
		// Another task already subscribed this credential; queue behind
		// its wake.
		cred.upcall.rpcWaitQueue.SleepOn(task, nil)
	case !msg.completed():
		cred.upcall = msg
		msg.get() // dropped by the upcall callback
		msg.rpcWaitQueue.SleepOn(task, func(t *rpcauth.Task) {
			a.upcallCallback(t, cred, msg)
		})
	default:
		a.handleDowncallResultLocked(cred, msg)
		err = msg.errOrNil()
	}
	pipe.mu.Unlock()
	msg.release()
	return err
}

// upcallCallback runs in the woken task's context once the downcall lands:
// copy the result into the credential and drop the task's subscription.
func (a *Auth) upcallCallback(task *rpcauth.Task, cred *gssCred, msg *upcallMsg) {
	pipe := msg.pipe

	pipe.mu.Lock()
	a.handleDowncallResultLocked(cred, msg)
	pipe.mu.Unlock()
	task.SetStatus(msg.errOrNil())
	msg.release()
}

// handleDowncallResultLocked applies a completed upcall to cred. Caller
// holds the pipe lock.
func (a *Auth) handleDowncallResultLocked(cred *gssCred, msg *upcallMsg) {
	switch err := msg.errOrNil(); {
	case err == nil:
		if gctx := msg.result(); gctx != nil {
			cred.clearFlag(credNegative)
			cred.setCtx(gctx)
		}
	case err == ErrKeyExpired:
		cred.setFlag(credNegative)
	}
	cred.upcallStamp = time.Now()
	cred.upcall = nil
	msg.rpcWaitQueue.WakeUpStatus(msg.errOrNil())
}

// handleDowncall parses a daemon reply and completes the pending upcall it
// addresses. Parse failures after the uid map to EAGAIN so a daemon bug
// cannot poison the credential; the daemon's own verdicts (EACCES,
// EKEYEXPIRED) pass through.
func (a *Auth) handleDowncall(pipe *Pipe, data []byte) error {
	if len(data) > downcallMaxSize {
		return ErrTooBig
	}
	cur := &downcallCursor{data: data}
	uid, err := cur.u32()
	if err != nil {
		return err
	}

	gctx := newContext()

	// Take the pending entry off the list before parsing so a second
	// downcall for the same uid cannot complete it concurrently; the
	// wake happens in the unhash below, after the result is assigned.
	pipe.mu.Lock()
	msg := pipe.findUpcallLocked(uid)
	if msg != nil {
		pipe.removeLocked(msg)
	}
	pipe.mu.Unlock()
	if msg == nil {
		gctx.put()
		return ErrNoEnt
	}

	fillErr := fillContext(cur, gctx, a.mech, time.Now())
	switch fillErr {
	case nil:
		msg.setResult(gctx.get())
		a.metrics.RecordContextImported()
	case ErrAccess, ErrKeyExpired:
		msg.setErr(fillErr)
	default:
		logger.Debug("gss: downcall parse for uid %d failed: %v", uid, fillErr)
		msg.setErr(ErrAgain)
	}
	a.metrics.RecordUpcallDone(msg.errOrNil())

	pipe.unhashMsg(msg)
	msg.release()
	gctx.put()

	if fillErr != nil && fillErr != ErrAccess && fillErr != ErrKeyExpired {
		return fillErr
	}
	return nil
}
