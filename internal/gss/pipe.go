package gss

import (
	"context"
	"sync"
	"time"

	"github.com/marmos91/drpc/internal/logger"
	"github.com/marmos91/drpc/internal/ratelimiter"
	"github.com/marmos91/drpc/internal/rpcauth"
)

// upcallQueueTimeout bounds how long an upcall may sit queued on a pipe no
// daemon has opened yet before it is failed with ETIMEDOUT.
const upcallQueueTimeout = 30 * time.Second

// warnInterval throttles the "gssd not running" warning.
const warnInterval = 15 * time.Second

// PipeNet is the process-wide pipe state shared by every authenticator: the
// version latch, the user count tied to it, and the queues of callers
// parked until a daemon attaches.
//
// The latch invariant: version >= 0 if and only if users > 0. The first
// open by any daemon fixes the version; it cannot change while any pipe
// user (daemon or in-flight upcall) exists.
type PipeNet struct {
	mu          sync.Mutex
	version     int
	users       int
	gssdRunning bool
	arrived     chan struct{} // closed when a daemon attaches; replaced on reset

	// VersionWaitQueue parks RPC tasks whose refresh found no daemon.
	// Woken on the first pipe open.
	VersionWaitQueue *rpcauth.WaitQueue

	warnLimit *ratelimiter.RateLimiter
}

// NewPipeNet creates the shared pipe state with no daemon attached.
func NewPipeNet() *PipeNet {
	return &PipeNet{
		version:          -1,
		gssdRunning:      true,
		arrived:          make(chan struct{}),
		VersionWaitQueue: rpcauth.NewWaitQueue("gss pipe version"),
		warnLimit:        ratelimiter.NewInterval(warnInterval, 1),
	}
}

// getVersion takes a pipe-user reference and returns the latched version,
// or ErrAgain when no daemon has a pipe open.
func (n *PipeNet) getVersion() (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.version < 0 {
		return -1, ErrAgain
	}
	n.users++
	return n.version, nil
}

// putVersion drops a pipe-user reference. The last drop resets the latch.
func (n *PipeNet) putVersion() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.users--
	if n.users == 0 {
		n.version = -1
		n.arrived = make(chan struct{})
	}
}

// open latches version on first open, rejects mismatched versions with
// ErrBusy, and wakes everyone parked on "daemon absent".
func (n *PipeNet) open(version int) error {
	n.mu.Lock()
	if n.version < 0 {
		// First open of any gss pipe determines the version.
		n.version = version
		n.users++
		n.gssdRunning = true
		close(n.arrived)
		n.mu.Unlock()
		n.VersionWaitQueue.WakeUp()
		return nil
	}
	if n.version != version {
		// Trying to open a pipe of a different version.
		n.mu.Unlock()
		return ErrBusy
	}
	n.users++
	n.mu.Unlock()
	return nil
}

// Version returns the latched version, -1 if no pipe is open.
func (n *PipeNet) Version() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.version
}

// GssdRunning reports whether we believe a daemon is serving upcalls. It
// turns false after an absence timeout and true again on the next open.
func (n *PipeNet) GssdRunning() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.gssdRunning
}

func (n *PipeNet) setGssdRunning(v bool) {
	n.mu.Lock()
	n.gssdRunning = v
	n.mu.Unlock()
}

// arrivedChan returns a channel closed when a daemon attaches.
func (n *PipeNet) arrivedChan() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.arrived
}

// warnGssd emits the rate-limited "daemon missing" warning.
func (n *PipeNet) warnGssd() {
	if n.warnLimit.Allow() {
		logger.Warn("AUTH_GSS upcall timed out. Please check user daemon is running")
	}
}

// Pipe is one upcall/downcall channel between this process and the daemon.
// Upcalls queue until the daemon reads them; downcalls complete pending
// messages. Created with wait-for-open semantics: upcalls written before
// any daemon attaches are held, then failed after upcallQueueTimeout.
type Pipe struct {
	name    string
	version int
	auth    *Auth
	net     *PipeNet

	mu       sync.Mutex
	open     bool
	pending  []*upcallMsg // awaiting a downcall, keyed by uid
	queue    []*upcallMsg // written but not yet read by the daemon
	readable chan struct{} // signalled when queue becomes non-empty
	expire   *time.Timer

	queueTimeout time.Duration
}

func newPipe(auth *Auth, name string, version int) *Pipe {
	return &Pipe{
		name:         name,
		version:      version,
		auth:         auth,
		net:          auth.net,
		readable:     make(chan struct{}, 1),
		queueTimeout: upcallQueueTimeout,
	}
}

// Name returns the pipe's node name in the filesystem surface.
func (p *Pipe) Name() string { return p.name }

// Open attaches a daemon to the pipe. The first open of any pipe latches
// the process-wide version; opening the other version fails with ErrBusy.
func (p *Pipe) Open() error {
	if err := p.net.open(p.version); err != nil {
		return err
	}
	p.mu.Lock()
	p.open = true
	if p.expire != nil {
		p.expire.Stop()
		p.expire = nil
	}
	p.mu.Unlock()
	return nil
}

// queueUpcall makes msg readable by the daemon. If no daemon has opened the
// pipe yet the message waits, up to upcallQueueTimeout.
func (p *Pipe) queueUpcall(msg *upcallMsg) error {
	p.mu.Lock()
	p.queue = append(p.queue, msg)
	if !p.open && p.expire == nil {
		p.expire = time.AfterFunc(p.queueTimeout, p.expireQueued)
	}
	p.mu.Unlock()

	select {
	case p.readable <- struct{}{}:
	default:
	}
	return nil
}

// expireQueued fails every still-unread upcall on a pipe that never got
// opened.
func (p *Pipe) expireQueued() {
	p.mu.Lock()
	if p.open {
		p.mu.Unlock()
		return
	}
	stale := p.queue
	p.queue = nil
	p.expire = nil
	p.mu.Unlock()

	for _, msg := range stale {
		msg.setErr(ErrTimedOut)
		p.destroyMsg(msg)
	}
}

// Receive blocks until an upcall is available and returns its encoded
// request bytes. Called by the daemon transport.
func (p *Pipe) Receive(ctx context.Context) ([]byte, error) {
	for {
		p.mu.Lock()
		if len(p.queue) > 0 {
			msg := p.queue[0]
			p.queue = p.queue[1:]
			p.mu.Unlock()
			return msg.data, nil
		}
		p.mu.Unlock()

		select {
		case <-p.readable:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Downcall feeds a daemon reply into the pipe, completing the pending
// upcall it addresses.
func (p *Pipe) Downcall(data []byte) error {
	return p.auth.handleDowncall(p, data)
}

// destroyMsg handles an upcall dropped without being consumed. A negative
// errno means the drop is final: the message is unhashed and its waiters
// failed. Timeouts additionally warn that the daemon looks dead.
func (p *Pipe) destroyMsg(msg *upcallMsg) {
	if msg.errOrNil() == nil {
		return
	}
	msg.get()
	p.unhashMsg(msg)
	if msg.errOrNil() == ErrTimedOut {
		p.net.warnGssd()
	}
	msg.release()
}

// Release detaches the daemon: every pending message fails with EPIPE, the
// unread queue is dropped, and the version latch loses one user.
func (p *Pipe) Release() {
	p.mu.Lock()
	p.open = false
	p.queue = nil
	for len(p.pending) > 0 {
		msg := p.pending[0]
		msg.setErr(ErrPipe)
		msg.get()
		p.unhashLocked(msg)
		p.mu.Unlock()
		msg.release()
		p.mu.Lock()
	}
	p.mu.Unlock()

	p.net.putVersion()
}

// findUpcallLocked returns the pending message for uid with an extra
// reference, or nil. Caller holds p.mu.
func (p *Pipe) findUpcallLocked(uid uint32) *upcallMsg {
	for _, msg := range p.pending {
		if msg.uid == uid {
			return msg.get()
		}
	}
	return nil
}

// addMsg inserts msg into the pending set unless an upcall for the same uid
// is already in flight, in which case the existing message is returned with
// a reference and msg is left untouched. This is the at-most-one-upcall-
// per-uid guarantee.
func (p *Pipe) addMsg(msg *upcallMsg) *upcallMsg {
	p.mu.Lock()
	defer p.mu.Unlock()
	if old := p.findUpcallLocked(msg.uid); old != nil {
		return old
	}
	msg.get()
	msg.hashed = true
	p.pending = append(p.pending, msg)
	return msg
}

// removeLocked takes msg off the pending list without completing it, so a
// concurrent downcall for the same uid cannot find it while its payload is
// being parsed. Caller holds p.mu.
func (p *Pipe) removeLocked(msg *upcallMsg) {
	for i, m := range p.pending {
		if m == msg {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			return
		}
	}
}

// unhashLocked removes msg from the pending set and wakes both waiter
// populations. The remove-then-wake order matters: a woken waiter must not
// observe its message still pending. Caller holds p.mu.
func (p *Pipe) unhashLocked(msg *upcallMsg) {
	if !msg.hashed {
		return
	}
	msg.hashed = false
	if err := msg.errOrNil(); err == ErrPipe || err == ErrTimedOut {
		// Downcalls record their own outcome in handleDowncall.
		p.auth.metrics.RecordUpcallDone(err)
	}
	p.removeLocked(msg)
	msg.complete()
	msg.rpcWaitQueue.WakeUpStatus(msg.errOrNil())
	msg.refs.Add(-1)
}

// unhashMsg is unhashLocked for callers not holding the pipe lock.
func (p *Pipe) unhashMsg(msg *upcallMsg) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unhashLocked(msg)
}
