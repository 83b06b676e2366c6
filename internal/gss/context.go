package gss

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"
)

// gssdMinTimeout substitutes for a daemon-supplied lifetime of zero.
const gssdMinTimeout = time.Hour

// Context is one established GSS security context, shared by every call
// issued under the credential that installed it. Once published it is
// immutable except for the sequence counter; teardown rewrites proc to
// ProcDestroy, which is safe only because no other caller holds the
// credential at that point.
type Context struct {
	refs atomic.Int32

	mechCtx ProviderContext
	wireCtx []byte // opaque handle the server minted; echoed in every cred
	expiry  time.Time
	win     uint32 // sequence window advertised by the daemon

	proc ProcType

	seqLock sync.Mutex
	seq     uint32
}

// newContext allocates an unpublished context with one reference held by
// the caller.
func newContext() *Context {
	ctx := &Context{
		proc: ProcData,
		seq:  1, // some servers reject sequence number 0
	}
	ctx.refs.Add(1)
	return ctx
}

// get takes an additional reference.
func (c *Context) get() *Context {
	c.refs.Add(1)
	return c
}

// put drops one reference, deleting the mechanism context when the last
// holder lets go. Memory reclamation itself is deferred to the garbage
// collector, which doubles as the grace period protecting lock-free
// readers.
func (c *Context) put() {
	if c.refs.Add(-1) != 0 {
		return
	}
	if c.mechCtx != nil {
		c.mechCtx.Delete()
	}
}

// nextSeq allocates the next sequence number. Numbers are strictly
// monotonic per context and never reused.
func (c *Context) nextSeq() uint32 {
	c.seqLock.Lock()
	seq := c.seq
	c.seq++
	c.seqLock.Unlock()
	return seq
}

// Expired reports whether the context lifetime has run out.
func (c *Context) Expired(now time.Time) bool {
	return now.After(c.expiry)
}

// Window returns the daemon-advertised sequence window.
func (c *Context) Window() uint32 { return c.win }

// WireContext returns the opaque server handle.
func (c *Context) WireContext() []byte { return c.wireCtx }

// downcallCursor walks a daemon downcall payload. All integers are in host
// byte order: the pipe is local IPC, not a network transport.
type downcallCursor struct {
	data []byte
	off  int
}

func (cur *downcallCursor) u32() (uint32, error) {
	if len(cur.data)-cur.off < 4 {
		return 0, ErrFault
	}
	v := binary.NativeEndian.Uint32(cur.data[cur.off:])
	cur.off += 4
	return v, nil
}

func (cur *downcallCursor) i32() (int32, error) {
	v, err := cur.u32()
	return int32(v), err
}

func (cur *downcallCursor) bytes(n uint32) ([]byte, error) {
	if uint32(len(cur.data)-cur.off) < n {
		return nil, ErrFault
	}
	p := cur.data[cur.off : cur.off+int(n)]
	cur.off += int(n)
	return p, nil
}

// netobj reads a length-prefixed byte string.
func (cur *downcallCursor) netobj() ([]byte, error) {
	n, err := cur.u32()
	if err != nil {
		return nil, err
	}
	return cur.bytes(n)
}

// fillContext parses the remainder of a downcall (everything after the uid)
// into ctx and imports the security context through the mechanism provider.
//
// Layout: timeout:u32, window:u32, then either a signed errno (window == 0)
// or wire_ctx:netobj, seclen:u32, sec_blob. A timeout of zero means "assume
// at least one hour".
func fillContext(cur *downcallCursor, ctx *Context, mech *Mechanism, now time.Time) error {
	timeout, err := cur.u32()
	if err != nil {
		return err
	}
	lifetime := time.Duration(timeout) * time.Second
	if lifetime == 0 {
		lifetime = gssdMinTimeout
	}
	ctx.expiry = now.Add(lifetime)

	window, err := cur.u32()
	if err != nil {
		return err
	}
	ctx.win = window

	// The daemon signals an error by passing window == 0, in which case
	// the payload carries an errno. Anything other than -EKEYEXPIRED is
	// reported as -EACCES.
	if ctx.win == 0 {
		errno, err := cur.i32()
		if err != nil {
			return err
		}
		if downErr := errnoToError(errno); downErr == ErrKeyExpired {
			return ErrKeyExpired
		}
		return ErrAccess
	}

	wire, err := cur.netobj()
	if err != nil {
		return err
	}
	ctx.wireCtx = append([]byte(nil), wire...)

	seclen, err := cur.u32()
	if err != nil {
		return err
	}
	blob, err := cur.bytes(seclen)
	if err != nil {
		return err
	}
	mechCtx, err := mech.Provider.ImportContext(blob)
	if err != nil {
		return ErrInval
	}
	ctx.mechCtx = mechCtx
	return nil
}
