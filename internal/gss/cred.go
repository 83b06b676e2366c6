package gss

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/marmos91/drpc/internal/logger"
	"github.com/marmos91/drpc/internal/rpcauth"
)

// Credential status flags.
const (
	// credNew marks a credential that has never held a context. It is
	// deliberately not up to date, which forces a refresh on first use.
	credNew uint32 = 1 << iota

	// credUpToDate means a live context is installed and unexpired.
	credUpToDate

	// credNegative marks a credential the daemon reported as expired;
	// refreshes fail immediately until the cooling-off window passes.
	credNegative
)

// gssCred is one cached RPCSEC_GSS credential: a (uid, principal) bound to
// a swappable security context.
type gssCred struct {
	uid       uint32
	principal string // empty unless created for a machine credential
	service   SecService
	auth      *Auth

	flags atomic.Uint32

	// ctx is published with a release-store; readers load it lock-free.
	ctx atomic.Pointer[Context]

	// upcall and upcallStamp are guarded by the pipe lock of the upcall's
	// pipe, matching the completion fan-out.
	upcall      *upcallMsg
	upcallStamp time.Time

	// nullOps redirects Refresh to the always-failing variant used while
	// the context is being destroyed.
	nullOps bool
}

func (c *gssCred) testFlag(f uint32) bool { return c.flags.Load()&f != 0 }

func (c *gssCred) setFlag(f uint32) {
	for {
		old := c.flags.Load()
		if c.flags.CompareAndSwap(old, old|f) {
			return
		}
	}
}

func (c *gssCred) clearFlag(f uint32) {
	for {
		old := c.flags.Load()
		if c.flags.CompareAndSwap(old, old&^f) {
			return
		}
	}
}

// serviceName returns the label sent in v1 upcalls, empty for the default.
func (c *gssCred) serviceName() string {
	if c.principal == "" {
		return ""
	}
	switch c.service {
	case ServiceIntegrity:
		return "integ"
	case ServicePrivacy:
		return "priv"
	default:
		return ""
	}
}

// setCtx publishes ctx as the credential's current context. It is the only
// publication point and a no-op unless the credential is still NEW: an
// established credential is never mutated in place, it is replaced by a
// rebind. The store order (context pointer, then UPTODATE, then clearing
// NEW) guarantees a reader that observes UPTODATE also observes the fully
// initialised context.
func (c *gssCred) setCtx(ctx *Context) {
	if !c.testFlag(credNew) {
		return
	}
	ctx.get()
	c.ctx.Store(ctx)
	c.setFlag(credUpToDate)
	c.clearFlag(credNew)
}

// getCtx returns the current context with a reference, or nil. Lock-free;
// the garbage collector provides the grace period that keeps a loaded
// pointer alive until the reference is taken.
func (c *gssCred) getCtx() *Context {
	ctx := c.ctx.Load()
	if ctx == nil {
		return nil
	}
	return ctx.get()
}

// isNegativeEntry reports whether the credential is inside its cooling-off
// window after the daemon declared the key expired.
func (c *gssCred) isNegativeEntry(now time.Time) bool {
	if !c.testFlag(credNegative) {
		return false
	}
	begin := c.upcallStamp
	expire := begin.Add(c.auth.retryDelay)
	return !now.Before(begin) && now.Before(expire)
}

// Match implements the cache policy: equal uid and equal principal, with
// NEW credentials always matching (they will be resolved by refresh) and
// established ones additionally required to be UPTODATE and unexpired.
func (c *gssCred) Match(acred rpcauth.AuthCred, flags int) bool {
	if !c.testFlag(credNew) {
		ctx := c.ctx.Load()
		if ctx == nil || ctx.Expired(time.Now()) {
			return false
		}
		if !c.testFlag(credUpToDate) {
			return false
		}
	}
	if acred.Principal != "" {
		return c.principal == acred.Principal && c.uid == acred.UID
	}
	if c.principal != "" {
		return false
	}
	return c.uid == acred.UID
}

// UpToDate implements rpcauth.Cred.
func (c *gssCred) UpToDate() bool {
	return c.testFlag(credUpToDate)
}

// Init synchronously establishes the credential, retrying transient
// failures until the daemon gives a verdict or ctx is cancelled.
func (c *gssCred) Init(ctx context.Context) error {
	for {
		err := c.auth.createUpcall(ctx, c)
		if err != ErrAgain {
			return err
		}
	}
}

// Refresh implements the renew decision:
//
//  1. Inside the negative cooling-off window: fail with EKEYEXPIRED
//     without contacting the daemon.
//  2. Neither NEW nor UPTODATE (the context went stale): rebind the task
//     to a fresh credential for the same (uid, principal).
//  3. NEW: drive the asynchronous upcall.
func (c *gssCred) Refresh(task *rpcauth.Task) error {
	if c.nullOps {
		return ErrAccess
	}
	cred := c
	if cred.isNegativeEntry(time.Now()) {
		return ErrKeyExpired
	}

	if !cred.testFlag(credNew) && !cred.testFlag(credUpToDate) {
		renewed, err := c.auth.renewCred(task, cred)
		if err != nil {
			return err
		}
		cred = renewed
	}

	if cred.testFlag(credNew) {
		return c.auth.refreshUpcall(task, cred)
	}
	return nil
}

// Destroy tears the credential down. If a live context is installed, a
// best-effort NULL RPC with the procedure rewritten to DESTROY tells the
// server to drop its side of the context first.
func (c *gssCred) Destroy() {
	if c.destroyingContext() {
		return
	}
	c.destroyNull()
}

// destroyingContext sends the DESTROY call when there is a context worth
// destroying. Returns false when the credential never became usable.
func (c *gssCred) destroyingContext() bool {
	ctx := c.ctx.Load()
	if ctx == nil || !c.testFlag(credUpToDate) {
		return false
	}

	// Safe to rewrite: nobody else holds this credential at teardown.
	ctx.proc = ProcDestroy
	c.nullOps = true

	if err := c.auth.client.CallNull(c); err != nil {
		logger.Debug("gss: DESTROY call for uid %d failed: %v", c.uid, err)
	}
	c.destroyNull()
	return true
}

// destroyNull releases the context and the credential's hold on the
// authenticator without server interaction.
func (c *gssCred) destroyNull() {
	ctx := c.ctx.Swap(nil)
	if ctx != nil {
		ctx.put()
	}
	c.auth.put()
}

// gssCredOps plugs the RPCSEC_GSS policy into the generic credential cache.
type gssCredOps struct {
	auth *Auth
}

// MatchCred implements rpcauth.CredOps.
func (o gssCredOps) MatchCred(acred rpcauth.AuthCred, cred rpcauth.Cred, flags int) bool {
	return cred.Match(acred, flags)
}

// CreateCred implements rpcauth.CredOps: a NEW credential with no context,
// the service inherited from the authenticator, and the principal copied
// only for machine credentials.
func (o gssCredOps) CreateCred(acred rpcauth.AuthCred, flags int) (rpcauth.Cred, error) {
	cred := &gssCred{
		uid:     acred.UID,
		service: o.auth.service,
		auth:    o.auth,
	}
	cred.setFlag(credNew)
	if acred.MachineCred {
		cred.principal = acred.Principal
	}
	o.auth.get()
	return cred, nil
}
