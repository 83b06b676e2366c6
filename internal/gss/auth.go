package gss

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/marmos91/drpc/internal/logger"
	"github.com/marmos91/drpc/internal/protocol/xdr"
	"github.com/marmos91/drpc/internal/rpcauth"
	"github.com/marmos91/drpc/pkg/metrics"
)

// Slack the transport reserves in its buffers for auth-added bytes: twice
// the maximum auth size for the send side (credential plus verifier), and a
// krb5 verifier plus the two integers integrity prepends for the receive
// side.
const (
	CredSlack = rpcauth.MaxAuthSize * 2
	VerfSlack = 100
)

// DefaultRetryDelay is the negative-credential cooling-off window.
const DefaultRetryDelay = 5 * time.Second

// ClientInfo is the slice of the owning RPC client the authenticator needs:
// a directory name for its pipe nodes, the target principal for v1
// upcalls, and a way to fire the best-effort DESTROY call.
type ClientInfo interface {
	// Name identifies the client in the pipe filesystem namespace.
	Name() string

	// Principal is the target service principal, empty if unset.
	Principal() string

	// CallNull issues a NULL RPC bound to cred. Used only to carry the
	// DESTROY control procedure at credential teardown.
	CallNull(cred rpcauth.Cred) error
}

// Options tunes an authenticator.
type Options struct {
	// RetryDelay overrides the negative-credential cooling-off window.
	RetryDelay time.Duration

	// Metrics receives observability events; nil means none.
	Metrics metrics.GSSMetrics
}

// Auth is one RPCSEC_GSS authenticator instance, typically per mount or
// per client. It owns the mechanism binding, the two upcall pipes and the
// credential cache. Reference counted: credentials hold it alive until the
// cache and the owning client both let go.
type Auth struct {
	refs atomic.Int32

	mech    *Mechanism
	service SecService
	flavor  uint32
	client  ClientInfo
	target  string

	net   *PipeNet
	pipes [2]*Pipe

	cache      *rpcauth.CredCache
	retryDelay time.Duration
	metrics    metrics.GSSMetrics

	// Daemon-absence timeouts; fixed except in tests.
	daemonWait  time.Duration
	daemonRetry time.Duration
}

// New creates an authenticator for the given pseudo-flavor. The flavor
// selects both the mechanism and the security service.
func New(net *PipeNet, client ClientInfo, flavor uint32, opts Options) (*Auth, error) {
	mech, service := MechanismByPseudoFlavor(flavor)
	if mech == nil {
		return nil, fmt.Errorf("gss: pseudo-flavor %d not found", flavor)
	}

	a := &Auth{
		mech:       mech,
		service:    service,
		flavor:     flavor,
		client:     client,
		target:     client.Principal(),
		net:        net,
		retryDelay: opts.RetryDelay,
		metrics:    opts.Metrics,
	}
	if a.retryDelay == 0 {
		a.retryDelay = DefaultRetryDelay
	}
	a.daemonWait = daemonWaitTimeout
	a.daemonRetry = daemonRetryTimeout
	if a.metrics == nil {
		a.metrics = metrics.NoopGSS()
	}
	a.refs.Add(1)

	// The new-style pipe is created before the legacy one, so a listing
	// taken mid-create never shows only the legacy pipe.
	a.pipes[1] = newPipe(a, "gssd", 1)
	a.pipes[0] = newPipe(a, mech.Name, 0)
	a.cache = rpcauth.NewCredCache(gssCredOps{auth: a})
	return a, nil
}

// Flavor returns the pseudo-flavor this authenticator was created with.
func (a *Auth) Flavor() uint32 { return a.flavor }

// Mechanism returns the bound mechanism.
func (a *Auth) Mechanism() *Mechanism { return a.mech }

// Service returns the security service selected by the pseudo-flavor.
func (a *Auth) Service() SecService { return a.service }

// Pipe returns the pipe for the given version (0 or 1).
func (a *Auth) Pipe(version int) *Pipe { return a.pipes[version] }

// Lookup returns a credential for acred from the embedded cache.
func (a *Auth) Lookup(acred rpcauth.AuthCred, flags int) (rpcauth.Cred, error) {
	return a.cache.Lookup(acred, flags)
}

// Destroy tears the authenticator down: credentials first (they hold the
// last references to contexts and to the authenticator itself), then the
// authenticator's own reference.
func (a *Auth) Destroy() {
	a.cache.Destroy()
	a.put()
}

func (a *Auth) get() { a.refs.Add(1) }

func (a *Auth) put() {
	if a.refs.Add(-1) == 0 {
		// Nothing further to free: pipes carry no daemon-side state
		// once every credential is gone and the client released us.
		logger.Debug("gss: authenticator for mech %s destroyed", a.mech.Name)
	}
}

// renewCred rebinds task to a fresh credential with the same identity as
// cred, which went stale. Stale credentials are never repaired in place.
func (a *Auth) renewCred(task *rpcauth.Task, cred *gssCred) (*gssCred, error) {
	acred := rpcauth.AuthCred{
		UID:         cred.uid,
		Principal:   cred.principal,
		MachineCred: cred.principal != "",
	}
	fresh, err := a.Lookup(acred, rpcauth.LookupNew)
	if err != nil {
		return nil, err
	}
	task.Cred = fresh
	return fresh.(*gssCred), nil
}

// ============================================================================
// Credential marshalling (call header)
// ============================================================================

// Marshal emits the RPCSEC_GSS credential block and the MIC verifier. buf
// holds the call bytes from the XID through the procedure number; the MIC
// covers everything from the XID to the last byte of the credential.
func (c *gssCred) Marshal(task *rpcauth.Task, buf *xdr.Buffer) error {
	ctx := c.getCtx()
	if ctx == nil {
		return ErrAgain
	}
	defer ctx.put()

	buf.WriteUint32(rpcauth.AuthGSS)
	credLen := buf.Reserve()

	task.SeqNo = ctx.nextSeq()
	c.auth.metrics.RecordSeqAllocated()

	buf.WriteUint32(Version)
	buf.WriteUint32(uint32(ctx.proc))
	buf.WriteUint32(task.SeqNo)
	buf.WriteUint32(uint32(c.service))
	buf.WriteOpaque(ctx.wireCtx)
	buf.SetUint32(credLen, uint32(buf.Len()-credLen-4))

	// The verifier MIC covers the header from the XID to the end of the
	// credential block.
	mic, major := ctx.mechCtx.GetMIC(buf.Bytes())
	switch major {
	case MajorContextExpired:
		// Let the call go out; the server's rejection drives renewal.
		c.clearFlag(credUpToDate)
		c.auth.metrics.RecordContextExpired()
	case MajorFailure:
		logger.Error("gss: get_mic failed while marshalling uid %d", c.uid)
		return ErrIO
	}

	buf.WriteUint32(rpcauth.AuthGSS)
	buf.WriteOpaque(mic)
	return nil
}

// Validate consumes the reply verifier: an AUTH_GSS opaque holding a MIC
// over the request's sequence number (as a big-endian integer, not an XDR
// encoding choice by the server).
func (c *gssCred) Validate(task *rpcauth.Task, rd *xdr.Reader) error {
	ctx := c.getCtx()
	if ctx == nil {
		return ErrAgain
	}
	defer ctx.put()

	flavor, err := rd.ReadUint32()
	if err != nil {
		return err
	}
	length, err := rd.ReadUint32()
	if err != nil {
		return err
	}
	if flavor != rpcauth.AuthGSS || length > rpcauth.MaxAuthSize {
		return ErrIO
	}
	mic, err := rd.ReadRaw(int(length))
	if err != nil {
		return err
	}
	if pad := int(xdr.Pad(length)); pad > 0 {
		if _, err := rd.ReadRaw(pad); err != nil {
			return err
		}
	}

	var seq [4]byte
	binary.BigEndian.PutUint32(seq[:], task.SeqNo)
	switch ctx.mechCtx.VerifyMIC(seq[:], mic) {
	case MajorComplete:
	case MajorContextExpired:
		c.clearFlag(credUpToDate)
		c.auth.metrics.RecordContextExpired()
	default:
		logger.Debug("gss: reply verifier check failed for uid %d", c.uid)
		return ErrIO
	}

	// Record the verifier footprint so downstream slack accounting is
	// right: flavor word, length word, and the rounded-up MIC.
	task.VerfSize = 8 + int(length) + int(xdr.Pad(length))
	return nil
}

// ============================================================================
// Request wrapping / response unwrapping (call body)
// ============================================================================

// WrapReq encodes the procedure arguments with the protection the
// credential's service calls for. Control procedures and ServiceNone go out
// in the clear.
func (c *gssCred) WrapReq(task *rpcauth.Task, encode rpcauth.EncodeFunc, obj any, buf *xdr.Buffer) error {
	ctx := c.getCtx()
	if ctx == nil {
		return ErrAgain
	}
	defer ctx.put()

	if ctx.proc != ProcData {
		// Context destruction requests are not wrapped.
		return encode(obj, buf)
	}
	switch c.service {
	case ServiceNone:
		return encode(obj, buf)
	case ServiceIntegrity:
		return c.wrapInteg(task, ctx, encode, obj, buf)
	case ServicePrivacy:
		return c.wrapPriv(task, ctx, encode, obj, buf)
	default:
		return ErrIO
	}
}

// wrapInteg emits rpc_gss_integ_data: an opaque holding seqno plus the
// encoded arguments, followed by a MIC over that range.
func (c *gssCred) wrapInteg(task *rpcauth.Task, ctx *Context, encode rpcauth.EncodeFunc, obj any, buf *xdr.Buffer) error {
	integLen := buf.Reserve()
	offset := buf.Len()
	buf.WriteUint32(task.SeqNo)

	if err := encode(obj, buf); err != nil {
		return err
	}
	buf.SetUint32(integLen, uint32(buf.Len()-offset))

	mic, major := ctx.mechCtx.GetMIC(buf.BytesFrom(offset))
	switch major {
	case MajorContextExpired:
		c.clearFlag(credUpToDate)
		c.auth.metrics.RecordContextExpired()
	case MajorFailure:
		c.auth.metrics.RecordWrapFailure()
		return ErrIO
	}
	buf.WriteOpaque(mic)
	return nil
}

// wrapPriv emits rpc_gss_priv_data: an opaque holding the mechanism's wrap
// token over seqno plus the encoded arguments. The plaintext is copied out
// of the send buffer before wrapping so the token can be laid down in
// place; CredSlack covers the size difference.
func (c *gssCred) wrapPriv(task *rpcauth.Task, ctx *Context, encode rpcauth.EncodeFunc, obj any, buf *xdr.Buffer) error {
	opaqueLen := buf.Reserve()
	offset := buf.Len()
	buf.WriteUint32(task.SeqNo)

	if err := encode(obj, buf); err != nil {
		return err
	}

	// Move the cleartext onto its own storage; Wrap output replaces it.
	cleartext := append([]byte(nil), buf.BytesFrom(offset)...)
	token, major := ctx.mechCtx.Wrap(cleartext)
	switch major {
	case MajorContextExpired:
		// The encryption was still performed, so the request stays on
		// the wire; renewal happens on the server's verdict.
		c.clearFlag(credUpToDate)
		c.auth.metrics.RecordContextExpired()
	case MajorFailure:
		c.auth.metrics.RecordWrapFailure()
		return ErrIO
	}

	buf.Truncate(offset)
	buf.WriteRaw(token)
	buf.SetUint32(opaqueLen, uint32(len(token)))
	buf.WritePad(xdr.Pad(uint32(len(token))))
	return nil
}

// UnwrapResp undoes WrapReq on the reply body, then decodes the results.
func (c *gssCred) UnwrapResp(task *rpcauth.Task, decode rpcauth.DecodeFunc, obj any, rd *xdr.Reader) error {
	ctx := c.getCtx()
	if ctx == nil {
		return ErrAgain
	}
	defer ctx.put()

	if ctx.proc != ProcData {
		return decode(obj, rd)
	}

	bodyStart := rd.Offset()
	switch c.service {
	case ServiceNone:
		task.ReplySlack = task.VerfSize
	case ServiceIntegrity:
		if err := c.unwrapInteg(task, ctx, rd); err != nil {
			return err
		}
		task.ReplySlack = task.VerfSize + (rd.Offset() - bodyStart)
	case ServicePrivacy:
		var err error
		if rd, err = c.unwrapPriv(task, ctx, rd); err != nil {
			return err
		}
		// Opaque length word plus the encrypted sequence number.
		task.ReplySlack = task.VerfSize + 8
	default:
		return ErrIO
	}
	return decode(obj, rd)
}

// unwrapInteg verifies rpc_gss_integ_data in place and leaves rd positioned
// after the sequence number, at the start of the results.
func (c *gssCred) unwrapInteg(task *rpcauth.Task, ctx *Context, rd *xdr.Reader) error {
	integLen, err := rd.ReadUint32()
	if err != nil {
		return ErrIO
	}
	if integLen%4 != 0 {
		return ErrIO
	}
	dataOffset := rd.Offset()
	micOffset := dataOffset + int(integLen)
	if micOffset > rd.Len() {
		return ErrIO
	}

	seq, err := rd.ReadUint32()
	if err != nil || seq != task.SeqNo {
		return ErrIO
	}

	payload, err := rd.Sub(dataOffset, int(integLen))
	if err != nil {
		return ErrIO
	}
	rest, err := rd.Sub(micOffset, rd.Len()-micOffset)
	if err != nil {
		return ErrIO
	}
	mic, err := xdr.NewReader(rest).ReadOpaque()
	if err != nil {
		return ErrIO
	}

	switch ctx.mechCtx.VerifyMIC(payload, mic) {
	case MajorComplete:
	case MajorContextExpired:
		c.clearFlag(credUpToDate)
		c.auth.metrics.RecordContextExpired()
	default:
		c.auth.metrics.RecordUnwrapFailure()
		return ErrIO
	}

	// Hide the checksum from the decoder: the results end where the MIC
	// begins.
	rd.Truncate(micOffset)
	return nil
}

// unwrapPriv decrypts rpc_gss_priv_data and returns a reader over the
// recovered cleartext, positioned after the verified sequence number.
func (c *gssCred) unwrapPriv(task *rpcauth.Task, ctx *Context, rd *xdr.Reader) (*xdr.Reader, error) {
	opaqueLen, err := rd.ReadUint32()
	if err != nil {
		return nil, ErrIO
	}
	offset := rd.Offset()
	if offset+int(opaqueLen) > rd.Len() {
		return nil, ErrIO
	}
	token, err := rd.Sub(offset, int(opaqueLen))
	if err != nil {
		return nil, ErrIO
	}

	clear, major := ctx.mechCtx.Unwrap(token)
	switch major {
	case MajorComplete:
	case MajorContextExpired:
		c.clearFlag(credUpToDate)
		c.auth.metrics.RecordContextExpired()
	default:
		c.auth.metrics.RecordUnwrapFailure()
		return nil, ErrIO
	}

	out := xdr.NewReader(clear)
	seq, err := out.ReadUint32()
	if err != nil || seq != task.SeqNo {
		return nil, ErrIO
	}
	return out, nil
}
