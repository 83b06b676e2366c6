// Package rpcauth defines the auth-flavor contract between the RPC client
// runtime and authentication flavors, plus the runtime services flavors rely
// on: the generic credential cache, RPC tasks and wait queues.
//
// The package is flavor-agnostic. A flavor (e.g. RPCSEC_GSS) implements Cred
// and plugs its own match/create policy into the credential cache.
package rpcauth

import (
	"context"

	"github.com/marmos91/drpc/internal/protocol/xdr"
)

// Auth flavor numbers from RFC 5531 and RFC 2203.
const (
	AuthNone uint32 = 0
	AuthSys  uint32 = 1
	AuthGSS  uint32 = 6
)

// MaxAuthSize is the largest opaque auth body the protocol permits in a
// credential or verifier field.
const MaxAuthSize = 400

// AuthCred describes the principal a caller wants to authenticate as.
// It is the lookup key into the credential cache.
type AuthCred struct {
	// UID is the local user the RPC call runs as.
	UID uint32

	// Principal is an optional explicit principal name. A flavor's match
	// policy sees it whether or not MachineCred is set.
	Principal string

	// MachineCred marks a host-wide ("machine") credential request, in
	// which case Principal is copied onto the created credential.
	MachineCred bool
}

// Lookup flags.
const (
	// LookupNew is a lookup hint. The cache does not act on it itself; it
	// passes it to CredOps.MatchCred with the other lookup flags.
	LookupNew = 1 << iota
)

// EncodeFunc serialises procedure arguments into the send buffer.
type EncodeFunc func(obj any, buf *xdr.Buffer) error

// DecodeFunc deserialises procedure results from the receive reader.
type DecodeFunc func(obj any, rd *xdr.Reader) error

// Cred is one cached credential. The runtime calls Marshal/Validate on the
// header path and WrapReq/UnwrapResp around argument serialisation; Refresh
// runs before transmission whenever the credential is not up to date.
//
// Marshal, Validate, WrapReq and UnwrapResp run on the transport path and
// must not block.
type Cred interface {
	// Marshal appends the credential and verifier fields to the call
	// header. buf already contains the bytes from the XID up to and
	// including the procedure number.
	Marshal(t *Task, buf *xdr.Buffer) error

	// Validate consumes the reply verifier and checks it against the
	// request this task sent.
	Validate(t *Task, rd *xdr.Reader) error

	// WrapReq encodes the procedure arguments, applying whatever
	// integrity or privacy protection the credential's service requires.
	WrapReq(t *Task, encode EncodeFunc, obj any, buf *xdr.Buffer) error

	// UnwrapResp is the inverse of WrapReq for the reply body.
	UnwrapResp(t *Task, decode DecodeFunc, obj any, rd *xdr.Reader) error

	// Refresh brings the credential up to date. Called from an RPC task;
	// must not block the caller. A nil return with the task parked on a
	// wait queue means "re-drive me after the wake".
	Refresh(t *Task) error

	// Init synchronously establishes the credential, blocking until it is
	// usable or ctx is cancelled. Used on the cold path by synchronous
	// callers outside the task scheduler.
	Init(ctx context.Context) error

	// Match reports whether this credential satisfies acred.
	Match(acred AuthCred, flags int) bool

	// UpToDate reports whether the credential can be used as-is.
	UpToDate() bool

	// Destroy releases the credential's resources. Called by the cache
	// when the entry is evicted or the cache itself is torn down.
	Destroy()
}
