package gss

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marmos91/drpc/internal/gss/gsstest"
	"github.com/marmos91/drpc/internal/rpcauth"
)

// ============================================================================
// Test Fixtures
// ============================================================================

// fakeClient satisfies ClientInfo without a transport.
type fakeClient struct {
	name      string
	principal string
	nullCalls atomic.Int32
	nullErr   error
}

func (f *fakeClient) Name() string      { return f.name }
func (f *fakeClient) Principal() string { return f.principal }

func (f *fakeClient) CallNull(cred rpcauth.Cred) error {
	f.nullCalls.Add(1)
	return f.nullErr
}

// testEnv wires a fresh pipe net, a loopback mechanism and an
// authenticator together.
type testEnv struct {
	net      *PipeNet
	auth     *Auth
	provider *gsstest.Provider
	client   *fakeClient
}

// newTestEnv builds an authenticator over a uniquely named loopback
// mechanism. The mechanism is unregistered at cleanup so flavor lookups in
// later tests stay unambiguous.
func newTestEnv(t *testing.T, flavor uint32) *testEnv {
	t.Helper()

	mech := gsstest.NewMechanism("lb-" + t.Name())
	require.NoError(t, RegisterMechanism(mech))
	t.Cleanup(func() { UnregisterMechanism(mech.Name) })

	clnt := &fakeClient{name: "clnt0001"}
	net := NewPipeNet()
	auth, err := New(net, clnt, flavor, Options{})
	require.NoError(t, err)

	return &testEnv{
		net:      net,
		auth:     auth,
		provider: mech.Provider.(*gsstest.Provider),
		client:   clnt,
	}
}

// lookupCred fetches the gssCred for uid from the cache.
func (e *testEnv) lookupCred(t *testing.T, uid uint32) *gssCred {
	t.Helper()
	cred, err := e.auth.Lookup(rpcauth.AuthCred{UID: uid}, 0)
	require.NoError(t, err)
	return cred.(*gssCred)
}

// attachDaemon opens the given pipe version and returns the pipe.
func (e *testEnv) attachDaemon(t *testing.T, version int) *Pipe {
	t.Helper()
	pipe := e.auth.Pipe(version)
	require.NoError(t, pipe.Open())
	return pipe
}

// installedContext builds a published test context carrying the loopback
// provider context keyed by blob.
func (e *testEnv) installedContext(t *testing.T, cred *gssCred, wireCtx, blob []byte) *Context {
	t.Helper()
	mechCtx, err := e.provider.ImportContext(blob)
	require.NoError(t, err)
	ctx := newContext()
	ctx.mechCtx = mechCtx
	ctx.wireCtx = wireCtx
	ctx.win = 128
	ctx.expiry = time.Now().Add(time.Hour)
	cred.setCtx(ctx)
	ctx.put()
	return cred.ctx.Load()
}

func TestMechanismRegistry(t *testing.T) {
	mech := gsstest.NewMechanism("lb-registry")
	require.NoError(t, RegisterMechanism(mech))
	defer UnregisterMechanism("lb-registry")

	t.Run("DuplicateNameRejected", func(t *testing.T) {
		require.Error(t, RegisterMechanism(gsstest.NewMechanism("lb-registry")))
	})

	t.Run("PseudoFlavorResolvesMechanismAndService", func(t *testing.T) {
		m, svc := MechanismByPseudoFlavor(gsstest.FlavorIntegrity)
		require.Same(t, mech, m)
		require.Equal(t, ServiceIntegrity, svc)
	})

	t.Run("UnknownFlavor", func(t *testing.T) {
		m, svc := MechanismByPseudoFlavor(123456)
		require.Nil(t, m)
		require.Equal(t, SecService(0), svc)
	})
}

func TestNewUnknownFlavor(t *testing.T) {
	clnt := &fakeClient{name: "clnt0002"}
	_, err := New(NewPipeNet(), clnt, 424242, Options{})
	require.Error(t, err)
}
