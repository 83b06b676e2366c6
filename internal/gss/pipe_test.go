package gss

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/drpc/internal/gss/gsstest"
	"github.com/marmos91/drpc/internal/rpcauth"
)

// TestPipeVersionLatch is the version-conflict scenario: the first open
// fixes the generation, the other generation is busy until the last
// release.
func TestPipeVersionLatch(t *testing.T) {
	env := newTestEnv(t, gsstest.FlavorIntegrity)
	v0 := env.auth.Pipe(0)
	v1 := env.auth.Pipe(1)

	require.NoError(t, v0.Open())
	assert.Equal(t, 0, env.net.Version())

	assert.ErrorIs(t, v1.Open(), ErrBusy)

	// A second daemon on the same generation is fine.
	require.NoError(t, v0.Open())
	v0.Release()
	assert.Equal(t, 0, env.net.Version())

	// Last release resets the latch; the other generation may now latch.
	v0.Release()
	assert.Equal(t, -1, env.net.Version())
	require.NoError(t, v1.Open())
	assert.Equal(t, 1, env.net.Version())
	v1.Release()
}

// TestConcurrentRefreshSharesOneUpcall is the concurrent-refresh scenario:
// many tasks bound to the same uid refresh at once, the daemon sees one
// read, and everyone converges on the identical context.
func TestConcurrentRefreshSharesOneUpcall(t *testing.T) {
	env := newTestEnv(t, gsstest.FlavorIntegrity)
	pipe := env.attachDaemon(t, 1)
	defer pipe.Release()

	const tasks = 64
	var reads atomic.Int32
	allParked := make(chan struct{})

	cancel := answerUpcalls(t, pipe, func([]byte) []byte {
		reads.Add(1)
		<-allParked // hold the reply until every task has refreshed
		return gsstest.EncodeDowncall(1000, 3600, 64, []byte("h"), []byte("k"))
	})
	defer cancel()

	cred := env.lookupCred(t, 1000)
	taskSet := make([]*rpcauth.Task, tasks)
	var wg sync.WaitGroup
	for i := range taskSet {
		taskSet[i] = rpcauth.NewTask(cred)
		wg.Add(1)
		go func(task *rpcauth.Task) {
			defer wg.Done()
			assert.NoError(t, cred.Refresh(task))
		}(taskSet[i])
	}
	wg.Wait()
	close(allParked)

	waitCtx, cancelWait := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelWait()
	for _, task := range taskSet {
		require.NoError(t, task.Wait(waitCtx))
	}

	assert.Equal(t, int32(1), reads.Load())
	want := cred.ctx.Load()
	require.NotNil(t, want)
	for range 4 {
		got := cred.getCtx()
		assert.Same(t, want, got)
		got.put()
	}
	assert.Equal(t, int32(1), env.provider.Imported.Load())
}

// TestReleaseFailsPending: daemon detach fails every pending upcall with
// EPIPE and empties the pending set.
func TestReleaseFailsPending(t *testing.T) {
	env := newTestEnv(t, gsstest.FlavorIntegrity)
	pipe := env.attachDaemon(t, 1)

	cred := env.lookupCred(t, 1000)
	errCh := make(chan error, 1)
	go func() { errCh <- env.auth.createUpcall(context.Background(), cred) }()

	require.Eventually(t, func() bool {
		pipe.mu.Lock()
		defer pipe.mu.Unlock()
		return len(pipe.pending) == 1
	}, time.Second, 5*time.Millisecond)

	pipe.Release()

	assert.ErrorIs(t, <-errCh, ErrPipe)
	pipe.mu.Lock()
	assert.Empty(t, pipe.pending)
	pipe.mu.Unlock()
	assert.Equal(t, -1, env.net.Version())
}

// TestUnreadUpcallExpires: an upcall queued on a pipe no daemon opened is
// failed with ETIMEDOUT once the wait-for-open grace period runs out.
func TestUnreadUpcallExpires(t *testing.T) {
	env := newTestEnv(t, gsstest.FlavorIntegrity)

	// Latch the version through the second authenticator's pipe so the
	// upcall targets env.auth's still-unopened v1 pipe.
	other := &fakeClient{name: "clnt0099"}
	auth2, err := New(env.net, other, gsstest.FlavorIntegrity, Options{})
	require.NoError(t, err)
	require.NoError(t, auth2.Pipe(1).Open())
	defer auth2.Pipe(1).Release()

	pipe := env.auth.Pipe(1)
	pipe.queueTimeout = 50 * time.Millisecond

	cred := env.lookupCred(t, 1000)
	errCh := make(chan error, 1)
	go func() { errCh <- env.auth.createUpcall(context.Background(), cred) }()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrTimedOut)
	case <-time.After(2 * time.Second):
		t.Fatal("queued upcall was not expired")
	}
}

// TestDowncallForUnknownUID: a downcall with no matching pending upcall is
// rejected without side effects.
func TestDowncallForUnknownUID(t *testing.T) {
	env := newTestEnv(t, gsstest.FlavorIntegrity)
	pipe := env.attachDaemon(t, 1)
	defer pipe.Release()

	payload := gsstest.EncodeDowncall(4242, 3600, 64, []byte("h"), []byte("k"))
	assert.ErrorIs(t, pipe.Downcall(payload), ErrNoEnt)
	assert.Equal(t, int32(0), env.provider.Imported.Load())
}

// TestOversizedDowncallRejected enforces the 1024-byte downcall cap.
func TestOversizedDowncallRejected(t *testing.T) {
	env := newTestEnv(t, gsstest.FlavorIntegrity)
	pipe := env.attachDaemon(t, 1)
	defer pipe.Release()

	big := gsstest.EncodeDowncall(1000, 3600, 64, []byte("h"), make([]byte, 2048))
	assert.ErrorIs(t, pipe.Downcall(big), ErrTooBig)
}

// TestDowncallImportFailureRetries: a downcall whose context blob cannot be
// imported completes the upcall with EAGAIN rather than poisoning the
// credential.
func TestDowncallImportFailureRetries(t *testing.T) {
	env := newTestEnv(t, gsstest.FlavorIntegrity)
	env.provider.ImportErr = assert.AnError
	pipe := env.attachDaemon(t, 1)
	defer pipe.Release()

	cancel := answerUpcalls(t, pipe, func([]byte) []byte {
		return gsstest.EncodeDowncall(1000, 3600, 64, []byte("h"), []byte("k"))
	})
	defer cancel()

	cred := env.lookupCred(t, 1000)
	err := env.auth.createUpcall(context.Background(), cred)
	assert.ErrorIs(t, err, ErrAgain)
	assert.False(t, cred.testFlag(credNegative))
	assert.True(t, cred.testFlag(credNew))
}
