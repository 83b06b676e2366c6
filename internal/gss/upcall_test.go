package gss

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/drpc/internal/gss/gsstest"
	"github.com/marmos91/drpc/internal/rpcauth"
	"golang.org/x/sys/unix"
)

// answerUpcalls runs a minimal daemon against pipe: for every upcall read,
// reply with the payload produced by respond.
func answerUpcalls(t *testing.T, pipe *Pipe, respond func(data []byte) []byte) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for {
			data, err := pipe.Receive(ctx)
			if err != nil {
				return
			}
			if reply := respond(data); reply != nil {
				_ = pipe.Downcall(reply)
			}
		}
	}()
	return cancel
}

// TestColdCredentialCreation is the cold-path scenario: empty cache, one
// synchronous caller, daemon answers, credential comes up UPTODATE.
func TestColdCredentialCreation(t *testing.T) {
	env := newTestEnv(t, gsstest.FlavorIntegrity)
	pipe := env.attachDaemon(t, 1)
	defer pipe.Release()

	cancel := answerUpcalls(t, pipe, func([]byte) []byte {
		return gsstest.EncodeDowncall(1000, 3600, 128, []byte("AA"), []byte("session-key"))
	})
	defer cancel()

	cred := env.lookupCred(t, 1000)
	require.NoError(t, cred.Init(context.Background()))

	assert.True(t, cred.testFlag(credUpToDate))
	assert.False(t, cred.testFlag(credNew))

	ctx := cred.getCtx()
	require.NotNil(t, ctx)
	defer ctx.put()
	assert.Equal(t, []byte("AA"), ctx.WireContext())
	assert.Equal(t, uint32(128), ctx.Window())
	assert.Equal(t, uint32(1), ctx.nextSeq())
}

// TestUpcallEncoding checks both wire encodings of the upcall request.
func TestUpcallEncoding(t *testing.T) {
	t.Run("V1TextLine", func(t *testing.T) {
		env := newTestEnv(t, gsstest.FlavorIntegrity)
		env.client.principal = "nfs@server"
		env.auth.target = "nfs@server"
		pipe := env.attachDaemon(t, 1)
		defer pipe.Release()

		var got []byte
		done := make(chan struct{})
		cancel := answerUpcalls(t, pipe, func(data []byte) []byte {
			got = append([]byte(nil), data...)
			close(done)
			return gsstest.EncodeDowncall(1000, 3600, 64, []byte("h"), []byte("k"))
		})
		defer cancel()

		cred := env.lookupCred(t, 1000)
		require.NoError(t, cred.Init(context.Background()))
		<-done

		line := string(got)
		mech := env.auth.Mechanism().Name
		assert.Equal(t, "mech="+mech+" uid=1000 target=nfs@server \n", line)
		assert.LessOrEqual(t, len(got), upcallBufLen)
	})

	t.Run("V0BinaryUID", func(t *testing.T) {
		env := newTestEnv(t, gsstest.FlavorIntegrity)
		pipe := env.attachDaemon(t, 0)
		defer pipe.Release()

		var got []byte
		cancel := answerUpcalls(t, pipe, func(data []byte) []byte {
			got = append([]byte(nil), data...)
			return gsstest.EncodeDowncall(1000, 3600, 64, []byte("h"), []byte("k"))
		})
		defer cancel()

		cred := env.lookupCred(t, 1000)
		require.NoError(t, cred.Init(context.Background()))
		assert.Equal(t, encodeV0(1000), got)
	})
}

// TestDaemonAbsent is the daemon-down scenario: the first synchronous
// attempt times out with EACCES, the second fails fast because
// gssd_running latched false.
func TestDaemonAbsent(t *testing.T) {
	env := newTestEnv(t, gsstest.FlavorIntegrity)
	env.auth.daemonWait = 100 * time.Millisecond
	env.auth.daemonRetry = 10 * time.Millisecond

	cred := env.lookupCred(t, 1000)

	start := time.Now()
	err := env.auth.createUpcall(context.Background(), cred)
	assert.ErrorIs(t, err, ErrAccess)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.False(t, env.net.GssdRunning())

	// Second attempt uses the short retry timeout.
	start = time.Now()
	err = env.auth.createUpcall(context.Background(), cred)
	assert.ErrorIs(t, err, ErrAccess)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

// TestDaemonArrivesDuringWait verifies a parked synchronous caller resumes
// when a daemon attaches.
func TestDaemonArrivesDuringWait(t *testing.T) {
	env := newTestEnv(t, gsstest.FlavorIntegrity)
	env.auth.daemonWait = 2 * time.Second

	cred := env.lookupCred(t, 1000)
	errCh := make(chan error, 1)
	go func() {
		errCh <- cred.Init(context.Background())
	}()

	time.Sleep(50 * time.Millisecond)
	pipe := env.attachDaemon(t, 1)
	defer pipe.Release()
	cancel := answerUpcalls(t, pipe, func([]byte) []byte {
		return gsstest.EncodeDowncall(1000, 3600, 64, []byte("h"), []byte("k"))
	})
	defer cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("caller did not resume after daemon attach")
	}
	assert.True(t, cred.testFlag(credUpToDate))
}

// TestSyncWaiterCancellation: a killed waiter sees ERESTARTSYS while the
// upcall keeps running and is absorbed silently.
func TestSyncWaiterCancellation(t *testing.T) {
	env := newTestEnv(t, gsstest.FlavorIntegrity)
	pipe := env.attachDaemon(t, 1)
	defer pipe.Release()

	release := make(chan struct{})
	cancel := answerUpcalls(t, pipe, func(data []byte) []byte {
		<-release
		return gsstest.EncodeDowncall(1000, 3600, 64, []byte("h"), []byte("k"))
	})
	defer cancel()

	cred := env.lookupCred(t, 1000)
	waitCtx, kill := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- env.auth.createUpcall(waitCtx, cred) }()

	time.Sleep(20 * time.Millisecond)
	kill()
	assert.ErrorIs(t, <-errCh, ErrRestartSys)

	// Let the upcall complete in the background; its result must be
	// absorbed without touching the credential (no waiter consumed it).
	close(release)
	require.Eventually(t, func() bool {
		pipe.mu.Lock()
		defer pipe.mu.Unlock()
		return len(pipe.pending) == 0
	}, time.Second, 10*time.Millisecond)
}

// TestExpiredKeyCoolOff is the expired-TGT scenario: daemon replies
// window=0 errno=-EKEYEXPIRED, the credential turns NEGATIVE, refreshes
// fail fast inside the window and a new upcall is issued after it.
func TestExpiredKeyCoolOff(t *testing.T) {
	env := newTestEnv(t, gsstest.FlavorIntegrity)
	env.auth.retryDelay = 200 * time.Millisecond
	pipe := env.attachDaemon(t, 1)
	defer pipe.Release()

	var upcalls int
	var mu sync.Mutex
	cancel := answerUpcalls(t, pipe, func([]byte) []byte {
		mu.Lock()
		upcalls++
		mu.Unlock()
		return gsstest.EncodeErrorDowncall(1000, -int32(unix.EKEYEXPIRED))
	})
	defer cancel()

	// Drive the asynchronous refresh path: it records the negative
	// window when the downcall lands.
	cred := env.lookupCred(t, 1000)
	task := rpcauth.NewTask(cred)
	require.NoError(t, cred.Refresh(task))

	waitCtx, cancelWait := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelWait()
	assert.ErrorIs(t, task.Wait(waitCtx), ErrKeyExpired)
	assert.True(t, cred.testFlag(credNegative))

	// Inside the window: immediate failure, no daemon contact.
	mu.Lock()
	before := upcalls
	mu.Unlock()
	assert.ErrorIs(t, cred.Refresh(rpcauth.NewTask(cred)), ErrKeyExpired)
	mu.Lock()
	assert.Equal(t, before, upcalls)
	mu.Unlock()

	// After the window a new upcall goes out.
	time.Sleep(250 * time.Millisecond)
	again := rpcauth.NewTask(cred)
	require.NoError(t, cred.Refresh(again))
	assert.ErrorIs(t, again.Wait(waitCtx), ErrKeyExpired)
	mu.Lock()
	assert.Greater(t, upcalls, before)
	mu.Unlock()
}
