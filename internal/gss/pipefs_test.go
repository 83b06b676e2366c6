package gss

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/drpc/internal/gss/gsstest"
)

// TestPipeFSEndToEnd attaches a daemon over the unix-socket surface and
// walks a complete upcall/downcall exchange.
func TestPipeFSEndToEnd(t *testing.T) {
	env := newTestEnv(t, gsstest.FlavorIntegrity)

	// Unix socket paths are length-limited; keep the directory short.
	dir, err := os.MkdirTemp("", "pfs")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	pipefs := NewPipeFS(dir)
	require.NoError(t, pipefs.Export(env.auth))
	defer pipefs.Close()

	// Both pipe nodes exist, the v1 node under the daemon-facing name.
	gssdPath := filepath.Join(dir, env.client.Name(), "gssd")
	mechPath := filepath.Join(dir, env.client.Name(), env.auth.Mechanism().Name)
	_, err = os.Stat(gssdPath)
	require.NoError(t, err)
	_, err = os.Stat(mechPath)
	require.NoError(t, err)

	conn, err := net.Dial("unix", gssdPath)
	require.NoError(t, err)
	defer conn.Close()

	// Daemon side: answer the one upcall we are about to trigger.
	daemonDone := make(chan error, 1)
	go func() {
		upcall, err := ReadFrame(conn, upcallBufLen)
		if err != nil {
			daemonDone <- err
			return
		}
		assert.Contains(t, string(upcall), "uid=1000")
		daemonDone <- WriteFrame(conn, gsstest.EncodeDowncall(1000, 3600, 64, []byte("h"), []byte("k")))
	}()

	// The connect is the open; wait for the version latch.
	require.Eventually(t, func() bool { return env.net.Version() == 1 }, time.Second, 5*time.Millisecond)

	cred := env.lookupCred(t, 1000)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, cred.Init(ctx))
	require.NoError(t, <-daemonDone)
	assert.True(t, cred.testFlag(credUpToDate))

	// Dropping the connection releases the pipe and resets the latch.
	conn.Close()
	require.Eventually(t, func() bool { return env.net.Version() == -1 }, time.Second, 5*time.Millisecond)
}
