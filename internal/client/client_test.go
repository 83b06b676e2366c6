package client

import (
	"context"
	"encoding/binary"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/drpc/internal/gss"
	"github.com/marmos91/drpc/internal/gss/gsstest"
	"github.com/marmos91/drpc/internal/protocol/rpc"
	"github.com/marmos91/drpc/internal/protocol/xdr"
)

// fakeServer is a single-connection RPC server that accepts RPCSEC_GSS
// integrity calls and echoes the argument words back, wrapped the same
// way. It shares the loopback context key with the client, so MICs agree.
type fakeServer struct {
	ln  net.Listener
	ctx gss.ProviderContext
}

func startFakeServer(t *testing.T, key []byte) *fakeServer {
	t.Helper()
	provider := &gsstest.Provider{}
	mechCtx, err := provider.ImportContext(key)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &fakeServer{ln: ln, ctx: mechCtx}
	t.Cleanup(func() { ln.Close() })

	go srv.serve(t)
	return srv
}

func (s *fakeServer) addr() string { return s.ln.Addr().String() }

func (s *fakeServer) serve(t *testing.T) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			for {
				if err := s.handleCall(conn); err != nil {
					return
				}
			}
		}()
	}
}

// handleCall parses one call and sends the echo reply.
func (s *fakeServer) handleCall(conn net.Conn) error {
	msg, err := readRecord(conn)
	if err != nil {
		return err
	}

	rd := xdr.NewReader(msg)
	xid, _ := rd.ReadUint32()
	for range 5 { // msg type, rpcvers, prog, vers, proc
		if _, err := rd.ReadUint32(); err != nil {
			return err
		}
	}

	// Credential block.
	if _, err := rd.ReadUint32(); err != nil { // AUTH_GSS
		return err
	}
	credLen, _ := rd.ReadUint32()
	credEnd := rd.Offset() + int(credLen)
	if _, err := rd.ReadUint32(); err != nil { // version
		return err
	}
	proc, _ := rd.ReadUint32()
	seq, _ := rd.ReadUint32()
	service, _ := rd.ReadUint32()
	if err := rd.Seek(credEnd); err != nil {
		return err
	}

	// Verifier (not checked by the fake).
	if _, err := rd.ReadUint32(); err != nil {
		return err
	}
	if _, err := rd.ReadOpaque(); err != nil {
		return err
	}

	// Body: for integrity, recover the argument words.
	var args []byte
	if service == uint32(gss.ServiceIntegrity) && proc == uint32(gss.ProcData) {
		integLen, _ := rd.ReadUint32()
		payloadStart := rd.Offset()
		if _, err := rd.ReadUint32(); err != nil { // seqno inside body
			return err
		}
		args, err = rd.Sub(payloadStart+4, int(integLen)-4)
		if err != nil {
			return err
		}
	}

	return s.reply(conn, xid, seq, service, proc, args)
}

func (s *fakeServer) reply(conn net.Conn, xid, seq, service, proc uint32, args []byte) error {
	buf := xdr.NewBuffer(256)
	buf.WriteUint32(xid)
	buf.WriteUint32(rpc.RPCReply)
	buf.WriteUint32(rpc.RPCMsgAccepted)

	// Reply verifier: MIC over the big-endian sequence number.
	var seqbuf [4]byte
	binary.BigEndian.PutUint32(seqbuf[:], seq)
	mic, _ := s.ctx.GetMIC(seqbuf[:])
	buf.WriteUint32(6) // AUTH_GSS
	buf.WriteOpaque(mic)

	buf.WriteUint32(rpc.RPCSuccess)

	if service == uint32(gss.ServiceIntegrity) && proc == uint32(gss.ProcData) {
		integLen := buf.Reserve()
		offset := buf.Len()
		buf.WriteUint32(seq)
		buf.WriteRaw(args)
		buf.SetUint32(integLen, uint32(buf.Len()-offset))
		bodyMic, _ := s.ctx.GetMIC(buf.BytesFrom(offset))
		buf.WriteOpaque(bodyMic)
	}

	_, err := conn.Write(rpc.Frame(buf.Bytes()))
	return err
}

// answerUpcalls replies to every upcall on pipe with a context minted from
// key, for the calling user.
func answerUpcalls(t *testing.T, pipe *gss.Pipe, key []byte) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for {
			if _, err := pipe.Receive(ctx); err != nil {
				return
			}
			uid := uint32(os.Getuid())
			_ = pipe.Downcall(gsstest.EncodeDowncall(uid, 3600, 128, []byte("srvctx"), key))
		}
	}()
	return cancel
}

// TestIntegrityEcho drives the full stack: upcall, context import, an
// integrity-protected call against a live TCP server, and reply
// verification.
func TestIntegrityEcho(t *testing.T) {
	key := []byte("shared-loopback-key")
	srv := startFakeServer(t, key)

	mech := gsstest.NewMechanism("lb-client-echo")
	require.NoError(t, gss.RegisterMechanism(mech))
	defer gss.UnregisterMechanism(mech.Name)

	clnt := New(srv.addr(), 100003, 3, Options{Timeout: 5 * time.Second})
	defer clnt.Close()

	auth, err := gss.New(gss.NewPipeNet(), clnt, gsstest.FlavorIntegrity, gss.Options{})
	require.NoError(t, err)
	clnt.BindAuth(auth)

	pipe := auth.Pipe(1)
	require.NoError(t, pipe.Open())
	defer pipe.Release()
	cancel := answerUpcalls(t, pipe, key)
	defer cancel()

	encode := func(obj any, buf *xdr.Buffer) error {
		buf.WriteUint32(obj.(uint32))
		return nil
	}
	var got uint32
	decode := func(obj any, rd *xdr.Reader) error {
		v, err := rd.ReadUint32()
		if err != nil {
			return err
		}
		*obj.(*uint32) = v
		return nil
	}

	ctx, cancelCall := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelCall()
	require.NoError(t, clnt.Call(ctx, 7, encode, uint32(0xDEADBEEF), decode, &got))
	assert.Equal(t, uint32(0xDEADBEEF), got)

	// Warm path: the second call reuses the cached credential without a
	// second upcall.
	var again uint32
	require.NoError(t, clnt.Call(ctx, 7, encode, uint32(0x0BADF00D), decode, &again))
	assert.Equal(t, uint32(0x0BADF00D), again)
	assert.Equal(t, int32(1), mech.Provider.(*gsstest.Provider).Imported.Load(),
		"the warm call must not trigger a second upcall")
}
