// Package client is a minimal ONC RPC client over TCP with pluggable
// authentication. It exists to exercise the auth layer end to end: one
// outstanding call at a time, record-marked framing, no retransmit logic.
package client

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/drpc/internal/gss"
	"github.com/marmos91/drpc/internal/logger"
	"github.com/marmos91/drpc/internal/protocol/rpc"
	"github.com/marmos91/drpc/internal/protocol/xdr"
	"github.com/marmos91/drpc/internal/rpcauth"
)

// Options configures a client.
type Options struct {
	// Principal is the target service principal sent in v1 upcalls
	// (e.g. "nfs@server.example.com"). Optional.
	Principal string

	// Timeout bounds one complete call, connection included.
	Timeout time.Duration
}

var clientIDs atomic.Uint32

// Client is one RPC program binding. It implements gss.ClientInfo so an
// authenticator can be attached to it.
type Client struct {
	name      string
	addr      string
	prog      uint32
	vers      uint32
	principal string
	timeout   time.Duration

	auth *gss.Auth

	mu   sync.Mutex
	conn net.Conn
	xid  uint32
}

// New creates a client for program prog version vers at addr.
func New(addr string, prog, vers uint32, opts Options) *Client {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		name:      fmt.Sprintf("clnt%04x", clientIDs.Add(1)),
		addr:      addr,
		prog:      prog,
		vers:      vers,
		principal: opts.Principal,
		timeout:   timeout,
		xid:       uint32(time.Now().UnixNano()),
	}
}

// Name implements gss.ClientInfo; it names the client's directory in the
// pipe filesystem surface.
func (c *Client) Name() string { return c.name }

// Principal implements gss.ClientInfo.
func (c *Client) Principal() string { return c.principal }

// BindAuth attaches the authenticator used for subsequent calls.
func (c *Client) BindAuth(auth *gss.Auth) { c.auth = auth }

// Auth returns the bound authenticator.
func (c *Client) Auth() *gss.Auth { return c.auth }

// Close shuts the transport down and destroys the authenticator, which
// fires best-effort DESTROY calls for live contexts.
func (c *Client) Close() {
	if c.auth != nil {
		c.auth.Destroy()
		c.auth = nil
	}
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}

// Call performs one RPC for the calling user: look up a credential,
// refresh it if needed, then transmit.
func (c *Client) Call(ctx context.Context, proc uint32, encode rpcauth.EncodeFunc, args any, decode rpcauth.DecodeFunc, reply any) error {
	acred := rpcauth.AuthCred{UID: uint32(os.Getuid())}
	if c.principal != "" {
		acred = rpcauth.AuthCred{UID: acred.UID, Principal: c.principal, MachineCred: true}
	}
	cred, err := c.auth.Lookup(acred, 0)
	if err != nil {
		return err
	}
	if !cred.UpToDate() {
		if err := cred.Init(ctx); err != nil {
			return fmt.Errorf("establish security context: %w", err)
		}
	}
	return c.CallWithCred(ctx, cred, proc, encode, args, decode, reply)
}

// CallWithCred performs one RPC bound to an explicit credential. Also
// implements the transmit half of gss.ClientInfo's CallNull.
func (c *Client) CallWithCred(ctx context.Context, cred rpcauth.Cred, proc uint32, encode rpcauth.EncodeFunc, args any, decode rpcauth.DecodeFunc, reply any) error {
	task := rpcauth.NewTask(cred)

	buf := xdr.NewBuffer(1024 + gss.CredSlack)
	xid := c.nextXID()
	hdr := &rpc.CallHeaderPrefix{
		XID:        xid,
		MsgType:    rpc.RPCCall,
		RPCVersion: rpc.RPCVersion,
		Program:    c.prog,
		Version:    c.vers,
		Procedure:  proc,
	}
	if err := rpc.WriteCallHeader(buf, hdr); err != nil {
		return err
	}
	if err := cred.Marshal(task, buf); err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	if encode == nil {
		encode = func(any, *xdr.Buffer) error { return nil }
	}
	if err := cred.WrapReq(task, encode, args, buf); err != nil {
		return fmt.Errorf("wrap request: %w", err)
	}

	msg, err := c.transmit(ctx, buf.Bytes())
	if err != nil {
		return err
	}

	rd := xdr.NewReader(msg)
	rhdr, err := rpc.ReadReplyHeader(rd)
	if err != nil {
		return err
	}
	if rhdr.XID != xid {
		return fmt.Errorf("reply xid 0x%x does not match call xid 0x%x", rhdr.XID, xid)
	}
	if rhdr.ReplyState == rpc.RPCMsgDenied {
		return rpc.ReadRejectBody(rd)
	}

	if err := cred.Validate(task, rd); err != nil {
		return fmt.Errorf("validate reply: %w", err)
	}
	acceptStat, err := rd.ReadUint32()
	if err != nil {
		return err
	}
	if acceptStat != rpc.RPCSuccess {
		return fmt.Errorf("rpc call failed with accept status %d", acceptStat)
	}
	if decode == nil {
		decode = func(any, *xdr.Reader) error { return nil }
	}
	if err := cred.UnwrapResp(task, decode, reply, rd); err != nil {
		return fmt.Errorf("unwrap response: %w", err)
	}
	return nil
}

// CallNull implements gss.ClientInfo: a NULL call bound to cred, used to
// carry the DESTROY control procedure.
func (c *Client) CallNull(cred rpcauth.Cred) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return c.CallWithCred(ctx, cred, rpc.ProcNull, nil, nil, nil, nil)
}

func (c *Client) nextXID() uint32 {
	return atomic.AddUint32(&c.xid, 1)
}

// transmit sends one framed call and reads the matching framed reply.
func (c *Client) transmit(ctx context.Context, call []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		d := net.Dialer{Timeout: c.timeout}
		conn, err := d.DialContext(ctx, "tcp", c.addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", c.addr, err)
		}
		c.conn = conn
		logger.Debug("connected to %s", c.addr)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
	} else {
		_ = c.conn.SetDeadline(time.Now().Add(c.timeout))
	}

	if _, err := c.conn.Write(rpc.Frame(call)); err != nil {
		c.dropConn()
		return nil, fmt.Errorf("send call: %w", err)
	}

	msg, err := readRecord(c.conn)
	if err != nil {
		c.dropConn()
		return nil, fmt.Errorf("read reply: %w", err)
	}
	return msg, nil
}

func (c *Client) dropConn() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// readRecord reassembles one record-marked message, following the
// fragment headers until the last-fragment bit.
func readRecord(r io.Reader) ([]byte, error) {
	var msg []byte
	for {
		var hdr [4]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, err
		}
		word := binary.BigEndian.Uint32(hdr[:])
		last := word&0x80000000 != 0
		size := word & 0x7FFFFFFF

		frag := make([]byte, size)
		if _, err := io.ReadFull(r, frag); err != nil {
			return nil, err
		}
		msg = append(msg, frag...)
		if last {
			return msg, nil
		}
	}
}
