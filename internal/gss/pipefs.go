package gss

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/marmos91/drpc/internal/logger"
)

// PipeFS exposes an authenticator's upcall pipes in a filesystem-like
// namespace, one unix-domain socket per pipe node:
//
//	<dir>/<client>/gssd      (v1, text upcalls)
//	<dir>/<client>/<mech>    (v0, binary upcalls)
//
// A daemon attaches by connecting; the connect is the pipe open, the
// disconnect is the release. Messages travel length-prefixed (u32, host
// byte order) in both directions, preserving the message-oriented
// semantics of a kernel pipe over a stream socket.
type PipeFS struct {
	dir string

	mu        sync.Mutex
	listeners []net.Listener
	cancel    context.CancelFunc
	ctx       context.Context
	wg        sync.WaitGroup
}

// NewPipeFS creates the surface rooted at dir.
func NewPipeFS(dir string) *PipeFS {
	ctx, cancel := context.WithCancel(context.Background())
	return &PipeFS{dir: dir, ctx: ctx, cancel: cancel}
}

// Export publishes both of auth's pipes under the owning client's
// directory. The v1 node is created first so a listing never shows only
// the legacy node.
func (fs *PipeFS) Export(auth *Auth) error {
	clntDir := filepath.Join(fs.dir, auth.client.Name())
	if err := os.MkdirAll(clntDir, 0o755); err != nil {
		return fmt.Errorf("create pipe directory: %w", err)
	}
	if err := fs.exportPipe(filepath.Join(clntDir, auth.pipes[1].Name()), auth.pipes[1]); err != nil {
		return err
	}
	if err := fs.exportPipe(filepath.Join(clntDir, auth.pipes[0].Name()), auth.pipes[0]); err != nil {
		return err
	}
	return nil
}

func (fs *PipeFS) exportPipe(path string, p *Pipe) error {
	_ = os.Remove(path) // stale socket from a previous run
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen on pipe node %s: %w", path, err)
	}

	fs.mu.Lock()
	fs.listeners = append(fs.listeners, ln)
	fs.mu.Unlock()

	fs.wg.Add(1)
	go fs.acceptLoop(ln, p)
	return nil
}

// acceptLoop admits one daemon at a time per pipe node.
func (fs *PipeFS) acceptLoop(ln net.Listener, p *Pipe) {
	defer fs.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		if err := p.Open(); err != nil {
			// Version conflict: another daemon latched the other
			// pipe generation first.
			logger.Warn("pipe %s: open rejected: %v", p.Name(), err)
			conn.Close()
			continue
		}
		fs.serveConn(conn, p)
		p.Release()
		conn.Close()
	}
}

// serveConn shuttles upcalls out and downcalls in until either side goes
// away.
func (fs *PipeFS) serveConn(conn net.Conn, p *Pipe) {
	logger.Debug("pipe %s: daemon attached from %s", p.Name(), conn.RemoteAddr())
	ctx, cancel := context.WithCancel(fs.ctx)
	defer cancel()

	go func() {
		defer cancel()
		for {
			data, err := p.Receive(ctx)
			if err != nil {
				return
			}
			if err := WriteFrame(conn, data); err != nil {
				return
			}
		}
	}()

	for {
		data, err := ReadFrame(conn, downcallMaxSize)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug("pipe %s: read: %v", p.Name(), err)
			}
			return
		}
		if err := p.Downcall(data); err != nil {
			logger.Debug("pipe %s: downcall rejected: %v", p.Name(), err)
		}
	}
}

// Close tears the surface down. Attached daemons see their connections
// drop, which releases their pipes.
func (fs *PipeFS) Close() {
	fs.cancel()
	fs.mu.Lock()
	for _, ln := range fs.listeners {
		ln.Close()
	}
	fs.listeners = nil
	fs.mu.Unlock()
	fs.wg.Wait()
}

// WriteFrame writes one length-prefixed pipe message. Shared with the
// daemon side of the protocol.
func WriteFrame(w io.Writer, data []byte) error {
	var hdr [4]byte
	binary.NativeEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// ReadFrame reads one length-prefixed pipe message of at most maxSize
// bytes.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.NativeEndian.Uint32(hdr[:])
	if int(size) > maxSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds maximum %d", size, maxSize)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
