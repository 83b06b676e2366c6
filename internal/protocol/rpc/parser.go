package rpc

import (
	"bytes"
	"encoding/binary"
	"fmt"

	xdr2 "github.com/rasky/go-xdr/xdr2"

	"github.com/marmos91/drpc/internal/protocol/xdr"
)

// WriteCallHeader marshals the fixed call prefix (XID through procedure)
// into buf. The auth flavor appends credential and verifier afterwards.
func WriteCallHeader(buf *xdr.Buffer, hdr *CallHeaderPrefix) error {
	var tmp bytes.Buffer
	if _, err := xdr2.Marshal(&tmp, hdr); err != nil {
		return fmt.Errorf("marshal call header: %w", err)
	}
	buf.WriteRaw(tmp.Bytes())
	return nil
}

// ReadReplyHeader parses the reply front (XID, msg type, reply state) and
// leaves rd positioned at the verifier for accepted replies, or at the
// reject body for denied ones.
func ReadReplyHeader(rd *xdr.Reader) (*ReplyHeader, error) {
	hdr := &ReplyHeader{}
	var err error
	if hdr.XID, err = rd.ReadUint32(); err != nil {
		return nil, fmt.Errorf("read xid: %w", err)
	}
	if hdr.MsgType, err = rd.ReadUint32(); err != nil {
		return nil, fmt.Errorf("read msg type: %w", err)
	}
	if hdr.MsgType != RPCReply {
		return nil, fmt.Errorf("expected REPLY (1), got %d", hdr.MsgType)
	}
	if hdr.ReplyState, err = rd.ReadUint32(); err != nil {
		return nil, fmt.Errorf("read reply state: %w", err)
	}
	return hdr, nil
}

// ReadRejectBody parses the body of a denied reply and converts it into an
// error describing why the server refused the call.
func ReadRejectBody(rd *xdr.Reader) error {
	stat, err := rd.ReadUint32()
	if err != nil {
		return fmt.Errorf("read reject status: %w", err)
	}
	switch stat {
	case RPCMismatch:
		lo, _ := rd.ReadUint32()
		hi, _ := rd.ReadUint32()
		return fmt.Errorf("rpc version mismatch: server supports %d-%d", lo, hi)
	case RPCAuthError:
		why, _ := rd.ReadUint32()
		return fmt.Errorf("rpc auth error %d", why)
	default:
		return fmt.Errorf("rpc call denied with unknown status %d", stat)
	}
}

// Frame prepends the TCP record-marking header: one 4-byte word carrying
// the fragment length with the last-fragment bit set.
func Frame(message []byte) []byte {
	framed := make([]byte, 4+len(message))
	binary.BigEndian.PutUint32(framed, 0x80000000|uint32(len(message)))
	copy(framed[4:], message)
	return framed
}
