package xdr

import (
	"encoding/binary"
	"fmt"
)

// ============================================================================
// Random-Access Send Buffer / Receive Reader
// ============================================================================
//
// bytes.Buffer is enough for fire-and-forget encoding, but the auth layer
// needs two things it cannot give: back-filling a length field whose value
// is only known after the body is encoded, and taking a MIC over a byte
// range identified by offsets. Buffer and Reader expose both.

// Buffer accumulates an outbound message. Offset 0 is the first byte after
// the transport record mark (the XID for RPC calls), which is also where
// verifier checksums start.
type Buffer struct {
	data []byte
}

// NewBuffer creates a send buffer with room for about hint bytes.
func NewBuffer(hint int) *Buffer {
	return &Buffer{data: make([]byte, 0, hint)}
}

// Len returns the number of bytes written so far.
func (b *Buffer) Len() int { return len(b.data) }

// Bytes returns the accumulated message. The slice aliases the buffer.
func (b *Buffer) Bytes() []byte { return b.data }

// BytesFrom returns the bytes written from offset off to the current end.
func (b *Buffer) BytesFrom(off int) []byte { return b.data[off:] }

// WriteUint32 appends one big-endian XDR unsigned integer.
func (b *Buffer) WriteUint32(v uint32) {
	b.data = binary.BigEndian.AppendUint32(b.data, v)
}

// WriteRaw appends raw bytes without length or padding.
func (b *Buffer) WriteRaw(p []byte) {
	b.data = append(b.data, p...)
}

// WriteOpaque appends an XDR variable-length opaque: length, bytes, padding.
func (b *Buffer) WriteOpaque(p []byte) {
	b.WriteUint32(uint32(len(p)))
	b.data = append(b.data, p...)
	for i := uint32(0); i < Pad(uint32(len(p))); i++ {
		b.data = append(b.data, 0)
	}
}

// WritePad appends n zero bytes.
func (b *Buffer) WritePad(n uint32) {
	for i := uint32(0); i < n; i++ {
		b.data = append(b.data, 0)
	}
}

// Reserve appends a 4-byte placeholder and returns its offset for a later
// SetUint32 back-fill.
func (b *Buffer) Reserve() int {
	off := len(b.data)
	b.data = append(b.data, 0, 0, 0, 0)
	return off
}

// SetUint32 back-fills a placeholder created by Reserve.
func (b *Buffer) SetUint32(off int, v uint32) {
	binary.BigEndian.PutUint32(b.data[off:off+4], v)
}

// Truncate discards everything at and after offset n.
func (b *Buffer) Truncate(n int) {
	b.data = b.data[:n]
}

// Reader consumes an inbound message with offset tracking, so callers can
// identify checksum ranges by position.
type Reader struct {
	data []byte
	off  int
}

// NewReader creates a reader over data. Offset 0 is the first byte after
// the transport record mark.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Offset returns the current read position.
func (r *Reader) Offset() int { return r.off }

// Len returns the total message length.
func (r *Reader) Len() int { return len(r.data) }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.data) - r.off }

// Truncate drops trailing bytes so the message ends at length n. Used to
// hide the checksum that follows an integrity-wrapped body.
func (r *Reader) Truncate(n int) {
	if n < len(r.data) && n >= r.off {
		r.data = r.data[:n]
	}
}

// ReadUint32 consumes one big-endian XDR unsigned integer.
func (r *Reader) ReadUint32() (uint32, error) {
	if r.Remaining() < 4 {
		return 0, fmt.Errorf("xdr: short read at offset %d", r.off)
	}
	v := binary.BigEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v, nil
}

// ReadOpaque consumes an XDR variable-length opaque and its padding.
func (r *Reader) ReadOpaque() ([]byte, error) {
	length, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	if uint32(r.Remaining()) < length {
		return nil, fmt.Errorf("xdr: opaque length %d exceeds remaining %d", length, r.Remaining())
	}
	p := r.data[r.off : r.off+int(length)]
	r.off += int(length)
	pad := int(Pad(length))
	if r.Remaining() < pad {
		return nil, fmt.Errorf("xdr: short padding at offset %d", r.off)
	}
	r.off += pad
	return p, nil
}

// ReadRaw consumes exactly n raw bytes.
func (r *Reader) ReadRaw(n int) ([]byte, error) {
	if r.Remaining() < n {
		return nil, fmt.Errorf("xdr: short read of %d bytes at offset %d", n, r.off)
	}
	p := r.data[r.off : r.off+n]
	r.off += n
	return p, nil
}

// Sub returns the byte range [off, off+n) without moving the read position.
func (r *Reader) Sub(off, n int) ([]byte, error) {
	if off < 0 || n < 0 || off+n > len(r.data) {
		return nil, fmt.Errorf("xdr: range [%d,%d) outside message of %d bytes", off, off+n, len(r.data))
	}
	return r.data[off : off+n], nil
}

// Seek moves the read position to absolute offset off.
func (r *Reader) Seek(off int) error {
	if off < 0 || off > len(r.data) {
		return fmt.Errorf("xdr: seek to %d outside message of %d bytes", off, len(r.data))
	}
	r.off = off
	return nil
}
