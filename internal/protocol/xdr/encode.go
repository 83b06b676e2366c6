package xdr

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ============================================================================
// XDR Encoding Helpers - Go Structures → Wire Format
// ============================================================================

// EncodeUint32 encodes a single XDR unsigned integer.
//
// Per RFC 4506 Section 4.2, an unsigned integer occupies 4 bytes in
// big-endian byte order.
func EncodeUint32(buf *bytes.Buffer, v uint32) error {
	return binary.Write(buf, binary.BigEndian, v)
}

// EncodeOpaque encodes XDR variable-length opaque data.
//
// Per RFC 4506 Section 4.10 (Variable-Length Opaque Data):
// Format: [length:uint32][data:length bytes][padding:0-3 bytes]
// Padding aligns the next item to a 4-byte boundary.
//
// RPCSEC_GSS uses this encoding for MIC tokens, wire context handles and
// wrapped request bodies (RFC 2203 calls the pairing of length and bytes a
// "netobj").
func EncodeOpaque(buf *bytes.Buffer, data []byte) error {
	length := uint32(len(data))
	if err := binary.Write(buf, binary.BigEndian, length); err != nil {
		return fmt.Errorf("write length: %w", err)
	}

	if _, err := buf.Write(data); err != nil {
		return fmt.Errorf("write data: %w", err)
	}

	// Padding to 4-byte boundary
	padding := (4 - (length % 4)) % 4
	for i := uint32(0); i < padding; i++ {
		if err := buf.WriteByte(0); err != nil {
			return fmt.Errorf("write padding: %w", err)
		}
	}

	return nil
}

// EncodeString encodes an XDR string.
//
// Per RFC 4506 Section 4.11, strings use the same wire form as opaque data.
func EncodeString(buf *bytes.Buffer, s string) error {
	return EncodeOpaque(buf, []byte(s))
}

// Pad returns the number of zero bytes needed to bring length up to a
// 4-byte boundary.
func Pad(length uint32) uint32 {
	return (4 - (length % 4)) % 4
}
