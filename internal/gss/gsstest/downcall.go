package gsstest

import "encoding/binary"

// EncodeDowncall builds a successful daemon downcall payload:
//
//	uid:u32 | timeout:u32 | window:u32 | wire_ctx:netobj | seclen:u32 | blob
//
// in host byte order, as the pipe protocol requires.
func EncodeDowncall(uid, timeout, window uint32, wireCtx, blob []byte) []byte {
	buf := make([]byte, 0, 20+len(wireCtx)+len(blob))
	buf = binary.NativeEndian.AppendUint32(buf, uid)
	buf = binary.NativeEndian.AppendUint32(buf, timeout)
	buf = binary.NativeEndian.AppendUint32(buf, window)
	buf = binary.NativeEndian.AppendUint32(buf, uint32(len(wireCtx)))
	buf = append(buf, wireCtx...)
	buf = binary.NativeEndian.AppendUint32(buf, uint32(len(blob)))
	buf = append(buf, blob...)
	return buf
}

// EncodeErrorDowncall builds a failure downcall: window == 0 followed by a
// signed errno.
func EncodeErrorDowncall(uid uint32, errno int32) []byte {
	buf := make([]byte, 0, 16)
	buf = binary.NativeEndian.AppendUint32(buf, uid)
	buf = binary.NativeEndian.AppendUint32(buf, 0) // timeout
	buf = binary.NativeEndian.AppendUint32(buf, 0) // window == 0: error
	buf = binary.NativeEndian.AppendUint32(buf, uint32(errno))
	return buf
}
