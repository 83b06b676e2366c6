package rpc

// CallHeaderPrefix is the fixed-size front of an RPC call: everything from
// the XID up to the procedure number. The credential and verifier that
// follow are emitted by the auth flavor, which may need to checksum these
// prefix bytes, so they are marshalled separately.
type CallHeaderPrefix struct {
	XID        uint32
	MsgType    uint32 // RPCCall
	RPCVersion uint32 // always 2
	Program    uint32
	Version    uint32
	Procedure  uint32
}

// ReplyHeader is the parsed front of an accepted or denied RPC reply, up to
// but not including the verifier (which the auth flavor consumes itself).
type ReplyHeader struct {
	XID        uint32
	MsgType    uint32 // RPCReply
	ReplyState uint32 // RPCMsgAccepted or RPCMsgDenied
}

// OpaqueAuth is the wire form of a credential or verifier field.
type OpaqueAuth struct {
	Flavor uint32
	Body   []byte `xdr:"opaque"`
}
