// Package krb5 is the Kerberos 5 GSS mechanism provider. It consumes the
// serialized context blobs minted by the user-space daemon (the negotiated
// session key plus its enctype) and implements the per-message operations
// with RFC 4121 tokens.
package krb5

import (
	"encoding/binary"
	"fmt"

	"github.com/jcmturner/gokrb5/v8/crypto"
	"github.com/jcmturner/gokrb5/v8/gssapi"
	"github.com/jcmturner/gokrb5/v8/iana/keyusage"
	"github.com/jcmturner/gokrb5/v8/types"

	"github.com/marmos91/drpc/internal/gss"
)

// Pseudo-flavor numbers for the krb5 mechanism family (RFC 2623).
const (
	FlavorKrb5  = 390003 // authentication only
	FlavorKrb5i = 390004 // integrity
	FlavorKrb5p = 390005 // privacy
)

// blobVersion is the serialized-context format version this provider
// understands.
const blobVersion = 1

// Options are the mechanism-specific settings from the configuration
// file's gss.mech section.
type Options struct {
	// Enctypes overrides the enctype list advertised in v1 upcalls.
	Enctypes string `mapstructure:"enctypes"`
}

// NewMechanism builds the krb5 mechanism handle with its pseudo-flavor
// table. Callers register it with gss.RegisterMechanism.
func NewMechanism() *gss.Mechanism {
	return NewMechanismWithOptions(Options{})
}

// NewMechanismWithOptions is NewMechanism with configuration applied.
func NewMechanismWithOptions(opts Options) *gss.Mechanism {
	enctypes := opts.Enctypes
	if enctypes == "" {
		enctypes = "18,17,16,23,3,1,2"
	}
	return &gss.Mechanism{
		Name:           "krb5",
		UpcallEnctypes: enctypes,
		Provider:       provider{},
		Flavors: []gss.PseudoFlavor{
			{Flavor: FlavorKrb5, Service: gss.ServiceNone, Name: "krb5"},
			{Flavor: FlavorKrb5i, Service: gss.ServiceIntegrity, Name: "krb5i"},
			{Flavor: FlavorKrb5p, Service: gss.ServicePrivacy, Name: "krb5p"},
		},
	}
}

type provider struct{}

// ImportContext parses a daemon context blob:
//
//	version:u32 | enctype:u32 | keylen:u32 | key bytes
//
// in host byte order, matching the rest of the pipe protocol.
func (provider) ImportContext(blob []byte) (gss.ProviderContext, error) {
	if len(blob) < 12 {
		return nil, fmt.Errorf("krb5: context blob too short: %d bytes", len(blob))
	}
	version := binary.NativeEndian.Uint32(blob[0:4])
	if version != blobVersion {
		return nil, fmt.Errorf("krb5: unsupported context blob version %d", version)
	}
	enctype := int32(binary.NativeEndian.Uint32(blob[4:8]))
	keylen := binary.NativeEndian.Uint32(blob[8:12])
	if uint32(len(blob)-12) < keylen {
		return nil, fmt.Errorf("krb5: context blob key truncated")
	}

	key := types.EncryptionKey{
		KeyType:  enctype,
		KeyValue: append([]byte(nil), blob[12:12+keylen]...),
	}
	if _, err := crypto.GetEtype(enctype); err != nil {
		return nil, fmt.Errorf("krb5: enctype %d: %w", enctype, err)
	}
	return &secContext{key: key}, nil
}

// secContext is a live krb5 context. The session key never changes after
// import; per-message token sequence numbers are independent of RPCSEC_GSS
// sequence numbers.
type secContext struct {
	key types.EncryptionKey
}

// GetMIC produces an RFC 4121 MIC token over data with the initiator sign
// key usage.
func (c *secContext) GetMIC(data []byte) ([]byte, gss.Major) {
	token := gssapi.MICToken{
		Flags:     0, // sent by initiator
		SndSeqNum: 0,
		Payload:   data,
	}
	if err := token.SetChecksum(c.key, uint32(keyusage.GSSAPI_INITIATOR_SIGN)); err != nil {
		return nil, gss.MajorFailure
	}
	out, err := token.Marshal()
	if err != nil {
		return nil, gss.MajorFailure
	}
	return out, gss.MajorComplete
}

// VerifyMIC checks a MIC token the acceptor computed over data.
func (c *secContext) VerifyMIC(data, mic []byte) gss.Major {
	var token gssapi.MICToken
	if err := token.Unmarshal(mic, true /* from acceptor */); err != nil {
		return gss.MajorFailure
	}
	token.Payload = data
	ok, err := token.Verify(c.key, uint32(keyusage.GSSAPI_ACCEPTOR_SIGN))
	if err != nil || !ok {
		return gss.MajorFailure
	}
	return gss.MajorComplete
}

// RFC 4121 wrap token constants.
const (
	wrapTokenID     = 0x0504
	wrapFlagSealed  = 0x02
	wrapFlagAcptSub = 0x04
	wrapHeaderLen   = 16
)

// Wrap produces a sealed RFC 4121 wrap token: the 16-byte header followed
// by EncryptMessage(plaintext || header), with no rotation (RRC = 0).
func (c *secContext) Wrap(data []byte) ([]byte, gss.Major) {
	etype, err := crypto.GetEtype(c.key.KeyType)
	if err != nil {
		return nil, gss.MajorFailure
	}

	header := make([]byte, wrapHeaderLen)
	binary.BigEndian.PutUint16(header[0:2], wrapTokenID)
	header[2] = wrapFlagSealed
	header[3] = 0xFF
	// EC and RRC stay zero; SndSeqNum unused by the RPC layer, which
	// carries its own sequence numbers.

	plain := make([]byte, 0, len(data)+wrapHeaderLen)
	plain = append(plain, data...)
	plain = append(plain, header...)

	_, ct, err := etype.EncryptMessage(c.key.KeyValue, plain, uint32(keyusage.GSSAPI_INITIATOR_SEAL))
	if err != nil {
		return nil, gss.MajorFailure
	}
	return append(header, ct...), gss.MajorComplete
}

// Unwrap opens a sealed wrap token the acceptor produced.
func (c *secContext) Unwrap(token []byte) ([]byte, gss.Major) {
	if len(token) < wrapHeaderLen {
		return nil, gss.MajorFailure
	}
	if binary.BigEndian.Uint16(token[0:2]) != wrapTokenID {
		return nil, gss.MajorFailure
	}
	if token[2]&wrapFlagSealed == 0 {
		return nil, gss.MajorFailure
	}

	etype, err := crypto.GetEtype(c.key.KeyType)
	if err != nil {
		return nil, gss.MajorFailure
	}
	plain, err := etype.DecryptMessage(c.key.KeyValue, token[wrapHeaderLen:], uint32(keyusage.GSSAPI_ACCEPTOR_SEAL))
	if err != nil {
		return nil, gss.MajorFailure
	}
	if len(plain) < wrapHeaderLen {
		return nil, gss.MajorFailure
	}
	// The trailing header copy binds the header into the ciphertext.
	return plain[:len(plain)-wrapHeaderLen], gss.MajorComplete
}

// Delete releases the context. The session key is the only state.
func (c *secContext) Delete() {
	for i := range c.key.KeyValue {
		c.key.KeyValue[i] = 0
	}
}
