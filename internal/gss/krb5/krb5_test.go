package krb5

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/drpc/internal/gss"
)

func blob(version, enctype uint32, key []byte) []byte {
	b := make([]byte, 0, 12+len(key))
	b = binary.NativeEndian.AppendUint32(b, version)
	b = binary.NativeEndian.AppendUint32(b, enctype)
	b = binary.NativeEndian.AppendUint32(b, uint32(len(key)))
	return append(b, key...)
}

// aes128Key is a deterministic 16-byte key for enctype 17
// (aes128-cts-hmac-sha1-96).
var aes128Key = []byte("0123456789abcdef")

func TestMechanismTable(t *testing.T) {
	mech := NewMechanism()
	assert.Equal(t, "krb5", mech.Name)
	assert.Equal(t, gss.ServiceNone, mech.ServiceOf(FlavorKrb5))
	assert.Equal(t, gss.ServiceIntegrity, mech.ServiceOf(FlavorKrb5i))
	assert.Equal(t, gss.ServicePrivacy, mech.ServiceOf(FlavorKrb5p))
	assert.Equal(t, gss.SecService(0), mech.ServiceOf(1))
}

func TestMechanismOptions(t *testing.T) {
	mech := NewMechanismWithOptions(Options{Enctypes: "18,17"})
	assert.Equal(t, "18,17", mech.UpcallEnctypes)

	assert.NotEmpty(t, NewMechanism().UpcallEnctypes)
}

func TestImportContext(t *testing.T) {
	p := provider{}

	t.Run("Valid", func(t *testing.T) {
		ctx, err := p.ImportContext(blob(1, 17, aes128Key))
		require.NoError(t, err)
		require.NotNil(t, ctx)
		ctx.Delete()
	})

	t.Run("TooShort", func(t *testing.T) {
		_, err := p.ImportContext([]byte{1, 2, 3})
		assert.Error(t, err)
	})

	t.Run("BadVersion", func(t *testing.T) {
		_, err := p.ImportContext(blob(99, 17, aes128Key))
		assert.ErrorContains(t, err, "version")
	})

	t.Run("TruncatedKey", func(t *testing.T) {
		full := blob(1, 17, aes128Key)
		_, err := p.ImportContext(full[:len(full)-4])
		assert.ErrorContains(t, err, "truncated")
	})

	t.Run("UnknownEnctype", func(t *testing.T) {
		_, err := p.ImportContext(blob(1, 9999, aes128Key))
		assert.Error(t, err)
	})
}

func TestGetMICProducesToken(t *testing.T) {
	p := provider{}
	ctx, err := p.ImportContext(blob(1, 17, aes128Key))
	require.NoError(t, err)
	defer ctx.Delete()

	mic, major := ctx.GetMIC([]byte("payload"))
	require.Equal(t, gss.MajorComplete, major)
	// RFC 4121 MIC token: 0x0404 token id up front.
	require.GreaterOrEqual(t, len(mic), 16)
	assert.Equal(t, byte(0x04), mic[0])
	assert.Equal(t, byte(0x04), mic[1])
}

// TestWrapTokenShape checks the sealed wrap token framing. Unwrap of our
// own token is not expected to succeed: wrap uses the initiator key usage
// and unwrap expects acceptor-sealed tokens, matching the asymmetry of a
// real peer exchange.
func TestWrapTokenShape(t *testing.T) {
	p := provider{}
	ctx, err := p.ImportContext(blob(1, 17, aes128Key))
	require.NoError(t, err)
	defer ctx.Delete()

	token, major := ctx.Wrap([]byte("secret payload"))
	require.Equal(t, gss.MajorComplete, major)
	require.Greater(t, len(token), wrapHeaderLen)

	assert.Equal(t, uint16(wrapTokenID), binary.BigEndian.Uint16(token[0:2]))
	assert.NotZero(t, token[2]&wrapFlagSealed)
	assert.NotContains(t, string(token), "secret payload")

	t.Run("UnwrapRejectsGarbage", func(t *testing.T) {
		_, major := ctx.Unwrap([]byte("not a token"))
		assert.Equal(t, gss.MajorFailure, major)
	})

	t.Run("UnwrapRejectsUnsealed", func(t *testing.T) {
		bad := append([]byte(nil), token...)
		bad[2] = 0
		_, major := ctx.Unwrap(bad)
		assert.Equal(t, gss.MajorFailure, major)
	})
}
