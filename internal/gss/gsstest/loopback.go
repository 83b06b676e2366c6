// Package gsstest provides a deterministic loopback GSS mechanism for
// tests: MICs are plain HMAC-SHA256 tags over the payload, wrap is an
// XOR-masked reversible encoding, and contexts can be forced into the
// expired state to exercise renewal paths.
package gsstest

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"sync/atomic"

	"github.com/marmos91/drpc/internal/gss"
)

// Flavor numbers for the loopback mechanism, outside any registered range.
const (
	FlavorNone      = 990001
	FlavorIntegrity = 990002
	FlavorPrivacy   = 990003
)

var wrapMagic = []byte("lbwrap:")

// NewMechanism builds a loopback mechanism. Every imported context derives
// its MIC key from the blob, so daemon and client agree by construction.
func NewMechanism(name string) *gss.Mechanism {
	return &gss.Mechanism{
		Name:     name,
		Provider: &Provider{},
		Flavors: []gss.PseudoFlavor{
			{Flavor: FlavorNone, Service: gss.ServiceNone, Name: name},
			{Flavor: FlavorIntegrity, Service: gss.ServiceIntegrity, Name: name + "i"},
			{Flavor: FlavorPrivacy, Service: gss.ServicePrivacy, Name: name + "p"},
		},
	}
}

// Provider imports loopback contexts. ImportErr, when set, makes every
// import fail, which tests use to drive the EAGAIN downcall path.
type Provider struct {
	ImportErr error

	// Imported counts successful imports.
	Imported atomic.Int32
}

// ImportContext implements gss.Provider. The blob is used verbatim as the
// HMAC key.
func (p *Provider) ImportContext(blob []byte) (gss.ProviderContext, error) {
	if p.ImportErr != nil {
		return nil, p.ImportErr
	}
	p.Imported.Add(1)
	return &Context{key: append([]byte(nil), blob...)}, nil
}

// Context is a live loopback context.
type Context struct {
	key     []byte
	expired atomic.Bool
	deleted atomic.Bool
}

// Expire forces every subsequent per-message operation to report
// context-expired.
func (c *Context) Expire() { c.expired.Store(true) }

// Deleted reports whether Delete has run.
func (c *Context) Deleted() bool { return c.deleted.Load() }

func (c *Context) mic(data []byte) []byte {
	mac := hmac.New(sha256.New, c.key)
	mac.Write(data)
	return mac.Sum(nil)[:16]
}

// GetMIC implements gss.ProviderContext.
func (c *Context) GetMIC(data []byte) ([]byte, gss.Major) {
	if c.expired.Load() {
		return nil, gss.MajorContextExpired
	}
	return c.mic(data), gss.MajorComplete
}

// VerifyMIC implements gss.ProviderContext.
func (c *Context) VerifyMIC(data, mic []byte) gss.Major {
	if c.expired.Load() {
		return gss.MajorContextExpired
	}
	if !hmac.Equal(c.mic(data), mic) {
		return gss.MajorFailure
	}
	return gss.MajorComplete
}

// Wrap implements gss.ProviderContext: magic prefix, XOR mask, MIC suffix.
// Reversible, deterministic, and tamper-evident.
func (c *Context) Wrap(data []byte) ([]byte, gss.Major) {
	if c.expired.Load() {
		return nil, gss.MajorContextExpired
	}
	masked := make([]byte, len(data))
	for i, b := range data {
		masked[i] = b ^ 0xAA
	}
	token := append(append([]byte(nil), wrapMagic...), masked...)
	return append(token, c.mic(masked)...), gss.MajorComplete
}

// Unwrap implements gss.ProviderContext.
func (c *Context) Unwrap(token []byte) ([]byte, gss.Major) {
	if c.expired.Load() {
		return nil, gss.MajorContextExpired
	}
	if len(token) < len(wrapMagic)+16 || !bytes.HasPrefix(token, wrapMagic) {
		return nil, gss.MajorFailure
	}
	masked := token[len(wrapMagic) : len(token)-16]
	if !hmac.Equal(c.mic(masked), token[len(token)-16:]) {
		return nil, gss.MajorFailure
	}
	cleartext := make([]byte, len(masked))
	for i, b := range masked {
		cleartext[i] = b ^ 0xAA
	}
	return cleartext, gss.MajorComplete
}

// Delete implements gss.ProviderContext.
func (c *Context) Delete() { c.deleted.Store(true) }
