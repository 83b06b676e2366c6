package config

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/marmos91/drpc/internal/gss"
)

// PseudoFlavor resolves the configured mechanism and service into the RPC
// auth-flavor number that selects them. The mechanism must already be
// registered.
func (c *GSSConfig) PseudoFlavor() (uint32, error) {
	mech := gss.MechanismByName(c.Mechanism)
	if mech == nil {
		return 0, fmt.Errorf("gss mechanism %q is not registered", c.Mechanism)
	}

	var want gss.SecService
	switch c.Service {
	case "none":
		want = gss.ServiceNone
	case "integrity":
		want = gss.ServiceIntegrity
	case "privacy":
		want = gss.ServicePrivacy
	default:
		return 0, fmt.Errorf("unknown gss service %q", c.Service)
	}

	for _, pf := range mech.Flavors {
		if pf.Service == want {
			return pf.Flavor, nil
		}
	}
	return 0, fmt.Errorf("mechanism %q has no pseudo-flavor for service %q", c.Mechanism, c.Service)
}

// DecodeMechOptions decodes the mechanism-specific configuration section
// into out. Each mechanism defines its own options struct with
// mapstructure tags.
func (c *GSSConfig) DecodeMechOptions(out any) error {
	if c.Mech == nil {
		return nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      out,
		ErrorUnused: true,
	})
	if err != nil {
		return fmt.Errorf("build mech options decoder: %w", err)
	}
	if err := decoder.Decode(c.Mech); err != nil {
		return fmt.Errorf("decode mech options: %w", err)
	}
	return nil
}
