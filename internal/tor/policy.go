package tor

import (
	"fmt"
	"strings"
)

// AddressPolicy decides which destinations a CircuitClient may tunnel to.
type AddressPolicy struct {
	allowOnion bool
}

// NewAddressPolicy creates a policy and checks it against the run's target
// host. A target the policy would refuse makes the policy inconsistent, and
// construction fails with ErrAddressRejected.
func NewAddressPolicy(allowOnion bool, target string) (AddressPolicy, error) {
	p := AddressPolicy{allowOnion: allowOnion}
	if err := p.Check(target); err != nil {
		return AddressPolicy{}, err
	}
	return p, nil
}

// AllowsOnion reports whether onion service addresses are permitted.
func (p AddressPolicy) AllowsOnion() bool {
	return p.allowOnion
}

// Check returns nil when host may be dialed.
func (p AddressPolicy) Check(host string) error {
	host = strings.TrimSpace(host)
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrAddressRejected)
	}
	if !IsOnionHost(host) {
		return nil
	}
	if !p.allowOnion {
		return fmt.Errorf("%w: onion addresses are disabled: %s", ErrAddressRejected, host)
	}

	service := OnionServiceAddress(host)
	if IsV2Address(service) {
		return fmt.Errorf("%w: v2 onion addresses are no longer reachable: %s", ErrAddressRejected, host)
	}
	if !IsValidV3Address(service) {
		return fmt.Errorf("%w: malformed onion address: %s", ErrAddressRejected, host)
	}
	return nil
}
