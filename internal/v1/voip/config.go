// Package voip describes how calls should establish their media transport.
package voip

// Config is the call transport configuration. It is immutable once built.
type Config struct {
	// HandleCallAssertedIdentityEvents enables processing of asserted identity call events.
	HandleCallAssertedIdentityEvents bool `json:"handleCallAssertedIdentityEvents"`
	// ForceRelayOnlyMode routes all media through TURN relays, disabling direct peer
	// connections and STUN.
	ForceRelayOnlyMode bool `json:"forceRelayOnlyMode"`
}

// NewConfig builds a Config with relay-only mode on.
func NewConfig(handleCallAssertedIdentityEvents bool) Config {
	return Config{
		HandleCallAssertedIdentityEvents: handleCallAssertedIdentityEvents,
		ForceRelayOnlyMode:               true,
	}
}

// WithForceRelayOnlyMode returns a copy with the relay toggle set.
func (c Config) WithForceRelayOnlyMode(enabled bool) Config {
	c.ForceRelayOnlyMode = enabled
	return c
}
