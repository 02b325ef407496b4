package types

import "errors"

var (
	// ErrMalformedAlert marks input that could not be decoded or validated.
	ErrMalformedAlert = errors.New("malformed alert")
	// ErrTransportUnavailable means the alert endpoint could not be created.
	ErrTransportUnavailable = errors.New("alert transport unavailable")
	// ErrWhitelistConflict rejects a block request for a whitelisted address.
	ErrWhitelistConflict = errors.New("address is whitelisted")
	// ErrEnforcementFailed means the firewall effector reported a failure.
	ErrEnforcementFailed = errors.New("enforcement failed")
	// ErrStaleExpiry is returned internally when an expiry timer no longer
	// matches the stored record.
	ErrStaleExpiry = errors.New("stale expiry")
	// ErrInvalidAddress rejects anything that is not a dotted-quad IPv4 address.
	ErrInvalidAddress = errors.New("invalid IPv4 address")
	// ErrProtectedAddress rejects loopback and unspecified addresses.
	ErrProtectedAddress = errors.New("address is protected")
)
