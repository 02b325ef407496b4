package types

import (
	"fmt"
	"strings"
)

// ValidateIPv4 accepts dotted-quad IPv4 addresses only: four decimal octets
// in 0-255, no leading zeros, no surrounding whitespace.
func ValidateIPv4(s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	for _, p := range parts {
		if len(p) == 0 || len(p) > 3 {
			return fmt.Errorf("%w: %q", ErrInvalidAddress, s)
		}
		if len(p) > 1 && p[0] == '0' {
			return fmt.Errorf("%w: %q", ErrInvalidAddress, s)
		}
		n := 0
		for _, c := range p {
			if c < '0' || c > '9' {
				return fmt.Errorf("%w: %q", ErrInvalidAddress, s)
			}
			n = n*10 + int(c-'0')
		}
		if n > 255 {
			return fmt.Errorf("%w: %q", ErrInvalidAddress, s)
		}
	}
	return nil
}

// IsProtected reports whether blocking addr would cut off the host itself.
func IsProtected(addr string) bool {
	return addr == "0.0.0.0" || strings.HasPrefix(addr, "127.")
}
