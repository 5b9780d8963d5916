// Package identity provides the node's self-sovereign identity: a DID derived
// from an ed25519 key, plus signing and verification against peer DIDs.
package identity

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidDID        = errors.New("identity: invalid DID")
	ErrBadSignature      = errors.New("identity: signature verification failed")
	ErrUnsupportedMethod = errors.New("identity: unsupported DID method")
)

// Identity is the public profile attached to a DID.
type Identity struct {
	DID         string `json:"did"`
	DisplayName string `json:"display_name"`
	Avatar      string `json:"avatar,omitempty"`
}

// Provider exposes the current identity and opaque sign/verify operations.
// Implementations must be safe for concurrent use.
type Provider interface {
	CurrentDID() string
	Current() Identity
	Sign(msg []byte) ([]byte, error)
	Verify(did string, msg, sig []byte) error
}

// Valid reports whether s looks like a well-formed DID (did:<method>:<id>).
func Valid(s string) bool {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return false
	}
	return parts[0] == "did" && parts[1] != "" && parts[2] != ""
}

// Require returns ErrInvalidDID when s is not a well-formed DID.
func Require(s string) error {
	if !Valid(strings.TrimSpace(s)) {
		return fmt.Errorf("%w: %q", ErrInvalidDID, s)
	}
	return nil
}
