package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

const didMethodPrefix = "did:orgmesh:"

// Local is an in-process Provider backed by an ed25519 keypair. The DID embeds
// the public key, so any peer can verify signatures from the DID alone.
type Local struct {
	identity Identity
	priv     ed25519.PrivateKey
}

// NewLocal generates a fresh keypair and derives the DID from the public key.
func NewLocal(displayName, avatar string) (*Local, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	return &Local{
		identity: Identity{
			DID:         EncodeDID(pub),
			DisplayName: strings.TrimSpace(displayName),
			Avatar:      strings.TrimSpace(avatar),
		},
		priv: priv,
	}, nil
}

// NewLocalFromSeed rebuilds a deterministic identity from a 32-byte seed.
func NewLocalFromSeed(seed []byte, displayName, avatar string) (*Local, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity seed must be %d bytes", ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &Local{
		identity: Identity{
			DID:         EncodeDID(pub),
			DisplayName: strings.TrimSpace(displayName),
			Avatar:      strings.TrimSpace(avatar),
		},
		priv: priv,
	}, nil
}

func (l *Local) CurrentDID() string { return l.identity.DID }

func (l *Local) Current() Identity { return l.identity }

func (l *Local) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(l.priv, msg), nil
}

// Verify checks sig against the public key embedded in did.
func (l *Local) Verify(did string, msg, sig []byte) error {
	pub, err := DecodeDID(did)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, msg, sig) {
		return ErrBadSignature
	}
	return nil
}

// EncodeDID derives the did:orgmesh DID for an ed25519 public key.
func EncodeDID(pub ed25519.PublicKey) string {
	return didMethodPrefix + base64.RawURLEncoding.EncodeToString(pub)
}

// DecodeDID resolves a did:orgmesh DID back to its public key.
func DecodeDID(did string) (ed25519.PublicKey, error) {
	if err := Require(did); err != nil {
		return nil, err
	}
	if !strings.HasPrefix(did, didMethodPrefix) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, did)
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(did, didMethodPrefix))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDID, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: bad key length %d", ErrInvalidDID, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}
