package ledger

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
)

// DER prefixes used by ledger tooling for raw ed25519 keys.
const (
	derPrivateKeyPrefix = "302e020100300506032b657004220420"
	derPublicKeyPrefix  = "302a300506032b6570032100"
)

// Credential is a local ed25519 signing key.
type Credential struct {
	priv ed25519.PrivateKey
}

// NewCredential wraps a private key.
func NewCredential(priv ed25519.PrivateKey) Credential {
	return Credential{priv: priv}
}

// ParseCredential accepts a hex 32-byte seed, a hex 64-byte private key, or a
// DER-encoded hex private key.
func ParseCredential(s string) (Credential, error) {
	s = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	s = strings.TrimPrefix(s, derPrivateKeyPrefix)
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Credential{}, fmt.Errorf("credential: invalid hex: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return Credential{priv: ed25519.NewKeyFromSeed(raw)}, nil
	case ed25519.PrivateKeySize:
		return Credential{priv: ed25519.PrivateKey(raw)}, nil
	default:
		return Credential{}, fmt.Errorf("credential: unexpected key length %d", len(raw))
	}
}

// IsZero reports whether the credential holds no key.
func (c Credential) IsZero() bool { return len(c.priv) == 0 }

// PublicKey returns the raw public key.
func (c Credential) PublicKey() ed25519.PublicKey {
	return c.priv.Public().(ed25519.PublicKey)
}

// Fingerprint is the hex encoding of the raw public key; topic submit keys are
// compared against it.
func (c Credential) Fingerprint() string {
	return hex.EncodeToString(c.PublicKey())
}

// Sign signs data with the private key.
func (c Credential) Sign(data []byte) []byte {
	return ed25519.Sign(c.priv, data)
}

// NormalizePublicKey lowercases a hex public key and strips a DER prefix.
func NormalizePublicKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	return strings.TrimPrefix(s, derPublicKeyPrefix)
}

// Keyring holds the local credentials, indexed by fingerprint.
type Keyring struct {
	mu    sync.RWMutex
	creds map[string]Credential
}

// NewKeyring creates a keyring holding the given credentials.
func NewKeyring(creds ...Credential) *Keyring {
	k := &Keyring{creds: make(map[string]Credential, len(creds))}
	for _, c := range creds {
		k.Add(c)
	}
	return k
}

// Add registers a credential.
func (k *Keyring) Add(c Credential) {
	if c.IsZero() {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.creds[c.Fingerprint()] = c
}

// Lookup returns the local credential whose public key matches fingerprint.
func (k *Keyring) Lookup(fingerprint string) (Credential, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	c, ok := k.creds[NormalizePublicKey(fingerprint)]
	return c, ok
}

// Len returns the number of credentials held.
func (k *Keyring) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.creds)
}
