// Package identity derives a ring member's key material from a recoverable
// BIP-39 secret phrase and persists it bound to the local machine.
//
// Every device of a ring holds the same phrase, and therefore the same
// discovery token, content key and signing keypair. What tells two
// devices apart is the DeviceID, which is derived from the machine and
// never from the phrase.
package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"
)

// EntropyBits is the size of a freshly generated ring secret.
const EntropyBits = 256

// HKDF info strings. Each sub-key uses its own context so the keys are
// independent even though they share one root.
const (
	infoDiscovery = "clipring/discovery/v1"
	infoContent   = "clipring/content/v1"
	infoSigning   = "clipring/signing/v1"
	infoHandshake = "clipring/handshake/v1"
	infoRotation  = "clipring/radio-rotation/v1"
)

var (
	ErrInvalidPhrase    = errors.New("identity: invalid secret phrase")
	ErrIdentityCorrupt  = errors.New("identity: persisted identity is corrupt or bound to another machine")
	ErrIdentityNotFound = errors.New("identity: no persisted identity")
)

// Identity is the key material of one ring as seen from one device.
type Identity struct { // A
	phrase string

	// DiscoveryToken is public. It lets ring members recognise each
	// other in presence records without revealing any key.
	DiscoveryToken string
	// SharedSecret seals clipboard frames on the LAN path.
	SharedSecret [32]byte
	// HandshakeKey is the session key of radio Hello envelopes.
	HandshakeKey [32]byte
	// RotationKey keys the rotating radio advertisement token.
	RotationKey [32]byte

	SigningKey ed25519.PrivateKey
	VerifyKey  ed25519.PublicKey
}

// Phrase returns the recovery phrase. Never log it.
func (id *Identity) Phrase() string { // A
	return id.phrase
}

// String keeps the phrase and keys out of fmt and slog output.
func (id *Identity) String() string { // A
	return fmt.Sprintf("Identity{token=%s}", id.DiscoveryToken)
}

// Generate creates a brand new ring identity from 256 bits of randomness.
// It does not persist anything; see Vault.Create.
func Generate() (*Identity, error) { // A
	entropy, err := bip39.NewEntropy(EntropyBits)
	if err != nil {
		return nil, fmt.Errorf("generate entropy: %w", err)
	}
	phrase, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, fmt.Errorf("encode phrase: %w", err)
	}
	return derive(phrase, entropy)
}

// Restore re-derives the identity of an existing ring. The same phrase
// always yields the same identity.
func Restore(phrase string) (*Identity, error) { // A
	normalized := NormalizePhrase(phrase)
	if normalized == "" {
		return nil, ErrInvalidPhrase
	}
	entropy, err := bip39.EntropyFromMnemonic(normalized)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPhrase, err)
	}
	return derive(normalized, entropy)
}

// NormalizePhrase lowercases the phrase and collapses whitespace so a
// phrase typed with stray spaces or capitals still restores.
func NormalizePhrase(phrase string) string { // H
	return strings.Join(strings.Fields(strings.ToLower(phrase)), " ")
}

func derive(phrase string, entropy []byte) (*Identity, error) { // A
	id := &Identity{phrase: phrase}

	var discovery [32]byte
	if err := expand(entropy, infoDiscovery, discovery[:]); err != nil {
		return nil, err
	}
	id.DiscoveryToken = hex.EncodeToString(discovery[:16])

	if err := expand(entropy, infoContent, id.SharedSecret[:]); err != nil {
		return nil, err
	}
	if err := expand(entropy, infoHandshake, id.HandshakeKey[:]); err != nil {
		return nil, err
	}
	if err := expand(entropy, infoRotation, id.RotationKey[:]); err != nil {
		return nil, err
	}

	seed := make([]byte, ed25519.SeedSize)
	if err := expand(entropy, infoSigning, seed); err != nil {
		return nil, err
	}
	id.SigningKey = ed25519.NewKeyFromSeed(seed)
	id.VerifyKey = id.SigningKey.Public().(ed25519.PublicKey)
	return id, nil
}

func expand(secret []byte, info string, out []byte) error { // A
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		return fmt.Errorf("expand %s: %w", info, err)
	}
	return nil
}
