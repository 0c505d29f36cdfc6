// Package envelope implements the signed and encrypted point-to-point
// message used on the radio path.
//
// The header travels in clear text so a receiver can route and check
// freshness before doing any crypto, but it is covered by the ed25519
// signature together with the ciphertext.
package envelope

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// NonceSize is the ChaCha20-Poly1305 nonce carried in the header.
const NonceSize = chacha20poly1305.NonceSize

var (
	ErrInvalidSignature  = errors.New("envelope: invalid signature")
	ErrDecryptionFailed  = errors.New("envelope: decryption failed")
	ErrMalformedEnvelope = errors.New("envelope: malformed envelope")
)

// PacketType identifies what an envelope carries.
type PacketType uint8

const (
	PacketHello PacketType = iota + 1
	PacketClipboardText
	PacketFileChunk
	PacketAck
)

var packetTypeNames = map[PacketType]string{ // A
	PacketHello:         "hello",
	PacketClipboardText: "clipboard-text",
	PacketFileChunk:     "file-chunk",
	PacketAck:           "ack",
}

// String returns a stable name for logging.
func (p PacketType) String() string { // A
	if name, ok := packetTypeNames[p]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(p))
}

// Valid reports whether p is a known type.
func (p PacketType) Valid() bool { // A
	_, ok := packetTypeNames[p]
	return ok
}

// Header is the clear-text, signed part of an envelope.
type Header struct { // A
	SenderID  string
	Type      PacketType
	Timestamp uint64
	Nonce     [NonceSize]byte
}

// SentAt returns the header timestamp as a time.
func (h Header) SentAt() time.Time { // A
	return time.Unix(int64(h.Timestamp), 0)
}

// Envelope is one wire message.
type Envelope struct { // A
	Header     Header
	Ciphertext []byte
	Signature  []byte
}

// Build encrypts payload under sessionKey and signs header and
// ciphertext with signingKey.
func Build( // A
	senderID string,
	packetType PacketType,
	payload []byte,
	sessionKey []byte,
	signingKey ed25519.PrivateKey,
) (*Envelope, error) {
	if len(signingKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("envelope: signing key has %d bytes", len(signingKey))
	}
	aead, err := chacha20poly1305.New(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	h := Header{
		SenderID:  senderID,
		Type:      packetType,
		Timestamp: uint64(time.Now().Unix()),
	}
	if _, err := rand.Read(h.Nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	env := &Envelope{
		Header:     h,
		Ciphertext: aead.Seal(nil, h.Nonce[:], payload, nil),
	}
	env.Signature = ed25519.Sign(signingKey, env.signedBytes())
	return env, nil
}

// Open verifies the signature and only then decrypts. A tampered
// envelope therefore always reports ErrInvalidSignature, never a
// decryption error.
func Open( // A
	env *Envelope,
	sessionKey []byte,
	verifyKey ed25519.PublicKey,
) ([]byte, error) {
	if env == nil {
		return nil, ErrMalformedEnvelope
	}
	if len(verifyKey) != ed25519.PublicKeySize ||
		len(env.Signature) != ed25519.SignatureSize ||
		!ed25519.Verify(verifyKey, env.signedBytes(), env.Signature) {
		return nil, ErrInvalidSignature
	}

	aead, err := chacha20poly1305.New(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	plain, err := aead.Open(nil, env.Header.Nonce[:], env.Ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plain, nil
}

func (e *Envelope) signedBytes() []byte { // A
	hb := e.Header.Marshal()
	out := make([]byte, 0, len(hb)+len(e.Ciphertext))
	out = append(out, hb...)
	return append(out, e.Ciphertext...)
}
