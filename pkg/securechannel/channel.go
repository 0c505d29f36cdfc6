// Package securechannel seals ring payloads with XChaCha20-Poly1305 and
// rejects packets whose embedded timestamp falls outside a freshness
// window.
//
// Packet layout:
//
//	[24-byte nonce][AEAD( u64 BE unix seconds || payload )]
package securechannel

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// NonceSize is the XChaCha20 nonce length.
	NonceSize = chacha20poly1305.NonceSizeX
	// KeySize is the length of the shared secret.
	KeySize = chacha20poly1305.KeySize
	// Overhead is the number of bytes Seal adds to a payload.
	Overhead = NonceSize + timestampSize + chacha20poly1305.Overhead

	timestampSize = 8
)

var (
	ErrAuthenticationFailure = errors.New("securechannel: authentication failed")
	ErrReplayRejected        = errors.New("securechannel: packet outside freshness window")
	ErrMalformedPacket       = errors.New("securechannel: malformed packet")
)

// Window bounds how far a packet timestamp may be from the local clock.
type Window struct { // A
	Past   time.Duration
	Future time.Duration
}

// DefaultWindow accepts packets up to a minute old and tolerates five
// seconds of clock skew into the future.
var DefaultWindow = Window{Past: 60 * time.Second, Future: 5 * time.Second}

// Config configures a Channel.
type Config struct { // A
	Key    [KeySize]byte
	Window Window
	Clock  Clock
	// RejectDuplicates additionally refuses a packet whose nonce was
	// already accepted inside the window.
	RejectDuplicates bool
}

// Channel seals and opens packets under one shared key. It is safe for
// concurrent use.
type Channel struct { // A
	aead   cipher.AEAD
	window Window
	clock  Clock
	nonces *NonceCache
}

// New builds a Channel. A zero Window uses DefaultWindow and a nil Clock
// uses the system clock.
func New(cfg Config) (*Channel, error) { // A
	aead, err := chacha20poly1305.NewX(cfg.Key[:])
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	if cfg.Window == (Window{}) {
		cfg.Window = DefaultWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}
	c := &Channel{aead: aead, window: cfg.Window, clock: cfg.Clock}
	if cfg.RejectDuplicates {
		c.nonces = NewNonceCache(cfg.Window.Past+cfg.Window.Future, cfg.Clock)
	}
	return c, nil
}

// Seal encrypts payload with a fresh random nonce and the current time.
func (c *Channel) Seal(payload []byte) ([]byte, error) { // A
	inner := make([]byte, timestampSize+len(payload))
	binary.BigEndian.PutUint64(inner, uint64(c.clock.Now().Unix()))
	copy(inner[timestampSize:], payload)

	out := make([]byte, NonceSize, NonceSize+len(inner)+c.aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.aead.Seal(out, out[:NonceSize], inner, nil), nil
}

// Open authenticates and decrypts packet and checks its freshness. Every
// error is specific to this packet and leaves the Channel usable.
func (c *Channel) Open(packet []byte) ([]byte, error) { // A
	if len(packet) < NonceSize+c.aead.Overhead() {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedPacket, len(packet))
	}
	nonce, ct := packet[:NonceSize], packet[NonceSize:]
	inner, err := c.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrAuthenticationFailure
	}
	if len(inner) < timestampSize {
		return nil, fmt.Errorf("%w: inner envelope %d bytes", ErrMalformedPacket, len(inner))
	}

	sent := int64(binary.BigEndian.Uint64(inner[:timestampSize]))
	now := c.clock.Now().Unix()
	oldest := now - int64(c.window.Past/time.Second)
	newest := now + int64(c.window.Future/time.Second)
	if sent < oldest || sent > newest {
		return nil, fmt.Errorf("%w: sent %d, now %d", ErrReplayRejected, sent, now)
	}

	if c.nonces != nil {
		var n [NonceSize]byte
		copy(n[:], nonce)
		if !c.nonces.Record(n) {
			return nil, fmt.Errorf("%w: duplicate nonce", ErrReplayRejected)
		}
	}
	return inner[timestampSize:], nil
}
