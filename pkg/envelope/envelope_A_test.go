package envelope

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type testKeys struct { // A
	session []byte
	priv    ed25519.PrivateKey
	pub     ed25519.PublicKey
}

func newTestKeys(t testing.TB) testKeys { // A
	t.Helper()
	session := make([]byte, 32)
	if _, err := rand.Read(session); err != nil {
		t.Fatalf("rand: %v", err)
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return testKeys{session: session, priv: priv, pub: pub}
}

func TestBuildOpenRoundTrip(t *testing.T) { // A
	t.Parallel()
	k := newTestKeys(t)

	env, err := Build("dev-a", PacketClipboardText, []byte("hi"), k.session, k.priv)
	require.NoError(t, err)
	assert.Equal(t, "dev-a", env.Header.SenderID)
	assert.Equal(t, PacketClipboardText, env.Header.Type)
	assert.NotZero(t, env.Header.Timestamp)

	plain, err := Open(env, k.session, k.pub)
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), plain)
}

func TestOpenAfterWireRoundTrip(t *testing.T) { // A
	t.Parallel()
	k := newTestKeys(t)
	env, err := Build("dev-a", PacketHello, []byte("payload"), k.session, k.priv)
	require.NoError(t, err)

	decoded, err := Unmarshal(env.Marshal())
	require.NoError(t, err)
	assert.Equal(t, env.Header, decoded.Header)

	plain, err := Open(decoded, k.session, k.pub)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), plain)
}

func TestOpenTamperReportsSignature(t *testing.T) { // A
	t.Parallel()
	k := newTestKeys(t)

	mutations := map[string]func(e *Envelope){
		"ciphertext": func(e *Envelope) { e.Ciphertext[0] ^= 1 },
		"sender":     func(e *Envelope) { e.Header.SenderID = "mallory" },
		"type":       func(e *Envelope) { e.Header.Type = PacketAck },
		"timestamp":  func(e *Envelope) { e.Header.Timestamp++ },
		"nonce":      func(e *Envelope) { e.Header.Nonce[0] ^= 1 },
		"signature":  func(e *Envelope) { e.Signature[0] ^= 1 },
		"truncated":  func(e *Envelope) { e.Signature = e.Signature[:10] },
	}
	for name, mutate := range mutations {
		env, err := Build("dev-a", PacketClipboardText, []byte("x"), k.session, k.priv)
		require.NoError(t, err)
		mutate(env)
		_, err = Open(env, k.session, k.pub)
		assert.ErrorIs(t, err, ErrInvalidSignature, name)
	}
}

func TestOpenWrongKeys(t *testing.T) { // A
	t.Parallel()
	k := newTestKeys(t)
	other := newTestKeys(t)
	env, err := Build("dev-a", PacketClipboardText, []byte("x"), k.session, k.priv)
	require.NoError(t, err)

	_, err = Open(env, k.session, other.pub)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = Open(env, other.session, k.pub)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestUnmarshalMalformed(t *testing.T) { // A
	t.Parallel()
	cases := map[string][]byte{
		"garbage":   {0xff, 0xff, 0xff},
		"no header": {0x12, 0x01, 0x00},
		"truncated": {0x0a, 0x10, 0x01},
	}
	for name, b := range cases {
		_, err := Unmarshal(b)
		assert.ErrorIs(t, err, ErrMalformedEnvelope, name)
	}
}

func TestPacketTypeString(t *testing.T) { // H
	t.Parallel()
	assert.Equal(t, "hello", PacketHello.String())
	assert.Equal(t, "unknown(9)", PacketType(9).String())
	assert.False(t, PacketType(0).Valid())
	assert.True(t, PacketAck.Valid())
}

func TestHeaderEncodingProperty(t *testing.T) { // A
	t.Parallel()
	rapid.Check(t, func(rt *rapid.T) {
		h := Header{
			SenderID:  rapid.String().Draw(rt, "sender"),
			Type:      PacketType(rapid.IntRange(1, 4).Draw(rt, "type")),
			Timestamp: rapid.Uint64().Draw(rt, "ts"),
		}
		copy(h.Nonce[:], rapid.SliceOfN(rapid.Byte(), NonceSize, NonceSize).Draw(rt, "nonce"))

		enc := h.Marshal()
		got, err := UnmarshalHeader(enc)
		if err != nil {
			rt.Fatalf("UnmarshalHeader: %v", err)
		}
		if got != h {
			rt.Fatalf("header mismatch: %+v != %+v", got, h)
		}
		if !bytes.Equal(got.Marshal(), enc) {
			rt.Fatalf("encoding is not canonical")
		}
	})
}
