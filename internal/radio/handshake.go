package radio

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/i5heu/clipring/pkg/envelope"
	"github.com/i5heu/clipring/pkg/identity"
	"github.com/i5heu/clipring/pkg/securechannel"
	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrNotHello       = errors.New("radio: not a hello envelope")
	ErrForeignRing    = errors.New("radio: hello from a different ring")
	ErrStaleHello     = errors.New("radio: hello outside the freshness window")
	ErrMalformedHello = errors.New("radio: malformed hello")
)

const (
	helloFieldName      protowire.Number = 1
	helloFieldDeviceID  protowire.Number = 2
	helloFieldPublicKey protowire.Number = 3
)

// Hello introduces a device to the ring members in radio range.
type Hello struct { // A
	DeviceName string
	DeviceID   string
	PublicKey  []byte
}

func (h Hello) marshal() []byte { // A
	var b []byte
	b = protowire.AppendTag(b, helloFieldName, protowire.BytesType)
	b = protowire.AppendString(b, h.DeviceName)
	b = protowire.AppendTag(b, helloFieldDeviceID, protowire.BytesType)
	b = protowire.AppendString(b, h.DeviceID)
	b = protowire.AppendTag(b, helloFieldPublicKey, protowire.BytesType)
	return protowire.AppendBytes(b, h.PublicKey)
}

func unmarshalHello(b []byte) (Hello, error) { // A
	var h Hello
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Hello{}, fmt.Errorf("%w: tag", ErrMalformedHello)
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Hello{}, fmt.Errorf("%w: field %d", ErrMalformedHello, num)
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return Hello{}, fmt.Errorf("%w: field %d", ErrMalformedHello, num)
		}
		b = b[n:]
		switch num {
		case helloFieldName:
			h.DeviceName = string(v)
		case helloFieldDeviceID:
			h.DeviceID = string(v)
		case helloFieldPublicKey:
			h.PublicKey = append([]byte(nil), v...)
		}
	}
	if h.DeviceID == "" {
		return Hello{}, fmt.Errorf("%w: missing device id", ErrMalformedHello)
	}
	return h, nil
}

// BuildHello seals a Hello for deviceID under the ring handshake key
// and signs it with the ring signing key.
func BuildHello(id *identity.Identity, deviceID, deviceName string) (*envelope.Envelope, error) { // A
	h := Hello{
		DeviceName: deviceName,
		DeviceID:   deviceID,
		PublicKey:  id.VerifyKey,
	}
	return envelope.Build(deviceID, envelope.PacketHello, h.marshal(), id.HandshakeKey[:], id.SigningKey)
}

// OpenHello verifies a Hello against the local ring. The envelope must
// be signed by the ring key, decrypt under the handshake key, be fresh
// within window and name the same sender in header and body.
func OpenHello( // A
	env *envelope.Envelope,
	id *identity.Identity,
	now time.Time,
	window securechannel.Window,
) (Hello, error) {
	if env == nil || env.Header.Type != envelope.PacketHello {
		return Hello{}, ErrNotHello
	}
	sent := env.Header.SentAt()
	if sent.Before(now.Add(-window.Past)) || sent.After(now.Add(window.Future)) {
		return Hello{}, ErrStaleHello
	}
	payload, err := envelope.Open(env, id.HandshakeKey[:], id.VerifyKey)
	if err != nil {
		return Hello{}, err
	}
	h, err := unmarshalHello(payload)
	if err != nil {
		return Hello{}, err
	}
	if !bytes.Equal(h.PublicKey, id.VerifyKey) {
		return Hello{}, ErrForeignRing
	}
	if h.DeviceID != env.Header.SenderID {
		return Hello{}, fmt.Errorf("%w: sender %q claims %q", ErrMalformedHello, env.Header.SenderID, h.DeviceID)
	}
	return h, nil
}
