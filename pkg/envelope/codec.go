package envelope

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the protobuf wire encoding.
const (
	fieldHeader     protowire.Number = 1
	fieldCiphertext protowire.Number = 2
	fieldSignature  protowire.Number = 3

	fieldSender    protowire.Number = 1
	fieldType      protowire.Number = 2
	fieldTimestamp protowire.Number = 3
	fieldNonce     protowire.Number = 4
)

// Marshal returns the canonical encoding of h. The signature covers
// exactly these bytes, so fields are always written in number order.
func (h Header) Marshal() []byte { // A
	b := make([]byte, 0, 32+len(h.SenderID))
	b = protowire.AppendTag(b, fieldSender, protowire.BytesType)
	b = protowire.AppendString(b, h.SenderID)
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.Type))
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, h.Timestamp)
	b = protowire.AppendTag(b, fieldNonce, protowire.BytesType)
	b = protowire.AppendBytes(b, h.Nonce[:])
	return b
}

// UnmarshalHeader decodes a header. Unknown fields are skipped.
func UnmarshalHeader(b []byte) (Header, error) { // A
	var h Header
	var sawNonce bool
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Header{}, malformed("header tag", n)
		}
		b = b[n:]
		switch {
		case num == fieldSender && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Header{}, malformed("sender", n)
			}
			h.SenderID = v
			b = b[n:]
		case num == fieldType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Header{}, malformed("type", n)
			}
			if v > 0xff {
				return Header{}, fmt.Errorf("%w: packet type %d", ErrMalformedEnvelope, v)
			}
			h.Type = PacketType(v)
			b = b[n:]
		case num == fieldTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Header{}, malformed("timestamp", n)
			}
			h.Timestamp = v
			b = b[n:]
		case num == fieldNonce && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Header{}, malformed("nonce", n)
			}
			if len(v) != NonceSize {
				return Header{}, fmt.Errorf("%w: nonce has %d bytes", ErrMalformedEnvelope, len(v))
			}
			copy(h.Nonce[:], v)
			sawNonce = true
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Header{}, malformed("unknown header field", n)
			}
			b = b[n:]
		}
	}
	if !sawNonce {
		return Header{}, fmt.Errorf("%w: header without nonce", ErrMalformedEnvelope)
	}
	return h, nil
}

// Marshal encodes the envelope for the wire.
func (e *Envelope) Marshal() []byte { // A
	hb := e.Header.Marshal()
	b := make([]byte, 0, len(hb)+len(e.Ciphertext)+len(e.Signature)+16)
	b = protowire.AppendTag(b, fieldHeader, protowire.BytesType)
	b = protowire.AppendBytes(b, hb)
	b = protowire.AppendTag(b, fieldCiphertext, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Ciphertext)
	b = protowire.AppendTag(b, fieldSignature, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Signature)
	return b
}

// Unmarshal decodes an envelope. It does not verify anything; call Open.
func Unmarshal(b []byte) (*Envelope, error) { // A
	env := &Envelope{}
	var sawHeader bool
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, malformed("tag", n)
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, malformed("unknown field", n)
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, malformed("field", n)
		}
		b = b[n:]
		switch num {
		case fieldHeader:
			h, err := UnmarshalHeader(v)
			if err != nil {
				return nil, err
			}
			env.Header = h
			sawHeader = true
		case fieldCiphertext:
			env.Ciphertext = append([]byte(nil), v...)
		case fieldSignature:
			env.Signature = append([]byte(nil), v...)
		}
	}
	if !sawHeader {
		return nil, fmt.Errorf("%w: missing header", ErrMalformedEnvelope)
	}
	return env, nil
}

func malformed(what string, n int) error { // A
	return fmt.Errorf("%w: %s: %v", ErrMalformedEnvelope, what, protowire.ParseError(n))
}
