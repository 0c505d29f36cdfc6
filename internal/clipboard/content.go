package clipboard

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"
)

// Kind is the type of a clipboard value.
type Kind uint8

const (
	KindText Kind = iota + 1
	KindImage
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindImage:
		return "image"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

const (
	// CompressThreshold is the text size above which text is compressed
	// before sealing.
	CompressThreshold = 64 * 1024
	// maxDecoded caps what a compressed payload may expand to.
	maxDecoded = 64 * 1024 * 1024
)

const (
	fieldKind       protowire.Number = 1
	fieldData       protowire.Number = 2
	fieldCompressed protowire.Number = 3
)

// ErrMalformedContent is returned by DecodeContent for bytes that do not
// describe a clipboard value.
var ErrMalformedContent = errors.New("clipboard: malformed content")

// Content is a clipboard value in transit. Image data is PNG. Text data
// is UTF-8, zstd compressed when Compressed is set.
type Content struct {
	Kind       Kind
	Data       []byte
	Compressed bool
}

var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder
	encoderErr  error
	decoderOnce sync.Once
	decoder     *zstd.Decoder
	decoderErr  error
)

func zstdEncoder() (*zstd.Encoder, error) {
	encoderOnce.Do(func() {
		encoder, encoderErr = zstd.NewWriter(nil)
	})
	return encoder, encoderErr
}

func zstdDecoder() (*zstd.Decoder, error) {
	decoderOnce.Do(func() {
		decoder, decoderErr = zstd.NewReader(nil,
			zstd.WithDecoderMaxMemory(maxDecoded),
			zstd.WithDecoderConcurrency(0),
		)
	})
	return decoder, decoderErr
}

// TextContent wraps text, compressing it above CompressThreshold.
func TextContent(text string) (Content, error) {
	if len(text) <= CompressThreshold {
		return Content{Kind: KindText, Data: []byte(text)}, nil
	}
	enc, err := zstdEncoder()
	if err != nil {
		return Content{}, fmt.Errorf("init zstd: %w", err)
	}
	return Content{
		Kind:       KindText,
		Data:       enc.EncodeAll([]byte(text), nil),
		Compressed: true,
	}, nil
}

// ImageContent PNG-encodes img.
func ImageContent(img *Image) (Content, error) {
	data, err := EncodePNG(img)
	if err != nil {
		return Content{}, err
	}
	return Content{Kind: KindImage, Data: data}, nil
}

// Text returns the text value.
func (c Content) Text() (string, error) {
	if c.Kind != KindText {
		return "", fmt.Errorf("%w: %s is not text", ErrMalformedContent, c.Kind)
	}
	if !c.Compressed {
		return string(c.Data), nil
	}
	dec, err := zstdDecoder()
	if err != nil {
		return "", fmt.Errorf("init zstd: %w", err)
	}
	plain, err := dec.DecodeAll(c.Data, nil)
	if err != nil {
		return "", fmt.Errorf("%w: decompress: %v", ErrMalformedContent, err)
	}
	return string(plain), nil
}

// Image decodes the PNG value.
func (c Content) Image() (*Image, error) {
	if c.Kind != KindImage {
		return nil, fmt.Errorf("%w: %s is not an image", ErrMalformedContent, c.Kind)
	}
	return DecodePNG(c.Data)
}

// Encode serializes c with the protobuf wire format.
func (c Content) Encode() []byte {
	b := make([]byte, 0, len(c.Data)+16)
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.Kind))
	b = protowire.AppendTag(b, fieldData, protowire.BytesType)
	b = protowire.AppendBytes(b, c.Data)
	if c.Compressed {
		b = protowire.AppendTag(b, fieldCompressed, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b
}

// DecodeContent parses bytes produced by Encode.
func DecodeContent(b []byte) (Content, error) {
	var c Content
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Content{}, malformed("tag", n)
		}
		b = b[n:]
		switch {
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Content{}, malformed("kind", n)
			}
			c.Kind = Kind(v)
			b = b[n:]
		case num == fieldData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Content{}, malformed("data", n)
			}
			c.Data = v
			b = b[n:]
		case num == fieldCompressed && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Content{}, malformed("compressed", n)
			}
			c.Compressed = protowire.DecodeBool(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Content{}, malformed("unknown field", n)
			}
			b = b[n:]
		}
	}
	if c.Kind != KindText && c.Kind != KindImage {
		return Content{}, fmt.Errorf("%w: unknown kind %d", ErrMalformedContent, c.Kind)
	}
	if c.Kind == KindImage && c.Compressed {
		return Content{}, fmt.Errorf("%w: compressed image", ErrMalformedContent)
	}
	return c, nil
}

func malformed(what string, n int) error {
	return fmt.Errorf("%w: %s: %v", ErrMalformedContent, what, protowire.ParseError(n))
}
