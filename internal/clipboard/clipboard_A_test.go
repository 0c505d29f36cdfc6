package clipboard

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func testImage(w, h int, alpha byte) *Image {
	px := make([]byte, w*h*4)
	for i := 0; i < len(px); i += 4 {
		px[i] = byte(i)
		px[i+1] = byte(i >> 8)
		px[i+2] = 0x7f
		px[i+3] = alpha
	}
	return &Image{Width: w, Height: h, Pixels: px}
}

func TestFingerprintDeterministicAndDistinct(t *testing.T) {
	t.Parallel()
	assert.Equal(t, FingerprintText("some content"), FingerprintText("some content"))
	assert.NotEqual(t, FingerprintText("some content"), FingerprintText("different content"))
	assert.Len(t, FingerprintText("x").String(), 64)
	assert.Len(t, FingerprintText("x").Short(), 8)
}

func TestFingerprintProperty(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(rt *rapid.T) {
		a := rapid.SliceOf(rapid.Byte()).Draw(rt, "a")
		b := rapid.SliceOf(rapid.Byte()).Draw(rt, "b")
		if FingerprintBytes(a) != FingerprintBytes(bytes.Clone(a)) {
			rt.Fatalf("fingerprint not deterministic")
		}
		if !bytes.Equal(a, b) && FingerprintBytes(a) == FingerprintBytes(b) {
			rt.Fatalf("collision on distinct inputs")
		}
	})
}

func TestTextContentSmallIsPlain(t *testing.T) {
	t.Parallel()
	c, err := TextContent("hello")
	require.NoError(t, err)
	assert.False(t, c.Compressed)

	decoded, err := DecodeContent(c.Encode())
	require.NoError(t, err)
	text, err := decoded.Text()
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
}

func TestTextContentLargeIsCompressed(t *testing.T) {
	t.Parallel()
	big := strings.Repeat("clipring ", CompressThreshold/4)
	c, err := TextContent(big)
	require.NoError(t, err)
	assert.True(t, c.Compressed)
	assert.Less(t, len(c.Data), len(big))

	decoded, err := DecodeContent(c.Encode())
	require.NoError(t, err)
	assert.True(t, decoded.Compressed)
	text, err := decoded.Text()
	require.NoError(t, err)
	assert.Equal(t, big, text)
}

func TestImageContentRoundTrip(t *testing.T) {
	t.Parallel()
	for _, alpha := range []byte{0xff, 0x80, 0x00} {
		img := testImage(17, 9, alpha)
		c, err := ImageContent(img)
		require.NoError(t, err)

		decoded, err := DecodeContent(c.Encode())
		require.NoError(t, err)
		got, err := decoded.Image()
		require.NoError(t, err)
		assert.Equal(t, img.Width, got.Width)
		assert.Equal(t, img.Height, got.Height)
		assert.Equal(t, FingerprintImage(img), FingerprintImage(got), "alpha %d", alpha)
	}
}

func TestEncodePNGRejectsBadBuffer(t *testing.T) {
	t.Parallel()
	_, err := EncodePNG(&Image{Width: 2, Height: 2, Pixels: make([]byte, 3)})
	assert.Error(t, err)
	_, err = EncodePNG(nil)
	assert.Error(t, err)
}

// pngHeader is a PNG signature and IHDR chunk announcing w x h RGBA,
// with no image data behind it.
func pngHeader(w, h uint32) []byte {
	var ihdr [13]byte
	binary.BigEndian.PutUint32(ihdr[0:], w)
	binary.BigEndian.PutUint32(ihdr[4:], h)
	ihdr[8] = 8 // bit depth
	ihdr[9] = 6 // truecolor with alpha

	out := []byte("\x89PNG\r\n\x1a\n")
	out = binary.BigEndian.AppendUint32(out, uint32(len(ihdr)))
	chunk := append([]byte("IHDR"), ihdr[:]...)
	out = append(out, chunk...)
	return binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(chunk))
}

func TestDecodePNGRefusesHugeBitmaps(t *testing.T) {
	t.Parallel()
	for _, size := range [][2]uint32{{20000, 20000}, {9000, 9000}, {2000, 2000}} {
		_, err := DecodePNG(pngHeader(size[0], size[1]))
		assert.ErrorIs(t, err, ErrMalformedContent, "%dx%d", size[0], size[1])
		assert.Contains(t, err.Error(), "bytes")
	}
}

func TestDecodeContentMalformed(t *testing.T) {
	t.Parallel()
	cases := map[string][]byte{
		"garbage":      {0xff, 0xff},
		"unknown kind": Content{Kind: 9, Data: []byte("x")}.Encode(),
		"no kind":      {0x12, 0x01, 'x'},
		"bad png":      Content{Kind: KindImage, Data: []byte("nope")}.Encode(),
	}
	for name, b := range cases {
		c, err := DecodeContent(b)
		if err == nil {
			_, err = c.Image()
		}
		if !errors.Is(err, ErrMalformedContent) {
			t.Errorf("%s: expected ErrMalformedContent, got %v", name, err)
		}
	}
}

func TestContentKindMismatch(t *testing.T) {
	t.Parallel()
	c, err := TextContent("x")
	require.NoError(t, err)
	_, err = c.Image()
	assert.ErrorIs(t, err, ErrMalformedContent)
}

func TestMemoryClipboard(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	_, err := m.ReadText()
	assert.ErrorIs(t, err, ErrEmpty)

	require.NoError(t, m.WriteText("a"))
	s, err := m.ReadText()
	require.NoError(t, err)
	assert.Equal(t, "a", s)

	require.NoError(t, m.WriteImage(testImage(2, 2, 0xff)))
	_, err = m.ReadText()
	assert.ErrorIs(t, err, ErrEmpty, "image replaces text")
	img, err := m.ReadImage()
	require.NoError(t, err)
	assert.Equal(t, 2, img.Width)

	m.SetBusy(true)
	_, err = m.ReadImage()
	assert.ErrorIs(t, err, ErrClipboardUnavailable)
	assert.ErrorIs(t, m.WriteText("b"), ErrClipboardUnavailable)
	assert.Equal(t, 2, m.Writes())
}
