// Package clipboard reads and writes the local clipboard and converts
// its content to and from the form that travels between ring members.
package clipboard

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

var (
	// ErrClipboardUnavailable means the OS clipboard could not be opened
	// right now, typically because another process holds it. Retry on the
	// next tick.
	ErrClipboardUnavailable = errors.New("clipboard: unavailable")
	// ErrEmpty means the clipboard holds nothing of the requested kind.
	ErrEmpty = errors.New("clipboard: empty")
	// ErrUnsupported means the backend cannot handle this kind at all.
	ErrUnsupported = errors.New("clipboard: unsupported content kind")
)

// Image is an uncompressed RGBA bitmap with straight (not premultiplied)
// alpha, 4 bytes per pixel, row major.
type Image struct {
	Width  int
	Height int
	Pixels []byte
}

// Valid reports whether the pixel buffer matches the dimensions.
func (img *Image) Valid() bool {
	return img != nil && img.Width > 0 && img.Height > 0 &&
		len(img.Pixels) == img.Width*img.Height*4
}

// Clipboard is the OS clipboard as the sync engine sees it.
type Clipboard interface {
	ReadText() (string, error)
	ReadImage() (*Image, error)
	WriteText(text string) error
	WriteImage(img *Image) error
}

// Fingerprint identifies a clipboard value by content.
type Fingerprint [sha256.Size]byte

// String is the hex form, used in logs.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Short is the first 8 hex characters.
func (f Fingerprint) Short() string {
	return f.String()[:8]
}

// FingerprintBytes hashes raw content bytes.
func FingerprintBytes(b []byte) Fingerprint {
	return sha256.Sum256(b)
}

// FingerprintText hashes the UTF-8 bytes of a text value.
func FingerprintText(s string) Fingerprint {
	return FingerprintBytes([]byte(s))
}

// FingerprintImage hashes the raw pixel buffer, so an image re-encoded
// to PNG and decoded again keeps its fingerprint.
func FingerprintImage(img *Image) Fingerprint {
	return FingerprintBytes(img.Pixels)
}
