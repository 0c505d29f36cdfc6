package clipboard

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/png"
)

const (
	// maxImagePixels is a little above an 8K screen.
	maxImagePixels = 8192 * 4608
	// maxPixelsPerByte bounds what one compressed byte can expand to:
	// deflate stops near 1032:1 and a 1 bit palette packs 8 pixels.
	maxPixelsPerByte = 1032 * 8
)

// EncodePNG compresses img losslessly.
func EncodePNG(img *Image) ([]byte, error) {
	if !img.Valid() {
		return nil, errors.New("clipboard: invalid image buffer")
	}
	nrgba := &image.NRGBA{
		Pix:    img.Pixels,
		Stride: img.Width * 4,
		Rect:   image.Rect(0, 0, img.Width, img.Height),
	}
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, nrgba); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodePNG turns PNG bytes back into a straight-alpha RGBA buffer.
func DecodePNG(data []byte) (*Image, error) {
	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: png header: %v", ErrMalformedContent, err)
	}
	pixels := cfg.Width * cfg.Height
	if cfg.Width <= 0 || cfg.Height <= 0 || pixels > maxImagePixels ||
		pixels > len(data)*maxPixelsPerByte {
		return nil, fmt.Errorf("%w: png %dx%d in %d bytes",
			ErrMalformedContent, cfg.Width, cfg.Height, len(data))
	}
	decoded, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: png: %v", ErrMalformedContent, err)
	}

	b := decoded.Bounds()
	nrgba, ok := decoded.(*image.NRGBA)
	if !ok || nrgba.Stride != b.Dx()*4 || b.Min != (image.Point{}) {
		nrgba = image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(nrgba, nrgba.Bounds(), decoded, b.Min, draw.Src)
	}
	return &Image{Width: b.Dx(), Height: b.Dy(), Pixels: nrgba.Pix}, nil
}
