package compressor

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/disintegration/imaging"

	// Registers WebP with image.Decode; imaging already pulls in BMP and TIFF.
	_ "golang.org/x/image/webp"
)

// DefaultMaxPixels caps width*height of a decoded image. A full-size bitmap
// plus the flattened copy costs roughly 8 bytes per pixel.
const DefaultMaxPixels int64 = 50_000_000

// DefaultCompressor is the default implementation of the Codec interface.
type DefaultCompressor struct {
	maxPixels int64
}

// Option configures a DefaultCompressor.
type Option func(*DefaultCompressor)

// WithMaxPixels sets the largest accepted width*height. Values <= 0 keep
// the default.
func WithMaxPixels(n int64) Option {
	return func(c *DefaultCompressor) {
		if n > 0 {
			c.maxPixels = n
		}
	}
}

// NewDefaultCompressor creates a new DefaultCompressor instance.
func NewDefaultCompressor(opts ...Option) *DefaultCompressor {
	c := &DefaultCompressor{maxPixels: DefaultMaxPixels}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MaxPixels returns the pixel limit enforced by Decode.
func (c *DefaultCompressor) MaxPixels() int64 {
	return c.maxPixels
}

// Decode reads an image in any registered format. The header is checked
// first so oversized images fail before any pixel memory is allocated.
func (c *DefaultCompressor) Decode(ctx context.Context, r io.Reader) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	hdr, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if pixels := int64(hdr.Width) * int64(hdr.Height); pixels > c.maxPixels {
		return nil, fmt.Errorf("%w: %s %dx%d exceeds %d pixels", ErrImageTooLarge, format, hdr.Width, hdr.Height, c.maxPixels)
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return img, nil
}

// Encode flattens img onto white and exports it as JPEG.
func (c *DefaultCompressor) Encode(img image.Image, quality Quality) (*EncodedOutput, error) {
	if !quality.Valid() {
		return nil, fmt.Errorf("%w: %v", ErrQualityOutOfRange, float64(quality))
	}

	var buf bytes.Buffer
	err := imaging.Encode(&buf, Flatten(img), imaging.JPEG, imaging.JPEGQuality(quality.Percent()))
	if err != nil {
		return nil, fmt.Errorf("jpeg encode: %w", err)
	}
	return NewEncodedOutput(buf.Bytes(), quality), nil
}

// Flatten draws img onto an opaque white surface of exactly its pixel size.
// JPEG has no alpha channel, so transparent areas end up white.
func Flatten(img image.Image) *image.NRGBA {
	b := img.Bounds()
	bg := imaging.New(b.Dx(), b.Dy(), color.White)
	return imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
}

// NewEncodedOutput wraps JPEG bytes with their data URI, size estimate and hash.
func NewEncodedOutput(data []byte, quality Quality) *EncodedOutput {
	uri := jpegDataURIPrefix + base64.StdEncoding.EncodeToString(data)
	return &EncodedOutput{
		Data:          data,
		DataURI:       uri,
		EstimatedSize: EstimateEncodedSize(len(uri)),
		Quality:       quality,
		Hash:          ContentHash(data),
	}
}

// ContentHash returns the 16 hex character xxHash64 of data.
func ContentHash(data []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}
