package compressor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
)

// DownloadFilename is the name offered for every saved Encoded Output.
const DownloadFilename = "compressed_image.jpg"

// OutputContentType is the MIME type of every Encoded Output.
const OutputContentType = "image/jpeg"

var (
	// ErrInvalidInputKind is returned when a selected file is not an image.
	ErrInvalidInputKind = errors.New("invalid input kind: file is not an image")
	// ErrDecodeFailed is reported when an image-typed file cannot be decoded.
	ErrDecodeFailed = errors.New("decode failed")
	// ErrImageTooLarge is wrapped into ErrDecodeFailed when an image's
	// dimensions exceed the decoder's pixel limit.
	ErrImageTooLarge = errors.New("image too large")
	// ErrEncodeFailed is reported when JPEG export of the installed image fails.
	ErrEncodeFailed = errors.New("encode failed")
	// ErrQualityOutOfRange is returned for quality values outside [0, 1].
	ErrQualityOutOfRange = errors.New("quality out of range")
	// ErrClosed is returned by operations on a closed Flow.
	ErrClosed = errors.New("compressor flow closed")
)

// Quality is the JPEG encoder quality in the closed range [0, 1].
type Quality float64

// DefaultQuality is used when no other setting is configured.
const DefaultQuality Quality = 0.8

// QualityFromPercent converts a 0-100 percentage into a Quality.
func QualityFromPercent(percent int) (Quality, error) {
	if percent < 0 || percent > 100 {
		return 0, fmt.Errorf("%w: %d%%", ErrQualityOutOfRange, percent)
	}
	return Quality(float64(percent) / 100), nil
}

// Valid reports whether q lies in [0, 1].
func (q Quality) Valid() bool {
	f := float64(q)
	return !math.IsNaN(f) && f >= 0 && f <= 1
}

// Percent returns q on the 0-100 scale, rounded to the nearest integer.
func (q Quality) Percent() int {
	return int(math.Round(float64(q) * 100))
}

// Label renders q the way the quality control displays it, e.g. "80%".
func (q Quality) Label() string {
	return fmt.Sprintf("%d%%", q.Percent())
}

// SourceFile is the raw file supplied by the user.
type SourceFile struct {
	Name     string
	MIMEType string // declared type; sniffed from Data when empty
	Size     int64
	Data     []byte
}

// DecodedImage is the bitmap installed in a Flow together with what is
// needed to show the original side of the comparison.
type DecodedImage struct {
	Image      image.Image
	Width      int
	Height     int
	SourceName string
	SourceSize int64
	SourceMIME string
	Preview    []byte
}

// EncodedOutput is one JPEG re-encoding of a DecodedImage.
// Values are immutable once produced.
type EncodedOutput struct {
	Data    []byte
	DataURI string
	// EstimatedSize is derived from the data URI length and approximates,
	// but is not, the exact byte count of Data.
	EstimatedSize int64
	Quality       Quality
	Hash          string
}

// Download describes a client-side save of the current Encoded Output.
type Download struct {
	Filename    string
	ContentType string
	Data        []byte
	Hash        string
}

// Decoder turns encoded image bytes into a drawable bitmap.
type Decoder interface {
	Decode(ctx context.Context, r io.Reader) (image.Image, error)
}

// Encoder exports a bitmap as JPEG at the given quality.
type Encoder interface {
	Encode(img image.Image, quality Quality) (*EncodedOutput, error)
}

// Codec is the decoding and encoding facility a Flow depends on.
type Codec interface {
	Decoder
	Encoder
}
