package compressor

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"io"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

const waitTimeout = 5 * time.Second

func discardLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func solidPNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return encodePNG(t, img)
}

// noisyImage has enough detail that JPEG output size tracks quality.
func noisyImage(w, h int) *image.NRGBA {
	rng := rand.New(rand.NewSource(42))
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{
				R: uint8((x*255)/w + rng.Intn(40)),
				G: uint8((y*255)/h + rng.Intn(40)),
				B: uint8(rng.Intn(256)),
				A: 255,
			})
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// pngHeader returns the signature and IHDR chunk of an 8-bit grayscale PNG
// with the given dimensions and no image data.
func pngHeader(w, h uint32) []byte {
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:4], w)
	binary.BigEndian.PutUint32(ihdr[4:8], h)
	ihdr[8] = 8 // bit depth; color type, compression, filter and interlace stay 0

	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	binary.Write(&buf, binary.BigEndian, uint32(len(ihdr)))
	chunk := append([]byte("IHDR"), ihdr...)
	buf.Write(chunk)
	binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))
	return buf.Bytes()
}

func pngSource(name string, data []byte) SourceFile {
	return SourceFile{Name: name, MIMEType: "image/png", Size: int64(len(data)), Data: data}
}

func waitPending(t *testing.T, p *Pending) (DecodeResult, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	res, err := p.Wait(ctx)
	if err == context.DeadlineExceeded {
		t.Fatalf("decode generation %d did not complete", p.Generation)
	}
	return res, err
}

// gatedCodec blocks each decode until the gate registered for its file
// contents is released.
type gatedCodec struct {
	*DefaultCompressor

	mu    sync.Mutex
	gates map[string]chan struct{}
}

func newGatedCodec() *gatedCodec {
	return &gatedCodec{
		DefaultCompressor: NewDefaultCompressor(),
		gates:             make(map[string]chan struct{}),
	}
}

func (g *gatedCodec) gate(data []byte) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.gates[string(data)]
	if !ok {
		ch = make(chan struct{})
		g.gates[string(data)] = ch
	}
	return ch
}

func (g *gatedCodec) release(data []byte) {
	close(g.gate(data))
}

func (g *gatedCodec) Decode(ctx context.Context, r io.Reader) (image.Image, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	select {
	case <-g.gate(data):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.DefaultCompressor.Decode(ctx, bytes.NewReader(data))
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) observe(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]EventKind, 0, len(r.events))
	for _, ev := range r.events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func (r *eventRecorder) last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return Event{}
	}
	return r.events[len(r.events)-1]
}
