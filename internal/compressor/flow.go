package compressor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/sirupsen/logrus"
)

// CacheStats contains statistics about the per-image encode cache.
type CacheStats struct {
	Hits    int64
	Misses  int64
	Entries int
}

// DecodeResult is the completion value of one SelectFile call.
type DecodeResult struct {
	Generation uint64
	// Stale is set when a newer selection superseded this one and the
	// decoded image was thrown away.
	Stale bool
	View  View
	Err   error
}

// Pending is the future returned by SelectFile.
type Pending struct {
	Generation uint64

	done   chan struct{}
	result DecodeResult
}

func newPending(generation uint64) *Pending {
	return &Pending{Generation: generation, done: make(chan struct{})}
}

func (p *Pending) resolve(r DecodeResult) {
	p.result = r
	close(p.done)
}

// Done is closed once the decode has completed and its result was applied
// or discarded.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the decode completes or ctx is done. The returned error
// is the decode or encode failure, if any.
func (p *Pending) Wait(ctx context.Context) (DecodeResult, error) {
	select {
	case <-p.done:
		return p.result, p.result.Err
	case <-ctx.Done():
		return DecodeResult{Generation: p.Generation}, ctx.Err()
	}
}

// Flow owns the Source File -> Decoded Image -> Encoded Output pipeline for
// one user. All methods are safe for concurrent use.
type Flow struct {
	codec Codec
	log   *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	closed     bool
	state      State
	generation uint64
	image      *DecodedImage
	quality    Quality
	output     *EncodedOutput
	cache      map[int]*EncodedOutput
	cacheStats CacheStats
	observers  []Observer

	// emitMu keeps observer delivery in the order state changes were made.
	emitMu sync.Mutex
}

// NewFlow returns an Empty flow that encodes at the given initial quality.
func NewFlow(codec Codec, quality Quality, log *logrus.Logger) *Flow {
	if !quality.Valid() {
		quality = DefaultQuality
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Flow{
		codec:   codec,
		log:     log.WithField("component", "compressor"),
		ctx:     ctx,
		cancel:  cancel,
		state:   StateEmpty,
		quality: quality,
		cache:   make(map[int]*EncodedOutput),
	}
}

// Subscribe registers an observer for all subsequent events.
func (f *Flow) Subscribe(o Observer) {
	f.mu.Lock()
	f.observers = append(f.observers, o)
	f.mu.Unlock()
}

// SelectFile validates src and starts decoding it. Non-image files fail with
// ErrInvalidInputKind and leave the flow untouched. The decode runs until it
// completes, ctx is cancelled or the flow is closed.
func (f *Flow) SelectFile(ctx context.Context, src SourceFile) (*Pending, error) {
	mimeType := DetectMIME(src.MIMEType, src.Data)
	if src.Size == 0 {
		src.Size = int64(len(src.Data))
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrClosed
	}

	if !IsImageMIME(mimeType) {
		err := fmt.Errorf("%w: %q has type %q", ErrInvalidInputKind, src.Name, mimeType)
		f.log.WithFields(logrus.Fields{
			"file": src.Name,
			"mime": mimeType,
		}).Warn("Rejected non-image file")
		f.emitUnlock(Event{Kind: EventFileRejected, Generation: f.generation, Err: err})
		return nil, err
	}

	f.generation++
	token := f.generation
	f.state = StateDecoding
	pending := newPending(token)

	f.log.WithFields(logrus.Fields{
		"file":       src.Name,
		"mime":       mimeType,
		"size":       src.Size,
		"generation": token,
	}).Debug("Decoding selected file")

	decodeCtx, cancel := context.WithCancel(f.ctx)
	stop := context.AfterFunc(ctx, cancel)

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer cancel()
		defer stop()
		img, err := f.codec.Decode(decodeCtx, bytes.NewReader(src.Data))
		pending.resolve(f.complete(token, src, mimeType, img, err))
	}()

	f.emitUnlock(Event{Kind: EventDecodeStarted, Generation: token, Bytes: src.Size})
	return pending, nil
}

// complete applies a finished decode if it still belongs to the latest
// selection.
func (f *Flow) complete(token uint64, src SourceFile, mimeType string, img image.Image, decodeErr error) DecodeResult {
	f.mu.Lock()
	res := DecodeResult{Generation: token}

	if f.closed {
		f.mu.Unlock()
		res.Err = ErrClosed
		return res
	}

	if token != f.generation {
		res.Stale = true
		res.View = f.viewLocked()
		f.log.WithFields(logrus.Fields{
			"file":       src.Name,
			"generation": token,
			"latest":     f.generation,
		}).Debug("Discarded stale decode")
		f.emitUnlock(Event{Kind: EventDecodeDiscarded, Generation: token})
		return res
	}

	if decodeErr != nil {
		res.Err = fmt.Errorf("%w: %s: %w", ErrDecodeFailed, src.Name, decodeErr)
		f.state = f.settledStateLocked()
		res.View = f.viewLocked()
		f.log.WithError(decodeErr).WithField("file", src.Name).Error("Failed to decode image")
		f.emitUnlock(Event{Kind: EventDecodeFailed, Generation: token, Err: res.Err})
		return res
	}

	b := img.Bounds()
	f.image = &DecodedImage{
		Image:      img,
		Width:      b.Dx(),
		Height:     b.Dy(),
		SourceName: src.Name,
		SourceSize: src.Size,
		SourceMIME: mimeType,
		Preview:    src.Data,
	}
	f.output = nil
	f.cache = make(map[int]*EncodedOutput)
	f.state = StateReady

	events := []Event{{Kind: EventImageInstalled, Generation: token, Bytes: src.Size}}
	ev := f.reencodeLocked()
	events = append(events, ev)
	res.Err = ev.Err
	res.View = f.viewLocked()

	f.log.WithFields(logrus.Fields{
		"file":   src.Name,
		"width":  b.Dx(),
		"height": b.Dy(),
	}).Info("Installed decoded image")

	f.emitUnlock(events...)
	return res
}

// SetQuality stores a new Compression Setting and re-encodes the installed
// image. Without an installed image only the setting changes.
func (f *Flow) SetQuality(q Quality) (View, error) {
	if !q.Valid() {
		return f.View(), fmt.Errorf("%w: %v", ErrQualityOutOfRange, float64(q))
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return View{}, ErrClosed
	}
	f.quality = q

	events := []Event{{Kind: EventQualityChanged, Generation: f.generation}}
	var err error
	if f.image != nil {
		ev := f.reencodeLocked()
		err = ev.Err
		events = append(events, ev)
	}
	view := f.viewLocked()
	f.emitUnlock(events...)
	return view, err
}

// reencodeLocked renders the installed image at the current quality and
// rebinds the output. Callers hold f.mu.
func (f *Flow) reencodeLocked() Event {
	percent := f.quality.Percent()
	if out, ok := f.cache[percent]; ok {
		f.cacheStats.Hits++
		f.output = out
		return Event{Kind: EventReencoded, Generation: f.generation, Bytes: out.EstimatedSize, CacheHit: true}
	}
	f.cacheStats.Misses++

	out, err := f.codec.Encode(f.image.Image, f.quality)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrEncodeFailed, err)
		f.output = nil
		f.log.WithError(err).WithField("quality", percent).Error("Failed to encode image")
		return Event{Kind: EventEncodeFailed, Generation: f.generation, Err: err}
	}

	f.cache[percent] = out
	f.output = out
	f.log.WithFields(logrus.Fields{
		"quality":        percent,
		"estimated_size": out.EstimatedSize,
	}).Debug("Re-encoded image")
	return Event{Kind: EventReencoded, Generation: f.generation, Bytes: out.EstimatedSize}
}

// Download returns the current Encoded Output for saving. It reports false
// when nothing has been encoded yet.
func (f *Flow) Download() (Download, bool) {
	f.mu.Lock()
	if f.output == nil {
		f.mu.Unlock()
		return Download{}, false
	}
	d := Download{
		Filename:    DownloadFilename,
		ContentType: OutputContentType,
		Data:        f.output.Data,
		Hash:        f.output.Hash,
	}
	f.emitUnlock(Event{Kind: EventDownloaded, Generation: f.generation, Bytes: int64(len(d.Data))})
	return d, true
}

// View returns a snapshot of the current state.
func (f *Flow) View() View {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.viewLocked()
}

// Output returns the current Encoded Output.
func (f *Flow) Output() (*EncodedOutput, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.output, f.output != nil
}

// Image returns the installed Decoded Image.
func (f *Flow) Image() (*DecodedImage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.image, f.image != nil
}

// Quality returns the current Compression Setting.
func (f *Flow) Quality() Quality {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.quality
}

// CacheStats returns encode cache statistics for the installed image.
func (f *Flow) CacheStats() CacheStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := f.cacheStats
	stats.Entries = len(f.cache)
	return stats
}

// Close cancels pending decodes and waits for them to finish.
func (f *Flow) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.cancel()
	f.mu.Unlock()

	f.wg.Wait()
}

func (f *Flow) settledStateLocked() State {
	if f.image != nil {
		return StateReady
	}
	return StateEmpty
}

func (f *Flow) viewLocked() View {
	v := View{
		State:          f.state,
		Generation:     f.generation,
		QualityPercent: f.quality.Percent(),
		QualityLabel:   f.quality.Label(),
	}
	if img := f.image; img != nil {
		v.ComparisonVisible = true
		v.SourceName = img.SourceName
		v.OriginalMIME = img.SourceMIME
		v.OriginalSize = img.SourceSize
		v.OriginalSizeLabel = FormatFileSize(img.SourceSize)
		v.Width = img.Width
		v.Height = img.Height
	}
	if out := f.output; out != nil {
		v.CompressedSize = out.EstimatedSize
		v.CompressedSizeLabel = FormatFileSize(out.EstimatedSize)
		v.OutputHash = out.Hash
		v.DownloadEnabled = true
	}
	return v
}

// emitUnlock releases f.mu and delivers events to observers in order.
// Callers hold f.mu.
func (f *Flow) emitUnlock(events ...Event) {
	view := f.viewLocked()
	observers := f.observers
	f.emitMu.Lock()
	f.mu.Unlock()
	defer f.emitMu.Unlock()

	for _, ev := range events {
		if ev.View == (View{}) {
			ev.View = view
		}
		for _, o := range observers {
			o(ev)
		}
	}
}
