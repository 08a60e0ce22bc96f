// Package extract pulls rendered frames off a graphics device. A frame lives
// in GPU memory; reading it back requires a CPU-readable staging copy. The
// extractor keeps a single cached staging texture matched to the source
// dimensions and format, and recreates it only when those change.
package extract

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/framerelay/agent/internal/frame"
	"github.com/framerelay/agent/internal/logging"
	"github.com/framerelay/agent/internal/metrics"
	"github.com/framerelay/agent/internal/ringbuf"
)

var log = logging.L("extract")

var (
	// ErrNoDevice is returned when Initialize is given a nil device or when
	// ExtractFrame runs before a device is bound.
	ErrNoDevice = errors.New("extract: no graphics device bound")
)

// TextureDesc describes the geometry of a GPU surface.
type TextureDesc struct {
	Width  uint32
	Height uint32
	Format frame.Format
}

// Mapped is a CPU view of a mapped staging texture. Rows are RowPitch bytes
// apart; RowPitch may exceed Width*4 due to driver alignment.
type Mapped struct {
	Data     []byte
	RowPitch uint32
}

// Texture is a GPU surface the extractor can describe and copy from.
type Texture interface {
	Desc() (TextureDesc, error)
	Release()
}

// Device creates CPU-readable staging copies of GPU surfaces.
type Device interface {
	CreateStagingTexture(TextureDesc) (Texture, error)
	ImmediateContext() (DeviceContext, error)
	Release()
}

// DeviceContext issues copy and map operations against the device.
type DeviceContext interface {
	CopyResource(dst, src Texture) error
	Map(Texture) (Mapped, error)
	Unmap(Texture)
	Release()
}

// SwapChain is the producer-side handle frames arrive on.
type SwapChain interface {
	Device() (Device, error)
	BackBuffer() (Texture, error)
	Release()
}

// Callback receives each extracted frame before it is written to the
// transport. It runs synchronously on the extraction path and must not block.
type Callback func(*frame.Buffer)

// Extractor performs GPU-to-CPU frame readback. It is safe for concurrent
// use, though the producer normally drives it from a single render thread.
type Extractor struct {
	mets *metrics.Metrics

	mu           sync.Mutex
	dev          Device
	ctx          DeviceContext
	staging      Texture
	stagingAt    TextureDesc
	stagingAlloc uint64
	callback     Callback
	transport    *ringbuf.Transport
	seq          uint64
	lastTS       uint64
}

// New returns an extractor with no device bound. mets may be nil.
func New(mets *metrics.Metrics) *Extractor {
	return &Extractor{mets: mets}
}

// Initialize binds the graphics device the extractor reads from and takes
// ownership of it; Close releases it. Calling Initialize on an already
// initialized extractor replaces the previous device.
func (e *Extractor) Initialize(dev Device) error {
	if dev == nil {
		return ErrNoDevice
	}
	ctx, err := dev.ImmediateContext()
	if err != nil {
		return fmt.Errorf("extract: obtain device context: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.releaseDeviceLocked()
	e.dev = dev
	e.ctx = ctx
	log.Info("graphics device bound")
	return nil
}

// SetFrameCallback installs the per-frame callback. A nil fn clears it.
func (e *Extractor) SetFrameCallback(fn Callback) {
	e.mu.Lock()
	e.callback = fn
	e.mu.Unlock()
}

// AttachTransport routes every extracted frame into tr. A nil tr detaches.
func (e *Extractor) AttachTransport(tr *ringbuf.Transport) {
	e.mu.Lock()
	e.transport = tr
	e.mu.Unlock()
}

// ExtractFrame copies the swap chain's current backbuffer into CPU memory
// and delivers the resulting frame to the callback and the transport, in
// that order. The returned buffer is freshly allocated and owned by the
// caller.
func (e *Extractor) ExtractFrame(sc SwapChain) (*frame.Buffer, error) {
	op := e.mets.StartOperation("extract")
	defer e.mets.EndOperation(op)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dev == nil || e.ctx == nil {
		return nil, ErrNoDevice
	}
	if sc == nil {
		return nil, fmt.Errorf("extract: nil swap chain")
	}

	src, err := sc.BackBuffer()
	if err != nil {
		e.mets.IncExtractFailures()
		return nil, fmt.Errorf("extract: obtain backbuffer: %w", err)
	}
	defer src.Release()

	desc, err := src.Desc()
	if err != nil {
		e.mets.IncExtractFailures()
		return nil, fmt.Errorf("extract: query source description: %w", err)
	}
	if desc.Width == 0 || desc.Height == 0 {
		e.mets.IncExtractFailures()
		return nil, fmt.Errorf("extract: source has zero dimensions %dx%d", desc.Width, desc.Height)
	}
	if !desc.Format.Compatible() {
		// Unknown formats pass through unmodified; conversion is a consumer
		// concern.
		log.Debug("source format outside the known set", "format", desc.Format)
	}

	if err := e.ensureStagingLocked(desc); err != nil {
		e.mets.IncExtractFailures()
		return nil, err
	}

	if err := e.ctx.CopyResource(e.staging, src); err != nil {
		e.mets.IncExtractFailures()
		return nil, fmt.Errorf("extract: copy to staging: %w", err)
	}

	mapped, err := e.ctx.Map(e.staging)
	if err != nil {
		e.mets.IncExtractFailures()
		return nil, fmt.Errorf("extract: map staging: %w", err)
	}

	// The source row layout is preserved as-is: stride is the mapped
	// RowPitch, padding included.
	size := int(desc.Height) * int(mapped.RowPitch)
	data := make([]byte, size)
	copy(data, mapped.Data[:size])
	e.ctx.Unmap(e.staging)

	buf := &frame.Buffer{
		Width:     desc.Width,
		Height:    desc.Height,
		Stride:    mapped.RowPitch,
		Format:    desc.Format,
		Timestamp: e.nextTimestampLocked(),
		Sequence:  e.seq,
		Data:      data,
	}
	e.seq++

	e.mets.IncFramesExtracted()
	e.deliverLocked(buf)
	return buf, nil
}

// ensureStagingLocked reuses the cached staging texture when the source
// geometry is unchanged, recreating it otherwise.
func (e *Extractor) ensureStagingLocked(desc TextureDesc) error {
	if e.staging != nil && e.stagingAt == desc {
		return nil
	}
	if e.staging != nil {
		e.staging.Release()
		e.staging = nil
		e.mets.ReleaseAllocation(e.stagingAlloc)
	}
	st, err := e.dev.CreateStagingTexture(desc)
	if err != nil {
		return fmt.Errorf("extract: create staging texture %dx%d: %w", desc.Width, desc.Height, err)
	}
	e.staging = st
	e.stagingAt = desc
	e.stagingAlloc = e.mets.TrackAllocation("staging",
		int64(desc.Width)*int64(desc.Height)*frame.BytesPerPixel)
	log.Debug("staging texture created",
		"width", desc.Width, "height", desc.Height, "format", desc.Format)
	return nil
}

// nextTimestampLocked returns a wall-clock millisecond timestamp clamped to
// be non-decreasing across frames.
func (e *Extractor) nextTimestampLocked() uint64 {
	ts := uint64(time.Now().UnixMilli())
	if ts < e.lastTS {
		ts = e.lastTS
	}
	e.lastTS = ts
	return ts
}

func (e *Extractor) deliverLocked(buf *frame.Buffer) {
	if e.callback != nil {
		e.callback(buf)
	}
	if e.transport != nil {
		if err := e.transport.WriteFrame(buf); err != nil {
			log.Warn("transport write failed", logging.KeySequence, buf.Sequence, logging.KeyError, err)
		}
	}
}

func (e *Extractor) releaseDeviceLocked() {
	if e.staging != nil {
		e.staging.Release()
		e.staging = nil
		e.stagingAt = TextureDesc{}
		e.mets.ReleaseAllocation(e.stagingAlloc)
		e.stagingAlloc = 0
	}
	if e.ctx != nil {
		e.ctx.Release()
		e.ctx = nil
	}
	if e.dev != nil {
		e.dev.Release()
		e.dev = nil
	}
}

// Close releases the staging texture, the device context and the device.
// Idempotent.
func (e *Extractor) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.releaseDeviceLocked()
}
