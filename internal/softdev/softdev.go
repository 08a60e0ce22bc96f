// Package softdev is a software graphics device. It implements the same
// device, context and swap-chain contracts as the D3D11 adapter, rendering
// synthetic BGRA frames in plain memory, so the full extraction pipeline
// runs on hosts without a GPU and inside tests.
package softdev

import (
	"fmt"
	"sync"
	"time"

	"github.com/framerelay/agent/internal/extract"
	"github.com/framerelay/agent/internal/frame"
	"github.com/framerelay/agent/internal/logging"
)

var log = logging.L("softdev")

// rowAlign pads row pitch the way GPU drivers tend to, so consumers see
// realistic stride != width*4 frames.
const rowAlign = 64

func alignedPitch(width uint32) uint32 {
	return (width*frame.BytesPerPixel + rowAlign - 1) &^ (rowAlign - 1)
}

type texture struct {
	desc  extract.TextureDesc
	pitch uint32
	data  []byte
}

func newTexture(desc extract.TextureDesc) *texture {
	pitch := alignedPitch(desc.Width)
	return &texture{
		desc:  desc,
		pitch: pitch,
		data:  make([]byte, desc.Height*pitch),
	}
}

func (t *texture) Desc() (extract.TextureDesc, error) { return t.desc, nil }
func (t *texture) Release()                           {}

// Context implements extract.DeviceContext over plain memory.
type Context struct{}

func (c *Context) CopyResource(dst, src extract.Texture) error {
	d, ok := dst.(*texture)
	s, sok := src.(*texture)
	if !ok || !sok {
		return fmt.Errorf("softdev: CopyResource needs software textures")
	}
	if d.desc != s.desc {
		return fmt.Errorf("softdev: CopyResource geometry mismatch: %+v vs %+v", d.desc, s.desc)
	}
	copy(d.data, s.data)
	return nil
}

func (c *Context) Map(t extract.Texture) (extract.Mapped, error) {
	tex, ok := t.(*texture)
	if !ok {
		return extract.Mapped{}, fmt.Errorf("softdev: Map needs a software texture")
	}
	return extract.Mapped{Data: tex.data, RowPitch: tex.pitch}, nil
}

func (c *Context) Unmap(extract.Texture) {}
func (c *Context) Release()              {}

// Device implements extract.Device over plain memory.
type Device struct {
	ctx Context
}

func NewDevice() *Device { return &Device{} }

func (d *Device) CreateStagingTexture(desc extract.TextureDesc) (extract.Texture, error) {
	if desc.Width == 0 || desc.Height == 0 {
		return nil, fmt.Errorf("softdev: staging texture with zero dimensions")
	}
	return newTexture(desc), nil
}

func (d *Device) ImmediateContext() (extract.DeviceContext, error) { return &d.ctx, nil }
func (d *Device) Release()                                         {}

// SwapChain renders one synthetic frame per Present call: a color gradient
// across the surface with the frame counter folded into the red channel, so
// consecutive frames are distinguishable byte-wise.
type SwapChain struct {
	dev *Device

	mu    sync.Mutex
	back  *texture
	frame uint64
}

// NewSwapChain creates a software swap chain with a backbuffer of the given
// size.
func NewSwapChain(width, height uint32) *SwapChain {
	return &SwapChain{
		dev: NewDevice(),
		back: newTexture(extract.TextureDesc{
			Width:  width,
			Height: height,
			Format: frame.FormatBGRA8,
		}),
	}
}

func (s *SwapChain) Device() (extract.Device, error) { return s.dev, nil }

func (s *SwapChain) BackBuffer() (extract.Texture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.back, nil
}

func (s *SwapChain) Release() {}

// Present renders the next frame into the backbuffer.
func (s *SwapChain) Present() {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.back
	w, h := t.desc.Width, t.desc.Height
	r := byte(s.frame)
	for y := uint32(0); y < h; y++ {
		row := t.data[y*t.pitch:]
		g := byte(y * 255 / h)
		for x := uint32(0); x < w; x++ {
			p := row[x*4:]
			p[0] = byte(x * 255 / w) // B
			p[1] = g                 // G
			p[2] = r                 // R
			p[3] = 0xFF              // A
		}
	}
	s.frame++
}

// Handler observes one present: it receives the swap chain whose backbuffer
// just got a new frame.
type Handler = func(extract.SwapChain)

// Source drives presents at a fixed rate and dispatches each one to an
// installed handler. It stands in for a render-path hook: at most one
// handler is installed at a time, and Detach re-arms installation.
type Source struct {
	chain *SwapChain

	mu      sync.Mutex
	handler Handler
	stop    chan struct{}
	done    chan struct{}
}

func NewSource(chain *SwapChain) *Source {
	return &Source{chain: chain}
}

// TryInstall installs the present handler. It fails if another handler is
// already installed.
func (s *Source) TryInstall(h Handler) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handler != nil {
		return false
	}
	s.handler = h
	log.Debug("present handler installed")
	return true
}

// Detach removes the installed handler. A later TryInstall succeeds again.
func (s *Source) Detach() {
	s.mu.Lock()
	s.handler = nil
	s.mu.Unlock()
	log.Debug("present handler detached")
}

// Start begins presenting at fps frames per second. It is a no-op if the
// source is already running.
func (s *Source) Start(fps int) {
	if fps <= 0 {
		fps = 30
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(time.Second/time.Duration(fps), s.stop, s.done)
	log.Info("present pump started", "fps", fps)
}

func (s *Source) run(interval time.Duration, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.Present()
		}
	}
}

// Present renders one frame and dispatches it to the handler, if any.
// Exposed so tests can pump frames without the ticker.
func (s *Source) Present() {
	s.chain.Present()
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h(s.chain)
	}
}

// Stop halts the present pump and waits for the in-flight present to finish.
func (s *Source) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}
