package extract

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/framerelay/agent/internal/frame"
	"github.com/framerelay/agent/internal/ringbuf"
)

type fakeTexture struct {
	desc     TextureDesc
	fill     byte
	released bool
}

func (t *fakeTexture) Desc() (TextureDesc, error) { return t.desc, nil }
func (t *fakeTexture) Release()                   { t.released = true }

type fakeContext struct {
	rowPad   uint32
	mapErr   error
	maps     int
	unmaps   int
	released bool
}

func (c *fakeContext) CopyResource(dst, src Texture) error {
	dst.(*fakeTexture).fill = src.(*fakeTexture).fill
	return nil
}

func (c *fakeContext) Map(t Texture) (Mapped, error) {
	if c.mapErr != nil {
		return Mapped{}, c.mapErr
	}
	c.maps++
	tex := t.(*fakeTexture)
	pitch := tex.desc.Width*4 + c.rowPad
	data := make([]byte, tex.desc.Height*pitch)
	for i := range data {
		data[i] = tex.fill
	}
	return Mapped{Data: data, RowPitch: pitch}, nil
}

func (c *fakeContext) Unmap(Texture) { c.unmaps++ }
func (c *fakeContext) Release()      { c.released = true }

type fakeDevice struct {
	ctx      *fakeContext
	stagings []*fakeTexture
	released bool
}

func (d *fakeDevice) CreateStagingTexture(desc TextureDesc) (Texture, error) {
	st := &fakeTexture{desc: desc}
	d.stagings = append(d.stagings, st)
	return st, nil
}

func (d *fakeDevice) ImmediateContext() (DeviceContext, error) { return d.ctx, nil }
func (d *fakeDevice) Release()                                 { d.released = true }

type fakeSwapChain struct {
	back *fakeTexture
}

func (s *fakeSwapChain) Device() (Device, error)      { return nil, errors.New("not wired") }
func (s *fakeSwapChain) BackBuffer() (Texture, error) { return s.back, nil }
func (s *fakeSwapChain) Release()                     {}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{ctx: &fakeContext{rowPad: 16}}
}

func chain(w, h uint32, fill byte) *fakeSwapChain {
	return &fakeSwapChain{back: &fakeTexture{
		desc: TextureDesc{Width: w, Height: h, Format: frame.FormatBGRA8},
		fill: fill,
	}}
}

func TestInitializeRejectsNilDevice(t *testing.T) {
	e := New(nil)
	if err := e.Initialize(nil); !errors.Is(err, ErrNoDevice) {
		t.Fatalf("Initialize(nil) = %v, want ErrNoDevice", err)
	}
	if _, err := e.ExtractFrame(chain(4, 2, 1)); !errors.Is(err, ErrNoDevice) {
		t.Fatalf("ExtractFrame() without device = %v, want ErrNoDevice", err)
	}
}

func TestExtractFrame(t *testing.T) {
	dev := newFakeDevice()
	e := New(nil)
	if err := e.Initialize(dev); err != nil {
		t.Fatalf("Initialize() = %v", err)
	}
	defer e.Close()

	buf, err := e.ExtractFrame(chain(4, 2, 0xAB))
	if err != nil {
		t.Fatalf("ExtractFrame() = %v", err)
	}

	wantStride := uint32(4*4 + 16)
	if buf.Width != 4 || buf.Height != 2 || buf.Stride != wantStride {
		t.Errorf("geometry = %dx%d stride %d, want 4x2 stride %d", buf.Width, buf.Height, buf.Stride, wantStride)
	}
	if buf.Format != frame.FormatBGRA8 {
		t.Errorf("format = %v, want %v", buf.Format, frame.FormatBGRA8)
	}
	if err := buf.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
	for i, b := range buf.Data {
		if b != 0xAB {
			t.Fatalf("payload byte %d = 0x%02X, want 0xAB", i, b)
		}
	}
	if dev.ctx.unmaps != dev.ctx.maps {
		t.Errorf("maps=%d unmaps=%d, staging left mapped", dev.ctx.maps, dev.ctx.unmaps)
	}
}

func TestSequenceAndTimestamps(t *testing.T) {
	e := New(nil)
	if err := e.Initialize(newFakeDevice()); err != nil {
		t.Fatalf("Initialize() = %v", err)
	}
	defer e.Close()

	var lastTS uint64
	for want := uint64(0); want < 5; want++ {
		buf, err := e.ExtractFrame(chain(4, 2, byte(want)))
		if err != nil {
			t.Fatalf("ExtractFrame() #%d = %v", want, err)
		}
		if buf.Sequence != want {
			t.Errorf("sequence = %d, want %d", buf.Sequence, want)
		}
		if buf.Timestamp < lastTS {
			t.Errorf("timestamp went backwards: %d after %d", buf.Timestamp, lastTS)
		}
		lastTS = buf.Timestamp
	}
}

func TestStagingTextureCache(t *testing.T) {
	dev := newFakeDevice()
	e := New(nil)
	if err := e.Initialize(dev); err != nil {
		t.Fatalf("Initialize() = %v", err)
	}
	defer e.Close()

	for i := 0; i < 3; i++ {
		if _, err := e.ExtractFrame(chain(4, 2, 1)); err != nil {
			t.Fatalf("ExtractFrame() = %v", err)
		}
	}
	if len(dev.stagings) != 1 {
		t.Fatalf("created %d staging textures for identical geometry, want 1", len(dev.stagings))
	}

	// A resize retires the old staging texture and creates exactly one new one.
	if _, err := e.ExtractFrame(chain(8, 4, 1)); err != nil {
		t.Fatalf("ExtractFrame() after resize = %v", err)
	}
	if len(dev.stagings) != 2 {
		t.Fatalf("created %d staging textures after resize, want 2", len(dev.stagings))
	}
	if !dev.stagings[0].released {
		t.Error("old staging texture was not released")
	}
	if dev.stagings[1].released {
		t.Error("current staging texture should still be live")
	}
}

func TestCallbackThenTransport(t *testing.T) {
	e := New(nil)
	if err := e.Initialize(newFakeDevice()); err != nil {
		t.Fatalf("Initialize() = %v", err)
	}
	defer e.Close()

	tr := ringbuf.New(filepath.Join(t.TempDir(), "chan"), ringbuf.Options{SlotCount: 4, SlotDataBytes: 4096}, nil)
	if err := tr.Initialize(); err != nil {
		t.Fatalf("transport Initialize() = %v", err)
	}
	defer tr.Close()
	e.AttachTransport(tr)

	var sawInCallback *frame.Buffer
	var ringDepthAtCallback uint32
	e.SetFrameCallback(func(b *frame.Buffer) {
		sawInCallback = b
		st, _ := tr.Stats()
		ringDepthAtCallback = st.Depth
	})

	buf, err := e.ExtractFrame(chain(4, 2, 0x5A))
	if err != nil {
		t.Fatalf("ExtractFrame() = %v", err)
	}
	if sawInCallback != buf {
		t.Fatal("callback did not receive the extracted frame")
	}
	if ringDepthAtCallback != 0 {
		t.Error("transport write happened before the callback ran")
	}

	got, ok, err := tr.ReadFrame()
	if err != nil || !ok {
		t.Fatalf("ReadFrame() = ok=%v err=%v", ok, err)
	}
	if got.Width != 4 || got.Data[0] != 0x5A {
		t.Errorf("frame did not survive the transport: %+v", got)
	}
}

func TestMapFailureAborts(t *testing.T) {
	dev := newFakeDevice()
	dev.ctx.mapErr = errors.New("device lost")
	e := New(nil)
	if err := e.Initialize(dev); err != nil {
		t.Fatalf("Initialize() = %v", err)
	}
	defer e.Close()

	called := false
	e.SetFrameCallback(func(*frame.Buffer) { called = true })

	if _, err := e.ExtractFrame(chain(4, 2, 1)); err == nil {
		t.Fatal("ExtractFrame() succeeded with a failing Map")
	}
	if called {
		t.Error("callback ran for a failed extraction")
	}
}

func TestCloseReleasesDevice(t *testing.T) {
	dev := newFakeDevice()
	e := New(nil)
	if err := e.Initialize(dev); err != nil {
		t.Fatalf("Initialize() = %v", err)
	}
	if _, err := e.ExtractFrame(chain(4, 2, 1)); err != nil {
		t.Fatalf("ExtractFrame() = %v", err)
	}

	e.Close()
	e.Close()

	if !dev.released || !dev.ctx.released {
		t.Error("device or context not released on Close")
	}
	if !dev.stagings[0].released {
		t.Error("staging texture not released on Close")
	}
	if _, err := e.ExtractFrame(chain(4, 2, 1)); !errors.Is(err, ErrNoDevice) {
		t.Errorf("ExtractFrame() after Close = %v, want ErrNoDevice", err)
	}
}
