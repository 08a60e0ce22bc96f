package softdev

import (
	"testing"

	"github.com/framerelay/agent/internal/extract"
	"github.com/framerelay/agent/internal/frame"
)

func TestSwapChainRendersDistinctFrames(t *testing.T) {
	sc := NewSwapChain(16, 8)

	sc.Present()
	bb, err := sc.BackBuffer()
	if err != nil {
		t.Fatalf("BackBuffer() = %v", err)
	}
	desc, _ := bb.Desc()
	if desc.Width != 16 || desc.Height != 8 || desc.Format != frame.FormatBGRA8 {
		t.Fatalf("backbuffer desc = %+v", desc)
	}

	first := bb.(*texture).data[2] // red channel of pixel (0,0)
	sc.Present()
	second := bb.(*texture).data[2]
	if first == second {
		t.Error("consecutive frames are byte-identical in the red channel")
	}
	if bb.(*texture).data[3] != 0xFF {
		t.Error("alpha channel not opaque")
	}
}

func TestExtractionOverSoftwareDevice(t *testing.T) {
	sc := NewSwapChain(16, 8)
	dev, err := sc.Device()
	if err != nil {
		t.Fatalf("Device() = %v", err)
	}

	e := extract.New(nil)
	if err := e.Initialize(dev); err != nil {
		t.Fatalf("Initialize() = %v", err)
	}
	defer e.Close()

	sc.Present()
	buf, err := e.ExtractFrame(sc)
	if err != nil {
		t.Fatalf("ExtractFrame() = %v", err)
	}
	if err := buf.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
	if buf.Stride != alignedPitch(16) {
		t.Errorf("stride = %d, want aligned pitch %d", buf.Stride, alignedPitch(16))
	}
}

func TestSourceInstallSemantics(t *testing.T) {
	src := NewSource(NewSwapChain(4, 4))

	var got int
	h := func(extract.SwapChain) { got++ }

	if !src.TryInstall(h) {
		t.Fatal("first TryInstall failed")
	}
	if src.TryInstall(h) {
		t.Fatal("second TryInstall succeeded while a handler is installed")
	}

	src.Present()
	src.Present()
	if got != 2 {
		t.Errorf("handler ran %d times, want 2", got)
	}

	src.Detach()
	src.Present()
	if got != 2 {
		t.Error("detached handler still ran")
	}

	if !src.TryInstall(h) {
		t.Error("TryInstall after Detach failed; install should re-arm")
	}
}
