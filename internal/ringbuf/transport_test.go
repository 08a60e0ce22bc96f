package ringbuf

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/framerelay/agent/internal/frame"
)

func testChannelName(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "chan")
}

func newTestTransport(t *testing.T, name string, opts Options) *Transport {
	t.Helper()
	tr := New(name, opts, nil)
	if err := tr.Initialize(); err != nil {
		t.Fatalf("Initialize() = %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func testFrame(seed byte) *frame.Buffer {
	data := make([]byte, 32)
	for i := range data {
		data[i] = seed + byte(i)
	}
	return &frame.Buffer{
		Width:     4,
		Height:    2,
		Stride:    16,
		Format:    frame.FormatBGRA8,
		Timestamp: uint64(1000 + int(seed)),
		Data:      data,
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	tr := newTestTransport(t, testChannelName(t), Options{SlotCount: 4, SlotDataBytes: 64})

	want := []*frame.Buffer{testFrame(10), testFrame(20), testFrame(30)}
	for _, f := range want {
		if err := tr.WriteFrame(f); err != nil {
			t.Fatalf("WriteFrame() = %v", err)
		}
	}

	for i, w := range want {
		got, ok, err := tr.ReadFrame()
		if err != nil || !ok {
			t.Fatalf("ReadFrame() #%d = ok=%v err=%v", i, ok, err)
		}
		if got.Sequence != uint64(i) {
			t.Errorf("frame #%d sequence = %d, want %d", i, got.Sequence, i)
		}
		if got.Width != w.Width || got.Height != w.Height || got.Stride != w.Stride ||
			got.Format != w.Format || got.Timestamp != w.Timestamp {
			t.Errorf("frame #%d header = %+v, want %+v", i, got, w)
		}
		if !bytes.Equal(got.Data, w.Data) {
			t.Errorf("frame #%d payload differs from what was written", i)
		}
	}
}

func TestReadEmptyDoesNotMutate(t *testing.T) {
	tr := newTestTransport(t, testChannelName(t), Options{SlotCount: 4, SlotDataBytes: 64})

	if _, ok, err := tr.ReadFrame(); ok || err != nil {
		t.Fatalf("ReadFrame() on empty ring = ok=%v err=%v, want ok=false err=nil", ok, err)
	}

	if err := tr.WriteFrame(testFrame(1)); err != nil {
		t.Fatalf("WriteFrame() = %v", err)
	}
	got, ok, err := tr.ReadFrame()
	if err != nil || !ok {
		t.Fatalf("ReadFrame() after write = ok=%v err=%v", ok, err)
	}
	if got.Sequence != 0 {
		t.Errorf("sequence = %d, want 0; empty read must not have consumed anything", got.Sequence)
	}
}

func TestDropOldestWhenFull(t *testing.T) {
	// Four slots buffer three unread frames. Writing five frames must drop
	// the two oldest; the reader sees sequences 2, 3, 4.
	tr := newTestTransport(t, testChannelName(t), Options{SlotCount: 4, SlotDataBytes: 64})

	for i := byte(0); i < 5; i++ {
		if err := tr.WriteFrame(testFrame(i * 10)); err != nil {
			t.Fatalf("WriteFrame() #%d = %v", i, err)
		}
	}

	st, err := tr.Stats()
	if err != nil {
		t.Fatalf("Stats() = %v", err)
	}
	if st.Depth != 3 {
		t.Errorf("Depth = %d, want 3", st.Depth)
	}
	if st.Sequence != 5 {
		t.Errorf("Sequence = %d, want 5", st.Sequence)
	}

	for _, wantSeq := range []uint64{2, 3, 4} {
		got, ok, err := tr.ReadFrame()
		if err != nil || !ok {
			t.Fatalf("ReadFrame() = ok=%v err=%v", ok, err)
		}
		if got.Sequence != wantSeq {
			t.Errorf("sequence = %d, want %d", got.Sequence, wantSeq)
		}
		if got.Data[0] != byte(wantSeq*10) {
			t.Errorf("payload seed = %d, want %d", got.Data[0], wantSeq*10)
		}
	}
	if _, ok, _ := tr.ReadFrame(); ok {
		t.Error("ring should be empty after draining the survivors")
	}
}

func TestOversizedWriteRejected(t *testing.T) {
	tr := newTestTransport(t, testChannelName(t), Options{SlotCount: 4, SlotDataBytes: 64})

	big := &frame.Buffer{
		Width: 8, Height: 8, Stride: 32, Format: frame.FormatBGRA8,
		Data: make([]byte, 256),
	}
	err := tr.WriteFrame(big)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("WriteFrame(oversized) = %v, want ErrFrameTooLarge", err)
	}

	st, err := tr.Stats()
	if err != nil {
		t.Fatalf("Stats() = %v", err)
	}
	if st.Depth != 0 || st.Sequence != 0 {
		t.Errorf("rejected write mutated state: depth=%d sequence=%d", st.Depth, st.Sequence)
	}
}

func TestAttachAdoptsGeometry(t *testing.T) {
	name := testChannelName(t)
	creator := newTestTransport(t, name, Options{SlotCount: 8, SlotDataBytes: 128})
	if !creator.IsCreator() {
		t.Fatal("first transport should be the creator")
	}

	if err := creator.WriteFrame(testFrame(42)); err != nil {
		t.Fatalf("WriteFrame() = %v", err)
	}

	// Options on the attach side are ignored; geometry comes from the header.
	attached := newTestTransport(t, name, Options{SlotCount: 2, SlotDataBytes: 16})
	if attached.IsCreator() {
		t.Fatal("second transport should have attached, not created")
	}
	if got := attached.SlotCapacity(); got != 128 {
		t.Errorf("SlotCapacity() = %d, want adopted 128", got)
	}

	got, ok, err := attached.ReadFrame()
	if err != nil || !ok {
		t.Fatalf("ReadFrame() over attach = ok=%v err=%v", ok, err)
	}
	if got.Data[0] != 42 {
		t.Errorf("payload seed = %d, want 42", got.Data[0])
	}
}

func TestAttachRejectsBadMagic(t *testing.T) {
	name := testChannelName(t)
	creator := newTestTransport(t, name, Options{SlotCount: 4, SlotDataBytes: 64})
	creator.hdr.setMagic(0xDEADBEEF)

	tr := New(name, Options{}, nil)
	err := tr.Initialize()
	if !errors.Is(err, ErrAttachMismatch) {
		t.Fatalf("Initialize() against corrupt header = %v, want ErrAttachMismatch", err)
	}
}

func TestAttachRejectsBadGeometry(t *testing.T) {
	name := testChannelName(t)
	creator := newTestTransport(t, name, Options{SlotCount: 4, SlotDataBytes: 64})
	creator.hdr.setSlotCount(1)

	tr := New(name, Options{}, nil)
	if err := tr.Initialize(); err == nil {
		tr.Close()
		t.Fatal("Initialize() accepted a channel with a single slot")
	}
}

func TestWaitForFrame(t *testing.T) {
	tr := newTestTransport(t, testChannelName(t), Options{SlotCount: 4, SlotDataBytes: 64})

	if tr.WaitForFrame(20 * time.Millisecond) {
		t.Error("WaitForFrame() signaled with no writer")
	}

	if err := tr.WriteFrame(testFrame(7)); err != nil {
		t.Fatalf("WriteFrame() = %v", err)
	}
	if !tr.WaitForFrame(time.Second) {
		t.Error("WaitForFrame() missed the wake signal")
	}
	if _, ok, err := tr.ReadFrame(); !ok || err != nil {
		t.Errorf("ReadFrame() after wake = ok=%v err=%v", ok, err)
	}
}

func TestUninitializedAndClosed(t *testing.T) {
	tr := New(testChannelName(t), Options{}, nil)

	if err := tr.WriteFrame(testFrame(1)); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("WriteFrame() before Initialize = %v, want ErrNotInitialized", err)
	}
	if _, _, err := tr.ReadFrame(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("ReadFrame() before Initialize = %v, want ErrNotInitialized", err)
	}

	if err := tr.Initialize(); err != nil {
		t.Fatalf("Initialize() = %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close() = %v", err)
	}
	if err := tr.WriteFrame(testFrame(1)); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("WriteFrame() after Close = %v, want ErrNotInitialized", err)
	}
}

func TestInitializeIdempotent(t *testing.T) {
	tr := newTestTransport(t, testChannelName(t), Options{SlotCount: 4, SlotDataBytes: 64})
	if err := tr.Initialize(); err != nil {
		t.Fatalf("second Initialize() = %v", err)
	}
	if !tr.IsCreator() {
		t.Error("repeat Initialize() lost creator status")
	}
}
