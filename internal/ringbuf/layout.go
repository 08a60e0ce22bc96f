package ringbuf

import (
	"encoding/binary"

	"github.com/framerelay/agent/internal/frame"
)

// Wire layout, fixed across processes: a 64-byte control header at offset 0,
// followed by slotCount contiguous fixed-size slots. Each slot is a 40-byte
// slot header followed by up to slotSize-40 payload bytes. All fields are
// little-endian.
const (
	// Magic identifies a framerelay channel ("FRLY").
	Magic uint32 = 0x46524C59

	// Version is the protocol version. Attach requires an exact match.
	Version uint32 = 1

	headerSize     = 64
	slotHeaderSize = 40

	// DefaultSlotCount is the number of ring slots created when the caller
	// does not override it. One slot is sacrificed to distinguish full from
	// empty, so this buffers up to three frames.
	DefaultSlotCount = 4

	// DefaultSlotDataBytes sizes a slot for a 1920x1080 frame at four bytes
	// per pixel.
	DefaultSlotDataBytes = 1920 * 1080 * 4
)

// Control header field offsets.
const (
	offMagic       = 0
	offVersion     = 4
	offTotalSize   = 8
	offSlotsOffset = 12
	offSlotCount   = 16
	offSlotSize    = 20
	offReady       = 24
	offSequence    = 32
	offProducer    = 40
	offConsumer    = 44
)

// Slot header field offsets, relative to the slot start.
const (
	slotOffSequence   = 0
	slotOffWidth      = 8
	slotOffHeight     = 12
	slotOffStride     = 16
	slotOffFormat     = 20
	slotOffTimestamp  = 24
	slotOffPayloadLen = 32
	slotOffFlags      = 36
)

// header is a view over the control header in the mapped region. All access
// happens under the channel lock, so plain loads and stores are sufficient;
// the ready flag is the one field spun on without the lock during attach.
type header struct {
	b []byte
}

func (h header) magic() uint32       { return binary.LittleEndian.Uint32(h.b[offMagic:]) }
func (h header) version() uint32     { return binary.LittleEndian.Uint32(h.b[offVersion:]) }
func (h header) totalSize() uint32   { return binary.LittleEndian.Uint32(h.b[offTotalSize:]) }
func (h header) slotsOffset() uint32 { return binary.LittleEndian.Uint32(h.b[offSlotsOffset:]) }
func (h header) slotCount() uint32   { return binary.LittleEndian.Uint32(h.b[offSlotCount:]) }
func (h header) slotSize() uint32    { return binary.LittleEndian.Uint32(h.b[offSlotSize:]) }
func (h header) ready() bool         { return binary.LittleEndian.Uint32(h.b[offReady:]) != 0 }
func (h header) sequence() uint64    { return binary.LittleEndian.Uint64(h.b[offSequence:]) }
func (h header) producer() uint32    { return binary.LittleEndian.Uint32(h.b[offProducer:]) }
func (h header) consumer() uint32    { return binary.LittleEndian.Uint32(h.b[offConsumer:]) }

func (h header) setMagic(v uint32)       { binary.LittleEndian.PutUint32(h.b[offMagic:], v) }
func (h header) setVersion(v uint32)     { binary.LittleEndian.PutUint32(h.b[offVersion:], v) }
func (h header) setTotalSize(v uint32)   { binary.LittleEndian.PutUint32(h.b[offTotalSize:], v) }
func (h header) setSlotsOffset(v uint32) { binary.LittleEndian.PutUint32(h.b[offSlotsOffset:], v) }
func (h header) setSlotCount(v uint32)   { binary.LittleEndian.PutUint32(h.b[offSlotCount:], v) }
func (h header) setSlotSize(v uint32)    { binary.LittleEndian.PutUint32(h.b[offSlotSize:], v) }
func (h header) setSequence(v uint64)    { binary.LittleEndian.PutUint64(h.b[offSequence:], v) }
func (h header) setProducer(v uint32)    { binary.LittleEndian.PutUint32(h.b[offProducer:], v) }
func (h header) setConsumer(v uint32)    { binary.LittleEndian.PutUint32(h.b[offConsumer:], v) }

func (h header) setReady() {
	binary.LittleEndian.PutUint32(h.b[offReady:], 1)
}

// slot is a view over one frame slot in the mapped region.
type slot struct {
	b []byte
}

func (s slot) sequence() uint64    { return binary.LittleEndian.Uint64(s.b[slotOffSequence:]) }
func (s slot) width() uint32       { return binary.LittleEndian.Uint32(s.b[slotOffWidth:]) }
func (s slot) height() uint32      { return binary.LittleEndian.Uint32(s.b[slotOffHeight:]) }
func (s slot) stride() uint32      { return binary.LittleEndian.Uint32(s.b[slotOffStride:]) }
func (s slot) format() uint32      { return binary.LittleEndian.Uint32(s.b[slotOffFormat:]) }
func (s slot) timestamp() uint64   { return binary.LittleEndian.Uint64(s.b[slotOffTimestamp:]) }
func (s slot) payloadLen() uint32  { return binary.LittleEndian.Uint32(s.b[slotOffPayloadLen:]) }
func (s slot) payload() []byte     { return s.b[slotHeaderSize : slotHeaderSize+s.payloadLen()] }

// store populates the slot header and copies the payload. The caller has
// verified the payload fits.
func (s slot) store(seq uint64, buf *frame.Buffer) {
	binary.LittleEndian.PutUint64(s.b[slotOffSequence:], seq)
	binary.LittleEndian.PutUint32(s.b[slotOffWidth:], buf.Width)
	binary.LittleEndian.PutUint32(s.b[slotOffHeight:], buf.Height)
	binary.LittleEndian.PutUint32(s.b[slotOffStride:], buf.Stride)
	binary.LittleEndian.PutUint32(s.b[slotOffFormat:], uint32(buf.Format))
	binary.LittleEndian.PutUint64(s.b[slotOffTimestamp:], buf.Timestamp)
	binary.LittleEndian.PutUint32(s.b[slotOffPayloadLen:], uint32(len(buf.Data)))
	binary.LittleEndian.PutUint32(s.b[slotOffFlags:], 0)
	copy(s.b[slotHeaderSize:], buf.Data)
}

// load copies the slot contents out into a fresh frame buffer.
func (s slot) load() *frame.Buffer {
	data := make([]byte, s.payloadLen())
	copy(data, s.payload())
	return &frame.Buffer{
		Width:     s.width(),
		Height:    s.height(),
		Stride:    s.stride(),
		Format:    frame.Format(s.format()),
		Timestamp: s.timestamp(),
		Sequence:  s.sequence(),
		Data:      data,
	}
}

// EventName derives the wake-event name for a channel name.
func EventName(name string) string {
	return name + "_Event"
}

// LockName derives the lock object name for a channel name.
func LockName(name string) string {
	return name + "_Lock"
}
