// Package ringbuf implements the cross-process ring transport: a fixed
// number of equal-size frame slots in a shared memory-mapped region, guarded
// by one exclusive cross-process lock, with a named wake event for consumers.
//
// The producer never blocks on a full ring. When all usable slots hold
// unread frames, the oldest unread frame is discarded to make room; a live
// frame stream tolerates drops, not stalls.
package ringbuf

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/framerelay/agent/internal/frame"
	"github.com/framerelay/agent/internal/logging"
	"github.com/framerelay/agent/internal/metrics"
)

var log = logging.L("ringbuf")

var (
	// ErrNotInitialized is returned when a transport method is called before
	// Initialize or after Close.
	ErrNotInitialized = errors.New("ringbuf: transport not initialized")

	// ErrFrameTooLarge is returned when a frame payload exceeds the fixed
	// slot capacity. The ring geometry is decided at creation and never
	// resized.
	ErrFrameTooLarge = errors.New("ringbuf: frame payload exceeds slot capacity")

	// ErrAttachMismatch is returned when an existing channel fails magic or
	// version validation.
	ErrAttachMismatch = errors.New("ringbuf: channel magic/version mismatch")
)

// attachReadyWait bounds how long an attaching process waits for the creator
// to finish writing the control header.
const (
	attachReadyWait = time.Second
	attachReadyPoll = 10 * time.Millisecond
)

// Options control channel geometry on the create path. They are ignored when
// attaching to an existing channel, whose geometry is adopted as-is.
type Options struct {
	SlotCount     uint32
	SlotDataBytes uint32
}

func (o Options) withDefaults() Options {
	if o.SlotCount == 0 {
		o.SlotCount = DefaultSlotCount
	}
	if o.SlotDataBytes == 0 {
		o.SlotDataBytes = DefaultSlotDataBytes
	}
	return o
}

// Stats is a point-in-time snapshot of channel state, read under the lock.
type Stats struct {
	SlotCount uint32
	SlotSize  uint32
	Capacity  uint32 // usable slots: SlotCount-1
	Depth     uint32 // unread frames currently buffered
	Sequence  uint64 // next global sequence number to be assigned
}

// Transport is one endpoint of a named frame channel. The first process to
// initialize a name creates the channel; later processes attach to it. The
// design assumes exactly one writer.
type Transport struct {
	name string
	opts Options
	mets *metrics.Metrics

	// mu serializes in-process access; the region lock excludes other
	// processes. Both are held for every index mutation and slot access.
	mu      sync.Mutex
	region  *region
	buf     []byte
	hdr     header
	creator bool
	closed  bool
}

// New prepares a transport for the named channel. No system objects are
// touched until Initialize. mets may be nil.
func New(name string, opts Options, mets *metrics.Metrics) *Transport {
	return &Transport{name: name, opts: opts.withDefaults(), mets: mets}
}

// Initialize opens the channel by name, creating it if it does not exist.
// Attaching to an existing channel validates magic and version exactly; any
// mismatch fails and releases the mapping.
func (t *Transport) Initialize() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.buf != nil {
		return nil
	}

	slotSize := slotHeaderSize + t.opts.SlotDataBytes
	total := uint32(headerSize) + t.opts.SlotCount*slotSize

	r, created, err := openRegion(t.name, total)
	if err != nil {
		return fmt.Errorf("ringbuf: open channel %q: %w", t.name, err)
	}

	if created {
		buf, err := r.view(total)
		if err != nil {
			r.close()
			return fmt.Errorf("ringbuf: map created channel %q: %w", t.name, err)
		}
		h := header{b: buf}
		h.setMagic(Magic)
		h.setVersion(Version)
		h.setTotalSize(total)
		h.setSlotsOffset(headerSize)
		h.setSlotCount(t.opts.SlotCount)
		h.setSlotSize(slotSize)
		h.setSequence(0)
		h.setProducer(0)
		h.setConsumer(0)
		// Published last: attachers spin on this flag before trusting the
		// geometry above.
		h.setReady()

		t.region = r
		t.buf = buf
		t.hdr = h
		t.creator = true
		log.Info("channel created",
			logging.KeyChannel, t.name,
			"slots", t.opts.SlotCount,
			"slotSize", slotSize,
			"totalSize", total)
		return nil
	}

	if err := t.attach(r); err != nil {
		r.close()
		return err
	}
	return nil
}

func (t *Transport) attach(r *region) error {
	hb, err := r.view(headerSize)
	if err != nil {
		return fmt.Errorf("ringbuf: map header of %q: %w", t.name, err)
	}
	h := header{b: hb}

	deadline := time.Now().Add(attachReadyWait)
	for !h.ready() {
		if time.Now().After(deadline) {
			return fmt.Errorf("ringbuf: channel %q: creator did not finish initialization", t.name)
		}
		time.Sleep(attachReadyPoll)
	}

	if h.magic() != Magic || h.version() != Version {
		return fmt.Errorf("%w: got magic 0x%08X version %d, want 0x%08X version %d",
			ErrAttachMismatch, h.magic(), h.version(), Magic, Version)
	}

	total := h.totalSize()
	slotCount := h.slotCount()
	slotSize := h.slotSize()
	slotsOffset := h.slotsOffset()
	if slotCount < 2 || slotSize <= slotHeaderSize ||
		uint64(slotsOffset)+uint64(slotCount)*uint64(slotSize) > uint64(total) {
		return fmt.Errorf("ringbuf: channel %q has inconsistent geometry (slots=%d slotSize=%d total=%d)",
			t.name, slotCount, slotSize, total)
	}

	buf, err := r.view(total)
	if err != nil {
		return fmt.Errorf("ringbuf: map channel %q: %w", t.name, err)
	}

	t.region = r
	t.buf = buf
	t.hdr = header{b: buf}
	t.creator = false
	log.Info("attached to channel",
		logging.KeyChannel, t.name,
		"slots", slotCount,
		"slotSize", slotSize,
		"totalSize", total)
	return nil
}

// IsCreator reports whether this transport created the channel.
func (t *Transport) IsCreator() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf != nil && t.creator
}

// SlotCapacity returns the payload capacity of one slot in bytes, or 0 if
// the transport is not initialized.
func (t *Transport) SlotCapacity() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.buf == nil {
		return 0
	}
	return t.hdr.slotSize() - slotHeaderSize
}

func (t *Transport) slotAt(index uint32) slot {
	off := t.hdr.slotsOffset() + index*t.hdr.slotSize()
	return slot{b: t.buf[off : off+t.hdr.slotSize()]}
}

// WriteFrame publishes one frame into the ring. If the ring is full, the
// oldest unread frame is discarded first. The wake event is signaled after
// the lock is released, so a woken reader never observes a half-updated
// index. Runs on the producer's render thread: bounded work, no I/O under
// the lock.
func (t *Transport) WriteFrame(buf *frame.Buffer) error {
	op := t.mets.StartOperation("ring_write")
	defer t.mets.EndOperation(op)

	t.mu.Lock()
	if t.buf == nil {
		t.mu.Unlock()
		return ErrNotInitialized
	}

	// Oversized payloads are rejected before the cross-process lock is
	// even taken; no index or slot is touched.
	if uint32(len(buf.Data)) > t.hdr.slotSize()-slotHeaderSize {
		capacity := t.hdr.slotSize() - slotHeaderSize
		t.mu.Unlock()
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(buf.Data), capacity)
	}

	r := t.region
	if err := r.lock(); err != nil {
		t.mu.Unlock()
		return fmt.Errorf("ringbuf: acquire channel lock: %w", err)
	}

	n := t.hdr.slotCount()
	producer := t.hdr.producer()
	consumer := t.hdr.consumer()

	dropped := false
	if (producer+1)%n == consumer {
		// Full: discard the oldest unread frame rather than blocking the
		// producer.
		t.hdr.setConsumer((consumer + 1) % n)
		dropped = true
	}

	seq := t.hdr.sequence()
	t.hdr.setSequence(seq + 1)
	t.slotAt(producer).store(seq, buf)
	t.hdr.setProducer((producer + 1) % n)

	r.unlock()
	t.mu.Unlock()

	if err := r.signal(); err != nil {
		// The frame is already published; a missed wakeup only delays the
		// consumer until its next poll.
		log.Warn("wake signal failed", logging.KeyChannel, t.name, logging.KeyError, err)
	}

	t.mets.IncFramesWritten()
	if dropped {
		t.mets.IncFramesDropped()
		log.Debug("dropped oldest unread frame", logging.KeyChannel, t.name, logging.KeySequence, seq)
	}
	return nil
}

// ReadFrame removes and returns the oldest unread frame. ok is false when
// the ring is empty; indices are untouched in that case.
func (t *Transport) ReadFrame() (buf *frame.Buffer, ok bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.buf == nil {
		return nil, false, ErrNotInitialized
	}

	if err := t.region.lock(); err != nil {
		return nil, false, fmt.Errorf("ringbuf: acquire channel lock: %w", err)
	}
	defer t.region.unlock()

	producer := t.hdr.producer()
	consumer := t.hdr.consumer()
	if producer == consumer {
		return nil, false, nil
	}

	s := t.slotAt(consumer)
	if s.payloadLen() > t.hdr.slotSize()-slotHeaderSize {
		return nil, false, fmt.Errorf("ringbuf: slot %d carries invalid payload length %d", consumer, s.payloadLen())
	}

	buf = s.load()
	t.hdr.setConsumer((consumer + 1) % t.hdr.slotCount())

	t.mets.IncFramesRead()
	return buf, true, nil
}

// WaitForFrame blocks until the producer signals a new frame or the timeout
// elapses. A true return means the event was signaled; either way the caller
// must still call ReadFrame and handle emptiness. timeout <= 0 polls without
// blocking.
func (t *Transport) WaitForFrame(timeout time.Duration) bool {
	t.mu.Lock()
	if t.buf == nil {
		t.mu.Unlock()
		return false
	}
	r := t.region
	t.mu.Unlock()

	signaled, err := r.wait(timeout)
	if err != nil {
		log.Debug("wait for frame", logging.KeyChannel, t.name, logging.KeyError, err)
		return false
	}
	return signaled
}

// Stats returns a snapshot of channel state.
func (t *Transport) Stats() (Stats, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.buf == nil {
		return Stats{}, ErrNotInitialized
	}

	if err := t.region.lock(); err != nil {
		return Stats{}, fmt.Errorf("ringbuf: acquire channel lock: %w", err)
	}
	defer t.region.unlock()

	n := t.hdr.slotCount()
	return Stats{
		SlotCount: n,
		SlotSize:  t.hdr.slotSize(),
		Capacity:  n - 1,
		Depth:     (t.hdr.producer() + n - t.hdr.consumer()) % n,
		Sequence:  t.hdr.sequence(),
	}, nil
}

// Close unmaps the region and closes the lock and event objects. The channel
// itself lives as long as any process holds it open. Close is idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || t.buf == nil {
		t.closed = true
		t.buf = nil
		return nil
	}

	err := t.region.close()
	t.region = nil
	t.buf = nil
	t.closed = true
	if err != nil {
		return fmt.Errorf("ringbuf: close channel %q: %w", t.name, err)
	}
	log.Info("channel closed", logging.KeyChannel, t.name)
	return nil
}
