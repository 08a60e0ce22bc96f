// Package frame defines the in-memory representation of one captured frame
// and the closed set of pixel formats the pipeline recognizes.
package frame

import "fmt"

// Format is a pixel-format tag. Values match the DXGI_FORMAT codes the
// producer observes on the backbuffer, so they cross the process boundary
// unchanged.
type Format uint32

const (
	FormatUnknown Format = 0

	FormatRGBA8Typeless Format = 27
	FormatRGBA8         Format = 28
	FormatRGBA8SRGB     Format = 29

	FormatBGRA8         Format = 87
	FormatBGRA8Typeless Format = 90
	FormatBGRA8SRGB     Format = 91
)

// BytesPerPixel for every format in the closed set.
const BytesPerPixel = 4

func (f Format) String() string {
	switch f {
	case FormatRGBA8:
		return "rgba8"
	case FormatRGBA8Typeless:
		return "rgba8-typeless"
	case FormatRGBA8SRGB:
		return "rgba8-srgb"
	case FormatBGRA8:
		return "bgra8"
	case FormatBGRA8Typeless:
		return "bgra8-typeless"
	case FormatBGRA8SRGB:
		return "bgra8-srgb"
	default:
		return fmt.Sprintf("format(%d)", uint32(f))
	}
}

// Compatible reports whether the format is in the allowlist of 4-byte RGBA/
// BGRA variants that consumers accept as-is. Formats outside the set are
// passed through unmodified; actual pixel conversion is deliberately not
// implemented.
func (f Format) Compatible() bool {
	switch f {
	case FormatRGBA8, FormatRGBA8Typeless, FormatRGBA8SRGB,
		FormatBGRA8, FormatBGRA8Typeless, FormatBGRA8SRGB:
		return true
	default:
		return false
	}
}

// Buffer is one captured frame. It is created fresh on every extraction,
// handed to callbacks and the transport, and never mutated after
// construction.
type Buffer struct {
	Width     uint32
	Height    uint32
	Stride    uint32 // bytes per row
	Format    Format
	Timestamp uint64 // milliseconds since epoch, non-decreasing per producer
	Sequence  uint64 // strictly increasing per producer
	Data      []byte // len == Height*Stride
}

// PayloadLen returns the number of payload bytes the buffer carries.
func (b *Buffer) PayloadLen() int {
	return len(b.Data)
}

// Validate reports whether the buffer's geometry is self-consistent.
func (b *Buffer) Validate() error {
	if b.Width == 0 || b.Height == 0 {
		return fmt.Errorf("frame: zero dimensions %dx%d", b.Width, b.Height)
	}
	if b.Stride < b.Width*BytesPerPixel {
		return fmt.Errorf("frame: stride %d shorter than row of %d pixels", b.Stride, b.Width)
	}
	if uint64(len(b.Data)) != uint64(b.Height)*uint64(b.Stride) {
		return fmt.Errorf("frame: data length %d does not match %d rows of %d bytes",
			len(b.Data), b.Height, b.Stride)
	}
	return nil
}
