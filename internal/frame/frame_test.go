package frame

import "testing"

func TestFormatCompatible(t *testing.T) {
	compatible := []Format{
		FormatRGBA8, FormatRGBA8Typeless, FormatRGBA8SRGB,
		FormatBGRA8, FormatBGRA8Typeless, FormatBGRA8SRGB,
	}
	for _, f := range compatible {
		if !f.Compatible() {
			t.Errorf("%v should be compatible", f)
		}
	}

	incompatible := []Format{FormatUnknown, Format(10), Format(24), Format(115)}
	for _, f := range incompatible {
		if f.Compatible() {
			t.Errorf("%v should not be compatible", f)
		}
	}
}

func TestBufferValidate(t *testing.T) {
	tests := []struct {
		name    string
		buf     Buffer
		wantErr bool
	}{
		{
			name: "valid",
			buf:  Buffer{Width: 4, Height: 2, Stride: 16, Format: FormatBGRA8, Data: make([]byte, 32)},
		},
		{
			name: "padded stride",
			buf:  Buffer{Width: 3, Height: 2, Stride: 16, Format: FormatBGRA8, Data: make([]byte, 32)},
		},
		{
			name:    "zero dimensions",
			buf:     Buffer{Width: 0, Height: 2, Stride: 16, Data: make([]byte, 32)},
			wantErr: true,
		},
		{
			name:    "stride too short",
			buf:     Buffer{Width: 8, Height: 2, Stride: 16, Data: make([]byte, 32)},
			wantErr: true,
		},
		{
			name:    "data length mismatch",
			buf:     Buffer{Width: 4, Height: 2, Stride: 16, Data: make([]byte, 31)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.buf.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
