//go:build windows

package extract

import (
	"fmt"
	"syscall"
	"unsafe"

	"github.com/framerelay/agent/internal/frame"
)

// COM vtable calling infrastructure, pure Go.

// comGUID is a COM GUID (128-bit).
type comGUID struct {
	Data1 uint32
	Data2 uint16
	Data3 uint16
	Data4 [8]byte
}

// comVtblFn resolves a COM vtable function pointer by index.
func comVtblFn(obj uintptr, idx int) uintptr {
	vtablePtr := *(*uintptr)(unsafe.Pointer(obj))
	return *(*uintptr)(unsafe.Pointer(vtablePtr + uintptr(idx)*unsafe.Sizeof(uintptr(0))))
}

// comCall invokes a COM vtable method at the given index.
// obj is a pointer to a COM interface (pointer to pointer to vtable).
func comCall(obj uintptr, vtableIdx int, args ...uintptr) (uintptr, error) {
	allArgs := make([]uintptr, 0, 1+len(args))
	allArgs = append(allArgs, obj)
	allArgs = append(allArgs, args...)
	ret, _, _ := syscall.SyscallN(comVtblFn(obj, vtableIdx), allArgs...)
	if int32(ret) < 0 {
		return ret, fmt.Errorf("COM vtable[%d] HRESULT 0x%08X", vtableIdx, uint32(ret))
	}
	return ret, nil
}

// comRelease calls IUnknown::Release (vtable index 2).
func comRelease(obj uintptr) {
	if obj != 0 {
		syscall.SyscallN(comVtblFn(obj, 2), obj)
	}
}

// comPtr owns one COM reference and releases it exactly once. Detach hands
// the reference to a new owner and disarms the pointer.
type comPtr struct {
	handle uintptr
}

func (p *comPtr) Release() {
	if p.handle != 0 {
		comRelease(p.handle)
		p.handle = 0
	}
}

func (p *comPtr) Detach() uintptr {
	h := p.handle
	p.handle = 0
	return h
}

// D3D11 constants.
const (
	d3d11UsageStaging  = 3
	d3d11CPUAccessRead = 0x20000
	d3d11MapRead       = 1

	// COM vtable indices, fixed by the interface layouts.
	dxgiSwapChainGetDevice     = 7  // IDXGISwapChain (via IDXGIDeviceSubObject)
	dxgiSwapChainGetBuffer     = 9  // IDXGISwapChain
	d3d11DeviceCreateTexture2D = 5  // ID3D11Device
	d3d11DeviceGetImmediateCtx = 40 // ID3D11Device
	d3d11Texture2DGetDesc      = 10 // ID3D11Texture2D
	d3d11CtxMap                = 14 // ID3D11DeviceContext
	d3d11CtxUnmap              = 15 // ID3D11DeviceContext
	d3d11CtxCopyResource       = 47 // ID3D11DeviceContext
)

var (
	iidID3D11Device    = comGUID{0xdb6f6ddb, 0xac77, 0x4e88, [8]byte{0x82, 0x53, 0x81, 0x9d, 0xf9, 0xbb, 0xf1, 0x40}}
	iidID3D11Texture2D = comGUID{0x6f15aaf2, 0xd208, 0x4e89, [8]byte{0x9a, 0xb4, 0x48, 0x95, 0x35, 0xd3, 0x4f, 0x9c}}
)

// d3d11Texture2DDesc matches D3D11_TEXTURE2D_DESC (44 bytes).
type d3d11Texture2DDesc struct {
	Width          uint32
	Height         uint32
	MipLevels      uint32
	ArraySize      uint32
	Format         uint32
	SampleCount    uint32 // DXGI_SAMPLE_DESC.Count
	SampleQuality  uint32 // DXGI_SAMPLE_DESC.Quality
	Usage          uint32
	BindFlags      uint32
	CPUAccessFlags uint32
	MiscFlags      uint32
}

// d3d11MappedSubresource matches D3D11_MAPPED_SUBRESOURCE.
type d3d11MappedSubresource struct {
	PData      uintptr
	RowPitch   uint32
	DepthPitch uint32
}

// d3dTexture adapts a raw ID3D11Texture2D pointer.
type d3dTexture struct {
	handle uintptr
}

func (t *d3dTexture) Desc() (TextureDesc, error) {
	var raw d3d11Texture2DDesc
	syscall.SyscallN(comVtblFn(t.handle, d3d11Texture2DGetDesc),
		t.handle, uintptr(unsafe.Pointer(&raw)))
	return TextureDesc{
		Width:  raw.Width,
		Height: raw.Height,
		Format: frame.Format(raw.Format),
	}, nil
}

func (t *d3dTexture) Release() {
	comRelease(t.handle)
	t.handle = 0
}

// d3dContext adapts a raw ID3D11DeviceContext pointer.
type d3dContext struct {
	handle uintptr
}

func (c *d3dContext) CopyResource(dst, src Texture) error {
	d, ok := dst.(*d3dTexture)
	s, sok := src.(*d3dTexture)
	if !ok || !sok {
		return fmt.Errorf("extract: CopyResource needs D3D11 textures")
	}
	// CopyResource returns void; failures surface on the later Map.
	syscall.SyscallN(comVtblFn(c.handle, d3d11CtxCopyResource), c.handle, d.handle, s.handle)
	return nil
}

func (c *d3dContext) Map(t Texture) (Mapped, error) {
	tex, ok := t.(*d3dTexture)
	if !ok {
		return Mapped{}, fmt.Errorf("extract: Map needs a D3D11 texture")
	}
	desc, err := tex.Desc()
	if err != nil {
		return Mapped{}, err
	}

	var mapped d3d11MappedSubresource
	hr, _, _ := syscall.SyscallN(comVtblFn(c.handle, d3d11CtxMap),
		c.handle,
		tex.handle,
		0, // Subresource
		d3d11MapRead,
		0, // Flags
		uintptr(unsafe.Pointer(&mapped)),
	)
	if int32(hr) < 0 {
		return Mapped{}, fmt.Errorf("extract: Map staging texture: 0x%08X", uint32(hr))
	}

	size := int(desc.Height) * int(mapped.RowPitch)
	return Mapped{
		Data:     unsafe.Slice((*byte)(unsafe.Pointer(mapped.PData)), size),
		RowPitch: mapped.RowPitch,
	}, nil
}

func (c *d3dContext) Unmap(t Texture) {
	if tex, ok := t.(*d3dTexture); ok {
		syscall.SyscallN(comVtblFn(c.handle, d3d11CtxUnmap), c.handle, tex.handle, 0)
	}
}

func (c *d3dContext) Release() {
	comRelease(c.handle)
	c.handle = 0
}

// d3dDevice adapts a raw ID3D11Device pointer.
type d3dDevice struct {
	handle uintptr
}

func (d *d3dDevice) CreateStagingTexture(desc TextureDesc) (Texture, error) {
	raw := d3d11Texture2DDesc{
		Width:          desc.Width,
		Height:         desc.Height,
		MipLevels:      1,
		ArraySize:      1,
		Format:         uint32(desc.Format),
		SampleCount:    1,
		Usage:          d3d11UsageStaging,
		CPUAccessFlags: d3d11CPUAccessRead,
	}
	var staging uintptr
	if _, err := comCall(d.handle, d3d11DeviceCreateTexture2D,
		uintptr(unsafe.Pointer(&raw)),
		0, // pInitialData
		uintptr(unsafe.Pointer(&staging)),
	); err != nil {
		return nil, fmt.Errorf("CreateTexture2D staging: %w", err)
	}
	return &d3dTexture{handle: staging}, nil
}

func (d *d3dDevice) ImmediateContext() (DeviceContext, error) {
	// GetImmediateContext returns void and always AddRefs the context.
	var ctx uintptr
	syscall.SyscallN(comVtblFn(d.handle, d3d11DeviceGetImmediateCtx),
		d.handle, uintptr(unsafe.Pointer(&ctx)))
	if ctx == 0 {
		return nil, fmt.Errorf("extract: device has no immediate context")
	}
	return &d3dContext{handle: ctx}, nil
}

func (d *d3dDevice) Release() {
	comRelease(d.handle)
	d.handle = 0
}

// dxgiSwapChain adapts a raw IDXGISwapChain pointer.
type dxgiSwapChain struct {
	handle uintptr
}

// WrapSwapChain wraps a raw IDXGISwapChain pointer observed on the render
// path. The reference is borrowed from the render path, so Release does not
// call IUnknown::Release on it.
func WrapSwapChain(handle uintptr) SwapChain {
	return &dxgiSwapChain{handle: handle}
}

func (s *dxgiSwapChain) Device() (Device, error) {
	var dev uintptr
	if _, err := comCall(s.handle, dxgiSwapChainGetDevice,
		uintptr(unsafe.Pointer(&iidID3D11Device)),
		uintptr(unsafe.Pointer(&dev)),
	); err != nil {
		return nil, fmt.Errorf("IDXGISwapChain::GetDevice: %w", err)
	}
	owner := comPtr{handle: dev}
	// A device without an immediate context is unusable for readback; probe
	// it here so binding fails early.
	ctx, err := (&d3dDevice{handle: dev}).ImmediateContext()
	if err != nil {
		owner.Release()
		return nil, err
	}
	ctx.Release()
	return &d3dDevice{handle: owner.Detach()}, nil
}

func (s *dxgiSwapChain) BackBuffer() (Texture, error) {
	var tex uintptr
	if _, err := comCall(s.handle, dxgiSwapChainGetBuffer,
		0, // buffer index
		uintptr(unsafe.Pointer(&iidID3D11Texture2D)),
		uintptr(unsafe.Pointer(&tex)),
	); err != nil {
		return nil, fmt.Errorf("IDXGISwapChain::GetBuffer: %w", err)
	}
	return &d3dTexture{handle: tex}, nil
}

func (s *dxgiSwapChain) Release() {
	s.handle = 0
}
