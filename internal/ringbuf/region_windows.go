//go:build windows

package ringbuf

import (
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

// region is the Windows mapping of a channel: a named pagefile-backed file
// mapping, a named mutex as the cross-process lock, and a named auto-reset
// event as the wake signal. All three objects share the channel name so any
// process can rendezvous on the name alone.
type region struct {
	mapping windows.Handle
	addr    uintptr
	mutex   windows.Handle
	event   windows.Handle
}

// openRegion opens the named channel, creating the mapping of createSize
// bytes if no process holds it yet. created reports which path was taken.
func openRegion(name string, createSize uint32) (*region, bool, error) {
	namePtr, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, false, fmt.Errorf("channel name %q: %w", name, err)
	}

	created := false
	mapping, err := windows.OpenFileMapping(windows.FILE_MAP_READ|windows.FILE_MAP_WRITE, false, namePtr)
	if err != nil {
		mapping, err = windows.CreateFileMapping(windows.InvalidHandle, nil,
			windows.PAGE_READWRITE, 0, createSize, namePtr)
		if err != nil {
			return nil, false, fmt.Errorf("create mapping %q: %w", name, err)
		}
		created = true
	}

	addr, err := windows.MapViewOfFile(mapping, windows.FILE_MAP_READ|windows.FILE_MAP_WRITE, 0, 0, 0)
	if err != nil {
		windows.CloseHandle(mapping)
		return nil, false, fmt.Errorf("map view of %q: %w", name, err)
	}

	lockPtr, err := windows.UTF16PtrFromString(LockName(name))
	if err != nil {
		windows.UnmapViewOfFile(addr)
		windows.CloseHandle(mapping)
		return nil, false, fmt.Errorf("lock name for %q: %w", name, err)
	}
	mutex, err := windows.CreateMutex(nil, false, lockPtr)
	if err != nil {
		windows.UnmapViewOfFile(addr)
		windows.CloseHandle(mapping)
		return nil, false, fmt.Errorf("create lock for %q: %w", name, err)
	}

	eventPtr, err := windows.UTF16PtrFromString(EventName(name))
	if err == nil {
		// Auto-reset, initially unsignaled: one SetEvent wakes one waiter.
		var event windows.Handle
		event, err = windows.CreateEvent(nil, 0, 0, eventPtr)
		if err == nil {
			return &region{mapping: mapping, addr: addr, mutex: mutex, event: event}, created, nil
		}
	}
	windows.CloseHandle(mutex)
	windows.UnmapViewOfFile(addr)
	windows.CloseHandle(mapping)
	return nil, false, fmt.Errorf("create wake event for %q: %w", name, err)
}

func (r *region) view(n uint32) ([]byte, error) {
	if r.addr == 0 {
		return nil, fmt.Errorf("region is not mapped")
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(r.addr)), n), nil
}

func (r *region) lock() error {
	ev, err := windows.WaitForSingleObject(r.mutex, windows.INFINITE)
	switch ev {
	case windows.WAIT_OBJECT_0:
		return nil
	case windows.WAIT_ABANDONED:
		// Previous holder died; the mutex is ours and the header is still
		// structurally valid since every mutation is a single word store.
		return nil
	default:
		return fmt.Errorf("wait for channel lock: event %d: %w", ev, err)
	}
}

func (r *region) unlock() {
	windows.ReleaseMutex(r.mutex)
}

func (r *region) signal() error {
	return windows.SetEvent(r.event)
}

func (r *region) wait(timeout time.Duration) (bool, error) {
	ms := uint32(0)
	if timeout > 0 {
		ms = uint32(timeout / time.Millisecond)
	} else if timeout < 0 {
		ms = windows.INFINITE
	}

	ev, err := windows.WaitForSingleObject(r.event, ms)
	switch ev {
	case windows.WAIT_OBJECT_0:
		return true, nil
	case uint32(windows.WAIT_TIMEOUT):
		return false, nil
	default:
		return false, fmt.Errorf("wait for frame event: event %d: %w", ev, err)
	}
}

func (r *region) close() error {
	var first error
	if r.addr != 0 {
		if err := windows.UnmapViewOfFile(r.addr); err != nil && first == nil {
			first = err
		}
		r.addr = 0
	}
	for _, h := range []*windows.Handle{&r.mapping, &r.mutex, &r.event} {
		if *h != 0 {
			if err := windows.CloseHandle(*h); err != nil && first == nil {
				first = err
			}
			*h = 0
		}
	}
	return first
}

// Unlink is a no-op on Windows: named kernel objects vanish with their last
// open handle.
func Unlink(string) error { return nil }
