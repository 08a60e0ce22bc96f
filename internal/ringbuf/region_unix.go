//go:build !windows

package ringbuf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// region is the Unix mapping of a channel: a file-backed shared mapping
// (under /dev/shm where available), flock on the backing file as the
// cross-process lock, and a FIFO as the wake event. Writing a byte into the
// FIFO approximates the auto-reset event: each successful wait consumes one
// pending byte.
type region struct {
	path string
	fd   int
	data []byte
	evfd int
}

// channelPath resolves a channel name to a filesystem path. Names containing
// a path separator are used verbatim; bare names land in /dev/shm (or the
// temp dir when that does not exist).
func channelPath(name string) string {
	if strings.ContainsRune(name, '/') {
		return name
	}
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return filepath.Join("/dev/shm", name)
	}
	return filepath.Join(os.TempDir(), name)
}

// openRegion opens the named channel, creating the backing file of
// createSize bytes if it does not exist. created reports which path was
// taken.
func openRegion(name string, createSize uint32) (*region, bool, error) {
	path := channelPath(name)

	created := false
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if errors.Is(err, unix.ENOENT) {
		fd, err = unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0600)
		if err == nil {
			created = true
		} else if errors.Is(err, unix.EEXIST) {
			// Lost the creation race; attach to the winner's file.
			fd, err = unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
		}
	}
	if err != nil {
		return nil, false, fmt.Errorf("open %s: %w", path, err)
	}

	size := int(createSize)
	if created {
		if err := unix.Ftruncate(fd, int64(size)); err != nil {
			unix.Close(fd)
			os.Remove(path)
			return nil, false, fmt.Errorf("size %s: %w", path, err)
		}
	} else {
		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			unix.Close(fd)
			return nil, false, fmt.Errorf("stat %s: %w", path, err)
		}
		if st.Size < int64(headerSize) {
			unix.Close(fd)
			return nil, false, fmt.Errorf("%s is too small to hold a channel header", path)
		}
		size = int(st.Size)
	}

	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, false, fmt.Errorf("mmap %s: %w", path, err)
	}

	evfd, err := openEventFIFO(path)
	if err != nil {
		unix.Munmap(data)
		unix.Close(fd)
		return nil, false, err
	}

	return &region{path: path, fd: fd, data: data, evfd: evfd}, created, nil
}

func openEventFIFO(path string) (int, error) {
	evPath := EventName(path)
	if err := unix.Mkfifo(evPath, 0600); err != nil && !errors.Is(err, unix.EEXIST) {
		return -1, fmt.Errorf("mkfifo %s: %w", evPath, err)
	}
	// O_RDWR keeps the FIFO open regardless of which side arrives first and
	// makes the open non-blocking.
	evfd, err := unix.Open(evPath, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("open %s: %w", evPath, err)
	}
	return evfd, nil
}

func (r *region) view(n uint32) ([]byte, error) {
	if int(n) > len(r.data) {
		return nil, fmt.Errorf("region is %d bytes, need %d", len(r.data), n)
	}
	return r.data[:n], nil
}

func (r *region) lock() error {
	for {
		err := unix.Flock(r.fd, unix.LOCK_EX)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

func (r *region) unlock() {
	unix.Flock(r.fd, unix.LOCK_UN)
}

func (r *region) signal() error {
	_, err := unix.Write(r.evfd, []byte{1})
	if errors.Is(err, unix.EAGAIN) {
		// The FIFO already holds enough pending wakeups.
		return nil
	}
	return err
}

func (r *region) wait(timeout time.Duration) (bool, error) {
	ms := 0
	if timeout > 0 {
		ms = int(timeout / time.Millisecond)
	} else if timeout < 0 {
		ms = -1 // block until signaled
	}

	fds := []unix.PollFd{{Fd: int32(r.evfd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, ms)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, nil
		}
		break
	}

	var b [1]byte
	if _, err := unix.Read(r.evfd, b[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		return false, err
	}
	return true, nil
}

func (r *region) close() error {
	var first error
	if r.data != nil {
		if err := unix.Munmap(r.data); err != nil && first == nil {
			first = err
		}
		r.data = nil
	}
	if r.fd >= 0 {
		if err := unix.Close(r.fd); err != nil && first == nil {
			first = err
		}
		r.fd = -1
	}
	if r.evfd >= 0 {
		if err := unix.Close(r.evfd); err != nil && first == nil {
			first = err
		}
		r.evfd = -1
	}
	return first
}

// Unlink removes the backing file and wake FIFO for a channel name. Only
// meaningful on the creator's host after all endpoints have closed.
func Unlink(name string) error {
	path := channelPath(name)
	err1 := os.Remove(path)
	err2 := os.Remove(EventName(path))
	if err1 != nil && !os.IsNotExist(err1) {
		return err1
	}
	if err2 != nil && !os.IsNotExist(err2) {
		return err2
	}
	return nil
}
