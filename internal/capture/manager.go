// Package capture wires the pipeline together: it installs a present handler
// on a frame source, binds the graphics device lazily on the first observed
// present, and fans each extracted frame out to registered callbacks and the
// ring transport.
package capture

import (
	"errors"
	"fmt"
	"sync"

	"github.com/framerelay/agent/internal/config"
	"github.com/framerelay/agent/internal/extract"
	"github.com/framerelay/agent/internal/frame"
	"github.com/framerelay/agent/internal/logging"
	"github.com/framerelay/agent/internal/metrics"
	"github.com/framerelay/agent/internal/ringbuf"
)

var log = logging.L("capture")

// ErrNotInitialized is returned for operations that need an active session.
var ErrNotInitialized = errors.New("capture: session not initialized")

// PresentSource is a render path the manager can observe. At most one
// handler is installed at a time; Detach re-arms installation.
type PresentSource interface {
	TryInstall(func(extract.SwapChain)) bool
	Detach()
}

// FrameCallback receives the raw bytes of each captured frame. It runs
// synchronously on the capture path and must not retain data past the call.
type FrameCallback func(data []byte, length, width, height uint32)

// Manager owns the capture session. The zero of its lifecycle is inert; all
// system resources are acquired in Initialize and released in Shutdown. Both
// are idempotent.
type Manager struct {
	cfg    *config.Config
	source PresentSource
	mets   *metrics.Metrics

	mu          sync.Mutex
	initialized bool
	installed   bool
	bound       bool
	bindLogged  bool
	ext         *extract.Extractor
	transport   *ringbuf.Transport

	// Append-only: a handle is the slot index, unregistering tombstones the
	// slot with nil. Slots are never compacted, so a stale handle can not
	// free someone else's callback.
	cbMu      sync.Mutex
	callbacks []FrameCallback
}

// New prepares a manager. Nothing is acquired until Initialize. mets may be
// nil.
func New(cfg *config.Config, source PresentSource, mets *metrics.Metrics) *Manager {
	return &Manager{
		cfg:    cfg,
		source: source,
		mets:   mets,
	}
}

// Initialize creates the transport, prepares the extractor and attempts to
// install the present handler. An install miss (another handler occupies the
// source) is logged, not fatal: the session stays ready and TryInstallSource
// can re-attempt once the source frees up. The graphics device is not touched
// here; it is bound on the first present, which is the earliest moment a
// device reliably exists.
func (m *Manager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return nil
	}

	tr := ringbuf.New(m.cfg.ChannelName, ringbuf.Options{
		SlotCount:     uint32(m.cfg.SlotCount),
		SlotDataBytes: uint32(m.cfg.SlotDataBytes),
	}, m.mets)
	if err := tr.Initialize(); err != nil {
		return fmt.Errorf("capture: initialize transport: %w", err)
	}

	ext := extract.New(m.mets)
	ext.AttachTransport(tr)
	ext.SetFrameCallback(m.dispatch)

	m.installed = m.source.TryInstall(m.onPresent)
	if !m.installed {
		log.Warn("present source busy, handler not installed yet")
	}

	m.transport = tr
	m.ext = ext
	m.initialized = true
	m.bound = false
	m.bindLogged = false
	log.Info("capture session initialized",
		logging.KeyChannel, m.cfg.ChannelName,
		"installed", m.installed)
	return nil
}

// TryInstallSource re-attempts the present handler installation. It reports
// whether the handler is installed after the call.
func (m *Manager) TryInstallSource() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return false
	}
	if !m.installed {
		m.installed = m.source.TryInstall(m.onPresent)
	}
	return m.installed
}

// IsInitialized reports whether the session is active.
func (m *Manager) IsInitialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

// onPresent runs on the producer's render path for every presented frame.
// It must never take the producer down: all failures are logged and the
// present proceeds.
func (m *Manager) onPresent(sc extract.SwapChain) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic on present path", "panic", r)
		}
	}()

	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return
	}
	ext := m.ext
	if !m.bound {
		dev, err := sc.Device()
		if err == nil {
			err = ext.Initialize(dev)
		}
		if err != nil {
			// Stay unbound and retry on the next present.
			if !m.bindLogged {
				log.Warn("device binding failed, will retry", logging.KeyError, err)
				m.bindLogged = true
			}
			m.mu.Unlock()
			return
		}
		m.bound = true
		log.Info("device bound on first present")
	}
	m.mu.Unlock()

	if _, err := ext.ExtractFrame(sc); err != nil {
		log.Debug("frame extraction failed", logging.KeyError, err)
	}
}

// dispatch fans one extracted frame out to every live callback.
func (m *Manager) dispatch(buf *frame.Buffer) {
	m.cbMu.Lock()
	fns := make([]FrameCallback, 0, len(m.callbacks))
	for _, fn := range m.callbacks {
		if fn != nil {
			fns = append(fns, fn)
		}
	}
	m.cbMu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("panic in frame callback", "panic", r)
				}
			}()
			fn(buf.Data, uint32(len(buf.Data)), buf.Width, buf.Height)
		}()
	}
}

// RegisterFrameCallback adds a callback and returns its handle.
func (m *Manager) RegisterFrameCallback(fn FrameCallback) int {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.callbacks = append(m.callbacks, fn)
	return len(m.callbacks) - 1
}

// UnregisterFrameCallback removes the callback for the handle. It returns
// false for unknown or already removed handles.
func (m *Manager) UnregisterFrameCallback(handle int) bool {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	if handle < 0 || handle >= len(m.callbacks) || m.callbacks[handle] == nil {
		return false
	}
	m.callbacks[handle] = nil
	return true
}

// TransportStats snapshots the ring state of the active session.
func (m *Manager) TransportStats() (ringbuf.Stats, error) {
	m.mu.Lock()
	tr := m.transport
	m.mu.Unlock()
	if tr == nil {
		return ringbuf.Stats{}, ErrNotInitialized
	}
	return tr.Stats()
}

// Shutdown tears the session down: the present handler first, so no new
// frames enter, then the transport, then the extractor and its device.
// Idempotent.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return
	}

	if m.installed {
		m.source.Detach()
		m.installed = false
	}
	if err := m.transport.Close(); err != nil {
		log.Warn("transport close failed", logging.KeyError, err)
	}
	m.ext.Close()

	m.transport = nil
	m.ext = nil
	m.bound = false
	m.initialized = false
	log.Info("capture session shut down")
}
