// Package sink persists frame payloads to disk off the consumer's read loop.
// Writes run on a small bounded worker pool; when the queue is full the frame
// is dropped rather than stalling the reader, mirroring the transport's own
// drop-oldest policy.
package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/framerelay/agent/internal/frame"
	"github.com/framerelay/agent/internal/logging"
	"github.com/framerelay/agent/internal/metrics"
)

var log = logging.L("sink")

// Sink writes raw frame payloads into a directory, one file per frame.
type Sink struct {
	dir  string
	mets *metrics.Metrics

	queue     chan *frame.Buffer
	wg        sync.WaitGroup
	accepting atomic.Bool
	stopOnce  sync.Once
	closeOnce sync.Once
	stopChan  chan struct{}
}

// New creates the target directory if needed and starts workers goroutines
// draining a queue of queueSize frames. mets may be nil.
func New(dir string, workers, queueSize int, mets *metrics.Metrics) (*Sink, error) {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 8
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("sink: create dump directory: %w", err)
	}

	s := &Sink{
		dir:      dir,
		mets:     mets,
		queue:    make(chan *frame.Buffer, queueSize),
		stopChan: make(chan struct{}),
	}
	s.accepting.Store(true)

	for i := 0; i < workers; i++ {
		go s.worker()
	}

	log.Info("frame sink started", "dir", dir, "workers", workers, "queueSize", queueSize)
	return s, nil
}

// Offer enqueues a frame for writing. It returns false, without blocking,
// when the sink is draining or the queue is full; the frame is then skipped.
// wg.Add happens before the enqueue attempt to avoid a race with Drain.
func (s *Sink) Offer(buf *frame.Buffer) bool {
	if !s.accepting.Load() {
		return false
	}

	s.wg.Add(1)
	select {
	case s.queue <- buf:
		return true
	default:
		s.wg.Done()
		log.Warn("sink queue full, frame skipped", logging.KeySequence, buf.Sequence)
		return false
	}
}

// Drain stops accepting frames and waits for queued writes to finish,
// respecting the context deadline.
func (s *Sink) Drain(ctx context.Context) {
	s.accepting.Store(false)
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("frame sink drained")
	case <-ctx.Done():
		log.Warn("frame sink drain timed out")
	}

	s.closeOnce.Do(func() {
		close(s.queue)
	})
}

func (s *Sink) worker() {
	for {
		select {
		case buf, ok := <-s.queue:
			if !ok {
				return
			}
			s.write(buf)
		case <-s.stopChan:
			for {
				select {
				case buf, ok := <-s.queue:
					if !ok {
						return
					}
					s.write(buf)
				default:
					return
				}
			}
		}
	}
}

// write persists one frame with panic recovery; wg.Done here matches the
// wg.Add in Offer.
func (s *Sink) write(buf *frame.Buffer) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error("frame write panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	op := s.mets.StartOperation("sink_write")
	defer s.mets.EndOperation(op)

	path := filepath.Join(s.dir, fmt.Sprintf("frame_%06d_%dx%d.raw", buf.Sequence, buf.Width, buf.Height))
	if err := os.WriteFile(path, buf.Data, 0600); err != nil {
		log.Warn("frame write failed", logging.KeySequence, buf.Sequence, logging.KeyError, err)
	}
}
