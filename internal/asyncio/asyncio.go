// Package asyncio moves writes off the acquisition path: data is queued on
// a channel and drained to a buffered writer by a background goroutine, so
// a slow disk never stalls the caller.
package asyncio

import (
	"bufio"
	"errors"
	"io"
	"time"
)

// ErrQueueFull reports that a write was dropped because the queue was full.
// Callers on a real-time path treat this as data loss to count, not a
// reason to block.
var ErrQueueFull = errors.New("asyncio: write queue full")

// Writer queues byte slices for asynchronous writing to an underlying
// io.Writer. Write never blocks; the background goroutine drains the queue
// and flushes on a timer. Close drains whatever remains and stops the
// goroutine; Write after Close panics.
type Writer struct {
	bw       *bufio.Writer
	inbox    chan []byte
	flushReq chan chan struct{}
	quit     chan struct{}
	done     chan struct{}
	interval time.Duration
}

// NewWriter wraps w with a queue of the given depth, flushing the buffered
// writer every interval.
func NewWriter(w io.Writer, depth int, interval time.Duration) *Writer {
	aw := &Writer{
		bw:       bufio.NewWriter(w),
		inbox:    make(chan []byte, depth),
		flushReq: make(chan chan struct{}),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		interval: interval,
	}
	go aw.drain()
	return aw
}

// Write queues a copy of p. It returns ErrQueueFull, without blocking, if
// the background writer has fallen too far behind.
func (aw *Writer) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	copy(buf, p)
	select {
	case aw.inbox <- buf:
		return len(p), nil
	default:
		return 0, ErrQueueFull
	}
}

// Flush drains the queue into the underlying writer and flushes it,
// blocking until both are done.
func (aw *Writer) Flush() error {
	ack := make(chan struct{})
	select {
	case aw.flushReq <- ack:
		<-ack
		return nil
	case <-aw.done:
		return io.ErrClosedPipe
	}
}

// Close drains remaining data, flushes, and stops the background goroutine.
func (aw *Writer) Close() {
	close(aw.quit)
	<-aw.done
}

func (aw *Writer) drain() {
	defer close(aw.done)
	ticker := time.NewTicker(aw.interval)
	defer ticker.Stop()

	for {
		select {
		case p := <-aw.inbox:
			aw.bw.Write(p)
		case ack := <-aw.flushReq:
			aw.drainAndFlush()
			close(ack)
		case <-ticker.C:
			aw.drainAndFlush()
		case <-aw.quit:
			aw.drainAndFlush()
			return
		}
	}
}

func (aw *Writer) drainAndFlush() {
	for {
		select {
		case p := <-aw.inbox:
			aw.bw.Write(p)
		default:
			aw.bw.Flush()
			return
		}
	}
}
