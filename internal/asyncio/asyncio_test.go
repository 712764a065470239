package asyncio

import (
	"bytes"
	"sync"
	"testing"
	"time"
)

// syncBuffer lets the test read what the background goroutine wrote without
// a data race.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWriteThenFlushDelivers(t *testing.T) {
	var sink syncBuffer
	w := NewWriter(&sink, 16, time.Hour) // timer never fires during the test
	defer w.Close()

	if _, err := w.Write([]byte("hello ")); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("world")); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	if got := sink.String(); got != "hello world" {
		t.Errorf("sink holds %q, want %q", got, "hello world")
	}
}

func TestWriteCopiesCallerBuffer(t *testing.T) {
	var sink syncBuffer
	w := NewWriter(&sink, 16, time.Hour)
	defer w.Close()

	p := []byte("aaaa")
	w.Write(p)
	copy(p, "bbbb") // caller reuses its buffer immediately
	w.Flush()
	if got := sink.String(); got != "aaaa" {
		t.Errorf("sink holds %q, want %q: queued data must be a copy", got, "aaaa")
	}
}

func TestFullQueueDropsInsteadOfBlocking(t *testing.T) {
	// A writer that blocks forever, so the queue can only fill.
	block := make(chan struct{})
	defer close(block)
	w := NewWriter(blockingWriter{block}, 2, time.Hour)

	// bufio absorbs the first slice handed to the drain goroutine; after
	// the queue also fills, writes must fail fast.
	deadline := time.After(2 * time.Second)
	for {
		_, err := w.Write([]byte("x"))
		if err == ErrQueueFull {
			return
		}
		select {
		case <-deadline:
			t.Fatal("queue never reported full")
		default:
		}
	}
}

type blockingWriter struct{ block chan struct{} }

func (bw blockingWriter) Write(p []byte) (int, error) {
	<-bw.block
	return len(p), nil
}

func TestCloseDrainsRemainingData(t *testing.T) {
	var sink syncBuffer
	w := NewWriter(&sink, 16, time.Hour)
	w.Write([]byte("tail"))
	w.Close()
	if got := sink.String(); got != "tail" {
		t.Errorf("sink holds %q after Close, want %q", got, "tail")
	}
}
