// Package ringbuf provides the fixed-capacity sample store that backs each
// acquisition channel. One writer (the source's acquisition goroutine) and
// any number of readers share a Ring; when the Ring is full the oldest
// samples are overwritten, so a slow reader loses data rather than ever
// blocking the writer.
package ringbuf

import "sync"

// Ring is a circular buffer of float64 samples. All methods are safe for
// concurrent use. The zero value is not usable; call New.
type Ring struct {
	mu    sync.Mutex
	data  []float64
	next  int    // index where the next sample will be written
	count int    // number of valid samples, always <= len(data)
	total uint64 // samples ever written, monotonic across Clear
}

// New returns a Ring holding at most capacity samples. A capacity below 1
// is treated as 1.
func New(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{data: make([]float64, capacity)}
}

// Capacity returns the fixed number of samples the Ring can hold.
func (r *Ring) Capacity() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.data)
}

// Count returns the number of valid samples currently stored.
func (r *Ring) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Total returns the monotonic count of samples ever written.
func (r *Ring) Total() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Add appends one sample, overwriting the oldest if the Ring is full.
func (r *Ring) Add(v float64) {
	r.mu.Lock()
	r.add(v)
	r.mu.Unlock()
}

// AddRange appends values in order. If len(values) exceeds the capacity,
// only the last Capacity() of them remain afterward.
func (r *Ring) AddRange(values []float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if excess := len(values) - len(r.data); excess > 0 {
		// The first excess values would be overwritten before any reader
		// could see them; account for them in total and skip the copying.
		r.total += uint64(excess)
		values = values[excess:]
	}
	for _, v := range values {
		r.add(v)
	}
}

// add requires r.mu held.
func (r *Ring) add(v float64) {
	r.data[r.next] = v
	r.next++
	if r.next == len(r.data) {
		r.next = 0
	}
	if r.count < len(r.data) {
		r.count++
	}
	r.total++
}

// CopyLatest copies the most recent min(n, Count, len(dest)) samples into
// dest in chronological order and returns how many were copied. It never
// blocks and has no error path: an empty Ring yields 0.
func (r *Ring) CopyLatest(dest []float64, n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > r.count {
		n = r.count
	}
	if n > len(dest) {
		n = len(dest)
	}
	if n <= 0 {
		return 0
	}
	r.copyLast(dest[:n], n)
	return n
}

// copyLast copies the last n samples into dest (len(dest)==n), r.mu held.
func (r *Ring) copyLast(dest []float64, n int) {
	start := r.next - n
	if start >= 0 {
		copy(dest, r.data[start:r.next])
		return
	}
	start += len(r.data)
	k := copy(dest, r.data[start:])
	copy(dest[k:], r.data[:r.next])
}

// ReadNewSince returns all samples written after the given cursor (a value
// previously returned as next, or 0 for "from the beginning"), the new
// cursor, and the number of samples that were overwritten unread. Skipped
// samples are gone: this is the deliberate lossy-read contract, bounded
// memory wins over completeness.
func (r *Ring) ReadNewSince(cursor uint64) (samples []float64, next uint64, skipped int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cursor > r.total {
		// Cursor from before a Resize shrank history; treat as stale.
		cursor = r.total
	}
	avail := r.total - cursor
	n := int(avail)
	if avail > uint64(r.count) {
		n = r.count
		skipped = int(avail - uint64(r.count))
	}
	if n > 0 {
		samples = make([]float64, n)
		r.copyLast(samples, n)
	}
	return samples, r.total, skipped
}

// Clear discards all stored samples. The total-written counter is kept so
// outstanding cursors remain valid.
func (r *Ring) Clear() {
	r.mu.Lock()
	r.next = 0
	r.count = 0
	r.mu.Unlock()
}

// Resize replaces the storage with one of the given capacity, keeping the
// most recent samples that fit. Safe to call while the writer is active.
func (r *Ring) Resize(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	keep := r.count
	if keep > capacity {
		keep = capacity
	}
	data := make([]float64, capacity)
	if keep > 0 {
		r.copyLast(data[:keep], keep)
	}
	r.data = data
	r.count = keep
	r.next = keep % capacity
}
