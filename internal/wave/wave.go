// Package wave maintains the bounded plethysmogram window shown by the
// presentation layer.
package wave

import (
	"sync"

	"github.com/smallnest/ringbuffer"
)

// DefaultWindow is the number of amplitude points retained when no explicit
// window size is configured.
const DefaultWindow = 200

// Window is a fixed-capacity amplitude buffer with evict-oldest semantics:
// appending k points to a full window discards the k oldest points first, so
// the length never exceeds the capacity and relative order is preserved.
//
// A Window is safe for one writer and any number of snapshot readers.
type Window struct {
	mu      sync.Mutex
	rb      *ringbuffer.RingBuffer
	scratch []byte
}

// NewWindow creates a window holding at most capacity points. A non-positive
// capacity falls back to DefaultWindow.
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultWindow
	}
	return &Window{
		rb:      ringbuffer.New(capacity),
		scratch: make([]byte, capacity),
	}
}

// Append adds amplitude points to the window, evicting the oldest points as
// needed to stay within capacity. Runs longer than the capacity keep only
// their newest points.
func (w *Window) Append(amplitudes []byte) {
	if len(amplitudes) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	capacity := w.rb.Capacity()
	if len(amplitudes) > capacity {
		amplitudes = amplitudes[len(amplitudes)-capacity:]
	}

	if evict := len(amplitudes) - w.rb.Free(); evict > 0 {
		// Discard the oldest points to make room.
		_, _ = w.rb.Read(w.scratch[:evict])
	}
	_, _ = w.rb.Write(amplitudes)
}

// Snapshot returns the buffered points oldest-first. The returned slice is a
// copy and safe to retain.
func (w *Window) Snapshot() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rb.Bytes(nil)
}

// Len returns the number of buffered points.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rb.Length()
}

// Reset discards all buffered points, for reuse across connections.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rb.Reset()
}
